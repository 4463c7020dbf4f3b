package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danshapiro/helmsman/internal/controlplane/runtime"
)

// NextNode is the router's verdict: a capability name, or one of the reserved
// control nodes.
type NextNode string

const (
	NodeClassifier     NextNode = "classifier"
	NodeOrchestrator   NextNode = "orchestrator"
	NodeTaskExtraction NextNode = "task_extraction"
	NodeError          NextNode = "error"
	NodeTerminate      NextNode = "terminate"
)

// Decision is one routing decision. RetryAfter is the backoff the scheduler
// must await before dispatching Next; the router never sleeps itself.
// Failure is set exactly when Next is NodeError.
type Decision struct {
	Next       NextNode
	RetryAfter time.Duration
	// Attempt is the 1-indexed execution number of the step about to run,
	// set only on retry decisions.
	Attempt int
	Failure *runtime.FailureReport
}

// ErrPlanExhausted means the step cursor ran past the end of the plan. The
// orchestrator guarantees every accepted plan ends in a terminal capability,
// so reaching this state means plan validation was bypassed: a bug, not a
// routing condition.
var ErrPlanExhausted = errors.New("step cursor past the end of the plan")

// Router is the decision authority. Given the full control state it returns
// the next node to run. Pure with respect to its inputs except for the retry
// counter it advances as part of deciding a retry, and the pending-error
// record it consumes.
type Router struct {
	Registry             *CapabilityRegistry
	MaxPlanningAttempts  int
	MaxReclassifications int
}

// Decide implements the routing algorithm in strict precedence order: pending
// errors first, then the normal flow.
func (r *Router) Decide(state *runtime.ControlState) (Decision, error) {
	if state == nil {
		return Decision{}, fmt.Errorf("decide: nil control state")
	}
	if r.Registry == nil {
		return Decision{}, fmt.Errorf("decide: nil capability registry")
	}

	if info := state.ErrorInfo; info != nil {
		state.ClearError()
		return r.decideError(state, info), nil
	}

	// Normal flow: clean slate for whatever runs next.
	state.ResetRetry()

	if killed, reason := state.Killed(); killed {
		if reason == "" {
			reason = "session killed"
		}
		return errorDecision(&runtime.FailureReport{
			Kind:   runtime.FailureKilled,
			Reason: reason,
		}), nil
	}
	if strings.TrimSpace(state.CurrentTask) == "" {
		return Decision{Next: NodeTaskExtraction}, nil
	}
	if state.NeedsReclassification {
		if state.ReclassificationCount >= r.MaxReclassifications {
			return errorDecision(&runtime.FailureReport{
				Kind: runtime.FailureReclassificationExhausted,
				Reason: fmt.Sprintf("reclassification budget exhausted (%d of %d): %s",
					state.ReclassificationCount, r.MaxReclassifications, state.ReclassificationReason),
			}), nil
		}
		return Decision{Next: NodeClassifier}, nil
	}
	if len(state.ActiveCapabilities) == 0 {
		return Decision{Next: NodeClassifier}, nil
	}
	if state.Plan == nil {
		return Decision{Next: NodeOrchestrator}, nil
	}
	if state.CurrentStepIndex >= state.Plan.Len() {
		return Decision{}, fmt.Errorf("%w: step %d of %d (session %s)",
			ErrPlanExhausted, state.CurrentStepIndex, state.Plan.Len(), state.SessionID)
	}

	step := state.Plan.Steps[state.CurrentStepIndex]
	if _, ok := r.Registry.Lookup(step.Capability); !ok {
		return errorDecision(&runtime.FailureReport{
			Kind:           runtime.FailureUnregisteredCapability,
			CapabilityName: step.Capability,
			Reason:         fmt.Sprintf("plan step %q references unregistered capability %q", step.ContextKey, step.Capability),
		}), nil
	}
	return Decision{Next: NextNode(step.Capability)}, nil
}

// decideError handles a pending error in severity order. The severity switch
// is deliberately closed: anything outside the taxonomy takes the fail-safe
// error path and is never retried.
func (r *Router) decideError(state *runtime.ControlState, info *runtime.ErrorInfo) Decision {
	cls := info.Classification
	switch cls.Severity {
	case runtime.SeverityRetriable:
		// MaxAttempts bounds total executions; retryCount of them have
		// already run as retries, plus the initial attempt.
		if state.RetryCount+1 < info.RetryPolicy.MaxAttempts {
			delay := DelayForAttempt(state.RetryCount, info.RetryPolicy)
			retries := state.IncrementRetry()
			return Decision{
				Next:       NextNode(info.CapabilityName),
				RetryAfter: delay,
				Attempt:    retries + 1,
			}
		}
		return errorDecision(&runtime.FailureReport{
			Kind:           runtime.FailureRetryExhausted,
			CapabilityName: info.CapabilityName,
			Reason: fmt.Sprintf("retry budget exhausted after %d attempts: %s",
				info.RetryPolicy.MaxAttempts, cls.UserMessage),
			Classification: &cls,
		})
	case runtime.SeverityReplanning:
		if state.PlansCreatedCount < r.MaxPlanningAttempts {
			// The orchestrator dispatch increments plans_created when a
			// plan is actually accepted; counting here would double-count
			// attempts that never produce a plan.
			return Decision{Next: NodeOrchestrator}
		}
		return errorDecision(&runtime.FailureReport{
			Kind:           runtime.FailurePlanningExhausted,
			CapabilityName: info.CapabilityName,
			Reason: fmt.Sprintf("planning budget exhausted (%d of %d): %s",
				state.PlansCreatedCount, r.MaxPlanningAttempts, cls.UserMessage),
			Classification: &cls,
		})
	case runtime.SeverityCritical:
		return errorDecision(&runtime.FailureReport{
			Kind:           runtime.FailureCritical,
			CapabilityName: info.CapabilityName,
			Reason:         cls.UserMessage,
			Classification: &cls,
		})
	default:
		return errorDecision(&runtime.FailureReport{
			Kind:           runtime.FailureUnknownSeverity,
			CapabilityName: info.CapabilityName,
			Reason:         fmt.Sprintf("unknown severity %q: %s", cls.Severity, cls.UserMessage),
			Classification: &cls,
		})
	}
}

func errorDecision(report *runtime.FailureReport) Decision {
	if report.Signature == "" {
		var sev runtime.Severity
		if report.Classification != nil {
			sev = report.Classification.Severity
		}
		report.Signature = FailureSignature(report.CapabilityName, sev, report.Reason)
	}
	return Decision{Next: NodeError, Failure: report}
}
