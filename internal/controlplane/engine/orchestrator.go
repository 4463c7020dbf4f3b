package engine

import (
	"context"
	"fmt"

	"github.com/danshapiro/helmsman/internal/controlplane/plan"
	"github.com/danshapiro/helmsman/internal/controlplane/runtime"
)

// Orchestrator turns the active capability set into an ordered execution
// plan. Plan generation itself is an external collaborator; the dispatch
// contract here enforces the invariants the control plane depends on: every
// accepted plan validates (terminal last step included) and the
// plans-created counter advances exactly once per accepted plan.
type Orchestrator interface {
	Plan(ctx context.Context, task string, activeCapabilities []string, planningContext *runtime.Context) (*plan.ExecutionPlan, error)
}

// dispatchOrchestrator runs the orchestrator under its retry contract. A plan
// that fails validation is rejected and retried like a transport error: it
// is never installed and never counted. On exhaustion it returns the failure
// report for the error path; a non-nil error means the session context was
// canceled.
func (s *Session) dispatchOrchestrator(ctx context.Context) (*runtime.FailureReport, error) {
	policy := s.cfg.orchestratorPolicy()

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := DelayForAttempt(attempt-1, policy)
			s.journal.Append("retry_sleep", map[string]any{
				"node":     string(NodeOrchestrator),
				"attempt":  attempt,
				"delay_ms": delay.Milliseconds(),
			})
			if !sleepWithContext(ctx, delay) {
				return nil, runContextError(ctx)
			}
		}

		p, err := s.orchestrator.Plan(ctx, s.state.CurrentTask, s.state.ActiveCapabilities, s.context)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, runContextError(ctx)
			}
			continue
		}
		if err := plan.FirstError(plan.Validate(p, s.registry.Known)); err != nil {
			lastErr = err
			s.journal.Append("plan_rejected", map[string]any{
				"attempt": attempt,
				"reason":  err.Error(),
			})
			continue
		}

		s.state.ReplacePlan(p)
		count := s.state.IncrementPlansCreated()
		s.journal.Append("plan_accepted", map[string]any{
			"attempt":       attempt,
			"steps":         p.Len(),
			"plans_created": count,
		})
		return nil, nil
	}

	return &runtime.FailureReport{
		Kind:   runtime.FailurePlanningFailed,
		Reason: fmt.Sprintf("orchestrator failed after %d attempts: %v", policy.MaxAttempts, lastErr),
	}, nil
}
