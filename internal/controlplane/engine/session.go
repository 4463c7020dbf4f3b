package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/danshapiro/helmsman/internal/controlplane/plan"
	"github.com/danshapiro/helmsman/internal/controlplane/runtime"
)

// NewSessionID returns a globally unique filesystem-safe session identifier.
func NewSessionID() string {
	return ulid.Make().String()
}

// SessionOptions configures one task-execution session.
type SessionOptions struct {
	// SessionID defaults to a fresh ULID.
	SessionID string

	// Input is the raw user input handed to task extraction.
	Input string

	// LogsRoot defaults to:
	//   ${XDG_STATE_HOME:-$HOME/.local/state}/helmsman/sessions/<session_id>
	LogsRoot string

	Config Config

	// Registry defaults to NewDefaultRegistry (terminal capabilities only).
	Registry *CapabilityRegistry

	Classifier   Classifier
	Orchestrator Orchestrator

	// Extractor defaults to IdentityExtractor.
	Extractor TaskExtractor
}

// Session owns one ControlState and drives it through the decision loop.
// Independent sessions share nothing mutable and may run concurrently; within
// a session, decisions and dispatches are strictly sequential.
type Session struct {
	cfg        Config
	registry   *CapabilityRegistry
	router     *Router
	dispatcher *Dispatcher

	classifier   Classifier
	orchestrator Orchestrator
	extractor    TaskExtractor

	state   *runtime.ControlState
	context *runtime.Context
	journal *Journal

	input    string
	logsRoot string

	// Consecutive identical failure signatures; reset on any successful
	// step. Trips the circuit breaker before budgets are burned on a
	// failure that will never change.
	failureSignatures map[string]int

	stepsCompleted int
	finalPersisted bool
}

// Result is the session's terminal outcome.
type Result struct {
	SessionID      string
	FinalStatus    runtime.FinalStatus
	LogsRoot       string
	StepsCompleted int

	// Response is the value the terminal capability published under
	// session.response (or session.clarification_request for clarify).
	Response any

	Failure *runtime.FailureReport
}

func NewSession(opts SessionOptions) (*Session, error) {
	if opts.Classifier == nil {
		return nil, fmt.Errorf("session: classifier is required")
	}
	if opts.Orchestrator == nil {
		return nil, fmt.Errorf("session: orchestrator is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(opts.SessionID) == "" {
		opts.SessionID = NewSessionID()
	}
	if opts.Registry == nil {
		opts.Registry = NewDefaultRegistry()
	}
	if opts.Extractor == nil {
		opts.Extractor = IdentityExtractor{}
	}
	if strings.TrimSpace(opts.LogsRoot) == "" {
		opts.LogsRoot = defaultLogsRoot(opts.SessionID)
	}

	journal := NopJournal()
	if !opts.Config.Journal.Disabled {
		j, err := NewJournal(opts.LogsRoot, opts.Config.Journal.BinaryEnabled)
		if err != nil {
			return nil, fmt.Errorf("session journal: %w", err)
		}
		journal = j
	} else if err := os.MkdirAll(opts.LogsRoot, 0o755); err != nil {
		return nil, err
	}

	s := &Session{
		cfg:      opts.Config,
		registry: opts.Registry,
		router: &Router{
			Registry:             opts.Registry,
			MaxPlanningAttempts:  opts.Config.maxPlanningAttempts(),
			MaxReclassifications: opts.Config.maxReclassifications(),
		},
		classifier:        opts.Classifier,
		orchestrator:      opts.Orchestrator,
		extractor:         opts.Extractor,
		state:             runtime.NewControlState(opts.SessionID),
		context:           runtime.NewContext(),
		journal:           journal,
		input:             opts.Input,
		logsRoot:          opts.LogsRoot,
		failureSignatures: map[string]int{},
	}
	s.dispatcher = &Dispatcher{Registry: opts.Registry, Journal: journal}
	return s, nil
}

// State exposes the control state for inspection. Callers must not mutate it
// while Run is in flight; Kill is the only cross-goroutine entry point.
func (s *Session) State() *runtime.ControlState {
	return s.state
}

// Kill marks the session for termination. A capability already in flight
// finishes and its result is discarded before the next decision.
func (s *Session) Kill(reason string) {
	s.state.Kill(reason)
	s.journal.Append("kill", map[string]any{"reason": reason})
}

// Run drives the session to a terminal decision. A non-nil error means the
// control plane itself failed (context canceled, invariant violation);
// bounded failures surface as a fail Result instead.
func (s *Session) Run(ctx context.Context) (*Result, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.journal.Close()

	if budget := s.cfg.maxExecutionTime(); budget > 0 {
		go s.runBudgetWatchdog(runCtx, budget)
	}

	s.journal.Append("session_started", map[string]any{
		"session_id": s.state.SessionID,
		"logs_root":  s.logsRoot,
	})

	for {
		if err := runContextError(ctx); err != nil {
			return nil, err
		}

		decision, err := s.router.Decide(s.state)
		if err != nil {
			s.persistFatalOutcome(err)
			return nil, err
		}
		s.journal.Append("decision", map[string]any{
			"next":           string(decision.Next),
			"retry_after_ms": decision.RetryAfter.Milliseconds(),
			"counters":       s.state.CountersSnapshot(),
		})

		if decision.RetryAfter > 0 {
			s.journal.Append("retry_sleep", map[string]any{
				"node":     string(decision.Next),
				"attempt":  decision.Attempt,
				"delay_ms": decision.RetryAfter.Milliseconds(),
			})
			if !sleepWithContext(ctx, decision.RetryAfter) {
				return nil, runContextError(ctx)
			}
		}

		switch decision.Next {
		case NodeError:
			return s.finishFailure(decision.Failure)
		case NodeTaskExtraction:
			report, err := s.dispatchTaskExtraction(ctx)
			if err != nil {
				return nil, err
			}
			if report != nil {
				return s.finishFailure(report)
			}
		case NodeClassifier:
			report, err := s.dispatchClassifier(ctx)
			if err != nil {
				return nil, err
			}
			if report != nil {
				return s.finishFailure(report)
			}
		case NodeOrchestrator:
			report, err := s.dispatchOrchestrator(ctx)
			if err != nil {
				return nil, err
			}
			if report != nil {
				return s.finishFailure(report)
			}
		default:
			terminal, report, err := s.dispatchStep(ctx, string(decision.Next))
			if err != nil {
				s.persistFatalOutcome(err)
				return nil, err
			}
			if report != nil {
				return s.finishFailure(report)
			}
			if terminal {
				return s.finishSuccess()
			}
		}
	}
}

// dispatchStep executes the current plan step through the capability wrapper
// and folds the outcome into state. terminal is true when a terminal
// capability completed, ending the session.
func (s *Session) dispatchStep(ctx context.Context, capabilityName string) (terminal bool, report *runtime.FailureReport, err error) {
	step, ok := s.state.CurrentStep()
	if !ok {
		return false, nil, fmt.Errorf("%w: step %d of %d (session %s)",
			ErrPlanExhausted, s.state.CurrentStepIndex, s.state.Plan.Len(), s.state.SessionID)
	}
	if step.Capability != capabilityName {
		return false, nil, fmt.Errorf("routing mismatch: decided %q but current step %q runs %q",
			capabilityName, step.ContextKey, step.Capability)
	}

	update, ok := s.dispatcher.Dispatch(ctx, s.state, s.execution(), step)
	if cerr := runContextError(ctx); cerr != nil {
		return false, nil, cerr
	}

	if killed, reason := s.state.Killed(); killed {
		// The capability was already in flight when the kill landed: let
		// the result drop and route through the error path next.
		s.state.ClearError()
		s.journal.Append("result_discarded", map[string]any{
			"capability": step.Capability,
			"step_key":   step.ContextKey,
			"reason":     reason,
		})
		return false, nil, nil
	}

	if !ok {
		if tripped := s.trackFailureSignature(step); tripped != nil {
			s.state.ClearError()
			return false, tripped, nil
		}
		return false, nil, nil
	}

	s.applyUpdate(step, update)
	s.failureSignatures = map[string]int{}
	s.state.ResetRetry()
	s.stepsCompleted++
	s.state.AdvanceStep()
	s.journal.Append("step_completed", map[string]any{
		"capability": step.Capability,
		"step_key":   step.ContextKey,
		"step_index": s.state.CurrentStepIndex - 1,
	})
	return plan.IsTerminalCapability(step.Capability), nil, nil
}

func (s *Session) applyUpdate(step plan.PlannedStep, update runtime.StateUpdate) {
	s.context.ApplyUpdates(update.ContextUpdates)
	if update.Notes != "" {
		s.context.AppendLog(fmt.Sprintf("%s: %s", step.ContextKey, update.Notes))
	}
	if update.NeedsReclassification {
		s.state.RequestReclassification(update.ReclassificationReason)
	}
}

// trackFailureSignature counts consecutive identical failures and returns a
// failure report when the circuit breaker trips.
func (s *Session) trackFailureSignature(step plan.PlannedStep) *runtime.FailureReport {
	info := s.state.ErrorInfo
	if info == nil {
		return nil
	}
	sig := FailureSignature(info.CapabilityName, info.Classification.Severity, info.Classification.UserMessage)
	s.failureSignatures[sig]++
	count := s.failureSignatures[sig]
	limit := s.cfg.maxIdenticalFailures()
	s.journal.Append("failure_signature", map[string]any{
		"capability":      step.Capability,
		"signature":       sig,
		"signature_count": count,
		"signature_limit": limit,
	})
	if count < limit {
		return nil
	}
	cls := info.Classification
	return &runtime.FailureReport{
		Kind:           runtime.FailureIdenticalFailureCycle,
		CapabilityName: info.CapabilityName,
		Reason: fmt.Sprintf("identical failure repeated %d times (limit %d): %s",
			count, limit, cls.UserMessage),
		Signature:      sig,
		Classification: &cls,
	}
}

func (s *Session) execution() *Execution {
	return &Execution{
		SessionID: s.state.SessionID,
		Task:      s.state.CurrentTask,
		Context:   s.context,
		LogsRoot:  s.logsRoot,
	}
}

func (s *Session) finishSuccess() (*Result, error) {
	response, _ := s.context.Get("session.response")
	if response == nil {
		response, _ = s.context.Get("session.clarification_request")
	}
	s.persistFinalOutcome(runtime.FinalSuccess, nil)
	return &Result{
		SessionID:      s.state.SessionID,
		FinalStatus:    runtime.FinalSuccess,
		LogsRoot:       s.logsRoot,
		StepsCompleted: s.stepsCompleted,
		Response:       response,
	}, nil
}

func (s *Session) finishFailure(report *runtime.FailureReport) (*Result, error) {
	if report == nil {
		report = &runtime.FailureReport{
			Kind:   runtime.FailureCritical,
			Reason: "error path reached without a failure report",
		}
	}
	if report.Signature == "" {
		var sev runtime.Severity
		if report.Classification != nil {
			sev = report.Classification.Severity
		}
		report.Signature = FailureSignature(report.CapabilityName, sev, report.Reason)
	}
	s.persistFinalOutcome(runtime.FinalFail, report)
	return &Result{
		SessionID:      s.state.SessionID,
		FinalStatus:    runtime.FinalFail,
		LogsRoot:       s.logsRoot,
		StepsCompleted: s.stepsCompleted,
		Failure:        report,
	}, nil
}

func (s *Session) persistFatalOutcome(err error) {
	s.persistFinalOutcome(runtime.FinalFail, &runtime.FailureReport{
		Kind:   runtime.FailureCritical,
		Reason: err.Error(),
	})
}

func (s *Session) persistFinalOutcome(status runtime.FinalStatus, report *runtime.FailureReport) {
	if s.finalPersisted {
		return
	}
	s.finalPersisted = true

	fields := map[string]any{
		"status":          string(status),
		"steps_completed": s.stepsCompleted,
		"counters":        s.state.CountersSnapshot(),
	}
	if report != nil {
		fields["failure_kind"] = string(report.Kind)
		fields["failure_reason"] = report.Reason
	}
	s.journal.Append("session_finished", fields)

	final := runtime.FinalOutcome{
		Timestamp:      time.Now().UTC(),
		Status:         status,
		SessionID:      s.state.SessionID,
		Task:           s.state.CurrentTask,
		StepsCompleted: s.stepsCompleted,
		Counters:       s.state.CountersSnapshot(),
		Failure:        report,
	}
	_ = final.Save(filepath.Join(s.logsRoot, "final.json"))

	if s.cfg.Archive.Enabled {
		if _, err := WriteSessionArchive(s.logsRoot, s.cfg.Archive.ExcludeGlobs); err != nil {
			s.journal.Append("archive_failed", map[string]any{"error": err.Error()})
		}
	}
}

// runBudgetWatchdog forces a kill when the session-wide execution budget
// elapses. A capability in flight finishes; its result is discarded.
func (s *Session) runBudgetWatchdog(ctx context.Context, budget time.Duration) {
	timer := time.NewTimer(budget)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
		s.Kill(fmt.Sprintf("session budget exceeded after %s", budget))
	}
}

func runContextError(ctx context.Context) error {
	if ctx == nil || ctx.Err() == nil {
		return nil
	}
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return ctx.Err()
}

func defaultLogsRoot(sessionID string) string {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home := os.Getenv("HOME")
		if home == "" {
			base = "."
		} else {
			base = filepath.Join(home, ".local", "state")
		}
	}
	return filepath.Join(base, "helmsman", "sessions", sessionID)
}
