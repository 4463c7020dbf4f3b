// Package runtime holds the control-plane data model: the per-session control
// state the router decides over, the error taxonomy capabilities report with,
// and the key/value context steps read and write through.
package runtime

import (
	"strings"
	"sync"

	"github.com/danshapiro/helmsman/internal/controlplane/plan"
)

// ControlState is the single source of truth for routing decisions within one
// task-execution session. It is owned by the session's dispatch loop and
// mutated only between step invocations, with one exception: the kill flag
// may be set from another goroutine (budget watchdog, operator stop) and is
// monotonic: once set it is never cleared within the session.
type ControlState struct {
	SessionID string

	CurrentTask        string
	ActiveCapabilities []string

	Plan             *plan.ExecutionPlan
	CurrentStepIndex int

	RetryCount            int
	ReclassificationCount int
	PlansCreatedCount     int

	// ErrorInfo is present only between a capability failure and the
	// router's next decision; the router consumes it exactly once.
	ErrorInfo *ErrorInfo

	NeedsReclassification  bool
	ReclassificationReason string

	killMu     sync.Mutex
	isKilled   bool
	killReason string
}

func NewControlState(sessionID string) *ControlState {
	return &ControlState{SessionID: strings.TrimSpace(sessionID)}
}

// RecordError stores the classification of a failed capability invocation.
// Called only by the dispatch wrapper.
func (s *ControlState) RecordError(c ErrorClassification, capabilityName string, policy RetryPolicy) {
	s.ErrorInfo = &ErrorInfo{
		Classification: c,
		CapabilityName: strings.TrimSpace(capabilityName),
		RetryPolicy:    policy,
	}
}

func (s *ControlState) ClearError() {
	s.ErrorInfo = nil
}

// IncrementRetry bumps the retry counter and returns the new count. Counts
// retries of the same capability for the same step; reset whenever a step
// completes without error.
func (s *ControlState) IncrementRetry() int {
	s.RetryCount++
	return s.RetryCount
}

func (s *ControlState) ResetRetry() {
	s.RetryCount = 0
}

// IncrementReclassification is called by the classifier dispatch exactly once
// per completed classifier run.
func (s *ControlState) IncrementReclassification() int {
	s.ReclassificationCount++
	return s.ReclassificationCount
}

// IncrementPlansCreated is called by the orchestrator dispatch exactly once
// per accepted plan, never by the router, so attempts that fail validation
// or never reach the orchestrator are not counted.
func (s *ControlState) IncrementPlansCreated() int {
	s.PlansCreatedCount++
	return s.PlansCreatedCount
}

// Kill marks the session for termination. The first reason wins; later calls
// are no-ops.
func (s *ControlState) Kill(reason string) {
	s.killMu.Lock()
	defer s.killMu.Unlock()
	if s.isKilled {
		return
	}
	s.isKilled = true
	s.killReason = strings.TrimSpace(reason)
}

func (s *ControlState) Killed() (bool, string) {
	s.killMu.Lock()
	defer s.killMu.Unlock()
	return s.isKilled, s.killReason
}

// RequestReclassification flags the session for capability re-selection. The
// classifier clears the flag when it completes.
func (s *ControlState) RequestReclassification(reason string) {
	s.NeedsReclassification = true
	s.ReclassificationReason = strings.TrimSpace(reason)
}

func (s *ControlState) ClearReclassification() {
	s.NeedsReclassification = false
	s.ReclassificationReason = ""
}

// ReplacePlan installs a new plan wholesale and rewinds the step cursor.
// Passing nil discards the current plan (e.g., after reclassification).
func (s *ControlState) ReplacePlan(p *plan.ExecutionPlan) {
	s.Plan = p
	s.CurrentStepIndex = 0
}

// AdvanceStep moves the cursor past the step that just completed. Only the
// dispatch loop advances the cursor, never a capability.
func (s *ControlState) AdvanceStep() {
	s.CurrentStepIndex++
}

// CurrentStep returns the step the cursor points at, or false when the cursor
// is past the end of the plan (or no plan exists).
func (s *ControlState) CurrentStep() (plan.PlannedStep, bool) {
	return s.Plan.Step(s.CurrentStepIndex)
}

// CountersSnapshot returns the bounded counters for journaling and final
// outcome reporting.
func (s *ControlState) CountersSnapshot() map[string]int {
	return map[string]int{
		"retry_count":            s.RetryCount,
		"reclassification_count": s.ReclassificationCount,
		"plans_created_count":    s.PlansCreatedCount,
		"current_step_index":     s.CurrentStepIndex,
	}
}
