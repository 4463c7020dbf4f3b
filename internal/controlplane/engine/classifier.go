package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/danshapiro/helmsman/internal/controlplane/runtime"
)

// Classifier selects which capabilities are relevant to a task. Its internals
// (LLM calls, heuristics) are an external collaborator; only the dispatch
// contract lives here. previousFailure carries the reclassification reason,
// empty on first classification.
type Classifier interface {
	Classify(ctx context.Context, task string, available []string, previousFailure string) ([]string, error)
}

// dispatchClassifier runs the classifier under its own retry contract. On
// success it sets the active capability set, increments the reclassification
// counter exactly once, and clears the reclassification flag. On exhaustion
// it returns the failure report for the error path; a non-nil error means the
// session context was canceled.
func (s *Session) dispatchClassifier(ctx context.Context) (*runtime.FailureReport, error) {
	policy := s.cfg.classifierPolicy()
	reclassifying := s.state.NeedsReclassification
	reason := s.state.ReclassificationReason

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := DelayForAttempt(attempt-1, policy)
			s.journal.Append("retry_sleep", map[string]any{
				"node":     string(NodeClassifier),
				"attempt":  attempt,
				"delay_ms": delay.Milliseconds(),
			})
			if !sleepWithContext(ctx, delay) {
				return nil, runContextError(ctx)
			}
		}

		selected, err := s.classifier.Classify(ctx, s.state.CurrentTask, s.registry.Names(), reason)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, runContextError(ctx)
			}
			continue
		}
		selected = normalizeCapabilitySet(selected)
		if len(selected) == 0 {
			lastErr = fmt.Errorf("classifier selected no capabilities")
			continue
		}

		s.state.ActiveCapabilities = selected
		count := s.state.IncrementReclassification()
		s.state.ClearReclassification()
		if reclassifying {
			// A re-selected capability set invalidates the current plan;
			// the router sends the session back to the orchestrator.
			s.state.ReplacePlan(nil)
		}
		s.journal.Append("classifier_completed", map[string]any{
			"attempt":                attempt,
			"capabilities":           selected,
			"reclassification_count": count,
			"reclassifying":          reclassifying,
		})
		return nil, nil
	}

	return &runtime.FailureReport{
		Kind:   runtime.FailureClassificationFailed,
		Reason: fmt.Sprintf("classifier failed after %d attempts: %v", policy.MaxAttempts, lastErr),
	}, nil
}

func normalizeCapabilitySet(names []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(strings.ToLower(n))
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
