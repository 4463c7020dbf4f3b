package plan

import (
	"fmt"
	"strings"
)

type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
)

type Diagnostic struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	StepKey  string   `json:"step_key,omitempty"`
}

// Validate checks the plan invariants the orchestrator must guarantee before
// a plan is accepted. known reports whether a capability name resolves in the
// registry; pass nil to skip registry checks (e.g., offline plan linting
// without a populated registry).
func Validate(p *ExecutionPlan, known func(string) bool) []Diagnostic {
	var diags []Diagnostic

	if p.Len() == 0 {
		return append(diags, Diagnostic{
			Rule:     "plan_nonempty",
			Severity: SeverityError,
			Message:  "plan has no steps",
		})
	}

	seen := map[string]bool{}
	for i, step := range p.Steps {
		key := strings.TrimSpace(step.ContextKey)
		if key == "" {
			diags = append(diags, Diagnostic{
				Rule:     "step_context_key",
				Severity: SeverityError,
				Message:  fmt.Sprintf("step %d has an empty context_key", i),
			})
		} else if seen[key] {
			diags = append(diags, Diagnostic{
				Rule:     "step_context_key_unique",
				Severity: SeverityError,
				Message:  fmt.Sprintf("context_key %q is used by more than one step", key),
				StepKey:  key,
			})
		}

		cap := strings.TrimSpace(step.Capability)
		if cap == "" {
			diags = append(diags, Diagnostic{
				Rule:     "step_capability",
				Severity: SeverityError,
				Message:  fmt.Sprintf("step %q names no capability", key),
				StepKey:  key,
			})
		} else if known != nil && !known(cap) {
			diags = append(diags, Diagnostic{
				Rule:     "step_capability_known",
				Severity: SeverityError,
				Message:  fmt.Sprintf("step %q references unregistered capability %q", key, cap),
				StepKey:  key,
			})
		}

		if strings.TrimSpace(step.TaskObjective) == "" {
			diags = append(diags, Diagnostic{
				Rule:     "step_objective",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("step %q has no task_objective", key),
				StepKey:  key,
			})
		}

		// Input bindings may only reference context keys produced by earlier
		// steps. A forward or dangling reference makes the step unrunnable.
		for _, in := range step.Inputs {
			ref := strings.TrimSpace(in.ContextKey)
			if ref == "" {
				diags = append(diags, Diagnostic{
					Rule:     "input_context_key",
					Severity: SeverityError,
					Message:  fmt.Sprintf("step %q has an input binding with an empty context_key", key),
					StepKey:  key,
				})
				continue
			}
			if !seen[ref] {
				diags = append(diags, Diagnostic{
					Rule:     "input_reference",
					Severity: SeverityError,
					Message:  fmt.Sprintf("step %q input %q does not reference an earlier step's context_key", key, ref),
					StepKey:  key,
				})
			}
		}

		if key != "" {
			seen[key] = true
		}
	}

	// The terminal invariant: a plan that does not end in a terminal
	// capability can run past its own end, which the router treats as a
	// fatal bug. Plans failing this must never be accepted.
	if last, ok := p.LastStep(); ok && !IsTerminalCapability(last.Capability) {
		diags = append(diags, Diagnostic{
			Rule:     "terminal_last_step",
			Severity: SeverityError,
			Message:  fmt.Sprintf("last step %q uses capability %q; plans must end in one of %v", last.ContextKey, last.Capability, TerminalCapabilityNames()),
			StepKey:  last.ContextKey,
		})
	}

	return diags
}

// FirstError returns the first ERROR diagnostic as an error, or nil when the
// plan is acceptable.
func FirstError(diags []Diagnostic) error {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return fmt.Errorf("plan validation: %s: %s", d.Rule, d.Message)
		}
	}
	return nil
}
