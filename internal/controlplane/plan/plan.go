// Package plan defines the execution-plan model produced by the orchestrator:
// an ordered sequence of steps, each naming the capability that runs it.
// Plans are immutable once accepted; replanning replaces a plan wholesale,
// individual steps are never mutated in place.
package plan

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// terminalCapabilities is the closed set of capabilities allowed to end a
// plan. Every accepted plan's last step must name one of these.
var terminalCapabilities = map[string]bool{
	"respond": true,
	"clarify": true,
}

func IsTerminalCapability(name string) bool {
	return terminalCapabilities[strings.TrimSpace(strings.ToLower(name))]
}

// TerminalCapabilityNames returns the reserved terminal capability names in a
// stable order.
func TerminalCapabilityNames() []string {
	return []string{"clarify", "respond"}
}

// InputBinding maps a context type expected by a step to the context key that
// satisfies it.
type InputBinding struct {
	ContextType string `json:"context_type" yaml:"context_type"`
	ContextKey  string `json:"context_key" yaml:"context_key"`
}

// PlannedStep is one unit of the plan. Steps are value types and immutable
// once planned.
type PlannedStep struct {
	ContextKey      string         `json:"context_key" yaml:"context_key"`
	Capability      string         `json:"capability" yaml:"capability"`
	TaskObjective   string         `json:"task_objective" yaml:"task_objective"`
	ExpectedOutput  string         `json:"expected_output,omitempty" yaml:"expected_output,omitempty"`
	SuccessCriteria string         `json:"success_criteria,omitempty" yaml:"success_criteria,omitempty"`
	Inputs          []InputBinding `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Parameters      map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// ExecutionPlan is the ordered step sequence for one task.
type ExecutionPlan struct {
	Steps []PlannedStep `json:"steps" yaml:"steps"`
}

func (p *ExecutionPlan) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Steps)
}

// Step returns the step at index i, or false when i is out of range.
func (p *ExecutionPlan) Step(i int) (PlannedStep, bool) {
	if p == nil || i < 0 || i >= len(p.Steps) {
		return PlannedStep{}, false
	}
	return p.Steps[i], true
}

// LastStep returns the final step, or false for an empty plan.
func (p *ExecutionPlan) LastStep() (PlannedStep, bool) {
	if p.Len() == 0 {
		return PlannedStep{}, false
	}
	return p.Steps[len(p.Steps)-1], true
}

// Load reads a plan from a YAML or JSON file (YAML parses both).
func Load(path string) (*ExecutionPlan, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p ExecutionPlan
	if err := yaml.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("parse plan %s: %w", path, err)
	}
	return &p, nil
}
