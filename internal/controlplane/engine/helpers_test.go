package engine

import (
	"context"
	"fmt"

	"github.com/danshapiro/helmsman/internal/controlplane/plan"
	"github.com/danshapiro/helmsman/internal/controlplane/runtime"
)

// fakeCapability scripts per-call outcomes: each call pops the next entry
// from script; a nil entry means success.
type fakeCapability struct {
	script []error

	policy         runtime.RetryPolicy
	classification *runtime.ErrorClassification
	schema         map[string]any
	update         runtime.StateUpdate
	panicValue     any

	calls int
}

func (f *fakeCapability) Execute(_ context.Context, _ *Execution, _ plan.PlannedStep) (runtime.StateUpdate, error) {
	f.calls++
	if f.panicValue != nil {
		panic(f.panicValue)
	}
	var err error
	if len(f.script) > 0 {
		err = f.script[0]
		f.script = f.script[1:]
	}
	if err != nil {
		return runtime.StateUpdate{}, err
	}
	return f.update, nil
}

func (f *fakeCapability) RetryPolicy() runtime.RetryPolicy {
	if f.policy.MaxAttempts == 0 {
		return runtime.TrivialRetryPolicy()
	}
	return f.policy
}

func (f *fakeCapability) ClassifyError(err error, _ plan.PlannedStep) runtime.ErrorClassification {
	if f.classification != nil {
		return *f.classification
	}
	return runtime.ErrorClassification{
		Severity:    runtime.SeverityRetriable,
		UserMessage: err.Error(),
	}
}

func (f *fakeCapability) ParameterSchema() map[string]any {
	return f.schema
}

// fakeClassifier returns selections in order, one per call; after they run
// out it repeats the last one. A nil selection entry fails that call.
type fakeClassifier struct {
	selections [][]string
	calls      int
}

func (f *fakeClassifier) Classify(_ context.Context, _ string, _ []string, _ string) ([]string, error) {
	f.calls++
	idx := f.calls - 1
	if idx >= len(f.selections) {
		idx = len(f.selections) - 1
	}
	if idx < 0 || f.selections[idx] == nil {
		return nil, fmt.Errorf("classifier backend unavailable")
	}
	return f.selections[idx], nil
}

// fakeOrchestrator returns plans in order, one per call; after they run out
// it repeats the last one. A nil plan entry fails that call.
type fakeOrchestrator struct {
	plans []*plan.ExecutionPlan
	calls int
}

func (f *fakeOrchestrator) Plan(_ context.Context, _ string, _ []string, _ *runtime.Context) (*plan.ExecutionPlan, error) {
	f.calls++
	idx := f.calls - 1
	if idx >= len(f.plans) {
		idx = len(f.plans) - 1
	}
	if idx < 0 || f.plans[idx] == nil {
		return nil, fmt.Errorf("orchestrator backend unavailable")
	}
	return f.plans[idx], nil
}

func respondPlan(keys ...string) *plan.ExecutionPlan {
	p := &plan.ExecutionPlan{}
	for _, k := range keys {
		p.Steps = append(p.Steps, plan.PlannedStep{
			ContextKey:    k,
			Capability:    "work",
			TaskObjective: "do " + k,
		})
	}
	p.Steps = append(p.Steps, plan.PlannedStep{
		ContextKey:    "answer",
		Capability:    "respond",
		TaskObjective: "reply",
	})
	return p
}

func testRegistry(work Capability) *CapabilityRegistry {
	r := NewDefaultRegistry()
	if work != nil {
		if err := r.Register("work", work); err != nil {
			panic(err)
		}
	}
	return r
}

func quietConfig() Config {
	var cfg Config
	cfg.Journal.Disabled = true
	zero := 0
	factor := 1.0
	cfg.Classifier.InitialDelayMS = &zero
	cfg.Classifier.BackoffFactor = &factor
	cfg.Orchestrator.InitialDelayMS = &zero
	cfg.Orchestrator.BackoffFactor = &factor
	return cfg
}
