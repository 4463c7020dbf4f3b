// Package engine is the execution control plane: the router that decides what
// runs next, the registry and dispatch wrapper capabilities run behind, the
// classifier/orchestrator dispatch contracts, and the session loop that ties
// them together.
package engine

import (
	"context"

	"github.com/danshapiro/helmsman/internal/controlplane/plan"
	"github.com/danshapiro/helmsman/internal/controlplane/runtime"
)

// Execution is the per-invocation environment handed to a capability.
type Execution struct {
	SessionID string
	Task      string
	Context   *runtime.Context
	LogsRoot  string
}

// Capability is a named, registered unit of work that can be a step in an
// execution plan. Execute returns a partial state update or an error; errors
// must be allowed to escape so the dispatch wrapper can classify them;
// capabilities must not swallow failures meant to reach classification.
type Capability interface {
	Execute(ctx context.Context, exec *Execution, step plan.PlannedStep) (runtime.StateUpdate, error)
}

// ErrorClassifier is an optional interface capabilities implement to translate
// their own failures into the control-plane taxonomy. Capabilities without it
// get the fail-safe CRITICAL classification: unknown errors are never
// silently retried.
type ErrorClassifier interface {
	Capability
	ClassifyError(err error, step plan.PlannedStep) runtime.ErrorClassification
}

// RetryPolicyProvider is an optional interface capabilities implement to
// declare a retry policy. Absent, the trivial single-attempt policy applies.
type RetryPolicyProvider interface {
	Capability
	RetryPolicy() runtime.RetryPolicy
}

// ParameterSchemaProvider is an optional interface capabilities implement to
// declare a JSON Schema for PlannedStep.Parameters. The registry compiles the
// schema at registration and the dispatcher validates step parameters before
// every invocation, so planner-fabricated parameters are caught before the
// capability runs.
type ParameterSchemaProvider interface {
	Capability
	ParameterSchema() map[string]any
}

func capabilityRetryPolicy(c Capability) runtime.RetryPolicy {
	if p, ok := c.(RetryPolicyProvider); ok {
		return p.RetryPolicy()
	}
	return runtime.TrivialRetryPolicy()
}
