package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/danshapiro/helmsman/internal/controlplane/plan"
	"github.com/danshapiro/helmsman/internal/controlplane/runtime"
)

// RespondCapability is the builtin terminal capability closing a successful
// session: it assembles the final response from the step's input bindings and
// publishes it under both the step's context key and session.response.
type RespondCapability struct{}

func (RespondCapability) Execute(_ context.Context, exec *Execution, step plan.PlannedStep) (runtime.StateUpdate, error) {
	response := map[string]any{
		"task": exec.Task,
	}
	if msg := stepMessage(step); msg != "" {
		response["message"] = msg
	}
	if inputs := collectInputs(exec.Context, step); len(inputs) > 0 {
		response["inputs"] = inputs
	}
	return runtime.StateUpdate{
		ContextUpdates: map[string]any{
			step.ContextKey:    response,
			"session.response": response,
		},
		Notes: "final response assembled",
	}, nil
}

func (RespondCapability) RetryPolicy() runtime.RetryPolicy {
	return runtime.TrivialRetryPolicy()
}

// ClarifyCapability is the builtin terminal capability for plans that end by
// asking the user a question instead of answering.
type ClarifyCapability struct{}

func (ClarifyCapability) Execute(_ context.Context, exec *Execution, step plan.PlannedStep) (runtime.StateUpdate, error) {
	question := stepMessage(step)
	if question == "" {
		question = strings.TrimSpace(step.TaskObjective)
	}
	if question == "" {
		return runtime.StateUpdate{}, fmt.Errorf("clarify step %q carries no question (set parameters.message or task_objective)", step.ContextKey)
	}
	request := map[string]any{
		"task":     exec.Task,
		"question": question,
	}
	return runtime.StateUpdate{
		ContextUpdates: map[string]any{
			step.ContextKey:                 request,
			"session.clarification_request": request,
		},
		Notes: "clarification requested",
	}, nil
}

func (ClarifyCapability) RetryPolicy() runtime.RetryPolicy {
	return runtime.TrivialRetryPolicy()
}

func stepMessage(step plan.PlannedStep) string {
	if step.Parameters == nil {
		return ""
	}
	if v, ok := step.Parameters["message"]; ok {
		return strings.TrimSpace(fmt.Sprint(v))
	}
	return ""
}

// collectInputs resolves the step's input bindings against the session
// context. Missing keys are skipped: terminal steps summarize whatever the
// plan actually produced.
func collectInputs(ctx *runtime.Context, step plan.PlannedStep) map[string]any {
	if ctx == nil || len(step.Inputs) == 0 {
		return nil
	}
	out := map[string]any{}
	for _, in := range step.Inputs {
		if v, ok := ctx.Get(in.ContextKey); ok {
			out[in.ContextKey] = v
		}
	}
	return out
}
