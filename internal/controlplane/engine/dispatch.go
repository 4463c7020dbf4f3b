package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	rdebug "runtime/debug"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/danshapiro/helmsman/internal/controlplane/plan"
	"github.com/danshapiro/helmsman/internal/controlplane/runtime"
)

// Dispatcher invokes capabilities through a uniform wrapper. It is the only
// place exceptions (errors and panics) are caught: on failure it asks the
// capability to classify the error, attaches the capability's retry policy,
// and writes both into the control state before returning to the router.
type Dispatcher struct {
	Registry *CapabilityRegistry
	Journal  *Journal
}

// Dispatch executes the capability for step. It returns the state update and
// true on success; on failure it records the classified error in state and
// returns false. Dispatch never advances the step cursor; that is the
// session loop's job.
func (d *Dispatcher) Dispatch(ctx context.Context, state *runtime.ControlState, exec *Execution, step plan.PlannedStep) (runtime.StateUpdate, bool) {
	callID := ulid.Make().String()
	entry, ok := d.Registry.entry(step.Capability)
	if !ok {
		// The router validates registration before routing here; hitting
		// this means the registry changed underneath the session.
		state.RecordError(runtime.ErrorClassification{
			Severity:    runtime.SeverityCritical,
			UserMessage: fmt.Sprintf("capability %q is not registered", step.Capability),
		}, step.Capability, runtime.TrivialRetryPolicy())
		return runtime.StateUpdate{}, false
	}

	d.Journal.Append("attempt_start", map[string]any{
		"call_id":    callID,
		"capability": step.Capability,
		"step_key":   step.ContextKey,
	})

	if entry.schema != nil {
		if err := validateParameters(entry.schema, step.Parameters); err != nil {
			// Bad parameters are a planning defect, not a capability
			// defect: replanning can produce parameters that validate.
			cls := runtime.ErrorClassification{
				Severity:         runtime.SeverityReplanning,
				UserMessage:      fmt.Sprintf("step %q parameters do not match the %q schema", step.ContextKey, step.Capability),
				TechnicalDetails: err.Error(),
			}
			state.RecordError(cls, step.Capability, entry.policy)
			d.appendAttemptEnd(callID, step, "fail", cls.UserMessage)
			return runtime.StateUpdate{}, false
		}
	}

	update, err := invokeCapability(ctx, entry.capability, exec, step)
	if err != nil {
		cls := classifyCapabilityError(entry.capability, err, step)
		state.RecordError(cls, step.Capability, entry.policy)
		d.appendAttemptEnd(callID, step, "fail", cls.UserMessage)
		return runtime.StateUpdate{}, false
	}

	d.appendAttemptEnd(callID, step, "success", "")
	return update.Canonicalize(), true
}

func (d *Dispatcher) appendAttemptEnd(callID string, step plan.PlannedStep, status, reason string) {
	fields := map[string]any{
		"call_id":    callID,
		"capability": step.Capability,
		"step_key":   step.ContextKey,
		"status":     status,
	}
	if reason != "" {
		fields["failure_reason"] = reason
	}
	d.Journal.Append("attempt_end", fields)
}

// errCapabilityPanic marks failures recovered from a panicking capability.
var errCapabilityPanic = errors.New("capability panic")

// invokeCapability runs the capability with panic containment: a panicking
// handler must not crash the session. The stack is persisted to the session
// logs for diagnosis.
func invokeCapability(ctx context.Context, c Capability, exec *Execution, step plan.PlannedStep) (update runtime.StateUpdate, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(rdebug.Stack())
			if exec != nil && strings.TrimSpace(exec.LogsRoot) != "" {
				name := fmt.Sprintf("panic-%s.txt", step.ContextKey)
				_ = os.WriteFile(filepath.Join(exec.LogsRoot, name), []byte(fmt.Sprintf("%v\n\n%s", r, stack)), 0o644)
			}
			update = runtime.StateUpdate{}
			err = fmt.Errorf("%w: %v", errCapabilityPanic, r)
		}
	}()
	return c.Execute(ctx, exec, step)
}

// classifyCapabilityError converts a raw error into the control-plane
// taxonomy. Panics bypass the capability's own classifier (a capability that
// just panicked cannot be trusted to classify the panic), and anything the
// capability cannot or will not classify defaults to CRITICAL.
func classifyCapabilityError(c Capability, err error, step plan.PlannedStep) runtime.ErrorClassification {
	if errors.Is(err, errCapabilityPanic) {
		return runtime.ErrorClassification{
			Severity:         runtime.SeverityCritical,
			UserMessage:      fmt.Sprintf("capability %q crashed while executing step %q", step.Capability, step.ContextKey),
			TechnicalDetails: err.Error(),
		}
	}
	if classifier, ok := c.(ErrorClassifier); ok {
		cls := classifier.ClassifyError(err, step)
		if cls.Validate() == nil {
			return cls
		}
	}
	return runtime.ErrorClassification{
		Severity:         runtime.SeverityCritical,
		UserMessage:      fmt.Sprintf("capability %q failed: %s", step.Capability, err.Error()),
		TechnicalDetails: err.Error(),
	}
}

func validateParameters(schema *jsonschema.Schema, params map[string]any) error {
	if params == nil {
		params = map[string]any{}
	}
	// jsonschema validates any, but map keys and values must round-trip
	// through JSON types; plan files already deliver them that way.
	return schema.Validate(normalizeJSONValue(params))
}

// normalizeJSONValue coerces Go values into the shapes the schema validator
// expects (map[string]any / []any / primitives).
func normalizeJSONValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeJSONValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeJSONValue(val)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
