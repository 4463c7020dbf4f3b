package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/danshapiro/helmsman/internal/controlplane/runtime"
)

// Reserved control-node names. A capability may not shadow them: the router's
// NextNode namespace would become ambiguous.
var reservedNodeNames = map[string]bool{
	"classifier":      true,
	"orchestrator":    true,
	"task_extraction": true,
	"error":           true,
	"terminate":       true,
	"none":            true,
}

var capabilityNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)*$`)

func ValidateCapabilityName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("capability name is empty")
	}
	if !capabilityNameRe.MatchString(name) {
		return fmt.Errorf("invalid capability name %q (want lowercase dotted identifiers)", name)
	}
	if reservedNodeNames[name] {
		return fmt.Errorf("capability name %q is a reserved control node", name)
	}
	return nil
}

type registeredCapability struct {
	capability Capability
	policy     runtime.RetryPolicy
	schema     *jsonschema.Schema
}

// CapabilityRegistry maps capability names to handlers. It is populated and
// validated at startup, then read-only: concurrent lookup across sessions is
// safe.
type CapabilityRegistry struct {
	mu   sync.RWMutex
	caps map[string]registeredCapability
}

func NewRegistry() *CapabilityRegistry {
	return &CapabilityRegistry{caps: map[string]registeredCapability{}}
}

// NewDefaultRegistry returns a registry with the builtin terminal
// capabilities (respond, clarify) already registered.
func NewDefaultRegistry() *CapabilityRegistry {
	r := NewRegistry()
	// Builtins cannot fail validation.
	_ = r.Register("respond", &RespondCapability{})
	_ = r.Register("clarify", &ClarifyCapability{})
	return r
}

func (r *CapabilityRegistry) Register(name string, c Capability) error {
	if err := ValidateCapabilityName(name); err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("capability %s is nil", name)
	}
	policy := capabilityRetryPolicy(c)
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("capability %s: %w", name, err)
	}
	entry := registeredCapability{capability: c, policy: policy}
	if sp, ok := c.(ParameterSchemaProvider); ok {
		if params := sp.ParameterSchema(); len(params) > 0 {
			s, err := compileSchema(params)
			if err != nil {
				return fmt.Errorf("capability %s schema: %w", name, err)
			}
			entry.schema = s
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.caps == nil {
		r.caps = map[string]registeredCapability{}
	}
	if _, dup := r.caps[name]; dup {
		return fmt.Errorf("capability %s already registered", name)
	}
	r.caps[name] = entry
	return nil
}

// Lookup resolves a capability name. The second return is false for
// unregistered names; the router's unregistered-capability branch keys off
// it, never off a nil handler.
func (r *CapabilityRegistry) Lookup(name string) (Capability, bool) {
	e, ok := r.entry(name)
	if !ok {
		return nil, false
	}
	return e.capability, true
}

// Known reports whether name resolves; it matches the plan validator's
// callback shape.
func (r *CapabilityRegistry) Known(name string) bool {
	_, ok := r.entry(name)
	return ok
}

func (r *CapabilityRegistry) entry(name string) (registeredCapability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.caps[strings.TrimSpace(name)]
	return e, ok
}

// Names returns all registered capability names, sorted.
func (r *CapabilityRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.caps))
	for name := range r.caps {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func compileSchema(params map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}
