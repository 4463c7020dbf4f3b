package runtime

// StateUpdate is the partial state a capability returns on success. The
// dispatch loop folds it into the session; capabilities never mutate shared
// state directly.
type StateUpdate struct {
	// ContextUpdates are merged into the session context. A nil value
	// deletes the key.
	ContextUpdates map[string]any `json:"context_updates,omitempty"`

	// NeedsReclassification asks for capability re-selection before the
	// next plan step runs. Bounded by the session's reclassification budget.
	NeedsReclassification  bool   `json:"needs_reclassification,omitempty"`
	ReclassificationReason string `json:"reclassification_reason,omitempty"`

	Notes string `json:"notes,omitempty"`
}

func (u StateUpdate) Canonicalize() StateUpdate {
	if u.ContextUpdates == nil {
		u.ContextUpdates = map[string]any{}
	}
	return u
}
