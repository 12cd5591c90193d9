package orchestrator

import "time"

// SessionContext is the per-conversation mutable state. It is owned by the
// session store; the executor only ever receives a snapshot and returns
// deltas, so callers can serialize turns however they like.
type SessionContext struct {
	SessionID    string         `json:"session_id"`
	ChannelType  string         `json:"channel_type"`
	FlowID       string         `json:"flow_id,omitempty"`
	CurrentNode  string         `json:"current_node"`
	CurrentState string         `json:"current_state"`
	Slots        map[string]any `json:"slots"`
	TurnCount    int            `json:"turn_count"`
	StartedAt    time.Time      `json:"started_at"`
}

// Clone returns a deep-enough copy for turn execution: the slot map is copied,
// slot values are shared (they are treated as immutable).
func (s *SessionContext) Clone() *SessionContext {
	c := *s
	c.Slots = cloneSlots(s.Slots)
	return &c
}

// MergeSlots overwrites or adds the given slot values. Existing keys are never
// deleted; stale slots persist for the life of the session unless overwritten.
func (s *SessionContext) MergeSlots(updates map[string]any) {
	if len(updates) == 0 {
		return
	}
	if s.Slots == nil {
		s.Slots = make(map[string]any, len(updates))
	}
	for k, v := range updates {
		s.Slots[k] = v
	}
}

func cloneSlots(slots map[string]any) map[string]any {
	c := make(map[string]any, len(slots))
	for k, v := range slots {
		c[k] = v
	}
	return c
}
