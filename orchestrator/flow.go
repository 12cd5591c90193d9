package orchestrator

import (
	"encoding/json"
	"time"
)

// NodeKind is the normalized dialogue node type. Flow definitions use free-form
// type strings on the wire; Kind() maps them onto this closed set so the
// executor can dispatch exhaustively, with KindUnknown as an explicit variant.
type NodeKind string

const (
	KindGreeting     NodeKind = "greeting"
	KindIntentRouter NodeKind = "intent_router"
	KindResponse     NodeKind = "response"
	KindSlotFiller   NodeKind = "slot_filler"
	KindAPICaller    NodeKind = "api_caller"
	KindUnknown      NodeKind = "unknown"
)

// Node is a single dialogue flow node. It is a tagged variant discriminated by
// Type; each kind reads only its own fields and ignores the rest. Nodes are
// immutable once loaded.
type Node struct {
	ID   string `json:"id"`
	Type string `json:"type"`

	// greeting and response nodes
	Template string `json:"template,omitempty"`
	Next     string `json:"next,omitempty"`

	// intent_router nodes
	IntentMapping map[string]string `json:"intent_mapping,omitempty"`
	DefaultNext   string            `json:"default_next,omitempty"`

	// Direct intent binding, consulted only when a flow has no router node.
	Intent string `json:"intent,omitempty"`

	// slot_filler nodes
	SlotName               string `json:"slot_name,omitempty"`
	PromptTemplate         string `json:"prompt_template,omitempty"`
	AcknowledgmentTemplate string `json:"acknowledgment_template,omitempty"`
	NextOnFilled           string `json:"next_on_filled,omitempty"`
	Validation             string `json:"validation,omitempty"`
	ValidationTemplate     string `json:"validation_template,omitempty"`

	// api_caller nodes
	APIConfig map[string]any `json:"api_config,omitempty"`
}

// Kind normalizes the wire-level type string. "intent_classifier" is a legacy
// alias for "intent_router"; anything unrecognized (including an empty type)
// is KindUnknown.
func (n *Node) Kind() NodeKind {
	switch n.Type {
	case "greeting":
		return KindGreeting
	case "intent_router", "intent_classifier":
		return KindIntentRouter
	case "response":
		return KindResponse
	case "slot_filler":
		return KindSlotFiller
	case "api_caller":
		return KindAPICaller
	default:
		return KindUnknown
	}
}

// FlowDefinition is an externally authored dialogue graph. It is read-only for
// the executor: fetched by id, never mutated.
type FlowDefinition struct {
	Nodes         []Node            `json:"nodes"`
	GlobalIntents map[string]string `json:"global_intents,omitempty"`
}

// FindNode returns the node with the given id, or nil.
func (f *FlowDefinition) FindNode(id string) *Node {
	for i := range f.Nodes {
		if f.Nodes[i].ID == id {
			return &f.Nodes[i]
		}
	}
	return nil
}

// Router returns the flow's first intent_router node, or nil if the flow has
// none.
func (f *FlowDefinition) Router() *Node {
	for i := range f.Nodes {
		if f.Nodes[i].Kind() == KindIntentRouter {
			return &f.Nodes[i]
		}
	}
	return nil
}

// FlowRecord is a stored dialogue flow with its authoring metadata.
type FlowRecord struct {
	FlowID            string          `json:"flow_id"`
	FlowName          string          `json:"flow_name"`
	Description       string          `json:"description,omitempty"`
	Definition        json.RawMessage `json:"flow_definition"`
	Version           int             `json:"version"`
	IsActive          bool            `json:"is_active"`
	TrafficPercentage int             `json:"traffic_percentage"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}
