package orchestrator

// ActionType tells the caller what to do after a turn.
type ActionType string

const (
	// ActionContinue asks the caller to re-invoke the executor immediately,
	// without waiting for new user input (a routing hop).
	ActionContinue ActionType = "continue"
	// ActionWaitForInput ends the turn and waits for the next user utterance.
	ActionWaitForInput ActionType = "wait_for_input"
	// ActionTransferToAgent hands the conversation to a human. Accepted on the
	// wire for channel gateways; the executor itself never produces it.
	ActionTransferToAgent ActionType = "transfer_to_agent"
	// ActionEndConversation terminates the session.
	ActionEndConversation ActionType = "end_conversation"
	// ActionExecuteAPICall directs the caller to perform an external call and
	// feed the outcome into a follow-up hop.
	ActionExecuteAPICall ActionType = "execute_api_call"
)

// NextAction pairs an action type with its caller-facing configuration.
// For execute_api_call the config is the node's api_config verbatim.
type NextAction struct {
	ActionType ActionType     `json:"action_type"`
	Config     map[string]any `json:"action_config,omitempty"`
}

// ExecutionResult is the outcome of executing one node: what to say, where the
// conversation moves, what the caller should do next, and which slot values to
// merge into the session. It is a short-lived value, never persisted.
type ExecutionResult struct {
	ResponseText   string         `json:"response_text"`
	NextNode       string         `json:"next_node,omitempty"`
	NextAction     NextAction     `json:"next_action"`
	ContextUpdates map[string]any `json:"context_updates"`
}

// FallbackText is the canonical apology shown whenever flow execution cannot
// resolve a node. A single constant keeps the text identical at every
// fallback site.
const FallbackText = "I'm sorry, I didn't understand that. I can help you check your balance or transfer money."

// fallbackResult builds the canonical fail-soft result: apologize, park the
// conversation at the router, wait for input. Every lookup miss and malformed
// node resolves to this value.
func fallbackResult() ExecutionResult {
	return ExecutionResult{
		ResponseText:   FallbackText,
		NextNode:       routerNodeID,
		NextAction:     NextAction{ActionType: ActionWaitForInput},
		ContextUpdates: map[string]any{},
	}
}
