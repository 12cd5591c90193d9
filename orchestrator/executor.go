package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Node ids with routing significance. A session's current_node starts at
// "start"; both it and "intent_router" mean "route by intent" rather than
// "resume a node".
const (
	startNodeID  = "start"
	routerNodeID = "intent_router"
)

// maxContinueHops bounds consecutive "continue" hops within a single user
// turn. Well-formed flows chain router -> slot fillers -> response in a few
// hops; a flow that loops past this bound degrades to the fallback instead of
// spinning.
const maxContinueHops = 8

// FlowResolver looks up a flow definition by id. Implementations return
// ErrFlowNotFound for unknown ids; the executor treats every resolver failure
// as a lookup miss.
type FlowResolver interface {
	ResolveFlow(ctx context.Context, flowID string) (*FlowDefinition, error)
}

// FlowExecutor interprets dialogue flow definitions against session state.
// It is a pure computation per invocation: all state changes are returned in
// the ExecutionResult for the caller to persist, nothing is mutated in place.
type FlowExecutor struct {
	flows FlowResolver
	l     *slog.Logger
}

func NewFlowExecutor(flows FlowResolver, l *slog.Logger) *FlowExecutor {
	return &FlowExecutor{flows: flows, l: l}
}

// ExecuteFlow resolves and executes one node for the current turn.
//
// Priority order: flow lookup (fail-soft), global-intent interrupt, routing
// (router/start re-routes by intent, anything else resumes the named node),
// then node dispatch. Every lookup miss yields the canonical fallback result;
// there are no error returns on this path.
func (e *FlowExecutor) ExecuteFlow(ctx context.Context, session *SessionContext, intent string, entities []Entity) ExecutionResult {
	currentNode := session.CurrentNode
	if currentNode == "" {
		currentNode = startNodeID
	}
	slots := cloneSlots(session.Slots)

	flow, err := e.flows.ResolveFlow(ctx, session.FlowID)
	if err != nil {
		e.l.Warn("flow not resolvable, falling back",
			"session_id", session.SessionID,
			"flow_id", session.FlowID,
			"intent", intent,
			"error", err)
		return fallbackResult()
	}

	// Global intents interrupt from any position (cancel, help). A mapping to
	// a nonexistent node falls through to normal routing.
	if target, ok := flow.GlobalIntents[intent]; ok {
		if node := flow.FindNode(target); node != nil {
			return e.executeNode(node, slots, intent, entities)
		}
		e.l.Warn("global intent maps to unknown node",
			"intent", intent,
			"target", target)
	}

	var node *Node
	if currentNode == routerNodeID || currentNode == startNodeID {
		node = e.routeByIntent(flow, intent)
		if node == nil && flow.Router() == nil {
			// Router-less flow: execute the current node directly so a bare
			// greeting flow still greets.
			node = flow.FindNode(currentNode)
		}
	} else {
		node = flow.FindNode(currentNode)
	}

	if node == nil {
		e.l.Warn("no node resolved, falling back",
			"session_id", session.SessionID,
			"current_node", currentNode,
			"intent", intent)
		return fallbackResult()
	}

	return e.executeNode(node, slots, intent, entities)
}

// routeByIntent picks the next node when the conversation is at the router.
// Flows without a router node fall back to nodes bound directly to an intent.
func (e *FlowExecutor) routeByIntent(flow *FlowDefinition, intent string) *Node {
	if router := flow.Router(); router != nil {
		return flow.FindNode(routerTarget(router, intent))
	}

	for i := range flow.Nodes {
		if flow.Nodes[i].Intent == intent {
			return &flow.Nodes[i]
		}
	}
	return nil
}

// routerTarget resolves a router's next node id for an intent: the mapped
// target, else default_next, else the literal "fallback".
func routerTarget(router *Node, intent string) string {
	if target, ok := router.IntentMapping[intent]; ok {
		return target
	}
	if router.DefaultNext != "" {
		return router.DefaultNext
	}
	return "fallback"
}

// executeNode dispatches on the node kind. The slots argument is already a
// private copy, so slot-filler execution can merge into it freely.
func (e *FlowExecutor) executeNode(node *Node, slots map[string]any, intent string, entities []Entity) ExecutionResult {
	switch node.Kind() {
	case KindGreeting:
		return executeGreeting(node)
	case KindIntentRouter:
		return executeRouter(node, intent)
	case KindResponse:
		return executeResponse(node, slots)
	case KindSlotFiller:
		return e.executeSlotFiller(node, slots, entities)
	case KindAPICaller:
		return executeAPICaller(node)
	case KindUnknown:
		fallthrough
	default:
		e.l.Warn("unknown node type, falling back",
			"node_id", node.ID,
			"node_type", node.Type)
		return fallbackResult()
	}
}

func executeGreeting(node *Node) ExecutionResult {
	template := node.Template
	if template == "" {
		template = "Hello!"
	}
	next := node.Next
	if next == "" {
		next = routerNodeID
	}
	return ExecutionResult{
		ResponseText:   template,
		NextNode:       next,
		NextAction:     NextAction{ActionType: ActionWaitForInput},
		ContextUpdates: map[string]any{},
	}
}

// executeRouter is a pure routing step: no response text, action "continue"
// so the caller immediately executes the target node.
func executeRouter(node *Node, intent string) ExecutionResult {
	return ExecutionResult{
		ResponseText:   "",
		NextNode:       routerTarget(node, intent),
		NextAction:     NextAction{ActionType: ActionContinue},
		ContextUpdates: map[string]any{},
	}
}

// executeResponse renders the template against the slots. A response node with
// no outgoing edge terminates the conversation.
func executeResponse(node *Node, slots map[string]any) ExecutionResult {
	action := ActionEndConversation
	if node.Next != "" {
		action = ActionContinue
	}
	return ExecutionResult{
		ResponseText:   RenderTemplate(node.Template, slots),
		NextNode:       node.Next,
		NextAction:     NextAction{ActionType: action},
		ContextUpdates: map[string]any{},
	}
}

// executeSlotFiller fills the node's slot from the entity list, or re-prompts
// and stays in place. A filled slot merges into the returned context updates
// so the caller persists it; the executor keeps no state of its own.
func (e *FlowExecutor) executeSlotFiller(node *Node, slots map[string]any, entities []Entity) ExecutionResult {
	value, found := ExtractSlotValue(entities, node.SlotName)

	if found && value != "" && node.Validation != "" && !e.validateSlotValue(node, value, slots) {
		template := node.ValidationTemplate
		if template == "" {
			template = node.PromptTemplate
		}
		return e.reprompt(node, slots, template)
	}

	if found && value != "" {
		slots[node.SlotName] = value
		acknowledgment := node.AcknowledgmentTemplate
		if acknowledgment == "" {
			acknowledgment = "Got it!"
		}
		next := node.NextOnFilled
		if next == "" {
			next = routerNodeID
		}
		return ExecutionResult{
			ResponseText:   RenderTemplate(acknowledgment, slots),
			NextNode:       next,
			NextAction:     NextAction{ActionType: ActionContinue},
			ContextUpdates: slots,
		}
	}

	return e.reprompt(node, slots, node.PromptTemplate)
}

func (e *FlowExecutor) reprompt(node *Node, slots map[string]any, template string) ExecutionResult {
	if template == "" {
		template = fmt.Sprintf("Please provide %s", node.SlotName)
	}
	return ExecutionResult{
		ResponseText:   RenderTemplate(template, slots),
		NextNode:       node.ID,
		NextAction:     NextAction{ActionType: ActionWaitForInput},
		ContextUpdates: map[string]any{},
	}
}

// validateSlotValue runs the node's validation expression with the candidate
// value and current slots in scope. Evaluation errors count as invalid.
func (e *FlowExecutor) validateSlotValue(node *Node, value string, slots map[string]any) bool {
	env := cloneSlots(slots)
	env["value"] = value
	ok := EvalBool(node.Validation, env)
	if !ok {
		e.l.Info("slot value rejected by validation",
			"node_id", node.ID,
			"slot", node.SlotName,
			"validation", node.Validation)
	}
	return ok
}

// executeAPICaller defers the actual call to the caller: the node's api_config
// travels on the action so an APICallRunner can perform it and feed the
// results into a follow-up hop.
func executeAPICaller(node *Node) ExecutionResult {
	return ExecutionResult{
		ResponseText:   "Processing your request...",
		NextNode:       node.Next,
		NextAction:     NextAction{ActionType: ActionExecuteAPICall, Config: node.APIConfig},
		ContextUpdates: map[string]any{},
	}
}

// RunTurn drives ExecuteFlow through consecutive "continue" hops until the
// flow waits for input, ends, or requests an API call. Slot updates and
// position changes propagate between hops on a private session copy; response
// fragments from intermediate hops are joined with single spaces. Exceeding
// maxContinueHops degrades to the canonical fallback.
func (e *FlowExecutor) RunTurn(ctx context.Context, session *SessionContext, intent string, entities []Entity) ExecutionResult {
	working := session.Clone()
	updates := map[string]any{}
	var parts []string

	for hop := 0; hop < maxContinueHops; hop++ {
		result := e.ExecuteFlow(ctx, working, intent, entities)

		working.MergeSlots(result.ContextUpdates)
		working.CurrentNode = result.NextNode
		for k, v := range result.ContextUpdates {
			updates[k] = v
		}
		if result.ResponseText != "" {
			parts = append(parts, result.ResponseText)
		}

		if result.NextAction.ActionType != ActionContinue {
			result.ResponseText = strings.Join(parts, " ")
			result.ContextUpdates = updates
			return result
		}
	}

	e.l.Warn("continue hop budget exhausted, falling back",
		"session_id", session.SessionID,
		"flow_id", session.FlowID,
		"intent", intent)
	return fallbackResult()
}

// InitialMessage returns the greeting for a freshly created session: the
// template of the flow's "start" node, or a generic greeting when the flow or
// node cannot be resolved.
func (e *FlowExecutor) InitialMessage(ctx context.Context, session *SessionContext) string {
	const defaultGreeting = "Hello! How can I help you today?"

	if session == nil || session.FlowID == "" {
		return defaultGreeting
	}
	flow, err := e.flows.ResolveFlow(ctx, session.FlowID)
	if err != nil {
		return defaultGreeting
	}
	start := flow.FindNode(startNodeID)
	if start == nil || start.Template == "" {
		return defaultGreeting
	}
	return start.Template
}
