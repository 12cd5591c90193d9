package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"testing"
)

type stubResolver struct {
	flows map[string]*FlowDefinition
}

func (s *stubResolver) ResolveFlow(ctx context.Context, flowID string) (*FlowDefinition, error) {
	flow, ok := s.flows[flowID]
	if !ok {
		return nil, ErrFlowNotFound
	}
	return flow, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testExecutor(flows map[string]*FlowDefinition) *FlowExecutor {
	return NewFlowExecutor(&stubResolver{flows: flows}, testLogger())
}

func bankingFlow() *FlowDefinition {
	return &FlowDefinition{
		GlobalIntents: map[string]string{
			"cancel": "cancelled",
			"help":   "help_desk",
		},
		Nodes: []Node{
			{ID: "start", Type: "greeting", Template: "Hi!", Next: "intent_router"},
			{
				ID:   "intent_router",
				Type: "intent_router",
				IntentMapping: map[string]string{
					"check_balance":  "ask_account",
					"transfer_money": "ask_amount",
					"goodbye":        "goodbye",
				},
				DefaultNext: "fallback",
			},
			{
				ID:                     "ask_account",
				Type:                   "slot_filler",
				SlotName:               "account_type",
				PromptTemplate:         "Which account?",
				AcknowledgmentTemplate: "Checking {account_type}.",
				NextOnFilled:           "show_balance",
			},
			{
				ID:                     "ask_amount",
				Type:                   "slot_filler",
				SlotName:               "amount",
				PromptTemplate:         "How much?",
				AcknowledgmentTemplate: "Transferring {amount}.",
				Validation:             "float(value) > 0",
				ValidationTemplate:     "The amount has to be positive. How much?",
				NextOnFilled:           "confirm_transfer",
			},
			{
				ID:       "show_balance",
				Type:     "response",
				Template: "Your {account_type} balance is {balance}.",
			},
			{
				ID:       "confirm_transfer",
				Type:     "response",
				Template: "Transfer {amount} queued.",
				Next:     "anything_else",
			},
			{ID: "anything_else", Type: "greeting", Template: "Anything else?", Next: "intent_router"},
			{ID: "cancelled", Type: "greeting", Template: "Okay, cancelled.", Next: "intent_router"},
			{ID: "help_desk", Type: "greeting", Template: "I can check balances.", Next: "intent_router"},
			{ID: "fallback", Type: "greeting", Template: "Sorry, what?", Next: "intent_router"},
			{ID: "goodbye", Type: "response", Template: "Bye!"},
			{
				ID:   "do_transfer",
				Type: "api_caller",
				Next: "confirm_transfer",
				APIConfig: map[string]any{
					"url":    "http://bank.internal/transfers",
					"method": "POST",
				},
			},
			{ID: "weird", Type: "quantum_leap"},
		},
	}
}

func session(currentNode string, slots map[string]any) *SessionContext {
	if slots == nil {
		slots = map[string]any{}
	}
	return &SessionContext{
		SessionID:   "s-1",
		FlowID:      "banking",
		CurrentNode: currentNode,
		Slots:       slots,
	}
}

func TestExecuteFlowUnresolvableFlow(t *testing.T) {
	e := testExecutor(map[string]*FlowDefinition{})

	result := e.ExecuteFlow(context.Background(), session("start", nil), "greet", nil)

	if result.ResponseText != FallbackText {
		t.Errorf("response = %q, want fallback text", result.ResponseText)
	}
	if result.NextNode != "intent_router" {
		t.Errorf("next_node = %q, want intent_router", result.NextNode)
	}
	if result.NextAction.ActionType != ActionWaitForInput {
		t.Errorf("action = %q, want wait_for_input", result.NextAction.ActionType)
	}
	if len(result.ContextUpdates) != 0 {
		t.Errorf("context_updates = %v, want empty", result.ContextUpdates)
	}
}

func TestExecuteFlowGreeting(t *testing.T) {
	flow := &FlowDefinition{Nodes: []Node{
		{ID: "start", Type: "greeting", Template: "Hi!", Next: "intent_router"},
	}}
	e := testExecutor(map[string]*FlowDefinition{"banking": flow})

	// With no matching global intents or router, any intent greets and waits.
	for _, intent := range []string{"greet", "check_balance", "out_of_scope"} {
		t.Run(intent, func(t *testing.T) {
			result := e.ExecuteFlow(context.Background(), session("start", nil), intent, nil)
			if result.ResponseText != "Hi!" {
				t.Errorf("response = %q, want Hi!", result.ResponseText)
			}
			if result.NextNode != "intent_router" {
				t.Errorf("next_node = %q, want intent_router", result.NextNode)
			}
			if result.NextAction.ActionType != ActionWaitForInput {
				t.Errorf("action = %q, want wait_for_input", result.NextAction.ActionType)
			}
		})
	}
}

func TestExecuteFlowGreetingDefaults(t *testing.T) {
	flow := &FlowDefinition{Nodes: []Node{
		{ID: "start", Type: "greeting"},
	}}
	e := testExecutor(map[string]*FlowDefinition{"banking": flow})

	result := e.ExecuteFlow(context.Background(), session("start", nil), "greet", nil)
	if result.ResponseText != "Hello!" {
		t.Errorf("response = %q, want Hello!", result.ResponseText)
	}
	if result.NextNode != "intent_router" {
		t.Errorf("next_node = %q, want intent_router", result.NextNode)
	}
}

func TestGlobalIntentInterruptsAnywhere(t *testing.T) {
	e := testExecutor(map[string]*FlowDefinition{"banking": bankingFlow()})

	// Even mid slot-fill, cancel routes to the cancelled node.
	positions := []string{"start", "intent_router", "ask_amount", "ask_account", "show_balance"}
	for _, position := range positions {
		t.Run(position, func(t *testing.T) {
			result := e.ExecuteFlow(context.Background(), session(position, nil), "cancel", nil)
			if result.ResponseText != "Okay, cancelled." {
				t.Errorf("response = %q, want cancel template", result.ResponseText)
			}
		})
	}
}

func TestGlobalIntentUnknownTargetFallsThrough(t *testing.T) {
	flow := bankingFlow()
	flow.GlobalIntents["cancel"] = "no_such_node"
	e := testExecutor(map[string]*FlowDefinition{"banking": flow})

	// The broken mapping falls through to normal routing; "cancel" is
	// unmapped in the router so it lands on the default next node.
	result := e.ExecuteFlow(context.Background(), session("intent_router", nil), "cancel", nil)
	if result.ResponseText != "Sorry, what?" {
		t.Errorf("response = %q, want fallback node template", result.ResponseText)
	}
}

func TestRouterResolution(t *testing.T) {
	e := testExecutor(map[string]*FlowDefinition{"banking": bankingFlow()})

	tests := []struct {
		name     string
		intent   string
		wantNode string
	}{
		{"mapped intent", "check_balance", "ask_account"},
		{"another mapped intent", "transfer_money", "ask_amount"},
		{"unmapped intent uses default_next", "greet", "fallback"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := session("intent_router", nil)
			flow := bankingFlow()
			router := flow.Router()
			if got := routerTarget(router, tt.intent); got != tt.wantNode {
				t.Errorf("routerTarget(%q) = %q, want %q", tt.intent, got, tt.wantNode)
			}
			// Routing from the router position executes the target node.
			result := e.ExecuteFlow(context.Background(), s, tt.intent, nil)
			if result.ResponseText == "" && tt.wantNode != "intent_router" {
				t.Errorf("expected a rendered response for %q", tt.intent)
			}
		})
	}
}

func TestRouterWithoutDefaultNext(t *testing.T) {
	router := &Node{ID: "r", Type: "intent_router", IntentMapping: map[string]string{}}
	if got := routerTarget(router, "greet"); got != "fallback" {
		t.Errorf("routerTarget = %q, want literal fallback", got)
	}
}

func TestRouterNodeExecution(t *testing.T) {
	e := testExecutor(map[string]*FlowDefinition{"banking": bankingFlow()})

	flow := bankingFlow()
	result := e.executeNode(flow.Router(), map[string]any{}, "check_balance", nil)

	if result.ResponseText != "" {
		t.Errorf("router response = %q, want empty", result.ResponseText)
	}
	if result.NextNode != "ask_account" {
		t.Errorf("next_node = %q, want ask_account", result.NextNode)
	}
	if result.NextAction.ActionType != ActionContinue {
		t.Errorf("action = %q, want continue", result.NextAction.ActionType)
	}
}

func TestResponseNodeTerminal(t *testing.T) {
	e := testExecutor(map[string]*FlowDefinition{"banking": bankingFlow()})
	slots := map[string]any{"account_type": "savings", "balance": 1250.5}

	result := e.ExecuteFlow(context.Background(), session("show_balance", slots), "out_of_scope", nil)

	if result.ResponseText != "Your savings balance is 1250.5." {
		t.Errorf("response = %q", result.ResponseText)
	}
	if result.NextAction.ActionType != ActionEndConversation {
		t.Errorf("action = %q, want end_conversation for terminal response", result.NextAction.ActionType)
	}
	if result.NextNode != "" {
		t.Errorf("next_node = %q, want empty", result.NextNode)
	}
}

func TestResponseNodeWithNextContinues(t *testing.T) {
	e := testExecutor(map[string]*FlowDefinition{"banking": bankingFlow()})

	flow := bankingFlow()
	node := flow.FindNode("confirm_transfer")
	result := e.executeNode(node, map[string]any{"amount": "500"}, "transfer_money", nil)

	if result.NextAction.ActionType != ActionContinue {
		t.Errorf("action = %q, want continue", result.NextAction.ActionType)
	}
	if result.NextNode != "anything_else" {
		t.Errorf("next_node = %q, want anything_else", result.NextNode)
	}
}

func TestSlotFillerFilled(t *testing.T) {
	e := testExecutor(map[string]*FlowDefinition{"banking": bankingFlow()})
	entities := []Entity{{EntityType: "account_type", Value: "savings", Confidence: 0.92}}

	result := e.ExecuteFlow(context.Background(), session("ask_account", nil), "inform", entities)

	if result.ResponseText != "Checking savings." {
		t.Errorf("response = %q", result.ResponseText)
	}
	if result.NextNode != "show_balance" {
		t.Errorf("next_node = %q, want show_balance", result.NextNode)
	}
	if result.NextAction.ActionType != ActionContinue {
		t.Errorf("action = %q, want continue", result.NextAction.ActionType)
	}
	if got := result.ContextUpdates["account_type"]; got != "savings" {
		t.Errorf("context_updates[account_type] = %v, want savings", got)
	}
}

func TestSlotFillerFilledDefaultNext(t *testing.T) {
	flow := &FlowDefinition{Nodes: []Node{
		{ID: "ask_name", Type: "slot_filler", SlotName: "name"},
	}}
	e := testExecutor(map[string]*FlowDefinition{"banking": flow})
	entities := []Entity{{EntityType: "name", Value: "Ada"}}

	result := e.ExecuteFlow(context.Background(), session("ask_name", nil), "inform", entities)

	if result.ResponseText != "Got it!" {
		t.Errorf("response = %q, want default acknowledgment", result.ResponseText)
	}
	if result.NextNode != "intent_router" {
		t.Errorf("next_node = %q, want intent_router", result.NextNode)
	}
}

func TestSlotFillerNotFilledStaysInPlace(t *testing.T) {
	e := testExecutor(map[string]*FlowDefinition{"banking": bankingFlow()})

	result := e.ExecuteFlow(context.Background(), session("ask_account", nil), "inform", nil)

	if result.ResponseText != "Which account?" {
		t.Errorf("response = %q", result.ResponseText)
	}
	if result.NextNode != "ask_account" {
		t.Errorf("next_node = %q, want the node's own id", result.NextNode)
	}
	if result.NextAction.ActionType != ActionWaitForInput {
		t.Errorf("action = %q, want wait_for_input", result.NextAction.ActionType)
	}
	if len(result.ContextUpdates) != 0 {
		t.Errorf("context_updates = %v, want empty", result.ContextUpdates)
	}
}

func TestSlotFillerDefaultPrompt(t *testing.T) {
	flow := &FlowDefinition{Nodes: []Node{
		{ID: "ask_name", Type: "slot_filler", SlotName: "name"},
	}}
	e := testExecutor(map[string]*FlowDefinition{"banking": flow})

	result := e.ExecuteFlow(context.Background(), session("ask_name", nil), "inform", nil)
	if result.ResponseText != "Please provide name" {
		t.Errorf("response = %q, want default prompt", result.ResponseText)
	}
}

func TestSlotFillerValidationRejects(t *testing.T) {
	e := testExecutor(map[string]*FlowDefinition{"banking": bankingFlow()})

	tests := []struct {
		name       string
		value      string
		wantFilled bool
	}{
		{"positive amount passes", "250", true},
		{"zero fails", "0", false},
		{"negative fails", "-10", false},
		{"non-numeric fails", "lots", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entities := []Entity{{EntityType: "amount", Value: tt.value}}
			result := e.ExecuteFlow(context.Background(), session("ask_amount", nil), "inform", entities)

			if tt.wantFilled {
				if result.NextNode != "confirm_transfer" {
					t.Errorf("next_node = %q, want confirm_transfer", result.NextNode)
				}
				return
			}
			if result.NextNode != "ask_amount" {
				t.Errorf("next_node = %q, want re-prompt on the same node", result.NextNode)
			}
			if result.ResponseText != "The amount has to be positive. How much?" {
				t.Errorf("response = %q, want validation template", result.ResponseText)
			}
			if len(result.ContextUpdates) != 0 {
				t.Errorf("context_updates = %v, want empty", result.ContextUpdates)
			}
		})
	}
}

func TestAPICallerNode(t *testing.T) {
	e := testExecutor(map[string]*FlowDefinition{"banking": bankingFlow()})

	result := e.ExecuteFlow(context.Background(), session("do_transfer", nil), "inform", nil)

	if result.ResponseText != "Processing your request..." {
		t.Errorf("response = %q", result.ResponseText)
	}
	if result.NextAction.ActionType != ActionExecuteAPICall {
		t.Errorf("action = %q, want execute_api_call", result.NextAction.ActionType)
	}
	if result.NextNode != "confirm_transfer" {
		t.Errorf("next_node = %q, want confirm_transfer", result.NextNode)
	}
	if result.NextAction.Config["url"] != "http://bank.internal/transfers" {
		t.Errorf("action config missing api_config: %v", result.NextAction.Config)
	}
}

func TestUnknownNodeTypeFallsBack(t *testing.T) {
	e := testExecutor(map[string]*FlowDefinition{"banking": bankingFlow()})

	result := e.ExecuteFlow(context.Background(), session("weird", nil), "inform", nil)

	if result.ResponseText != FallbackText {
		t.Errorf("response = %q, want fallback text", result.ResponseText)
	}
}

func TestUnknownCurrentNodeFallsBack(t *testing.T) {
	e := testExecutor(map[string]*FlowDefinition{"banking": bankingFlow()})

	result := e.ExecuteFlow(context.Background(), session("gone", nil), "inform", nil)

	if result.ResponseText != FallbackText {
		t.Errorf("response = %q, want fallback text", result.ResponseText)
	}
	if result.NextAction.ActionType != ActionWaitForInput {
		t.Errorf("action = %q, want wait_for_input", result.NextAction.ActionType)
	}
}

func TestExecuteFlowDoesNotMutateSession(t *testing.T) {
	e := testExecutor(map[string]*FlowDefinition{"banking": bankingFlow()})
	s := session("ask_account", map[string]any{"existing": "kept"})
	entities := []Entity{{EntityType: "account_type", Value: "savings"}}

	result := e.ExecuteFlow(context.Background(), s, "inform", entities)

	if _, ok := s.Slots["account_type"]; ok {
		t.Error("executor mutated the caller's slot map")
	}
	if result.ContextUpdates["existing"] != "kept" {
		t.Error("context_updates should carry the full merged slot view")
	}
	if result.ContextUpdates["account_type"] != "savings" {
		t.Error("context_updates missing the filled slot")
	}
}

func TestIntentBoundNodeWithoutRouter(t *testing.T) {
	flow := &FlowDefinition{Nodes: []Node{
		{ID: "balance", Type: "response", Intent: "check_balance", Template: "All good."},
	}}
	e := testExecutor(map[string]*FlowDefinition{"banking": flow})

	result := e.ExecuteFlow(context.Background(), session("start", nil), "check_balance", nil)
	if result.ResponseText != "All good." {
		t.Errorf("response = %q, want the intent-bound node's template", result.ResponseText)
	}
}

func TestRunTurnChainsSlotFills(t *testing.T) {
	e := testExecutor(map[string]*FlowDefinition{"banking": bankingFlow()})
	entities := []Entity{
		{EntityType: "amount", Value: "500"},
	}

	// One utterance: route to ask_amount, fill it, land on the confirm
	// response, then wait at the follow-up greeting.
	result := e.RunTurn(context.Background(), session("intent_router", nil), "transfer_money", entities)

	want := "Transferring 500. Transfer 500 queued. Anything else?"
	if result.ResponseText != want {
		t.Errorf("response = %q, want %q", result.ResponseText, want)
	}
	if result.NextAction.ActionType != ActionWaitForInput {
		t.Errorf("action = %q, want wait_for_input", result.NextAction.ActionType)
	}
	if result.NextNode != "intent_router" {
		t.Errorf("next_node = %q, want intent_router", result.NextNode)
	}
	if result.ContextUpdates["amount"] != "500" {
		t.Errorf("context_updates[amount] = %v, want 500", result.ContextUpdates["amount"])
	}
}

func TestRunTurnStopsAtAPICall(t *testing.T) {
	e := testExecutor(map[string]*FlowDefinition{"banking": bankingFlow()})

	result := e.RunTurn(context.Background(), session("do_transfer", nil), "inform", nil)

	if result.NextAction.ActionType != ActionExecuteAPICall {
		t.Errorf("action = %q, want execute_api_call", result.NextAction.ActionType)
	}
	if result.NextAction.Config == nil {
		t.Error("api_config should travel on the action")
	}
}

func TestRunTurnHopBudget(t *testing.T) {
	// Two routers bouncing between each other never settle.
	flow := &FlowDefinition{Nodes: []Node{
		{ID: "intent_router", Type: "intent_router", DefaultNext: "pong"},
		{ID: "pong", Type: "intent_router", DefaultNext: "intent_router"},
	}}
	e := testExecutor(map[string]*FlowDefinition{"banking": flow})

	result := e.RunTurn(context.Background(), session("intent_router", nil), "greet", nil)

	if result.ResponseText != FallbackText {
		t.Errorf("response = %q, want fallback after hop budget", result.ResponseText)
	}
	if result.NextAction.ActionType != ActionWaitForInput {
		t.Errorf("action = %q, want wait_for_input", result.NextAction.ActionType)
	}
}

func TestInitialMessage(t *testing.T) {
	e := testExecutor(map[string]*FlowDefinition{"banking": bankingFlow()})

	tests := []struct {
		name    string
		session *SessionContext
		want    string
	}{
		{"start node template", session("start", nil), "Hi!"},
		{"no flow id", &SessionContext{SessionID: "s-2"}, "Hello! How can I help you today?"},
		{"unknown flow", &SessionContext{SessionID: "s-3", FlowID: "nope"}, "Hello! How can I help you today?"},
		{"nil session", nil, "Hello! How can I help you today?"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.InitialMessage(context.Background(), tt.session); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
