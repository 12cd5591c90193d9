package orchestrator

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Handler wires the HTTP API to the orchestrator's services.
type Handler struct {
	store     *Store
	sessions  SessionStore
	executor  *FlowExecutor
	nlu       *NLUClient
	apiRunner *APICallRunner
	l         *slog.Logger
}

// NewHTTPHandler registers the orchestrator routes on the gin engine.
func NewHTTPHandler(store *Store, sessions SessionStore, executor *FlowExecutor, nlu *NLUClient, apiRunner *APICallRunner, l *slog.Logger, g *gin.Engine) *Handler {
	h := &Handler{
		store:     store,
		sessions:  sessions,
		executor:  executor,
		nlu:       nlu,
		apiRunner: apiRunner,
		l:         l,
	}

	g.GET("/health", h.health)

	conversations := g.Group("/v1/conversations")
	conversations.POST("/start", h.startConversation)
	conversations.POST("/:session_id/process", h.processTurn)
	conversations.POST("/:session_id/end", h.endConversation)
	conversations.GET("/:session_id/status", h.sessionStatus)

	flows := g.Group("/v1/flows")
	flows.GET("", h.listFlows)
	flows.POST("", h.createFlow)
	flows.GET("/:flow_id", h.getFlow)
	flows.POST("/:flow_id/publish", h.publishFlow)

	return h
}

func (h *Handler) health(c *gin.Context) {
	database := "up"
	status := http.StatusOK
	if err := h.store.Ping(c.Request.Context()); err != nil {
		database = "down"
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"status": "ok", "database": database})
}

// SessionStartRequest opens a conversation on one of the supported channels.
type SessionStartRequest struct {
	ChannelType    string         `json:"channel_type" binding:"required,oneof=voice chat api"`
	CallerID       string         `json:"caller_id"`
	FlowID         string         `json:"flow_id"`
	InitialContext map[string]any `json:"initial_context"`
}

// SessionResponse announces a created session and its opening line.
type SessionResponse struct {
	SessionID       string    `json:"session_id"`
	ChannelType     string    `json:"channel_type"`
	StartedAt       time.Time `json:"started_at"`
	InitialMessage  string    `json:"initial_message"`
	InitialAudioURL *string   `json:"initial_audio_url"`
}

func (h *Handler) startConversation(c *gin.Context) {
	var req SessionStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	ctx := c.Request.Context()

	flowID := req.FlowID
	if flowID == "" {
		active, err := h.store.ActiveFlowID(ctx)
		if err != nil && !errors.Is(err, ErrFlowNotFound) {
			h.fail(c, "Failed to create session", err)
			return
		}
		flowID = active
	}

	slots := req.InitialContext
	if slots == nil {
		slots = map[string]any{}
	}

	session := &SessionContext{
		SessionID:    uuid.New().String(),
		ChannelType:  req.ChannelType,
		FlowID:       flowID,
		CurrentNode:  startNodeID,
		CurrentState: "started",
		Slots:        slots,
		TurnCount:    0,
		StartedAt:    time.Now().UTC(),
	}

	if err := h.store.InsertSession(ctx, session, req.CallerID); err != nil {
		h.fail(c, "Failed to create session", err)
		return
	}
	if err := h.sessions.Put(ctx, session.SessionID, session); err != nil {
		h.fail(c, "Failed to create session", err)
		return
	}

	h.l.Info("session created",
		"session_id", session.SessionID,
		"channel_type", session.ChannelType,
		"flow_id", flowID)

	c.JSON(http.StatusCreated, SessionResponse{
		SessionID:      session.SessionID,
		ChannelType:    session.ChannelType,
		StartedAt:      session.StartedAt,
		InitialMessage: h.executor.InitialMessage(ctx, session),
	})
}

// UserInputRequest carries one user turn.
type UserInputRequest struct {
	InputType string         `json:"input_type" binding:"required,oneof=text audio"`
	Text      string         `json:"text"`
	AudioURL  string         `json:"audio_url"`
	Language  string         `json:"language"`
	Metadata  map[string]any `json:"metadata"`
}

// BotResponse is the rendered reply for one turn.
type BotResponse struct {
	Type     string  `json:"type"`
	Text     string  `json:"text"`
	AudioURL *string `json:"audio_url"`
}

// OrchestratorResponse is the full per-turn result.
type OrchestratorResponse struct {
	SessionID        string         `json:"session_id"`
	TurnNumber       int            `json:"turn_number"`
	NLU              NLUResult      `json:"nlu"`
	Response         BotResponse    `json:"response"`
	NextAction       NextAction     `json:"next_action"`
	UpdatedContext   map[string]any `json:"updated_context"`
	ProcessingTimeMS int            `json:"processing_time_ms"`
	ConfidenceScore  float64        `json:"confidence_score"`
}

func (h *Handler) processTurn(c *gin.Context) {
	start := time.Now()
	sessionID := c.Param("session_id")
	ctx := c.Request.Context()

	var req UserInputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	if req.InputType == "audio" {
		c.JSON(http.StatusNotImplemented, gin.H{"message": "Voice input is handled by the voice connector"})
		return
	}

	session, err := h.sessions.Get(ctx, sessionID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"message": "Session not found or expired"})
		return
	}

	nluResult := h.nlu.Parse(ctx, req.Text, req.Language, session.Slots)
	h.l.Info("turn input parsed",
		"session_id", sessionID,
		"intent", nluResult.Intent.Name,
		"confidence", nluResult.Intent.Confidence)

	result := h.executor.RunTurn(ctx, session, nluResult.Intent.Name, nluResult.Entities)
	if result.NextAction.ActionType == ActionExecuteAPICall {
		result = h.completeAPICall(c, session, result, nluResult)
	}

	turnNumber := session.TurnCount + 1
	session.MergeSlots(result.ContextUpdates)
	session.CurrentNode = result.NextNode
	session.CurrentState = "active"
	session.TurnCount = turnNumber
	if err := h.sessions.Put(ctx, sessionID, session); err != nil {
		h.fail(c, "Failed to process turn", err)
		return
	}

	err = h.store.InsertTurn(ctx, TurnLog{
		SessionID:        sessionID,
		TurnNumber:       turnNumber,
		Speaker:          "user",
		UserInputText:    req.Text,
		DetectedIntent:   nluResult.Intent.Name,
		IntentConfidence: nluResult.Intent.Confidence,
		Entities:         nluResult.Entities,
		BotResponseText:  result.ResponseText,
		BotAction:        string(result.NextAction.ActionType),
	})
	if err != nil {
		h.fail(c, "Failed to process turn", err)
		return
	}

	processingTime := int(time.Since(start).Milliseconds())
	h.l.Info("turn completed",
		"session_id", sessionID,
		"turn_number", turnNumber,
		"action", result.NextAction.ActionType,
		"processing_time_ms", processingTime)

	c.JSON(http.StatusOK, OrchestratorResponse{
		SessionID:        sessionID,
		TurnNumber:       turnNumber,
		NLU:              nluResult,
		Response:         BotResponse{Type: "text", Text: result.ResponseText},
		NextAction:       result.NextAction,
		UpdatedContext:   result.ContextUpdates,
		ProcessingTimeMS: processingTime,
		ConfidenceScore:  nluResult.Intent.Confidence,
	})
}

// completeAPICall performs the external call an api_caller node requested and
// continues the flow from its next node with the call's slot updates applied.
// The conversation never stalls on a failed call; the runner degrades to
// empty updates and the follow-up nodes decide what to say.
func (h *Handler) completeAPICall(c *gin.Context, session *SessionContext, result ExecutionResult, nluResult NLUResult) ExecutionResult {
	ctx := c.Request.Context()

	merged := cloneSlots(session.Slots)
	for k, v := range result.ContextUpdates {
		merged[k] = v
	}
	apiUpdates := h.apiRunner.Run(ctx, result.NextAction.Config, merged)
	for k, v := range apiUpdates {
		result.ContextUpdates[k] = v
	}

	if result.NextNode == "" {
		result.NextAction = NextAction{ActionType: ActionEndConversation}
		return result
	}

	followUp := session.Clone()
	followUp.CurrentNode = result.NextNode
	followUp.MergeSlots(result.ContextUpdates)

	followResult := h.executor.RunTurn(ctx, followUp, nluResult.Intent.Name, nluResult.Entities)
	for k, v := range followResult.ContextUpdates {
		result.ContextUpdates[k] = v
	}

	texts := []string{}
	if result.ResponseText != "" {
		texts = append(texts, result.ResponseText)
	}
	if followResult.ResponseText != "" {
		texts = append(texts, followResult.ResponseText)
	}
	result.ResponseText = strings.Join(texts, " ")
	result.NextNode = followResult.NextNode
	result.NextAction = followResult.NextAction
	return result
}

// SessionEndRequest closes a conversation with a reason.
type SessionEndRequest struct {
	Reason       string         `json:"reason" binding:"required"`
	UserFeedback map[string]any `json:"user_feedback"`
}

// SessionEndResponse reports the closed session's totals.
type SessionEndResponse struct {
	SessionID       string         `json:"session_id"`
	DurationSeconds int            `json:"duration_seconds"`
	TurnCount       int            `json:"turn_count"`
	Summary         map[string]any `json:"summary"`
}

func (h *Handler) endConversation(c *gin.Context) {
	sessionID := c.Param("session_id")
	ctx := c.Request.Context()

	var req SessionEndRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	if _, err := h.sessions.Get(ctx, sessionID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"message": "Session not found"})
		return
	}

	summary, err := h.store.EndSession(ctx, sessionID, req.Reason)
	if err != nil {
		h.fail(c, "Failed to end session", err)
		return
	}

	if err := h.sessions.Delete(ctx, sessionID); err != nil && !errors.Is(err, ErrSessionNotFound) {
		h.fail(c, "Failed to end session", err)
		return
	}

	h.l.Info("session ended", "session_id", sessionID, "reason", req.Reason)

	c.JSON(http.StatusOK, SessionEndResponse{
		SessionID:       sessionID,
		DurationSeconds: summary.DurationSeconds,
		TurnCount:       summary.TurnCount,
		Summary: map[string]any{
			"reason":   req.Reason,
			"turns":    summary.TurnCount,
			"duration": summary.DurationSeconds,
		},
	})
}

func (h *Handler) sessionStatus(c *gin.Context) {
	sessionID := c.Param("session_id")
	ctx := c.Request.Context()

	session, err := h.sessions.Get(ctx, sessionID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"message": "Session not found or expired"})
		return
	}

	ttl, err := h.sessions.TTL(ctx, sessionID)
	if err != nil {
		ttl = 0
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id":    sessionID,
		"current_state": session.CurrentState,
		"current_node":  session.CurrentNode,
		"turn_count":    session.TurnCount,
		"ttl_seconds":   int(ttl.Seconds()),
		"slots":         session.Slots,
	})
}

func (h *Handler) listFlows(c *gin.Context) {
	var isActive *bool
	if raw, ok := c.GetQuery("is_active"); ok {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": "is_active must be a boolean"})
			return
		}
		isActive = &parsed
	}

	flows, err := h.store.ListFlows(c.Request.Context(), isActive)
	if err != nil {
		h.fail(c, "Failed to list flows", err)
		return
	}
	if flows == nil {
		flows = []FlowRecord{}
	}
	c.JSON(http.StatusOK, flows)
}

func (h *Handler) getFlow(c *gin.Context) {
	flow, err := h.store.GetFlow(c.Request.Context(), c.Param("flow_id"))
	if errors.Is(err, ErrFlowNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"message": "Flow not found"})
		return
	}
	if err != nil {
		h.fail(c, "Failed to load flow", err)
		return
	}
	c.JSON(http.StatusOK, flow)
}

// DialogueFlowCreate is the authoring request for a new flow.
type DialogueFlowCreate struct {
	FlowName       string          `json:"flow_name" binding:"required"`
	Description    string          `json:"description"`
	FlowDefinition json.RawMessage `json:"flow_definition" binding:"required"`
}

func (h *Handler) createFlow(c *gin.Context) {
	var req DialogueFlowCreate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	ctx := c.Request.Context()

	if err := ValidateDefinition(req.FlowDefinition); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	if _, err := h.store.GetFlowByName(ctx, req.FlowName); err == nil {
		c.JSON(http.StatusConflict, gin.H{"message": "A flow with this name already exists"})
		return
	} else if !errors.Is(err, ErrFlowNotFound) {
		h.fail(c, "Failed to create flow", err)
		return
	}

	flow, err := h.store.CreateFlow(ctx, req.FlowName, req.Description, req.FlowDefinition)
	if err != nil {
		h.fail(c, "Failed to create flow", err)
		return
	}

	h.l.Info("flow created", "flow_id", flow.FlowID, "flow_name", flow.FlowName)
	c.JSON(http.StatusCreated, flow)
}

func (h *Handler) publishFlow(c *gin.Context) {
	flowID := c.Param("flow_id")
	err := h.store.PublishFlow(c.Request.Context(), flowID)
	if errors.Is(err, ErrFlowNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"message": "Flow not found"})
		return
	}
	if err != nil {
		h.fail(c, "Failed to publish flow", err)
		return
	}

	h.l.Info("flow published", "flow_id", flowID)
	c.JSON(http.StatusOK, gin.H{"flow_id": flowID, "is_active": true})
}

func (h *Handler) fail(c *gin.Context, message string, err error) {
	h.l.Error(message,
		"path", c.Request.URL.Path,
		"method", c.Request.Method,
		"error", err.Error())
	c.JSON(http.StatusInternalServerError, gin.H{"message": message + ": " + err.Error()})
}
