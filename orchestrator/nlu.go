package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Intent is a detected user intent with the classifier's confidence.
type Intent struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// Entity is an NLU-extracted value, typed by the slot it can fill.
type Entity struct {
	EntityType string  `json:"entity_type"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	StartChar  *int    `json:"start_char,omitempty"`
	EndChar    *int    `json:"end_char,omitempty"`
}

// Sentiment is an optional utterance-level sentiment annotation.
type Sentiment struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// NLUResult is the parse outcome for one utterance.
type NLUResult struct {
	Intent    Intent     `json:"intent"`
	Entities  []Entity   `json:"entities"`
	Sentiment *Sentiment `json:"sentiment,omitempty"`
}

// ExtractSlotValue returns the value of the first entity whose type matches
// the slot name. The second return is false when no entity matches.
func ExtractSlotValue(entities []Entity, slotName string) (string, bool) {
	for _, entity := range entities {
		if entity.EntityType == slotName {
			return entity.Value, true
		}
	}
	return "", false
}

type parseRequest struct {
	Text     string         `json:"text"`
	Language string         `json:"language"`
	Context  map[string]any `json:"context"`
}

// NLUClient talks to the external NLU service. When the service is slow or
// unavailable it degrades to rule-based keyword matching so a turn always
// yields a usable intent.
type NLUClient struct {
	client *resty.Client
	l      *slog.Logger
}

func NewNLUClient(cfg NLUConfig, l *slog.Logger) *NLUClient {
	client := resty.New().
		SetBaseURL(cfg.URL).
		SetTimeout(cfg.Timeout)

	return &NLUClient{client: client, l: l}
}

// Parse sends the utterance to the NLU service. Slots are passed along as
// disambiguation context. Any transport or server failure falls back to
// keyword matching.
func (n *NLUClient) Parse(ctx context.Context, text, language string, slots map[string]any) NLUResult {
	if language == "" {
		language = "en-US"
	}
	if slots == nil {
		slots = map[string]any{}
	}

	var result NLUResult
	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(parseRequest{Text: text, Language: language, Context: slots}).
		SetResult(&result).
		Post("/parse")

	if err != nil {
		n.l.Error("NLU service unreachable, using keyword fallback", "error", err)
		return FallbackIntent(text)
	}
	if resp.IsError() {
		n.l.Error("NLU service error, using keyword fallback",
			"status", resp.StatusCode(),
			"body", resp.String())
		return FallbackIntent(text)
	}

	return result
}

// keywordRule maps trigger words to an intent with a fixed confidence.
type keywordRule struct {
	intent     string
	confidence float64
	words      []string
}

// Rule order matters: earlier rules win when an utterance matches several.
var keywordRules = []keywordRule{
	{"greet", 0.9, []string{"hello", "hi", "hey", "greet"}},
	{"goodbye", 0.9, []string{"bye", "goodbye", "see you"}},
	{"check_balance", 0.7, []string{"balance", "money", "account"}},
	{"transfer_money", 0.7, []string{"transfer", "send", "pay"}},
	{"help", 0.8, []string{"help", "assist"}},
	{"cancel", 0.8, []string{"cancel", "stop", "nevermind"}},
}

// FallbackIntent is the rule-based intent detector used when the NLU service
// cannot be reached. It never extracts entities.
func FallbackIntent(text string) NLUResult {
	lower := strings.ToLower(text)

	name := "out_of_scope"
	confidence := 0.5
	for _, rule := range keywordRules {
		if containsAny(lower, rule.words) {
			name = rule.intent
			confidence = rule.confidence
			break
		}
	}

	return NLUResult{
		Intent:    Intent{Name: name, Confidence: confidence},
		Entities:  []Entity{},
		Sentiment: &Sentiment{Label: "neutral", Score: 0.5},
	}
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// NLUConfig configures the NLU service client.
type NLUConfig struct {
	URL     string        `yaml:"url" default:"http://localhost:8001" validate:"required"`
	Timeout time.Duration `yaml:"timeout" default:"5s" validate:"gte=100ms"`
}
