package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Jeffail/gabs/v2"
	"github.com/go-resty/resty/v2"
	"github.com/mitchellh/mapstructure"
)

// APICallSpec is the typed form of an api_caller node's api_config.
// Header and body values may be expr expressions evaluated against the
// session's slots; the response JSON is mapped back into slots through
// result_mapping {slot: json.path}.
type APICallSpec struct {
	URL           string            `json:"url"`
	Method        string            `json:"method"`
	Headers       map[string]string `json:"headers"`
	Body          map[string]any    `json:"body"`
	ResultMapping map[string]string `json:"result_mapping"`
}

// DecodeAPICallSpec converts a raw api_config map into an APICallSpec.
func DecodeAPICallSpec(config map[string]any) (APICallSpec, error) {
	var spec APICallSpec
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &spec,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return APICallSpec{}, fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(config); err != nil {
		return APICallSpec{}, fmt.Errorf("failed to decode api_config: %w", err)
	}
	if spec.URL == "" {
		return APICallSpec{}, fmt.Errorf("api_config is missing a url")
	}
	if spec.Method == "" {
		if spec.Body != nil {
			spec.Method = http.MethodPost
		} else {
			spec.Method = http.MethodGet
		}
	}
	return spec, nil
}

// APICallRunner performs the external calls that api_caller nodes request.
// It lives on the caller side of the executor boundary: the executor only
// signals execute_api_call, the runner does the I/O.
type APICallRunner struct {
	client *resty.Client
	l      *slog.Logger
}

func NewAPICallRunner(timeout time.Duration, l *slog.Logger) *APICallRunner {
	return &APICallRunner{
		client: resty.New().SetTimeout(timeout),
		l:      l,
	}
}

// Run executes the call described by config against the given slots and
// returns the slot updates extracted via result_mapping. All failures are
// fail-soft: a warning is logged and no updates are returned.
func (r *APICallRunner) Run(ctx context.Context, config map[string]any, slots map[string]any) map[string]any {
	spec, err := DecodeAPICallSpec(config)
	if err != nil {
		r.l.Warn("invalid api_config, skipping call", "error", err)
		return map[string]any{}
	}

	req := r.client.R().SetContext(ctx)
	if len(spec.Headers) > 0 {
		req.SetHeaders(evaluateStringArgs(spec.Headers, slots))
	}
	if spec.Body != nil {
		req.SetBody(evaluateArgs(spec.Body, slots))
	}

	resp, err := req.Execute(spec.Method, spec.URL)
	if err != nil {
		r.l.Warn("api call failed", "url", spec.URL, "error", err)
		return map[string]any{}
	}
	if resp.IsError() {
		r.l.Warn("api call returned error status",
			"url", spec.URL,
			"status", resp.StatusCode())
		return map[string]any{}
	}

	return r.mapResult(resp.Body(), spec.ResultMapping)
}

// mapResult walks the response JSON and pulls each mapped path into a slot
// update. Paths that do not exist in the response are skipped with a warning.
func (r *APICallRunner) mapResult(body []byte, mapping map[string]string) map[string]any {
	updates := map[string]any{}
	if len(mapping) == 0 {
		return updates
	}

	parsed, err := gabs.ParseJSON(body)
	if err != nil {
		r.l.Warn("api response is not valid JSON", "error", err)
		return updates
	}

	for slot, path := range mapping {
		if !parsed.ExistsP(path) {
			r.l.Warn("api response missing mapped path", "slot", slot, "path", path)
			continue
		}
		updates[slot] = parsed.Path(path).Data()
	}
	return updates
}

// evaluateArgs evaluates string values as expressions against the slots,
// keeping the literal when evaluation fails. Nested maps and arrays are
// walked recursively; other types pass through as-is.
func evaluateArgs(args map[string]any, slots map[string]any) map[string]any {
	result := make(map[string]any, len(args))
	for key, value := range args {
		result[key] = evaluateArg(value, slots)
	}
	return result
}

func evaluateArg(value any, slots map[string]any) any {
	switch v := value.(type) {
	case string:
		evaluated, err := Eval(v, slots)
		if err != nil || evaluated == nil {
			return v
		}
		return evaluated
	case map[string]any:
		return evaluateArgs(v, slots)
	case []any:
		result := make([]any, len(v))
		for i, item := range v {
			result[i] = evaluateArg(item, slots)
		}
		return result
	default:
		return value
	}
}

func evaluateStringArgs(args map[string]string, slots map[string]any) map[string]string {
	result := make(map[string]string, len(args))
	for key, value := range args {
		evaluated, err := Eval(value, slots)
		if err != nil || evaluated == nil {
			result[key] = value
			continue
		}
		result[key] = formatSlotValue(evaluated)
	}
	return result
}
