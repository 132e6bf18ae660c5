package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/byomlabs/byom-gateway/internal/domain"
	"github.com/byomlabs/byom-gateway/internal/httputil"
)

// HTTPMapped is the fully runtime-configurable adapter for custom HTTP
// backends. Its mapping configuration decides where messages live in the
// outgoing payload and where choices and usage live in the reply. Without a
// response mapping it falls back to a heuristic: a reply that carries both
// "choices" and "usage" is treated as already canonical.
type HTTPMapped struct {
	baseURL string
	apiKey  string
	headers map[string]string
	mapping *MappingConfig
	clients *httputil.Clients
}

func NewHTTPMapped(p *domain.Provider, deps Deps) (Adapter, error) {
	mapping, err := ParseMappingConfig(p.Mapping)
	if err != nil {
		return nil, err
	}

	apiKey, err := decryptAPIKey(p, deps)
	if err != nil {
		return nil, err
	}

	return &HTTPMapped{
		baseURL: trimBaseURL(p.BaseURL),
		apiKey:  apiKey,
		headers: p.Headers,
		mapping: mapping,
		clients: deps.Clients,
	}, nil
}

func (a *HTTPMapped) requestMapping() *RequestMapping {
	if a.mapping == nil {
		return nil
	}
	return a.mapping.Request
}

// buildPayload shapes the outgoing body. With no request mapping the payload
// is the canonical request; with one, messages move under the configured
// field names and any additional fields are merged verbatim.
func (a *HTTPMapped) buildPayload(req domain.ChatRequest, stream bool) map[string]interface{} {
	rm := a.requestMapping()

	var msgMapping *MessageMapping
	if rm != nil {
		msgMapping = rm.Messages
	}

	messages := make([]map[string]interface{}, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = map[string]interface{}{
			msgMapping.roleField():    m.Role,
			msgMapping.contentField(): m.Content,
		}
	}

	payload := map[string]interface{}{
		"model":                req.Model,
		msgMapping.field():     messages,
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		payload["top_p"] = *req.TopP
	}
	if req.MaxTokens != nil {
		payload["max_tokens"] = *req.MaxTokens
	}
	if stream {
		payload["stream"] = true
	}

	if rm != nil {
		for k, v := range rm.AdditionalFields {
			payload[k] = v
		}
	}

	return payload
}

func (a *HTTPMapped) chatEndpoint() string {
	if rm := a.requestMapping(); rm != nil && rm.Endpoint != "" {
		return a.baseURL + rm.Endpoint
	}
	return a.baseURL + "/chat/completions"
}

func (a *HTTPMapped) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
	for k, v := range a.headers {
		req.Header.Set(k, v)
	}
}

func (a *HTTPMapped) doChat(ctx context.Context, client *http.Client, req domain.ChatRequest, stream bool) (*http.Response, error) {
	body, err := json.Marshal(a.buildPayload(req, stream))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.chatEndpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	a.setHeaders(httpReq)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}

	return resp, nil
}

func (a *HTTPMapped) ChatCompletion(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	resp, err := a.doChat(ctx, a.clients.Chat, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return a.convertResponse(raw, req.Model)
}

func (a *HTTPMapped) ChatCompletionStream(ctx context.Context, req domain.ChatRequest) (io.ReadCloser, error) {
	resp, err := a.doChat(ctx, a.clients.Stream, req, true)
	if err != nil {
		return nil, err
	}

	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}

	return resp.Body, nil
}

// convertResponse recovers a canonical response from the backend's reply.
// With no response mapping it passes through anything that already looks
// canonical; otherwise it builds a synthetic wrapper, defaulting usage to
// zero when absent.
func (a *HTTPMapped) convertResponse(raw []byte, model string) (*domain.ChatResponse, error) {
	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	var rm *ResponseMapping
	if a.mapping != nil {
		rm = a.mapping.Response
	}

	if rm == nil {
		if _, hasChoices := body["choices"]; hasChoices {
			if _, hasUsage := body["usage"]; hasUsage {
				var chatResp domain.ChatResponse
				if err := json.Unmarshal(raw, &chatResp); err != nil {
					return nil, fmt.Errorf("decode canonical response: %w", err)
				}
				return &chatResp, nil
			}
		}
		rm = &ResponseMapping{}
	}

	now := time.Now().Unix()
	out := &domain.ChatResponse{
		ID:      fmt.Sprintf("custom-%d", now),
		Object:  "chat.completion",
		Created: now,
		Model:   model,
		Choices: []domain.Choice{},
	}

	if choices, ok := body[rm.choicesField()].([]interface{}); ok {
		for i, c := range choices {
			choice, ok := c.(map[string]interface{})
			if !ok {
				continue
			}

			var content string
			switch msg := choice[rm.messageField()].(type) {
			case map[string]interface{}:
				content, _ = msg[rm.contentField()].(string)
			case string:
				content = msg
			default:
				continue
			}

			out.Choices = append(out.Choices, domain.Choice{
				Index: i,
				Message: &domain.Message{
					Role:    "assistant",
					Content: content,
				},
				FinishReason: "stop",
			})
		}
	}

	if usage, ok := body[rm.usageField()].(map[string]interface{}); ok {
		out.Usage = domain.Usage{
			PromptTokens:     intField(usage, "prompt_tokens"),
			CompletionTokens: intField(usage, "completion_tokens"),
			TotalTokens:      intField(usage, "total_tokens"),
		}
	}

	return out, nil
}

func intField(m map[string]interface{}, key string) int {
	if f, ok := m[key].(float64); ok {
		return int(f)
	}
	return 0
}

func (a *HTTPMapped) modelsURL() string {
	if a.mapping != nil && a.mapping.ModelsEndpoint != "" {
		return a.baseURL + a.mapping.ModelsEndpoint
	}
	return a.baseURL + "/models"
}

func (a *HTTPMapped) ListModels(ctx context.Context) ([]domain.ModelInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.modelsURL(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	a.setHeaders(httpReq)

	resp, err := a.clients.Probe.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	// Either a canonical {"data": [...]} listing or a bare array of names.
	var list domain.ModelList
	if err := json.Unmarshal(raw, &list); err == nil && list.Data != nil {
		return list.Data, nil
	}

	var names []string
	if err := json.Unmarshal(raw, &names); err == nil {
		models := make([]domain.ModelInfo, len(names))
		for i, name := range names {
			models[i] = domain.ModelInfo{ID: name, Object: "model", OwnedBy: "custom"}
		}
		return models, nil
	}

	return nil, fmt.Errorf("decode model listing: unrecognized response shape")
}

func (a *HTTPMapped) healthURL() string {
	if a.mapping == nil || a.mapping.HealthEndpoint == "" {
		return a.baseURL
	}
	if strings.HasPrefix(a.mapping.HealthEndpoint, "/") {
		return a.baseURL + a.mapping.HealthEndpoint
	}
	return a.mapping.HealthEndpoint
}

func (a *HTTPMapped) HealthCheck(ctx context.Context) domain.HealthStatus {
	return probe(ctx, a.clients.Probe, a.healthURL(), a.headers, "Custom endpoint is accessible")
}
