package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/byomlabs/byom-gateway/internal/domain"
	"github.com/byomlabs/byom-gateway/internal/httputil"
)

// Ollama is the local-inference adapter. The backend uses a different wire
// shape: sampling parameters live in a nested options object and streaming is
// a backend-native flag. Replies carry a single message and no token counts,
// so a canonical wrapper is synthesized and usage is always zero.
type Ollama struct {
	baseURL string
	clients *httputil.Clients
}

func NewOllama(p *domain.Provider, deps Deps) (Adapter, error) {
	return &Ollama{
		baseURL: trimBaseURL(p.BaseURL),
		clients: deps.Clients,
	}, nil
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []ollamaMsg    `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  *ollamaOptions `json:"options,omitempty"`
}

type ollamaMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"`
}

type ollamaChatResponse struct {
	Model   string    `json:"model"`
	Message ollamaMsg `json:"message"`
	Done    bool      `json:"done"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func toOllamaRequest(req domain.ChatRequest, stream bool) ollamaChatRequest {
	messages := make([]ollamaMsg, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = ollamaMsg{Role: m.Role, Content: m.Content}
	}

	out := ollamaChatRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   stream,
	}

	if req.Temperature != nil || req.TopP != nil || req.MaxTokens != nil {
		out.Options = &ollamaOptions{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			NumPredict:  req.MaxTokens,
		}
	}

	return out
}

// toCanonicalResponse wraps the single-message reply in the canonical shape.
// Ollama does not report token counts, so usage stays zero-filled.
func toCanonicalResponse(resp ollamaChatResponse, model string) *domain.ChatResponse {
	now := time.Now().Unix()
	return &domain.ChatResponse{
		ID:      fmt.Sprintf("ollama-%d", now),
		Object:  "chat.completion",
		Created: now,
		Model:   model,
		Choices: []domain.Choice{
			{
				Index: 0,
				Message: &domain.Message{
					Role:    "assistant",
					Content: resp.Message.Content,
				},
				FinishReason: "stop",
			},
		},
	}
}

func (a *Ollama) doChat(ctx context.Context, client *http.Client, req domain.ChatRequest, stream bool) (*http.Response, error) {
	body, err := json.Marshal(toOllamaRequest(req, stream))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}

	return resp, nil
}

func (a *Ollama) ChatCompletion(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	resp, err := a.doChat(ctx, a.clients.Chat, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var ollamaResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&ollamaResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return toCanonicalResponse(ollamaResp, req.Model), nil
}

func (a *Ollama) ChatCompletionStream(ctx context.Context, req domain.ChatRequest) (io.ReadCloser, error) {
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

func (a *Ollama) ListModels(ctx context.Context) ([]domain.ModelInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/tags", http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := a.clients.Probe.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	models := make([]domain.ModelInfo, len(tags.Models))
	for i, m := range tags.Models {
		models[i] = domain.ModelInfo{ID: m.Name, Object: "model", OwnedBy: "ollama"}
	}

	return models, nil
}

func (a *Ollama) HealthCheck(ctx context.Context) domain.HealthStatus {
	return probe(ctx, a.clients.Probe, a.baseURL+"/api/tags", nil, "Ollama is accessible")
}
