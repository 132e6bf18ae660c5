package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/byomlabs/byom-gateway/internal/domain"
)

func TestParseMappingConfig_RejectsUnknownKeys(t *testing.T) {
	_, err := ParseMappingConfig(json.RawMessage(`{"request_maping":{}}`))

	var cfgErr *domain.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error = %v, want *domain.ConfigurationError", err)
	}
}

func TestParseMappingConfig_RejectsUnknownNestedKeys(t *testing.T) {
	raw := json.RawMessage(`{"request_mapping":{"messages":{"field":"input","rolefield":"who"}}}`)
	_, err := ParseMappingConfig(raw)

	var cfgErr *domain.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error = %v, want *domain.ConfigurationError", err)
	}
}

func TestParseMappingConfig_EmptyIsNil(t *testing.T) {
	for _, raw := range []json.RawMessage{nil, json.RawMessage("null")} {
		cfg, err := ParseMappingConfig(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if cfg != nil {
			t.Errorf("parse %q = %+v, want nil", raw, cfg)
		}
	}
}

func mappedProvider(baseURL string, mapping string) *domain.Provider {
	return &domain.Provider{
		Type:    domain.ProviderTypeHTTP,
		BaseURL: baseURL,
		Mapping: json.RawMessage(mapping),
	}
}

func TestHTTPMapped_RequestRoundTrip(t *testing.T) {
	var captured map[string]interface{}

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/generate" {
			t.Errorf("path = %q, want mapped endpoint /api/v2/generate", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&captured)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"results": []map[string]interface{}{
				{"msg": map[string]interface{}{"body": "mapped reply"}},
			},
		})
	}))
	defer backend.Close()

	mapping := `{
		"request_mapping": {
			"endpoint": "/api/v2/generate",
			"messages": {"field": "input", "role_field": "who", "content_field": "text"},
			"additional_fields": {"mode": "chat"}
		},
		"response_mapping": {"choices_field": "results", "message_field": "msg", "content_field": "body"}
	}`

	a, err := NewHTTPMapped(mappedProvider(backend.URL, mapping), testDeps())
	if err != nil {
		t.Fatalf("construct adapter: %v", err)
	}

	resp, err := a.ChatCompletion(context.Background(), domain.ChatRequest{
		Model: "custom-model",
		Messages: []domain.Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hello"},
		},
	})
	if err != nil {
		t.Fatalf("chat completion: %v", err)
	}

	input, ok := captured["input"].([]interface{})
	if !ok {
		t.Fatal("payload should carry messages under the mapped field \"input\"")
	}
	if len(input) != 2 {
		t.Fatalf("input entries = %d, want 2", len(input))
	}
	first := input[0].(map[string]interface{})
	if first["who"] != "system" || first["text"] != "be brief" {
		t.Errorf("input[0] = %v, want {who: system, text: be brief}", first)
	}
	if captured["mode"] != "chat" {
		t.Errorf("additional field mode = %v, want merged verbatim", captured["mode"])
	}

	if len(resp.Choices) != 1 {
		t.Fatalf("choices = %d, want 1", len(resp.Choices))
	}
	if got := resp.Choices[0].Message.Content; got != "mapped reply" {
		t.Errorf("recovered content = %q, want %q", got, "mapped reply")
	}
	if resp.Usage != (domain.Usage{}) {
		t.Errorf("usage = %+v, want zeros when the mapped reply has none", resp.Usage)
	}
}

func TestHTTPMapped_NoMappingPassesThroughCanonicalReply(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q, want default /chat/completions", r.URL.Path)
		}
		json.NewEncoder(w).Encode(domain.ChatResponse{
			ID:    "upstream-1",
			Model: "custom-model",
			Choices: []domain.Choice{
				{Index: 0, Message: &domain.Message{Role: "assistant", Content: "native"}, FinishReason: "stop"},
			},
			Usage: domain.Usage{PromptTokens: 5, CompletionTokens: 7, TotalTokens: 12},
		})
	}))
	defer backend.Close()

	a, _ := NewHTTPMapped(mappedProvider(backend.URL, ""), testDeps())
	resp, err := a.ChatCompletion(context.Background(), domain.ChatRequest{
		Model:    "custom-model",
		Messages: []domain.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("chat completion: %v", err)
	}

	if resp.ID != "upstream-1" {
		t.Errorf("id = %q, want the backend's id preserved", resp.ID)
	}
	if resp.Usage.TotalTokens != 12 {
		t.Errorf("usage total = %d, want 12", resp.Usage.TotalTokens)
	}
}

func TestHTTPMapped_NoMappingSynthesizesWhenNotCanonical(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Looks nothing like the canonical shape: no usage field.
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]interface{}{"content": "hi"}},
			},
		})
	}))
	defer backend.Close()

	a, _ := NewHTTPMapped(mappedProvider(backend.URL, ""), testDeps())
	resp, err := a.ChatCompletion(context.Background(), domain.ChatRequest{
		Model:    "custom-model",
		Messages: []domain.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("chat completion: %v", err)
	}

	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "hi" {
		t.Errorf("choices = %+v, want one synthesized choice with content hi", resp.Choices)
	}
	if resp.Usage != (domain.Usage{}) {
		t.Errorf("usage = %+v, want defaulted to zero", resp.Usage)
	}
}

func TestHTTPMapped_UsageRecoveredFromMappedField(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"results": []map[string]interface{}{
				{"message": map[string]interface{}{"content": "ok"}},
			},
			"token_info": map[string]interface{}{
				"prompt_tokens":     10,
				"completion_tokens": 20,
				"total_tokens":      30,
			},
		})
	}))
	defer backend.Close()

	mapping := `{"response_mapping": {"choices_field": "results", "usage_field": "token_info"}}`
	a, _ := NewHTTPMapped(mappedProvider(backend.URL, mapping), testDeps())

	resp, err := a.ChatCompletion(context.Background(), domain.ChatRequest{
		Model:    "custom-model",
		Messages: []domain.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("chat completion: %v", err)
	}

	want := domain.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30}
	if resp.Usage != want {
		t.Errorf("usage = %+v, want %+v", resp.Usage, want)
	}
}

func TestHTTPMapped_ModelsFromBareNameList(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/models" {
			t.Errorf("path = %q, want configured models endpoint", r.URL.Path)
		}
		json.NewEncoder(w).Encode([]string{"alpha", "beta"})
	}))
	defer backend.Close()

	mapping := `{"models_endpoint": "/v2/models"}`
	a, _ := NewHTTPMapped(mappedProvider(backend.URL, mapping), testDeps())

	models, err := a.ListModels(context.Background())
	if err != nil {
		t.Fatalf("list models: %v", err)
	}
	if len(models) != 2 || models[0].ID != "alpha" || models[0].OwnedBy != "custom" {
		t.Errorf("models = %+v, want normalized entries from the bare list", models)
	}
}

func TestHTTPMapped_ModelsUnrecognizedShapeIsError(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer backend.Close()

	a, _ := NewHTTPMapped(mappedProvider(backend.URL, ""), testDeps())

	models, err := a.ListModels(context.Background())
	if err == nil {
		t.Fatal("expected an error for a body that is neither a listing nor a name array")
	}
	if models != nil {
		t.Errorf("models = %+v, want nil", models)
	}
}

func TestHTTPMapped_HealthUsesConfiguredEndpoint(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			t.Errorf("path = %q, want /status", r.URL.Path)
		}
		w.Write([]byte("ok"))
	}))
	defer backend.Close()

	mapping := `{"health_endpoint": "/status"}`
	a, _ := NewHTTPMapped(mappedProvider(backend.URL, mapping), testDeps())

	status := a.HealthCheck(context.Background())
	if !status.Success {
		t.Errorf("health check failed: %s", status.Message)
	}
}
