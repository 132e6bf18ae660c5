package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/byomlabs/byom-gateway/internal/adapter"
	"github.com/byomlabs/byom-gateway/internal/auth"
	"github.com/byomlabs/byom-gateway/internal/crypto"
	"github.com/byomlabs/byom-gateway/internal/domain"
	"github.com/byomlabs/byom-gateway/internal/gateway"
	"github.com/byomlabs/byom-gateway/internal/ratelimit"
	"github.com/byomlabs/byom-gateway/internal/repository"
	"github.com/byomlabs/byom-gateway/internal/usage"
)

type stubAdapter struct {
	chatFn   func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error)
	streamFn func(ctx context.Context, req domain.ChatRequest) (io.ReadCloser, error)
}

func (s *stubAdapter) ChatCompletion(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	return s.chatFn(ctx, req)
}

func (s *stubAdapter) ChatCompletionStream(ctx context.Context, req domain.ChatRequest) (io.ReadCloser, error) {
	return s.streamFn(ctx, req)
}

func (s *stubAdapter) ListModels(ctx context.Context) ([]domain.ModelInfo, error) { return nil, nil }

func (s *stubAdapter) HealthCheck(ctx context.Context) domain.HealthStatus {
	return domain.HealthStatus{Success: true, Message: "ok"}
}

type stubResolver struct{ adapter adapter.Adapter }

func (r *stubResolver) Resolve(p *domain.Provider) (adapter.Adapter, error) { return r.adapter, nil }

type testStack struct {
	handler *Handler
	token   string
	creds   *repository.InMemoryCredentialRepository
	catalog *repository.InMemoryCatalogRepository
	tracker *usage.InMemoryTracker
}

func newTestStack(t *testing.T, ad adapter.Adapter, policy domain.RateLimitPolicy) *testStack {
	t.Helper()
	ctx := context.Background()

	creds := repository.NewInMemoryCredentialRepository()
	token, hash, prefix := crypto.NewToken()
	creds.Create(ctx, &domain.Credential{
		ID:        "cred-1",
		TenantID:  "t1",
		TokenHash: hash,
		Prefix:    prefix,
		Policy:    policy,
		Status:    domain.CredentialActive,
	})

	catalog := repository.NewInMemoryCatalogRepository()
	catalog.CreateProvider(ctx, &domain.Provider{
		ID: "prov-1", TenantID: "t1", Name: "local", Type: domain.ProviderTypeOllama,
		BaseURL: "http://localhost:11434", Active: true,
	})
	catalog.CreateModel(ctx, &domain.Model{
		ID: "model-1", Name: "llama3:8b", ProviderID: "prov-1", Active: true,
	})

	tracker := usage.NewInMemoryTracker(creds, nil)
	orch := gateway.NewOrchestrator(
		auth.NewAuthenticator(creds),
		ratelimit.NewLimiter(ratelimit.NewInMemoryCounterStore()),
		catalog,
		&stubResolver{adapter: ad},
		tracker,
		nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)

	return &testStack{
		handler: NewHandler(HandlerConfig{Orchestrator: orch, Version: "test"}),
		token:   token,
		creds:   creds,
		catalog: catalog,
		tracker: tracker,
	}
}

func chatBody() string {
	return `{"model":"llama3:8b","messages":[{"role":"user","content":"hello"}]}`
}

func doChat(stack *testStack, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	stack.handler.ServeHTTP(w, req)
	return w
}

func TestChatCompletions_Success(t *testing.T) {
	ad := &stubAdapter{
		chatFn: func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
			return &domain.ChatResponse{
				ID:      "resp-1",
				Object:  "chat.completion",
				Model:   req.Model,
				Choices: []domain.Choice{{Message: &domain.Message{Role: "assistant", Content: "hi"}, FinishReason: "stop"}},
				Usage:   domain.Usage{PromptTokens: 3, CompletionTokens: 1, TotalTokens: 4},
			}, nil
		},
	}
	stack := newTestStack(t, ad, domain.RateLimitPolicy{})

	w := doChat(stack, stack.token, chatBody())
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	var resp domain.ChatResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.ID != "resp-1" || resp.Usage.TotalTokens != 4 {
		t.Errorf("response = %+v, want the adapter's canonical reply", resp)
	}
}

func TestChatCompletions_MissingToken(t *testing.T) {
	stack := newTestStack(t, &stubAdapter{}, domain.RateLimitPolicy{})

	if w := doChat(stack, "", chatBody()); w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestChatCompletions_Throttled(t *testing.T) {
	ad := &stubAdapter{
		chatFn: func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
			return &domain.ChatResponse{Usage: domain.Usage{TotalTokens: 1}}, nil
		},
	}
	stack := newTestStack(t, ad, domain.RateLimitPolicy{RPM: 1, TPM: 1000, DailyCap: 1000})

	if w := doChat(stack, stack.token, chatBody()); w.Code != http.StatusOK {
		t.Fatalf("first request status = %d: %s", w.Code, w.Body.String())
	}

	w := doChat(stack, stack.token, chatBody())
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("throttled responses must carry a Retry-After hint")
	}
}

func TestChatCompletions_UnknownModel(t *testing.T) {
	stack := newTestStack(t, &stubAdapter{}, domain.RateLimitPolicy{})

	body := `{"model":"nope","messages":[{"role":"user","content":"hello"}]}`
	if w := doChat(stack, stack.token, body); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestChatCompletions_InactiveProvider(t *testing.T) {
	stack := newTestStack(t, &stubAdapter{}, domain.RateLimitPolicy{})

	provider, _ := stack.catalog.GetProvider(context.Background(), "prov-1")
	provider.Active = false
	stack.catalog.UpdateProvider(context.Background(), provider)

	if w := doChat(stack, stack.token, chatBody()); w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
}

func TestChatCompletions_UpstreamFailure(t *testing.T) {
	ad := &stubAdapter{
		chatFn: func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
			return nil, &domain.AdapterError{Status: 503, Body: "overloaded"}
		},
	}
	stack := newTestStack(t, ad, domain.RateLimitPolicy{})

	w := doChat(stack, stack.token, chatBody())
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	if !strings.Contains(w.Body.String(), "503") {
		t.Errorf("body = %s, want the upstream status surfaced", w.Body.String())
	}
}

func TestChatCompletions_BadRequest(t *testing.T) {
	stack := newTestStack(t, &stubAdapter{}, domain.RateLimitPolicy{})

	for _, body := range []string{"{not json", `{"model":"llama3:8b","messages":[]}`, `{"messages":[{"role":"user","content":"x"}]}`} {
		if w := doChat(stack, stack.token, body); w.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, w.Code)
		}
	}
}

func TestChatCompletions_StreamRelay(t *testing.T) {
	ad := &stubAdapter{
		streamFn: func(ctx context.Context, req domain.ChatRequest) (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader("data: {\"x\":1}\n\ndata: [DONE]\n\n")), nil
		},
	}
	stack := newTestStack(t, ad, domain.RateLimitPolicy{})

	body := `{"model":"llama3:8b","messages":[{"role":"user","content":"hello"}],"stream":true}`
	w := doChat(stack, stack.token, body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q, want text/event-stream", ct)
	}
	if got := w.Body.String(); got != "data: {\"x\":1}\n\ndata: [DONE]\n\n" {
		t.Errorf("relayed body = %q, want the provider bytes untouched", got)
	}

	// Telemetry lands once the relay finishes, usage-blind.
	summaries, _ := stack.tracker.SummaryByModel(context.Background(), "t1", 1)
	if len(summaries) != 1 || summaries[0].TotalTokens != 0 {
		t.Errorf("telemetry = %+v, want one zero-usage record", summaries)
	}
}

func TestListModels_Endpoint(t *testing.T) {
	stack := newTestStack(t, &stubAdapter{}, domain.RateLimitPolicy{})

	req := httptest.NewRequest("GET", "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer "+stack.token)
	w := httptest.NewRecorder()
	stack.handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var list domain.ModelList
	json.Unmarshal(w.Body.Bytes(), &list)
	if len(list.Data) != 1 || list.Data[0].ID != "llama3:8b" {
		t.Errorf("models = %+v, want the registered model", list.Data)
	}

	req = httptest.NewRequest("GET", "/v1/models", nil)
	w = httptest.NewRecorder()
	stack.handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status without token = %d, want 401", w.Code)
	}
}

func TestHealthLive(t *testing.T) {
	stack := newTestStack(t, &stubAdapter{}, domain.RateLimitPolicy{})

	req := httptest.NewRequest("GET", "/health/live", nil)
	w := httptest.NewRecorder()
	stack.handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}
