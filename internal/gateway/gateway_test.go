package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/byomlabs/byom-gateway/internal/adapter"
	"github.com/byomlabs/byom-gateway/internal/auth"
	"github.com/byomlabs/byom-gateway/internal/crypto"
	"github.com/byomlabs/byom-gateway/internal/domain"
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

func (s *stubAdapter) ListModels(ctx context.Context) ([]domain.ModelInfo, error) {
	return nil, nil
}

func (s *stubAdapter) HealthCheck(ctx context.Context) domain.HealthStatus {
	return domain.HealthStatus{Success: true}
}

type stubResolver struct {
	adapter adapter.Adapter
	err     error
}

func (r *stubResolver) Resolve(p *domain.Provider) (adapter.Adapter, error) {
	return r.adapter, r.err
}

type fixture struct {
	orch    *Orchestrator
	tracker *usage.InMemoryTracker
	creds   *repository.InMemoryCredentialRepository
	catalog *repository.InMemoryCatalogRepository
	limiter *ratelimit.Limiter
	token   string
}

func newFixture(t *testing.T, ad adapter.Adapter, policy domain.RateLimitPolicy) *fixture {
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
		ID:       "prov-1",
		TenantID: "t1",
		Name:     "local",
		Type:     domain.ProviderTypeOllama,
		BaseURL:  "http://localhost:11434",
		Active:   true,
	})
	catalog.CreateModel(ctx, &domain.Model{
		ID:         "model-1",
		Name:       "llama3:8b",
		ProviderID: "prov-1",
		Active:     true,
	})

	tracker := usage.NewInMemoryTracker(creds, nil)
	limiter := ratelimit.NewLimiter(ratelimit.NewInMemoryCounterStore())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	orch := NewOrchestrator(
		auth.NewAuthenticator(creds),
		limiter,
		catalog,
		&stubResolver{adapter: ad},
		tracker,
		nil,
		logger,
	)
	return &fixture{orch: orch, tracker: tracker, creds: creds, catalog: catalog, limiter: limiter, token: token}
}

func okAdapter(usage domain.Usage) *stubAdapter {
	return &stubAdapter{
		chatFn: func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
			return &domain.ChatResponse{
				ID:      "resp-1",
				Model:   req.Model,
				Choices: []domain.Choice{{Message: &domain.Message{Role: "assistant", Content: "ok"}}},
				Usage:   usage,
			}, nil
		},
	}
}

func chatReq(model string, stream bool) domain.ChatRequest {
	return domain.ChatRequest{
		Model:    model,
		Messages: []domain.Message{{Role: "user", Content: "hello"}},
		Stream:   stream,
	}
}

func records(t *testing.T, f *fixture) []usage.GroupSummary {
	t.Helper()
	got, err := f.tracker.SummaryByModel(context.Background(), "t1", 1)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	return got
}

func TestChatCompletion_Success(t *testing.T) {
	f := newFixture(t, okAdapter(domain.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30}), domain.RateLimitPolicy{})

	res, err := f.orch.ChatCompletion(context.Background(), f.token, chatReq("llama3:8b", false))
	if err != nil {
		t.Fatalf("chat completion: %v", err)
	}
	if res.Response == nil || res.Response.ID != "resp-1" {
		t.Fatalf("result = %+v, want the adapter's response", res)
	}

	got := records(t, f)
	if len(got) != 1 || got[0].TotalTokens != 30 || got[0].Requests != 1 {
		t.Errorf("telemetry = %+v, want one record with 30 tokens", got)
	}

	cred, _ := f.creds.GetByID(context.Background(), "cred-1")
	if cred.LastUsedAt == nil {
		t.Error("logging should touch the credential's last-used timestamp")
	}
}

func TestChatCompletion_UnknownToken(t *testing.T) {
	f := newFixture(t, okAdapter(domain.Usage{}), domain.RateLimitPolicy{})

	_, err := f.orch.ChatCompletion(context.Background(), "byom-bogus", chatReq("llama3:8b", false))
	if err != domain.ErrUnauthenticated {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
	if len(records(t, f)) != 0 {
		t.Error("authentication failures should write no telemetry")
	}
}

func TestChatCompletion_Throttled(t *testing.T) {
	f := newFixture(t, okAdapter(domain.Usage{TotalTokens: 1}), domain.RateLimitPolicy{RPM: 1, TPM: 1000, DailyCap: 1000})

	if _, err := f.orch.ChatCompletion(context.Background(), f.token, chatReq("llama3:8b", false)); err != nil {
		t.Fatalf("first request: %v", err)
	}

	_, err := f.orch.ChatCompletion(context.Background(), f.token, chatReq("llama3:8b", false))
	var quotaErr *domain.QuotaExceededError
	if !errors.As(err, &quotaErr) {
		t.Fatalf("err = %v, want *domain.QuotaExceededError", err)
	}
	if quotaErr.RetryAfter <= 0 || quotaErr.RetryAfter > 3600 {
		t.Errorf("retry after = %d, want seconds to the hourly boundary", quotaErr.RetryAfter)
	}

	// Only the admitted request leaves a record.
	got := records(t, f)
	if len(got) != 1 || got[0].Requests != 1 {
		t.Errorf("telemetry = %+v, want only the first request recorded", got)
	}
}

func TestChatCompletion_UnknownModel(t *testing.T) {
	f := newFixture(t, okAdapter(domain.Usage{}), domain.RateLimitPolicy{})

	_, err := f.orch.ChatCompletion(context.Background(), f.token, chatReq("nope", false))
	if err != domain.ErrModelNotFound {
		t.Fatalf("err = %v, want ErrModelNotFound", err)
	}
	if len(records(t, f)) != 0 {
		t.Error("unresolvable models should write no telemetry")
	}
}

func TestChatCompletion_InactiveProvider(t *testing.T) {
	f := newFixture(t, okAdapter(domain.Usage{}), domain.RateLimitPolicy{})

	provider, _ := f.catalog.GetProvider(context.Background(), "prov-1")
	provider.Active = false
	f.catalog.UpdateProvider(context.Background(), provider)

	_, err := f.orch.ChatCompletion(context.Background(), f.token, chatReq("llama3:8b", false))
	if err != domain.ErrProviderUnavailable {
		t.Fatalf("err = %v, want ErrProviderUnavailable", err)
	}

	got := records(t, f)
	if len(got) != 1 || got[0].Requests != 1 || got[0].TotalTokens != 0 {
		t.Fatalf("telemetry = %+v, want exactly one zero-usage failure record", got)
	}
}

func TestChatCompletion_AdapterFailure(t *testing.T) {
	failing := &stubAdapter{
		chatFn: func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
			return nil, &domain.AdapterError{Status: 502, Body: "bad gateway"}
		},
	}
	f := newFixture(t, failing, domain.RateLimitPolicy{})

	_, err := f.orch.ChatCompletion(context.Background(), f.token, chatReq("llama3:8b", false))
	var adapterErr *domain.AdapterError
	if !errors.As(err, &adapterErr) || adapterErr.Status != 502 {
		t.Fatalf("err = %v, want the upstream AdapterError", err)
	}

	got := records(t, f)
	if len(got) != 1 || got[0].TotalTokens != 0 {
		t.Fatalf("telemetry = %+v, want one zero-usage failure record", got)
	}

	// No tokens consumed, so the hourly token counter must stay untouched.
	buckets, _ := f.tracker.SummaryByPeriod(context.Background(), "t1", 1, usage.BucketHour)
	if len(buckets) != 1 || buckets[0].Failed != 1 || buckets[0].Succeeded != 0 {
		t.Errorf("period summary = %+v, want a single failed attempt", buckets)
	}
}

func TestChatCompletion_IncrementSkippedOnFailure(t *testing.T) {
	failing := &stubAdapter{
		chatFn: func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
			return nil, &domain.AdapterError{Status: 500, Body: "boom"}
		},
	}
	f := newFixture(t, failing, domain.RateLimitPolicy{RPM: 1, TPM: 1000, DailyCap: 1000})

	f.orch.ChatCompletion(context.Background(), f.token, chatReq("llama3:8b", false))

	// The failed attempt never incremented, so the RPM=1 budget is untouched
	// and the next request over the same limiter still admits.
	f.orch = NewOrchestrator(
		auth.NewAuthenticator(f.creds),
		f.limiter,
		f.catalog,
		&stubResolver{adapter: okAdapter(domain.Usage{TotalTokens: 1})},
		f.tracker,
		nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	if _, err := f.orch.ChatCompletion(context.Background(), f.token, chatReq("llama3:8b", false)); err != nil {
		t.Fatalf("request after failure: %v", err)
	}
}

func TestChatCompletion_StreamRelaysAndLogsOnClose(t *testing.T) {
	streaming := &stubAdapter{
		streamFn: func(ctx context.Context, req domain.ChatRequest) (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader("data: chunk1\n\ndata: chunk2\n\n")), nil
		},
	}
	f := newFixture(t, streaming, domain.RateLimitPolicy{})

	res, err := f.orch.ChatCompletion(context.Background(), f.token, chatReq("llama3:8b", true))
	if err != nil {
		t.Fatalf("stream open: %v", err)
	}
	if res.Stream == nil {
		t.Fatal("want a stream result")
	}

	// Nothing is logged until the relay ends.
	if len(records(t, f)) != 0 {
		t.Fatal("telemetry should wait for the stream to close")
	}

	body, _ := io.ReadAll(res.Stream)
	if string(body) != "data: chunk1\n\ndata: chunk2\n\n" {
		t.Errorf("relayed bytes = %q, want the raw provider stream", body)
	}

	res.Stream.Close()
	res.Stream.Close() // second close must not double-log

	got := records(t, f)
	if len(got) != 1 || got[0].Requests != 1 || got[0].TotalTokens != 0 {
		t.Fatalf("telemetry = %+v, want one usage-blind record after close", got)
	}
}

type errReader struct{ err error }

func (e errReader) Read(p []byte) (int, error) { return 0, e.err }

func TestChatCompletion_StreamUpstreamErrorRecordedAsFailure(t *testing.T) {
	streaming := &stubAdapter{
		streamFn: func(ctx context.Context, req domain.ChatRequest) (io.ReadCloser, error) {
			body := io.MultiReader(
				strings.NewReader("data: chunk1\n\n"),
				errReader{err: errors.New("connection reset by peer")},
			)
			return io.NopCloser(body), nil
		},
	}
	f := newFixture(t, streaming, domain.RateLimitPolicy{})

	res, err := f.orch.ChatCompletion(context.Background(), f.token, chatReq("llama3:8b", true))
	if err != nil {
		t.Fatalf("stream open: %v", err)
	}

	if _, err := io.ReadAll(res.Stream); err == nil {
		t.Fatal("expected the relay to surface the upstream read error")
	}
	res.Stream.Close()

	buckets, _ := f.tracker.SummaryByPeriod(context.Background(), "t1", 1, usage.BucketHour)
	if len(buckets) != 1 || buckets[0].Failed != 1 || buckets[0].Succeeded != 0 {
		t.Fatalf("period summary = %+v, want the aborted stream recorded as a failure", buckets)
	}
}

// trackerSpy fails Log when the context is already canceled, the way a real
// database write would.
type trackerSpy struct {
	records []domain.RequestLogRecord
}

func (s *trackerSpy) Log(ctx context.Context, r domain.RequestLogRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.records = append(s.records, r)
	return nil
}

func (s *trackerSpy) SummaryByPeriod(ctx context.Context, tenantID string, days int, bucket usage.Bucket) ([]usage.PeriodSummary, error) {
	return nil, nil
}
func (s *trackerSpy) SummaryByModel(ctx context.Context, tenantID string, days int) ([]usage.GroupSummary, error) {
	return nil, nil
}
func (s *trackerSpy) SummaryByCredential(ctx context.Context, tenantID string, days int) ([]usage.GroupSummary, error) {
	return nil, nil
}
func (s *trackerSpy) SummaryByProvider(ctx context.Context, tenantID string, days int) ([]usage.GroupSummary, error) {
	return nil, nil
}

func TestChatCompletion_StreamRecordSurvivesClientDisconnect(t *testing.T) {
	streaming := &stubAdapter{
		streamFn: func(ctx context.Context, req domain.ChatRequest) (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader("data: chunk1\n\n")), nil
		},
	}
	f := newFixture(t, streaming, domain.RateLimitPolicy{})

	spy := &trackerSpy{}
	orch := NewOrchestrator(
		auth.NewAuthenticator(f.creds),
		f.limiter,
		f.catalog,
		&stubResolver{adapter: streaming},
		spy,
		nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	res, err := orch.ChatCompletion(ctx, f.token, chatReq("llama3:8b", true))
	if err != nil {
		t.Fatalf("stream open: %v", err)
	}

	io.ReadAll(res.Stream)
	cancel() // client disconnect before the relay finalizes
	res.Stream.Close()

	if len(spy.records) != 1 || !spy.records[0].Success {
		t.Fatalf("records = %+v, want the finalizing write to land despite cancellation", spy.records)
	}
}

func TestListModels(t *testing.T) {
	f := newFixture(t, okAdapter(domain.Usage{}), domain.RateLimitPolicy{})

	list, err := f.orch.ListModels(context.Background(), f.token)
	if err != nil {
		t.Fatalf("list models: %v", err)
	}
	if len(list.Data) != 1 || list.Data[0].ID != "llama3:8b" {
		t.Errorf("models = %+v, want the tenant's active model", list.Data)
	}

	if _, err := f.orch.ListModels(context.Background(), "byom-bogus"); err != domain.ErrUnauthenticated {
		t.Errorf("err = %v, want ErrUnauthenticated", err)
	}
}
