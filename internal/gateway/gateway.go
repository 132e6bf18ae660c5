// Package gateway runs the per-request pipeline: authenticate the credential,
// admit it through the rate limiter, resolve the named model to a provider,
// dispatch through the provider's adapter, and record the outcome. Single
// pass, no retries at this layer.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/byomlabs/byom-gateway/internal/adapter"
	"github.com/byomlabs/byom-gateway/internal/domain"
	"github.com/byomlabs/byom-gateway/internal/metrics"
	"github.com/byomlabs/byom-gateway/internal/ratelimit"
	"github.com/byomlabs/byom-gateway/internal/telemetry"
	"github.com/byomlabs/byom-gateway/internal/usage"
)

type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*domain.AuthContext, error)
}

type Limiter interface {
	Check(ctx context.Context, credentialID string, policy domain.RateLimitPolicy) (ratelimit.Decision, error)
	Increment(ctx context.Context, credentialID string, tokens int) error
}

type Catalog interface {
	GetModelByName(ctx context.Context, tenantID, name string) (*domain.Model, error)
	GetProvider(ctx context.Context, id string) (*domain.Provider, error)
	ListModels(ctx context.Context, tenantID string) ([]*domain.Model, error)
}

type AdapterResolver interface {
	Resolve(p *domain.Provider) (adapter.Adapter, error)
}

// CostCalculator prices token usage; a nil price means the model has no list
// price and the record's cost stays null.
type CostCalculator interface {
	Calculate(model string, u domain.Usage) *float64
}

// Result is the outcome of a dispatched chat completion: exactly one of
// Response (buffered) or Stream (raw provider bytes) is set. The caller owns
// closing Stream; closing it finalizes the request's telemetry.
type Result struct {
	Response *domain.ChatResponse
	Stream   io.ReadCloser
}

type Orchestrator struct {
	auth     Authenticator
	limiter  Limiter
	catalog  Catalog
	adapters AdapterResolver
	tracker  usage.Tracker
	costs    CostCalculator
	logger   *slog.Logger
	now      func() time.Time
}

func NewOrchestrator(auth Authenticator, limiter Limiter, catalog Catalog, adapters AdapterResolver, tracker usage.Tracker, costs CostCalculator, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		auth:     auth,
		limiter:  limiter,
		catalog:  catalog,
		adapters: adapters,
		tracker:  tracker,
		costs:    costs,
		logger:   logger,
		now:      time.Now,
	}
}

// ChatCompletion runs the full pipeline for one request. Failures before the
// model is resolved produce no telemetry; every failure after it produces
// exactly one failed record.
func (o *Orchestrator) ChatCompletion(ctx context.Context, token string, req domain.ChatRequest) (*Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "gateway.chat_completion")
	defer span.End()

	actx, err := o.auth.Authenticate(ctx, token)
	if err != nil {
		return nil, domain.ErrUnauthenticated
	}

	decision, err := o.limiter.Check(ctx, actx.CredentialID, actx.Policy)
	if err != nil {
		return nil, fmt.Errorf("check rate limit: %w", err)
	}
	if !decision.Allowed {
		telemetry.AddThrottleAttribute(span, decision.Reason, decision.RetryAfter)
		metrics.RecordRateLimitDenial(actx.TenantID, decision.Reason)
		o.logger.WarnContext(ctx, "request throttled",
			slog.String("tenant_id", actx.TenantID),
			slog.String("credential_id", actx.CredentialID),
			slog.String("reason", decision.Reason),
			slog.Int("retry_after", decision.RetryAfter))
		return nil, &domain.QuotaExceededError{Reason: decision.Reason, RetryAfter: decision.RetryAfter}
	}

	model, err := o.catalog.GetModelByName(ctx, actx.TenantID, req.Model)
	if err != nil {
		return nil, domain.ErrModelNotFound
	}

	provider, err := o.catalog.GetProvider(ctx, model.ProviderID)
	if err != nil || !provider.Active {
		o.record(ctx, actx, model, domain.Usage{}, 0, false, domain.ErrProviderUnavailable.Error(), nil)
		return nil, domain.ErrProviderUnavailable
	}

	ad, err := o.adapters.Resolve(provider)
	if err != nil {
		o.record(ctx, actx, model, domain.Usage{}, 0, false, err.Error(), nil)
		return nil, err
	}

	telemetry.AddDispatchAttributes(span, actx.TenantID, provider.Name, model.Name)

	if req.Stream {
		return o.dispatchStream(ctx, actx, model, provider, ad, req)
	}
	return o.dispatchBuffered(ctx, actx, model, provider, ad, req)
}

func (o *Orchestrator) dispatchBuffered(ctx context.Context, actx *domain.AuthContext, model *domain.Model, provider *domain.Provider, ad adapter.Adapter, req domain.ChatRequest) (*Result, error) {
	start := o.now()
	resp, err := ad.ChatCompletion(ctx, req)
	latency := o.elapsedMs(start)

	if err != nil {
		o.record(ctx, actx, model, domain.Usage{}, latency, false, err.Error(), nil)
		telemetry.AddErrorAttribute(trace.SpanFromContext(ctx), err)
		metrics.RecordUpstreamError(provider.Name, errorType(err))
		metrics.RecordRequest(actx.TenantID, provider.Name, model.Name, "error", latency/1000)
		o.logger.ErrorContext(ctx, "chat completion failed",
			slog.String("tenant_id", actx.TenantID),
			slog.String("model", model.Name),
			slog.String("provider", provider.Name),
			slog.String("error", err.Error()))
		return nil, err
	}

	var cost *float64
	if o.costs != nil {
		cost = o.costs.Calculate(model.Name, resp.Usage)
	}
	o.record(ctx, actx, model, resp.Usage, latency, true, "", cost)

	span := trace.SpanFromContext(ctx)
	telemetry.AddTokenAttributes(span, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	if cost != nil {
		telemetry.AddCostAttribute(span, *cost)
	}

	metrics.RecordRequest(actx.TenantID, provider.Name, model.Name, "success", latency/1000)
	metrics.RecordTokens(actx.TenantID, provider.Name, model.Name, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	if cost != nil {
		metrics.RecordCost(actx.TenantID, provider.Name, model.Name, *cost)
	}

	if err := o.limiter.Increment(ctx, actx.CredentialID, resp.Usage.TotalTokens); err != nil {
		o.logger.ErrorContext(ctx, "increment rate limit counters", slog.String("error", err.Error()))
	}

	o.logger.InfoContext(ctx, "chat completion",
		slog.String("tenant_id", actx.TenantID),
		slog.String("model", model.Name),
		slog.String("provider", provider.Name),
		slog.Int("total_tokens", resp.Usage.TotalTokens),
		slog.Float64("latency_ms", latency))

	return &Result{Response: resp}, nil
}

// dispatchStream relays the provider's bytes without buffering, so token
// counts are unknown here. The request still admits through the limiter (an
// increment of one request, zero tokens) and still gets one telemetry record,
// usage-blind, written when the relay ends.
func (o *Orchestrator) dispatchStream(ctx context.Context, actx *domain.AuthContext, model *domain.Model, provider *domain.Provider, ad adapter.Adapter, req domain.ChatRequest) (*Result, error) {
	start := o.now()
	rc, err := ad.ChatCompletionStream(ctx, req)
	if err != nil {
		latency := o.elapsedMs(start)
		o.record(ctx, actx, model, domain.Usage{}, latency, false, err.Error(), nil)
		metrics.RecordUpstreamError(provider.Name, errorType(err))
		metrics.RecordRequest(actx.TenantID, provider.Name, model.Name, "error", latency/1000)
		return nil, err
	}

	if err := o.limiter.Increment(ctx, actx.CredentialID, 0); err != nil {
		o.logger.ErrorContext(ctx, "increment rate limit counters", slog.String("error", err.Error()))
	}
	metrics.ActiveStreams.Inc()

	wrapped := &loggedStream{
		ReadCloser: rc,
		done: func(readErr error) {
			latency := o.elapsedMs(start)
			metrics.ActiveStreams.Dec()
			// The client may have disconnected by now; the finalizing
			// record must still land.
			logCtx := context.WithoutCancel(ctx)
			if readErr != nil {
				metrics.RecordUpstreamError(provider.Name, errorType(readErr))
				metrics.RecordRequest(actx.TenantID, provider.Name, model.Name, "error", latency/1000)
				o.record(logCtx, actx, model, domain.Usage{}, latency, false, readErr.Error(), nil)
				o.logger.ErrorContext(logCtx, "stream aborted",
					slog.String("tenant_id", actx.TenantID),
					slog.String("model", model.Name),
					slog.String("error", readErr.Error()))
				return
			}
			metrics.RecordRequest(actx.TenantID, provider.Name, model.Name, "success", latency/1000)
			o.record(logCtx, actx, model, domain.Usage{}, latency, true, "", nil)
			o.logger.InfoContext(logCtx, "stream completed",
				slog.String("tenant_id", actx.TenantID),
				slog.String("model", model.Name),
				slog.Float64("latency_ms", latency))
		},
	}
	return &Result{Stream: wrapped}, nil
}

// ListModels returns the tenant's active models in the canonical listing
// shape.
func (o *Orchestrator) ListModels(ctx context.Context, token string) (*domain.ModelList, error) {
	actx, err := o.auth.Authenticate(ctx, token)
	if err != nil {
		return nil, domain.ErrUnauthenticated
	}

	models, err := o.catalog.ListModels(ctx, actx.TenantID)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}

	list := &domain.ModelList{Object: "list", Data: []domain.ModelInfo{}}
	for _, m := range models {
		if !m.Active {
			continue
		}
		list.Data = append(list.Data, domain.ModelInfo{ID: m.Name, Object: "model", OwnedBy: actx.TenantID})
	}
	return list, nil
}

func (o *Orchestrator) record(ctx context.Context, actx *domain.AuthContext, model *domain.Model, u domain.Usage, latencyMs float64, success bool, errMsg string, cost *float64) {
	rec := domain.RequestLogRecord{
		ID:               uuid.NewString(),
		TenantID:         actx.TenantID,
		ModelID:          model.ID,
		CredentialID:     actx.CredentialID,
		ModelName:        model.Name,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
		LatencyMs:        latencyMs,
		Success:          success,
		ErrorMessage:     errMsg,
		CostUSD:          cost,
		CreatedAt:        o.now(),
	}

	// Telemetry is best effort: a tracker failure never fails the request.
	if err := o.tracker.Log(ctx, rec); err != nil {
		o.logger.ErrorContext(ctx, "write request log", slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) elapsedMs(start time.Time) float64 {
	return float64(o.now().Sub(start).Microseconds()) / 1000
}

func errorType(err error) string {
	var adapterErr *domain.AdapterError
	var cfgErr *domain.ConfigurationError
	switch {
	case errors.As(err, &adapterErr):
		return "upstream_status"
	case errors.As(err, &cfgErr):
		return "configuration"
	default:
		return "transport"
	}
}

// loggedStream finalizes a streamed request's telemetry exactly once, when
// the relay ends, regardless of how many times Close is called. A read error
// other than EOF marks the request failed.
type loggedStream struct {
	io.ReadCloser
	once    sync.Once
	readErr error
	done    func(readErr error)
}

func (s *loggedStream) Read(p []byte) (int, error) {
	n, err := s.ReadCloser.Read(p)
	if err != nil && err != io.EOF {
		s.readErr = err
	}
	return n, err
}

func (s *loggedStream) Close() error {
	err := s.ReadCloser.Close()
	s.once.Do(func() { s.done(s.readErr) })
	return err
}
