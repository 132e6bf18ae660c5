package usage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/byomlabs/byom-gateway/internal/domain"
)

// Bucket selects the time granularity of period summaries.
type Bucket string

const (
	BucketHour Bucket = "hour"
	BucketDay  Bucket = "day"
)

// PeriodSummary is one time bucket of aggregated request activity.
type PeriodSummary struct {
	Bucket       time.Time `json:"bucket"`
	Requests     int       `json:"total_requests"`
	Succeeded    int       `json:"success_count"`
	Failed       int       `json:"failure_count"`
	TotalTokens  int       `json:"total_tokens"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
	CostUSD      float64   `json:"total_cost_usd"`
}

// GroupSummary is aggregated activity for one model, credential or provider.
type GroupSummary struct {
	Key          string  `json:"key"`
	Requests     int     `json:"total_requests"`
	TotalTokens  int     `json:"total_tokens"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	CostUSD      float64 `json:"total_cost_usd"`
}

// Tracker persists one record per dispatch attempt and answers the grouped
// aggregation queries over a trailing window of days.
type Tracker interface {
	Log(ctx context.Context, record domain.RequestLogRecord) error
	SummaryByPeriod(ctx context.Context, tenantID string, days int, bucket Bucket) ([]PeriodSummary, error)
	SummaryByModel(ctx context.Context, tenantID string, days int) ([]GroupSummary, error)
	SummaryByCredential(ctx context.Context, tenantID string, days int) ([]GroupSummary, error)
	SummaryByProvider(ctx context.Context, tenantID string, days int) ([]GroupSummary, error)
}

// CredentialToucher updates a credential's last-used timestamp when a record
// is logged. A nil toucher disables the update.
type CredentialToucher interface {
	TouchLastUsed(ctx context.Context, credentialID string, at time.Time) error
}

type InMemoryTracker struct {
	mu      sync.RWMutex
	records []domain.RequestLogRecord

	toucher      CredentialToucher
	providerName func(modelID string) string
	now          func() time.Time
}

// ModelCatalog is the catalog subset the provider grouping needs to follow a
// model id to its provider.
type ModelCatalog interface {
	GetModel(ctx context.Context, id string) (*domain.Model, error)
	GetProvider(ctx context.Context, id string) (*domain.Provider, error)
}

// ProviderNameResolver maps a model id to its provider's name through the
// catalog, mirroring the join the Postgres tracker does in SQL. Ids that no
// longer resolve fall back to the id itself.
func ProviderNameResolver(catalog ModelCatalog) func(modelID string) string {
	return func(modelID string) string {
		m, err := catalog.GetModel(context.Background(), modelID)
		if err != nil {
			return modelID
		}
		p, err := catalog.GetProvider(context.Background(), m.ProviderID)
		if err != nil {
			return modelID
		}
		return p.Name
	}
}

// NewInMemoryTracker builds a tracker backed by a slice. providerName maps a
// model id to its provider's name for the provider grouping; when nil the
// model id itself is used as the group key.
func NewInMemoryTracker(toucher CredentialToucher, providerName func(modelID string) string) *InMemoryTracker {
	return &InMemoryTracker{
		toucher:      toucher,
		providerName: providerName,
		now:          time.Now,
	}
}

func (t *InMemoryTracker) Log(ctx context.Context, record domain.RequestLogRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = t.now()
	}

	t.mu.Lock()
	t.records = append(t.records, record)
	t.mu.Unlock()

	if t.toucher != nil && record.CredentialID != "" {
		if err := t.toucher.TouchLastUsed(ctx, record.CredentialID, record.CreatedAt); err != nil {
			return err
		}
	}

	return nil
}

func (t *InMemoryTracker) window(days int) []domain.RequestLogRecord {
	since := t.now().AddDate(0, 0, -days)

	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []domain.RequestLogRecord
	for _, r := range t.records {
		if !r.CreatedAt.Before(since) {
			out = append(out, r)
		}
	}
	return out
}

func truncate(ts time.Time, bucket Bucket) time.Time {
	ts = ts.UTC()
	if bucket == BucketDay {
		return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
	}
	return ts.Truncate(time.Hour)
}

func (t *InMemoryTracker) SummaryByPeriod(ctx context.Context, tenantID string, days int, bucket Bucket) ([]PeriodSummary, error) {
	type acc struct {
		summary   PeriodSummary
		latencies float64
	}
	buckets := make(map[time.Time]*acc)

	for _, r := range t.window(days) {
		if r.TenantID != tenantID {
			continue
		}
		key := truncate(r.CreatedAt, bucket)
		a, ok := buckets[key]
		if !ok {
			a = &acc{summary: PeriodSummary{Bucket: key}}
			buckets[key] = a
		}
		a.summary.Requests++
		if r.Success {
			a.summary.Succeeded++
		} else {
			a.summary.Failed++
		}
		a.summary.TotalTokens += r.TotalTokens
		a.latencies += r.LatencyMs
		if r.CostUSD != nil {
			a.summary.CostUSD += *r.CostUSD
		}
	}

	out := make([]PeriodSummary, 0, len(buckets))
	for _, a := range buckets {
		a.summary.AvgLatencyMs = a.latencies / float64(a.summary.Requests)
		out = append(out, a.summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bucket.Before(out[j].Bucket) })
	return out, nil
}

func (t *InMemoryTracker) groupBy(tenantID string, days int, key func(domain.RequestLogRecord) string) []GroupSummary {
	type acc struct {
		summary   GroupSummary
		latencies float64
	}
	groups := make(map[string]*acc)

	for _, r := range t.window(days) {
		if r.TenantID != tenantID {
			continue
		}
		k := key(r)
		a, ok := groups[k]
		if !ok {
			a = &acc{summary: GroupSummary{Key: k}}
			groups[k] = a
		}
		a.summary.Requests++
		a.summary.TotalTokens += r.TotalTokens
		a.latencies += r.LatencyMs
		if r.CostUSD != nil {
			a.summary.CostUSD += *r.CostUSD
		}
	}

	out := make([]GroupSummary, 0, len(groups))
	for _, a := range groups {
		a.summary.AvgLatencyMs = a.latencies / float64(a.summary.Requests)
		out = append(out, a.summary)
	}
	// Heaviest token consumers first; key order makes ties deterministic.
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalTokens != out[j].TotalTokens {
			return out[i].TotalTokens > out[j].TotalTokens
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func (t *InMemoryTracker) SummaryByModel(ctx context.Context, tenantID string, days int) ([]GroupSummary, error) {
	return t.groupBy(tenantID, days, func(r domain.RequestLogRecord) string { return r.ModelName }), nil
}

func (t *InMemoryTracker) SummaryByCredential(ctx context.Context, tenantID string, days int) ([]GroupSummary, error) {
	return t.groupBy(tenantID, days, func(r domain.RequestLogRecord) string { return r.CredentialID }), nil
}

func (t *InMemoryTracker) SummaryByProvider(ctx context.Context, tenantID string, days int) ([]GroupSummary, error) {
	return t.groupBy(tenantID, days, func(r domain.RequestLogRecord) string {
		if t.providerName != nil {
			return t.providerName(r.ModelID)
		}
		return r.ModelID
	}), nil
}
