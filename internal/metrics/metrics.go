package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "byomgw_requests_total",
			Help: "Total number of chat completion requests processed",
		},
		[]string{"tenant_id", "provider", "model", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "byomgw_request_duration_seconds",
			Help:    "Chat completion duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"tenant_id", "provider", "model"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "byomgw_tokens_total",
			Help: "Total number of tokens processed",
		},
		[]string{"tenant_id", "provider", "model", "type"},
	)

	CostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "byomgw_cost_usd_total",
			Help: "Total cost in USD",
		},
		[]string{"tenant_id", "provider", "model"},
	)

	UpstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "byomgw_upstream_errors_total",
			Help: "Total number of upstream provider errors",
		},
		[]string{"provider", "error_type"},
	)

	RateLimitDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "byomgw_rate_limit_denials_total",
			Help: "Total number of requests denied by the rate limiter",
		},
		[]string{"tenant_id", "reason"},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "byomgw_active_streams",
			Help: "Number of streaming responses currently being relayed",
		},
	)

	DailyCapUsageRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "byomgw_daily_cap_usage_ratio",
			Help: "Current daily token cap usage ratio (0-1)",
		},
		[]string{"credential_id"},
	)
)

func RecordRequest(tenantID, provider, model, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(tenantID, provider, model, status).Inc()
	RequestDuration.WithLabelValues(tenantID, provider, model).Observe(durationSec)
}

func RecordTokens(tenantID, provider, model string, promptTokens, completionTokens int) {
	TokensTotal.WithLabelValues(tenantID, provider, model, "prompt").Add(float64(promptTokens))
	TokensTotal.WithLabelValues(tenantID, provider, model, "completion").Add(float64(completionTokens))
}

func RecordCost(tenantID, provider, model string, costUSD float64) {
	CostTotal.WithLabelValues(tenantID, provider, model).Add(costUSD)
}

func RecordUpstreamError(provider, errorType string) {
	UpstreamErrors.WithLabelValues(provider, errorType).Inc()
}

func RecordRateLimitDenial(tenantID, reason string) {
	RateLimitDenials.WithLabelValues(tenantID, reason).Inc()
}

func SetDailyCapUsage(credentialID string, ratio float64) {
	DailyCapUsageRatio.WithLabelValues(credentialID).Set(ratio)
}
