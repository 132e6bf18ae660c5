package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/byomlabs/byom-gateway/internal/domain"
)

type PostgresTracker struct {
	db      *sql.DB
	toucher CredentialToucher
}

func NewPostgresTracker(db *sql.DB, toucher CredentialToucher) *PostgresTracker {
	return &PostgresTracker{db: db, toucher: toucher}
}

func (t *PostgresTracker) Log(ctx context.Context, record domain.RequestLogRecord) error {
	query := `
		INSERT INTO request_logs (id, tenant_id, model_id, credential_id, model_name,
		                          prompt_tokens, completion_tokens, total_tokens,
		                          latency_ms, success, error_message, cost_usd, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	var errMsg sql.NullString
	if record.ErrorMessage != "" {
		errMsg = sql.NullString{String: record.ErrorMessage, Valid: true}
	}
	var cost sql.NullFloat64
	if record.CostUSD != nil {
		cost = sql.NullFloat64{Float64: *record.CostUSD, Valid: true}
	}

	_, err := t.db.ExecContext(ctx, query,
		record.ID,
		record.TenantID,
		record.ModelID,
		record.CredentialID,
		record.ModelName,
		record.PromptTokens,
		record.CompletionTokens,
		record.TotalTokens,
		record.LatencyMs,
		record.Success,
		errMsg,
		cost,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert request log: %w", err)
	}

	if t.toucher != nil && record.CredentialID != "" {
		if err := t.toucher.TouchLastUsed(ctx, record.CredentialID, record.CreatedAt); err != nil {
			return fmt.Errorf("touch credential: %w", err)
		}
	}

	return nil
}

func (t *PostgresTracker) SummaryByPeriod(ctx context.Context, tenantID string, days int, bucket Bucket) ([]PeriodSummary, error) {
	trunc := "hour"
	if bucket == BucketDay {
		trunc = "day"
	}

	query := fmt.Sprintf(`
		SELECT date_trunc('%s', created_at) AS bucket,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE success),
		       COUNT(*) FILTER (WHERE NOT success),
		       COALESCE(SUM(total_tokens), 0),
		       COALESCE(AVG(latency_ms), 0),
		       COALESCE(SUM(cost_usd), 0)
		FROM request_logs
		WHERE tenant_id = $1 AND created_at >= $2
		GROUP BY bucket
		ORDER BY bucket ASC
	`, trunc)

	since := time.Now().AddDate(0, 0, -days)
	rows, err := t.db.QueryContext(ctx, query, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("query period summary: %w", err)
	}
	defer rows.Close()

	var out []PeriodSummary
	for rows.Next() {
		var s PeriodSummary
		if err := rows.Scan(&s.Bucket, &s.Requests, &s.Succeeded, &s.Failed, &s.TotalTokens, &s.AvgLatencyMs, &s.CostUSD); err != nil {
			return nil, fmt.Errorf("scan period summary: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (t *PostgresTracker) groupQuery(ctx context.Context, keyExpr, join, tenantID string, days int) ([]GroupSummary, error) {
	query := fmt.Sprintf(`
		SELECT %s AS grp,
		       COUNT(*),
		       COALESCE(SUM(r.total_tokens), 0),
		       COALESCE(AVG(r.latency_ms), 0),
		       COALESCE(SUM(r.cost_usd), 0)
		FROM request_logs r
		%s
		WHERE r.tenant_id = $1 AND r.created_at >= $2
		GROUP BY grp
		ORDER BY COALESCE(SUM(r.total_tokens), 0) DESC, grp ASC
	`, keyExpr, join)

	since := time.Now().AddDate(0, 0, -days)
	rows, err := t.db.QueryContext(ctx, query, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("query group summary: %w", err)
	}
	defer rows.Close()

	var out []GroupSummary
	for rows.Next() {
		var s GroupSummary
		if err := rows.Scan(&s.Key, &s.Requests, &s.TotalTokens, &s.AvgLatencyMs, &s.CostUSD); err != nil {
			return nil, fmt.Errorf("scan group summary: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (t *PostgresTracker) SummaryByModel(ctx context.Context, tenantID string, days int) ([]GroupSummary, error) {
	return t.groupQuery(ctx, "r.model_name", "", tenantID, days)
}

func (t *PostgresTracker) SummaryByCredential(ctx context.Context, tenantID string, days int) ([]GroupSummary, error) {
	return t.groupQuery(ctx, "r.credential_id", "", tenantID, days)
}

func (t *PostgresTracker) SummaryByProvider(ctx context.Context, tenantID string, days int) ([]GroupSummary, error) {
	join := `
		JOIN models m ON m.id = r.model_id
		JOIN providers p ON p.id = m.provider_id
	`
	return t.groupQuery(ctx, "p.name", join, tenantID, days)
}
