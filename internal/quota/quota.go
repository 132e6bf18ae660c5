// Package quota watches how much of each credential's daily token cap has
// been consumed and raises alerts as usage crosses configured thresholds.
// The limiter enforces the cap; this monitor only reports on it.
package quota

import (
	"context"
	"log/slog"
	"time"

	"github.com/byomlabs/byom-gateway/internal/domain"
	"github.com/byomlabs/byom-gateway/internal/metrics"
	"github.com/byomlabs/byom-gateway/internal/notifications"
	"github.com/byomlabs/byom-gateway/internal/ratelimit"
)

type AlertLevel string

const (
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
	AlertLevelExceeded AlertLevel = "exceeded"
)

type Alert struct {
	CredentialID string
	TenantID     string
	Level        AlertLevel
	DailyCap     int
	TokensUsed   int64
	Fraction     float64
	Timestamp    time.Time
}

type AlertHandler func(alert Alert)

// StatsReader reads the live window counters for a credential.
type StatsReader interface {
	Stats(ctx context.Context, credentialID string) (ratelimit.Stats, error)
}

type Thresholds struct {
	Warning  float64
	Critical float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:  0.8,
		Critical: 0.95,
	}
}

type Monitor struct {
	stats      StatsReader
	dedup      AlertDeduplicator
	thresholds Thresholds
	handlers   []AlertHandler
	now        func() time.Time
}

func NewMonitor(stats StatsReader, dedup AlertDeduplicator, thresholds Thresholds) *Monitor {
	return &Monitor{
		stats:      stats,
		dedup:      dedup,
		thresholds: thresholds,
		now:        time.Now,
	}
}

func (m *Monitor) OnAlert(handler AlertHandler) {
	m.handlers = append(m.handlers, handler)
}

// Check reads the credential's daily counter and raises at most one alert.
// Credentials without a cap are skipped. The usage gauge is updated on every
// call so dashboards see the ratio even between threshold crossings.
func (m *Monitor) Check(ctx context.Context, cred *domain.Credential) (*Alert, error) {
	if cred.Policy.DailyCap <= 0 {
		return nil, nil
	}

	stats, err := m.stats.Stats(ctx, cred.ID)
	if err != nil {
		return nil, err
	}

	fraction := float64(stats.TokensToday) / float64(cred.Policy.DailyCap)
	metrics.SetDailyCapUsage(cred.ID, fraction)

	var level AlertLevel
	switch {
	case fraction >= 1.0:
		level = AlertLevelExceeded
	case fraction >= m.thresholds.Critical:
		level = AlertLevelCritical
	case fraction >= m.thresholds.Warning:
		level = AlertLevelWarning
	default:
		m.dedup.ClearAlert(ctx, cred.ID)
		return nil, nil
	}

	if !m.dedup.ShouldAlert(ctx, cred.ID, level) {
		return nil, nil
	}

	alert := &Alert{
		CredentialID: cred.ID,
		TenantID:     cred.TenantID,
		Level:        level,
		DailyCap:     cred.Policy.DailyCap,
		TokensUsed:   stats.TokensToday,
		Fraction:     fraction,
		Timestamp:    m.now(),
	}

	for _, handler := range m.handlers {
		handler(*alert)
	}

	return alert, nil
}

// Run polls the credential source until the context ends. Errors are logged
// and the loop keeps going; a missed poll is not worth crashing over.
func (m *Monitor) Run(ctx context.Context, interval time.Duration, source func(ctx context.Context) ([]*domain.Credential, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			creds, err := source(ctx)
			if err != nil {
				slog.Error("load credentials for quota check", "error", err)
				continue
			}
			for _, cred := range creds {
				if cred.Status != domain.CredentialActive {
					continue
				}
				if _, err := m.Check(ctx, cred); err != nil {
					slog.Error("quota check", "credential_id", cred.ID, "error", err)
				}
			}
		}
	}
}

func LogAlertHandler(alert Alert) {
	slog.Warn("daily cap alert",
		"credential_id", alert.CredentialID,
		"tenant_id", alert.TenantID,
		"level", alert.Level,
		"daily_cap", alert.DailyCap,
		"tokens_used", alert.TokensUsed,
		"fraction", alert.Fraction,
	)
}

// NotifyAlertHandler forwards alerts to a notifier, typically SNS.
func NotifyAlertHandler(notifier notifications.Notifier) AlertHandler {
	types := map[AlertLevel]notifications.NotificationType{
		AlertLevelWarning:  notifications.NotificationQuotaWarning,
		AlertLevelCritical: notifications.NotificationQuotaCritical,
		AlertLevelExceeded: notifications.NotificationQuotaExceeded,
	}

	return func(alert Alert) {
		n := notifications.Notification{
			Type:         types[alert.Level],
			TenantID:     alert.TenantID,
			CredentialID: alert.CredentialID,
			Message:      "credential approaching or over its daily token cap",
			Data: map[string]interface{}{
				"daily_cap":   alert.DailyCap,
				"tokens_used": alert.TokensUsed,
				"fraction":    alert.Fraction,
			},
		}
		if err := notifier.Send(context.Background(), n); err != nil {
			slog.Error("send quota alert", "credential_id", alert.CredentialID, "error", err)
		}
	}
}
