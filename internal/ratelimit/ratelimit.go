// Package ratelimit enforces per-credential throughput and quota policies
// using fixed-window counters: hourly windows for request and token rates,
// a daily window for the token cap. Windows are aligned to wall-clock
// boundaries, so a burst straddling a boundary can transiently reach up to
// twice the configured rate; that approximation is part of the contract.
// Supports both in-memory (single instance) and Redis (distributed) counter
// stores.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/byomlabs/byom-gateway/internal/domain"
)

const (
	hourWindow = 3600
	dayWindow  = 86400
)

// CounterStore is the shared mutable counter backend. Increments must be
// atomic at the store level; a missing key reads as zero.
type CounterStore interface {
	Get(ctx context.Context, key string) (int64, error)
	IncrBy(ctx context.Context, key string, n int64, ttl time.Duration) error
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter int // seconds until the violated window rolls over
}

// Stats reports the current counter values for a credential.
type Stats struct {
	RequestsThisHour int64 `json:"current_rpm"`
	TokensThisHour   int64 `json:"current_tpm"`
	TokensToday      int64 `json:"current_daily"`
}

// Limiter evaluates rate-limit policies against a counter store. The clock is
// injectable so tests can pin window boundaries.
type Limiter struct {
	store CounterStore
	now   func() time.Time
}

func NewLimiter(store CounterStore) *Limiter {
	return &Limiter{store: store, now: time.Now}
}

// NewLimiterWithClock is intended for tests that need a controllable clock.
func NewLimiterWithClock(store CounterStore, now func() time.Time) *Limiter {
	return &Limiter{store: store, now: now}
}

func hourStart(now int64) int64 { return now - now%hourWindow }
func dayStart(now int64) int64  { return now - now%dayWindow }

func requestKey(id string, hour int64) string { return fmt.Sprintf("rpm:%s:%d", id, hour) }
func tokenKey(id string, hour int64) string   { return fmt.Sprintf("tpm:%s:%d", id, hour) }
func dailyKey(id string, day int64) string    { return fmt.Sprintf("daily:%s:%d", id, day) }

// Check evaluates, in order, the hourly request count against RPM, the hourly
// token count against TPM, and the daily token count against DailyCap. The
// first violated threshold determines the denial reason and retry-after. All
// three must pass for admission. Check does not consume quota; call Increment
// after a successful dispatch.
func (l *Limiter) Check(ctx context.Context, credentialID string, policy domain.RateLimitPolicy) (Decision, error) {
	now := l.now().Unix()
	hour := hourStart(now)
	day := dayStart(now)

	requests, err := l.store.Get(ctx, requestKey(credentialID, hour))
	if err != nil {
		return Decision{}, fmt.Errorf("read request counter: %w", err)
	}
	if requests >= int64(policy.RPM) {
		return Decision{
			Reason:     "Rate limit exceeded (RPM)",
			RetryAfter: int(hourWindow - now%hourWindow),
		}, nil
	}

	tokens, err := l.store.Get(ctx, tokenKey(credentialID, hour))
	if err != nil {
		return Decision{}, fmt.Errorf("read token counter: %w", err)
	}
	if tokens >= int64(policy.TPM) {
		return Decision{
			Reason:     "Rate limit exceeded (TPM)",
			RetryAfter: int(hourWindow - now%hourWindow),
		}, nil
	}

	daily, err := l.store.Get(ctx, dailyKey(credentialID, day))
	if err != nil {
		return Decision{}, fmt.Errorf("read daily counter: %w", err)
	}
	if daily >= int64(policy.DailyCap) {
		return Decision{
			Reason:     "Daily cap exceeded",
			RetryAfter: int(dayWindow - now%dayWindow),
		}, nil
	}

	return Decision{Allowed: true}, nil
}

// Increment records one admitted request and the tokens it consumed. It must
// only be called after admission and only with tokens actually consumed
// (zero for denied or pre-dispatch-failed requests, which never reach it).
// Each counter's expiry is (re)set to its window length, so windows reset by
// key expiry rather than explicit clearing.
func (l *Limiter) Increment(ctx context.Context, credentialID string, tokens int) error {
	now := l.now().Unix()
	hour := hourStart(now)
	day := dayStart(now)

	if err := l.store.IncrBy(ctx, requestKey(credentialID, hour), 1, hourWindow*time.Second); err != nil {
		return fmt.Errorf("increment request counter: %w", err)
	}
	if err := l.store.IncrBy(ctx, tokenKey(credentialID, hour), int64(tokens), hourWindow*time.Second); err != nil {
		return fmt.Errorf("increment token counter: %w", err)
	}
	if err := l.store.IncrBy(ctx, dailyKey(credentialID, day), int64(tokens), dayWindow*time.Second); err != nil {
		return fmt.Errorf("increment daily counter: %w", err)
	}
	return nil
}

// Stats returns the current window counters for a credential.
func (l *Limiter) Stats(ctx context.Context, credentialID string) (Stats, error) {
	now := l.now().Unix()
	hour := hourStart(now)
	day := dayStart(now)

	requests, err := l.store.Get(ctx, requestKey(credentialID, hour))
	if err != nil {
		return Stats{}, fmt.Errorf("read request counter: %w", err)
	}
	tokens, err := l.store.Get(ctx, tokenKey(credentialID, hour))
	if err != nil {
		return Stats{}, fmt.Errorf("read token counter: %w", err)
	}
	daily, err := l.store.Get(ctx, dailyKey(credentialID, day))
	if err != nil {
		return Stats{}, fmt.Errorf("read daily counter: %w", err)
	}

	return Stats{
		RequestsThisHour: requests,
		TokensThisHour:   tokens,
		TokensToday:      daily,
	}, nil
}
