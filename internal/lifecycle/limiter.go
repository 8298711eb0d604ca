package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/d9705996/fleetd/internal/apperr"
	"github.com/d9705996/fleetd/internal/metrics"
	"github.com/d9705996/fleetd/internal/model"
	"gorm.io/gorm"
)

// Limit caps requests of one Kind per identifier within Window.
type Limit struct {
	Kind   string
	Max    int
	Window time.Duration
}

// Limiter enforces Limits by reading and appending to the request log.
type Limiter struct {
	db  *gorm.DB
	now func() time.Time
}

// NewLimiter creates a Limiter.
func NewLimiter(db *gorm.DB, now func() time.Time) *Limiter {
	return &Limiter{db: db, now: now}
}

// Allow returns RateLimited when identifier already made Max requests in
// the window. Otherwise the request is logged and counts from now on.
func (l *Limiter) Allow(ctx context.Context, lim Limit, identifier string) error {
	if err := l.Check(ctx, lim, identifier); err != nil {
		return err
	}
	return l.Record(ctx, lim, identifier)
}

// Check is Allow without logging the request. Callers that only count
// some outcomes, such as failed attempts, pair it with Record.
func (l *Limiter) Check(ctx context.Context, lim Limit, identifier string) error {
	identifier = normalizeIdentifier(identifier)
	now := l.now()
	since := now.Add(-lim.Window)

	var recent []model.RequestLog
	err := l.db.WithContext(ctx).
		Where("kind = ? AND identifier = ? AND created_at > ?", lim.Kind, identifier, since).
		Order("created_at ASC").
		Find(&recent).Error
	if err != nil {
		return apperr.Internal(fmt.Errorf("read request log: %w", err))
	}
	if len(recent) >= lim.Max {
		metrics.RateLimited.WithLabelValues(lim.Kind).Inc()
		retry := lim.Window
		if lim.Max > 0 {
			retry = recent[len(recent)-lim.Max].CreatedAt.Add(lim.Window).Sub(now)
		}
		if retry < time.Second {
			retry = time.Second
		}
		return apperr.RateLimited("too many requests, try again later", retry)
	}
	return nil
}

// Record appends one request for identifier to the log.
func (l *Limiter) Record(ctx context.Context, lim Limit, identifier string) error {
	entry := &model.RequestLog{Kind: lim.Kind, Identifier: normalizeIdentifier(identifier), CreatedAt: l.now()}
	if err := l.db.WithContext(ctx).Create(entry).Error; err != nil {
		return apperr.Internal(fmt.Errorf("append request log: %w", err))
	}
	return nil
}

func normalizeIdentifier(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
