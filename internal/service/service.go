// Package service implements the operations behind each API action. Every
// exported method takes the request's Principal (when one is required),
// computes its territory before touching rows and returns *apperr.Error
// outcomes.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/d9705996/fleetd/internal/apperr"
	"github.com/d9705996/fleetd/internal/auth"
	"github.com/d9705996/fleetd/internal/authz"
	"github.com/d9705996/fleetd/internal/config"
	"github.com/d9705996/fleetd/internal/lifecycle"
	fleetmail "github.com/d9705996/fleetd/internal/mail"
	"github.com/d9705996/fleetd/internal/metrics"
	"github.com/d9705996/fleetd/internal/model"
	"github.com/d9705996/fleetd/internal/outbox"
	"github.com/d9705996/fleetd/internal/store"
	"gorm.io/gorm"
)

// Deps are the collaborators shared by all services.
type Deps struct {
	DB       *gorm.DB
	Now      func() time.Time
	Log      *slog.Logger
	Hasher   *auth.Hasher
	Sessions *auth.SessionStore
	Scoper   *authz.Scoper
	Tokens   *lifecycle.Tokens
	Limiter  *lifecycle.Limiter
	Mailer   fleetmail.Mailer
	Notifier outbox.Notifier
	Auth     config.AuthConfig
	Limits   config.LimitsConfig
	AppURL   string
}

// NewDeps assembles Deps from a database and config, building the stores
// that only need those two.
func NewDeps(db *gorm.DB, cfg *config.Config, now func() time.Time, mailer fleetmail.Mailer, notifier outbox.Notifier, log *slog.Logger) Deps {
	return Deps{
		DB:       db,
		Now:      now,
		Log:      log,
		Hasher:   auth.NewHasher(cfg.Auth.BcryptCost),
		Sessions: auth.NewSessionStore(db, now),
		Scoper:   authz.NewScoper(authz.NewDirectory(db)),
		Tokens:   lifecycle.NewTokens(db, now),
		Limiter:  lifecycle.NewLimiter(db, now),
		Mailer:   mailer,
		Notifier: notifier,
		Auth:     cfg.Auth,
		Limits:   cfg.Limits,
		AppURL:   cfg.Mail.AppURL,
	}
}

// Page is a limit/offset window; zero values take the store defaults.
type Page struct {
	Limit  int
	Offset int
}

func (p Page) apply(db *gorm.DB) *gorm.DB {
	return store.Paginate(p.Limit, p.Offset)(db)
}

func (d Deps) scope(ctx context.Context, p *authz.Principal, r authz.Resource) (authz.Scope, error) {
	s, err := d.Scoper.Scope(ctx, p, r)
	if err != nil {
		return authz.Scope{}, apperr.Internal(err)
	}
	return s, nil
}

// listScope is scope for list actions, where a denied principal is told so.
func (d Deps) listScope(ctx context.Context, p *authz.Principal, r authz.Resource) (authz.Scope, error) {
	s, err := d.scope(ctx, p, r)
	if err != nil {
		return s, err
	}
	if s.Kind == authz.Denied {
		return s, apperr.Forbidden(fmt.Sprintf("not permitted to list %s", strings.ReplaceAll(string(r), "_", " ")))
	}
	return s, nil
}

// readScoped loads the row with id inside scope. Rows outside the scope
// read exactly like rows that do not exist.
func readScoped[T any](ctx context.Context, db *gorm.DB, scope authz.Scope, what, id string, dst *T, preload ...string) error {
	q := db.WithContext(ctx).Scopes(scope.Apply)
	for _, p := range preload {
		q = q.Preload(p)
	}
	err := q.First(dst, "id = ?", id).Error
	if store.IsNotFound(err) {
		return apperr.NotFound(what)
	}
	if err != nil {
		return apperr.Internal(fmt.Errorf("get %s: %w", what, err))
	}
	return nil
}

// loadForWrite loads the row with id inside scope. A row that exists
// outside the scope is Forbidden; one that does not exist is NotFound.
func loadForWrite[T any](ctx context.Context, db *gorm.DB, scope authz.Scope, what, id string, dst *T) error {
	err := db.WithContext(ctx).Scopes(scope.Apply).First(dst, "id = ?", id).Error
	if err == nil {
		return nil
	}
	if !store.IsNotFound(err) {
		return apperr.Internal(fmt.Errorf("get %s: %w", what, err))
	}
	var n int64
	if err := db.WithContext(ctx).Model(dst).Where("id = ?", id).Count(&n).Error; err != nil {
		return apperr.Internal(fmt.Errorf("count %s: %w", what, err))
	}
	if n > 0 {
		return apperr.Forbidden(fmt.Sprintf("%s is outside your territory", what))
	}
	return apperr.NotFound(what)
}

// currentOwner returns the user holding the scooter's open ownership link,
// or "" when it has none.
func currentOwner(ctx context.Context, db *gorm.DB, scooterID string) (string, error) {
	var us model.UserScooter
	err := db.WithContext(ctx).Where("scooter_id = ? AND unregistered_at IS NULL", scooterID).
		First(&us).Error
	if store.IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("find scooter owner: %w", err)
	}
	return us.UserID, nil
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func validEmail(s string) bool {
	a, err := mail.ParseAddress(s)
	return err == nil && a.Address == s && strings.Contains(s[strings.LastIndex(s, "@"):], ".")
}

const minPasswordLen = 8

func checkPassword(pw string) error {
	if len(pw) < minPasswordLen {
		return apperr.Validation(fmt.Sprintf("password must be at least %d characters", minPasswordLen))
	}
	return nil
}

func transitionOutcome(resource, to string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = apperr.KindOf(err).String()
	}
	metrics.Transitions.WithLabelValues(resource, to, outcome).Inc()
}

// notifyUser sends a push message to userID. Empty ids are skipped.
func (d Deps) notifyUser(ctx context.Context, userID, event string, payload map[string]any) {
	if userID == "" {
		return
	}
	d.Notifier.Send(ctx, outbox.Message{
		Channel:   outbox.ChannelPush,
		Event:     event,
		Recipient: userID,
		Payload:   payload,
	})
}
