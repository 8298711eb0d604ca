package service_test

import (
	"context"
	"io"
	"log/slog"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/d9705996/fleetd/internal/auth"
	"github.com/d9705996/fleetd/internal/authz"
	"github.com/d9705996/fleetd/internal/config"
	"github.com/d9705996/fleetd/internal/dbtest"
	"github.com/d9705996/fleetd/internal/mail"
	"github.com/d9705996/fleetd/internal/model"
	"github.com/d9705996/fleetd/internal/outbox"
	"github.com/d9705996/fleetd/internal/service"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fakeMailer struct {
	mu   sync.Mutex
	sent []mail.Email
	fail error
}

func (m *fakeMailer) Send(_ context.Context, e mail.Email) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.sent = append(m.sent, e)
	return nil
}

func (m *fakeMailer) last(t *testing.T) mail.Email {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.sent)
	return m.sent[len(m.sent)-1]
}

type notes struct {
	mu   sync.Mutex
	msgs []outbox.Message
}

func (n *notes) Send(_ context.Context, msg outbox.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
}

func (n *notes) events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.msgs))
	for i, m := range n.msgs {
		out[i] = m.Event
	}
	return out
}

type env struct {
	db     *gorm.DB
	clock  *clock
	mailer *fakeMailer
	notes  *notes
	deps   service.Deps
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		db:     dbtest.Open(t),
		clock:  &clock{t: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)},
		mailer: &fakeMailer{},
		notes:  &notes{},
	}
	cfg := &config.Config{
		Auth: config.AuthConfig{
			SessionTTL:     720 * time.Hour,
			ResetTTL:       time.Hour,
			VerifyTTL:      24 * time.Hour,
			EmailChangeTTL: 30 * time.Minute,
			BcryptCost:     bcrypt.MinCost,
		},
		Limits: config.LimitsConfig{ResetPerHour: 3, VerifyPerHour: 3, EmailChangeWindow: 5 * time.Minute},
		Mail:   config.MailConfig{AppURL: "https://app.test"},
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	e.deps = service.NewDeps(e.db, cfg, e.clock.Now, e.mailer, e.notes, log)
	return e
}

var (
	linkToken = regexp.MustCompile(`token=([0-9a-f]{64})`)
	sixDigits = regexp.MustCompile(`\n(\d{6})\n`)
)

func tokenFrom(t *testing.T, e mail.Email) string {
	t.Helper()
	m := linkToken.FindStringSubmatch(e.Text)
	require.Len(t, m, 2, "no token in %q", e.Text)
	return m[1]
}

func codeFrom(t *testing.T, e mail.Email) string {
	t.Helper()
	m := sixDigits.FindStringSubmatch(e.Text)
	require.Len(t, m, 2, "no code in %q", e.Text)
	return m[1]
}

func principal(u *model.User) *authz.Principal { return auth.PrincipalFor(u) }

func withPassword(t *testing.T, pw string) func(*model.User) {
	hash, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.MinCost)
	require.NoError(t, err)
	return func(u *model.User) { u.PasswordHash = string(hash) }
}

func admin(u *model.User) {
	u.UserLevel = "admin"
	u.Roles = model.StringSlice{"manufacturer_admin"}
}

func distributorStaff(id string) func(*model.User) {
	return func(u *model.User) {
		u.UserLevel = "distributor"
		u.Roles = model.StringSlice{"distributor_staff"}
		u.DistributorID = &id
	}
}

func workshopStaff(id string) func(*model.User) {
	return func(u *model.User) {
		u.UserLevel = "maintenance"
		u.Roles = model.StringSlice{"workshop_staff"}
		u.WorkshopID = &id
	}
}
