// Package mail sends transactional email. Sends that an operation depends
// on (reset links, change codes) go through a Mailer directly; everything
// else goes through the outbox.
package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/d9705996/fleetd/internal/config"
)

// Email is one outbound message.
type Email struct {
	To      string
	Subject string
	Text    string
}

// Mailer delivers an Email or reports why it could not.
type Mailer interface {
	Send(ctx context.Context, e Email) error
}

// New returns the Mailer selected by cfg.Provider.
func New(cfg config.MailConfig, log *slog.Logger) Mailer {
	if cfg.Provider == "sendgrid" {
		return NewSendGrid(cfg.APIKey, cfg.From)
	}
	return &LogMailer{log: log}
}

// LogMailer writes emails to the log. Used in development.
type LogMailer struct {
	log *slog.Logger
}

// NewLogMailer returns a LogMailer.
func NewLogMailer(log *slog.Logger) *LogMailer {
	return &LogMailer{log: log}
}

// Send logs the envelope. Bodies carry reset links and codes, so they are
// only written at debug level.
func (m *LogMailer) Send(ctx context.Context, e Email) error {
	m.log.InfoContext(ctx, "email", "to", e.To, "subject", e.Subject)
	m.log.DebugContext(ctx, "email body", "to", e.To, "body", e.Text)
	return nil
}

const sendGridEndpoint = "https://api.sendgrid.com/v3/mail/send"

// SendGrid delivers through the SendGrid v3 HTTP API.
type SendGrid struct {
	apiKey   string
	from     string
	endpoint string
	client   *http.Client
}

// NewSendGrid returns a SendGrid mailer.
func NewSendGrid(apiKey, from string) *SendGrid {
	return &SendGrid{
		apiKey:   apiKey,
		from:     from,
		endpoint: sendGridEndpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// WithEndpoint overrides the API URL.
func (s *SendGrid) WithEndpoint(url string) *SendGrid {
	s.endpoint = url
	return s
}

type sgAddress struct {
	Email string `json:"email"`
}

type sgPersonalization struct {
	To []sgAddress `json:"to"`
}

type sgContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sgRequest struct {
	Personalizations []sgPersonalization `json:"personalizations"`
	From             sgAddress           `json:"from"`
	Subject          string              `json:"subject"`
	Content          []sgContent         `json:"content"`
}

func (s *SendGrid) Send(ctx context.Context, e Email) error {
	body, err := json.Marshal(sgRequest{
		Personalizations: []sgPersonalization{{To: []sgAddress{{Email: e.To}}}},
		From:             sgAddress{Email: s.from},
		Subject:          e.Subject,
		Content:          []sgContent{{Type: "text/plain", Value: e.Text}},
	})
	if err != nil {
		return fmt.Errorf("encode sendgrid request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build sendgrid request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sendgrid: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sendgrid: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
