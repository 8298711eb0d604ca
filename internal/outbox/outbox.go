// Package outbox carries fire-and-forget notifications. Callers hand a
// Message to a Notifier and move on; a delivery failure is logged and
// counted but never reaches the operation that produced the message.
package outbox

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/d9705996/fleetd/internal/mail"
	"github.com/d9705996/fleetd/internal/metrics"
)

type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelPush    Channel = "push"
	ChannelWebhook Channel = "webhook"
)

// Message is one notification. For ChannelEmail, Recipient is an address
// and Payload carries "subject" and "text".
type Message struct {
	Channel   Channel        `json:"channel"`
	Event     string         `json:"event"`
	Recipient string         `json:"recipient"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// EmailMessage wraps an Email for the email channel.
func EmailMessage(event string, e mail.Email) Message {
	return Message{
		Channel:   ChannelEmail,
		Event:     event,
		Recipient: e.To,
		Payload:   map[string]any{"subject": e.Subject, "text": e.Text},
	}
}

// Notifier accepts messages without reporting delivery outcome.
type Notifier interface {
	Send(ctx context.Context, msg Message)
}

// Deliverer performs the actual delivery of one message.
type Deliverer interface {
	Deliver(ctx context.Context, msg Message) error
}

// Dispatch routes messages to a per-channel Deliverer. Channels without a
// route go to the fallback.
type Dispatch struct {
	routes   map[Channel]Deliverer
	fallback Deliverer
}

func NewDispatch(fallback Deliverer) *Dispatch {
	return &Dispatch{routes: map[Channel]Deliverer{}, fallback: fallback}
}

// Route registers d for channel c and returns the receiver.
func (d *Dispatch) Route(c Channel, to Deliverer) *Dispatch {
	d.routes[c] = to
	return d
}

func (d *Dispatch) Deliver(ctx context.Context, msg Message) error {
	if to, ok := d.routes[msg.Channel]; ok {
		return to.Deliver(ctx, msg)
	}
	return d.fallback.Deliver(ctx, msg)
}

// MailDeliverer sends email-channel messages through a Mailer.
type MailDeliverer struct {
	mailer mail.Mailer
}

func NewMailDeliverer(m mail.Mailer) *MailDeliverer {
	return &MailDeliverer{mailer: m}
}

func (d *MailDeliverer) Deliver(ctx context.Context, msg Message) error {
	subject, _ := msg.Payload["subject"].(string)
	text, _ := msg.Payload["text"].(string)
	return d.mailer.Send(ctx, mail.Email{To: msg.Recipient, Subject: subject, Text: text})
}

// LogDeliverer records the message and succeeds. It stands in for the
// push gateway and webhook transports, which are not configured here.
type LogDeliverer struct {
	log *slog.Logger
}

func NewLogDeliverer(log *slog.Logger) *LogDeliverer {
	return &LogDeliverer{log: log}
}

func (d *LogDeliverer) Deliver(_ context.Context, msg Message) error {
	d.log.Info("notification", "channel", msg.Channel, "event", msg.Event, "recipient", msg.Recipient)
	return nil
}

// PushTokens resolves a user id to the push tokens of their devices.
type PushTokens interface {
	PushTokens(ctx context.Context, userID string) ([]string, error)
}

// PushDeliverer fans a push message out to every registered device of the
// recipient, handing one copy per device token to next. A recipient with
// no devices is skipped.
type PushDeliverer struct {
	tokens PushTokens
	next   Deliverer
}

func NewPushDeliverer(tokens PushTokens, next Deliverer) *PushDeliverer {
	return &PushDeliverer{tokens: tokens, next: next}
}

func (d *PushDeliverer) Deliver(ctx context.Context, msg Message) error {
	tokens, err := d.tokens.PushTokens(ctx, msg.Recipient)
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		metrics.OutboxMessages.WithLabelValues(string(msg.Channel), "no_device").Inc()
		return nil
	}
	var errs []error
	for _, tok := range tokens {
		one := msg
		one.Recipient = tok
		if err := d.next.Deliver(ctx, one); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

const asyncTimeout = 30 * time.Second

// Async delivers each message on its own goroutine, detached from the
// caller's cancellation.
type Async struct {
	deliver Deliverer
	log     *slog.Logger
	wg      sync.WaitGroup
}

func NewAsync(d Deliverer, log *slog.Logger) *Async {
	return &Async{deliver: d, log: log}
}

func (a *Async) Send(ctx context.Context, msg Message) {
	ctx = context.WithoutCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, asyncTimeout)
		defer cancel()
		record(a.log, msg, a.deliver.Deliver(ctx, msg))
	}()
}

// Wait blocks until every in-flight delivery has finished.
func (a *Async) Wait() { a.wg.Wait() }

func record(log *slog.Logger, msg Message, err error) {
	if err != nil {
		metrics.OutboxMessages.WithLabelValues(string(msg.Channel), "failed").Inc()
		log.Warn("notification delivery failed", "channel", msg.Channel, "event", msg.Event, "error", err)
		return
	}
	metrics.OutboxMessages.WithLabelValues(string(msg.Channel), "delivered").Inc()
}

// Discard drops every message. Used where notifications do not matter.
type Discard struct{}

func (Discard) Send(context.Context, Message) {}
