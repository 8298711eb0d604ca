package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/d9705996/fleetd/internal/metrics"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	amqpDialTimeout = 2 * time.Second
	// amqpRedialBackoff bounds how often a request may pay for a dial
	// attempt while the broker is down.
	amqpRedialBackoff = 5 * time.Second
)

var errBrokerDown = errors.New("amqp broker unavailable")

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// amqpSession is one connection and channel. closed fires when the
// broker drops the connection; it may be nil.
type amqpSession struct {
	pub    publisher
	close  func() error
	closed <-chan *amqp.Error
}

// AMQP publishes messages to a durable RabbitMQ queue for an external
// notification service to consume. A dropped connection is redialled on
// the next send; while the broker stays unreachable messages go to the
// fallback Notifier, if any.
type AMQP struct {
	queue    string
	dial     func() (*amqpSession, error)
	fallback Notifier
	log      *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	sess     *amqpSession
	lastFail time.Time
}

// DialAMQP connects to url and declares queue. fallback may be nil.
func DialAMQP(url, queue string, fallback Notifier, log *slog.Logger) (*AMQP, error) {
	dial := func() (*amqpSession, error) { return dialSession(url, queue) }
	a := newAMQP(queue, dial, fallback, log)
	if _, err := a.session(); err != nil {
		return nil, err
	}
	return a, nil
}

func newAMQP(queue string, dial func() (*amqpSession, error), fallback Notifier, log *slog.Logger) *AMQP {
	return &AMQP{queue: queue, dial: dial, fallback: fallback, log: log, now: time.Now}
}

func dialSession(url, queue string) (*amqpSession, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{Dial: amqp.DefaultDial(amqpDialTimeout)})
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return &amqpSession{
		pub:    ch,
		closed: conn.NotifyClose(make(chan *amqp.Error, 1)),
		close: func() error {
			_ = ch.Close()
			return conn.Close()
		},
	}, nil
}

// session returns the live session, dialling when there is none and the
// last failed dial is older than the backoff.
func (a *AMQP) session() (*amqpSession, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess != nil {
		return a.sess, nil
	}
	if !a.lastFail.IsZero() && a.now().Sub(a.lastFail) < amqpRedialBackoff {
		return nil, errBrokerDown
	}
	s, err := a.dial()
	if err != nil {
		a.lastFail = a.now()
		return nil, err
	}
	a.lastFail = time.Time{}
	a.sess = s
	if s.closed != nil {
		go a.watch(s)
	}
	return s, nil
}

func (a *AMQP) watch(s *amqpSession) {
	if err, ok := <-s.closed; ok && err != nil {
		a.log.Warn("amqp connection closed, will redial", "error", err)
	}
	a.drop(s)
}

// drop forgets s if it is still current.
func (a *AMQP) drop(s *amqpSession) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess == s {
		a.sess = nil
		_ = s.close()
	}
}

func (a *AMQP) Send(ctx context.Context, msg Message) {
	err := a.publish(ctx, msg)
	if err == nil {
		metrics.OutboxMessages.WithLabelValues(string(msg.Channel), "published").Inc()
		return
	}
	if a.fallback != nil {
		metrics.OutboxMessages.WithLabelValues(string(msg.Channel), "fallback").Inc()
		a.log.Warn("publish notification failed, using fallback", "channel", msg.Channel, "event", msg.Event, "error", err)
		a.fallback.Send(ctx, msg)
		return
	}
	metrics.OutboxMessages.WithLabelValues(string(msg.Channel), "publish_failed").Inc()
	a.log.Warn("publish notification failed", "channel", msg.Channel, "event", msg.Event, "error", err)
}

// publish tries the current session and, if that fails, one fresh one.
func (a *AMQP) publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Type:         msg.Event,
		Timestamp:    a.now(),
		Body:         body,
	}

	for attempt := 0; ; attempt++ {
		s, err := a.session()
		if err != nil {
			return err
		}
		err = s.pub.PublishWithContext(ctx, "", a.queue, false, false, pub)
		if err == nil || attempt == 1 {
			return err
		}
		a.drop(s)
	}
}

func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess == nil {
		return nil
	}
	err := a.sess.close()
	a.sess = nil
	return err
}
