package outbox

import (
	"context"
	"log/slog"

	"github.com/d9705996/fleetd/internal/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
)

// DeliveryArgs is the River job carrying one Message.
type DeliveryArgs struct {
	Message Message `json:"message"`
}

func (DeliveryArgs) Kind() string { return "outbox_delivery" }

func (DeliveryArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 5}
}

// DeliveryWorker runs DeliveryArgs jobs. Returning an error lets River
// retry with backoff.
type DeliveryWorker struct {
	river.WorkerDefaults[DeliveryArgs]
	deliver Deliverer
	log     *slog.Logger
}

func NewDeliveryWorker(d Deliverer, log *slog.Logger) *DeliveryWorker {
	return &DeliveryWorker{deliver: d, log: log}
}

func (w *DeliveryWorker) Work(ctx context.Context, job *river.Job[DeliveryArgs]) error {
	err := w.deliver.Deliver(ctx, job.Args.Message)
	record(w.log, job.Args.Message, err)
	return err
}

// River enqueues messages as durable jobs.
type River struct {
	client *river.Client[pgx.Tx]
	log    *slog.Logger
}

func NewRiver(client *river.Client[pgx.Tx], log *slog.Logger) *River {
	return &River{client: client, log: log}
}

func (r *River) Send(ctx context.Context, msg Message) {
	if _, err := r.client.Insert(context.WithoutCancel(ctx), DeliveryArgs{Message: msg}, nil); err != nil {
		metrics.OutboxMessages.WithLabelValues(string(msg.Channel), "enqueue_failed").Inc()
		r.log.Warn("enqueue notification failed", "channel", msg.Channel, "event", msg.Event, "error", err)
		return
	}
	metrics.OutboxMessages.WithLabelValues(string(msg.Channel), "enqueued").Inc()
}
