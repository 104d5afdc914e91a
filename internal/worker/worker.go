package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"custodial-ledger/internal/domain"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Consumer is satisfied by *rabbitmq.RabbitMQ.
type Consumer interface {
	Consume() (<-chan amqp.Delivery, error)
}

// Notifier delivers a committed transfer to the parties involved.
type Notifier interface {
	NotifyTransfer(ctx context.Context, event domain.TransferEvent) error
}

// LogNotifier records notifications in the log. It stands in for an email or
// push gateway.
type LogNotifier struct {
	Log *zap.Logger
}

func (n LogNotifier) NotifyTransfer(_ context.Context, event domain.TransferEvent) error {
	n.Log.Info("transfer notification sent",
		zap.String("transfer_id", event.TransferID.String()),
		zap.String("from", event.FromOwnerID),
		zap.String("to", event.ToOwnerID),
		zap.Int64("amount", event.Amount),
		zap.Time("occurred_at", event.OccurredAt))
	return nil
}

// Worker consumes transfer events published after each commit.
type Worker struct {
	mq       Consumer
	notifier Notifier
	log      *zap.Logger
}

func NewWorker(mq Consumer, notifier Notifier, log *zap.Logger) *Worker {
	return &Worker{mq: mq, notifier: notifier, log: log.Named("worker")}
}

// Start registers the consumer and processes deliveries until ctx is done or
// the channel closes. The returned channel is closed when processing stops.
func (w *Worker) Start(ctx context.Context) (<-chan struct{}, error) {
	msgs, err := w.mq.Consume()
	if err != nil {
		return nil, fmt.Errorf("failed to register consumer: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					w.log.Warn("delivery channel closed")
					return
				}
				w.deliver(ctx, d)
			}
		}
	}()
	w.log.Info("worker started consuming events")
	return done, nil
}

func (w *Worker) deliver(ctx context.Context, d amqp.Delivery) {
	err := w.handle(ctx, d.Body)
	switch {
	case err == nil:
		_ = d.Ack(false)
	case errors.Is(err, errUndecodable):
		// Redelivery cannot fix a bad payload.
		_ = d.Nack(false, false)
	default:
		_ = d.Nack(false, true)
	}
}

var errUndecodable = errors.New("undecodable transfer event")

func (w *Worker) handle(ctx context.Context, body []byte) error {
	var event domain.TransferEvent
	if err := json.Unmarshal(body, &event); err != nil {
		w.log.Error("error decoding event", zap.Error(err))
		return fmt.Errorf("%w: %v", errUndecodable, err)
	}

	if err := w.notifier.NotifyTransfer(ctx, event); err != nil {
		w.log.Warn("notification failed, requeueing", zap.String("transfer_id", event.TransferID.String()), zap.Error(err))
		return err
	}
	return nil
}
