package repository

import (
	"context"
	"encoding/json"

	"custodial-ledger/internal/domain"
)

// Publisher is satisfied by *rabbitmq.RabbitMQ.
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
}

type eventProducer struct {
	mq Publisher
}

func NewEventProducer(mq Publisher) domain.EventProducer {
	return &eventProducer{mq: mq}
}

func (p *eventProducer) PublishTransferEvent(ctx context.Context, event domain.TransferEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.mq.Publish(ctx, body)
}

type noopProducer struct{}

// NewNoopProducer is used when no broker is configured.
func NewNoopProducer() domain.EventProducer { return noopProducer{} }

func (noopProducer) PublishTransferEvent(context.Context, domain.TransferEvent) error { return nil }
