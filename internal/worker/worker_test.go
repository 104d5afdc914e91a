package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"custodial-ledger/internal/domain"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeConsumer struct {
	ch  chan amqp.Delivery
	err error
}

func (f *fakeConsumer) Consume() (<-chan amqp.Delivery, error) {
	return f.ch, f.err
}

type ackRecord struct {
	acked   bool
	requeue bool
}

type fakeAcknowledger struct {
	mu      sync.Mutex
	records map[uint64]ackRecord
}

func newAcknowledger() *fakeAcknowledger {
	return &fakeAcknowledger{records: make(map[uint64]ackRecord)}
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records[tag] = ackRecord{acked: true}
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records[tag] = ackRecord{requeue: requeue}
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) get(tag uint64) (ackRecord, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.records[tag]
	return r, ok
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.TransferEvent
	err    error
}

func (n *recordingNotifier) NotifyTransfer(_ context.Context, ev domain.TransferEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.err
}

func encode(t *testing.T, ev domain.TransferEvent) []byte {
	t.Helper()
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	return b
}

func TestWorkerAcksProcessedEvents(t *testing.T) {
	consumer := &fakeConsumer{ch: make(chan amqp.Delivery, 2)}
	acks := newAcknowledger()
	notifier := &recordingNotifier{}
	w := NewWorker(consumer, notifier, zap.NewNop())

	ev := domain.TransferEvent{TransferID: uuid.New(), FromOwnerID: "a", ToOwnerID: "b", Amount: 300, OccurredAt: time.Now().UTC()}
	consumer.ch <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 1, Body: encode(t, ev)}
	consumer.ch <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 2, Body: []byte("{not json")}
	close(consumer.ch)

	done, err := w.Start(context.Background())
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after channel closed")
	}

	r1, ok := acks.get(1)
	require.True(t, ok)
	assert.True(t, r1.acked)

	r2, ok := acks.get(2)
	require.True(t, ok)
	assert.False(t, r2.acked)
	assert.False(t, r2.requeue)

	require.Len(t, notifier.events, 1)
	assert.Equal(t, ev.TransferID, notifier.events[0].TransferID)
	assert.Equal(t, int64(300), notifier.events[0].Amount)
}

func TestWorkerRequeuesOnNotifierFailure(t *testing.T) {
	consumer := &fakeConsumer{ch: make(chan amqp.Delivery, 1)}
	acks := newAcknowledger()
	w := NewWorker(consumer, &recordingNotifier{err: errors.New("smtp down")}, zap.NewNop())

	consumer.ch <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 7, Body: encode(t, domain.TransferEvent{TransferID: uuid.New(), Amount: 1})}
	close(consumer.ch)

	done, err := w.Start(context.Background())
	require.NoError(t, err)
	<-done

	r, ok := acks.get(7)
	require.True(t, ok)
	assert.False(t, r.acked)
	assert.True(t, r.requeue)
}

func TestWorkerStopsOnContextCancel(t *testing.T) {
	consumer := &fakeConsumer{ch: make(chan amqp.Delivery)}
	w := NewWorker(consumer, LogNotifier{Log: zap.NewNop()}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done, err := w.Start(ctx)
	require.NoError(t, err)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestWorkerStartFailsWhenConsumeFails(t *testing.T) {
	w := NewWorker(&fakeConsumer{err: errors.New("channel closed")}, LogNotifier{Log: zap.NewNop()}, zap.NewNop())
	_, err := w.Start(context.Background())
	assert.Error(t, err)
}
