package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"custodial-ledger/internal/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, s *MemoryStore, balance int64) string {
	t.Helper()
	id := uuid.NewString()
	require.NoError(t, s.Create(context.Background(), &domain.Account{OwnerID: id, Balance: balance}))
	return id
}

func TestMemoryStoreCreateIsOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id := seed(t, s, 100)

	err := s.Create(ctx, &domain.Account{OwnerID: id, Balance: 999})
	assert.ErrorIs(t, err, domain.ErrAlreadyProvisioned)

	a, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(100), a.Balance)
	assert.Equal(t, int64(1), a.Version)
}

func TestMemoryStoreGetMissing(t *testing.T) {
	_, err := NewMemoryStore().Get(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestMemoryStoreAtomicTransfer(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	a := seed(t, s, 1000)
	b := seed(t, s, 500)

	r, err := s.AtomicTransfer(ctx, domain.TransferCommand{FromOwnerID: a, ToOwnerID: b, Amount: 300})
	require.NoError(t, err)
	assert.Equal(t, int64(700), r.Sender.Balance)
	assert.Equal(t, int64(800), r.Receiver.Balance)
	assert.Equal(t, int64(2), r.Sender.Version)
	assert.Equal(t, int64(700), r.Transfer.SenderBalanceAfter)

	_, err = s.AtomicTransfer(ctx, domain.TransferCommand{FromOwnerID: a, ToOwnerID: b, Amount: 1000})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	le := domain.AsError(err)
	require.NotNil(t, le.Balance)
	assert.Equal(t, int64(700), *le.Balance)

	assert.Equal(t, int64(1500), s.Total())
	assert.Len(t, s.Transfers(), 1)
}

func TestMemoryStoreMissingAccount(t *testing.T) {
	s := NewMemoryStore()
	a := seed(t, s, 10)
	_, err := s.AtomicTransfer(context.Background(), domain.TransferCommand{FromOwnerID: a, ToOwnerID: uuid.NewString(), Amount: 1})
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
	assert.Equal(t, int64(10), s.Total())
}

func TestMemoryStoreNoDoubleSpend(t *testing.T) {
	for i := 0; i < 50; i++ {
		s := NewMemoryStore()
		a := seed(t, s, 100)
		b := seed(t, s, 0)
		c := seed(t, s, 0)

		var ok, insufficient atomic.Int32
		var wg sync.WaitGroup
		for _, to := range []string{b, c} {
			wg.Add(1)
			go func(to string) {
				defer wg.Done()
				_, err := s.AtomicTransfer(context.Background(), domain.TransferCommand{FromOwnerID: a, ToOwnerID: to, Amount: 100})
				switch {
				case err == nil:
					ok.Add(1)
				case domain.KindOf(err) == domain.KindInsufficientFunds:
					insufficient.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(to)
		}
		wg.Wait()

		require.Equal(t, int32(1), ok.Load())
		require.Equal(t, int32(1), insufficient.Load())
		require.Equal(t, int64(100), s.Total())
	}
}

func TestMemoryStoreOpposingTransfersDoNotDeadlock(t *testing.T) {
	s := NewMemoryStore()
	a := seed(t, s, 10_000)
	b := seed(t, s, 10_000)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := s.AtomicTransfer(ctx, domain.TransferCommand{FromOwnerID: a, ToOwnerID: b, Amount: 7})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := s.AtomicTransfer(ctx, domain.TransferCommand{FromOwnerID: b, ToOwnerID: a, Amount: 5})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	ga, _ := s.Get(ctx, a)
	gb, _ := s.Get(ctx, b)
	assert.Equal(t, int64(10_000-200*7+200*5), ga.Balance)
	assert.Equal(t, int64(10_000+200*7-200*5), gb.Balance)
	assert.Equal(t, int64(20_000), s.Total())
}

func TestMemoryStoreBoundedWait(t *testing.T) {
	s := NewMemoryStore()
	a := seed(t, s, 100)
	b := seed(t, s, 100)

	// Hold a's lock as a stuck transfer would.
	s.mu.RLock()
	held := s.accounts[a].lock
	s.mu.RUnlock()
	require.NoError(t, held.Acquire(context.Background(), 1))
	defer held.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.AtomicTransfer(ctx, domain.TransferCommand{FromOwnerID: b, ToOwnerID: a, Amount: 10})
	assert.Equal(t, domain.KindTimeout, domain.KindOf(err))

	gb, _ := s.Get(context.Background(), b)
	assert.Equal(t, int64(100), gb.Balance)
}

func TestMemoryStoreRequestTokenReplay(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	a := seed(t, s, 1000)
	b := seed(t, s, 0)
	cmd := domain.TransferCommand{FromOwnerID: a, ToOwnerID: b, Amount: 250, RequestToken: "req-1"}

	first, err := s.AtomicTransfer(ctx, cmd)
	require.NoError(t, err)
	second, err := s.AtomicTransfer(ctx, cmd)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Transfer.ID, second.Transfer.ID)
	assert.Equal(t, int64(750), second.Sender.Balance)

	ga, _ := s.Get(ctx, a)
	assert.Equal(t, int64(750), ga.Balance)
	assert.Len(t, s.Transfers(), 1)
}

func TestMemoryStoreRequestTokenBoundToOriginalTransfer(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	a := seed(t, s, 1000)
	b := seed(t, s, 0)
	c := seed(t, s, 0)
	cmd := domain.TransferCommand{FromOwnerID: a, ToOwnerID: b, Amount: 100, RequestToken: "req-3"}

	_, err := s.AtomicTransfer(ctx, cmd)
	require.NoError(t, err)

	otherAmount := cmd
	otherAmount.Amount = 900
	_, err = s.AtomicTransfer(ctx, otherAmount)
	assert.ErrorIs(t, err, domain.ErrRequestTokenReused)

	otherRecipient := cmd
	otherRecipient.ToOwnerID = c
	_, err = s.AtomicTransfer(ctx, otherRecipient)
	assert.ErrorIs(t, err, domain.ErrRequestTokenReused)

	ga, _ := s.Get(ctx, a)
	assert.Equal(t, int64(900), ga.Balance)
	assert.Len(t, s.Transfers(), 1)

	// The original request still replays.
	r, err := s.AtomicTransfer(ctx, cmd)
	require.NoError(t, err)
	assert.True(t, r.Replayed)
}

func TestMemoryStoreFailedTokenCanBeRetried(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	a := seed(t, s, 10)
	b := seed(t, s, 0)
	cmd := domain.TransferCommand{FromOwnerID: a, ToOwnerID: b, Amount: 50, RequestToken: "req-2"}

	_, err := s.AtomicTransfer(ctx, cmd)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	cmd.Amount = 5
	r, err := s.AtomicTransfer(ctx, cmd)
	require.NoError(t, err)
	assert.False(t, r.Replayed)
}

func TestMemoryStoreReadsNeverNegative(t *testing.T) {
	s := NewMemoryStore()
	ids := []string{seed(t, s, 50), seed(t, s, 50), seed(t, s, 50)}

	stop := make(chan struct{})
	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			assert.Equal(t, int64(150), s.Total())
			for _, id := range ids {
				a, err := s.Get(context.Background(), id)
				if assert.NoError(t, err) {
					assert.GreaterOrEqual(t, a.Balance, int64(0))
				}
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 300; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from, to := ids[i%3], ids[(i+1)%3]
			_, err := s.AtomicTransfer(context.Background(), domain.TransferCommand{FromOwnerID: from, ToOwnerID: to, Amount: int64(i%40 + 1)})
			if err != nil {
				assert.Equal(t, domain.KindInsufficientFunds, domain.KindOf(err))
			}
		}(i)
	}
	wg.Wait()
	close(stop)
	readers.Wait()

	assert.Equal(t, int64(150), s.Total())
}
