package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"custodial-ledger/internal/domain"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// MemoryStore is an AccountStore kept in process memory. It gives the same
// guarantees as the PostgreSQL store within a single process: per-account
// exclusion taken in owner id order with a bounded wait, and commits that
// become visible to readers all at once.
type MemoryStore struct {
	mu       sync.RWMutex // guards accounts map shape and published balances
	accounts map[string]*memAccount

	tokensMu sync.Mutex
	tokens   map[tokenKey]*tokenState

	transfersMu sync.Mutex
	transfers   []domain.Transfer
}

type memAccount struct {
	lock  *semaphore.Weighted
	state domain.Account
}

type tokenKey struct {
	owner string
	token string
}

type tokenState struct {
	done     bool
	transfer domain.Transfer
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*memAccount),
		tokens:   make(map[tokenKey]*tokenState),
	}
}

func (s *MemoryStore) Create(ctx context.Context, account *domain.Account) error {
	if err := ctx.Err(); err != nil {
		return domain.StorageError(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[account.OwnerID]; ok {
		return domain.ErrAlreadyProvisioned
	}
	now := time.Now().UTC()
	account.Version = 1
	account.CreatedAt = now
	account.UpdatedAt = now
	s.accounts[account.OwnerID] = &memAccount{
		lock:  semaphore.NewWeighted(1),
		state: *account,
	}
	return nil
}

// Get returns a copy of the last committed state.
func (s *MemoryStore) Get(ctx context.Context, ownerID string) (*domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.StorageError(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[ownerID]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	cp := a.state
	return &cp, nil
}

// Total sums every committed balance in one consistent view.
func (s *MemoryStore) Total() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum int64
	for _, a := range s.accounts {
		sum += a.state.Balance
	}
	return sum
}

// Transfers returns the committed transfer log in commit order.
func (s *MemoryStore) Transfers() []domain.Transfer {
	s.transfersMu.Lock()
	defer s.transfersMu.Unlock()
	out := make([]domain.Transfer, len(s.transfers))
	copy(out, s.transfers)
	return out
}

func (s *MemoryStore) AtomicTransfer(ctx context.Context, cmd domain.TransferCommand) (*domain.TransferReceipt, error) {
	if cmd.RequestToken != "" {
		prior, err := s.reserveToken(cmd)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			return replayReceipt(prior, cmd)
		}
	}

	receipt, err := s.transfer(ctx, cmd)

	if cmd.RequestToken != "" {
		s.settleToken(cmd, receipt)
	}
	return receipt, err
}

func (s *MemoryStore) transfer(ctx context.Context, cmd domain.TransferCommand) (*domain.TransferReceipt, error) {
	s.mu.RLock()
	from, ok1 := s.accounts[cmd.FromOwnerID]
	to, ok2 := s.accounts[cmd.ToOwnerID]
	s.mu.RUnlock()
	if !ok1 || !ok2 {
		return nil, domain.ErrAccountNotFound
	}

	// Deadlock prevention: acquire in owner id order regardless of direction.
	first, second := from, to
	if cmd.FromOwnerID > cmd.ToOwnerID {
		first, second = to, from
	}
	if err := first.lock.Acquire(ctx, 1); err != nil {
		return nil, domain.StorageError(err)
	}
	defer first.lock.Release(1)
	if err := second.lock.Acquire(ctx, 1); err != nil {
		return nil, domain.StorageError(err)
	}
	defer second.lock.Release(1)

	// Only lock holders write state, so reading it here without s.mu is safe.
	sender, receiver := from.state, to.state
	if sender.Balance < cmd.Amount {
		return nil, domain.NewInsufficientFunds(sender.Balance)
	}
	if !domain.CanCredit(receiver.Balance, cmd.Amount) {
		return nil, domain.Wrap(domain.ErrStorageFailure, errors.New("receiver balance would overflow"))
	}
	if err := ctx.Err(); err != nil {
		return nil, domain.StorageError(err)
	}

	now := time.Now().UTC()
	sender.Balance -= cmd.Amount
	sender.Version++
	sender.UpdatedAt = now
	receiver.Balance += cmd.Amount
	receiver.Version++
	receiver.UpdatedAt = now

	transfer := domain.Transfer{
		ID:                 uuid.New(),
		FromOwnerID:        cmd.FromOwnerID,
		ToOwnerID:          cmd.ToOwnerID,
		Amount:             cmd.Amount,
		SenderBalanceAfter: sender.Balance,
		RequestToken:       tokenPtr(cmd.RequestToken),
		CreatedAt:          now,
	}

	// Commit point: both balances become visible together.
	s.mu.Lock()
	from.state = sender
	to.state = receiver
	s.mu.Unlock()

	s.transfersMu.Lock()
	s.transfers = append(s.transfers, transfer)
	s.transfersMu.Unlock()

	return &domain.TransferReceipt{Transfer: transfer, Sender: sender, Receiver: receiver}, nil
}

// reserveToken returns the committed transfer for a replayed token, or marks
// the token in flight. A token already in flight is a transient conflict.
func (s *MemoryStore) reserveToken(cmd domain.TransferCommand) (*domain.Transfer, error) {
	key := tokenKey{owner: cmd.FromOwnerID, token: cmd.RequestToken}
	s.tokensMu.Lock()
	defer s.tokensMu.Unlock()
	st, ok := s.tokens[key]
	if !ok {
		s.tokens[key] = &tokenState{}
		return nil, nil
	}
	if !st.done {
		return nil, domain.ErrConflict
	}
	t := st.transfer
	return &t, nil
}

func (s *MemoryStore) settleToken(cmd domain.TransferCommand, receipt *domain.TransferReceipt) {
	key := tokenKey{owner: cmd.FromOwnerID, token: cmd.RequestToken}
	s.tokensMu.Lock()
	defer s.tokensMu.Unlock()
	if receipt == nil || receipt.Replayed {
		if st, ok := s.tokens[key]; ok && !st.done {
			delete(s.tokens, key)
		}
		return
	}
	s.tokens[key] = &tokenState{done: true, transfer: receipt.Transfer}
}
