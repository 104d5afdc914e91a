package service

import (
	"context"
	"errors"
	"time"

	"custodial-ledger/internal/domain"

	"go.uber.org/zap"
)

// TransferEngine validates transfer requests and executes them against the
// AccountStore. It is safe for concurrent use.
type TransferEngine struct {
	store   domain.AccountStore
	cache   domain.BalanceCache
	events  domain.EventProducer
	log     *zap.Logger
	timeout time.Duration
}

func NewTransferEngine(
	store domain.AccountStore,
	cache domain.BalanceCache,
	events domain.EventProducer,
	log *zap.Logger,
	timeout time.Duration,
) *TransferEngine {
	return &TransferEngine{
		store:   store,
		cache:   cache,
		events:  events,
		log:     log.Named("transfer"),
		timeout: timeout,
	}
}

// Transfer moves req.Amount from the caller to req.ToOwnerID. callerOwnerID
// comes from the identity context and is trusted as authenticated.
func (e *TransferEngine) Transfer(ctx context.Context, callerOwnerID string, req domain.TransferRequest) (*domain.TransferResult, error) {
	cmd, err := e.validate(callerOwnerID, req)
	if err != nil {
		return nil, err
	}

	if err := e.resolve(ctx, cmd); err != nil {
		return nil, err
	}

	receipt, err := e.execute(ctx, cmd)
	if err != nil {
		return nil, err
	}

	if !receipt.Replayed {
		// Committed: the caller going away must not stop the follow-up work.
		e.afterCommit(context.WithoutCancel(ctx), receipt)
	}

	return &domain.TransferResult{
		Success:          true,
		TransferID:       receipt.Transfer.ID,
		Amount:           receipt.Transfer.Amount,
		NewSenderBalance: receipt.Transfer.SenderBalanceAfter,
		Replayed:         receipt.Replayed,
	}, nil
}

// validate runs the local checks. None of them touch storage.
func (e *TransferEngine) validate(callerOwnerID string, req domain.TransferRequest) (domain.TransferCommand, error) {
	if !domain.ValidOwnerID(req.ToOwnerID) {
		return domain.TransferCommand{}, domain.ErrInvalidRecipient
	}
	amount, err := domain.MinorUnits(req.Amount)
	if err != nil {
		return domain.TransferCommand{}, err
	}
	if callerOwnerID == req.ToOwnerID {
		return domain.TransferCommand{}, domain.ErrSelfTransfer
	}
	return domain.TransferCommand{
		FromOwnerID:  callerOwnerID,
		ToOwnerID:    req.ToOwnerID,
		Amount:       amount,
		RequestToken: req.RequestToken,
	}, nil
}

// resolve checks that both accounts exist. Which side is missing is logged
// but never returned.
func (e *TransferEngine) resolve(ctx context.Context, cmd domain.TransferCommand) error {
	sides := []struct {
		name string
		id   string
	}{
		{"sender", cmd.FromOwnerID},
		{"recipient", cmd.ToOwnerID},
	}
	for _, side := range sides {
		if _, err := e.store.Get(ctx, side.id); err != nil {
			if errors.Is(err, domain.ErrAccountNotFound) {
				e.log.Info("transfer rejected: account not found", zap.String("side", side.name), zap.String("owner_id", side.id))
				return domain.ErrAccountNotFound
			}
			e.log.Error("account lookup failed", zap.String("side", side.name), zap.Error(err))
			return domain.StorageError(err)
		}
	}
	return nil
}

// execute runs the atomic section under a bounded deadline. A transient
// conflict is retried once; an ambiguous commit never is.
func (e *TransferEngine) execute(ctx context.Context, cmd domain.TransferCommand) (*domain.TransferReceipt, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	const maxAttempts = 2
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var receipt *domain.TransferReceipt
		receipt, err = e.store.AtomicTransfer(ctx, cmd)
		if err == nil {
			return receipt, nil
		}
		if errors.Is(err, domain.ErrAmbiguousCommit) {
			e.log.Error("transfer commit outcome unknown",
				zap.String("from", cmd.FromOwnerID), zap.String("to", cmd.ToOwnerID),
				zap.Int64("amount", cmd.Amount), zap.String("request_token", cmd.RequestToken), zap.Error(err))
			return nil, domain.StorageError(err)
		}
		if !errors.Is(err, domain.ErrConflict) {
			break
		}
		e.log.Warn("transfer conflict", zap.Int("attempt", attempt), zap.Error(err))
	}

	if errors.Is(err, domain.ErrConflict) {
		return nil, domain.Wrap(domain.ErrStorageFailure, err)
	}
	switch domain.KindOf(err) {
	case domain.KindInsufficientFunds, domain.KindAccountNotFound, domain.KindRequestTokenReused:
		e.log.Info("transfer rejected", zap.String("kind", string(domain.KindOf(err))), zap.String("from", cmd.FromOwnerID))
	default:
		e.log.Error("transfer failed", zap.String("from", cmd.FromOwnerID), zap.Error(err))
	}
	return nil, domain.StorageError(err)
}

// afterCommit refreshes the balance cache and publishes the transfer event.
// Both are best effort.
func (e *TransferEngine) afterCommit(ctx context.Context, r *domain.TransferReceipt) {
	for _, a := range []domain.Account{r.Sender, r.Receiver} {
		if err := e.cache.Put(ctx, a); err != nil {
			e.log.Warn("failed to refresh balance cache", zap.String("owner_id", a.OwnerID), zap.Error(err))
			if err := e.cache.Invalidate(ctx, a); err != nil {
				e.log.Error("failed to invalidate balance cache", zap.String("owner_id", a.OwnerID), zap.Error(err))
			}
		}
	}

	event := domain.TransferEvent{
		TransferID:  r.Transfer.ID,
		FromOwnerID: r.Transfer.FromOwnerID,
		ToOwnerID:   r.Transfer.ToOwnerID,
		Amount:      r.Transfer.Amount,
		OccurredAt:  time.Now().UTC(),
	}
	if err := e.events.PublishTransferEvent(ctx, event); err != nil {
		e.log.Warn("failed to publish transfer event", zap.String("transfer_id", r.Transfer.ID.String()), zap.Error(err))
	}

	e.log.Info("transfer committed",
		zap.String("transfer_id", r.Transfer.ID.String()),
		zap.String("from", r.Transfer.FromOwnerID),
		zap.String("to", r.Transfer.ToOwnerID),
		zap.Int64("amount", r.Transfer.Amount))
}
