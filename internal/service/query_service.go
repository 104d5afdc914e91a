package service

import (
	"context"
	"errors"

	"custodial-ledger/internal/domain"

	"go.uber.org/zap"
)

// AccountQueryService answers balance lookups. It never writes balances.
type AccountQueryService struct {
	store domain.AccountStore
	cache domain.BalanceCache
	log   *zap.Logger
}

func NewAccountQueryService(store domain.AccountStore, cache domain.BalanceCache, log *zap.Logger) *AccountQueryService {
	return &AccountQueryService{store: store, cache: cache, log: log.Named("query")}
}

func (s *AccountQueryService) BalanceOf(ctx context.Context, ownerID string) (int64, error) {
	// 1. Check Cache
	cached, err := s.cache.Get(ctx, ownerID)
	if err != nil {
		s.log.Warn("balance cache read failed", zap.String("owner_id", ownerID), zap.Error(err))
	} else if cached != nil && cached.Balance >= 0 {
		return cached.Balance, nil
	}

	// 2. Fetch from store
	account, err := s.store.Get(ctx, ownerID)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			return 0, domain.ErrAccountNotFound
		}
		s.log.Error("balance lookup failed", zap.String("owner_id", ownerID), zap.Error(err))
		return 0, domain.StorageError(err)
	}

	// 3. Set Cache
	if err := s.cache.Put(ctx, *account); err != nil {
		s.log.Warn("failed to set balance cache", zap.String("owner_id", ownerID), zap.Error(err))
	}

	return account.Balance, nil
}
