package service

import (
	"context"
	"errors"

	"custodial-ledger/internal/domain"

	"go.uber.org/zap"
)

// ProvisioningService creates the single account that belongs to a newly
// created identity. The seed balance is whatever the identity system passes.
type ProvisioningService struct {
	store domain.AccountStore
	cache domain.BalanceCache
	log   *zap.Logger
}

func NewProvisioningService(store domain.AccountStore, cache domain.BalanceCache, log *zap.Logger) *ProvisioningService {
	return &ProvisioningService{store: store, cache: cache, log: log.Named("provisioning")}
}

func (s *ProvisioningService) Provision(ctx context.Context, ownerID string, initialBalance int64) (*domain.Account, error) {
	if !domain.ValidOwnerID(ownerID) {
		return nil, &domain.Error{Kind: domain.KindInvalidRecipient, Message: "invalid account id"}
	}
	if initialBalance < 0 {
		return nil, domain.ErrInvalidAmount
	}

	account := &domain.Account{OwnerID: ownerID, Balance: initialBalance}
	if err := s.store.Create(ctx, account); err != nil {
		if errors.Is(err, domain.ErrAlreadyProvisioned) {
			s.log.Warn("duplicate provisioning rejected", zap.String("owner_id", ownerID))
			return nil, domain.ErrAlreadyProvisioned
		}
		s.log.Error("provisioning failed", zap.String("owner_id", ownerID), zap.Error(err))
		return nil, domain.StorageError(err)
	}

	if err := s.cache.Put(ctx, *account); err != nil {
		s.log.Warn("failed to seed balance cache", zap.String("owner_id", ownerID), zap.Error(err))
	}
	s.log.Info("account provisioned", zap.String("owner_id", ownerID), zap.Int64("initial_balance", initialBalance))
	return account, nil
}
