package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"custodial-ledger/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PostgreSQL error codes the transfer path reacts to.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
	pgLockNotAvailable     = "55P03"
	pgQueryCanceled        = "57014"
	pgCheckViolation       = "23514"
)

type accountRepository struct {
	db          *gorm.DB
	lockTimeout time.Duration
}

// NewAccountRepository returns the PostgreSQL AccountStore. lockTimeout bounds
// how long a transfer waits for a row lock held by another transfer.
func NewAccountRepository(db *gorm.DB, lockTimeout time.Duration) domain.AccountStore {
	return &accountRepository{db: db, lockTimeout: lockTimeout}
}

func (r *accountRepository) Create(ctx context.Context, account *domain.Account) error {
	if account.Version == 0 {
		account.Version = 1
	}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(account)
	if res.Error != nil {
		return classify(res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrAlreadyProvisioned
	}
	return nil
}

func (r *accountRepository) Get(ctx context.Context, ownerID string) (*domain.Account, error) {
	var account domain.Account
	if err := r.db.WithContext(ctx).First(&account, "owner_id = ?", ownerID).Error; err != nil {
		return nil, classify(err)
	}
	return &account, nil
}

func (r *accountRepository) getWithLock(tx *gorm.DB, ownerID string) (*domain.Account, error) {
	var account domain.Account
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&account, "owner_id = ?", ownerID).Error; err != nil {
		return nil, classify(err)
	}
	return &account, nil
}

func (r *accountRepository) setBalance(tx *gorm.DB, account *domain.Account, newBalance int64) error {
	// Update with a map so a zero balance is written.
	res := tx.Model(&domain.Account{}).
		Where("owner_id = ?", account.OwnerID).
		Updates(map[string]any{
			"balance":    newBalance,
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return classify(res.Error)
	}
	if res.RowsAffected != 1 {
		return domain.Wrap(domain.ErrStorageFailure, fmt.Errorf("balance update touched %d rows", res.RowsAffected))
	}
	account.Balance = newBalance
	account.Version++
	return nil
}

func (r *accountRepository) AtomicTransfer(ctx context.Context, cmd domain.TransferCommand) (*domain.TransferReceipt, error) {
	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, classify(tx.Error)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	if r.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())
		if err := tx.Exec(stmt).Error; err != nil {
			return nil, classify(err)
		}
	}

	if cmd.RequestToken != "" {
		prior, err := r.findByToken(tx, cmd.FromOwnerID, cmd.RequestToken)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			return replayReceipt(prior, cmd)
		}
	}

	// Deadlock prevention: lock rows in owner id order regardless of direction.
	firstID, secondID := cmd.FromOwnerID, cmd.ToOwnerID
	if firstID > secondID {
		firstID, secondID = secondID, firstID
	}

	a1, err := r.getWithLock(tx, firstID)
	if err != nil {
		return nil, err
	}
	a2, err := r.getWithLock(tx, secondID)
	if err != nil {
		return nil, err
	}

	sender, receiver := a1, a2
	if a1.OwnerID != cmd.FromOwnerID {
		sender, receiver = a2, a1
	}

	// Re-check under the row locks.
	if sender.Balance < cmd.Amount {
		return nil, domain.NewInsufficientFunds(sender.Balance)
	}
	if !domain.CanCredit(receiver.Balance, cmd.Amount) {
		return nil, domain.Wrap(domain.ErrStorageFailure, errors.New("receiver balance would overflow"))
	}

	if err := r.setBalance(tx, sender, sender.Balance-cmd.Amount); err != nil {
		return nil, err
	}
	if err := r.setBalance(tx, receiver, receiver.Balance+cmd.Amount); err != nil {
		return nil, err
	}

	transfer := domain.Transfer{
		ID:                 uuid.New(),
		FromOwnerID:        cmd.FromOwnerID,
		ToOwnerID:          cmd.ToOwnerID,
		Amount:             cmd.Amount,
		SenderBalanceAfter: sender.Balance,
		RequestToken:       tokenPtr(cmd.RequestToken),
	}
	if err := tx.Create(&transfer).Error; err != nil {
		return nil, classify(err)
	}

	// Last point at which cancellation is honoured.
	if err := ctx.Err(); err != nil {
		return nil, domain.StorageError(err)
	}

	committed = true
	if err := tx.Commit().Error; err != nil {
		return nil, domain.Wrap(domain.ErrStorageFailure, fmt.Errorf("%w: %v", domain.ErrAmbiguousCommit, err))
	}

	return &domain.TransferReceipt{Transfer: transfer, Sender: *sender, Receiver: *receiver}, nil
}

func (r *accountRepository) findByToken(tx *gorm.DB, fromOwnerID, token string) (*domain.Transfer, error) {
	var transfer domain.Transfer
	err := tx.Where("from_owner_id = ? AND request_token = ?", fromOwnerID, token).First(&transfer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return &transfer, nil
}

// replayReceipt answers a request token that already committed. The token
// only replays the transfer it was first used for.
func replayReceipt(t *domain.Transfer, cmd domain.TransferCommand) (*domain.TransferReceipt, error) {
	if t.ToOwnerID != cmd.ToOwnerID || t.Amount != cmd.Amount {
		return nil, domain.ErrRequestTokenReused
	}
	return &domain.TransferReceipt{
		Transfer: *t,
		Sender:   domain.Account{OwnerID: t.FromOwnerID, Balance: t.SenderBalanceAfter},
		Receiver: domain.Account{OwnerID: t.ToOwnerID},
		Replayed: true,
	}, nil
}

func tokenPtr(token string) *string {
	if token == "" {
		return nil
	}
	return &token
}

// classify maps gorm and PostgreSQL errors onto ledger errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrAccountNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgUniqueViolation:
			return fmt.Errorf("%w: %s", domain.ErrConflict, pgErr.Message)
		case pgLockNotAvailable, pgQueryCanceled:
			return domain.Wrap(domain.ErrTimeout, err)
		case pgCheckViolation:
			// The balance >= 0 constraint caught something the code did not.
			return domain.Wrap(domain.ErrStorageFailure, err)
		}
	}
	return domain.StorageError(err)
}
