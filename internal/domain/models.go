package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Account holds one owner's balance in minor units.
type Account struct {
	OwnerID   string    `gorm:"type:varchar(64);primaryKey" json:"owner_id"`
	Balance   int64     `gorm:"not null;check:balance >= 0" json:"balance"` // minor units, must be >= 0
	Version   int64     `gorm:"not null;default:1" json:"version"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Transfer is the persisted record of a committed transfer.
type Transfer struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	FromOwnerID        string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_transfers_sender_token,priority:1" json:"from_owner_id"`
	ToOwnerID          string    `gorm:"type:varchar(64);not null;index" json:"to_owner_id"`
	Amount             int64     `gorm:"not null;check:amount > 0" json:"amount"`
	SenderBalanceAfter int64     `gorm:"not null" json:"sender_balance_after"`
	RequestToken       *string   `gorm:"type:varchar(128);uniqueIndex:idx_transfers_sender_token,priority:2" json:"request_token,omitempty"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TransferRequest is what a caller asks for. The sender is never part of
// the request; it comes from the identity context.
type TransferRequest struct {
	ToOwnerID    string
	Amount       decimal.Decimal
	RequestToken string
}

// TransferCommand is a validated transfer handed to the store.
type TransferCommand struct {
	FromOwnerID  string
	ToOwnerID    string
	Amount       int64
	RequestToken string
}

// TransferReceipt describes a committed transfer as seen by the store.
type TransferReceipt struct {
	Transfer Transfer
	Sender   Account
	Receiver Account
	// Replayed is true when the request token had already been committed and
	// no balance changed on this call.
	Replayed bool
}

// TransferResult is returned to callers of the engine on success.
type TransferResult struct {
	Success          bool      `json:"success"`
	TransferID       uuid.UUID `json:"transfer_id"`
	Amount           int64     `json:"amount"`
	NewSenderBalance int64     `json:"new_balance"`
	Replayed         bool      `json:"replayed"`
}

// TransferEvent is the payload sent to RabbitMQ after a commit.
type TransferEvent struct {
	TransferID  uuid.UUID `json:"transfer_id"`
	FromOwnerID string    `json:"from_owner_id"`
	ToOwnerID   string    `json:"to_owner_id"`
	Amount      int64     `json:"amount"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Repository Interfaces

// AccountStore is the only place balances are written.
type AccountStore interface {
	Create(ctx context.Context, account *Account) error
	Get(ctx context.Context, ownerID string) (*Account, error)
	AtomicTransfer(ctx context.Context, cmd TransferCommand) (*TransferReceipt, error)
}

// BalanceCache is a best-effort read cache keyed by owner id. Put must never
// replace an entry with an older version. After Invalidate, Get misses until
// a Put of at least the invalidated version.
type BalanceCache interface {
	Get(ctx context.Context, ownerID string) (*Account, error)
	Put(ctx context.Context, account Account) error
	Invalidate(ctx context.Context, account Account) error
}

type EventProducer interface {
	PublishTransferEvent(ctx context.Context, event TransferEvent) error
}

// ValidOwnerID reports whether id is an account id in canonical form
// (lowercase, hyphenated UUID). Other spellings of the same UUID are
// rejected so one owner cannot be addressed under several ids.
func ValidOwnerID(id string) bool {
	u, err := uuid.Parse(id)
	return err == nil && u.String() == id
}
