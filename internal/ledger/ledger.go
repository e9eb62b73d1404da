// Package ledger is the off-chain system of record for escrow transactions.
//
// The on-chain escrow contract is authoritative for money movement; the
// ledger tracks the logical transaction and its progress for the rest of the
// marketplace. The two can diverge, so every state-advancing write goes
// through UpdateIfStatus: a conditional update that rejects with ErrConflict
// when another writer got there first, instead of silently overwriting.
package ledger

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound            = errors.New("ledger: transaction not found")
	ErrConflict            = errors.New("ledger: conditional update lost, status changed underneath")
	ErrIdentifierImmutable = errors.New("ledger: blockchain txn id is write-once")
	ErrTerminalState       = errors.New("ledger: transaction is in a terminal state")
)

// Status is the coarse lifecycle state of a transaction.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// EscrowStatus tracks escrow-specific progress independent of Status.
type EscrowStatus string

const (
	EscrowPending      EscrowStatus = "pending"
	EscrowFundsSecured EscrowStatus = "funds_secured"
	EscrowCompleted    EscrowStatus = "completed"
	EscrowCancelled    EscrowStatus = "cancelled"
)

// Transaction is the authoritative off-chain record of one escrow trade.
type Transaction struct {
	ID        string `json:"id"`
	ListingID string `json:"listingId"`
	BuyerID   string `json:"buyerId"`
	SellerID  string `json:"sellerId"`

	BuyerWallet  string `json:"buyerWallet"`
	SellerWallet string `json:"sellerWallet"`

	Amount           string `json:"amount"`           // decimal, in the listing's priced currency
	CommissionAmount string `json:"commissionAmount"` // platform fee, same unit
	TokenSymbol      string `json:"tokenSymbol"`
	ChainID          int64  `json:"chainId"`
	Network          string `json:"network"`

	// SmartContractAddress pins the escrow deployment this transaction was
	// created against. Deployments rotate; a transaction never migrates.
	SmartContractAddress string `json:"smartContractAddress"`

	// BlockchainTxnID is the contract's counter-based identifier. Write-once;
	// may be empty after funding if the creation event was missed.
	BlockchainTxnID string `json:"blockchainTxnId,omitempty"`

	// TransactionHash is the submission hash of the funding call, if known.
	TransactionHash string `json:"transactionHash,omitempty"`

	Status       Status       `json:"status"`
	EscrowStatus EscrowStatus `json:"escrowStatus"`

	FundsSecured       bool `json:"fundsSecured"`
	BuyerConfirmation  bool `json:"buyerConfirmation"`
	SellerConfirmation bool `json:"sellerConfirmation"`

	FundsSecuredAt *time.Time `json:"fundsSecuredAt,omitempty"`
	ReleasedAt     *time.Time `json:"releasedAt,omitempty"`
	CancelledAt    *time.Time `json:"cancelledAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the status permits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// IsTerminal returns true if the transaction can no longer change state.
func (t *Transaction) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// Patch is a partial update. Only non-nil fields are applied.
type Patch struct {
	Status             *Status
	EscrowStatus       *EscrowStatus
	BlockchainTxnID    *string
	TransactionHash    *string
	FundsSecured       *bool
	BuyerConfirmation  *bool
	SellerConfirmation *bool
	FundsSecuredAt     *time.Time
	ReleasedAt         *time.Time
	CancelledAt        *time.Time
}

// Store persists transactions. UpdateIfStatus is the sole concurrency-safety
// mechanism: concurrent writers race on the expected status and exactly one
// wins; losers get ErrConflict and must re-read.
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	UpdateIfStatus(ctx context.Context, id string, expected Status, patch Patch) (*Transaction, error)
	FindByBlockchainID(ctx context.Context, smartContractAddress, blockchainTxnID string) (*Transaction, error)
	ListByParty(ctx context.Context, partyID string, limit int) ([]*Transaction, error)
	ListStuck(ctx context.Context, olderThan time.Time, limit int) ([]*Transaction, error)
}

// applyPatch writes patch fields onto tx, enforcing the write-once rule for
// the blockchain id. Shared by both store implementations.
func applyPatch(tx *Transaction, patch Patch) error {
	if patch.BlockchainTxnID != nil {
		switch {
		case tx.BlockchainTxnID == "":
			tx.BlockchainTxnID = *patch.BlockchainTxnID
		case tx.BlockchainTxnID == *patch.BlockchainTxnID:
			// Re-writing the same value is a no-op.
		default:
			return fmt.Errorf("%w: have %q, refusing %q",
				ErrIdentifierImmutable, tx.BlockchainTxnID, *patch.BlockchainTxnID)
		}
	}

	if patch.Status != nil {
		tx.Status = *patch.Status
	}
	if patch.EscrowStatus != nil {
		tx.EscrowStatus = *patch.EscrowStatus
	}
	if patch.TransactionHash != nil {
		tx.TransactionHash = *patch.TransactionHash
	}
	if patch.FundsSecured != nil {
		tx.FundsSecured = *patch.FundsSecured
	}
	if patch.BuyerConfirmation != nil {
		tx.BuyerConfirmation = *patch.BuyerConfirmation
	}
	if patch.SellerConfirmation != nil {
		tx.SellerConfirmation = *patch.SellerConfirmation
	}
	if patch.FundsSecuredAt != nil {
		tx.FundsSecuredAt = patch.FundsSecuredAt
	}
	if patch.ReleasedAt != nil {
		tx.ReleasedAt = patch.ReleasedAt
	}
	if patch.CancelledAt != nil {
		tx.CancelledAt = patch.CancelledAt
	}
	tx.UpdatedAt = time.Now()
	return nil
}

// NewID generates a ledger-local transaction id.
func NewID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return fmt.Sprintf("txn_%x", b)
}

// Pointer helpers for building patches.

func StatusPtr(s Status) *Status             { return &s }
func EscrowPtr(s EscrowStatus) *EscrowStatus { return &s }
func StrPtr(s string) *string                { return &s }
func BoolPtr(b bool) *bool                   { return &b }
func TimePtr(t time.Time) *time.Time         { return &t }
