package domain

import (
	"time"

	"github.com/google/uuid"
)

type AccountStatus string

const (
	AccountStatusPending AccountStatus = "pending"
	AccountStatusActive  AccountStatus = "active"
	AccountStatusFrozen  AccountStatus = "frozen"
	AccountStatusClosed  AccountStatus = "closed"
)

// Account holds the single mutable balance for one owner.
// Balance is in minor units and is only ever written by the ledger's debit/credit path.
type Account struct {
	ID            uuid.UUID     `json:"id"`
	OwnerID       string        `json:"owner_id"`
	AccountNumber string        `json:"account_number"`
	Balance       int64         `json:"balance"`
	Currency      string        `json:"currency"`
	Status        AccountStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// CanMutate reports whether the account may be debited or credited.
func (a *Account) CanMutate() bool {
	return a != nil && a.Status == AccountStatusActive
}

// ParseAccountStatus returns the status for raw, or false when it is not one of the known values.
func ParseAccountStatus(raw string) (AccountStatus, bool) {
	switch s := AccountStatus(raw); s {
	case AccountStatusPending, AccountStatusActive, AccountStatusFrozen, AccountStatusClosed:
		return s, true
	default:
		return "", false
	}
}

// CanTransitionAccountStatus lists the lifecycle moves the ledger accepts.
// Closed is terminal here; reopening is an administrative action outside this service.
func CanTransitionAccountStatus(from, to AccountStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case AccountStatusPending:
		return to == AccountStatusActive || to == AccountStatusClosed
	case AccountStatusActive:
		return to == AccountStatusFrozen || to == AccountStatusClosed
	case AccountStatusFrozen:
		return to == AccountStatusActive || to == AccountStatusClosed
	default:
		return false
	}
}

// ReconciliationReport compares a stored balance with the balance rebuilt from the transaction log.
type ReconciliationReport struct {
	AccountID        uuid.UUID  `json:"account_id"`
	StoredBalance    int64      `json:"stored_balance"`
	ReplayedBalance  int64      `json:"replayed_balance"`
	EntryCount       int        `json:"entry_count"`
	Consistent       bool       `json:"consistent"`
	FirstBrokenEntry *uuid.UUID `json:"first_broken_entry,omitempty"`
	CheckedAt        time.Time  `json:"checked_at"`
}
