/**
 * @description
 * This file defines the ledger entry model. Every balance mutation produces exactly
 * one Transaction row carrying the balance before and after the change, so an
 * account's history can always be replayed back to its stored balance.
 *
 * @notes
 * - Amounts are `int64` minor units (kobo for NGN).
 * - Rows are written once, already completed, inside the same atomic unit as the
 *   balance change. Nothing updates a completed row.
 */

package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type TransactionKind string

const (
	KindDeposit     TransactionKind = "deposit"
	KindWithdrawal  TransactionKind = "withdrawal"
	KindTransferOut TransactionKind = "transfer_out"
	KindTransferIn  TransactionKind = "transfer_in"
	KindPayment     TransactionKind = "payment"
)

// Sign is +1 for kinds that add to the balance and -1 for kinds that remove from it.
func (k TransactionKind) Sign() int64 {
	switch k {
	case KindDeposit, KindTransferIn:
		return 1
	case KindWithdrawal, KindTransferOut, KindPayment:
		return -1
	default:
		return 0
	}
}

func (k TransactionKind) Valid() bool {
	return k.Sign() != 0
}

// ParseTransactionKind accepts the wire names, case-insensitively.
func ParseTransactionKind(raw string) (TransactionKind, error) {
	kind := TransactionKind(strings.ToLower(strings.TrimSpace(raw)))
	if !kind.Valid() {
		return "", fmt.Errorf("%w: unknown transaction kind %q", ErrValidation, raw)
	}
	return kind, nil
}

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
	TransactionStatusCancelled TransactionStatus = "cancelled"
)

func ParseTransactionStatus(raw string) (TransactionStatus, error) {
	status := TransactionStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case TransactionStatusPending, TransactionStatusCompleted, TransactionStatusFailed, TransactionStatusCancelled:
		return status, nil
	default:
		return "", fmt.Errorf("%w: unknown transaction status %q", ErrValidation, raw)
	}
}

// Transaction represents one immutable ledger entry on one account.
// The two legs of a transfer share Reference and point at each other through CounterpartyAccountID.
type Transaction struct {
	ID                    uuid.UUID         `json:"id"`
	Reference             string            `json:"reference"`
	AccountID             uuid.UUID         `json:"account_id"`
	Kind                  TransactionKind   `json:"kind"`
	Amount                int64             `json:"amount"`
	Currency              string            `json:"currency"`
	Status                TransactionStatus `json:"status"`
	BalanceBefore         int64             `json:"balance_before"`
	BalanceAfter          int64             `json:"balance_after"`
	Description           string            `json:"description"`
	Metadata              map[string]string `json:"metadata,omitempty"`
	CounterpartyAccountID *uuid.UUID        `json:"counterparty_account_id,omitempty"`
	Sequence              int64             `json:"sequence"`
	CreatedAt             time.Time         `json:"created_at"`
	CompletedAt           *time.Time        `json:"completed_at,omitempty"`
}

// ValidateBalances checks balance_after = balance_before ± amount per the kind's sign.
func (t *Transaction) ValidateBalances() error {
	sign := t.Kind.Sign()
	if sign == 0 {
		return fmt.Errorf("%w: unknown transaction kind %q", ErrValidation, t.Kind)
	}
	if t.Amount <= 0 {
		return ErrInvalidAmount
	}
	if t.BalanceBefore < 0 || t.BalanceAfter < 0 {
		return fmt.Errorf("%w: balances cannot be negative", ErrValidation)
	}
	if want := t.BalanceBefore + sign*t.Amount; t.BalanceAfter != want {
		return fmt.Errorf("%w: %s entry expected balance_after %d, got %d", ErrValidation, t.Kind, want, t.BalanceAfter)
	}
	return nil
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// ClampPageSize applies the default and the hard cap used by every list query.
func ClampPageSize(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

// TransactionListOptions filters a newest-first page of an account's ledger.
type TransactionListOptions struct {
	AccountID uuid.UUID
	Kind      *TransactionKind
	Status    *TransactionStatus
	Reference string
	Limit     int
	Offset    int
}

// Normalize clamps paging values in place.
func (o *TransactionListOptions) Normalize() {
	o.Limit = ClampPageSize(o.Limit)
	if o.Offset < 0 {
		o.Offset = 0
	}
	o.Reference = strings.TrimSpace(o.Reference)
}

// Matches reports whether tx passes the non-paging filters.
func (o TransactionListOptions) Matches(tx Transaction) bool {
	if tx.AccountID != o.AccountID {
		return false
	}
	if o.Kind != nil && tx.Kind != *o.Kind {
		return false
	}
	if o.Status != nil && tx.Status != *o.Status {
		return false
	}
	if o.Reference != "" && tx.Reference != o.Reference {
		return false
	}
	return true
}

// Ledger operation names, shared by idempotency records, metrics and events.
const (
	OperationDeposit           = "deposit"
	OperationWithdraw          = "withdraw"
	OperationTransfer          = "transfer"
	OperationPaymentInitialize = "payment_initialize"
	OperationPaymentVerify     = "payment_verify"
)

// LedgerResult is the outcome of a mutating ledger operation and the payload the
// idempotency registry replays for a repeated key.
type LedgerResult struct {
	Operation    string        `json:"operation"`
	Reference    string        `json:"reference"`
	AccountID    uuid.UUID     `json:"account_id"`
	Balance      int64         `json:"balance"`
	Currency     string        `json:"currency"`
	Transactions []Transaction `json:"transactions"`
	Replayed     bool          `json:"replayed"`
}
