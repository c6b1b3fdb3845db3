/**
 * @description
 * This file defines the persistence contract for the ledger. Reads go straight
 * through Repository; every balance-affecting write goes through Atomic, which runs
 * a closure against a LedgerTx so the balance change, the transaction-log append,
 * the idempotency record and the outbox event commit or roll back together.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/domain"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountNotActive    = errors.New("account is not active")
	ErrAccountExists       = errors.New("account already exists")
	ErrInvalidStatusChange = errors.New("account status change not allowed")
	ErrInsufficientFunds   = domain.ErrInsufficientFunds
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrPaymentNotFound     = errors.New("payment not found")
	ErrDuplicateReference  = errors.New("duplicate transaction reference")
	ErrIdempotencyConflict = errors.New("idempotency key reused with a different request")
	ErrIdempotencyInFlight = errors.New("idempotency key is still being processed")
	ErrConcurrencyConflict = errors.New("concurrent update conflict; retry with the same idempotency key")
	ErrIdempotencyNotFound = errors.New("idempotency record not found")
	ErrEventNotFound       = errors.New("outbox event not found")
)

// BalanceChange is what Debit and Credit report about the row they just modified.
type BalanceChange struct {
	AccountID uuid.UUID
	Currency  string
	Before    int64
	After     int64
}

// Repository defines the storage operations of the ledger service.
type Repository interface {
	CreateAccount(ctx context.Context, account *domain.Account) (*domain.Account, error)
	FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error)
	FindAccountByOwnerID(ctx context.Context, ownerID string) (*domain.Account, error)
	FindAccountByNumber(ctx context.Context, accountNumber string) (*domain.Account, error)
	UpdateAccountStatus(ctx context.Context, accountID uuid.UUID, status domain.AccountStatus) error

	FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error)
	FindTransactionsByReference(ctx context.Context, reference string) ([]domain.Transaction, error)
	ListTransactions(ctx context.Context, opts domain.TransactionListOptions) ([]domain.Transaction, error)
	// ListAccountLedger returns every entry of an account in commit order, oldest first.
	ListAccountLedger(ctx context.Context, accountID uuid.UUID) ([]domain.Transaction, error)

	FindPaymentByReference(ctx context.Context, reference string) (*domain.Payment, error)
	ListStalePayments(ctx context.Context, olderThan time.Time, limit int) ([]domain.Payment, error)

	FindIdempotencyRecord(ctx context.Context, accountID uuid.UUID, key string) (*domain.IdempotencyRecord, error)

	// ClaimPendingEvents moves up to limit due outbox events to processing. Events stuck in
	// processing for longer than staleAfter are handed out again.
	ClaimPendingEvents(ctx context.Context, limit int, staleAfter time.Duration) ([]domain.LedgerEvent, error)
	MarkEventPublished(ctx context.Context, eventID uuid.UUID) error
	// MarkEventFailed schedules another attempt after retryAfter, or parks the event as failed when terminal.
	MarkEventFailed(ctx context.Context, eventID uuid.UUID, retryAfter time.Duration, reason string, terminal bool) error

	// Atomic runs fn inside one all-or-nothing storage transaction.
	Atomic(ctx context.Context, fn func(tx LedgerTx) error) error
}

// LedgerTx is the write surface available inside Atomic.
type LedgerTx interface {
	// LockAccounts locks the rows in ascending id order and returns them keyed by id.
	LockAccounts(ctx context.Context, accountIDs ...uuid.UUID) (map[uuid.UUID]*domain.Account, error)
	// Debit fails with ErrAccountNotFound, ErrAccountNotActive or ErrInsufficientFunds.
	Debit(ctx context.Context, accountID uuid.UUID, amount int64) (BalanceChange, error)
	// Credit fails with ErrAccountNotFound or ErrAccountNotActive.
	Credit(ctx context.Context, accountID uuid.UUID, amount int64) (BalanceChange, error)
	AppendTransaction(ctx context.Context, entry *domain.Transaction) error

	// ReserveIdempotencyKey inserts rec as processing. When the key already exists it
	// returns the stored record and reserved=false.
	ReserveIdempotencyKey(ctx context.Context, rec domain.IdempotencyRecord) (existing *domain.IdempotencyRecord, reserved bool, err error)
	CompleteIdempotencyKey(ctx context.Context, accountID uuid.UUID, key string, response []byte) error

	// InsertPayment stores p unless a payment with the same reference exists.
	InsertPayment(ctx context.Context, p *domain.Payment) (inserted bool, err error)
	LockPayment(ctx context.Context, reference string) (*domain.Payment, error)
	UpdatePayment(ctx context.Context, p *domain.Payment) error

	EnqueueEvent(ctx context.Context, event *domain.LedgerEvent) error
}
