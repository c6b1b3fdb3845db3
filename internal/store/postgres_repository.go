/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * Reads run straight against the pool. Writes that touch balances run through
 * `Atomic`, which opens one pgx transaction and hands a `pgLedgerTx` to the caller.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/ledger-service/internal/domain"
)

const (
	accountColumns     = `id, owner_id, account_number, balance, currency, status, created_at, updated_at`
	transactionColumns = `id, reference, account_id, kind, amount, currency, status, balance_before, balance_after,
		description, metadata, counterparty_account_id, sequence, created_at, completed_at`
	paymentColumns = `id, reference, account_id, method, amount, currency, status, description, recipient,
		authorization_url, access_code, gateway_status, failure_reason, linked_transaction_id,
		created_at, updated_at, completed_at`
)

const accountNumberAttempts = 5

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db        *pgxpool.Pool
	isolation pgx.TxIsoLevel
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository creates a new instance of PostgresRepository using READ COMMITTED
// plus explicit row locks for ledger units.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db, isolation: pgx.ReadCommitted}
}

// ConfigureIsolation switches the isolation level used by Atomic.
func (r *PostgresRepository) ConfigureIsolation(level string) error {
	isolation, err := ParseIsolationLevel(level)
	if err != nil {
		return err
	}
	r.isolation = isolation
	return nil
}

// ParseIsolationLevel maps a config value such as "repeatable_read" to a pgx level.
func ParseIsolationLevel(level string) (pgx.TxIsoLevel, error) {
	switch strings.ToLower(strings.TrimSpace(strings.ReplaceAll(level, " ", "_"))) {
	case "", "read_committed":
		return pgx.ReadCommitted, nil
	case "repeatable_read":
		return pgx.RepeatableRead, nil
	case "serializable":
		return pgx.Serializable, nil
	default:
		return "", fmt.Errorf("unsupported ledger isolation level %q", level)
	}
}

// Atomic runs fn inside one database transaction. Any error from fn rolls everything back.
func (r *PostgresRepository) Atomic(ctx context.Context, fn func(tx LedgerTx) error) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: r.isolation})
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgLedgerTx{tx: tx}); err != nil {
		return mapPgError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit ledger tx: %w", mapPgError(err))
	}
	return nil
}

// mapPgError turns serialization failures and deadlocks into ErrConcurrencyConflict.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001", "40P01":
		return fmt.Errorf("%w: %w", ErrConcurrencyConflict, err)
	default:
		return err
	}
}

func isUniqueViolation(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pgErr, true
	}
	return nil, false
}

func isUndefinedTableError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}

// CreateAccount inserts a new account with a zero balance. An empty AccountNumber gets a
// generated 10-digit number; collisions are retried.
func (r *PostgresRepository) CreateAccount(ctx context.Context, account *domain.Account) (*domain.Account, error) {
	if account == nil || strings.TrimSpace(account.OwnerID) == "" {
		return nil, fmt.Errorf("%w: owner id is required", domain.ErrValidation)
	}
	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	if account.Status == "" {
		account.Status = domain.AccountStatusPending
	}
	generated := strings.TrimSpace(account.AccountNumber) == ""

	query := `
		INSERT INTO accounts (id, owner_id, account_number, balance, currency, status, created_at, updated_at)
		VALUES ($1, $2, $3, 0, $4, $5, NOW(), NOW())
		RETURNING ` + accountColumns

	for attempt := 0; attempt < accountNumberAttempts; attempt++ {
		if generated {
			number, err := generateAccountNumber()
			if err != nil {
				return nil, err
			}
			account.AccountNumber = number
		}
		created, err := scanAccount(r.db.QueryRow(ctx, query,
			account.ID,
			strings.TrimSpace(account.OwnerID),
			account.AccountNumber,
			strings.ToUpper(account.Currency),
			string(account.Status),
		))
		if err == nil {
			return created, nil
		}
		pgErr, unique := isUniqueViolation(err)
		if !unique {
			return nil, err
		}
		if strings.Contains(pgErr.ConstraintName, "owner_id") || strings.Contains(pgErr.ConstraintName, "pkey") {
			return nil, ErrAccountExists
		}
		if !generated {
			return nil, ErrAccountExists
		}
	}
	return nil, fmt.Errorf("could not allocate a unique account number after %d attempts", accountNumberAttempts)
}

func generateAccountNumber() (string, error) {
	// 10 digits, never starting with zero.
	n, err := rand.Int(rand.Reader, big.NewInt(9_000_000_000))
	if err != nil {
		return "", fmt.Errorf("generate account number: %w", err)
	}
	return fmt.Sprintf("%010d", n.Int64()+1_000_000_000), nil
}

// FindAccountByID retrieves an account by its primary key.
func (r *PostgresRepository) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	return scanAccount(r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID))
}

// FindAccountByOwnerID retrieves the account belonging to an authenticated owner.
func (r *PostgresRepository) FindAccountByOwnerID(ctx context.Context, ownerID string) (*domain.Account, error) {
	return scanAccount(r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE owner_id = $1`, strings.TrimSpace(ownerID)))
}

// FindAccountByNumber retrieves an account by its public account number.
func (r *PostgresRepository) FindAccountByNumber(ctx context.Context, accountNumber string) (*domain.Account, error) {
	return scanAccount(r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE account_number = $1`, strings.TrimSpace(accountNumber)))
}

// UpdateAccountStatus moves an account through its lifecycle under a row lock.
func (r *PostgresRepository) UpdateAccountStatus(ctx context.Context, accountID uuid.UUID, status domain.AccountStatus) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin status tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var current string
	if err := tx.QueryRow(ctx, `SELECT status FROM accounts WHERE id = $1 FOR UPDATE`, accountID).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrAccountNotFound
		}
		return err
	}
	if !domain.CanTransitionAccountStatus(domain.AccountStatus(current), status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStatusChange, current, status)
	}
	if _, err := tx.Exec(ctx, `UPDATE accounts SET status = $2, updated_at = NOW() WHERE id = $1`, accountID, string(status)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// FindTransactionByID retrieves a single ledger entry.
func (r *PostgresRepository) FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	entry, err := scanTransaction(r.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM ledger_transactions WHERE id = $1`, transactionID))
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// FindTransactionsByReference returns every leg written under reference, in commit order.
func (r *PostgresRepository) FindTransactionsByReference(ctx context.Context, reference string) ([]domain.Transaction, error) {
	rows, err := r.db.Query(ctx, `SELECT `+transactionColumns+` FROM ledger_transactions WHERE reference = $1 ORDER BY sequence ASC`, strings.TrimSpace(reference))
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

// ListTransactions returns a newest-first page of an account's ledger.
func (r *PostgresRepository) ListTransactions(ctx context.Context, opts domain.TransactionListOptions) ([]domain.Transaction, error) {
	opts.Normalize()
	query, args := buildTransactionListQuery(opts)
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

func buildTransactionListQuery(opts domain.TransactionListOptions) (string, []any) {
	var (
		where = []string{"account_id = $1"}
		args  = []any{opts.AccountID}
	)
	if opts.Kind != nil {
		args = append(args, string(*opts.Kind))
		where = append(where, fmt.Sprintf("kind = $%d", len(args)))
	}
	if opts.Status != nil {
		args = append(args, string(*opts.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if opts.Reference != "" {
		args = append(args, opts.Reference)
		where = append(where, fmt.Sprintf("reference = $%d", len(args)))
	}
	args = append(args, opts.Limit, opts.Offset)

	query := fmt.Sprintf(
		`SELECT %s FROM ledger_transactions WHERE %s ORDER BY sequence DESC LIMIT $%d OFFSET $%d`,
		transactionColumns,
		strings.Join(where, " AND "),
		len(args)-1,
		len(args),
	)
	return query, args
}

// ListAccountLedger returns every entry of an account oldest first.
func (r *PostgresRepository) ListAccountLedger(ctx context.Context, accountID uuid.UUID) ([]domain.Transaction, error) {
	rows, err := r.db.Query(ctx, `SELECT `+transactionColumns+` FROM ledger_transactions WHERE account_id = $1 ORDER BY sequence ASC`, accountID)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

// FindPaymentByReference retrieves a payment by its gateway reference.
func (r *PostgresRepository) FindPaymentByReference(ctx context.Context, reference string) (*domain.Payment, error) {
	return scanPayment(r.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE reference = $1`, strings.TrimSpace(reference)))
}

// ListStalePayments returns pending or processing payments last touched before olderThan.
func (r *PostgresRepository) ListStalePayments(ctx context.Context, olderThan time.Time, limit int) ([]domain.Payment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE status IN ('pending', 'processing') AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := make([]domain.Payment, 0, limit)
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *payment)
	}
	return payments, rows.Err()
}

// FindIdempotencyRecord reads a registry row without locking it.
func (r *PostgresRepository) FindIdempotencyRecord(ctx context.Context, accountID uuid.UUID, key string) (*domain.IdempotencyRecord, error) {
	record, err := scanIdempotencyRecord(r.db.QueryRow(ctx, `
		SELECT account_id, idempotency_key, operation, request_hash, status, response_payload, created_at, updated_at
		FROM idempotency_keys
		WHERE account_id = $1 AND idempotency_key = $2
	`, accountID, key))
	if err != nil {
		if isUndefinedTableError(err) {
			return nil, ErrIdempotencyNotFound
		}
		return nil, err
	}
	return record, nil
}

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	var (
		account domain.Account
		status  string
	)
	err := row.Scan(
		&account.ID,
		&account.OwnerID,
		&account.AccountNumber,
		&account.Balance,
		&account.Currency,
		&status,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	account.Status = domain.AccountStatus(status)
	return &account, nil
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var (
		entry    domain.Transaction
		kind     string
		status   string
		metadata []byte
	)
	err := row.Scan(
		&entry.ID,
		&entry.Reference,
		&entry.AccountID,
		&kind,
		&entry.Amount,
		&entry.Currency,
		&status,
		&entry.BalanceBefore,
		&entry.BalanceAfter,
		&entry.Description,
		&metadata,
		&entry.CounterpartyAccountID,
		&entry.Sequence,
		&entry.CreatedAt,
		&entry.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	entry.Kind = domain.TransactionKind(kind)
	entry.Status = domain.TransactionStatus(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for transaction %s: %w", entry.ID, err)
		}
	}
	return &entry, nil
}

func collectTransactions(rows pgx.Rows) ([]domain.Transaction, error) {
	defer rows.Close()
	entries := make([]domain.Transaction, 0)
	for rows.Next() {
		entry, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func scanPayment(row rowScanner) (*domain.Payment, error) {
	var (
		payment   domain.Payment
		method    string
		status    string
		recipient []byte
	)
	err := row.Scan(
		&payment.ID,
		&payment.Reference,
		&payment.AccountID,
		&method,
		&payment.Amount,
		&payment.Currency,
		&status,
		&payment.Description,
		&recipient,
		&payment.AuthorizationURL,
		&payment.AccessCode,
		&payment.GatewayStatus,
		&payment.FailureReason,
		&payment.LinkedTransactionID,
		&payment.CreatedAt,
		&payment.UpdatedAt,
		&payment.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	payment.Method = domain.PaymentMethod(method)
	payment.Status = domain.PaymentStatus(status)
	if len(recipient) > 0 {
		if err := json.Unmarshal(recipient, &payment.Recipient); err != nil {
			return nil, fmt.Errorf("decode recipient for payment %s: %w", payment.Reference, err)
		}
	}
	return &payment, nil
}

func scanIdempotencyRecord(row rowScanner) (*domain.IdempotencyRecord, error) {
	var (
		record   domain.IdempotencyRecord
		response []byte
	)
	err := row.Scan(
		&record.AccountID,
		&record.Key,
		&record.Operation,
		&record.RequestHash,
		&record.Status,
		&response,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIdempotencyNotFound
		}
		return nil, err
	}
	if len(response) > 0 {
		record.Response = json.RawMessage(response)
	}
	return &record, nil
}
