package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/transfa/ledger-service/internal/domain"
)

// pgLedgerTx is the LedgerTx handed to Atomic callbacks. Every method runs on the same pgx.Tx.
type pgLedgerTx struct {
	tx pgx.Tx
}

// sortAccountIDs returns the distinct ids in ascending byte order, which matches
// PostgreSQL's uuid ordering. Locking in this order keeps two transfers over the
// same pair of accounts from deadlocking.
func sortAccountIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}

func (t *pgLedgerTx) LockAccounts(ctx context.Context, accountIDs ...uuid.UUID) (map[uuid.UUID]*domain.Account, error) {
	locked := make(map[uuid.UUID]*domain.Account, len(accountIDs))
	for _, id := range sortAccountIDs(accountIDs) {
		account, err := scanAccount(t.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return nil, err
		}
		locked[id] = account
	}
	return locked, nil
}

func (t *pgLedgerTx) Debit(ctx context.Context, accountID uuid.UUID, amount int64) (BalanceChange, error) {
	return t.applyDelta(ctx, accountID, -amount)
}

func (t *pgLedgerTx) Credit(ctx context.Context, accountID uuid.UUID, amount int64) (BalanceChange, error) {
	return t.applyDelta(ctx, accountID, amount)
}

func (t *pgLedgerTx) applyDelta(ctx context.Context, accountID uuid.UUID, delta int64) (BalanceChange, error) {
	if delta == 0 {
		return BalanceChange{}, domain.ErrInvalidAmount
	}

	var (
		balance  int64
		status   string
		currency string
	)
	err := t.tx.QueryRow(ctx, `SELECT balance, status, currency FROM accounts WHERE id = $1 FOR UPDATE`, accountID).
		Scan(&balance, &status, &currency)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BalanceChange{}, ErrAccountNotFound
		}
		return BalanceChange{}, err
	}
	if domain.AccountStatus(status) != domain.AccountStatusActive {
		return BalanceChange{}, fmt.Errorf("%w: account %s is %s", ErrAccountNotActive, accountID, status)
	}
	if delta < 0 && balance < -delta {
		return BalanceChange{}, ErrInsufficientFunds
	}

	var after int64
	if err := t.tx.QueryRow(ctx, `
		UPDATE accounts
		SET balance = balance + $2, updated_at = NOW()
		WHERE id = $1
		RETURNING balance
	`, accountID, delta).Scan(&after); err != nil {
		return BalanceChange{}, fmt.Errorf("update balance: %w", err)
	}

	return BalanceChange{AccountID: accountID, Currency: currency, Before: balance, After: after}, nil
}

func (t *pgLedgerTx) AppendTransaction(ctx context.Context, entry *domain.Transaction) error {
	if err := entry.ValidateBalances(); err != nil {
		return err
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Status == "" {
		entry.Status = domain.TransactionStatusCompleted
	}
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.Status == domain.TransactionStatusCompleted && entry.CompletedAt == nil {
		entry.CompletedAt = &entry.CreatedAt
	}
	metadata := entry.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	blob, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal transaction metadata: %w", err)
	}

	query := `
		INSERT INTO ledger_transactions (
			id, reference, account_id, kind, amount, currency, status,
			balance_before, balance_after, description, metadata,
			counterparty_account_id, created_at, completed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, $12, $13, $14)
		RETURNING sequence
	`
	err = t.tx.QueryRow(ctx, query,
		entry.ID,
		entry.Reference,
		entry.AccountID,
		string(entry.Kind),
		entry.Amount,
		entry.Currency,
		string(entry.Status),
		entry.BalanceBefore,
		entry.BalanceAfter,
		entry.Description,
		string(blob),
		entry.CounterpartyAccountID,
		entry.CreatedAt,
		entry.CompletedAt,
	).Scan(&entry.Sequence)
	if err != nil {
		if _, unique := isUniqueViolation(err); unique {
			return fmt.Errorf("%w: %s", ErrDuplicateReference, entry.Reference)
		}
		return fmt.Errorf("append transaction: %w", err)
	}
	return nil
}

func (t *pgLedgerTx) ReserveIdempotencyKey(ctx context.Context, rec domain.IdempotencyRecord) (*domain.IdempotencyRecord, bool, error) {
	insertQuery := `
		INSERT INTO idempotency_keys (
			account_id,
			idempotency_key,
			operation,
			request_hash,
			status,
			created_at,
			updated_at
		)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (account_id, idempotency_key) DO NOTHING
	`
	insertResult, err := t.tx.Exec(ctx, insertQuery,
		rec.AccountID,
		rec.Key,
		rec.Operation,
		rec.RequestHash,
		domain.IdempotencyStatusProcessing,
	)
	if err != nil {
		return nil, false, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if insertResult.RowsAffected() == 1 {
		return nil, true, nil
	}

	// A concurrent holder of the same key blocks the insert above until it commits,
	// so at this point the row is visible and settled.
	existing, err := scanIdempotencyRecord(t.tx.QueryRow(ctx, `
		SELECT account_id, idempotency_key, operation, request_hash, status, response_payload, created_at, updated_at
		FROM idempotency_keys
		WHERE account_id = $1 AND idempotency_key = $2
		FOR UPDATE
	`, rec.AccountID, rec.Key))
	if err != nil {
		if errors.Is(err, ErrIdempotencyNotFound) {
			return nil, false, ErrIdempotencyInFlight
		}
		return nil, false, fmt.Errorf("load idempotency key: %w", err)
	}
	return existing, false, nil
}

func (t *pgLedgerTx) CompleteIdempotencyKey(ctx context.Context, accountID uuid.UUID, key string, response []byte) error {
	result, err := t.tx.Exec(ctx, `
		UPDATE idempotency_keys
		SET status = $3,
			response_payload = $4::jsonb,
			updated_at = NOW()
		WHERE account_id = $1 AND idempotency_key = $2
	`, accountID, key, domain.IdempotencyStatusCompleted, string(response))
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrIdempotencyNotFound
	}
	return nil
}

func (t *pgLedgerTx) InsertPayment(ctx context.Context, p *domain.Payment) (bool, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	recipient, err := json.Marshal(p.Recipient)
	if err != nil {
		return false, fmt.Errorf("marshal payment recipient: %w", err)
	}

	result, err := t.tx.Exec(ctx, `
		INSERT INTO payments (
			id, reference, account_id, method, amount, currency, status, description,
			recipient, authorization_url, access_code, gateway_status, failure_reason,
			linked_transaction_id, created_at, updated_at, completed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (reference) DO NOTHING
	`,
		p.ID,
		strings.TrimSpace(p.Reference),
		p.AccountID,
		string(p.Method),
		p.Amount,
		p.Currency,
		string(p.Status),
		p.Description,
		string(recipient),
		p.AuthorizationURL,
		p.AccessCode,
		p.GatewayStatus,
		p.FailureReason,
		p.LinkedTransactionID,
		p.CreatedAt,
		p.UpdatedAt,
		p.CompletedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert payment: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

func (t *pgLedgerTx) LockPayment(ctx context.Context, reference string) (*domain.Payment, error) {
	return scanPayment(t.tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE reference = $1 FOR UPDATE`, strings.TrimSpace(reference)))
}

func (t *pgLedgerTx) UpdatePayment(ctx context.Context, p *domain.Payment) error {
	p.UpdatedAt = time.Now().UTC()
	result, err := t.tx.Exec(ctx, `
		UPDATE payments
		SET status = $2,
			authorization_url = $3,
			access_code = $4,
			gateway_status = $5,
			failure_reason = $6,
			linked_transaction_id = $7,
			updated_at = $8,
			completed_at = $9
		WHERE reference = $1
	`,
		p.Reference,
		string(p.Status),
		p.AuthorizationURL,
		p.AccessCode,
		p.GatewayStatus,
		p.FailureReason,
		p.LinkedTransactionID,
		p.UpdatedAt,
		p.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (t *pgLedgerTx) EnqueueEvent(ctx context.Context, event *domain.LedgerEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO ledger_events (id, routing_key, payload, status, next_attempt_at, created_at)
		VALUES ($1, $2, $3::jsonb, 'pending', NOW(), NOW())
	`, event.ID, strings.TrimSpace(event.RoutingKey), string(event.Payload))
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return nil
}
