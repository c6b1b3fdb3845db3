package app

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
)

// TransactionQuery is the caller-facing filter for the transaction history.
// Page is 1-based; Kind and Status are the wire names and may be empty.
type TransactionQuery struct {
	AccountID uuid.UUID
	Kind      string
	Status    string
	Reference string
	Page      int
	Limit     int
}

// TransactionPage is one newest-first page of the history.
type TransactionPage struct {
	Transactions []domain.Transaction `json:"transactions"`
	Page         int                  `json:"page"`
	Limit        int                  `json:"limit"`
}

// ListTransactions returns a page of the account's ledger.
func (s *Service) ListTransactions(ctx context.Context, q TransactionQuery) (*TransactionPage, error) {
	opts := domain.TransactionListOptions{
		AccountID: q.AccountID,
		Reference: q.Reference,
		Limit:     q.Limit,
	}
	if strings.TrimSpace(q.Kind) != "" {
		kind, err := domain.ParseTransactionKind(q.Kind)
		if err != nil {
			return nil, err
		}
		opts.Kind = &kind
	}
	if strings.TrimSpace(q.Status) != "" {
		status, err := domain.ParseTransactionStatus(q.Status)
		if err != nil {
			return nil, err
		}
		opts.Status = &status
	}
	page := q.Page
	if page < 1 {
		page = 1
	}
	opts.Normalize()
	opts.Offset = (page - 1) * opts.Limit

	transactions, err := s.repo.ListTransactions(ctx, opts)
	if err != nil {
		return nil, err
	}
	if transactions == nil {
		transactions = []domain.Transaction{}
	}
	return &TransactionPage{Transactions: transactions, Page: page, Limit: opts.Limit}, nil
}

// GetTransaction resolves idOrReference to the caller's entries. A UUID matches one entry;
// anything else is treated as a reference and may return both legs of a transfer when
// the caller owns them.
func (s *Service) GetTransaction(ctx context.Context, accountID uuid.UUID, idOrReference string) ([]domain.Transaction, error) {
	idOrReference = strings.TrimSpace(idOrReference)
	if id, err := uuid.Parse(idOrReference); err == nil {
		entry, err := s.repo.FindTransactionByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if entry.AccountID != accountID {
			return nil, store.ErrTransactionNotFound
		}
		return []domain.Transaction{*entry}, nil
	}

	entries, err := s.repo.FindTransactionsByReference(ctx, idOrReference)
	if err != nil {
		return nil, err
	}
	owned := make([]domain.Transaction, 0, len(entries))
	for _, entry := range entries {
		if entry.AccountID == accountID {
			owned = append(owned, entry)
		}
	}
	if len(owned) == 0 {
		return nil, store.ErrTransactionNotFound
	}
	return owned, nil
}

// GetPayment returns the caller's payment without contacting the gateway.
func (s *Service) GetPayment(ctx context.Context, accountID uuid.UUID, reference string) (*domain.Payment, error) {
	payment, err := s.repo.FindPaymentByReference(ctx, strings.TrimSpace(reference))
	if err != nil {
		return nil, err
	}
	if payment.AccountID != accountID {
		return nil, store.ErrPaymentNotFound
	}
	return payment, nil
}

func (s *Service) GetAccount(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	return s.repo.FindAccountByID(ctx, accountID)
}

// ReconcileAccount replays the account's log from zero in commit order and compares the
// result with the stored balance. The first entry whose balance_before does not continue
// the chain, or whose own arithmetic is off, is reported.
func (s *Service) ReconcileAccount(ctx context.Context, accountID uuid.UUID) (*domain.ReconciliationReport, error) {
	account, err := s.repo.FindAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	entries, err := s.repo.ListAccountLedger(ctx, accountID)
	if err != nil {
		return nil, err
	}

	report := &domain.ReconciliationReport{
		AccountID:     accountID,
		StoredBalance: account.Balance,
		EntryCount:    len(entries),
		CheckedAt:     time.Now().UTC(),
	}
	var running int64
	for i := range entries {
		entry := entries[i]
		if entry.Status != domain.TransactionStatusCompleted {
			continue
		}
		if report.FirstBrokenEntry == nil && (entry.BalanceBefore != running || entry.ValidateBalances() != nil) {
			id := entry.ID
			report.FirstBrokenEntry = &id
		}
		running += entry.Kind.Sign() * entry.Amount
	}
	report.ReplayedBalance = running
	report.Consistent = report.FirstBrokenEntry == nil && running == account.Balance
	if !report.Consistent {
		log.Printf("level=error component=ledger msg=\"reconciliation mismatch\" account_id=%s stored_balance=%d replayed_balance=%d entries=%d", accountID, report.StoredBalance, report.ReplayedBalance, report.EntryCount)
	}
	return report, nil
}
