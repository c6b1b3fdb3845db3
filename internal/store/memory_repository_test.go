package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/domain"
)

func newActiveAccount(t *testing.T, repo *MemoryRepository, owner string) *domain.Account {
	t.Helper()
	account, err := repo.CreateAccount(context.Background(), &domain.Account{OwnerID: owner, Currency: "NGN"})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if err := repo.UpdateAccountStatus(context.Background(), account.ID, domain.AccountStatusActive); err != nil {
		t.Fatalf("activate account: %v", err)
	}
	return account
}

func creditAccount(t *testing.T, repo *MemoryRepository, accountID uuid.UUID, amount int64, reference string) {
	t.Helper()
	err := repo.Atomic(context.Background(), func(tx LedgerTx) error {
		change, err := tx.Credit(context.Background(), accountID, amount)
		if err != nil {
			return err
		}
		return tx.AppendTransaction(context.Background(), &domain.Transaction{
			Reference:     reference,
			AccountID:     accountID,
			Kind:          domain.KindDeposit,
			Amount:        amount,
			Currency:      change.Currency,
			BalanceBefore: change.Before,
			BalanceAfter:  change.After,
		})
	})
	if err != nil {
		t.Fatalf("credit account: %v", err)
	}
}

func TestMemoryCreateAccountRejectsDuplicateOwner(t *testing.T) {
	repo := NewMemoryRepository()
	first, err := repo.CreateAccount(context.Background(), &domain.Account{OwnerID: "user_1", Currency: "ngn"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Status != domain.AccountStatusPending || first.Currency != "NGN" || len(first.AccountNumber) != 10 {
		t.Fatalf("unexpected account defaults: %+v", first)
	}
	if _, err := repo.CreateAccount(context.Background(), &domain.Account{OwnerID: "user_1", Currency: "NGN"}); !errors.Is(err, ErrAccountExists) {
		t.Fatalf("expected ErrAccountExists, got %v", err)
	}
}

func TestMemoryAtomicRollsBackOnError(t *testing.T) {
	repo := NewMemoryRepository()
	account := newActiveAccount(t, repo, "user_1")
	creditAccount(t, repo, account.ID, 5000, "seed")

	boom := errors.New("boom")
	err := repo.Atomic(context.Background(), func(tx LedgerTx) error {
		if _, err := tx.Debit(context.Background(), account.ID, 2000); err != nil {
			return err
		}
		event, _ := domain.NewLedgerEvent(domain.RoutingKeyTransactionCompleted, map[string]string{"k": "v"})
		if err := tx.EnqueueEvent(context.Background(), event); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	got, _ := repo.FindAccountByID(context.Background(), account.ID)
	if got.Balance != 5000 {
		t.Fatalf("expected balance 5000 after rollback, got %d", got.Balance)
	}
	if events := repo.Events(); len(events) != 0 {
		t.Fatalf("expected no outbox events after rollback, got %d", len(events))
	}
}

func TestMemoryDebitRejectsOverdraftAndInactiveAccounts(t *testing.T) {
	repo := NewMemoryRepository()
	account := newActiveAccount(t, repo, "user_1")
	creditAccount(t, repo, account.ID, 1000, "seed")

	err := repo.Atomic(context.Background(), func(tx LedgerTx) error {
		_, err := tx.Debit(context.Background(), account.ID, 1001)
		return err
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	if err := repo.UpdateAccountStatus(context.Background(), account.ID, domain.AccountStatusFrozen); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	err = repo.Atomic(context.Background(), func(tx LedgerTx) error {
		_, err := tx.Credit(context.Background(), account.ID, 1)
		return err
	})
	if !errors.Is(err, ErrAccountNotActive) {
		t.Fatalf("expected ErrAccountNotActive, got %v", err)
	}
}

func TestMemoryAppendTransactionRejectsDuplicateReference(t *testing.T) {
	repo := NewMemoryRepository()
	account := newActiveAccount(t, repo, "user_1")
	creditAccount(t, repo, account.ID, 1000, "ref-1")

	err := repo.Atomic(context.Background(), func(tx LedgerTx) error {
		change, err := tx.Credit(context.Background(), account.ID, 500)
		if err != nil {
			return err
		}
		return tx.AppendTransaction(context.Background(), &domain.Transaction{
			Reference:     "ref-1",
			AccountID:     account.ID,
			Kind:          domain.KindDeposit,
			Amount:        500,
			Currency:      "NGN",
			BalanceBefore: change.Before,
			BalanceAfter:  change.After,
		})
	})
	if !errors.Is(err, ErrDuplicateReference) {
		t.Fatalf("expected ErrDuplicateReference, got %v", err)
	}
	got, _ := repo.FindAccountByID(context.Background(), account.ID)
	if got.Balance != 1000 {
		t.Fatalf("expected balance 1000, got %d", got.Balance)
	}
}

func TestMemoryAppendTransactionValidatesBalances(t *testing.T) {
	repo := NewMemoryRepository()
	account := newActiveAccount(t, repo, "user_1")

	err := repo.Atomic(context.Background(), func(tx LedgerTx) error {
		return tx.AppendTransaction(context.Background(), &domain.Transaction{
			Reference:     "bad",
			AccountID:     account.ID,
			Kind:          domain.KindDeposit,
			Amount:        500,
			Currency:      "NGN",
			BalanceBefore: 0,
			BalanceAfter:  400,
		})
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestMemoryListTransactionsNewestFirstWithFilters(t *testing.T) {
	repo := NewMemoryRepository()
	account := newActiveAccount(t, repo, "user_1")
	other := newActiveAccount(t, repo, "user_2")
	for _, ref := range []string{"a", "b", "c"} {
		creditAccount(t, repo, account.ID, 100, ref)
	}
	creditAccount(t, repo, other.ID, 100, "other")

	page, err := repo.ListTransactions(context.Background(), domain.TransactionListOptions{AccountID: account.ID, Limit: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page) != 2 || page[0].Reference != "c" || page[1].Reference != "b" {
		t.Fatalf("unexpected first page: %+v", page)
	}
	if page[0].Sequence <= page[1].Sequence {
		t.Fatalf("expected descending sequence, got %d then %d", page[0].Sequence, page[1].Sequence)
	}

	next, _ := repo.ListTransactions(context.Background(), domain.TransactionListOptions{AccountID: account.ID, Limit: 2, Offset: 2})
	if len(next) != 1 || next[0].Reference != "a" {
		t.Fatalf("unexpected second page: %+v", next)
	}

	kind := domain.KindWithdrawal
	filtered, _ := repo.ListTransactions(context.Background(), domain.TransactionListOptions{AccountID: account.ID, Kind: &kind})
	if len(filtered) != 0 {
		t.Fatalf("expected no withdrawals, got %d", len(filtered))
	}

	ledger, _ := repo.ListAccountLedger(context.Background(), account.ID)
	if len(ledger) != 3 || ledger[0].Reference != "a" {
		t.Fatalf("expected oldest-first ledger of 3, got %+v", ledger)
	}
}

func TestMemoryReserveIdempotencyKey(t *testing.T) {
	repo := NewMemoryRepository()
	account := newActiveAccount(t, repo, "user_1")
	rec := domain.IdempotencyRecord{AccountID: account.ID, Key: "k1", Operation: domain.OperationDeposit, RequestHash: "h1"}

	err := repo.Atomic(context.Background(), func(tx LedgerTx) error {
		existing, reserved, err := tx.ReserveIdempotencyKey(context.Background(), rec)
		if err != nil {
			return err
		}
		if !reserved || existing != nil {
			t.Fatalf("expected fresh reservation")
		}
		return tx.CompleteIdempotencyKey(context.Background(), account.ID, "k1", []byte(`{"ok":true}`))
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = repo.Atomic(context.Background(), func(tx LedgerTx) error {
		existing, reserved, err := tx.ReserveIdempotencyKey(context.Background(), rec)
		if err != nil {
			return err
		}
		if reserved || existing == nil {
			t.Fatalf("expected existing record on reuse")
		}
		if existing.Status != domain.IdempotencyStatusCompleted || string(existing.Response) != `{"ok":true}` {
			t.Fatalf("unexpected stored record: %+v", existing)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := repo.FindIdempotencyRecord(context.Background(), uuid.New(), "k1"); !errors.Is(err, ErrIdempotencyNotFound) {
		t.Fatalf("keys must be scoped per account, got %v", err)
	}
}

func TestMemoryOutboxClaimAndRetry(t *testing.T) {
	repo := NewMemoryRepository()
	err := repo.Atomic(context.Background(), func(tx LedgerTx) error {
		for i := 0; i < 3; i++ {
			event, err := domain.NewLedgerEvent(domain.RoutingKeyTransactionCompleted, map[string]int{"i": i})
			if err != nil {
				return err
			}
			if err := tx.EnqueueEvent(context.Background(), event); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, err := repo.ClaimPendingEvents(context.Background(), 2, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 2 || claimed[0].Attempts != 1 || claimed[0].Status != domain.EventStatusProcessing {
		t.Fatalf("unexpected claim: %+v", claimed)
	}

	again, _ := repo.ClaimPendingEvents(context.Background(), 10, time.Minute)
	if len(again) != 1 {
		t.Fatalf("expected only the unclaimed event, got %d", len(again))
	}

	if err := repo.MarkEventPublished(context.Background(), claimed[0].ID); err != nil {
		t.Fatalf("mark published: %v", err)
	}
	if err := repo.MarkEventFailed(context.Background(), claimed[1].ID, time.Hour, "broker down", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := repo.MarkEventFailed(context.Background(), uuid.New(), time.Second, "x", false); !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}

	statuses := map[uuid.UUID]domain.EventStatus{}
	for _, event := range repo.Events() {
		statuses[event.ID] = event.Status
	}
	if statuses[claimed[0].ID] != domain.EventStatusPublished {
		t.Fatalf("expected published, got %s", statuses[claimed[0].ID])
	}
	if statuses[claimed[1].ID] != domain.EventStatusPending {
		t.Fatalf("expected pending retry, got %s", statuses[claimed[1].ID])
	}
	if due, _ := repo.ClaimPendingEvents(context.Background(), 10, time.Minute); len(due) != 0 {
		t.Fatalf("expected retry to be scheduled in the future, got %d due", len(due))
	}
}

func TestMemoryPaymentsInsertOnceAndListStale(t *testing.T) {
	repo := NewMemoryRepository()
	account := newActiveAccount(t, repo, "user_1")
	payment := &domain.Payment{
		Reference: "pay-1",
		AccountID: account.ID,
		Method:    domain.MethodMobileMoney,
		Amount:    1500,
		Currency:  "NGN",
		Status:    domain.PaymentStatusPending,
	}

	for i, want := range []bool{true, false} {
		err := repo.Atomic(context.Background(), func(tx LedgerTx) error {
			inserted, err := tx.InsertPayment(context.Background(), payment)
			if err != nil {
				return err
			}
			if inserted != want {
				t.Fatalf("insert %d: expected inserted=%t, got %t", i, want, inserted)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("insert payment: %v", err)
		}
	}

	stale, err := repo.ListStalePayments(context.Background(), time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(stale) != 1 || stale[0].Reference != "pay-1" {
		t.Fatalf("unexpected stale payments: %+v", stale)
	}
	if none, _ := repo.ListStalePayments(context.Background(), time.Now().Add(-time.Hour), 10); len(none) != 0 {
		t.Fatalf("expected fresh payment to be skipped, got %d", len(none))
	}
}

func TestSortAccountIDsIsDeterministic(t *testing.T) {
	a := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	b := uuid.MustParse("00000000-0000-0000-0000-000000000002")
	got := sortAccountIDs([]uuid.UUID{b, a, b})
	if len(got) != 2 || got[0] != a || got[1] != b {
		t.Fatalf("unexpected order: %v", got)
	}
}
