package app

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
)

// MutationRequest is a single-account deposit or withdrawal. Amount is in minor units.
type MutationRequest struct {
	AccountID      uuid.UUID
	Amount         int64
	Description    string
	IdempotencyKey string
	Metadata       map[string]string
}

// TransferRequest moves Amount minor units from the source account to the account
// identified by DestinationAccountNumber.
type TransferRequest struct {
	SourceAccountID          uuid.UUID
	DestinationAccountNumber string
	Amount                   int64
	Description              string
	IdempotencyKey           string
}

// Deposit credits the account and appends one deposit entry.
func (s *Service) Deposit(ctx context.Context, req MutationRequest) (*domain.LedgerResult, error) {
	result, err := s.singleEntry(ctx, domain.OperationDeposit, domain.KindDeposit, "DEP", req)
	s.metrics.ObserveOperation(domain.OperationDeposit, outcomeFor(err))
	return result, err
}

// Withdraw debits the account and appends one withdrawal entry.
func (s *Service) Withdraw(ctx context.Context, req MutationRequest) (*domain.LedgerResult, error) {
	result, err := s.singleEntry(ctx, domain.OperationWithdraw, domain.KindWithdrawal, "WDR", req)
	s.metrics.ObserveOperation(domain.OperationWithdraw, outcomeFor(err))
	return result, err
}

func (s *Service) singleEntry(ctx context.Context, operation string, kind domain.TransactionKind, prefix string, req MutationRequest) (*domain.LedgerResult, error) {
	amount, err := s.policy.FromMinor(req.Amount)
	if err != nil {
		return nil, err
	}
	key, err := normalizeIdempotencyKey(req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	description := strings.TrimSpace(req.Description)
	fields := append([]string{req.AccountID.String(), strconv.FormatInt(amount.Amount, 10), description}, metadataFields(req.Metadata)...)
	hash := requestHash(operation, fields...)

	var replay domain.LedgerResult
	replayed, err := s.lookupReplay(ctx, req.AccountID, key, operation, hash, &replay)
	if err != nil {
		return nil, err
	}
	if replayed {
		replay.Replayed = true
		return &replay, nil
	}

	account, err := s.repo.FindAccountByID(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if err := checkMutable(account, amount, kind.Sign() < 0); err != nil {
		return nil, err
	}

	var result *domain.LedgerResult
	err = s.repo.Atomic(ctx, func(tx store.LedgerTx) error {
		result = nil
		var stored domain.LedgerResult
		replayed, err := s.reserveInUnit(ctx, tx, req.AccountID, key, operation, hash, &stored)
		if err != nil {
			return err
		}
		if replayed {
			stored.Replayed = true
			result = &stored
			return nil
		}

		var change store.BalanceChange
		if kind.Sign() > 0 {
			change, err = tx.Credit(ctx, req.AccountID, amount.Amount)
		} else {
			change, err = tx.Debit(ctx, req.AccountID, amount.Amount)
		}
		if err != nil {
			return err
		}

		entry := &domain.Transaction{
			Reference:     newReference(prefix),
			AccountID:     req.AccountID,
			Kind:          kind,
			Amount:        amount.Amount,
			Currency:      change.Currency,
			BalanceBefore: change.Before,
			BalanceAfter:  change.After,
			Description:   description,
			Metadata:      req.Metadata,
		}
		if err := tx.AppendTransaction(ctx, entry); err != nil {
			return err
		}

		res := &domain.LedgerResult{
			Operation:    operation,
			Reference:    entry.Reference,
			AccountID:    req.AccountID,
			Balance:      change.After,
			Currency:     change.Currency,
			Transactions: []domain.Transaction{*entry},
		}
		if err := enqueueCompleted(ctx, tx, domain.RoutingKeyTransactionCompleted, res, req.Metadata); err != nil {
			return err
		}
		if err := completeInUnit(ctx, tx, req.AccountID, key, res); err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Transfer debits the source and credits the destination in one unit. Both entries
// share a single TRF- reference.
func (s *Service) Transfer(ctx context.Context, req TransferRequest) (*domain.LedgerResult, error) {
	result, err := s.transfer(ctx, req)
	s.metrics.ObserveOperation(domain.OperationTransfer, outcomeFor(err))
	if err != nil {
		log.Printf("level=warn component=ledger msg=\"transfer rejected\" source_account_id=%s err=%q", req.SourceAccountID, err.Error())
	}
	return result, err
}

func (s *Service) transfer(ctx context.Context, req TransferRequest) (*domain.LedgerResult, error) {
	amount, err := s.policy.FromMinor(req.Amount)
	if err != nil {
		return nil, err
	}
	key, err := normalizeIdempotencyKey(req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	destinationNumber := strings.TrimSpace(req.DestinationAccountNumber)
	if destinationNumber == "" {
		return nil, fmt.Errorf("%w: destination_account_number is required", domain.ErrValidation)
	}
	description := strings.TrimSpace(req.Description)
	hash := requestHash(domain.OperationTransfer, req.SourceAccountID.String(), destinationNumber, strconv.FormatInt(amount.Amount, 10), description)

	var replay domain.LedgerResult
	replayed, err := s.lookupReplay(ctx, req.SourceAccountID, key, domain.OperationTransfer, hash, &replay)
	if err != nil {
		return nil, err
	}
	if replayed {
		replay.Replayed = true
		return &replay, nil
	}

	source, err := s.repo.FindAccountByID(ctx, req.SourceAccountID)
	if err != nil {
		return nil, err
	}
	destination, err := s.repo.FindAccountByNumber(ctx, destinationNumber)
	if err != nil {
		return nil, err
	}
	if err := checkTransfer(source, destination, amount); err != nil {
		return nil, err
	}

	var result *domain.LedgerResult
	err = s.repo.Atomic(ctx, func(tx store.LedgerTx) error {
		result = nil
		var stored domain.LedgerResult
		replayed, err := s.reserveInUnit(ctx, tx, source.ID, key, domain.OperationTransfer, hash, &stored)
		if err != nil {
			return err
		}
		if replayed {
			stored.Replayed = true
			result = &stored
			return nil
		}

		locked, err := tx.LockAccounts(ctx, source.ID, destination.ID)
		if err != nil {
			return err
		}
		if err := checkTransfer(locked[source.ID], locked[destination.ID], amount); err != nil {
			return err
		}

		reference := newReference("TRF")
		debit, err := tx.Debit(ctx, source.ID, amount.Amount)
		if err != nil {
			return err
		}
		destinationID := destination.ID
		out := &domain.Transaction{
			Reference:             reference,
			AccountID:             source.ID,
			Kind:                  domain.KindTransferOut,
			Amount:                amount.Amount,
			Currency:              debit.Currency,
			BalanceBefore:         debit.Before,
			BalanceAfter:          debit.After,
			Description:           description,
			CounterpartyAccountID: &destinationID,
		}
		if err := tx.AppendTransaction(ctx, out); err != nil {
			return err
		}

		if s.afterTransferDebit != nil {
			if err := s.afterTransferDebit(ctx, reference); err != nil {
				return err
			}
		}

		credit, err := tx.Credit(ctx, destination.ID, amount.Amount)
		if err != nil {
			return err
		}
		sourceID := source.ID
		in := &domain.Transaction{
			Reference:             reference,
			AccountID:             destination.ID,
			Kind:                  domain.KindTransferIn,
			Amount:                amount.Amount,
			Currency:              credit.Currency,
			BalanceBefore:         credit.Before,
			BalanceAfter:          credit.After,
			Description:           description,
			CounterpartyAccountID: &sourceID,
		}
		if err := tx.AppendTransaction(ctx, in); err != nil {
			return err
		}

		res := &domain.LedgerResult{
			Operation:    domain.OperationTransfer,
			Reference:    reference,
			AccountID:    source.ID,
			Balance:      debit.After,
			Currency:     debit.Currency,
			Transactions: []domain.Transaction{*out, *in},
		}
		if err := enqueueCompleted(ctx, tx, domain.RoutingKeyTransferCompleted, res, nil); err != nil {
			return err
		}
		if err := completeInUnit(ctx, tx, source.ID, key, res); err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !result.Replayed {
		log.Printf("level=info component=ledger msg=\"transfer completed\" reference=%s source_account_id=%s destination_account_id=%s amount=%s", result.Reference, source.ID, destination.ID, domain.FormatMinor(amount.Amount))
	}
	return result, nil
}

// checkMutable applies the single-account preconditions: active, same currency and,
// for debits, enough balance.
func checkMutable(account *domain.Account, amount domain.Money, debit bool) error {
	if !account.CanMutate() {
		return fmt.Errorf("%w: account %s is %s", store.ErrAccountNotActive, account.ID, account.Status)
	}
	if account.Currency != amount.Currency {
		return domain.ErrCurrencyMismatch
	}
	if debit && account.Balance < amount.Amount {
		return store.ErrInsufficientFunds
	}
	return nil
}

// checkTransfer applies the transfer preconditions in order: existence, both active,
// distinct accounts, then funds.
func checkTransfer(source, destination *domain.Account, amount domain.Money) error {
	if source == nil || destination == nil {
		return store.ErrAccountNotFound
	}
	if !source.CanMutate() {
		return fmt.Errorf("%w: source account is %s", store.ErrAccountNotActive, source.Status)
	}
	if !destination.CanMutate() {
		return fmt.Errorf("%w: destination account is %s", store.ErrAccountNotActive, destination.Status)
	}
	if source.ID == destination.ID {
		return fmt.Errorf("%w: %w", domain.ErrValidation, ErrSelfTransfer)
	}
	if source.Currency != destination.Currency || source.Currency != amount.Currency {
		return domain.ErrCurrencyMismatch
	}
	if source.Balance < amount.Amount {
		return store.ErrInsufficientFunds
	}
	return nil
}

func enqueueCompleted(ctx context.Context, tx store.LedgerTx, routingKey string, res *domain.LedgerResult, metadata map[string]string) error {
	event, err := domain.NewLedgerEvent(routingKey, domain.TransactionCompletedEvent{
		Operation:  res.Operation,
		Reference:  res.Reference,
		AccountID:  res.AccountID,
		Entries:    domain.NewEventEntries(res.Transactions),
		Metadata:   metadata,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return tx.EnqueueEvent(ctx, event)
}
