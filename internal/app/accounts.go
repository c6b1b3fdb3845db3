package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
)

// OpenAccount provisions a pending zero-balance account for ownerID. Opening an owner
// that already has an account returns the existing one.
func (s *Service) OpenAccount(ctx context.Context, ownerID, currency string) (*domain.Account, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner id is required", domain.ErrValidation)
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = s.policy.Currency
	}
	if currency != s.policy.Currency {
		return nil, fmt.Errorf("%w: ledger only carries %s accounts", domain.ErrCurrencyMismatch, s.policy.Currency)
	}

	account, err := s.repo.CreateAccount(ctx, &domain.Account{
		OwnerID:  ownerID,
		Currency: currency,
		Status:   domain.AccountStatusPending,
	})
	if errors.Is(err, store.ErrAccountExists) {
		return s.repo.FindAccountByOwnerID(ctx, ownerID)
	}
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=ledger msg=\"account opened\" owner_id=%s account_id=%s account_number=%s", ownerID, account.ID, account.AccountNumber)
	return account, nil
}

// ChangeAccountStatus moves the owner's account along the lifecycle. Activating an owner
// without an account opens one first.
func (s *Service) ChangeAccountStatus(ctx context.Context, ownerID string, status domain.AccountStatus) error {
	account, err := s.repo.FindAccountByOwnerID(ctx, strings.TrimSpace(ownerID))
	if errors.Is(err, store.ErrAccountNotFound) && status == domain.AccountStatusActive {
		account, err = s.OpenAccount(ctx, ownerID, "")
	}
	if err != nil {
		return err
	}
	if account.Status == status {
		return nil
	}
	if err := s.repo.UpdateAccountStatus(ctx, account.ID, status); err != nil {
		return err
	}
	log.Printf("level=info component=ledger msg=\"account status changed\" account_id=%s from=%s to=%s", account.ID, account.Status, status)
	return nil
}
