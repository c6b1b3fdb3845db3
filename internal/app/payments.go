package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
	"github.com/transfa/ledger-service/pkg/gatewayclient"
)

const (
	failureAmountMismatch    = "amount_mismatch"
	failureInsufficientFunds = "insufficient_funds"
	failureCurrencyMismatch  = "currency_mismatch"
)

// errCurrencyMismatch rolls back a settlement whose account is not in the charge currency.
var errCurrencyMismatch = errors.New("charge currency differs from account currency")

// Gateway statuses that close a charge without settling it. Anything other than these
// and "success" is treated as still pending.
var terminalFailureStatuses = map[string]struct{}{
	"failed":    {},
	"abandoned": {},
	"reversed":  {},
}

// InitializePaymentRequest starts a gateway charge for the caller's account.
type InitializePaymentRequest struct {
	AccountID      uuid.UUID
	Amount         int64
	Method         string
	Description    string
	Recipient      domain.PaymentRecipient
	IdempotencyKey string
}

// InitializePayment creates the gateway charge and persists it as a pending payment.
// The ledger is not touched until the charge is verified.
func (s *Service) InitializePayment(ctx context.Context, req InitializePaymentRequest) (*domain.PaymentAuthorization, error) {
	auth, err := s.initializePayment(ctx, req)
	s.metrics.ObserveOperation(domain.OperationPaymentInitialize, outcomeFor(err))
	return auth, err
}

func (s *Service) initializePayment(ctx context.Context, req InitializePaymentRequest) (*domain.PaymentAuthorization, error) {
	amount, err := s.policy.FromMinor(req.Amount)
	if err != nil {
		return nil, err
	}
	method, err := domain.ParsePaymentMethod(req.Method)
	if err != nil {
		return nil, err
	}
	if _, err := s.directions.Resolve(method); err != nil {
		return nil, err
	}
	key, err := normalizeIdempotencyKey(req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	description := strings.TrimSpace(req.Description)
	hash := requestHash(domain.OperationPaymentInitialize, req.AccountID.String(), strconv.FormatInt(amount.Amount, 10), string(method), description,
		req.Recipient.AccountNumber, req.Recipient.Phone, req.Recipient.Network)

	var replay domain.PaymentAuthorization
	replayed, err := s.lookupReplay(ctx, req.AccountID, key, domain.OperationPaymentInitialize, hash, &replay)
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
	if err := checkMutable(account, amount, false); err != nil {
		return nil, err
	}

	reference := newReference("PAY")
	gatewayReq := gatewayclient.InitializeRequest{
		Amount:      amount.Amount,
		Currency:    amount.Currency,
		Reference:   reference,
		Email:       req.Recipient.Email,
		CallbackURL: s.callbackURL,
		Channels:    gatewayChannels(method),
		Metadata: map[string]string{
			"account_id":  account.ID.String(),
			"method":      string(method),
			"description": description,
		},
	}
	if req.Recipient.Phone != "" {
		gatewayReq.Metadata["recipient_phone"] = req.Recipient.Phone
	}
	if req.Recipient.AccountNumber != "" {
		gatewayReq.Metadata["recipient_account_number"] = req.Recipient.AccountNumber
	}

	gwCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	started := time.Now()
	resp, err := s.gateway.InitializePayment(gwCtx, gatewayReq)
	cancel()
	if err != nil {
		s.metrics.ObserveGatewayCall("initialize", "error", time.Since(started))
		return nil, classifyGatewayError("initialize", err)
	}
	s.metrics.ObserveGatewayCall("initialize", "success", time.Since(started))
	if resp.Data.Reference != "" && resp.Data.Reference != reference {
		reference = resp.Data.Reference
	}

	auth := &domain.PaymentAuthorization{
		Reference:        reference,
		AuthorizationURL: resp.Data.AuthorizationURL,
		AccessCode:       resp.Data.AccessCode,
		Status:           domain.PaymentStatusPending,
	}
	payment := &domain.Payment{
		Reference:        reference,
		AccountID:        account.ID,
		Method:           method,
		Amount:           amount.Amount,
		Currency:         amount.Currency,
		Status:           domain.PaymentStatusPending,
		Description:      description,
		Recipient:        req.Recipient,
		AuthorizationURL: resp.Data.AuthorizationURL,
		AccessCode:       resp.Data.AccessCode,
	}

	var result *domain.PaymentAuthorization
	err = s.repo.Atomic(ctx, func(tx store.LedgerTx) error {
		result = nil
		var stored domain.PaymentAuthorization
		replayed, err := s.reserveInUnit(ctx, tx, account.ID, key, domain.OperationPaymentInitialize, hash, &stored)
		if err != nil {
			return err
		}
		if replayed {
			// A concurrent duplicate won the key; its charge is the one the caller gets.
			stored.Replayed = true
			result = &stored
			return nil
		}
		if _, err := tx.InsertPayment(ctx, payment); err != nil {
			return err
		}
		if err := completeInUnit(ctx, tx, account.ID, key, auth); err != nil {
			return err
		}
		result = auth
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !result.Replayed {
		log.Printf("level=info component=payments msg=\"payment initialized\" reference=%s account_id=%s method=%s amount=%s", reference, account.ID, method, domain.FormatMinor(amount.Amount))
	}
	return result, nil
}

func gatewayChannels(method domain.PaymentMethod) []string {
	switch method {
	case domain.MethodCard:
		return []string{"card"}
	case domain.MethodMobileMoney:
		return []string{"mobile_money"}
	case domain.MethodTransfer:
		return []string{"bank_transfer"}
	default:
		return nil
	}
}

// classifyGatewayError separates outages (retry later) from definitive rejections.
func classifyGatewayError(op string, err error) error {
	var apiErr *gatewayclient.ErrorResponse
	if errors.As(err, &apiErr) && !apiErr.Retryable() {
		if apiErr.StatusCode == http.StatusNotFound {
			return fmt.Errorf("gateway %s: %w", op, store.ErrPaymentNotFound)
		}
		return fmt.Errorf("%w: %w", ErrGatewayRejected, apiErr)
	}
	return fmt.Errorf("%w: gateway %s: %w", ErrGatewayUnavailable, op, err)
}

// VerifyPayment settles reference against the gateway. A non-nil caller restricts the
// lookup to payments owned by that account. When the gateway still reports the charge
// as open the current state is returned together with ErrPaymentNotSettled.
func (s *Service) VerifyPayment(ctx context.Context, reference string, caller *uuid.UUID) (*domain.PaymentVerification, error) {
	result, err := s.verifyPayment(ctx, reference, caller)
	s.metrics.ObserveOperation(domain.OperationPaymentVerify, outcomeFor(err))
	return result, err
}

func (s *Service) verifyPayment(ctx context.Context, reference string, caller *uuid.UUID) (*domain.PaymentVerification, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, fmt.Errorf("%w: reference is required", domain.ErrValidation)
	}

	local, err := s.repo.FindPaymentByReference(ctx, reference)
	switch {
	case err == nil:
		if caller != nil && local.AccountID != *caller {
			return nil, store.ErrPaymentNotFound
		}
		if local.IsTerminal() {
			s.metrics.ObserveReplay(domain.OperationPaymentVerify)
			return s.settledVerification(ctx, local)
		}
	case errors.Is(err, store.ErrPaymentNotFound):
		// Initialized by a stateless caller; the gateway metadata names the account.
	default:
		return nil, err
	}

	// The shared call outlives any one caller so a disconnecting client cannot abort it mid-unit.
	shared := context.WithoutCancel(ctx)
	value, err, _ := s.verifyGroup.Do(reference, func() (any, error) {
		return s.verifyWithGateway(shared, reference)
	})
	verification, _ := value.(*domain.PaymentVerification)
	if verification == nil {
		return nil, err
	}
	if caller != nil && verification.Payment.AccountID != *caller {
		return nil, store.ErrPaymentNotFound
	}
	out := *verification
	return &out, err
}

func (s *Service) verifyWithGateway(ctx context.Context, reference string) (*domain.PaymentVerification, error) {
	gwCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	started := time.Now()
	resp, err := s.gateway.VerifyPayment(gwCtx, reference)
	cancel()
	if err != nil {
		s.metrics.ObserveGatewayCall("verify", "error", time.Since(started))
		log.Printf("level=warn component=payments msg=\"gateway verify failed\" reference=%s err=%q", reference, err.Error())
		return nil, classifyGatewayError("verify", err)
	}
	s.metrics.ObserveGatewayCall("verify", "success", time.Since(started))

	charge := resp.Data
	if charge.Reference != "" && charge.Reference != reference {
		return nil, fmt.Errorf("%w: gateway answered for reference %s", ErrGatewayRejected, charge.Reference)
	}
	status := strings.ToLower(strings.TrimSpace(charge.Status))

	switch {
	case status == "success":
		return s.applySettledCharge(ctx, reference, charge, status)
	case isTerminalFailure(status):
		return s.markPaymentFailed(ctx, reference, charge, status, "gateway_"+status)
	default:
		verification, err := s.markPaymentProcessing(ctx, reference, charge, status)
		if err != nil {
			return nil, err
		}
		return verification, ErrPaymentNotSettled
	}
}

func isTerminalFailure(status string) bool {
	_, ok := terminalFailureStatuses[status]
	return ok
}

// paymentFromCharge rebuilds a pending payment from the metadata attached at initialize time.
func (s *Service) paymentFromCharge(reference string, charge gatewayclient.ChargeData) (*domain.Payment, error) {
	fields := charge.MetadataFields()
	accountID, err := uuid.Parse(strings.TrimSpace(fields["account_id"]))
	if err != nil {
		return nil, fmt.Errorf("%w: reference %s carries no usable account_id", ErrPaymentUnattributable, reference)
	}
	method, err := domain.ParsePaymentMethod(fields["method"])
	if err != nil {
		return nil, err
	}
	currency := strings.ToUpper(strings.TrimSpace(charge.Currency))
	if currency != s.policy.Currency {
		return nil, fmt.Errorf("%w: reference %s is in %q, ledger currency is %s", domain.ErrValidation, reference, currency, s.policy.Currency)
	}
	amount, err := s.policy.FromMinor(charge.Amount)
	if err != nil {
		return nil, fmt.Errorf("reference %s: %w", reference, err)
	}
	return &domain.Payment{
		Reference:   reference,
		AccountID:   accountID,
		Method:      method,
		Amount:      amount.Amount,
		Currency:    amount.Currency,
		Status:      domain.PaymentStatusPending,
		Description: fields["description"],
		Recipient: domain.PaymentRecipient{
			Phone:         fields["recipient_phone"],
			AccountNumber: fields["recipient_account_number"],
		},
	}, nil
}

// lockOrAdopt locks the local payment, inserting it from the charge metadata first when
// this service never saw the initialize call.
func (s *Service) lockOrAdopt(ctx context.Context, tx store.LedgerTx, reference string, charge gatewayclient.ChargeData) (*domain.Payment, error) {
	payment, err := tx.LockPayment(ctx, reference)
	if err == nil {
		return payment, nil
	}
	if !errors.Is(err, store.ErrPaymentNotFound) {
		return nil, err
	}
	adopted, err := s.paymentFromCharge(reference, charge)
	if err != nil {
		return nil, err
	}
	if _, err := tx.InsertPayment(ctx, adopted); err != nil {
		return nil, err
	}
	return tx.LockPayment(ctx, reference)
}

func chargeMatches(payment *domain.Payment, charge gatewayclient.ChargeData) bool {
	return payment.Amount == charge.Amount && strings.EqualFold(payment.Currency, strings.TrimSpace(charge.Currency))
}

// applySettledCharge writes the ledger effect of a successful charge exactly once.
func (s *Service) applySettledCharge(ctx context.Context, reference string, charge gatewayclient.ChargeData, gatewayStatus string) (*domain.PaymentVerification, error) {
	var (
		result   *domain.PaymentVerification
		mismatch string
	)
	err := s.repo.Atomic(ctx, func(tx store.LedgerTx) error {
		result, mismatch = nil, ""
		payment, err := s.lockOrAdopt(ctx, tx, reference, charge)
		if err != nil {
			return err
		}
		if payment.IsTerminal() {
			result = &domain.PaymentVerification{Payment: *payment, GatewayStatus: gatewayStatus, Replayed: true}
			return nil
		}
		if !chargeMatches(payment, charge) {
			mismatch = failureAmountMismatch
			return nil
		}
		direction, err := s.directions.Resolve(payment.Method)
		if err != nil {
			return err
		}

		var change store.BalanceChange
		if direction == domain.DirectionDebit {
			change, err = tx.Debit(ctx, payment.AccountID, payment.Amount)
		} else {
			change, err = tx.Credit(ctx, payment.AccountID, payment.Amount)
		}
		if err != nil {
			return err
		}
		if !strings.EqualFold(change.Currency, payment.Currency) {
			mismatch = failureCurrencyMismatch
			return errCurrencyMismatch
		}

		entry := &domain.Transaction{
			Reference:     payment.Reference,
			AccountID:     payment.AccountID,
			Kind:          direction.TransactionKind(),
			Amount:        payment.Amount,
			Currency:      change.Currency,
			BalanceBefore: change.Before,
			BalanceAfter:  change.After,
			Description:   payment.Description,
			Metadata: map[string]string{
				"payment_method": string(payment.Method),
				"gateway_status": gatewayStatus,
			},
		}
		if err := tx.AppendTransaction(ctx, entry); err != nil {
			return err
		}

		now := time.Now().UTC()
		linked := entry.ID
		payment.Status = domain.PaymentStatusCompleted
		payment.GatewayStatus = gatewayStatus
		payment.LinkedTransactionID = &linked
		payment.FailureReason = nil
		payment.CompletedAt = &now
		if err := tx.UpdatePayment(ctx, payment); err != nil {
			return err
		}
		if err := enqueuePaymentEvent(ctx, tx, domain.RoutingKeyPaymentCompleted, payment); err != nil {
			return err
		}

		balance := change.After
		result = &domain.PaymentVerification{
			Payment:       *payment,
			Transaction:   entry,
			Balance:       &balance,
			GatewayStatus: gatewayStatus,
		}
		return nil
	})
	switch {
	case mismatch != "" && (err == nil || errors.Is(err, errCurrencyMismatch)):
		log.Printf("level=warn component=payments msg=\"gateway charge mismatch\" reference=%s reason=%s gateway_amount=%d gateway_currency=%s", reference, mismatch, charge.Amount, charge.Currency)
		return s.markPaymentFailed(ctx, reference, charge, gatewayStatus, mismatch)
	case errors.Is(err, store.ErrInsufficientFunds):
		failed, markErr := s.markPaymentFailed(ctx, reference, charge, gatewayStatus, failureInsufficientFunds)
		if markErr != nil {
			log.Printf("level=error component=payments msg=\"failed to mark payment failed\" reference=%s err=%q", reference, markErr.Error())
			return nil, err
		}
		return failed, err
	case err != nil:
		return nil, err
	}
	if result.Replayed {
		return s.settledVerification(ctx, &result.Payment)
	}
	log.Printf("level=info component=payments msg=\"payment settled\" reference=%s account_id=%s kind=%s amount=%s", reference, result.Payment.AccountID, result.Transaction.Kind, domain.FormatMinor(result.Payment.Amount))
	return result, nil
}

// markPaymentFailed parks the payment as failed with reason. A payment that already
// reached a terminal state is returned unchanged.
func (s *Service) markPaymentFailed(ctx context.Context, reference string, charge gatewayclient.ChargeData, gatewayStatus, reason string) (*domain.PaymentVerification, error) {
	var result *domain.PaymentVerification
	err := s.repo.Atomic(ctx, func(tx store.LedgerTx) error {
		result = nil
		payment, err := s.lockOrAdopt(ctx, tx, reference, charge)
		if err != nil {
			return err
		}
		if payment.IsTerminal() {
			result = &domain.PaymentVerification{Payment: *payment, GatewayStatus: gatewayStatus, Replayed: true}
			return nil
		}
		failure := reason
		payment.Status = domain.PaymentStatusFailed
		payment.GatewayStatus = gatewayStatus
		payment.FailureReason = &failure
		if err := tx.UpdatePayment(ctx, payment); err != nil {
			return err
		}
		if err := enqueuePaymentEvent(ctx, tx, domain.RoutingKeyPaymentFailed, payment); err != nil {
			return err
		}
		result = &domain.PaymentVerification{Payment: *payment, GatewayStatus: gatewayStatus}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !result.Replayed {
		log.Printf("level=info component=payments msg=\"payment failed\" reference=%s reason=%s", reference, reason)
	}
	return result, nil
}

func (s *Service) markPaymentProcessing(ctx context.Context, reference string, charge gatewayclient.ChargeData, gatewayStatus string) (*domain.PaymentVerification, error) {
	var result *domain.PaymentVerification
	err := s.repo.Atomic(ctx, func(tx store.LedgerTx) error {
		result = nil
		payment, err := s.lockOrAdopt(ctx, tx, reference, charge)
		if err != nil {
			return err
		}
		if !payment.IsTerminal() {
			payment.Status = domain.PaymentStatusProcessing
			payment.GatewayStatus = gatewayStatus
			if err := tx.UpdatePayment(ctx, payment); err != nil {
				return err
			}
		}
		result = &domain.PaymentVerification{Payment: *payment, GatewayStatus: gatewayStatus}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// settledVerification reports a terminal payment with its ledger entry and the account's current balance.
func (s *Service) settledVerification(ctx context.Context, payment *domain.Payment) (*domain.PaymentVerification, error) {
	verification := &domain.PaymentVerification{
		Payment:       *payment,
		GatewayStatus: payment.GatewayStatus,
		Replayed:      true,
	}
	if payment.LinkedTransactionID != nil {
		entry, err := s.repo.FindTransactionByID(ctx, *payment.LinkedTransactionID)
		if err != nil {
			return nil, err
		}
		verification.Transaction = entry
	}
	if account, err := s.repo.FindAccountByID(ctx, payment.AccountID); err == nil {
		balance := account.Balance
		verification.Balance = &balance
	}
	return verification, nil
}

func enqueuePaymentEvent(ctx context.Context, tx store.LedgerTx, routingKey string, payment *domain.Payment) error {
	event, err := domain.NewLedgerEvent(routingKey, domain.PaymentEvent{
		Reference:     payment.Reference,
		AccountID:     payment.AccountID,
		Method:        payment.Method,
		Status:        payment.Status,
		Amount:        payment.Amount,
		Currency:      payment.Currency,
		GatewayStatus: payment.GatewayStatus,
		Reason:        payment.FailureReason,
		TransactionID: payment.LinkedTransactionID,
		OccurredAt:    time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return tx.EnqueueEvent(ctx, event)
}
