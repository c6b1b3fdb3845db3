package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
)

const consumerTimeout = 30 * time.Second

// Topic patterns the consumers bind on the inbound exchange.
const (
	GatewayChargeBinding    = GatewayChargeRoutingPrefix + "*"
	AccountLifecycleBinding = "account.lifecycle.*"
)

// GatewayEventConsumer settles webhook events that were queued instead of processed inline.
type GatewayEventConsumer struct {
	service *Service
}

func NewGatewayEventConsumer(service *Service) *GatewayEventConsumer {
	return &GatewayEventConsumer{service: service}
}

// HandleMessage returns false only for failures worth redelivering.
func (c *GatewayEventConsumer) HandleMessage(body []byte) bool {
	var event domain.GatewayChargeEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=gateway_consumer msg=\"failed to unmarshal payload\" err=%q", err.Error())
		return true
	}
	if strings.TrimSpace(event.Reference) == "" {
		log.Printf("level=warn component=gateway_consumer msg=\"missing reference\" event_id=%s", event.EventID)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), consumerTimeout)
	defer cancel()

	_, err := c.service.VerifyPayment(ctx, event.Reference, nil)
	switch {
	case err == nil, errors.Is(err, ErrPaymentNotSettled), errors.Is(err, store.ErrInsufficientFunds):
		return true
	case errors.Is(err, store.ErrAccountNotActive), errors.Is(err, store.ErrAccountNotFound):
		// The payment stays open; the sweeper re-verifies it once the account can move money.
		log.Printf("level=warn component=gateway_consumer msg=\"account cannot take the charge; leaving payment pending\" reference=%s err=%q", event.Reference, err.Error())
		return true
	case errors.Is(err, store.ErrPaymentNotFound), errors.Is(err, ErrPaymentUnattributable),
		errors.Is(err, domain.ErrValidation), errors.Is(err, ErrGatewayRejected):
		log.Printf("level=warn component=gateway_consumer msg=\"event cannot be applied; acknowledging\" reference=%s err=%q", event.Reference, err.Error())
		return true
	default:
		log.Printf("level=error component=gateway_consumer msg=\"verify failed\" reference=%s err=%q", event.Reference, err.Error())
		return false
	}
}

// AccountLifecycleConsumer provisions and transitions ledger accounts from onboarding events.
type AccountLifecycleConsumer struct {
	service *Service
}

func NewAccountLifecycleConsumer(service *Service) *AccountLifecycleConsumer {
	return &AccountLifecycleConsumer{service: service}
}

func (c *AccountLifecycleConsumer) HandleMessage(body []byte) bool {
	var event domain.AccountLifecycleEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=account_consumer msg=\"failed to unmarshal payload\" err=%q", err.Error())
		return true
	}
	if strings.TrimSpace(event.OwnerID) == "" {
		log.Printf("level=warn component=account_consumer msg=\"missing owner id\" event_type=%s", event.EventType)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), consumerTimeout)
	defer cancel()

	if err := c.processEvent(ctx, event); err != nil {
		if errors.Is(err, store.ErrInvalidStatusChange) || errors.Is(err, store.ErrAccountNotFound) || errors.Is(err, domain.ErrValidation) {
			log.Printf("level=warn component=account_consumer msg=\"event rejected; acknowledging\" owner_id=%s event_type=%s err=%q", event.OwnerID, event.EventType, err.Error())
			return true
		}
		log.Printf("level=error component=account_consumer msg=\"processing error\" owner_id=%s event_type=%s err=%q", event.OwnerID, event.EventType, err.Error())
		return false
	}
	return true
}

func (c *AccountLifecycleConsumer) processEvent(ctx context.Context, event domain.AccountLifecycleEvent) error {
	switch strings.ToLower(strings.TrimSpace(event.EventType)) {
	case domain.AccountEventOpened:
		_, err := c.service.OpenAccount(ctx, event.OwnerID, event.Currency)
		return err
	case domain.AccountEventProfileCompleted, domain.AccountEventUnfrozen:
		return c.service.ChangeAccountStatus(ctx, event.OwnerID, domain.AccountStatusActive)
	case domain.AccountEventFrozen:
		return c.service.ChangeAccountStatus(ctx, event.OwnerID, domain.AccountStatusFrozen)
	case domain.AccountEventClosed:
		return c.service.ChangeAccountStatus(ctx, event.OwnerID, domain.AccountStatusClosed)
	default:
		log.Printf("level=info component=account_consumer msg=\"event type ignored\" event_type=%s", event.EventType)
		return nil
	}
}
