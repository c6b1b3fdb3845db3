package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
	"github.com/transfa/ledger-service/pkg/gatewayclient"
)

// WebhookMode selects whether a verified webhook is settled inline or handed to the broker.
type WebhookMode string

const (
	WebhookModeSync  WebhookMode = "sync"
	WebhookModeQueue WebhookMode = "queue"
)

const (
	defaultWebhookDedupeTTL = 24 * time.Hour
	defaultInboundExchange  = "transfa.events"

	// GatewayChargeRoutingPrefix prefixes the routing key of queued webhook events.
	GatewayChargeRoutingPrefix = "gateway.charge."
)

func ParseWebhookMode(raw string) (WebhookMode, error) {
	switch mode := WebhookMode(strings.ToLower(strings.TrimSpace(raw))); mode {
	case "", WebhookModeSync:
		return WebhookModeSync, nil
	case WebhookModeQueue:
		return WebhookModeQueue, nil
	default:
		return "", fmt.Errorf("unsupported webhook processing mode %q", raw)
	}
}

// WebhookOutcome is what the handler did with one delivery.
type WebhookOutcome string

const (
	WebhookProcessed WebhookOutcome = "processed"
	WebhookQueued    WebhookOutcome = "queued"
	WebhookDuplicate WebhookOutcome = "duplicate"
	WebhookIgnored   WebhookOutcome = "ignored"
)

// EventDeduper suppresses repeated deliveries of the same gateway event.
type EventDeduper interface {
	// Claim returns false when key was already claimed within ttl.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// ConfigureWebhooks sets the processing mode, the dedupe window and the exchange queued events go to.
func (s *Service) ConfigureWebhooks(mode WebhookMode, dedupeTTL time.Duration, exchange string) {
	if mode != "" {
		s.webhookMode = mode
	}
	if dedupeTTL > 0 {
		s.webhookDedupeTTL = dedupeTTL
	}
	if strings.TrimSpace(exchange) != "" {
		s.webhookExchange = strings.TrimSpace(exchange)
	}
}

func (s *Service) SetEventDeduper(deduper EventDeduper) {
	s.deduper = deduper
}

func handledWebhookEvent(event string) bool {
	return event == "charge.success" || event == "charge.failed"
}

// HandleGatewayWebhook processes an already authenticated webhook. Every path ends in
// VerifyPayment, so the gateway's own verify answer decides the ledger effect.
func (s *Service) HandleGatewayWebhook(ctx context.Context, event *gatewayclient.WebhookEvent) (WebhookOutcome, error) {
	outcome, err := s.handleGatewayWebhook(ctx, event)
	if err != nil {
		s.metrics.ObserveWebhook("error")
	} else {
		s.metrics.ObserveWebhook(string(outcome))
	}
	return outcome, err
}

func (s *Service) handleGatewayWebhook(ctx context.Context, event *gatewayclient.WebhookEvent) (WebhookOutcome, error) {
	name := strings.ToLower(strings.TrimSpace(event.Event))
	if !handledWebhookEvent(name) {
		log.Printf("level=info component=webhook msg=\"event ignored\" event=%s", name)
		return WebhookIgnored, nil
	}
	reference := strings.TrimSpace(event.Data.Reference)
	if reference == "" {
		return "", fmt.Errorf("%w: webhook data carries no reference", domain.ErrValidation)
	}

	dedupeKey := "webhook:" + name + ":" + reference
	claimed := false
	if s.deduper != nil {
		ok, err := s.deduper.Claim(ctx, dedupeKey, s.webhookDedupeTTL)
		switch {
		case err != nil:
			log.Printf("level=warn component=webhook msg=\"dedupe unavailable; continuing\" event=%s reference=%s err=%q", name, reference, err.Error())
		case !ok:
			log.Printf("level=info component=webhook msg=\"duplicate delivery\" event=%s reference=%s", name, reference)
			return WebhookDuplicate, nil
		default:
			claimed = true
		}
	}

	outcome, err := s.dispatchWebhook(ctx, name, reference, event.EventID())
	if err != nil && claimed {
		if releaseErr := s.deduper.Release(ctx, dedupeKey); releaseErr != nil {
			log.Printf("level=warn component=webhook msg=\"dedupe release failed\" key=%s err=%q", dedupeKey, releaseErr.Error())
		}
	}
	return outcome, err
}

func (s *Service) dispatchWebhook(ctx context.Context, name, reference, eventID string) (WebhookOutcome, error) {
	if s.webhookMode == WebhookModeQueue {
		body, err := json.Marshal(domain.GatewayChargeEvent{
			EventID:    eventID,
			Event:      name,
			Reference:  reference,
			ReceivedAt: time.Now().UTC(),
		})
		if err != nil {
			return "", err
		}
		routingKey := GatewayChargeRoutingPrefix + strings.TrimPrefix(name, "charge.")
		err = s.eventProducer.PublishRaw(ctx, s.webhookExchange, routingKey, eventID, body)
		if err == nil {
			return WebhookQueued, nil
		}
		log.Printf("level=warn component=webhook msg=\"queue publish failed; processing inline\" reference=%s err=%q", reference, err.Error())
	}

	_, err := s.VerifyPayment(ctx, reference, nil)
	switch {
	case err == nil, errors.Is(err, ErrPaymentNotSettled), errors.Is(err, store.ErrInsufficientFunds):
		// Not-settled payments are picked up again by the sweeper; insufficient funds already marked the payment failed.
		return WebhookProcessed, nil
	case errors.Is(err, store.ErrPaymentNotFound), errors.Is(err, ErrPaymentUnattributable), errors.Is(err, domain.ErrValidation):
		log.Printf("level=warn component=webhook msg=\"event cannot be applied; acknowledging\" reference=%s err=%q", reference, err.Error())
		return WebhookIgnored, nil
	default:
		return "", err
	}
}
