package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/pkg/gatewayclient"
)

type memoryDeduper struct {
	mu       sync.Mutex
	claimed  map[string]time.Duration
	claimErr error
	released []string
}

func newMemoryDeduper() *memoryDeduper {
	return &memoryDeduper{claimed: map[string]time.Duration{}}
}

func (d *memoryDeduper) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.claimErr != nil {
		return false, d.claimErr
	}
	if _, ok := d.claimed[key]; ok {
		return false, nil
	}
	d.claimed[key] = ttl
	return true, nil
}

func (d *memoryDeduper) Release(ctx context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.claimed, key)
	d.released = append(d.released, key)
	return nil
}

func chargeEvent(name, reference string) *gatewayclient.WebhookEvent {
	return &gatewayclient.WebhookEvent{Event: name, Data: gatewayclient.ChargeData{ID: 77, Reference: reference, Status: "success"}}
}

func TestHandleGatewayWebhook_SyncSettlesAndDedupes(t *testing.T) {
	env := newTestEnv(t)
	deduper := newMemoryDeduper()
	env.service.SetEventDeduper(deduper)
	env.service.ConfigureWebhooks(WebhookModeSync, time.Hour, "")
	account := env.activeAccount(t, "owner-a", 0)
	auth := initPayment(t, env, account, "mobile_money", 2500)
	env.gateway.setStatus(auth.Reference, "success")

	outcome, err := env.service.HandleGatewayWebhook(context.Background(), chargeEvent("charge.success", auth.Reference))
	if err != nil || outcome != WebhookProcessed {
		t.Fatalf("expected processed, got %s / %v", outcome, err)
	}
	if ttl := deduper.claimed["webhook:charge.success:"+auth.Reference]; ttl != time.Hour {
		t.Fatalf("expected dedupe claim with configured ttl, got %v", ttl)
	}

	outcome, err = env.service.HandleGatewayWebhook(context.Background(), chargeEvent("charge.success", auth.Reference))
	if err != nil || outcome != WebhookDuplicate {
		t.Fatalf("expected duplicate, got %s / %v", outcome, err)
	}
	if env.balance(t, account) != 2500 {
		t.Fatalf("expected one credit, got %d", env.balance(t, account))
	}
}

func TestHandleGatewayWebhook_IgnoresUnknownEvents(t *testing.T) {
	env := newTestEnv(t)
	outcome, err := env.service.HandleGatewayWebhook(context.Background(), chargeEvent("transfer.success", "TRF-1"))
	if err != nil || outcome != WebhookIgnored {
		t.Fatalf("expected ignored, got %s / %v", outcome, err)
	}
	if env.gateway.verifyCount() != 0 {
		t.Fatalf("ignored events must not reach the gateway")
	}
}

func TestHandleGatewayWebhook_FailureReleasesDedupeKey(t *testing.T) {
	env := newTestEnv(t)
	deduper := newMemoryDeduper()
	env.service.SetEventDeduper(deduper)
	account := env.activeAccount(t, "owner-a", 0)
	auth := initPayment(t, env, account, "mobile_money", 2500)
	env.gateway.verifyErr = context.DeadlineExceeded

	_, err := env.service.HandleGatewayWebhook(context.Background(), chargeEvent("charge.success", auth.Reference))
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
	if len(deduper.released) != 1 {
		t.Fatalf("expected the dedupe key to be released, got %v", deduper.released)
	}

	// The gateway's retry goes through once it recovers.
	env.gateway.verifyErr = nil
	env.gateway.setStatus(auth.Reference, "success")
	if outcome, err := env.service.HandleGatewayWebhook(context.Background(), chargeEvent("charge.success", auth.Reference)); err != nil || outcome != WebhookProcessed {
		t.Fatalf("expected processed retry, got %s / %v", outcome, err)
	}
}

func TestHandleGatewayWebhook_DedupeOutageFallsBackToVerify(t *testing.T) {
	env := newTestEnv(t)
	deduper := newMemoryDeduper()
	deduper.claimErr = errors.New("redis: connection refused")
	env.service.SetEventDeduper(deduper)
	account := env.activeAccount(t, "owner-a", 0)
	auth := initPayment(t, env, account, "mobile_money", 2500)
	env.gateway.setStatus(auth.Reference, "success")

	for i := 0; i < 2; i++ {
		if _, err := env.service.HandleGatewayWebhook(context.Background(), chargeEvent("charge.success", auth.Reference)); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}
	if env.balance(t, account) != 2500 {
		t.Fatalf("idempotent verify must still apply once, got %d", env.balance(t, account))
	}
}

func TestHandleGatewayWebhook_QueueModePublishes(t *testing.T) {
	env := newTestEnv(t)
	env.service.ConfigureWebhooks(WebhookModeQueue, 0, "transfa.events")
	event := chargeEvent("charge.failed", "PAY-QUEUED")

	outcome, err := env.service.HandleGatewayWebhook(context.Background(), event)
	if err != nil || outcome != WebhookQueued {
		t.Fatalf("expected queued, got %s / %v", outcome, err)
	}
	messages := env.publisher.messages()
	if len(messages) != 1 {
		t.Fatalf("expected one published message, got %d", len(messages))
	}
	msg := messages[0]
	if msg.exchange != "transfa.events" || msg.routingKey != "gateway.charge.failed" || msg.messageID != event.EventID() {
		t.Fatalf("unexpected message: %+v", msg)
	}
	var decoded domain.GatewayChargeEvent
	if err := json.Unmarshal(msg.body, &decoded); err != nil || decoded.Reference != "PAY-QUEUED" {
		t.Fatalf("unexpected body: %s (%v)", msg.body, err)
	}
	if env.gateway.verifyCount() != 0 {
		t.Fatalf("queue mode must not verify inline")
	}
}

func TestHandleGatewayWebhook_QueueModeFallsBackWhenBrokerDown(t *testing.T) {
	env := newTestEnv(t)
	env.service.ConfigureWebhooks(WebhookModeQueue, 0, "")
	env.publisher.err = errors.New("channel closed")
	account := env.activeAccount(t, "owner-a", 0)
	auth := initPayment(t, env, account, "mobile_money", 2500)
	env.gateway.setStatus(auth.Reference, "success")

	outcome, err := env.service.HandleGatewayWebhook(context.Background(), chargeEvent("charge.success", auth.Reference))
	if err != nil || outcome != WebhookProcessed {
		t.Fatalf("expected inline processing, got %s / %v", outcome, err)
	}
	if env.balance(t, account) != 2500 {
		t.Fatalf("expected credit after fallback, got %d", env.balance(t, account))
	}
}

func TestParseWebhookMode(t *testing.T) {
	for raw, want := range map[string]WebhookMode{"": WebhookModeSync, "SYNC": WebhookModeSync, " queue ": WebhookModeQueue} {
		got, err := ParseWebhookMode(raw)
		if err != nil || got != want {
			t.Fatalf("%q: expected %s, got %s (%v)", raw, want, got, err)
		}
	}
	if _, err := ParseWebhookMode("async"); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}
