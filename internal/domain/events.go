package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Routing keys for events the ledger publishes after commit.
const (
	RoutingKeyTransactionCompleted = "ledger.transaction.completed"
	RoutingKeyTransferCompleted    = "ledger.transfer.completed"
	RoutingKeyPaymentCompleted     = "ledger.payment.completed"
	RoutingKeyPaymentFailed        = "ledger.payment.failed"
)

type EventStatus string

const (
	EventStatusPending    EventStatus = "pending"
	EventStatusProcessing EventStatus = "processing"
	EventStatusPublished  EventStatus = "published"
	EventStatusFailed     EventStatus = "failed"
)

// LedgerEvent is an outbox row. It is written inside the atomic unit that produced it
// and relayed to the broker afterwards, so delivery never affects the ledger outcome.
type LedgerEvent struct {
	ID            uuid.UUID       `json:"id"`
	RoutingKey    string          `json:"routing_key"`
	Payload       json.RawMessage `json:"payload"`
	Status        EventStatus     `json:"status"`
	Attempts      int             `json:"attempts"`
	LastError     *string         `json:"last_error,omitempty"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	ClaimedAt     *time.Time      `json:"claimed_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	PublishedAt   *time.Time      `json:"published_at,omitempty"`
}

// NewLedgerEvent marshals payload into a pending outbox event.
func NewLedgerEvent(routingKey string, payload any) (*LedgerEvent, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", routingKey, err)
	}
	now := time.Now().UTC()
	return &LedgerEvent{
		ID:            uuid.New(),
		RoutingKey:    routingKey,
		Payload:       body,
		Status:        EventStatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}, nil
}

// TransactionCompletedEvent is published for deposits, withdrawals and transfers.
type TransactionCompletedEvent struct {
	Operation  string            `json:"operation"`
	Reference  string            `json:"reference"`
	AccountID  uuid.UUID         `json:"account_id"`
	Entries    []EventEntry      `json:"entries"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// EventEntry is the slice of a ledger entry that downstream consumers (notifications, analytics) need.
type EventEntry struct {
	TransactionID uuid.UUID       `json:"transaction_id"`
	AccountID     uuid.UUID       `json:"account_id"`
	Kind          TransactionKind `json:"kind"`
	Amount        int64           `json:"amount"`
	Currency      string          `json:"currency"`
	BalanceAfter  int64           `json:"balance_after"`
}

func NewEventEntries(entries []Transaction) []EventEntry {
	out := make([]EventEntry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, EventEntry{
			TransactionID: entry.ID,
			AccountID:     entry.AccountID,
			Kind:          entry.Kind,
			Amount:        entry.Amount,
			Currency:      entry.Currency,
			BalanceAfter:  entry.BalanceAfter,
		})
	}
	return out
}

// PaymentEvent is published when a gateway payment reaches a terminal state.
type PaymentEvent struct {
	Reference     string        `json:"reference"`
	AccountID     uuid.UUID     `json:"account_id"`
	Method        PaymentMethod `json:"method"`
	Status        PaymentStatus `json:"status"`
	Amount        int64         `json:"amount"`
	Currency      string        `json:"currency"`
	GatewayStatus string        `json:"gateway_status,omitempty"`
	Reason        *string       `json:"reason,omitempty"`
	TransactionID *uuid.UUID    `json:"transaction_id,omitempty"`
	OccurredAt    time.Time     `json:"occurred_at"`
}

// GatewayChargeEvent is the internal message queued for a verified webhook when
// webhook processing runs in queue mode.
type GatewayChargeEvent struct {
	EventID    string    `json:"event_id"`
	Event      string    `json:"event"`
	Reference  string    `json:"reference"`
	ReceivedAt time.Time `json:"received_at"`
}

// AccountLifecycleEvent is emitted by the onboarding services when an owner's account changes state.
type AccountLifecycleEvent struct {
	OwnerID   string `json:"owner_id"`
	EventType string `json:"event_type"`
	Currency  string `json:"currency,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Lifecycle event types understood by the account consumer.
const (
	AccountEventOpened           = "account_opened"
	AccountEventProfileCompleted = "profile_completed"
	AccountEventFrozen           = "account_frozen"
	AccountEventUnfrozen         = "account_unfrozen"
	AccountEventClosed           = "account_closed"
)

// IdempotencyRecord is the durable registry row for one (account, key) pair.
type IdempotencyRecord struct {
	AccountID   uuid.UUID       `json:"account_id"`
	Key         string          `json:"key"`
	Operation   string          `json:"operation"`
	RequestHash string          `json:"request_hash"`
	Status      string          `json:"status"`
	Response    json.RawMessage `json:"response,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

const (
	IdempotencyStatusProcessing = "processing"
	IdempotencyStatusCompleted  = "completed"
)
