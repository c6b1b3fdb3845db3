/**
 * @description
 * This file contains the core business logic for the ledger-service. The `Service`
 * struct orchestrates every balance-affecting operation, coordinating the repository's
 * atomic units, the external payment gateway and the message broker.
 *
 * Key features:
 * - Deposits, withdrawals and account-to-account transfers, each one atomic unit.
 * - Idempotent replay of any mutating call carrying an idempotency key.
 * - Gateway payment initialize / verify with exactly-once ledger application.
 * - Post-commit events written to the outbox inside the same unit.
 *
 * @dependencies
 * - golang.org/x/sync/singleflight: collapses concurrent verifies of one reference.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/gatewayclient, pkg/rabbitmq: For external service communication.
 */

package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
	"github.com/transfa/ledger-service/pkg/gatewayclient"
	"github.com/transfa/ledger-service/pkg/rabbitmq"
	"golang.org/x/sync/singleflight"
)

var (
	ErrGatewayUnavailable    = errors.New("payment gateway unavailable")
	ErrGatewayRejected       = errors.New("payment gateway rejected the request")
	ErrPaymentNotSettled     = errors.New("payment is not settled yet")
	ErrSelfTransfer          = errors.New("self transfer is not allowed")
	ErrInvalidIdempotencyKey = errors.New("invalid idempotency key")
	ErrPaymentUnattributable = errors.New("payment cannot be attributed to an account")
)

const defaultGatewayTimeout = 15 * time.Second

// GatewayClient is the part of the gateway API the ledger calls.
type GatewayClient interface {
	InitializePayment(ctx context.Context, payload gatewayclient.InitializeRequest) (*gatewayclient.InitializeResponse, error)
	VerifyPayment(ctx context.Context, reference string) (*gatewayclient.VerifyResponse, error)
}

// Service provides the core business logic for the ledger.
type Service struct {
	repo          store.Repository
	gateway       GatewayClient
	eventProducer rabbitmq.Publisher
	policy        domain.AmountPolicy
	directions    domain.MethodDirections
	metrics       *Metrics

	verifyGroup    singleflight.Group
	gatewayTimeout time.Duration
	callbackURL    string

	webhookMode      WebhookMode
	webhookDedupeTTL time.Duration
	webhookExchange  string
	deduper          EventDeduper

	// afterTransferDebit runs between the two legs of a transfer; tests use it to abort mid-unit.
	afterTransferDebit func(ctx context.Context, reference string) error
}

// NewService creates a new ledger service instance.
func NewService(repo store.Repository, gateway GatewayClient, producer rabbitmq.Publisher, policy domain.AmountPolicy, directions domain.MethodDirections) *Service {
	if producer == nil {
		producer = &rabbitmq.EventProducerFallback{}
	}
	if directions == nil {
		directions = domain.DefaultMethodDirections()
	}
	return &Service{
		repo:             repo,
		gateway:          gateway,
		eventProducer:    producer,
		policy:           policy,
		directions:       directions,
		gatewayTimeout:   defaultGatewayTimeout,
		webhookMode:      WebhookModeSync,
		webhookDedupeTTL: defaultWebhookDedupeTTL,
		webhookExchange:  defaultInboundExchange,
	}
}

// ConfigureGateway sets the bounded timeout for gateway calls and the checkout callback URL.
func (s *Service) ConfigureGateway(timeout time.Duration, callbackURL string) {
	if timeout > 0 {
		s.gatewayTimeout = timeout
	}
	s.callbackURL = strings.TrimSpace(callbackURL)
}

func (s *Service) SetMetrics(metrics *Metrics) {
	s.metrics = metrics
}

// Policy returns the amount policy used to validate caller amounts.
func (s *Service) Policy() domain.AmountPolicy {
	return s.policy
}

// ResolveAccount maps the authenticated owner to their ledger account.
func (s *Service) ResolveAccount(ctx context.Context, ownerID string) (*domain.Account, error) {
	return s.repo.FindAccountByOwnerID(ctx, ownerID)
}

func newReference(prefix string) string {
	buf := make([]byte, 10)
	if _, err := rand.Read(buf); err != nil {
		return prefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return prefix + "-" + strings.ToUpper(hex.EncodeToString(buf))
}

// outcomeFor buckets an operation error into a metrics label.
func outcomeFor(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, domain.ErrValidation), errors.Is(err, ErrSelfTransfer), errors.Is(err, ErrInvalidIdempotencyKey):
		return "validation"
	case errors.Is(err, store.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, store.ErrAccountNotFound), errors.Is(err, store.ErrPaymentNotFound):
		return "not_found"
	case errors.Is(err, store.ErrAccountNotActive):
		return "account_not_active"
	case errors.Is(err, store.ErrIdempotencyConflict), errors.Is(err, store.ErrConcurrencyConflict), errors.Is(err, store.ErrIdempotencyInFlight):
		return "conflict"
	case errors.Is(err, ErrGatewayUnavailable), errors.Is(err, ErrGatewayRejected):
		return "gateway_error"
	case errors.Is(err, ErrPaymentNotSettled):
		return "not_settled"
	default:
		return "error"
	}
}
