package app

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
	"github.com/transfa/ledger-service/pkg/gatewayclient"
)

type fakeGateway struct {
	mu          sync.Mutex
	charges     map[string]gatewayclient.ChargeData
	initErr     error
	verifyErr   error
	lastInit    gatewayclient.InitializeRequest
	initCalls   int
	verifyCalls int32
	// release, when set, holds every verify call until it is closed.
	release chan struct{}
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{charges: map[string]gatewayclient.ChargeData{}}
}

func (g *fakeGateway) InitializePayment(ctx context.Context, payload gatewayclient.InitializeRequest) (*gatewayclient.InitializeResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.initCalls++
	g.lastInit = payload
	if g.initErr != nil {
		return nil, g.initErr
	}
	metadata, _ := json.Marshal(payload.Metadata)
	g.charges[payload.Reference] = gatewayclient.ChargeData{
		ID:        int64(len(g.charges) + 1),
		Status:    "pending",
		Reference: payload.Reference,
		Amount:    payload.Amount,
		Currency:  payload.Currency,
		Metadata:  metadata,
	}
	resp := &gatewayclient.InitializeResponse{Status: true, Message: "Authorization URL created"}
	resp.Data.AuthorizationURL = "https://checkout.gateway.test/" + payload.Reference
	resp.Data.AccessCode = "ac_" + payload.Reference
	resp.Data.Reference = payload.Reference
	return resp, nil
}

func (g *fakeGateway) VerifyPayment(ctx context.Context, reference string) (*gatewayclient.VerifyResponse, error) {
	atomic.AddInt32(&g.verifyCalls, 1)
	if g.release != nil {
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.verifyErr != nil {
		return nil, g.verifyErr
	}
	charge, ok := g.charges[reference]
	if !ok {
		return nil, &gatewayclient.ErrorResponse{Message: "Transaction reference not found", StatusCode: http.StatusNotFound}
	}
	return &gatewayclient.VerifyResponse{Status: true, Message: "Verification successful", Data: charge}, nil
}

func (g *fakeGateway) setStatus(reference, status string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	charge := g.charges[reference]
	charge.Status = status
	g.charges[reference] = charge
}

func (g *fakeGateway) setCharge(charge gatewayclient.ChargeData) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.charges[charge.Reference] = charge
}

func (g *fakeGateway) verifyCount() int {
	return int(atomic.LoadInt32(&g.verifyCalls))
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []publishedMessage
	err       error
	closed    int
}

type publishedMessage struct {
	exchange   string
	routingKey string
	messageID  string
	body       []byte
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return p.PublishRaw(ctx, exchange, routingKey, "", raw)
}

func (p *recordingPublisher) PublishRaw(ctx context.Context, exchange, routingKey, messageID string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, publishedMessage{exchange: exchange, routingKey: routingKey, messageID: messageID, body: body})
	return nil
}

func (p *recordingPublisher) Close() {
	p.mu.Lock()
	p.closed++
	p.mu.Unlock()
}

func (p *recordingPublisher) messages() []publishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedMessage(nil), p.published...)
}

type testEnv struct {
	service   *Service
	repo      *store.MemoryRepository
	gateway   *fakeGateway
	publisher *recordingPublisher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo := store.NewMemoryRepository()
	gateway := newFakeGateway()
	publisher := &recordingPublisher{}
	service := NewService(repo, gateway, publisher, domain.NewAmountPolicy("NGN", 0), domain.DefaultMethodDirections())
	return &testEnv{service: service, repo: repo, gateway: gateway, publisher: publisher}
}

// activeAccount opens and activates an account for owner, then funds it with balance minor units.
func (e *testEnv) activeAccount(t *testing.T, owner string, balance int64) *domain.Account {
	t.Helper()
	ctx := context.Background()
	if _, err := e.service.OpenAccount(ctx, owner, "NGN"); err != nil {
		t.Fatalf("open account: %v", err)
	}
	if err := e.service.ChangeAccountStatus(ctx, owner, domain.AccountStatusActive); err != nil {
		t.Fatalf("activate account: %v", err)
	}
	account, err := e.service.ResolveAccount(ctx, owner)
	if err != nil {
		t.Fatalf("resolve account: %v", err)
	}
	if balance > 0 {
		if _, err := e.service.Deposit(ctx, MutationRequest{AccountID: account.ID, Amount: balance, Description: "seed"}); err != nil {
			t.Fatalf("seed deposit: %v", err)
		}
		account, _ = e.repo.FindAccountByID(ctx, account.ID)
	}
	return account
}

func (e *testEnv) balance(t *testing.T, account *domain.Account) int64 {
	t.Helper()
	current, err := e.repo.FindAccountByID(context.Background(), account.ID)
	if err != nil {
		t.Fatalf("find account: %v", err)
	}
	return current.Balance
}

func (e *testEnv) ledger(t *testing.T, account *domain.Account) []domain.Transaction {
	t.Helper()
	entries, err := e.repo.ListAccountLedger(context.Background(), account.ID)
	if err != nil {
		t.Fatalf("list ledger: %v", err)
	}
	return entries
}

func (e *testEnv) eventsWithKey(routingKey string) []domain.LedgerEvent {
	var out []domain.LedgerEvent
	for _, event := range e.repo.Events() {
		if event.RoutingKey == routingKey {
			out = append(out, event)
		}
	}
	return out
}
