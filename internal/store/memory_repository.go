package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/domain"
)

// MemoryRepository keeps the ledger in process memory. It backs STORE_DRIVER=memory and
// the service tests. Atomic units are serialized on one mutex and staged until the
// callback returns nil, so a failing unit leaves no trace.
//
// Repository read methods must not be called from inside an Atomic callback.
type MemoryRepository struct {
	mu sync.Mutex

	accounts    map[uuid.UUID]*domain.Account
	byOwner     map[string]uuid.UUID
	byNumber    map[string]uuid.UUID
	entries     []domain.Transaction
	entryKeys   map[string]struct{}
	payments    map[string]*domain.Payment
	idempotency map[string]*domain.IdempotencyRecord
	events      []*domain.LedgerEvent
	sequence    int64
	numberSeq   int64
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts:    make(map[uuid.UUID]*domain.Account),
		byOwner:     make(map[string]uuid.UUID),
		byNumber:    make(map[string]uuid.UUID),
		entryKeys:   make(map[string]struct{}),
		payments:    make(map[string]*domain.Payment),
		idempotency: make(map[string]*domain.IdempotencyRecord),
		numberSeq:   1_000_000_000,
	}
}

func entryKey(accountID uuid.UUID, reference string, kind domain.TransactionKind) string {
	return accountID.String() + "|" + reference + "|" + string(kind)
}

func idempotencyKey(accountID uuid.UUID, key string) string {
	return accountID.String() + "|" + key
}

func cloneAccount(a *domain.Account) *domain.Account {
	c := *a
	return &c
}

func clonePayment(p *domain.Payment) *domain.Payment {
	c := *p
	return &c
}

func cloneTransaction(t domain.Transaction) domain.Transaction {
	if t.Metadata != nil {
		meta := make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			meta[k] = v
		}
		t.Metadata = meta
	}
	return t
}

func (r *MemoryRepository) CreateAccount(_ context.Context, account *domain.Account) (*domain.Account, error) {
	if account == nil || strings.TrimSpace(account.OwnerID) == "" {
		return nil, fmt.Errorf("%w: owner id is required", domain.ErrValidation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	owner := strings.TrimSpace(account.OwnerID)
	if _, exists := r.byOwner[owner]; exists {
		return nil, ErrAccountExists
	}
	created := cloneAccount(account)
	created.OwnerID = owner
	if created.ID == uuid.Nil {
		created.ID = uuid.New()
	}
	if _, exists := r.accounts[created.ID]; exists {
		return nil, ErrAccountExists
	}
	if strings.TrimSpace(created.AccountNumber) == "" {
		r.numberSeq++
		created.AccountNumber = fmt.Sprintf("%010d", r.numberSeq)
	}
	if _, exists := r.byNumber[created.AccountNumber]; exists {
		return nil, ErrAccountExists
	}
	if created.Status == "" {
		created.Status = domain.AccountStatusPending
	}
	created.Currency = strings.ToUpper(created.Currency)
	created.Balance = 0
	now := time.Now().UTC()
	created.CreatedAt = now
	created.UpdatedAt = now

	r.accounts[created.ID] = created
	r.byOwner[owner] = created.ID
	r.byNumber[created.AccountNumber] = created.ID
	return cloneAccount(created), nil
}

func (r *MemoryRepository) FindAccountByID(_ context.Context, accountID uuid.UUID) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return cloneAccount(account), nil
}

func (r *MemoryRepository) FindAccountByOwnerID(ctx context.Context, ownerID string) (*domain.Account, error) {
	r.mu.Lock()
	id, ok := r.byOwner[strings.TrimSpace(ownerID)]
	r.mu.Unlock()
	if !ok {
		return nil, ErrAccountNotFound
	}
	return r.FindAccountByID(ctx, id)
}

func (r *MemoryRepository) FindAccountByNumber(ctx context.Context, accountNumber string) (*domain.Account, error) {
	r.mu.Lock()
	id, ok := r.byNumber[strings.TrimSpace(accountNumber)]
	r.mu.Unlock()
	if !ok {
		return nil, ErrAccountNotFound
	}
	return r.FindAccountByID(ctx, id)
}

func (r *MemoryRepository) UpdateAccountStatus(_ context.Context, accountID uuid.UUID, status domain.AccountStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	if !domain.CanTransitionAccountStatus(account.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStatusChange, account.Status, status)
	}
	account.Status = status
	account.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) FindTransactionByID(_ context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.entries {
		if entry.ID == transactionID {
			found := cloneTransaction(entry)
			return &found, nil
		}
	}
	return nil, ErrTransactionNotFound
}

func (r *MemoryRepository) FindTransactionsByReference(_ context.Context, reference string) ([]domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reference = strings.TrimSpace(reference)
	out := make([]domain.Transaction, 0)
	for _, entry := range r.entries {
		if entry.Reference == reference {
			out = append(out, cloneTransaction(entry))
		}
	}
	return out, nil
}

func (r *MemoryRepository) ListTransactions(_ context.Context, opts domain.TransactionListOptions) ([]domain.Transaction, error) {
	opts.Normalize()
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.Transaction, 0, opts.Limit)
	skipped := 0
	for i := len(r.entries) - 1; i >= 0 && len(out) < opts.Limit; i-- {
		entry := r.entries[i]
		if !opts.Matches(entry) {
			continue
		}
		if skipped < opts.Offset {
			skipped++
			continue
		}
		out = append(out, cloneTransaction(entry))
	}
	return out, nil
}

func (r *MemoryRepository) ListAccountLedger(_ context.Context, accountID uuid.UUID) ([]domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Transaction, 0)
	for _, entry := range r.entries {
		if entry.AccountID == accountID {
			out = append(out, cloneTransaction(entry))
		}
	}
	return out, nil
}

func (r *MemoryRepository) FindPaymentByReference(_ context.Context, reference string) (*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	payment, ok := r.payments[strings.TrimSpace(reference)]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return clonePayment(payment), nil
}

func (r *MemoryRepository) ListStalePayments(_ context.Context, olderThan time.Time, limit int) ([]domain.Payment, error) {
	if limit <= 0 {
		limit = 50
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	stale := make([]domain.Payment, 0)
	for _, payment := range r.payments {
		if payment.IsTerminal() || !payment.UpdatedAt.Before(olderThan) {
			continue
		}
		stale = append(stale, *clonePayment(payment))
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].UpdatedAt.Before(stale[j].UpdatedAt) })
	if len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (r *MemoryRepository) FindIdempotencyRecord(_ context.Context, accountID uuid.UUID, key string) (*domain.IdempotencyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.idempotency[idempotencyKey(accountID, key)]
	if !ok {
		return nil, ErrIdempotencyNotFound
	}
	c := *record
	return &c, nil
}

func (r *MemoryRepository) ClaimPendingEvents(_ context.Context, limit int, staleAfter time.Duration) ([]domain.LedgerEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfter <= 0 {
		staleAfter = 2 * time.Minute
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	claimed := make([]domain.LedgerEvent, 0, limit)
	for _, event := range r.events {
		if len(claimed) >= limit {
			break
		}
		due := event.Status == domain.EventStatusPending && !event.NextAttemptAt.After(now)
		stale := event.Status == domain.EventStatusProcessing && event.ClaimedAt != nil && event.ClaimedAt.Before(now.Add(-staleAfter))
		if !due && !stale {
			continue
		}
		claimedAt := now
		event.Status = domain.EventStatusProcessing
		event.ClaimedAt = &claimedAt
		event.Attempts++
		claimed = append(claimed, *event)
	}
	return claimed, nil
}

func (r *MemoryRepository) findEvent(eventID uuid.UUID) (*domain.LedgerEvent, error) {
	for _, event := range r.events {
		if event.ID == eventID {
			return event, nil
		}
	}
	return nil, ErrEventNotFound
}

func (r *MemoryRepository) MarkEventPublished(_ context.Context, eventID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	event, err := r.findEvent(eventID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	event.Status = domain.EventStatusPublished
	event.PublishedAt = &now
	event.ClaimedAt = nil
	event.LastError = nil
	return nil
}

func (r *MemoryRepository) MarkEventFailed(_ context.Context, eventID uuid.UUID, retryAfter time.Duration, reason string, terminal bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	event, err := r.findEvent(eventID)
	if err != nil {
		return err
	}
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	event.Status = domain.EventStatusPending
	if terminal {
		event.Status = domain.EventStatusFailed
	}
	event.NextAttemptAt = time.Now().UTC().Add(retryAfter)
	event.ClaimedAt = nil
	event.LastError = &reason
	return nil
}

// Events returns a copy of the outbox, oldest first.
func (r *MemoryRepository) Events() []domain.LedgerEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.LedgerEvent, 0, len(r.events))
	for _, event := range r.events {
		out = append(out, *event)
	}
	return out
}

func (r *MemoryRepository) Atomic(_ context.Context, fn func(tx LedgerTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &memoryLedgerTx{
		repo:        r,
		accounts:    make(map[uuid.UUID]*domain.Account),
		payments:    make(map[string]*domain.Payment),
		idempotency: make(map[string]*domain.IdempotencyRecord),
		entryKeys:   make(map[string]struct{}),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// memoryLedgerTx stages every write; commit copies the staged state into the repository.
type memoryLedgerTx struct {
	repo *MemoryRepository

	accounts    map[uuid.UUID]*domain.Account
	entries     []domain.Transaction
	entryKeys   map[string]struct{}
	payments    map[string]*domain.Payment
	idempotency map[string]*domain.IdempotencyRecord
	events      []*domain.LedgerEvent
	sequence    int64
}

func (t *memoryLedgerTx) account(id uuid.UUID) (*domain.Account, error) {
	if staged, ok := t.accounts[id]; ok {
		return staged, nil
	}
	base, ok := t.repo.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	staged := cloneAccount(base)
	t.accounts[id] = staged
	return staged, nil
}

func (t *memoryLedgerTx) LockAccounts(_ context.Context, accountIDs ...uuid.UUID) (map[uuid.UUID]*domain.Account, error) {
	locked := make(map[uuid.UUID]*domain.Account, len(accountIDs))
	for _, id := range sortAccountIDs(accountIDs) {
		account, err := t.account(id)
		if err != nil {
			return nil, err
		}
		locked[id] = cloneAccount(account)
	}
	return locked, nil
}

func (t *memoryLedgerTx) Debit(_ context.Context, accountID uuid.UUID, amount int64) (BalanceChange, error) {
	return t.applyDelta(accountID, -amount)
}

func (t *memoryLedgerTx) Credit(_ context.Context, accountID uuid.UUID, amount int64) (BalanceChange, error) {
	return t.applyDelta(accountID, amount)
}

func (t *memoryLedgerTx) applyDelta(accountID uuid.UUID, delta int64) (BalanceChange, error) {
	if delta == 0 {
		return BalanceChange{}, domain.ErrInvalidAmount
	}
	account, err := t.account(accountID)
	if err != nil {
		return BalanceChange{}, err
	}
	if account.Status != domain.AccountStatusActive {
		return BalanceChange{}, fmt.Errorf("%w: account %s is %s", ErrAccountNotActive, accountID, account.Status)
	}
	current := domain.NewMoney(account.Balance, account.Currency)
	var next domain.Money
	if delta < 0 {
		next, err = current.Sub(domain.NewMoney(-delta, account.Currency))
	} else {
		next, err = current.Add(domain.NewMoney(delta, account.Currency))
	}
	if err != nil {
		return BalanceChange{}, err
	}
	change := BalanceChange{AccountID: accountID, Currency: account.Currency, Before: account.Balance, After: next.Amount}
	account.Balance = next.Amount
	account.UpdatedAt = time.Now().UTC()
	return change, nil
}

func (t *memoryLedgerTx) AppendTransaction(_ context.Context, entry *domain.Transaction) error {
	if err := entry.ValidateBalances(); err != nil {
		return err
	}
	key := entryKey(entry.AccountID, entry.Reference, entry.Kind)
	if _, exists := t.repo.entryKeys[key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateReference, entry.Reference)
	}
	if _, exists := t.entryKeys[key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateReference, entry.Reference)
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Status == "" {
		entry.Status = domain.TransactionStatusCompleted
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Status == domain.TransactionStatusCompleted && entry.CompletedAt == nil {
		completedAt := entry.CreatedAt
		entry.CompletedAt = &completedAt
	}
	t.sequence++
	entry.Sequence = t.repo.sequence + t.sequence
	t.entryKeys[key] = struct{}{}
	t.entries = append(t.entries, cloneTransaction(*entry))
	return nil
}

func (t *memoryLedgerTx) ReserveIdempotencyKey(_ context.Context, rec domain.IdempotencyRecord) (*domain.IdempotencyRecord, bool, error) {
	key := idempotencyKey(rec.AccountID, rec.Key)
	if staged, ok := t.idempotency[key]; ok {
		c := *staged
		return &c, false, nil
	}
	if existing, ok := t.repo.idempotency[key]; ok {
		c := *existing
		return &c, false, nil
	}
	now := time.Now().UTC()
	rec.Status = domain.IdempotencyStatusProcessing
	rec.CreatedAt = now
	rec.UpdatedAt = now
	t.idempotency[key] = &rec
	return nil, true, nil
}

func (t *memoryLedgerTx) CompleteIdempotencyKey(_ context.Context, accountID uuid.UUID, key string, response []byte) error {
	mapKey := idempotencyKey(accountID, key)
	staged, ok := t.idempotency[mapKey]
	if !ok {
		base, found := t.repo.idempotency[mapKey]
		if !found {
			return ErrIdempotencyNotFound
		}
		c := *base
		staged = &c
		t.idempotency[mapKey] = staged
	}
	staged.Status = domain.IdempotencyStatusCompleted
	staged.Response = append([]byte(nil), response...)
	staged.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *memoryLedgerTx) payment(reference string) (*domain.Payment, bool) {
	if staged, ok := t.payments[reference]; ok {
		return staged, true
	}
	base, ok := t.repo.payments[reference]
	if !ok {
		return nil, false
	}
	staged := clonePayment(base)
	t.payments[reference] = staged
	return staged, true
}

func (t *memoryLedgerTx) InsertPayment(_ context.Context, p *domain.Payment) (bool, error) {
	reference := strings.TrimSpace(p.Reference)
	if _, exists := t.payment(reference); exists {
		return false, nil
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	p.Reference = reference
	t.payments[reference] = clonePayment(p)
	return true, nil
}

func (t *memoryLedgerTx) LockPayment(_ context.Context, reference string) (*domain.Payment, error) {
	payment, ok := t.payment(strings.TrimSpace(reference))
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return clonePayment(payment), nil
}

func (t *memoryLedgerTx) UpdatePayment(_ context.Context, p *domain.Payment) error {
	reference := strings.TrimSpace(p.Reference)
	if _, ok := t.payment(reference); !ok {
		return ErrPaymentNotFound
	}
	p.UpdatedAt = time.Now().UTC()
	t.payments[reference] = clonePayment(p)
	return nil
}

func (t *memoryLedgerTx) EnqueueEvent(_ context.Context, event *domain.LedgerEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	staged := *event
	staged.Status = domain.EventStatusPending
	if staged.NextAttemptAt.IsZero() {
		staged.NextAttemptAt = time.Now().UTC()
	}
	if staged.CreatedAt.IsZero() {
		staged.CreatedAt = staged.NextAttemptAt
	}
	t.events = append(t.events, &staged)
	return nil
}

func (t *memoryLedgerTx) commit() {
	r := t.repo
	for id, account := range t.accounts {
		r.accounts[id] = account
	}
	for key := range t.entryKeys {
		r.entryKeys[key] = struct{}{}
	}
	r.entries = append(r.entries, t.entries...)
	r.sequence += t.sequence
	for reference, payment := range t.payments {
		r.payments[reference] = payment
	}
	for key, record := range t.idempotency {
		r.idempotency[key] = record
	}
	r.events = append(r.events, t.events...)
}
