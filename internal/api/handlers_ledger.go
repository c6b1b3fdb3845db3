package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/transfa/ledger-service/internal/app"
	"github.com/transfa/ledger-service/internal/domain"
)

type mutationRequest struct {
	Amount         *decimal.Decimal  `json:"amount"`
	Description    string            `json:"description"`
	IdempotencyKey string            `json:"idempotency_key"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type transferRequest struct {
	DestinationAccountNumber string           `json:"destination_account_number"`
	Amount                   *decimal.Decimal `json:"amount"`
	Description              string           `json:"description"`
	IdempotencyKey           string           `json:"idempotency_key"`
}

// DepositHandler credits the caller's account.
func (h *LedgerHandlers) DepositHandler(w http.ResponseWriter, r *http.Request) {
	h.handleMutation(w, r, "deposit", h.service.Deposit)
}

// WithdrawHandler debits the caller's account.
func (h *LedgerHandlers) WithdrawHandler(w http.ResponseWriter, r *http.Request) {
	h.handleMutation(w, r, "withdraw", h.service.Withdraw)
}

func (h *LedgerHandlers) handleMutation(w http.ResponseWriter, r *http.Request, endpoint string, apply func(ctx context.Context, req app.MutationRequest) (*domain.LedgerResult, error)) {
	account, ok := accountFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Could not get account from context")
		return
	}
	var req mutationRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	amount, err := h.amountMinor(req.Amount)
	if err != nil {
		h.writeServiceError(w, endpoint, err)
		return
	}

	result, err := apply(r.Context(), app.MutationRequest{
		AccountID:      account.ID,
		Amount:         amount,
		Description:    strings.TrimSpace(req.Description),
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
		Metadata:       req.Metadata,
	})
	if err != nil {
		h.writeServiceError(w, endpoint, err)
		return
	}
	h.writeJSON(w, createdOrReplayed(result.Replayed), result)
}

// TransferHandler moves funds from the caller's account to another account by number.
func (h *LedgerHandlers) TransferHandler(w http.ResponseWriter, r *http.Request) {
	account, ok := accountFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Could not get account from context")
		return
	}
	var req transferRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	amount, err := h.amountMinor(req.Amount)
	if err != nil {
		h.writeServiceError(w, "transfer", err)
		return
	}

	result, err := h.service.Transfer(r.Context(), app.TransferRequest{
		SourceAccountID:          account.ID,
		DestinationAccountNumber: strings.TrimSpace(req.DestinationAccountNumber),
		Amount:                   amount,
		Description:              strings.TrimSpace(req.Description),
		IdempotencyKey:           idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		h.writeServiceError(w, "transfer", err)
		return
	}
	h.writeJSON(w, createdOrReplayed(result.Replayed), result)
}

// ListTransactionsHandler returns a page of the caller's history, newest first.
func (h *LedgerHandlers) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	account, ok := accountFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Could not get account from context")
		return
	}
	query := r.URL.Query()
	page, err := parseOptionalInt(query.Get("page"), 1)
	if err != nil || page < 1 {
		h.writeError(w, http.StatusBadRequest, "validation_error", "Invalid page")
		return
	}
	limit, err := parseOptionalInt(query.Get("limit"), 0)
	if err != nil || limit < 0 {
		h.writeError(w, http.StatusBadRequest, "validation_error", "Invalid limit")
		return
	}

	result, err := h.service.ListTransactions(r.Context(), app.TransactionQuery{
		AccountID: account.ID,
		Kind:      query.Get("kind"),
		Status:    query.Get("status"),
		Reference: query.Get("reference"),
		Page:      page,
		Limit:     limit,
	})
	if err != nil {
		h.writeServiceError(w, "list_transactions", err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// GetTransactionHandler fetches one entry by id, or every entry of a reference.
func (h *LedgerHandlers) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	account, ok := accountFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Could not get account from context")
		return
	}
	idOrReference := strings.TrimSpace(chi.URLParam(r, "idOrReference"))
	if idOrReference == "" {
		h.writeError(w, http.StatusBadRequest, "validation_error", "Transaction ID or reference is required")
		return
	}

	entries, err := h.service.GetTransaction(r.Context(), account.ID, idOrReference)
	if err != nil {
		h.writeServiceError(w, "get_transaction", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": entries})
}

// GetAccountHandler returns the caller's balance and status.
func (h *LedgerHandlers) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	account, ok := accountFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Could not get account from context")
		return
	}
	current, err := h.service.GetAccount(r.Context(), account.ID)
	if err != nil {
		h.writeServiceError(w, "get_account", err)
		return
	}
	h.writeJSON(w, http.StatusOK, current)
}

// ReconcileAccountHandler replays the caller's log against the stored balance.
func (h *LedgerHandlers) ReconcileAccountHandler(w http.ResponseWriter, r *http.Request) {
	account, ok := accountFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Could not get account from context")
		return
	}
	report, err := h.service.ReconcileAccount(r.Context(), account.ID)
	if err != nil {
		h.writeServiceError(w, "reconcile_account", err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

func parseOptionalInt(raw string, fallback int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
