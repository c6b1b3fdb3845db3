package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/transfa/ledger-service/internal/app"
	"github.com/transfa/ledger-service/internal/domain"
)

type initializePaymentRequest struct {
	Amount         *decimal.Decimal        `json:"amount"`
	Method         string                  `json:"method"`
	Description    string                  `json:"description"`
	Recipient      domain.PaymentRecipient `json:"recipient"`
	IdempotencyKey string                  `json:"idempotency_key"`
}

// pendingVerificationResponse is the 202 body for a charge the gateway has not settled yet.
type pendingVerificationResponse struct {
	errorResponse
	Payment domain.Payment `json:"payment"`
}

// InitializePaymentHandler starts a gateway charge for the caller's account.
func (h *LedgerHandlers) InitializePaymentHandler(w http.ResponseWriter, r *http.Request) {
	account, ok := accountFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Could not get account from context")
		return
	}
	var req initializePaymentRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	amount, err := h.amountMinor(req.Amount)
	if err != nil {
		h.writeServiceError(w, "initialize_payment", err)
		return
	}

	auth, err := h.service.InitializePayment(r.Context(), app.InitializePaymentRequest{
		AccountID:      account.ID,
		Amount:         amount,
		Method:         req.Method,
		Description:    strings.TrimSpace(req.Description),
		Recipient:      req.Recipient,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		h.writeServiceError(w, "initialize_payment", err)
		return
	}
	h.writeJSON(w, createdOrReplayed(auth.Replayed), auth)
}

// VerifyPaymentHandler settles one of the caller's payments against the gateway.
func (h *LedgerHandlers) VerifyPaymentHandler(w http.ResponseWriter, r *http.Request) {
	account, ok := accountFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Could not get account from context")
		return
	}
	reference := strings.TrimSpace(chi.URLParam(r, "reference"))
	if reference == "" {
		h.writeError(w, http.StatusBadRequest, "validation_error", "Payment reference is required")
		return
	}

	verification, err := h.service.VerifyPayment(r.Context(), reference, &account.ID)
	if errors.Is(err, app.ErrPaymentNotSettled) && verification != nil {
		h.writeJSON(w, http.StatusAccepted, pendingVerificationResponse{
			errorResponse: errorResponse{
				Error:         err.Error(),
				Code:          "not_settled",
				GatewayStatus: verification.GatewayStatus,
			},
			Payment: verification.Payment,
		})
		return
	}
	if err != nil {
		status, resp := serviceErrorResponse("verify_payment", err)
		if verification != nil && resp.GatewayStatus == "" {
			resp.GatewayStatus = verification.GatewayStatus
		}
		h.writeJSON(w, status, resp)
		return
	}
	h.writeJSON(w, http.StatusOK, verification)
}

// GetPaymentHandler returns one of the caller's payments without contacting the gateway.
func (h *LedgerHandlers) GetPaymentHandler(w http.ResponseWriter, r *http.Request) {
	account, ok := accountFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Could not get account from context")
		return
	}
	payment, err := h.service.GetPayment(r.Context(), account.ID, strings.TrimSpace(chi.URLParam(r, "reference")))
	if err != nil {
		h.writeServiceError(w, "get_payment", err)
		return
	}
	h.writeJSON(w, http.StatusOK, payment)
}
