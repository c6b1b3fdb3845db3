/**
 * @description
 * This file contains the shared plumbing for the ledger-service's HTTP handlers.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - github.com/shopspring/decimal: Decimal amounts in request bodies.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/transfa/ledger-service/internal/app"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
	"github.com/transfa/ledger-service/pkg/gatewayclient"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	maxRequestBodyBytes  = 1 << 20
)

// LedgerHandlers holds the application service that handlers will use.
type LedgerHandlers struct {
	service         *app.Service
	webhookSecret   string
	signatureHeader string
}

// NewLedgerHandlers creates a new instance of LedgerHandlers.
func NewLedgerHandlers(service *app.Service, webhookSecret, signatureHeader string) *LedgerHandlers {
	signatureHeader = strings.TrimSpace(signatureHeader)
	if signatureHeader == "" {
		signatureHeader = gatewayclient.DefaultSignatureHeader
	}
	return &LedgerHandlers{
		service:         service,
		webhookSecret:   webhookSecret,
		signatureHeader: signatureHeader,
	}
}

type errorResponse struct {
	Error         string `json:"error"`
	Code          string `json:"code"`
	GatewayStatus string `json:"gateway_status,omitempty"`
}

// errorStatus maps a service error to its HTTP status and machine-readable code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, gatewayclient.ErrInvalidSignature):
		return http.StatusUnauthorized, "invalid_signature"
	case errors.Is(err, store.ErrInsufficientFunds):
		return http.StatusPaymentRequired, "insufficient_funds"
	case errors.Is(err, domain.ErrValidation), errors.Is(err, app.ErrSelfTransfer), errors.Is(err, app.ErrInvalidIdempotencyKey):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, store.ErrAccountNotFound):
		return http.StatusNotFound, "account_not_found"
	case errors.Is(err, store.ErrTransactionNotFound):
		return http.StatusNotFound, "transaction_not_found"
	case errors.Is(err, store.ErrPaymentNotFound), errors.Is(err, app.ErrPaymentUnattributable):
		return http.StatusNotFound, "payment_not_found"
	case errors.Is(err, store.ErrIdempotencyConflict):
		return http.StatusConflict, "idempotency_conflict"
	case errors.Is(err, store.ErrIdempotencyInFlight):
		return http.StatusConflict, "idempotency_in_flight"
	case errors.Is(err, store.ErrConcurrencyConflict), errors.Is(err, store.ErrDuplicateReference):
		return http.StatusConflict, "conflict"
	case errors.Is(err, store.ErrAccountNotActive):
		return http.StatusUnprocessableEntity, "account_not_active"
	case errors.Is(err, app.ErrGatewayRejected):
		return http.StatusBadGateway, "gateway_rejected"
	case errors.Is(err, app.ErrGatewayUnavailable):
		return http.StatusBadGateway, "gateway_unavailable"
	case errors.Is(err, app.ErrPaymentNotSettled):
		return http.StatusAccepted, "not_settled"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// writeServiceError logs and renders err using errorStatus. Internal errors never leak their text.
func (h *LedgerHandlers) writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	status, resp := serviceErrorResponse(endpoint, err)
	h.writeJSON(w, status, resp)
}

func serviceErrorResponse(endpoint string, err error) (int, errorResponse) {
	status, code := errorStatus(err)
	resp := errorResponse{Error: err.Error(), Code: code}
	if status >= http.StatusInternalServerError {
		log.Printf("level=error component=api endpoint=%s outcome=failed code=%s err=%v", endpoint, code, err)
		if status == http.StatusInternalServerError {
			resp.Error = "Internal server error"
		}
	} else {
		log.Printf("level=warn component=api endpoint=%s outcome=reject code=%s err=%v", endpoint, code, err)
	}
	var apiErr *gatewayclient.ErrorResponse
	if errors.As(err, &apiErr) && apiErr.StatusCode > 0 {
		resp.GatewayStatus = strconv.Itoa(apiErr.StatusCode)
	}
	return status, resp
}

// writeJSON is a helper for writing JSON responses.
func (h *LedgerHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *LedgerHandlers) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, errorResponse{Error: message, Code: code})
}

// decodeBody reads a size-capped JSON body and rejects unknown fields.
func (h *LedgerHandlers) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			h.writeError(w, http.StatusBadRequest, "validation_error", "Request body is required")
			return false
		}
		h.writeError(w, http.StatusBadRequest, "validation_error", "Invalid request body: "+err.Error())
		return false
	}
	return true
}

// amountMinor converts a JSON amount in major units into minor units under the service policy.
// Amounts are accepted as JSON numbers or strings.
func (h *LedgerHandlers) amountMinor(raw *decimal.Decimal) (int64, error) {
	if raw == nil {
		return 0, domain.ErrAmountRequired
	}
	money, err := h.service.Policy().FromDecimal(*raw)
	if err != nil {
		return 0, err
	}
	return money.Amount, nil
}

// idempotencyKey prefers the Idempotency-Key header over the body field.
func idempotencyKey(r *http.Request, fromBody string) string {
	if header := strings.TrimSpace(r.Header.Get(idempotencyKeyHeader)); header != "" {
		return header
	}
	return fromBody
}

// createdOrReplayed answers 201 for a fresh mutation and 200 for an idempotent replay.
func createdOrReplayed(replayed bool) int {
	if replayed {
		return http.StatusOK
	}
	return http.StatusCreated
}

type accountContextKey struct{}

func withAccount(ctx context.Context, account *domain.Account) context.Context {
	return context.WithValue(ctx, accountContextKey{}, account)
}

// accountFromContext returns the ledger account resolved by RequireAccount.
func accountFromContext(ctx context.Context) (*domain.Account, bool) {
	account, ok := ctx.Value(accountContextKey{}).(*domain.Account)
	return account, ok && account != nil
}

// RequireAccount resolves the authenticated owner to their ledger account.
func (h *LedgerHandlers) RequireAccount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := GetClerkUserID(r.Context())
		if !ok {
			h.writeError(w, http.StatusUnauthorized, "unauthorized", "Could not get user ID from context")
			return
		}
		account, err := h.service.ResolveAccount(r.Context(), ownerID)
		if err != nil {
			if errors.Is(err, store.ErrAccountNotFound) {
				log.Printf("level=warn component=api msg=\"no ledger account for owner\" owner_id=%s", ownerID)
				h.writeError(w, http.StatusNotFound, "account_not_found", "Ledger account not found")
				return
			}
			h.writeServiceError(w, "resolve_account", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withAccount(r.Context(), account)))
	})
}
