package api

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/transfa/ledger-service/pkg/gatewayclient"
)

// GatewayWebhookHandler authenticates a gateway notification and routes it into the
// verify path. The body is never logged.
func (h *LedgerHandlers) GatewayWebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "validation_error", "Webhook body too large")
			return
		}
		h.writeError(w, http.StatusBadRequest, "validation_error", "Unable to read webhook body")
		return
	}

	if strings.TrimSpace(h.webhookSecret) == "" {
		log.Printf("level=error component=api endpoint=gateway_webhook outcome=reject reason=secret_not_configured")
		h.writeServiceError(w, "gateway_webhook", gatewayclient.ErrInvalidSignature)
		return
	}
	if err := gatewayclient.VerifySignature(h.webhookSecret, body, r.Header.Get(h.signatureHeader)); err != nil {
		h.writeServiceError(w, "gateway_webhook", err)
		return
	}

	event, err := gatewayclient.ParseWebhookEvent(body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	outcome, err := h.service.HandleGatewayWebhook(r.Context(), event)
	if err != nil {
		h.writeServiceError(w, "gateway_webhook", err)
		return
	}
	log.Printf("level=info component=api endpoint=gateway_webhook outcome=%s event=%s reference=%s", outcome, event.Event, event.Data.Reference)
	h.writeJSON(w, http.StatusOK, map[string]string{"status": string(outcome)})
}
