package gatewayclient

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// DefaultSignatureHeader carries the hex HMAC-SHA512 of the raw webhook body.
const DefaultSignatureHeader = "x-gateway-signature"

var ErrInvalidSignature = errors.New("invalid webhook signature")

// Sign returns the hex HMAC-SHA512 of body keyed by secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks signature against the exact raw body. An empty secret rejects everything.
func VerifySignature(secret string, body []byte, signature string) error {
	signature = strings.TrimSpace(signature)
	if secret == "" || signature == "" {
		return ErrInvalidSignature
	}
	provided, err := hex.DecodeString(strings.ToLower(signature))
	if err != nil {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

// WebhookEvent is the envelope of a gateway notification.
type WebhookEvent struct {
	Event string     `json:"event"`
	Data  ChargeData `json:"data"`
}

// EventID identifies the delivery for deduplication.
func (e WebhookEvent) EventID() string {
	if e.Data.ID != 0 {
		return fmt.Sprintf("%s:%d", e.Event, e.Data.ID)
	}
	return e.Event + ":" + e.Data.Reference
}

// ParseWebhookEvent decodes a verified webhook body.
func ParseWebhookEvent(body []byte) (*WebhookEvent, error) {
	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("decode webhook event: %w", err)
	}
	event.Event = strings.TrimSpace(event.Event)
	event.Data.Reference = strings.TrimSpace(event.Data.Reference)
	if event.Event == "" {
		return nil, errors.New("webhook event name is missing")
	}
	return &event, nil
}
