/**
 * @description
 * This package provides a client for the external card / mobile-money gateway.
 * It wraps the two calls the ledger needs (initialize a charge, verify a charge)
 * and the HMAC check for the gateway's signed webhooks.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package gatewayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultTimeout = 30 * time.Second

// Client is a client for the gateway API.
type Client struct {
	BaseURL    string
	SecretKey  string
	HTTPClient *http.Client
}

// NewClient creates a new gateway client. A non-positive timeout uses 30 seconds.
func NewClient(baseURL, secretKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		SecretKey: secretKey,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// InitializeRequest is the payload for creating a charge. Amount is in minor units.
type InitializeRequest struct {
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Reference   string            `json:"reference"`
	Email       string            `json:"email,omitempty"`
	CallbackURL string            `json:"callback_url,omitempty"`
	Channels    []string          `json:"channels,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// InitializeResponse is the gateway's answer to an initialize call.
type InitializeResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		AuthorizationURL string `json:"authorization_url"`
		AccessCode       string `json:"access_code"`
		Reference        string `json:"reference"`
	} `json:"data"`
}

// ChargeData is the charge state returned by verify and carried by webhooks.
type ChargeData struct {
	ID              int64           `json:"id"`
	Status          string          `json:"status"`
	Reference       string          `json:"reference"`
	Amount          int64           `json:"amount"`
	Currency        string          `json:"currency"`
	GatewayResponse string          `json:"gateway_response"`
	Channel         string          `json:"channel"`
	PaidAt          *time.Time      `json:"paid_at"`
	Metadata        json.RawMessage `json:"metadata"`
}

// MetadataFields returns the string-valued metadata fields. The gateway sends an empty
// string instead of an object when no metadata was attached; that yields an empty map.
func (d ChargeData) MetadataFields() map[string]string {
	fields := map[string]string{}
	if len(d.Metadata) == 0 {
		return fields
	}
	var raw map[string]any
	if err := json.Unmarshal(d.Metadata, &raw); err != nil {
		return fields
	}
	for key, value := range raw {
		if s, ok := value.(string); ok {
			fields[key] = s
		}
	}
	return fields
}

// VerifyResponse is the gateway's answer to a verify call.
type VerifyResponse struct {
	Status  bool       `json:"status"`
	Message string     `json:"message"`
	Data    ChargeData `json:"data"`
}

// ErrorResponse represents a non-2xx answer from the gateway.
type ErrorResponse struct {
	Status     bool   `json:"status"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
}

func (e *ErrorResponse) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("gateway api error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("unknown gateway api error (status %d)", e.StatusCode)
}

// Retryable reports whether the failure is on the gateway side.
func (e *ErrorResponse) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// InitializePayment creates a charge and returns the authorization handle.
func (c *Client) InitializePayment(ctx context.Context, payload InitializeRequest) (*InitializeResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal initialize request: %w", err)
	}

	var resp InitializeResponse
	if err := c.do(ctx, "initialize", http.MethodPost, "/transaction/initialize", body, &resp); err != nil {
		return nil, err
	}
	if !resp.Status {
		return nil, &ErrorResponse{Status: false, Message: resp.Message, StatusCode: http.StatusOK}
	}
	return &resp, nil
}

// VerifyPayment fetches the final status of reference.
func (c *Client) VerifyPayment(ctx context.Context, reference string) (*VerifyResponse, error) {
	var resp VerifyResponse
	if err := c.do(ctx, "verify", http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewBuffer(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.SecretKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=gateway_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, resp.StatusCode)
			return &ErrorResponse{StatusCode: resp.StatusCode}
		}
		errResp.StatusCode = resp.StatusCode
		log.Printf("level=warn component=gateway_client op=%s status=%d message=%q", op, resp.StatusCode, errResp.Message)
		return &errResp
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}
