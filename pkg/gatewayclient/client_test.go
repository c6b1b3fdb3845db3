package gatewayclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestInitializePaymentSendsAuthenticatedRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/transaction/initialize" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk_test" {
			t.Fatalf("unexpected authorization header %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		var payload InitializeRequest
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload.Amount != 150000 || payload.Reference != "PAY-1" || payload.Metadata["method"] != "card" {
			t.Fatalf("unexpected payload %+v", payload)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":true,"message":"Authorization URL created","data":{"authorization_url":"https://checkout/abc","access_code":"abc","reference":"PAY-1"}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", "sk_test", time.Second)
	resp, err := client.InitializePayment(context.Background(), InitializeRequest{
		Amount:    150000,
		Currency:  "NGN",
		Reference: "PAY-1",
		Metadata:  map[string]string{"method": "card"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Data.AuthorizationURL != "https://checkout/abc" || resp.Data.Reference != "PAY-1" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestVerifyPaymentDecodesChargeAndMetadata(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transaction/verify/PAY-1" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"status":true,"message":"Verification successful","data":{"id":42,"status":"success","reference":"PAY-1","amount":5000,"currency":"NGN","gateway_response":"Approved","metadata":{"account_id":"acc","attempt":2}}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "sk_test", time.Second)
	resp, err := client.VerifyPayment(context.Background(), "PAY-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Data.Status != "success" || resp.Data.Amount != 5000 {
		t.Fatalf("unexpected data %+v", resp.Data)
	}
	fields := resp.Data.MetadataFields()
	if fields["account_id"] != "acc" {
		t.Fatalf("expected account_id metadata, got %v", fields)
	}
	if _, ok := fields["attempt"]; ok {
		t.Fatalf("non-string metadata must be skipped")
	}
}

func TestEmptyMetadataStringYieldsEmptyMap(t *testing.T) {
	data := ChargeData{Metadata: json.RawMessage(`""`)}
	if fields := data.MetadataFields(); len(fields) != 0 {
		t.Fatalf("expected empty map, got %v", fields)
	}
}

func TestNon2xxReturnsErrorResponse(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantRetryable bool
	}{
		{name: "bad request", status: http.StatusBadRequest, body: `{"status":false,"message":"Transaction reference not found"}`, wantRetryable: false},
		{name: "server error", status: http.StatusBadGateway, body: `upstream down`, wantRetryable: true},
		{name: "rate limited", status: http.StatusTooManyRequests, body: `{"status":false,"message":"slow down"}`, wantRetryable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewClient(server.URL, "sk", time.Second).VerifyPayment(context.Background(), "PAY-1")
			var apiErr *ErrorResponse
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected *ErrorResponse, got %v", err)
			}
			if apiErr.StatusCode != tt.status {
				t.Fatalf("expected status %d, got %d", tt.status, apiErr.StatusCode)
			}
			if apiErr.Retryable() != tt.wantRetryable {
				t.Fatalf("expected retryable=%t", tt.wantRetryable)
			}
		})
	}
}

func TestInitializeWithFalseStatusIsAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":false,"message":"Invalid amount"}`))
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "sk", time.Second).InitializePayment(context.Background(), InitializeRequest{Amount: 1})
	var apiErr *ErrorResponse
	if !errors.As(err, &apiErr) || apiErr.Message != "Invalid amount" {
		t.Fatalf("expected gateway error with message, got %v", err)
	}
}

func TestTimeoutSurfacesAsTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "sk", 20*time.Millisecond).VerifyPayment(context.Background(), "PAY-1")
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	var apiErr *ErrorResponse
	if errors.As(err, &apiErr) {
		t.Fatalf("timeouts must not look like gateway answers")
	}
}
