package api

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newJWKSServer(t *testing.T, kid string, key *rsa.PublicKey) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{{
				"kid": kid,
				"kty": "RSA",
				"use": "sig",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		})
	}))
	t.Cleanup(server.Close)
	return server, &hits
}

func signToken(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func TestClerkAuthMiddleware(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	server, hits := newJWKSServer(t, "kid-1", &key.PublicKey)

	var seen string
	handler := ClerkAuthMiddleware(server.URL)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = GetClerkUserID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	valid := jwt.MapClaims{"sub": "user_2abc", "exp": time.Now().Add(time.Minute).Unix()}

	tests := []struct {
		name   string
		header string
		status int
	}{
		{name: "valid", header: "Bearer " + signToken(t, key, "kid-1", valid), status: http.StatusNoContent},
		{name: "missing header", header: "", status: http.StatusUnauthorized},
		{name: "not bearer", header: "Token abc", status: http.StatusUnauthorized},
		{name: "wrong key", header: "Bearer " + signToken(t, other, "kid-1", valid), status: http.StatusUnauthorized},
		{name: "unknown kid", header: "Bearer " + signToken(t, key, "kid-2", valid), status: http.StatusUnauthorized},
		{name: "expired", header: "Bearer " + signToken(t, key, "kid-1", jwt.MapClaims{"sub": "user_2abc", "exp": time.Now().Add(-time.Minute).Unix()}), status: http.StatusUnauthorized},
		{name: "no subject", header: "Bearer " + signToken(t, key, "kid-1", jwt.MapClaims{"exp": time.Now().Add(time.Minute).Unix()}), status: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, "/ledger/accounts/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			if tt.status == http.StatusNoContent && seen != "user_2abc" {
				t.Fatalf("expected subject in context, got %q", seen)
			}
		})
	}

	// One fetch for the first valid token, one forced refresh for the unknown kid.
	if got := atomic.LoadInt32(hits); got != 2 {
		t.Fatalf("expected the key set to be cached, got %d fetches", got)
	}
}

func TestParseRSAPublicKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	n := base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes())
	parsed, err := parseRSAPublicKey(n, "AQAB")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.E != 65537 || parsed.N.Cmp(key.PublicKey.N) != 0 {
		t.Fatalf("unexpected key: e=%d", parsed.E)
	}
	if _, err := parseRSAPublicKey(n, "!!"); err == nil {
		t.Fatalf("expected error for a bad exponent")
	}
}
