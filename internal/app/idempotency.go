package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
)

const maxIdempotencyKeyLength = 128

// normalizeIdempotencyKey trims key and enforces printable ASCII up to 128 characters.
// An empty key means the caller opted out of idempotent replay.
func normalizeIdempotencyKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", nil
	}
	if len(key) > maxIdempotencyKeyLength {
		return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidIdempotencyKey, maxIdempotencyKeyLength)
	}
	for i := 0; i < len(key); i++ {
		if key[i] < 0x21 || key[i] > 0x7e {
			return "", fmt.Errorf("%w: only printable ASCII is allowed", ErrInvalidIdempotencyKey)
		}
	}
	return key, nil
}

// requestHash fingerprints the fields that define an operation, so a reused key with a
// different request is detected instead of replayed.
func requestHash(operation string, fields ...string) string {
	h := sha256.New()
	h.Write([]byte(operation))
	for _, field := range fields {
		h.Write([]byte{0})
		h.Write([]byte(field))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// metadataFields flattens metadata into sorted key=value pairs for requestHash.
func metadataFields(metadata map[string]string) []string {
	fields := make([]string, 0, len(metadata))
	for _, key := range slices.Sorted(maps.Keys(metadata)) {
		fields = append(fields, key+"="+metadata[key])
	}
	return fields
}

// decodeReplay loads a stored result into out after checking that rec belongs to the same request.
func decodeReplay(rec *domain.IdempotencyRecord, operation, hash string, out any) error {
	if rec.Operation != operation || rec.RequestHash != hash {
		return store.ErrIdempotencyConflict
	}
	if rec.Status != domain.IdempotencyStatusCompleted || len(rec.Response) == 0 {
		return store.ErrIdempotencyInFlight
	}
	if err := json.Unmarshal(rec.Response, out); err != nil {
		return fmt.Errorf("decode stored idempotent response: %w", err)
	}
	return nil
}

// lookupReplay is the read-only fast path taken before any lock is acquired.
func (s *Service) lookupReplay(ctx context.Context, accountID uuid.UUID, key, operation, hash string, out any) (bool, error) {
	if key == "" {
		return false, nil
	}
	rec, err := s.repo.FindIdempotencyRecord(ctx, accountID, key)
	if err != nil {
		if errors.Is(err, store.ErrIdempotencyNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("lookup idempotency key: %w", err)
	}
	if rec.Status != domain.IdempotencyStatusCompleted && rec.Operation == operation && rec.RequestHash == hash {
		// Reserved by a unit that has not committed; the in-unit reservation will wait for it.
		return false, nil
	}
	if err := decodeReplay(rec, operation, hash, out); err != nil {
		return false, err
	}
	s.metrics.ObserveReplay(operation)
	return true, nil
}

// reserveInUnit claims key inside tx. When the key is already settled it decodes the stored
// result into out and reports replayed=true; the caller must then skip the mutation.
func (s *Service) reserveInUnit(ctx context.Context, tx store.LedgerTx, accountID uuid.UUID, key, operation, hash string, out any) (bool, error) {
	if key == "" {
		return false, nil
	}
	existing, reserved, err := tx.ReserveIdempotencyKey(ctx, domain.IdempotencyRecord{
		AccountID:   accountID,
		Key:         key,
		Operation:   operation,
		RequestHash: hash,
	})
	if err != nil {
		return false, err
	}
	if reserved {
		return false, nil
	}
	if err := decodeReplay(existing, operation, hash, out); err != nil {
		return false, err
	}
	s.metrics.ObserveReplay(operation)
	return true, nil
}

// completeInUnit stores result as the replayable response for key.
func completeInUnit(ctx context.Context, tx store.LedgerTx, accountID uuid.UUID, key string, result any) error {
	if key == "" {
		return nil
	}
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode idempotent response: %w", err)
	}
	return tx.CompleteIdempotencyKey(ctx, accountID, key, body)
}
