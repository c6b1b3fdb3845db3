package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/domain"
)

const maxOutboxErrorLength = 2000

func (r *PostgresRepository) ClaimPendingEvents(ctx context.Context, limit int, staleAfter time.Duration) ([]domain.LedgerEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	staleAfterSeconds := int(staleAfter.Seconds())
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	query := `
		WITH candidates AS (
			SELECT id
			FROM ledger_events
			WHERE (
				(status = 'pending' AND next_attempt_at <= NOW())
				OR (status = 'processing' AND processing_started_at < NOW() - ($2 * INTERVAL '1 second'))
			)
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE ledger_events AS e
		SET status = 'processing',
			processing_started_at = NOW(),
			attempts = e.attempts + 1
		FROM candidates
		WHERE e.id = candidates.id
		RETURNING e.id, e.routing_key, e.payload::text, e.status, e.attempts, e.last_error,
			e.next_attempt_at, e.processing_started_at, e.created_at
	`

	rows, err := r.db.Query(ctx, query, limit, staleAfterSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]domain.LedgerEvent, 0, limit)
	for rows.Next() {
		var (
			event       domain.LedgerEvent
			payloadText string
			status      string
		)
		if err := rows.Scan(
			&event.ID,
			&event.RoutingKey,
			&payloadText,
			&status,
			&event.Attempts,
			&event.LastError,
			&event.NextAttemptAt,
			&event.ClaimedAt,
			&event.CreatedAt,
		); err != nil {
			return nil, err
		}
		event.Payload = []byte(payloadText)
		event.Status = domain.EventStatus(status)
		events = append(events, event)
	}
	return events, rows.Err()
}

func (r *PostgresRepository) MarkEventPublished(ctx context.Context, eventID uuid.UUID) error {
	result, err := r.db.Exec(ctx, `
		UPDATE ledger_events
		SET status = 'published',
			published_at = NOW(),
			processing_started_at = NULL,
			last_error = NULL
		WHERE id = $1
	`, eventID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (r *PostgresRepository) MarkEventFailed(ctx context.Context, eventID uuid.UUID, retryAfter time.Duration, reason string, terminal bool) error {
	retryAfterSeconds := int(retryAfter.Seconds())
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	if len(reason) > maxOutboxErrorLength {
		reason = reason[:maxOutboxErrorLength]
	}
	status := string(domain.EventStatusPending)
	if terminal {
		status = string(domain.EventStatusFailed)
	}
	result, err := r.db.Exec(ctx, `
		UPDATE ledger_events
		SET status = $4,
			next_attempt_at = NOW() + ($2 * INTERVAL '1 second'),
			processing_started_at = NULL,
			last_error = $3
		WHERE id = $1
	`, eventID, retryAfterSeconds, reason, status)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}
