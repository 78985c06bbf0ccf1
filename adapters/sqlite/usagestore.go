package sqlite

import (
	"context"
	"fmt"

	"github.com/textgate/textgate/domain/usage"
	"github.com/textgate/textgate/ports"
)

// UsageStore implements ports.UsageStore using SQLite.
// The table is append-only; events are never updated.
type UsageStore struct {
	db *DB
}

// NewUsageStore creates a new SQLite usage store.
func NewUsageStore(db *DB) *UsageStore {
	return &UsageStore{db: db}
}

// RecordBatch stores multiple usage events in one transaction.
func (s *UsageStore) RecordBatch(ctx context.Context, events []usage.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO usage_events (
			id, identity_id, outcome, origin, reason,
			prompt_tokens, completion_tokens, cost_micros, latency_ms, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range events {
		// Store timestamps in UTC for consistent querying.
		_, err := stmt.ExecContext(ctx,
			e.ID, e.IdentityID, string(e.Outcome), string(e.Origin), e.Reason,
			e.PromptTokens, e.CompletionTokens, e.CostMicros, e.LatencyMs, e.Timestamp.UTC(),
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Recent returns the latest events for an identity, newest first.
func (s *UsageStore) Recent(ctx context.Context, identityID string, limit int) ([]usage.Event, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, identity_id, outcome, origin, reason,
		       prompt_tokens, completion_tokens, cost_micros, latency_ms, timestamp
		FROM usage_events
		WHERE identity_id = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, identityID, limit)
	if err != nil {
		return nil, fmt.Errorf("query usage events: %w", err)
	}
	defer rows.Close()

	var events []usage.Event
	for rows.Next() {
		var e usage.Event
		var outcome, origin string
		if err := rows.Scan(&e.ID, &e.IdentityID, &outcome, &origin, &e.Reason,
			&e.PromptTokens, &e.CompletionTokens, &e.CostMicros, &e.LatencyMs, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan usage event: %w", err)
		}
		e.Outcome = usage.Outcome(outcome)
		e.Origin = usage.Origin(origin)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Ensure interface compliance.
var _ ports.UsageStore = (*UsageStore)(nil)
