package webhooks

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
)

// Store owns webhook_events and the completion side of pending_topups.
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

func NewStore(db *sql.DB, logger logging.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Seen reports whether the event was already processed. Providers retry
// deliveries, so every event is checked before any side effects run.
func (s *Store) Seen(ctx context.Context, provider, eventID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM webhook_events WHERE provider = $1 AND event_id = $2
		)`, provider, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check webhook event: %w", err)
	}
	return exists, nil
}

// MarkProcessed records the event after its side effects succeeded. A
// concurrent replica may have raced us here; the conflict is harmless
// because the ledger dedupes the credit by reference id.
func (s *Store) MarkProcessed(ctx context.Context, provider, eventID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (provider, event_id)
		VALUES ($1, $2)
		ON CONFLICT (provider, event_id) DO NOTHING`, provider, eventID)
	if err != nil {
		return fmt.Errorf("failed to record webhook event: %w", err)
	}
	return nil
}

// CompletePendingTopup stamps the pending_topups row for a finished
// Checkout session. Returns false when no pending row matched, which is
// normal for sessions created outside the topup flow.
func (s *Store) CompletePendingTopup(ctx context.Context, sessionID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE pending_topups
		SET status = 'completed', completed_at = NOW()
		WHERE stripe_session_id = $1 AND status = 'pending'`, sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to complete pending topup: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read completion result: %w", err)
	}
	return affected == 1, nil
}
