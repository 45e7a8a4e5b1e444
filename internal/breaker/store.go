package breaker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
	"github.com/wopr-network/wopr-platform-sub005/pkg/models"
)

// Store keeps per-instance request windows in circuit_states. Every
// mutation is a single statement so concurrent gateway replicas never
// race a read-modify-write.
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

func NewStore(db *sql.DB, logger logging.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Get returns the circuit row, or nil if the instance was never seen.
func (s *Store) Get(ctx context.Context, instanceID string) (*models.CircuitState, error) {
	var state models.CircuitState
	err := s.db.QueryRowContext(ctx, `
		SELECT instance_id, request_count, window_start, tripped_at
		FROM circuit_states WHERE instance_id = $1
	`, instanceID).Scan(&state.InstanceID, &state.RequestCount, &state.WindowStart, &state.TrippedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read circuit state for %s: %w", instanceID, err)
	}
	return &state, nil
}

// IncrementOrReset bumps the window counter, starting a fresh window when
// the current one is older than window. Returns the post-update count.
func (s *Store) IncrementOrReset(ctx context.Context, instanceID string, window time.Duration) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO circuit_states (instance_id, request_count, window_start)
		VALUES ($1, 1, NOW())
		ON CONFLICT (instance_id) DO UPDATE SET
			request_count = CASE
				WHEN NOW() - circuit_states.window_start >= make_interval(secs => $2)
				THEN 1 ELSE circuit_states.request_count + 1 END,
			window_start = CASE
				WHEN NOW() - circuit_states.window_start >= make_interval(secs => $2)
				THEN NOW() ELSE circuit_states.window_start END
		RETURNING request_count
	`, instanceID, window.Seconds()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to bump circuit window for %s: %w", instanceID, err)
	}
	return count, nil
}

// Trip marks the circuit open. Returns true only for the call that
// performed the untripped-to-tripped transition, so the caller can fire
// side effects exactly once per trip.
func (s *Store) Trip(ctx context.Context, instanceID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE circuit_states SET tripped_at = NOW()
		WHERE instance_id = $1 AND tripped_at IS NULL
	`, instanceID)
	if err != nil {
		return false, fmt.Errorf("failed to trip circuit for %s: %w", instanceID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read trip result: %w", err)
	}
	return affected == 1, nil
}

// Reset clears the counter, the window and the trip marker.
func (s *Store) Reset(ctx context.Context, instanceID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE circuit_states
		SET request_count = 0, window_start = NOW(), tripped_at = NULL
		WHERE instance_id = $1
	`, instanceID)
	if err != nil {
		return fmt.Errorf("failed to reset circuit for %s: %w", instanceID, err)
	}
	return nil
}
