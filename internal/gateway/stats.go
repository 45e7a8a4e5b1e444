package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
)

// StatsStore counts gateway requests per UTC minute bucket. The
// error-rate alert reads these totals.
type StatsStore struct {
	db     *sql.DB
	logger logging.Logger
}

func NewStatsStore(db *sql.DB, logger logging.Logger) *StatsStore {
	return &StatsStore{db: db, logger: logger}
}

// RecordRequest bumps the minute bucket for one finished request.
func (s *StatsStore) RecordRequest(ctx context.Context, at time.Time, isError bool) error {
	bucket := at.UTC().Truncate(time.Minute)
	errs := 0
	if isError {
		errs = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gateway_request_stats (bucket, requests, errors)
		VALUES ($1, 1, $2)
		ON CONFLICT (bucket) DO UPDATE SET
			requests = gateway_request_stats.requests + 1,
			errors = gateway_request_stats.errors + EXCLUDED.errors
	`, bucket, errs)
	if err != nil {
		return fmt.Errorf("failed to record request stats: %w", err)
	}
	return nil
}

// WindowTotals sums requests and errors over buckets at or after since.
func (s *StatsStore) WindowTotals(ctx context.Context, since time.Time) (requests, errors int64, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(requests), 0), COALESCE(SUM(errors), 0)
		FROM gateway_request_stats WHERE bucket >= $1
	`, since.UTC().Truncate(time.Minute)).Scan(&requests, &errors)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to sum request stats: %w", err)
	}
	return requests, errors, nil
}

// PruneBefore drops buckets older than the cutoff.
func (s *StatsStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM gateway_request_stats WHERE bucket < $1
	`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune request stats: %w", err)
	}
	return res.RowsAffected()
}
