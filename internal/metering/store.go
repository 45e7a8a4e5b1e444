package metering

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
	"github.com/wopr-network/wopr-platform-sub005/pkg/models"
)

// Store persists raw meter events and their hourly rollups.
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

func NewStore(db *sql.DB, logger logging.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Insert writes a raw meter event. A replayed event_id is a no-op so the
// gateway can retry the write without double-counting spend.
func (s *Store) Insert(ctx context.Context, ev *models.MeterEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meter_events (event_id, tenant_id, cost_credits, charge_credits, capability, provider, instance_id, model)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (event_id) DO NOTHING
	`, ev.EventID, ev.TenantID, ev.Cost.Int64(), ev.Charge.Int64(), ev.Capability, ev.Provider, ev.InstanceID, ev.Model)
	if err != nil {
		return fmt.Errorf("failed to insert meter event %s: %w", ev.EventID, err)
	}
	return nil
}

// UpsertHourlySummary folds one event into its UTC hour bucket.
func (s *Store) UpsertHourlySummary(ctx context.Context, ev *models.MeterEvent) error {
	at := ev.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	start := at.UTC().Truncate(time.Hour)
	end := start.Add(time.Hour)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_summaries (tenant_id, window_start, window_end, total_cost_credits, total_charge_credits, event_count)
		VALUES ($1, $2, $3, $4, $5, 1)
		ON CONFLICT (tenant_id, window_start, window_end) DO UPDATE SET
			total_cost_credits = usage_summaries.total_cost_credits + EXCLUDED.total_cost_credits,
			total_charge_credits = usage_summaries.total_charge_credits + EXCLUDED.total_charge_credits,
			event_count = usage_summaries.event_count + 1,
			updated_at = NOW()
	`, ev.TenantID, start, end, ev.Cost.Int64(), ev.Charge.Int64())
	if err != nil {
		return fmt.Errorf("failed to roll up meter event %s: %w", ev.EventID, err)
	}
	return nil
}

// Summaries lists a tenant's rollup windows newest first.
func (s *Store) Summaries(ctx context.Context, tenantID string, limit int) ([]models.UsageSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, window_start, window_end, total_cost_credits, total_charge_credits, event_count, updated_at
		FROM usage_summaries
		WHERE tenant_id = $1
		ORDER BY window_start DESC
		LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage summaries: %w", err)
	}
	defer rows.Close()

	var summaries []models.UsageSummary
	for rows.Next() {
		var u models.UsageSummary
		if err := rows.Scan(&u.ID, &u.TenantID, &u.WindowStart, &u.WindowEnd, &u.TotalCost, &u.TotalCharge, &u.EventCount, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan usage summary: %w", err)
		}
		summaries = append(summaries, u)
	}
	return summaries, rows.Err()
}
