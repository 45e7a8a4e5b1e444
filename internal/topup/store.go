package topup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wopr-network/wopr-platform-sub005/pkg/credits"
	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
	"github.com/wopr-network/wopr-platform-sub005/pkg/models"
)

// maxConsecutiveFailures disables a topup mechanism after this many
// charge failures in a row.
const maxConsecutiveFailures = 3

// Store owns topup_settings. The usage-charge flag and the failure
// counters are only mutated through the single-statement primitives so
// concurrent consumers and workers cannot race each other.
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

func NewStore(db *sql.DB, logger logging.Logger) *Store {
	return &Store{db: db, logger: logger}
}

const settingsColumns = `tenant_id, usage_enabled, usage_threshold_cents, usage_topup_cents,
		usage_charge_in_flight, usage_consecutive_failures,
		schedule_enabled, schedule_amount_cents, schedule_interval, schedule_next_at,
		schedule_consecutive_failures, stripe_payment_method_id, updated_at`

// Get returns the tenant's settings row, or schema defaults when the
// tenant never configured topups.
func (s *Store) Get(ctx context.Context, tenantID string) (*models.TopupSettings, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+settingsColumns+`
		FROM topup_settings WHERE tenant_id = $1
	`, tenantID)

	settings, err := scanSettings(row)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.TopupSettings{
			TenantID:         tenantID,
			UsageThreshold:   credits.Credits(500),
			UsageTopup:       credits.Credits(1000),
			ScheduleAmount:   credits.Credits(1000),
			ScheduleInterval: models.IntervalMonthly,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load topup settings: %w", err)
	}
	return settings, nil
}

// SaveUsage upserts the usage-triggered columns and clears the failure
// streak so a re-enable starts fresh.
func (s *Store) SaveUsage(ctx context.Context, tenantID string, enabled bool, threshold, amount credits.Credits) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO topup_settings (tenant_id, usage_enabled, usage_threshold_cents, usage_topup_cents)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id) DO UPDATE SET
			usage_enabled = EXCLUDED.usage_enabled,
			usage_threshold_cents = EXCLUDED.usage_threshold_cents,
			usage_topup_cents = EXCLUDED.usage_topup_cents,
			usage_consecutive_failures = 0,
			updated_at = NOW()
	`, tenantID, enabled, threshold.Int64(), amount.Int64())
	if err != nil {
		return fmt.Errorf("failed to save usage topup settings: %w", err)
	}
	return nil
}

// SaveSchedule upserts the scheduled columns. nextAt carries the first
// due time when enabling; it is ignored when disabling.
func (s *Store) SaveSchedule(ctx context.Context, tenantID string, enabled bool, amount credits.Credits, interval string, nextAt *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO topup_settings (tenant_id, schedule_enabled, schedule_amount_cents, schedule_interval, schedule_next_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id) DO UPDATE SET
			schedule_enabled = EXCLUDED.schedule_enabled,
			schedule_amount_cents = EXCLUDED.schedule_amount_cents,
			schedule_interval = EXCLUDED.schedule_interval,
			schedule_next_at = EXCLUDED.schedule_next_at,
			schedule_consecutive_failures = 0,
			updated_at = NOW()
	`, tenantID, enabled, amount.Int64(), interval, nextAt)
	if err != nil {
		return fmt.Errorf("failed to save schedule topup settings: %w", err)
	}
	return nil
}

// SetPaymentMethod stores the Stripe payment method auto-topups charge.
func (s *Store) SetPaymentMethod(ctx context.Context, tenantID, paymentMethodID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO topup_settings (tenant_id, stripe_payment_method_id)
		VALUES ($1, $2)
		ON CONFLICT (tenant_id) DO UPDATE SET
			stripe_payment_method_id = EXCLUDED.stripe_payment_method_id,
			updated_at = NOW()
	`, tenantID, paymentMethodID)
	if err != nil {
		return fmt.Errorf("failed to set payment method: %w", err)
	}
	return nil
}

// AcquireUsageCharge claims the per-tenant charge flag. Exactly one
// caller wins the false→true transition; everyone else backs off.
func (s *Store) AcquireUsageCharge(ctx context.Context, tenantID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE topup_settings
		SET usage_charge_in_flight = true, updated_at = NOW()
		WHERE tenant_id = $1 AND usage_enabled = true AND usage_charge_in_flight = false
	`, tenantID)
	if err != nil {
		return false, fmt.Errorf("failed to acquire usage charge flag: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read acquire result: %w", err)
	}
	return affected == 1, nil
}

// RecordUsageSuccess releases the charge flag and resets the streak.
func (s *Store) RecordUsageSuccess(ctx context.Context, tenantID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE topup_settings
		SET usage_charge_in_flight = false, usage_consecutive_failures = 0, updated_at = NOW()
		WHERE tenant_id = $1
	`, tenantID)
	if err != nil {
		return fmt.Errorf("failed to record usage topup success: %w", err)
	}
	return nil
}

// RecordUsageFailure releases the charge flag, bumps the streak, and
// disables usage topups on the third strike. Returns the new streak and
// whether the mechanism is still enabled.
func (s *Store) RecordUsageFailure(ctx context.Context, tenantID string) (failures int, enabled bool, err error) {
	err = s.db.QueryRowContext(ctx, `
		UPDATE topup_settings
		SET usage_charge_in_flight = false,
			usage_consecutive_failures = usage_consecutive_failures + 1,
			usage_enabled = usage_enabled AND usage_consecutive_failures + 1 < $2,
			updated_at = NOW()
		WHERE tenant_id = $1
		RETURNING usage_consecutive_failures, usage_enabled
	`, tenantID, maxConsecutiveFailures).Scan(&failures, &enabled)
	if err != nil {
		return 0, false, fmt.Errorf("failed to record usage topup failure: %w", err)
	}
	return failures, enabled, nil
}

// ListDueSchedules returns rows whose schedule fired.
func (s *Store) ListDueSchedules(ctx context.Context, now time.Time) ([]*models.TopupSettings, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+settingsColumns+`
		FROM topup_settings
		WHERE schedule_enabled = true AND schedule_next_at IS NOT NULL AND schedule_next_at <= $1
		ORDER BY schedule_next_at
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list due schedules: %w", err)
	}
	defer rows.Close() //nolint:errcheck // close is best-effort

	var due []*models.TopupSettings
	for rows.Next() {
		settings, err := scanSettings(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan due schedule: %w", err)
		}
		due = append(due, settings)
	}
	return due, rows.Err()
}

// AdvanceSchedule moves the next-due stamp. Called before the charge is
// attempted so a failing schedule cannot stall or double-fire.
func (s *Store) AdvanceSchedule(ctx context.Context, tenantID string, nextAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE topup_settings
		SET schedule_next_at = $2, updated_at = NOW()
		WHERE tenant_id = $1
	`, tenantID, nextAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to advance schedule: %w", err)
	}
	return nil
}

// RecordScheduleSuccess resets the schedule failure streak.
func (s *Store) RecordScheduleSuccess(ctx context.Context, tenantID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE topup_settings
		SET schedule_consecutive_failures = 0, updated_at = NOW()
		WHERE tenant_id = $1
	`, tenantID)
	if err != nil {
		return fmt.Errorf("failed to record schedule topup success: %w", err)
	}
	return nil
}

// RecordScheduleFailure bumps the schedule streak and disables the
// schedule on the third strike.
func (s *Store) RecordScheduleFailure(ctx context.Context, tenantID string) (failures int, enabled bool, err error) {
	err = s.db.QueryRowContext(ctx, `
		UPDATE topup_settings
		SET schedule_consecutive_failures = schedule_consecutive_failures + 1,
			schedule_enabled = schedule_enabled AND schedule_consecutive_failures + 1 < $2,
			updated_at = NOW()
		WHERE tenant_id = $1
		RETURNING schedule_consecutive_failures, schedule_enabled
	`, tenantID, maxConsecutiveFailures).Scan(&failures, &enabled)
	if err != nil {
		return 0, false, fmt.Errorf("failed to record schedule topup failure: %w", err)
	}
	return failures, enabled, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSettings(row rowScanner) (*models.TopupSettings, error) {
	var (
		settings      models.TopupSettings
		threshold     int64
		usageAmount   int64
		scheduleCents int64
		nextAt        sql.NullTime
		method        sql.NullString
	)
	err := row.Scan(
		&settings.TenantID, &settings.UsageEnabled, &threshold, &usageAmount,
		&settings.UsageChargeInFlight, &settings.UsageConsecutiveFailures,
		&settings.ScheduleEnabled, &scheduleCents, &settings.ScheduleInterval, &nextAt,
		&settings.ScheduleConsecutiveFailures, &method, &settings.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	settings.UsageThreshold = credits.Credits(threshold)
	settings.UsageTopup = credits.Credits(usageAmount)
	settings.ScheduleAmount = credits.Credits(scheduleCents)
	if nextAt.Valid {
		t := nextAt.Time
		settings.ScheduleNextAt = &t
	}
	if method.Valid {
		m := method.String
		settings.StripePaymentMethodID = &m
	}
	return &settings, nil
}
