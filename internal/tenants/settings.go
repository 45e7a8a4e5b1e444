package tenants

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/wopr-network/wopr-platform-sub005/pkg/credits"
	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
	"github.com/wopr-network/wopr-platform-sub005/pkg/models"
)

// SettingsStore owns tenant_settings: gateway spending caps and the
// Stripe customer mapping. Falken reads caps on the hot path; norad
// writes them from the billing API and the webhook reconciler.
type SettingsStore struct {
	db     *sql.DB
	logger logging.Logger
}

func NewSettingsStore(db *sql.DB, logger logging.Logger) *SettingsStore {
	return &SettingsStore{db: db, logger: logger}
}

// Get returns the settings row. A tenant without one gets the zero
// settings (no caps, no customer mapping).
func (s *SettingsStore) Get(ctx context.Context, tenantID string) (*models.TenantSettings, error) {
	var settings models.TenantSettings
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, daily_cap_cents, monthly_cap_cents, stripe_customer_id, updated_at
		FROM tenant_settings WHERE tenant_id = $1
	`, tenantID).Scan(
		&settings.TenantID, &settings.DailyCapCents, &settings.MonthlyCapCents,
		&settings.StripeCustomerID, &settings.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.TenantSettings{TenantID: tenantID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read settings for tenant %s: %w", tenantID, err)
	}
	return &settings, nil
}

// SetCaps upserts the spending caps. A nil cap clears it.
func (s *SettingsStore) SetCaps(ctx context.Context, tenantID string, daily, monthly *credits.Credits) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenant_settings (tenant_id, daily_cap_cents, monthly_cap_cents)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id) DO UPDATE SET
			daily_cap_cents = EXCLUDED.daily_cap_cents,
			monthly_cap_cents = EXCLUDED.monthly_cap_cents,
			updated_at = NOW()
	`, tenantID, daily, monthly)
	if err != nil {
		return fmt.Errorf("failed to set caps for tenant %s: %w", tenantID, err)
	}
	return nil
}

// SetStripeCustomer records the processor's customer id, leaving caps
// untouched.
func (s *SettingsStore) SetStripeCustomer(ctx context.Context, tenantID, customerID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenant_settings (tenant_id, stripe_customer_id)
		VALUES ($1, $2)
		ON CONFLICT (tenant_id) DO UPDATE SET
			stripe_customer_id = EXCLUDED.stripe_customer_id,
			updated_at = NOW()
	`, tenantID, customerID)
	if err != nil {
		return fmt.Errorf("failed to map tenant %s to customer: %w", tenantID, err)
	}
	return nil
}
