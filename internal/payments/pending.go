package payments

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/wopr-network/wopr-platform-sub005/pkg/credits"
	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
)

// PendingTopups tracks Checkout sessions between creation and the
// completion webhook. A row stuck in 'pending' means the customer never
// paid, or the webhook never arrived.
type PendingTopups struct {
	db     *sql.DB
	logger logging.Logger
}

// NewPendingTopups creates the store.
func NewPendingTopups(db *sql.DB, logger logging.Logger) *PendingTopups {
	return &PendingTopups{db: db, logger: logger}
}

// Open records a freshly created Checkout session.
func (p *PendingTopups) Open(ctx context.Context, tenantID string, amount credits.Credits, sessionID string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO pending_topups (tenant_id, amount_cents, status, stripe_session_id)
		VALUES ($1, $2, 'pending', $3)
	`, tenantID, amount.Int64(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to record pending topup: %w", err)
	}
	return nil
}
