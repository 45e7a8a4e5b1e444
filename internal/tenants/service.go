// Package tenants owns the per-tenant account lifecycle: active,
// grace_period, suspended, banned. Transitions cascade to the tenant's
// bot instances and, on ban, refund the remaining balance.
package tenants

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wopr-network/wopr-platform-sub005/internal/ledger"
	"github.com/wopr-network/wopr-platform-sub005/pkg/credits"
	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
	"github.com/wopr-network/wopr-platform-sub005/pkg/models"
)

// Illegal state-machine edges, one sentinel per edge.
var (
	ErrCannotSuspendBanned    = errors.New("cannot suspend a banned account")
	ErrAlreadySuspended       = errors.New("tenant already suspended")
	ErrCannotReactivateBanned = errors.New("cannot reactivate a banned account")
	ErrAlreadyActive          = errors.New("tenant already active")
	ErrAlreadyBanned          = errors.New("tenant already banned")
	ErrGraceRequiresActive    = errors.New("grace period requires an active tenant")
)

// Ledger is the slice of the credit ledger the status store needs for
// ban refunds.
type Ledger interface {
	Balance(ctx context.Context, tenantID string) (credits.Credits, error)
	Debit(ctx context.Context, e ledger.Entry) (*models.CreditTransaction, error)
}

// InstanceSuspender cascades a tenant-level suspension to every bot the
// tenant runs, returning the suspended bot ids.
type InstanceSuspender interface {
	SuspendAllForTenant(ctx context.Context, tenantID string) ([]string, error)
}

// BanResult reports what a ban did.
type BanResult struct {
	RefundedCents credits.Credits `json:"refunded_cents"`
	SuspendedBots []string        `json:"suspended_bots"`
}

// Service drives tenant status transitions.
type Service struct {
	db        *sql.DB
	logger    logging.Logger
	ledger    Ledger
	instances InstanceSuspender

	gracePeriod      time.Duration
	banDataRetention time.Duration

	// onChange, when set, is invoked after every committed transition.
	// Used to push cache invalidations to gateways.
	onChange func(ctx context.Context, tenantID, status string)
}

// Config wires a Service. GracePeriod defaults to 7 days and
// BanDataRetention to 90 days.
type Config struct {
	DB               *sql.DB
	Logger           logging.Logger
	Ledger           Ledger
	Instances        InstanceSuspender
	GracePeriod      time.Duration
	BanDataRetention time.Duration
	OnChange         func(ctx context.Context, tenantID, status string)
}

func NewService(cfg Config) *Service {
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = 7 * 24 * time.Hour
	}
	if cfg.BanDataRetention == 0 {
		cfg.BanDataRetention = 90 * 24 * time.Hour
	}
	return &Service{
		db:               cfg.DB,
		logger:           cfg.Logger,
		ledger:           cfg.Ledger,
		instances:        cfg.Instances,
		gracePeriod:      cfg.GracePeriod,
		banDataRetention: cfg.BanDataRetention,
		onChange:         cfg.OnChange,
	}
}

// GetStatus returns the tenant's lifecycle row. Tenants without a row
// are active.
func (s *Service) GetStatus(ctx context.Context, tenantID string) (*models.TenantStatus, error) {
	var st models.TenantStatus
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, status, reason, changed_at, changed_by, grace_deadline, data_delete_after
		FROM tenant_statuses WHERE tenant_id = $1
	`, tenantID).Scan(&st.TenantID, &st.Status, &st.Reason, &st.ChangedAt, &st.ChangedBy, &st.GraceDeadline, &st.DataDeleteAfter)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.TenantStatus{
			TenantID:  tenantID,
			Status:    models.TenantActive,
			ChangedAt: time.Now().UTC(),
			ChangedBy: "system",
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read tenant status: %w", err)
	}
	return &st, nil
}

// EnsureExists creates the active row for a tenant if it has none.
func (s *Service) EnsureExists(ctx context.Context, tenantID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenant_statuses (tenant_id, status, changed_by)
		VALUES ($1, 'active', 'system')
		ON CONFLICT (tenant_id) DO NOTHING
	`, tenantID)
	if err != nil {
		return fmt.Errorf("failed to ensure tenant status row: %w", err)
	}
	return nil
}

// Suspend moves a tenant to suspended and suspends all of its bots.
// Returns the suspended bot ids.
func (s *Service) Suspend(ctx context.Context, tenantID, reason, by string) ([]string, error) {
	err := s.transition(ctx, tenantID, func(current string) error {
		switch current {
		case models.TenantBanned:
			return ErrCannotSuspendBanned
		case models.TenantSuspended:
			return ErrAlreadySuspended
		}
		return nil
	}, statusUpdate{status: models.TenantSuspended, reason: reason, by: by})
	if err != nil {
		return nil, err
	}

	bots, err := s.instances.SuspendAllForTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("tenant %s suspended but bot cascade failed: %w", tenantID, err)
	}

	s.logger.WithFields(logging.Fields{
		"tenant_id":      tenantID,
		"reason":         reason,
		"suspended_bots": len(bots),
	}).Info("Tenant suspended")
	s.notify(ctx, tenantID, models.TenantSuspended)
	return bots, nil
}

// Reactivate moves a suspended or grace-period tenant back to active.
func (s *Service) Reactivate(ctx context.Context, tenantID, by string) error {
	err := s.transition(ctx, tenantID, func(current string) error {
		switch current {
		case models.TenantBanned:
			return ErrCannotReactivateBanned
		case models.TenantActive:
			return ErrAlreadyActive
		}
		return nil
	}, statusUpdate{status: models.TenantActive, by: by})
	if err != nil {
		return err
	}

	s.logger.WithFields(logging.Fields{
		"tenant_id": tenantID,
		"by":        by,
	}).Info("Tenant reactivated")
	s.notify(ctx, tenantID, models.TenantActive)
	return nil
}

// Ban is terminal: suspends all bots, refunds the remaining positive
// balance as a correction, and stamps the data deletion deadline.
func (s *Service) Ban(ctx context.Context, tenantID, reason, by string) (*BanResult, error) {
	deleteAfter := time.Now().UTC().Add(s.banDataRetention)
	err := s.transition(ctx, tenantID, func(current string) error {
		if current == models.TenantBanned {
			return ErrAlreadyBanned
		}
		return nil
	}, statusUpdate{status: models.TenantBanned, reason: reason, by: by, dataDeleteAfter: &deleteAfter})
	if err != nil {
		return nil, err
	}

	result := &BanResult{}

	// Refund whatever positive balance remains. The reference id makes
	// the refund idempotent if the ban is retried mid-failure.
	balance, err := s.ledger.Balance(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("tenant %s banned but balance read failed: %w", tenantID, err)
	}
	if balance > 0 {
		refDescription := fmt.Sprintf("Ban refund (%s)", reason)
		if _, err := s.ledger.Debit(ctx, ledger.Entry{
			TenantID:    tenantID,
			Amount:      balance,
			Type:        models.TxTypeCorrection,
			Description: refDescription,
			ReferenceID: fmt.Sprintf("ban:refund:%s", tenantID),
		}); err != nil {
			return nil, fmt.Errorf("tenant %s banned but refund failed: %w", tenantID, err)
		}
		result.RefundedCents = balance
	}

	bots, err := s.instances.SuspendAllForTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("tenant %s banned but bot cascade failed: %w", tenantID, err)
	}
	result.SuspendedBots = bots

	s.logger.WithFields(logging.Fields{
		"tenant_id":      tenantID,
		"reason":         reason,
		"refunded_cents": result.RefundedCents,
		"suspended_bots": len(bots),
	}).Warn("Tenant banned")
	s.notify(ctx, tenantID, models.TenantBanned)
	return result, nil
}

// SetGracePeriod moves an active tenant into grace_period with a
// deadline after which suspension is expected.
func (s *Service) SetGracePeriod(ctx context.Context, tenantID string) error {
	deadline := time.Now().UTC().Add(s.gracePeriod)
	err := s.transition(ctx, tenantID, func(current string) error {
		if current != models.TenantActive {
			return ErrGraceRequiresActive
		}
		return nil
	}, statusUpdate{status: models.TenantGracePeriod, by: "system", graceDeadline: &deadline})
	if err != nil {
		return err
	}

	s.logger.WithFields(logging.Fields{
		"tenant_id":      tenantID,
		"grace_deadline": deadline,
	}).Info("Tenant entered grace period")
	s.notify(ctx, tenantID, models.TenantGracePeriod)
	return nil
}

type statusUpdate struct {
	status          string
	reason          string
	by              string
	graceDeadline   *time.Time
	dataDeleteAfter *time.Time
}

// transition locks the status row, validates the edge and writes the
// new state in one transaction.
func (s *Service) transition(ctx context.Context, tenantID string, validate func(current string) error, u statusUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	var current string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO tenant_statuses (tenant_id, status, changed_by)
		VALUES ($1, 'active', 'system')
		ON CONFLICT (tenant_id) DO UPDATE SET status = tenant_statuses.status
		RETURNING status
	`, tenantID).Scan(&current)
	if err != nil {
		return fmt.Errorf("failed to lock tenant status: %w", err)
	}

	if err := validate(current); err != nil {
		return err
	}

	by := u.by
	if by == "" {
		by = "system"
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE tenant_statuses
		SET status = $1, reason = $2, changed_at = NOW(), changed_by = $3,
		    grace_deadline = $4, data_delete_after = $5
		WHERE tenant_id = $6
	`, u.status, nullable(u.reason), by, u.graceDeadline, u.dataDeleteAfter, tenantID); err != nil {
		return fmt.Errorf("failed to update tenant status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit status transition: %w", err)
	}
	return nil
}

func (s *Service) notify(ctx context.Context, tenantID, status string) {
	if s.onChange != nil {
		s.onChange(ctx, tenantID, status)
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
