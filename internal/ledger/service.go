// Package ledger owns the append-only credit transaction log and the
// cached per-tenant balances derived from it. All money amounts are
// integer credits (1 credit = 1 US cent).
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wopr-network/wopr-platform-sub005/pkg/credits"
	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
	"github.com/wopr-network/wopr-platform-sub005/pkg/models"
)

// ErrInsufficientCredits is returned when a debit would take a tenant
// negative and the caller did not allow it.
var ErrInsufficientCredits = errors.New("insufficient credits")

const (
	// DefaultHistoryLimit is the page size when the caller passes none.
	DefaultHistoryLimit = 50
	// MaxHistoryLimit caps the page size.
	MaxHistoryLimit = 500
)

// Metrics holds the ledger's Prometheus instruments. All fields are
// optional; a nil Metrics disables recording.
type Metrics struct {
	Transactions  *prometheus.CounterVec // labels: transaction_type
	DebitFailures prometheus.Counter
}

// Service executes ledger mutations and reads against Postgres.
type Service struct {
	db      *sql.DB
	logger  logging.Logger
	metrics *Metrics
}

// Config wires a Service.
type Config struct {
	DB      *sql.DB
	Logger  logging.Logger
	Metrics *Metrics
}

func NewService(cfg Config) *Service {
	return &Service{
		db:      cfg.DB,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// Entry describes one ledger mutation. Amount is always positive; Debit
// negates it internally. ReferenceID, Description and FundingSource are
// optional (empty string means NULL).
type Entry struct {
	TenantID      string
	Amount        credits.Credits
	Type          string
	Description   string
	ReferenceID   string
	FundingSource string

	// AllowNegative permits a debit to take the balance below zero.
	// Ignored by Credit.
	AllowNegative bool
}

// Credit adds credits to a tenant's balance.
func (s *Service) Credit(ctx context.Context, e Entry) (*models.CreditTransaction, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	return s.apply(ctx, e, e.Amount)
}

// Debit removes credits from a tenant's balance. When the debit would
// take the balance negative and AllowNegative is false, the rejection is
// recorded in ledger_debit_failures and ErrInsufficientCredits returned.
func (s *Service) Debit(ctx context.Context, e Entry) (*models.CreditTransaction, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	return s.apply(ctx, e, -e.Amount)
}

func (e Entry) validate() error {
	if e.TenantID == "" {
		return errors.New("tenant id is required")
	}
	if e.Amount <= 0 {
		return fmt.Errorf("amount must be positive, got %d", e.Amount)
	}
	if e.Type == "" {
		return errors.New("transaction type is required")
	}
	return nil
}

// apply runs the single-transaction mutation contract: reference_id
// pre-check, balance row lock, insufficient-credits check, transaction
// insert, cache update.
func (s *Service) apply(ctx context.Context, e Entry, delta credits.Credits) (*models.CreditTransaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	// 1. Idempotency pre-check: an existing reference_id wins and the
	// mutation becomes a no-op returning the prior row.
	if e.ReferenceID != "" {
		existing, err := s.findByReference(ctx, tx, e.ReferenceID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to check reference_id: %w", err)
		}
		if existing != nil {
			s.logger.WithFields(logging.Fields{
				"tenant_id":    e.TenantID,
				"reference_id": e.ReferenceID,
			}).Info("Ledger mutation already applied, returning existing transaction")
			return existing, nil
		}
	}

	// 2. Lock the balance row, creating it on first touch.
	balance, err := s.lockBalance(ctx, tx, e.TenantID)
	if err != nil {
		return nil, err
	}

	newBalance := balance + delta

	// 3. Reject debits that would go negative unless explicitly allowed.
	// The rejection row commits so the failure is visible to alerting.
	if delta < 0 && newBalance < 0 && !e.AllowNegative {
		reason := fmt.Sprintf("balance %d, attempted debit %d", balance, e.Amount)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_debit_failures (tenant_id, amount_cents, reason)
			VALUES ($1, $2, $3)
		`, e.TenantID, int64(e.Amount), reason); err != nil {
			return nil, fmt.Errorf("failed to record debit failure: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit debit failure: %w", err)
		}
		if s.metrics != nil && s.metrics.DebitFailures != nil {
			s.metrics.DebitFailures.Inc()
		}
		s.logger.WithFields(logging.Fields{
			"tenant_id":     e.TenantID,
			"amount_cents":  e.Amount,
			"balance_cents": balance,
		}).Warn("Debit rejected: insufficient credits")
		return nil, fmt.Errorf("tenant %s: %w", e.TenantID, ErrInsufficientCredits)
	}

	// 4. Append the transaction row.
	row := &models.CreditTransaction{
		TenantID:     e.TenantID,
		Amount:       delta,
		BalanceAfter: newBalance,
		Type:         e.Type,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO credit_transactions (
			tenant_id, amount_cents, balance_after_cents,
			transaction_type, description, reference_id, funding_source
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`, e.TenantID, int64(delta), int64(newBalance), e.Type,
		nullable(e.Description), nullable(e.ReferenceID), nullable(e.FundingSource),
	).Scan(&row.ID, &row.CreatedAt)
	if err != nil {
		// A concurrent writer can win the reference_id race between the
		// pre-check and this insert; return their row.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" && e.ReferenceID != "" {
			_ = tx.Rollback()
			existing, findErr := s.findByReferenceDB(ctx, e.ReferenceID)
			if findErr != nil {
				return nil, fmt.Errorf("failed to load winning transaction for reference_id %s: %w", e.ReferenceID, findErr)
			}
			return existing, nil
		}
		return nil, fmt.Errorf("failed to insert credit transaction: %w", err)
	}
	if e.Description != "" {
		row.Description = &e.Description
	}
	if e.ReferenceID != "" {
		row.ReferenceID = &e.ReferenceID
	}
	if e.FundingSource != "" {
		row.FundingSource = &e.FundingSource
	}

	// 5. Refresh the cached balance.
	if _, err := tx.ExecContext(ctx, `
		UPDATE credit_balances SET balance_cents = $1, updated_at = NOW()
		WHERE tenant_id = $2
	`, int64(newBalance), e.TenantID); err != nil {
		return nil, fmt.Errorf("failed to update cached balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	if s.metrics != nil && s.metrics.Transactions != nil {
		s.metrics.Transactions.WithLabelValues(e.Type).Inc()
	}

	return row, nil
}

// lockBalance locks the tenant's balance row for the rest of the
// transaction, inserting a zero row on first touch. The no-op DO UPDATE
// takes the row lock when the row already exists.
func (s *Service) lockBalance(ctx context.Context, tx *sql.Tx, tenantID string) (credits.Credits, error) {
	var balance int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO credit_balances (tenant_id, balance_cents)
		VALUES ($1, 0)
		ON CONFLICT (tenant_id) DO UPDATE SET balance_cents = credit_balances.balance_cents
		RETURNING balance_cents
	`, tenantID).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to lock balance row: %w", err)
	}
	return credits.Credits(balance), nil
}

// Balance returns the tenant's cached balance; zero when the tenant has
// never transacted.
func (s *Service) Balance(ctx context.Context, tenantID string) (credits.Credits, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `
		SELECT balance_cents FROM credit_balances WHERE tenant_id = $1
	`, tenantID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return credits.Credits(balance), nil
}

// HasReferenceID reports whether a ledger row already carries the
// reference, without returning the row.
func (s *Service) HasReferenceID(ctx context.Context, referenceID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM credit_transactions WHERE reference_id = $1)
	`, referenceID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check reference_id: %w", err)
	}
	return exists, nil
}

// History returns a tenant's transactions newest-first.
func (s *Service) History(ctx context.Context, tenantID string, limit, offset int) ([]models.CreditTransaction, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, amount_cents, balance_after_cents,
		       transaction_type, description, reference_id, funding_source, created_at
		FROM credit_transactions
		WHERE tenant_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var result []models.CreditTransaction
	for rows.Next() {
		var t models.CreditTransaction
		if err := rows.Scan(
			&t.ID, &t.TenantID, &t.Amount, &t.BalanceAfter,
			&t.Type, &t.Description, &t.ReferenceID, &t.FundingSource, &t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// TenantsWithBalance lists every tenant known to the ledger with its
// cached balance, negative balances included.
func (s *Service) TenantsWithBalance(ctx context.Context) ([]models.TenantBalance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, balance_cents FROM credit_balances
		ORDER BY tenant_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}
	defer rows.Close()

	var result []models.TenantBalance
	for rows.Next() {
		var b models.TenantBalance
		if err := rows.Scan(&b.TenantID, &b.Balance); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

// CountDebitFailuresSince counts rejected debits after the cutoff. Feeds
// the credit-deduction-spike alert.
func (s *Service) CountDebitFailuresSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ledger_debit_failures WHERE created_at >= $1
	`, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count debit failures: %w", err)
	}
	return count, nil
}

func (s *Service) findByReference(ctx context.Context, tx *sql.Tx, referenceID string) (*models.CreditTransaction, error) {
	return scanTransaction(tx.QueryRowContext(ctx, selectByReferenceSQL, referenceID))
}

func (s *Service) findByReferenceDB(ctx context.Context, referenceID string) (*models.CreditTransaction, error) {
	return scanTransaction(s.db.QueryRowContext(ctx, selectByReferenceSQL, referenceID))
}

const selectByReferenceSQL = `
		SELECT id, tenant_id, amount_cents, balance_after_cents,
		       transaction_type, description, reference_id, funding_source, created_at
		FROM credit_transactions
		WHERE reference_id = $1`

func scanTransaction(row *sql.Row) (*models.CreditTransaction, error) {
	var t models.CreditTransaction
	err := row.Scan(
		&t.ID, &t.TenantID, &t.Amount, &t.BalanceAfter,
		&t.Type, &t.Description, &t.ReferenceID, &t.FundingSource, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
