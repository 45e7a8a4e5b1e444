// Package instances persists bot instance records: the pairing of a bot
// profile with a node reservation and a billing lifecycle.
package instances

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
	"github.com/wopr-network/wopr-platform-sub005/pkg/models"
)

// ErrBotInstanceNotFound is returned for unknown bot ids.
var ErrBotInstanceNotFound = errors.New("bot instance not found")

// Repo is the SQL-backed bot instance repository.
type Repo struct {
	db        *sql.DB
	logger    logging.Logger
	retention time.Duration
}

// Config wires a Repo. Retention is the window between suspension and
// scheduled destruction; defaults to 30 days.
type Config struct {
	DB        *sql.DB
	Logger    logging.Logger
	Retention time.Duration
}

func NewRepo(cfg Config) *Repo {
	if cfg.Retention == 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	return &Repo{
		db:        cfg.DB,
		logger:    cfg.Logger,
		retention: cfg.Retention,
	}
}

const instanceColumns = `id, tenant_id, name, node_id, billing_state,
	       suspended_at, destroy_after, resource_tier, storage_tier,
	       created_by_user_id, created_at, updated_at`

// Create inserts a new bot instance row.
func (r *Repo) Create(ctx context.Context, inst *models.BotInstance) error {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO bot_instances (
			id, tenant_id, name, node_id, billing_state,
			resource_tier, storage_tier, created_by_user_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`, inst.ID, inst.TenantID, inst.Name, inst.NodeID, inst.BillingState,
		inst.ResourceTier, inst.StorageTier, inst.CreatedByUserID,
	).Scan(&inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create bot instance: %w", err)
	}
	return nil
}

// Get returns one bot instance by id.
func (r *Repo) Get(ctx context.Context, id string) (*models.BotInstance, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+instanceColumns+`
		FROM bot_instances WHERE id = $1
	`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bot %s: %w", id, ErrBotInstanceNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read bot instance: %w", err)
	}
	return inst, nil
}

// Delete removes a bot instance row.
func (r *Repo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM bot_instances WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete bot instance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read delete result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("bot %s: %w", id, ErrBotInstanceNotFound)
	}
	return nil
}

// Reassign points a bot at a different node, or clears the reservation
// when nodeID is nil.
func (r *Repo) Reassign(ctx context.Context, id string, nodeID *string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE bot_instances SET node_id = $1, updated_at = NOW()
		WHERE id = $2
	`, nodeID, id)
	if err != nil {
		return fmt.Errorf("failed to reassign bot instance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read reassign result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("bot %s: %w", id, ErrBotInstanceNotFound)
	}
	return nil
}

// SetBillingState updates a bot's billing lifecycle. Suspension stamps
// suspended_at and destroy_after in the same statement; activation
// clears both.
func (r *Repo) SetBillingState(ctx context.Context, id, state string) error {
	var (
		res sql.Result
		err error
	)
	switch state {
	case models.BotBillingSuspended:
		now := time.Now().UTC()
		res, err = r.db.ExecContext(ctx, `
			UPDATE bot_instances
			SET billing_state = $1, suspended_at = $2, destroy_after = $3, updated_at = NOW()
			WHERE id = $4
		`, state, now, now.Add(r.retention), id)
	case models.BotBillingActive:
		res, err = r.db.ExecContext(ctx, `
			UPDATE bot_instances
			SET billing_state = $1, suspended_at = NULL, destroy_after = NULL, updated_at = NOW()
			WHERE id = $2
		`, state, id)
	case models.BotBillingDestroyed:
		res, err = r.db.ExecContext(ctx, `
			UPDATE bot_instances
			SET billing_state = $1, updated_at = NOW()
			WHERE id = $2
		`, state, id)
	default:
		return fmt.Errorf("unknown billing state %q", state)
	}
	if err != nil {
		return fmt.Errorf("failed to set billing state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read billing state result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("bot %s: %w", id, ErrBotInstanceNotFound)
	}
	return nil
}

// SuspendAllForTenant suspends every active bot the tenant runs and
// returns their ids. Used by tenant-level suspension and bans.
func (r *Repo) SuspendAllForTenant(ctx context.Context, tenantID string) ([]string, error) {
	now := time.Now().UTC()
	rows, err := r.db.QueryContext(ctx, `
		UPDATE bot_instances
		SET billing_state = 'suspended', suspended_at = $1, destroy_after = $2, updated_at = NOW()
		WHERE tenant_id = $3 AND billing_state = 'active'
		RETURNING id
	`, now, now.Add(r.retention), tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to suspend tenant bots: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan suspended bot id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ActiveCount returns how many bots the tenant has in billing state
// active.
func (r *Repo) ActiveCount(ctx context.Context, tenantID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM bot_instances
		WHERE tenant_id = $1 AND billing_state = 'active'
	`, tenantID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active bots: %w", err)
	}
	return count, nil
}

// ListByNode returns all bots reserved on a node.
func (r *Repo) ListByNode(ctx context.Context, nodeID string) ([]models.BotInstance, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+instanceColumns+`
		FROM bot_instances WHERE node_id = $1
		ORDER BY id
	`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bots by node: %w", err)
	}
	return collectInstances(rows)
}

// ListByNodeOrderedByTier returns a node's bots ordered for recovery:
// enterprise first, free last, ties by id.
func (r *Repo) ListByNodeOrderedByTier(ctx context.Context, nodeID string) ([]models.BotInstance, error) {
	list, err := r.ListByNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(list, func(i, j int) bool {
		pi, pj := models.TierPriority(list[i].ResourceTier), models.TierPriority(list[j].ResourceTier)
		if pi != pj {
			return pi > pj
		}
		return list[i].ID < list[j].ID
	})
	return list, nil
}

// ListByTenant returns all of a tenant's bots.
func (r *Repo) ListByTenant(ctx context.Context, tenantID string) ([]models.BotInstance, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+instanceColumns+`
		FROM bot_instances WHERE tenant_id = $1
		ORDER BY created_at
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bots by tenant: %w", err)
	}
	return collectInstances(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*models.BotInstance, error) {
	var inst models.BotInstance
	err := row.Scan(
		&inst.ID, &inst.TenantID, &inst.Name, &inst.NodeID, &inst.BillingState,
		&inst.SuspendedAt, &inst.DestroyAfter, &inst.ResourceTier, &inst.StorageTier,
		&inst.CreatedByUserID, &inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func collectInstances(rows *sql.Rows) ([]models.BotInstance, error) {
	defer rows.Close()
	var result []models.BotInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bot instance: %w", err)
		}
		result = append(result, *inst)
	}
	return result, rows.Err()
}
