// Package nodes persists worker nodes and their validated status state
// machine. Every status change lands in node_transitions alongside the
// node row update.
package nodes

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
	"github.com/wopr-network/wopr-platform-sub005/pkg/models"
)

// ErrNodeNotFound is returned for unknown node ids.
var ErrNodeNotFound = errors.New("node not found")

// ErrInvalidTransition is returned when a status change is not in the
// transition table.
var ErrInvalidTransition = errors.New("invalid node transition")

// validTransitions encodes the allowed status edges. Any status may go
// unhealthy when a heartbeat deadline lapses.
var validTransitions = map[string]map[string]bool{
	models.NodeActive: {
		models.NodeUnhealthy: true,
		models.NodeActive:    true, // healthy re-registration
	},
	models.NodeUnhealthy: {
		models.NodeUnhealthy: true,
		models.NodeOffline:   true,
		models.NodeActive:    true, // heartbeat resumed
	},
	models.NodeOffline: {
		models.NodeUnhealthy:  true,
		models.NodeRecovering: true,
		models.NodeReturning:  true,
	},
	models.NodeRecovering: {
		models.NodeUnhealthy: true,
		models.NodeOffline:   true,
		models.NodeReturning: true,
	},
	models.NodeReturning: {
		models.NodeUnhealthy: true,
		models.NodeActive:    true,
	},
	models.NodeFailed: {
		models.NodeUnhealthy: true,
		models.NodeReturning: true,
	},
}

// Repo is the SQL-backed node repository.
type Repo struct {
	db     *sql.DB
	logger logging.Logger
}

func NewRepo(db *sql.DB, logger logging.Logger) *Repo {
	return &Repo{db: db, logger: logger}
}

const nodeColumns = `id, host, status, capacity_mb, used_mb, agent_version,
	       last_heartbeat_at, registered_at, updated_at`

// Get returns one node by id.
func (r *Repo) Get(ctx context.Context, id string) (*models.Node, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+nodeColumns+`
		FROM nodes WHERE id = $1
	`, id)
	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("node %s: %w", id, ErrNodeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read node: %w", err)
	}
	return node, nil
}

// List returns every node.
func (r *Repo) List(ctx context.Context) ([]models.Node, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+nodeColumns+`
		FROM nodes ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	return collectNodes(rows)
}

// ListByStatus returns nodes in any of the given statuses.
func (r *Repo) ListByStatus(ctx context.Context, statuses ...string) ([]models.Node, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+nodeColumns+`
		FROM nodes WHERE status = ANY($1) ORDER BY id
	`, pq.Array(statuses))
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes by status: %w", err)
	}
	return collectNodes(rows)
}

// Register upserts the node row from an agent registration. Status is
// not touched here; re-registration status handling runs through
// Transition.
func (r *Repo) Register(ctx context.Context, id, host string, capacityMB int64, agentVersion string) (*models.Node, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO nodes (id, host, capacity_mb, agent_version, last_heartbeat_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO UPDATE SET
			host = EXCLUDED.host,
			capacity_mb = EXCLUDED.capacity_mb,
			agent_version = EXCLUDED.agent_version,
			last_heartbeat_at = NOW(),
			updated_at = NOW()
		RETURNING `+nodeColumns+`
	`, id, host, capacityMB, nullable(agentVersion))
	node, err := scanNode(row)
	if err != nil {
		return nil, fmt.Errorf("failed to register node: %w", err)
	}
	return node, nil
}

// UpdateHeartbeat stamps the node's last heartbeat.
func (r *Repo) UpdateHeartbeat(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE nodes SET last_heartbeat_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read heartbeat result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("node %s: %w", id, ErrNodeNotFound)
	}
	return nil
}

// AdjustUsedMB moves the node's reservation gauge by delta, clamped at
// zero. The schema's check constraint rejects overcommit.
func (r *Repo) AdjustUsedMB(ctx context.Context, id string, deltaMB int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE nodes SET used_mb = GREATEST(used_mb + $1, 0), updated_at = NOW()
		WHERE id = $2
	`, deltaMB, id)
	if err != nil {
		return fmt.Errorf("failed to adjust used_mb: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read used_mb result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("node %s: %w", id, ErrNodeNotFound)
	}
	return nil
}

// Transition validates and applies a status change, appending the
// node_transitions row in the same transaction.
func (r *Repo) Transition(ctx context.Context, id, to, reason, by string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	var from string
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM nodes WHERE id = $1 FOR UPDATE
	`, id).Scan(&from)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("node %s: %w", id, ErrNodeNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to lock node: %w", err)
	}

	if !validTransitions[from][to] {
		return fmt.Errorf("node %s: %s -> %s: %w", id, from, to, ErrInvalidTransition)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE nodes SET status = $1, updated_at = NOW() WHERE id = $2
	`, to, id); err != nil {
		return fmt.Errorf("failed to update node status: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO node_transitions (node_id, from_status, to_status, reason, triggered_by)
		VALUES ($1, $2, $3, $4, $5)
	`, id, from, to, reason, by); err != nil {
		return fmt.Errorf("failed to append node transition: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit node transition: %w", err)
	}

	r.logger.WithFields(logging.Fields{
		"node_id": id,
		"from":    from,
		"to":      to,
		"reason":  reason,
		"by":      by,
	}).Info("Node status transition")
	return nil
}

// Transitions returns a node's status history, newest first.
func (r *Repo) Transitions(ctx context.Context, nodeID string, limit int) ([]models.NodeTransition, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, node_id, from_status, to_status, reason, triggered_by, created_at
		FROM node_transitions
		WHERE node_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, nodeID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list node transitions: %w", err)
	}
	defer rows.Close()

	var result []models.NodeTransition
	for rows.Next() {
		var t models.NodeTransition
		if err := rows.Scan(&t.ID, &t.NodeID, &t.FromStatus, &t.ToStatus, &t.Reason, &t.TriggeredBy, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan node transition: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*models.Node, error) {
	var n models.Node
	err := row.Scan(
		&n.ID, &n.Host, &n.Status, &n.CapacityMB, &n.UsedMB, &n.AgentVersion,
		&n.LastHeartbeatAt, &n.RegisteredAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func collectNodes(rows *sql.Rows) ([]models.Node, error) {
	defer rows.Close()
	var result []models.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		result = append(result, *n)
	}
	return result, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
