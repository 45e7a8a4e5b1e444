// Package recovery moves tenants off dead nodes and keeps the books on
// every attempt in recovery_events and recovery_items.
package recovery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
	"github.com/wopr-network/wopr-platform-sub005/pkg/models"
)

// ErrEventNotFound is returned for unknown recovery event ids.
var ErrEventNotFound = errors.New("recovery event not found")

// EventStore owns the recovery bookkeeping tables.
type EventStore struct {
	db     *sql.DB
	logger logging.Logger
}

func NewEventStore(db *sql.DB, logger logging.Logger) *EventStore {
	return &EventStore{db: db, logger: logger}
}

const eventColumns = `id, node_id, trigger, status, tenants_total, tenants_recovered,
	       tenants_failed, tenants_waiting, started_at, completed_at, report`

const itemColumns = `id, event_id, tenant_id, bot_id, source_node, target_node,
	       backup_key, status, reason, retry_count, started_at, completed_at`

// Open creates an in-progress event for a node.
func (s *EventStore) Open(ctx context.Context, nodeID, trigger string, tenantsTotal int) (*models.RecoveryEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO recovery_events (id, node_id, trigger, tenants_total)
		VALUES ($1, $2, $3, $4)
		RETURNING `+eventColumns+`
	`, uuid.New().String(), nodeID, trigger, tenantsTotal)
	event, err := scanEvent(row)
	if err != nil {
		return nil, fmt.Errorf("failed to open recovery event: %w", err)
	}
	return event, nil
}

// Get returns one event by id.
func (s *EventStore) Get(ctx context.Context, id string) (*models.RecoveryEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+`
		FROM recovery_events WHERE id = $1
	`, id)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("recovery event %s: %w", id, ErrEventNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read recovery event: %w", err)
	}
	return event, nil
}

// List returns recent events, newest first.
func (s *EventStore) List(ctx context.Context, limit int) ([]models.RecoveryEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM recovery_events
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recovery events: %w", err)
	}
	defer rows.Close()

	var result []models.RecoveryEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recovery event: %w", err)
		}
		result = append(result, *event)
	}
	return result, rows.Err()
}

// Finalize stamps the event's outcome and counters.
func (s *EventStore) Finalize(ctx context.Context, eventID, status string, recovered, failed, waiting int, report models.JSONB) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE recovery_events
		SET status = $1, tenants_recovered = $2, tenants_failed = $3,
		    tenants_waiting = $4, report = $5, completed_at = NOW()
		WHERE id = $6
	`, status, recovered, failed, waiting, report, eventID)
	if err != nil {
		return fmt.Errorf("failed to finalize recovery event: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read finalize result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("recovery event %s: %w", eventID, ErrEventNotFound)
	}
	return nil
}

// CloseInProgressForNode completes every in-progress event for the node.
// Called on each re-registration so a node coming back never carries an
// open recovery.
func (s *EventStore) CloseInProgressForNode(ctx context.Context, nodeID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE recovery_events
		SET status = $1, completed_at = NOW()
		WHERE node_id = $2 AND status = $3
	`, models.RecoveryCompleted, nodeID, models.RecoveryInProgress)
	if err != nil {
		return 0, fmt.Errorf("failed to close recovery events: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read close result: %w", err)
	}
	return int(affected), nil
}

// RecordItem appends one per-bot outcome. Waiting items stay open;
// recovered and failed items are stamped complete.
func (s *EventStore) RecordItem(ctx context.Context, item *models.RecoveryItem) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO recovery_items
			(event_id, tenant_id, bot_id, source_node, target_node, backup_key, status, reason, retry_count, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9,
		        CASE WHEN $7 = 'waiting' THEN NULL ELSE NOW() END)
		RETURNING id, started_at
	`, item.EventID, item.TenantID, item.BotID, item.SourceNode, item.TargetNode,
		item.BackupKey, item.Status, item.Reason, item.RetryCount).Scan(&item.ID, &item.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to record recovery item: %w", err)
	}
	return nil
}

// Items returns every item of an event in insertion order.
func (s *EventStore) Items(ctx context.Context, eventID string) ([]models.RecoveryItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM recovery_items
		WHERE event_id = $1
		ORDER BY id
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to list recovery items: %w", err)
	}
	return collectItems(rows)
}

// WaitingItems returns the items of an event still waiting for capacity.
func (s *EventStore) WaitingItems(ctx context.Context, eventID string) ([]models.RecoveryItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM recovery_items
		WHERE event_id = $1 AND status = $2
		ORDER BY id
	`, eventID, models.ItemWaiting)
	if err != nil {
		return nil, fmt.Errorf("failed to list waiting items: %w", err)
	}
	return collectItems(rows)
}

// ResolveItem flips an item's status and stamps it complete.
func (s *EventStore) ResolveItem(ctx context.Context, itemID int64, status string, targetNode, reason *string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE recovery_items
		SET status = $1, target_node = $2, reason = $3, completed_at = NOW()
		WHERE id = $4
	`, status, targetNode, reason, itemID)
	if err != nil {
		return fmt.Errorf("failed to resolve recovery item: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read resolve result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("recovery item %d not found", itemID)
	}
	return nil
}

// BumpRetry increments a still-waiting item's retry counter.
func (s *EventStore) BumpRetry(ctx context.Context, itemID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE recovery_items
		SET retry_count = retry_count + 1
		WHERE id = $1
	`, itemID)
	if err != nil {
		return fmt.Errorf("failed to bump retry count: %w", err)
	}
	return nil
}

// CountItems tallies an event's items by status.
func (s *EventStore) CountItems(ctx context.Context, eventID string) (recovered, failed, waiting int, err error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM recovery_items
		WHERE event_id = $1
		GROUP BY status
	`, eventID)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to count recovery items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return 0, 0, 0, fmt.Errorf("failed to scan item count: %w", err)
		}
		switch status {
		case models.ItemRecovered:
			recovered = count
		case models.ItemFailed:
			failed = count
		case models.ItemWaiting:
			waiting = count
		}
	}
	return recovered, failed, waiting, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*models.RecoveryEvent, error) {
	var e models.RecoveryEvent
	err := row.Scan(
		&e.ID, &e.NodeID, &e.Trigger, &e.Status, &e.TenantsTotal, &e.TenantsRecovered,
		&e.TenantsFailed, &e.TenantsWaiting, &e.StartedAt, &e.CompletedAt, &e.Report,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func collectItems(rows *sql.Rows) ([]models.RecoveryItem, error) {
	defer rows.Close()
	var result []models.RecoveryItem
	for rows.Next() {
		var it models.RecoveryItem
		err := rows.Scan(
			&it.ID, &it.EventID, &it.TenantID, &it.BotID, &it.SourceNode, &it.TargetNode,
			&it.BackupKey, &it.Status, &it.Reason, &it.RetryCount, &it.StartedAt, &it.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recovery item: %w", err)
		}
		result = append(result, it)
	}
	return result, rows.Err()
}
