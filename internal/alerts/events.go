package alerts

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
	"github.com/wopr-network/wopr-platform-sub005/pkg/models"
)

// EventStore owns fleet_events. The watchdog appends, the
// fleet-unexpected-stop check consumes.
type EventStore struct {
	db     *sql.DB
	logger logging.Logger
}

func NewEventStore(db *sql.DB, logger logging.Logger) *EventStore {
	return &EventStore{db: db, logger: logger}
}

// Record appends one fleet event.
func (s *EventStore) Record(ctx context.Context, eventType string, detail models.JSONB) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fleet_events (event_type, detail)
		VALUES ($1, $2)
	`, eventType, detail)
	if err != nil {
		return fmt.Errorf("failed to record fleet event: %w", err)
	}
	return nil
}

// ConsumeStops marks every unconsumed fleet_stop row consumed and returns
// the node ids they carried. Consuming inside the check means the alert
// fires once per stop episode and resolves on the next pass.
func (s *EventStore) ConsumeStops(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE fleet_events
		SET consumed_at = NOW()
		WHERE event_type = $1 AND consumed_at IS NULL
		RETURNING detail
	`, models.FleetEventStop)
	if err != nil {
		return nil, fmt.Errorf("failed to consume fleet stops: %w", err)
	}
	defer rows.Close()

	var nodes []string
	for rows.Next() {
		var detail models.JSONB
		if err := rows.Scan(&detail); err != nil {
			return nil, fmt.Errorf("failed to scan fleet event: %w", err)
		}
		if nodeID, ok := detail["node_id"].(string); ok && nodeID != "" {
			nodes = append(nodes, nodeID)
		} else {
			nodes = append(nodes, "unknown")
		}
	}
	return nodes, rows.Err()
}
