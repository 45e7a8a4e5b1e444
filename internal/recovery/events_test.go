package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
	"github.com/wopr-network/wopr-platform-sub005/pkg/models"
)

func newTestStore(t *testing.T) (*EventStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	store := NewEventStore(mockDB, logging.NewLogger())
	return store, mock, func() { mockDB.Close() }
}

func eventRowColumns() []string {
	return []string{
		"id", "node_id", "trigger", "status", "tenants_total", "tenants_recovered",
		"tenants_failed", "tenants_waiting", "started_at", "completed_at", "report",
	}
}

func TestOpenCreatesInProgressEvent(t *testing.T) {
	store, mock, done := newTestStore(t)
	defer done()

	rows := sqlmock.NewRows(eventRowColumns()).AddRow(
		"evt-1", "n1", models.TriggerHeartbeatTimeout, models.RecoveryInProgress,
		3, 0, 0, 0, time.Now(), nil, []byte(`{}`),
	)
	mock.ExpectQuery(`INSERT INTO recovery_events`).
		WithArgs(sqlmock.AnyArg(), "n1", models.TriggerHeartbeatTimeout, 3).
		WillReturnRows(rows)

	event, err := store.Open(context.Background(), "n1", models.TriggerHeartbeatTimeout, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.Status != models.RecoveryInProgress || event.TenantsTotal != 3 {
		t.Errorf("unexpected event %+v", event)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetUnknownEvent(t *testing.T) {
	store, mock, done := newTestStore(t)
	defer done()

	mock.ExpectQuery(`SELECT (.+) FROM recovery_events WHERE id`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(eventRowColumns()))

	_, err := store.Get(context.Background(), "ghost")
	if !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
}

func TestFinalizeUnknownEvent(t *testing.T) {
	store, mock, done := newTestStore(t)
	defer done()

	mock.ExpectExec(`UPDATE recovery_events`).
		WithArgs(models.RecoveryCompleted, 2, 0, 0, sqlmock.AnyArg(), "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Finalize(context.Background(), "ghost", models.RecoveryCompleted, 2, 0, 0, models.JSONB{})
	if !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
}

func TestCloseInProgressForNodeCountsClosed(t *testing.T) {
	store, mock, done := newTestStore(t)
	defer done()

	mock.ExpectExec(`UPDATE recovery_events`).
		WithArgs(models.RecoveryCompleted, "n1", models.RecoveryInProgress).
		WillReturnResult(sqlmock.NewResult(0, 2))

	closed, err := store.CloseInProgressForNode(context.Background(), "n1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if closed != 2 {
		t.Errorf("expected 2 closed events, got %d", closed)
	}
}

func TestRecordItemWaitingStaysOpen(t *testing.T) {
	store, mock, done := newTestStore(t)
	defer done()

	reason := ReasonNoCapacity
	item := &models.RecoveryItem{
		EventID:    "evt-1",
		TenantID:   "acme",
		BotID:      "b1",
		SourceNode: "dead",
		Status:     models.ItemWaiting,
		Reason:     &reason,
	}

	mock.ExpectQuery(`INSERT INTO recovery_items`).
		WithArgs("evt-1", "acme", "b1", "dead", nil, "", models.ItemWaiting, ReasonNoCapacity, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "started_at"}).AddRow(int64(7), time.Now()))

	if err := store.RecordItem(context.Background(), item); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if item.ID != 7 {
		t.Errorf("expected item id 7, got %d", item.ID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordItemRecovered(t *testing.T) {
	store, mock, done := newTestStore(t)
	defer done()

	target := "t1"
	item := &models.RecoveryItem{
		EventID:    "evt-1",
		TenantID:   "acme",
		BotID:      "b1",
		SourceNode: "dead",
		TargetNode: &target,
		BackupKey:  "backups/acme/b1.tgz",
		Status:     models.ItemRecovered,
	}

	mock.ExpectQuery(`INSERT INTO recovery_items`).
		WithArgs("evt-1", "acme", "b1", "dead", "t1", "backups/acme/b1.tgz", models.ItemRecovered, nil, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "started_at"}).AddRow(int64(8), time.Now()))

	if err := store.RecordItem(context.Background(), item); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWaitingItemsFiltersByStatus(t *testing.T) {
	store, mock, done := newTestStore(t)
	defer done()

	columns := []string{
		"id", "event_id", "tenant_id", "bot_id", "source_node", "target_node",
		"backup_key", "status", "reason", "retry_count", "started_at", "completed_at",
	}
	rows := sqlmock.NewRows(columns).AddRow(
		int64(7), "evt-1", "acme", "b1", "dead", nil,
		"", models.ItemWaiting, ReasonNoCapacity, 2, time.Now(), nil,
	)
	mock.ExpectQuery(`SELECT (.+) FROM recovery_items`).
		WithArgs("evt-1", models.ItemWaiting).
		WillReturnRows(rows)

	items, err := store.WaitingItems(context.Background(), "evt-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 1 || items[0].RetryCount != 2 {
		t.Fatalf("unexpected items %+v", items)
	}
	if items[0].TargetNode != nil {
		t.Errorf("waiting item must have no target, got %v", *items[0].TargetNode)
	}
}

func TestResolveItemUnknown(t *testing.T) {
	store, mock, done := newTestStore(t)
	defer done()

	mock.ExpectExec(`UPDATE recovery_items`).
		WithArgs(models.ItemRecovered, "t1", nil, int64(99)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	target := "t1"
	err := store.ResolveItem(context.Background(), 99, models.ItemRecovered, &target, nil)
	if err == nil {
		t.Fatal("expected error for unknown item")
	}
}

func TestBumpRetry(t *testing.T) {
	store, mock, done := newTestStore(t)
	defer done()

	mock.ExpectExec(`UPDATE recovery_items`).
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.BumpRetry(context.Background(), 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCountItemsTallies(t *testing.T) {
	store, mock, done := newTestStore(t)
	defer done()

	rows := sqlmock.NewRows([]string{"status", "count"}).
		AddRow(models.ItemRecovered, 2).
		AddRow(models.ItemFailed, 1).
		AddRow(models.ItemWaiting, 3)
	mock.ExpectQuery(`SELECT status, COUNT`).
		WithArgs("evt-1").
		WillReturnRows(rows)

	recovered, failed, waiting, err := store.CountItems(context.Background(), "evt-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if recovered != 2 || failed != 1 || waiting != 3 {
		t.Errorf("unexpected tallies r=%d f=%d w=%d", recovered, failed, waiting)
	}
}
