package metering

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
)

func newTestAggregator(t *testing.T, ttl time.Duration) (*Aggregator, sqlmock.Sqlmock, func()) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	agg := NewAggregator(AggregatorConfig{DB: mockDB, Logger: logging.NewLogger(), CacheTTL: ttl})
	return agg, mock, func() { mockDB.Close() }
}

func expectSpendQuery(mock sqlmock.Sqlmock, tenant string, start, end time.Time, total int64) {
	mock.ExpectQuery(`SELECT`).
		WithArgs(tenant, start, end).
		WillReturnRows(sqlmock.NewRows([]string{"total"}).AddRow(total))
}

func TestQuerySpendWindowsStartAtUTCBoundaries(t *testing.T) {
	agg, mock, done := newTestAggregator(t, 0)
	defer done()

	now := time.Date(2026, 3, 10, 15, 30, 0, 0, time.UTC)
	dayStart := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	expectSpendQuery(mock, "acme", dayStart, now, 1234)
	expectSpendQuery(mock, "acme", monthStart, now, 9876)

	spend, err := agg.QuerySpend(context.Background(), "acme", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if spend.Daily != 1234 {
		t.Errorf("expected daily 1234, got %d", spend.Daily)
	}
	if spend.Monthly != 9876 {
		t.Errorf("expected monthly 9876, got %d", spend.Monthly)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestQuerySpendNonUTCCallerNormalises(t *testing.T) {
	agg, mock, done := newTestAggregator(t, 0)
	defer done()

	// 01:30 on March 11 in UTC+2 is still March 10 in UTC.
	loc := time.FixedZone("EET", 2*60*60)
	now := time.Date(2026, 3, 11, 1, 30, 0, 0, loc)
	dayStart := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	expectSpendQuery(mock, "acme", dayStart, now.UTC(), 0)
	expectSpendQuery(mock, "acme", monthStart, now.UTC(), 0)

	if _, err := agg.QuerySpend(context.Background(), "acme", now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestQuerySpendCachesWithinTTL(t *testing.T) {
	agg, mock, done := newTestAggregator(t, time.Minute)
	defer done()

	now := time.Date(2026, 3, 10, 15, 30, 0, 0, time.UTC)
	dayStart := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	// Only one round trip per window; the second query is served from
	// cache.
	expectSpendQuery(mock, "acme", dayStart, now, 500)
	expectSpendQuery(mock, "acme", monthStart, now, 500)

	for i := 0; i < 2; i++ {
		spend, err := agg.QuerySpend(context.Background(), "acme", now)
		if err != nil {
			t.Fatalf("query %d: unexpected error: %v", i, err)
		}
		if spend.Daily != 500 {
			t.Errorf("query %d: expected daily 500, got %d", i, spend.Daily)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestQuerySpendZeroTTLDisablesCache(t *testing.T) {
	agg, mock, done := newTestAggregator(t, 0)
	defer done()

	now := time.Date(2026, 3, 10, 15, 30, 0, 0, time.UTC)
	dayStart := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		expectSpendQuery(mock, "acme", dayStart, now, 500)
		expectSpendQuery(mock, "acme", monthStart, now, 500)
	}

	for i := 0; i < 2; i++ {
		if _, err := agg.QuerySpend(context.Background(), "acme", now); err != nil {
			t.Fatalf("query %d: unexpected error: %v", i, err)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInvalidateDropsCachedWindows(t *testing.T) {
	agg, mock, done := newTestAggregator(t, time.Minute)
	defer done()

	now := time.Date(2026, 3, 10, 15, 30, 0, 0, time.UTC)
	dayStart := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	expectSpendQuery(mock, "acme", dayStart, now, 100)
	expectSpendQuery(mock, "acme", monthStart, now, 100)
	expectSpendQuery(mock, "acme", dayStart, now, 900)
	expectSpendQuery(mock, "acme", monthStart, now, 900)

	if _, err := agg.QuerySpend(context.Background(), "acme", now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	agg.Invalidate("acme")
	spend, err := agg.QuerySpend(context.Background(), "acme", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if spend.Daily != 900 {
		t.Errorf("expected fresh daily 900 after invalidate, got %d", spend.Daily)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
