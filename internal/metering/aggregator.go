// Package metering prices gateway traffic. Falken records raw meter
// events and publishes them to Kafka; norad's consumer turns them into
// ledger debits and hourly usage rollups; the aggregator answers the
// windowed spend queries cap enforcement runs on every request.
package metering

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/wopr-network/wopr-platform-sub005/pkg/credits"
	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
	"github.com/wopr-network/wopr-platform-sub005/pkg/models"
)

// DefaultCacheTTL is the spend-cache lifetime mains pass unless
// configured otherwise. A TTL of 0 disables the cache entirely.
const DefaultCacheTTL = 60 * time.Second

type spendWindow string

const (
	windowDaily   spendWindow = "daily"
	windowMonthly spendWindow = "monthly"
)

type cacheKey struct {
	tenantID string
	window   spendWindow
}

type cacheEntry struct {
	spend     credits.Credits
	expiresAt time.Time
}

// Aggregator answers how much a tenant has spent since 00:00 UTC and
// since the first of the month UTC. It sums charge_credits from raw
// meter_events plus total_charge_credits from every usage_summaries
// window intersecting the query window; an event that is both raw and
// rolled up counts twice, which enforcement prefers to undercounting.
type Aggregator struct {
	db     *sql.DB
	logger logging.Logger
	ttl    time.Duration

	mu    sync.Mutex
	cache map[cacheKey]cacheEntry
}

// AggregatorConfig wires an Aggregator.
type AggregatorConfig struct {
	DB     *sql.DB
	Logger logging.Logger
	// CacheTTL bounds spend staleness. 0 disables caching.
	CacheTTL time.Duration
}

func NewAggregator(cfg AggregatorConfig) *Aggregator {
	return &Aggregator{
		db:     cfg.DB,
		logger: cfg.Logger,
		ttl:    cfg.CacheTTL,
		cache:  make(map[cacheKey]cacheEntry),
	}
}

// QuerySpend returns the tenant's daily and monthly spend as of now.
func (a *Aggregator) QuerySpend(ctx context.Context, tenantID string, now time.Time) (*models.SpendSummary, error) {
	utc := now.UTC()
	dayStart := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(utc.Year(), utc.Month(), 1, 0, 0, 0, 0, time.UTC)

	daily, err := a.windowSpend(ctx, tenantID, windowDaily, dayStart, utc)
	if err != nil {
		return nil, err
	}
	monthly, err := a.windowSpend(ctx, tenantID, windowMonthly, monthStart, utc)
	if err != nil {
		return nil, err
	}
	return &models.SpendSummary{Daily: daily, Monthly: monthly}, nil
}

func (a *Aggregator) windowSpend(ctx context.Context, tenantID string, window spendWindow, start, now time.Time) (credits.Credits, error) {
	key := cacheKey{tenantID: tenantID, window: window}
	if a.ttl > 0 {
		a.mu.Lock()
		entry, ok := a.cache[key]
		a.mu.Unlock()
		if ok && time.Now().Before(entry.expiresAt) {
			return entry.spend, nil
		}
	}

	spend, err := a.sumCharges(ctx, tenantID, start, now)
	if err != nil {
		return 0, err
	}

	if a.ttl > 0 {
		a.mu.Lock()
		a.cache[key] = cacheEntry{spend: spend, expiresAt: time.Now().Add(a.ttl)}
		a.mu.Unlock()
	}
	return spend, nil
}

func (a *Aggregator) sumCharges(ctx context.Context, tenantID string, start, end time.Time) (credits.Credits, error) {
	var total int64
	err := a.db.QueryRowContext(ctx, `
		SELECT
			COALESCE((SELECT SUM(charge_credits) FROM meter_events
			          WHERE tenant_id = $1 AND created_at >= $2), 0) +
			COALESCE((SELECT SUM(total_charge_credits) FROM usage_summaries
			          WHERE tenant_id = $1 AND window_end >= $2 AND window_start <= $3), 0)
	`, tenantID, start, end).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum spend for tenant %s: %w", tenantID, err)
	}
	return credits.Credits(total), nil
}

// Invalidate drops a tenant's cached windows so the next query hits the
// database. Called after manual credits and cap changes.
func (a *Aggregator) Invalidate(tenantID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.cache, cacheKey{tenantID: tenantID, window: windowDaily})
	delete(a.cache, cacheKey{tenantID: tenantID, window: windowMonthly})
}
