package metering

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wopr-network/wopr-platform-sub005/internal/ledger"
	"github.com/wopr-network/wopr-platform-sub005/internal/tenants"
	"github.com/wopr-network/wopr-platform-sub005/pkg/credits"
	"github.com/wopr-network/wopr-platform-sub005/pkg/kafka"
	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
	"github.com/wopr-network/wopr-platform-sub005/pkg/models"
)

// suspendThreshold is the balance at which unpaid usage takes the
// account off the air. Metered debits run AllowNegative, so balances can
// sink past zero; this is the floor.
const suspendThreshold = credits.Credits(-1000)

// Ledger is the slice of the credit ledger the consumer uses.
type Ledger interface {
	HasReferenceID(ctx context.Context, referenceID string) (bool, error)
	Debit(ctx context.Context, e ledger.Entry) (*models.CreditTransaction, error)
}

// Rollups folds billed events into usage_summaries.
type Rollups interface {
	UpsertHourlySummary(ctx context.Context, ev *models.MeterEvent) error
}

// Suspender moves a tenant to suspended when usage exhausts their credit.
type Suspender interface {
	Suspend(ctx context.Context, tenantID, reason, by string) ([]string, error)
}

// AutoTopup reacts to a post-debit balance, buying credits back when the
// tenant opted in.
type AutoTopup interface {
	MaybeUsageTopup(ctx context.Context, tenantID string, balance credits.Credits) error
}

// Metrics holds the consumer's Prometheus instruments. All fields are
// optional; a nil Metrics disables recording.
type Metrics struct {
	Billed      *prometheus.CounterVec // labels: provider
	Suspensions prometheus.Counter
}

// ConsumerConfig wires a Consumer.
type ConsumerConfig struct {
	Ledger  Ledger
	Rollups Rollups
	Tenants Suspender
	Topup   AutoTopup // optional
	Logger  logging.Logger
	Metrics *Metrics
}

// Consumer turns published meter events into ledger debits. Registered
// as the kafka handler for Topic on the norad side.
type Consumer struct {
	ledger  Ledger
	rollups Rollups
	tenants Suspender
	topup   AutoTopup
	logger  logging.Logger
	metrics *Metrics
}

func NewConsumer(cfg ConsumerConfig) *Consumer {
	return &Consumer{
		ledger:  cfg.Ledger,
		rollups: cfg.Rollups,
		tenants: cfg.Tenants,
		topup:   cfg.Topup,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// HandleMessage implements kafka.Handler. A non-nil return leaves the
// offset uncommitted so the event is redelivered.
func (c *Consumer) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var ev models.MeterEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		// Redelivery cannot fix a poison pill; drop it loudly.
		c.logger.WithError(err).WithFields(logging.Fields{
			"topic":  msg.Topic,
			"offset": msg.Offset,
		}).Error("Dropping undecodable meter event")
		return nil
	}
	return c.Process(ctx, &ev)
}

// Process debits the tenant for one meter event. The debit is the
// idempotency anchor (reference meter:<event_id>); the rollup and the
// post-debit hooks are best-effort because the raw meter_events row
// still backs spend queries if a rollup increment is lost.
func (c *Consumer) Process(ctx context.Context, ev *models.MeterEvent) error {
	if ev.EventID == "" || ev.TenantID == "" {
		c.logger.WithField("event_id", ev.EventID).Error("Dropping meter event without identity")
		return nil
	}
	if ev.Charge < 0 || ev.Cost < 0 {
		c.logger.WithField("event_id", ev.EventID).Error("Dropping meter event with negative amounts")
		return nil
	}

	ref := "meter:" + ev.EventID
	seen, err := c.ledger.HasReferenceID(ctx, ref)
	if err != nil {
		return fmt.Errorf("failed to check meter reference %s: %w", ref, err)
	}
	if seen {
		c.logger.WithFields(logging.Fields{
			"tenant_id": ev.TenantID,
			"event_id":  ev.EventID,
		}).Debug("Meter event already billed")
		return nil
	}

	if ev.Charge > 0 {
		tx, err := c.ledger.Debit(ctx, ledger.Entry{
			TenantID:      ev.TenantID,
			Amount:        ev.Charge,
			Type:          models.TxTypeUsage,
			Description:   usageDescription(ev),
			ReferenceID:   ref,
			AllowNegative: true,
		})
		if err != nil {
			return fmt.Errorf("failed to debit meter event %s: %w", ev.EventID, err)
		}
		if c.metrics != nil && c.metrics.Billed != nil {
			c.metrics.Billed.WithLabelValues(ev.Provider).Inc()
		}
		c.afterDebit(ctx, ev.TenantID, tx.BalanceAfter)
	}

	if err := c.rollups.UpsertHourlySummary(ctx, ev); err != nil {
		c.logger.WithError(err).WithField("event_id", ev.EventID).Error("Failed to roll up meter event")
	}
	return nil
}

func (c *Consumer) afterDebit(ctx context.Context, tenantID string, balance credits.Credits) {
	if balance <= suspendThreshold {
		if _, err := c.tenants.Suspend(ctx, tenantID, "credit_exhausted", "system"); err != nil {
			if !errors.Is(err, tenants.ErrAlreadySuspended) && !errors.Is(err, tenants.ErrCannotSuspendBanned) {
				c.logger.WithError(err).WithField("tenant_id", tenantID).Error("Failed to suspend exhausted tenant")
			}
			return
		}
		if c.metrics != nil && c.metrics.Suspensions != nil {
			c.metrics.Suspensions.Inc()
		}
		c.logger.WithFields(logging.Fields{
			"tenant_id":     tenantID,
			"balance_cents": balance,
		}).Warn("Suspended tenant on exhausted credit")
		return
	}

	if c.topup == nil {
		return
	}
	if err := c.topup.MaybeUsageTopup(ctx, tenantID, balance); err != nil {
		c.logger.WithError(err).WithField("tenant_id", tenantID).Warn("Usage auto-topup failed")
	}
}

func usageDescription(ev *models.MeterEvent) string {
	if ev.Model != nil && *ev.Model != "" {
		return fmt.Sprintf("metered %s (%s/%s)", ev.Capability, ev.Provider, *ev.Model)
	}
	return fmt.Sprintf("metered %s (%s)", ev.Capability, ev.Provider)
}
