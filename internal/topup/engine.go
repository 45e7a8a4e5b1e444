// Package topup implements the two auto-topup mechanisms sharing one
// settings row per tenant: usage-triggered (fired by the meter consumer
// when a debit drops the balance under the threshold) and scheduled
// (fired by a worker at UTC-midnight boundaries). Both charge the stored
// payment method and credit the ledger with an idempotent reference.
package topup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wopr-network/wopr-platform-sub005/internal/ledger"
	"github.com/wopr-network/wopr-platform-sub005/internal/payments"
	"github.com/wopr-network/wopr-platform-sub005/pkg/credits"
	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
	"github.com/wopr-network/wopr-platform-sub005/pkg/models"
)

// Allowed values are closed sets, in cents.
var (
	AllowedTopupAmounts = []credits.Credits{500, 1000, 2000, 5000, 10000, 20000, 50000}
	AllowedThresholds   = []credits.Credits{200, 500, 1000}
)

var (
	ErrInvalidAmount    = errors.New("topup amount not in the allowed set")
	ErrInvalidThreshold = errors.New("topup threshold not in the allowed set")
	ErrInvalidInterval  = errors.New("schedule interval must be daily, weekly or monthly")
)

// SettingsStore is the persistence surface the engine drives.
type SettingsStore interface {
	Get(ctx context.Context, tenantID string) (*models.TopupSettings, error)
	SaveUsage(ctx context.Context, tenantID string, enabled bool, threshold, amount credits.Credits) error
	SaveSchedule(ctx context.Context, tenantID string, enabled bool, amount credits.Credits, interval string, nextAt *time.Time) error
	SetPaymentMethod(ctx context.Context, tenantID, paymentMethodID string) error
	AcquireUsageCharge(ctx context.Context, tenantID string) (bool, error)
	RecordUsageSuccess(ctx context.Context, tenantID string) error
	RecordUsageFailure(ctx context.Context, tenantID string) (int, bool, error)
	ListDueSchedules(ctx context.Context, now time.Time) ([]*models.TopupSettings, error)
	AdvanceSchedule(ctx context.Context, tenantID string, nextAt time.Time) error
	RecordScheduleSuccess(ctx context.Context, tenantID string) error
	RecordScheduleFailure(ctx context.Context, tenantID string) (int, bool, error)
}

// Ledger credits purchased amounts.
type Ledger interface {
	Credit(ctx context.Context, entry ledger.Entry) (*models.CreditTransaction, error)
}

// CustomerReader resolves the tenant's Stripe customer id.
type CustomerReader interface {
	Get(ctx context.Context, tenantID string) (*models.TenantSettings, error)
}

// Metrics holds the engine's Prometheus instruments, all optional.
type Metrics struct {
	Topups   *prometheus.CounterVec // labels: trigger
	Failures *prometheus.CounterVec // labels: trigger
	Disabled prometheus.Counter
}

// Config wires an Engine.
type Config struct {
	Store     SettingsStore
	Charger   payments.Charger
	Ledger    Ledger
	Customers CustomerReader
	Logger    logging.Logger
	Metrics   *Metrics
}

// Engine owns topup settings CRUD and both charge mechanisms.
type Engine struct {
	store     SettingsStore
	charger   payments.Charger
	ledger    Ledger
	customers CustomerReader
	logger    logging.Logger
	metrics   *Metrics
}

func New(cfg Config) *Engine {
	return &Engine{
		store:     cfg.Store,
		charger:   cfg.Charger,
		ledger:    cfg.Ledger,
		customers: cfg.Customers,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}
}

// Settings returns the tenant's topup settings.
func (e *Engine) Settings(ctx context.Context, tenantID string) (*models.TopupSettings, error) {
	return e.store.Get(ctx, tenantID)
}

// ConfigureUsage validates and saves the usage-triggered settings.
func (e *Engine) ConfigureUsage(ctx context.Context, tenantID string, enabled bool, threshold, amount credits.Credits) error {
	if !containsCredits(AllowedThresholds, threshold) {
		return ErrInvalidThreshold
	}
	if !containsCredits(AllowedTopupAmounts, amount) {
		return ErrInvalidAmount
	}
	return e.store.SaveUsage(ctx, tenantID, enabled, threshold, amount)
}

// ConfigureSchedule validates and saves the scheduled settings. Enabling
// stamps the first due time from now.
func (e *Engine) ConfigureSchedule(ctx context.Context, tenantID string, enabled bool, amount credits.Credits, interval string, now time.Time) error {
	if !containsCredits(AllowedTopupAmounts, amount) {
		return ErrInvalidAmount
	}
	if !ValidInterval(interval) {
		return ErrInvalidInterval
	}

	var nextAt *time.Time
	if enabled {
		next := ComputeNextScheduleAt(interval, now)
		nextAt = &next
	}
	return e.store.SaveSchedule(ctx, tenantID, enabled, amount, interval, nextAt)
}

// SetPaymentMethod stores the card auto-topups charge.
func (e *Engine) SetPaymentMethod(ctx context.Context, tenantID, paymentMethodID string) error {
	return e.store.SetPaymentMethod(ctx, tenantID, paymentMethodID)
}

// MaybeUsageTopup is the meter consumer's post-debit hook. It charges at
// most once per low-balance episode: the in-flight flag is claimed via
// CAS, so concurrent consumers for the same tenant cannot double-charge.
func (e *Engine) MaybeUsageTopup(ctx context.Context, tenantID string, balance credits.Credits) error {
	settings, err := e.store.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	if !settings.UsageEnabled || balance >= settings.UsageThreshold {
		return nil
	}

	acquired, err := e.store.AcquireUsageCharge(ctx, tenantID)
	if err != nil {
		return err
	}
	if !acquired {
		// Another replica holds the flag, or settings just changed.
		return nil
	}

	ref := fmt.Sprintf("autotopup:usage:%s:%d", tenantID, time.Now().Unix())
	if err := e.chargeAndCredit(ctx, settings, settings.UsageTopup, ref, "usage"); err != nil {
		e.recordFailure(ctx, tenantID, "usage", err)
		return err
	}
	if err := e.store.RecordUsageSuccess(ctx, tenantID); err != nil {
		return err
	}

	e.countTopup("usage")
	e.logger.WithFields(logging.Fields{
		"tenant_id":    tenantID,
		"amount_cents": settings.UsageTopup.Int64(),
	}).Info("Usage auto-topup applied")
	return nil
}

// RunDue fires due scheduled topups. The next-due stamp advances before
// the charge is attempted, so a failing schedule skips forward instead of
// stalling or double-firing.
func (e *Engine) RunDue(ctx context.Context, now time.Time) error {
	due, err := e.store.ListDueSchedules(ctx, now)
	if err != nil {
		return err
	}

	for _, settings := range due {
		next := ComputeNextScheduleAt(settings.ScheduleInterval, now)
		if err := e.store.AdvanceSchedule(ctx, settings.TenantID, next); err != nil {
			e.logger.WithError(err).WithField("tenant_id", settings.TenantID).Error("Failed to advance topup schedule")
			continue
		}

		ref := fmt.Sprintf("autotopup:schedule:%s:%d", settings.TenantID, now.Unix())
		if err := e.chargeAndCredit(ctx, settings, settings.ScheduleAmount, ref, "schedule"); err != nil {
			e.recordFailure(ctx, settings.TenantID, "schedule", err)
			continue
		}
		if err := e.store.RecordScheduleSuccess(ctx, settings.TenantID); err != nil {
			e.logger.WithError(err).WithField("tenant_id", settings.TenantID).Error("Failed to reset schedule failure streak")
		}

		e.countTopup("schedule")
		e.logger.WithFields(logging.Fields{
			"tenant_id":    settings.TenantID,
			"amount_cents": settings.ScheduleAmount.Int64(),
			"next_at":      next,
		}).Info("Scheduled auto-topup applied")
	}
	return nil
}

func (e *Engine) chargeAndCredit(ctx context.Context, settings *models.TopupSettings, amount credits.Credits, referenceID, trigger string) error {
	if settings.StripePaymentMethodID == nil {
		return payments.ErrNoPaymentMethod
	}
	tenant, err := e.customers.Get(ctx, settings.TenantID)
	if err != nil {
		return err
	}
	if tenant.StripeCustomerID == nil {
		return payments.ErrNoPaymentMethod
	}

	description := fmt.Sprintf("Auto-topup (%s)", trigger)
	result, err := e.charger.Charge(ctx, payments.ChargeRequest{
		TenantID:        settings.TenantID,
		CustomerID:      *tenant.StripeCustomerID,
		PaymentMethodID: *settings.StripePaymentMethodID,
		Amount:          amount,
		Description:     description,
		IdempotencyKey:  referenceID,
	})
	if err != nil {
		return err
	}

	_, err = e.ledger.Credit(ctx, ledger.Entry{
		TenantID:      settings.TenantID,
		Amount:        amount,
		Type:          models.TxTypeTopup,
		Description:   description,
		ReferenceID:   referenceID,
		FundingSource: "stripe:" + result.PaymentIntentID,
	})
	if err != nil {
		// The card was charged. Surface the intent id so the credit can
		// be applied manually if this keeps failing.
		return fmt.Errorf("charge %s succeeded but ledger credit failed: %w", result.PaymentIntentID, err)
	}
	return nil
}

func (e *Engine) recordFailure(ctx context.Context, tenantID, trigger string, cause error) {
	var (
		failures int
		enabled  bool
		err      error
	)
	if trigger == "usage" {
		failures, enabled, err = e.store.RecordUsageFailure(ctx, tenantID)
	} else {
		failures, enabled, err = e.store.RecordScheduleFailure(ctx, tenantID)
	}
	if err != nil {
		e.logger.WithError(err).WithField("tenant_id", tenantID).Error("Failed to record topup failure")
		return
	}

	if e.metrics != nil && e.metrics.Failures != nil {
		e.metrics.Failures.WithLabelValues(trigger).Inc()
	}

	entry := e.logger.WithError(cause).WithFields(logging.Fields{
		"tenant_id": tenantID,
		"trigger":   trigger,
		"failures":  failures,
	})
	if !enabled {
		if e.metrics != nil && e.metrics.Disabled != nil {
			e.metrics.Disabled.Inc()
		}
		entry.Warn("Auto-topup disabled after repeated charge failures")
		return
	}
	entry.Warn("Auto-topup charge failed")
}

func (e *Engine) countTopup(trigger string) {
	if e.metrics != nil && e.metrics.Topups != nil {
		e.metrics.Topups.WithLabelValues(trigger).Inc()
	}
}

// ValidInterval reports whether interval names one of the closed set.
func ValidInterval(interval string) bool {
	switch interval {
	case models.IntervalDaily, models.IntervalWeekly, models.IntervalMonthly:
		return true
	}
	return false
}

// ComputeNextScheduleAt returns the next UTC midnight the interval fires:
// the next day, the next Monday, or the 1st of the next month.
func ComputeNextScheduleAt(interval string, now time.Time) time.Time {
	utc := now.UTC()
	midnight := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)

	switch interval {
	case models.IntervalDaily:
		return midnight.AddDate(0, 0, 1)
	case models.IntervalWeekly:
		days := int(time.Monday - midnight.Weekday())
		if days <= 0 {
			days += 7
		}
		return midnight.AddDate(0, 0, days)
	default:
		return time.Date(utc.Year(), utc.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	}
}

func containsCredits(set []credits.Credits, v credits.Credits) bool {
	for _, allowed := range set {
		if allowed == v {
			return true
		}
	}
	return false
}
