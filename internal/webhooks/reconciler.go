// Package webhooks reconciles payment-provider events with the credit
// ledger. Deliveries are verified, throttled per source when signatures
// keep failing, deduped by event id, and credited through the ledger's
// reference-id idempotency so a replay can never double-credit.
package webhooks

import (
	"context"
	"fmt"
	"strings"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/wopr-network/wopr-platform-sub005/internal/ledger"
	"github.com/wopr-network/wopr-platform-sub005/pkg/credits"
	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
	"github.com/wopr-network/wopr-platform-sub005/pkg/models"
)

// Ledger is the credit side of the ledger service.
type Ledger interface {
	Credit(ctx context.Context, e ledger.Entry) (*models.CreditTransaction, error)
}

// CustomerStore maps tenants to their payment-provider customer ids.
type CustomerStore interface {
	Get(ctx context.Context, tenantID string) (*models.TenantSettings, error)
	SetStripeCustomer(ctx context.Context, tenantID, customerID string) error
}

// EventStore provides webhook dedupe and pending-topup completion.
type EventStore interface {
	Seen(ctx context.Context, provider, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, provider, eventID string) error
	CompletePendingTopup(ctx context.Context, sessionID string) (bool, error)
}

// Result is the response body for a processed webhook delivery.
type Result struct {
	Handled       bool   `json:"handled"`
	Tenant        string `json:"tenant,omitempty"`
	CreditedCents int64  `json:"credited_cents,omitempty"`
}

// Reconciler applies verified Stripe events to the ledger.
type Reconciler struct {
	events    EventStore
	ledger    Ledger
	customers CustomerStore
	logger    logging.Logger
}

func NewReconciler(events EventStore, creditLedger Ledger, customers CustomerStore, logger logging.Logger) *Reconciler {
	return &Reconciler{
		events:    events,
		ledger:    creditLedger,
		customers: customers,
		logger:    logger,
	}
}

// Apply processes one verified event. Replayed event ids short-circuit;
// everything else is dispatched by type and recorded afterwards, so a
// crash mid-processing leaves the event unrecorded and the retry leans
// on the ledger's reference dedupe instead of losing the delivery.
func (r *Reconciler) Apply(ctx context.Context, event *stripe.Event) (*Result, error) {
	seen, err := r.events.Seen(ctx, "stripe", event.ID)
	if err != nil {
		return nil, err
	}
	if seen {
		r.logger.WithField("event_id", event.ID).Debug("Stripe event already processed, skipping")
		return &Result{Handled: true}, nil
	}

	result := &Result{}
	switch {
	case event.Type == "checkout.session.completed":
		result, err = r.applyCheckoutCompleted(ctx, event)
	case event.Type == "payment_intent.succeeded":
		result, err = r.ackPaymentIntent(event)
	case strings.HasPrefix(string(event.Type), "customer.subscription."):
		r.logger.WithFields(logging.Fields{
			"event_id":   event.ID,
			"event_type": event.Type,
		}).Info("Acknowledged subscription lifecycle event")
		result.Handled = true
	default:
		r.logger.WithField("event_type", event.Type).Debug("Ignoring unhandled Stripe event type")
	}
	if err != nil {
		return nil, err
	}

	if err := r.events.MarkProcessed(ctx, "stripe", event.ID); err != nil {
		// Side effects are done and the ledger dedupes the credit, so a
		// failed mark only costs the retry a redundant pass.
		r.logger.WithError(err).WithField("event_id", event.ID).Warn("Failed to record processed webhook event")
	}
	return result, nil
}

func (r *Reconciler) applyCheckoutCompleted(ctx context.Context, event *stripe.Event) (*Result, error) {
	var sess stripe.CheckoutSession
	if err := sess.UnmarshalJSON(event.Data.Raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkout session: %w", err)
	}

	tenantID := sess.Metadata["wopr_tenant"]
	if tenantID == "" {
		tenantID = sess.ClientReferenceID
	}
	if tenantID == "" {
		// Not one of ours. Ack so the provider stops retrying.
		r.logger.WithField("session_id", sess.ID).Warn("Checkout session carries no tenant reference, ignoring")
		return &Result{}, nil
	}

	r.backfillCustomer(ctx, tenantID, &sess)

	if sess.AmountTotal <= 0 {
		r.logger.WithFields(logging.Fields{
			"session_id": sess.ID,
			"tenant_id":  tenantID,
		}).Warn("Checkout session completed with no amount, nothing to credit")
		return &Result{Handled: true, Tenant: tenantID}, nil
	}

	if _, err := r.ledger.Credit(ctx, ledger.Entry{
		TenantID:      tenantID,
		Amount:        credits.Credits(sess.AmountTotal),
		Type:          models.TxTypeTopup,
		Description:   "Credit top-up via Stripe Checkout",
		ReferenceID:   "stripe:session:" + sess.ID,
		FundingSource: "stripe:checkout",
	}); err != nil {
		return nil, fmt.Errorf("failed to credit checkout session %s: %w", sess.ID, err)
	}

	completed, err := r.events.CompletePendingTopup(ctx, sess.ID)
	if err != nil {
		r.logger.WithError(err).WithField("session_id", sess.ID).Warn("Failed to complete pending topup record")
	}

	r.logger.WithFields(logging.Fields{
		"session_id":     sess.ID,
		"tenant_id":      tenantID,
		"amount_cents":   sess.AmountTotal,
		"pending_closed": completed,
	}).Info("Credited checkout session")

	return &Result{Handled: true, Tenant: tenantID, CreditedCents: sess.AmountTotal}, nil
}

// ackPaymentIntent acknowledges an auto-topup charge confirmation. The
// engine credits the ledger when the charge is made, so the event adds
// nothing beyond the audit log line.
func (r *Reconciler) ackPaymentIntent(event *stripe.Event) (*Result, error) {
	var intent stripe.PaymentIntent
	if err := intent.UnmarshalJSON(event.Data.Raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment intent: %w", err)
	}

	tenantID := intent.Metadata["wopr_tenant"]
	r.logger.WithFields(logging.Fields{
		"payment_intent_id": intent.ID,
		"tenant_id":         tenantID,
	}).Info("Acknowledged payment intent confirmation")
	return &Result{Handled: true, Tenant: tenantID}, nil
}

// backfillCustomer stores the session's customer id on the tenant when
// no mapping exists yet. Best effort: the credit must land either way.
func (r *Reconciler) backfillCustomer(ctx context.Context, tenantID string, sess *stripe.CheckoutSession) {
	if sess.Customer == nil || sess.Customer.ID == "" {
		return
	}

	settings, err := r.customers.Get(ctx, tenantID)
	if err != nil {
		r.logger.WithError(err).WithField("tenant_id", tenantID).Warn("Failed to load tenant settings for customer backfill")
		return
	}
	if settings.StripeCustomerID != nil && *settings.StripeCustomerID != "" {
		return
	}

	if err := r.customers.SetStripeCustomer(ctx, tenantID, sess.Customer.ID); err != nil {
		r.logger.WithError(err).WithField("tenant_id", tenantID).Warn("Failed to map Stripe customer to tenant")
		return
	}
	r.logger.WithFields(logging.Fields{
		"tenant_id":   tenantID,
		"customer_id": sess.Customer.ID,
	}).Info("Mapped Stripe customer to tenant")
}
