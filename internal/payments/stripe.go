// Package payments wraps the Stripe operations norad bills through:
// customer mapping, Checkout sessions for manual top-ups, and off-session
// PaymentIntents for auto-topup.
package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/paymentintent"

	"github.com/wopr-network/wopr-platform-sub005/pkg/credits"
	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
)

// ErrNoPaymentMethod means the tenant has no stored card to charge.
var ErrNoPaymentMethod = errors.New("no stored payment method")

// ChargeRequest is one off-session charge against a stored card.
type ChargeRequest struct {
	TenantID        string
	CustomerID      string
	PaymentMethodID string
	Amount          credits.Credits
	Description     string
	// IdempotencyKey makes Stripe dedupe retried charges. The auto-topup
	// engine passes its ledger reference so a crashed retry cannot
	// double-charge.
	IdempotencyKey string
}

// ChargeResult reports a confirmed charge.
type ChargeResult struct {
	PaymentIntentID string
	Status          string
}

// Charger is the surface the auto-topup engine charges through.
type Charger interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
}

// CheckoutParams describes a manual top-up Checkout session.
type CheckoutParams struct {
	TenantID   string
	CustomerID string // optional; Stripe collects email when absent
	Amount     credits.Credits
	SuccessURL string
	CancelURL  string
}

// CheckoutSession is the created session the API hands back to the UI.
type CheckoutSession struct {
	ID  string
	URL string
}

// Config for creating a new Stripe client.
type Config struct {
	SecretKey string // STRIPE_SECRET_KEY
	Logger    logging.Logger
}

// Client wraps Stripe API operations for credit billing.
type Client struct {
	logger logging.Logger
}

// NewClient creates a new Stripe client.
func NewClient(config Config) *Client {
	// Set the global API key for the stripe-go library
	stripe.Key = config.SecretKey
	return &Client{logger: config.Logger}
}

// CustomerInfo represents tenant data for Stripe customer creation.
type CustomerInfo struct {
	TenantID string
	Email    string
	Name     string
}

// CreateOrGetCustomer finds an existing customer by tenant metadata or
// creates a new one.
func (c *Client) CreateOrGetCustomer(ctx context.Context, info CustomerInfo) (*stripe.Customer, error) {
	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['wopr_tenant']:'%s'", info.TenantID)
	iter := customer.Search(params)

	for iter.Next() {
		cust := iter.Customer()
		c.logger.WithField("customer_id", cust.ID).Debug("Found existing Stripe customer")
		return cust, nil
	}
	if err := iter.Err(); err != nil {
		c.logger.WithError(err).Warn("Error searching for Stripe customer, will create new")
	}

	cust, err := customer.New(&stripe.CustomerParams{
		Email: stripe.String(info.Email),
		Name:  stripe.String(info.Name),
		Metadata: map[string]string{
			"wopr_tenant": info.TenantID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Stripe customer: %w", err)
	}

	c.logger.WithFields(logging.Fields{
		"customer_id": cust.ID,
		"tenant_id":   info.TenantID,
	}).Info("Created new Stripe customer")

	return cust, nil
}

// CreateTopupCheckout creates a payment-mode Checkout session for a manual
// credit top-up. The webhook reconciler credits the ledger when the
// session completes.
func (c *Client) CreateTopupCheckout(ctx context.Context, params CheckoutParams) (*CheckoutSession, error) {
	sessionParams := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(params.TenantID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(string(stripe.CurrencyUSD)),
					UnitAmount: stripe.Int64(params.Amount.Int64()),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String("WOPR credit top-up"),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(params.SuccessURL),
		CancelURL:  stripe.String(params.CancelURL),
		Metadata: map[string]string{
			"wopr_tenant": params.TenantID,
			"purpose":     "credit_topup",
		},
	}
	if params.CustomerID != "" {
		sessionParams.Customer = stripe.String(params.CustomerID)
	}

	sess, err := checkoutsession.New(sessionParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	c.logger.WithFields(logging.Fields{
		"session_id":   sess.ID,
		"tenant_id":    params.TenantID,
		"amount_cents": params.Amount.Int64(),
	}).Info("Created Stripe checkout session")

	return &CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

// Charge confirms an off-session PaymentIntent against the stored card.
func (c *Client) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if req.CustomerID == "" || req.PaymentMethodID == "" {
		return nil, ErrNoPaymentMethod
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount.Int64()),
		Currency:      stripe.String(string(stripe.CurrencyUSD)),
		Customer:      stripe.String(req.CustomerID),
		PaymentMethod: stripe.String(req.PaymentMethodID),
		OffSession:    stripe.Bool(true),
		Confirm:       stripe.Bool(true),
		Description:   stripe.String(req.Description),
		Metadata: map[string]string{
			"wopr_tenant": req.TenantID,
		},
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	intent, err := paymentintent.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to charge stored payment method: %w", err)
	}
	if intent.Status != stripe.PaymentIntentStatusSucceeded {
		return nil, fmt.Errorf("payment intent %s not confirmed: %s", intent.ID, intent.Status)
	}

	c.logger.WithFields(logging.Fields{
		"payment_intent": intent.ID,
		"tenant_id":      req.TenantID,
		"amount_cents":   req.Amount.Int64(),
	}).Info("Charged stored payment method")

	return &ChargeResult{PaymentIntentID: intent.ID, Status: string(intent.Status)}, nil
}
