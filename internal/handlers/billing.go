package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wopr-network/wopr-platform-sub005/internal/ledger"
	"github.com/wopr-network/wopr-platform-sub005/internal/payments"
	"github.com/wopr-network/wopr-platform-sub005/internal/topup"
	noradapi "github.com/wopr-network/wopr-platform-sub005/pkg/api/norad"
	"github.com/wopr-network/wopr-platform-sub005/pkg/auth"
	"github.com/wopr-network/wopr-platform-sub005/pkg/credits"
	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
	"github.com/wopr-network/wopr-platform-sub005/pkg/models"
)

// minCheckoutCents is the smallest manual top-up Stripe Checkout will
// see. Card fees eat anything smaller.
const minCheckoutCents = 500

// Balance returns the tenant's current credit balance.
func (a *API) Balance(c *gin.Context) {
	tenantID := c.Param("tenant_id")
	balance, err := a.ledger.Balance(c.Request.Context(), tenantID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read balance"})
		return
	}
	c.JSON(http.StatusOK, noradapi.BalanceResponse{TenantID: tenantID, BalanceCents: balance.Int64()})
}

// Transactions returns the tenant's ledger history, newest first.
func (a *API) Transactions(c *gin.Context) {
	history, err := a.ledger.History(c.Request.Context(), c.Param("tenant_id"),
		queryInt(c, "limit", 50), queryInt(c, "offset", 0))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read history"})
		return
	}
	if history == nil {
		history = []models.CreditTransaction{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": history, "count": len(history)})
}

// ManualCredit adds credits as an operator adjustment.
func (a *API) ManualCredit(c *gin.Context) {
	a.manualEntry(c, false)
}

// ManualDebit removes credits as an operator adjustment. Set
// allow_negative to push the balance below zero.
func (a *API) ManualDebit(c *gin.Context) {
	a.manualEntry(c, true)
}

func (a *API) manualEntry(c *gin.Context, debit bool) {
	var req noradapi.LedgerEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.AmountCents <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount_cents must be positive"})
		return
	}

	description := req.Description
	if description == "" {
		if debit {
			description = "Manual debit"
		} else {
			description = "Manual credit"
		}
	}
	entry := ledger.Entry{
		TenantID:      c.Param("tenant_id"),
		Amount:        credits.Credits(req.AmountCents),
		Type:          models.TxTypeAdjustment,
		Description:   description,
		ReferenceID:   req.ReferenceID,
		FundingSource: "manual",
		AllowNegative: req.AllowNegative,
	}

	var (
		tx  *models.CreditTransaction
		err error
	)
	if debit {
		tx, err = a.ledger.Debit(c.Request.Context(), entry)
	} else {
		tx, err = a.ledger.Credit(c.Request.Context(), entry)
	}
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient credits"})
			return
		}
		a.logger.WithError(err).WithField("tenant_id", entry.TenantID).Error("Manual ledger entry failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger entry failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// SetCaps sets or clears the gateway spending caps.
func (a *API) SetCaps(c *gin.Context) {
	var req noradapi.CapsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	daily, err := capValue(req.DailyCapCents)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "daily_cap_cents must be positive"})
		return
	}
	monthly, err := capValue(req.MonthlyCapCents)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "monthly_cap_cents must be positive"})
		return
	}

	tenantID := c.Param("tenant_id")
	if err := a.settings.SetCaps(c.Request.Context(), tenantID, daily, monthly); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store caps"})
		return
	}
	settings, err := a.settings.Get(c.Request.Context(), tenantID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read settings"})
		return
	}
	c.JSON(http.StatusOK, settings)
}

func capValue(cents *int64) (*credits.Credits, error) {
	if cents == nil {
		return nil, nil
	}
	if *cents <= 0 {
		return nil, errors.New("cap must be positive")
	}
	v := credits.Credits(*cents)
	return &v, nil
}

// TopupSettings returns the auto top-up configuration.
func (a *API) TopupSettings(c *gin.Context) {
	settings, err := a.topups.Settings(c.Request.Context(), c.Param("tenant_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read topup settings"})
		return
	}
	c.JSON(http.StatusOK, settings)
}

// ConfigureUsageTopup enables or disables the balance-triggered top-up.
func (a *API) ConfigureUsageTopup(c *gin.Context) {
	var req noradapi.UsageTopupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	err := a.topups.ConfigureUsage(c.Request.Context(), c.Param("tenant_id"), req.Enabled,
		credits.Credits(req.ThresholdCents), credits.Credits(req.AmountCents))
	a.topupConfigured(c, err)
}

// ConfigureScheduleTopup enables or disables the scheduled top-up.
func (a *API) ConfigureScheduleTopup(c *gin.Context) {
	var req noradapi.ScheduleTopupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	err := a.topups.ConfigureSchedule(c.Request.Context(), c.Param("tenant_id"), req.Enabled,
		credits.Credits(req.AmountCents), req.Interval, time.Now().UTC())
	a.topupConfigured(c, err)
}

// SetTopupPaymentMethod stores the card auto top-ups charge.
func (a *API) SetTopupPaymentMethod(c *gin.Context) {
	var req noradapi.PaymentMethodRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.PaymentMethodID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "payment_method_id is required"})
		return
	}
	err := a.topups.SetPaymentMethod(c.Request.Context(), c.Param("tenant_id"), req.PaymentMethodID)
	a.topupConfigured(c, err)
}

func (a *API) topupConfigured(c *gin.Context, err error) {
	switch {
	case err == nil:
	case errors.Is(err, topup.ErrInvalidAmount),
		errors.Is(err, topup.ErrInvalidThreshold),
		errors.Is(err, topup.ErrInvalidInterval):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store topup settings"})
		return
	}

	settings, err := a.topups.Settings(c.Request.Context(), c.Param("tenant_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read topup settings"})
		return
	}
	c.JSON(http.StatusOK, settings)
}

// CreateCheckout opens a Stripe Checkout session for a manual top-up and
// records it in pending_topups. The webhook reconciler credits the
// ledger when the session completes.
func (a *API) CreateCheckout(c *gin.Context) {
	var req noradapi.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.AmountCents < minCheckoutCents {
		c.JSON(http.StatusBadRequest, gin.H{"error": "minimum top-up is 500 cents"})
		return
	}
	if req.SuccessURL == "" || req.CancelURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "success_url and cancel_url are required"})
		return
	}

	tenantID := c.Param("tenant_id")
	customerID := ""
	if settings, err := a.settings.Get(c.Request.Context(), tenantID); err == nil && settings.StripeCustomerID != nil {
		customerID = *settings.StripeCustomerID
	}

	sess, err := a.checkout.CreateTopupCheckout(c.Request.Context(), payments.CheckoutParams{
		TenantID:   tenantID,
		CustomerID: customerID,
		Amount:     credits.Credits(req.AmountCents),
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	if err != nil {
		a.logger.WithError(err).WithField("tenant_id", tenantID).Error("Checkout session creation failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to create checkout session"})
		return
	}

	// A missed pending row only costs the stuck-session audit trail; the
	// webhook credits the ledger regardless.
	if err := a.pending.Open(c.Request.Context(), tenantID, credits.Credits(req.AmountCents), sess.ID); err != nil {
		a.logger.WithError(err).WithFields(logging.Fields{
			"tenant_id":  tenantID,
			"session_id": sess.ID,
		}).Warn("Failed to record pending topup")
	}

	c.JSON(http.StatusCreated, noradapi.CheckoutResponse{SessionID: sess.ID, CheckoutURL: sess.URL})
}

// IssueToken mints a gateway bearer token. The plaintext appears in this
// response and nowhere else, ever.
func (a *API) IssueToken(c *gin.Context) {
	var req noradapi.IssueTokenRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	tenantID := c.Param("tenant_id")
	if req.InstanceID != "" {
		inst, err := a.instances.Get(c.Request.Context(), req.InstanceID)
		if err != nil || inst.TenantID != tenantID {
			c.JSON(http.StatusNotFound, gin.H{"error": "bot not found for tenant"})
			return
		}
	}

	issued, err := a.tokens.Issue(c.Request.Context(), tenantID, req.InstanceID, req.Name)
	if err != nil {
		a.logger.WithError(err).WithField("tenant_id", tenantID).Error("Token issue failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}
	c.JSON(http.StatusCreated, issued)
}

// ListTokens lists the tenant's gateway tokens without revealing them.
func (a *API) ListTokens(c *gin.Context) {
	tokens, err := a.tokens.List(c.Request.Context(), c.Param("tenant_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list tokens"})
		return
	}
	if tokens == nil {
		tokens = []auth.TokenInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"tokens": tokens, "count": len(tokens)})
}

// RevokeToken invalidates one gateway token.
func (a *API) RevokeToken(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("token_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid token id"})
		return
	}
	ok, err := a.tokens.Revoke(c.Request.Context(), c.Param("tenant_id"), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to revoke token"})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "token not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
