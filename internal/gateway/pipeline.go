package gateway

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wopr-network/wopr-platform-sub005/pkg/models"
)

// Proxy runs the pre-flight gates in order and dispatches the request.
// Rejected requests never reach the provider and never produce a meter
// event.
func (g *Gateway) Proxy(c *gin.Context) {
	principal := PrincipalFrom(c)
	if principal == nil {
		openAIError(c, http.StatusUnauthorized, "invalid_api_key", "invalid_request_error", "Missing bearer token")
		return
	}

	// 1. Account status: active and grace-period tenants pass.
	if g.rejectedByStatus(c, principal.TenantID) {
		return
	}

	// 2. Spending caps, daily before monthly.
	if g.rejectedByCaps(c, principal.TenantID) {
		return
	}

	// 3. Balance floor.
	if g.rejectedByBalance(c, principal.TenantID) {
		return
	}

	// 4. Circuit breaker. Last gate, so only requests that would
	// otherwise dispatch consume window slots.
	if g.rejectedByCircuit(c, principal.TenantID, principal.InstanceID) {
		return
	}

	g.dispatch(c, principal)
}

func (g *Gateway) rejectedByStatus(c *gin.Context, tenantID string) bool {
	status, err := g.statuses.GetStatus(c.Request.Context(), tenantID)
	if err != nil {
		g.fail(c, "status check", err)
		return true
	}

	switch status.Status {
	case models.TenantSuspended:
		g.countOutcome("rejected_status")
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "account_suspended",
			"message": "Account is suspended. Settle the outstanding balance to resume.",
		})
		return true
	case models.TenantBanned:
		g.countOutcome("rejected_status")
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "account_banned",
			"message": "Account is banned.",
		})
		return true
	}
	return false
}

func (g *Gateway) rejectedByCaps(c *gin.Context, tenantID string) bool {
	settings, err := g.settings.Get(c.Request.Context(), tenantID)
	if err != nil {
		g.fail(c, "cap lookup", err)
		return true
	}
	if settings.DailyCapCents == nil && settings.MonthlyCapCents == nil {
		return false
	}

	spend, err := g.spend.QuerySpend(c.Request.Context(), tenantID, time.Now())
	if err != nil {
		g.fail(c, "spend lookup", err)
		return true
	}

	if limit := settings.DailyCapCents; limit != nil && spend.Daily >= *limit {
		g.rejectCap(c, "daily", spend.Daily.ToDollars(), limit.ToDollars())
		return true
	}
	if limit := settings.MonthlyCapCents; limit != nil && spend.Monthly >= *limit {
		g.rejectCap(c, "monthly", spend.Monthly.ToDollars(), limit.ToDollars())
		return true
	}
	return false
}

func (g *Gateway) rejectCap(c *gin.Context, capType string, spendUSD, capUSD float64) {
	g.countOutcome("rejected_cap")
	c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{"error": gin.H{
		"code":              "spending_cap_exceeded",
		"cap_type":          capType,
		"current_spend_usd": spendUSD,
		"cap_usd":           capUSD,
	}})
}

func (g *Gateway) rejectedByBalance(c *gin.Context, tenantID string) bool {
	balance, err := g.ledger.Balance(c.Request.Context(), tenantID)
	if err != nil {
		g.fail(c, "balance lookup", err)
		return true
	}
	if balance >= BalanceFloor {
		return false
	}

	g.countOutcome("rejected_balance")
	openAIError(c, http.StatusPaymentRequired, "insufficient_credits", "billing_error",
		fmt.Sprintf("Credit balance %.2f USD is below the %.2f USD minimum. Top up to resume.",
			balance.ToDollars(), BalanceFloor.ToDollars()))
	return true
}

func (g *Gateway) rejectedByCircuit(c *gin.Context, tenantID, instanceID string) bool {
	decision, err := g.breaker.Allow(c.Request.Context(), tenantID, instanceID)
	if err != nil {
		g.fail(c, "circuit check", err)
		return true
	}
	if decision.Allowed {
		return false
	}

	g.countOutcome("rejected_circuit")
	retrySeconds := int(math.Ceil(decision.RetryAfter.Seconds()))
	if retrySeconds < 1 {
		retrySeconds = 1
	}
	c.Header("Retry-After", strconv.Itoa(retrySeconds))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": gin.H{
		"message":      "Request rate exceeded the per-instance limit; requests are paused.",
		"type":         "rate_limit_error",
		"code":         "circuit_breaker_tripped",
		"paused_until": decision.PausedUntil.UTC().Format(time.RFC3339),
		"remaining_ms": decision.RetryAfter.Milliseconds(),
	}})
	return true
}
