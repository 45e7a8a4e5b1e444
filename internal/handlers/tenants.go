package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wopr-network/wopr-platform-sub005/internal/tenants"
	noradapi "github.com/wopr-network/wopr-platform-sub005/pkg/api/norad"
	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
	"github.com/wopr-network/wopr-platform-sub005/pkg/models"
)

// TenantStatus returns the account state alongside the live balance.
func (a *API) TenantStatus(c *gin.Context) {
	tenantID := c.Param("tenant_id")
	status, err := a.tenants.GetStatus(c.Request.Context(), tenantID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read tenant status"})
		return
	}
	balance, err := a.ledger.Balance(c.Request.Context(), tenantID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read balance"})
		return
	}
	c.JSON(http.StatusOK, noradapi.TenantStatusResponse{
		TenantStatus: *status,
		BalanceCents: balance.Int64(),
	})
}

// SuspendTenant suspends the account and stops every bot it runs.
func (a *API) SuspendTenant(c *gin.Context) {
	req := a.statusChange(c)
	if req == nil {
		return
	}

	tenantID := c.Param("tenant_id")
	suspended, err := a.tenants.Suspend(c.Request.Context(), tenantID, req.Reason, requestedBy(req.RequestedBy))
	if err != nil {
		a.statusError(c, err)
		return
	}
	if suspended == nil {
		suspended = []string{}
	}
	a.logger.WithFields(logging.Fields{
		"tenant_id": tenantID,
		"bots":      len(suspended),
	}).Info("Tenant suspended")
	c.JSON(http.StatusOK, noradapi.SuspendResponse{
		TenantID:      tenantID,
		Status:        models.TenantSuspended,
		SuspendedBots: suspended,
	})
}

// ReactivateTenant returns a suspended account to active.
func (a *API) ReactivateTenant(c *gin.Context) {
	req := a.statusChange(c)
	if req == nil {
		return
	}

	tenantID := c.Param("tenant_id")
	if err := a.tenants.Reactivate(c.Request.Context(), tenantID, requestedBy(req.RequestedBy)); err != nil {
		a.statusError(c, err)
		return
	}
	a.logger.WithField("tenant_id", tenantID).Info("Tenant reactivated")
	c.JSON(http.StatusOK, gin.H{"tenant_id": tenantID, "status": models.TenantActive})
}

// BanTenant permanently bans an account. The caller must repeat the
// tenant id in confirm_name as "BAN <tenant_id>"; fat-fingering a ban is
// not recoverable, so the API refuses to guess.
func (a *API) BanTenant(c *gin.Context) {
	var req noradapi.BanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	tenantID := c.Param("tenant_id")
	if req.ConfirmName != "BAN "+tenantID {
		c.JSON(http.StatusBadRequest, gin.H{"error": `confirmation mismatch: send confirm_name as "BAN ` + tenantID + `"`})
		return
	}

	result, err := a.tenants.Ban(c.Request.Context(), tenantID, req.Reason, requestedBy(req.RequestedBy))
	if err != nil {
		a.statusError(c, err)
		return
	}

	resp := noradapi.BanResponse{
		TenantID:      tenantID,
		Status:        models.TenantBanned,
		RefundedCents: result.RefundedCents.Int64(),
		SuspendedBots: result.SuspendedBots,
	}
	if resp.SuspendedBots == nil {
		resp.SuspendedBots = []string{}
	}
	if status, err := a.tenants.GetStatus(c.Request.Context(), tenantID); err == nil && status.DataDeleteAfter != nil {
		resp.DataDeleteAfter = status.DataDeleteAfter.UTC().Format(time.RFC3339)
	}
	a.logger.WithFields(logging.Fields{
		"tenant_id":      tenantID,
		"refunded_cents": resp.RefundedCents,
		"bots":           len(resp.SuspendedBots),
	}).Info("Tenant banned")
	c.JSON(http.StatusOK, resp)
}

// GrantGracePeriod gives an active tenant a one-week payment grace
// window instead of suspension.
func (a *API) GrantGracePeriod(c *gin.Context) {
	if req := a.statusChange(c); req == nil {
		return
	}

	tenantID := c.Param("tenant_id")
	if err := a.tenants.SetGracePeriod(c.Request.Context(), tenantID); err != nil {
		a.statusError(c, err)
		return
	}
	status, err := a.tenants.GetStatus(c.Request.Context(), tenantID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read tenant status"})
		return
	}
	c.JSON(http.StatusOK, status)
}

// statusChange binds the optional transition body. A nil return means a
// response was already written.
func (a *API) statusChange(c *gin.Context) *noradapi.StatusChangeRequest {
	var req noradapi.StatusChangeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return nil
		}
	}
	return &req
}

// statusError maps the tenant service's illegal-edge errors to 409 and
// everything else to 500.
func (a *API) statusError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, tenants.ErrCannotSuspendBanned),
		errors.Is(err, tenants.ErrAlreadySuspended),
		errors.Is(err, tenants.ErrCannotReactivateBanned),
		errors.Is(err, tenants.ErrAlreadyActive),
		errors.Is(err, tenants.ErrAlreadyBanned),
		errors.Is(err, tenants.ErrGraceRequiresActive):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		a.logger.WithError(err).Error("Tenant status transition failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status transition failed"})
	}
}
