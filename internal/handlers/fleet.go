package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wopr-network/wopr-platform-sub005/internal/nodes"
	"github.com/wopr-network/wopr-platform-sub005/internal/recovery"
	noradapi "github.com/wopr-network/wopr-platform-sub005/pkg/api/norad"
	"github.com/wopr-network/wopr-platform-sub005/pkg/models"
)

// ListNodes returns every registered node.
func (a *API) ListNodes(c *gin.Context) {
	list, err := a.nodes.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list nodes"})
		return
	}
	if list == nil {
		list = []models.Node{}
	}
	c.JSON(http.StatusOK, gin.H{"nodes": list, "count": len(list)})
}

// GetNode returns one node.
func (a *API) GetNode(c *gin.Context) {
	node, err := a.nodes.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, nodes.ErrNodeNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "node not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read node"})
		}
		return
	}
	c.JSON(http.StatusOK, node)
}

// NodeTransitions returns the node's status-change log, newest first.
func (a *API) NodeTransitions(c *gin.Context) {
	transitions, err := a.nodes.Transitions(c.Request.Context(), c.Param("id"), queryInt(c, "limit", 50))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read transitions"})
		return
	}
	if transitions == nil {
		transitions = []models.NodeTransition{}
	}
	c.JSON(http.StatusOK, gin.H{"transitions": transitions, "count": len(transitions)})
}

// RecoverNode runs a manual recovery of everything on the node. The
// call blocks until the sweep finishes and returns the final event.
func (a *API) RecoverNode(c *gin.Context) {
	nodeID := c.Param("id")
	event, err := a.recovery.TriggerRecovery(c.Request.Context(), nodeID, models.TriggerManual)
	if err != nil {
		switch {
		case errors.Is(err, nodes.ErrNodeNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "node not found"})
		case errors.Is(err, nodes.ErrInvalidTransition):
			c.JSON(http.StatusConflict, gin.H{"error": "node is not in a recoverable state"})
		default:
			a.logger.WithError(err).WithField("node_id", nodeID).Error("Manual recovery failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "recovery failed"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"recovery": event})
}

// ListRecoveries returns recent recovery events, newest first.
func (a *API) ListRecoveries(c *gin.Context) {
	events, err := a.recoveries.List(c.Request.Context(), queryInt(c, "limit", 20))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list recoveries"})
		return
	}
	if events == nil {
		events = []models.RecoveryEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"recoveries": events, "count": len(events)})
}

// GetRecovery returns one recovery event with its per-tenant items.
func (a *API) GetRecovery(c *gin.Context) {
	id := c.Param("id")
	event, err := a.recoveries.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, recovery.ErrEventNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "recovery event not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read recovery event"})
		}
		return
	}
	items, err := a.recoveries.Items(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read recovery items"})
		return
	}
	if items == nil {
		items = []models.RecoveryItem{}
	}
	c.JSON(http.StatusOK, noradapi.RecoveryDetail{Event: *event, Items: items})
}

// RetryRecovery re-attempts the waiting items of a recovery event.
func (a *API) RetryRecovery(c *gin.Context) {
	event, err := a.recovery.RetryWaiting(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, recovery.ErrEventNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "recovery event not found"})
		} else {
			a.logger.WithError(err).Error("Recovery retry failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "retry failed"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"recovery": event})
}

// VaultAudit reports how many credentials sit in each sealing state.
func (a *API) VaultAudit(c *gin.Context) {
	report, err := a.vault.Audit(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "audit failed"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// VaultMigrate seals any credentials still stored in plaintext.
func (a *API) VaultMigrate(c *gin.Context) {
	migrated, err := a.vault.MigratePlaintext(c.Request.Context())
	if err != nil {
		a.logger.WithError(err).Error("Vault migration failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "migration failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"migrated": migrated})
}

// VaultReEncrypt rotates every credential from the old master secret to
// the new one.
func (a *API) VaultReEncrypt(c *gin.Context) {
	var req noradapi.ReEncryptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.OldSecret == "" || req.NewSecret == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "old_secret and new_secret are required"})
		return
	}
	report, err := a.vault.ReEncryptAll(c.Request.Context(), []byte(req.OldSecret), []byte(req.NewSecret))
	if err != nil {
		a.logger.WithError(err).Error("Vault re-encryption failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "re-encryption failed"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// AlertStatus reports the current state of every registered alert.
func (a *API) AlertStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"alerts": a.alerts.Status()})
}
