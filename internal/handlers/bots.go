package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/wopr-network/wopr-platform-sub005/internal/commandbus"
	"github.com/wopr-network/wopr-platform-sub005/internal/images"
	"github.com/wopr-network/wopr-platform-sub005/internal/instances"
	"github.com/wopr-network/wopr-platform-sub005/internal/placement"
	"github.com/wopr-network/wopr-platform-sub005/internal/profiles"
	noradapi "github.com/wopr-network/wopr-platform-sub005/pkg/api/norad"
	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
	"github.com/wopr-network/wopr-platform-sub005/pkg/models"
)

// CreateBot validates the profile, saves it, places the bot on the best
// active node, reserves capacity and imports the container. Everything
// rolls back when the import fails so a failed create leaves no trace.
func (a *API) CreateBot(c *gin.Context) {
	var req noradapi.CreateBotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.TenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id is required"})
		return
	}

	status, err := a.tenants.GetStatus(c.Request.Context(), req.TenantID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read tenant status"})
		return
	}
	if status.Status == models.TenantSuspended || status.Status == models.TenantBanned {
		c.JSON(http.StatusForbidden, gin.H{"error": "tenant account is " + status.Status})
		return
	}

	tier := req.ResourceTier
	if tier == "" {
		tier = models.TierFree
	}
	if !models.ValidTier(tier) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown resource tier " + tier})
		return
	}

	profile := &models.BotProfile{
		ID:             uuid.NewString(),
		TenantID:       req.TenantID,
		Name:           req.Name,
		Description:    req.Description,
		Image:          req.Image,
		Env:            req.Env,
		RestartPolicy:  defaultIfEmpty(req.RestartPolicy, models.RestartUnlessStopped),
		ReleaseChannel: defaultIfEmpty(req.ReleaseChannel, models.ChannelStable),
		UpdatePolicy:   defaultIfEmpty(req.UpdatePolicy, models.UpdateManual),
		Volumes:        req.Volumes,
		HealthCheck:    req.HealthCheck,
	}
	if err := profiles.Validate(profile); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.profiles.Save(profile); err != nil {
		a.logger.WithError(err).Error("Failed to save bot profile")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save profile"})
		return
	}

	requiredMB := models.TierMemoryMB(tier)
	active, err := a.nodes.ListByStatus(c.Request.Context(), models.NodeActive)
	if err != nil {
		a.dropProfile(profile.ID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to scan nodes"})
		return
	}
	target := placement.FindPlacement(active, requiredMB)
	if target == nil {
		a.dropProfile(profile.ID)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no_capacity"})
		return
	}

	inst := &models.BotInstance{
		ID:           profile.ID,
		TenantID:     req.TenantID,
		Name:         req.Name,
		NodeID:       &target.ID,
		BillingState: models.BotBillingActive,
		ResourceTier: tier,
		StorageTier:  defaultIfEmpty(req.StorageTier, "standard"),
	}
	if req.CreatedBy != "" {
		inst.CreatedByUserID = &req.CreatedBy
	}
	if err := a.instances.Create(c.Request.Context(), inst); err != nil {
		a.dropProfile(profile.ID)
		a.logger.WithError(err).Error("Failed to create bot instance")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create instance"})
		return
	}
	if err := a.nodes.AdjustUsedMB(c.Request.Context(), target.ID, requiredMB); err != nil {
		a.dropInstance(inst.ID, profile.ID)
		a.logger.WithError(err).Error("Failed to reserve node capacity")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to reserve capacity"})
		return
	}

	payload := map[string]interface{}{
		"name":           profile.Name,
		"image":          profile.Image,
		"env":            profile.Env,
		"restart_policy": profile.RestartPolicy,
	}
	if len(profile.Volumes) > 0 {
		payload["volumes"] = profile.Volumes
	}
	res, err := a.bus.Send(c.Request.Context(), target.ID, commandbus.Command{
		Type:    commandbus.CmdBotImport,
		Payload: payload,
	})
	if err == nil {
		err = res.Err()
	}
	if err != nil {
		if adjErr := a.nodes.AdjustUsedMB(c.Request.Context(), target.ID, -requiredMB); adjErr != nil {
			a.logger.WithError(adjErr).WithField("node_id", target.ID).Warn("Failed to release reservation after aborted create")
		}
		a.dropInstance(inst.ID, profile.ID)
		a.logger.WithError(err).WithFields(logging.Fields{
			"bot_id":  profile.ID,
			"node_id": target.ID,
		}).Error("Bot import failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "bot import failed"})
		return
	}

	if a.poller != nil {
		a.poller.Track(profile)
	}
	a.logger.WithFields(logging.Fields{
		"bot_id":    profile.ID,
		"tenant_id": req.TenantID,
		"node_id":   target.ID,
		"tier":      tier,
	}).Info("Bot created")
	c.JSON(http.StatusCreated, noradapi.CreateBotResponse{ID: profile.ID, NodeID: target.ID})
}

// ListBots returns the instance rows for one tenant.
func (a *API) ListBots(c *gin.Context) {
	tenantID := c.Query("tenant_id")
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id query parameter is required"})
		return
	}
	bots, err := a.instances.ListByTenant(c.Request.Context(), tenantID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list bots"})
		return
	}
	if bots == nil {
		bots = []models.BotInstance{}
	}
	c.JSON(http.StatusOK, gin.H{"bots": bots, "count": len(bots)})
}

// GetBot returns the instance row, the stored profile, and live runtime
// state when the hosting node is connected.
func (a *API) GetBot(c *gin.Context) {
	inst, ok := a.lookupBot(c)
	if !ok {
		return
	}

	bot := noradapi.Bot{BotInstance: *inst}
	if profile, err := a.profiles.Get(inst.ID); err == nil {
		bot.Profile = profile
	} else {
		a.logger.WithError(err).WithField("bot_id", inst.ID).Warn("Bot has no readable profile")
	}
	bot.Runtime = a.runtimeState(c, inst)

	c.JSON(http.StatusOK, bot)
}

// runtimeState inspects the container when possible. A bot with no node
// is stopped by definition; an unreachable node yields unknown.
func (a *API) runtimeState(c *gin.Context, inst *models.BotInstance) *noradapi.BotRuntime {
	if inst.NodeID == nil {
		return &noradapi.BotRuntime{State: "stopped"}
	}
	if a.conns == nil || !a.conns.Connected(*inst.NodeID) {
		return &noradapi.BotRuntime{State: "unknown"}
	}

	res, err := a.bus.Send(c.Request.Context(), *inst.NodeID, commandbus.Command{
		Type:    commandbus.CmdBotInspect,
		Payload: map[string]interface{}{"name": inst.Name},
	})
	if err == nil {
		err = res.Err()
	}
	if err != nil {
		a.logger.WithError(err).WithField("bot_id", inst.ID).Warn("Bot inspect failed")
		return &noradapi.BotRuntime{State: "unknown"}
	}

	var info images.InspectResult
	if err := json.Unmarshal(res.Data, &info); err != nil {
		return &noradapi.BotRuntime{State: "unknown"}
	}
	state := "stopped"
	if info.Running {
		state = "running"
	}
	return &noradapi.BotRuntime{State: state, Health: info.HealthStatus, Digest: info.Digest()}
}

// StartBot starts the container.
func (a *API) StartBot(c *gin.Context) {
	a.botCommand(c, commandbus.CmdBotStart, true)
}

// StopBot stops the container. Stopping a suspended bot is allowed; it
// is already stopped and the agent treats it as a no-op.
func (a *API) StopBot(c *gin.Context) {
	a.botCommand(c, commandbus.CmdBotStop, false)
}

// RestartBot restarts the container.
func (a *API) RestartBot(c *gin.Context) {
	a.botCommand(c, commandbus.CmdBotRestart, true)
}

func (a *API) botCommand(c *gin.Context, cmdType string, blockedWhenSuspended bool) {
	inst, ok := a.lookupBot(c)
	if !ok {
		return
	}
	if blockedWhenSuspended && inst.BillingState == models.BotBillingSuspended {
		c.JSON(http.StatusForbidden, gin.H{"error": "bot is suspended"})
		return
	}
	if inst.NodeID == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "bot is not placed on any node"})
		return
	}

	res, err := a.bus.Send(c.Request.Context(), *inst.NodeID, commandbus.Command{
		Type:    cmdType,
		Payload: map[string]interface{}{"name": inst.Name},
	})
	if err == nil {
		err = res.Err()
	}
	if err != nil {
		if errors.Is(err, commandbus.ErrNodeNotConnected) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "node not connected"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// DeleteBot tears a bot down: stop and remove on the agent are best
// effort, then the instance row, capacity reservation and profile go.
func (a *API) DeleteBot(c *gin.Context) {
	inst, ok := a.lookupBot(c)
	if !ok {
		return
	}

	if inst.NodeID != nil {
		for _, cmdType := range []string{commandbus.CmdBotStop, commandbus.CmdBotRemove} {
			res, err := a.bus.Send(c.Request.Context(), *inst.NodeID, commandbus.Command{
				Type:    cmdType,
				Payload: map[string]interface{}{"name": inst.Name},
			})
			if err == nil {
				err = res.Err()
			}
			if err != nil {
				a.logger.WithError(err).WithFields(logging.Fields{
					"bot_id":  inst.ID,
					"command": cmdType,
				}).Warn("Teardown command failed, continuing delete")
			}
		}
	}

	if err := a.instances.Delete(c.Request.Context(), inst.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete instance"})
		return
	}
	if inst.NodeID != nil {
		if err := a.nodes.AdjustUsedMB(c.Request.Context(), *inst.NodeID, -models.TierMemoryMB(inst.ResourceTier)); err != nil {
			a.logger.WithError(err).WithField("node_id", *inst.NodeID).Warn("Failed to release capacity on delete")
		}
	}
	a.dropProfile(inst.ID)
	if a.poller != nil {
		a.poller.Untrack(inst.ID)
	}

	a.logger.WithFields(logging.Fields{
		"bot_id":    inst.ID,
		"tenant_id": inst.TenantID,
	}).Info("Bot deleted")
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// UpdateBot rolls the bot to the current profile image, with automatic
// rollback on failure. The report says what happened either way.
func (a *API) UpdateBot(c *gin.Context) {
	report, err := a.updater.UpdateBot(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, instances.ErrBotInstanceNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "bot not found"})
		case errors.Is(err, images.ErrUpdateInProgress):
			c.JSON(http.StatusConflict, gin.H{"error": "update already in progress"})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, report)
}

func (a *API) lookupBot(c *gin.Context) (*models.BotInstance, bool) {
	inst, err := a.instances.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, instances.ErrBotInstanceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "bot not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read bot"})
		}
		return nil, false
	}
	return inst, true
}

// dropProfile removes a profile during rollback or teardown.
func (a *API) dropProfile(id string) {
	if err := a.profiles.Delete(id); err != nil {
		a.logger.WithError(err).WithField("bot_id", id).Warn("Failed to remove profile")
	}
}

// dropInstance unwinds the instance row and profile of an aborted create.
func (a *API) dropInstance(id, profileID string) {
	if err := a.instances.Delete(context.Background(), id); err != nil {
		a.logger.WithError(err).WithField("bot_id", id).Warn("Failed to remove instance during rollback")
	}
	a.dropProfile(profileID)
}

func defaultIfEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
