package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wopr-network/wopr-platform-sub005/internal/commandbus"
	"github.com/wopr-network/wopr-platform-sub005/internal/placement"
	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
	"github.com/wopr-network/wopr-platform-sub005/pkg/models"
)

// DefaultImage runs a bot whose profile has gone missing during recovery.
const DefaultImage = "ghcr.io/wopr-network/bot-runtime:latest"

// ReasonNoCapacity marks items parked until a node with room shows up.
const ReasonNoCapacity = "no_capacity"

const triggeredByRecovery = "recovery"

// NodeStore is the slice of the node repository the orchestrator drives.
type NodeStore interface {
	Get(ctx context.Context, id string) (*models.Node, error)
	ListByStatus(ctx context.Context, statuses ...string) ([]models.Node, error)
	Transition(ctx context.Context, id, to, reason, by string) error
	AdjustUsedMB(ctx context.Context, id string, deltaMB int64) error
}

// InstanceStore is the slice of the instance repository the orchestrator
// drives. ListByNodeOrderedByTier returns higher tiers first so paying
// tenants recover before free ones.
type InstanceStore interface {
	Get(ctx context.Context, id string) (*models.BotInstance, error)
	ListByNodeOrderedByTier(ctx context.Context, nodeID string) ([]models.BotInstance, error)
	Reassign(ctx context.Context, id string, nodeID *string) error
}

// ProfileStore reads bot profiles for image and env during re-import.
type ProfileStore interface {
	Get(id string) (*models.BotProfile, error)
}

// CommandSender delivers agent commands to nodes.
type CommandSender interface {
	Send(ctx context.Context, nodeID string, cmd commandbus.Command) (commandbus.Result, error)
}

// EventRecorder is the bookkeeping surface of the event store.
type EventRecorder interface {
	Open(ctx context.Context, nodeID, trigger string, tenantsTotal int) (*models.RecoveryEvent, error)
	Get(ctx context.Context, id string) (*models.RecoveryEvent, error)
	Finalize(ctx context.Context, eventID, status string, recovered, failed, waiting int, report models.JSONB) error
	RecordItem(ctx context.Context, item *models.RecoveryItem) error
	WaitingItems(ctx context.Context, eventID string) ([]models.RecoveryItem, error)
	ResolveItem(ctx context.Context, itemID int64, status string, targetNode, reason *string) error
	BumpRetry(ctx context.Context, itemID int64) error
	CountItems(ctx context.Context, eventID string) (recovered, failed, waiting int, err error)
}

// Notifier tells an operator how a recovery went.
type Notifier interface {
	RecoveryFinished(ctx context.Context, event *models.RecoveryEvent) error
	CapacityOverflow(ctx context.Context, nodeID string, waiting int) error
}

// Metrics holds the orchestrator's Prometheus instruments.
type Metrics struct {
	Recoveries *prometheus.CounterVec // labels: outcome
}

// Config carries the dependencies for an Orchestrator.
type Config struct {
	Nodes     NodeStore
	Instances InstanceStore
	Profiles  ProfileStore
	Events    EventRecorder
	Bus       CommandSender
	Notifier  Notifier
	Logger    logging.Logger
	Metrics   *Metrics
}

// Orchestrator moves every bot off a dead node onto the best targets with
// capacity, one tenant at a time, highest tier first.
type Orchestrator struct {
	nodes     NodeStore
	instances InstanceStore
	profiles  ProfileStore
	events    EventRecorder
	bus       CommandSender
	notifier  Notifier
	logger    logging.Logger
	metrics   *Metrics
}

func NewOrchestrator(cfg Config) *Orchestrator {
	return &Orchestrator{
		nodes:     cfg.Nodes,
		instances: cfg.Instances,
		profiles:  cfg.Profiles,
		events:    cfg.Events,
		bus:       cfg.Bus,
		notifier:  cfg.Notifier,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}
}

// TriggerRecovery walks the node into recovering, moves its bots to the
// best targets, then parks the node offline and finalises the event.
// Setup failures after the node entered recovering roll it back to
// offline before propagating.
func (o *Orchestrator) TriggerRecovery(ctx context.Context, nodeID, trigger string) (*models.RecoveryEvent, error) {
	reason := models.ReasonManualRecovery
	if trigger == models.TriggerHeartbeatTimeout {
		reason = models.ReasonHeartbeatTimeout
	}

	// 1. Walk the node into recovering. A node still unhealthy passes
	// through offline first.
	node, err := o.nodes.Get(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if node.Status == models.NodeUnhealthy {
		if err := o.nodes.Transition(ctx, nodeID, models.NodeOffline, reason, triggeredByRecovery); err != nil {
			return nil, err
		}
	}
	if err := o.nodes.Transition(ctx, nodeID, models.NodeRecovering, reason, triggeredByRecovery); err != nil {
		return nil, err
	}

	// 2-3. Fetch the victims, best tiers first, and open the event.
	instances, err := o.instances.ListByNodeOrderedByTier(ctx, nodeID)
	if err != nil {
		o.rollbackToOffline(nodeID)
		return nil, fmt.Errorf("failed to list instances on %s: %w", nodeID, err)
	}
	event, err := o.events.Open(ctx, nodeID, trigger, len(instances))
	if err != nil {
		o.rollbackToOffline(nodeID)
		return nil, err
	}

	o.logger.WithFields(logging.Fields{
		"event_id": event.ID,
		"node_id":  nodeID,
		"trigger":  trigger,
		"tenants":  len(instances),
	}).Info("Recovery started")

	// 4. Per-bot recovery. One tenant's failure never blocks the rest.
	var recovered, failed, waiting int
	outcomes := make([]interface{}, 0, len(instances))
	for _, inst := range instances {
		item := o.recoverInstance(ctx, event.ID, nodeID, inst)
		switch item.Status {
		case models.ItemRecovered:
			recovered++
		case models.ItemWaiting:
			waiting++
		default:
			failed++
		}
		outcomes = append(outcomes, itemSummary(item))
	}

	// 5. The pass is over; park the node offline until it re-registers.
	if err := o.nodes.Transition(ctx, nodeID, models.NodeOffline, models.ReasonRecoveryComplete, triggeredByRecovery); err != nil {
		o.logger.WithError(err).WithField("node_id", nodeID).Error("Failed to park recovered node offline")
	}

	// 6. Finalise the event.
	status := finalStatus(recovered, failed, waiting)
	report := models.JSONB{"trigger": trigger, "items": outcomes}
	if err := o.events.Finalize(ctx, event.ID, status, recovered, failed, waiting, report); err != nil {
		o.logger.WithError(err).WithField("event_id", event.ID).Error("Failed to finalize recovery event")
	}
	event.Status = status
	event.TenantsRecovered = recovered
	event.TenantsFailed = failed
	event.TenantsWaiting = waiting
	event.Report = report

	if o.metrics != nil && o.metrics.Recoveries != nil {
		o.metrics.Recoveries.WithLabelValues(status).Inc()
	}
	o.logger.WithFields(logging.Fields{
		"event_id":  event.ID,
		"node_id":   nodeID,
		"status":    status,
		"recovered": recovered,
		"failed":    failed,
		"waiting":   waiting,
	}).Info("Recovery finished")

	// 7. Tell the operator.
	if o.notifier != nil {
		if err := o.notifier.RecoveryFinished(ctx, event); err != nil {
			o.logger.WithError(err).Warn("Failed to send recovery notification")
		}
		if waiting > 0 {
			if err := o.notifier.CapacityOverflow(ctx, nodeID, waiting); err != nil {
				o.logger.WithError(err).Warn("Failed to send capacity notification")
			}
		}
	}

	return event, nil
}

// RetryWaiting re-runs placement for an event's waiting items. Placed items
// flip to recovered, broken ones to failed; items still without capacity
// stay waiting with a bumped retry count. Counters and event status are
// recomputed from the items afterwards.
func (o *Orchestrator) RetryWaiting(ctx context.Context, eventID string) (*models.RecoveryEvent, error) {
	event, err := o.events.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}

	items, err := o.events.WaitingItems(ctx, eventID)
	if err != nil {
		return nil, err
	}

	for _, item := range items {
		inst, err := o.instances.Get(ctx, item.BotID)
		if err != nil {
			reason := fmt.Sprintf("instance lookup failed: %v", err)
			o.resolveItem(ctx, item.ID, models.ItemFailed, nil, &reason)
			continue
		}

		target, err := o.findBestTarget(ctx, event.NodeID, models.TierMemoryMB(inst.ResourceTier))
		if err != nil {
			// Transient scan failure; the item keeps waiting.
			o.logger.WithError(err).WithField("event_id", eventID).Error("Retry target scan failed")
			continue
		}
		if target == nil {
			if err := o.events.BumpRetry(ctx, item.ID); err != nil {
				o.logger.WithError(err).WithField("item_id", item.ID).Error("Failed to bump retry count")
			}
			continue
		}

		retry := item
		if err := o.placeBot(ctx, target, *inst, &retry); err != nil {
			reason := err.Error()
			o.resolveItem(ctx, item.ID, models.ItemFailed, nil, &reason)
			continue
		}
		o.resolveItem(ctx, item.ID, models.ItemRecovered, &target.ID, nil)
	}

	recovered, failed, waiting, err := o.events.CountItems(ctx, eventID)
	if err != nil {
		return nil, err
	}
	status := finalStatus(recovered, failed, waiting)
	if err := o.events.Finalize(ctx, eventID, status, recovered, failed, waiting, event.Report); err != nil {
		return nil, err
	}
	return o.events.Get(ctx, eventID)
}

// recoverInstance runs steps a-g for one bot and records the item.
func (o *Orchestrator) recoverInstance(ctx context.Context, eventID, sourceNode string, inst models.BotInstance) *models.RecoveryItem {
	item := &models.RecoveryItem{
		EventID:    eventID,
		TenantID:   inst.TenantID,
		BotID:      inst.ID,
		SourceNode: sourceNode,
	}

	target, err := o.findBestTarget(ctx, sourceNode, models.TierMemoryMB(inst.ResourceTier))
	switch {
	case err != nil:
		item.Status = models.ItemFailed
		item.Reason = strPtr(err.Error())

	case target == nil:
		item.Status = models.ItemWaiting
		item.Reason = strPtr(ReasonNoCapacity)
		o.logger.WithFields(logging.Fields{
			"bot_id":    inst.ID,
			"tenant_id": inst.TenantID,
		}).Warn("No capacity for recovery, tenant parked")

	default:
		if err := o.placeBot(ctx, target, inst, item); err != nil {
			item.Status = models.ItemFailed
			item.Reason = strPtr(err.Error())
			o.logger.WithError(err).WithFields(logging.Fields{
				"bot_id":    inst.ID,
				"tenant_id": inst.TenantID,
				"target":    target.ID,
			}).Error("Tenant recovery failed")
		} else {
			item.Status = models.ItemRecovered
			item.TargetNode = &target.ID
			o.logger.WithFields(logging.Fields{
				"bot_id":    inst.ID,
				"tenant_id": inst.TenantID,
				"target":    target.ID,
			}).Info("Tenant recovered")
		}
	}

	if err := o.events.RecordItem(ctx, item); err != nil {
		o.logger.WithError(err).WithField("bot_id", inst.ID).Error("Failed to record recovery item")
	}
	return item
}

// placeBot stages the backup on the target, re-imports the bot, verifies
// it, and moves the reservation. A failure after a successful import runs
// a compensating remove on the target so no half-imported container leaks.
func (o *Orchestrator) placeBot(ctx context.Context, target *models.Node, inst models.BotInstance, item *models.RecoveryItem) error {
	res, err := o.bus.Send(ctx, target.ID, commandbus.Command{
		Type: commandbus.CmdBackupDownload,
		Payload: map[string]interface{}{
			"bot_id":    inst.ID,
			"tenant_id": inst.TenantID,
			"name":      inst.Name,
		},
	})
	if err == nil {
		err = res.Err()
	}
	if err != nil {
		return fmt.Errorf("backup download: %w", err)
	}
	if key := backupKey(res.Data); key != "" {
		item.BackupKey = key
	}

	image := DefaultImage
	env := map[string]string{}
	restart := models.RestartUnlessStopped
	var volumes []string
	profile, err := o.profiles.Get(inst.ID)
	if err != nil {
		o.logger.WithError(err).WithField("bot_id", inst.ID).Warn("Recovering bot without profile, using default image")
	} else {
		image = profile.Image
		if profile.Env != nil {
			env = profile.Env
		}
		if profile.RestartPolicy != "" {
			restart = profile.RestartPolicy
		}
		volumes = profile.Volumes
	}

	payload := map[string]interface{}{
		"name":           inst.Name,
		"image":          image,
		"env":            env,
		"restart_policy": restart,
	}
	if len(volumes) > 0 {
		payload["volumes"] = volumes
	}
	if item.BackupKey != "" {
		payload["backup_key"] = item.BackupKey
	}
	res, err = o.bus.Send(ctx, target.ID, commandbus.Command{Type: commandbus.CmdBotImport, Payload: payload})
	if err == nil {
		err = res.Err()
	}
	if err != nil {
		return fmt.Errorf("bot import: %w", err)
	}

	res, err = o.bus.Send(ctx, target.ID, commandbus.Command{
		Type:    commandbus.CmdBotInspect,
		Payload: map[string]interface{}{"name": inst.Name},
	})
	if err == nil {
		err = res.Err()
	}
	if err != nil {
		o.removeBestEffort(ctx, target.ID, inst.Name)
		return fmt.Errorf("bot inspect: %w", err)
	}

	if err := o.instances.Reassign(ctx, inst.ID, &target.ID); err != nil {
		o.removeBestEffort(ctx, target.ID, inst.Name)
		return fmt.Errorf("reassign: %w", err)
	}

	requiredMB := models.TierMemoryMB(inst.ResourceTier)
	if err := o.nodes.AdjustUsedMB(ctx, target.ID, requiredMB); err != nil {
		o.logger.WithError(err).WithField("node_id", target.ID).Error("Failed to grow target reservation")
	}
	if err := o.nodes.AdjustUsedMB(ctx, item.SourceNode, -requiredMB); err != nil {
		o.logger.WithError(err).WithField("node_id", item.SourceNode).Error("Failed to shrink source reservation")
	}
	return nil
}

// findBestTarget picks the active node with the most free capacity,
// excluding the dead node. A nil node means no capacity anywhere.
func (o *Orchestrator) findBestTarget(ctx context.Context, excludeNode string, requiredMB int64) (*models.Node, error) {
	candidates, err := o.nodes.ListByStatus(ctx, models.NodeActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list target nodes: %w", err)
	}
	var eligible []models.Node
	for _, n := range candidates {
		if n.ID != excludeNode {
			eligible = append(eligible, n)
		}
	}
	return placement.FindPlacement(eligible, requiredMB), nil
}

// removeBestEffort compensates a half-finished import. Errors are logged,
// never propagated.
func (o *Orchestrator) removeBestEffort(ctx context.Context, nodeID, name string) {
	res, err := o.bus.Send(ctx, nodeID, commandbus.Command{
		Type:    commandbus.CmdBotRemove,
		Payload: map[string]interface{}{"name": name},
	})
	if err == nil {
		err = res.Err()
	}
	if err != nil {
		o.logger.WithError(err).WithFields(logging.Fields{
			"node_id":   nodeID,
			"container": name,
		}).Warn("Compensating remove failed")
	}
}

// rollbackToOffline undoes the recovering hop after a setup failure. Runs
// on its own context so a cancelled recovery still rolls back.
func (o *Orchestrator) rollbackToOffline(nodeID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.nodes.Transition(ctx, nodeID, models.NodeOffline, models.ReasonRecoverySetupFailed, triggeredByRecovery); err != nil {
		o.logger.WithError(err).WithField("node_id", nodeID).Error("Failed to roll node back to offline")
	}
}

func (o *Orchestrator) resolveItem(ctx context.Context, itemID int64, status string, targetNode, reason *string) {
	if err := o.events.ResolveItem(ctx, itemID, status, targetNode, reason); err != nil {
		o.logger.WithError(err).WithField("item_id", itemID).Error("Failed to resolve recovery item")
	}
}

func finalStatus(recovered, failed, waiting int) string {
	switch {
	case waiting > 0:
		return models.RecoveryPartial
	case recovered == 0 && failed > 0:
		return models.RecoveryFailed
	default:
		return models.RecoveryCompleted
	}
}

func itemSummary(item *models.RecoveryItem) map[string]interface{} {
	summary := map[string]interface{}{
		"bot_id":    item.BotID,
		"tenant_id": item.TenantID,
		"status":    item.Status,
	}
	if item.TargetNode != nil {
		summary["target_node"] = *item.TargetNode
	}
	if item.Reason != nil {
		summary["reason"] = *item.Reason
	}
	return summary
}

func backupKey(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var payload struct {
		BackupKey string `json:"backup_key"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return ""
	}
	return payload.BackupKey
}

func strPtr(s string) *string {
	return &s
}
