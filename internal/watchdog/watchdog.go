// Package watchdog turns stale node heartbeats into status transitions.
package watchdog

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
	"github.com/wopr-network/wopr-platform-sub005/pkg/models"
)

const triggeredByWatchdog = "watchdog"

// Defaults, overridable per deployment.
const (
	DefaultInterval       = time.Second
	DefaultUnhealthyAfter = 90 * time.Second
	DefaultOfflineAfter   = 300 * time.Second
)

// NodeStore is the slice of the node repository the watchdog scans.
type NodeStore interface {
	ListByStatus(ctx context.Context, statuses ...string) ([]models.Node, error)
	Transition(ctx context.Context, id, to, reason, by string) error
}

// EventRecorder appends fleet events for the alert surface.
type EventRecorder interface {
	Record(ctx context.Context, eventType string, detail models.JSONB) error
}

// Metrics holds the watchdog's Prometheus instruments.
type Metrics struct {
	Transitions *prometheus.CounterVec // labels: to
}

// Config carries the dependencies for a Watchdog. Zero durations fall back
// to the defaults.
type Config struct {
	Nodes          NodeStore
	Events         EventRecorder
	OnOffline      func(nodeID string)
	Interval       time.Duration
	UnhealthyAfter time.Duration
	OfflineAfter   time.Duration
	Logger         logging.Logger
	Metrics        *Metrics
}

// Watchdog demotes nodes whose heartbeats lapse: active nodes go unhealthy
// after UnhealthyAfter, unhealthy nodes go offline after OfflineAfter. The
// offline hop also fires the recovery callback.
type Watchdog struct {
	nodes          NodeStore
	events         EventRecorder
	onOffline      func(nodeID string)
	interval       time.Duration
	unhealthyAfter time.Duration
	offlineAfter   time.Duration
	logger         logging.Logger
	metrics        *Metrics
}

func New(cfg Config) *Watchdog {
	w := &Watchdog{
		nodes:          cfg.Nodes,
		events:         cfg.Events,
		onOffline:      cfg.OnOffline,
		interval:       cfg.Interval,
		unhealthyAfter: cfg.UnhealthyAfter,
		offlineAfter:   cfg.OfflineAfter,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
	}
	if w.interval <= 0 {
		w.interval = DefaultInterval
	}
	if w.unhealthyAfter <= 0 {
		w.unhealthyAfter = DefaultUnhealthyAfter
	}
	if w.offlineAfter <= 0 {
		w.offlineAfter = DefaultOfflineAfter
	}
	return w
}

// Run scans on the configured interval until the context ends.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick runs one scan over active and unhealthy nodes. Nodes that never
// heartbeated are skipped.
func (w *Watchdog) Tick(ctx context.Context) {
	candidates, err := w.nodes.ListByStatus(ctx, models.NodeActive, models.NodeUnhealthy)
	if err != nil {
		w.logger.WithError(err).Error("Watchdog scan failed")
		return
	}

	now := time.Now()
	for _, node := range candidates {
		if node.LastHeartbeatAt == nil {
			continue
		}
		elapsed := now.Sub(*node.LastHeartbeatAt)

		switch {
		case node.Status == models.NodeActive && elapsed >= w.unhealthyAfter:
			if err := w.nodes.Transition(ctx, node.ID, models.NodeUnhealthy, models.ReasonHeartbeatTimeout, triggeredByWatchdog); err != nil {
				w.logger.WithError(err).WithField("node_id", node.ID).Error("Failed to mark node unhealthy")
				continue
			}
			w.countTransition(models.NodeUnhealthy)
			w.logger.WithFields(logging.Fields{
				"node_id":    node.ID,
				"elapsed_s":  int(elapsed.Seconds()),
				"deadline_s": int(w.unhealthyAfter.Seconds()),
			}).Warn("Node missed heartbeat deadline")

		case node.Status == models.NodeUnhealthy && elapsed >= w.offlineAfter:
			if err := w.nodes.Transition(ctx, node.ID, models.NodeOffline, models.ReasonHeartbeatTimeout, triggeredByWatchdog); err != nil {
				w.logger.WithError(err).WithField("node_id", node.ID).Error("Failed to mark node offline")
				continue
			}
			w.countTransition(models.NodeOffline)
			w.logger.WithFields(logging.Fields{
				"node_id":   node.ID,
				"elapsed_s": int(elapsed.Seconds()),
			}).Error("Node offline, triggering recovery")
			w.recordStop(ctx, node.ID)
			if w.onOffline != nil {
				go w.onOffline(node.ID)
			}
		}
	}
}

// recordStop flags the offline node's bots as unexpectedly stopped for
// the fleet alert. Best effort: recovery proceeds either way.
func (w *Watchdog) recordStop(ctx context.Context, nodeID string) {
	if w.events == nil {
		return
	}
	detail := models.JSONB{"node_id": nodeID, "trigger": models.ReasonHeartbeatTimeout}
	if err := w.events.Record(ctx, models.FleetEventStop, detail); err != nil {
		w.logger.WithError(err).WithField("node_id", nodeID).Warn("Failed to record fleet stop event")
	}
}

func (w *Watchdog) countTransition(to string) {
	if w.metrics != nil && w.metrics.Transitions != nil {
		w.metrics.Transitions.WithLabelValues(to).Inc()
	}
}
