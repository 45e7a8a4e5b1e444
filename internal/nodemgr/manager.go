// Package nodemgr owns the live node-agent connections: registration,
// the heartbeat read loop, orphan-cleanup triggering for returning nodes,
// and frame delivery for the command bus.
package nodemgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wopr-network/wopr-platform-sub005/internal/commandbus"
	"github.com/wopr-network/wopr-platform-sub005/internal/nodes"
	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
	"github.com/wopr-network/wopr-platform-sub005/pkg/models"
)

// triggeredByAgent labels node transitions driven by the agent itself
// (registration and heartbeats) in the audit trail.
const triggeredByAgent = "agent"

const (
	heartbeatTimeout = 10 * time.Second
	cleanupTimeout   = 5 * time.Minute
)

// Orphan-cleanup episode states, per node. Armed means the next returning
// heartbeat may fire a cleanup; the state re-arms when the node leaves
// returning.
const (
	cleanupArmed = iota
	cleanupRunning
	cleanupDone
)

// NodeStore is the slice of the node repository the manager drives.
type NodeStore interface {
	Get(ctx context.Context, id string) (*models.Node, error)
	Register(ctx context.Context, id, host string, capacityMB int64, agentVersion string) (*models.Node, error)
	Transition(ctx context.Context, id, to, reason, by string) error
	UpdateHeartbeat(ctx context.Context, id string) error
}

// RecoveryCloser finalises recovery events left open when a node comes
// back. Implemented by the recovery event store.
type RecoveryCloser interface {
	CloseInProgressForNode(ctx context.Context, nodeID string) (int, error)
}

// Cleaner reconciles a returning node's observed containers against the
// instance repository.
type Cleaner interface {
	Clean(ctx context.Context, nodeID string, running []models.AgentContainer) (*models.OrphanReport, error)
}

// Resolver routes agent ack frames back to their in-flight command.
type Resolver interface {
	Resolve(res commandbus.Result) bool
}

// Metrics holds the manager's Prometheus instruments. A nil field disables
// that instrument.
type Metrics struct {
	ConnectedAgents *prometheus.GaugeVec // no labels
	NodeUsedMB      *prometheus.GaugeVec // labels: node_id
}

// Config carries the dependencies for a Manager. The cleaner binds late,
// see BindCleaner.
type Config struct {
	Nodes       NodeStore
	Recovery    RecoveryCloser
	AgentSecret []byte
	Logger      logging.Logger
	Metrics     *Metrics
}

// Manager maintains the set of live agent connections and applies the
// node-status effects of registrations and heartbeats.
type Manager struct {
	nodes       NodeStore
	recovery    RecoveryCloser
	cleaner     Cleaner
	agentSecret []byte
	logger      logging.Logger
	metrics     *Metrics

	resolver Resolver

	register   chan *agentConn
	unregister chan *agentConn

	mu    sync.RWMutex
	conns map[string]*agentConn

	cleanupMu sync.Mutex
	cleanup   map[string]int
}

// NewManager creates a connection manager. Call Run in a goroutine before
// serving agent sockets.
func NewManager(cfg Config) *Manager {
	return &Manager{
		nodes:       cfg.Nodes,
		recovery:    cfg.Recovery,
		agentSecret: cfg.AgentSecret,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		register:    make(chan *agentConn),
		unregister:  make(chan *agentConn),
		conns:       make(map[string]*agentConn),
		cleanup:     make(map[string]int),
	}
}

// BindResolver attaches the command bus after construction. The manager and
// the bus reference each other, so one side binds late.
func (m *Manager) BindResolver(r Resolver) {
	m.resolver = r
}

// BindCleaner attaches the orphan cleaner after construction. The cleaner
// sends stop commands through the bus, which sends through the manager, so
// this side binds late too.
func (m *Manager) BindCleaner(c Cleaner) {
	m.cleaner = c
}

// Run starts the manager's connection loop.
func (m *Manager) Run() {
	for {
		select {
		case c := <-m.register:
			m.mu.Lock()
			if old, ok := m.conns[c.nodeID]; ok {
				close(old.send)
			}
			m.conns[c.nodeID] = c
			count := len(m.conns)
			m.mu.Unlock()
			m.setConnectedGauge(count)
			m.logger.WithFields(logging.Fields{
				"node_id":     c.nodeID,
				"agent_count": count,
			}).Info("Node agent connected")

		case c := <-m.unregister:
			m.mu.Lock()
			if cur, ok := m.conns[c.nodeID]; ok && cur == c {
				delete(m.conns, c.nodeID)
				close(c.send)
			}
			count := len(m.conns)
			m.mu.Unlock()
			m.setConnectedGauge(count)
			m.logger.WithFields(logging.Fields{
				"node_id":     c.nodeID,
				"agent_count": count,
			}).Info("Node agent disconnected")
		}
	}
}

// Registration is the agent's announce payload.
type Registration struct {
	ID           string `json:"id" binding:"required"`
	Host         string `json:"host" binding:"required"`
	CapacityMB   int64  `json:"capacity_mb" binding:"required"`
	AgentVersion string `json:"agent_version,omitempty"`
}

// RegisterNode upserts the node row and applies the re-registration status
// rule: first contact stays active, a node coming back from
// offline/recovering/failed goes returning, an unhealthy node goes active,
// and a healthy re-registration records active -> active. Every path closes
// recovery events still marked in progress for the node.
func (m *Manager) RegisterNode(ctx context.Context, reg Registration) (*models.Node, error) {
	current, err := m.nodes.Get(ctx, reg.ID)
	if err != nil && !errors.Is(err, nodes.ErrNodeNotFound) {
		return nil, fmt.Errorf("failed to look up node %s: %w", reg.ID, err)
	}

	node, err := m.nodes.Register(ctx, reg.ID, reg.Host, reg.CapacityMB, reg.AgentVersion)
	if err != nil {
		return nil, err
	}

	switch {
	case current == nil:
		// First contact. The insert created the row as active.

	case current.Status == models.NodeOffline,
		current.Status == models.NodeRecovering,
		current.Status == models.NodeFailed:
		if err := m.nodes.Transition(ctx, reg.ID, models.NodeReturning, models.ReasonReRegistration, triggeredByAgent); err != nil {
			return nil, err
		}
		node.Status = models.NodeReturning

	case current.Status == models.NodeUnhealthy:
		if err := m.nodes.Transition(ctx, reg.ID, models.NodeActive, models.ReasonHeartbeatOK, triggeredByAgent); err != nil {
			return nil, err
		}
		node.Status = models.NodeActive

	default:
		if err := m.nodes.Transition(ctx, reg.ID, models.NodeActive, models.ReasonReRegistration, triggeredByAgent); err != nil {
			return nil, err
		}
		node.Status = models.NodeActive
	}

	// A fresh registration starts a fresh orphan-cleanup episode.
	m.resetCleanup(reg.ID)

	closed, err := m.recovery.CloseInProgressForNode(ctx, reg.ID)
	if err != nil {
		m.logger.WithError(err).WithField("node_id", reg.ID).Error("Failed to close in-progress recovery events")
	} else if closed > 0 {
		m.logger.WithFields(logging.Fields{
			"node_id": reg.ID,
			"closed":  closed,
		}).Info("Closed in-progress recovery events on re-registration")
	}

	return node, nil
}

// SendFrame writes a marshalled frame to the node's connection. It
// implements the command bus sender.
func (m *Manager) SendFrame(nodeID string, frame []byte) error {
	m.mu.RLock()
	c, ok := m.conns[nodeID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("node %s: %w", nodeID, commandbus.ErrNodeNotConnected)
	}

	select {
	case c.send <- frame:
		return nil
	default:
		return fmt.Errorf("node %s: agent send buffer full", nodeID)
	}
}

// Connected reports whether the node has a live agent connection.
func (m *Manager) Connected(nodeID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.conns[nodeID]
	return ok
}

// ConnectedNodes returns the ids of all connected agents.
func (m *Manager) ConnectedNodes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	return ids
}

// handleHeartbeat applies one heartbeat frame: stamp the node, publish the
// observed memory usage, and drive the status effects. An unhealthy node
// with a valid heartbeat goes back to active; a returning node gets one
// orphan cleanup per episode.
func (m *Manager) handleHeartbeat(ctx context.Context, nodeID string, containers []models.AgentContainer) {
	if err := m.nodes.UpdateHeartbeat(ctx, nodeID); err != nil {
		m.logger.WithError(err).WithField("node_id", nodeID).Error("Failed to stamp heartbeat")
		return
	}

	if m.metrics != nil && m.metrics.NodeUsedMB != nil {
		var used int64
		for _, c := range containers {
			used += c.MemoryMB
		}
		m.metrics.NodeUsedMB.WithLabelValues(nodeID).Set(float64(used))
	}

	node, err := m.nodes.Get(ctx, nodeID)
	if err != nil {
		m.logger.WithError(err).WithField("node_id", nodeID).Error("Failed to read node for heartbeat")
		return
	}

	switch node.Status {
	case models.NodeUnhealthy:
		if err := m.nodes.Transition(ctx, nodeID, models.NodeActive, models.ReasonHeartbeatOK, triggeredByAgent); err != nil {
			m.logger.WithError(err).WithField("node_id", nodeID).Error("Failed to restore unhealthy node")
		}
		m.resetCleanup(nodeID)

	case models.NodeReturning:
		m.maybeClean(nodeID, containers)

	default:
		m.resetCleanup(nodeID)
	}
}

// maybeClean fires the orphan cleaner at most once per returning episode.
// When a pass already ran but the node is still returning, the closing
// transition must have failed; retry it instead of cleaning again.
func (m *Manager) maybeClean(nodeID string, containers []models.AgentContainer) {
	m.cleanupMu.Lock()
	state := m.cleanup[nodeID]
	if state == cleanupArmed {
		m.cleanup[nodeID] = cleanupRunning
	}
	m.cleanupMu.Unlock()

	switch state {
	case cleanupArmed:
		go m.runCleanup(nodeID, containers)

	case cleanupRunning:
		// A pass is in flight; this heartbeat changes nothing.

	case cleanupDone:
		ctx, cancel := context.WithTimeout(context.Background(), heartbeatTimeout)
		defer cancel()
		if err := m.nodes.Transition(ctx, nodeID, models.NodeActive, models.ReasonHeartbeatOK, triggeredByAgent); err != nil {
			m.logger.WithError(err).WithField("node_id", nodeID).Error("Failed to close returning episode")
			return
		}
		m.resetCleanup(nodeID)
	}
}

func (m *Manager) runCleanup(nodeID string, containers []models.AgentContainer) {
	if m.cleaner == nil {
		m.resetCleanup(nodeID)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	report, err := m.cleaner.Clean(ctx, nodeID, containers)

	m.cleanupMu.Lock()
	m.cleanup[nodeID] = cleanupDone
	m.cleanupMu.Unlock()

	if err != nil {
		m.logger.WithError(err).WithField("node_id", nodeID).Error("Orphan cleanup failed")
		return
	}
	m.logger.WithFields(logging.Fields{
		"node_id": nodeID,
		"stopped": len(report.Stopped),
		"kept":    len(report.Kept),
		"errors":  len(report.Errors),
	}).Info("Orphan cleanup finished")
}

func (m *Manager) resetCleanup(nodeID string) {
	m.cleanupMu.Lock()
	delete(m.cleanup, nodeID)
	m.cleanupMu.Unlock()
}

func (m *Manager) setConnectedGauge(count int) {
	if m.metrics != nil && m.metrics.ConnectedAgents != nil {
		m.metrics.ConnectedAgents.WithLabelValues().Set(float64(count))
	}
}
