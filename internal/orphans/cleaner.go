// Package orphans reconciles the containers observed on a returning node
// against the instance repository. Anything the repository does not know
// about is a stray left behind by a recovery and gets stopped.
package orphans

import (
	"context"
	"fmt"

	"github.com/wopr-network/wopr-platform-sub005/internal/commandbus"
	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
	"github.com/wopr-network/wopr-platform-sub005/pkg/models"
)

const triggeredByCleaner = "orphan-cleaner"

// InstanceLister is the slice of the instance repository the cleaner reads.
type InstanceLister interface {
	ListByNode(ctx context.Context, nodeID string) ([]models.BotInstance, error)
}

// NodeTransitioner closes the returning episode once the pass is done.
type NodeTransitioner interface {
	Transition(ctx context.Context, id, to, reason, by string) error
}

// CommandSender stops stray containers on the node.
type CommandSender interface {
	Send(ctx context.Context, nodeID string, cmd commandbus.Command) (commandbus.Result, error)
}

// Config carries the dependencies for a Cleaner.
type Config struct {
	Instances InstanceLister
	Nodes     NodeTransitioner
	Bus       CommandSender
	Logger    logging.Logger
}

// Cleaner is the orphan-container reconciler for returning nodes.
type Cleaner struct {
	instances InstanceLister
	nodes     NodeTransitioner
	bus       CommandSender
	logger    logging.Logger
}

func NewCleaner(cfg Config) *Cleaner {
	return &Cleaner{
		instances: cfg.Instances,
		nodes:     cfg.Nodes,
		bus:       cfg.Bus,
		logger:    cfg.Logger,
	}
}

// Clean diffs the observed containers against the repository, stops every
// stray, and closes the node's returning episode. Stop failures are
// collected in the report rather than aborting the pass; the episode is
// closed either way.
func (c *Cleaner) Clean(ctx context.Context, nodeID string, running []models.AgentContainer) (*models.OrphanReport, error) {
	instances, err := c.instances.ListByNode(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances for node %s: %w", nodeID, err)
	}

	known := make(map[string]bool, len(instances))
	for _, inst := range instances {
		known[inst.Name] = true
	}

	report := &models.OrphanReport{}
	for _, container := range running {
		if known[container.Name] {
			report.Kept = append(report.Kept, container.Name)
			continue
		}

		res, err := c.bus.Send(ctx, nodeID, commandbus.Command{
			Type:    commandbus.CmdBotStop,
			Payload: map[string]interface{}{"name": container.Name},
		})
		if err == nil {
			err = res.Err()
		}
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", container.Name, err))
			c.logger.WithError(err).WithFields(logging.Fields{
				"node_id":   nodeID,
				"container": container.Name,
			}).Warn("Failed to stop stray container")
			continue
		}

		report.Stopped = append(report.Stopped, container.Name)
		c.logger.WithFields(logging.Fields{
			"node_id":   nodeID,
			"container": container.Name,
		}).Info("Stopped stray container")
	}

	if err := c.nodes.Transition(ctx, nodeID, models.NodeActive, models.ReasonOrphanCleanupDone, triggeredByCleaner); err != nil {
		return report, fmt.Errorf("failed to close returning episode for node %s: %w", nodeID, err)
	}

	return report, nil
}
