// Package placement decides which node receives a new bot reservation.
package placement

import "github.com/wopr-network/wopr-platform-sub005/pkg/models"

// FindPlacement picks the active node with the most free capacity that
// fits requiredMB, tie-broken by id ascending. Returns nil when no node
// qualifies. Nodes in any non-active status, returning and recovering
// included, are ineligible.
func FindPlacement(nodes []models.Node, requiredMB int64) *models.Node {
	var best *models.Node
	for i := range nodes {
		node := &nodes[i]
		if node.Status != models.NodeActive {
			continue
		}
		if node.FreeMB() < requiredMB {
			continue
		}
		if best == nil {
			best = node
			continue
		}
		if node.FreeMB() > best.FreeMB() {
			best = node
		} else if node.FreeMB() == best.FreeMB() && node.ID < best.ID {
			best = node
		}
	}
	return best
}
