package gateway

import (
	"context"
	"sync"

	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
	"github.com/wopr-network/wopr-platform-sub005/pkg/models"
)

// StatusChannel is the redis channel norad publishes tenant status
// changes on.
const StatusChannel = "wopr.tenant.status"

// StatusEvent is the fan-out payload for one status change.
type StatusEvent struct {
	TenantID string `json:"tenant_id"`
	Status   string `json:"status"`
}

// StatusCache fronts a StatusReader with an in-memory map kept fresh by
// the norad fan-out, so the per-request status gate does not hit
// Postgres. Misses fall through to the source and prime the cache.
type StatusCache struct {
	source StatusReader
	logger logging.Logger

	mu       sync.RWMutex
	statuses map[string]string
}

func NewStatusCache(source StatusReader, logger logging.Logger) *StatusCache {
	return &StatusCache{
		source:   source,
		logger:   logger,
		statuses: make(map[string]string),
	}
}

// GetStatus implements StatusReader.
func (c *StatusCache) GetStatus(ctx context.Context, tenantID string) (*models.TenantStatus, error) {
	c.mu.RLock()
	status, ok := c.statuses[tenantID]
	c.mu.RUnlock()
	if ok {
		return &models.TenantStatus{TenantID: tenantID, Status: status}, nil
	}

	st, err := c.source.GetStatus(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.statuses[tenantID] = st.Status
	c.mu.Unlock()
	return st, nil
}

// Apply ingests one fan-out event. Registered as the pubsub handler.
func (c *StatusCache) Apply(ev StatusEvent) {
	if ev.TenantID == "" {
		return
	}
	c.mu.Lock()
	c.statuses[ev.TenantID] = ev.Status
	c.mu.Unlock()
	c.logger.WithFields(logging.Fields{
		"tenant_id": ev.TenantID,
		"status":    ev.Status,
	}).Debug("Tenant status cache updated")
}
