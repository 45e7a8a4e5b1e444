package nodemgr

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wopr-network/wopr-platform-sub005/pkg/middleware"
)

// RegisterRoutes mounts the agent surface: registration, guarded by the
// agent JWT middleware, and the WebSocket endpoint, which validates the
// JWT itself during the upgrade.
func (m *Manager) RegisterRoutes(r *gin.Engine) {
	agent := r.Group("/agent")
	agent.POST("/register", middleware.AgentAuthMiddleware(m.agentSecret), m.handleRegister)
	agent.GET("/ws", gin.WrapF(m.HandleAgentSocket))
}

// handleRegister upserts the node row. The token's node_id must match
// the registration body; an agent cannot register on another node's
// behalf.
func (m *Manager) handleRegister(c *gin.Context) {
	var reg Registration
	if err := c.ShouldBindJSON(&reg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if nodeID := c.GetString("node_id"); nodeID != reg.ID {
		c.JSON(http.StatusForbidden, gin.H{"error": "token node_id does not match registration"})
		return
	}

	node, err := m.RegisterNode(c.Request.Context(), reg)
	if err != nil {
		m.logger.WithError(err).WithField("node_id", reg.ID).Error("Node registration failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
		return
	}
	c.JSON(http.StatusOK, node)
}
