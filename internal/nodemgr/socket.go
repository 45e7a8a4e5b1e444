package nodemgr

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wopr-network/wopr-platform-sub005/internal/commandbus"
	"github.com/wopr-network/wopr-platform-sub005/pkg/auth"
	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
	"github.com/wopr-network/wopr-platform-sub005/pkg/models"
)

const (
	// Time allowed to write a frame to the agent
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the agent
	pongWait = 60 * time.Second

	// Send pings to the agent with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Heartbeats list every container on the node
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// agentConn is one node agent's WebSocket connection.
type agentConn struct {
	nodeID string
	conn   *websocket.Conn
	send   chan []byte
}

type heartbeatFrame struct {
	Type       string                  `json:"type"`
	Containers []models.AgentContainer `json:"containers"`
}

// HandleAgentSocket upgrades an agent connection after validating its JWT.
// The node id comes from the token claims, never from the request.
func (m *Manager) HandleAgentSocket(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.ValidateAgentToken(bearerToken(r), m.agentSecret)
	if err != nil {
		http.Error(w, "invalid agent token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.WithError(err).Error("Failed to upgrade agent connection")
		return
	}

	c := &agentConn{
		nodeID: claims.NodeID,
		conn:   conn,
		send:   make(chan []byte, 64),
	}
	m.register <- c

	go c.writePump()
	go m.readPump(c)
}

// bearerToken pulls the agent JWT from the Authorization header, falling
// back to a token query parameter.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// readPump pumps frames from the agent connection into the manager.
func (m *Manager) readPump(c *agentConn) {
	defer func() {
		m.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				m.logger.WithError(err).WithField("node_id", c.nodeID).Error("Agent connection error")
			}
			break
		}
		m.handleFrame(c.nodeID, message)
	}
}

// handleFrame dispatches one inbound agent frame by type.
func (m *Manager) handleFrame(nodeID string, raw []byte) {
	var peek struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		m.logger.WithError(err).WithField("node_id", nodeID).Warn("Invalid agent frame")
		return
	}

	switch peek.Type {
	case "heartbeat":
		var hb heartbeatFrame
		if err := json.Unmarshal(raw, &hb); err != nil {
			m.logger.WithError(err).WithField("node_id", nodeID).Warn("Invalid heartbeat frame")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), heartbeatTimeout)
		defer cancel()
		m.handleHeartbeat(ctx, nodeID, hb.Containers)

	case "ack":
		var res commandbus.Result
		if err := json.Unmarshal(raw, &res); err != nil {
			m.logger.WithError(err).WithField("node_id", nodeID).Warn("Invalid ack frame")
			return
		}
		if m.resolver == nil {
			m.logger.WithField("node_id", nodeID).Warn("Ack received with no command bus bound")
			return
		}
		m.resolver.Resolve(res)

	default:
		m.logger.WithFields(logging.Fields{
			"node_id": nodeID,
			"type":    peek.Type,
		}).Warn("Unknown agent frame type")
	}
}

// writePump pumps frames from the manager to the agent connection. Each
// frame goes out as its own message so the agent can parse frame by frame.
func (c *agentConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
