package commandbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
)

// Command types understood by the node agent.
const (
	CmdBotStart       = "bot.start"
	CmdBotStop        = "bot.stop"
	CmdBotRestart     = "bot.restart"
	CmdBotRemove      = "bot.remove"
	CmdBotImport      = "bot.import"
	CmdBotInspect     = "bot.inspect"
	CmdBackupDownload = "backup.download"
	CmdImagePull      = "image.pull"
)

// DefaultTimeout bounds a Send whose context carries no deadline.
const DefaultTimeout = 30 * time.Second

// ErrNodeNotConnected is returned when the target node has no live agent
// connection. The sender implementation reports it; Send wraps it.
var ErrNodeNotConnected = errors.New("node not connected")

var knownCommands = map[string]bool{
	CmdBotStart:       true,
	CmdBotStop:        true,
	CmdBotRestart:     true,
	CmdBotRemove:      true,
	CmdBotImport:      true,
	CmdBotInspect:     true,
	CmdBackupDownload: true,
	CmdImagePull:      true,
}

// Command is a typed instruction for a node agent.
type Command struct {
	Type    string
	Payload map[string]interface{}
}

// Frame is the wire envelope written to the agent socket.
type Frame struct {
	ID      string                 `json:"id"`
	Type    string                 `json:"type"`
	Command string                 `json:"command"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Result is the agent's ack for a command.
type Result struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Command string          `json:"command"`
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Err converts an unsuccessful result into an error for callers that treat
// agent-reported failure the same as a transport failure.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	if r.Error == "" {
		return fmt.Errorf("%s failed on agent", r.Command)
	}
	return fmt.Errorf("%s failed on agent: %s", r.Command, r.Error)
}

// Sender writes a marshalled frame to the named node's agent connection.
type Sender interface {
	SendFrame(nodeID string, frame []byte) error
}

// Config carries the dependencies for a Bus.
type Config struct {
	Sender  Sender
	Timeout time.Duration
	Logger  logging.Logger
}

// Bus delivers commands to node agents over their WebSocket connections and
// matches ack frames back to the in-flight call by correlation id.
type Bus struct {
	sender  Sender
	timeout time.Duration
	logger  logging.Logger

	mu      sync.Mutex
	pending map[string]chan Result
}

// New creates a command bus. A zero Timeout falls back to DefaultTimeout.
func New(cfg Config) *Bus {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Bus{
		sender:  cfg.Sender,
		timeout: timeout,
		logger:  cfg.Logger,
		pending: make(map[string]chan Result),
	}
}

// Send delivers cmd to the named node and blocks until the agent acks or the
// context expires. Contexts without a deadline get the bus default timeout.
// Agent-reported failure is returned inside Result, not as an error.
func (b *Bus) Send(ctx context.Context, nodeID string, cmd Command) (Result, error) {
	if !knownCommands[cmd.Type] {
		return Result{}, fmt.Errorf("unknown command type %q", cmd.Type)
	}

	id := uuid.New().String()
	frame, err := json.Marshal(Frame{
		ID:      id,
		Type:    "command",
		Command: cmd.Type,
		Payload: cmd.Payload,
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal command frame: %w", err)
	}

	// Register the pending call before writing so an ack that races the
	// write still finds its channel.
	ch := make(chan Result, 1)
	b.mu.Lock()
	b.pending[id] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	if err := b.sender.SendFrame(nodeID, frame); err != nil {
		return Result{}, fmt.Errorf("failed to send %s to node %s: %w", cmd.Type, nodeID, err)
	}

	b.logger.WithFields(logging.Fields{
		"command_id": id,
		"command":    cmd.Type,
		"node_id":    nodeID,
	}).Debug("Command sent to node agent")

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return Result{}, fmt.Errorf("%s to node %s: %w", cmd.Type, nodeID, ctx.Err())
	}
}

// Resolve routes an ack frame to its pending Send call. It reports false when
// no call is waiting on the frame's correlation id (late ack after timeout).
func (b *Bus) Resolve(res Result) bool {
	b.mu.Lock()
	ch, ok := b.pending[res.ID]
	if ok {
		delete(b.pending, res.ID)
	}
	b.mu.Unlock()

	if !ok {
		b.logger.WithFields(logging.Fields{
			"command_id": res.ID,
			"command":    res.Command,
		}).Warn("Dropping ack with no pending call")
		return false
	}

	ch <- res
	return true
}

// Pending reports the number of commands awaiting an ack.
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
