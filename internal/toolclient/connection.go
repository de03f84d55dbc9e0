package toolclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/opentalon/toolbroker/pkg/toolproto"
)

// State is the lifecycle state of a Connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Connection is a live session with one tool server.
type Connection struct {
	desc      Descriptor
	transport Transport
	nextID    atomic.Int64

	mu     sync.Mutex
	state  State
	info   toolproto.ServerInfo
	reason error
}

func newConnection(desc Descriptor, transport Transport) *Connection {
	return &Connection{desc: desc, transport: transport, state: Connecting}
}

// Name returns the tool server name.
func (c *Connection) Name() string { return c.desc.Name }

// Descriptor returns the descriptor the connection was created from.
func (c *Connection) Descriptor() Descriptor { return c.desc }

// ServerInfo returns what the server reported during initialize.
func (c *Connection) ServerInfo() toolproto.ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// State reports the current state. A Connected connection whose transport
// has shut down reports Failed.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Connected {
		select {
		case <-c.transport.Done():
			c.state = Failed
			c.reason = c.transport.Err()
		default:
		}
	}
	return c.state
}

// Err returns the reason the connection failed, if any.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// MarkFailed moves the connection to Failed and shuts its transport down.
// The next Manager.Get for the same name respawns the server.
func (c *Connection) MarkFailed(err error) {
	c.mu.Lock()
	if c.state == Disconnected {
		c.mu.Unlock()
		return
	}
	c.state = Failed
	if c.reason == nil {
		c.reason = err
	}
	c.mu.Unlock()
	_ = c.transport.Close()
}

// Close shuts the transport down and marks the connection Disconnected.
func (c *Connection) Close() error {
	c.mu.Lock()
	c.state = Disconnected
	c.mu.Unlock()
	return c.transport.Close()
}

func (c *Connection) correlationID() int64 {
	return c.nextID.Add(1)
}

// handshake performs initialize followed by notifications/initialized.
func (c *Connection) handshake(ctx context.Context, client toolproto.ClientInfo) error {
	req := toolproto.NewRequest(c.correlationID(), toolproto.MethodInitialize, toolproto.InitializeParams{
		ProtocolVersion: toolproto.ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      client,
	})
	resp, err := c.transport.Send(ctx, req)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("initialize: %w", resp.Error)
	}
	var result toolproto.InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("decode initialize result: %w", err)
	}
	if err := c.transport.Notify(ctx, toolproto.NewNotification(toolproto.MethodInitialized, nil)); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}

	c.mu.Lock()
	c.info = result.ServerInfo
	c.state = Connected
	c.mu.Unlock()
	return nil
}

// ListTools asks the server for its tool catalog. Transport failures mark
// the connection Failed.
func (c *Connection) ListTools(ctx context.Context) ([]toolproto.ToolDefinition, error) {
	if s := c.State(); s != Connected {
		return nil, fmt.Errorf("%s: %w (state %s)", c.Name(), ErrNotConnected, s)
	}
	resp, err := c.transport.Send(ctx, toolproto.NewRequest(c.correlationID(), toolproto.MethodListTools, nil))
	if err != nil {
		if ctx.Err() == nil {
			c.MarkFailed(err)
		}
		return nil, fmt.Errorf("%s tools/list: %w", c.Name(), err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%s tools/list: %w", c.Name(), resp.Error)
	}
	var result toolproto.ListToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("%s tools/list: decode: %w", c.Name(), err)
	}
	return result.Tools, nil
}
