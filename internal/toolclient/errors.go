package toolclient

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCallTimeout matches every *CallTimeoutError.
	ErrCallTimeout = errors.New("tool call timed out")
	// ErrNotConnected is returned when a call is attempted on a connection
	// that is not in the Connected state.
	ErrNotConnected = errors.New("connection is not connected")
	// ErrTransportClosed is reported by a transport after Close or after
	// the peer went away.
	ErrTransportClosed = errors.New("transport closed")
	// ErrManagerClosed is returned by Get after CloseAll.
	ErrManagerClosed = errors.New("client manager closed")
	// ErrCoolingDown is returned by Get while a failing server's respawn
	// is held back.
	ErrCoolingDown = errors.New("server cooling down after failed connect")
	// ErrCyclicValue is returned by Canonicalize for self-referencing values.
	ErrCyclicValue = errors.New("cyclic value")
)

// ConnectionError reports a tool server that could not be spawned or that
// failed the initialization handshake.
type ConnectionError struct {
	Server string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Server, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ToolInvocationError reports a transport-level failure during a call. The
// connection the call ran on is marked Failed.
type ToolInvocationError struct {
	Server string
	Tool   string
	Err    error
}

func (e *ToolInvocationError) Error() string {
	return fmt.Sprintf("invoke %s.%s: %v", e.Server, e.Tool, e.Err)
}

func (e *ToolInvocationError) Unwrap() error { return e.Err }

// ToolExecutionError carries an application-level error reported by the
// tool server. The connection remains usable.
type ToolExecutionError struct {
	Server  string
	Tool    string
	Code    int
	Message string
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("%s.%s failed: %s", e.Server, e.Tool, e.Message)
}

// CallTimeoutError reports a call that did not receive a response within the
// configured call timeout. The connection is left as it was.
type CallTimeoutError struct {
	Server  string
	Tool    string
	Timeout time.Duration
}

func (e *CallTimeoutError) Error() string {
	return fmt.Sprintf("%s.%s: no response after %s", e.Server, e.Tool, e.Timeout)
}

func (e *CallTimeoutError) Is(target error) bool { return target == ErrCallTimeout }
