package toolclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/opentalon/toolbroker/pkg/toolproto"
)

// ToolCall is one invocation as sent on the wire.
type ToolCall struct {
	Server        string
	Tool          string
	Arguments     map[string]any
	CorrelationID int64
}

// ToolResult is the decoded outcome of a successful call.
type ToolResult struct {
	Content []toolproto.ContentPart
	IsError bool
	// Value is the first text part parsed as JSON, or {"result": text} when
	// that text is not JSON. Nil when the result has no text part.
	Value any
}

// Text returns the first text part.
func (r *ToolResult) Text() string {
	for _, part := range r.Content {
		if part.Type == "text" {
			return part.Text
		}
	}
	return ""
}

// Call outcomes reported to a CallObserver.
const (
	OutcomeOK        = "ok"
	OutcomeToolError = "tool_error"
	OutcomeTransport = "transport_error"
	OutcomeTimeout   = "timeout"
	OutcomeCanceled  = "canceled"
)

// CallObserver receives one event per finished call.
type CallObserver interface {
	CallFinished(server, tool, outcome string, elapsed time.Duration)
}

// Invoker sends tool calls over connections obtained from a Manager.
type Invoker struct {
	timeout  time.Duration
	logger   *slog.Logger
	observer CallObserver
}

// InvokerOption configures an Invoker.
type InvokerOption func(*Invoker)

// WithCallTimeout bounds how long a call waits for its response. Zero waits
// until the transport fails or the caller's context ends.
func WithCallTimeout(d time.Duration) InvokerOption {
	return func(inv *Invoker) { inv.timeout = d }
}

// WithInvokerLogger sets the logger.
func WithInvokerLogger(l *slog.Logger) InvokerOption {
	return func(inv *Invoker) { inv.logger = l }
}

// WithCallObserver reports every finished call to o.
func WithCallObserver(o CallObserver) InvokerOption {
	return func(inv *Invoker) { inv.observer = o }
}

// NewInvoker creates an Invoker.
func NewInvoker(opts ...InvokerOption) *Invoker {
	inv := &Invoker{}
	for _, opt := range opts {
		opt(inv)
	}
	if inv.logger == nil {
		inv.logger = slog.Default()
	}
	inv.logger = inv.logger.With("component", "invoker")
	return inv
}

// Call invokes tool on conn with args and waits for the result.
//
// Errors: *ToolExecutionError when the server reports a failure,
// *ToolInvocationError when the transport breaks (conn is marked Failed),
// *CallTimeoutError when the call timeout expires, or ctx's error when the
// caller gives up.
func (inv *Invoker) Call(ctx context.Context, conn *Connection, tool string, args map[string]any) (*ToolResult, error) {
	start := time.Now()
	server := conn.Name()
	result, outcome, err := inv.call(ctx, conn, tool, args)
	elapsed := time.Since(start)

	if inv.observer != nil {
		inv.observer.CallFinished(server, tool, outcome, elapsed)
	}
	if err != nil {
		inv.logger.Warn("tool call failed", "server", server, "tool", tool, "outcome", outcome, "elapsed", elapsed, "error", err)
		return nil, err
	}
	inv.logger.Debug("tool call", "server", server, "tool", tool, "elapsed", elapsed)
	return result, nil
}

func (inv *Invoker) call(ctx context.Context, conn *Connection, tool string, args map[string]any) (*ToolResult, string, error) {
	server := conn.Name()
	canonical, err := CanonicalizeArgs(args)
	if err != nil {
		return nil, OutcomeTransport, &ToolInvocationError{Server: server, Tool: tool, Err: fmt.Errorf("arguments: %w", err)}
	}
	if s := conn.State(); s != Connected {
		return nil, OutcomeTransport, &ToolInvocationError{Server: server, Tool: tool, Err: fmt.Errorf("%w (state %s)", ErrNotConnected, s)}
	}

	call := ToolCall{Server: server, Tool: tool, Arguments: canonical, CorrelationID: conn.correlationID()}
	req := toolproto.NewRequest(call.CorrelationID, toolproto.MethodCallTool, toolproto.CallToolParams{
		Name:      call.Tool,
		Arguments: call.Arguments,
	})

	callCtx := ctx
	if inv.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, inv.timeout)
		defer cancel()
	}

	resp, err := conn.transport.Send(callCtx, req)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, OutcomeCanceled, ctx.Err()
		case callCtx.Err() != nil:
			return nil, OutcomeTimeout, &CallTimeoutError{Server: server, Tool: tool, Timeout: inv.timeout}
		case errors.Is(err, toolproto.ErrFrameTooLarge):
			return nil, OutcomeTransport, &ToolInvocationError{Server: server, Tool: tool, Err: err}
		}
		conn.MarkFailed(err)
		return nil, OutcomeTransport, &ToolInvocationError{Server: server, Tool: tool, Err: err}
	}

	if resp.Error != nil {
		return nil, OutcomeToolError, &ToolExecutionError{Server: server, Tool: tool, Code: resp.Error.Code, Message: resp.Error.Message}
	}

	var payload toolproto.CallToolResult
	if err := json.Unmarshal(resp.Result, &payload); err != nil {
		err = fmt.Errorf("decode result: %w", err)
		conn.MarkFailed(err)
		return nil, OutcomeTransport, &ToolInvocationError{Server: server, Tool: tool, Err: err}
	}
	result := &ToolResult{Content: payload.Content, IsError: payload.IsError}
	if payload.IsError {
		msg := result.Text()
		if msg == "" {
			msg = "tool reported an error"
		}
		return nil, OutcomeToolError, &ToolExecutionError{Server: server, Tool: tool, Message: msg}
	}
	result.Value = decodeValue(result.Content)
	return result, OutcomeOK, nil
}

func decodeValue(content []toolproto.ContentPart) any {
	for _, part := range content {
		if part.Type != "text" {
			continue
		}
		var v any
		dec := json.NewDecoder(strings.NewReader(part.Text))
		dec.UseNumber()
		if err := dec.Decode(&v); err == nil && !dec.More() {
			return v
		}
		return map[string]any{"result": part.Text}
	}
	return nil
}
