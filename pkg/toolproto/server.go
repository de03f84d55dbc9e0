package toolproto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// ErrUnknownTool is returned by handlers for a tool name they do not serve.
var ErrUnknownTool = errors.New("unknown tool")

// Handler is implemented by tool servers. CallTool may run concurrently
// for different requests.
type Handler interface {
	Info() ServerInfo
	ListTools() []ToolDefinition
	CallTool(ctx context.Context, name string, args map[string]any) (CallToolResult, error)
}

// ServeStdio serves handler on the process's stdin and stdout until stdin
// closes or ctx is cancelled.
func ServeStdio(ctx context.Context, handler Handler) error {
	return Serve(ctx, handler, os.Stdin, os.Stdout)
}

// Serve reads requests from r and writes responses to w. Requests for
// tools/call are handled concurrently, so responses may be written in a
// different order than their requests arrived.
func Serve(ctx context.Context, handler Handler, r io.Reader, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reader := NewReader(r)
	var (
		writeMu sync.Mutex
		wg      sync.WaitGroup
	)
	reply := func(resp *Response) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := WriteMessage(w, resp); err != nil {
			slog.Debug("tool server: write response", "id", resp.ID, "error", err)
		}
	}
	defer wg.Wait()

	for {
		env, err := reader.ReadEnvelope()
		if err != nil {
			var malformed *MalformedFrameError
			if errors.As(err, &malformed) {
				reply(&Response{JSONRPC: Version, Error: &RPCError{Code: CodeParseError, Message: malformed.Error()}})
				continue
			}
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}
		if len(env.ID) == 0 {
			// Notifications need no answer.
			continue
		}
		id, err := env.NumericID()
		if err != nil {
			reply(&Response{JSONRPC: Version, Error: &RPCError{Code: CodeInvalidRequest, Message: err.Error()}})
			continue
		}

		switch env.Method {
		case MethodInitialize:
			reply(resultResponse(id, InitializeResult{
				ProtocolVersion: ProtocolVersion,
				Capabilities:    map[string]any{"tools": map[string]any{}},
				ServerInfo:      handler.Info(),
			}))
		case MethodPing:
			reply(resultResponse(id, map[string]any{}))
		case MethodListTools:
			tools := handler.ListTools()
			if tools == nil {
				tools = []ToolDefinition{}
			}
			reply(resultResponse(id, ListToolsResult{Tools: tools}))
		case MethodCallTool:
			var params CallToolParams
			if err := json.Unmarshal(env.Params, &params); err != nil {
				reply(errorResponse(id, CodeInvalidParams, fmt.Sprintf("invalid params: %v", err)))
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				result, err := handler.CallTool(ctx, params.Name, params.Arguments)
				switch {
				case errors.Is(err, ErrUnknownTool):
					reply(errorResponse(id, CodeInvalidParams, fmt.Sprintf("unknown tool %q", params.Name)))
				case err != nil:
					reply(errorResponse(id, CodeInternalError, err.Error()))
				default:
					reply(resultResponse(id, result))
				}
			}()
		default:
			reply(errorResponse(id, CodeMethodNotFound, fmt.Sprintf("method %q not found", env.Method)))
		}
	}
}

func resultResponse(id int64, v any) *Response {
	data, err := json.Marshal(v)
	if err != nil {
		return errorResponse(id, CodeInternalError, fmt.Sprintf("marshal result: %v", err))
	}
	return &Response{JSONRPC: Version, ID: id, Result: data}
}

func errorResponse(id int64, code int, message string) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: &RPCError{Code: code, Message: message}}
}
