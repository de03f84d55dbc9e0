package toolclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// mcpGoDialer runs an mcp-go stdio server in-process, so the client is
// checked against an independent implementation of the protocol.
func mcpGoDialer(t *testing.T) Dialer {
	t.Helper()
	return DialerFunc(func(ctx context.Context, desc Descriptor) (Transport, error) {
		s := server.NewMCPServer(desc.Name, "1.0.0", server.WithToolCapabilities(true))
		s.AddTool(
			mcp.NewTool("create_task",
				mcp.WithDescription("Create a task"),
				mcp.WithString("title", mcp.Required()),
				mcp.WithString("priority"),
			),
			func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				title := req.GetString("title", "")
				if title == "" {
					return mcp.NewToolResultError("'title' is required"), nil
				}
				priority := req.GetString("priority", "medium")
				return mcp.NewToolResultText(fmt.Sprintf(`{"id":"task-1","title":%q,"priority":%q}`, title, priority)), nil
			},
		)

		reqR, reqW := io.Pipe()
		respR, respW := io.Pipe()
		srvCtx, cancel := context.WithCancel(context.Background())
		go func() {
			_ = server.NewStdioServer(s).Listen(srvCtx, reqR, respW)
			_ = respW.Close()
		}()
		closer := func() error {
			cancel()
			_ = reqW.Close()
			return respR.Close()
		}
		return NewStreamTransport(respR, reqW, closer, quietLogger()), nil
	})
}

func TestConformanceWithMCPGoServer(t *testing.T) {
	m := newTestManager(mcpGoDialer(t))
	defer func() { _ = m.CloseAll() }()

	conn, err := m.Get(context.Background(), Descriptor{Name: TaskServer})
	if err != nil {
		t.Fatal(err)
	}
	if conn.ServerInfo().Name != TaskServer {
		t.Errorf("server info = %+v", conn.ServerInfo())
	}

	tools, err := conn.ListTools(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(tools) != 1 || tools[0].Name != "create_task" {
		t.Fatalf("tools = %+v", tools)
	}

	inv := NewInvoker(WithInvokerLogger(quietLogger()))
	res, err := inv.Call(context.Background(), conn, "create_task", map[string]any{"title": "ship it", "priority": "high"})
	if err != nil {
		t.Fatal(err)
	}
	value, _ := res.Value.(map[string]any)
	if value["title"] != "ship it" || value["priority"] != "high" {
		t.Errorf("value = %#v", res.Value)
	}

	_, err = inv.Call(context.Background(), conn, "create_task", map[string]any{})
	var execErr *ToolExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("err = %v, want ToolExecutionError", err)
	}
	if conn.State() != Connected {
		t.Errorf("state = %s", conn.State())
	}
}
