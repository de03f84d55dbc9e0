package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/opentalon/toolbroker/internal/broker"
	"github.com/opentalon/toolbroker/internal/toolclient"
	"github.com/opentalon/toolbroker/pkg/toolproto"
)

// taskServer answers create_task and list_tasks.
type taskServer struct{}

func (taskServer) Info() toolproto.ServerInfo {
	return toolproto.ServerInfo{Name: "task", Version: "test"}
}

func (taskServer) ListTools() []toolproto.ToolDefinition {
	return []toolproto.ToolDefinition{{Name: "create_task"}, {Name: "list_tasks"}}
}

func (taskServer) CallTool(_ context.Context, name string, args map[string]any) (toolproto.CallToolResult, error) {
	switch name {
	case "create_task":
		data, _ := json.Marshal(map[string]any{"id": 1, "title": args["title"]})
		return toolproto.TextResult(string(data)), nil
	case "list_tasks":
		return toolproto.TextResult(`[]`), nil
	}
	return toolproto.CallToolResult{}, toolproto.ErrUnknownTool
}

func dialTasks(_ context.Context, desc toolclient.Descriptor) (toolclient.Transport, error) {
	if desc.Name != toolclient.TaskServer {
		return nil, fmt.Errorf("%s is not running", desc.Name)
	}
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	go func() {
		_ = toolproto.Serve(context.Background(), taskServer{}, reqR, respW)
		_ = respW.Close()
	}()
	return toolclient.NewStreamTransport(respR, reqW, func() error {
		_ = reqW.Close()
		return respR.Close()
	}, nil), nil
}

func newTestRoot() *cobra.Command {
	return NewRootCmd(broker.WithDialer(toolclient.DialerFunc(dialTasks)))
}

func executeCommand(root *cobra.Command, args ...string) (stdout, stderr string, err error) {
	var outBuf, errBuf bytes.Buffer
	root.SetOut(&outBuf)
	root.SetErr(&errBuf)
	root.SetArgs(args)
	err = root.ExecuteContext(context.Background())
	return outBuf.String(), errBuf.String(), err
}

func TestInvokeCommand(t *testing.T) {
	out, _, err := executeCommand(newTestRoot(),
		"--data-dir", t.TempDir(),
		"invoke", "task_mcp", "create_task", "--args", `{"title":"Ship"}`)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	var resp broker.Response
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if !resp.Success {
		t.Errorf("resp = %+v", resp)
	}
	if !strings.Contains(out, `"title": "Ship"`) {
		t.Errorf("output = %s", out)
	}
}

func TestInvokeCommandFailureExitCode(t *testing.T) {
	out, _, err := executeCommand(newTestRoot(), "--data-dir", t.TempDir(), "invoke", "git_mcp", "git_status")
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != exitFailure {
		t.Fatalf("err = %v, want exit code %d", err, exitFailure)
	}
	if !strings.Contains(out, `"success": false`) {
		t.Errorf("failure response not printed: %s", out)
	}
}

func TestInvokeCommandBadArgs(t *testing.T) {
	_, _, err := executeCommand(newTestRoot(), "--data-dir", t.TempDir(), "invoke", "task_mcp", "create_task", "--args", "{not json")
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != exitUsage {
		t.Fatalf("err = %v, want usage error", err)
	}
}

func TestRouteCommand(t *testing.T) {
	out, _, err := executeCommand(newTestRoot(), "--data-dir", t.TempDir(), "route", "create", "task", "Write", "docs")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if !strings.Contains(out, `"action": "create_task"`) || !strings.Contains(out, `"title": "Write docs"`) {
		t.Errorf("output = %s", out)
	}
}

func TestRouteExecuteCommand(t *testing.T) {
	out, _, err := executeCommand(newTestRoot(), "--data-dir", t.TempDir(), "route", "--execute", "show me tasks")
	if err != nil {
		t.Fatalf("route --execute: %v", err)
	}
	if !strings.Contains(out, `"tool": "list_tasks"`) {
		t.Errorf("output = %s", out)
	}
}

func TestDeployCommandRejectsBadEnv(t *testing.T) {
	_, _, err := executeCommand(newTestRoot(), "--data-dir", t.TempDir(), "deploy", "--image", "nginx", "--env", "NOEQUALS")
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != exitUsage {
		t.Fatalf("err = %v, want usage error", err)
	}
}

func TestRunsCommand(t *testing.T) {
	dir := t.TempDir()
	// docker_mcp is not running, so setup stops at its first step.
	if _, _, err := executeCommand(newTestRoot(), "--data-dir", dir, "--actor", "ops:bob", "setup"); err == nil {
		t.Fatal("setup should fail without docker_mcp")
	}
	out, _, err := executeCommand(newTestRoot(), "--data-dir", dir, "runs", "--limit", "5")
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if !strings.Contains(out, "setup_test_environment") || !strings.Contains(out, "ops:bob") {
		t.Errorf("output = %s", out)
	}
}

func TestJanitorOnce(t *testing.T) {
	_, _, err := executeCommand(newTestRoot(), "--data-dir", t.TempDir(), "janitor", "--once")
	if err != nil {
		t.Fatalf("janitor --once with nothing tracked: %v", err)
	}
}

func TestJanitorBadSchedule(t *testing.T) {
	_, _, err := executeCommand(newTestRoot(), "--data-dir", t.TempDir(), "janitor", "--schedule", "sometimes")
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != exitUsage {
		t.Fatalf("err = %v, want usage error", err)
	}
}

func TestBadLogLevel(t *testing.T) {
	_, _, err := executeCommand(newTestRoot(), "--data-dir", t.TempDir(), "--log-level", "loud", "tools")
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != exitUsage {
		t.Fatalf("err = %v, want usage error", err)
	}
}

func TestVersionCommand(t *testing.T) {
	out, _, err := executeCommand(newTestRoot(), "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "toolbroker ") {
		t.Errorf("output = %q", out)
	}
}

func TestParseKeyValues(t *testing.T) {
	got, err := parseKeyValues([]string{"A=1", "B=x=y", "C="})
	if err != nil {
		t.Fatal(err)
	}
	if got["A"] != "1" || got["B"] != "x=y" || got["C"] != "" {
		t.Errorf("got %v", got)
	}
	if _, err := parseKeyValues([]string{"=v"}); err == nil {
		t.Error("empty key should fail")
	}
}
