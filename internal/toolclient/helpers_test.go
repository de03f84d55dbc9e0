package toolclient

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/opentalon/toolbroker/pkg/toolproto"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeServer is an in-process tool server. Tools are plain functions so each
// test can script its own behavior.
type fakeServer struct {
	name  string
	tools map[string]func(ctx context.Context, args map[string]any) (toolproto.CallToolResult, error)

	mu    sync.Mutex
	calls []recordedCall
}

type recordedCall struct {
	Tool string
	Args map[string]any
}

func newFakeServer(name string) *fakeServer {
	return &fakeServer{
		name:  name,
		tools: make(map[string]func(context.Context, map[string]any) (toolproto.CallToolResult, error)),
	}
}

func (s *fakeServer) handle(tool string, fn func(ctx context.Context, args map[string]any) (toolproto.CallToolResult, error)) {
	s.tools[tool] = fn
}

func (s *fakeServer) Info() toolproto.ServerInfo {
	return toolproto.ServerInfo{Name: s.name, Version: "test"}
}

func (s *fakeServer) ListTools() []toolproto.ToolDefinition {
	defs := make([]toolproto.ToolDefinition, 0, len(s.tools))
	for name := range s.tools {
		defs = append(defs, toolproto.ToolDefinition{Name: name, InputSchema: map[string]any{"type": "object"}})
	}
	return defs
}

func (s *fakeServer) CallTool(ctx context.Context, name string, args map[string]any) (toolproto.CallToolResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, recordedCall{Tool: name, Args: args})
	s.mu.Unlock()
	fn, ok := s.tools[name]
	if !ok {
		return toolproto.CallToolResult{}, toolproto.ErrUnknownTool
	}
	return fn(ctx, args)
}

func (s *fakeServer) lastCall(t *testing.T) recordedCall {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		t.Fatal("server received no calls")
	}
	return s.calls[len(s.calls)-1]
}

// pipeTransport connects a StreamTransport to handler running toolproto.Serve
// in a goroutine.
func pipeTransport(handler toolproto.Handler) *StreamTransport {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	go func() {
		_ = toolproto.Serve(context.Background(), handler, reqR, respW)
		_ = respW.Close()
	}()
	closer := func() error {
		_ = reqW.Close()
		return respR.Close()
	}
	return NewStreamTransport(respR, reqW, closer, quietLogger())
}

// countingDialer hands out pipe transports to servers built by newServer and
// counts how many were spawned per name.
type countingDialer struct {
	newServer func(name string) toolproto.Handler
	gate      chan struct{}

	spawns atomic.Int32
}

func (d *countingDialer) Dial(ctx context.Context, desc Descriptor) (Transport, error) {
	d.spawns.Add(1)
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return pipeTransport(d.newServer(desc.Name)), nil
}

func newTestManager(d Dialer) *Manager {
	return NewManager(WithDialer(d), WithLogger(quietLogger()))
}

// connectTo returns a Connected connection to server.
func connectTo(t *testing.T, server toolproto.Handler) *Connection {
	t.Helper()
	m := newTestManager(DialerFunc(func(context.Context, Descriptor) (Transport, error) {
		return pipeTransport(server), nil
	}))
	t.Cleanup(func() { _ = m.CloseAll() })
	conn, err := m.Get(context.Background(), Descriptor{Name: "test_mcp"})
	if err != nil {
		t.Fatal(err)
	}
	return conn
}

// scriptedTransport is a Transport whose Send is scripted by the test.
type scriptedTransport struct {
	send func(req *toolproto.Request) (*toolproto.Response, error)

	once   sync.Once
	done   chan struct{}
	closed atomic.Bool
}

func newScriptedTransport(send func(req *toolproto.Request) (*toolproto.Response, error)) *scriptedTransport {
	return &scriptedTransport{send: send, done: make(chan struct{})}
}

func (s *scriptedTransport) Send(_ context.Context, req *toolproto.Request) (*toolproto.Response, error) {
	if s.closed.Load() {
		return nil, ErrTransportClosed
	}
	return s.send(req)
}

func (s *scriptedTransport) Notify(context.Context, *toolproto.Notification) error {
	if s.closed.Load() {
		return ErrTransportClosed
	}
	return nil
}

func (s *scriptedTransport) Done() <-chan struct{} { return s.done }

func (s *scriptedTransport) Err() error {
	if s.closed.Load() {
		return ErrTransportClosed
	}
	return nil
}

func (s *scriptedTransport) Close() error {
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.done)
	})
	return nil
}

var errBoom = errors.New("boom")
