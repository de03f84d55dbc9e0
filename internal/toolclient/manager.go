package toolclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/opentalon/toolbroker/internal/version"
	"github.com/opentalon/toolbroker/pkg/toolproto"
)

const defaultHandshakeTimeout = 10 * time.Second

// Dialer opens a transport to a tool server.
type Dialer interface {
	Dial(ctx context.Context, desc Descriptor) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, desc Descriptor) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context, desc Descriptor) (Transport, error) {
	return f(ctx, desc)
}

// ConnectionObserver receives connection lifecycle events.
type ConnectionObserver interface {
	ConnectionOpened(server string)
	ConnectionFailed(server string)
}

// Manager owns at most one live Connection per tool server name and spawns
// servers on demand.
type Manager struct {
	dialer           Dialer
	logger           *slog.Logger
	observer         ConnectionObserver
	handshakeTimeout time.Duration
	clientInfo       toolproto.ClientInfo
	cooldown         *cooldownTracker

	group singleflight.Group

	mu     sync.Mutex
	conns  map[string]*Connection
	closed bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithDialer replaces the default stdio dialer.
func WithDialer(d Dialer) ManagerOption {
	return func(m *Manager) { m.dialer = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithHandshakeTimeout bounds the initialize exchange.
func WithHandshakeTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.handshakeTimeout = d
		}
	}
}

// WithConnectionObserver reports connection events to o.
func WithConnectionObserver(o ConnectionObserver) ManagerOption {
	return func(m *Manager) { m.observer = o }
}

// WithRespawnCooldown makes Get fail fast with ErrCoolingDown while a server
// whose last connect failed is cooling down. Without it every Get retries.
func WithRespawnCooldown(cfg CooldownConfig) ManagerOption {
	return func(m *Manager) {
		if cfg.Initial > 0 {
			m.cooldown = newCooldownTracker(cfg)
		}
	}
}

// NewManager creates a manager. Without WithDialer, servers are spawned as
// child processes.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		handshakeTimeout: defaultHandshakeTimeout,
		clientInfo:       toolproto.ClientInfo{Name: version.Name, Version: version.Get().Version},
		conns:            make(map[string]*Connection),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "toolclient")
	if m.dialer == nil {
		m.dialer = StdioDialer{Logger: m.logger}
	}
	return m
}

// Get returns the Connected connection for desc.Name, spawning and
// initializing the server if there is none. Concurrent callers for the same
// name share a single spawn.
func (m *Manager) Get(ctx context.Context, desc Descriptor) (*Connection, error) {
	if conn, err := m.cached(desc.Name); conn != nil || err != nil {
		return conn, err
	}

	ch := m.group.DoChan(desc.Name, func() (any, error) {
		if conn, err := m.cached(desc.Name); conn != nil || err != nil {
			return conn, err
		}
		if m.cooldown != nil {
			if wait := m.cooldown.remaining(desc.Name); wait > 0 {
				return nil, &ConnectionError{Server: desc.Name, Err: fmt.Errorf("%w: retry in %s", ErrCoolingDown, wait.Round(time.Millisecond))}
			}
		}
		// Every waiter shares this connect, so it must outlive the caller
		// that started it. The handshake timeout still bounds it.
		conn, err := m.connect(context.WithoutCancel(ctx), desc)
		if err != nil {
			m.forgetUnusable(desc.Name)
			return nil, err
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			_ = conn.Close()
			return nil, ErrManagerClosed
		}
		stale := m.conns[desc.Name]
		m.conns[desc.Name] = conn
		m.mu.Unlock()

		if stale != nil {
			_ = stale.Close()
		}
		return conn, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Connection), nil
	case <-ctx.Done():
		return nil, &ConnectionError{Server: desc.Name, Err: ctx.Err()}
	}
}

// forgetUnusable drops a Failed or Disconnected entry left from an earlier
// connection after a respawn attempt failed.
func (m *Manager) forgetUnusable(name string) {
	m.mu.Lock()
	stale, ok := m.conns[name]
	if ok && stale.State() != Connected {
		delete(m.conns, name)
	} else {
		stale = nil
	}
	m.mu.Unlock()
	if stale != nil {
		_ = stale.Close()
	}
}

func (m *Manager) cached(name string) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	if conn, ok := m.conns[name]; ok && conn.State() == Connected {
		return conn, nil
	}
	return nil, nil
}

func (m *Manager) connect(ctx context.Context, desc Descriptor) (*Connection, error) {
	logger := m.logger.With("server", desc.Name)

	transport, err := m.dialer.Dial(ctx, desc)
	if err != nil {
		m.connectionFailed(desc.Name)
		return nil, &ConnectionError{Server: desc.Name, Err: err}
	}

	conn := newConnection(desc, transport)
	hctx, cancel := context.WithTimeout(ctx, m.handshakeTimeout)
	defer cancel()
	if err := conn.handshake(hctx, m.clientInfo); err != nil {
		_ = transport.Close()
		m.connectionFailed(desc.Name)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("handshake timeout after %s: %w", m.handshakeTimeout, err)
		}
		return nil, &ConnectionError{Server: desc.Name, Err: err}
	}

	if m.cooldown != nil {
		m.cooldown.reset(desc.Name)
	}
	if m.observer != nil {
		m.observer.ConnectionOpened(desc.Name)
	}
	info := conn.ServerInfo()
	logger.Info("connected", "server_name", info.Name, "server_version", info.Version)
	return conn, nil
}

func (m *Manager) connectionFailed(name string) {
	if m.cooldown != nil {
		wait := m.cooldown.failed(name)
		m.logger.Debug("respawn cooling down", "server", name, "wait", wait)
	}
	if m.observer != nil {
		m.observer.ConnectionFailed(name)
	}
}

// Invalidate closes and forgets the connection for name, if any.
func (m *Manager) Invalidate(name string) error {
	m.mu.Lock()
	conn, ok := m.conns[name]
	delete(m.conns, name)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return conn.Close()
}

// Lookup returns the cached connection for name regardless of its state.
func (m *Manager) Lookup(name string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[name]
	return conn, ok
}

// Names returns the names of all cached connections.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.conns))
	for name := range m.conns {
		names = append(names, name)
	}
	return names
}

// CloseAll closes every cached connection. Every connection is attempted;
// failures are joined into the returned error. Later Gets fail with
// ErrManagerClosed.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	m.closed = true
	conns := m.conns
	m.conns = make(map[string]*Connection)
	m.mu.Unlock()

	var errs []error
	for name, conn := range conns {
		if err := conn.Close(); err != nil && !errors.Is(err, ErrTransportClosed) {
			m.logger.Warn("close failed", "server", name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
