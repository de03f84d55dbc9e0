// Package discovery asks tool servers which tools they offer and keeps a
// catalog that maps tool names back to servers.
package discovery

import (
	"context"
	"log/slog"

	"github.com/opentalon/toolbroker/internal/toolclient"
	"github.com/opentalon/toolbroker/pkg/toolproto"
)

// Connector returns a live connection for a descriptor. *toolclient.Manager
// satisfies it.
type Connector interface {
	Get(ctx context.Context, desc toolclient.Descriptor) (*toolclient.Connection, error)
}

// Discovery lists tools through connections obtained from a Connector.
type Discovery struct {
	conns  Connector
	logger *slog.Logger
}

// New creates a Discovery. A nil logger uses slog.Default().
func New(conns Connector, logger *slog.Logger) *Discovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discovery{conns: conns, logger: logger.With("component", "discovery")}
}

// ListTools returns the tools desc advertises. It never fails: any error is
// logged and an empty list returned.
func (d *Discovery) ListTools(ctx context.Context, desc toolclient.Descriptor) []toolproto.ToolDefinition {
	tools, err := d.fetch(ctx, desc)
	if err != nil {
		d.logger.Warn("tool listing failed", "server", desc.Name, "error", err)
		return []toolproto.ToolDefinition{}
	}
	return tools
}

func (d *Discovery) fetch(ctx context.Context, desc toolclient.Descriptor) ([]toolproto.ToolDefinition, error) {
	conn, err := d.conns.Get(ctx, desc)
	if err != nil {
		return nil, err
	}
	tools, err := conn.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	if tools == nil {
		tools = []toolproto.ToolDefinition{}
	}
	return tools, nil
}
