package toolclient

import (
	"context"
	"fmt"
	"sort"
)

// Client invokes tools by server name, resolving names through a fixed set
// of descriptors.
type Client struct {
	manager     *Manager
	invoker     *Invoker
	descriptors map[string]Descriptor
}

// NewClient creates a Client over descriptors keyed by server name.
func NewClient(manager *Manager, invoker *Invoker, descriptors map[string]Descriptor) *Client {
	descs := make(map[string]Descriptor, len(descriptors))
	for name, d := range descriptors {
		if d.Name == "" {
			d.Name = name
		}
		descs[name] = d
	}
	return &Client{manager: manager, invoker: invoker, descriptors: descs}
}

// Descriptor returns the descriptor registered for server.
func (c *Client) Descriptor(server string) (Descriptor, bool) {
	d, ok := c.descriptors[server]
	return d, ok
}

// Descriptors returns every registered descriptor sorted by name.
func (c *Client) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(c.descriptors))
	for _, d := range c.descriptors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CallTool connects to server if needed and invokes tool.
func (c *Client) CallTool(ctx context.Context, server, tool string, args map[string]any) (*ToolResult, error) {
	desc, ok := c.descriptors[server]
	if !ok {
		return nil, &ConnectionError{Server: server, Err: fmt.Errorf("unknown tool server %q", server)}
	}
	conn, err := c.manager.Get(ctx, desc)
	if err != nil {
		return nil, err
	}
	return c.invoker.Call(ctx, conn, tool, args)
}

// Manager returns the underlying connection manager.
func (c *Client) Manager() *Manager { return c.manager }
