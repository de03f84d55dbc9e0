package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/opentalon/toolbroker/internal/toolclient"
	"github.com/opentalon/toolbroker/pkg/toolproto"
)

// Catalog indexes the tools of many servers by tool name. When a server
// cannot be reached during Refresh, its last cached list is used instead.
type Catalog struct {
	disc  *Discovery
	cache Cache

	mu       sync.RWMutex
	byTool   map[string]string
	byServer map[string][]toolproto.ToolDefinition
	stale    map[string]bool
}

// NewCatalog creates a catalog. A nil cache keeps lists in memory.
func NewCatalog(disc *Discovery, cache Cache) *Catalog {
	if cache == nil {
		cache = NewMemoryCache()
	}
	return &Catalog{
		disc:     disc,
		cache:    cache,
		byTool:   make(map[string]string),
		byServer: make(map[string][]toolproto.ToolDefinition),
		stale:    make(map[string]bool),
	}
}

// Refresh lists the tools of every descriptor and rebuilds the index. When
// two servers offer the same tool name the earlier descriptor wins. The
// returned error names servers that had neither a live nor a cached list;
// the index is rebuilt regardless.
func (c *Catalog) Refresh(ctx context.Context, descs []toolclient.Descriptor) error {
	byTool := make(map[string]string)
	byServer := make(map[string][]toolproto.ToolDefinition, len(descs))
	stale := make(map[string]bool)
	var errs []error

	for _, desc := range descs {
		logger := c.disc.logger.With("server", desc.Name)
		tools, err := c.disc.fetch(ctx, desc)
		if err == nil {
			if perr := c.cache.Put(ctx, desc.Name, tools); perr != nil {
				logger.Warn("caching tool list failed", "error", perr)
			}
		} else {
			cached, ok, cerr := c.cache.Get(ctx, desc.Name)
			if cerr != nil {
				logger.Warn("reading cached tool list failed", "error", cerr)
			}
			if !ok {
				logger.Warn("tool listing failed, nothing cached", "error", err)
				errs = append(errs, fmt.Errorf("%s: %w", desc.Name, err))
				continue
			}
			logger.Info("server unreachable, serving cached tool list", "error", err, "tools", len(cached))
			tools = cached
			stale[desc.Name] = true
		}

		byServer[desc.Name] = tools
		for _, tool := range tools {
			if owner, taken := byTool[tool.Name]; taken {
				logger.Debug("tool name already provided", "tool", tool.Name, "owner", owner)
				continue
			}
			byTool[tool.Name] = desc.Name
		}
	}

	c.mu.Lock()
	c.byTool = byTool
	c.byServer = byServer
	c.stale = stale
	c.mu.Unlock()

	return errors.Join(errs...)
}

// Lookup returns the server that provides tool.
func (c *Catalog) Lookup(tool string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	server, ok := c.byTool[tool]
	return server, ok
}

// Tools returns the indexed tools of server.
func (c *Catalog) Tools(server string) []toolproto.ToolDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byServer[server]
}

// Stale reports whether server's list came from the cache.
func (c *Catalog) Stale(server string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stale[server]
}

// Servers returns the indexed server names, sorted.
func (c *Catalog) Servers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.byServer))
	for name := range c.byServer {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
