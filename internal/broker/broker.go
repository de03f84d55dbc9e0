// Package broker is the surface the rest of the application uses: it wires
// the tool client, discovery, intent routing and workflows together and
// reports every operation as a Response.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/opentalon/toolbroker/internal/config"
	"github.com/opentalon/toolbroker/internal/discovery"
	"github.com/opentalon/toolbroker/internal/intent"
	"github.com/opentalon/toolbroker/internal/lua"
	"github.com/opentalon/toolbroker/internal/metrics"
	"github.com/opentalon/toolbroker/internal/state/store"
	"github.com/opentalon/toolbroker/internal/toolclient"
	"github.com/opentalon/toolbroker/internal/workflow"
)

// Preparer rewrites or pre-routes an utterance. *lua.Preparer implements it.
type Preparer interface {
	Prepare(ctx context.Context, text string) (*lua.Prepared, error)
}

// Broker owns one connection manager for its lifetime. Close shuts every
// tool server down.
type Broker struct {
	client       *toolclient.Client
	manager      *toolclient.Manager
	catalog      *discovery.Catalog
	router       *intent.Router
	preparer     Preparer
	orchestrator *workflow.Orchestrator
	logger       *slog.Logger

	closers []func() error
}

type options struct {
	dialer     toolclient.Dialer
	logger     *slog.Logger
	registerer prometheus.Registerer
	preparer   Preparer
}

type Option func(*options)

// WithDialer replaces process spawning, mainly for tests.
func WithDialer(d toolclient.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics registers broker metrics with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithPreparer overrides the preparer script named in the configuration.
func WithPreparer(p Preparer) Option {
	return func(o *options) { o.preparer = p }
}

// New builds a broker from cfg. It opens the state database and, when
// configured, connects to Redis and loads the preparer script. Tool servers
// are started lazily on first use.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Broker, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{router: intent.NewRouter(), logger: logger.With("component", "broker")}

	var m *metrics.Metrics
	if o.registerer != nil {
		m = metrics.New(o.registerer)
	}

	managerOpts := []toolclient.ManagerOption{
		toolclient.WithLogger(logger),
		toolclient.WithHandshakeTimeout(cfg.Client.HandshakeTimeoutDuration()),
		toolclient.WithRespawnCooldown(cfg.Client.Cooldown()),
	}
	if o.dialer != nil {
		managerOpts = append(managerOpts, toolclient.WithDialer(o.dialer))
	} else {
		managerOpts = append(managerOpts, toolclient.WithDialer(toolclient.StdioDialer{
			StopGrace: cfg.Client.StopGraceDuration(),
			Logger:    logger,
		}))
	}
	invokerOpts := []toolclient.InvokerOption{
		toolclient.WithInvokerLogger(logger),
		toolclient.WithCallTimeout(cfg.Client.CallTimeoutDuration()),
	}
	if m != nil {
		managerOpts = append(managerOpts, toolclient.WithConnectionObserver(m))
		invokerOpts = append(invokerOpts, toolclient.WithCallObserver(m))
	}
	b.manager = toolclient.NewManager(managerOpts...)
	b.closers = append(b.closers, b.manager.CloseAll)
	b.client = toolclient.NewClient(b.manager, toolclient.NewInvoker(invokerOpts...), cfg.Descriptors())

	cache, err := b.discoveryCache(ctx, cfg.Discovery)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	b.catalog = discovery.NewCatalog(discovery.New(b.manager, logger), cache)

	db, err := store.Open(ctx, store.Options{Driver: cfg.State.Driver, DataDir: cfg.State.DataDir, DSN: cfg.State.DSN})
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	b.closers = append(b.closers, db.Close)

	wfOpts := []workflow.Option{
		workflow.WithResourceStore(store.NewResourceStore(db)),
		workflow.WithRunStore(store.NewRunStore(db)),
		workflow.WithSettings(cfg.Workflows.Settings()),
		workflow.WithLogger(logger),
	}
	if m != nil {
		wfOpts = append(wfOpts, workflow.WithObserver(m))
	}
	b.orchestrator = workflow.New(b.client, wfOpts...)

	b.preparer = o.preparer
	if b.preparer == nil && cfg.Intent.Preparer != "" {
		p, err := lua.NewPreparer(cfg.Intent.Preparer)
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("intent preparer: %w", err)
		}
		b.preparer = p
	}
	return b, nil
}

func (b *Broker) discoveryCache(ctx context.Context, cfg config.DiscoveryConfig) (discovery.Cache, error) {
	switch cfg.Cache {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("discovery cache: redis %s: %w", cfg.Redis.Addr, err)
		}
		b.closers = append(b.closers, rdb.Close)
		return discovery.NewRedisCache(rdb, cfg.TTLDuration()), nil
	case "none":
		return discovery.NopCache{}, nil
	default:
		return discovery.NewMemoryCache(), nil
	}
}

// Orchestrator exposes the workflow runner, e.g. for the janitor.
func (b *Broker) Orchestrator() *workflow.Orchestrator { return b.orchestrator }

// Close stops every tool server and releases the stores, in reverse order
// of acquisition.
func (b *Broker) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// InvokeTool calls one tool on one server.
func (b *Broker) InvokeTool(ctx context.Context, server, tool string, args map[string]any) Response {
	res, err := b.client.CallTool(ctx, server, tool, args)
	if err != nil {
		b.logger.Warn("tool call failed", "server", server, "tool", tool, "error", err)
		return Response{Server: server, Tool: tool, Error: err.Error()}
	}
	return Response{Success: true, Server: server, Tool: tool, Result: res.Value}
}

// RouteIntent classifies utterance without calling any tool.
func (b *Broker) RouteIntent(ctx context.Context, utterance string) Response {
	in, blocked, err := b.route(ctx, utterance)
	if err != nil {
		return Response{Error: err.Error()}
	}
	if blocked != "" {
		return Response{Message: blocked, Error: "request blocked"}
	}
	return Response{Success: true, Intent: &in}
}

// route applies the preparer, if any, then the rule table. A non-empty
// message means the preparer blocked the request.
func (b *Broker) route(ctx context.Context, utterance string) (intent.Intent, string, error) {
	if b.preparer == nil {
		return b.router.Parse(utterance), "", nil
	}
	p, err := b.preparer.Prepare(ctx, utterance)
	if err != nil {
		return intent.Intent{}, "", fmt.Errorf("prepare utterance: %w", err)
	}
	if p.Blocked {
		msg := p.Message
		if msg == "" {
			msg = "request blocked"
		}
		return intent.Intent{}, msg, nil
	}
	if p.Action != "" {
		in, ok := intent.ForAction(intent.Action(p.Action), p.Params)
		if !ok {
			return intent.Intent{}, "", fmt.Errorf("prepare utterance: unknown action %q", p.Action)
		}
		return in, "", nil
	}
	return b.router.Parse(p.Text), "", nil
}

// ExecuteIntent routes utterance and runs the calls its action implies. All
// calls are attempted; the response succeeds only if every call did.
func (b *Broker) ExecuteIntent(ctx context.Context, utterance string) Response {
	in, blocked, err := b.route(ctx, utterance)
	if err != nil {
		return Response{Error: err.Error()}
	}
	if blocked != "" {
		return Response{Message: blocked, Error: "request blocked"}
	}

	resp := Response{Success: true, Intent: &in}
	var errs []error
	for _, c := range callsFor(in) {
		cr := CallResult{Server: c.server, Tool: c.tool}
		res, err := b.client.CallTool(ctx, c.server, c.tool, c.args)
		if err != nil {
			cr.Error = err.Error()
			errs = append(errs, err)
		} else {
			cr.Result = res.Value
		}
		resp.Calls = append(resp.Calls, cr)
	}
	if len(errs) > 0 {
		resp.Success = false
		resp.Error = errors.Join(errs...).Error()
	}
	return resp
}

type plannedCall struct {
	server, tool string
	args         map[string]any
}

func callsFor(in intent.Intent) []plannedCall {
	switch in.Action {
	case intent.ActionCreateTask:
		return []plannedCall{{toolclient.TaskServer, "create_task", map[string]any{
			"title":    in.Params["title"],
			"priority": in.Params["priority"],
		}}}
	case intent.ActionListTasks:
		args := map[string]any{}
		if p := in.Params["priority"]; p != "" {
			args["priority"] = p
		}
		return []plannedCall{{toolclient.TaskServer, "list_tasks", args}}
	case intent.ActionRecommendNext:
		return []plannedCall{
			{toolclient.TaskServer, "list_tasks", map[string]any{"status": "open"}},
			{toolclient.GitServer, "git_status", map[string]any{}},
		}
	case intent.ActionGitStatus:
		return []plannedCall{{toolclient.GitServer, "git_status", map[string]any{}}}
	default:
		return nil
	}
}

// ListTools refreshes the catalog over every configured server. Servers
// whose list came from the cache are reported in Stale; servers with no
// list at all make the response unsuccessful but do not hide the others.
func (b *Broker) ListTools(ctx context.Context) Response {
	err := b.catalog.Refresh(ctx, b.client.Descriptors())
	resp := Response{Success: err == nil, Tools: map[string][]ToolInfo{}}
	for _, server := range b.catalog.Servers() {
		defs := b.catalog.Tools(server)
		infos := make([]ToolInfo, 0, len(defs))
		for _, d := range defs {
			infos = append(infos, ToolInfo{Name: d.Name, Description: d.Description})
		}
		sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
		resp.Tools[server] = infos
		if b.catalog.Stale(server) {
			resp.Stale = append(resp.Stale, server)
		}
	}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

// LookupTool returns the server providing tool according to the last
// ListTools refresh.
func (b *Broker) LookupTool(tool string) (string, bool) {
	return b.catalog.Lookup(tool)
}

func (b *Broker) SetupTestEnvironment(ctx context.Context) Response {
	return workflowResponse(b.orchestrator.SetupTestEnvironment(ctx))
}

func (b *Broker) DeployApplication(ctx context.Context, spec workflow.DeploySpec) Response {
	return workflowResponse(b.orchestrator.DeployApplication(ctx, spec))
}

func (b *Broker) CleanupEnvironment(ctx context.Context) Response {
	return workflowResponse(b.orchestrator.CleanupEnvironment(ctx))
}

// RecentRuns reports the latest workflow runs, newest first.
func (b *Broker) RecentRuns(ctx context.Context, limit int) ([]workflow.Run, error) {
	return b.orchestrator.Runs(ctx, limit)
}
