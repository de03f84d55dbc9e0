// Package cli implements the toolbroker command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opentalon/toolbroker/internal/actor"
	"github.com/opentalon/toolbroker/internal/broker"
	"github.com/opentalon/toolbroker/internal/config"
	"github.com/opentalon/toolbroker/internal/version"
)

// app holds what every subcommand shares.
type app struct {
	configPath string
	dataDir    string
	logLevel   string
	actorID    string

	// extra is appended to the broker options; tests use it to replace
	// process spawning.
	extra []broker.Option
}

// NewRootCmd builds the command tree.
func NewRootCmd(extra ...broker.Option) *cobra.Command {
	a := &app{extra: extra}
	root := &cobra.Command{
		Use:           "toolbroker",
		Short:         "Launch, query and orchestrate MCP tool servers",
		Version:       version.Get().Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(version.Get().String() + "\n")

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "Path to config YAML")
	root.PersistentFlags().StringVar(&a.dataDir, "data-dir", "", "State directory (overrides state.data_dir)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "warn", "Log level: debug | info | warn | error")
	root.PersistentFlags().StringVar(&a.actorID, "actor", "", "Requester recorded on workflow runs (default cli:<user>)")

	root.AddCommand(
		a.newInvokeCmd(),
		a.newRouteCmd(),
		a.newToolsCmd(),
		a.newSetupCmd(),
		a.newDeployCmd(),
		a.newCleanupCmd(),
		a.newRunsCmd(),
		a.newJanitorCmd(),
		newVersionCmd(),
	)
	return root
}

func (a *app) loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if a.configPath != "" {
		var err error
		if cfg, err = config.Load(a.configPath); err != nil {
			return nil, err
		}
	}
	if a.dataDir != "" {
		cfg.State.DataDir = a.dataDir
	}
	return cfg, nil
}

func (a *app) logger(cmd *cobra.Command) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(a.logLevel)); err != nil {
		return nil, exitError(exitUsage, "invalid --log-level %q", a.logLevel)
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})), nil
}

func (a *app) context(cmd *cobra.Command) context.Context {
	id := a.actorID
	if id == "" {
		id = actor.Local()
	}
	return actor.WithActor(cmd.Context(), id)
}

// withBroker opens a broker for the duration of fn.
func (a *app) withBroker(cmd *cobra.Command, fn func(ctx context.Context, b *broker.Broker) error, opts ...broker.Option) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	logger, err := a.logger(cmd)
	if err != nil {
		return err
	}
	ctx := a.context(cmd)
	opts = append(append([]broker.Option{broker.WithLogger(logger)}, opts...), a.extra...)
	b, err := broker.New(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := b.Close(); cerr != nil {
			logger.Warn("shutdown", "error", cerr)
		}
	}()
	return fn(ctx, b)
}

// respond prints resp as JSON and turns success=false into exit code 1.
func respond(cmd *cobra.Command, resp broker.Response) error {
	if err := printJSON(cmd, resp); err != nil {
		return err
	}
	if !resp.Success {
		return exitError(exitFailure, "%s", resp.Error)
	}
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version.Get())
			return err
		},
	}
}

// parseKeyValues turns KEY=VALUE pairs into a map.
func parseKeyValues(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected KEY=VALUE, got %q", p)
		}
		out[k] = v
	}
	return out, nil
}
