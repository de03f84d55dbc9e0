package cli

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opentalon/toolbroker/internal/broker"
)

func (a *app) newInvokeCmd() *cobra.Command {
	var argsJSON string
	cmd := &cobra.Command{
		Use:   "invoke <server> <tool>",
		Short: "Call one tool on one server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var toolArgs map[string]any
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &toolArgs); err != nil {
					return exitError(exitUsage, "invalid --args: %v", err)
				}
			}
			return a.withBroker(cmd, func(ctx context.Context, b *broker.Broker) error {
				return respond(cmd, b.InvokeTool(ctx, args[0], args[1], toolArgs))
			})
		},
	}
	cmd.Flags().StringVar(&argsJSON, "args", "", `Tool arguments as a JSON object, e.g. '{"title":"x"}'`)
	return cmd
}

func (a *app) newRouteCmd() *cobra.Command {
	var execute bool
	cmd := &cobra.Command{
		Use:   "route <utterance...>",
		Short: "Classify a request, and optionally run the tools it implies",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			utterance := strings.Join(args, " ")
			return a.withBroker(cmd, func(ctx context.Context, b *broker.Broker) error {
				if execute {
					return respond(cmd, b.ExecuteIntent(ctx, utterance))
				}
				return respond(cmd, b.RouteIntent(ctx, utterance))
			})
		},
	}
	cmd.Flags().BoolVar(&execute, "execute", false, "Call the tools the intent names")
	return cmd
}

func (a *app) newToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the tools every configured server offers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withBroker(cmd, func(ctx context.Context, b *broker.Broker) error {
				return respond(cmd, b.ListTools(ctx))
			})
		},
	}
}
