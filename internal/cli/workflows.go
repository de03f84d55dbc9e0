package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/opentalon/toolbroker/internal/broker"
	"github.com/opentalon/toolbroker/internal/workflow"
)

func (a *app) newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Provision a database and cache test environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withBroker(cmd, func(ctx context.Context, b *broker.Broker) error {
				return respond(cmd, b.SetupTestEnvironment(ctx))
			})
		},
	}
}

func (a *app) newDeployCmd() *cobra.Command {
	var spec workflow.DeploySpec
	var env []string
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Run an application container, verify it and record the deployment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			vars, err := parseKeyValues(env)
			if err != nil {
				return exitError(exitUsage, "invalid --env: %v", err)
			}
			if len(vars) > 0 {
				spec.Env = vars
			}
			return a.withBroker(cmd, func(ctx context.Context, b *broker.Broker) error {
				return respond(cmd, b.DeployApplication(ctx, spec))
			})
		},
	}
	cmd.Flags().StringVar(&spec.Image, "image", "", "Container image (required)")
	cmd.Flags().StringVar(&spec.Name, "name", "", "Application name (default: derived from the image)")
	cmd.Flags().IntVar(&spec.Port, "port", 0, "Port to publish")
	cmd.Flags().StringArrayVar(&env, "env", nil, "Environment variable KEY=VALUE (repeatable)")
	return cmd
}

func (a *app) newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove every resource earlier workflows created",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withBroker(cmd, func(ctx context.Context, b *broker.Broker) error {
				return respond(cmd, b.CleanupEnvironment(ctx))
			})
		},
	}
}

func (a *app) newRunsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show recent workflow runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withBroker(cmd, func(ctx context.Context, b *broker.Broker) error {
				runs, err := b.RecentRuns(ctx, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd, runs)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs")
	return cmd
}
