package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/opentalon/toolbroker/internal/broker"
	"github.com/opentalon/toolbroker/internal/janitor"
	"github.com/opentalon/toolbroker/internal/metrics"
)

func (a *app) newJanitorCmd() *cobra.Command {
	var schedule, metricsAddr string
	var once bool
	cmd := &cobra.Command{
		Use:   "janitor",
		Short: "Run cleanup on a schedule until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if schedule == "" {
				schedule = cfg.Janitor.Schedule
			}
			if metricsAddr == "" {
				metricsAddr = cfg.Metrics.Addr
			}
			logger, err := a.logger(cmd)
			if err != nil {
				return err
			}
			reg := metrics.NewRegistry()
			return a.withBroker(cmd, func(ctx context.Context, b *broker.Broker) error {
				j, err := janitor.New(b.Orchestrator(), schedule, logger)
				if err != nil {
					return exitError(exitUsage, "%v", err)
				}
				if once {
					res := j.RunOnce(ctx)
					if !res.OK() {
						return exitError(exitFailure, "%v", res.Err)
					}
					return nil
				}
				return runJanitor(ctx, j, reg, metricsAddr, logger)
			}, broker.WithMetrics(reg))
		},
	}
	cmd.Flags().StringVar(&schedule, "schedule", "", `Cron expression or descriptor (default janitor.schedule, "@every 1h")`)
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&once, "once", false, "Run cleanup once and exit")
	return cmd
}

func runJanitor(ctx context.Context, j *janitor.Janitor, reg *prometheus.Registry, addr string, logger *slog.Logger) error {
	var srv *http.Server
	if addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		srv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", "error", err)
			}
		}()
		logger.Info("serving metrics", "addr", addr)
	}

	j.Start()
	<-ctx.Done()
	j.Stop()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
	return nil
}
