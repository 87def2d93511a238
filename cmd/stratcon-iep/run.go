package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/c360/stratcon/alert"
	"github.com/c360/stratcon/brokerregistry"
	"github.com/c360/stratcon/config"
	"github.com/c360/stratcon/dispatch"
	"github.com/c360/stratcon/engine"
	"github.com/c360/stratcon/listener"
	"github.com/c360/stratcon/message"
	"github.com/c360/stratcon/metric"
	"github.com/c360/stratcon/pkg/cache"
	"github.com/c360/stratcon/statement"
	"github.com/c360/stratcon/transport"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var shutdownTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Consume the firehose and publish alerts until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig(true)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := setupLogger(os.Stdout, cfg.Log.Level, cfg.Log.Format)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runService(ctx, cfg, logger, shutdownTimeout)
		},
	}
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "Graceful shutdown timeout")
	return cmd
}

// service is everything runService wires together
type service struct {
	metrics    *metric.MetricsRegistry
	publisher  *alert.Publisher
	dispatcher *dispatch.Dispatcher
	runner     *listener.Runner
}

// build creates the brokers, engine, dispatcher, alert publisher and runner.
// Consumption and alert publishing use separate broker connections so a
// publish reconnect never interrupts the consume session.
func build(cfg *config.Config, logger *slog.Logger) (*service, error) {
	registry := metric.NewMetricsRegistry()
	core := registry.CoreMetrics()

	brokers := transport.NewRegistry()
	if err := brokerregistry.Register(brokers); err != nil {
		return nil, err
	}
	tcfg := cfg.Broker.Transport()
	consume, err := brokers.New(cfg.Broker.Kind, tcfg, logger)
	if err != nil {
		return nil, err
	}
	alerts, err := brokers.New(cfg.Broker.Kind, tcfg, logger.With("role", "alerts"))
	if err != nil {
		return nil, err
	}

	pub, err := alert.NewPublisher(alerts, cfg.Alerts.Publisher(),
		alert.WithLogger(logger),
		alert.WithMetrics(core),
		alert.WithMetricsRegistry(registry),
	)
	if err != nil {
		return nil, err
	}

	eng, err := engine.NewMemory(engine.WithLogger(logger), engine.WithMetrics(registry))
	if err != nil {
		return nil, err
	}

	dopts := []dispatch.Option{
		dispatch.WithListenerFactory(pub.ListenerFor),
		dispatch.WithLogger(logger),
		dispatch.WithMetrics(core),
	}
	if cfg.Dedup.Size > 0 {
		dedup, err := dispatch.NewDedupInterceptor(cfg.Dedup.Size, core,
			cache.WithMetrics[struct{}](registry, "dedup"))
		if err != nil {
			return nil, err
		}
		dopts = append(dopts, dispatch.WithInterceptor(dedup))
	}
	disp := dispatch.New(eng, dopts...)

	runner := listener.New(consume, disp,
		listener.WithLogger(logger),
		listener.WithMetrics(core),
		listener.WithRetryInterval(cfg.Runner.RetryInterval.Std()),
	)

	return &service{metrics: registry, publisher: pub, dispatcher: disp, runner: runner}, nil
}

func runService(ctx context.Context, cfg *config.Config, logger *slog.Logger, shutdownTimeout time.Duration) error {
	logger.Info("Starting stratcon-iep",
		"version", Version,
		"broker", cfg.Broker.Kind,
		"endpoints", len(cfg.Broker.Endpoints))

	svc, err := build(cfg, logger)
	if err != nil {
		return err
	}

	source, err := openSource(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open statement source: %w", err)
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = source.Close(cctx)
	}()

	defs, err := source.Load(ctx)
	if err != nil {
		return fmt.Errorf("load statements: %w", err)
	}
	cmds, err := defs.Resolve()
	if err != nil {
		return fmt.Errorf("resolve statements: %w", err)
	}
	if err := svc.runner.Preprocess(asMessages(cmds)...); err != nil {
		return err
	}
	logger.Info("Statements resolved", "statements", len(defs.Statements), "queries", len(defs.Queries))

	if err := svc.publisher.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := svc.publisher.Stop(shutdownTimeout); err != nil {
			logger.Warn("Alert publisher did not stop cleanly", "error", err)
		}
	}()

	if cfg.Metrics.Enabled {
		server := metric.NewServer(cfg.Metrics.Addr, cfg.Metrics.Path, svc.metrics, svc.runner.Health)
		if err := server.Start(); err != nil {
			return err
		}
		logger.Info("Metrics server listening", "address", server.Address())
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = server.Stop(sctx)
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.runner.Run(gctx)
	})
	if cfg.Statements.Watch {
		g.Go(func() error {
			return source.Watch(gctx, func(d *statement.Definitions) {
				cmds, err := d.Resolve()
				if err != nil {
					logger.Error("Reloaded definitions do not resolve, keeping current set", "error", err)
					return
				}
				if err := svc.runner.Reload(gctx, cmds); err != nil {
					logger.Error("Reload finished with errors", "error", err)
				}
			})
		})
	}

	err = g.Wait()
	stats := svc.dispatcher.Stats()
	logger.Info("stratcon-iep stopped",
		"attempts", svc.runner.Attempts(),
		"processed", stats.Processed,
		"dispatch_time", stats.Elapsed)
	return err
}

func asMessages(cmds []message.Command) []message.Message {
	msgs := make([]message.Message, len(cmds))
	for i, c := range cmds {
		msgs[i] = c
	}
	return msgs
}
