package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aminovpavel/meshlink/internal/app"
	"github.com/aminovpavel/meshlink/internal/config"
	"github.com/aminovpavel/meshlink/internal/mesh"
	"github.com/aminovpavel/meshlink/internal/mqtt"
	"github.com/aminovpavel/meshlink/internal/observability"
	"github.com/aminovpavel/meshlink/internal/position"
	"github.com/aminovpavel/meshlink/internal/session"
	"github.com/aminovpavel/meshlink/internal/snapshot"
	"github.com/aminovpavel/meshlink/internal/storage"
	"github.com/aminovpavel/meshlink/internal/transport"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to the radio and run the session until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.New(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return run(cmd.Context(), cfg)
		},
	}
}

func run(ctx context.Context, cfg *config.App) error {
	logger := app.NewLogger(cfg)
	slog.SetDefault(logger)

	metrics := observability.NewMetrics()

	tcp, err := transport.NewTCP(app.BuildTCPConfig(cfg), logger)
	if err != nil {
		return fmt.Errorf("initialise transport: %w", err)
	}

	var svc *session.Service
	reporter := position.NewReporter(
		position.SenderFunc(func(ctx context.Context, pos mesh.Position, dest string, wantResponse bool) error {
			return svc.SendPosition(ctx, pos, dest, wantResponse)
		}),
		app.BuildPositionConfig(cfg),
		position.WithLogger(logger),
		position.WithMetrics(metrics),
	)

	opts := []session.Option{
		session.WithLogger(logger),
		session.WithMetrics(metrics),
		session.WithSnapshots(snapshot.NewFileStore(cfg.SnapshotFile)),
		session.WithLocation(reporter),
	}

	var packetLog *storage.PacketLog
	if logCfg, ok := app.BuildPacketLogConfig(cfg); ok {
		packetLog, err = storage.NewPacketLog(logCfg,
			storage.WithLogger(logger),
			storage.WithMetrics(metrics),
		)
		if err != nil {
			return fmt.Errorf("initialise packet log: %w", err)
		}
		if err := packetLog.Start(ctx); err != nil {
			return fmt.Errorf("start packet log: %w", err)
		}
		defer func() {
			if err := packetLog.Stop(); err != nil {
				logger.Error("packet log stop error", slog.Any("error", err))
			}
		}()
		opts = append(opts, session.WithPacketLog(packetLog))
	}

	svc = session.New(app.BuildSessionConfig(cfg), tcp, opts...)

	g, ctx := errgroup.WithContext(ctx)

	if sample, ok, err := app.BuildFixedSample(cfg); err != nil {
		return err
	} else if ok {
		interval := seconds(cfg.FixedPositionInterval)
		source := position.NewFixedSource(reporter, sample, interval, logger)
		g.Go(func() error { return source.Run(ctx) })
	}

	if cfg.MQTTEnabled {
		client, err := mqtt.NewClient(app.BuildMQTTConfig(cfg), logger)
		if err != nil {
			return fmt.Errorf("initialise MQTT client: %w", err)
		}
		if err := client.Start(ctx); err != nil {
			return fmt.Errorf("start MQTT client: %w", err)
		}
		defer client.Stop()

		uplink := mqtt.NewUplink(client, client.Config().TopicPrefix,
			mqtt.WithUplinkLogger(logger),
			mqtt.WithUplinkMetrics(metrics),
		)
		unsubscribe := svc.Subscribe(uplink)
		defer unsubscribe()
		g.Go(func() error { return uplink.Run(ctx) })
		g.Go(func() error { return logErrors(ctx, logger, "mqtt error", client.Errors()) })
	}

	obsServer := observability.NewServer(observability.ServerConfig{
		Address: cfg.ObservabilityAddress,
		Logger:  logger.With(slog.String("component", "observability")),
		Metrics: metrics,
		Status: func(ctx context.Context) (any, error) {
			return svc.Status(ctx)
		},
	})
	g.Go(func() error {
		obsServer.Run(ctx)
		return nil
	})

	g.Go(func() error { return logErrors(ctx, logger, "session error", svc.Errors()) })

	logger.Info("meshlink starting",
		slog.String("device_address", cfg.DeviceAddress),
		slog.String("snapshot_file", cfg.SnapshotFile),
		slog.Bool("mqtt", cfg.MQTTEnabled),
		slog.String("observability_address", cfg.ObservabilityAddress),
	)

	g.Go(func() error { return svc.Run(ctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("meshlink stopped with error", slog.Any("error", err))
		return err
	}

	logger.Info("meshlink stopped")
	return nil
}

func logErrors(ctx context.Context, logger *slog.Logger, msg string, errs <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if !ok {
				return nil
			}
			if err == nil || errors.Is(err, context.Canceled) {
				continue
			}
			logger.Error(msg, slog.Any("error", err))
		}
	}
}
