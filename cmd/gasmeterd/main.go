package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mutker/gasmeterd/internal/buildinfo"
	"codeberg.org/mutker/gasmeterd/internal/config"
	"codeberg.org/mutker/gasmeterd/internal/discovery"
	"codeberg.org/mutker/gasmeterd/internal/errors"
	"codeberg.org/mutker/gasmeterd/internal/logger"
	"codeberg.org/mutker/gasmeterd/internal/metrics"
	"codeberg.org/mutker/gasmeterd/internal/monitor"
	"codeberg.org/mutker/gasmeterd/internal/mqtt"
	"codeberg.org/mutker/gasmeterd/internal/pid"
	"codeberg.org/mutker/gasmeterd/internal/supervisor"
	"codeberg.org/mutker/gasmeterd/internal/sysinfo"
	"codeberg.org/mutker/gasmeterd/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

const closeTimeout = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	level, _ := logger.ParseLevel(cfg.LogLevel)
	logger.Init(level, logger.IsService())
	logger.Info().Str("build", buildinfo.String()).Msg("Starting gas meter monitor")
	if cfg.ConfigFile != "" {
		logger.Debug().Str("path", cfg.ConfigFile).Msg("Config loaded")
	}

	lock := pid.Default()
	if err := lock.Write(); err != nil {
		logCoded(err, "Failed to acquire PID file")
		return 1
	}
	defer func() {
		if err := lock.Remove(); err != nil {
			logger.Debug().Err(err).Msg("Failed to remove PID file")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(ctx, cancel)

	if err := serve(ctx, cfg); err != nil {
		logCoded(err, "Gas meter monitor failed")
		return 1
	}

	logger.Info().Msg("Exiting...")
	return 0
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logger.Default()

	instruments := telemetry.New(telemetry.DefaultConfig())

	history, err := metrics.NewService(metrics.Config{
		DBPath:        cfg.HistoryDB,
		BatchSize:     cfg.HistoryBatchSize,
		FlushInterval: cfg.HistoryFlushInterval,
		Enabled:       cfg.HistoryEnabled,
	}, log.With("history"))
	if err != nil {
		return err
	}
	defer func() {
		if err := history.Close(); err != nil {
			logCoded(err, "Failed to close health history")
		}
	}()

	publisher, err := mqtt.New(ctx, mqtt.Config{
		Host:      cfg.BrokerHost,
		Port:      cfg.BrokerPort,
		Username:  cfg.BrokerUsername,
		Password:  cfg.BrokerPassword,
		TLS:       cfg.BrokerTLS,
		KeepAlive: uint16(cfg.KeepAlive),
		QoS:       byte(cfg.QoS),
		Timeout:   cfg.PublishTimeout,
		Mode:      string(cfg.ConnectionMode),
	}, log.With("mqtt"), instruments)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := publisher.Close(closeCtx); err != nil {
			logger.Debug().Err(err).Msg("Failed to close MQTT session")
		}
	}()

	dcfg := discovery.Config{
		Prefix:       cfg.DiscoveryPrefix,
		DeviceID:     cfg.DeviceID,
		DeviceName:   cfg.DeviceName,
		ReadingTopic: cfg.ReadingTopic,
		Version:      buildinfo.Version,
	}
	announcer, err := discovery.New(dcfg, log.With("discovery"))
	if err != nil {
		return err
	}

	pipeline := supervisor.New(supervisor.Config{
		Tuner: supervisor.Command{
			Name: "rtl_tcp",
			Path: cfg.TunerCommand,
			Args: cfg.TunerArgs,
		},
		Decoder: supervisor.Command{
			Name: "rtlamr",
			Path: cfg.DecoderCommand,
			Args: cfg.DecoderCommandArgs(),
		},
		SettleDelay:   cfg.SettleDelay,
		ShutdownGrace: cfg.ShutdownGrace,
	}, log.With("supervisor"))

	health := sysinfo.New(sysinfo.Config{
		DiskPath:       cfg.DiskPath,
		ThermalZone:    cfg.ThermalZone,
		SampleInterval: cfg.CPUSampleInterval,
	})

	mon := monitor.New(monitor.Config{
		HealthInterval: cfg.HealthInterval,
		Topics:         dcfg.Topics(),
		Version:        buildinfo.Version,
	}, pipeline, publisher, health, log.With("monitor"),
		monitor.WithAnnouncer(announcer),
		monitor.WithHistory(history),
		monitor.WithInstruments(instruments),
	)

	g, gctx := errgroup.WithContext(ctx)
	loopCtx, stopServer := context.WithCancel(gctx)

	g.Go(func() error {
		defer stopServer()
		return mon.Run(ctx)
	})

	tcfg := telemetry.Config{Listen: cfg.MetricsListen}
	if tcfg.Enabled() {
		var src telemetry.HistorySource
		if cfg.HistoryEnabled {
			src = history
		}
		srv := telemetry.NewServer(tcfg, instruments, src, log.With("telemetry"))
		g.Go(func() error {
			if err := srv.Run(loopCtx); err != nil {
				// the loop keeps running without the endpoint
				logCoded(err, "Metrics endpoint failed")
			}
			return nil
		})
	}

	return g.Wait()
}

func handleSignals(ctx context.Context, cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case <-sigs:
		logger.Info().Msg("Received termination signal.")
		cancel()
	case <-ctx.Done():
	}
}

func logCoded(err error, msg string) {
	var coded errors.Error
	if errors.As(err, &coded) {
		logger.ErrorWithCode(coded).Msg(msg)
		return
	}
	logger.Error().Err(err).Msg(msg)
}
