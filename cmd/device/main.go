// cmd/device runs one simulated or real field device's TELEMETRY (C4) and
// MGMT (C6) engines side by side against a single broker connection,
// following the teacher's cmd/gateway/main.go process shape: flag overrides
// on top of a YAML config, a JSON zap logger built once at entry, and
// signal-driven graceful shutdown (spec.md §6 exit codes).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"telemetryfabric/internal/broker"
	"telemetryfabric/internal/config"
	"telemetryfabric/internal/description"
	"telemetryfabric/internal/logging"
	mgmtdevice "telemetryfabric/internal/mgmt/device"
	telemetrydevice "telemetryfabric/internal/telemetry/device"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configFile = flag.String("config", "device.yaml", "Path to device configuration file")
		deviceID   = flag.String("device-id", "", "Override device_id from config")
		logLevel   = flag.String("log-level", "", "Override log_level from config")
	)
	flag.Parse()

	cfg, err := config.LoadDevice(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 1
	}
	if *deviceID != "" {
		cfg.DeviceID = *deviceID
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if cfg.DeviceID == "" {
		fmt.Fprintln(os.Stderr, "config error: device_id is required")
		return 1
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init failed:", err)
		return 1
	}
	defer logger.Sync()

	logger.Info("starting device process",
		zap.String("device_id", cfg.DeviceID),
		zap.String("device_type", cfg.DeviceType),
		zap.String("group_id", cfg.GroupID),
	)

	var validator mgmtdevice.Validator
	if cfg.DescriptionPath != "" {
		desc, err := description.Load(cfg.DescriptionPath)
		if err != nil {
			logger.Error("failed to load device description", zap.Error(err))
			return 1
		}
		validator = desc
	}

	client, err := broker.NewMQTTClient(broker.Config{
		Endpoint:         cfg.Broker.Endpoint,
		ClientID:         cfg.DeviceID,
		Auth:             broker.Auth{Username: cfg.Broker.Username, Password: cfg.Broker.Password},
		TLS:              brokerTLS(cfg.Broker),
		ConnectTimeout:   cfg.Broker.ConnectTimeout,
		KeepAlive:        cfg.Broker.KeepAlive,
		MaxReconnectWait: cfg.Broker.MaxReconnectWait,
		InFlightWindow:   cfg.Broker.InFlightWindow,
		QueuedWindow:     cfg.Broker.QueuedWindow,
		CleanSession:     true,
	}, logger)
	if err != nil {
		logger.Error("broker client init failed", zap.Error(err))
		return 1
	}

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), cfg.Broker.StartupTimeout)
	connErr := client.Connect(startupCtx)
	cancelStartup()
	if connErr != nil {
		if errors.Is(connErr, broker.ErrAuthFailed) || errors.Is(connErr, broker.ErrTLSFailed) {
			logger.Error("broker connection fatal", zap.Error(connErr))
			return 1
		}
		logger.Error("broker unreachable past startup retry ceiling", zap.Error(connErr))
		return 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	source := buildSensorSource(*cfg)

	telemetryEngine := telemetrydevice.New(telemetrydevice.Config{
		Namespace: cfg.Broker.TelemetryNS,
		GroupID:   cfg.GroupID,
		NodeID:    cfg.NodeID,
		DeviceID:  cfg.DeviceID,
		Interval:  cfg.TelemetryInterval,
	}, client, source, logger)

	mgmtEngine := mgmtdevice.New(mgmtdevice.Config{
		Prefix:          cfg.Broker.MgmtPrefix,
		DeviceID:        cfg.DeviceID,
		Endpoint:        cfg.Endpoint,
		LifetimeS:       cfg.MgmtLifetimeS,
		ProtocolVersion: cfg.ProtocolVersion,
		BindingMode:     cfg.BindingMode,
		UpdateInterval:  cfg.MgmtInterval,
		BulkMode:        cfg.BulkMode,
		BulkSize:        cfg.BulkSize,
		BulkInterval:    cfg.BulkInterval,
	}, client, nil, validator, logger)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := telemetryEngine.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("telemetry engine stopped unexpectedly", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		if err := mgmtEngine.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("mgmt engine stopped unexpectedly", zap.Error(err))
		}
	}()

	wg.Wait()
	_ = client.Disconnect()
	logger.Info("device process shutdown complete")

	if errors.Is(ctx.Err(), context.Canceled) {
		return 130
	}
	return 0
}

func brokerTLS(b config.Broker) broker.TLSOptions {
	return broker.TLSOptions{
		Enabled:            b.TLS.Enabled,
		CAFile:             b.TLS.CAFile,
		CertFile:           b.TLS.CertFile,
		KeyFile:            b.TLS.KeyFile,
		InsecureSkipVerify: b.TLS.InsecureSkipVerify,
	}
}

// buildSensorSource realizes spec.md §9's unification of the source's
// triple-duplicated simulator variants into one runtime rather than three
// separate device binaries: it always builds the random-walk source and
// wraps it in a BreakerFaultSource when breaker_fault_mode is set.
// device_type does not affect which source is built.
func buildSensorSource(cfg config.Device) telemetrydevice.SensorSource {
	var source telemetrydevice.SensorSource = telemetrydevice.NewRandomWalkSource(
		cfg.Metrics, cfg.RandomWalkInitial, cfg.RandomWalkStep, cfg.RandomWalkSeed,
	)
	if cfg.BreakerFaultMode {
		source = telemetrydevice.NewBreakerFaultSource(source, cfg.BreakerFaultValue)
	}
	return source
}
