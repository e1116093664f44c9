// cmd/integration runs the INTEGRATION broker (C11): its own embedded
// host-facing stack (telemetry+mgmt host engines feeding a registry, so the
// broker has a live device view to adapt) plus the HTTP+websocket surface
// server.go exposes to external engineering tools, and optionally a Modbus
// adapter for devices that never speak the MQTT-based protocols at all.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"telemetryfabric/internal/broker"
	"telemetryfabric/internal/config"
	"telemetryfabric/internal/description"
	"telemetryfabric/internal/integration"
	"telemetryfabric/internal/logging"
	mgmthost "telemetryfabric/internal/mgmt/host"
	"telemetryfabric/internal/registry"
	"telemetryfabric/internal/security"
	telemetryhost "telemetryfabric/internal/telemetry/host"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configFile = flag.String("config", "integration.yaml", "Path to integration configuration file")
		logLevel   = flag.String("log-level", "", "Override log_level from config")
	)
	flag.Parse()

	cfg, err := config.LoadIntegration(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 1
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init failed:", err)
		return 1
	}
	defer logger.Sync()

	logger.Info("starting integration process", zap.Int("http_port", cfg.HTTPPort))

	store := description.NewStore()
	for _, path := range cfg.DescriptionPaths {
		if _, err := store.LoadFile(path); err != nil {
			logger.Error("failed to load device description", zap.String("path", path), zap.Error(err))
			return 1
		}
	}

	auth, err := security.NewUserStore(cfg.Users)
	if err != nil {
		logger.Error("failed to build user store", zap.Error(err))
		return 1
	}

	if cfg.Broker.ClientID == "" {
		cfg.Broker.ClientID = "integration-" + uuid.NewString()
	}

	client, err := broker.NewMQTTClient(broker.Config{
		Endpoint:         cfg.Broker.Endpoint,
		ClientID:         cfg.Broker.ClientID,
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

	reg := registry.New(registry.Config{EventQueueSize: 10000, RecentEventsCap: 1000}, logger)

	telemetryEngine := telemetryhost.New(telemetryhost.Config{
		Namespace:   cfg.Broker.TelemetryNS,
		GroupID:     cfg.Broker.TelemetryGroupID,
		StaleAfter:  30 * time.Second,
		SweepPeriod: 1 * time.Second,
	}, client, reg.OnTelemetryEvent, logger)

	mgmtEngine := mgmthost.New(mgmthost.Config{
		Prefix:         cfg.Broker.MgmtPrefix,
		LifetimeSweep:  1 * time.Second,
		CommandTimeout: cfg.CommandTimeout,
	}, client, reg.OnMgmtEvent, logger)

	adapters := []integration.Adapter{integration.NewBrokerAdapter(reg, mgmtEngine)}
	if cfg.Modbus.Enabled {
		adapters = append(adapters, integration.NewModbusAdapter(modbusDevices(cfg.Modbus), cfg.Modbus.Timeout, logger))
	}

	descriptions := integration.NewStoreDescriptionSource(reg, store)
	ib := integration.New(integration.Config{Strict: cfg.StrictParamMode}, descriptions, adapters...)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	if err := ib.Start(ctx); err != nil {
		logger.Error("integration broker start failed", zap.Error(err))
		return 1
	}

	server := integration.NewServer(ib, reg, auth, logger)
	stopBroadcast := server.Run()

	httpServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.HTTPPort), Handler: server.Router()}
	httpErrCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- err
			return
		}
		httpErrCh <- nil
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := telemetryEngine.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("telemetry host engine stopped unexpectedly", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		if err := mgmtEngine.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("mgmt host engine stopped unexpectedly", zap.Error(err))
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("HTTP server stopped unexpectedly", zap.Error(err))
		}
		cancel()
	}

	stopBroadcast()
	_ = httpServer.Close()
	wg.Wait()
	_ = ib.Stop()
	_ = client.Disconnect()
	logger.Info("integration process shutdown complete")

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

func modbusDevices(cfg config.ModbusAdapter) []integration.ModbusDevice {
	out := make([]integration.ModbusDevice, 0, len(cfg.Devices))
	for _, d := range cfg.Devices {
		tags := make([]integration.ModbusTag, 0, len(d.Tags))
		for name, addr := range d.Tags {
			tags = append(tags, integration.ModbusTag{Name: name, Address: addr})
		}
		out = append(out, integration.ModbusDevice{
			DeviceID: d.DeviceID, DeviceType: d.DeviceType,
			Endpoint: d.Endpoint, UnitID: d.UnitID, Tags: tags,
		})
	}
	return out
}
