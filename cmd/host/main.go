// cmd/host runs the host-side stack: the TELEMETRY engine (C5), the MGMT
// engine (C7), the device registry & event fan-out (C8), and the bridge to
// the durable stream (C9), all sharing one broker connection. Process shape
// follows cmd/device's (and ultimately the teacher's cmd/gateway/main.go).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"telemetryfabric/internal/bridge"
	"telemetryfabric/internal/broker"
	"telemetryfabric/internal/config"
	"telemetryfabric/internal/logging"
	mgmthost "telemetryfabric/internal/mgmt/host"
	"telemetryfabric/internal/registry"
	telemetryhost "telemetryfabric/internal/telemetry/host"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configFile = flag.String("config", "host.yaml", "Path to host configuration file")
		logLevel   = flag.String("log-level", "", "Override log_level from config")
	)
	flag.Parse()

	cfg, err := config.LoadHost(*configFile)
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

	logger.Info("starting host process",
		zap.String("namespace", cfg.Broker.TelemetryNS),
		zap.String("group_id", cfg.Broker.TelemetryGroupID),
		zap.String("mgmt_prefix", cfg.Broker.MgmtPrefix),
	)

	if cfg.Broker.ClientID == "" {
		cfg.Broker.ClientID = "host-" + uuid.NewString()
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

	reg := registry.New(registry.Config{
		EventQueueSize:  cfg.EventQueueSize,
		RecentEventsCap: cfg.RecentEventsCap,
	}, logger)

	telemetryEngine := telemetryhost.New(telemetryhost.Config{
		Namespace:   cfg.Broker.TelemetryNS,
		GroupID:     cfg.Broker.TelemetryGroupID,
		StaleAfter:  cfg.TelemetryStaleAfter,
		SweepPeriod: cfg.TelemetrySweep,
	}, client, reg.OnTelemetryEvent, logger)

	mgmtEngine := mgmthost.New(mgmthost.Config{
		Prefix:         cfg.Broker.MgmtPrefix,
		LifetimeSweep:  cfg.LifetimeSweep,
		CommandTimeout: cfg.CommandTimeout,
	}, client, reg.OnMgmtEvent, logger)

	topicMap := streamTopicMap(cfg.Stream, cfg.Broker)
	publisher, err := buildStreamPublisher(cfg.Stream, topicMap, logger)
	if err != nil {
		logger.Error("durable stream connection failed", zap.Error(err))
		return 1
	}

	streamBridge := bridge.New(client, publisher, topicMap, reg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	var metricsServer *http.Server
	if cfg.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: fmt.Sprintf(":%d", cfg.MetricsPort), Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	var wg sync.WaitGroup
	wg.Add(3)
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
	go func() {
		defer wg.Done()
		if err := streamBridge.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("bridge stopped unexpectedly", zap.Error(err))
		}
	}()

	wg.Wait()
	if metricsServer != nil {
		_ = metricsServer.Close()
	}
	_ = client.Disconnect()
	logger.Info("host process shutdown complete")

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

// streamTopicMap builds the bridge's pattern -> subject rules from the
// configured table, expanding its <ns>, <grp> and <prefix> placeholders to
// the broker's telemetry namespace, group id and MGMT prefix, and falls back
// to spec.md §4.9's representative default table when the table is empty.
func streamTopicMap(s config.Stream, b config.Broker) []bridge.Rule {
	if len(s.TopicMap) == 0 {
		return bridge.DefaultTopicMap(b.TelemetryNS, b.TelemetryGroupID, b.MgmtPrefix)
	}
	expand := strings.NewReplacer("<ns>", b.TelemetryNS, "<grp>", b.TelemetryGroupID, "<prefix>", b.MgmtPrefix)
	rules := make([]bridge.Rule, 0, len(s.TopicMap))
	for pattern, subject := range s.TopicMap {
		rules = append(rules, bridge.Rule{Pattern: expand.Replace(pattern), Subject: subject})
	}
	return rules
}

func buildStreamPublisher(s config.Stream, topicMap []bridge.Rule, logger *zap.Logger) (bridge.Publisher, error) {
	subjects := make([]string, 0, len(topicMap)+1)
	for _, r := range topicMap {
		subjects = append(subjects, r.Subject)
	}
	subjects = append(subjects, bridge.RegistryEventsSubject)

	nc, err := nats.Connect(firstOr(s.Servers, nats.DefaultURL))
	if err != nil {
		return nil, fmt.Errorf("connect to durable stream: %w", err)
	}
	streamName := s.Stream
	if streamName == "" {
		streamName = "IOT_TELEMETRY"
	}
	return bridge.NewJetStreamPublisher(nc, streamName, subjects)
}

func firstOr(servers []string, fallback string) string {
	if len(servers) == 0 {
		return fallback
	}
	return servers[0]
}
