// Package config loads YAML configuration for the device, host, and
// integration processes, following the defaults-then-overlay pattern of the
// teacher gateway's cmd/gateway/main.go loadConfig.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Broker holds connection parameters shared by every process that talks to
// the message broker (spec.md §6 "Configuration surface").
type Broker struct {
	Endpoint string `yaml:"endpoint"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	TLS      struct {
		Enabled            bool   `yaml:"enabled"`
		CAFile             string `yaml:"ca_file"`
		CertFile           string `yaml:"cert_file"`
		KeyFile            string `yaml:"key_file"`
		InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	} `yaml:"tls"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	StartupTimeout    time.Duration `yaml:"startup_timeout"`
	KeepAlive         time.Duration `yaml:"keep_alive"`
	MaxReconnectWait  time.Duration `yaml:"max_reconnect_wait"`
	InFlightWindow    int           `yaml:"in_flight_window"`
	QueuedWindow      int           `yaml:"queued_window"`
	WorkerPoolSize    int           `yaml:"worker_pool_size"`
	TelemetryGroupID  string        `yaml:"telemetry_group_id"`
	TelemetryNS       string        `yaml:"telemetry_namespace"`
	MgmtPrefix        string        `yaml:"mgmt_prefix"`
}

// Device is the per-device-process configuration (C4+C6, cmd/device).
type Device struct {
	Broker             Broker        `yaml:"broker"`
	DeviceID           string        `yaml:"device_id"`
	DeviceType         string        `yaml:"device_type"`
	GroupID            string        `yaml:"group_id"`
	NodeID             string        `yaml:"node_id"`
	Endpoint           string        `yaml:"endpoint"`
	ProtocolVersion    string        `yaml:"protocol_version"`
	BindingMode        string        `yaml:"binding_mode"`
	TelemetryInterval  time.Duration `yaml:"telemetry_interval"`
	MgmtInterval       time.Duration `yaml:"mgmt_interval"`
	MgmtLifetimeS      int           `yaml:"mgmt_lifetime_s"`
	BulkMode           bool          `yaml:"bulk_mode"`
	BulkSize           int           `yaml:"bulk_size"`
	BulkInterval       time.Duration `yaml:"bulk_interval"`
	Metrics            []string      `yaml:"metrics"`
	RandomWalkInitial  float64       `yaml:"random_walk_initial"`
	RandomWalkStep     float64       `yaml:"random_walk_step"`
	RandomWalkSeed     int64         `yaml:"random_walk_seed"`
	BreakerFaultMode   bool          `yaml:"breaker_fault_mode"`
	BreakerFaultValue  float64       `yaml:"breaker_fault_value"`
	DescriptionPath    string        `yaml:"description_path"`
	LogLevel           string        `yaml:"log_level"`
}

// Host is the host-stack configuration (C5+C7+C8+C9, cmd/host).
type Host struct {
	Broker              Broker        `yaml:"broker"`
	TelemetryStaleAfter  time.Duration `yaml:"telemetry_stale_after"`
	TelemetrySweep       time.Duration `yaml:"telemetry_sweep"`
	CommandTimeout       time.Duration `yaml:"command_timeout"`
	LifetimeSweep        time.Duration `yaml:"lifetime_sweep"`
	EventQueueSize       int           `yaml:"event_queue_size"`
	RecentEventsCap      int           `yaml:"recent_events_cap"`
	MetricsPort          int           `yaml:"metrics_port"`
	Stream               Stream        `yaml:"stream"`
	LogLevel             string        `yaml:"log_level"`
}

// Stream configures the bridge's durable-stream target (C9).
type Stream struct {
	Servers    []string          `yaml:"servers"`
	Stream     string            `yaml:"stream"`
	TopicMap   map[string]string `yaml:"topic_map"`
}

// Integration is the INTEGRATION broker process configuration (C11, cmd/integration).
type Integration struct {
	Broker             Broker            `yaml:"broker"`
	HTTPPort           int               `yaml:"http_port"`
	DescriptionPaths   []string          `yaml:"description_paths"`
	StrictParamMode    bool              `yaml:"strict_param_mode"`
	CommandTimeout     time.Duration     `yaml:"command_timeout"`
	Modbus             ModbusAdapter     `yaml:"modbus"`
	Users              map[string]string `yaml:"users"`
	LogLevel           string            `yaml:"log_level"`
}

// ModbusAdapter configures the optional Modbus INTEGRATION adapter.
type ModbusAdapter struct {
	Enabled bool                  `yaml:"enabled"`
	Timeout time.Duration         `yaml:"timeout"`
	Devices []ModbusDeviceConfig  `yaml:"devices"`
}

// ModbusDeviceConfig is one statically configured Modbus TCP target.
type ModbusDeviceConfig struct {
	DeviceID   string            `yaml:"device_id"`
	DeviceType string            `yaml:"device_type"`
	Endpoint   string            `yaml:"endpoint"`
	UnitID     byte              `yaml:"unit_id"`
	Tags       map[string]uint16 `yaml:"tags"`
}

func defaultBroker() Broker {
	var b Broker
	b.Endpoint = "tcp://localhost:1883"
	b.ConnectTimeout = 10 * time.Second
	b.StartupTimeout = 60 * time.Second
	b.KeepAlive = 30 * time.Second
	b.MaxReconnectWait = 2 * time.Minute
	b.InFlightWindow = 100
	b.QueuedWindow = 1000
	b.WorkerPoolSize = 4
	b.TelemetryGroupID = "IIoT"
	b.TelemetryNS = "spBv1.0"
	b.MgmtPrefix = "lwm2m"
	return b
}

// LoadDevice reads a Device config from filename, applying defaults first.
func LoadDevice(filename string) (*Device, error) {
	cfg := &Device{
		Broker:            defaultBroker(),
		TelemetryInterval: 1 * time.Second,
		MgmtInterval:      30 * time.Second,
		MgmtLifetimeS:     3600,
		BulkSize:          10,
		BulkInterval:      50 * time.Millisecond,
		ProtocolVersion:   "1.0",
		BindingMode:       "U",
		Metrics:           []string{"Temp", "Humid"},
		RandomWalkInitial: 22.0,
		RandomWalkStep:    0.3,
		RandomWalkSeed:    1,
		BreakerFaultValue: 0,
		LogLevel:          "info",
	}
	if err := overlay(filename, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadHost reads a Host config from filename, applying defaults first.
func LoadHost(filename string) (*Host, error) {
	cfg := &Host{
		Broker:              defaultBroker(),
		TelemetryStaleAfter: 30 * time.Second,
		TelemetrySweep:      1 * time.Second,
		CommandTimeout:      5 * time.Second,
		LifetimeSweep:       1 * time.Second,
		EventQueueSize:      10000,
		RecentEventsCap:     1000,
		MetricsPort:         9091,
		Stream: Stream{
			Servers: []string{"nats://localhost:4222"},
			Stream:  "IOT_TELEMETRY",
			TopicMap: map[string]string{
				"<ns>/<grp>/DBIRTH/+": "iot.telemetry.sparkplug.birth",
				"<ns>/<grp>/DDATA/+":  "iot.telemetry.sparkplug.data",
				"<ns>/<grp>/DDEATH/+": "iot.telemetry.sparkplug.death",
				"<prefix>/+/reg":      "iot.telemetry.lwm2m.registration",
				"<prefix>/+/update":   "iot.telemetry.lwm2m.update",
			},
		},
		LogLevel: "info",
	}
	if err := overlay(filename, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadIntegration reads an Integration config from filename, applying defaults first.
func LoadIntegration(filename string) (*Integration, error) {
	cfg := &Integration{
		Broker:          defaultBroker(),
		HTTPPort:        8090,
		StrictParamMode: true,
		CommandTimeout:  5 * time.Second,
		LogLevel:        "info",
	}
	if err := overlay(filename, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func overlay(filename string, out interface{}) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config %s: %w", filename, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parsing config %s: %w", filename, err)
	}
	return nil
}
