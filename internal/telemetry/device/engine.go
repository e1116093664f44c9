// Package device implements the TELEMETRY engine's device side (C4):
// birth emission, the monotonic sequence counter, absolute-deadline
// periodic data emission, and death on shutdown (spec.md §4.4).
package device

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"telemetryfabric/internal/broker"
	"telemetryfabric/internal/telemetry/codec"
	"telemetryfabric/internal/topic"
)

// state is the per-device TELEMETRY lifecycle (spec.md §4.4).
type state int

const (
	stateInit state = iota
	stateAwaitingBroker
	stateRegistered
	statePublishing
	stateDying
	stateDone
)

// Config identifies the device/node/group this engine publishes as.
type Config struct {
	Namespace string // e.g. "spBv1.0"
	GroupID   string
	NodeID    string // edge node id; defaults to DeviceID for a single-device process
	DeviceID  string
	Interval  time.Duration
}

func (c Config) nodeID() string {
	if c.NodeID != "" {
		return c.NodeID
	}
	return c.DeviceID
}

// Engine runs one device's TELEMETRY publishing lifecycle.
type Engine struct {
	cfg    Config
	client broker.Client
	source SensorSource
	logger *zap.Logger

	mu    sync.Mutex
	state state
	seq   byte
}

// New builds an Engine for cfg, publishing metrics sampled from source.
func New(cfg Config, client broker.Client, source SensorSource, logger *zap.Logger) *Engine {
	return &Engine{cfg: cfg, client: client, source: source, logger: logger, state: stateInit}
}

func (e *Engine) dataTopic() string {
	return topic.FormatTelemetryTopic(topic.Telemetry{
		Namespace: e.cfg.Namespace, Group: e.cfg.GroupID, MsgType: topic.DDATA,
		Node: e.cfg.nodeID(), DeviceID: e.cfg.DeviceID,
	})
}

func (e *Engine) birthTopic() string {
	return topic.FormatTelemetryTopic(topic.Telemetry{
		Namespace: e.cfg.Namespace, Group: e.cfg.GroupID, MsgType: topic.DBIRTH,
		Node: e.cfg.nodeID(), DeviceID: e.cfg.DeviceID,
	})
}

func (e *Engine) deathTopic() string {
	return topic.FormatTelemetryTopic(topic.Telemetry{
		Namespace: e.cfg.Namespace, Group: e.cfg.GroupID, MsgType: topic.DDEATH,
		Node: e.cfg.nodeID(), DeviceID: e.cfg.DeviceID,
	})
}

func (e *Engine) cmdTopic() string {
	return topic.FormatTelemetryTopic(topic.Telemetry{
		Namespace: e.cfg.Namespace, Group: e.cfg.GroupID, MsgType: topic.DCMD,
		Node: e.cfg.nodeID(), DeviceID: e.cfg.DeviceID,
	})
}

// nodeCmdTopic is the node-scoped NCMD rebirth channel the host (C5) targets
// per spec.md §4.5; the device also listens on the device-scoped DCMD per
// spec.md §4.4's own wording. Both are honored since the two component
// descriptions name different message types for the same rebirth request.
func (e *Engine) nodeCmdTopic() string {
	return topic.FormatTelemetryTopic(topic.Telemetry{
		Namespace: e.cfg.Namespace, Group: e.cfg.GroupID, MsgType: topic.NCMD,
		Node: e.cfg.nodeID(),
	})
}

// rebirthMetric is the conventional control metric name carried in a
// rebirth request (Sparkplug's "Node Control/Rebirth" convention).
const rebirthMetric = "Node Control/Rebirth"

// Run drives the engine to completion: registers, publishes birth, runs the
// publishing loop until ctx is cancelled, then attempts death emission.
// The caller is responsible for having the broker client already connected;
// Run subscribes for rebirth commands and begins publishing immediately.
func (e *Engine) Run(ctx context.Context) error {
	e.setState(stateAwaitingBroker)

	if err := e.client.Subscribe(e.cmdTopic(), broker.QoS1, e.handleCommand); err != nil {
		return err
	}
	if err := e.client.Subscribe(e.nodeCmdTopic(), broker.QoS1, e.handleCommand); err != nil {
		return err
	}

	e.setState(stateRegistered)
	if err := e.emitBirth(); err != nil {
		e.logger.Error("birth emission failed", zap.Error(err))
		return err
	}

	e.setState(statePublishing)
	err := e.publishLoop(ctx)

	e.setState(stateDying)
	if derr := e.emitDeath(); derr != nil {
		// death emission failure is non-fatal (spec.md §4.4)
		e.logger.Warn("death emission failed", zap.Error(derr))
	}
	e.setState(stateDone)

	return err
}

func (e *Engine) setState(s state) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) emitBirth() error {
	e.mu.Lock()
	e.seq = 0
	metrics := e.source.Birth()
	e.mu.Unlock()

	payload := codec.Payload{Timestamp: time.Now().UnixMilli(), Seq: 0, Metrics: metrics}
	return e.client.Publish(e.birthTopic(), codec.Encode(payload), broker.QoS1, false)
}

func (e *Engine) emitDeath() error {
	e.mu.Lock()
	seq := e.seq
	e.mu.Unlock()

	payload := codec.Payload{Timestamp: time.Now().UnixMilli(), Seq: seq}
	return e.client.Publish(e.deathTopic(), codec.Encode(payload), broker.QoS1, false)
}

// publishLoop runs the absolute-deadline scheduler: next = prevDeadline +
// interval, never a free-running ticker, so a slow handler never causes a
// burst of catch-up publishes (spec.md §4.4, §9).
func (e *Engine) publishLoop(ctx context.Context) error {
	deadline := time.Now()

	for {
		deadline = deadline.Add(e.cfg.Interval)
		wait := time.Until(deadline)
		if wait < 0 {
			// fell behind by more than one interval: skip missed slots, don't burst
			missed := -wait / e.cfg.Interval
			e.logger.Warn("publish scheduler fell behind, skipping slots", zap.Duration("behind", -wait))
			deadline = deadline.Add((missed + 1) * e.cfg.Interval)
			wait = time.Until(deadline)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if err := e.publishData(time.Now()); err != nil {
			e.logger.Warn("data publish failed", zap.Error(err))
		}
	}
}

func (e *Engine) publishData(now time.Time) error {
	e.mu.Lock()
	e.seq++ // byte arithmetic wraps 255 -> 0 (mod 256)
	seq := e.seq
	metrics := e.source.Sample(now)
	e.mu.Unlock()

	payload := codec.Payload{Timestamp: now.UnixMilli(), Seq: seq, Metrics: metrics}
	return e.client.Publish(e.dataTopic(), codec.Encode(payload), broker.QoS0, false)
}

func (e *Engine) handleCommand(msg broker.Message) error {
	p, err := codec.Decode(msg.Payload)
	if err != nil {
		e.logger.Warn("malformed DCMD payload", zap.Error(err))
		return nil
	}

	for _, m := range p.Metrics {
		if m.Name == rebirthMetric && m.Datatype == codec.Boolean && m.BoolValue {
			e.logger.Info("rebirth requested", zap.String("device_id", e.cfg.DeviceID))
			return e.emitBirth()
		}
	}
	return nil
}
