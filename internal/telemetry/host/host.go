// Package host implements the TELEMETRY engine's host side (C5):
// per-edge-node sequence validation, birth-to-state reconstruction, delta
// application, and staleness detection (spec.md §4.5).
package host

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"telemetryfabric/internal/broker"
	"telemetryfabric/internal/telemetry/codec"
	"telemetryfabric/internal/topic"
)

// Status mirrors the device record's telemetry-facing status values
// (spec.md §3).
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusOnline  Status = "online"
	StatusStale   Status = "stale"
	StatusOffline Status = "offline"
)

// NodeState is the reconstructed telemetry view for one edge node
// (spec.md §4.5). Metrics is only ever replaced (birth) or merged-by-name
// (data); a death clears it.
type NodeState struct {
	Node        string
	ExpectedSeq byte
	Status      Status
	Metrics     map[string]codec.Metric
	LastSeen    time.Time
	BirthTime   time.Time
	DeathTime   time.Time
}

// EventType enumerates the lifecycle events this engine emits (spec.md §4.8
// names these; C8 is the consumer).
type EventType string

const (
	EventBirth EventType = "telemetry_birth"
	EventData  EventType = "telemetry_updated"
	EventDeath EventType = "telemetry_death"
	EventStale EventType = "telemetry_stale"
)

// Event is delivered to the registered sink for every telemetry transition.
type Event struct {
	Type      EventType
	Node      string
	Timestamp time.Time
	Metrics   map[string]codec.Metric
}

// Config tunes the host engine.
type Config struct {
	Namespace   string
	GroupID     string
	StaleAfter  time.Duration // default 30s per spec.md §4.5
	SweepPeriod time.Duration // default 1s per spec.md §5
}

// Engine consumes TELEMETRY messages for every node under Namespace/GroupID
// and reconstructs per-node state.
type Engine struct {
	cfg    Config
	client broker.Client
	sink   func(Event)
	logger *zap.Logger

	mu     sync.Mutex
	shards map[string]*shard
}

type shard struct {
	ch    chan broker.Message
	mu    sync.Mutex // guards state against the sweep goroutine; the shard goroutine is otherwise its sole writer
	state *NodeState
}

// New builds an Engine. sink receives every emitted Event; it must not
// block (spec.md §4.8 "subscribers MUST not be invoked while holding the
// write lock" — here sink runs on the per-node shard goroutine, so a slow
// sink only delays that one node).
func New(cfg Config, client broker.Client, sink func(Event), logger *zap.Logger) *Engine {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Second
	}
	if cfg.SweepPeriod <= 0 {
		cfg.SweepPeriod = time.Second
	}
	return &Engine{cfg: cfg, client: client, sink: sink, logger: logger, shards: make(map[string]*shard)}
}

// Run subscribes to every TELEMETRY message under the configured namespace
// and group, and runs the staleness sweep until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	pattern := e.cfg.Namespace + "/" + e.cfg.GroupID + "/#"
	if err := e.client.Subscribe(pattern, broker.QoS1, e.enqueue); err != nil {
		return err
	}

	ticker := time.NewTicker(e.cfg.SweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.sweepStale()
		}
	}
}

// enqueue is the broker subscription callback: it only routes the message
// to its node's shard channel, keeping the callback itself fast so the
// shard goroutine — not the broker facade's generic worker pool — is what
// owns per-node message ordering (spec.md §5).
func (e *Engine) enqueue(msg broker.Message) error {
	tt, err := topic.ParseTelemetryTopic(msg.Topic)
	if err != nil {
		return nil // not a TELEMETRY topic this engine understands
	}

	sh := e.shardFor(tt.Node)
	select {
	case sh.ch <- msg:
	default:
		e.logger.Warn("telemetry shard queue full, dropping message", zap.String("node", tt.Node))
	}
	return nil
}

func (e *Engine) shardFor(node string) *shard {
	e.mu.Lock()
	defer e.mu.Unlock()

	sh, ok := e.shards[node]
	if ok {
		return sh
	}

	sh = &shard{
		ch:    make(chan broker.Message, 256),
		state: &NodeState{Node: node, Status: StatusUnknown, Metrics: map[string]codec.Metric{}},
	}
	e.shards[node] = sh
	go e.runShard(sh)
	return sh
}

func (e *Engine) runShard(sh *shard) {
	for msg := range sh.ch {
		e.handle(sh, msg)
	}
}

func (e *Engine) handle(sh *shard, msg broker.Message) {
	tt, err := topic.ParseTelemetryTopic(msg.Topic)
	if err != nil {
		return
	}

	p, err := codec.Decode(msg.Payload)
	if err != nil {
		e.logger.Warn("malformed telemetry payload", zap.String("node", tt.Node), zap.Error(err))
		return
	}

	now := time.Now()
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st := sh.state

	switch tt.MsgType {
	case topic.DBIRTH:
		st.Metrics = metricsByName(p.Metrics)
		st.ExpectedSeq = 1
		st.Status = StatusOnline
		st.BirthTime = now
		st.LastSeen = now
		e.emit(sh, Event{Type: EventBirth, Node: tt.Node, Timestamp: now, Metrics: cloneMetrics(st.Metrics)})

	case topic.DDATA:
		if p.Seq != st.ExpectedSeq {
			st.Status = StatusStale
			e.logger.Warn("sequence gap, requesting rebirth",
				zap.String("node", tt.Node), zap.Uint8("expected", st.ExpectedSeq), zap.Uint8("got", p.Seq))
			e.emit(sh, Event{Type: EventStale, Node: tt.Node, Timestamp: now})
			if err := e.requestRebirth(tt.Node); err != nil {
				e.logger.Warn("rebirth request publish failed", zap.Error(err))
			}
			return
		}

		mergeMetrics(st.Metrics, p.Metrics)
		st.ExpectedSeq = p.Seq + 1 // byte arithmetic wraps 255 -> 0 (mod 256)
		st.Status = StatusOnline
		st.LastSeen = now
		e.emit(sh, Event{Type: EventData, Node: tt.Node, Timestamp: now, Metrics: cloneMetrics(st.Metrics)})

	case topic.DDEATH:
		st.Metrics = map[string]codec.Metric{}
		st.Status = StatusOffline
		st.DeathTime = now
		e.emit(sh, Event{Type: EventDeath, Node: tt.Node, Timestamp: now})
	}
}

// Get returns a snapshot of node's reconstructed state, or false if the
// engine has never seen a message for that node.
func (e *Engine) Get(node string) (NodeState, bool) {
	e.mu.Lock()
	sh, ok := e.shards[node]
	e.mu.Unlock()
	if !ok {
		return NodeState{}, false
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	return NodeState{
		Node:        sh.state.Node,
		ExpectedSeq: sh.state.ExpectedSeq,
		Status:      sh.state.Status,
		Metrics:     cloneMetrics(sh.state.Metrics),
		LastSeen:    sh.state.LastSeen,
		BirthTime:   sh.state.BirthTime,
		DeathTime:   sh.state.DeathTime,
	}, true
}

func (e *Engine) requestRebirth(node string) error {
	rebirthPayload := codec.Payload{
		Timestamp: time.Now().UnixMilli(),
		Metrics:   []codec.Metric{{Name: "Node Control/Rebirth", Datatype: codec.Boolean, BoolValue: true}},
	}
	nodeCmdTopic := topic.FormatTelemetryTopic(topic.Telemetry{
		Namespace: e.cfg.Namespace, Group: e.cfg.GroupID, MsgType: topic.NCMD, Node: node,
	})
	return e.client.Publish(nodeCmdTopic, codec.Encode(rebirthPayload), broker.QoS1, false)
}

func (e *Engine) emit(sh *shard, ev Event) {
	if e.sink != nil {
		e.sink(ev)
	}
	_ = sh
}

// sweepStale evaluates every known node's last-seen time against
// StaleAfter (spec.md §4.5, §5 "evaluated lazily on ... a low-frequency
// sweep").
func (e *Engine) sweepStale() {
	e.mu.Lock()
	shards := make([]*shard, 0, len(e.shards))
	for _, sh := range e.shards {
		shards = append(shards, sh)
	}
	e.mu.Unlock()

	now := time.Now()
	for _, sh := range shards {
		sh.mu.Lock()
		st := sh.state
		stale := st.Status == StatusOnline && now.Sub(st.LastSeen) > e.cfg.StaleAfter
		if stale {
			st.Status = StatusStale
		}
		sh.mu.Unlock()

		if stale {
			e.emit(sh, Event{Type: EventStale, Node: st.Node, Timestamp: now})
		}
	}
}

func metricsByName(metrics []codec.Metric) map[string]codec.Metric {
	out := make(map[string]codec.Metric, len(metrics))
	for _, m := range metrics {
		out[m.Name] = m
	}
	return out
}

func mergeMetrics(dst map[string]codec.Metric, delta []codec.Metric) {
	for _, m := range delta {
		dst[m.Name] = m
	}
}

func cloneMetrics(src map[string]codec.Metric) map[string]codec.Metric {
	out := make(map[string]codec.Metric, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
