// Package bridge relays inbound broker messages and registry lifecycle
// events onto a durable stream (C9, spec.md §4.9). The durable stream's
// backing system is an external collaborator spec.md §1 treats as
// out-of-scope; this package targets NATS JetStream, the only durable-
// stream client present anywhere in the retrieval pack (see DESIGN.md).
package bridge

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"telemetryfabric/internal/broker"
	"telemetryfabric/internal/registry"
	"telemetryfabric/internal/telemetry/codec"
	"telemetryfabric/internal/topic"
)

// Rule maps one broker topic pattern to a durable-stream subject
// (spec.md §4.9's topic-mapping table).
type Rule struct {
	Pattern string
	Subject string
}

// RegistryEventsSubject is where C8's lifecycle/command events are relayed.
const RegistryEventsSubject = "iot.registry.events"

// DefaultTopicMap is the representative default mapping from spec.md §4.9.
func DefaultTopicMap(namespace, group, mgmtPrefix string) []Rule {
	return []Rule{
		{Pattern: namespace + "/" + group + "/DBIRTH/+", Subject: "iot.telemetry.sparkplug.birth"},
		{Pattern: namespace + "/" + group + "/DDATA/+", Subject: "iot.telemetry.sparkplug.data"},
		{Pattern: namespace + "/" + group + "/DDEATH/+", Subject: "iot.telemetry.sparkplug.death"},
		{Pattern: mgmtPrefix + "/+/reg", Subject: "iot.telemetry.lwm2m.registration"},
		{Pattern: mgmtPrefix + "/+/update", Subject: "iot.telemetry.lwm2m.update"},
	}
}

// Envelope is the durable-stream wire format (spec.md §4.9/§6).
type Envelope struct {
	DeviceID    string      `json:"device_id"`
	SourceTopic string      `json:"source_topic"`
	Timestamp   time.Time   `json:"timestamp"`
	PayloadSize int         `json:"payload_size"`
	Data        interface{} `json:"data"`
}

// Publisher abstracts the durable stream target so the bridge's relay
// logic doesn't depend on a concrete client.
type Publisher interface {
	Publish(subject string, body []byte) error
}

// JetStreamPublisher publishes onto a NATS JetStream stream, creating it on
// first use if it does not already exist.
type JetStreamPublisher struct {
	js nats.JetStreamContext
}

// NewJetStreamPublisher ensures streamName exists (carrying subjects) and
// returns a Publisher bound to it.
func NewJetStreamPublisher(nc *nats.Conn, streamName string, subjects []string) (*JetStreamPublisher, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}
	if _, err := js.StreamInfo(streamName); err != nil {
		if _, err := js.AddStream(&nats.StreamConfig{Name: streamName, Subjects: subjects}); err != nil {
			return nil, err
		}
	}
	return &JetStreamPublisher{js: js}, nil
}

func (p *JetStreamPublisher) Publish(subject string, body []byte) error {
	_, err := p.js.Publish(subject, body)
	return err
}

// Bridge relays broker messages and registry events onto a durable stream.
type Bridge struct {
	client    broker.Client
	publisher Publisher
	topicMap  []Rule
	reg       *registry.Registry
	logger    *zap.Logger
}

// New builds a Bridge. reg may be nil, in which case only broker messages
// (not registry events) are relayed.
func New(client broker.Client, publisher Publisher, topicMap []Rule, reg *registry.Registry, logger *zap.Logger) *Bridge {
	return &Bridge{client: client, publisher: publisher, topicMap: topicMap, reg: reg, logger: logger}
}

// Run subscribes every configured rule and relays registry events until ctx
// is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	for _, rule := range b.topicMap {
		subject := rule.Subject
		if err := b.client.Subscribe(rule.Pattern, broker.QoS1, func(msg broker.Message) error {
			b.relay(subject, msg)
			return nil
		}); err != nil {
			return err
		}
	}

	var events <-chan registry.Event
	if b.reg != nil {
		var cancel func()
		events, cancel = b.reg.SubscribeEvents(registry.Filter{})
		defer cancel()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			b.relayEvent(ev)
		}
	}
}

// relay wraps one inbound broker message in the durable-stream envelope and
// publishes it. A publish failure is logged and otherwise swallowed: a slow
// or unreachable durable-stream consumer must never stall telemetry or
// MGMT ingest (spec.md §7 "a slow integration consumer does not stall
// telemetry ingest").
func (b *Bridge) relay(subject string, msg broker.Message) {
	env := Envelope{SourceTopic: msg.Topic, Timestamp: time.Now(), PayloadSize: len(msg.Payload)}

	if tt, err := topic.ParseTelemetryTopic(msg.Topic); err == nil {
		env.DeviceID = tt.Node
		if tt.DeviceID != "" {
			env.DeviceID = tt.DeviceID
		}
		if p, err := codec.Decode(msg.Payload); err == nil {
			env.Data = p
		} else {
			env.Data = rawPayload(msg.Payload)
		}
	} else if mt, err := topic.ParseMgmtTopic(msg.Topic); err == nil {
		env.DeviceID = mt.DeviceID
		var obj map[string]interface{}
		if err := json.Unmarshal(msg.Payload, &obj); err == nil {
			env.Data = obj
		} else {
			env.Data = rawPayload(msg.Payload)
		}
	} else {
		env.Data = rawPayload(msg.Payload)
	}

	body, err := json.Marshal(env)
	if err != nil {
		b.logger.Warn("envelope marshal failed", zap.String("topic", msg.Topic), zap.Error(err))
		return
	}
	if err := b.publisher.Publish(subject, body); err != nil {
		b.logger.Warn("durable stream publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

func (b *Bridge) relayEvent(ev registry.Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		b.logger.Warn("registry event marshal failed", zap.Error(err))
		return
	}
	if err := b.publisher.Publish(RegistryEventsSubject, body); err != nil {
		b.logger.Warn("durable stream event publish failed", zap.Error(err))
	}
}

func rawPayload(payload []byte) map[string]string {
	return map[string]string{"raw_payload": hex.EncodeToString(payload)}
}
