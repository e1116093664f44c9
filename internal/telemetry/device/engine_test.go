package device

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"telemetryfabric/internal/broker"
	"telemetryfabric/internal/telemetry/codec"
)

type fakeClient struct {
	mu        sync.Mutex
	published []broker.Message
	handlers  map[string]broker.Handler
}

func newFakeClient() *fakeClient {
	return &fakeClient{handlers: make(map[string]broker.Handler)}
}

func (f *fakeClient) Connect(context.Context) error { return nil }
func (f *fakeClient) Disconnect() error              { return nil }
func (f *fakeClient) IsConnected() bool              { return true }

func (f *fakeClient) Subscribe(pattern string, _ broker.QoS, handler broker.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[pattern] = handler
	return nil
}

func (f *fakeClient) Unsubscribe(pattern string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, pattern)
	return nil
}

func (f *fakeClient) Publish(topic string, payload []byte, _ broker.QoS, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, broker.Message{Topic: topic, Payload: payload})
	return nil
}

func (f *fakeClient) OnStateChange(func(broker.StateChange)) {}

func (f *fakeClient) messagesOn(topic string) []codec.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []codec.Payload
	for _, m := range f.published {
		if m.Topic == topic {
			p, err := codec.Decode(m.Payload)
			if err == nil {
				out = append(out, p)
			}
		}
	}
	return out
}

func (f *fakeClient) deliver(topic string, payload []byte) {
	f.mu.Lock()
	h := f.handlers[topic]
	f.mu.Unlock()
	if h != nil {
		_ = h(broker.Message{Topic: topic, Payload: payload})
	}
}

func testConfig() Config {
	return Config{Namespace: "spBv1.0", GroupID: "IIoT", DeviceID: "pump-7", Interval: 10 * time.Millisecond}
}

func TestEngineEmitsBirthBeforePublishing(t *testing.T) {
	client := newFakeClient()
	source := NewRandomWalkSource([]string{"temp/c"}, 20.0, 0.1, 1)
	e := New(testConfig(), client, source, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()
	_ = e.Run(ctx)

	births := client.messagesOn(e.birthTopic())
	assert.Len(t, births, 1)
	assert.Equal(t, byte(0), births[0].Seq)
}

func TestEngineSequenceIncrementsFromBirth(t *testing.T) {
	client := newFakeClient()
	source := NewRandomWalkSource([]string{"temp/c"}, 20.0, 0.1, 1)
	e := New(Config{Namespace: "spBv1.0", GroupID: "IIoT", DeviceID: "pump-7", Interval: 5 * time.Millisecond}, client, source, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 27*time.Millisecond)
	defer cancel()
	_ = e.Run(ctx)

	data := client.messagesOn(e.dataTopic())
	assert.NotEmpty(t, data)
	for i, p := range data {
		assert.Equal(t, byte(i+1), p.Seq)
	}
}

func TestEngineEmitsDeathOnShutdown(t *testing.T) {
	client := newFakeClient()
	source := NewRandomWalkSource([]string{"temp/c"}, 20.0, 0.1, 1)
	e := New(testConfig(), client, source, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Millisecond)
	defer cancel()
	_ = e.Run(ctx)

	deaths := client.messagesOn(e.deathTopic())
	assert.Len(t, deaths, 1)
}

func TestEngineRebirthResetsSequence(t *testing.T) {
	client := newFakeClient()
	source := NewRandomWalkSource([]string{"temp/c"}, 20.0, 0.1, 1)
	e := New(Config{Namespace: "spBv1.0", GroupID: "IIoT", DeviceID: "pump-7", Interval: 5 * time.Millisecond}, client, source, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = e.Run(ctx)
		close(done)
	}()

	time.Sleep(12 * time.Millisecond)
	rebirthPayload := codec.Encode(codec.Payload{
		Metrics: []codec.Metric{{Name: rebirthMetric, Datatype: codec.Boolean, BoolValue: true}},
	})
	client.deliver(e.cmdTopic(), rebirthPayload)

	<-done

	births := client.messagesOn(e.birthTopic())
	assert.GreaterOrEqual(t, len(births), 2)
	for _, b := range births {
		assert.Equal(t, byte(0), b.Seq)
	}
}
