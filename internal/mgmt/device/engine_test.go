package device

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"telemetryfabric/internal/broker"
	"telemetryfabric/internal/mgmt"
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

func (f *fakeClient) messagesOn(topic string) []broker.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []broker.Message
	for _, m := range f.published {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeClient) handlerFor(pattern string) broker.Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[pattern]
}

func testConfig() Config {
	return Config{
		Prefix: "lwm2m", DeviceID: "pump-7", Endpoint: "pump-7", LifetimeS: 60,
		ProtocolVersion: "1.1", BindingMode: "U", UpdateInterval: 5 * time.Millisecond,
	}
}

func TestEngineRegistersOnRun(t *testing.T) {
	client := newFakeClient()
	e := New(testConfig(), client, nil, nil, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Millisecond)
	defer cancel()
	_ = e.Run(ctx)

	regs := client.messagesOn(e.regTopic())
	assert.Len(t, regs, 1)
	var reg mgmt.Registration
	assert.NoError(t, json.Unmarshal(regs[0].Payload, &reg))
	assert.Equal(t, 60, reg.LifetimeS)
}

func TestEngineSingleUpdateMode(t *testing.T) {
	client := newFakeClient()
	cfg := testConfig()
	cfg.UpdateInterval = 3 * time.Millisecond
	e := New(cfg, client, nil, nil, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 17*time.Millisecond)
	defer cancel()
	_ = e.Run(ctx)

	updates := client.messagesOn(e.updateTopic())
	assert.GreaterOrEqual(t, len(updates), 3)
}

func TestEngineBulkModePreservesOrder(t *testing.T) {
	client := newFakeClient()
	cfg := testConfig()
	cfg.BulkMode = true
	cfg.BulkSize = 3
	cfg.UpdateInterval = 2 * time.Millisecond
	cfg.BulkInterval = time.Second // large so size threshold triggers first
	e := New(cfg, client, nil, nil, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_ = e.Run(ctx)

	bulks := client.messagesOn(e.bulkTopic())
	assert.NotEmpty(t, bulks)
	var envelope mgmt.BulkEnvelope
	assert.NoError(t, json.Unmarshal(bulks[0].Payload, &envelope))
	assert.Equal(t, 3, envelope.Count)
	assert.Len(t, envelope.BulkOperations, 3)
	for i := 1; i < len(envelope.BulkOperations); i++ {
		assert.LessOrEqual(t, envelope.BulkOperations[i-1].Timestamp, envelope.BulkOperations[i].Timestamp,
			"bulk operations keep the order they were buffered in")
	}
}

func TestHandleCommandWriteThenRead(t *testing.T) {
	client := newFakeClient()
	e := New(testConfig(), client, nil, nil, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	go func() { _ = e.Run(ctx) }()
	time.Sleep(2 * time.Millisecond)

	h := client.handlerFor(e.cmdPattern())
	assert.NotNil(t, h)

	writeCmd, _ := json.Marshal(mgmt.Command{
		CommandName:   "write",
		Parameters:    map[string]interface{}{"object": "3", "instance": "0", "resource": "1", "value": "hello"},
		CorrelationID: "abc",
	})
	writeTopic := "lwm2m/pump-7/cmd/write"
	assert.NoError(t, h(broker.Message{Topic: writeTopic, Payload: writeCmd}))

	resps := client.messagesOn(e.respTopic("write"))
	assert.Len(t, resps, 1)
	var resp mgmt.Response
	assert.NoError(t, json.Unmarshal(resps[0].Payload, &resp))
	assert.Equal(t, mgmt.StatusOK, resp.Status)
	assert.Equal(t, "abc", resp.CorrelationID)

	readCmd, _ := json.Marshal(mgmt.Command{
		Parameters:    map[string]interface{}{"object": "3", "instance": "0", "resource": "1"},
		CorrelationID: "def",
	})
	readTopic := "lwm2m/pump-7/cmd/read"
	assert.NoError(t, h(broker.Message{Topic: readTopic, Payload: readCmd}))

	readResps := client.messagesOn(e.respTopic("read"))
	assert.Len(t, readResps, 1)
	var readResp mgmt.Response
	assert.NoError(t, json.Unmarshal(readResps[0].Payload, &readResp))
	assert.Equal(t, mgmt.StatusOK, readResp.Status)
	assert.Equal(t, "hello", readResp.Result["value"])
}

func TestHandleConfigureRejectsNonWritable(t *testing.T) {
	client := newFakeClient()
	validator := denyAllValidator{}
	e := New(testConfig(), client, nil, validator, zap.NewNop())

	resp := e.dispatch(mgmt.VerbConfigure, mgmt.Command{Parameters: map[string]interface{}{"gain": 2}})
	assert.Equal(t, mgmt.StatusError, resp.Status)
}

type denyAllValidator struct{}

func (denyAllValidator) IsWritable(string) bool { return false }
