package host

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

func (f *fakeClient) deliver(topic string, pattern string, payload []byte) {
	f.mu.Lock()
	h := f.handlers[pattern]
	f.mu.Unlock()
	if h != nil {
		_ = h(broker.Message{Topic: topic, Payload: payload})
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func testConfig() Config {
	return Config{Prefix: "lwm2m", LifetimeSweep: 2 * time.Millisecond, CommandTimeout: 20 * time.Millisecond}
}

func TestHandleRegCreatesOnlineRecordAndAcks(t *testing.T) {
	client := newFakeClient()
	var events []Event
	var mu sync.Mutex
	e := New(testConfig(), client, func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)
	waitFor(t, func() bool { return client.handlers["lwm2m/+/reg"] != nil })

	reg, _ := json.Marshal(mgmt.Registration{Endpoint: "pump-7", LifetimeS: 60, Objects: mgmt.ObjectTree{}})
	client.deliver("lwm2m/pump-7/reg", "lwm2m/+/reg", reg)

	waitFor(t, func() bool { _, ok := e.Get("pump-7"); return ok })
	rec, _ := e.Get("pump-7")
	assert.Equal(t, StatusOnline, rec.Status)
	assert.Equal(t, 60, rec.LifetimeS)

	acks := client.messagesOn("lwm2m/pump-7/resp/reg")
	assert.Len(t, acks, 1)
	var ack mgmt.RegistrationAck
	assert.NoError(t, json.Unmarshal(acks[0].Payload, &ack))
	assert.Equal(t, mgmt.StatusOK, ack.Status)
}

func TestHandleUpdateMergesObjectsWithoutOverwritingUnrelatedResources(t *testing.T) {
	client := newFakeClient()
	e := New(testConfig(), client, func(Event) {}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)
	waitFor(t, func() bool { return client.handlers["lwm2m/+/reg"] != nil })

	reg, _ := json.Marshal(mgmt.Registration{
		Endpoint: "pump-7", LifetimeS: 60,
		Objects: mgmt.ObjectTree{"3303": {"0": {"5700": 21.0, "5701": "C"}}},
	})
	client.deliver("lwm2m/pump-7/reg", "lwm2m/+/reg", reg)
	waitFor(t, func() bool { _, ok := e.Get("pump-7"); return ok })

	upd, _ := json.Marshal(mgmt.Update{DeviceID: "pump-7", Objects: mgmt.ObjectTree{"3303": {"0": {"5700": 22.0}}}})
	client.deliver("lwm2m/pump-7/update", "lwm2m/+/update", upd)

	waitFor(t, func() bool {
		rec, _ := e.Get("pump-7")
		return rec.Objects["3303"]["0"]["5700"] == 22.0
	})
	rec, _ := e.Get("pump-7")
	assert.Equal(t, "C", rec.Objects["3303"]["0"]["5701"]) // unrelated resource retained
}

func TestHandleDeregMarksOfflineWithoutDeletingRecord(t *testing.T) {
	client := newFakeClient()
	var events []Event
	var mu sync.Mutex
	e := New(testConfig(), client, func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)
	waitFor(t, func() bool { return client.handlers["lwm2m/+/reg"] != nil })

	reg, _ := json.Marshal(mgmt.Registration{Endpoint: "pump-7", LifetimeS: 60})
	client.deliver("lwm2m/pump-7/reg", "lwm2m/+/reg", reg)
	waitFor(t, func() bool { _, ok := e.Get("pump-7"); return ok })

	client.deliver("lwm2m/pump-7/dereg", "lwm2m/+/dereg", nil)

	waitFor(t, func() bool { rec, _ := e.Get("pump-7"); return rec.Status == StatusOffline })
	_, stillPresent := e.Get("pump-7")
	assert.True(t, stillPresent)

	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, ev := range events {
		if ev.Type == EventDeregistered {
			found = true
		}
	}
	assert.True(t, found)
}

func TestLifetimeSweepMarksStaleThenOfflineWithoutDeleting(t *testing.T) {
	client := newFakeClient()
	cfg := testConfig()
	e := New(cfg, client, func(Event) {}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)
	waitFor(t, func() bool { return client.handlers["lwm2m/+/reg"] != nil })

	// Real lifetimes are seconds-scale; rather than sleep through them,
	// seed a record directly with an artificially old LastSeen and let the
	// millisecond-scale sweep period cross both thresholds quickly.
	e.mu.Lock()
	e.records["pump-7"] = &Record{
		DeviceID: "pump-7", LifetimeS: 1, Status: StatusOnline,
		RegisteredAt: time.Now().Add(-10 * time.Second), LastSeen: time.Now().Add(-1500 * time.Millisecond),
	}
	e.mu.Unlock()

	waitFor(t, func() bool { rec, _ := e.Get("pump-7"); return rec.Status == StatusStale })

	e.mu.Lock()
	e.records["pump-7"].LastSeen = time.Now().Add(-3 * time.Second)
	e.mu.Unlock()

	waitFor(t, func() bool { rec, _ := e.Get("pump-7"); return rec.Status == StatusOffline })
	_, stillPresent := e.Get("pump-7")
	assert.True(t, stillPresent)
}

func TestSendCommandMatchesCorrelatedResponse(t *testing.T) {
	client := newFakeClient()
	e := New(testConfig(), client, func(Event) {}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)
	waitFor(t, func() bool { return client.handlers["lwm2m/+/resp/+"] != nil })

	done := make(chan mgmt.Response, 1)
	go func() {
		resp, err := e.SendCommand(context.Background(), "pump-7", mgmt.VerbRead, map[string]interface{}{"resource": "5700"})
		assert.NoError(t, err)
		done <- resp
	}()

	waitFor(t, func() bool { return len(client.messagesOn("lwm2m/pump-7/cmd/read")) == 1 })
	cmdMsg := client.messagesOn("lwm2m/pump-7/cmd/read")[0]
	var cmd mgmt.Command
	assert.NoError(t, json.Unmarshal(cmdMsg.Payload, &cmd))
	assert.NotEmpty(t, cmd.CorrelationID)

	resp, _ := json.Marshal(mgmt.Response{CorrelationID: cmd.CorrelationID, Status: mgmt.StatusOK, Result: map[string]interface{}{"value": 21.5}})
	client.deliver("lwm2m/pump-7/resp/read", "lwm2m/+/resp/+", resp)

	select {
	case got := <-done:
		assert.Equal(t, mgmt.StatusOK, got.Status)
		assert.Equal(t, 21.5, got.Result["value"])
	case <-time.After(200 * time.Millisecond):
		t.Fatal("SendCommand did not return")
	}
}

func TestSendCommandTimesOutWithoutResponse(t *testing.T) {
	client := newFakeClient()
	cfg := testConfig()
	cfg.CommandTimeout = 3 * time.Millisecond
	e := New(cfg, client, func(Event) {}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)
	waitFor(t, func() bool { return client.handlers["lwm2m/+/resp/+"] != nil })

	resp, err := e.SendCommand(context.Background(), "silent-device", mgmt.VerbRead, nil)
	assert.NoError(t, err)
	assert.Equal(t, mgmt.StatusTimeout, resp.Status)
}
