package host

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
	handler   broker.Handler
}

func (f *fakeClient) Connect(context.Context) error { return nil }
func (f *fakeClient) Disconnect() error              { return nil }
func (f *fakeClient) IsConnected() bool              { return true }

func (f *fakeClient) Subscribe(_ string, _ broker.QoS, handler broker.Handler) error {
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
	return nil
}
func (f *fakeClient) Unsubscribe(string) error { return nil }

func (f *fakeClient) Publish(topic string, payload []byte, _ broker.QoS, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, broker.Message{Topic: topic, Payload: payload})
	return nil
}

func (f *fakeClient) OnStateChange(func(broker.StateChange)) {}

func (f *fakeClient) deliver(topic string, payload []byte) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	_ = h(broker.Message{Topic: topic, Payload: payload})
}

func (f *fakeClient) publishedOn(topic string) []broker.Message {
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

func TestBirthReplacesSchemaAndSetsExpectedSeqOne(t *testing.T) {
	client := &fakeClient{}
	var events []Event
	var mu sync.Mutex
	e := New(Config{Namespace: "spBv1.0", GroupID: "IIoT"}, client, func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)
	waitFor(t, func() bool { client.mu.Lock(); defer client.mu.Unlock(); return client.handler != nil })

	birth := codec.Encode(codec.Payload{Seq: 0, Metrics: []codec.Metric{
		{Name: "temp/c", Datatype: codec.Float64, FloatValue: 20.0},
	}})
	client.deliver("spBv1.0/IIoT/DBIRTH/edge-01/pump-7", birth)

	waitFor(t, func() bool { _, ok := e.Get("edge-01"); return ok })
	st, _ := e.Get("edge-01")
	assert.Equal(t, byte(1), st.ExpectedSeq)
	assert.Equal(t, StatusOnline, st.Status)
	assert.Contains(t, st.Metrics, "temp/c")
}

func TestDataWithCorrectSeqMergesAndAdvances(t *testing.T) {
	client := &fakeClient{}
	e := New(Config{Namespace: "spBv1.0", GroupID: "IIoT"}, client, func(Event) {}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)
	waitFor(t, func() bool { client.mu.Lock(); defer client.mu.Unlock(); return client.handler != nil })

	birth := codec.Encode(codec.Payload{Seq: 0, Metrics: []codec.Metric{
		{Name: "temp/c", Datatype: codec.Float64, FloatValue: 20.0},
		{Name: "status/ok", Datatype: codec.Boolean, BoolValue: true},
	}})
	client.deliver("spBv1.0/IIoT/DBIRTH/edge-01/pump-7", birth)
	waitFor(t, func() bool { _, ok := e.Get("edge-01"); return ok })

	data := codec.Encode(codec.Payload{Seq: 1, Metrics: []codec.Metric{
		{Name: "temp/c", Datatype: codec.Float64, FloatValue: 21.0},
	}})
	client.deliver("spBv1.0/IIoT/DDATA/edge-01/pump-7", data)

	waitFor(t, func() bool { st, _ := e.Get("edge-01"); return st.ExpectedSeq == 2 })
	st, _ := e.Get("edge-01")
	assert.Equal(t, 21.0, st.Metrics["temp/c"].FloatValue)
	assert.True(t, st.Metrics["status/ok"].BoolValue) // unreferenced metric retains previous value
}

func TestSequenceGapMarksStaleAndRequestsRebirth(t *testing.T) {
	client := &fakeClient{}
	e := New(Config{Namespace: "spBv1.0", GroupID: "IIoT"}, client, func(Event) {}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)
	waitFor(t, func() bool { client.mu.Lock(); defer client.mu.Unlock(); return client.handler != nil })

	birth := codec.Encode(codec.Payload{Seq: 0})
	client.deliver("spBv1.0/IIoT/DBIRTH/edge-01/pump-7", birth)
	waitFor(t, func() bool { _, ok := e.Get("edge-01"); return ok })

	gapped := codec.Encode(codec.Payload{Seq: 5}) // expected 1
	client.deliver("spBv1.0/IIoT/DDATA/edge-01/pump-7", gapped)

	waitFor(t, func() bool { st, _ := e.Get("edge-01"); return st.Status == StatusStale })

	rebirthTopic := "spBv1.0/IIoT/NCMD/edge-01"
	waitFor(t, func() bool { return len(client.publishedOn(rebirthTopic)) > 0 })
}

func TestDeathClearsMetricsAndSetsOffline(t *testing.T) {
	client := &fakeClient{}
	e := New(Config{Namespace: "spBv1.0", GroupID: "IIoT"}, client, func(Event) {}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)
	waitFor(t, func() bool { client.mu.Lock(); defer client.mu.Unlock(); return client.handler != nil })

	birth := codec.Encode(codec.Payload{Seq: 0, Metrics: []codec.Metric{{Name: "temp/c", Datatype: codec.Float64, FloatValue: 1}}})
	client.deliver("spBv1.0/IIoT/DBIRTH/edge-01/pump-7", birth)
	waitFor(t, func() bool { _, ok := e.Get("edge-01"); return ok })

	death := codec.Encode(codec.Payload{Seq: 1})
	client.deliver("spBv1.0/IIoT/DDEATH/edge-01/pump-7", death)

	waitFor(t, func() bool { st, _ := e.Get("edge-01"); return st.Status == StatusOffline })
	st, _ := e.Get("edge-01")
	assert.Empty(t, st.Metrics)
}

func TestStalenessSweepMarksQuietNodeStale(t *testing.T) {
	client := &fakeClient{}
	e := New(Config{Namespace: "spBv1.0", GroupID: "IIoT", StaleAfter: 5 * time.Millisecond, SweepPeriod: 2 * time.Millisecond}, client, func(Event) {}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)
	waitFor(t, func() bool { client.mu.Lock(); defer client.mu.Unlock(); return client.handler != nil })

	birth := codec.Encode(codec.Payload{Seq: 0})
	client.deliver("spBv1.0/IIoT/DBIRTH/edge-01/pump-7", birth)
	waitFor(t, func() bool { _, ok := e.Get("edge-01"); return ok })

	waitFor(t, func() bool { st, _ := e.Get("edge-01"); return st.Status == StatusStale })
}
