// Package host implements the MGMT engine's host side (C7): a registration
// table with lifetime/liveness expiry, and command dispatch with
// correlation-id response matching (spec.md §4.7).
package host

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"telemetryfabric/internal/broker"
	"telemetryfabric/internal/mgmt"
	"telemetryfabric/internal/resilience"
	"telemetryfabric/internal/topic"
)

// Status mirrors the device record's MGMT-facing status values (spec.md §3).
type Status string

const (
	StatusOnline  Status = "online"
	StatusStale   Status = "stale"
	StatusOffline Status = "offline"
)

// Record is the registration-table entry for one device (spec.md §4.7).
type Record struct {
	DeviceID     string
	Endpoint     string
	LifetimeS    int
	Objects      mgmt.ObjectTree
	Status       Status
	RegisteredAt time.Time
	LastSeen     time.Time
}

// EventType enumerates the lifecycle events this engine emits (spec.md §4.8).
type EventType string

const (
	EventRegistered   EventType = "device_registered"
	EventUpdated      EventType = "device_updated"
	EventDeregistered EventType = "device_deregistered"
	EventResponse     EventType = "command_response"
)

// Event is delivered to the registered sink for every MGMT transition.
type Event struct {
	Type      EventType
	DeviceID  string
	Timestamp time.Time
	Record    Record
}

// Config tunes the host engine.
type Config struct {
	Prefix         string
	LifetimeSweep  time.Duration // default 1s, spec.md §5
	CommandTimeout time.Duration // default 5s, spec.md §4.7
}

// Engine tracks device registrations and dispatches correlated commands.
type Engine struct {
	cfg    Config
	client broker.Client
	sink   func(Event)
	logger *zap.Logger
	cb     *gobreaker.CircuitBreaker

	mu      sync.Mutex
	records map[string]*Record
	pending map[string]chan mgmt.Response
}

// New builds an Engine.
func New(cfg Config, client broker.Client, sink func(Event), logger *zap.Logger) *Engine {
	if cfg.LifetimeSweep <= 0 {
		cfg.LifetimeSweep = time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 5 * time.Second
	}
	return &Engine{
		cfg:     cfg,
		client:  client,
		sink:    sink,
		logger:  logger,
		cb:      resilience.NewCommandBreaker("mgmt-command-dispatch", 5, 30*time.Second),
		records: make(map[string]*Record),
		pending: make(map[string]chan mgmt.Response),
	}
}

// Run subscribes to every MGMT topic under the configured prefix and runs
// the lifetime expiry sweep until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.client.Subscribe(e.cfg.Prefix+"/+/reg", broker.QoS1, e.handleReg); err != nil {
		return err
	}
	if err := e.client.Subscribe(e.cfg.Prefix+"/+/update", broker.QoS1, e.handleUpdate); err != nil {
		return err
	}
	if err := e.client.Subscribe(e.cfg.Prefix+"/+/dereg", broker.QoS1, e.handleDereg); err != nil {
		return err
	}
	if err := e.client.Subscribe(e.cfg.Prefix+"/+/resp/+", broker.QoS1, e.handleResponse); err != nil {
		return err
	}

	ticker := time.NewTicker(e.cfg.LifetimeSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.sweepExpired()
		}
	}
}

func (e *Engine) handleReg(msg broker.Message) error {
	mt, err := topic.ParseMgmtTopic(msg.Topic)
	if err != nil {
		return nil
	}
	var reg mgmt.Registration
	if err := json.Unmarshal(msg.Payload, &reg); err != nil {
		e.logger.Warn("malformed registration", zap.Error(err))
		return nil
	}

	now := time.Now()
	e.mu.Lock()
	rec := &Record{
		DeviceID: mt.DeviceID, Endpoint: reg.Endpoint, LifetimeS: reg.LifetimeS,
		Objects: reg.Objects, Status: StatusOnline, RegisteredAt: now, LastSeen: now,
	}
	e.records[mt.DeviceID] = rec
	e.mu.Unlock()

	e.sink(Event{Type: EventRegistered, DeviceID: mt.DeviceID, Timestamp: now, Record: *rec})
	return e.publishAck(mt.DeviceID, topic.VerbReg, reg.LifetimeS)
}

func (e *Engine) handleUpdate(msg broker.Message) error {
	mt, err := topic.ParseMgmtTopic(msg.Topic)
	if err != nil {
		return nil
	}
	var upd mgmt.Update
	if err := json.Unmarshal(msg.Payload, &upd); err != nil {
		e.logger.Warn("malformed update", zap.Error(err))
		return nil
	}

	now := time.Now()
	e.mu.Lock()
	rec, ok := e.records[mt.DeviceID]
	if !ok {
		rec = &Record{DeviceID: mt.DeviceID, Objects: mgmt.ObjectTree{}, RegisteredAt: now}
		e.records[mt.DeviceID] = rec
	}
	mergeObjects(rec, upd.Objects)
	rec.Status = StatusOnline
	rec.LastSeen = now
	snapshot := *rec
	e.mu.Unlock()

	e.sink(Event{Type: EventUpdated, DeviceID: mt.DeviceID, Timestamp: now, Record: snapshot})
	return e.publishAck(mt.DeviceID, topic.VerbUpdate, rec.LifetimeS)
}

func (e *Engine) handleDereg(msg broker.Message) error {
	mt, err := topic.ParseMgmtTopic(msg.Topic)
	if err != nil {
		return nil
	}

	now := time.Now()
	e.mu.Lock()
	rec, ok := e.records[mt.DeviceID]
	if ok {
		rec.Status = StatusOffline
	}
	e.mu.Unlock()
	if !ok {
		return nil
	}

	e.sink(Event{Type: EventDeregistered, DeviceID: mt.DeviceID, Timestamp: now, Record: *rec})
	return nil
}

func (e *Engine) handleResponse(msg broker.Message) error {
	mt, err := topic.ParseMgmtTopic(msg.Topic)
	if err != nil {
		return nil
	}
	var resp mgmt.Response
	if err := json.Unmarshal(msg.Payload, &resp); err != nil {
		e.logger.Warn("malformed response", zap.Error(err))
		return nil
	}

	e.mu.Lock()
	ch, ok := e.pending[resp.CorrelationID]
	if ok {
		delete(e.pending, resp.CorrelationID)
	}
	e.mu.Unlock()

	if ok {
		ch <- resp
	}

	e.sink(Event{Type: EventResponse, DeviceID: mt.DeviceID, Timestamp: time.Now()})
	return nil
}

// publishAck emits the convenience resp/reg or resp/update acknowledgement
// (supplemented feature grounded on lwm2m-server/server.py's registration
// response echo). Devices are not required to act on it.
func (e *Engine) publishAck(deviceID string, verb topic.MgmtVerb, lifetimeS int) error {
	ack := mgmt.RegistrationAck{Status: mgmt.StatusOK, Location: "/rd/" + deviceID, LifetimeS: lifetimeS}
	body, err := json.Marshal(ack)
	if err != nil {
		return err
	}
	respTopic := topic.FormatMgmtTopic(topic.Mgmt{Prefix: e.cfg.Prefix, DeviceID: deviceID, Verb: topic.VerbResp, Sub: string(verb)})
	return e.client.Publish(respTopic, body, broker.QoS1, false)
}

// SendCommand publishes a command and blocks until the correlated response
// arrives, ctx is cancelled, or CommandTimeout elapses — whichever is
// first. On timeout, the response's Status is mgmt.StatusTimeout
// (spec.md §4.7).
func (e *Engine) SendCommand(ctx context.Context, deviceID string, verb mgmt.CommandVerb, params map[string]interface{}) (mgmt.Response, error) {
	result, err := e.cb.Execute(func() (interface{}, error) {
		return e.sendCommand(ctx, deviceID, verb, params)
	})
	if err != nil {
		return mgmt.Response{}, err
	}
	return result.(mgmt.Response), nil
}

func (e *Engine) sendCommand(ctx context.Context, deviceID string, verb mgmt.CommandVerb, params map[string]interface{}) (mgmt.Response, error) {
	correlationID := uuid.NewString()
	ch := make(chan mgmt.Response, 1)

	e.mu.Lock()
	e.pending[correlationID] = ch
	e.mu.Unlock()

	cleanup := func() {
		e.mu.Lock()
		delete(e.pending, correlationID)
		e.mu.Unlock()
	}

	cmd := mgmt.Command{
		CommandName: string(verb), Parameters: params,
		CorrelationID: correlationID, Timestamp: time.Now().UnixMilli(),
	}
	body, err := json.Marshal(cmd)
	if err != nil {
		cleanup()
		return mgmt.Response{}, err
	}

	cmdTopic := topic.FormatMgmtTopic(topic.Mgmt{Prefix: e.cfg.Prefix, DeviceID: deviceID, Verb: topic.VerbCmd, Sub: string(verb)})
	if err := e.client.Publish(cmdTopic, body, broker.QoS1, false); err != nil {
		cleanup()
		return mgmt.Response{}, err
	}

	timeout := time.NewTimer(e.cfg.CommandTimeout)
	defer timeout.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timeout.C:
		cleanup()
		return mgmt.Response{Status: mgmt.StatusTimeout, CorrelationID: correlationID}, nil
	case <-ctx.Done():
		cleanup()
		return mgmt.Response{}, ctx.Err()
	}
}

// Get returns a snapshot of deviceID's registration record.
func (e *Engine) Get(deviceID string) (Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[deviceID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// sweepExpired marks records stale after lifetime_s without an update, and
// offline after 2x lifetime_s, without ever deleting the record (spec.md
// §4.7). This engine never deletes a record: handleDereg only marks it
// offline and forwards the event, and the registry (C8) performs the
// delete — see DESIGN.md.
func (e *Engine) sweepExpired() {
	now := time.Now()

	e.mu.Lock()
	var toNotify []Event
	for _, rec := range e.records {
		if rec.LifetimeS <= 0 || rec.Status == StatusOffline {
			continue
		}
		age := now.Sub(rec.LastSeen)
		lifetime := time.Duration(rec.LifetimeS) * time.Second

		switch {
		case age > 2*lifetime && rec.Status != StatusOffline:
			rec.Status = StatusOffline
			toNotify = append(toNotify, Event{Type: EventUpdated, DeviceID: rec.DeviceID, Timestamp: now, Record: *rec})
		case age > lifetime && rec.Status == StatusOnline:
			rec.Status = StatusStale
			toNotify = append(toNotify, Event{Type: EventUpdated, DeviceID: rec.DeviceID, Timestamp: now, Record: *rec})
		}
	}
	e.mu.Unlock()

	for _, ev := range toNotify {
		e.sink(ev)
	}
}

func mergeObjects(rec *Record, delta mgmt.ObjectTree) {
	if rec.Objects == nil {
		rec.Objects = mgmt.ObjectTree{}
	}
	for obj, instances := range delta {
		if rec.Objects[obj] == nil {
			rec.Objects[obj] = map[string]map[string]interface{}{}
		}
		for inst, resources := range instances {
			if rec.Objects[obj][inst] == nil {
				rec.Objects[obj][inst] = map[string]interface{}{}
			}
			for res, val := range resources {
				rec.Objects[obj][inst][res] = val
			}
		}
	}
}
