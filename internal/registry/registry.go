// Package registry implements the device registry & event fan-out (C8): the
// single authoritative device view merging the TELEMETRY host engine (C5)
// and the MGMT host engine (C7), plus the bounded event queue the bridge
// (C9) drains (spec.md §4.8).
//
// Grounded on spec.md §4.8/§5 directly (no teacher file owns a merged
// device table across two protocol stacks); the bounded-queue/drop-oldest
// fan-out follows the same non-blocking-producer discipline the teacher's
// internal/messaging/mqtt.go message callback and internal/telemetry/host's
// shard-channel enqueue already use elsewhere in this repository.
package registry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"telemetryfabric/internal/mgmt"
	mgmthost "telemetryfabric/internal/mgmt/host"
	"telemetryfabric/internal/telemetry/codec"
	telemetryhost "telemetryfabric/internal/telemetry/host"
)

// Status is the unified device status (spec.md §3).
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusOnline  Status = "online"
	StatusStale   Status = "stale"
	StatusOffline Status = "offline"
	StatusFault   Status = "tripped"
)

// Capability describes one telemetry metric's declared shape, populated
// from the device description (C10) when one is loaded for the device's
// type (spec.md §3 "capabilities").
type Capability struct {
	Type  string
	Units string
	Min   float64
	Max   float64
}

// Device is the merged, authoritative per-device record (spec.md §3).
type Device struct {
	DeviceID      string
	DeviceType    string
	GroupID       string
	Status        Status
	RegisteredAt  time.Time
	LastSeen      time.Time
	BirthTime     time.Time
	DeathTime     time.Time
	TelemetrySeqExpected byte
	MgmtObjects     mgmt.ObjectTree
	TelemetryMetrics map[string]codec.Metric
	Capabilities     map[string]Capability

	telemetrySeen bool // this device has reported at least one TELEMETRY event
	mgmtSeen      bool // this device has reported at least one MGMT event
	telemetryStatus Status
	mgmtStatus      Status
	registeredSent  bool // device_registered has already been emitted once
}

func newDevice(id string) *Device {
	return &Device{
		DeviceID:         id,
		Status:           StatusUnknown,
		MgmtObjects:      mgmt.ObjectTree{},
		TelemetryMetrics: map[string]codec.Metric{},
		telemetryStatus:  StatusUnknown,
		mgmtStatus:       StatusUnknown,
	}
}

// snapshot returns a defensive copy safe to hand to callers outside the lock.
func (d *Device) snapshot() Device {
	cp := *d
	cp.MgmtObjects = cloneObjects(d.MgmtObjects)
	cp.TelemetryMetrics = make(map[string]codec.Metric, len(d.TelemetryMetrics))
	for k, v := range d.TelemetryMetrics {
		cp.TelemetryMetrics[k] = v
	}
	if d.Capabilities != nil {
		cp.Capabilities = make(map[string]Capability, len(d.Capabilities))
		for k, v := range d.Capabilities {
			cp.Capabilities[k] = v
		}
	}
	return cp
}

// recompute derives Status from the two path-level statuses: a device that
// has only ever reported on one path is judged solely on that path; a
// device seen on both paths must be online on both to be considered online
// (spec.md §3 "status = online requires both ... when both paths are
// expected for this device type" — "expected" is read here as "observed at
// least once"; DESIGN.md's C8 section states the same reading).
func (d *Device) recompute() {
	switch {
	case d.telemetrySeen && d.mgmtSeen:
		d.Status = worseOf(d.telemetryStatus, d.mgmtStatus)
	case d.telemetrySeen:
		d.Status = d.telemetryStatus
	case d.mgmtSeen:
		d.Status = d.mgmtStatus
	default:
		d.Status = StatusUnknown
	}
}

func worseOf(a, b Status) Status {
	rank := map[Status]int{StatusOnline: 0, StatusUnknown: 1, StatusStale: 2, StatusFault: 2, StatusOffline: 3}
	if rank[a] >= rank[b] {
		return a
	}
	return b
}

// EventType enumerates the lifecycle events the registry fans out
// (spec.md §4.8).
type EventType string

const (
	EventRegistered   EventType = "device_registered"
	EventUpdated      EventType = "device_updated"
	EventDeregistered EventType = "device_deregistered"
	EventCommandResp  EventType = "command_response"
	EventTelemetryBirth EventType = "telemetry_birth"
	EventTelemetryDeath EventType = "telemetry_death"
)

// Event is one registry-level occurrence, delivered to subscribers and
// relayed onward by the bridge (C9).
type Event struct {
	Type      EventType
	DeviceID  string
	Timestamp time.Time
	Device    Device
}

// Filter narrows SubscribeEvents to a subset of event types; a nil/empty
// Types slice matches everything.
type Filter struct {
	Types []EventType
}

func (f Filter) matches(ev Event) bool {
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == ev.Type {
			return true
		}
	}
	return false
}

// Config tunes the registry's event fan-out.
type Config struct {
	EventQueueSize  int // default 10000, spec.md §4.8
	RecentEventsCap int // default 1000, supplemented feature (DESIGN.md)
}

// Registry is the merged device view. All mutation goes through methods
// that hold mu only for the duration of the in-memory update; event
// delivery to subscribers happens after the lock is released, satisfying
// spec.md §5's "subscribers MUST NOT be invoked while holding the write
// lock".
type Registry struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	devices map[string]*Device

	subMu sync.Mutex
	subs  []*subscriber

	ringMu sync.Mutex
	ring   []Event
	ringAt int

	metrics *Metrics
}

type subscriber struct {
	filter  Filter
	ch      chan Event
	dropped uint64
}

// New builds a Registry.
func New(cfg Config, logger *zap.Logger) *Registry {
	if cfg.EventQueueSize <= 0 {
		cfg.EventQueueSize = 10000
	}
	if cfg.RecentEventsCap <= 0 {
		cfg.RecentEventsCap = 1000
	}
	return &Registry{
		cfg:     cfg,
		logger:  logger,
		devices: make(map[string]*Device),
		ring:    make([]Event, 0, cfg.RecentEventsCap),
		metrics: newMetrics(),
	}
}

// Get returns a snapshot of deviceID's merged record.
func (r *Registry) Get(deviceID string) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return Device{}, false
	}
	return d.snapshot(), true
}

// List returns a snapshot of every device, optionally filtered by status.
func (r *Registry) List(status Status) []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		if status != "" && d.Status != status {
			continue
		}
		out = append(out, d.snapshot())
	}
	return out
}

// SubscribeEvents registers a bounded (size = EventQueueSize), drop-oldest
// channel receiving events matching filter. The returned func unsubscribes
// and closes the channel.
func (r *Registry) SubscribeEvents(filter Filter) (<-chan Event, func()) {
	sub := &subscriber{filter: filter, ch: make(chan Event, r.cfg.EventQueueSize)}

	r.subMu.Lock()
	r.subs = append(r.subs, sub)
	r.subMu.Unlock()

	cancel := func() {
		r.subMu.Lock()
		for i, s := range r.subs {
			if s == sub {
				r.subs = append(r.subs[:i], r.subs[i+1:]...)
				break
			}
		}
		r.subMu.Unlock()
		close(sub.ch)
	}
	return sub.ch, cancel
}

// Recent returns up to n of the most recently emitted events, newest last
// (supplemented feature: lwm2m-server/server.py's recent_events ring
// buffer, see DESIGN.md).
func (r *Registry) Recent(n int) []Event {
	r.ringMu.Lock()
	defer r.ringMu.Unlock()
	if n <= 0 || n > len(r.ring) {
		n = len(r.ring)
	}
	out := make([]Event, n)
	copy(out, r.ring[len(r.ring)-n:])
	return out
}

func (r *Registry) publish(ev Event) {
	r.ringMu.Lock()
	if len(r.ring) >= r.cfg.RecentEventsCap {
		r.ring = r.ring[1:]
	}
	r.ring = append(r.ring, ev)
	r.ringMu.Unlock()

	r.subMu.Lock()
	subs := make([]*subscriber, len(r.subs))
	copy(subs, r.subs)
	r.subMu.Unlock()

	for _, s := range subs {
		if !s.filter.matches(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			// drop-oldest: pop one buffered event, then retry once
			// (spec.md §4.8 "drop-oldest with a counter; never block
			// the producer").
			select {
			case <-s.ch:
				s.dropped++
				r.metrics.eventsDropped.Inc()
			default:
			}
			select {
			case s.ch <- ev:
			default:
			}
		}
	}
}

func (r *Registry) deviceFor(id string) *Device {
	d, ok := r.devices[id]
	if !ok {
		d = newDevice(id)
		r.devices[id] = d
	}
	return d
}

// OnTelemetryEvent is wired as the TELEMETRY host engine's (C5) event sink.
// deviceType/groupID are attached for devices newly discovered this way,
// since C5's NodeState carries no type information of its own.
func (r *Registry) OnTelemetryEvent(ev telemetryhost.Event) {
	var out *Event

	r.mu.Lock()
	d := r.deviceFor(ev.Node)
	oldStatus := d.Status
	d.telemetrySeen = true
	d.LastSeen = ev.Timestamp

	var wasNew bool
	switch ev.Type {
	case telemetryhost.EventBirth:
		d.TelemetryMetrics = cloneMetrics(ev.Metrics)
		d.BirthTime = ev.Timestamp
		d.TelemetrySeqExpected = 1
		d.telemetryStatus = StatusOnline
		wasNew = !d.registeredSent
		d.registeredSent = true
		d.recompute()
		out = &Event{Type: EventTelemetryBirth, DeviceID: ev.Node, Timestamp: ev.Timestamp, Device: d.snapshot()}

	case telemetryhost.EventData:
		for _, m := range ev.Metrics {
			d.TelemetryMetrics[m.Name] = m
		}
		d.TelemetrySeqExpected++ // byte arithmetic wraps 255 -> 0 (mod 256)
		d.telemetryStatus = StatusOnline
		d.recompute()
		out = &Event{Type: EventUpdated, DeviceID: ev.Node, Timestamp: ev.Timestamp, Device: d.snapshot()}

	case telemetryhost.EventStale:
		d.telemetryStatus = StatusStale
		d.recompute()
		out = &Event{Type: EventUpdated, DeviceID: ev.Node, Timestamp: ev.Timestamp, Device: d.snapshot()}

	case telemetryhost.EventDeath:
		d.TelemetryMetrics = map[string]codec.Metric{}
		d.DeathTime = ev.Timestamp
		d.telemetryStatus = StatusOffline
		d.recompute()
		out = &Event{Type: EventTelemetryDeath, DeviceID: ev.Node, Timestamp: ev.Timestamp, Device: d.snapshot()}
	}
	r.metrics.noteTransition(oldStatus, d.Status)
	if wasNew {
		r.metrics.noteRegistration()
	}
	snap := d.snapshot()
	r.mu.Unlock()

	if wasNew {
		r.publish(Event{Type: EventRegistered, DeviceID: ev.Node, Timestamp: ev.Timestamp, Device: snap})
	}
	if out != nil {
		r.publish(*out)
		r.metrics.recordDevice(snap)
	}
}

// OnMgmtEvent is wired as the MGMT host engine's (C7) event sink.
func (r *Registry) OnMgmtEvent(ev mgmthost.Event) {
	switch ev.Type {
	case mgmthost.EventDeregistered:
		r.mu.Lock()
		d, existed := r.devices[ev.DeviceID]
		var oldStatus Status
		if existed {
			oldStatus = d.Status
		}
		delete(r.devices, ev.DeviceID)
		if existed {
			r.metrics.noteTransition(oldStatus, StatusOffline)
		}
		r.mu.Unlock()
		if existed {
			r.publish(Event{Type: EventDeregistered, DeviceID: ev.DeviceID, Timestamp: ev.Timestamp})
		}
		return

	case mgmthost.EventResponse:
		r.publish(Event{Type: EventCommandResp, DeviceID: ev.DeviceID, Timestamp: ev.Timestamp})
		return
	}

	r.mu.Lock()
	d := r.deviceFor(ev.DeviceID)
	oldStatus := d.Status
	d.mgmtSeen = true
	d.LastSeen = ev.Timestamp
	d.MgmtObjects = cloneObjects(ev.Record.Objects)
	if d.RegisteredAt.IsZero() {
		d.RegisteredAt = ev.Record.RegisteredAt
	}
	d.mgmtStatus = Status(ev.Record.Status)
	d.recompute()

	// A reg resend is idempotent (spec.md §8): only the device's first-ever
	// registration or birth fires device_registered; every later reg or
	// update fires device_updated.
	wasNew := ev.Type == mgmthost.EventRegistered && !d.registeredSent
	d.registeredSent = true

	eventType := EventUpdated
	if wasNew {
		eventType = EventRegistered
	}
	out := Event{Type: eventType, DeviceID: ev.DeviceID, Timestamp: ev.Timestamp, Device: d.snapshot()}
	r.metrics.noteTransition(oldStatus, d.Status)
	if wasNew {
		r.metrics.noteRegistration()
	}
	snap := d.snapshot()
	r.mu.Unlock()

	r.publish(out)
	r.metrics.recordDevice(snap)
}

// SetDeviceType records the static identity (type/group) of a device, e.g.
// at process startup for devices configured in advance of first contact.
func (r *Registry) SetDeviceType(deviceID, deviceType, groupID string) {
	r.mu.Lock()
	d := r.deviceFor(deviceID)
	d.DeviceType = deviceType
	d.GroupID = groupID
	r.mu.Unlock()
}

// SetCapabilities attaches description-derived capability metadata (C10) to
// the single device deviceID, creating its record if it is not yet known.
// Other devices of the same type are not updated.
func (r *Registry) SetCapabilities(deviceID string, caps map[string]Capability) {
	r.mu.Lock()
	d := r.deviceFor(deviceID)
	d.Capabilities = caps
	r.mu.Unlock()
}

func cloneObjects(src mgmt.ObjectTree) mgmt.ObjectTree {
	out := make(mgmt.ObjectTree, len(src))
	for obj, instances := range src {
		oi := make(map[string]map[string]interface{}, len(instances))
		for inst, resources := range instances {
			ri := make(map[string]interface{}, len(resources))
			for res, val := range resources {
				ri[res] = val
			}
			oi[inst] = ri
		}
		out[obj] = oi
	}
	return out
}

func cloneMetrics(src map[string]codec.Metric) map[string]codec.Metric {
	out := make(map[string]codec.Metric, len(src))
	for name, m := range src {
		out[name] = m
	}
	return out
}
