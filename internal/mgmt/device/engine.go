// Package device implements the MGMT engine's device side (C6):
// registration, periodic update (single or bulk), and command intake
// (spec.md §4.6).
package device

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"telemetryfabric/internal/broker"
	"telemetryfabric/internal/mgmt"
	"telemetryfabric/internal/topic"
)

// Validator checks whether a parameter name may be set via a configure
// command (spec.md §4.10 is_writable, injected from the description
// loader). A nil Validator permits every parameter.
type Validator interface {
	IsWritable(name string) bool
}

// CommandHandler executes a domain-specific command verb not covered by the
// built-in read/write/execute/configure/get_configuration set (spec.md
// §4.6 "semantic operation commands ... dispatched to a registered
// handler").
type CommandHandler func(params map[string]interface{}) (map[string]interface{}, error)

// Config is the per-device MGMT configuration (spec.md §4.6).
type Config struct {
	Prefix          string
	DeviceID        string
	Endpoint        string
	LifetimeS       int
	ProtocolVersion string
	BindingMode     string
	UpdateInterval  time.Duration
	BulkMode        bool
	BulkSize        int
	BulkInterval    time.Duration
}

// Engine runs one device's MGMT registration/update/command lifecycle.
type Engine struct {
	cfg       Config
	client    broker.Client
	validator Validator
	logger    *zap.Logger

	mu       sync.Mutex
	objects  mgmt.ObjectTree
	bulkBuf  []mgmt.BulkOperation
	handlers map[string]CommandHandler
}

// New builds an Engine publishing as cfg.DeviceID, with initial object
// tree objects.
func New(cfg Config, client broker.Client, objects mgmt.ObjectTree, validator Validator, logger *zap.Logger) *Engine {
	if objects == nil {
		objects = mgmt.ObjectTree{}
	}
	return &Engine{
		cfg:       cfg,
		client:    client,
		validator: validator,
		logger:    logger,
		objects:   objects,
		handlers:  make(map[string]CommandHandler),
	}
}

// RegisterHandler installs a handler for a domain-specific command verb
// (e.g. "trip", "close", "reset").
func (e *Engine) RegisterHandler(verb string, h CommandHandler) {
	e.mu.Lock()
	e.handlers[verb] = h
	e.mu.Unlock()
}

// ApplyDelta merges delta into the device's object tree, for callers that
// drive MGMT state from telemetry or simulated config changes.
func (e *Engine) ApplyDelta(delta mgmt.ObjectTree) {
	e.mu.Lock()
	mergeObjects(e.objects, delta)
	e.mu.Unlock()
}

func (e *Engine) regTopic() string {
	return topic.FormatMgmtTopic(topic.Mgmt{Prefix: e.cfg.Prefix, DeviceID: e.cfg.DeviceID, Verb: topic.VerbReg})
}

func (e *Engine) updateTopic() string {
	return topic.FormatMgmtTopic(topic.Mgmt{Prefix: e.cfg.Prefix, DeviceID: e.cfg.DeviceID, Verb: topic.VerbUpdate})
}

func (e *Engine) bulkTopic() string {
	return topic.FormatMgmtTopic(topic.Mgmt{Prefix: e.cfg.Prefix, DeviceID: e.cfg.DeviceID, Verb: topic.VerbBulk})
}

func (e *Engine) cmdPattern() string {
	return topic.FormatMgmtTopic(topic.Mgmt{Prefix: e.cfg.Prefix, DeviceID: e.cfg.DeviceID, Verb: topic.VerbCmd, Sub: "+"})
}

func (e *Engine) respTopic(sub string) string {
	return topic.FormatMgmtTopic(topic.Mgmt{Prefix: e.cfg.Prefix, DeviceID: e.cfg.DeviceID, Verb: topic.VerbResp, Sub: sub})
}

// Run registers the device, subscribes for commands, and runs the periodic
// update loop until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.register(); err != nil {
		return err
	}
	if err := e.client.Subscribe(e.cmdPattern(), broker.QoS1, e.handleCommand); err != nil {
		return err
	}
	return e.updateLoop(ctx)
}

func (e *Engine) register() error {
	e.mu.Lock()
	reg := mgmt.Registration{
		Endpoint:        e.cfg.Endpoint,
		LifetimeS:       e.cfg.LifetimeS,
		ProtocolVersion: e.cfg.ProtocolVersion,
		BindingMode:     e.cfg.BindingMode,
		Objects:         cloneObjects(e.objects),
	}
	e.mu.Unlock()

	body, err := json.Marshal(reg)
	if err != nil {
		return err
	}
	return e.client.Publish(e.regTopic(), body, broker.QoS1, false)
}

func (e *Engine) updateLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.UpdateInterval)
	defer ticker.Stop()

	var bulkDeadline <-chan time.Time
	if e.cfg.BulkMode {
		t := time.NewTicker(e.cfg.BulkInterval)
		defer t.Stop()
		bulkDeadline = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if e.cfg.BulkMode {
				e.bufferUpdate()
				if e.bulkReady() {
					if err := e.flushBulk(); err != nil {
						e.logger.Warn("bulk flush failed", zap.Error(err))
					}
				}
			} else if err := e.publishUpdate(); err != nil {
				e.logger.Warn("update publish failed", zap.Error(err))
			}
		case <-bulkDeadline:
			if err := e.flushBulk(); err != nil {
				e.logger.Warn("bulk flush failed", zap.Error(err))
			}
		}
	}
}

func (e *Engine) publishUpdate() error {
	e.mu.Lock()
	upd := mgmt.Update{DeviceID: e.cfg.DeviceID, Objects: cloneObjects(e.objects), Timestamp: time.Now().UnixMilli()}
	e.mu.Unlock()

	body, err := json.Marshal(upd)
	if err != nil {
		return err
	}
	return e.client.Publish(e.updateTopic(), body, broker.QoS1, false)
}

func (e *Engine) bufferUpdate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bulkBuf = append(e.bulkBuf, mgmt.BulkOperation{Objects: cloneObjects(e.objects), Timestamp: time.Now().UnixMilli()})
}

func (e *Engine) bulkReady() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	size := e.cfg.BulkSize
	if size <= 0 {
		size = 10
	}
	return len(e.bulkBuf) >= size
}

// flushBulk emits whatever is buffered, preserving operation order within
// the batch (spec.md §4.6), and is a no-op if the buffer is empty.
func (e *Engine) flushBulk() error {
	e.mu.Lock()
	if len(e.bulkBuf) == 0 {
		e.mu.Unlock()
		return nil
	}
	ops := e.bulkBuf
	e.bulkBuf = nil
	e.mu.Unlock()

	envelope := mgmt.BulkEnvelope{
		DeviceID:       e.cfg.DeviceID,
		BulkSize:       len(ops),
		Count:          len(ops),
		BulkOperations: ops,
		Timestamp:      time.Now().UnixMilli(),
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return e.client.Publish(e.bulkTopic(), body, broker.QoS1, false)
}

// Rebirth bypasses the bulk batch buffer entirely per spec.md §9: callers
// that need to force an immediate update (e.g. following a telemetry
// rebirth) should call publishUpdate directly rather than going through
// the bulk path.
func (e *Engine) Rebirth() error {
	return e.publishUpdate()
}

func (e *Engine) handleCommand(msg broker.Message) error {
	parsed, err := topic.ParseMgmtTopic(msg.Topic)
	if err != nil {
		return nil
	}
	verb := mgmt.CommandVerb(parsed.Sub)

	var cmd mgmt.Command
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
		e.logger.Warn("malformed command payload", zap.Error(err))
		return nil
	}

	resp := e.dispatch(verb, cmd)
	resp.CorrelationID = cmd.CorrelationID
	resp.Timestamp = time.Now().UnixMilli()

	body, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return e.client.Publish(e.respTopic(parsed.Sub), body, broker.QoS1, false)
}

func (e *Engine) dispatch(verb mgmt.CommandVerb, cmd mgmt.Command) mgmt.Response {
	switch verb {
	case mgmt.VerbRead:
		return e.handleRead(cmd)
	case mgmt.VerbWrite:
		return e.handleWrite(cmd)
	case mgmt.VerbExecute:
		return mgmt.Response{Status: mgmt.StatusOK}
	case mgmt.VerbConfigure:
		return e.handleConfigure(cmd)
	case mgmt.VerbGetConfiguration:
		return e.handleGetConfiguration()
	default:
		return e.handleSemantic(string(verb), cmd)
	}
}

func (e *Engine) handleRead(cmd mgmt.Command) mgmt.Response {
	objectID, _ := cmd.Parameters["object"].(string)
	instance, _ := cmd.Parameters["instance"].(string)
	resource, _ := cmd.Parameters["resource"].(string)

	e.mu.Lock()
	defer e.mu.Unlock()

	inst, ok := e.objects[objectID]
	if !ok {
		return mgmt.Response{Status: mgmt.StatusError, Error: "unknown object"}
	}
	res, ok := inst[instance]
	if !ok {
		return mgmt.Response{Status: mgmt.StatusError, Error: "unknown instance"}
	}
	val, ok := res[resource]
	if !ok {
		return mgmt.Response{Status: mgmt.StatusError, Error: "unknown resource"}
	}
	return mgmt.Response{Status: mgmt.StatusOK, Result: map[string]interface{}{"value": val}}
}

func (e *Engine) handleWrite(cmd mgmt.Command) mgmt.Response {
	objectID, _ := cmd.Parameters["object"].(string)
	instance, _ := cmd.Parameters["instance"].(string)
	resource, _ := cmd.Parameters["resource"].(string)
	value := cmd.Parameters["value"]

	e.mu.Lock()
	if e.objects[objectID] == nil {
		e.objects[objectID] = map[string]map[string]interface{}{}
	}
	if e.objects[objectID][instance] == nil {
		e.objects[objectID][instance] = map[string]interface{}{}
	}
	e.objects[objectID][instance][resource] = value
	e.mu.Unlock()

	return mgmt.Response{Status: mgmt.StatusOK}
}

func (e *Engine) handleConfigure(cmd mgmt.Command) mgmt.Response {
	applied := map[string]interface{}{}
	for name, value := range cmd.Parameters {
		if e.validator != nil && !e.validator.IsWritable(name) {
			return mgmt.Response{Status: mgmt.StatusError, Error: "parameter not writable: " + name}
		}
		applied[name] = value
	}
	return mgmt.Response{Status: mgmt.StatusOK, Result: applied}
}

func (e *Engine) handleGetConfiguration() mgmt.Response {
	e.mu.Lock()
	defer e.mu.Unlock()
	return mgmt.Response{Status: mgmt.StatusOK, Result: map[string]interface{}{"objects": cloneObjects(e.objects)}}
}

func (e *Engine) handleSemantic(verb string, cmd mgmt.Command) mgmt.Response {
	e.mu.Lock()
	h, ok := e.handlers[verb]
	e.mu.Unlock()
	if !ok {
		return mgmt.Response{Status: mgmt.StatusError, Error: "unsupported command: " + verb}
	}
	result, err := h(cmd.Parameters)
	if err != nil {
		return mgmt.Response{Status: mgmt.StatusError, Error: err.Error()}
	}
	return mgmt.Response{Status: mgmt.StatusOK, Result: result}
}

func cloneObjects(src mgmt.ObjectTree) mgmt.ObjectTree {
	out := make(mgmt.ObjectTree, len(src))
	for obj, instances := range src {
		out[obj] = make(map[string]map[string]interface{}, len(instances))
		for inst, resources := range instances {
			out[obj][inst] = make(map[string]interface{}, len(resources))
			for res, val := range resources {
				out[obj][inst][res] = val
			}
		}
	}
	return out
}

func mergeObjects(dst, delta mgmt.ObjectTree) {
	for obj, instances := range delta {
		if dst[obj] == nil {
			dst[obj] = map[string]map[string]interface{}{}
		}
		for inst, resources := range instances {
			if dst[obj][inst] == nil {
				dst[obj][inst] = map[string]interface{}{}
			}
			for res, val := range resources {
				dst[obj][inst][res] = val
			}
		}
	}
}
