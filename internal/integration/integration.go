// Package integration implements the INTEGRATION broker (C11): a
// protocol-agnostic facade exposing DiscoverDevices/GetDeviceParameters/
// SetDeviceParameters/SendDeviceCommand/GetDeviceConfiguration/
// ParseDescriptionWritableParameters to external engineering tools,
// routing each call to whichever adapter owns the target device
// (spec.md §4.11).
package integration

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel failures (spec.md §4.11 "Failure semantics").
var (
	ErrNotFound           = errors.New("integration: device not found")
	ErrAdapterUnavailable = errors.New("integration: adapter unavailable")
	ErrCommandTimeout     = errors.New("integration: command timed out")
)

// InvalidParamError reports one rejected parameter in SetDeviceParameters.
type InvalidParamError struct {
	Name   string
	Reason string
}

func (e *InvalidParamError) Error() string {
	return fmt.Sprintf("integration: invalid param %q: %s", e.Name, e.Reason)
}

// DeviceSummary is one entry returned by DiscoverDevices.
type DeviceSummary struct {
	DeviceID   string    `json:"device_id"`
	DeviceType string    `json:"device_type"`
	Status     string    `json:"status"`
	LastSeen   time.Time `json:"last_seen"`
}

// Snapshot is the effective view returned by GetDeviceParameters and
// GetDeviceConfiguration.
type Snapshot struct {
	DeviceID string                 `json:"device_id"`
	Values   map[string]interface{} `json:"values"`
}

// CommandResult is returned by SendDeviceCommand.
type CommandResult struct {
	Status string                 `json:"status"`
	Result map[string]interface{} `json:"result,omitempty"`
}

// SetParamsResult is returned by SetDeviceParameters.
type SetParamsResult struct {
	Status   string   `json:"status"`
	Applied  []string `json:"applied_params"`
	Rejected []string `json:"rejected_params,omitempty"`
}

// Adapter is the protocol-agnostic device-ownership contract (spec.md
// §4.11's "start, stop, discover_devices, get_device_data,
// send_device_command"). Owns is an addition this package needs beyond the
// spec's literal contract, so the broker can route a call to the single
// adapter that owns its target device rather than probing every adapter
// (see DESIGN.md).
type Adapter interface {
	Start(ctx context.Context) error
	Stop() error
	Owns(deviceID string) bool
	DiscoverDevices() []DeviceSummary
	GetDeviceData(deviceID string) (Snapshot, error)
	SendDeviceCommand(ctx context.Context, deviceID, verb string, params map[string]interface{}) (CommandResult, error)
}

// DescriptionSource resolves a device's type to its parsed description, so
// the broker can validate writes without depending on internal/description
// directly (keeps this package adapter-model-focused; StoreDescriptionSource
// adapts a description.Store to it).
type DescriptionSource interface {
	DeviceType(deviceID string) (string, bool)
	IsWritable(deviceType, param string) bool
	WritableParameters(deviceType string) (interface{}, bool)
}

// Broker is the INTEGRATION broker: it owns a set of adapters and a
// writable-parameter source, and exposes spec.md §4.11's external surface.
type Broker struct {
	adapters    []Adapter
	descriptions DescriptionSource
	strict      bool
}

// Config tunes the broker.
type Config struct {
	// Strict requires every parameter in a SetDeviceParameters call to be
	// writable, or none are applied (spec.md §4.11/§8 scenario 5). When
	// false, writable params are applied and non-writable ones are
	// reported rejected without failing the call (spec.md §9's resolved
	// open question: the source exposes both behaviors, the spec makes it
	// a configuration flag).
	Strict bool
}

// New builds a Broker over the given adapters.
func New(cfg Config, descriptions DescriptionSource, adapters ...Adapter) *Broker {
	return &Broker{adapters: adapters, descriptions: descriptions, strict: cfg.Strict}
}

// Start starts every adapter.
func (b *Broker) Start(ctx context.Context) error {
	for _, a := range b.adapters {
		if err := a.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Stop stops every adapter.
func (b *Broker) Stop() error {
	var firstErr error
	for _, a := range b.adapters {
		if err := a.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DiscoverDevices unions every adapter's device list (spec.md §4.11
// "discovery unions all adapters").
func (b *Broker) DiscoverDevices() []DeviceSummary {
	var out []DeviceSummary
	for _, a := range b.adapters {
		out = append(out, a.DiscoverDevices()...)
	}
	return out
}

func (b *Broker) ownerOf(deviceID string) (Adapter, error) {
	for _, a := range b.adapters {
		if a.Owns(deviceID) {
			return a, nil
		}
	}
	return nil, ErrNotFound
}

// GetDeviceParameters returns deviceID's current snapshot from the adapter
// that owns it.
func (b *Broker) GetDeviceParameters(deviceID string) (Snapshot, error) {
	a, err := b.ownerOf(deviceID)
	if err != nil {
		return Snapshot{}, err
	}
	return a.GetDeviceData(deviceID)
}

// GetDeviceConfiguration reads the device's effective configuration
// through a get_configuration command (spec.md §4.11 "read-through").
func (b *Broker) GetDeviceConfiguration(ctx context.Context, deviceID string) (Snapshot, error) {
	a, err := b.ownerOf(deviceID)
	if err != nil {
		return Snapshot{}, err
	}
	res, err := a.SendDeviceCommand(ctx, deviceID, "get_configuration", nil)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{DeviceID: deviceID, Values: res.Result}, nil
}

// SendDeviceCommand forwards verb/params to the adapter owning deviceID.
func (b *Broker) SendDeviceCommand(ctx context.Context, deviceID, verb string, params map[string]interface{}) (CommandResult, error) {
	a, err := b.ownerOf(deviceID)
	if err != nil {
		return CommandResult{}, err
	}
	return a.SendDeviceCommand(ctx, deviceID, verb, params)
}

// SetDeviceParameters validates params against C10's writable set for
// deviceID's type, then forwards only the writable ones as a configure
// command (spec.md §4.11). In strict mode, any non-writable parameter
// rejects the whole call with no side effects; in permissive mode, writable
// params are applied and non-writable ones are listed rejected.
func (b *Broker) SetDeviceParameters(ctx context.Context, deviceID string, params map[string]interface{}) (SetParamsResult, error) {
	a, err := b.ownerOf(deviceID)
	if err != nil {
		return SetParamsResult{}, err
	}

	deviceType, _ := b.descriptions.DeviceType(deviceID)

	var applied, rejected []string
	toApply := make(map[string]interface{}, len(params))
	for name, val := range params {
		if b.descriptions.IsWritable(deviceType, name) {
			applied = append(applied, name)
			toApply[name] = val
			continue
		}
		rejected = append(rejected, name)
		if b.strict {
			return SetParamsResult{}, &InvalidParamError{Name: name, Reason: "not declared writable in device description"}
		}
	}

	if len(toApply) == 0 {
		return SetParamsResult{Status: "rejected", Rejected: rejected}, nil
	}

	if _, err := a.SendDeviceCommand(ctx, deviceID, "configure", toApply); err != nil {
		return SetParamsResult{}, err
	}
	return SetParamsResult{Status: "ok", Applied: applied, Rejected: rejected}, nil
}

// ParseDescriptionWritableParameters returns the functions/commands/
// templates breakdown for deviceType (spec.md §4.11).
func (b *Broker) ParseDescriptionWritableParameters(deviceType string) (interface{}, error) {
	wp, ok := b.descriptions.WritableParameters(deviceType)
	if !ok {
		return nil, ErrNotFound
	}
	return wp, nil
}
