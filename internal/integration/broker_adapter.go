package integration

import (
	"context"

	"telemetryfabric/internal/mgmt"
	mgmthost "telemetryfabric/internal/mgmt/host"
	"telemetryfabric/internal/registry"
	"telemetryfabric/internal/telemetry/codec"
)

// BrokerAdapter is the primary Adapter (spec.md §4.11): it owns every
// device visible through the broker-facing host stack (C1+C5+C7), read via
// the merged registry (C8) and commanded through the MGMT host engine
// (C7)'s correlated command dispatch.
type BrokerAdapter struct {
	reg      *registry.Registry
	mgmtHost *mgmthost.Engine
}

// NewBrokerAdapter builds a BrokerAdapter.
func NewBrokerAdapter(reg *registry.Registry, mgmtHost *mgmthost.Engine) *BrokerAdapter {
	return &BrokerAdapter{reg: reg, mgmtHost: mgmtHost}
}

func (a *BrokerAdapter) Start(context.Context) error { return nil }
func (a *BrokerAdapter) Stop() error                 { return nil }

// Owns reports whether deviceID is known to the registry.
func (a *BrokerAdapter) Owns(deviceID string) bool {
	_, ok := a.reg.Get(deviceID)
	return ok
}

// DiscoverDevices lists every device the registry currently holds a record
// for; a deregistered device's record is gone and is not listed.
func (a *BrokerAdapter) DiscoverDevices() []DeviceSummary {
	devices := a.reg.List("")
	out := make([]DeviceSummary, 0, len(devices))
	for _, d := range devices {
		out = append(out, DeviceSummary{
			DeviceID: d.DeviceID, DeviceType: d.DeviceType,
			Status: string(d.Status), LastSeen: d.LastSeen,
		})
	}
	return out
}

// GetDeviceData returns deviceID's merged telemetry metrics and MGMT
// object-tree values, flattened into one value map.
func (a *BrokerAdapter) GetDeviceData(deviceID string) (Snapshot, error) {
	d, ok := a.reg.Get(deviceID)
	if !ok {
		return Snapshot{}, ErrNotFound
	}

	values := make(map[string]interface{}, len(d.TelemetryMetrics))
	for name, m := range d.TelemetryMetrics {
		values[name] = metricValue(m)
	}
	for obj, instances := range d.MgmtObjects {
		for inst, resources := range instances {
			for res, val := range resources {
				values[obj+"/"+inst+"/"+res] = val
			}
		}
	}
	return Snapshot{DeviceID: deviceID, Values: values}, nil
}

// SendDeviceCommand dispatches verb to deviceID via the MGMT host engine's
// correlated command channel.
func (a *BrokerAdapter) SendDeviceCommand(ctx context.Context, deviceID, verb string, params map[string]interface{}) (CommandResult, error) {
	resp, err := a.mgmtHost.SendCommand(ctx, deviceID, mgmt.CommandVerb(verb), params)
	if err != nil {
		return CommandResult{}, err
	}
	if resp.Status == mgmt.StatusTimeout {
		return CommandResult{Status: resp.Status}, ErrCommandTimeout
	}
	return CommandResult{Status: resp.Status, Result: resp.Result}, nil
}

// metricValue projects a codec.Metric's populated value slot to a plain
// interface{} suitable for JSON encoding.
func metricValue(m codec.Metric) interface{} {
	switch m.Datatype {
	case codec.Int8, codec.Int16, codec.Int32, codec.Int64:
		return m.IntValue
	case codec.UInt8, codec.UInt16, codec.UInt32, codec.UInt64:
		return m.UintValue
	case codec.Float32, codec.Float64:
		return m.FloatValue
	case codec.Boolean:
		return m.BoolValue
	case codec.String:
		return m.StringValue
	case codec.Bytes:
		return m.BytesValue
	default:
		return m.Opaque
	}
}
