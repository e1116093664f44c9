package integration

import (
	"telemetryfabric/internal/description"
	"telemetryfabric/internal/registry"
)

// StoreDescriptionSource adapts a description.Store and registry.Registry
// to the DescriptionSource the broker needs: the registry resolves a
// device to its type, the store resolves a type to its writable-parameter
// set (C10).
type StoreDescriptionSource struct {
	reg   *registry.Registry
	store *description.Store
}

// NewStoreDescriptionSource builds a StoreDescriptionSource.
func NewStoreDescriptionSource(reg *registry.Registry, store *description.Store) *StoreDescriptionSource {
	return &StoreDescriptionSource{reg: reg, store: store}
}

func (s *StoreDescriptionSource) DeviceType(deviceID string) (string, bool) {
	d, ok := s.reg.Get(deviceID)
	if !ok || d.DeviceType == "" {
		return "", false
	}
	return d.DeviceType, true
}

func (s *StoreDescriptionSource) IsWritable(deviceType, param string) bool {
	desc, ok := s.store.Get(deviceType)
	if !ok {
		return false
	}
	return desc.IsWritable(param)
}

func (s *StoreDescriptionSource) WritableParameters(deviceType string) (interface{}, bool) {
	desc, ok := s.store.Get(deviceType)
	if !ok {
		return nil, false
	}
	return desc.Writable, true
}
