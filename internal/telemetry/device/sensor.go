package device

import (
	"math/rand"
	"time"

	"telemetryfabric/internal/telemetry/codec"
)

// SensorSource samples the device's current metric values. Implementations
// own the physical or simulated sensing model (spec.md §1 lists "physical
// sensor emulation math" as an out-of-scope external collaborator,
// specified only through this interface).
type SensorSource interface {
	// Birth returns the fixed set of metrics the device declares at birth,
	// with their datatypes and initial values. Called once per birth/rebirth.
	Birth() []codec.Metric
	// Sample returns the current value for every metric in the birth set,
	// in the same order, for one DDATA publish.
	Sample(now time.Time) []codec.Metric
}

// RandomWalkSource is a pluggable SensorSource that perturbs a float64
// reading by a bounded random step each sample, the simplest realistic
// stand-in for physical sensor noise (spec.md §9 supersedes the source's
// triple-duplicated simulator variants with one parameterized runtime).
type RandomWalkSource struct {
	names  []string
	values []float64
	step   float64
	rng    *rand.Rand
}

// NewRandomWalkSource builds a source publishing one float64 metric per
// name in names, all starting at initial.
func NewRandomWalkSource(names []string, initial, step float64, seed int64) *RandomWalkSource {
	values := make([]float64, len(names))
	for i := range values {
		values[i] = initial
	}
	return &RandomWalkSource{
		names:  names,
		values: values,
		step:   step,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

func (s *RandomWalkSource) Birth() []codec.Metric {
	return s.sample(time.Now())
}

func (s *RandomWalkSource) Sample(now time.Time) []codec.Metric {
	for i := range s.values {
		s.values[i] += (s.rng.Float64()*2 - 1) * s.step
	}
	return s.sample(now)
}

func (s *RandomWalkSource) sample(now time.Time) []codec.Metric {
	metrics := make([]codec.Metric, len(s.names))
	ts := now.UnixMilli()
	for i, name := range s.names {
		metrics[i] = codec.Metric{
			Name:       name,
			Datatype:   codec.Float64,
			Timestamp:  ts,
			FloatValue: s.values[i],
		}
	}
	return metrics
}

// BreakerFaultSource wraps another source and injects a fault: once Trip is
// called, every sampled Float64 metric is overridden with a fixed fault value and a
// boolean "tripped" status metric flips true, modeling a protective-device
// fault condition (the circuit-breaker domain this fabric's device
// population is drawn from).
type BreakerFaultSource struct {
	inner   SensorSource
	tripped bool
	fault   float64
}

// NewBreakerFaultSource wraps inner, overriding sampled float metrics with
// fault once tripped.
func NewBreakerFaultSource(inner SensorSource, fault float64) *BreakerFaultSource {
	return &BreakerFaultSource{inner: inner, fault: fault}
}

// Trip flips the fault condition on; it never resets automatically.
func (s *BreakerFaultSource) Trip() { s.tripped = true }

// Reset clears the fault condition.
func (s *BreakerFaultSource) Reset() { s.tripped = false }

func (s *BreakerFaultSource) Birth() []codec.Metric {
	metrics := s.inner.Birth()
	return append(metrics, codec.Metric{
		Name:      "status/tripped",
		Datatype:  codec.Boolean,
		Timestamp: time.Now().UnixMilli(),
		BoolValue: false,
	})
}

func (s *BreakerFaultSource) Sample(now time.Time) []codec.Metric {
	metrics := s.inner.Sample(now)
	if s.tripped {
		for i := range metrics {
			if metrics[i].Datatype == codec.Float64 {
				metrics[i].FloatValue = s.fault
			}
		}
	}
	metrics = append(metrics, codec.Metric{
		Name:      "status/tripped",
		Datatype:  codec.Boolean,
		Timestamp: now.UnixMilli(),
		BoolValue: s.tripped,
	})
	return metrics
}
