package telemetry

import (
	"time"
)

// Geography is the operating environment a vehicle reports from.
// Several anomaly rules are scoped to a geography.
type Geography string

const (
	GeoRainy       Geography = "rainy"
	GeoMountainous Geography = "mountainous"
	GeoUrban       Geography = "urban"
	GeoHighway     Geography = "highway"
	GeoHot         Geography = "hot"
	GeoSnowy       Geography = "snowy"
)

// Geographies lists all known zones.
var Geographies = []Geography{GeoRainy, GeoMountainous, GeoUrban, GeoHighway, GeoHot, GeoSnowy}

// Known CAN message names from the built-in catalog. Custom catalogs may
// carry arbitrary names; these constants exist for the rule engine and tests.
const (
	MsgEngineData     = "EngineData"
	MsgVehicleData    = "VehicleData"
	MsgClimateControl = "ClimateControl"
)

// Sample is one decoded CAN telemetry reading attributed to a vehicle.
type Sample struct {
	VehicleID string             `json:"vehicle_id"`
	Geography Geography          `json:"geography,omitempty"`
	Message   string             `json:"message"`
	FrameID   uint32             `json:"frame_id"`
	Signals   map[string]float64 `json:"signals"`
	Raw       []byte             `json:"raw,omitempty"`
	Topic     string             `json:"topic,omitempty"`
	Time      time.Time          `json:"time"`
}

// Severity classifies anomaly events.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Anomaly is a rule violation detected for a vehicle, carrying the signal
// snapshot that triggered it.
type Anomaly struct {
	ID        string             `json:"id"`
	VehicleID string             `json:"vehicle_id"`
	Type      string             `json:"type"`
	Message   string             `json:"message"`
	Geography Geography          `json:"geography,omitempty"`
	Severity  Severity           `json:"severity"`
	Details   string             `json:"details,omitempty"`
	Signals   map[string]float64 `json:"signals,omitempty"`
	Time      time.Time          `json:"time"`
}

// EventKind discriminates pipeline events.
type EventKind string

const (
	KindSample  EventKind = "sample"
	KindAnomaly EventKind = "anomaly"
)

// Event is the unit of data flowing through a pipeline: either a decoded
// sample or an anomaly derived from one.
type Event struct {
	Kind    EventKind `json:"kind"`
	Sample  *Sample   `json:"sample,omitempty"`
	Anomaly *Anomaly  `json:"anomaly,omitempty"`
}

// NewSampleEvent wraps a sample as a pipeline event.
func NewSampleEvent(s Sample) Event {
	return Event{Kind: KindSample, Sample: &s}
}

// NewAnomalyEvent wraps an anomaly as a pipeline event.
func NewAnomalyEvent(a Anomaly) Event {
	return Event{Kind: KindAnomaly, Anomaly: &a}
}

// VehicleID returns the vehicle the event belongs to, or "" for malformed events.
func (e Event) VehicleID() string {
	switch e.Kind {
	case KindSample:
		if e.Sample != nil {
			return e.Sample.VehicleID
		}
	case KindAnomaly:
		if e.Anomaly != nil {
			return e.Anomaly.VehicleID
		}
	}
	return ""
}

// MessageName returns the CAN message name the event refers to.
func (e Event) MessageName() string {
	switch e.Kind {
	case KindSample:
		if e.Sample != nil {
			return e.Sample.Message
		}
	case KindAnomaly:
		if e.Anomaly != nil {
			return e.Anomaly.Message
		}
	}
	return ""
}

// Geography returns the zone the event was reported from, "" if unknown.
func (e Event) Geography() Geography {
	switch e.Kind {
	case KindSample:
		if e.Sample != nil {
			return e.Sample.Geography
		}
	case KindAnomaly:
		if e.Anomaly != nil {
			return e.Anomaly.Geography
		}
	}
	return ""
}

// Timestamp returns the event time, zero if unset.
func (e Event) Timestamp() time.Time {
	switch e.Kind {
	case KindSample:
		if e.Sample != nil {
			return e.Sample.Time
		}
	case KindAnomaly:
		if e.Anomaly != nil {
			return e.Anomaly.Time
		}
	}
	return time.Time{}
}

// Valid reports whether the event carries the payload its kind promises.
func (e Event) Valid() bool {
	switch e.Kind {
	case KindSample:
		return e.Sample != nil
	case KindAnomaly:
		return e.Anomaly != nil
	}
	return false
}
