package influx

import (
	"testing"
	"time"

	"github.com/canflux/canflux/pkg/telemetry"
)

func testSample() *telemetry.Sample {
	return &telemetry.Sample{
		VehicleID: "VHC_01",
		Geography: telemetry.GeoUrban,
		Message:   "EngineData",
		FrameID:   0x123,
		Signals: map[string]float64{
			"EngineSpeed":  2450,
			"EngineTemp":   92,
			"BatteryLevel": 76,
		},
		Time: time.Date(2025, 6, 14, 9, 30, 0, 0, time.UTC),
	}
}

func testAnomaly() *telemetry.Anomaly {
	return &telemetry.Anomaly{
		ID:        "f81d4fae-7dec-11d0-a765-00a0c91e6bf6",
		VehicleID: "VHC_03",
		Type:      "engine_overheat",
		Message:   "EngineData",
		Geography: telemetry.GeoHot,
		Severity:  telemetry.SeverityCritical,
		Details:   "EngineTemp=131.0 exceeds 120.0",
		Signals:   map[string]float64{"EngineTemp": 131},
		Time:      time.Date(2025, 6, 14, 9, 31, 0, 0, time.UTC),
	}
}

func TestSampleTags(t *testing.T) {
	tags := sampleTags(testSample())

	want := map[string]string{
		"vehicle_id": "VHC_01",
		"frame_id":   "0x123",
		"geography":  "urban",
	}
	if len(tags) != len(want) {
		t.Fatalf("expected %d tags, got %d: %v", len(want), len(tags), tags)
	}
	for k, v := range want {
		if tags[k] != v {
			t.Errorf("tag %s: expected %q, got %q", k, v, tags[k])
		}
	}
}

func TestSampleTagsOmitEmptyGeography(t *testing.T) {
	s := testSample()
	s.Geography = ""

	tags := sampleTags(s)
	if _, ok := tags["geography"]; ok {
		t.Errorf("expected geography tag to be omitted, got %q", tags["geography"])
	}
	if tags["vehicle_id"] != "VHC_01" {
		t.Errorf("expected vehicle_id tag to survive, got %v", tags)
	}
}

func TestSampleFields(t *testing.T) {
	fields := sampleFields(testSample())

	if len(fields) != 3 {
		t.Fatalf("expected one field per signal, got %v", fields)
	}
	if v, ok := fields["EngineSpeed"].(float64); !ok || v != 2450 {
		t.Errorf("expected EngineSpeed=2450, got %v", fields["EngineSpeed"])
	}
	if v, ok := fields["BatteryLevel"].(float64); !ok || v != 76 {
		t.Errorf("expected BatteryLevel=76, got %v", fields["BatteryLevel"])
	}
}

func TestSamplePoint(t *testing.T) {
	s := testSample()
	point := samplePoint(s)

	if point.Name() != "EngineData" {
		t.Errorf("expected measurement EngineData, got %q", point.Name())
	}
	if !point.Time().Equal(s.Time) {
		t.Errorf("expected point time %v, got %v", s.Time, point.Time())
	}
}

func TestAnomalyTags(t *testing.T) {
	tags := anomalyTags(testAnomaly())

	want := map[string]string{
		"vehicle_id":   "VHC_03",
		"anomaly_type": "engine_overheat",
		"severity":     "critical",
		"message_type": "EngineData",
		"geography":    "hot",
	}
	if len(tags) != len(want) {
		t.Fatalf("expected %d tags, got %d: %v", len(want), len(tags), tags)
	}
	for k, v := range want {
		if tags[k] != v {
			t.Errorf("tag %s: expected %q, got %q", k, v, tags[k])
		}
	}
}

func TestAnomalyTagsOmitEmpty(t *testing.T) {
	a := testAnomaly()
	a.Message = ""
	a.Geography = ""

	tags := anomalyTags(a)
	if _, ok := tags["message_type"]; ok {
		t.Errorf("expected message_type tag to be omitted, got %v", tags)
	}
	if _, ok := tags["geography"]; ok {
		t.Errorf("expected geography tag to be omitted, got %v", tags)
	}
}

func TestAnomalyFields(t *testing.T) {
	fields := anomalyFields(testAnomaly())

	if v, ok := fields["anomaly_count"].(int64); !ok || v != 1 {
		t.Errorf("expected anomaly_count=1, got %v", fields["anomaly_count"])
	}
	if v, ok := fields["value_EngineTemp"].(float64); !ok || v != 131 {
		t.Errorf("expected value_EngineTemp=131, got %v", fields["value_EngineTemp"])
	}
	if len(fields) != 2 {
		t.Fatalf("expected anomaly_count plus one field per signal, got %v", fields)
	}
}

func TestAnomalyPoint(t *testing.T) {
	a := testAnomaly()
	point := anomalyPoint(a)

	if point.Name() != AnomalyMeasurement {
		t.Errorf("expected measurement %q, got %q", AnomalyMeasurement, point.Name())
	}
	if !point.Time().Equal(a.Time) {
		t.Errorf("expected point time %v, got %v", a.Time, point.Time())
	}
}
