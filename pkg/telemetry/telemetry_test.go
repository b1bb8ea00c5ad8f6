package telemetry

import (
	"testing"
	"time"
)

func TestEventAccessors(t *testing.T) {
	now := time.Now()
	sample := NewSampleEvent(Sample{
		VehicleID: "VHC_01",
		Geography: GeoUrban,
		Message:   MsgEngineData,
		Signals:   map[string]float64{"EngineSpeed": 2400},
		Time:      now,
	})
	anomaly := NewAnomalyEvent(Anomaly{
		VehicleID: "VHC_02",
		Geography: GeoSnowy,
		Message:   MsgVehicleData,
		Type:      "sudden_speed_change",
		Severity:  SeverityWarning,
		Time:      now,
	})

	tests := []struct {
		name        string
		event       Event
		wantVehicle string
		wantMessage string
		wantValid   bool
	}{
		{"sample", sample, "VHC_01", MsgEngineData, true},
		{"anomaly", anomaly, "VHC_02", MsgVehicleData, true},
		{"empty", Event{}, "", "", false},
		{"kind without payload", Event{Kind: KindSample}, "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.event.VehicleID(); got != tt.wantVehicle {
				t.Errorf("VehicleID() = %q, want %q", got, tt.wantVehicle)
			}
			if got := tt.event.MessageName(); got != tt.wantMessage {
				t.Errorf("MessageName() = %q, want %q", got, tt.wantMessage)
			}
			if got := tt.event.Valid(); got != tt.wantValid {
				t.Errorf("Valid() = %v, want %v", got, tt.wantValid)
			}
		})
	}

	if !sample.Timestamp().Equal(now) {
		t.Errorf("Timestamp() = %v, want %v", sample.Timestamp(), now)
	}
	if !(Event{}).Timestamp().IsZero() {
		t.Error("Timestamp() of empty event should be zero")
	}
	if got := sample.Geography(); got != GeoUrban {
		t.Errorf("Geography() = %q, want %q", got, GeoUrban)
	}
	if got := anomaly.Geography(); got != GeoSnowy {
		t.Errorf("Geography() = %q, want %q", got, GeoSnowy)
	}
	if got := (Event{}).Geography(); got != "" {
		t.Errorf("Geography() of empty event = %q, want empty", got)
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		message string
		in      map[string]float64
		want    map[string]float64
	}{
		{
			name:    "rounds discrete signals",
			message: MsgVehicleData,
			in:      map[string]float64{"Speed": 82.4, "GearPosition": 3.6},
			want:    map[string]float64{"Speed": 82.4, "GearPosition": 4},
		},
		{
			name:    "ac off forces fan off",
			message: MsgClimateControl,
			in:      map[string]float64{"ACStatus": 0, "FanSpeed": 3, "CabinTemp": 22},
			want:    map[string]float64{"ACStatus": 0, "FanSpeed": 0, "CabinTemp": 22},
		},
		{
			name:    "running fan implies ac on",
			message: MsgClimateControl,
			in:      map[string]float64{"FanSpeed": 2, "CabinTemp": 22},
			want:    map[string]float64{"ACStatus": 1, "FanSpeed": 2, "CabinTemp": 22},
		},
		{
			name:    "climate rules ignore other messages",
			message: MsgEngineData,
			in:      map[string]float64{"EngineSpeed": 3000.7},
			want:    map[string]float64{"EngineSpeed": 3000.7},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.message, tt.in)
			if len(got) != len(tt.want) {
				t.Fatalf("Normalize() returned %d signals, want %d", len(got), len(tt.want))
			}
			for name, want := range tt.want {
				if got[name] != want {
					t.Errorf("signal %s = %v, want %v", name, got[name], want)
				}
			}
		})
	}
}

func TestGearForSpeed(t *testing.T) {
	tests := []struct {
		speed float64
		want  int
	}{
		{0, 1},
		{15, 1},
		{20, 1},
		{21, 2},
		{40, 2},
		{55, 3},
		{70, 3},
		{90, 4},
		{100, 4},
		{130, 5},
		{150, 5},
		{180, 6},
	}
	for _, tt := range tests {
		if got := GearForSpeed(tt.speed); got != tt.want {
			t.Errorf("GearForSpeed(%v) = %d, want %d", tt.speed, got, tt.want)
		}
	}
}
