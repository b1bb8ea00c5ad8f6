package transform

import (
	"testing"
	"time"

	"github.com/canflux/canflux/pkg/telemetry"
)

func sampleEvent(vehicle, message string, geography telemetry.Geography) telemetry.Event {
	return telemetry.NewSampleEvent(telemetry.Sample{
		VehicleID: vehicle,
		Geography: geography,
		Message:   message,
		Signals:   map[string]float64{"Speed": 60},
		Time:      time.Now(),
	})
}

func anomalyEvent(vehicle string, severity telemetry.Severity) telemetry.Event {
	return telemetry.NewAnomalyEvent(telemetry.Anomaly{
		VehicleID: vehicle,
		Message:   telemetry.MsgVehicleData,
		Type:      "sudden_speed_change",
		Severity:  severity,
		Time:      time.Now(),
	})
}

func TestFilter(t *testing.T) {
	testCases := []struct {
		name   string
		config FilterConfig
		event  telemetry.Event
		pass   bool
	}{
		{
			name:   "kind matches",
			config: FilterConfig{Kinds: []string{"sample"}},
			event:  sampleEvent("VHC_01", "EngineData", telemetry.GeoUrban),
			pass:   true,
		},
		{
			name:   "kind does not match",
			config: FilterConfig{Kinds: []string{"anomaly"}},
			event:  sampleEvent("VHC_01", "EngineData", telemetry.GeoUrban),
			pass:   false,
		},
		{
			name:   "message included",
			config: FilterConfig{Messages: []string{"EngineData", "VehicleData"}},
			event:  sampleEvent("VHC_01", "EngineData", telemetry.GeoUrban),
			pass:   true,
		},
		{
			name:   "message not included",
			config: FilterConfig{Messages: []string{"ClimateControl"}},
			event:  sampleEvent("VHC_01", "EngineData", telemetry.GeoUrban),
			pass:   false,
		},
		{
			name:   "message excluded",
			config: FilterConfig{ExcludeMessages: []string{"EngineData"}},
			event:  sampleEvent("VHC_01", "EngineData", telemetry.GeoUrban),
			pass:   false,
		},
		{
			name:   "message pattern matches",
			config: FilterConfig{MessagePattern: "^Engine"},
			event:  sampleEvent("VHC_01", "EngineData", telemetry.GeoUrban),
			pass:   true,
		},
		{
			name:   "message pattern does not match",
			config: FilterConfig{MessagePattern: "^Climate"},
			event:  sampleEvent("VHC_01", "EngineData", telemetry.GeoUrban),
			pass:   false,
		},
		{
			name:   "vehicle glob matches",
			config: FilterConfig{Vehicles: []string{"VHC_*"}},
			event:  sampleEvent("VHC_03", "EngineData", telemetry.GeoUrban),
			pass:   true,
		},
		{
			name:   "vehicle glob does not match",
			config: FilterConfig{Vehicles: []string{"TRUCK_*"}},
			event:  sampleEvent("VHC_03", "EngineData", telemetry.GeoUrban),
			pass:   false,
		},
		{
			name:   "vehicle excluded",
			config: FilterConfig{ExcludeVehicles: []string{"VHC_03"}},
			event:  sampleEvent("VHC_03", "EngineData", telemetry.GeoUrban),
			pass:   false,
		},
		{
			name:   "geography matches",
			config: FilterConfig{Geographies: []string{"urban", "highway"}},
			event:  sampleEvent("VHC_01", "EngineData", telemetry.GeoUrban),
			pass:   true,
		},
		{
			name:   "geography does not match",
			config: FilterConfig{Geographies: []string{"snowy"}},
			event:  sampleEvent("VHC_01", "EngineData", telemetry.GeoUrban),
			pass:   false,
		},
		{
			name:   "severity floor passes warning",
			config: FilterConfig{MinSeverity: "warning"},
			event:  anomalyEvent("VHC_01", telemetry.SeverityWarning),
			pass:   true,
		},
		{
			name:   "severity floor drops info",
			config: FilterConfig{MinSeverity: "warning"},
			event:  anomalyEvent("VHC_01", telemetry.SeverityInfo),
			pass:   false,
		},
		{
			name:   "severity floor ignores samples",
			config: FilterConfig{MinSeverity: "critical"},
			event:  sampleEvent("VHC_01", "EngineData", telemetry.GeoUrban),
			pass:   true,
		},
		{
			name: "combined criteria all match",
			config: FilterConfig{
				Kinds:    []string{"sample"},
				Messages: []string{"EngineData"},
				Vehicles: []string{"VHC_0[12]"},
			},
			event: sampleEvent("VHC_02", "EngineData", telemetry.GeoHighway),
			pass:  true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Filter(&tc.config)(&tc.event)
			if err != nil {
				t.Fatalf("Filter() error: %v", err)
			}
			if tc.pass && got == nil {
				t.Error("expected event to pass, got nil")
			}
			if !tc.pass && got != nil {
				t.Error("expected event to be dropped, got event")
			}
		})
	}
}

func TestFilterValidate(t *testing.T) {
	testCases := []struct {
		name    string
		config  FilterConfig
		wantErr bool
	}{
		{"empty config", FilterConfig{}, true},
		{"bad pattern", FilterConfig{MessagePattern: "("}, true},
		{"bad kind", FilterConfig{Kinds: []string{"metric"}}, true},
		{"bad severity", FilterConfig{MinSeverity: "fatal"}, true},
		{"valid", FilterConfig{Messages: []string{"EngineData"}}, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.config.Validate()
			if tc.wantErr && err == nil {
				t.Error("expected validation error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestFilterInvalidConfigErrors(t *testing.T) {
	event := sampleEvent("VHC_01", "EngineData", telemetry.GeoUrban)
	if _, err := Filter(&FilterConfig{})(&event); err == nil {
		t.Error("expected error from invalid filter configuration")
	}
}
