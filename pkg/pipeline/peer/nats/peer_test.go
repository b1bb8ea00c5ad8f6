package nats

import (
	"testing"

	"github.com/canflux/canflux/pkg/telemetry"
	"github.com/nats-io/nats.go"
)

func streamConfig(name, subject string) nats.StreamConfig {
	return nats.StreamConfig{
		Name:     name,
		Subjects: []string{subject},
		Storage:  nats.FileStorage,
		Replicas: 1,
	}
}

func TestEventSubject(t *testing.T) {
	p := &PeerNATS{Config: Config{SubjectPrefix: "canflux"}}

	tests := []struct {
		name    string
		event   telemetry.Event
		want    string
		wantErr bool
	}{
		{
			name: "sample",
			event: telemetry.NewSampleEvent(telemetry.Sample{
				VehicleID: "VHC_01",
				Message:   "EngineData",
			}),
			want: "canflux.sample.VHC_01.EngineData",
		},
		{
			name: "anomaly uses rule type",
			event: telemetry.NewAnomalyEvent(telemetry.Anomaly{
				VehicleID: "VHC_03",
				Type:      "engine_overheat",
				Message:   "EngineData",
			}),
			want: "canflux.anomaly.VHC_03.engine_overheat",
		},
		{
			name: "structural characters replaced",
			event: telemetry.NewSampleEvent(telemetry.Sample{
				VehicleID: "fleet.west",
				Message:   "Engine Data",
			}),
			want: "canflux.sample.fleet_west.Engine_Data",
		},
		{
			name:    "empty event",
			event:   telemetry.Event{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.eventSubject(tt.event)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected subject %q, got %q", tt.want, got)
			}
		})
	}
}

func TestStreamConfigEqual(t *testing.T) {
	base := streamConfig("canflux-stream", "canflux.>")

	if !streamConfigEqual(base, streamConfig("canflux-stream", "canflux.>")) {
		t.Error("expected identical configs to be equal")
	}
	if streamConfigEqual(base, streamConfig("other-stream", "canflux.>")) {
		t.Error("expected differing names to be unequal")
	}
	if streamConfigEqual(base, streamConfig("canflux-stream", "other.>")) {
		t.Error("expected differing subjects to be unequal")
	}
}
