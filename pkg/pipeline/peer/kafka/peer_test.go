package kafka

import (
	"testing"

	"github.com/IBM/sarama"
	"github.com/canflux/canflux/pkg/telemetry"
)

func TestEventTopic(t *testing.T) {
	p := &PeerKafka{config: &Config{TopicPrefix: "canflux"}}

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
			want: "canflux.sample.EngineData",
		},
		{
			name: "anomaly uses rule type",
			event: telemetry.NewAnomalyEvent(telemetry.Anomaly{
				VehicleID: "VHC_03",
				Type:      "engine_overheat",
				Message:   "EngineData",
			}),
			want: "canflux.anomaly.engine_overheat",
		},
		{
			name: "invalid characters replaced",
			event: telemetry.NewSampleEvent(telemetry.Sample{
				VehicleID: "VHC_01",
				Message:   "Engine Data/v2",
			}),
			want: "canflux.sample.Engine_Data_v2",
		},
		{
			name:    "empty event",
			event:   telemetry.Event{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.eventTopic(tt.event)
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
				t.Errorf("expected topic %q, got %q", tt.want, got)
			}
		})
	}
}

func TestToSaramaConfig(t *testing.T) {
	cfg := &Config{Version: "2.1.1"}

	conf, err := cfg.ToSaramaConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conf.Producer.RequiredAcks != sarama.WaitForAll {
		t.Errorf("expected WaitForAll acks, got %v", conf.Producer.RequiredAcks)
	}
	if !conf.Producer.Return.Successes {
		t.Error("expected Return.Successes for the sync producer")
	}
	if conf.Net.SASL.Enable {
		t.Error("expected SASL disabled without config")
	}
}

func TestToSaramaConfigSASL(t *testing.T) {
	cfg := &Config{
		Version: "2.1.1",
		SASL: &SASL{
			Enable:    true,
			Username:  "bridge",
			Password:  "secret",
			Algorithm: "sha256",
		},
	}

	conf, err := cfg.ToSaramaConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conf.Net.SASL.Mechanism != sarama.SASLTypeSCRAMSHA256 {
		t.Errorf("expected SCRAM-SHA-256 mechanism, got %v", conf.Net.SASL.Mechanism)
	}
	if conf.Net.SASL.SCRAMClientGeneratorFunc == nil {
		t.Fatal("expected a SCRAM client generator")
	}
	if client := conf.Net.SASL.SCRAMClientGeneratorFunc(); client == nil {
		t.Error("expected generator to produce a client")
	}
}

func TestToSaramaConfigErrors(t *testing.T) {
	if _, err := (&Config{Version: "not-a-version"}).ToSaramaConfig(); err == nil {
		t.Error("expected error for invalid version")
	}

	bad := &Config{
		Version: "2.1.1",
		SASL:    &SASL{Enable: true, Algorithm: "md5"},
	}
	if _, err := bad.ToSaramaConfig(); err == nil {
		t.Error("expected error for unsupported SASL algorithm")
	}
}

func TestXDGSCRAMClient(t *testing.T) {
	c := &XDGSCRAMClient{HashGeneratorFcn: SHA256}
	if err := c.Begin("bridge", "secret", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Done() {
		t.Error("expected conversation to be in progress after Begin")
	}

	first, err := c.Step("")
	if err != nil {
		t.Fatalf("unexpected error on client-first message: %v", err)
	}
	if first == "" {
		t.Error("expected a client-first SCRAM message")
	}
}
