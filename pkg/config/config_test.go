package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/canflux/canflux/pkg/envelope"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "canflux.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
metrics:
  addr: ":9200"
bridge:
  allowPlaintext: false
  dedup:
    window: 2m
  fleet:
    vehicles:
      - id: VHC_01
        geography: urban
      - id: VHC_02
peers:
  - name: canbus
    connector: mqtt
    config:
      topics: ["can/data"]
  - name: store
    connector: influxdb
    config:
      org: canbus
      bucket: can_data
pipelines:
  - name: telemetry
    sources:
      - name: canbus
    sinks:
      - name: store
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Metrics.Addr != ":9200" {
		t.Errorf("metrics addr: got %q, want :9200", cfg.Metrics.Addr)
	}
	if !cfg.Metrics.Enabled {
		t.Error("expected metrics enabled by default")
	}
	if cfg.Bridge.Key != envelope.DemoKey {
		t.Errorf("expected demo key default, got %q", cfg.Bridge.Key)
	}
	if cfg.Bridge.AllowPlaintext {
		t.Error("expected allowPlaintext override to false")
	}
	if cfg.Bridge.Dedup.Window != 2*time.Minute {
		t.Errorf("dedup window: got %v, want 2m", cfg.Bridge.Dedup.Window)
	}
	if !cfg.Bridge.Dedup.Enabled {
		t.Error("expected dedup enabled by default")
	}
	if !cfg.Bridge.Anomaly.Enabled {
		t.Error("expected anomaly detection enabled by default")
	}

	if len(cfg.Bridge.Fleet.Vehicles) != 2 {
		t.Fatalf("expected 2 vehicles, got %d", len(cfg.Bridge.Fleet.Vehicles))
	}
	if cfg.Bridge.Fleet.Vehicles[0].ID != "VHC_01" || string(cfg.Bridge.Fleet.Vehicles[0].Geography) != "urban" {
		t.Errorf("unexpected first vehicle: %+v", cfg.Bridge.Fleet.Vehicles[0])
	}

	if len(cfg.Peers) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(cfg.Peers))
	}
	peer := cfg.GetPeer("canbus")
	if peer == nil {
		t.Fatal("peer canbus not found")
	}
	if peer.ConnectorName != "mqtt" {
		t.Errorf("connector: got %q, want mqtt", peer.ConnectorName)
	}

	pl := cfg.GetPipeline("telemetry")
	if pl == nil {
		t.Fatal("pipeline telemetry not found")
	}
	if len(pl.Sources) != 1 || pl.Sources[0].Name != "canbus" {
		t.Errorf("unexpected sources: %+v", pl.Sources)
	}
	if len(pl.Sinks) != 1 || pl.Sinks[0].Name != "store" {
		t.Errorf("unexpected sinks: %+v", pl.Sinks)
	}

	if cfg.GetPeer("missing") != nil {
		t.Error("expected nil for unknown peer")
	}
	if cfg.GetPipeline("missing") != nil {
		t.Error("expected nil for unknown pipeline")
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}
