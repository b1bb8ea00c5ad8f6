package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/canflux/canflux/pkg/anomaly"
	"github.com/canflux/canflux/pkg/canbus"
	"github.com/canflux/canflux/pkg/dedup"
	"github.com/canflux/canflux/pkg/envelope"
	"github.com/canflux/canflux/pkg/fleet"
	"github.com/canflux/canflux/pkg/telemetry"
)

var demoKey = []byte(envelope.DemoKey)

func engineFrame(t *testing.T, signals map[string]float64) []byte {
	t.Helper()
	msg, ok := canbus.Default().ByName(telemetry.MsgEngineData)
	if !ok {
		t.Fatal("EngineData missing from default catalog")
	}
	f, err := canbus.NewFrame(msg, signals)
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.Encode()
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func sealed(t *testing.T, plaintext []byte) []byte {
	t.Helper()
	e, err := envelope.Seal(plaintext, demoKey, []byte(envelope.DemoIV))
	if err != nil {
		t.Fatal(err)
	}
	b, err := e.Encode()
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestDecodeEncryptedFrame(t *testing.T) {
	d, err := NewDecoder(Options{Key: demoKey})
	if err != nil {
		t.Fatal(err)
	}

	signals := map[string]float64{"EngineSpeed": 3200, "EngineTemp": 92, "BatteryLevel": 76}
	events, err := d.Decode(context.Background(), "can/data", sealed(t, engineFrame(t, signals)))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}

	e := events[0]
	if e.Kind != telemetry.KindSample {
		t.Fatalf("kind = %s", e.Kind)
	}
	s := e.Sample
	if s.Message != telemetry.MsgEngineData || s.FrameID != 0x123 {
		t.Errorf("sample = %s/%#x", s.Message, s.FrameID)
	}
	if s.VehicleID != "VHC_01" {
		t.Errorf("vehicle = %s, want VHC_01 first in rotation", s.VehicleID)
	}
	if s.Topic != "can/data" {
		t.Errorf("topic = %s", s.Topic)
	}
	for name, want := range signals {
		if s.Signals[name] != want {
			t.Errorf("signal %s = %v, want %v", name, s.Signals[name], want)
		}
	}
	if s.Time.IsZero() {
		t.Error("sample time not set")
	}
}

func TestDecodePlaintextWithoutKey(t *testing.T) {
	d, err := NewDecoder(Options{})
	if err != nil {
		t.Fatal(err)
	}
	events, err := d.Decode(context.Background(), "can/data",
		engineFrame(t, map[string]float64{"EngineSpeed": 3000, "EngineTemp": 90, "BatteryLevel": 70}))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Kind != telemetry.KindSample {
		t.Fatalf("events = %+v", events)
	}
}

func TestDecodeRejectsPlaintextWhenKeyed(t *testing.T) {
	d, err := NewDecoder(Options{Key: demoKey})
	if err != nil {
		t.Fatal(err)
	}
	_, err = d.Decode(context.Background(), "can/data",
		engineFrame(t, map[string]float64{"EngineSpeed": 3000, "EngineTemp": 90, "BatteryLevel": 70}))
	if !errors.Is(err, ErrPlaintextRejected) {
		t.Errorf("err = %v, want ErrPlaintextRejected", err)
	}

	relaxed, err := NewDecoder(Options{Key: demoKey, AllowPlaintext: true})
	if err != nil {
		t.Fatal(err)
	}
	events, err := relaxed.Decode(context.Background(), "can/data",
		engineFrame(t, map[string]float64{"EngineSpeed": 3000, "EngineTemp": 90, "BatteryLevel": 70}))
	if err != nil || len(events) != 1 {
		t.Errorf("relaxed decode = %v, %v", events, err)
	}
}

func TestDecodeRejectsEnvelopeWithoutKey(t *testing.T) {
	d, err := NewDecoder(Options{})
	if err != nil {
		t.Fatal(err)
	}
	_, err = d.Decode(context.Background(), "can/data", sealed(t, engineFrame(t,
		map[string]float64{"EngineSpeed": 3000, "EngineTemp": 90, "BatteryLevel": 70})))
	if !errors.Is(err, ErrEncryptedNoKey) {
		t.Errorf("err = %v, want ErrEncryptedNoKey", err)
	}
}

func TestDecodeDropsDuplicates(t *testing.T) {
	d, err := NewDecoder(Options{Key: demoKey, Deduper: dedup.NewMemory(time.Minute, 100)})
	if err != nil {
		t.Fatal(err)
	}

	payload := sealed(t, engineFrame(t, map[string]float64{"EngineSpeed": 3000, "EngineTemp": 90, "BatteryLevel": 70}))
	events, err := d.Decode(context.Background(), "can/data", payload)
	if err != nil || len(events) != 1 {
		t.Fatalf("first decode = %v, %v", events, err)
	}

	events, err = d.Decode(context.Background(), "can/data", payload)
	if err != nil {
		t.Fatalf("duplicate decode returned error: %v", err)
	}
	if events != nil {
		t.Errorf("duplicate decode = %v, want nil", events)
	}
}

func TestDecodeTamperedEnvelope(t *testing.T) {
	d, err := NewDecoder(Options{Key: demoKey})
	if err != nil {
		t.Fatal(err)
	}
	payload := sealed(t, engineFrame(t, map[string]float64{"EngineSpeed": 3000, "EngineTemp": 90, "BatteryLevel": 70}))
	payload[len(payload)/2] ^= 0x01

	if _, err := d.Decode(context.Background(), "can/data", payload); err == nil {
		t.Error("tampered envelope decoded without error")
	}
}

func TestDecodeGarbage(t *testing.T) {
	d, err := NewDecoder(Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Decode(context.Background(), "can/data", []byte("not a frame")); err == nil {
		t.Error("garbage decoded without error")
	}
}

func TestDecodeUnpacksRawBytes(t *testing.T) {
	catalog := canbus.Default()
	msg, _ := catalog.ByName(telemetry.MsgClimateControl)
	signals := map[string]float64{"CabinTemp": 24, "FanSpeed": 3, "ACStatus": 1}
	f, err := canbus.NewFrame(msg, signals)
	if err != nil {
		t.Fatal(err)
	}
	f.Signals = nil // publisher sent raw bytes only
	payload, err := f.Encode()
	if err != nil {
		t.Fatal(err)
	}

	d, err := NewDecoder(Options{Catalog: catalog})
	if err != nil {
		t.Fatal(err)
	}
	events, err := d.Decode(context.Background(), "can/data", payload)
	if err != nil {
		t.Fatal(err)
	}
	s := events[0].Sample
	for name, want := range signals {
		if s.Signals[name] != want {
			t.Errorf("signal %s = %v, want %v", name, s.Signals[name], want)
		}
	}
}

func TestDecodeUnknownMessageWithSignals(t *testing.T) {
	d, err := NewDecoder(Options{})
	if err != nil {
		t.Fatal(err)
	}
	payload := []byte(`{"id":"0x7FF","name":"AuxData","signals":{"AuxVoltage":12.6}}`)
	events, err := d.Decode(context.Background(), "can/data", payload)
	if err != nil {
		t.Fatal(err)
	}
	s := events[0].Sample
	if s.Message != "AuxData" || s.FrameID != 0x7FF {
		t.Errorf("sample = %s/%#x", s.Message, s.FrameID)
	}
	if s.Signals["AuxVoltage"] != 12.6 {
		t.Errorf("AuxVoltage = %v", s.Signals["AuxVoltage"])
	}
}

func TestDecodeUnknownMessageRawOnly(t *testing.T) {
	d, err := NewDecoder(Options{})
	if err != nil {
		t.Fatal(err)
	}
	payload := []byte(`{"id":"0x7FF","name":"AuxData","data":[1,2,3,4]}`)
	if _, err := d.Decode(context.Background(), "can/data", payload); err == nil {
		t.Error("raw bytes for unknown message decoded without error")
	}
}

func TestDecodeNormalizesClimate(t *testing.T) {
	d, err := NewDecoder(Options{})
	if err != nil {
		t.Fatal(err)
	}
	// AC off but fan reportedly running.
	payload := []byte(`{"id":"0x125","name":"ClimateControl","signals":{"CabinTemp":22.4,"FanSpeed":3,"ACStatus":0}}`)
	events, err := d.Decode(context.Background(), "can/data", payload)
	if err != nil {
		t.Fatal(err)
	}
	s := events[0].Sample
	if s.Signals["FanSpeed"] != 0 {
		t.Errorf("FanSpeed = %v, want 0 with AC off", s.Signals["FanSpeed"])
	}
}

func TestDecodeRotatesFleet(t *testing.T) {
	assigner, err := fleet.NewAssigner([]fleet.Vehicle{
		{ID: "A", Geography: telemetry.GeoUrban},
		{ID: "B", Geography: telemetry.GeoHighway},
	})
	if err != nil {
		t.Fatal(err)
	}
	d, err := NewDecoder(Options{Fleet: assigner})
	if err != nil {
		t.Fatal(err)
	}

	frame := engineFrame(t, map[string]float64{"EngineSpeed": 3000, "EngineTemp": 90, "BatteryLevel": 70})
	want := []string{"A", "B", "A"}
	for i, id := range want {
		events, err := d.Decode(context.Background(), "can/data", frame)
		if err != nil {
			t.Fatal(err)
		}
		if got := events[0].Sample.VehicleID; got != id {
			t.Errorf("decode #%d vehicle = %s, want %s", i, got, id)
		}
	}
}

func TestDecodeEmitsAnomalies(t *testing.T) {
	assigner, err := fleet.NewAssigner([]fleet.Vehicle{{ID: "VHC_01", Geography: telemetry.GeoUrban}})
	if err != nil {
		t.Fatal(err)
	}
	d, err := NewDecoder(Options{
		Fleet:    assigner,
		Detector: anomaly.New(anomaly.Config{Warmup: 1_000_000}, nil),
	})
	if err != nil {
		t.Fatal(err)
	}

	calm := []byte(`{"id":"0x124","name":"VehicleData","signals":{"Speed":50,"GearPosition":3,"BatteryVoltage":390}}`)
	speeding := []byte(`{"id":"0x124","name":"VehicleData","signals":{"Speed":66,"GearPosition":3,"BatteryVoltage":390}}`)

	if _, err := d.Decode(context.Background(), "can/data", calm); err != nil {
		t.Fatal(err)
	}
	events, err := d.Decode(context.Background(), "can/data", speeding)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want sample + anomaly", len(events))
	}
	if events[0].Kind != telemetry.KindSample || events[1].Kind != telemetry.KindAnomaly {
		t.Fatalf("kinds = %s, %s", events[0].Kind, events[1].Kind)
	}
	a := events[1].Anomaly
	if a.Type != anomaly.TypeHighSpeedInUrban || a.VehicleID != "VHC_01" {
		t.Errorf("anomaly = %s for %s", a.Type, a.VehicleID)
	}
}

func TestNewDecoderRejectsBadKey(t *testing.T) {
	if _, err := NewDecoder(Options{Key: []byte("short")}); err == nil {
		t.Error("short key accepted")
	}
}
