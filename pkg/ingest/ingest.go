// Package ingest turns raw bus payloads into pipeline events.
//
// The decode chain runs source-side, in payload order: envelope detection
// and decryption, replay suppression keyed on the envelope hash, frame
// parsing, catalog unpacking when the publisher sent raw bytes only, signal
// normalization, fleet attribution, and finally anomaly evaluation. Every
// drop is counted by stage, so a misbehaving publisher shows up in metrics
// before anyone reads logs.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/canflux/canflux/pkg/anomaly"
	"github.com/canflux/canflux/pkg/canbus"
	"github.com/canflux/canflux/pkg/dedup"
	"github.com/canflux/canflux/pkg/envelope"
	"github.com/canflux/canflux/pkg/fleet"
	"github.com/canflux/canflux/pkg/metrics"
	"github.com/canflux/canflux/pkg/telemetry"
)

// Decode chain stages, used as the label on drop counters.
const (
	StageEnvelope = "envelope"
	StageDedup    = "dedup"
	StageFrame    = "frame"
	StageCatalog  = "catalog"
)

// ErrEncryptedNoKey means an envelope arrived but the bridge has no key.
var ErrEncryptedNoKey = errors.New("ingest: encrypted payload but no key configured")

// ErrPlaintextRejected means a plaintext payload arrived while the bridge
// requires envelopes.
var ErrPlaintextRejected = errors.New("ingest: plaintext payload rejected")

// Options assembles a Decoder. Nil fields take working defaults: the
// built-in catalog, the demo fleet, no dedup, no detector.
type Options struct {
	Catalog *canbus.Catalog
	// Key enables envelope decryption. Empty means plaintext-only ingest.
	Key []byte
	// AllowPlaintext also accepts non-envelope payloads when a key is set.
	AllowPlaintext bool
	Deduper        dedup.Deduper
	Fleet          *fleet.Assigner
	Detector       *anomaly.Detector
	Logger         *zap.Logger
}

// Decoder converts one bus payload into zero or more events. Safe for
// concurrent use.
type Decoder struct {
	catalog        *canbus.Catalog
	key            []byte
	allowPlaintext bool
	deduper        dedup.Deduper
	fleet          *fleet.Assigner
	detector       *anomaly.Detector
	logger         *zap.Logger
	nowFunc        func() time.Time
}

// NewDecoder validates options and builds a decoder.
func NewDecoder(opts Options) (*Decoder, error) {
	switch len(opts.Key) {
	case 0, 16, 24, 32:
	default:
		return nil, fmt.Errorf("ingest: key must be 16, 24, or 32 bytes, got %d", len(opts.Key))
	}
	d := &Decoder{
		catalog:        opts.Catalog,
		key:            opts.Key,
		allowPlaintext: opts.AllowPlaintext,
		deduper:        opts.Deduper,
		fleet:          opts.Fleet,
		detector:       opts.Detector,
		logger:         opts.Logger,
		nowFunc:        time.Now,
	}
	if d.catalog == nil {
		d.catalog = canbus.Default()
	}
	if d.deduper == nil {
		d.deduper = dedup.Nop{}
	}
	if d.fleet == nil {
		d.fleet = fleet.Default()
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	return d, nil
}

// Decode runs the chain on one payload. A dropped payload returns an error
// naming the failing stage; a suppressed duplicate returns (nil, nil).
func (d *Decoder) Decode(ctx context.Context, topic string, payload []byte) ([]telemetry.Event, error) {
	metrics.FramesReceived.WithLabelValues(topic).Inc()
	start := d.nowFunc()
	defer func() {
		metrics.DecodeDuration.Observe(time.Since(start).Seconds())
	}()

	plaintext, hash, err := d.open(payload)
	if err != nil {
		metrics.DecodeFailures.WithLabelValues(StageEnvelope).Inc()
		return nil, err
	}

	seen, err := d.deduper.Seen(ctx, hash)
	if err != nil {
		// Dedup is advisory: an unreachable store must not stall ingest.
		metrics.DecodeFailures.WithLabelValues(StageDedup).Inc()
		d.logger.Warn("dedup check failed, accepting payload", zap.Error(err))
	} else if seen {
		metrics.DuplicatesDropped.Inc()
		d.logger.Debug("duplicate payload dropped", zap.String("hash", hash))
		return nil, nil
	}

	frame, err := canbus.ParseFrame(plaintext)
	if err != nil {
		metrics.DecodeFailures.WithLabelValues(StageFrame).Inc()
		return nil, err
	}

	sample, err := d.toSample(topic, frame)
	if err != nil {
		metrics.DecodeFailures.WithLabelValues(StageCatalog).Inc()
		return nil, err
	}
	metrics.SamplesDecoded.WithLabelValues(sample.Message).Inc()

	events := []telemetry.Event{telemetry.NewSampleEvent(sample)}
	if d.detector != nil {
		for _, a := range d.detector.Evaluate(sample) {
			events = append(events, telemetry.NewAnomalyEvent(a))
		}
	}
	return events, nil
}

// open unwraps the envelope if there is one and returns the frame plaintext
// plus the dedup hash. Plaintext payloads are hashed on arrival.
func (d *Decoder) open(payload []byte) ([]byte, string, error) {
	if envelope.Detect(payload) {
		if len(d.key) == 0 {
			return nil, "", ErrEncryptedNoKey
		}
		env, err := envelope.Parse(payload)
		if err != nil {
			return nil, "", err
		}
		plaintext, err := env.Open(d.key)
		if err != nil {
			return nil, "", err
		}
		return plaintext, env.Hash, nil
	}

	if len(d.key) > 0 && !d.allowPlaintext {
		return nil, "", ErrPlaintextRejected
	}
	sum := sha256.Sum256(payload)
	return payload, hex.EncodeToString(sum[:]), nil
}

// toSample resolves the frame against the catalog, fills in signals, and
// attributes the reading to a vehicle.
func (d *Decoder) toSample(topic string, frame *canbus.Frame) (telemetry.Sample, error) {
	var msg *canbus.Message
	if id, ok := frame.FrameID(); ok {
		msg, _ = d.catalog.ByID(id)
	}
	if msg == nil && frame.Name != "" {
		msg, _ = d.catalog.ByName(frame.Name)
	}

	signals := frame.Signals
	if len(signals) == 0 {
		if msg == nil {
			return telemetry.Sample{}, fmt.Errorf("ingest: unknown message %q sent raw bytes only", frame.Name)
		}
		unpacked, err := canbus.Unpack(msg, frame.Payload())
		if err != nil {
			return telemetry.Sample{}, err
		}
		signals = unpacked
	}

	name := frame.Name
	frameID := uint32(0)
	if msg != nil {
		name = msg.Name
		frameID = msg.ID
	} else if id, ok := frame.FrameID(); ok {
		frameID = id
	}

	telemetry.Normalize(name, signals)

	v := d.fleet.Next()
	return telemetry.Sample{
		VehicleID: v.ID,
		Geography: v.Geography,
		Message:   name,
		FrameID:   frameID,
		Signals:   signals,
		Raw:       frame.Payload(),
		Topic:     topic,
		Time:      d.nowFunc(),
	}, nil
}
