// Package sim generates vehicle telemetry and publishes it to the broker,
// standing in for a bench publisher during development and demos.
//
// Every interval it emits one frame per catalog message on the configured
// topic. Values are drawn randomly but stay physically coherent: the gear
// matches the vehicle speed, the fan only runs when the AC is on, and the AC
// is more likely to be running when the cabin is uncomfortably hot or cold.
// Frames are sealed in the encrypted envelope unless plaintext mode is set.
package sim

import (
	"cmp"
	"context"
	"fmt"
	"math"
	mrand "math/rand"
	"time"

	"github.com/canflux/canflux/pkg/canbus"
	"github.com/canflux/canflux/pkg/envelope"
	"github.com/canflux/canflux/pkg/telemetry"
	"github.com/canflux/canflux/pkg/util/rand"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Options configures a simulator. Zero values fall back to the demo
// publisher's behavior: the local broker, topic can/data, one round every
// five seconds, frames sealed under the demo key.
type Options struct {
	Broker    string
	Topic     string
	Interval  time.Duration
	Key       string
	IV        string
	Plaintext bool
	Catalog   *canbus.Catalog
	Seed      int64
	Logger    *zap.Logger
}

// Simulator publishes generated telemetry rounds until its context ends.
type Simulator struct {
	opts   Options
	client mqtt.Client
	gen    *generator
	logger *zap.Logger
}

// New builds a simulator, applying demo defaults for unset options.
func New(opts Options) (*Simulator, error) {
	opts.Broker = cmp.Or(opts.Broker, "tcp://127.0.0.1:1883")
	opts.Topic = cmp.Or(opts.Topic, "can/data")
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if !opts.Plaintext {
		opts.Key = cmp.Or(opts.Key, envelope.DemoKey)
		opts.IV = cmp.Or(opts.IV, envelope.DemoIV)
	}
	if opts.Catalog == nil {
		opts.Catalog = canbus.Default()
	}
	if opts.Catalog.Len() == 0 {
		return nil, fmt.Errorf("sim: catalog defines no messages")
	}

	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = zap.NewProduction()
		if err != nil {
			logger = zap.NewNop()
		}
	}

	return &Simulator{
		opts:   opts,
		gen:    &generator{rng: mrand.New(mrand.NewSource(seed))},
		logger: logger,
	}, nil
}

// Run connects to the broker and publishes one round immediately, then one
// per interval, until ctx is cancelled.
func (s *Simulator) Run(ctx context.Context) error {
	mqttOpts := mqtt.NewClientOptions().
		AddBroker(s.opts.Broker).
		SetClientID("canflux-sim-" + rand.NewName()).
		SetAutoReconnect(true).
		SetConnectRetry(true)

	s.client = mqtt.NewClient(mqttOpts)
	token := s.client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return fmt.Errorf("sim: timed out connecting to %s", s.opts.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("sim: connect to %s: %w", s.opts.Broker, err)
	}
	defer s.client.Disconnect(250)

	s.logger.Info("Simulator started",
		zap.String("broker", s.opts.Broker),
		zap.String("topic", s.opts.Topic),
		zap.Duration("interval", s.opts.Interval),
		zap.Bool("encrypted", !s.opts.Plaintext))

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		if err := s.publishRound(); err != nil {
			s.logger.Warn("Publish round failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			s.logger.Info("Simulator stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// publishRound emits one frame per catalog message.
func (s *Simulator) publishRound() error {
	for _, msg := range s.opts.Catalog.Messages() {
		payload, err := s.framePayload(&msg)
		if err != nil {
			return err
		}
		token := s.client.Publish(s.opts.Topic, 0, false, payload)
		if !token.WaitTimeout(10 * time.Second) {
			return fmt.Errorf("sim: publish %s timed out", msg.Name)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("sim: publish %s: %w", msg.Name, err)
		}
		s.logger.Debug("Published frame",
			zap.String("message", msg.Name),
			zap.String("frame_id", canbus.FormatFrameID(msg.ID)))
	}
	return nil
}

// framePayload generates signal values for one message and renders the bus
// payload, sealed unless plaintext mode is on.
func (s *Simulator) framePayload(msg *canbus.Message) ([]byte, error) {
	frame, err := canbus.NewFrame(msg, s.gen.signals(msg))
	if err != nil {
		return nil, err
	}
	plaintext, err := frame.Encode()
	if err != nil {
		return nil, err
	}
	if s.opts.Plaintext {
		return plaintext, nil
	}

	env, err := envelope.Seal(plaintext, []byte(s.opts.Key), []byte(s.opts.IV))
	if err != nil {
		return nil, err
	}
	return env.Encode()
}

// generator draws signal values. Kept separate from the publisher so the
// value coherence rules are testable with a fixed seed.
type generator struct {
	rng *mrand.Rand
}

func (g *generator) signals(msg *canbus.Message) map[string]float64 {
	switch msg.Name {
	case telemetry.MsgEngineData:
		return g.engineData()
	case telemetry.MsgVehicleData:
		return g.vehicleData()
	case telemetry.MsgClimateControl:
		return g.climateControl()
	default:
		return g.uniform(msg)
	}
}

func (g *generator) engineData() map[string]float64 {
	return map[string]float64{
		"EngineSpeed":  float64(g.intn(800, 6000)),
		"EngineTemp":   float64(g.intn(60, 120)),
		"BatteryLevel": float64(g.intn(0, 100)),
	}
}

func (g *generator) vehicleData() map[string]float64 {
	speed := g.intn(0, 240)
	voltage := math.Round((360+g.rng.Float64()*60)*10) / 10
	return map[string]float64{
		"Speed":          float64(speed),
		"GearPosition":   float64(telemetry.GearForSpeed(float64(speed))),
		"BatteryVoltage": voltage,
	}
}

func (g *generator) climateControl() map[string]float64 {
	temp := g.intn(10, 35)

	// The AC is more often on when the cabin is uncomfortable
	acChance := 0.3
	if temp < 15 || temp > 30 {
		acChance = 0.6
	}
	ac := 0
	fan := 0
	if g.rng.Float64() < acChance {
		ac = 1
		fan = g.intn(1, 5)
	}

	return map[string]float64{
		"CabinTemp": float64(temp),
		"FanSpeed":  float64(fan),
		"ACStatus":  float64(ac),
	}
}

// uniform draws each signal between its catalog bounds, for custom catalogs
// the generator knows nothing about.
func (g *generator) uniform(msg *canbus.Message) map[string]float64 {
	out := make(map[string]float64, len(msg.Signals))
	for _, sig := range msg.Signals {
		v := sig.Min + g.rng.Float64()*(sig.Max-sig.Min)
		if sig.Factor >= 1 {
			v = math.Round(v)
		}
		out[sig.Name] = v
	}
	return out
}

func (g *generator) intn(min, max int) int {
	return min + g.rng.Intn(max-min+1)
}
