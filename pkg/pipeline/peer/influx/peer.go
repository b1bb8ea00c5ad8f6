package influx

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/canflux/canflux/pkg/canbus"
	"github.com/canflux/canflux/pkg/metrics"
	"github.com/canflux/canflux/pkg/pipeline"
	"github.com/canflux/canflux/pkg/telemetry"
	"github.com/canflux/canflux/pkg/util"
	"github.com/cenkalti/backoff/v4"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"
)

// AnomalyMeasurement is where anomaly events are recorded.
const AnomalyMeasurement = "anomalies"

// PeerInflux is the InfluxDB sink
type PeerInflux struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	config   *Config
	logger   *zap.Logger
}

type Config struct {
	URL    string `json:"url"`
	Token  string `json:"token"`
	Org    string `json:"org"`
	Bucket string `json:"bucket"`
	// BatchSize is the number of points buffered before a write, default 100
	BatchSize uint `json:"batchSize,omitempty"`
	// FlushIntervalMs flushes partial batches after this many milliseconds, default 1000
	FlushIntervalMs uint `json:"flushIntervalMs,omitempty"`
	// ConnectTimeout bounds the initial health-check retry loop, default 2m
	ConnectTimeout time.Duration `json:"connectTimeout,omitempty"`
}

func (p *PeerInflux) Connect(config json.RawMessage, args ...any) error {
	cfg := Config{}
	if config != nil {
		if err := json.Unmarshal(config, &cfg); err != nil {
			return fmt.Errorf("failed to parse InfluxDB config: %w", err)
		}
	}

	cfg.URL = cmp.Or(cfg.URL, util.GetEnvOrDefault("CANFLUX_INFLUXDB_URL", "http://localhost:8086"))
	cfg.Token = cmp.Or(cfg.Token, util.GetEnvOrDefault("CANFLUX_INFLUXDB_TOKEN", ""))
	cfg.Org = cmp.Or(cfg.Org, util.GetEnvOrDefault("CANFLUX_INFLUXDB_ORG", "canbus"))
	cfg.Bucket = cmp.Or(cfg.Bucket, util.GetEnvOrDefault("CANFLUX_INFLUXDB_BUCKET", "can_data"))
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushIntervalMs == 0 {
		cfg.FlushIntervalMs = 1000
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 2 * time.Minute
	}
	p.config = &cfg

	if p.logger == nil {
		logger, err := zap.NewProduction()
		if err != nil {
			logger = zap.NewNop()
		}
		p.logger = logger
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(cfg.BatchSize).
			SetFlushInterval(cfg.FlushIntervalMs))

	// The store may still be coming up alongside the bridge
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = cfg.ConnectTimeout

	ping := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ok, err := client.Ping(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("influxdb not ready")
		}
		return nil
	}
	if err := backoff.Retry(ping, b); err != nil {
		client.Close()
		return fmt.Errorf("failed to reach InfluxDB at %s: %w", cfg.URL, err)
	}

	p.client = client
	p.writeAPI = client.WriteAPI(cfg.Org, cfg.Bucket)

	// Async write failures surface on the error channel
	go func() {
		for err := range p.writeAPI.Errors() {
			metrics.PublishErrors.WithLabelValues(pipeline.ConnectorInflux).Inc()
			p.logger.Error("InfluxDB write failed", zap.Error(err))
		}
	}()

	p.logger.Info("Connected to InfluxDB",
		zap.String("url", cfg.URL),
		zap.String("org", cfg.Org),
		zap.String("bucket", cfg.Bucket))

	return nil
}

func (p *PeerInflux) Pub(event telemetry.Event, args ...any) error {
	if p.writeAPI == nil {
		return errors.New("InfluxDB write API not initialized")
	}

	var point *write.Point
	switch event.Kind {
	case telemetry.KindAnomaly:
		if event.Anomaly == nil {
			return errors.New("anomaly event carries no payload")
		}
		point = anomalyPoint(event.Anomaly)
	default:
		if event.Sample == nil {
			return errors.New("sample event carries no payload")
		}
		point = samplePoint(event.Sample)
	}

	p.writeAPI.WritePoint(point)
	metrics.PointsWritten.WithLabelValues(point.Name()).Inc()
	return nil
}

// samplePoint maps a decoded sample to one point in its message's measurement
func samplePoint(s *telemetry.Sample) *write.Point {
	return influxdb2.NewPoint(s.Message, sampleTags(s), sampleFields(s), s.Time)
}

func sampleTags(s *telemetry.Sample) map[string]string {
	tags := map[string]string{
		"vehicle_id": s.VehicleID,
		"frame_id":   canbus.FormatFrameID(s.FrameID),
	}
	if s.Geography != "" {
		tags["geography"] = string(s.Geography)
	}
	return tags
}

func sampleFields(s *telemetry.Sample) map[string]any {
	fields := make(map[string]any, len(s.Signals))
	for name, value := range s.Signals {
		fields[name] = value
	}
	return fields
}

// anomalyPoint maps an anomaly to the shared anomalies measurement
func anomalyPoint(a *telemetry.Anomaly) *write.Point {
	return influxdb2.NewPoint(AnomalyMeasurement, anomalyTags(a), anomalyFields(a), a.Time)
}

func anomalyTags(a *telemetry.Anomaly) map[string]string {
	tags := map[string]string{
		"vehicle_id":   a.VehicleID,
		"anomaly_type": a.Type,
		"severity":     string(a.Severity),
	}
	if a.Message != "" {
		tags["message_type"] = a.Message
	}
	if a.Geography != "" {
		tags["geography"] = string(a.Geography)
	}
	return tags
}

func anomalyFields(a *telemetry.Anomaly) map[string]any {
	fields := map[string]any{"anomaly_count": int64(1)}
	for name, value := range a.Signals {
		fields["value_"+name] = value
	}
	return fields
}

func (p *PeerInflux) Sub(args ...any) (<-chan telemetry.Event, error) {
	return nil, pipeline.ErrConnectorTypeMismatch
}

func (p *PeerInflux) Type() pipeline.ConnectorType {
	return pipeline.ConnectorTypePub
}

func (p *PeerInflux) Disconnect() error {
	if p.writeAPI != nil {
		p.writeAPI.Flush()
	}
	if p.client != nil {
		p.client.Close()
	}
	return nil
}

func init() {
	pipeline.RegisterConnector(pipeline.ConnectorInflux, &PeerInflux{})
}
