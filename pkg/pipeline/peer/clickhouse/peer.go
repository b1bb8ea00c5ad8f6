package clickhouse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/canflux/canflux/pkg/metrics"
	"github.com/canflux/canflux/pkg/pipeline"
	"github.com/canflux/canflux/pkg/telemetry"
	"github.com/canflux/canflux/pkg/util"
)

const (
	sampleTable  = "can_samples"
	anomalyTable = "can_anomalies"
)

// PeerClickHouse writes telemetry to ClickHouse for long-horizon analytics.
// Samples are stored long format, one row per signal, and buffered into
// batches; anomalies are rare and inserted directly.
type PeerClickHouse struct {
	conn   driver.Conn
	config *Config

	mu      sync.Mutex
	pending []sampleRow
	stop    chan struct{}
	done    chan struct{}
}

// Config wraps the driver options with batching knobs.
type Config struct {
	clickhouse.Options
	BatchSize       int `json:"batchSize,omitempty"`
	FlushIntervalMs int `json:"flushIntervalMs,omitempty"`
}

type sampleRow struct {
	ts        time.Time
	vehicleID string
	geography string
	message   string
	frameID   uint32
	signal    string
	value     float64
}

func (p *PeerClickHouse) Connect(config json.RawMessage, args ...any) error {
	p.config = &Config{}

	if config != nil {
		if err := json.Unmarshal(config, p.config); err != nil {
			return fmt.Errorf("failed to parse ClickHouse config: %w", err)
		}
	}

	// Set values from environment variables or use defaults
	if len(p.config.Addr) == 0 {
		p.config.Addr = []string{util.GetEnvOrDefault("CANFLUX_CLICKHOUSE_ADDR", "localhost:9000")}
	}
	if p.config.Auth.Database == "" {
		p.config.Auth.Database = util.GetEnvOrDefault("CANFLUX_CLICKHOUSE_AUTH_DATABASE", "default")
	}
	if p.config.Auth.Username == "" {
		p.config.Auth.Username = util.GetEnvOrDefault("CANFLUX_CLICKHOUSE_AUTH_USERNAME", "default")
	}
	if p.config.Auth.Password == "" {
		p.config.Auth.Password = util.GetEnvOrDefault("CANFLUX_CLICKHOUSE_AUTH_PASSWORD", "")
	}
	if p.config.BatchSize == 0 {
		p.config.BatchSize = 500
	}
	if p.config.FlushIntervalMs == 0 {
		p.config.FlushIntervalMs = 5000
	}

	conn, err := clickhouse.Open(&p.config.Options)
	if err != nil {
		return fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		return fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	p.conn = conn
	if err := p.ensureSchema(context.Background()); err != nil {
		conn.Close()
		return err
	}

	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.flushLoop()

	return nil
}

func (p *PeerClickHouse) ensureSchema(ctx context.Context) error {
	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			ts         DateTime64(3),
			vehicle_id LowCardinality(String),
			geography  LowCardinality(String),
			message    LowCardinality(String),
			frame_id   UInt32,
			signal     LowCardinality(String),
			value      Float64
		) ENGINE = MergeTree()
		ORDER BY (vehicle_id, message, ts)`, sampleTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			ts         DateTime64(3),
			id         String,
			vehicle_id LowCardinality(String),
			type       LowCardinality(String),
			message    LowCardinality(String),
			geography  LowCardinality(String),
			severity   LowCardinality(String),
			details    String
		) ENGINE = MergeTree()
		ORDER BY (vehicle_id, type, ts)`, anomalyTable),
	}

	for _, stmt := range ddl {
		if err := p.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure ClickHouse schema: %w", err)
		}
	}
	return nil
}

func (p *PeerClickHouse) Pub(event telemetry.Event, args ...any) error {
	if p.conn == nil {
		return errors.New("ClickHouse connection not initialized")
	}

	switch event.Kind {
	case telemetry.KindAnomaly:
		if event.Anomaly == nil {
			return errors.New("anomaly event carries no payload")
		}
		return p.insertAnomaly(event.Anomaly)
	default:
		if event.Sample == nil {
			return errors.New("sample event carries no payload")
		}
		return p.appendSample(event.Sample)
	}
}

func (p *PeerClickHouse) insertAnomaly(a *telemetry.Anomaly) error {
	err := p.conn.Exec(context.Background(),
		fmt.Sprintf("INSERT INTO %s VALUES (?, ?, ?, ?, ?, ?, ?, ?)", anomalyTable),
		a.Time, a.ID, a.VehicleID, a.Type, a.Message, string(a.Geography), string(a.Severity), a.Details)
	if err != nil {
		return fmt.Errorf("failed to insert anomaly: %w", err)
	}
	return nil
}

func (p *PeerClickHouse) appendSample(s *telemetry.Sample) error {
	rows := sampleRows(s)

	p.mu.Lock()
	p.pending = append(p.pending, rows...)
	full := len(p.pending) >= p.config.BatchSize
	p.mu.Unlock()

	if full {
		return p.flush()
	}
	return nil
}

// sampleRows explodes a sample into one row per signal, ordered by signal
// name so batches are deterministic.
func sampleRows(s *telemetry.Sample) []sampleRow {
	names := make([]string, 0, len(s.Signals))
	for name := range s.Signals {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([]sampleRow, 0, len(names))
	for _, name := range names {
		rows = append(rows, sampleRow{
			ts:        s.Time,
			vehicleID: s.VehicleID,
			geography: string(s.Geography),
			message:   s.Message,
			frameID:   s.FrameID,
			signal:    name,
			value:     s.Signals[name],
		})
	}
	return rows
}

func (p *PeerClickHouse) flush() error {
	p.mu.Lock()
	rows := p.pending
	p.pending = nil
	p.mu.Unlock()

	if len(rows) == 0 {
		return nil
	}

	batch, err := p.conn.PrepareBatch(context.Background(),
		fmt.Sprintf("INSERT INTO %s", sampleTable))
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, r := range rows {
		if err := batch.Append(r.ts, r.vehicleID, r.geography, r.message, r.frameID, r.signal, r.value); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

// flushLoop drains partial batches so a quiet fleet still lands rows promptly.
func (p *PeerClickHouse) flushLoop() {
	defer close(p.done)

	ticker := time.NewTicker(time.Duration(p.config.FlushIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := p.flush(); err != nil {
				metrics.PublishErrors.WithLabelValues(pipeline.ConnectorClickHouse).Inc()
				log.Printf("%v: flush failed: %v", pipeline.ConnectorClickHouse, err)
			}
		case <-p.stop:
			if err := p.flush(); err != nil {
				log.Printf("%v: final flush failed: %v", pipeline.ConnectorClickHouse, err)
			}
			return
		}
	}
}

func (p *PeerClickHouse) Sub(args ...any) (<-chan telemetry.Event, error) {
	return nil, pipeline.ErrConnectorTypeMismatch
}

func (p *PeerClickHouse) Type() pipeline.ConnectorType {
	return pipeline.ConnectorTypePub
}

func (p *PeerClickHouse) Disconnect() error {
	if p.stop != nil {
		close(p.stop)
		<-p.done
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func init() {
	pipeline.RegisterConnector(pipeline.ConnectorClickHouse, &PeerClickHouse{})
}
