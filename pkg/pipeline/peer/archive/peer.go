// Package archive appends decoded telemetry to local CSV files, a flat
// audit trail that needs no running store to inspect.
//
// Two files are kept under the configured directory: can_data.csv holds
// samples long format (one row per signal), anomalies.csv holds one row per
// anomaly. Headers are written when a file is created, and rows are appended
// across restarts.
package archive

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/canflux/canflux/pkg/canbus"
	"github.com/canflux/canflux/pkg/pipeline"
	"github.com/canflux/canflux/pkg/telemetry"
	"github.com/canflux/canflux/pkg/util"
)

const (
	sampleFile  = "can_data.csv"
	anomalyFile = "anomalies.csv"
)

var sampleHeader = []string{"timestamp", "vehicle_id", "geography", "message", "frame_id", "signal", "value"}
var anomalyHeader = []string{"timestamp", "id", "vehicle_id", "type", "message", "geography", "severity", "details"}

// PeerArchive is the CSV sink
type PeerArchive struct {
	config *Config

	mu        sync.Mutex
	samples   *csvFile
	anomalies *csvFile
}

type Config struct {
	Dir string `json:"dir"`
}

type csvFile struct {
	f *os.File
	w *csv.Writer
}

func openCSV(path string, header []string) (*csvFile, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(header); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to write header to %s: %w", path, err)
		}
		w.Flush()
	}

	return &csvFile{f: f, w: w}, nil
}

func (c *csvFile) write(record []string) error {
	if err := c.w.Write(record); err != nil {
		return err
	}
	c.w.Flush()
	return c.w.Error()
}

func (c *csvFile) close() error {
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		c.f.Close()
		return err
	}
	return c.f.Close()
}

func (p *PeerArchive) Connect(config json.RawMessage, args ...any) error {
	cfg := Config{}
	if config != nil {
		if err := json.Unmarshal(config, &cfg); err != nil {
			return fmt.Errorf("failed to parse archive config: %w", err)
		}
	}
	if cfg.Dir == "" {
		cfg.Dir = util.GetEnvOrDefault("CANFLUX_ARCHIVE_DIR", "./archive")
	}
	p.config = &cfg

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create archive dir: %w", err)
	}

	samples, err := openCSV(filepath.Join(cfg.Dir, sampleFile), sampleHeader)
	if err != nil {
		return err
	}
	anomalies, err := openCSV(filepath.Join(cfg.Dir, anomalyFile), anomalyHeader)
	if err != nil {
		samples.close()
		return err
	}

	p.samples = samples
	p.anomalies = anomalies
	return nil
}

func (p *PeerArchive) Pub(event telemetry.Event, args ...any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.samples == nil || p.anomalies == nil {
		return errors.New("archive not initialized")
	}

	switch event.Kind {
	case telemetry.KindAnomaly:
		if event.Anomaly == nil {
			return errors.New("anomaly event carries no payload")
		}
		return p.anomalies.write(anomalyRecord(event.Anomaly))
	default:
		if event.Sample == nil {
			return errors.New("sample event carries no payload")
		}
		for _, record := range sampleRecords(event.Sample) {
			if err := p.samples.write(record); err != nil {
				return err
			}
		}
		return nil
	}
}

// sampleRecords explodes a sample into one CSV row per signal, ordered by
// signal name.
func sampleRecords(s *telemetry.Sample) [][]string {
	names := make([]string, 0, len(s.Signals))
	for name := range s.Signals {
		names = append(names, name)
	}
	sort.Strings(names)

	records := make([][]string, 0, len(names))
	for _, name := range names {
		records = append(records, []string{
			s.Time.Format(time.RFC3339Nano),
			s.VehicleID,
			string(s.Geography),
			s.Message,
			canbus.FormatFrameID(s.FrameID),
			name,
			strconv.FormatFloat(s.Signals[name], 'g', -1, 64),
		})
	}
	return records
}

func anomalyRecord(a *telemetry.Anomaly) []string {
	return []string{
		a.Time.Format(time.RFC3339Nano),
		a.ID,
		a.VehicleID,
		a.Type,
		a.Message,
		string(a.Geography),
		string(a.Severity),
		a.Details,
	}
}

func (p *PeerArchive) Sub(args ...any) (<-chan telemetry.Event, error) {
	return nil, pipeline.ErrConnectorTypeMismatch
}

func (p *PeerArchive) Type() pipeline.ConnectorType {
	return pipeline.ConnectorTypePub
}

func (p *PeerArchive) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	if p.samples != nil {
		errs = append(errs, p.samples.close())
		p.samples = nil
	}
	if p.anomalies != nil {
		errs = append(errs, p.anomalies.close())
		p.anomalies = nil
	}
	return errors.Join(errs...)
}

func init() {
	pipeline.RegisterConnector(pipeline.ConnectorArchive, &PeerArchive{})
}
