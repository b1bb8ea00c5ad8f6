package transform

import (
	"fmt"

	"github.com/canflux/canflux/pkg/telemetry"
)

// ExtractConfig holds the configuration for the extract transformation
type ExtractConfig struct {
	Signals []string `json:"signals"`
}

// Validate validates the ExtractConfig
func (c *ExtractConfig) Validate() error {
	if len(c.Signals) == 0 {
		return fmt.Errorf("at least one signal is required")
	}
	return nil
}

// Type returns the type of the transformation
func (c *ExtractConfig) Type() string {
	return "extract"
}

// Extract creates a Func that keeps only the specified signals on an event.
// The underlying sample and anomaly are copied, never mutated in place, as
// the same payload may be fanned out to several sinks.
func Extract(config *ExtractConfig) Func {
	return func(event *telemetry.Event) (*telemetry.Event, error) {
		if err := config.Validate(); err != nil {
			return event, fmt.Errorf("invalid extract configuration: %w", err)
		}
		current := event

		if current.Sample != nil {
			kept := make(map[string]float64)
			for _, name := range config.Signals {
				if value, exists := current.Sample.Signals[name]; exists {
					kept[name] = value
				}
			}
			sample := *current.Sample
			sample.Signals = kept
			current.Sample = &sample
		}

		if current.Anomaly != nil && current.Anomaly.Signals != nil {
			kept := make(map[string]float64)
			for _, name := range config.Signals {
				if value, exists := current.Anomaly.Signals[name]; exists {
					kept[name] = value
				}
			}
			anomaly := *current.Anomaly
			anomaly.Signals = kept
			current.Anomaly = &anomaly
		}

		return current, nil
	}
}
