package transform

import (
	"fmt"
	"regexp"

	"github.com/canflux/canflux/pkg/telemetry"
)

// RelabelConfig holds the configuration for the relabel transformation
type RelabelConfig struct {
	// Vehicle ID replacements
	Vehicles map[string]string `json:"vehicles,omitempty"`

	// Signal name replacements
	Signals map[string]string `json:"signals,omitempty"`

	// Regex replacements
	Regex []RegexRelabel `json:"regex,omitempty"`

	// Unit conversions, applied after renames
	Scale []ScaleRule `json:"scale,omitempty"`
}

// RegexRelabel defines a regex-based replacement rule
type RegexRelabel struct {
	Type    string `json:"type"`    // "vehicle" or "signal"
	Pattern string `json:"pattern"` // Regex pattern to match
	Replace string `json:"replace"` // Replacement string (can use regex groups)
}

// ScaleRule converts a signal value as value*Factor + Offset,
// eg Speed in km/h to mph with factor 0.621371.
type ScaleRule struct {
	Signal string  `json:"signal"`
	Factor float64 `json:"factor"`
	Offset float64 `json:"offset,omitempty"`
}

// Validate validates the RelabelConfig
func (c *RelabelConfig) Validate() error {
	// Ensure at least one replacement type is configured
	if len(c.Vehicles) == 0 &&
		len(c.Signals) == 0 &&
		len(c.Regex) == 0 &&
		len(c.Scale) == 0 {
		return fmt.Errorf("at least one relabel configuration is required")
	}

	// Validate regex patterns
	for _, regex := range c.Regex {
		if !isValidRelabelType(regex.Type) {
			return fmt.Errorf("invalid relabel type: %s", regex.Type)
		}
		if _, err := regexp.Compile(regex.Pattern); err != nil {
			return fmt.Errorf("invalid regex pattern %s: %w", regex.Pattern, err)
		}
	}

	// Validate scale rules
	for _, rule := range c.Scale {
		if rule.Signal == "" {
			return fmt.Errorf("scale rule requires a signal name")
		}
		if rule.Factor == 0 {
			return fmt.Errorf("scale rule for %s requires a non-zero factor", rule.Signal)
		}
	}

	return nil
}

func isValidRelabelType(t string) bool {
	return t == "vehicle" || t == "signal"
}

// Type returns the type of the transformation
func (c *RelabelConfig) Type() string {
	return "relabel"
}

// Relabel creates a Func that performs the configured replacements
func Relabel(config *RelabelConfig) Func {
	return func(event *telemetry.Event) (*telemetry.Event, error) {
		if err := config.Validate(); err != nil {
			return event, fmt.Errorf("invalid relabel configuration: %w", err)
		}

		// Copy the event; the sample and anomaly payloads are shared across sinks
		current := *event

		if current.Sample != nil {
			sample := *current.Sample
			sample.VehicleID = relabelVehicle(sample.VehicleID, config)
			sample.Signals = relabelSignals(sample.Signals, config)
			current.Sample = &sample
		}

		if current.Anomaly != nil {
			anomaly := *current.Anomaly
			anomaly.VehicleID = relabelVehicle(anomaly.VehicleID, config)
			anomaly.Signals = relabelSignals(anomaly.Signals, config)
			current.Anomaly = &anomaly
		}

		return &current, nil
	}
}

// relabelVehicle applies exact then regex replacements to a vehicle ID
func relabelVehicle(id string, config *RelabelConfig) string {
	if newID, exists := config.Vehicles[id]; exists {
		id = newID
	}
	for _, regex := range config.Regex {
		if regex.Type != "vehicle" {
			continue
		}
		re := regexp.MustCompile(regex.Pattern)
		id = re.ReplaceAllString(id, regex.Replace)
	}
	return id
}

// relabelSignals creates a new signal map with replaced names and scaled values
func relabelSignals(signals map[string]float64, config *RelabelConfig) map[string]float64 {
	if signals == nil {
		return nil
	}

	relabeled := make(map[string]float64, len(signals))
	for name, value := range signals {
		newName := name
		if replacement, exists := config.Signals[name]; exists {
			newName = replacement
		}
		for _, regex := range config.Regex {
			if regex.Type != "signal" {
				continue
			}
			re := regexp.MustCompile(regex.Pattern)
			newName = re.ReplaceAllString(newName, regex.Replace)
		}
		relabeled[newName] = value
	}

	// Scale rules match post-rename signal names
	for _, rule := range config.Scale {
		if value, exists := relabeled[rule.Signal]; exists {
			relabeled[rule.Signal] = value*rule.Factor + rule.Offset
		}
	}

	return relabeled
}
