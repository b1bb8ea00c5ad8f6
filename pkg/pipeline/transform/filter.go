package transform

import (
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/canflux/canflux/pkg/telemetry"
)

// FilterConfig selects which events continue down a pipeline. An event passes
// when it matches every configured criterion; non-matching events are dropped.
type FilterConfig struct {
	// Kinds limits events to "sample", "anomaly" or both.
	Kinds []string `json:"kinds,omitempty"`
	// Messages and ExcludeMessages match CAN message names exactly.
	Messages        []string `json:"messages,omitempty"`
	ExcludeMessages []string `json:"excludeMessages,omitempty"`
	// MessagePattern is a regular expression matched against the message name.
	MessagePattern string `json:"messagePattern,omitempty"`
	// Vehicles and ExcludeVehicles are glob patterns matched against the
	// vehicle ID, eg "VHC_*".
	Vehicles        []string `json:"vehicles,omitempty"`
	ExcludeVehicles []string `json:"excludeVehicles,omitempty"`
	// Geographies limits events to vehicles reporting from the given zones.
	Geographies []string `json:"geographies,omitempty"`
	// MinSeverity drops anomaly events below the given severity
	// ("info", "warning", "critical"). Sample events are unaffected.
	MinSeverity string `json:"minSeverity,omitempty"`
}

var severityRank = map[string]int{
	string(telemetry.SeverityInfo):     0,
	string(telemetry.SeverityWarning):  1,
	string(telemetry.SeverityCritical): 2,
}

func (c *FilterConfig) Validate() error {
	if len(c.Kinds) == 0 && len(c.Messages) == 0 && len(c.ExcludeMessages) == 0 &&
		c.MessagePattern == "" && len(c.Vehicles) == 0 && len(c.ExcludeVehicles) == 0 &&
		len(c.Geographies) == 0 && c.MinSeverity == "" {
		return fmt.Errorf("at least one filter criteria required")
	}

	if c.MessagePattern != "" {
		if _, err := regexp.Compile(c.MessagePattern); err != nil {
			return fmt.Errorf("invalid message pattern: %w", err)
		}
	}

	for _, kind := range c.Kinds {
		if kind != string(telemetry.KindSample) && kind != string(telemetry.KindAnomaly) {
			return fmt.Errorf("invalid event kind: %s", kind)
		}
	}

	if c.MinSeverity != "" {
		if _, ok := severityRank[c.MinSeverity]; !ok {
			return fmt.Errorf("invalid severity: %s", c.MinSeverity)
		}
	}

	return nil
}

func (c *FilterConfig) Type() string {
	return "filter"
}

func Filter(config *FilterConfig) Func {
	if err := config.Validate(); err != nil {
		return func(event *telemetry.Event) (*telemetry.Event, error) {
			return nil, fmt.Errorf("invalid filter configuration: %w", err)
		}
	}

	var messageRegex *regexp.Regexp
	if config.MessagePattern != "" {
		messageRegex = regexp.MustCompile(config.MessagePattern)
	}

	return func(event *telemetry.Event) (*telemetry.Event, error) {
		if event == nil || !event.Valid() {
			return nil, fmt.Errorf("invalid event: missing payload")
		}

		// Filter by event kind if specified
		if len(config.Kinds) > 0 {
			kindMatched := false
			for _, kind := range config.Kinds {
				if kind == string(event.Kind) {
					kindMatched = true
					break
				}
			}
			if !kindMatched {
				return nil, nil
			}
		}

		// Filter by excluded messages
		message := event.MessageName()
		for _, name := range config.ExcludeMessages {
			if name == message {
				return nil, nil
			}
		}

		// Filter by included messages
		if len(config.Messages) > 0 {
			included := false
			for _, name := range config.Messages {
				if name == message {
					included = true
					break
				}
			}
			if !included {
				return nil, nil
			}
		}

		// Filter by message pattern
		if messageRegex != nil && !messageRegex.MatchString(message) {
			return nil, nil
		}

		// Filter by vehicle globs
		vehicle := event.VehicleID()
		for _, pattern := range config.ExcludeVehicles {
			if matched, _ := filepath.Match(pattern, vehicle); matched {
				return nil, nil
			}
		}
		if len(config.Vehicles) > 0 {
			included := false
			for _, pattern := range config.Vehicles {
				if matched, _ := filepath.Match(pattern, vehicle); matched {
					included = true
					break
				}
			}
			if !included {
				return nil, nil
			}
		}

		// Filter by geography
		if len(config.Geographies) > 0 {
			geography := string(event.Geography())
			included := false
			for _, zone := range config.Geographies {
				if zone == geography {
					included = true
					break
				}
			}
			if !included {
				return nil, nil
			}
		}

		// Filter anomalies below the severity floor
		if config.MinSeverity != "" && event.Kind == telemetry.KindAnomaly {
			if severityRank[string(event.Anomaly.Severity)] < severityRank[config.MinSeverity] {
				return nil, nil
			}
		}

		return event, nil
	}
}
