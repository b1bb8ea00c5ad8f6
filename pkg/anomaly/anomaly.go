// Package anomaly evaluates decoded samples against the vehicle rule set.
//
// Three rule families run on every sample once a vehicle has prior state for
// the message: temporal rules compare against the previous reading,
// geography rules apply zone-specific limits, and signal rules check
// absolute thresholds. A statistical baseline additionally learns each
// message's signal distribution and flags outliers after a warmup period.
//
// A vehicle's first sighting of a message only records state, so temporal
// rules always have something to diff against.
package anomaly

import (
	"cmp"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/canflux/canflux/pkg/metrics"
	"github.com/canflux/canflux/pkg/telemetry"
)

// Anomaly types. The first group is zone-scoped, the second compares
// against the previous reading, the third checks absolute signal limits.
const (
	TypeHighSpeedInRain       = "high_speed_in_rain"
	TypeHighTempInMountainous = "high_temperature_in_mountainous"
	TypeHighSpeedInMountains  = "high_speed_in_mountainous"
	TypeHighTempInHot         = "high_temperature_in_hot"
	TypeHighCabinTemp         = "high_cabin_temperature"
	TypeACOffInHot            = "ac_off_in_hot"
	TypeHighSpeedInSnow       = "high_speed_in_snow"
	TypeLowCabinTemp          = "low_cabin_temperature"
	TypeHighSpeedInUrban      = "high_speed_in_urban"
	TypeHighEngineSpeed       = "high_engine_speed"
	TypeLowSpeedInHighway     = "low_speed_in_highway"

	TypeSuddenSpeedChange     = "sudden_speed_change"
	TypeSuddenTempChange      = "sudden_temperature_change"
	TypeSuddenGearChange      = "sudden_gear_change"
	TypeSuddenRPMChange       = "sudden_rpm_change"
	TypeSuddenBatteryDrop     = "sudden_battery_drop"
	TypeSuddenCabinTempChange = "sudden_cabin_temperature_change"

	TypeCriticalEngineTemp = "critical_engine_temperature"
	TypeCriticalBattery    = "critical_battery_level"
	TypeLowBattery         = "low_battery_level"
	TypeGearSpeedMismatch  = "gear_speed_mismatch"
	TypeCriticalGearUse    = "critical_gear_mismatch"
	TypeVeryLowCabinTemp   = "very_low_cabin_temperature"
	TypeVeryHighCabinTemp  = "very_high_cabin_temperature"
	TypeStatisticalOutlier = "statistical_outlier"
)

// Config tunes the detector. Zero values take defaults.
type Config struct {
	// Warmup is the per-message sample count before the statistical
	// baseline starts flagging.
	Warmup int `json:"warmup,omitempty" mapstructure:"warmup"`
	// ZScore is the baseline deviation threshold in standard deviations.
	ZScore float64 `json:"z_score,omitempty" mapstructure:"z_score"`
	// SuppressInterval rate-limits repeats of the same anomaly type per
	// vehicle. Zero disables suppression, which reports every occurrence.
	SuppressInterval time.Duration `json:"suppress_interval,omitempty" mapstructure:"suppress_interval"`
	// SuppressBurst is how many repeats may pass before the interval
	// applies. Defaults to 1.
	SuppressBurst int `json:"suppress_burst,omitempty" mapstructure:"suppress_burst"`
}

type vehicleState struct {
	lastValues map[string]map[string]float64
	lastUpdate time.Time
	geography  telemetry.Geography
}

// Detector holds per-vehicle state and evaluates samples. Safe for
// concurrent use.
type Detector struct {
	mu        sync.Mutex
	cfg       Config
	vehicles  map[string]*vehicleState
	baselines map[string]*baseline
	limiters  map[string]*rate.Limiter
	logger    *zap.Logger
	nowFunc   func() time.Time
}

// New builds a detector.
func New(cfg Config, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Warmup = cmp.Or(cfg.Warmup, 500)
	if cfg.ZScore == 0 {
		cfg.ZScore = 3.0
	}
	cfg.SuppressBurst = cmp.Or(cfg.SuppressBurst, 1)
	return &Detector{
		cfg:       cfg,
		vehicles:  make(map[string]*vehicleState),
		baselines: make(map[string]*baseline),
		limiters:  make(map[string]*rate.Limiter),
		logger:    logger,
		nowFunc:   time.Now,
	}
}

// Evaluate runs all rule families against the sample and returns the
// anomalies that survive suppression.
func (d *Detector) Evaluate(s telemetry.Sample) []telemetry.Anomaly {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.nowFunc()
	state, ok := d.vehicles[s.VehicleID]
	if !ok {
		state = &vehicleState{lastValues: make(map[string]map[string]float64), lastUpdate: now}
		d.vehicles[s.VehicleID] = state
	}
	state.geography = s.Geography

	var found []telemetry.Anomaly
	report := func(typ string, severity telemetry.Severity, details string) {
		found = append(found, telemetry.Anomaly{
			ID:        uuid.NewString(),
			VehicleID: s.VehicleID,
			Type:      typ,
			Message:   s.Message,
			Geography: state.geography,
			Severity:  severity,
			Details:   details,
			Signals:   copySignals(s.Signals),
			Time:      s.Time,
		})
	}

	d.checkBaseline(s, report)

	if _, seen := state.lastValues[s.Message]; !seen {
		state.lastValues[s.Message] = copySignals(s.Signals)
		return d.suppress(found)
	}

	d.checkTemporal(state, s, report)
	d.checkGeography(state, s, report)
	d.checkSignals(s, report)

	state.lastValues[s.Message] = copySignals(s.Signals)
	state.lastUpdate = now

	return d.suppress(found)
}

type reportFunc func(typ string, severity telemetry.Severity, details string)

func (d *Detector) checkBaseline(s telemetry.Sample, report reportFunc) {
	b, ok := d.baselines[s.Message]
	if !ok {
		b = newBaseline(d.cfg.Warmup)
		d.baselines[s.Message] = b
	}
	outliers := b.score(s.Signals, d.cfg.ZScore)
	if len(outliers) == 0 {
		return
	}
	names := make([]string, 0, len(outliers))
	for name := range outliers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		report(TypeStatisticalOutlier, telemetry.SeverityWarning,
			fmt.Sprintf("signal %s=%.2f deviates %.1f standard deviations from baseline", name, s.Signals[name], outliers[name]))
	}
}

func (d *Detector) checkTemporal(state *vehicleState, s telemetry.Sample, report reportFunc) {
	last := state.lastValues[s.Message]
	diff := func(name string) (float64, bool) {
		cur, ok1 := s.Signals[name]
		prev, ok2 := last[name]
		if !ok1 || !ok2 {
			return 0, false
		}
		return cur - prev, true
	}

	switch s.Message {
	case telemetry.MsgVehicleData:
		if delta, ok := diff("Speed"); ok && abs(delta) > 20 {
			report(TypeSuddenSpeedChange, telemetry.SeverityWarning,
				fmt.Sprintf("sudden speed change: %.1f km/h", abs(delta)))
		}
		if delta, ok := diff("GearPosition"); ok && abs(delta) > 1 {
			report(TypeSuddenGearChange, telemetry.SeverityWarning,
				fmt.Sprintf("gear jumped %.0f positions", abs(delta)))
		}
	case telemetry.MsgEngineData:
		if delta, ok := diff("EngineTemp"); ok && abs(delta) > 15 {
			report(TypeSuddenTempChange, telemetry.SeverityWarning,
				fmt.Sprintf("sudden engine temperature change: %.1f°C", abs(delta)))
		}
		if delta, ok := diff("EngineSpeed"); ok && abs(delta) > 2000 {
			report(TypeSuddenRPMChange, telemetry.SeverityWarning,
				fmt.Sprintf("sudden engine speed change: %.0f RPM", abs(delta)))
		}
		// Drops only; charging back up is not an anomaly.
		if delta, ok := diff("BatteryLevel"); ok && -delta > 10 {
			report(TypeSuddenBatteryDrop, telemetry.SeverityWarning,
				fmt.Sprintf("battery level dropped %.1f points", -delta))
		}
	case telemetry.MsgClimateControl:
		if delta, ok := diff("CabinTemp"); ok && abs(delta) > 5 {
			report(TypeSuddenCabinTempChange, telemetry.SeverityWarning,
				fmt.Sprintf("sudden cabin temperature change: %.1f°C", abs(delta)))
		}
	}
}

func (d *Detector) checkGeography(state *vehicleState, s telemetry.Sample, report reportFunc) {
	signals := s.Signals
	switch state.geography {
	case telemetry.GeoRainy:
		if s.Message == telemetry.MsgVehicleData && signals["Speed"] > 70 {
			report(TypeHighSpeedInRain, telemetry.SeverityWarning,
				fmt.Sprintf("high speed in rain: %.1f km/h", signals["Speed"]))
		}
	case telemetry.GeoMountainous:
		if s.Message == telemetry.MsgEngineData && signals["EngineTemp"] > 95 {
			report(TypeHighTempInMountainous, telemetry.SeverityWarning,
				fmt.Sprintf("high engine temperature in mountains: %.1f°C", signals["EngineTemp"]))
		}
		if s.Message == telemetry.MsgVehicleData && signals["Speed"] > 70 {
			report(TypeHighSpeedInMountains, telemetry.SeverityWarning,
				fmt.Sprintf("high speed in mountains: %.1f km/h", signals["Speed"]))
		}
	case telemetry.GeoHot:
		if s.Message == telemetry.MsgEngineData && signals["EngineTemp"] > 100 {
			report(TypeHighTempInHot, telemetry.SeverityWarning,
				fmt.Sprintf("high engine temperature in hot zone: %.1f°C", signals["EngineTemp"]))
		}
		if s.Message == telemetry.MsgClimateControl {
			if temp, ok := signals["CabinTemp"]; ok && temp > 28 {
				report(TypeHighCabinTemp, telemetry.SeverityWarning,
					fmt.Sprintf("high cabin temperature: %.1f°C", temp))
			}
			if ac, ok := signals["ACStatus"]; ok && ac == 0 {
				report(TypeACOffInHot, telemetry.SeverityWarning, "AC off in hot zone")
			}
		}
	case telemetry.GeoSnowy:
		if s.Message == telemetry.MsgVehicleData && signals["Speed"] > 50 {
			report(TypeHighSpeedInSnow, telemetry.SeverityWarning,
				fmt.Sprintf("high speed on snow: %.1f km/h", signals["Speed"]))
		}
		if s.Message == telemetry.MsgClimateControl {
			if temp, ok := signals["CabinTemp"]; ok && temp < 18 {
				report(TypeLowCabinTemp, telemetry.SeverityWarning,
					fmt.Sprintf("low cabin temperature: %.1f°C", temp))
			}
		}
	case telemetry.GeoUrban:
		if s.Message == telemetry.MsgVehicleData && signals["Speed"] > 60 {
			report(TypeHighSpeedInUrban, telemetry.SeverityWarning,
				fmt.Sprintf("urban speed limit exceeded: %.1f km/h", signals["Speed"]))
		}
		if s.Message == telemetry.MsgEngineData && signals["EngineSpeed"] > 4000 {
			report(TypeHighEngineSpeed, telemetry.SeverityWarning,
				fmt.Sprintf("high engine speed: %.0f RPM", signals["EngineSpeed"]))
		}
	case telemetry.GeoHighway:
		if s.Message == telemetry.MsgVehicleData {
			if speed, ok := signals["Speed"]; ok && speed < 60 {
				report(TypeLowSpeedInHighway, telemetry.SeverityWarning,
					fmt.Sprintf("low speed on highway: %.1f km/h", speed))
			}
		}
	}
}

func (d *Detector) checkSignals(s telemetry.Sample, report reportFunc) {
	signals := s.Signals
	switch s.Message {
	case telemetry.MsgEngineData:
		if signals["EngineTemp"] > 120 {
			report(TypeCriticalEngineTemp, telemetry.SeverityCritical,
				fmt.Sprintf("critical engine temperature: %.1f°C", signals["EngineTemp"]))
		}
		if level, ok := signals["BatteryLevel"]; ok {
			if level < 20 {
				report(TypeCriticalBattery, telemetry.SeverityCritical,
					fmt.Sprintf("critical battery level: %.1f%%", level))
			} else if level < 30 {
				report(TypeLowBattery, telemetry.SeverityWarning,
					fmt.Sprintf("low battery level: %.1f%%", level))
			}
		}
	case telemetry.MsgVehicleData:
		speed, okSpeed := signals["Speed"]
		gearValue, okGear := signals["GearPosition"]
		if !okSpeed || !okGear || speed <= 0 {
			return
		}
		gear := int(gearValue)
		expected := telemetry.GearForSpeed(speed)
		if abs(float64(expected-gear)) > 1 {
			report(TypeGearSpeedMismatch, telemetry.SeverityWarning,
				fmt.Sprintf("gear %d at %.1f km/h, expected gear %d", gear, speed, expected))
		}
		if speed > 100 && gear <= 2 {
			report(TypeCriticalGearUse, telemetry.SeverityCritical,
				fmt.Sprintf("gear %d is dangerously low at %.1f km/h", gear, speed))
		} else if speed < 20 && gear >= 3 {
			report(TypeCriticalGearUse, telemetry.SeverityCritical,
				fmt.Sprintf("gear %d is dangerously high at %.1f km/h", gear, speed))
		}
	case telemetry.MsgClimateControl:
		temp, ok := signals["CabinTemp"]
		if !ok {
			return
		}
		acOff := signals["ACStatus"] == 0
		if temp < 10 {
			details := fmt.Sprintf("cabin temperature %.1f°C", temp)
			if acOff {
				details += ", heating off"
			}
			report(TypeVeryLowCabinTemp, telemetry.SeverityCritical, details)
		} else if temp > 30 {
			details := fmt.Sprintf("cabin temperature %.1f°C", temp)
			if acOff {
				details += ", AC off"
			}
			report(TypeVeryHighCabinTemp, telemetry.SeverityCritical, details)
		}
	}
}

// suppress applies the per-vehicle, per-type rate limit and records
// counters. Caller holds the lock.
func (d *Detector) suppress(anomalies []telemetry.Anomaly) []telemetry.Anomaly {
	if len(anomalies) == 0 {
		return nil
	}
	kept := anomalies[:0]
	for _, a := range anomalies {
		if !d.allow(a.VehicleID, a.Type) {
			metrics.AnomaliesSuppressed.WithLabelValues(a.Type).Inc()
			d.logger.Debug("anomaly suppressed",
				zap.String("vehicle", a.VehicleID), zap.String("type", a.Type))
			continue
		}
		metrics.AnomaliesDetected.WithLabelValues(a.Type, string(a.Severity)).Inc()
		kept = append(kept, a)
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}

func (d *Detector) allow(vehicleID, typ string) bool {
	if d.cfg.SuppressInterval <= 0 {
		return true
	}
	key := vehicleID + "|" + typ
	lim, ok := d.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(d.cfg.SuppressInterval), d.cfg.SuppressBurst)
		d.limiters[key] = lim
	}
	return lim.Allow()
}

// Vehicles returns the IDs the detector currently tracks.
func (d *Detector) Vehicles() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.vehicles))
	for id := range d.vehicles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func copySignals(signals map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(signals))
	for k, v := range signals {
		out[k] = v
	}
	return out
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
