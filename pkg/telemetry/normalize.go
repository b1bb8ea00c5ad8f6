package telemetry

import "math"

// integerSignals are physical values that only make sense as whole numbers.
var integerSignals = map[string]bool{
	"GearPosition": true,
	"FanSpeed":     true,
	"ACStatus":     true,
}

// Normalize cleans decoded signal values in place and returns the map.
//
// Discrete signals are rounded to whole numbers, and climate readings are
// made self-consistent: a switched-off AC cannot drive a fan, and a running
// fan implies the AC is on.
func Normalize(message string, signals map[string]float64) map[string]float64 {
	for name, v := range signals {
		if integerSignals[name] {
			signals[name] = math.Round(v)
		}
	}
	if message == MsgClimateControl {
		if ac, ok := signals["ACStatus"]; ok && ac == 0 {
			if _, ok := signals["FanSpeed"]; ok {
				signals["FanSpeed"] = 0
			}
		} else if fan, ok := signals["FanSpeed"]; ok && fan > 0 {
			signals["ACStatus"] = 1
		}
	}
	return signals
}

// GearForSpeed returns the gear a vehicle is expected to be in at the given
// speed (km/h). Deviations beyond one gear from this are flagged by the
// rule engine.
func GearForSpeed(speed float64) int {
	switch {
	case speed <= 0:
		return 1
	case speed <= 20:
		return 1
	case speed <= 40:
		return 2
	case speed <= 70:
		return 3
	case speed <= 100:
		return 4
	case speed <= 150:
		return 5
	default:
		return 6
	}
}
