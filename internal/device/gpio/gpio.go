// Package gpio provides digital input sensors and relay outputs on GPIO
// lines. The real implementation uses the Linux GPIO character device.
// The fake implementations allow testing without hardware.
package gpio

import (
	"fmt"

	"github.com/sweeney/envctl/internal/device"
)

// Driver type name used in definitions.
const Type = "gpio"

// DefaultChip is the GPIO character device on a Raspberry Pi.
const DefaultChip = "gpiochip0"

// Measurement reported by input lines.
const Measurement = "state"

// LineConfig selects one GPIO line.
type LineConfig struct {
	Chip string
	Line int
	// ActiveLow inverts the logical value: raw active (1) = logical OFF.
	ActiveLow bool
	// Pull is "down" (default), "up" or "none" for inputs.
	Pull string
}

// ParseLineConfig reads chip, line, active_low and pull parameters.
func ParseLineConfig(p device.Params) (LineConfig, error) {
	line, err := p.Int("line", -1)
	if err != nil {
		return LineConfig{}, err
	}
	if line < 0 {
		return LineConfig{}, fmt.Errorf("gpio: line parameter required")
	}
	activeLow, err := p.Bool("active_low", false)
	if err != nil {
		return LineConfig{}, err
	}
	pull := p.String("pull", "down")
	switch pull {
	case "down", "up", "none":
	default:
		return LineConfig{}, fmt.Errorf("gpio: unknown pull %q", pull)
	}
	return LineConfig{
		Chip:      p.String("chip", DefaultChip),
		Line:      line,
		ActiveLow: activeLow,
		Pull:      pull,
	}, nil
}

// Register adds the gpio sensor and actuator drivers to r.
func Register(r *device.Registry) {
	r.RegisterSensor(Type, func(p device.Params) (device.Sensor, error) {
		cfg, err := ParseLineConfig(p)
		if err != nil {
			return nil, err
		}
		return NewRealInput(cfg)
	})
	r.RegisterActuator(Type, func(p device.Params) (device.Actuator, error) {
		cfg, err := ParseLineConfig(p)
		if err != nil {
			return nil, err
		}
		return NewRealRelay(cfg)
	})
}

func logical(raw int, activeLow bool) bool {
	if activeLow {
		return raw == 0
	}
	return raw != 0
}

func raw(on, activeLow bool) int {
	if on != activeLow {
		return 1
	}
	return 0
}

func stateReading(on bool) []device.Reading {
	v := 0.0
	if on {
		v = 1
	}
	return []device.Reading{{Channel: 0, Measurement: Measurement, Unit: "bool", Value: v}}
}
