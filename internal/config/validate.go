package config

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// ValidationError reports one bad field of one definition.
type ValidationError struct {
	ID     string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config %s: %s: %s", e.ID, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalid }

func invalid(id, field, format string, args ...any) error {
	return &ValidationError{ID: id, Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Defaults applied by Validate when a field is left zero.
const (
	DefaultAttempts         = 3
	DefaultMaxSamples       = 5
	DefaultReadTimeout      = 5 * time.Second
	DefaultFailureThreshold = 3
	DefaultDebounce         = 100 * time.Millisecond
	DefaultDutyPeriod       = 10 * time.Second
)

// Validate checks an actuator definition and fills defaults.
func (a *ActuatorConfig) Validate() error {
	if a.ID == "" {
		return invalid("?", "id", "required")
	}
	if a.Driver == "" {
		return invalid(a.ID, "driver", "required")
	}
	if a.DutyPeriod < 0 {
		return invalid(a.ID, "duty_period", "must not be negative")
	}
	if a.DutyPeriod == 0 {
		a.DutyPeriod = Duration(DefaultDutyPeriod)
	}
	return nil
}

// Validate checks a method definition.
func (m *Method) Validate() error {
	if m.ID == "" {
		return invalid("?", "id", "required")
	}
	if len(m.Steps) == 0 {
		return invalid(m.ID, "steps", "at least one step required")
	}
	switch m.Type {
	case MethodDuration:
		for i, s := range m.Steps {
			if s.Duration <= 0 {
				return invalid(m.ID, fmt.Sprintf("steps[%d].duration", i), "must be positive")
			}
		}
	case MethodDaily:
		var prev time.Duration = -1
		for i, s := range m.Steps {
			at, err := ParseTimeOfDay(s.At)
			if err != nil {
				return invalid(m.ID, fmt.Sprintf("steps[%d].at", i), "%v", err)
			}
			if at <= prev {
				return invalid(m.ID, fmt.Sprintf("steps[%d].at", i), "times must be increasing")
			}
			prev = at
		}
	default:
		return invalid(m.ID, "type", "unknown method type %q", m.Type)
	}
	return nil
}

// Validate checks a controller definition and fills defaults. It must be
// called before the snapshot is published to a running loop.
func (c *ControllerConfig) Validate() error {
	if c.ID == "" {
		return invalid("?", "id", "required")
	}
	if c.Period <= 0 {
		return invalid(c.ID, "period", "must be positive")
	}
	switch c.Kind {
	case KindInput:
		if c.Input == nil {
			return invalid(c.ID, "input", "required for kind input")
		}
		return c.Input.validate(c.ID)
	case KindPID:
		if c.PID == nil {
			return invalid(c.ID, "pid", "required for kind pid")
		}
		return c.PID.validate(c.ID)
	case KindConditional:
		if c.Conditional == nil {
			return invalid(c.ID, "conditional", "required for kind conditional")
		}
		return c.Conditional.validate(c.ID)
	default:
		return invalid(c.ID, "kind", "unknown controller kind %q", c.Kind)
	}
}

func (p *InputParams) validate(id string) error {
	if p.Driver == "" {
		return invalid(id, "input.driver", "required")
	}
	if p.Attempts < 0 || p.MaxSamples < 0 || p.FailureThreshold < 0 {
		return invalid(id, "input", "counts must not be negative")
	}
	if p.Tolerance < 0 {
		return invalid(id, "input.tolerance", "must not be negative")
	}
	if p.Attempts == 0 {
		p.Attempts = DefaultAttempts
	}
	if p.MaxSamples == 0 {
		p.MaxSamples = DefaultMaxSamples
	}
	if p.MaxSamples < 2 && p.Tolerance > 0 {
		return invalid(id, "input.max_samples", "consistency check needs at least 2 samples")
	}
	if p.ReadTimeout == 0 {
		p.ReadTimeout = Duration(DefaultReadTimeout)
	}
	if p.FailureThreshold == 0 {
		p.FailureThreshold = DefaultFailureThreshold
	}
	if p.PreOutput != "" && p.PreOutputDuration < 0 {
		return invalid(id, "input.pre_output_duration", "must not be negative")
	}
	if p.Edge != nil && p.Edge.Debounce == 0 {
		p.Edge.Debounce = Duration(DefaultDebounce)
	}
	return nil
}

func (p *PIDParams) validate(id string) error {
	if p.InputID == "" {
		return invalid(id, "pid.input_id", "required")
	}
	if p.Measurement == "" {
		return invalid(id, "pid.measurement", "required")
	}
	if p.IntegratorMin > p.IntegratorMax {
		return invalid(id, "pid.integrator_min", "greater than integrator_max")
	}
	switch p.Direction {
	case DirectionRaise:
		if p.Raise == nil {
			return invalid(id, "pid.raise", "required for direction raise")
		}
	case DirectionLower:
		if p.Lower == nil {
			return invalid(id, "pid.lower", "required for direction lower")
		}
	case DirectionBoth:
		if p.Raise == nil || p.Lower == nil {
			return invalid(id, "pid", "direction both needs raise and lower outputs")
		}
		if p.Raise.Actuator == p.Lower.Actuator {
			return invalid(id, "pid.lower.actuator", "must differ from raise actuator")
		}
	default:
		return invalid(id, "pid.direction", "unknown direction %q", p.Direction)
	}
	for name, o := range map[string]*OutputParams{"raise": p.Raise, "lower": p.Lower} {
		if o == nil {
			continue
		}
		if err := o.validate(id, "pid."+name); err != nil {
			return err
		}
	}
	if p.Method != nil {
		if err := p.Method.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (o *OutputParams) validate(id, field string) error {
	if o.Actuator == "" {
		return invalid(id, field+".actuator", "required")
	}
	switch o.Type {
	case OutputDuration:
		if o.MinDuration < 0 || o.MaxDuration < 0 || o.MinOff < 0 {
			return invalid(id, field, "durations must not be negative")
		}
		if o.MaxDuration == 0 {
			return invalid(id, field+".max_duration", "required for duration output")
		}
		if o.MinDuration > o.MaxDuration {
			return invalid(id, field+".min_duration", "greater than max_duration")
		}
	case OutputDuty:
	default:
		return invalid(id, field+".type", "unknown output type %q", o.Type)
	}
	return nil
}

func (p *ConditionalParams) validate(id string) error {
	if p.Refractory < 0 {
		return invalid(id, "conditional.refractory", "must not be negative")
	}
	if p.NotifyPerHour < 0 {
		return invalid(id, "conditional.notify_per_hour", "must not be negative")
	}
	switch p.Trigger {
	case TriggerMeasurement:
		m := p.Measurement
		if m == nil || m.InputID == "" || m.Measurement == "" {
			return invalid(id, "conditional.measurement", "input_id and measurement required")
		}
		switch m.Comparison {
		case CompareAbove, CompareBelow, CompareMissing:
		default:
			return invalid(id, "conditional.measurement.comparison", "unknown comparison %q", m.Comparison)
		}
		if m.MaxAge <= 0 {
			return invalid(id, "conditional.measurement.max_age", "must be positive")
		}
	case TriggerEdge:
		if p.Edge == nil || p.Edge.InputID == "" {
			return invalid(id, "conditional.edge.input_id", "required")
		}
		switch p.Edge.Edge {
		case "rising", "falling", "both":
		default:
			return invalid(id, "conditional.edge.edge", "must be rising, falling or both")
		}
	case TriggerSun:
		if p.Sun == nil {
			return invalid(id, "conditional.sun", "required")
		}
		if p.Sun.Event != "sunrise" && p.Sun.Event != "sunset" {
			return invalid(id, "conditional.sun.event", "must be sunrise or sunset")
		}
		if p.Sun.Latitude < -90 || p.Sun.Latitude > 90 || p.Sun.Longitude < -180 || p.Sun.Longitude > 180 {
			return invalid(id, "conditional.sun", "coordinates out of range")
		}
	case TriggerDaily:
		if p.Daily == nil {
			return invalid(id, "conditional.daily", "required")
		}
		if _, err := ParseTimeOfDay(p.Daily.At); err != nil {
			return invalid(id, "conditional.daily.at", "%v", err)
		}
	case TriggerSpan:
		if p.Span == nil {
			return invalid(id, "conditional.span", "required")
		}
		if _, err := ParseTimeOfDay(p.Span.Start); err != nil {
			return invalid(id, "conditional.span.start", "%v", err)
		}
		if _, err := ParseTimeOfDay(p.Span.End); err != nil {
			return invalid(id, "conditional.span.end", "%v", err)
		}
	case TriggerTimer:
		if p.Timer == nil || p.Timer.Every <= 0 {
			return invalid(id, "conditional.timer.every", "must be positive")
		}
		if p.Timer.StartAt != "" {
			if _, err := ParseTimeOfDay(p.Timer.StartAt); err != nil {
				return invalid(id, "conditional.timer.start_at", "%v", err)
			}
		}
	default:
		return invalid(id, "conditional.trigger", "unknown trigger %q", p.Trigger)
	}

	for i, a := range p.Actions {
		if err := a.validate(id, i); err != nil {
			return err
		}
	}
	return nil
}

func (a Action) validate(id string, i int) error {
	field := fmt.Sprintf("conditional.actions[%d]", i)
	switch a.Type {
	case ActionActuate:
		if a.Target == "" {
			return invalid(id, field+".target", "required")
		}
		switch a.State {
		case "on", "off":
		case "duty":
			if a.DutyCycle < 0 || a.DutyCycle > 100 {
				return invalid(id, field+".duty_cycle", "must be in [0, 100]")
			}
		default:
			return invalid(id, field+".state", "must be on, off or duty")
		}
	case ActionCommand:
		if a.Command == "" {
			return invalid(id, field+".command", "required")
		}
	case ActionActivate, ActionDeactivate, ActionPIDSetpoint, ActionPIDPause, ActionPIDHold, ActionPIDResume:
		if a.Target == "" {
			return invalid(id, field+".target", "required")
		}
	case ActionNotify:
		if a.Message == "" {
			return invalid(id, field+".message", "required")
		}
	default:
		return invalid(id, field+".type", "unknown action %q", a.Type)
	}
	return nil
}
