// Package config defines controller, actuator and method definitions and the
// sources they are loaded from.
//
// A *ControllerConfig is immutable once it has been validated. Live loops hold
// a pointer to the current snapshot and the coordinator replaces it wholesale
// on reload.
package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Kind tags the controller type.
type Kind string

const (
	KindInput       Kind = "input"
	KindPID         Kind = "pid"
	KindConditional Kind = "conditional"
)

// Duration is a time.Duration that decodes from "10s"-style strings or from a
// bare number of seconds in both YAML and JSON.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Seconds returns the duration in seconds.
func (d Duration) Seconds() float64 { return time.Duration(d).Seconds() }

func (d Duration) String() string { return time.Duration(d).String() }

func parseDuration(s string) (Duration, error) {
	if s == "" {
		return 0, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return Duration(f * float64(time.Second)), nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return Duration(v), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	v, err := parseDuration(value.Value)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var f float64
		if err := json.Unmarshal(b, &f); err != nil {
			return fmt.Errorf("invalid duration %s", b)
		}
		*d = Duration(f * float64(time.Second))
		return nil
	}
	v, err := parseDuration(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

// Document is the full set of definitions held by a Source.
type Document struct {
	Actuators   []ActuatorConfig   `yaml:"actuators" json:"actuators"`
	Methods     []Method           `yaml:"methods" json:"methods"`
	Controllers []ControllerConfig `yaml:"controllers" json:"controllers"`
}

// ActuatorConfig describes one physical output.
type ActuatorConfig struct {
	ID     string            `yaml:"id" json:"id"`
	Name   string            `yaml:"name" json:"name"`
	Driver string            `yaml:"driver" json:"driver"`
	Params map[string]string `yaml:"params" json:"params"`
	// DutyPeriod is the software duty-cycle period for drivers without
	// native PWM support.
	DutyPeriod Duration `yaml:"duty_period" json:"duty_period"`
}

// ControllerConfig is an immutable snapshot of one controller's settings.
type ControllerConfig struct {
	ID      string   `yaml:"id" json:"id"`
	Name    string   `yaml:"name" json:"name"`
	Kind    Kind     `yaml:"kind" json:"kind"`
	Period  Duration `yaml:"period" json:"period"`
	Enabled bool     `yaml:"enabled" json:"enabled"`

	Input       *InputParams       `yaml:"input,omitempty" json:"input,omitempty"`
	PID         *PIDParams         `yaml:"pid,omitempty" json:"pid,omitempty"`
	Conditional *ConditionalParams `yaml:"conditional,omitempty" json:"conditional,omitempty"`

	// Resume holds persisted runtime fields (method timestamps, mode) written
	// back by the runtime. Keys are the Field* constants.
	Resume map[string]string `yaml:"-" json:"-"`
}

// Persisted resume fields.
const (
	FieldEnabled     = "enabled"
	FieldMode        = "mode"
	FieldSetpoint    = "setpoint"
	FieldMethodState = "method_state"
	FieldMethodStart = "method_start"
	FieldMethodEnd   = "method_end"
)

// ResumeValue returns a persisted field or "".
func (c *ControllerConfig) ResumeValue(field string) string {
	if c == nil || c.Resume == nil {
		return ""
	}
	return c.Resume[field]
}

// WithEnabled returns a shallow copy with Enabled set. Nested parameter
// blocks are shared; they are never mutated after validation.
func (c *ControllerConfig) WithEnabled(enabled bool) *ControllerConfig {
	cp := *c
	cp.Enabled = enabled
	return &cp
}

// InputParams configures an Input controller.
type InputParams struct {
	Driver string            `yaml:"driver" json:"driver"`
	Params map[string]string `yaml:"params" json:"params"`
	// Bus is the shared bus identity (e.g. "i2c-1"); empty means no locking.
	Bus string `yaml:"bus" json:"bus"`

	// Attempts bounds driver read attempts on I/O error.
	Attempts int `yaml:"attempts" json:"attempts"`
	// Tolerance enables the consistency check: consecutive raw samples must
	// differ by no more than this value. Zero disables the check.
	Tolerance float64 `yaml:"tolerance" json:"tolerance"`
	// MaxSamples bounds the consistency check.
	MaxSamples  int      `yaml:"max_samples" json:"max_samples"`
	ReadTimeout Duration `yaml:"read_timeout" json:"read_timeout"`

	PreOutput              string   `yaml:"pre_output" json:"pre_output"`
	PreOutputDuration      Duration `yaml:"pre_output_duration" json:"pre_output_duration"`
	PreOutputDuringMeasure bool     `yaml:"pre_output_during_measure" json:"pre_output_during_measure"`

	// FailureThreshold is the number of consecutive failures after which
	// failures are logged at error level.
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`

	Edge *EdgeParams `yaml:"edge,omitempty" json:"edge,omitempty"`
}

// EdgeParams turns an input into a debounced digital edge source. The
// controller period becomes the poll interval.
type EdgeParams struct {
	Debounce Duration `yaml:"debounce" json:"debounce"`
	Channel  int      `yaml:"channel" json:"channel"`
}

// Direction selects which actuators a PID loop may drive.
type Direction string

const (
	DirectionRaise Direction = "raise"
	DirectionLower Direction = "lower"
	DirectionBoth  Direction = "both"
)

// OutputType selects how a PID control variable drives an actuator.
type OutputType string

const (
	OutputDuration OutputType = "duration"
	OutputDuty     OutputType = "duty"
)

// OutputParams configures one PID output.
type OutputParams struct {
	Actuator    string     `yaml:"actuator" json:"actuator"`
	Type        OutputType `yaml:"type" json:"type"`
	MinDuration Duration   `yaml:"min_duration" json:"min_duration"`
	MaxDuration Duration   `yaml:"max_duration" json:"max_duration"`
	MinOff      Duration   `yaml:"min_off" json:"min_off"`
}

// PIDParams configures a PID controller.
type PIDParams struct {
	InputID     string   `yaml:"input_id" json:"input_id"`
	Measurement string   `yaml:"measurement" json:"measurement"`
	Channel     int      `yaml:"channel" json:"channel"`
	MaxAge      Duration `yaml:"max_age" json:"max_age"`

	Setpoint      float64 `yaml:"setpoint" json:"setpoint"`
	Kp            float64 `yaml:"kp" json:"kp"`
	Ki            float64 `yaml:"ki" json:"ki"`
	Kd            float64 `yaml:"kd" json:"kd"`
	IntegratorMin float64 `yaml:"integrator_min" json:"integrator_min"`
	IntegratorMax float64 `yaml:"integrator_max" json:"integrator_max"`

	Direction Direction     `yaml:"direction" json:"direction"`
	Raise     *OutputParams `yaml:"raise,omitempty" json:"raise,omitempty"`
	Lower     *OutputParams `yaml:"lower,omitempty" json:"lower,omitempty"`

	MethodID string `yaml:"method_id" json:"method_id"`
	// Method is resolved from MethodID by the Source.
	Method *Method `yaml:"-" json:"-"`
}

// TriggerType selects a conditional trigger.
type TriggerType string

const (
	TriggerMeasurement TriggerType = "measurement"
	TriggerEdge        TriggerType = "edge"
	TriggerSun         TriggerType = "sunrise_sunset"
	TriggerDaily       TriggerType = "daily_time"
	TriggerSpan        TriggerType = "daily_span"
	TriggerTimer       TriggerType = "duration_timer"
)

// Comparison for measurement conditions.
type Comparison string

const (
	CompareAbove   Comparison = "above"
	CompareBelow   Comparison = "below"
	CompareMissing Comparison = "missing"
)

// MeasurementCondition compares the latest value of a measurement.
type MeasurementCondition struct {
	InputID     string     `yaml:"input_id" json:"input_id"`
	Measurement string     `yaml:"measurement" json:"measurement"`
	Channel     int        `yaml:"channel" json:"channel"`
	MaxAge      Duration   `yaml:"max_age" json:"max_age"`
	Comparison  Comparison `yaml:"comparison" json:"comparison"`
	Setpoint    float64    `yaml:"setpoint" json:"setpoint"`
}

// EdgeCondition subscribes to edges of a digital input.
type EdgeCondition struct {
	InputID string `yaml:"input_id" json:"input_id"`
	// Edge is "rising", "falling" or "both".
	Edge string `yaml:"edge" json:"edge"`
}

// SunTrigger fires at sunrise or sunset plus an offset.
type SunTrigger struct {
	Latitude  float64  `yaml:"latitude" json:"latitude"`
	Longitude float64  `yaml:"longitude" json:"longitude"`
	Event     string   `yaml:"event" json:"event"`
	Offset    Duration `yaml:"offset" json:"offset"`
}

// DailyTrigger fires once a day at a local time of day ("15:04:05").
type DailyTrigger struct {
	At string `yaml:"at" json:"at"`
}

// SpanTrigger fires every period while the local time is inside [Start, End).
type SpanTrigger struct {
	Start string `yaml:"start" json:"start"`
	End   string `yaml:"end" json:"end"`
}

// TimerTrigger fires every Every, anchored at StartAt (time of day) if set.
type TimerTrigger struct {
	Every   Duration `yaml:"every" json:"every"`
	StartAt string   `yaml:"start_at" json:"start_at"`
}

// ActionType names a conditional action.
type ActionType string

const (
	ActionActuate     ActionType = "actuate"
	ActionCommand     ActionType = "command"
	ActionActivate    ActionType = "activate"
	ActionDeactivate  ActionType = "deactivate"
	ActionPIDSetpoint ActionType = "pid_setpoint"
	ActionPIDPause    ActionType = "pid_pause"
	ActionPIDHold     ActionType = "pid_hold"
	ActionPIDResume   ActionType = "pid_resume"
	ActionNotify      ActionType = "notify"
)

// Action is one step of a conditional's action list.
type Action struct {
	Type   ActionType `yaml:"type" json:"type"`
	Target string     `yaml:"target" json:"target"`
	// State is "on", "off" or "duty" for actuate actions.
	State     string   `yaml:"state" json:"state"`
	Duration  Duration `yaml:"duration" json:"duration"`
	DutyCycle float64  `yaml:"duty_cycle" json:"duty_cycle"`
	Command   string   `yaml:"command" json:"command"`
	Timeout   Duration `yaml:"timeout" json:"timeout"`
	Setpoint  float64  `yaml:"setpoint" json:"setpoint"`
	Message   string   `yaml:"message" json:"message"`
}

// ConditionalParams configures a Conditional controller.
type ConditionalParams struct {
	Trigger     TriggerType           `yaml:"trigger" json:"trigger"`
	Measurement *MeasurementCondition `yaml:"measurement,omitempty" json:"measurement,omitempty"`
	Edge        *EdgeCondition        `yaml:"edge,omitempty" json:"edge,omitempty"`
	Sun         *SunTrigger           `yaml:"sun,omitempty" json:"sun,omitempty"`
	Daily       *DailyTrigger         `yaml:"daily,omitempty" json:"daily,omitempty"`
	Span        *SpanTrigger          `yaml:"span,omitempty" json:"span,omitempty"`
	Timer       *TimerTrigger         `yaml:"timer,omitempty" json:"timer,omitempty"`

	Refractory    Duration `yaml:"refractory" json:"refractory"`
	NotifyPerHour int      `yaml:"notify_per_hour" json:"notify_per_hour"`
	Actions       []Action `yaml:"actions" json:"actions"`
}

// MethodType selects the setpoint schedule style.
type MethodType string

const (
	// MethodDuration steps are relative to the method start and the method ends.
	MethodDuration MethodType = "duration"
	// MethodDaily points are keyed by time of day and repeat without end.
	MethodDaily MethodType = "daily"
)

// Method is a setpoint-over-time schedule.
type Method struct {
	ID    string       `yaml:"id" json:"id"`
	Type  MethodType   `yaml:"type" json:"type"`
	Steps []MethodStep `yaml:"steps" json:"steps"`
}

// MethodStep is one entry of a Method. Duration methods use Duration, Start
// and End (linear transition); daily methods use At and Setpoint.
type MethodStep struct {
	Duration Duration `yaml:"duration" json:"duration"`
	Start    float64  `yaml:"start" json:"start"`
	End      float64  `yaml:"end" json:"end"`
	At       string   `yaml:"at" json:"at"`
	Setpoint float64  `yaml:"setpoint" json:"setpoint"`
}

// ParseTimeOfDay parses "15:04" or "15:04:05" into an offset from midnight.
func ParseTimeOfDay(s string) (time.Duration, error) {
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Duration(t.Hour())*time.Hour +
				time.Duration(t.Minute())*time.Minute +
				time.Duration(t.Second())*time.Second, nil
		}
	}
	return 0, fmt.Errorf("invalid time of day %q", s)
}
