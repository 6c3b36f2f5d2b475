// Package sim provides simulated sensors and actuators for development mode
// and tests.
package sim

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sweeney/envctl/internal/device"
)

// Driver type names.
const (
	Type    = "sim"
	TypePWM = "sim_pwm"
)

// Sensor returns scripted values or a bounded random walk.
type Sensor struct {
	mu          sync.Mutex
	measurement string
	unit        string

	script []float64
	idx    int

	walk     bool
	value    float64
	step     float64
	min, max float64
	rng      *rand.Rand

	delay    time.Duration
	failures int
	failErr  error
	reads    int
	closed   bool
}

// NewScripted returns a sensor yielding values in order; the last value
// repeats once the script is exhausted.
func NewScripted(measurement, unit string, values ...float64) *Sensor {
	return &Sensor{measurement: measurement, unit: unit, script: values}
}

// NewRandomWalk returns a sensor that moves by at most step per read and
// stays within [min, max].
func NewRandomWalk(measurement, unit string, start, step, min, max float64, seed uint64) *Sensor {
	return &Sensor{
		measurement: measurement,
		unit:        unit,
		walk:        true,
		value:       start,
		step:        step,
		min:         min,
		max:         max,
		rng:         rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15)),
	}
}

// SetDelay makes every read block for d (bounded by ctx).
func (s *Sensor) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// FailNext makes the next n reads return err.
func (s *Sensor) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
	s.failErr = err
}

// Reads returns the number of Read calls so far.
func (s *Sensor) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// Closed reports whether Close was called.
func (s *Sensor) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Read implements device.Sensor.
func (s *Sensor) Read(ctx context.Context) ([]device.Reading, error) {
	s.mu.Lock()
	s.reads++
	delay := s.delay
	s.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return nil, s.failErr
	}
	v, err := s.nextLocked()
	if err != nil {
		return nil, err
	}
	return []device.Reading{{Channel: 0, Measurement: s.measurement, Unit: s.unit, Value: v}}, nil
}

func (s *Sensor) nextLocked() (float64, error) {
	if s.walk {
		s.value += (s.rng.Float64()*2 - 1) * s.step
		if s.value < s.min {
			s.value = s.min
		}
		if s.value > s.max {
			s.value = s.max
		}
		return s.value, nil
	}
	if len(s.script) == 0 {
		return 0, fmt.Errorf("sim: no values scripted")
	}
	v := s.script[s.idx]
	if s.idx < len(s.script)-1 {
		s.idx++
	}
	return v, nil
}

// Close implements device.Sensor.
func (s *Sensor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Event is one recorded actuator write.
type Event struct {
	Time      time.Time
	On        bool
	Magnitude float64
}

// Relay is an in-memory on/off actuator that records its writes.
type Relay struct {
	mu      sync.Mutex
	on      bool
	history []Event
	failErr error
	hook    func(on bool)
}

// NewRelay returns a relay that starts off.
func NewRelay() *Relay { return &Relay{} }

// TurnOn implements device.Actuator.
func (r *Relay) TurnOn(magnitude float64) error { return r.set(true, magnitude) }

// TurnOff implements device.Actuator.
func (r *Relay) TurnOff() error { return r.set(false, 0) }

func (r *Relay) set(on bool, magnitude float64) error {
	r.mu.Lock()
	if r.failErr != nil {
		err := r.failErr
		r.mu.Unlock()
		return err
	}
	r.on = on
	r.history = append(r.history, Event{Time: time.Now(), On: on, Magnitude: magnitude})
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook(on)
	}
	return nil
}

// IsOn implements device.Actuator.
func (r *Relay) IsOn() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.on
}

// Fail makes every write return err until called with nil.
func (r *Relay) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failErr = err
}

// OnChange registers fn to run after every successful write.
func (r *Relay) OnChange(fn func(on bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hook = fn
}

// History returns every successful write in order.
func (r *Relay) History() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.history...)
}

// PWM is a Relay with native duty-cycle support.
type PWM struct {
	Relay
	dmu  sync.Mutex
	duty float64
}

// NewPWM returns a PWM output at 0%.
func NewPWM() *PWM { return &PWM{} }

// SetDutyCycle implements device.DutyCycler.
func (p *PWM) SetDutyCycle(pct float64) error {
	if err := p.set(pct > 0, pct); err != nil {
		return err
	}
	p.dmu.Lock()
	p.duty = pct
	p.dmu.Unlock()
	return nil
}

// TurnOff resets the duty cycle.
func (p *PWM) TurnOff() error {
	if err := p.Relay.TurnOff(); err != nil {
		return err
	}
	p.dmu.Lock()
	p.duty = 0
	p.dmu.Unlock()
	return nil
}

// Duty returns the current duty cycle in percent.
func (p *PWM) Duty() float64 {
	p.dmu.Lock()
	defer p.dmu.Unlock()
	return p.duty
}

// Register adds the simulated drivers. Sensor parameters: measurement
// (default "temperature"), unit (default "C"), values (comma-separated
// script) or start/step/min/max/seed for a random walk.
func Register(r *device.Registry) {
	r.RegisterSensor(Type, func(p device.Params) (device.Sensor, error) {
		meas := p.String("measurement", "temperature")
		unit := p.String("unit", "C")
		if script := p.String("values", ""); script != "" {
			var vals []float64
			for _, f := range strings.Split(script, ",") {
				v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
				if err != nil {
					return nil, fmt.Errorf("param values: %w", err)
				}
				vals = append(vals, v)
			}
			return NewScripted(meas, unit, vals...), nil
		}
		start, err := p.Float("start", 20)
		if err != nil {
			return nil, err
		}
		step, err := p.Float("step", 0.2)
		if err != nil {
			return nil, err
		}
		lo, err := p.Float("min", start-10)
		if err != nil {
			return nil, err
		}
		hi, err := p.Float("max", start+10)
		if err != nil {
			return nil, err
		}
		seed, err := p.Int("seed", 1)
		if err != nil {
			return nil, err
		}
		return NewRandomWalk(meas, unit, start, step, lo, hi, uint64(seed)), nil
	})
	r.RegisterActuator(Type, func(device.Params) (device.Actuator, error) { return NewRelay(), nil })
	r.RegisterActuator(TypePWM, func(device.Params) (device.Actuator, error) { return NewPWM(), nil })
}
