// Package device defines the capability interfaces every sensor and
// actuator driver implements, and the registry that maps driver type names
// to constructors.
package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// Reading is one value produced by a sensor read.
type Reading struct {
	Channel     int
	Measurement string
	Unit        string
	Value       float64
}

// Sensor is a readable device. Read must honour ctx and is called from
// at most one goroutine at a time.
type Sensor interface {
	Read(ctx context.Context) ([]Reading, error)
	Close() error
}

// Actuator is a physical output. Implementations need not be safe for
// concurrent use; the actuator engine serializes every call.
type Actuator interface {
	// TurnOn energizes the output. Magnitude is driver specific (e.g. a PWM
	// level); on/off relays ignore it.
	TurnOn(magnitude float64) error
	TurnOff() error
	IsOn() bool
}

// DutyCycler is implemented by actuators with native PWM.
type DutyCycler interface {
	SetDutyCycle(pct float64) error
}

// ReadPolicy is implemented by sensors that declare their own retry
// behaviour. It overrides the controller's configured defaults.
type ReadPolicy interface {
	Attempts() int
	Tolerance() float64
}

// Params are the string parameters of a driver definition.
type Params map[string]string

// String returns p[key] or def.
func (p Params) String(key, def string) string {
	if v, ok := p[key]; ok && v != "" {
		return v
	}
	return def
}

// Int parses p[key] or returns def when absent.
func (p Params) Int(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("param %s: %w", key, err)
	}
	return n, nil
}

// Float parses p[key] or returns def when absent.
func (p Params) Float(key string, def float64) (float64, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("param %s: %w", key, err)
	}
	return f, nil
}

// Bool parses p[key] or returns def when absent.
func (p Params) Bool(key string, def bool) (bool, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("param %s: %w", key, err)
	}
	return b, nil
}

// ErrUnknownDriver is returned for an unregistered driver type.
var ErrUnknownDriver = errors.New("unknown driver")

// SensorFactory builds a sensor from its parameters.
type SensorFactory func(p Params) (Sensor, error)

// ActuatorFactory builds an actuator from its parameters.
type ActuatorFactory func(p Params) (Actuator, error)

// Registry maps driver type names to constructors. Constructors are looked
// up once when a controller or actuator starts.
type Registry struct {
	mu        sync.RWMutex
	sensors   map[string]SensorFactory
	actuators map[string]ActuatorFactory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sensors:   make(map[string]SensorFactory),
		actuators: make(map[string]ActuatorFactory),
	}
}

// RegisterSensor adds or replaces a sensor driver.
func (r *Registry) RegisterSensor(typ string, f SensorFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sensors[typ] = f
}

// RegisterActuator adds or replaces an actuator driver.
func (r *Registry) RegisterActuator(typ string, f ActuatorFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actuators[typ] = f
}

// NewSensor constructs a sensor of type typ.
func (r *Registry) NewSensor(typ string, p Params) (Sensor, error) {
	r.mu.RLock()
	f, ok := r.sensors[typ]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("sensor %q: %w", typ, ErrUnknownDriver)
	}
	s, err := f(p)
	if err != nil {
		return nil, fmt.Errorf("sensor %q: %w", typ, err)
	}
	return s, nil
}

// NewActuator constructs an actuator of type typ.
func (r *Registry) NewActuator(typ string, p Params) (Actuator, error) {
	r.mu.RLock()
	f, ok := r.actuators[typ]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("actuator %q: %w", typ, ErrUnknownDriver)
	}
	a, err := f(p)
	if err != nil {
		return nil, fmt.Errorf("actuator %q: %w", typ, err)
	}
	return a, nil
}

// Types lists registered sensor and actuator type names.
func (r *Registry) Types() (sensors, actuators []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for k := range r.sensors {
		sensors = append(sensors, k)
	}
	for k := range r.actuators {
		actuators = append(actuators, k)
	}
	sort.Strings(sensors)
	sort.Strings(actuators)
	return sensors, actuators
}
