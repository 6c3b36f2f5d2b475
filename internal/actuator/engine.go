// Package actuator owns the physical state of every configured output.
// All writes go through Engine.Execute, which serializes them per actuator,
// bounds on-for-duration activations with timers and drives every output
// off on shutdown.
package actuator

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/envctl/internal/config"
	"github.com/sweeney/envctl/internal/device"
	"github.com/sweeney/envctl/internal/mathx"
	"github.com/sweeney/envctl/internal/metrics"
)

// Mode is the kind of actuator command.
type Mode string

const (
	ModeOff      Mode = "off"
	ModeOn       Mode = "on"
	ModeDuration Mode = "duration" // magnitude is seconds
	ModeDuty     Mode = "duty"     // magnitude is percent
)

// ParseMode maps a command string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeOff, ModeOn, ModeDuration, ModeDuty:
		return m, nil
	}
	return "", fmt.Errorf("mode %q: %w", s, ErrInvalidCommand)
}

var (
	ErrUnknownActuator = errors.New("unknown actuator")
	ErrInvalidCommand  = errors.New("invalid actuator command")
	ErrShutdown        = errors.New("actuator engine shut down")
)

// Command asks the engine to change one actuator.
type Command struct {
	ActuatorID string
	Mode       Mode
	Magnitude  float64
	// Requester is the controller (or "admin") issuing the command.
	Requester string
}

// Seconds is a convenience for duration commands.
func (c Command) Seconds() time.Duration {
	return time.Duration(c.Magnitude * float64(time.Second))
}

// State is a read-only snapshot of one actuator.
type State struct {
	ID         string    `json:"id"`
	Name       string    `json:"name,omitempty"`
	On         bool      `json:"on"`
	Mode       Mode      `json:"mode"`
	Magnitude  float64   `json:"magnitude"`
	OffAt      time.Time `json:"off_at,omitempty"`
	LastWriter string    `json:"last_writer,omitempty"`
	LastChange time.Time `json:"last_change,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

const (
	shutdownAttempts = 3
	shutdownBackoff  = 50 * time.Millisecond
)

// Engine is the actuator duration engine.
type Engine struct {
	logger *zap.Logger
	now    func() time.Time

	mu      sync.RWMutex
	outputs map[string]*output

	closed atomic.Bool
}

// output is one actuator and its pending timer. Every field below mu is
// guarded by it; timer callbacks check gen so a stale timer never acts on
// a newer activation.
type output struct {
	id         string
	dev        device.Actuator
	dutyPeriod time.Duration

	mu    sync.Mutex
	gen   uint64
	timer *time.Timer
	state State
}

// New returns an engine with no actuators.
func New(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		logger:  logger.Named("actuator"),
		now:     time.Now,
		outputs: make(map[string]*output),
	}
}

// Add registers dev under cfg.ID. The output is driven off immediately so
// the engine starts from a known state.
func (e *Engine) Add(cfg config.ActuatorConfig, dev device.Actuator) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.outputs[cfg.ID]; ok {
		return fmt.Errorf("actuator %s: already registered", cfg.ID)
	}
	o := &output{
		id:         cfg.ID,
		dev:        dev,
		dutyPeriod: cfg.DutyPeriod.D(),
		state:      State{ID: cfg.ID, Name: cfg.Name, Mode: ModeOff},
	}
	if o.dutyPeriod <= 0 {
		o.dutyPeriod = config.DefaultDutyPeriod
	}
	if err := dev.TurnOff(); err != nil {
		e.logger.Warn("initial turn-off failed", zap.String("actuator_id", cfg.ID), zap.Error(err))
		o.state.LastError = err.Error()
	}
	o.state.On = dev.IsOn()
	e.outputs[cfg.ID] = o
	return nil
}

// AddFromRegistry builds the driver named by cfg.Driver and registers it.
func (e *Engine) AddFromRegistry(reg *device.Registry, cfg config.ActuatorConfig) error {
	dev, err := reg.NewActuator(cfg.Driver, device.Params(cfg.Params))
	if err != nil {
		return fmt.Errorf("actuator %s: %w", cfg.ID, err)
	}
	return e.Add(cfg, dev)
}

func (e *Engine) lookup(id string) (*output, error) {
	e.mu.RLock()
	o, ok := e.outputs[id]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("actuator %s: %w", id, ErrUnknownActuator)
	}
	return o, nil
}

// Execute applies cmd. A new command always preempts whatever the actuator
// was doing, whoever issued it. After Shutdown only off commands are
// accepted.
func (e *Engine) Execute(cmd Command) error {
	o, err := e.lookup(cmd.ActuatorID)
	if err != nil {
		return err
	}
	if cmd.Mode != ModeOff && e.closed.Load() {
		return ErrShutdown
	}
	if cmd.Mode == ModeDuration && cmd.Magnitude <= 0 {
		return fmt.Errorf("duration %.3fs: %w", cmd.Magnitude, ErrInvalidCommand)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	// Shutdown may have passed this output while we waited for the lock.
	if cmd.Mode != ModeOff && e.closed.Load() {
		return ErrShutdown
	}
	o.cancelLocked()
	gen := o.gen
	now := e.now()

	var werr error
	o.state.OffAt = time.Time{}
	switch cmd.Mode {
	case ModeOff:
		werr = o.dev.TurnOff()
	case ModeOn:
		werr = o.dev.TurnOn(cmd.Magnitude)
	case ModeDuration:
		d := cmd.Seconds()
		werr = o.dev.TurnOn(0)
		if werr == nil {
			o.state.OffAt = now.Add(d)
			o.timer = time.AfterFunc(d, func() { e.expire(o, gen) })
		}
	case ModeDuty:
		pct := mathx.Clamp(cmd.Magnitude, 0, 100)
		cmd.Magnitude = pct
		werr = e.startDutyLocked(o, gen, pct)
	default:
		return fmt.Errorf("mode %q: %w", cmd.Mode, ErrInvalidCommand)
	}

	o.state.Mode = cmd.Mode
	o.state.Magnitude = cmd.Magnitude
	o.state.LastWriter = cmd.Requester
	o.state.LastChange = now
	e.recordLocked(o, string(cmd.Mode), werr)
	if werr != nil {
		return fmt.Errorf("actuator %s %s: %w", o.id, cmd.Mode, werr)
	}
	e.logger.Debug("actuator command applied",
		zap.String("actuator_id", o.id),
		zap.String("mode", string(cmd.Mode)),
		zap.Float64("magnitude", cmd.Magnitude),
		zap.String("requester", cmd.Requester))
	return nil
}

// recordLocked refreshes the on flag from the driver and accounts for a
// write result.
func (e *Engine) recordLocked(o *output, mode string, werr error) {
	o.state.On = o.dev.IsOn()
	if o.state.On {
		metrics.ActuatorOn.WithLabelValues(o.id).Set(1)
	} else {
		metrics.ActuatorOn.WithLabelValues(o.id).Set(0)
	}
	if werr != nil {
		o.state.LastError = werr.Error()
		metrics.ActuatorWriteErrors.WithLabelValues(o.id).Inc()
		e.logger.Error("actuator write failed",
			zap.String("actuator_id", o.id),
			zap.String("mode", mode),
			zap.Error(werr))
		return
	}
	o.state.LastError = ""
	metrics.ActuatorActivations.WithLabelValues(o.id, mode).Inc()
}

// cancelLocked invalidates any pending timer.
func (o *output) cancelLocked() {
	o.gen++
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
}

func (e *Engine) expire(o *output, gen uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gen != gen {
		return
	}
	o.timer = nil
	err := o.dev.TurnOff()
	o.state.Mode = ModeOff
	o.state.Magnitude = 0
	o.state.OffAt = time.Time{}
	o.state.LastChange = e.now()
	e.recordLocked(o, "expire", err)
}

// ReleaseOwner ends every activation last written by controllerID and
// drives those actuators off. It is called when a controller stops.
func (e *Engine) ReleaseOwner(controllerID string) error {
	var errs []error
	for _, o := range e.snapshotOutputs() {
		o.mu.Lock()
		if o.state.LastWriter == controllerID && (o.state.On || o.timer != nil) {
			o.cancelLocked()
			err := o.dev.TurnOff()
			o.state.Mode = ModeOff
			o.state.Magnitude = 0
			o.state.OffAt = time.Time{}
			o.state.LastChange = e.now()
			e.recordLocked(o, "release", err)
			if err != nil {
				errs = append(errs, fmt.Errorf("actuator %s: %w", o.id, err))
			}
		}
		o.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Shutdown drives every actuator off, retrying failed writes a bounded
// number of times, and leaves the engine rejecting further on commands.
// Drivers that implement io.Closer are closed afterwards.
func (e *Engine) Shutdown() error {
	e.closed.Store(true)
	var errs []error
	for _, o := range e.snapshotOutputs() {
		o.mu.Lock()
		o.cancelLocked()
		var err error
		for attempt := 1; attempt <= shutdownAttempts; attempt++ {
			err = o.dev.TurnOff()
			if err == nil && o.dev.IsOn() {
				err = errors.New("still on after turn-off")
			}
			if err == nil {
				break
			}
			e.logger.Warn("shutdown turn-off failed",
				zap.String("actuator_id", o.id),
				zap.Int("attempt", attempt),
				zap.Error(err))
			if attempt < shutdownAttempts {
				time.Sleep(shutdownBackoff)
			}
		}
		o.state.Mode = ModeOff
		o.state.Magnitude = 0
		o.state.OffAt = time.Time{}
		o.state.LastWriter = "shutdown"
		o.state.LastChange = e.now()
		e.recordLocked(o, "shutdown", err)
		if err != nil {
			errs = append(errs, fmt.Errorf("actuator %s: %w", o.id, err))
		}
		if c, ok := o.dev.(io.Closer); ok {
			if cerr := c.Close(); cerr != nil {
				e.logger.Warn("closing actuator driver", zap.String("actuator_id", o.id), zap.Error(cerr))
			}
		}
		o.mu.Unlock()
	}
	return errors.Join(errs...)
}

// State returns the snapshot for id.
func (e *Engine) State(id string) (State, error) {
	o, err := e.lookup(id)
	if err != nil {
		return State{}, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state, nil
}

// States returns snapshots of every actuator ordered by id.
func (e *Engine) States() []State {
	outs := e.snapshotOutputs()
	states := make([]State, 0, len(outs))
	for _, o := range outs {
		o.mu.Lock()
		states = append(states, o.state)
		o.mu.Unlock()
	}
	return states
}

func (e *Engine) snapshotOutputs() []*output {
	e.mu.RLock()
	outs := make([]*output, 0, len(e.outputs))
	for _, o := range e.outputs {
		outs = append(outs, o)
	}
	e.mu.RUnlock()
	sort.Slice(outs, func(i, j int) bool { return outs[i].id < outs[j].id })
	return outs
}
