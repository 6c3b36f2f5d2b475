// Package pid implements the PID regulation controller: the discrete PID
// algorithm, output mapping to duration or duty-cycle actuator commands,
// optional setpoint schedules (methods) and the paused/held modes.
package pid

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/envctl/internal/actuator"
	"github.com/sweeney/envctl/internal/config"
	"github.com/sweeney/envctl/internal/controller"
	"github.com/sweeney/envctl/internal/mathx"
	"github.com/sweeney/envctl/internal/measure"
	"github.com/sweeney/envctl/internal/metrics"
)

// Mode is the PID operating mode.
type Mode string

const (
	// ModeNormal runs the PID math and drives outputs.
	ModeNormal Mode = "normal"
	// ModeHeld suspends the math and leaves outputs as they are.
	ModeHeld Mode = "held"
	// ModePaused suspends the math and forces outputs off.
	ModePaused Mode = "paused"
)

// Operations accepted by Command.
const (
	OpPause       = "pause"
	OpHold        = "hold"
	OpResume      = "resume"
	OpSetpoint    = "setpoint"
	OpStartMethod = "start_method"
	OpStopMethod  = "stop_method"
	OpResetMethod = "reset_method"
)

var (
	ErrUnknownOp = errors.New("unknown pid operation")
	ErrNoMethod  = errors.New("no method configured")
	ErrEnded     = errors.New("method ended; reset it first")
)

// Commander is the part of the actuator engine a PID loop drives.
type Commander interface {
	Execute(cmd actuator.Command) error
	State(id string) (actuator.State, error)
}

// FieldSaver persists resume fields.
type FieldSaver interface {
	Save(id, field, value string)
}

// Deps are the collaborators of a PID controller.
type Deps struct {
	Store     measure.Store
	Actuators Commander
	Publisher measure.Publisher
	Saver     FieldSaver
	// Deactivate is called, from its own goroutine, when a duration method
	// ends.
	Deactivate func(id string)
	Logger     *zap.Logger
}

// Status is a snapshot for the admin surface.
type Status struct {
	Mode        Mode        `json:"mode"`
	Setpoint    float64     `json:"setpoint"`
	Terms       Terms       `json:"terms"`
	Measurement *float64    `json:"measurement,omitempty"`
	MethodID    string      `json:"method_id,omitempty"`
	MethodState MethodState `json:"method_state,omitempty"`
	MethodStart time.Time   `json:"method_start,omitempty"`
	MethodEnd   time.Time   `json:"method_end,omitempty"`
	LastCycle   time.Time   `json:"last_cycle,omitempty"`
	Skipped     int         `json:"skipped_cycles"`
}

// Controller is one PID loop.
type Controller struct {
	id     string
	deps   Deps
	logger *zap.Logger
	task   *controller.Task
	now    func() time.Time

	// Loop-owned state.
	pid         *PID
	mode        Mode
	setpoint    float64
	cfgSetpoint float64
	methodState MethodState
	methodStart time.Time
	methodEnd   time.Time
	active      map[string]bool
	nextAllowed map[string]time.Time
	skipped     int
	halted      bool

	mu     sync.Mutex
	status Status
}

// New builds a PID controller, restoring persisted resume fields from cfg.
func New(cfg *config.ControllerConfig, deps Deps) (*Controller, error) {
	if cfg.Kind != config.KindPID || cfg.PID == nil {
		return nil, fmt.Errorf("controller %s: not a pid", cfg.ID)
	}
	if deps.Store == nil || deps.Actuators == nil {
		return nil, fmt.Errorf("controller %s: store and actuators required", cfg.ID)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	p := cfg.PID
	c := &Controller{
		id:          cfg.ID,
		deps:        deps,
		logger:      deps.Logger.Named("pid").With(zap.String("controller_id", cfg.ID)),
		now:         time.Now,
		pid:         NewPID(p.Kp, p.Ki, p.Kd, p.IntegratorMin, p.IntegratorMax),
		mode:        ModeNormal,
		setpoint:    p.Setpoint,
		cfgSetpoint: p.Setpoint,
		methodState: MethodReady,
		active:      make(map[string]bool),
		nextAllowed: make(map[string]time.Time),
	}
	c.restore(cfg)
	c.task = controller.NewTask(cfg, c, deps.Logger)
	c.publishStatus(nil, time.Time{})
	return c, nil
}

// restore applies the resume fields written by an earlier run.
func (c *Controller) restore(cfg *config.ControllerConfig) {
	switch m := Mode(cfg.ResumeValue(config.FieldMode)); m {
	case ModeHeld, ModePaused, ModeNormal:
		c.mode = m
	}
	if v := cfg.ResumeValue(config.FieldSetpoint); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.setpoint = f
		}
	}
	if cfg.PID.Method == nil {
		return
	}
	switch s := MethodState(cfg.ResumeValue(config.FieldMethodState)); s {
	case MethodRunning:
		start, err1 := time.Parse(time.RFC3339Nano, cfg.ResumeValue(config.FieldMethodStart))
		end, err2 := time.Parse(time.RFC3339Nano, cfg.ResumeValue(config.FieldMethodEnd))
		if err1 == nil && (err2 == nil || cfg.PID.Method.Type == config.MethodDaily) {
			c.methodState, c.methodStart, c.methodEnd = MethodRunning, start, end
			c.logger.Info("resuming method", zap.Time("start", start), zap.Time("end", end))
		}
	case MethodEnded:
		c.methodState = MethodEnded
	}
}

// Task returns the controller's task.
func (c *Controller) Task() *controller.Task { return c.task }

// Cycle implements controller.Cycler.
func (c *Controller) Cycle(ctx context.Context, now time.Time) {
	if c.halted {
		return
	}
	cfg := c.task.Config()
	p := cfg.PID
	c.pid.Configure(p.Kp, p.Ki, p.Kd, p.IntegratorMin, p.IntegratorMax)
	if p.Setpoint != c.cfgSetpoint {
		c.setpoint, c.cfgSetpoint = p.Setpoint, p.Setpoint
	}

	if p.Method != nil && c.methodState == MethodReady {
		c.startMethod(cfg, now)
	}
	if c.methodState == MethodRunning && p.Method != nil {
		sp, ended := SetpointAt(p.Method, c.methodStart, now)
		if ended {
			c.endMethod(cfg)
			return
		}
		c.setpoint = sp
	}

	if c.mode != ModeNormal {
		c.publishStatus(nil, now)
		return
	}

	maxAge := p.MaxAge.D()
	if maxAge <= 0 {
		maxAge = 2 * cfg.Period.D()
	}
	sample, ok, err := c.deps.Store.LastValue(ctx, p.InputID, p.Measurement, p.Channel, maxAge)
	if err != nil || !ok {
		c.skipped++
		fields := []zap.Field{zap.String("input_id", p.InputID), zap.Duration("max_age", maxAge)}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		c.logger.Warn("no recent measurement, skipping cycle", fields...)
		c.publishStatus(nil, now)
		return
	}

	terms := c.pid.Update(c.setpoint, sample.Value)
	metrics.PIDOutput.WithLabelValues(c.id).Set(terms.Output)
	c.publish(now, "setpoint", "", 0, c.setpoint)
	c.publish(now, "pid_output", "", 0, terms.Output)
	c.drive(cfg, terms.Output, now)
	c.publishStatus(&sample.Value, now)
}

func (c *Controller) publish(now time.Time, measurement, unit string, channel int, v float64) {
	if c.deps.Publisher == nil {
		return
	}
	c.deps.Publisher.Publish(measure.Measurement{
		DeviceID: c.id, Channel: channel, Measurement: measurement, Unit: unit, Value: v, Time: now,
	})
}

// drive maps the control variable onto the configured outputs. With both
// directions the opposite output is always forced off before the active
// one is energized.
func (c *Controller) drive(cfg *config.ControllerConfig, out float64, now time.Time) {
	p := cfg.PID
	switch p.Direction {
	case config.DirectionRaise:
		c.driveOne(cfg, p.Raise, out, now, 0)
	case config.DirectionLower:
		c.driveOne(cfg, p.Lower, -out, now, 1)
	case config.DirectionBoth:
		switch {
		case out > 0:
			if c.forceOff(p.Lower) {
				c.driveOne(cfg, p.Raise, out, now, 0)
			}
		case out < 0:
			if c.forceOff(p.Raise) {
				c.driveOne(cfg, p.Lower, -out, now, 1)
			}
		default:
			c.forceOff(p.Raise)
			c.forceOff(p.Lower)
		}
	}
}

// driveOne applies a non-negative magnitude (negative means no demand in
// this direction) to one output.
func (c *Controller) driveOne(cfg *config.ControllerConfig, o *config.OutputParams, mag float64, now time.Time, channel int) {
	switch o.Type {
	case config.OutputDuty:
		pct := 0.0
		if mag > 0 {
			pct = mathx.Clamp(100*mag/cfg.Period.Seconds(), 0, 100)
		}
		c.publish(now, "duty_cycle", "percent", channel, pct)
		if pct == 0 && !c.active[o.Actuator] {
			return
		}
		c.execute(actuator.Command{ActuatorID: o.Actuator, Mode: actuator.ModeDuty, Magnitude: pct})
		c.active[o.Actuator] = pct > 0

	case config.OutputDuration:
		if mag <= 0 {
			return
		}
		if until := c.nextAllowed[o.Actuator]; now.Before(until) {
			c.logger.Debug("activation suppressed by min_off",
				zap.String("actuator_id", o.Actuator), zap.Time("allowed_at", until))
			return
		}
		secs := mathx.Clamp(mag, o.MinDuration.Seconds(), o.MaxDuration.Seconds())
		if secs <= 0 {
			return
		}
		d := time.Duration(secs * float64(time.Second))
		if c.execute(actuator.Command{ActuatorID: o.Actuator, Mode: actuator.ModeDuration, Magnitude: secs}) {
			c.active[o.Actuator] = true
			c.nextAllowed[o.Actuator] = now.Add(d + o.MinOff.D())
		}
	}
}

// forceOff turns o off if this loop energized it and reports whether the
// output is confirmed off. A failed write is not assumed to have worked.
func (c *Controller) forceOff(o *config.OutputParams) bool {
	if o == nil {
		return true
	}
	if c.active[o.Actuator] && c.execute(actuator.Command{ActuatorID: o.Actuator, Mode: actuator.ModeOff}) {
		c.active[o.Actuator] = false
	}
	st, err := c.deps.Actuators.State(o.Actuator)
	if err != nil || st.On {
		c.logger.Error("opposite output not confirmed off, holding this direction",
			zap.String("actuator_id", o.Actuator), zap.Error(err))
		return false
	}
	return true
}

func (c *Controller) outputsOff(cfg *config.ControllerConfig) {
	for _, o := range []*config.OutputParams{cfg.PID.Raise, cfg.PID.Lower} {
		if o == nil {
			continue
		}
		if c.execute(actuator.Command{ActuatorID: o.Actuator, Mode: actuator.ModeOff}) {
			c.active[o.Actuator] = false
		}
	}
}

func (c *Controller) execute(cmd actuator.Command) bool {
	cmd.Requester = c.id
	if err := c.deps.Actuators.Execute(cmd); err != nil {
		c.logger.Error("actuator command failed",
			zap.String("actuator_id", cmd.ActuatorID),
			zap.String("mode", string(cmd.Mode)),
			zap.Error(err))
		return false
	}
	return true
}

func (c *Controller) save(field, value string) {
	if c.deps.Saver != nil {
		c.deps.Saver.Save(c.id, field, value)
	}
}

func (c *Controller) startMethod(cfg *config.ControllerConfig, now time.Time) {
	m := cfg.PID.Method
	c.methodState = MethodRunning
	c.methodStart = now
	c.methodEnd = time.Time{}
	if l := MethodLength(m); l > 0 {
		c.methodEnd = now.Add(l)
	}
	c.save(config.FieldMethodStart, now.UTC().Format(time.RFC3339Nano))
	c.save(config.FieldMethodEnd, c.methodEnd.UTC().Format(time.RFC3339Nano))
	c.save(config.FieldMethodState, string(MethodRunning))
	c.logger.Info("method started", zap.String("method_id", m.ID), zap.Time("end", c.methodEnd))
}

// endMethod moves the schedule to ended, forces outputs off and asks the
// coordinator to deactivate this controller.
func (c *Controller) endMethod(cfg *config.ControllerConfig) {
	c.methodState = MethodEnded
	c.halted = true
	c.save(config.FieldMethodState, string(MethodEnded))
	c.outputsOff(cfg)
	c.logger.Info("method ended, deactivating", zap.String("method_id", cfg.PID.Method.ID))
	c.publishStatus(nil, c.now())
	if c.deps.Deactivate != nil {
		go c.deps.Deactivate(c.id)
	}
}

// Command runs one operation on the loop goroutine.
func (c *Controller) Command(ctx context.Context, op string, value float64) error {
	var opErr error
	err := c.task.Do(ctx, func(context.Context) {
		opErr = c.apply(op, value)
		c.publishStatus(nil, c.now())
	})
	if err != nil {
		return err
	}
	return opErr
}

func (c *Controller) apply(op string, value float64) error {
	cfg := c.task.Config()
	switch op {
	case OpPause:
		c.setMode(ModePaused)
		c.outputsOff(cfg)
	case OpHold:
		c.setMode(ModeHeld)
	case OpResume:
		if c.mode == ModePaused {
			// Outputs were forced off; old integrator state no longer applies.
			c.pid.Reset()
		}
		c.setMode(ModeNormal)
	case OpSetpoint:
		c.setpoint = value
		c.save(config.FieldSetpoint, strconv.FormatFloat(value, 'f', -1, 64))
	case OpStartMethod:
		if cfg.PID.Method == nil {
			return ErrNoMethod
		}
		switch c.methodState {
		case MethodEnded:
			return ErrEnded
		case MethodReady:
			c.startMethod(cfg, c.now())
		}
	case OpStopMethod:
		if cfg.PID.Method == nil {
			return ErrNoMethod
		}
		// A stopped schedule stays ended until reset; ready would restart it
		// on the next cycle.
		c.methodState = MethodEnded
		c.save(config.FieldMethodState, string(MethodEnded))
	case OpResetMethod:
		if cfg.PID.Method == nil {
			return ErrNoMethod
		}
		c.methodState = MethodReady
		c.methodStart, c.methodEnd = time.Time{}, time.Time{}
		c.save(config.FieldMethodState, string(MethodReady))
	default:
		return fmt.Errorf("%q: %w", op, ErrUnknownOp)
	}
	c.logger.Info("pid command applied", zap.String("op", op))
	return nil
}

func (c *Controller) setMode(m Mode) {
	c.mode = m
	c.save(config.FieldMode, string(m))
}

// SetSetpoint is shorthand for Command(ctx, OpSetpoint, v).
func (c *Controller) SetSetpoint(ctx context.Context, v float64) error {
	return c.Command(ctx, OpSetpoint, v)
}

// Pause suspends the math and forces outputs off.
func (c *Controller) Pause(ctx context.Context) error { return c.Command(ctx, OpPause, 0) }

// Hold suspends the math and leaves outputs as they are.
func (c *Controller) Hold(ctx context.Context) error { return c.Command(ctx, OpHold, 0) }

// Resume returns to normal operation.
func (c *Controller) Resume(ctx context.Context) error { return c.Command(ctx, OpResume, 0) }

func (c *Controller) publishStatus(measurement *float64, now time.Time) {
	cfg := c.task.Config()
	st := Status{
		Mode:        c.mode,
		Setpoint:    c.setpoint,
		Terms:       c.pid.Last(),
		MethodStart: c.methodStart,
		MethodEnd:   c.methodEnd,
		Skipped:     c.skipped,
	}
	if cfg.PID.Method != nil {
		st.MethodID = cfg.PID.Method.ID
		st.MethodState = c.methodState
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if measurement == nil {
		st.Measurement = c.status.Measurement
	} else {
		v := *measurement
		st.Measurement = &v
	}
	st.LastCycle = c.status.LastCycle
	if !now.IsZero() {
		st.LastCycle = now
	}
	c.status = st
}

// Status returns the latest snapshot.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}
