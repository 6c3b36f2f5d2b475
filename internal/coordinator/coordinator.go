// Package coordinator supervises the controller tasks: lifecycle, hot
// reload, the admin command surface and ordered shutdown.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/envctl/internal/actuator"
	"github.com/sweeney/envctl/internal/buslock"
	"github.com/sweeney/envctl/internal/conditional"
	"github.com/sweeney/envctl/internal/config"
	"github.com/sweeney/envctl/internal/controller"
	"github.com/sweeney/envctl/internal/device"
	"github.com/sweeney/envctl/internal/input"
	"github.com/sweeney/envctl/internal/measure"
	"github.com/sweeney/envctl/internal/metrics"
	"github.com/sweeney/envctl/internal/notify"
	"github.com/sweeney/envctl/internal/pid"
)

var (
	// ErrUnknownController is returned for ids the config source does not
	// know.
	ErrUnknownController = errors.New("unknown controller")
	// ErrWrongKind is returned when a command targets the wrong controller
	// type.
	ErrWrongKind = errors.New("wrong controller type")
	// ErrNotRunning is returned for commands against a stopped controller.
	ErrNotRunning = errors.New("controller not running")
	// ErrShutdown is returned once Shutdown has begun.
	ErrShutdown = errors.New("runtime shut down")
)

// PID lifecycle ops accepted by PIDCommand in addition to the pid package
// operations.
const (
	OpStart = "start"
	OpStop  = "stop"
)

// AdminRequester is the actuator writer id for admin commands.
const AdminRequester = "admin"

// Start order; shutdown runs in reverse so rules stop before the loops
// they steer, and inputs last.
var kindOrder = []config.Kind{config.KindInput, config.KindPID, config.KindConditional}

// FieldSaver persists controller fields without blocking.
type FieldSaver interface {
	Save(id, field, value string)
}

// Deps are the collaborators of a Runtime.
type Deps struct {
	Source    config.Source
	Registry  *device.Registry
	Engine    *actuator.Engine
	Store     measure.Store
	Publisher measure.Publisher
	Locks     *buslock.Locks
	Notifier  notify.Notifier
	Saver     FieldSaver
	// Latest returns the newest measurement per series for snapshots.
	Latest func() []measure.Measurement
	Logger *zap.Logger
}

type entry struct {
	kind  config.Kind
	task  *controller.Task
	input *input.Controller
	pid   *pid.Controller
	rule  *conditional.Controller
}

func (e *entry) close() {
	if e.rule != nil {
		e.rule.Halt()
	}
	if e.input != nil {
		_ = e.input.Close()
	}
}

// Runtime is the runtime coordinator.
type Runtime struct {
	deps   Deps
	logger *zap.Logger

	// mu serializes lifecycle and admin operations.
	mu     sync.Mutex
	closed bool

	// emu guards the entry index for readers that must not wait behind a
	// long admin operation (status, edge routing).
	emu     sync.RWMutex
	entries map[string]*entry

	terminate     chan struct{}
	terminateOnce sync.Once
}

// New builds a Runtime. Nothing starts until Start or StartEnabled.
func New(deps Deps) *Runtime {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Locks == nil {
		deps.Locks = buslock.New(0, deps.Logger)
	}
	return &Runtime{
		deps:      deps,
		logger:    deps.Logger.Named("runtime"),
		entries:   make(map[string]*entry),
		terminate: make(chan struct{}),
	}
}

func (r *Runtime) lookup(id string) *entry {
	r.emu.RLock()
	defer r.emu.RUnlock()
	return r.entries[id]
}

func (r *Runtime) setEntry(id string, e *entry) {
	r.emu.Lock()
	defer r.emu.Unlock()
	if e == nil {
		delete(r.entries, id)
		return
	}
	r.entries[id] = e
}

// build constructs the controller for cfg without starting it.
func (r *Runtime) build(cfg *config.ControllerConfig) (*entry, error) {
	e := &entry{kind: cfg.Kind}
	var err error
	switch cfg.Kind {
	case config.KindInput:
		e.input, err = input.New(cfg, input.Deps{
			Registry:  r.deps.Registry,
			Locks:     r.deps.Locks,
			Actuators: r.deps.Engine,
			Publisher: r.deps.Publisher,
			Edges:     r,
			Logger:    r.deps.Logger,
		})
		if err == nil {
			e.task = e.input.Task()
		}
	case config.KindPID:
		e.pid, err = pid.New(cfg, pid.Deps{
			Store:      r.deps.Store,
			Actuators:  r.deps.Engine,
			Publisher:  r.deps.Publisher,
			Saver:      r.deps.Saver,
			Deactivate: r.methodEnded,
			Logger:     r.deps.Logger,
		})
		if err == nil {
			e.task = e.pid.Task()
		}
	case config.KindConditional:
		e.rule, err = conditional.New(cfg, conditional.Deps{
			Store:       r.deps.Store,
			Actuators:   r.deps.Engine,
			Controllers: r,
			Notifier:    r.deps.Notifier,
			Logger:      r.deps.Logger,
		})
		if err == nil {
			e.task = e.rule.Task()
		}
	default:
		err = fmt.Errorf("controller %s: unknown kind %q", cfg.ID, cfg.Kind)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (r *Runtime) methodEnded(id string) {
	if err := r.Deactivate(context.Background(), id); err != nil && !errors.Is(err, ErrShutdown) {
		r.logger.Error("deactivate after method end", zap.String("controller_id", id), zap.Error(err))
	}
}

// Start starts a controller from cfg. Starting a running controller is a
// no-op. It returns once the task's loop is running.
func (r *Runtime) Start(ctx context.Context, cfg *config.ControllerConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startLocked(ctx, cfg)
}

func (r *Runtime) startLocked(ctx context.Context, cfg *config.ControllerConfig) error {
	if r.closed {
		return ErrShutdown
	}
	if e := r.lookup(cfg.ID); e != nil {
		return nil
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	e, err := r.build(cfg)
	if err != nil {
		r.logger.Error("controller failed to start", zap.String("controller_id", cfg.ID), zap.Error(err))
		return err
	}
	if err := e.task.Start(ctx); err != nil {
		e.close()
		return err
	}
	r.setEntry(cfg.ID, e)
	r.logger.Info("controller started",
		zap.String("controller_id", cfg.ID),
		zap.String("kind", string(cfg.Kind)),
		zap.Duration("period", cfg.Period.D()))
	return nil
}

// Stop stops a controller and drives the actuators it still owns off.
// Stopping a stopped controller is a no-op. It returns once the loop has
// exited.
func (r *Runtime) Stop(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopLocked(id)
}

func (r *Runtime) stopLocked(id string) error {
	e := r.lookup(id)
	if e == nil {
		return nil
	}
	r.setEntry(id, nil)
	e.task.Stop()
	e.close()
	err := r.deps.Engine.ReleaseOwner(id)
	if err != nil {
		r.logger.Error("releasing actuators", zap.String("controller_id", id), zap.Error(err))
	}
	r.logger.Info("controller stopped", zap.String("controller_id", id))
	return err
}

func (r *Runtime) fetch(ctx context.Context, id string) (*config.ControllerConfig, error) {
	cfg, err := r.deps.Source.Controller(ctx, id)
	if errors.Is(err, config.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownController, id)
	}
	return cfg, err
}

func (r *Runtime) saveEnabled(id string, enabled bool) {
	if r.deps.Saver == nil {
		return
	}
	v := "false"
	if enabled {
		v = "true"
	}
	r.deps.Saver.Save(id, config.FieldEnabled, v)
}

// Activate loads a controller from the source, persists it as enabled and
// starts it.
func (r *Runtime) Activate(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count("activate", r.activateLocked(ctx, id))
}

func (r *Runtime) activateLocked(ctx context.Context, id string) error {
	if r.closed {
		return ErrShutdown
	}
	if r.lookup(id) != nil {
		return nil
	}
	cfg, err := r.fetch(ctx, id)
	if err != nil {
		return err
	}
	if err := r.startLocked(ctx, cfg.WithEnabled(true)); err != nil {
		return err
	}
	r.saveEnabled(id, true)
	return nil
}

// Deactivate stops a controller and persists it as disabled.
func (r *Runtime) Deactivate(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count("deactivate", r.deactivateLocked(ctx, id))
}

func (r *Runtime) deactivateLocked(ctx context.Context, id string) error {
	if r.closed {
		return ErrShutdown
	}
	if r.lookup(id) == nil {
		if _, err := r.fetch(ctx, id); err != nil {
			return err
		}
	}
	err := r.stopLocked(id)
	r.saveEnabled(id, false)
	return err
}

// Reload re-reads one controller and swaps its snapshot while its loop is
// paused. A failed read leaves the running controller untouched.
func (r *Runtime) Reload(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count("reload", r.reloadLocked(ctx, id))
}

func (r *Runtime) reloadLocked(ctx context.Context, id string) error {
	if r.closed {
		return ErrShutdown
	}
	cfg, err := r.fetch(ctx, id)
	if err != nil {
		return err
	}
	e := r.lookup(id)
	if e == nil {
		return nil
	}
	if !cfg.Enabled {
		r.logger.Info("controller disabled in source, stopping", zap.String("controller_id", id))
		return r.stopLocked(id)
	}
	if cfg.Kind != e.kind {
		r.logger.Info("controller kind changed, restarting", zap.String("controller_id", id))
		if err := r.stopLocked(id); err != nil {
			return err
		}
		return r.startLocked(ctx, cfg)
	}
	if err := e.task.Pause(ctx); err != nil {
		return fmt.Errorf("reload %s: %w", id, err)
	}
	defer e.task.Resume()
	if err := e.task.Swap(cfg); err != nil {
		return err
	}
	r.logger.Info("controller reloaded", zap.String("controller_id", id))
	return nil
}

// ReloadAll re-reads every controller of kind ("" for all). Running
// controllers of that kind are paused together, swapped and resumed;
// commands queued meanwhile run after the resume. Controllers removed from
// the source are stopped and newly enabled ones started. Invalid
// definitions keep their previous snapshot and are reported.
func (r *Runtime) ReloadAll(ctx context.Context, kind config.Kind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count("reload_all", r.reloadAllLocked(ctx, kind))
}

func (r *Runtime) reloadAllLocked(ctx context.Context, kind config.Kind) error {
	if r.closed {
		return ErrShutdown
	}
	cfgs, invalid, err := r.deps.Source.Controllers(ctx, kind)
	if err != nil {
		return err
	}
	fresh := make(map[string]*config.ControllerConfig, len(cfgs))
	for _, c := range cfgs {
		fresh[c.ID] = c
	}
	failed := make(map[string]bool)
	for _, err := range invalid {
		var ve *config.ValidationError
		if errors.As(err, &ve) {
			failed[ve.ID] = true
		}
	}

	var (
		paused  []*entry
		removed []string
		errs    = append([]error(nil), invalid...)
	)
	for _, id := range r.ids(kind) {
		e := r.lookup(id)
		cfg, ok := fresh[id]
		switch {
		case failed[id]:
			continue
		case !ok || !cfg.Enabled || cfg.Kind != e.kind:
			removed = append(removed, id)
			continue
		}
		if err := e.task.Pause(ctx); err != nil {
			errs = append(errs, fmt.Errorf("pause %s: %w", id, err))
			continue
		}
		paused = append(paused, e)
		if err := e.task.Swap(cfg); err != nil {
			errs = append(errs, err)
		}
	}
	for _, e := range paused {
		e.task.Resume()
	}
	for _, id := range removed {
		if err := r.stopLocked(id); err != nil {
			errs = append(errs, err)
		}
	}
	for _, k := range kindOrder {
		for _, c := range cfgs {
			if c.Kind != k || !c.Enabled || r.lookup(c.ID) != nil {
				continue
			}
			if err := r.startLocked(ctx, c); err != nil {
				errs = append(errs, err)
			}
		}
	}
	r.logger.Info("reloaded controllers",
		zap.String("kind", string(kind)), zap.Int("swapped", len(paused)),
		zap.Int("stopped", len(removed)), zap.Int("invalid", len(invalid)))
	return errors.Join(errs...)
}

// StartEnabled starts every enabled controller: inputs, then PID loops,
// then rules. Invalid definitions are reported and skipped.
func (r *Runtime) StartEnabled(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrShutdown
	}
	cfgs, invalid, err := r.deps.Source.Controllers(ctx, "")
	if err != nil {
		return err
	}
	errs := append([]error(nil), invalid...)
	for _, err := range invalid {
		r.logger.Error("invalid controller definition", zap.Error(err))
	}
	for _, k := range kindOrder {
		for _, c := range cfgs {
			if c.Kind == k && c.Enabled {
				if err := r.startLocked(ctx, c); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}
	return errors.Join(errs...)
}

// Shutdown drives every actuator off, then stops every controller and waits
// for the tasks to finish or ctx to expire. Later lifecycle calls return
// ErrShutdown.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.logger.Info("shutting down")

	var errs []error
	// Actuators go off before any join so a driver call that ignores
	// cancellation cannot hold them on.
	if err := r.deps.Engine.Shutdown(); err != nil {
		r.logger.Error("actuators may not be off", zap.Error(err))
		errs = append(errs, err)
	}
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for i := len(kindOrder) - 1; i >= 0; i-- {
			for _, id := range r.ids(kindOrder[i]) {
				e := r.lookup(id)
				r.setEntry(id, nil)
				e.task.Stop()
				e.close()
			}
		}
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		r.logger.Error("controllers still running at shutdown deadline", zap.Error(ctx.Err()))
		errs = append(errs, fmt.Errorf("stopping controllers: %w", ctx.Err()))
	}
	r.Terminate()
	return errors.Join(errs...)
}

// Terminate requests process termination. The daemon observes Terminated
// and runs the ordered Shutdown.
func (r *Runtime) Terminate() {
	r.terminateOnce.Do(func() { close(r.terminate) })
}

// Terminated is closed once Terminate has been called.
func (r *Runtime) Terminated() <-chan struct{} { return r.terminate }

// ids returns the sorted ids of running controllers of kind ("" for all).
func (r *Runtime) ids(kind config.Kind) []string {
	r.emu.RLock()
	defer r.emu.RUnlock()
	var out []string
	for id, e := range r.entries {
		if kind == "" || e.kind == kind {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Running reports whether id has a running task.
func (r *Runtime) Running(id string) bool { return r.lookup(id) != nil }

// HandleEdge implements input.EdgeSink, routing an edge to every running
// rule. Rules filter by input and edge themselves.
func (r *Runtime) HandleEdge(ev input.EdgeEvent) {
	r.emu.RLock()
	defer r.emu.RUnlock()
	for _, e := range r.entries {
		if e.rule != nil {
			e.rule.HandleEdge(ev)
		}
	}
}

func (r *Runtime) count(command string, err error) error {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.AdminCommands.WithLabelValues(command, status).Inc()
	return err
}

// ChangeActuator applies an admin actuator command.
func (r *Runtime) ChangeActuator(_ context.Context, id string, mode actuator.Mode, magnitude float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.deps.Engine.Execute(actuator.Command{
		ActuatorID: id, Mode: mode, Magnitude: magnitude, Requester: AdminRequester,
	})
	return r.count("change_actuator", err)
}

// ReadSensor performs an immediate read on a running input controller.
func (r *Runtime) ReadSensor(ctx context.Context, id string) ([]measure.Measurement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.running(ctx, id, config.KindInput)
	if err != nil {
		return nil, r.count("read_sensor", err)
	}
	ms, err := e.input.ReadNow(ctx)
	return ms, r.count("read_sensor", err)
}

// PIDCommand applies op to a PID controller. OpStart and OpStop activate
// and deactivate it; every other op runs on the loop.
func (r *Runtime) PIDCommand(ctx context.Context, id, op string, value float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count("pid_"+op, r.pidCommandLocked(ctx, id, op, value))
}

func (r *Runtime) pidCommandLocked(ctx context.Context, id, op string, value float64) error {
	if r.closed {
		return ErrShutdown
	}
	switch op {
	case OpStart, OpStop:
		cfg, err := r.fetch(ctx, id)
		if err != nil {
			return err
		}
		if cfg.Kind != config.KindPID {
			return fmt.Errorf("%w: %s is %s", ErrWrongKind, id, cfg.Kind)
		}
		if op == OpStart {
			return r.activateLocked(ctx, id)
		}
		return r.deactivateLocked(ctx, id)
	}
	e, err := r.running(ctx, id, config.KindPID)
	if err != nil {
		return err
	}
	return e.pid.Command(ctx, op, value)
}

// running returns the entry for a running controller of kind, or an error
// distinguishing unknown, stopped and mistyped ids.
func (r *Runtime) running(ctx context.Context, id string, kind config.Kind) (*entry, error) {
	e := r.lookup(id)
	if e == nil {
		cfg, err := r.fetch(ctx, id)
		if err != nil {
			return nil, err
		}
		if cfg.Kind != kind {
			return nil, fmt.Errorf("%w: %s is %s", ErrWrongKind, id, cfg.Kind)
		}
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	if e.kind != kind {
		return nil, fmt.Errorf("%w: %s is %s", ErrWrongKind, id, e.kind)
	}
	return e, nil
}

// ControllerSnapshot describes one running controller.
type ControllerSnapshot struct {
	ID        string              `json:"id"`
	Name      string              `json:"name,omitempty"`
	Kind      config.Kind         `json:"kind"`
	State     string              `json:"state"`
	Period    float64             `json:"period_s"`
	Cycles    uint64              `json:"cycles"`
	LastCycle time.Time           `json:"last_cycle,omitempty"`
	Input     *input.Status       `json:"input,omitempty"`
	PID       *pid.Status         `json:"pid,omitempty"`
	Rule      *conditional.Status `json:"rule,omitempty"`
}

// Snapshot is a point-in-time view of the runtime.
type Snapshot struct {
	Time         time.Time             `json:"time"`
	Controllers  []ControllerSnapshot  `json:"controllers"`
	Actuators    []actuator.State      `json:"actuators"`
	Measurements []measure.Measurement `json:"measurements,omitempty"`
}

// Status returns a snapshot without waiting for in-flight admin commands.
func (r *Runtime) Status() Snapshot {
	snap := Snapshot{Time: time.Now(), Actuators: r.deps.Engine.States()}
	for _, id := range r.ids("") {
		e := r.lookup(id)
		if e == nil {
			continue
		}
		cfg := e.task.Config()
		n, last := e.task.Cycles()
		cs := ControllerSnapshot{
			ID: id, Name: cfg.Name, Kind: e.kind, State: e.task.State().String(),
			Period: cfg.Period.Seconds(), Cycles: n, LastCycle: last,
		}
		switch {
		case e.input != nil:
			st := e.input.Status()
			cs.Input = &st
		case e.pid != nil:
			st := e.pid.Status()
			cs.PID = &st
		case e.rule != nil:
			st := e.rule.Status()
			cs.Rule = &st
		}
		snap.Controllers = append(snap.Controllers, cs)
	}
	if r.deps.Latest != nil {
		snap.Measurements = r.deps.Latest()
	}
	return snap
}

// Report returns a snapshot serialized with the other admin commands.
func (r *Runtime) Report(context.Context) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.count("report", nil)
	return r.Status()
}
