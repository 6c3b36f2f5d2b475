// Package input implements the sensor acquisition controller: optional
// priming of an auxiliary actuator, bus-locked reads with retries and a
// consistency check, asynchronous publication and edge detection for
// digital inputs.
package input

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/envctl/internal/actuator"
	"github.com/sweeney/envctl/internal/buslock"
	"github.com/sweeney/envctl/internal/config"
	"github.com/sweeney/envctl/internal/controller"
	"github.com/sweeney/envctl/internal/device"
	"github.com/sweeney/envctl/internal/mathx"
	"github.com/sweeney/envctl/internal/measure"
	"github.com/sweeney/envctl/internal/metrics"
)

// ErrInconsistent is returned when consecutive samples never agree within
// the configured tolerance.
var ErrInconsistent = errors.New("readings inconsistent")

// Commander is the part of the actuator engine used for priming.
type Commander interface {
	Execute(cmd actuator.Command) error
}

// EdgeSink receives debounced edges. It must not block.
type EdgeSink interface {
	HandleEdge(ev EdgeEvent)
}

// EdgeSinkFunc adapts a function to EdgeSink.
type EdgeSinkFunc func(ev EdgeEvent)

// HandleEdge implements EdgeSink.
func (f EdgeSinkFunc) HandleEdge(ev EdgeEvent) { f(ev) }

// Deps are the collaborators of an input controller.
type Deps struct {
	Registry  *device.Registry
	Locks     *buslock.Locks
	Actuators Commander
	Publisher measure.Publisher
	Edges     EdgeSink
	Logger    *zap.Logger
}

// Status is a snapshot for the admin surface.
type Status struct {
	Failures    int                   `json:"consecutive_failures"`
	LastSuccess time.Time             `json:"last_success,omitempty"`
	LastError   string                `json:"last_error,omitempty"`
	Last        []measure.Measurement `json:"last,omitempty"`
	EdgeCounts  *EdgeCounts           `json:"edge_counts,omitempty"`
	EdgeLevel   *bool                 `json:"edge_level,omitempty"`
}

// Controller is one input acquisition loop.
type Controller struct {
	deps   Deps
	logger *zap.Logger
	task   *controller.Task

	// Loop-owned; touched only from the task goroutine.
	sensor    device.Sensor
	sensorKey string
	detector  *edgeDetector
	failures  int

	mu     sync.Mutex
	status Status

	sleep func(ctx context.Context, d time.Duration) error
}

// New builds an input controller for cfg. The driver is resolved here so an
// unknown type or bad parameter fails the start.
func New(cfg *config.ControllerConfig, deps Deps) (*Controller, error) {
	if cfg.Kind != config.KindInput || cfg.Input == nil {
		return nil, fmt.Errorf("controller %s: not an input", cfg.ID)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Locks == nil {
		deps.Locks = buslock.New(0, deps.Logger)
	}
	c := &Controller{
		deps:   deps,
		logger: deps.Logger.Named("input").With(zap.String("controller_id", cfg.ID)),
		sleep:  sleepCtx,
	}
	if err := c.openSensor(cfg); err != nil {
		return nil, err
	}
	c.task = controller.NewTask(cfg, c, deps.Logger)
	return c, nil
}

// Task returns the controller's task.
func (c *Controller) Task() *controller.Task { return c.task }

func sensorKey(p *config.InputParams) string {
	return fmt.Sprintf("%s|%v", p.Driver, p.Params)
}

// openSensor (re)builds the driver when the driver definition changed.
func (c *Controller) openSensor(cfg *config.ControllerConfig) error {
	key := sensorKey(cfg.Input)
	if c.sensor != nil && key == c.sensorKey {
		return nil
	}
	s, err := c.deps.Registry.NewSensor(cfg.Input.Driver, device.Params(cfg.Input.Params))
	if err != nil {
		return &config.ValidationError{ID: cfg.ID, Field: "input.driver", Reason: err.Error()}
	}
	if c.sensor != nil {
		if err := c.sensor.Close(); err != nil {
			c.logger.Warn("closing replaced sensor", zap.Error(err))
		}
	}
	c.sensor, c.sensorKey = s, key
	if cfg.Input.Edge != nil {
		if c.detector == nil || c.detector.debounce != cfg.Input.Edge.Debounce.D() {
			c.detector = newEdgeDetector(cfg.Input.Edge.Debounce.D())
		}
	} else {
		c.detector = nil
	}
	return nil
}

// Cycle implements controller.Cycler.
func (c *Controller) Cycle(ctx context.Context, _ time.Time) {
	cfg := c.task.Config()
	if err := c.openSensor(cfg); err != nil {
		c.fail(cfg, err)
		return
	}
	ms, err := c.acquire(ctx, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.fail(cfg, err)
		return
	}
	c.succeed(ms)
	for _, m := range ms {
		c.deps.Publisher.Publish(m)
	}
	c.detectEdge(cfg, ms)
}

// ReadNow performs one acquisition on the loop goroutine, publishing the
// result like a scheduled cycle.
func (c *Controller) ReadNow(ctx context.Context) ([]measure.Measurement, error) {
	var (
		ms  []measure.Measurement
		err error
	)
	derr := c.task.Do(ctx, func(ctx context.Context) {
		cfg := c.task.Config()
		ms, err = c.acquire(ctx, cfg)
		if err != nil {
			c.fail(cfg, err)
			return
		}
		c.succeed(ms)
		for _, m := range ms {
			c.deps.Publisher.Publish(m)
		}
	})
	if derr != nil {
		return nil, derr
	}
	return ms, err
}

func (c *Controller) acquire(ctx context.Context, cfg *config.ControllerConfig) ([]measure.Measurement, error) {
	p := cfg.Input
	during := false
	if p.PreOutput != "" && p.PreOutputDuration > 0 {
		if err := c.prime(ctx, cfg); err != nil {
			c.logger.Warn("pre-output activation failed", zap.String("actuator_id", p.PreOutput), zap.Error(err))
		} else if p.PreOutputDuringMeasure {
			during = true
		} else if err := c.sleep(ctx, p.PreOutputDuration.D()); err != nil {
			return nil, err
		}
	}

	release, err := c.deps.Locks.Acquire(ctx, p.Bus, cfg.ID)
	if err != nil {
		return nil, err
	}
	readings, err := c.sample(ctx, p)
	release()

	if during {
		err := c.deps.Actuators.Execute(actuator.Command{ActuatorID: p.PreOutput, Mode: actuator.ModeOff, Requester: cfg.ID})
		if err != nil {
			c.logger.Warn("pre-output turn-off failed", zap.String("actuator_id", p.PreOutput), zap.Error(err))
		}
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	ms := make([]measure.Measurement, 0, len(readings))
	for _, r := range readings {
		ms = append(ms, measure.Measurement{
			DeviceID:    cfg.ID,
			Channel:     r.Channel,
			Measurement: r.Measurement,
			Unit:        r.Unit,
			Value:       r.Value,
			Time:        now,
		})
	}
	return ms, nil
}

func (c *Controller) prime(ctx context.Context, cfg *config.ControllerConfig) error {
	if c.deps.Actuators == nil {
		return errors.New("no actuator engine")
	}
	return c.deps.Actuators.Execute(actuator.Command{
		ActuatorID: cfg.Input.PreOutput,
		Mode:       actuator.ModeDuration,
		Magnitude:  cfg.Input.PreOutputDuration.Seconds(),
		Requester:  cfg.ID,
	})
}

// sample takes readings until two consecutive samples agree within the
// tolerance. Each newer sample replaces the older one; the agreeing newer
// sample is returned. A zero tolerance accepts the first good read.
func (c *Controller) sample(ctx context.Context, p *config.InputParams) ([]device.Reading, error) {
	attempts, tolerance := p.Attempts, p.Tolerance
	if pol, ok := c.sensor.(device.ReadPolicy); ok {
		attempts, tolerance = pol.Attempts(), pol.Tolerance()
	}
	prev, err := c.read(ctx, p, attempts)
	if err != nil || tolerance <= 0 {
		return prev, err
	}
	for n := 1; n < p.MaxSamples; n++ {
		next, err := c.read(ctx, p, attempts)
		if err != nil {
			return nil, err
		}
		if consistent(prev, next, tolerance) {
			return next, nil
		}
		c.logger.Debug("inconsistent samples, reading again", zap.Int("sample", n+1))
		prev = next
	}
	return nil, fmt.Errorf("%d samples: %w", p.MaxSamples, ErrInconsistent)
}

// read calls the driver up to attempts times, each bounded by the read
// timeout.
func (c *Controller) read(ctx context.Context, p *config.InputParams, attempts int) ([]device.Reading, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		rctx, cancel := context.WithTimeout(ctx, p.ReadTimeout.D())
		rs, err := c.sensor.Read(rctx)
		cancel()
		if err == nil && len(rs) == 0 {
			err = errors.New("driver returned no readings")
		}
		if err == nil {
			return rs, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}
	return nil, fmt.Errorf("read failed after %d attempts: %w", attempts, lastErr)
}

func consistent(a, b []device.Reading, tolerance float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Channel != b[i].Channel || mathx.Abs(a[i].Value-b[i].Value) > tolerance {
			return false
		}
	}
	return true
}

func (c *Controller) fail(cfg *config.ControllerConfig, err error) {
	c.failures++
	metrics.ReadFailures.WithLabelValues(cfg.ID).Inc()
	fields := []zap.Field{zap.Int("consecutive", c.failures), zap.Error(err)}
	if c.failures >= cfg.Input.FailureThreshold {
		c.logger.Error("sensor read failing", fields...)
	} else {
		c.logger.Warn("sensor read failed, skipping cycle", fields...)
	}
	c.mu.Lock()
	c.status.Failures = c.failures
	c.status.LastError = err.Error()
	c.mu.Unlock()
}

func (c *Controller) succeed(ms []measure.Measurement) {
	if c.failures > 0 {
		c.logger.Info("sensor read recovered", zap.Int("after_failures", c.failures))
	}
	c.failures = 0
	c.mu.Lock()
	c.status.Failures = 0
	c.status.LastError = ""
	c.status.Last = ms
	if len(ms) > 0 {
		c.status.LastSuccess = ms[0].Time
	}
	c.mu.Unlock()
}

func (c *Controller) detectEdge(cfg *config.ControllerConfig, ms []measure.Measurement) {
	if c.detector == nil || cfg.Input.Edge == nil {
		return
	}
	for _, m := range ms {
		if m.Channel != cfg.Input.Edge.Channel {
			continue
		}
		edge, ok := c.detector.Process(m.Value != 0, m.Time)
		counts, level := c.detector.Counts(), c.detector.Level()
		c.mu.Lock()
		c.status.EdgeCounts, c.status.EdgeLevel = &counts, &level
		c.mu.Unlock()
		if ok {
			c.logger.Info("edge detected", zap.String("edge", string(edge)))
			if c.deps.Edges != nil {
				c.deps.Edges.HandleEdge(EdgeEvent{InputID: cfg.ID, Edge: edge, Time: m.Time})
			}
		}
		return
	}
}

// Status returns a snapshot of acquisition health.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Close releases the driver. The task must be stopped.
func (c *Controller) Close() error {
	if c.sensor == nil {
		return nil
	}
	return c.sensor.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
