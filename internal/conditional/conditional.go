// Package conditional implements rule controllers: a trigger (measurement
// comparison, digital edge or schedule) that fires an ordered list of
// actions.
package conditional

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/envctl/internal/actuator"
	"github.com/sweeney/envctl/internal/config"
	"github.com/sweeney/envctl/internal/controller"
	"github.com/sweeney/envctl/internal/input"
	"github.com/sweeney/envctl/internal/measure"
	"github.com/sweeney/envctl/internal/metrics"
	"github.com/sweeney/envctl/internal/notify"
)

// DefaultCommandTimeout bounds external commands without their own timeout.
const DefaultCommandTimeout = 30 * time.Second

// Commander is the part of the actuator engine a rule drives.
type Commander interface {
	Execute(cmd actuator.Command) error
}

// Controllers lets actions toggle and steer other controllers.
type Controllers interface {
	Activate(ctx context.Context, id string) error
	Deactivate(ctx context.Context, id string) error
	PIDCommand(ctx context.Context, id, op string, value float64) error
}

// Runner executes an external command and returns its combined output.
type Runner func(ctx context.Context, argv []string) ([]byte, error)

func execRunner(ctx context.Context, argv []string) ([]byte, error) {
	return exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
}

// Deps are the collaborators of a rule.
type Deps struct {
	Store       measure.Store
	Actuators   Commander
	Controllers Controllers
	Notifier    notify.Notifier
	Runner      Runner
	Logger      *zap.Logger
}

// Status is a snapshot for the admin surface.
type Status struct {
	Trigger     config.TriggerType `json:"trigger"`
	Firings     int                `json:"firings"`
	LastFired   time.Time          `json:"last_fired,omitempty"`
	NextTrigger time.Time          `json:"next_trigger,omitempty"`
	LastValue   *float64           `json:"last_value,omitempty"`
	Suppressed  int                `json:"notifications_suppressed"`
}

// Controller is one conditional rule.
type Controller struct {
	id     string
	deps   Deps
	logger *zap.Logger
	task   *controller.Task
	now    func() time.Time

	// Loop-owned rule state.
	schedKey   string
	anchor     time.Time
	next       time.Time
	lastFire   time.Time
	firings    int
	suppressed int
	sent       []time.Time

	actions sync.WaitGroup

	// gate orders actuator writes from in-flight actions against Halt.
	gate   sync.RWMutex
	halted bool

	mu     sync.Mutex
	status Status
}

// New builds a conditional controller.
func New(cfg *config.ControllerConfig, deps Deps) (*Controller, error) {
	if cfg.Kind != config.KindConditional || cfg.Conditional == nil {
		return nil, fmt.Errorf("controller %s: not a conditional", cfg.ID)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Runner == nil {
		deps.Runner = execRunner
	}
	c := &Controller{
		id:     cfg.ID,
		deps:   deps,
		logger: deps.Logger.Named("conditional").With(zap.String("controller_id", cfg.ID)),
		now:    time.Now,
	}
	c.task = controller.NewTask(cfg, c, deps.Logger)
	c.status.Trigger = cfg.Conditional.Trigger
	return c, nil
}

// Task returns the controller's task.
func (c *Controller) Task() *controller.Task { return c.task }

// Cycle implements controller.Cycler.
func (c *Controller) Cycle(ctx context.Context, now time.Time) {
	p := c.task.Config().Conditional
	var (
		fire bool
		val  *float64
	)
	switch p.Trigger {
	case config.TriggerMeasurement:
		fire, val = c.evalMeasurement(ctx, p.Measurement)
	case config.TriggerSpan:
		fire = inSpan(p.Span, now)
	case config.TriggerDaily, config.TriggerSun, config.TriggerTimer:
		fire = c.evalSchedule(p, now)
	}
	if fire {
		c.fire(ctx, p, now, val)
	}
	c.publishStatus(val)
}

func (c *Controller) evalMeasurement(ctx context.Context, m *config.MeasurementCondition) (bool, *float64) {
	s, ok, err := c.deps.Store.LastValue(ctx, m.InputID, m.Measurement, m.Channel, m.MaxAge.D())
	if err != nil {
		c.logger.Warn("measurement lookup failed", zap.String("input_id", m.InputID), zap.Error(err))
		return false, nil
	}
	if !ok {
		return m.Comparison == config.CompareMissing, nil
	}
	v := s.Value
	switch m.Comparison {
	case config.CompareAbove:
		return v > m.Setpoint, &v
	case config.CompareBelow:
		return v < m.Setpoint, &v
	}
	return false, &v
}

func scheduleKey(p *config.ConditionalParams) string {
	key := string(p.Trigger)
	if p.Daily != nil {
		key += fmt.Sprintf("|%+v", *p.Daily)
	}
	if p.Sun != nil {
		key += fmt.Sprintf("|%+v", *p.Sun)
	}
	if p.Timer != nil {
		key += fmt.Sprintf("|%+v", *p.Timer)
	}
	return key
}

// evalSchedule reports whether the scheduled trigger time has passed and
// re-arms it strictly after now. A changed schedule re-arms without firing.
func (c *Controller) evalSchedule(p *config.ConditionalParams, now time.Time) bool {
	if key := scheduleKey(p); key != c.schedKey {
		c.schedKey, c.anchor = key, now
		c.next = nextScheduled(p, c.anchor, now)
		c.logger.Info("next trigger scheduled", zap.Time("at", c.next))
		return false
	}
	if c.next.IsZero() || now.Before(c.next) {
		return false
	}
	c.next = nextScheduled(p, c.anchor, now)
	return true
}

// HandleEdge implements input.EdgeSink. Matching edges are evaluated on the
// rule's own loop.
func (c *Controller) HandleEdge(ev input.EdgeEvent) {
	p := c.task.Config().Conditional
	if p.Trigger != config.TriggerEdge || p.Edge == nil || p.Edge.InputID != ev.InputID {
		return
	}
	if !ev.Edge.Matches(p.Edge.Edge) {
		return
	}
	err := c.task.Post(func(ctx context.Context) {
		p := c.task.Config().Conditional
		if p.Trigger != config.TriggerEdge {
			return
		}
		v := 0.0
		if ev.Edge == input.EdgeRising {
			v = 1
		}
		c.fire(ctx, p, ev.Time, &v)
		c.publishStatus(&v)
	})
	if err != nil {
		c.logger.Debug("edge ignored", zap.String("input_id", ev.InputID), zap.Error(err))
	}
}

// fire runs the action list unless the rule is still refractory.
func (c *Controller) fire(ctx context.Context, p *config.ConditionalParams, now time.Time, val *float64) {
	if r := p.Refractory.D(); r > 0 && !c.lastFire.IsZero() && now.Sub(c.lastFire) < r {
		c.logger.Debug("suppressed by refractory period", zap.Time("until", c.lastFire.Add(r)))
		return
	}
	c.lastFire = now
	c.firings++
	metrics.RuleFirings.WithLabelValues(c.id).Inc()
	c.logger.Info("rule fired", zap.String("trigger", string(p.Trigger)), zap.Int("actions", len(p.Actions)))

	data := templateData{Rule: c.id, Time: now, Value: "n/a"}
	if val != nil {
		data.Value = formatValue(*val)
	}
	for i, a := range p.Actions {
		job, ok := c.prepare(p, a, data, now)
		if !ok {
			continue
		}
		c.actions.Add(1)
		go func() {
			defer c.actions.Done()
			if err := job(ctx); err != nil {
				c.logger.Error("action failed",
					zap.Int("index", i), zap.String("type", string(a.Type)), zap.Error(err))
			}
		}()
	}
}

// Wait blocks until every dispatched action has returned. The coordinator
// calls Halt instead, since an action may deactivate this very rule.
func (c *Controller) Wait() { c.actions.Wait() }

// Halt waits out any actuator write already in progress and discards every
// later one. Once it returns no action of this rule changes an actuator.
func (c *Controller) Halt() {
	c.gate.Lock()
	c.halted = true
	c.gate.Unlock()
}

func (c *Controller) publishStatus(val *float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.Trigger = c.task.Config().Conditional.Trigger
	c.status.Firings = c.firings
	c.status.LastFired = c.lastFire
	c.status.NextTrigger = c.next
	c.status.Suppressed = c.suppressed
	if val != nil {
		v := *val
		c.status.LastValue = &v
	}
}

// Status returns the latest rule snapshot.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}
