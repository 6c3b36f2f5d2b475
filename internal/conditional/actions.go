package conditional

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/google/shlex"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sweeney/envctl/internal/actuator"
	"github.com/sweeney/envctl/internal/config"
	"github.com/sweeney/envctl/internal/metrics"
	"github.com/sweeney/envctl/internal/notify"
	"github.com/sweeney/envctl/internal/pid"
)

var errNoController = errors.New("no controller manager configured")

// templateData is what message and command templates see.
type templateData struct {
	Rule  string
	Value string
	Time  time.Time
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func render(text string, data templateData) (string, error) {
	tmpl, err := template.New("action").Option("missingkey=error").Parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

type job func(ctx context.Context) error

// prepare builds the side effect of one action. Templates are rendered and
// the notification rate limit is applied here, on the loop, so only the
// side effect itself runs concurrently.
func (c *Controller) prepare(p *config.ConditionalParams, a config.Action, data templateData, now time.Time) (job, bool) {
	switch a.Type {
	case config.ActionActuate:
		cmd := actuator.Command{ActuatorID: a.Target, Requester: c.id}
		switch a.State {
		case "on":
			cmd.Mode = actuator.ModeOn
			if d := a.Duration.D(); d > 0 {
				cmd.Mode, cmd.Magnitude = actuator.ModeDuration, d.Seconds()
			}
		case "off":
			cmd.Mode = actuator.ModeOff
		case "duty":
			cmd.Mode, cmd.Magnitude = actuator.ModeDuty, a.DutyCycle
		}
		return func(ctx context.Context) error {
			c.gate.RLock()
			defer c.gate.RUnlock()
			if c.halted || ctx.Err() != nil {
				c.logger.Debug("rule stopped, actuation dropped", zap.String("actuator_id", cmd.ActuatorID))
				return nil
			}
			return c.deps.Actuators.Execute(cmd)
		}, true

	case config.ActionCommand:
		line, err := render(a.Command, data)
		if err != nil {
			c.logger.Error("command template", zap.Error(err))
			return nil, false
		}
		argv, err := shlex.Split(line)
		if err != nil || len(argv) == 0 {
			c.logger.Error("command line", zap.String("command", line), zap.Error(err))
			return nil, false
		}
		timeout := a.Timeout.D()
		if timeout <= 0 {
			timeout = DefaultCommandTimeout
		}
		return func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			out, err := c.deps.Runner(ctx, argv)
			fields := []zap.Field{zap.Strings("argv", argv), zap.String("output", strings.TrimSpace(string(out)))}
			if err != nil {
				c.logger.Warn("command output", fields...)
				return fmt.Errorf("command %s: %w", argv[0], err)
			}
			c.logger.Info("command finished", fields...)
			return nil
		}, true

	case config.ActionActivate, config.ActionDeactivate,
		config.ActionPIDSetpoint, config.ActionPIDPause, config.ActionPIDHold, config.ActionPIDResume:
		ctl := c.deps.Controllers
		if ctl == nil {
			c.logger.Error("controller action", zap.String("type", string(a.Type)), zap.Error(errNoController))
			return nil, false
		}
		target := a.Target
		switch a.Type {
		case config.ActionActivate:
			return func(ctx context.Context) error { return ctl.Activate(ctx, target) }, true
		case config.ActionDeactivate:
			return func(ctx context.Context) error { return ctl.Deactivate(ctx, target) }, true
		}
		op := map[config.ActionType]string{
			config.ActionPIDSetpoint: pid.OpSetpoint,
			config.ActionPIDPause:    pid.OpPause,
			config.ActionPIDHold:     pid.OpHold,
			config.ActionPIDResume:   pid.OpResume,
		}[a.Type]
		sp := a.Setpoint
		return func(ctx context.Context) error { return ctl.PIDCommand(ctx, target, op, sp) }, true

	case config.ActionNotify:
		text, err := render(a.Message, data)
		if err != nil {
			c.logger.Error("message template", zap.Error(err))
			return nil, false
		}
		if !c.allowNotify(p.NotifyPerHour, now) {
			c.suppressed++
			metrics.Notifications.WithLabelValues(c.id, "suppressed").Inc()
			c.logger.Warn("notification suppressed by rate limit",
				zap.Int("per_hour", p.NotifyPerHour), zap.String("message", text))
			return nil, false
		}
		if c.deps.Notifier == nil {
			c.logger.Info("notification", zap.String("message", text))
			return nil, false
		}
		msg := notify.Message{ID: uuid.NewString(), RuleID: c.id, Text: text, Time: now}
		return func(ctx context.Context) error {
			if err := c.deps.Notifier.Notify(ctx, msg); err != nil {
				metrics.Notifications.WithLabelValues(c.id, "failed").Inc()
				return err
			}
			metrics.Notifications.WithLabelValues(c.id, "sent").Inc()
			return nil
		}, true
	}
	return nil, false
}

// allowNotify applies a sliding one-hour window. limit <= 0 disables it.
func (c *Controller) allowNotify(limit int, now time.Time) bool {
	if limit <= 0 {
		return true
	}
	cutoff := now.Add(-time.Hour)
	kept := c.sent[:0]
	for _, t := range c.sent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.sent = kept
	if len(c.sent) >= limit {
		return false
	}
	c.sent = append(c.sent, now)
	return true
}
