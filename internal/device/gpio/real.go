//go:build linux

package gpio

import (
	"context"
	"errors"
	"fmt"

	"github.com/warthog618/go-gpiocdev"

	"github.com/sweeney/envctl/internal/device"
)

// RealInput reads one GPIO line as a digital sensor.
type RealInput struct {
	cfg  LineConfig
	line *gpiocdev.Line
}

func pullOption(pull string) gpiocdev.LineReqOption {
	switch pull {
	case "up":
		return gpiocdev.WithPullUp
	case "none":
		return gpiocdev.WithBiasDisabled
	default:
		return gpiocdev.WithPullDown
	}
}

// NewRealInput requests the line as an input.
func NewRealInput(cfg LineConfig) (*RealInput, error) {
	line, err := gpiocdev.RequestLine(cfg.Chip, cfg.Line, gpiocdev.AsInput, pullOption(cfg.Pull))
	if err != nil {
		return nil, fmt.Errorf("request input line %s:%d: %w", cfg.Chip, cfg.Line, err)
	}
	return &RealInput{cfg: cfg, line: line}, nil
}

// Read returns the logical line state as a 0/1 "state" reading.
func (r *RealInput) Read(_ context.Context) ([]device.Reading, error) {
	v, err := r.line.Value()
	if err != nil {
		return nil, fmt.Errorf("read line %d: %w", r.cfg.Line, err)
	}
	return stateReading(logical(v, r.cfg.ActiveLow)), nil
}

// Close releases the line. It is reconfigured as input with pull-down
// first so the pin matches Raspberry Pi boot defaults.
func (r *RealInput) Close() error {
	return closeLine(r.line)
}

// RealRelay drives one GPIO line as an on/off output.
type RealRelay struct {
	cfg  LineConfig
	line *gpiocdev.Line
	on   bool
}

// NewRealRelay requests the line as an output, initially off.
func NewRealRelay(cfg LineConfig) (*RealRelay, error) {
	line, err := gpiocdev.RequestLine(cfg.Chip, cfg.Line, gpiocdev.AsOutput(raw(false, cfg.ActiveLow)))
	if err != nil {
		return nil, fmt.Errorf("request output line %s:%d: %w", cfg.Chip, cfg.Line, err)
	}
	return &RealRelay{cfg: cfg, line: line}, nil
}

// TurnOn energizes the relay. Magnitude is ignored.
func (r *RealRelay) TurnOn(float64) error {
	if err := r.line.SetValue(raw(true, r.cfg.ActiveLow)); err != nil {
		return fmt.Errorf("set line %d on: %w", r.cfg.Line, err)
	}
	r.on = true
	return nil
}

// TurnOff de-energizes the relay.
func (r *RealRelay) TurnOff() error {
	if err := r.line.SetValue(raw(false, r.cfg.ActiveLow)); err != nil {
		return fmt.Errorf("set line %d off: %w", r.cfg.Line, err)
	}
	r.on = false
	return nil
}

// IsOn reports the last successfully written state.
func (r *RealRelay) IsOn() bool { return r.on }

// Close drives the relay off and releases the line.
func (r *RealRelay) Close() error {
	var errs []error
	if err := r.TurnOff(); err != nil {
		errs = append(errs, err)
	}
	if err := closeLine(r.line); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func closeLine(l *gpiocdev.Line) error {
	if l == nil {
		return nil
	}
	var errs []error
	if err := l.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
		errs = append(errs, fmt.Errorf("reconfigure line: %w", err))
	}
	if err := l.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close line: %w", err))
	}
	return errors.Join(errs...)
}
