package actuator

import (
	"time"

	"github.com/sweeney/envctl/internal/device"
)

// startDutyLocked applies a duty cycle, natively when the driver supports
// it and otherwise by toggling the output with timers over the actuator's
// duty period.
func (e *Engine) startDutyLocked(o *output, gen uint64, pct float64) error {
	if dc, ok := o.dev.(device.DutyCycler); ok {
		if pct == 0 {
			return o.dev.TurnOff()
		}
		return dc.SetDutyCycle(pct)
	}
	switch {
	case pct <= 0:
		return o.dev.TurnOff()
	case pct >= 100:
		return o.dev.TurnOn(0)
	}
	onFor := time.Duration(float64(o.dutyPeriod) * pct / 100)
	if err := o.dev.TurnOn(0); err != nil {
		return err
	}
	o.timer = time.AfterFunc(onFor, func() { e.dutyPhase(o, gen, pct, false) })
	return nil
}

// dutyPhase switches the software duty cycle to the on or off phase and
// schedules the next switch.
func (e *Engine) dutyPhase(o *output, gen uint64, pct float64, on bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gen != gen {
		return
	}
	var err error
	next := time.Duration(float64(o.dutyPeriod) * pct / 100)
	if on {
		err = o.dev.TurnOn(0)
	} else {
		err = o.dev.TurnOff()
		next = o.dutyPeriod - next
	}
	o.state.On = o.dev.IsOn()
	if err != nil {
		e.recordLocked(o, "duty", err)
	}
	o.timer = time.AfterFunc(next, func() { e.dutyPhase(o, gen, pct, !on) })
}
