package pid

import "github.com/sweeney/envctl/internal/mathx"

// Terms is the result of one PID update.
type Terms struct {
	Error      float64 `json:"error"`
	Integrator float64 `json:"integrator"`
	P          float64 `json:"p"`
	I          float64 `json:"i"`
	D          float64 `json:"d"`
	Output     float64 `json:"output"`
}

// PID is the discrete fixed-period algorithm. It holds no clock; the caller
// invokes Update once per period with a valid measurement.
type PID struct {
	Kp, Ki, Kd            float64
	IntegratorMin, IntMax float64
	integrator, lastError float64
	last                  Terms
}

// NewPID returns a PID with the given gains and integrator bounds.
func NewPID(kp, ki, kd, imin, imax float64) *PID {
	return &PID{Kp: kp, Ki: ki, Kd: kd, IntegratorMin: imin, IntMax: imax}
}

// Configure replaces gains and bounds, keeping the accumulated integrator
// (re-clamped to the new bounds).
func (p *PID) Configure(kp, ki, kd, imin, imax float64) {
	p.Kp, p.Ki, p.Kd = kp, ki, kd
	p.IntegratorMin, p.IntMax = imin, imax
	p.integrator = mathx.Clamp(p.integrator, imin, imax)
}

// Update runs one cycle.
func (p *PID) Update(setpoint, measurement float64) Terms {
	err := setpoint - measurement
	p.integrator = mathx.Clamp(p.integrator+err, p.IntegratorMin, p.IntMax)
	t := Terms{
		Error:      err,
		Integrator: p.integrator,
		P:          p.Kp * err,
		I:          p.Ki * p.integrator,
		D:          p.Kd * (err - p.lastError),
	}
	t.Output = t.P + t.I + t.D
	p.lastError = err
	p.last = t
	return t
}

// Last returns the terms of the most recent Update.
func (p *PID) Last() Terms { return p.last }

// Reset clears the integrator and derivative history.
func (p *PID) Reset() {
	p.integrator, p.lastError = 0, 0
	p.last = Terms{}
}
