package control

import "github.com/pkg/errors"

// PIConfig holds the gains and output clamp of a PI controller.
type PIConfig struct {
	Kp     float64 `json:"kp"`
	Ki     float64 `json:"ki"`
	Kc     float64 `json:"kc"`
	OutMin float64 `json:"out_min"`
	OutMax float64 `json:"out_max"`
}

// Validate checks the clamp range.
func (c PIConfig) Validate() error {
	if c.OutMin > c.OutMax {
		return errors.Errorf("pi out_min (%v) is greater than out_max (%v)", c.OutMin, c.OutMax)
	}
	return nil
}

// PI is a clamped PI controller with back-calculation anti-windup.
type PI struct {
	PIConfig
	Integrator float64
}

// NewPI returns a PI controller with a zero integrator.
func NewPI(conf PIConfig) (*PI, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &PI{PIConfig: conf}, nil
}

// Update steps the controller once and returns the clamped output. The excess of the unclamped
// output over the clamp is fed back through Kc, and the integrator never leaves the clamp range.
func (p *PI) Update(reference, measured float64) float64 {
	e := reference - measured
	u := p.Integrator + p.Kp*e
	out := clamp(u, p.OutMin, p.OutMax)
	p.Integrator += p.Ki*e - p.Kc*(u-out)
	p.Integrator = clamp(p.Integrator, p.OutMin, p.OutMax)
	return out
}

// Reset zeroes the integrator.
func (p *PI) Reset() {
	p.Integrator = 0
}

func clamp(v, lo, hi float64) float64 {
	if v > hi {
		return hi
	}
	if v < lo {
		return lo
	}
	return v
}
