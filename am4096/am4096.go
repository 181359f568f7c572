// Package am4096 decodes frames from an AM4096 absolute rotary encoder into rotor angle and speed.
package am4096

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
)

// Resolution is both the count mask and the number of counts per mechanical revolution.
const Resolution = 4095

// FrameBits is the length of one AM4096 transfer word.
const FrameBits = 25

const (
	halfMask   = 0x0FFF
	upperShift = 13
)

// DefaultFilterCoeff is the speed low-pass coefficient used when none is configured.
const DefaultFilterCoeff = 0.01

// Config describes the fixed parameters of a sensor.
type Config struct {
	// AlignOffset is added to every accepted raw count before wrapping.
	AlignOffset uint16
	// SamplePeriod is the nominal time between successive Update calls, in seconds. It is used
	// when the caller has no measured interval.
	SamplePeriod float64
	// FilterCoeff is the single-pole low-pass coefficient in (0, 1].
	FilterCoeff float64
}

// Validate checks that the sensor can compute a speed with this config.
func (c Config) Validate() error {
	if c.SamplePeriod <= 0 {
		return errors.Errorf("sample period must be positive, got %v", c.SamplePeriod)
	}
	if c.FilterCoeff <= 0 || c.FilterCoeff > 1 {
		return errors.Errorf("filter coefficient must be in (0, 1], got %v", c.FilterCoeff)
	}
	return nil
}

// Position is the sensor state after one Update.
type Position struct {
	Raw         uint16
	Compensated uint16
	// Theta is the mechanical angle in radians.
	Theta float64
	// Speed is the filtered signed angular velocity in rad/s.
	Speed float64
	// RPM is the magnitude of Speed in revolutions per minute.
	RPM float64
	// Revolutions is the multi-turn position since Init. Turns are counted from wraps of the
	// compensated count, so the rotor must move less than half a turn between updates.
	Revolutions float64
	// Accepted reports whether the last frame's halves matched.
	Accepted bool
}

// Sensor holds the decode and velocity estimator state of one encoder.
type Sensor struct {
	conf Config
	pos  Position
	prev r2.Point

	// The turn counter survives Init. lastCount is the last accepted count and seeded is set once
	// there is one, so the very first frame never counts as a wrap.
	turns     int64
	lastCount uint16
	seeded    bool
}

// NewSensor returns a zeroed sensor.
func NewSensor(conf Config) (*Sensor, error) {
	if conf.FilterCoeff == 0 {
		conf.FilterCoeff = DefaultFilterCoeff
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &Sensor{conf: conf}, nil
}

// Init zeroes the angle, the previous phasor and the filtered speed. The multi-turn position is
// kept, so it continues from the last accepted count.
func (s *Sensor) Init() {
	s.pos = Position{Revolutions: s.revolutions()}
	s.prev = r2.Point{}
}

func (s *Sensor) revolutions() float64 {
	return float64(s.turns) + float64(s.lastCount)/Resolution
}

// SplitFrame returns the two redundant 12-bit halves of a frame.
func SplitFrame(word uint32) (lower, upper uint16) {
	return uint16(word & halfMask), uint16((word >> upperShift) & halfMask)
}

// Update decodes one frame and advances the speed estimate over dt seconds since the previous
// update. A non-positive dt falls back to the configured sample period. A frame whose halves
// disagree leaves the compensated count untouched; the estimator still steps with the held angle.
func (s *Sensor) Update(word uint32, dt float64) Position {
	if dt <= 0 {
		dt = s.conf.SamplePeriod
	}
	lower, upper := SplitFrame(word)
	s.pos.Accepted = lower == upper
	if s.pos.Accepted {
		comp := (lower + s.conf.AlignOffset) & Resolution
		if s.seeded {
			switch delta := int(comp) - int(s.lastCount); {
			case delta < -Resolution/2:
				s.turns++
			case delta > Resolution/2:
				s.turns--
			}
		}
		s.seeded = true
		s.lastCount = comp
		s.pos.Raw = lower
		s.pos.Compensated = comp
	}
	s.pos.Theta = CountToTheta(s.pos.Compensated)
	s.pos.Revolutions = s.revolutions()

	sin, cos := math.Sincos(s.pos.Theta)
	cur := r2.Point{X: cos, Y: sin}
	omega := s.prev.Cross(cur) / dt
	s.pos.Speed += s.conf.FilterCoeff * (omega - s.pos.Speed)
	s.pos.RPM = math.Abs(s.pos.Speed * 60 / (2 * math.Pi))
	s.prev = cur

	return s.pos
}

// Position returns the state computed by the last Update.
func (s *Sensor) Position() Position {
	return s.pos
}

// CountToTheta converts a compensated count to radians.
func CountToTheta(count uint16) float64 {
	return float64(count) * 2 * math.Pi / Resolution
}

// Frame builds the word an encoder sends for count, with both halves equal.
func Frame(count uint16) uint32 {
	c := uint32(count) & halfMask
	return c | c<<upperShift
}
