// Package measure learns the zero-current ADC bias and converts raw ADC counts to amperes and volts.
package measure

import "github.com/pkg/errors"

// WindowBits sets the offset averaging window to 1<<WindowBits samples.
const WindowBits = 10

// Window is the number of samples averaged per offset.
const Window = 1 << WindowBits

// Full-scale ADC spans.
const (
	currentFullScale = 32768
	voltageFullScale = 4095
	adcMidScale      = 2048
	currentShift     = 4
)

// A Sample is one set of digitized analog inputs. Currents are signed 16-bit left-justified counts,
// voltages and the dial are unsigned 12-bit counts.
type Sample struct {
	Ia, Ib, Ic, Id int32
	Ibus           int32
	Vdc            int32
	Va, Vb, Vc, Vd int32
	Pot            int32
}

// Offsets are the learned zero-current biases.
type Offsets struct {
	Ia, Ib, Ic, Id, Ibus int32
}

// ABCD holds one value per phase.
type ABCD struct {
	A, B, C, D float64
}

// Inputs are the conditioned analog values of one cycle.
type Inputs struct {
	Currents ABCD
	Ibus     float64
	Voltages ABCD
	Vdc      float64
}

// Scales convert ADC counts to physical units.
type Scales struct {
	Current float64
	Voltage float64
	Bus     float64
}

// NewScales derives the conversion factors from the board ratings.
func NewScales(peakCurrent, peakVoltage, maxBusVoltage float64) (Scales, error) {
	if peakCurrent <= 0 || peakVoltage <= 0 || maxBusVoltage <= 0 {
		return Scales{}, errors.Errorf("ratings must be positive: peak current %v, peak voltage %v, max bus %v",
			peakCurrent, peakVoltage, maxBusVoltage)
	}
	return Scales{
		Current: peakCurrent / currentFullScale,
		Voltage: peakVoltage / voltageFullScale,
		Bus:     maxBusVoltage / voltageFullScale,
	}, nil
}

// CurrentCounts converts an unsigned 12-bit reading centered on mid-scale into a signed,
// left-justified current count. inverted flips the sign for sensors wired the other way round.
func CurrentCounts(adc int, inverted bool) int32 {
	v := adc - adcMidScale
	if inverted {
		v = -v
	}
	return int32(int16(v) << currentShift)
}

// OffsetCalibrator averages current samples over Window samples.
type OffsetCalibrator struct {
	sum     Offsets
	counter int
	offsets Offsets
	done    bool
}

// Init zeroes sums, offsets and the completion flag.
func (c *OffsetCalibrator) Init() {
	*c = OffsetCalibrator{}
}

// Accumulate adds one sample to the running sums. After Window samples the offsets are latched
// and further samples are ignored until Init. It reports whether the offsets are latched.
func (c *OffsetCalibrator) Accumulate(s Sample) bool {
	if c.done {
		return true
	}
	c.sum.Ia += s.Ia
	c.sum.Ib += s.Ib
	c.sum.Ic += s.Ic
	c.sum.Id += s.Id
	c.sum.Ibus += s.Ibus
	c.counter++
	if c.counter >= Window {
		c.offsets = Offsets{
			Ia:   c.sum.Ia >> WindowBits,
			Ib:   c.sum.Ib >> WindowBits,
			Ic:   c.sum.Ic >> WindowBits,
			Id:   c.sum.Id >> WindowBits,
			Ibus: c.sum.Ibus >> WindowBits,
		}
		c.sum = Offsets{}
		c.counter = 0
		c.done = true
	}
	return c.done
}

// Done reports whether the offsets are latched.
func (c *OffsetCalibrator) Done() bool {
	return c.done
}

// Offsets returns the latched offsets, or zeros before completion.
func (c *OffsetCalibrator) Offsets() Offsets {
	return c.offsets
}

// Condition subtracts the offsets and scales a sample.
func Condition(s Sample, off Offsets, sc Scales) Inputs {
	return Inputs{
		Currents: ABCD{
			A: float64(s.Ia-off.Ia) * sc.Current,
			B: float64(s.Ib-off.Ib) * sc.Current,
			C: float64(s.Ic-off.Ic) * sc.Current,
			D: float64(s.Id-off.Id) * sc.Current,
		},
		Ibus: float64(s.Ibus-off.Ibus) * sc.Current,
		Voltages: ABCD{
			A: float64(s.Va) * sc.Voltage,
			B: float64(s.Vb) * sc.Voltage,
			C: float64(s.Vc) * sc.Voltage,
			D: float64(s.Vd) * sc.Voltage,
		},
		Vdc: BusVoltage(s, sc),
	}
}

// BusVoltage scales the bus voltage reading. It needs no offsets.
func BusVoltage(s Sample, sc Scales) float64 {
	return float64(s.Vdc) * sc.Bus
}
