// Package fault detects phase overcurrent and latches fault codes until the controller is reinitialized.
package fault

import (
	"sync/atomic"

	"github.com/viam-modules/srm/measure"
)

// Code identifies the fault that stopped the motor.
type Code uint32

// Fault codes.
const (
	None Code = iota
	OvervoltageOvercurrentHW
	OvercurrentHW
	PhaseAOvercurrent
	PhaseBOvercurrent
	PhaseCOvercurrent
	PhaseDOvercurrent
)

// Source tells where a fault was detected.
type Source int

// Fault sources.
const (
	Software Source = iota
	Hardware
)

// Info describes a fault code.
type Info struct {
	Code        Code
	Description string
	Source      Source
}

var infos = map[Code]Info{
	OvervoltageOvercurrentHW: {OvervoltageOvercurrentHW, "bus overvoltage or overcurrent", Hardware},
	OvercurrentHW:            {OvercurrentHW, "current sense comparator overcurrent", Hardware},
	PhaseAOvercurrent:        {PhaseAOvercurrent, "phase A overcurrent", Software},
	PhaseBOvercurrent:        {PhaseBOvercurrent, "phase B overcurrent", Software},
	PhaseCOvercurrent:        {PhaseCOvercurrent, "phase C overcurrent", Software},
	PhaseDOvercurrent:        {PhaseDOvercurrent, "phase D overcurrent", Software},
}

// GetInfo returns the description of a code.
func GetInfo(c Code) (Info, bool) {
	info, ok := infos[c]
	return info, ok
}

func (c Code) String() string {
	if c == None {
		return "none"
	}
	if info, ok := infos[c]; ok {
		return info.Description
	}
	return "unknown fault"
}

// Thresholds are the per-phase overcurrent trip levels in amperes.
type Thresholds measure.ABCD

// Uniform returns thresholds with the same level on every phase.
func Uniform(amps float64) Thresholds {
	return Thresholds{A: amps, B: amps, C: amps, D: amps}
}

// Check compares each phase current against its threshold. A current strictly above the threshold
// trips; when several phases trip, the last one checked (D) is reported.
func Check(currents measure.ABCD, th Thresholds) Code {
	code := None
	if currents.A > th.A {
		code = PhaseAOvercurrent
	}
	if currents.B > th.B {
		code = PhaseBOvercurrent
	}
	if currents.C > th.C {
		code = PhaseCOvercurrent
	}
	if currents.D > th.D {
		code = PhaseDOvercurrent
	}
	return code
}

// HardwareFlags are the fault inputs of the power stage.
type HardwareFlags struct {
	OvervoltageOvercurrent bool
	CurrentSense           bool
}

// Code returns the code recorded for the flags. The current sense comparator is recorded last
// and wins when both are set.
func (f HardwareFlags) Code() Code {
	code := None
	if f.OvervoltageOvercurrent {
		code = OvervoltageOvercurrentHW
	}
	if f.CurrentSense {
		code = OvercurrentHW
	}
	return code
}

// Monitor latches fault codes. It is safe to raise faults from a goroutine other than the one
// running the control cycle.
type Monitor struct {
	th     Thresholds
	status atomic.Uint32
}

// NewMonitor returns a monitor with no fault latched.
func NewMonitor(th Thresholds) *Monitor {
	return &Monitor{th: th}
}

// Detect checks the currents of one cycle, latching any overcurrent, and returns the latched code.
func (m *Monitor) Detect(currents measure.ABCD) Code {
	if c := Check(currents, m.th); c != None {
		m.status.Store(uint32(c))
	}
	return m.Status()
}

// Raise latches a code. None is ignored.
func (m *Monitor) Raise(c Code) {
	if c != None {
		m.status.Store(uint32(c))
	}
}

// Status returns the latched code.
func (m *Monitor) Status() Code {
	return Code(m.status.Load())
}

// Faulted reports whether any code is latched.
func (m *Monitor) Faulted() bool {
	return m.Status() != None
}

// Reset clears the latched code.
func (m *Monitor) Reset() {
	m.status.Store(uint32(None))
}
