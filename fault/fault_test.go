package fault

import (
	"testing"

	"go.viam.com/test"

	"github.com/viam-modules/srm/measure"
)

func TestCheck(t *testing.T) {
	th := Uniform(3.5)
	for _, tc := range []struct {
		name     string
		currents measure.ABCD
		want     Code
	}{
		{"nominal", measure.ABCD{A: 1, B: 2, C: 3, D: 3.4}, None},
		{"at threshold does not trip", measure.ABCD{A: 3.5, B: 3.5, C: 3.5, D: 3.5}, None},
		{"phase A", measure.ABCD{A: 3.6}, PhaseAOvercurrent},
		{"phase C", measure.ABCD{C: 10}, PhaseCOvercurrent},
		{"A and B reports B", measure.ABCD{A: 9, B: 4}, PhaseBOvercurrent},
		{"all phases reports D", measure.ABCD{A: 9, B: 9, C: 9, D: 3.51}, PhaseDOvercurrent},
		{"negative currents", measure.ABCD{A: -20, B: -20, C: -20, D: -20}, None},
	} {
		t.Run(tc.name, func(t *testing.T) {
			test.That(t, Check(tc.currents, th), test.ShouldEqual, tc.want)
		})
	}

	th.B = 10
	test.That(t, Check(measure.ABCD{B: 5}, th), test.ShouldEqual, None)
}

func TestHardwareFlags(t *testing.T) {
	test.That(t, HardwareFlags{}.Code(), test.ShouldEqual, None)
	test.That(t, HardwareFlags{OvervoltageOvercurrent: true}.Code(), test.ShouldEqual, OvervoltageOvercurrentHW)
	test.That(t, HardwareFlags{CurrentSense: true}.Code(), test.ShouldEqual, OvercurrentHW)
	test.That(t, HardwareFlags{OvervoltageOvercurrent: true, CurrentSense: true}.Code(), test.ShouldEqual, OvercurrentHW)
}

func TestMonitorLatches(t *testing.T) {
	m := NewMonitor(Uniform(3.5))
	test.That(t, m.Detect(measure.ABCD{A: 1}), test.ShouldEqual, None)
	test.That(t, m.Faulted(), test.ShouldBeFalse)

	test.That(t, m.Detect(measure.ABCD{A: 4}), test.ShouldEqual, PhaseAOvercurrent)
	// stays latched after the current falls
	test.That(t, m.Detect(measure.ABCD{}), test.ShouldEqual, PhaseAOvercurrent)
	// a later trip overwrites
	test.That(t, m.Detect(measure.ABCD{D: 4}), test.ShouldEqual, PhaseDOvercurrent)

	m.Raise(None)
	test.That(t, m.Status(), test.ShouldEqual, PhaseDOvercurrent)
	m.Raise(OvercurrentHW)
	test.That(t, m.Status(), test.ShouldEqual, OvercurrentHW)

	m.Reset()
	test.That(t, m.Faulted(), test.ShouldBeFalse)
	test.That(t, m.Status(), test.ShouldEqual, None)
}

func TestCodeString(t *testing.T) {
	test.That(t, None.String(), test.ShouldEqual, "none")
	test.That(t, PhaseBOvercurrent.String(), test.ShouldEqual, "phase B overcurrent")
	test.That(t, Code(99).String(), test.ShouldEqual, "unknown fault")

	info, ok := GetInfo(OvercurrentHW)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, info.Source, test.ShouldEqual, Hardware)
	_, ok = GetInfo(None)
	test.That(t, ok, test.ShouldBeFalse)
}
