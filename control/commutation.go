package control

import (
	"math"

	"github.com/golang/geo/s1"
	"github.com/pkg/errors"
)

// Direction is the commanded rotation direction.
type Direction int

// Rotation directions.
const (
	CW Direction = iota
	CCW
)

func (d Direction) String() string {
	if d == CCW {
		return "ccw"
	}
	return "cw"
}

// Phase identifies one stator winding. PhaseNone is the zero value.
type Phase int

// Phases.
const (
	PhaseNone Phase = iota
	PhaseA
	PhaseB
	PhaseC
	PhaseD
)

// Phases lists the four windings in order.
var Phases = [4]Phase{PhaseA, PhaseB, PhaseC, PhaseD}

func (p Phase) String() string {
	switch p {
	case PhaseA:
		return "A"
	case PhaseB:
		return "B"
	case PhaseC:
		return "C"
	case PhaseD:
		return "D"
	default:
		return "none"
	}
}

// ParsePhase accepts "A" through "D", either case.
func ParsePhase(s string) (Phase, error) {
	switch s {
	case "A", "a":
		return PhaseA, nil
	case "B", "b":
		return PhaseB, nil
	case "C", "c":
		return PhaseC, nil
	case "D", "d":
		return PhaseD, nil
	}
	return PhaseNone, errors.Errorf("unknown phase %q", s)
}

// Entry is one row of a commutation table.
type Entry struct {
	// Threshold is the offset-corrected control angle in radians bounding this entry.
	Threshold float64
	Phase     Phase
	BootCap   Phase
}

// Table is the commutation table of one direction. CW tables match the first entry whose
// threshold is not below the angle, CCW tables the first whose threshold is not above it.
// The last entry matches everything the first three did not.
type Table struct {
	Direction Direction
	Offset    float64
	Entries   [4]Entry
}

// ControlTheta shifts a wrapped angle by the table offset and wraps it into the control period.
func (t Table) ControlTheta(warped, ctrlTheta float64) float64 {
	return math.Mod(warped+t.Offset, ctrlTheta)
}

// Select walks the table and returns the first matching entry.
func (t Table) Select(controlTheta float64) Entry {
	for _, e := range t.Entries[:3] {
		if t.Direction == CW && controlTheta <= e.Threshold {
			return e
		}
		if t.Direction == CCW && controlTheta >= e.Threshold {
			return e
		}
	}
	return t.Entries[3]
}

// Window is a phase's turn-on and turn-off angle, in degrees, for one table row.
type Window struct {
	On      float64 `json:"on_deg"`
	Off     float64 `json:"off_deg"`
	Phase   string  `json:"phase"`
	BootCap string  `json:"boot_cap_phase"`
}

// Tables holds both direction tables and the control period they span.
type Tables struct {
	CtrlTheta float64
	CW        Table
	CCW       Table
}

// For returns the table of a direction.
func (t Tables) For(d Direction) Table {
	if d == CCW {
		return t.CCW
	}
	return t.CW
}

func radians(deg float64) float64 {
	return (s1.Angle(deg) * s1.Degree).Radians()
}

// NewTables converts per-row angle windows into threshold tables. The CW offset moves the first
// turn-on angle to zero; the CCW offset moves the first turn-on angle to the end of the period.
func NewTables(ctrlThetaDeg float64, cw, ccw [4]Window) (Tables, error) {
	if ctrlThetaDeg <= 0 || ctrlThetaDeg > 360 {
		return Tables{}, errors.Errorf("control angle must be in (0, 360] degrees, got %v", ctrlThetaDeg)
	}
	ctrl := radians(ctrlThetaDeg)
	tables := Tables{
		CtrlTheta: ctrl,
		CW:        Table{Direction: CW, Offset: ctrl - radians(cw[0].On)},
		CCW:       Table{Direction: CCW, Offset: ctrl - radians(ccw[0].On)},
	}
	for i := range cw {
		e, err := newEntry(cw[i], radians(cw[i].Off-cw[0].On))
		if err != nil {
			return Tables{}, errors.Wrapf(err, "cw row %d", i+1)
		}
		tables.CW.Entries[i] = e
	}
	for i := range ccw {
		e, err := newEntry(ccw[i], radians(ccw[i].Off)+tables.CCW.Offset)
		if err != nil {
			return Tables{}, errors.Wrapf(err, "ccw row %d", i+1)
		}
		tables.CCW.Entries[i] = e
	}
	return tables, nil
}

func newEntry(w Window, threshold float64) (Entry, error) {
	phase, err := ParsePhase(w.Phase)
	if err != nil {
		return Entry{}, err
	}
	boot, err := ParsePhase(w.BootCap)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Threshold: threshold, Phase: phase, BootCap: boot}, nil
}

// DefaultCW is the clockwise table of the reference four-phase motor.
var DefaultCW = [4]Window{
	{On: 1, Off: 17, Phase: "A", BootCap: "B"},
	{On: 17, Off: 34, Phase: "B", BootCap: "C"},
	{On: 34, Off: 45, Phase: "C", BootCap: "D"},
	{On: 45, Off: 1, Phase: "D", BootCap: "A"},
}

// DefaultCCW is the counter-clockwise table of the reference four-phase motor.
var DefaultCCW = [4]Window{
	{On: 50, Off: 33, Phase: "A", BootCap: "D"},
	{On: 33, Off: 22, Phase: "D", BootCap: "C"},
	{On: 22, Off: 7, Phase: "C", BootCap: "B"},
	{On: 7, Off: 50, Phase: "B", BootCap: "A"},
}
