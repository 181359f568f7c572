package srm

import (
	"context"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/board"

	"github.com/viam-modules/srm/fault"
	"github.com/viam-modules/srm/measure"
)

// analogSampler reads one measure.Sample from board analogs. Unconfigured optional channels read zero.
type analogSampler struct {
	ia, ib, ic, id, ibus board.Analog
	vdc                  board.Analog
	va, vb, vc, vd       board.Analog
	pot                  board.Analog
	inverted             bool
}

func newAnalogSampler(b board.Board, conf AnalogConfig, inverted bool) (*analogSampler, error) {
	s := &analogSampler{inverted: inverted}
	for _, ch := range []struct {
		name     string
		dst      *board.Analog
		required bool
	}{
		{conf.IA, &s.ia, true},
		{conf.IB, &s.ib, true},
		{conf.IC, &s.ic, true},
		{conf.ID, &s.id, true},
		{conf.VDC, &s.vdc, true},
		{conf.IBus, &s.ibus, false},
		{conf.VA, &s.va, false},
		{conf.VB, &s.vb, false},
		{conf.VC, &s.vc, false},
		{conf.VD, &s.vd, false},
		{conf.Pot, &s.pot, false},
	} {
		if ch.name == "" {
			if ch.required {
				return nil, errors.New("required analog channel is not named")
			}
			continue
		}
		a, err := b.AnalogByName(ch.name)
		if err != nil {
			return nil, errors.Wrapf(err, "analog %q", ch.name)
		}
		*ch.dst = a
	}
	return s, nil
}

func read(ctx context.Context, a board.Analog) (int, error) {
	if a == nil {
		return 0, nil
	}
	v, err := a.Read(ctx, nil)
	if err != nil {
		return 0, err
	}
	return v.Value, nil
}

// Sample reads every configured channel. The first failing read aborts the sample.
func (s *analogSampler) Sample(ctx context.Context) (measure.Sample, error) {
	var raw [11]int
	for i, a := range []board.Analog{s.ia, s.ib, s.ic, s.id, s.ibus, s.vdc, s.va, s.vb, s.vc, s.vd, s.pot} {
		v, err := read(ctx, a)
		if err != nil {
			return measure.Sample{}, err
		}
		raw[i] = v
	}
	out := measure.Sample{
		Ia:  measure.CurrentCounts(raw[0], s.inverted),
		Ib:  measure.CurrentCounts(raw[1], s.inverted),
		Ic:  measure.CurrentCounts(raw[2], s.inverted),
		Id:  measure.CurrentCounts(raw[3], s.inverted),
		Vdc: int32(raw[5]),
		Va:  int32(raw[6]),
		Vb:  int32(raw[7]),
		Vc:  int32(raw[8]),
		Vd:  int32(raw[9]),
		Pot: int32(raw[10]),
	}
	if s.ibus != nil {
		out.Ibus = measure.CurrentCounts(raw[4], false)
	}
	return out, nil
}

// faultInputs polls the power stage fault pins.
type faultInputs struct {
	ovoc, csoc board.GPIOPin
	activeLow  bool
}

func newFaultInputs(b board.Board, conf FaultPinConfig) (*faultInputs, error) {
	f := &faultInputs{activeLow: conf.ActiveLow}
	var err error
	if conf.OvervoltageOvercurrent != "" {
		if f.ovoc, err = b.GPIOPinByName(conf.OvervoltageOvercurrent); err != nil {
			return nil, errors.Wrap(err, "ov_oc fault pin")
		}
	}
	if conf.CurrentSense != "" {
		if f.csoc, err = b.GPIOPinByName(conf.CurrentSense); err != nil {
			return nil, errors.Wrap(err, "cs_oc fault pin")
		}
	}
	return f, nil
}

func (f *faultInputs) asserted(ctx context.Context, pin board.GPIOPin) (bool, error) {
	if pin == nil {
		return false, nil
	}
	level, err := pin.Get(ctx, nil)
	if err != nil {
		return false, err
	}
	return level != f.activeLow, nil
}

// Poll returns the current state of the fault pins.
func (f *faultInputs) Poll(ctx context.Context) (fault.HardwareFlags, error) {
	var flags fault.HardwareFlags
	var err error
	if flags.OvervoltageOvercurrent, err = f.asserted(ctx, f.ovoc); err != nil {
		return fault.HardwareFlags{}, err
	}
	if flags.CurrentSense, err = f.asserted(ctx, f.csoc); err != nil {
		return fault.HardwareFlags{}, err
	}
	return flags, nil
}
