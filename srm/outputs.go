package srm

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/board"

	"github.com/viam-modules/srm/control"
)

// gateLevels returns the high-side and low-side switch levels for a phase command.
func gateLevels(cmd control.Command) (high, low bool, err error) {
	switch cmd {
	case control.Demagnetize:
		return false, false, nil
	case control.Magnetize:
		return true, true, nil
	case control.Freewheel, control.ChargeBootstrap:
		return false, true, nil
	default:
		return false, false, errors.Errorf("unknown phase command %d", cmd)
	}
}

type phaseLeg struct {
	high, low board.GPIOPin
	lastHigh  bool
	lastLow   bool
	known     bool
}

// gpioOutputs drives an asymmetric half bridge per phase through board GPIO pins. Pins are only
// written when their level changes, except when disabling.
type gpioOutputs struct {
	mu   sync.Mutex
	legs map[control.Phase]*phaseLeg
}

func newGPIOOutputs(b board.Board, pins PhasePinConfig) (*gpioOutputs, error) {
	o := &gpioOutputs{legs: map[control.Phase]*phaseLeg{}}
	for phase, pp := range map[control.Phase]PhasePins{
		control.PhaseA: pins.A,
		control.PhaseB: pins.B,
		control.PhaseC: pins.C,
		control.PhaseD: pins.D,
	} {
		high, err := b.GPIOPinByName(pp.High)
		if err != nil {
			return nil, errors.Wrapf(err, "phase %v high-side pin", phase)
		}
		low, err := b.GPIOPinByName(pp.Low)
		if err != nil {
			return nil, errors.Wrapf(err, "phase %v low-side pin", phase)
		}
		o.legs[phase] = &phaseLeg{high: high, low: low}
	}
	return o, nil
}

// Drive applies a command to one phase.
func (o *gpioOutputs) Drive(ctx context.Context, phase control.Phase, cmd control.Command) error {
	high, low, err := gateLevels(cmd)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	leg, ok := o.legs[phase]
	if !ok {
		return errors.Errorf("no pins for phase %v", phase)
	}
	return o.set(ctx, leg, high, low, false)
}

// DisableOutputs turns every switch off.
func (o *gpioOutputs) DisableOutputs(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var err error
	for _, phase := range control.Phases {
		err = multierr.Append(err, o.set(ctx, o.legs[phase], false, false, true))
	}
	return err
}

func (o *gpioOutputs) set(ctx context.Context, leg *phaseLeg, high, low, force bool) error {
	var err error
	if force || !leg.known || leg.lastHigh != high {
		err = multierr.Append(err, leg.high.Set(ctx, high, nil))
	}
	if force || !leg.known || leg.lastLow != low {
		err = multierr.Append(err, leg.low.Set(ctx, low, nil))
	}
	if err != nil {
		leg.known = false
		return err
	}
	leg.lastHigh, leg.lastLow, leg.known = high, low, true
	return nil
}
