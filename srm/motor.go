//go:build linux

// Package srm implements a switched-reluctance motor driven from board GPIO gate pins, with
// AM4096 rotor position feedback on SPI.
package srm

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/components/board/genericlinux/buses"
	"go.viam.com/rdk/components/motor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/operation"
	"go.viam.com/rdk/resource"
	"go.viam.com/utils"

	"github.com/viam-modules/srm/am4096"
	"github.com/viam-modules/srm/control"
	"github.com/viam-modules/srm/fault"
	"github.com/viam-modules/srm/mc1"
)

// inputPeriod is the rate at which user commands and fault pins are handed to the control loop.
const inputPeriod = time.Millisecond

// movingRPM is the speed above which the motor reports itself as moving.
const movingRPM = 1.0

// positionPollInterval is how often GoTo checks whether the target has been reached.
const positionPollInterval = 10 * time.Millisecond

func init() {
	resource.RegisterComponent(motor.API, Model, resource.Registration[motor.Motor, *Config]{
		Constructor: newMotor,
	})
}

// A Motor is a four-phase switched-reluctance motor commutated from rotor angle.
type Motor struct {
	resource.Named
	resource.AlwaysRebuild

	logger    logging.Logger
	opMgr     *operation.SingleOperationManager
	svc       *mc1.Service
	outputs   *gpioOutputs
	faults    *faultInputs
	mode      control.Mode
	minRPM    float64
	maxRPM    float64
	potDial   bool
	period    time.Duration
	motorName string

	mu       sync.Mutex
	run      bool
	dir      control.Direction
	dial     float64
	powerPct float64
	zero     float64
	// cmdSeq counts commands so a finished GoTo only stops the motor if nothing replaced its command.
	cmdSeq uint64

	cancelCtx               context.Context
	cancel                  func()
	activeBackgroundWorkers sync.WaitGroup
}

// newMotor returns an SRM motor.
func newMotor(ctx context.Context, deps resource.Dependencies, c resource.Config, logger logging.Logger,
) (motor.Motor, error) {
	conf, err := resource.NativeConfig[*Config](c)
	if err != nil {
		return nil, err
	}
	b, err := board.FromDependencies(deps, conf.BoardName)
	if err != nil {
		return nil, errors.Errorf("%q is not a board", conf.BoardName)
	}
	bus := buses.NewSpiBus(conf.SPIBus)
	return makeMotor(ctx, b, *conf, c.ResourceName(), logger, bus)
}

// makeMotor returns an SRM motor. It is separate from newMotor so tests can inject a fake board
// and SPI bus.
func makeMotor(ctx context.Context, b board.Board, c Config, name resource.Name,
	logger logging.Logger, bus buses.SPI,
) (*Motor, error) {
	c.applyDefaults(ctx, logger)
	svcConf, err := c.serviceConfig()
	if err != nil {
		return nil, err
	}
	outputs, err := newGPIOOutputs(b, c.PhasePins)
	if err != nil {
		return nil, err
	}
	sampler, err := newAnalogSampler(b, c.Analogs, c.InvertCurrentSense)
	if err != nil {
		return nil, err
	}
	faults, err := newFaultInputs(b, c.FaultPins)
	if err != nil {
		return nil, err
	}
	position := am4096.NewSPISource(bus, c.ChipSelect, c.SPIBaud, logger)
	svc, err := mc1.NewService(svcConf, sampler, position, outputs, logger)
	if err != nil {
		return nil, err
	}
	if err := outputs.DisableOutputs(ctx); err != nil {
		return nil, errors.Wrap(err, "could not turn off phase outputs")
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	m := &Motor{
		Named:     name.AsNamed(),
		logger:    logger,
		opMgr:     operation.NewSingleOperationManager(),
		svc:       svc,
		outputs:   outputs,
		faults:    faults,
		mode:      svcConf.Control.Mode,
		minRPM:    c.MinRPM,
		maxRPM:    c.MaxRPM,
		potDial:   c.DialSource == dialSourcePot,
		period:    c.samplePeriod(),
		motorName: name.ShortName(),
		cancelCtx: cancelCtx,
		cancel:    cancel,
	}
	m.startControlLoop()
	m.startInputLoop()
	return m, nil
}

// startControlLoop runs control cycles back to back, waiting one sample period between them. The
// achieved rate is lower than the configured one; the position sensor measures the real interval.
// Repeated identical errors are only logged once.
func (m *Motor) startControlLoop() {
	m.activeBackgroundWorkers.Add(1)
	utils.ManagedGo(func() {
		var lastErr string
		for {
			if !utils.SelectContextOrWait(m.cancelCtx, m.period) {
				return
			}
			err := m.svc.Cycle(m.cancelCtx)
			switch {
			case err == nil:
				lastErr = ""
			case m.cancelCtx.Err() != nil:
				return
			case err.Error() != lastErr:
				lastErr = err.Error()
				m.logger.CError(m.cancelCtx, errors.Wrapf(err, "control cycle of motor (%s)", m.motorName))
			}
		}
	}, m.activeBackgroundWorkers.Done)
}

// startInputLoop polls the fault pins and hands the latest user command to the control loop.
func (m *Motor) startInputLoop() {
	m.activeBackgroundWorkers.Add(1)
	utils.ManagedGo(func() {
		for {
			if !utils.SelectContextOrWait(m.cancelCtx, inputPeriod) {
				return
			}
			m.inputTick(m.cancelCtx)
		}
	}, m.activeBackgroundWorkers.Done)
}

func (m *Motor) inputTick(ctx context.Context) {
	flags, err := m.faults.Poll(ctx)
	if err != nil {
		m.logger.CError(ctx, errors.Wrap(err, "reading fault pins"))
	} else if flags.Code() != fault.None {
		if err := m.svc.HardwareFault(ctx, flags); err != nil {
			m.logger.CError(ctx, err)
		}
	}
	m.pushInputs()
}

func (m *Motor) pushInputs() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushInputsLocked()
}

// pushInputsLocked hands the current command to the control loop. m.mu must be held so that
// concurrent commands reach the buffer in the order they were made.
func (m *Motor) pushInputsLocked() {
	dial := m.dial
	if m.potDial {
		dial = m.svc.PotTarget()
	}
	m.svc.SetInputBuffer(m.run, m.dir, dial)
}

func (m *Motor) setCommand(run bool, dir control.Direction, dial, powerPct float64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.run, m.dir, m.dial, m.powerPct = run, dir, dial, powerPct
	m.cmdSeq++
	m.pushInputsLocked()
	return m.cmdSeq
}

// halt clears the run command, keeping direction and dial.
func (m *Motor) halt() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.haltLocked()
}

func (m *Motor) haltLocked() {
	m.run, m.powerPct = false, 0
	m.cmdSeq++
	m.pushInputsLocked()
}

// Position returns the multi-turn rotor position in revolutions from the zero position. Turns are
// counted while the control loop reads the encoder, so rotation while the motor is stopped and
// the encoder idle is only tracked within half a turn.
func (m *Motor) Position(ctx context.Context, extra map[string]interface{}) (float64, error) {
	st := m.svc.Status()
	m.mu.Lock()
	defer m.mu.Unlock()
	return st.Position.Revolutions - m.zero, nil
}

// Properties returns the status of optional properties on the motor.
func (m *Motor) Properties(ctx context.Context, extra map[string]interface{}) (motor.Properties, error) {
	return motor.Properties{
		PositionReporting: true,
	}, nil
}

// SetPower runs the motor with the dial at powerPct of full scale (between -1 and 1). Negative
// values select counter-clockwise rotation; direction changes take effect from standstill.
func (m *Motor) SetPower(ctx context.Context, powerPct float64, extra map[string]interface{}) error {
	m.opMgr.CancelRunning(ctx)
	powerPct = math.Max(-1, math.Min(1, powerPct))
	dir := control.CW
	if powerPct < 0 {
		dir = control.CCW
	}
	m.setCommand(powerPct != 0, dir, math.Abs(powerPct)*control.DialMax, powerPct)
	return nil
}

// SetRPM runs the motor at the given speed. Only available in speed control mode.
func (m *Motor) SetRPM(ctx context.Context, rpm float64, extra map[string]interface{}) error {
	m.opMgr.CancelRunning(ctx)
	_, err := m.setSpeed(ctx, rpm)
	return err
}

// setSpeed sets a speed command and returns its sequence number.
func (m *Motor) setSpeed(ctx context.Context, rpm float64) (uint64, error) {
	if m.mode != control.SpeedControl {
		return 0, errors.Errorf("motor (%s) is in current control mode, use SetPower", m.motorName)
	}
	warning, err := motor.CheckSpeed(rpm, m.maxRPM)
	if warning != "" {
		m.logger.CWarn(ctx, warning)
	}
	if err != nil {
		return 0, err
	}
	dial := m.rpmToDial(math.Abs(rpm))
	dir := control.CW
	if rpm < 0 {
		dir = control.CCW
	}
	return m.setCommand(true, dir, dial, dial/control.DialMax*math.Copysign(1, rpm)), nil
}

// rpmToDial maps a speed onto the dial range between min_rpm and max_rpm.
func (m *Motor) rpmToDial(rpm float64) float64 {
	if m.maxRPM <= m.minRPM {
		return control.DialMax
	}
	frac := (rpm - m.minRPM) / (m.maxRPM - m.minRPM)
	return math.Max(0, math.Min(1, frac)) * control.DialMax
}

// GoFor turns the given number of revolutions at the given speed. Both the RPM and the revolutions
// can be negative to move backwards; if both are negative the motor moves forwards. Zero
// revolutions spins at rpm indefinitely.
func (m *Motor) GoFor(ctx context.Context, rpm, revolutions float64, extra map[string]interface{}) error {
	if revolutions == 0 {
		return m.SetRPM(ctx, rpm, extra)
	}
	curPos, err := m.Position(ctx, extra)
	if err != nil {
		return errors.Wrapf(err, "error in GoFor from motor (%s)", m.motorName)
	}
	if math.Signbit(rpm) != math.Signbit(revolutions) {
		revolutions = -math.Abs(revolutions)
	} else {
		revolutions = math.Abs(revolutions)
	}
	return m.GoTo(ctx, math.Abs(rpm), curPos+revolutions, extra)
}

// GoTo runs towards positionRevolutions at rpm, whatever the sign of rpm, and stops once the
// position is reached or passed. The motor coasts to a stop, so it can overshoot. Only available
// in speed control mode.
func (m *Motor) GoTo(ctx context.Context, rpm, positionRevolutions float64, extra map[string]interface{}) error {
	ctx, done := m.opMgr.New(ctx)
	defer done()

	curPos, err := m.Position(ctx, extra)
	if err != nil {
		return errors.Wrapf(err, "error in GoTo from motor (%s)", m.motorName)
	}
	if positionRevolutions == curPos {
		return nil
	}
	forward := positionRevolutions > curPos
	seq, err := m.setSpeed(ctx, math.Copysign(math.Abs(rpm), positionRevolutions-curPos))
	if err != nil {
		return errors.Wrapf(err, "error in GoTo from motor (%s)", m.motorName)
	}

	err = m.opMgr.WaitForSuccess(ctx, positionPollInterval, func(ctx context.Context) (bool, error) {
		if m.svc.State() == mc1.StateFault {
			return false, errors.Errorf("motor (%s) faulted: %v", m.motorName, m.svc.Status().Fault)
		}
		pos, err := m.Position(ctx, extra)
		if err != nil {
			return false, err
		}
		if forward {
			return pos >= positionRevolutions, nil
		}
		return pos <= positionRevolutions, nil
	})

	// only stop if no other command replaced this one
	m.mu.Lock()
	if m.cmdSeq == seq {
		m.haltLocked()
	}
	m.mu.Unlock()
	return err
}

// ResetZeroPosition sets the current position (adjusted by offset) to be the new zero position.
func (m *Motor) ResetZeroPosition(ctx context.Context, offset float64, extra map[string]interface{}) error {
	st := m.svc.Status()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.zero = st.Position.Revolutions + offset
	return nil
}

// IsPowered returns true while the control loop is commutating.
func (m *Motor) IsPowered(ctx context.Context, extra map[string]interface{}) (bool, float64, error) {
	m.mu.Lock()
	pct := m.powerPct
	m.mu.Unlock()
	return m.svc.State() == mc1.StateRun, pct, nil
}

// IsMoving returns true if the rotor is turning.
func (m *Motor) IsMoving(ctx context.Context) (bool, error) {
	st := m.svc.Status()
	return st.State == mc1.StateRun && math.Abs(st.Position.RPM) > movingRPM, nil
}

// Stop clears the run command. The control loop disables the outputs on its next cycle.
func (m *Motor) Stop(ctx context.Context, extra map[string]interface{}) error {
	m.opMgr.CancelRunning(ctx)
	m.halt()
	return nil
}

// DoCommand() related constants.
const (
	Command = "command"
	Status  = "status"
	Reinit  = "reinit"
)

// DoCommand executes additional commands beyond the Motor{} interface.
func (m *Motor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	name, ok := cmd[Command]
	if !ok {
		return nil, errors.Errorf("missing %s value", Command)
	}
	switch name {
	case Status:
		st := m.svc.Status()
		return map[string]interface{}{
			"state":             st.State.String(),
			"fault":             st.Fault.String(),
			"run":               st.Run,
			"direction":         st.Direction.String(),
			"theta_rad":         st.Position.Theta,
			"revolutions":       st.Position.Revolutions,
			"rpm":               st.Position.RPM,
			"vdc":               st.Inputs.Vdc,
			"ibus":              st.Inputs.Ibus,
			"reference_current": st.Control.ReferenceCurrent,
			"speed_reference":   st.Control.SpeedReference,
			"active_phase":      st.Control.Active.Phase.String(),
		}, nil
	case Reinit:
		m.opMgr.CancelRunning(ctx)
		m.halt()
		m.svc.Reinit()
		return nil, nil
	default:
		return nil, errors.Errorf("no such command: %s", name)
	}
}

// Close stops the control loop and turns every phase off.
func (m *Motor) Close(ctx context.Context) error {
	m.cancel()
	m.activeBackgroundWorkers.Wait()
	return m.outputs.DisableOutputs(ctx)
}
