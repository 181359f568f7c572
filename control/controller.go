// Package control implements SRM commutation: phase selection from rotor angle, hysteresis current
// regulation of the active winding, and an optional decimated speed loop around it.
package control

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/viam-modules/srm/measure"
)

// DialMax is the full-scale value of the user dial.
const DialMax = 4095

// Command is the switch-output override applied to one phase.
type Command int

// Phase commands.
const (
	Demagnetize Command = iota
	Magnetize
	Freewheel
	ChargeBootstrap
)

func (c Command) String() string {
	switch c {
	case Demagnetize:
		return "demagnetize"
	case Magnetize:
		return "magnetize"
	case Freewheel:
		return "freewheel"
	case ChargeBootstrap:
		return "charge_bootstrap"
	default:
		return "unknown"
	}
}

// A PhaseDriver applies a command to one phase's switches.
type PhaseDriver interface {
	Drive(ctx context.Context, phase Phase, cmd Command) error
}

// Mode selects what the dial commands.
type Mode int

// Control modes.
const (
	SpeedControl Mode = iota
	CurrentControl
)

func (m Mode) String() string {
	if m == CurrentControl {
		return "current"
	}
	return "speed"
}

// State of the commutation state machine.
type State int

// Commutation states.
const (
	StateInit State = iota
	StateControl
	StateFault
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateControl:
		return "control"
	case StateFault:
		return "fault"
	default:
		return "unknown"
	}
}

// Config holds the fixed parameters of a Controller.
type Config struct {
	Mode   Mode
	Tables Tables
	// MinSpeed and MaxSpeed bound the speed reference in rpm.
	MinSpeed float64
	MaxSpeed float64
	// MaxCurrentRef is the current reference at full dial in current mode, in amperes.
	MaxCurrentRef float64
	// SpeedRate is the number of cycles skipped between speed loop updates.
	SpeedRate int
	Beta      float64
	PI        PIConfig
}

// Validate checks the parameters a Controller depends on.
func (c Config) Validate() error {
	if c.Tables.CtrlTheta <= 0 {
		return errors.New("commutation tables are not set")
	}
	if c.MaxSpeed < c.MinSpeed {
		return errors.Errorf("max speed (%v) is below min speed (%v)", c.MaxSpeed, c.MinSpeed)
	}
	if c.SpeedRate < 0 {
		return errors.Errorf("speed rate must not be negative, got %d", c.SpeedRate)
	}
	if c.Beta < 0 {
		return errors.Errorf("hysteresis band must not be negative, got %v", c.Beta)
	}
	return c.PI.Validate()
}

// Status is a snapshot of the controller's last cycle.
type Status struct {
	State            State
	Direction        Direction
	Dial             float64
	WarpTheta        float64
	ControlTheta     float64
	SpeedReference   float64
	ReferenceCurrent float64
	Active           Entry
	SwitchOn         bool
}

// Controller runs the commutation state machine once per sample.
type Controller struct {
	conf   Config
	driver PhaseDriver
	hcc    Hysteresis
	pi     *PI

	state            State
	direction        Direction
	dial             float64
	speedRateCounter int
	warpTheta        float64
	controlTheta     float64
	speedInput       float64
	currentInput     float64
	referenceCurrent float64
	active           Entry
	switchOn         bool
}

// NewController returns a controller in the init state.
func NewController(conf Config, driver PhaseDriver) (*Controller, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	pi, err := NewPI(conf.PI)
	if err != nil {
		return nil, err
	}
	return &Controller{
		conf:   conf,
		driver: driver,
		hcc:    Hysteresis{Beta: conf.Beta},
		pi:     pi,
	}, nil
}

// Init zeroes all control state and makes the next Step enter control.
func (c *Controller) Init() {
	c.reset()
	c.state = StateInit
}

func (c *Controller) reset() {
	c.dial = 0
	c.speedRateCounter = 0
	c.warpTheta = 0
	c.controlTheta = 0
	c.speedInput = 0
	c.currentInput = 0
	c.referenceCurrent = 0
	c.active = Entry{}
	c.switchOn = false
	c.hcc = Hysteresis{Beta: c.conf.Beta}
	c.pi.Reset()
}

// Fault parks the controller. No commands are issued until Init.
func (c *Controller) Fault() {
	c.state = StateFault
}

// State returns the current state.
func (c *Controller) State() State {
	return c.state
}

// SetDial sets the dial value, clamped to [0, DialMax].
func (c *Controller) SetDial(v float64) {
	c.dial = clamp(v, 0, DialMax)
}

// SetDirection sets the direction used for table selection.
func (c *Controller) SetDirection(d Direction) {
	c.direction = d
}

// Step runs one cycle. currents are in amperes, theta in radians and speed in rpm.
func (c *Controller) Step(ctx context.Context, currents measure.ABCD, theta, speed float64) error {
	switch c.state {
	case StateInit:
		c.reset()
		c.state = StateControl
		return nil
	case StateControl:
	default:
		return nil
	}

	c.warpTheta = math.Mod(theta, c.conf.Tables.CtrlTheta)
	if c.conf.Mode == SpeedControl {
		c.speedInput = c.conf.MinSpeed + (c.conf.MaxSpeed-c.conf.MinSpeed)*c.dial/DialMax
		if c.speedRateCounter > c.conf.SpeedRate {
			c.speedRateCounter = 0
			c.referenceCurrent = c.pi.Update(c.speedInput, speed)
		} else {
			c.speedRateCounter++
		}
	} else {
		c.currentInput = c.dial * c.conf.MaxCurrentRef / DialMax
		c.referenceCurrent = c.currentInput
	}

	table := c.conf.Tables.For(c.direction)
	c.controlTheta = table.ControlTheta(c.warpTheta, c.conf.Tables.CtrlTheta)
	c.active = table.Select(c.controlTheta)
	return c.run(ctx, currents)
}

// run demagnetizes the idle phases, regulates the active one and charges the bootstrap capacitor
// named by the active entry.
func (c *Controller) run(ctx context.Context, currents measure.ABCD) error {
	var err error
	for i := len(Phases) - 1; i >= 0; i-- {
		if p := Phases[i]; p != c.active.Phase {
			err = multierr.Append(err, c.driver.Drive(ctx, p, Demagnetize))
		}
	}

	c.switchOn = c.hcc.Evaluate(c.referenceCurrent, PhaseCurrent(currents, c.active.Phase), c.switchOn)
	cmd := Freewheel
	if c.switchOn {
		cmd = Magnetize
	}
	err = multierr.Append(err, c.driver.Drive(ctx, c.active.Phase, cmd))

	if c.active.BootCap != PhaseNone {
		err = multierr.Append(err, c.driver.Drive(ctx, c.active.BootCap, ChargeBootstrap))
	}
	return err
}

// Status returns a snapshot of the last cycle.
func (c *Controller) Status() Status {
	speedRef := c.speedInput
	if c.conf.Mode == CurrentControl {
		speedRef = 0
	}
	return Status{
		State:            c.state,
		Direction:        c.direction,
		Dial:             c.dial,
		WarpTheta:        c.warpTheta,
		ControlTheta:     c.controlTheta,
		SpeedReference:   speedRef,
		ReferenceCurrent: c.referenceCurrent,
		Active:           c.active,
		SwitchOn:         c.switchOn,
	}
}

// PhaseCurrent returns the current of one phase, or zero for PhaseNone.
func PhaseCurrent(currents measure.ABCD, p Phase) float64 {
	switch p {
	case PhaseA:
		return currents.A
	case PhaseB:
		return currents.B
	case PhaseC:
		return currents.C
	case PhaseD:
		return currents.D
	default:
		return 0
	}
}
