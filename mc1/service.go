// Package mc1 sequences one motor channel: offset calibration, the commutation controller, fault
// response, and the handoff of user commands into the control cycle.
package mc1

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"

	"github.com/viam-modules/srm/am4096"
	"github.com/viam-modules/srm/control"
	"github.com/viam-modules/srm/fault"
	"github.com/viam-modules/srm/measure"
)

// State of the application state machine.
type State int

// Application states.
const (
	StateInit State = iota
	StateCmdWait
	StateOffset
	StateRun
	StateStop
	StateFault
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateCmdWait:
		return "cmd_wait"
	case StateOffset:
		return "offset"
	case StateRun:
		return "run"
	case StateStop:
		return "stop"
	case StateFault:
		return "fault"
	default:
		return "unknown"
	}
}

// Pot saturation: the dial wiper tops out at 2.2 V on a 3.3 V, 12-bit converter.
const (
	potSaturationVolts  = 2.2
	potSupplyVolts      = 3.3
	potSaturationCounts = potSaturationVolts / potSupplyVolts * 4096
	potScale            = potSupplyVolts / potSaturationVolts
)

// A Sampler returns one set of digitized analog inputs per cycle.
type Sampler interface {
	Sample(ctx context.Context) (measure.Sample, error)
}

// A PositionSource returns one raw encoder frame per cycle.
type PositionSource interface {
	ReadWord(ctx context.Context) (uint32, error)
}

// Outputs drive the phase switches. DisableOutputs turns every switch off.
type Outputs interface {
	control.PhaseDriver
	DisableOutputs(ctx context.Context) error
}

// Config holds the fixed parameters of a Service.
type Config struct {
	Control    control.Config
	Sensor     am4096.Config
	Scales     measure.Scales
	Thresholds fault.Thresholds
	// DCMinRun is the bus voltage below which a run command is not accepted.
	DCMinRun float64
	// DCMaxStop is the bus voltage above which the motor is stopped.
	DCMaxStop float64
}

// Status is a snapshot of the service after its last cycle.
type Status struct {
	State     State
	Fault     fault.Code
	Run       bool
	Direction control.Direction
	Position  am4096.Position
	Inputs    measure.Inputs
	Offsets   measure.Offsets
	Control   control.Status
}

// Service runs the application state machine once per sample period.
type Service struct {
	conf     Config
	sampler  Sampler
	position PositionSource
	outputs  Outputs
	logger   logging.Logger

	runBuf  atomic.Bool
	dirBuf  atomic.Int32
	dialBuf atomic.Uint64

	mu      sync.Mutex
	state   State
	runCmd  bool
	dirCmd  control.Direction
	sample  measure.Sample
	inputs  measure.Inputs
	cal     measure.OffsetCalibrator
	sensor  *am4096.Sensor
	ctrl    *control.Controller
	monitor *fault.Monitor

	clock clock.Clock
	// lastRead is when the sensor last decoded a frame. Zero until the first read after init.
	lastRead time.Time
}

// NewService returns a service in the init state.
func NewService(conf Config, sampler Sampler, position PositionSource, outputs Outputs,
	logger logging.Logger,
) (*Service, error) {
	if conf.DCMaxStop < conf.DCMinRun {
		return nil, errors.Errorf("bus stop voltage (%v) is below the run voltage (%v)", conf.DCMaxStop, conf.DCMinRun)
	}
	sensor, err := am4096.NewSensor(conf.Sensor)
	if err != nil {
		return nil, err
	}
	ctrl, err := control.NewController(conf.Control, outputs)
	if err != nil {
		return nil, err
	}
	return &Service{
		conf:     conf,
		sampler:  sampler,
		position: position,
		outputs:  outputs,
		logger:   logger,
		sensor:   sensor,
		ctrl:     ctrl,
		monitor:  fault.NewMonitor(conf.Thresholds),
		clock:    clock.New(),
	}, nil
}

// SetInputBuffer stores the user command for the next cycle. It may be called from any goroutine.
func (s *Service) SetInputBuffer(run bool, dir control.Direction, dial float64) {
	s.dialBuf.Store(math.Float64bits(dial))
	s.dirBuf.Store(int32(dir))
	s.runBuf.Store(run)
}

// Cycle samples the inputs and steps the state machine once. When sampling fails the cycle is
// skipped. A latched fault always ends the cycle with outputs disabled.
func (s *Service) Cycle(ctx context.Context) error {
	sample, err := s.sampler.Sample(ctx)
	if err != nil {
		return errors.Wrap(err, "sampling analog inputs")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sample = sample
	s.inputs.Vdc = measure.BusVoltage(sample, s.conf.Scales)
	s.processInputs()

	err = s.step(ctx)
	if s.monitor.Faulted() {
		err = multierr.Append(err, s.outputs.DisableOutputs(ctx))
		if s.state != StateFault {
			s.logger.CErrorf(ctx, "motor fault: %v", s.monitor.Status())
		}
		s.ctrl.Fault()
		s.transition(StateFault)
	}
	return err
}

// processInputs consumes the command buffer. The dial only follows while running and the
// direction only latches while stopped. A run request is only accepted inside the bus voltage
// window, and a bus outside it forces the run command off.
func (s *Service) processInputs() {
	if s.runCmd {
		s.ctrl.SetDial(math.Float64frombits(s.dialBuf.Load()))
	} else {
		s.dirCmd = control.Direction(s.dirBuf.Load())
	}
	if s.inputs.Vdc >= s.conf.DCMinRun && !s.monitor.Faulted() && s.ctrl.State() != control.StateFault {
		s.runCmd = s.runBuf.Load()
	}
	s.ctrl.SetDirection(s.dirCmd)
	if s.inputs.Vdc < s.conf.DCMinRun || s.inputs.Vdc > s.conf.DCMaxStop {
		s.runCmd = false
	}
}

func (s *Service) step(ctx context.Context) error {
	switch s.state {
	case StateInit:
		err := s.outputs.DisableOutputs(ctx)
		s.runCmd = false
		s.ctrl.Init()
		s.cal.Init()
		s.sensor.Init()
		s.lastRead = time.Time{}
		s.transition(StateCmdWait)
		return err
	case StateCmdWait:
		if s.runCmd {
			s.transition(StateOffset)
		}
	case StateOffset:
		if s.cal.Accumulate(s.sample) {
			s.logger.Debugf("current offsets %+v", s.cal.Offsets())
			s.transition(StateRun)
		}
	case StateRun:
		return s.run(ctx)
	case StateStop:
		err := s.outputs.DisableOutputs(ctx)
		s.transition(StateInit)
		return err
	default:
		return s.outputs.DisableOutputs(ctx)
	}
	return nil
}

func (s *Service) run(ctx context.Context) error {
	s.inputs = measure.Condition(s.sample, s.cal.Offsets(), s.conf.Scales)

	var err error
	word, readErr := s.position.ReadWord(ctx)
	if readErr != nil {
		err = errors.Wrap(readErr, "reading rotor position")
	} else {
		now := s.clock.Now()
		var dt float64
		if !s.lastRead.IsZero() {
			dt = now.Sub(s.lastRead).Seconds()
		}
		s.lastRead = now
		pos := s.sensor.Update(word, dt)
		err = s.ctrl.Step(ctx, s.inputs.Currents, pos.Theta, pos.RPM)
	}
	s.monitor.Detect(s.inputs.Currents)

	if s.ctrl.State() == control.StateFault {
		s.transition(StateFault)
		return err
	}
	if !s.runCmd {
		s.transition(StateStop)
	}
	return err
}

func (s *Service) transition(next State) {
	if s.state != next {
		s.logger.Infof("state %v -> %v", s.state, next)
		s.state = next
	}
}

// HardwareFault disables the outputs and then latches the fault reported by the power stage. It
// may be called from any goroutine, including while a cycle is running.
func (s *Service) HardwareFault(ctx context.Context, flags fault.HardwareFlags) error {
	err := s.outputs.DisableOutputs(ctx)
	s.monitor.Raise(flags.Code())
	return err
}

// Reinit clears a latched fault and restarts the state machine from init. It is the only way out
// of the fault state.
func (s *Service) Reinit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.monitor.Faulted() {
		s.logger.Infof("clearing fault: %v", s.monitor.Status())
	}
	s.monitor.Reset()
	s.transition(StateInit)
}

// PotTarget returns the last sampled dial counts with the wiper saturation removed.
func (s *Service) PotTarget() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	pot := math.Min(float64(s.sample.Pot), potSaturationCounts)
	return pot * potScale
}

// State returns the current application state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot of the last cycle.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:     s.state,
		Fault:     s.monitor.Status(),
		Run:       s.runCmd,
		Direction: s.dirCmd,
		Position:  s.sensor.Position(),
		Inputs:    s.inputs,
		Offsets:   s.cal.Offsets(),
		Control:   s.ctrl.Status(),
	}
}
