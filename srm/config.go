package srm

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"

	"github.com/viam-modules/srm/am4096"
	"github.com/viam-modules/srm/control"
	"github.com/viam-modules/srm/fault"
	"github.com/viam-modules/srm/measure"
	"github.com/viam-modules/srm/mc1"
)

// PhasePins names the high-side and low-side gate pins of one phase leg.
type PhasePins struct {
	High string `json:"high"`
	Low  string `json:"low"`
}

// PhasePinConfig maps each phase to its gate pins.
type PhasePinConfig struct {
	A PhasePins `json:"a"`
	B PhasePins `json:"b"`
	C PhasePins `json:"c"`
	D PhasePins `json:"d"`
}

// AnalogConfig names the board analogs sampled every cycle. Phase voltages, bus current and the
// potentiometer are optional.
type AnalogConfig struct {
	IA   string `json:"ia"`
	IB   string `json:"ib"`
	IC   string `json:"ic"`
	ID   string `json:"id"`
	IBus string `json:"ibus,omitempty"`
	VDC  string `json:"vdc"`
	VA   string `json:"va,omitempty"`
	VB   string `json:"vb,omitempty"`
	VC   string `json:"vc,omitempty"`
	VD   string `json:"vd,omitempty"`
	Pot  string `json:"pot,omitempty"`
}

// FaultPinConfig names the power stage fault outputs.
type FaultPinConfig struct {
	OvervoltageOvercurrent string `json:"ov_oc,omitempty"`
	CurrentSense           string `json:"cs_oc,omitempty"`
	ActiveLow              bool   `json:"active_low,omitempty"`
}

// Config describes the configuration of an SRM motor.
type Config struct {
	BoardName  string         `json:"board"`
	PhasePins  PhasePinConfig `json:"phase_pins"`
	Analogs    AnalogConfig   `json:"analogs"`
	FaultPins  FaultPinConfig `json:"fault_pins,omitempty"`
	SPIBus     string         `json:"spi_bus"`
	ChipSelect string         `json:"chip_select"`
	SPIBaud    uint           `json:"spi_baud,omitempty"`

	InvertCurrentSense bool    `json:"invert_current_sense,omitempty"`
	AlignOffset        uint16  `json:"align_offset,omitempty"`
	FilterCoefficient  float64 `json:"speed_filter_coefficient,omitempty"`

	ControlMode    string  `json:"control_mode,omitempty"` // "speed" (default) or "current"
	DialSource     string  `json:"dial_source,omitempty"`  // "api" (default) or "pot"
	SamplePeriodUS float64 `json:"sample_period_us,omitempty"`

	PeakCurrent   float64 `json:"peak_current_amps,omitempty"`
	PeakVoltage   float64 `json:"peak_voltage,omitempty"`
	MaxBusVoltage float64 `json:"max_bus_voltage,omitempty"`

	ControlAngleDeg float64          `json:"control_angle_deg,omitempty"`
	CWTable         []control.Window `json:"cw_table,omitempty"`
	CCWTable        []control.Window `json:"ccw_table,omitempty"`

	MinRPM         float64           `json:"min_rpm,omitempty"`
	MaxRPM         float64           `json:"max_rpm,omitempty"`
	MaxCurrentRef  float64           `json:"max_current_ref_amps,omitempty"`
	SpeedRate      *int              `json:"speed_loop_divider,omitempty"`
	HysteresisBand float64           `json:"hysteresis_band_amps,omitempty"`
	SpeedPI        *control.PIConfig `json:"speed_pi,omitempty"`

	PhaseOvercurrent float64 `json:"phase_overcurrent_amps,omitempty"`
	MinRunVoltage    float64 `json:"min_run_voltage,omitempty"`
	MaxStopVoltage   float64 `json:"max_stop_voltage,omitempty"`
}

// Model for the switched-reluctance motor.
var Model = resource.NewModel("viam", "srm", "srm-motor")

// Defaults of the reference drive.
const (
	defaultSamplePeriodUS   = 50
	defaultPeakCurrent      = 11
	defaultPeakVoltage      = 426
	defaultMaxBusVoltage    = 453.3
	defaultControlAngleDeg  = 60
	defaultMinRPM           = 50
	defaultMaxRPM           = 1800
	defaultMaxCurrentRef    = 0.8
	defaultSpeedRate        = 19
	defaultHysteresisBand   = 0.005
	defaultPhaseOvercurrent = 3.5
	defaultMinRunVoltage    = 100
	defaultMaxStopVoltage   = 250
	ratedCurrent            = 3.4
)

var defaultSpeedPI = control.PIConfig{Kp: 0.01, Ki: 0.00005, Kc: 1.0, OutMin: 0.05, OutMax: ratedCurrent}

// Dial sources.
const (
	dialSourceAPI = "api"
	dialSourcePot = "pot"
)

// Validate ensures all parts of the config are valid.
func (conf *Config) Validate(path string) ([]string, []string, error) {
	if conf.BoardName == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "board")
	}
	for _, p := range []struct {
		name string
		pins PhasePins
	}{
		{"a", conf.PhasePins.A}, {"b", conf.PhasePins.B}, {"c", conf.PhasePins.C}, {"d", conf.PhasePins.D},
	} {
		if p.pins.High == "" {
			return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "phase_pins."+p.name+".high")
		}
		if p.pins.Low == "" {
			return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "phase_pins."+p.name+".low")
		}
	}
	for _, a := range []struct{ field, name string }{
		{"ia", conf.Analogs.IA}, {"ib", conf.Analogs.IB}, {"ic", conf.Analogs.IC}, {"id", conf.Analogs.ID},
		{"vdc", conf.Analogs.VDC},
	} {
		if a.name == "" {
			return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "analogs."+a.field)
		}
	}
	if conf.SPIBus == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "spi_bus")
	}
	if conf.ChipSelect == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "chip_select")
	}
	if _, err := parseMode(conf.ControlMode); err != nil {
		return nil, nil, err
	}
	switch conf.DialSource {
	case "", dialSourceAPI:
	case dialSourcePot:
		if conf.Analogs.Pot == "" {
			return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "analogs.pot")
		}
	default:
		return nil, nil, errors.Errorf("dial_source must be %q or %q, got %q", dialSourceAPI, dialSourcePot, conf.DialSource)
	}
	if n := len(conf.CWTable); n != 0 && n != 4 {
		return nil, nil, errors.Errorf("cw_table must have 4 rows, got %d", n)
	}
	if n := len(conf.CCWTable); n != 0 && n != 4 {
		return nil, nil, errors.Errorf("ccw_table must have 4 rows, got %d", n)
	}
	if conf.SamplePeriodUS < 0 {
		return nil, nil, errors.New("sample_period_us must be positive")
	}
	if conf.MaxRPM != 0 && conf.MaxRPM < conf.MinRPM {
		return nil, nil, errors.New("max_rpm must not be below min_rpm")
	}
	if conf.SpeedPI != nil {
		if err := conf.SpeedPI.Validate(); err != nil {
			return nil, nil, err
		}
	}
	return []string{conf.BoardName}, nil, nil
}

func parseMode(s string) (control.Mode, error) {
	switch s {
	case "", "speed":
		return control.SpeedControl, nil
	case "current":
		return control.CurrentControl, nil
	default:
		return 0, errors.Errorf("control_mode must be \"speed\" or \"current\", got %q", s)
	}
}

// applyDefaults fills every unset parameter with the reference drive's value.
func (conf *Config) applyDefaults(ctx context.Context, logger logging.Logger) {
	if conf.SamplePeriodUS == 0 {
		conf.SamplePeriodUS = defaultSamplePeriodUS
	}
	if conf.PeakCurrent == 0 {
		conf.PeakCurrent = defaultPeakCurrent
	}
	if conf.PeakVoltage == 0 {
		conf.PeakVoltage = defaultPeakVoltage
	}
	if conf.MaxBusVoltage == 0 {
		conf.MaxBusVoltage = defaultMaxBusVoltage
	}
	if conf.ControlAngleDeg == 0 {
		conf.ControlAngleDeg = defaultControlAngleDeg
	}
	if conf.FilterCoefficient == 0 {
		conf.FilterCoefficient = am4096.DefaultFilterCoeff
	}
	if conf.MinRPM == 0 {
		conf.MinRPM = defaultMinRPM
	}
	if conf.MaxRPM == 0 {
		logger.CWarn(ctx, "max_rpm not set, setting to 1800 rpm")
		conf.MaxRPM = defaultMaxRPM
	}
	if conf.MaxCurrentRef == 0 {
		conf.MaxCurrentRef = defaultMaxCurrentRef
	}
	if conf.SpeedRate == nil {
		rate := defaultSpeedRate
		conf.SpeedRate = &rate
	}
	if conf.HysteresisBand == 0 {
		conf.HysteresisBand = defaultHysteresisBand
	}
	if conf.SpeedPI == nil {
		pi := defaultSpeedPI
		conf.SpeedPI = &pi
	}
	if conf.PhaseOvercurrent == 0 {
		logger.CWarnf(ctx, "phase_overcurrent_amps not set, setting to %v A", defaultPhaseOvercurrent)
		conf.PhaseOvercurrent = defaultPhaseOvercurrent
	}
	if conf.MinRunVoltage == 0 {
		conf.MinRunVoltage = defaultMinRunVoltage
	}
	if conf.MaxStopVoltage == 0 {
		conf.MaxStopVoltage = defaultMaxStopVoltage
	}
	if conf.DialSource == "" {
		conf.DialSource = dialSourceAPI
	}
}

func (conf *Config) samplePeriod() time.Duration {
	return time.Duration(conf.SamplePeriodUS * float64(time.Microsecond))
}

// serviceConfig converts a defaulted config into the control core's parameters.
func (conf *Config) serviceConfig() (mc1.Config, error) {
	mode, err := parseMode(conf.ControlMode)
	if err != nil {
		return mc1.Config{}, err
	}
	cw, ccw := control.DefaultCW, control.DefaultCCW
	if len(conf.CWTable) == 4 {
		copy(cw[:], conf.CWTable)
	}
	if len(conf.CCWTable) == 4 {
		copy(ccw[:], conf.CCWTable)
	}
	tables, err := control.NewTables(conf.ControlAngleDeg, cw, ccw)
	if err != nil {
		return mc1.Config{}, err
	}
	scales, err := measure.NewScales(conf.PeakCurrent, conf.PeakVoltage, conf.MaxBusVoltage)
	if err != nil {
		return mc1.Config{}, err
	}
	return mc1.Config{
		Control: control.Config{
			Mode:          mode,
			Tables:        tables,
			MinSpeed:      conf.MinRPM,
			MaxSpeed:      conf.MaxRPM,
			MaxCurrentRef: conf.MaxCurrentRef,
			SpeedRate:     *conf.SpeedRate,
			Beta:          conf.HysteresisBand,
			PI:            *conf.SpeedPI,
		},
		Sensor: am4096.Config{
			AlignOffset:  conf.AlignOffset,
			SamplePeriod: conf.SamplePeriodUS * 1e-6,
			FilterCoeff:  conf.FilterCoefficient,
		},
		Scales:     scales,
		Thresholds: fault.Uniform(conf.PhaseOvercurrent),
		DCMinRun:   conf.MinRunVoltage,
		DCMaxStop:  conf.MaxStopVoltage,
	}, nil
}
