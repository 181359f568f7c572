package srm

import (
	"context"
	"testing"

	"go.viam.com/rdk/logging"
	"go.viam.com/test"

	"github.com/viam-modules/srm/control"
	"github.com/viam-modules/srm/fault"
)

func validConfig() Config {
	return Config{
		BoardName: "board1",
		PhasePins: PhasePinConfig{
			A: PhasePins{High: "a-hi", Low: "a-lo"},
			B: PhasePins{High: "b-hi", Low: "b-lo"},
			C: PhasePins{High: "c-hi", Low: "c-lo"},
			D: PhasePins{High: "d-hi", Low: "d-lo"},
		},
		Analogs:    AnalogConfig{IA: "ia", IB: "ib", IC: "ic", ID: "id", VDC: "vdc"},
		SPIBus:     "0",
		ChipSelect: "0",
	}
}

func TestValidate(t *testing.T) {
	conf := validConfig()
	deps, warnings, err := conf.Validate("path")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, warnings, test.ShouldBeNil)
	test.That(t, deps, test.ShouldResemble, []string{"board1"})

	for _, tc := range []struct {
		name   string
		modify func(*Config)
		errStr string
	}{
		{"no board", func(c *Config) { c.BoardName = "" }, "board"},
		{"no gate pin", func(c *Config) { c.PhasePins.C.Low = "" }, "phase_pins.c.low"},
		{"no current analog", func(c *Config) { c.Analogs.IB = "" }, "analogs.ib"},
		{"no bus analog", func(c *Config) { c.Analogs.VDC = "" }, "analogs.vdc"},
		{"no spi bus", func(c *Config) { c.SPIBus = "" }, "spi_bus"},
		{"no chip select", func(c *Config) { c.ChipSelect = "" }, "chip_select"},
		{"bad mode", func(c *Config) { c.ControlMode = "torque" }, "control_mode"},
		{"pot without analog", func(c *Config) { c.DialSource = dialSourcePot }, "analogs.pot"},
		{"bad dial source", func(c *Config) { c.DialSource = "knob" }, "dial_source"},
		{"short table", func(c *Config) { c.CWTable = control.DefaultCW[:2] }, "cw_table"},
		{"negative period", func(c *Config) { c.SamplePeriodUS = -1 }, "sample_period_us"},
		{"rpm range", func(c *Config) { c.MinRPM, c.MaxRPM = 100, 50 }, "max_rpm"},
		{"bad pi", func(c *Config) { c.SpeedPI = &control.PIConfig{OutMin: 2, OutMax: 1} }, ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			conf := validConfig()
			tc.modify(&conf)
			_, _, err := conf.Validate("path")
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, err.Error(), test.ShouldContainSubstring, tc.errStr)
		})
	}
}

func TestDefaults(t *testing.T) {
	logger := logging.NewTestLogger(t)
	conf := validConfig()
	conf.applyDefaults(context.Background(), logger)

	test.That(t, conf.DialSource, test.ShouldEqual, dialSourceAPI)
	test.That(t, *conf.SpeedRate, test.ShouldEqual, 19)
	test.That(t, *conf.SpeedPI, test.ShouldResemble, defaultSpeedPI)
	test.That(t, conf.samplePeriod().Microseconds(), test.ShouldEqual, 50)

	svc, err := conf.serviceConfig()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, svc.Control.Mode, test.ShouldEqual, control.SpeedControl)
	test.That(t, svc.Control.MaxSpeed, test.ShouldEqual, 1800.0)
	test.That(t, svc.Thresholds, test.ShouldResemble, fault.Uniform(3.5))
	test.That(t, svc.DCMinRun, test.ShouldEqual, 100.0)
	test.That(t, svc.DCMaxStop, test.ShouldEqual, 250.0)
	test.That(t, svc.Sensor.SamplePeriod, test.ShouldAlmostEqual, 50e-6)
	test.That(t, svc.Scales.Current, test.ShouldAlmostEqual, 11.0/32768)
}

func TestDefaultsKeepSetValues(t *testing.T) {
	logger := logging.NewTestLogger(t)
	conf := validConfig()
	zero := 0
	conf.SpeedRate = &zero
	conf.ControlMode = "current"
	conf.PhaseOvercurrent = 2
	conf.CCWTable = control.DefaultCW[:]
	conf.applyDefaults(context.Background(), logger)

	test.That(t, *conf.SpeedRate, test.ShouldEqual, 0)
	svc, err := conf.serviceConfig()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, svc.Control.Mode, test.ShouldEqual, control.CurrentControl)
	test.That(t, svc.Thresholds, test.ShouldResemble, fault.Uniform(2))
	test.That(t, svc.Control.Tables.CCW.Entries[0].Phase, test.ShouldEqual, svc.Control.Tables.CW.Entries[0].Phase)
}
