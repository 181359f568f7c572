package srm

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/viam-modules/srm/fault"
	"github.com/viam-modules/srm/measure"
)

func TestAnalogSampler(t *testing.T) {
	ctx := context.Background()
	b := newTestBoard()
	conf := validConfig().Analogs
	conf.IBus = "ibus"
	conf.Pot = "pot"
	for name, v := range map[string]int{
		"ia": 2048 + 10, "ib": 2048 - 10, "ic": 2048, "id": 2048 + 1,
		"ibus": 2048 + 2, "vdc": 2000, "pot": 1234,
	} {
		b.setAnalog(name, v)
	}

	s, err := newAnalogSampler(b, conf, false)
	test.That(t, err, test.ShouldBeNil)
	sample, err := s.Sample(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, sample, test.ShouldResemble, measure.Sample{
		Ia: 160, Ib: -160, Ic: 0, Id: 16, Ibus: 32, Vdc: 2000, Pot: 1234,
	})

	inv, err := newAnalogSampler(b, conf, true)
	test.That(t, err, test.ShouldBeNil)
	sample, err = inv.Sample(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, sample.Ia, test.ShouldEqual, int32(-160))
	test.That(t, sample.Ibus, test.ShouldEqual, int32(32))

	b.setReadErr("ic", errors.New("adc timeout"))
	_, err = s.Sample(ctx)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestAnalogSamplerMissingChannel(t *testing.T) {
	conf := validConfig().Analogs
	conf.ID = ""
	_, err := newAnalogSampler(newTestBoard(), conf, false)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestFaultInputs(t *testing.T) {
	ctx := context.Background()
	b := newTestBoard()

	none, err := newFaultInputs(b, FaultPinConfig{})
	test.That(t, err, test.ShouldBeNil)
	flags, err := none.Poll(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, flags.Code(), test.ShouldEqual, fault.None)

	f, err := newFaultInputs(b, FaultPinConfig{OvervoltageOvercurrent: "ovoc", CurrentSense: "csoc", ActiveLow: true})
	test.That(t, err, test.ShouldBeNil)
	b.setLevel("ovoc", true)
	b.setLevel("csoc", true)
	flags, err = f.Poll(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, flags, test.ShouldResemble, fault.HardwareFlags{})

	b.setLevel("ovoc", false)
	flags, err = f.Poll(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, flags.Code(), test.ShouldEqual, fault.OvervoltageOvercurrentHW)

	b.setLevel("csoc", false)
	flags, err = f.Poll(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, flags.Code(), test.ShouldEqual, fault.OvercurrentHW)

	b.setReadErr("csoc", errors.New("gpio read"))
	_, err = f.Poll(ctx)
	test.That(t, err, test.ShouldNotBeNil)
}
