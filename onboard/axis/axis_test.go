package axis

import (
	"errors"
	"testing"

	"github.com/CodedInternet/canmotion/onboard/codec"
	derrors "github.com/CodedInternet/canmotion/onboard/errors"
	. "github.com/smartystreets/goconvey/convey"
)

func testAxis() Axis {
	return Axis{
		Board:               1,
		Enabled:             true,
		AngleToEncoder:      100,
		LimitMin:            -90,
		LimitMax:            10,
		VelocityShift:       4,
		TorqueSensorID:      NoTorqueSensor,
		TorqueSensorChannel: 0,
		MaxTorque:           5,
		NewtonsToSensor:     1000,
	}
}

func raw16(v int16, _ bool) int16 { return v }
func raw32(v int32, _ bool) int32 { return v }

func TestConversions(t *testing.T) {
	a := testAxis()

	Convey("angles map to ticks through scale and zero", t, func() {
		a.Zero = 50
		So(a.AngleToTicks(2), ShouldEqual, 250)
		So(a.TicksToAngle(250), ShouldEqual, 2)
		So(raw32(a.EncodePosition(-1)), ShouldEqual, -50)
	})

	Convey("clamping to the configured limits", t, func() {
		out, clamped := a.Clamp(45)
		So(out, ShouldEqual, 10)
		So(clamped, ShouldBeTrue)
		So(raw32(a.EncodePosition(out)), ShouldEqual, 1000)

		out, clamped = a.Clamp(-120)
		So(out, ShouldEqual, -90)
		So(clamped, ShouldBeTrue)

		out, clamped = a.Clamp(0)
		So(out, ShouldEqual, 0)
		So(clamped, ShouldBeFalse)
	})

	Convey("velocity uses the shift factor", t, func() {
		// 10 deg/s * 100 / 1000 * 16
		So(raw16(a.VelocityToRaw(10)), ShouldEqual, 16)
		So(a.RawToVelocity(16), ShouldAlmostEqual, 10)
		So(raw16(a.AccelToRaw(100)), ShouldEqual, 10)
		So(a.RawToAccel(10), ShouldAlmostEqual, 100)
	})

	Convey("torque is clamped to the maximum before conversion", t, func() {
		applied, clamped := a.ClampTorque(7)
		So(clamped, ShouldBeTrue)
		So(applied, ShouldEqual, 5)
		So(raw16(a.TorqueToRaw(applied)), ShouldEqual, 5000)

		applied, clamped = a.ClampTorque(-1.5)
		So(clamped, ShouldBeFalse)
		So(raw16(a.TorqueToRaw(applied)), ShouldEqual, -1500)
		So(a.RawToTorque(-1500), ShouldEqual, -1.5)
	})

	Convey("impedance parameters round trip", t, func() {
		So(raw16(a.StiffnessToRaw(0.5)), ShouldEqual, 5)
		So(a.RawToStiffness(5), ShouldAlmostEqual, 0.5)
		So(raw16(a.DampingToRaw(0.01)), ShouldEqual, 100)
		So(raw16(a.OffsetToRaw(0.2)), ShouldEqual, codec.EncodeS16(0.2, 1000))
		_, sat := a.OffsetToRaw(100)
		So(sat, ShouldBeTrue)
	})
}

func TestLimitVelocity(t *testing.T) {
	a := testAxis()

	Convey("far from the limits velocity is untouched", t, func() {
		out, damped, hard := a.LimitVelocity(-40, 20, 5)
		So(out, ShouldEqual, 20)
		So(damped || hard, ShouldBeFalse)
	})

	Convey("approaching a limit damps linearly", t, func() {
		out, damped, hard := a.LimitVelocity(7.5, 20, 5)
		So(out, ShouldEqual, 10)
		So(damped, ShouldBeTrue)
		So(hard, ShouldBeFalse)

		out, damped, _ = a.LimitVelocity(-88, -10, 4)
		So(out, ShouldEqual, -5)
		So(damped, ShouldBeTrue)
	})

	Convey("at or past a limit motion towards it stops", t, func() {
		out, _, hard := a.LimitVelocity(10, 1, 5)
		So(out, ShouldEqual, 0)
		So(hard, ShouldBeTrue)
	})

	Convey("moving away from a limit is allowed", t, func() {
		out, damped, hard := a.LimitVelocity(10, -3, 5)
		So(out, ShouldEqual, -3)
		So(damped || hard, ShouldBeFalse)
	})
}

func TestTable(t *testing.T) {
	mk := func(board, ch uint8, enabled bool, mask uint16) Axis {
		a := testAxis()
		a.Board, a.Channel, a.Enabled, a.BroadcastMask = board, ch, enabled, mask
		return a
	}

	Convey("Given four physical axes with a remap", t, func() {
		physical := []Axis{
			mk(1, 0, true, 1<<BcastPosition),
			mk(1, 1, true, 1<<BcastVelocity),
			mk(2, 0, true, 0),
			mk(3, 0, false, 0),
		}
		table, err := NewTable(physical, []int{2, 0, 1, 3})
		So(err, ShouldBeNil)
		So(table.Len(), ShouldEqual, 4)

		Convey("logical indices follow the remap", func() {
			a, err := table.Get(2)
			So(err, ShouldBeNil)
			So(a.Board, ShouldEqual, 1)
			So(a.Channel, ShouldEqual, 0)
			So(a.Index, ShouldEqual, 2)
		})

		Convey("board channel lookups resolve to logical axes", func() {
			a, ok := table.Lookup(1, 1)
			So(ok, ShouldBeTrue)
			So(a.Index, ShouldEqual, 0)

			_, ok = table.Lookup(3, 0)
			So(ok, ShouldBeFalse)
		})

		Convey("boards and masks only count enabled axes", func() {
			So(table.Boards(), ShouldResemble, []uint8{1, 2})
			So(table.BoardMask(1), ShouldEqual, 1<<BcastPosition|1<<BcastVelocity)
		})

		Convey("out of range indices are rejected", func() {
			_, err := table.Get(4)
			So(errors.Is(err, derrors.ErrInvalidAxis), ShouldBeTrue)
		})
	})

	Convey("invalid tables are refused", t, func() {
		_, err := NewTable([]Axis{mk(1, 0, true, 0), mk(1, 1, true, 0)}, []int{0, 0})
		So(err, ShouldNotBeNil)

		_, err = NewTable([]Axis{mk(1, 0, true, 0), mk(1, 0, true, 0)}, nil)
		So(err, ShouldNotBeNil)

		_, err = NewTable([]Axis{mk(1, 0, true, 0)}, []int{0, 1})
		So(err, ShouldNotBeNil)
	})
}
