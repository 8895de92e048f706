package hardware

import (
	"errors"
	"testing"
	"time"

	"github.com/CodedInternet/canmotion/onboard/axis"
	derrors "github.com/CodedInternet/canmotion/onboard/errors"
	. "github.com/smartystreets/goconvey/convey"
)

func createTestTable() *axis.Table {
	mk := func(board, ch uint8, mask uint16) axis.Axis {
		return axis.Axis{
			Board:          board,
			Channel:        ch,
			Enabled:        true,
			AngleToEncoder: 100,
			LimitMin:       -90,
			LimitMax:       90,
			TorqueSensorID: axis.NoTorqueSensor,
			BroadcastMask:  mask,
		}
	}
	table, err := axis.NewTable([]axis.Axis{
		mk(1, 0, 1<<axis.BcastPosition|1<<axis.BcastVelocity),
		mk(1, 1, 1<<axis.BcastPosition),
		mk(2, 0, 0),
	}, nil)
	if err != nil {
		panic(err)
	}
	return table
}

func TestStateBroadcasts(t *testing.T) {
	Convey("Given state for three axes", t, func() {
		state := NewState(createTestTable(), nil, 3)
		now := time.Now()

		Convey("expected broadcasts follow the masks", func() {
			So(state.Expects(1, axis.BcastPosition), ShouldBeTrue)
			So(state.Expects(1, axis.BcastVelocity), ShouldBeTrue)
			So(state.Expects(1, axis.BcastCurrent), ShouldBeFalse)
			So(state.Expects(2, axis.BcastPosition), ShouldBeFalse)
		})

		Convey("a position frame updates both channels", func() {
			err := state.ApplyBroadcast(1, axis.BcastPosition, append(I32(-100), I32(250)...), now)
			So(err, ShouldBeNil)
			So(state.Snapshot(0).Ticks, ShouldEqual, -100)
			So(state.Snapshot(1).Ticks, ShouldEqual, 250)
			So(state.Snapshot(0).Has(axis.BcastPosition), ShouldBeTrue)
			So(state.Snapshot(0).Has(axis.BcastVelocity), ShouldBeFalse)
			So(state.BoardLastUpdate(1), ShouldEqual, now)
		})

		Convey("a velocity frame only touches axes that expect it", func() {
			err := state.ApplyBroadcast(1, axis.BcastVelocity, I16(5, 6, 7, 8), now)
			So(err, ShouldBeNil)
			So(state.Snapshot(0).Velocity, ShouldEqual, 5)
			So(state.Snapshot(0).Accel, ShouldEqual, 6)
			So(state.Snapshot(1).Velocity, ShouldEqual, 0)
		})

		Convey("a short frame counts a decode error and changes nothing", func() {
			err := state.ApplyBroadcast(1, axis.BcastPosition, []byte{1, 2, 3}, now)
			So(errors.Is(err, derrors.ErrDecode), ShouldBeTrue)
			So(state.Snapshot(0).Counters.DecodeError, ShouldEqual, 1)
			So(state.Snapshot(0).Ticks, ShouldEqual, 0)
		})

		Convey("silence for N cycles marks axes stale", func() {
			So(state.EndCycle(), ShouldBeEmpty)
			So(state.EndCycle(), ShouldBeEmpty)
			So(state.EndCycle(), ShouldResemble, []int{0, 1})
			So(state.Snapshot(0).Stale, ShouldBeTrue)
			So(state.Snapshot(2).Stale, ShouldBeFalse)

			Convey("reported once", func() {
				So(state.EndCycle(), ShouldBeEmpty)
			})

			Convey("and the next broadcast clears it", func() {
				state.ApplyBroadcast(1, axis.BcastPosition, make([]byte, 8), now)
				So(state.Snapshot(0).Stale, ShouldBeFalse)
				So(state.Snapshot(0).MissedCycles, ShouldEqual, 0)
			})
		})

		Convey("a broadcast within the cycle keeps the axis fresh", func() {
			for i := 0; i < 5; i++ {
				state.ApplyBroadcast(1, axis.BcastPosition, make([]byte, 8), now)
				So(state.EndCycle(), ShouldBeEmpty)
			}
		})

		Convey("timeouts are counted and flag staleness", func() {
			state.MarkTimeout(2)
			So(state.Snapshot(2).Counters.Timeout, ShouldEqual, 1)
			So(state.Snapshot(2).Stale, ShouldBeTrue)
			state.ResetCounters(2)
			So(state.Snapshot(2).Counters, ShouldResemble, AxisCounters{})
		})
	})
}

func TestControlModeTransitions(t *testing.T) {
	Convey("idle is reachable from and leads to everything", t, func() {
		for m := range modeNames {
			So(CanTransition(m, ModeIdle), ShouldBeTrue)
			So(CanTransition(ModeIdle, m), ShouldBeTrue)
			So(CanTransition(m, m), ShouldBeTrue)
		}
	})

	Convey("position and position direct switch freely", t, func() {
		So(CanTransition(ModePosition, ModePositionDirect), ShouldBeTrue)
		So(CanTransition(ModePositionDirect, ModePosition), ShouldBeTrue)
	})

	Convey("impedance variants pair with position, velocity and torque", t, func() {
		for _, m := range []ControlMode{ModePosition, ModeVelocity, ModeTorque} {
			So(CanTransition(m, ModeImpedancePosition), ShouldBeTrue)
			So(CanTransition(ModeImpedanceVelocity, m), ShouldBeTrue)
		}
	})

	Convey("changing control law directly is refused", t, func() {
		So(CanTransition(ModeTorque, ModeVelocity), ShouldBeFalse)
		So(CanTransition(ModeVelocity, ModePosition), ShouldBeFalse)
		So(CanTransition(ModeOpenLoop, ModeTorque), ShouldBeFalse)
		So(CanTransition(ModePositionDirect, ModeVelocity), ShouldBeFalse)
	})

	Convey("modes parse and print by name", t, func() {
		m, err := ParseControlMode("Impedance_Velocity")
		So(err, ShouldBeNil)
		So(m, ShouldEqual, ModeImpedanceVelocity)
		So(m.String(), ShouldEqual, "impedance_velocity")
		_, err = ParseControlMode("warp")
		So(err, ShouldNotBeNil)
		So(ControlMode(0x42).String(), ShouldEqual, "mode(0x42)")
	})
}
