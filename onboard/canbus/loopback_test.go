package canbus

import (
	"errors"
	"testing"
	"time"

	derrors "github.com/CodedInternet/canmotion/onboard/errors"
	. "github.com/smartystreets/goconvey/convey"
)

func TestLoopbackBus(t *testing.T) {
	Convey("Given a loopback bus", t, func() {
		bus := NewLoopbackBus(2)

		Convey("an empty bus returns nothing without blocking", func() {
			_, ok, err := bus.TryReceive(0)
			So(ok, ShouldBeFalse)
			So(err, ShouldBeNil)
		})

		Convey("timed receive waits for the timeout", func() {
			start := time.Now()
			_, ok, err := bus.TryReceive(20 * time.Millisecond)
			So(ok, ShouldBeFalse)
			So(err, ShouldBeNil)
			So(time.Since(start), ShouldBeGreaterThanOrEqualTo, 20*time.Millisecond)
		})

		Convey("injected frames are delivered in order and overflow is dropped", func() {
			So(bus.Inject(CANMsg{ID: 1}), ShouldBeTrue)
			So(bus.Inject(CANMsg{ID: 2}), ShouldBeTrue)
			So(bus.Inject(CANMsg{ID: 3}), ShouldBeFalse)

			msg, ok, _ := bus.TryReceive(time.Millisecond)
			So(ok, ShouldBeTrue)
			So(msg.ID, ShouldEqual, 1)
			msg, _, _ = bus.TryReceive(time.Millisecond)
			So(msg.ID, ShouldEqual, 2)
		})

		Convey("transmit records a copy and calls the hook", func() {
			var seen []CANMsg
			bus.OnTransmit(func(m CANMsg) { seen = append(seen, m) })

			data := []byte{1, 2}
			So(bus.Transmit(CANMsg{ID: 5, Data: data}), ShouldBeNil)
			data[0] = 9

			So(bus.TxCount(), ShouldEqual, 1)
			So(bus.Transmitted()[0].Data, ShouldResemble, []byte{1, 2})
			So(len(seen), ShouldEqual, 1)
		})

		Convey("a failing transmit surfaces the error", func() {
			bus.FailTransmit(errors.New("simulated tx error"))
			So(bus.Transmit(CANMsg{ID: 5}), ShouldNotBeNil)
			So(bus.TxCount(), ShouldEqual, 0)
		})

		Convey("close wakes a blocked reader", func() {
			done := make(chan error, 1)
			go func() {
				_, _, err := bus.TryReceive(time.Second)
				done <- err
			}()
			time.Sleep(5 * time.Millisecond)
			bus.Close()

			So(<-done, ShouldEqual, derrors.ErrBusClosed)
			So(bus.Transmit(CANMsg{ID: 1}), ShouldEqual, derrors.ErrBusClosed)
			So(bus.Inject(CANMsg{ID: 1}), ShouldBeFalse)
		})
	})
}
