package analog

import (
	"errors"
	"testing"
	"time"

	"github.com/CodedInternet/canmotion/onboard/canbus"
	derrors "github.com/CodedInternet/canmotion/onboard/errors"
	. "github.com/smartystreets/goconvey/convey"
)

func frame16(group uint8, raws ...uint16) canbus.CANMsg {
	data := make([]byte, 0, 2*len(raws))
	for _, r := range raws {
		data = append(data, byte(r), byte(r>>8))
	}
	return canbus.CANMsg{ID: canbus.NewID(canbus.ClassPeriodicAnalog, 0xD, group), Data: data}
}

func TestBoard16(t *testing.T) {
	Convey("Given a six channel 16-bit board", t, func() {
		board, err := NewBoard(Config{Board: 0xD, Format: Format16, Channels: 6, Timeout: 50 * time.Millisecond})
		So(err, ShouldBeNil)
		now := time.Now()

		Convey("it starts idle", func() {
			So(board.Status(), ShouldEqual, StatusIdle)
		})

		Convey("both frame groups fill their channels", func() {
			So(board.Decode(frame16(0xA, 0x8000, 0x8010, 0x7FF0), now), ShouldBeNil)
			So(board.Decode(frame16(0xB, 0x8001, 0x8002, 0x8003), now), ShouldBeNil)

			values, status := board.Read()
			So(status, ShouldEqual, StatusOK)
			So(values, ShouldResemble, []float64{0, 16, -16, 1, 2, 3})
			So(board.LastUpdate(), ShouldEqual, now)
		})

		Convey("a railed channel saturates only itself", func() {
			So(board.Decode(frame16(0xA, 0x8005, 0xFFFF, 0x8007), now), ShouldBeNil)

			So(board.Status(), ShouldEqual, StatusSaturation)
			So(board.Counters().Saturation, ShouldEqual, 1)

			st, _ := board.State(1)
			So(st, ShouldEqual, StatusSaturation)
			st, _ = board.State(0)
			So(st, ShouldEqual, StatusOK)
			st, _ = board.State(2)
			So(st, ShouldEqual, StatusOK)

			v, _, _ := board.Channel(2)
			So(v, ShouldEqual, 7)
		})

		Convey("a malformed frame is an error and changes no values", func() {
			board.Decode(frame16(0xA, 0x8005, 0x8006, 0x8007), now)
			err := board.Decode(canbus.CANMsg{ID: canbus.NewID(canbus.ClassPeriodicAnalog, 0xD, 0xA), Data: []byte{1, 2, 3}}, now)
			So(errors.Is(err, derrors.ErrDecode), ShouldBeTrue)
			So(board.Status(), ShouldEqual, StatusError)
			So(board.Counters().Error, ShouldEqual, 1)
			So(board.ReadRaw()[0], ShouldEqual, 5)
		})

		Convey("unknown groups are rejected", func() {
			err := board.Decode(frame16(0x3, 1, 2, 3), now)
			So(err, ShouldNotBeNil)
			So(board.Status(), ShouldEqual, StatusIdle)
		})

		Convey("silence beyond the timeout marks it not responding once", func() {
			board.Decode(frame16(0xA, 0x8000, 0x8000, 0x8000), now)
			So(board.CheckTimeout(now.Add(10*time.Millisecond)), ShouldBeFalse)
			So(board.CheckTimeout(now.Add(60*time.Millisecond)), ShouldBeTrue)
			So(board.CheckTimeout(now.Add(70*time.Millisecond)), ShouldBeFalse)
			So(board.Status(), ShouldEqual, StatusNotResponding)
			So(board.Counters().Timeout, ShouldEqual, 1)

			Convey("and recovers with the next frame", func() {
				board.Decode(frame16(0xA, 0x8000, 0x8000, 0x8000), now.Add(80*time.Millisecond))
				So(board.Status(), ShouldEqual, StatusOK)
			})
		})

		Convey("counters reset", func() {
			board.Decode(frame16(0xA, 0, 0, 0), now)
			So(board.Counters().Saturation, ShouldEqual, 3)
			board.ResetCounters()
			So(board.Counters(), ShouldResemble, Counters{})
		})
	})
}

func TestCalibration(t *testing.T) {
	Convey("calibration is applied on read, raw values are kept", t, func() {
		board, _ := NewBoard(Config{Board: 1, Format: Format16, Channels: 3, UseCalibration: true, ScaleFactors: []float64{2, 1, 0.5}})
		board.Decode(frame16(0xA, 0x8000+100, 0x8000+10, 0x8000+4), time.Now())

		values, _ := board.Read()
		So(values, ShouldResemble, []float64{200, 10, 2})
		So(board.ReadRaw(), ShouldResemble, []float64{100, 10, 4})

		Convey("CalibrateChannel tares a single channel", func() {
			So(board.CalibrateChannel(1, 0), ShouldBeNil)
			v, _, _ := board.Channel(1)
			So(v, ShouldEqual, 0)
			v, _, _ = board.Channel(0)
			So(v, ShouldEqual, 200)
			So(board.CalibrateChannel(5, 0), ShouldNotBeNil)
		})

		Convey("CalibrateSensor zeroes everything and offsets can be restored", func() {
			board.CalibrateSensor()
			values, _ := board.Read()
			So(values, ShouldResemble, []float64{0, 0, 0})

			offsets := board.Offsets()
			So(offsets, ShouldResemble, []float64{-200, -10, -2})

			other, _ := NewBoard(Config{Board: 1, Format: Format16, Channels: 3, ScaleFactors: []float64{2, 1, 0.5}})
			So(other.SetOffsets(offsets), ShouldBeNil)
			So(other.SetOffsets([]float64{1}), ShouldNotBeNil)
		})
	})
}

func TestOtherFormats(t *testing.T) {
	Convey("8-bit boards carry one byte per channel", t, func() {
		board, err := NewBoard(Config{Board: 2, Format: Format8, Channels: 8})
		So(err, ShouldBeNil)
		msg := canbus.CANMsg{ID: canbus.NewID(canbus.ClassPeriodicAnalog, 2, 0xC), Data: []byte{1, 2, 3, 4, 5, 6, 7, 0xFF}}
		So(board.Decode(msg, time.Now()), ShouldBeNil)
		So(board.ReadRaw(), ShouldResemble, []float64{1, 2, 3, 4, 5, 6, 7, 255})
		So(board.Status(), ShouldEqual, StatusSaturation)
		So(board.Counters().Saturation, ShouldEqual, 1)
	})

	Convey("6-bit samples with the top bits set are errors", t, func() {
		board, _ := NewBoard(Config{Board: 2, Format: Format6, Channels: 2})
		msg := canbus.CANMsg{ID: canbus.NewID(canbus.ClassPeriodicAnalog, 2, 0xE), Data: []byte{0x10, 0x80}}
		So(board.Decode(msg, time.Now()), ShouldBeNil)
		So(board.Status(), ShouldEqual, StatusError)
		st, _ := board.State(0)
		So(st, ShouldEqual, StatusOK)
		st, _ = board.State(1)
		So(st, ShouldEqual, StatusError)
	})

	Convey("bad configurations are refused", t, func() {
		_, err := NewBoard(Config{Board: 1, Format: Format16, Channels: 7})
		So(err, ShouldNotBeNil)
		_, err = NewBoard(Config{Board: 1, Format: Format(12), Channels: 1})
		So(err, ShouldNotBeNil)
		_, err = NewBoard(Config{Board: 1, Format: Format16, Channels: 2, ScaleFactors: []float64{1}})
		So(err, ShouldNotBeNil)
	})

	Convey("formats parse from config strings", t, func() {
		f, err := ParseFormat("16")
		So(err, ShouldBeNil)
		So(f, ShouldEqual, Format16)
		f, _ = ParseFormat("8-bit")
		So(f, ShouldEqual, Format8)
		_, err = ParseFormat("12")
		So(err, ShouldNotBeNil)
	})
}
