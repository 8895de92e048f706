package codec

import (
	"math"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestEncodeS16(t *testing.T) {
	Convey("rounding is half away from zero", t, func() {
		So(EncodeS16(2.5, 1), ShouldEqual, 3)
		So(EncodeS16(-2.5, 1), ShouldEqual, -3)
		So(EncodeS16(2.4, 1), ShouldEqual, 2)
		So(EncodeS16(-2.4, 1), ShouldEqual, -2)
		So(EncodeS16(0, 1), ShouldEqual, 0)
	})

	Convey("values beyond the range saturate", t, func() {
		So(EncodeS16(40000, 1), ShouldEqual, math.MaxInt16)
		So(EncodeS16(math.MaxInt16, 1), ShouldEqual, math.MaxInt16)
		So(EncodeS16(-40000, 1), ShouldEqual, math.MinInt16)
		So(EncodeS16(math.MinInt16+1, 1), ShouldEqual, math.MinInt16)

		Convey("and report saturation when actually clamped", func() {
			_, sat := EncodeS16Checked(40000, 1)
			So(sat, ShouldBeTrue)
			_, sat = EncodeS16Checked(100, 1)
			So(sat, ShouldBeFalse)
			_, sat = EncodeS16Checked(math.NaN(), 1)
			So(sat, ShouldBeTrue)
		})

		Convey("including values pulled down onto the minimum", func() {
			raw, sat := EncodeS16Checked(-32767.3, 1)
			So(raw, ShouldEqual, math.MinInt16)
			So(sat, ShouldBeTrue)
			raw, sat = EncodeS16Checked(math.MinInt16+1, 1)
			So(raw, ShouldEqual, math.MinInt16)
			So(sat, ShouldBeTrue)
			_, sat = EncodeS16Checked(math.MinInt16, 1)
			So(sat, ShouldBeFalse)
		})
	})

	Convey("scale is applied before rounding", t, func() {
		So(EncodeS16(1.234, 100), ShouldEqual, 123)
		So(EncodeS16(-1.235, 1000), ShouldEqual, -1235)
	})
}

func TestEncodeS32(t *testing.T) {
	Convey("positions in ticks", t, func() {
		So(EncodeS32(10, 100), ShouldEqual, 1000)
		So(EncodeS32(-0.006, 100), ShouldEqual, -1)
	})

	Convey("saturates", t, func() {
		So(EncodeS32(1e12, 1), ShouldEqual, math.MaxInt32)
		So(EncodeS32(-1e12, 1), ShouldEqual, math.MinInt32)

		raw, sat := EncodeS32Checked(float64(math.MinInt32)+0.7, 1)
		So(raw, ShouldEqual, math.MinInt32)
		So(sat, ShouldBeTrue)
		_, sat = EncodeS32Checked(math.MinInt32, 1)
		So(sat, ShouldBeFalse)
	})
}

func TestRoundTrip(t *testing.T) {
	Convey("decode(encode(x)) is within one quantisation step", t, func() {
		const scale = 182.044
		for x := -179.0; x <= 179.0; x += 0.37 {
			So(math.Abs(DecodeS16(EncodeS16(x, scale), scale)-x), ShouldBeLessThanOrEqualTo, 1/scale)
			So(math.Abs(DecodeS32(EncodeS32(x, scale*1000), scale*1000)-x), ShouldBeLessThanOrEqualTo, 1/(scale*1000))
		}
	})

	Convey("zero scale decodes to zero", t, func() {
		So(DecodeS16(100, 0), ShouldEqual, 0)
	})

	Convey("field helpers are little endian", t, func() {
		buf := make([]byte, 4)
		PutInt16(buf, -2)
		So(buf[:2], ShouldResemble, []byte{0xFE, 0xFF})
		So(Int16(buf), ShouldEqual, -2)
		PutInt32(buf, 0x01020304)
		So(buf, ShouldResemble, []byte{0x04, 0x03, 0x02, 0x01})
		So(Int32(buf), ShouldEqual, 0x01020304)
		So(Int32(buf[:2]), ShouldEqual, 0)
	})
}
