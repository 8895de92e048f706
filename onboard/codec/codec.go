// Package codec converts between engineering-unit values and the scaled
// signed integer fields carried in motor-control frames.
package codec

import (
	"encoding/binary"
	"math"
)

// round half away from zero
func round(x float64) float64 {
	if x > 0 {
		return math.Floor(x + 0.5)
	}
	if x < 0 {
		return math.Ceil(x - 0.5)
	}
	return 0
}

// EncodeS16Checked scales value and saturates it into an int16.
// saturated reports whether the result was clamped to a boundary.
func EncodeS16Checked(value, scale float64) (raw int16, saturated bool) {
	x := value * scale
	switch {
	case math.IsNaN(x):
		return 0, true
	case x >= math.MaxInt16:
		return math.MaxInt16, x > math.MaxInt16
	case x <= math.MinInt16+1:
		return math.MinInt16, x != math.MinInt16
	}
	return int16(round(x)), false
}

// EncodeS16 is EncodeS16Checked without the saturation flag.
func EncodeS16(value, scale float64) int16 {
	raw, _ := EncodeS16Checked(value, scale)
	return raw
}

// EncodeS32Checked scales value and saturates it into an int32.
func EncodeS32Checked(value, scale float64) (raw int32, saturated bool) {
	x := value * scale
	switch {
	case math.IsNaN(x):
		return 0, true
	case x >= math.MaxInt32:
		return math.MaxInt32, x > math.MaxInt32
	case x <= math.MinInt32+1:
		return math.MinInt32, x != math.MinInt32
	}
	return int32(round(x)), false
}

func EncodeS32(value, scale float64) int32 {
	raw, _ := EncodeS32Checked(value, scale)
	return raw
}

// DecodeS16 is the inverse scaling of EncodeS16. A zero scale decodes to 0.
func DecodeS16(raw int16, scale float64) float64 {
	if scale == 0 {
		return 0
	}
	return float64(raw) / scale
}

func DecodeS32(raw int32, scale float64) float64 {
	if scale == 0 {
		return 0
	}
	return float64(raw) / scale
}

// Little endian field helpers used by the frame builders. Short buffers read as 0.

func PutInt16(buf []byte, v int16) {
	binary.LittleEndian.PutUint16(buf, uint16(v))
}

func PutInt32(buf []byte, v int32) {
	binary.LittleEndian.PutUint32(buf, uint32(v))
}

func Int16(buf []byte) int16 {
	if len(buf) < 2 {
		return 0
	}
	return int16(binary.LittleEndian.Uint16(buf))
}

func Int32(buf []byte) int32 {
	if len(buf) < 4 {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(buf))
}
