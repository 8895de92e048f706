// Package axis holds the immutable per-axis configuration and the unit
// conversions between engineering values and wire fields.
package axis

import (
	"math"

	"github.com/CodedInternet/canmotion/onboard/codec"
)

// Broadcast types pushed by motor boards; bit 1<<type in a BroadcastMask.
const (
	BcastPosition    = 1
	BcastPidOutput   = 2
	BcastStatus      = 3
	BcastCurrent     = 4
	BcastVelocity    = 7
	BcastPidError    = 8
	BcastTorqueError = 9
)

const NoTorqueSensor = -1

type Axis struct {
	Index   int   // logical index used by every public call
	Board   uint8 // board address on the bus
	Channel uint8 // sub-index on the board, 0 or 1
	Enabled bool  // false for skipped addresses

	AngleToEncoder float64
	Zero           float64
	LimitMin       float64
	LimitMax       float64
	CurrentLimit   float64 // mA

	VelocityShift   uint8
	VelocityTimeout uint16 // ms

	TorqueSensorID      int
	TorqueSensorChannel int
	MaxTorque           float64
	NewtonsToSensor     float64

	BroadcastMask uint16
}

func (a Axis) Broadcasts(bcastType uint8) bool {
	return a.BroadcastMask&(1<<bcastType) != 0
}

func (a Axis) HasTorqueSensor() bool {
	return a.TorqueSensorID != NoTorqueSensor && a.NewtonsToSensor != 0
}

// AngleToTicks converts an angle to encoder ticks.
func (a Axis) AngleToTicks(angle float64) float64 {
	return angle*a.AngleToEncoder + a.Zero
}

func (a Axis) TicksToAngle(ticks float64) float64 {
	if a.AngleToEncoder == 0 {
		return 0
	}
	return (ticks - a.Zero) / a.AngleToEncoder
}

// EncodePosition is the saturated int32 wire value for angle. The encode
// helpers below all report whether the wire value saturated.
func (a Axis) EncodePosition(angle float64) (int32, bool) {
	return codec.EncodeS32Checked(a.AngleToTicks(angle), 1)
}

// Clamp restricts value to [LimitMin, LimitMax].
func (a Axis) Clamp(value float64) (out float64, clamped bool) {
	switch {
	case value > a.LimitMax:
		return a.LimitMax, true
	case value < a.LimitMin:
		return a.LimitMin, true
	}
	return value, false
}

func (a Axis) velocityScale() float64 {
	return a.AngleToEncoder / 1000 * float64(uint32(1)<<a.VelocityShift)
}

// VelocityToRaw converts deg/s to the shifted ticks/ms the boards expect.
func (a Axis) VelocityToRaw(v float64) (int16, bool) {
	return codec.EncodeS16Checked(v, a.velocityScale())
}

func (a Axis) RawToVelocity(raw int16) float64 {
	return codec.DecodeS16(raw, a.velocityScale())
}

func (a Axis) AccelToRaw(acc float64) (int16, bool) {
	return codec.EncodeS16Checked(acc, a.AngleToEncoder/1000)
}

func (a Axis) RawToAccel(raw int16) float64 {
	return codec.DecodeS16(raw, a.AngleToEncoder/1000)
}

// LimitVelocity scales vel down linearly inside zone of a limit and stops it
// at or beyond the limit. Motion away from a limit is never touched.
func (a Axis) LimitVelocity(pos, vel, zone float64) (out float64, damped, hard bool) {
	if vel > 0 {
		if pos >= a.LimitMax {
			return 0, false, true
		}
		if zone > 0 && a.LimitMax-pos < zone {
			return vel * (a.LimitMax - pos) / zone, true, false
		}
	}
	if vel < 0 {
		if pos <= a.LimitMin {
			return 0, false, true
		}
		if zone > 0 && pos-a.LimitMin < zone {
			return vel * (pos - a.LimitMin) / zone, true, false
		}
	}
	return vel, false, false
}

// ClampTorque restricts t to +-MaxTorque. A zero MaxTorque means no limit.
func (a Axis) ClampTorque(t float64) (out float64, clamped bool) {
	if a.MaxTorque > 0 && math.Abs(t) > a.MaxTorque {
		return math.Copysign(a.MaxTorque, t), true
	}
	return t, false
}

// TorqueToRaw converts t to sensor units.
func (a Axis) TorqueToRaw(t float64) (int16, bool) {
	return codec.EncodeS16Checked(t, a.NewtonsToSensor)
}

func (a Axis) RawToTorque(raw float64) float64 {
	if a.NewtonsToSensor == 0 {
		return 0
	}
	return raw / a.NewtonsToSensor
}

func (a Axis) stiffnessScale() float64 {
	if a.AngleToEncoder == 0 {
		return 0
	}
	return a.NewtonsToSensor / a.AngleToEncoder
}

// Impedance parameters: stiffness in Nm/deg, damping in Nm/(deg/s), offset in Nm.

func (a Axis) StiffnessToRaw(k float64) (int16, bool) {
	return codec.EncodeS16Checked(k, a.stiffnessScale())
}

func (a Axis) DampingToRaw(d float64) (int16, bool) {
	return codec.EncodeS16Checked(d, a.stiffnessScale()*1000)
}

func (a Axis) OffsetToRaw(t float64) (int16, bool) {
	return codec.EncodeS16Checked(t, a.NewtonsToSensor)
}

func (a Axis) RawToStiffness(raw int16) float64 { return codec.DecodeS16(raw, a.stiffnessScale()) }
func (a Axis) RawToDamping(raw int16) float64   { return codec.DecodeS16(raw, a.stiffnessScale()*1000) }
func (a Axis) RawToOffset(raw int16) float64    { return codec.DecodeS16(raw, a.NewtonsToSensor) }
