package onboard

import (
	"context"
	"time"

	"github.com/CodedInternet/canmotion/onboard/hardware"
)

// Narrow views of the driver for clients that only need one capability.

type PositionControl interface {
	PositionMove(ctx context.Context, i int, ref float64) error
	PositionMoveAll(ctx context.Context, refs []float64) error
	RelativeMove(ctx context.Context, i int, delta float64) error
	CheckMotionDone(ctx context.Context, i int) (bool, error)
	SetRefSpeed(i int, speed float64) error
	GetRefSpeed(i int) (float64, error)
	SetRefAcceleration(ctx context.Context, i int, acc float64) error
	GetRefAcceleration(i int) (float64, error)
	Stop(ctx context.Context, i int) error
}

type PositionDirect interface {
	SetReference(ctx context.Context, i int, ref float64) error
	SetReferences(ctx context.Context, refs []float64) error
	GetReference(i int) (float64, error)
}

type VelocityControl interface {
	VelocityMove(ctx context.Context, i int, vel float64) error
	VelocityMoveAll(ctx context.Context, vels []float64) error
	GetRefVelocity(i int) (float64, error)
}

type TorqueControl interface {
	SetRefTorque(ctx context.Context, i int, torque float64) error
	SetRefTorques(ctx context.Context, torques []float64) error
	GetRefTorque(ctx context.Context, i int) (float64, error)
	GetTorque(i int) (float64, error)
	GetTorques() ([]float64, error)
	GetTorqueRange(i int) (min, max float64, err error)
	GetTorqueError(ctx context.Context, i int) (float64, error)
}

type ImpedanceControl interface {
	SetImpedance(ctx context.Context, i int, stiffness, damping float64) error
	GetImpedance(ctx context.Context, i int) (stiffness, damping float64, err error)
	SetImpedanceOffset(ctx context.Context, i int, offset float64) error
	GetImpedanceOffset(ctx context.Context, i int) (float64, error)
}

type OpenLoopControl interface {
	SetOutput(ctx context.Context, i int, pwm float64) error
}

type PidControl interface {
	SetPid(ctx context.Context, i int, pid Pid) error
	SetPids(ctx context.Context, pids []Pid) error
	GetPid(ctx context.Context, i int) (Pid, error)
	SetTorquePid(ctx context.Context, i int, pid Pid) error
	GetTorquePid(ctx context.Context, i int) (Pid, error)
	SetOffset(ctx context.Context, i int, offset float64) error
	GetError(ctx context.Context, i int) (float64, error)
	GetErrors(ctx context.Context) ([]float64, error)
	GetOutput(ctx context.Context, i int) (float64, error)
	GetOutputs(ctx context.Context) ([]float64, error)
	ResetPid(ctx context.Context, i int) error
	EnablePid(ctx context.Context, i int) error
	DisablePid(ctx context.Context, i int) error
}

type ControlModes interface {
	SetControlMode(ctx context.Context, i int, mode hardware.ControlMode) error
	SetControlModes(ctx context.Context, modes []hardware.ControlMode) error
	GetControlMode(i int) (hardware.ControlMode, error)
	GetControlModes() []hardware.ControlMode
	QueryControlMode(ctx context.Context, i int) (hardware.ControlMode, error)
}

type Encoders interface {
	GetEncoder(ctx context.Context, i int) (float64, error)
	GetEncoders(ctx context.Context) ([]float64, error)
	SetEncoder(ctx context.Context, i int, angle float64) error
	ResetEncoder(ctx context.Context, i int) error
	GetEncoderSpeed(ctx context.Context, i int) (float64, error)
	GetEncoderAcceleration(ctx context.Context, i int) (float64, error)
}

type Amplifier interface {
	EnableAmp(ctx context.Context, i int) error
	DisableAmp(ctx context.Context, i int) error
	GetCurrent(ctx context.Context, i int) (float64, error)
	GetCurrents(ctx context.Context) ([]float64, error)
	SetMaxCurrent(ctx context.Context, i int, mA float64) error
	GetAmpStatus(ctx context.Context, i int) (uint8, error)
}

type Calibrator interface {
	Calibrate(ctx context.Context, i int, calibrationType uint8, p1, p2, p3 int16) error
	CalibrationDone(ctx context.Context, i int) (bool, error)
}

type Limits interface {
	GetLimits(i int) (min, max float64, err error)
}

type Diagnoser interface {
	Diagnostics() Report
	AxisDiagnostics(i int) (AxisReport, error)
	BoardLastUpdate(board uint8) time.Time
	ResetCounters()
}

var (
	_ PositionControl  = (*Driver)(nil)
	_ PositionDirect   = (*Driver)(nil)
	_ VelocityControl  = (*Driver)(nil)
	_ TorqueControl    = (*Driver)(nil)
	_ ImpedanceControl = (*Driver)(nil)
	_ OpenLoopControl  = (*Driver)(nil)
	_ PidControl       = (*Driver)(nil)
	_ ControlModes     = (*Driver)(nil)
	_ Encoders         = (*Driver)(nil)
	_ Amplifier        = (*Driver)(nil)
	_ Calibrator       = (*Driver)(nil)
	_ Limits           = (*Driver)(nil)
	_ Diagnoser        = (*Driver)(nil)
)
