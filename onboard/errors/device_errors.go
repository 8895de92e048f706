package errors

import (
	"errors"
	"fmt"
)

// Results a driver call can end with besides success.
var (
	ErrTimeout        = errors.New("no reply within rx timeout")
	ErrNotEnabled     = errors.New("operation not enabled for axis")
	ErrBusClosed      = errors.New("bus closed")
	ErrBusError       = errors.New("bus error")
	ErrModeTransition = errors.New("control mode transition not allowed")
	ErrInvalidAxis    = errors.New("invalid axis")
	ErrDecode         = errors.New("malformed frame")
)

// AxisError ties a failure to the axis and operation that produced it.
type AxisError struct {
	Axis int
	Op   string
	Err  error
}

func (err *AxisError) Error() string {
	if len(err.Op) == 0 {
		err.Op = "UNKNOWN"
	}
	return fmt.Sprintf("axis %d: %s: %v", err.Axis, err.Op, err.Err)
}

func (err *AxisError) Unwrap() error {
	return err.Err
}

// BoundaryError is returned when a command was clamped to the software
// limits. The command has still been sent, with Applied.
type BoundaryError struct {
	Axis      int
	Requested float64
	Applied   float64
	Damped    bool // near-limit damping rather than a hard clamp
}

func (err *BoundaryError) Error() string {
	if err.Damped {
		return fmt.Sprintf("axis %d: velocity %.4g damped to %.4g near limit", err.Axis, err.Requested, err.Applied)
	}
	return fmt.Sprintf("axis %d: %.4g outside limits, clamped to %.4g", err.Axis, err.Requested, err.Applied)
}

// ModeError explains a rejected control mode change.
type ModeError struct {
	Axis     int
	From, To string
}

func (err *ModeError) Error() string {
	return fmt.Sprintf("axis %d: cannot switch control mode %s -> %s", err.Axis, err.From, err.To)
}

func (err *ModeError) Unwrap() error {
	return ErrModeTransition
}

// ConfigError describes why a configuration was refused.
type ConfigError struct {
	Group  string
	Field  string
	Reason string
}

func (err *ConfigError) Error() string {
	if len(err.Field) == 0 {
		return fmt.Sprintf("config %s: %s", err.Group, err.Reason)
	}
	return fmt.Sprintf("config %s.%s: %s", err.Group, err.Field, err.Reason)
}

func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

func IsNotEnabled(err error) bool {
	return errors.Is(err, ErrNotEnabled)
}

func IsClosed(err error) bool {
	return errors.Is(err, ErrBusClosed)
}

// IsBoundary reports whether err signals a clamped command.
func IsBoundary(err error) bool {
	var be *BoundaryError
	return errors.As(err, &be)
}

func GetBoundaryError(err error) (*BoundaryError, bool) {
	var be *BoundaryError
	ok := errors.As(err, &be)
	return be, ok
}

func GetAxisError(err error) (*AxisError, bool) {
	var ae *AxisError
	ok := errors.As(err, &ae)
	return ae, ok
}
