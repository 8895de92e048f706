package onboard

import (
	"context"
	"math"

	"github.com/CodedInternet/canmotion/onboard/axis"
	derrors "github.com/CodedInternet/canmotion/onboard/errors"
	"github.com/CodedInternet/canmotion/onboard/hardware"
)

// clamp limits ref to the axis range, returning the boundary error to hand
// back once the command has been sent.
func clamp(a axis.Axis, ref float64) (float64, error) {
	out, clamped := a.Clamp(ref)
	if !clamped {
		return out, nil
	}
	return out, &derrors.BoundaryError{Axis: a.Index, Requested: ref, Applied: out}
}

// PositionMove starts a trajectory to ref at the reference speed.
func (d *Driver) PositionMove(ctx context.Context, i int, ref float64) error {
	a, err := d.lookupMode(i, "PositionMove", hardware.PositionModes)
	if err != nil {
		return err
	}
	return d.positionMove(ctx, a, ref)
}

func (d *Driver) positionMove(ctx context.Context, a axis.Axis, ref float64) error {
	target, boundary := clamp(a, ref)
	speed := d.state.Snapshot(a.Index).Refs.Speed

	ticks, satPos := a.EncodePosition(target)
	rawSpeed, satSpeed := a.VelocityToRaw(speed)
	d.saturated(a, satPos, satSpeed)

	if err := d.write(ctx, a, "PositionMove", hardware.CMD_POSITION_MOVE, hardware.I32I16(ticks, rawSpeed)); err != nil {
		return err
	}
	d.state.Update(a.Index, func(st *hardware.AxisState) { st.Refs.Position = target })
	return boundary
}

// PositionMoveAll commands every enabled axis; refs is indexed by axis.
func (d *Driver) PositionMoveAll(ctx context.Context, refs []float64) error {
	if len(refs) != d.Axes() {
		return d.badLength("PositionMoveAll", len(refs))
	}
	return d.each(func(i int) error { return d.PositionMove(ctx, i, refs[i]) })
}

// RelativeMove moves by delta from the last commanded position.
func (d *Driver) RelativeMove(ctx context.Context, i int, delta float64) error {
	a, err := d.lookupMode(i, "RelativeMove", hardware.PositionModes)
	if err != nil {
		return err
	}
	ref := d.state.Snapshot(i).Refs.Position + delta
	return d.positionMove(ctx, a, ref)
}

func (d *Driver) CheckMotionDone(ctx context.Context, i int) (bool, error) {
	a, err := d.lookup(i, "CheckMotionDone")
	if err != nil {
		return false, err
	}
	resp, err := d.request(ctx, a, "CheckMotionDone", hardware.CMD_MOTION_DONE, nil, 0)
	if err != nil {
		return false, err
	}
	return resp.Byte(0) != 0, nil
}

// SetRefSpeed sets the speed used by following position moves.
func (d *Driver) SetRefSpeed(i int, speed float64) error {
	if _, err := d.lookup(i, "SetRefSpeed"); err != nil {
		return err
	}
	d.state.Update(i, func(st *hardware.AxisState) { st.Refs.Speed = math.Abs(speed) })
	return nil
}

func (d *Driver) GetRefSpeed(i int) (float64, error) {
	if _, err := d.lookup(i, "GetRefSpeed"); err != nil {
		return 0, err
	}
	return d.state.Snapshot(i).Refs.Speed, nil
}

func (d *Driver) SetRefAcceleration(ctx context.Context, i int, acc float64) error {
	a, err := d.lookup(i, "SetRefAcceleration")
	if err != nil {
		return err
	}
	acc = math.Abs(acc)
	raw, sat := a.AccelToRaw(acc)
	d.saturated(a, sat)
	if err := d.write(ctx, a, "SetRefAcceleration", hardware.CMD_SET_DESIRED_ACCELER, hardware.I16(raw)); err != nil {
		return err
	}
	d.state.Update(i, func(st *hardware.AxisState) { st.Refs.Acceleration = acc })
	return nil
}

func (d *Driver) GetRefAcceleration(i int) (float64, error) {
	if _, err := d.lookup(i, "GetRefAcceleration"); err != nil {
		return 0, err
	}
	return d.state.Snapshot(i).Refs.Acceleration, nil
}

// Stop halts the current trajectory of an active axis.
func (d *Driver) Stop(ctx context.Context, i int) error {
	a, err := d.lookupMode(i, "Stop", hardware.ActiveModes)
	if err != nil {
		return err
	}
	return d.write(ctx, a, "Stop", hardware.CMD_STOP_TRAJECTORY, nil)
}

// SetReference streams a position set point with no trajectory generation.
func (d *Driver) SetReference(ctx context.Context, i int, ref float64) error {
	a, err := d.lookupMode(i, "SetReference", hardware.ReferenceModes)
	if err != nil {
		return err
	}
	target, boundary := clamp(a, ref)
	ticks, sat := a.EncodePosition(target)
	d.saturated(a, sat)

	if err := d.write(ctx, a, "SetReference", hardware.CMD_SET_COMMAND_POSITION, hardware.I32(ticks)); err != nil {
		return err
	}
	d.state.Update(i, func(st *hardware.AxisState) { st.Refs.Position = target })
	return boundary
}

func (d *Driver) SetReferences(ctx context.Context, refs []float64) error {
	if len(refs) != d.Axes() {
		return d.badLength("SetReferences", len(refs))
	}
	return d.each(func(i int) error { return d.SetReference(ctx, i, refs[i]) })
}

// GetReference is the last commanded position.
func (d *Driver) GetReference(i int) (float64, error) {
	if _, err := d.lookup(i, "GetReference"); err != nil {
		return 0, err
	}
	return d.state.Snapshot(i).Refs.Position, nil
}
