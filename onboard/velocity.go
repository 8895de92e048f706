package onboard

import (
	"context"

	"github.com/CodedInternet/canmotion/onboard/axis"
	derrors "github.com/CodedInternet/canmotion/onboard/errors"
	"github.com/CodedInternet/canmotion/onboard/hardware"
)

// VelocityMove streams a velocity set point. Near a limit the velocity is
// damped, at a limit motion towards it is stopped; both are only possible
// once the axis position is known from broadcasts.
func (d *Driver) VelocityMove(ctx context.Context, i int, vel float64) error {
	a, err := d.lookupMode(i, "VelocityMove", hardware.VelocityModes)
	if err != nil {
		return err
	}

	st := d.state.Snapshot(i)
	out := vel
	var boundary error
	if st.Has(axis.BcastPosition) {
		pos := a.TicksToAngle(float64(st.Ticks))
		var damped, hard bool
		out, damped, hard = a.LimitVelocity(pos, vel, d.dampingZone)
		if hard || (damped && d.limitSignal == LimitSignalAlways) {
			boundary = &derrors.BoundaryError{Axis: i, Requested: vel, Applied: out, Damped: !hard}
		}
	}

	rawVel, satVel := a.VelocityToRaw(out)
	rawAcc, satAcc := a.AccelToRaw(st.Refs.Acceleration)
	d.saturated(a, satVel, satAcc)

	if err := d.write(ctx, a, "VelocityMove", hardware.CMD_VELOCITY_MOVE, hardware.I16(rawVel, rawAcc)); err != nil {
		return err
	}
	d.state.Update(i, func(st *hardware.AxisState) { st.Refs.Velocity = out })
	return boundary
}

func (d *Driver) VelocityMoveAll(ctx context.Context, vels []float64) error {
	if len(vels) != d.Axes() {
		return d.badLength("VelocityMoveAll", len(vels))
	}
	return d.each(func(i int) error { return d.VelocityMove(ctx, i, vels[i]) })
}

func (d *Driver) GetRefVelocity(i int) (float64, error) {
	if _, err := d.lookup(i, "GetRefVelocity"); err != nil {
		return 0, err
	}
	return d.state.Snapshot(i).Refs.Velocity, nil
}
