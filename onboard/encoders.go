package onboard

import (
	"context"

	"github.com/CodedInternet/canmotion/onboard/axis"
	"github.com/CodedInternet/canmotion/onboard/hardware"
)

// encoderTicks returns the raw position, from the broadcast when fresh.
func (d *Driver) encoderTicks(ctx context.Context, a axis.Axis) (int32, error) {
	if st, ok := d.cached(a, axis.BcastPosition); ok {
		return st.Ticks, nil
	}
	resp, err := d.request(ctx, a, "GetEncoder", hardware.CMD_GET_ENCODER_POSITION, nil, 0)
	if err != nil {
		return 0, err
	}
	ticks := resp.Int32(0)
	d.state.Update(a.Index, func(st *hardware.AxisState) { st.Ticks = ticks })
	return ticks, nil
}

// GetEncoder returns the position of axis i in degrees.
func (d *Driver) GetEncoder(ctx context.Context, i int) (float64, error) {
	a, err := d.lookup(i, "GetEncoder")
	if err != nil {
		return 0, err
	}
	ticks, err := d.encoderTicks(ctx, a)
	if err != nil {
		return 0, err
	}
	return a.TicksToAngle(float64(ticks)), nil
}

func (d *Driver) GetEncoders(ctx context.Context) ([]float64, error) {
	out := make([]float64, d.Axes())
	return out, d.each(func(i int) (err error) {
		out[i], err = d.GetEncoder(ctx, i)
		return
	})
}

// SetEncoder redefines the current position of axis i as angle.
func (d *Driver) SetEncoder(ctx context.Context, i int, angle float64) error {
	a, err := d.lookup(i, "SetEncoder")
	if err != nil {
		return err
	}
	ticks, sat := a.EncodePosition(angle)
	d.saturated(a, sat)
	if err := d.write(ctx, a, "SetEncoder", hardware.CMD_SET_ENCODER_POSITION, hardware.I32(ticks)); err != nil {
		return err
	}
	d.state.Update(i, func(st *hardware.AxisState) {
		st.Ticks = ticks
		st.Refs.Position = angle
	})
	return nil
}

func (d *Driver) ResetEncoder(ctx context.Context, i int) error {
	return d.SetEncoder(ctx, i, 0)
}

func (d *Driver) encoderVelocity(ctx context.Context, a axis.Axis, op string) (vel, acc int16, err error) {
	if st, ok := d.cached(a, axis.BcastVelocity); ok {
		return st.Velocity, st.Accel, nil
	}
	resp, err := d.request(ctx, a, op, hardware.CMD_GET_ENCODER_VELOCITY, nil, 0)
	if err != nil {
		return 0, 0, err
	}
	vel, acc = resp.Int16(0), resp.Int16(2)
	d.state.Update(a.Index, func(st *hardware.AxisState) {
		st.Velocity = vel
		st.Accel = acc
	})
	return vel, acc, nil
}

// GetEncoderSpeed returns the measured velocity in degrees per second.
func (d *Driver) GetEncoderSpeed(ctx context.Context, i int) (float64, error) {
	a, err := d.lookup(i, "GetEncoderSpeed")
	if err != nil {
		return 0, err
	}
	vel, _, err := d.encoderVelocity(ctx, a, "GetEncoderSpeed")
	if err != nil {
		return 0, err
	}
	return a.RawToVelocity(vel), nil
}

func (d *Driver) GetEncoderAcceleration(ctx context.Context, i int) (float64, error) {
	a, err := d.lookup(i, "GetEncoderAcceleration")
	if err != nil {
		return 0, err
	}
	_, acc, err := d.encoderVelocity(ctx, a, "GetEncoderAcceleration")
	if err != nil {
		return 0, err
	}
	return a.RawToAccel(acc), nil
}
