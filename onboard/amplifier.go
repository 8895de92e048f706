package onboard

import (
	"context"

	"github.com/CodedInternet/canmotion/onboard/axis"
	"github.com/CodedInternet/canmotion/onboard/codec"
	"github.com/CodedInternet/canmotion/onboard/hardware"
)

// EnableAmp powers the motor driver. The controller stays idle until a
// control mode is set.
func (d *Driver) EnableAmp(ctx context.Context, i int) error {
	a, err := d.lookup(i, "EnableAmp")
	if err != nil {
		return err
	}
	return d.write(ctx, a, "EnableAmp", hardware.CMD_ENABLE_PWM_PAD, nil)
}

// DisableAmp idles the axis, which also turns the driver off.
func (d *Driver) DisableAmp(ctx context.Context, i int) error {
	a, err := d.lookup(i, "DisableAmp")
	if err != nil {
		return err
	}
	if d.state.Mode(i) != hardware.ModeIdle {
		return d.SetControlMode(ctx, i, hardware.ModeIdle)
	}
	return d.write(ctx, a, "DisableAmp", hardware.CMD_DISABLE_PWM_PAD, nil)
}

// GetCurrent returns the motor current in mA.
func (d *Driver) GetCurrent(ctx context.Context, i int) (float64, error) {
	a, err := d.lookup(i, "GetCurrent")
	if err != nil {
		return 0, err
	}
	if st, ok := d.cached(a, axis.BcastCurrent); ok {
		return float64(st.Current), nil
	}
	resp, err := d.request(ctx, a, "GetCurrent", hardware.CMD_GET_CURRENT, nil, 0)
	if err != nil {
		return 0, err
	}
	raw := resp.Int16(0)
	d.state.Update(i, func(st *hardware.AxisState) { st.Current = raw })
	return float64(raw), nil
}

func (d *Driver) GetCurrents(ctx context.Context) ([]float64, error) {
	out := make([]float64, d.Axes())
	return out, d.each(func(i int) (err error) {
		out[i], err = d.GetCurrent(ctx, i)
		return
	})
}

func (d *Driver) SetMaxCurrent(ctx context.Context, i int, mA float64) error {
	a, err := d.lookup(i, "SetMaxCurrent")
	if err != nil {
		return err
	}
	raw, sat := codec.EncodeS32Checked(mA, 1)
	d.saturated(a, sat)
	return d.write(ctx, a, "SetMaxCurrent", hardware.CMD_SET_CURRENT_LIMIT, hardware.I32(raw))
}

// GetAmpStatus returns the raw fault flags of the motor driver.
func (d *Driver) GetAmpStatus(ctx context.Context, i int) (uint8, error) {
	a, err := d.lookup(i, "GetAmpStatus")
	if err != nil {
		return 0, err
	}
	if st, ok := d.cached(a, axis.BcastStatus); ok {
		return st.AmpStatus, nil
	}
	resp, err := d.request(ctx, a, "GetAmpStatus", hardware.CMD_GET_AMP_STATUS, nil, 0)
	if err != nil {
		return 0, err
	}
	status := resp.Byte(0)
	d.state.Update(i, func(st *hardware.AxisState) { st.AmpStatus = status })
	return status, nil
}
