package onboard

import (
	"context"

	"github.com/CodedInternet/canmotion/onboard/hardware"
)

// SetImpedance sets stiffness (Nm/deg) and damping (Nm/(deg/s)). It may be
// called in any mode so the gains are in place before switching.
func (d *Driver) SetImpedance(ctx context.Context, i int, stiffness, damping float64) error {
	a, err := d.lookupSensor(i, "SetImpedance")
	if err != nil {
		return err
	}
	k, satK := a.StiffnessToRaw(stiffness)
	c, satC := a.DampingToRaw(damping)
	d.saturated(a, satK, satC)
	return d.write(ctx, a, "SetImpedance", hardware.CMD_SET_IMPEDANCE_PARAMS, hardware.I16(k, c))
}

func (d *Driver) GetImpedance(ctx context.Context, i int) (stiffness, damping float64, err error) {
	a, err := d.lookupSensor(i, "GetImpedance")
	if err != nil {
		return 0, 0, err
	}
	resp, err := d.request(ctx, a, "GetImpedance", hardware.CMD_GET_IMPEDANCE_PARAMS, nil, 0)
	if err != nil {
		return 0, 0, err
	}
	return a.RawToStiffness(resp.Int16(0)), a.RawToDamping(resp.Int16(2)), nil
}

// SetImpedanceOffset sets the torque offset in Nm.
func (d *Driver) SetImpedanceOffset(ctx context.Context, i int, offset float64) error {
	a, err := d.lookupSensor(i, "SetImpedanceOffset")
	if err != nil {
		return err
	}
	raw, sat := a.OffsetToRaw(offset)
	d.saturated(a, sat)
	return d.write(ctx, a, "SetImpedanceOffset", hardware.CMD_SET_IMPEDANCE_OFFSET, hardware.I16(raw))
}

func (d *Driver) GetImpedanceOffset(ctx context.Context, i int) (float64, error) {
	a, err := d.lookupSensor(i, "GetImpedanceOffset")
	if err != nil {
		return 0, err
	}
	resp, err := d.request(ctx, a, "GetImpedanceOffset", hardware.CMD_GET_IMPEDANCE_OFFSET, nil, 0)
	if err != nil {
		return 0, err
	}
	return a.RawToOffset(resp.Int16(0)), nil
}
