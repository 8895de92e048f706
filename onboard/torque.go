package onboard

import (
	"context"

	"github.com/CodedInternet/canmotion/onboard/analog"
	"github.com/CodedInternet/canmotion/onboard/axis"
	"github.com/CodedInternet/canmotion/onboard/codec"
	derrors "github.com/CodedInternet/canmotion/onboard/errors"
	"github.com/CodedInternet/canmotion/onboard/hardware"
	"github.com/pkg/errors"
)

func (d *Driver) lookupSensor(i int, op string) (axis.Axis, error) {
	a, err := d.lookup(i, op)
	if err != nil {
		return a, err
	}
	if !a.HasTorqueSensor() {
		return a, &derrors.AxisError{Axis: i, Op: op, Err: errors.Wrap(derrors.ErrNotEnabled, "no torque sensor")}
	}
	return a, nil
}

// SetRefTorque commands a torque in Nm, limited to the axis maximum.
func (d *Driver) SetRefTorque(ctx context.Context, i int, torque float64) error {
	a, err := d.lookupMode(i, "SetRefTorque", hardware.TorqueModes)
	if err != nil {
		return err
	}
	if !a.HasTorqueSensor() {
		return &derrors.AxisError{Axis: i, Op: "SetRefTorque", Err: errors.Wrap(derrors.ErrNotEnabled, "no torque sensor")}
	}

	out, clamped := a.ClampTorque(torque)
	raw, sat := a.TorqueToRaw(out)
	d.saturated(a, sat)
	if err := d.write(ctx, a, "SetRefTorque", hardware.CMD_SET_DESIRED_TORQUE, hardware.I16(raw)); err != nil {
		return err
	}
	d.state.Update(i, func(st *hardware.AxisState) { st.Refs.Torque = out })
	if clamped {
		return &derrors.BoundaryError{Axis: i, Requested: torque, Applied: out}
	}
	return nil
}

func (d *Driver) SetRefTorques(ctx context.Context, torques []float64) error {
	if len(torques) != d.Axes() {
		return d.badLength("SetRefTorques", len(torques))
	}
	return d.each(func(i int) error { return d.SetRefTorque(ctx, i, torques[i]) })
}

// GetRefTorque reads the torque set point back from the board.
func (d *Driver) GetRefTorque(ctx context.Context, i int) (float64, error) {
	a, err := d.lookupSensor(i, "GetRefTorque")
	if err != nil {
		return 0, err
	}
	resp, err := d.request(ctx, a, "GetRefTorque", hardware.CMD_GET_DESIRED_TORQUE, nil, 0)
	if err != nil {
		return 0, err
	}
	return a.RawToTorque(float64(resp.Int16(0))), nil
}

// GetTorque is the measured joint torque in Nm from the analog sensor.
func (d *Driver) GetTorque(i int) (float64, error) {
	a, err := d.lookupSensor(i, "GetTorque")
	if err != nil {
		return 0, err
	}
	board, ok := d.analog[uint8(a.TorqueSensorID)]
	if !ok {
		return 0, &derrors.AxisError{Axis: i, Op: "GetTorque", Err: errors.Wrapf(derrors.ErrNotEnabled, "no analog board 0x%x", a.TorqueSensorID)}
	}
	value, status, err := board.Channel(a.TorqueSensorChannel)
	if err != nil {
		return 0, &derrors.AxisError{Axis: i, Op: "GetTorque", Err: err}
	}

	switch status {
	case analog.StatusOK:
	case analog.StatusSaturation:
		d.state.AddSaturation(i)
	case analog.StatusError:
		return 0, &derrors.AxisError{Axis: i, Op: "GetTorque", Err: errors.Wrapf(derrors.ErrDecode, "sensor 0x%x", a.TorqueSensorID)}
	default:
		return 0, &derrors.AxisError{Axis: i, Op: "GetTorque", Err: errors.Wrapf(derrors.ErrTimeout, "sensor 0x%x %s", a.TorqueSensorID, status)}
	}
	return a.RawToTorque(value), nil
}

func (d *Driver) GetTorques() ([]float64, error) {
	out := make([]float64, d.Axes())
	return out, d.each(func(i int) (err error) {
		out[i], err = d.GetTorque(i)
		return
	})
}

func (d *Driver) GetTorqueRange(i int) (min, max float64, err error) {
	a, err := d.lookupSensor(i, "GetTorqueRange")
	if err != nil {
		return 0, 0, err
	}
	return -a.MaxTorque, a.MaxTorque, nil
}

// GetTorqueError returns the torque loop error in Nm.
func (d *Driver) GetTorqueError(ctx context.Context, i int) (float64, error) {
	a, err := d.lookupSensor(i, "GetTorqueError")
	if err != nil {
		return 0, err
	}
	if st, ok := d.cached(a, axis.BcastTorqueError); ok {
		return a.RawToTorque(float64(st.TorqueError)), nil
	}
	resp, err := d.request(ctx, a, "GetTorqueError", hardware.CMD_GET_PID_ERROR, []byte{hardware.LOOP_TORQUE}, 1)
	if err != nil {
		return 0, err
	}
	raw := resp.Int16(1)
	d.state.Update(i, func(st *hardware.AxisState) { st.TorqueError = raw })
	return a.RawToTorque(float64(raw)), nil
}

// SetOutput drives the PWM directly; only valid in open loop mode.
func (d *Driver) SetOutput(ctx context.Context, i int, pwm float64) error {
	a, err := d.lookupMode(i, "SetOutput", hardware.OpenLoopModes)
	if err != nil {
		return err
	}
	raw, sat := codec.EncodeS16Checked(pwm, 1)
	d.saturated(a, sat)
	return d.write(ctx, a, "SetOutput", hardware.CMD_SET_OPEN_LOOP, hardware.I16(raw))
}
