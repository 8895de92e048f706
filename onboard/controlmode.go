package onboard

import (
	"context"

	derrors "github.com/CodedInternet/canmotion/onboard/errors"
	"github.com/CodedInternet/canmotion/onboard/hardware"
)

// SetControlMode switches the control law of axis i. Changes the mode
// machine does not allow are refused before anything is sent.
func (d *Driver) SetControlMode(ctx context.Context, i int, mode hardware.ControlMode) error {
	a, err := d.lookup(i, "SetControlMode")
	if err != nil {
		return err
	}
	d.modeLocks[i].Lock()
	defer d.modeLocks[i].Unlock()

	from := d.state.Mode(i)
	if from == mode {
		return nil
	}
	if !hardware.CanTransition(from, mode) {
		return &derrors.AxisError{Axis: i, Op: "SetControlMode", Err: &derrors.ModeError{Axis: i, From: from.String(), To: mode.String()}}
	}

	switch {
	case mode == hardware.ModeIdle:
		if err := d.write(ctx, a, "SetControlMode", hardware.CMD_CONTROLLER_IDLE, nil); err != nil {
			return err
		}
		if err := d.write(ctx, a, "SetControlMode", hardware.CMD_DISABLE_PWM_PAD, nil); err != nil {
			return err
		}
	case from == hardware.ModeIdle:
		if err := d.write(ctx, a, "SetControlMode", hardware.CMD_ENABLE_PWM_PAD, nil); err != nil {
			return err
		}
		if err := d.write(ctx, a, "SetControlMode", hardware.CMD_CONTROLLER_RUN, nil); err != nil {
			return err
		}
	}

	if _, err := d.request(ctx, a, "SetControlMode", hardware.CMD_SET_CONTROL_MODE, []byte{byte(mode)}, 1); err != nil {
		return err
	}

	// hold the current position when a position law takes over
	var holdPosition bool
	var position float64
	if mode.In(hardware.ReferenceModes) {
		if ticks, err := d.encoderTicks(ctx, a); err == nil {
			holdPosition = true
			position = a.TicksToAngle(float64(ticks))
		} else {
			d.logger.Warnw("unable to read position for new control mode", "axis", i, "error", err)
		}
	}

	d.state.Update(i, func(st *hardware.AxisState) {
		st.Mode = mode
		if holdPosition {
			st.Refs.Position = position
		}
		if mode == hardware.ModeIdle {
			st.Refs.Velocity = 0
			st.Refs.Torque = 0
		}
	})
	d.logger.Debugw("control mode", "axis", i, "from", from, "to", mode)
	return nil
}

func (d *Driver) SetControlModes(ctx context.Context, modes []hardware.ControlMode) error {
	if len(modes) != d.Axes() {
		return d.badLength("SetControlModes", len(modes))
	}
	return d.each(func(i int) error { return d.SetControlMode(ctx, i, modes[i]) })
}

// GetControlMode is the mode last set through this driver.
func (d *Driver) GetControlMode(i int) (hardware.ControlMode, error) {
	if _, err := d.lookup(i, "GetControlMode"); err != nil {
		return hardware.ModeIdle, err
	}
	return d.state.Mode(i), nil
}

func (d *Driver) GetControlModes() []hardware.ControlMode {
	modes := make([]hardware.ControlMode, d.Axes())
	for i := range modes {
		modes[i] = d.state.Mode(i)
	}
	return modes
}

// QueryControlMode asks the board which mode it is running. A board that
// disagrees with the driver is logged, the driver's view is not changed.
func (d *Driver) QueryControlMode(ctx context.Context, i int) (hardware.ControlMode, error) {
	a, err := d.lookup(i, "QueryControlMode")
	if err != nil {
		return hardware.ModeIdle, err
	}
	resp, err := d.request(ctx, a, "QueryControlMode", hardware.CMD_GET_CONTROL_MODE, nil, 0)
	if err != nil {
		return hardware.ModeIdle, err
	}
	mode := hardware.ControlMode(resp.Byte(0))
	if want := d.state.Mode(i); want != mode {
		d.logger.Warnw("board reports a different control mode", "axis", i, "board", mode, "driver", want)
	}
	return mode, nil
}
