package onboard

import (
	"context"

	"github.com/CodedInternet/canmotion/onboard/axis"
	"github.com/CodedInternet/canmotion/onboard/codec"
	"github.com/CodedInternet/canmotion/onboard/hardware"
	"go.uber.org/multierr"
)

// Pid holds the gains of one control loop in board units.
type Pid struct {
	Kp        float64 `yaml:"kp" json:"kp"`
	Kd        float64 `yaml:"kd" json:"kd"`
	Ki        float64 `yaml:"ki" json:"ki"`
	MaxInt    float64 `yaml:"max_int" json:"max_int"`
	MaxOutput float64 `yaml:"max_output" json:"max_output"`
	Offset    float64 `yaml:"offset" json:"offset"`
	Scale     float64 `yaml:"scale" json:"scale"`
}

func (p Pid) params() [hardware.PID_PARAMS]float64 {
	return [hardware.PID_PARAMS]float64{p.Kp, p.Kd, p.Ki, p.MaxInt, p.MaxOutput, p.Offset, p.Scale}
}

func pidFromParams(v [hardware.PID_PARAMS]float64) Pid {
	return Pid{
		Kp:        v[hardware.PID_KP],
		Kd:        v[hardware.PID_KD],
		Ki:        v[hardware.PID_KI],
		MaxInt:    v[hardware.PID_ILIM],
		MaxOutput: v[hardware.PID_OLIM],
		Offset:    v[hardware.PID_OFFSET],
		Scale:     v[hardware.PID_SCALE],
	}
}

func pidSelector(loop, param uint8) byte {
	return loop<<4 | param
}

func (d *Driver) setPidParam(ctx context.Context, a axis.Axis, op string, loop, param uint8, value float64) error {
	raw, sat := codec.EncodeS16Checked(value, 1)
	d.saturated(a, sat)
	payload := append([]byte{pidSelector(loop, param)}, hardware.I16(raw)...)
	return d.write(ctx, a, op, hardware.CMD_SET_PID_PARAM, payload)
}

func (d *Driver) setPid(ctx context.Context, a axis.Axis, op string, loop uint8, pid Pid) error {
	for param, value := range pid.params() {
		if err := d.setPidParam(ctx, a, op, loop, uint8(param), value); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) getPid(ctx context.Context, a axis.Axis, op string, loop uint8) (Pid, error) {
	var values [hardware.PID_PARAMS]float64
	for param := range values {
		resp, err := d.request(ctx, a, op, hardware.CMD_GET_PID_PARAM, []byte{pidSelector(loop, uint8(param))}, 1)
		if err != nil {
			return Pid{}, err
		}
		values[param] = float64(resp.Int16(1))
	}
	return pidFromParams(values), nil
}

// SetPid writes the position loop gains of axis i.
func (d *Driver) SetPid(ctx context.Context, i int, pid Pid) error {
	a, err := d.lookup(i, "SetPid")
	if err != nil {
		return err
	}
	return d.setPid(ctx, a, "SetPid", hardware.LOOP_POSITION, pid)
}

func (d *Driver) SetPids(ctx context.Context, pids []Pid) error {
	if len(pids) != d.Axes() {
		return d.badLength("SetPids", len(pids))
	}
	return d.each(func(i int) error { return d.SetPid(ctx, i, pids[i]) })
}

// GetPid reads the position loop gains back from the board.
func (d *Driver) GetPid(ctx context.Context, i int) (Pid, error) {
	a, err := d.lookup(i, "GetPid")
	if err != nil {
		return Pid{}, err
	}
	return d.getPid(ctx, a, "GetPid", hardware.LOOP_POSITION)
}

func (d *Driver) SetTorquePid(ctx context.Context, i int, pid Pid) error {
	a, err := d.lookup(i, "SetTorquePid")
	if err != nil {
		return err
	}
	return d.setPid(ctx, a, "SetTorquePid", hardware.LOOP_TORQUE, pid)
}

func (d *Driver) GetTorquePid(ctx context.Context, i int) (Pid, error) {
	a, err := d.lookup(i, "GetTorquePid")
	if err != nil {
		return Pid{}, err
	}
	return d.getPid(ctx, a, "GetTorquePid", hardware.LOOP_TORQUE)
}

// SetOffset changes only the feed forward offset of the position loop.
func (d *Driver) SetOffset(ctx context.Context, i int, offset float64) error {
	a, err := d.lookup(i, "SetOffset")
	if err != nil {
		return err
	}
	return d.setPidParam(ctx, a, "SetOffset", hardware.LOOP_POSITION, hardware.PID_OFFSET, offset)
}

// GetError returns the position loop error in degrees, from the broadcast
// when it is fresh.
func (d *Driver) GetError(ctx context.Context, i int) (float64, error) {
	a, err := d.lookup(i, "GetError")
	if err != nil {
		return 0, err
	}
	if st, ok := d.cached(a, axis.BcastPidError); ok {
		return float64(st.PidError) / a.AngleToEncoder, nil
	}
	resp, err := d.request(ctx, a, "GetError", hardware.CMD_GET_PID_ERROR, []byte{hardware.LOOP_POSITION}, 1)
	if err != nil {
		return 0, err
	}
	raw := resp.Int16(1)
	d.state.Update(i, func(st *hardware.AxisState) { st.PidError = raw })
	return float64(raw) / a.AngleToEncoder, nil
}

func (d *Driver) GetErrors(ctx context.Context) ([]float64, error) {
	out := make([]float64, d.Axes())
	return out, d.each(func(i int) (err error) {
		out[i], err = d.GetError(ctx, i)
		return
	})
}

// GetOutput returns the loop output in PWM units.
func (d *Driver) GetOutput(ctx context.Context, i int) (float64, error) {
	a, err := d.lookup(i, "GetOutput")
	if err != nil {
		return 0, err
	}
	if st, ok := d.cached(a, axis.BcastPidOutput); ok {
		return float64(st.PidOutput), nil
	}
	resp, err := d.request(ctx, a, "GetOutput", hardware.CMD_GET_PID_OUTPUT, nil, 0)
	if err != nil {
		return 0, err
	}
	raw := resp.Int16(0)
	d.state.Update(i, func(st *hardware.AxisState) { st.PidOutput = raw })
	return float64(raw), nil
}

func (d *Driver) GetOutputs(ctx context.Context) ([]float64, error) {
	out := make([]float64, d.Axes())
	return out, d.each(func(i int) (err error) {
		out[i], err = d.GetOutput(ctx, i)
		return
	})
}

// ResetPid clears the integrator of both loops.
func (d *Driver) ResetPid(ctx context.Context, i int) error {
	a, err := d.lookup(i, "ResetPid")
	if err != nil {
		return err
	}
	return multierr.Append(
		d.write(ctx, a, "ResetPid", hardware.CMD_PID_RESET, []byte{hardware.LOOP_POSITION}),
		d.write(ctx, a, "ResetPid", hardware.CMD_PID_RESET, []byte{hardware.LOOP_TORQUE}),
	)
}

func (d *Driver) EnablePid(ctx context.Context, i int) error {
	return d.pidEnable(ctx, i, "EnablePid", 1)
}

func (d *Driver) DisablePid(ctx context.Context, i int) error {
	return d.pidEnable(ctx, i, "DisablePid", 0)
}

func (d *Driver) pidEnable(ctx context.Context, i int, op string, on byte) error {
	a, err := d.lookup(i, op)
	if err != nil {
		return err
	}
	return d.write(ctx, a, op, hardware.CMD_PID_ENABLE, []byte{hardware.LOOP_POSITION, on})
}
