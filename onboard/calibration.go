package onboard

import (
	"context"

	"github.com/CodedInternet/canmotion/onboard/hardware"
)

// Calibrate starts the board's encoder calibration routine. The meaning of
// the parameters depends on calibrationType and is left to the firmware.
func (d *Driver) Calibrate(ctx context.Context, i int, calibrationType uint8, p1, p2, p3 int16) error {
	a, err := d.lookup(i, "Calibrate")
	if err != nil {
		return err
	}
	payload := append([]byte{calibrationType}, hardware.I16(p1, p2, p3)...)
	if err := d.write(ctx, a, "Calibrate", hardware.CMD_CALIBRATE_ENCODER, payload); err != nil {
		return err
	}
	d.logger.Infow("calibration started", "axis", i, "type", calibrationType)
	return nil
}

// CalibrationDone reports whether the routine started by Calibrate finished.
func (d *Driver) CalibrationDone(ctx context.Context, i int) (bool, error) {
	a, err := d.lookup(i, "CalibrationDone")
	if err != nil {
		return false, err
	}
	resp, err := d.request(ctx, a, "CalibrationDone", hardware.CMD_CALIBRATION_DONE, nil, 0)
	if err != nil {
		return false, err
	}
	return resp.Byte(0) != 0, nil
}
