package hardware

import (
	"fmt"
	"strings"
)

type ControlMode uint8

// Values are what the boards report for CMD_GET_CONTROL_MODE.
const (
	ModeIdle              ControlMode = 0x00
	ModePosition          ControlMode = 0x01
	ModeVelocity          ControlMode = 0x02
	ModeTorque            ControlMode = 0x03
	ModeImpedancePosition ControlMode = 0x04
	ModeImpedanceVelocity ControlMode = 0x05
	ModeOpenLoop          ControlMode = 0x06
	ModePositionDirect    ControlMode = 0x07
)

var modeNames = map[ControlMode]string{
	ModeIdle:              "idle",
	ModePosition:          "position",
	ModeVelocity:          "velocity",
	ModeTorque:            "torque",
	ModeImpedancePosition: "impedance_position",
	ModeImpedanceVelocity: "impedance_velocity",
	ModeOpenLoop:          "open_loop",
	ModePositionDirect:    "position_direct",
}

func (m ControlMode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("mode(0x%02x)", uint8(m))
}

func (m ControlMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *ControlMode) UnmarshalText(text []byte) error {
	mode, err := ParseControlMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

func ParseControlMode(s string) (ControlMode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for m, name := range modeNames {
		if name == s {
			return m, nil
		}
	}
	return ModeIdle, fmt.Errorf("unknown control mode %q", s)
}

// transitions lists every allowed change besides the ones through idle.
var transitions = map[ControlMode][]ControlMode{
	ModePosition:          {ModePositionDirect, ModeImpedancePosition, ModeImpedanceVelocity},
	ModePositionDirect:    {ModePosition},
	ModeVelocity:          {ModeImpedancePosition, ModeImpedanceVelocity},
	ModeTorque:            {ModeImpedancePosition, ModeImpedanceVelocity},
	ModeImpedancePosition: {ModePosition, ModeVelocity, ModeTorque},
	ModeImpedanceVelocity: {ModePosition, ModeVelocity, ModeTorque},
}

// CanTransition reports whether an axis may go from one control law to
// another without first being idled.
func CanTransition(from, to ControlMode) bool {
	if from == to || from == ModeIdle || to == ModeIdle {
		return true
	}
	for _, m := range transitions[from] {
		if m == to {
			return true
		}
	}
	return false
}

// compatibility of facade operations with the active mode
var (
	PositionModes  = []ControlMode{ModePosition, ModeImpedancePosition}
	ReferenceModes = []ControlMode{ModePosition, ModePositionDirect, ModeImpedancePosition}
	VelocityModes  = []ControlMode{ModeVelocity, ModeImpedanceVelocity}
	TorqueModes    = []ControlMode{ModeTorque}
	OpenLoopModes  = []ControlMode{ModeOpenLoop}
	ActiveModes    = []ControlMode{ModePosition, ModeVelocity, ModeTorque, ModeImpedancePosition, ModeImpedanceVelocity, ModeOpenLoop, ModePositionDirect}
)

func (m ControlMode) In(modes []ControlMode) bool {
	for _, o := range modes {
		if m == o {
			return true
		}
	}
	return false
}
