package hardware

import (
	"bytes"
	"fmt"

	"github.com/CodedInternet/canmotion/onboard/canbus"
	"github.com/CodedInternet/canmotion/onboard/codec"
)

// Polling message kinds. data[0] of every polling frame is kind | channel<<7
// and replies echo it.
const (
	CMD_CONTROLLER_RUN       = 0x01
	CMD_CONTROLLER_IDLE      = 0x02
	CMD_ENABLE_PWM_PAD       = 0x03
	CMD_DISABLE_PWM_PAD      = 0x04
	CMD_GET_CONTROL_MODE     = 0x05
	CMD_MOTION_DONE          = 0x06
	CMD_SET_CONTROL_MODE     = 0x07
	CMD_POSITION_MOVE        = 0x08
	CMD_VELOCITY_MOVE        = 0x09
	CMD_SET_COMMAND_POSITION = 0x0A
	CMD_SET_ENCODER_POSITION = 0x0B
	CMD_GET_ENCODER_POSITION = 0x0C
	CMD_GET_ENCODER_VELOCITY = 0x0D
	CMD_SET_DESIRED_TORQUE   = 0x0E
	CMD_GET_DESIRED_TORQUE   = 0x0F
	CMD_STOP_TRAJECTORY      = 0x10
	CMD_SET_DESIRED_ACCELER  = 0x11

	CMD_SET_PID_PARAM  = 0x20
	CMD_GET_PID_PARAM  = 0x21
	CMD_GET_PID_OUTPUT = 0x22
	CMD_GET_PID_ERROR  = 0x23
	CMD_PID_ENABLE     = 0x24
	CMD_PID_RESET      = 0x25

	CMD_SET_IMPEDANCE_PARAMS = 0x28
	CMD_GET_IMPEDANCE_PARAMS = 0x29
	CMD_SET_IMPEDANCE_OFFSET = 0x2A
	CMD_GET_IMPEDANCE_OFFSET = 0x2B
	CMD_SET_OPEN_LOOP        = 0x2C

	CMD_SET_CURRENT_LIMIT = 0x30
	CMD_GET_CURRENT       = 0x31
	CMD_GET_AMP_STATUS    = 0x32
	CMD_SET_VEL_SHIFT     = 0x33
	CMD_SET_VEL_TIMEOUT   = 0x34
	CMD_SET_BCAST_POLICY  = 0x35
	CMD_CALIBRATE_ENCODER = 0x36
	CMD_GET_FIRMWARE      = 0x37
	CMD_CALIBRATION_DONE  = 0x38

	CMD_KIND_MASK = 0x7F
)

// Control loops addressed by the PID messages.
const (
	LOOP_POSITION = 0
	LOOP_TORQUE   = 1
)

// PID parameters, in the order the boards number them.
const (
	PID_KP = iota
	PID_KD
	PID_KI
	PID_ILIM
	PID_OLIM
	PID_OFFSET
	PID_SCALE
	PID_PARAMS
)

// Key correlates a reply with its request. The bus carries no transaction
// id so at most one request per key is in flight.
type Key struct {
	Board   uint8
	Channel uint8
	Kind    uint8
}

func (k Key) String() string {
	return fmt.Sprintf("board 0x%x ch %d kind 0x%02x", k.Board, k.Channel, k.Kind)
}

// Command is one polling request.
type Command struct {
	Board   uint8
	Channel uint8
	Kind    uint8
	Payload []byte
	NoReply bool // pure write, nothing is registered
	Echo    int  // leading payload bytes the reply must repeat
}

func (c Command) Key() Key {
	return Key{c.Board, c.Channel, c.Kind}
}

func header(kind, channel uint8) byte {
	return kind&CMD_KIND_MASK | (channel&1)<<7
}

// Msg builds the frame sent from host to the command's board.
func (c Command) Msg(host uint8) canbus.CANMsg {
	data := make([]byte, 1+len(c.Payload))
	data[0] = header(c.Kind, c.Channel)
	copy(data[1:], c.Payload)
	return canbus.CANMsg{
		ID:   canbus.NewID(canbus.ClassPollingMotor, host, c.Board),
		Data: data,
	}
}

// Reply is a decoded polling answer.
type Reply struct {
	Board   uint8
	Channel uint8
	Kind    uint8
	Payload []byte
}

func (r Reply) Key() Key {
	return Key{r.Board, r.Channel, r.Kind}
}

func (r Reply) Int16(off int) int16 {
	if off+2 > len(r.Payload) {
		return 0
	}
	return codec.Int16(r.Payload[off:])
}

func (r Reply) Int32(off int) int32 {
	if off+4 > len(r.Payload) {
		return 0
	}
	return codec.Int32(r.Payload[off:])
}

func (r Reply) Byte(off int) uint8 {
	if off >= len(r.Payload) {
		return 0
	}
	return r.Payload[off]
}

// ParseReply accepts polling frames addressed to host.
func ParseReply(msg canbus.CANMsg, host uint8) (r Reply, ok bool) {
	if msg.Class() != canbus.ClassPollingMotor || msg.Low() != host || len(msg.Data) == 0 {
		return r, false
	}
	return Reply{
		Board:   msg.Source(),
		Channel: msg.Data[0] >> 7,
		Kind:    msg.Data[0] & CMD_KIND_MASK,
		Payload: msg.Data[1:],
	}, true
}

// ReplyMsg builds what a board sends back for request; used by the simulator.
func ReplyMsg(request canbus.CANMsg, payload []byte) canbus.CANMsg {
	data := make([]byte, 1+len(payload))
	data[0] = request.Data[0]
	copy(data[1:], payload)
	return canbus.CANMsg{
		ID:   canbus.NewID(canbus.ClassPollingMotor, request.Low(), request.Source()),
		Data: data,
	}
}

func (c Command) verify(r Reply) bool {
	if c.Echo <= 0 {
		return true
	}
	if len(c.Payload) < c.Echo || len(r.Payload) < c.Echo {
		return false
	}
	return bytes.Equal(c.Payload[:c.Echo], r.Payload[:c.Echo])
}

// Payload helpers.

func I16(vals ...int16) []byte {
	buf := make([]byte, 2*len(vals))
	for i, v := range vals {
		codec.PutInt16(buf[2*i:], v)
	}
	return buf
}

func I32I16(a int32, b int16) []byte {
	buf := make([]byte, 6)
	codec.PutInt32(buf, a)
	codec.PutInt16(buf[4:], b)
	return buf
}

func I32(v int32) []byte {
	buf := make([]byte, 4)
	codec.PutInt32(buf, v)
	return buf
}
