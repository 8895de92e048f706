package canbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// SocketCAN identifier flags and masks (linux/can.h).
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x000007FF
	CAN_EFF_MASK = 0x1FFFFFFF

	FrameSize  = 16 // sizeof(struct can_frame)
	MaxDataLen = 8
)

// Frame classes carried in bits 10-8 of a standard identifier.
const (
	ClassPollingMotor   = 0
	ClassPeriodicMotor  = 1
	ClassPollingAnalog  = 2
	ClassPeriodicAnalog = 3
)

// errors
var (
	ERR_DATA_TOO_LONG = errors.New("data length exceeds 8 bytes")
	ERR_SHORT_FRAME   = errors.New("raw frame shorter than can_frame")
	ERR_BAD_DLC       = errors.New("frame dlc exceeds 8 bytes")
)

type CANMsg struct {
	ID   uint32 // 11 bit standard identifier: class<<8 | source<<4 | low nibble
	Data []byte // raw payload up to eight bytes. DLC is taken from len(Data).
}

// NewID packs a standard identifier.
func NewID(class, source, low uint8) uint32 {
	return uint32(class&0x7)<<8 | uint32(source&0xF)<<4 | uint32(low&0xF)
}

func (msg CANMsg) Class() uint8  { return uint8(msg.ID>>8) & 0x7 }
func (msg CANMsg) Source() uint8 { return uint8(msg.ID>>4) & 0xF }

// Low is the destination address for polling frames and the frame type for
// periodic ones.
func (msg CANMsg) Low() uint8 { return uint8(msg.ID) & 0xF }

func (msg CANMsg) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "0x%03x [%d]", msg.ID, len(msg.Data))
	for _, b := range msg.Data {
		fmt.Fprintf(&sb, " %02x", b)
	}
	return sb.String()
}

// ToByteArray lays the message out as a struct can_frame.
func (msg *CANMsg) ToByteArray() (raw []byte, err error) {
	if len(msg.Data) > MaxDataLen {
		return nil, ERR_DATA_TOO_LONG
	}

	raw = make([]byte, FrameSize)

	oid := msg.ID
	if oid != oid&CAN_SFF_MASK {
		oid = (oid & CAN_EFF_MASK) | CAN_EFF_FLAG
	}
	binary.LittleEndian.PutUint32(raw[0:4], oid)
	raw[4] = byte(len(msg.Data))
	copy(raw[8:], msg.Data)

	return
}

func MsgFromByteArray(raw []byte) (msg CANMsg, err error) {
	if len(raw) < FrameSize {
		return msg, ERR_SHORT_FRAME
	}

	oid := binary.LittleEndian.Uint32(raw[0:4])
	if oid&CAN_EFF_FLAG != 0 {
		msg.ID = oid & CAN_EFF_MASK
	} else {
		msg.ID = oid & CAN_SFF_MASK
	}

	dlc := int(raw[4])
	if dlc > MaxDataLen {
		return msg, ERR_BAD_DLC
	}
	msg.Data = make([]byte, dlc)
	copy(msg.Data, raw[8:8+dlc])

	return msg, nil
}
