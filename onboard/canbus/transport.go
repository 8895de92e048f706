package canbus

import "time"

// Transport is the only thing the driver assumes about the physical bus.
// Transmit must be safe to call from several goroutines; TryReceive is only
// ever called by a single reader.
type Transport interface {
	Transmit(msg CANMsg) error
	// TryReceive waits up to timeout for the next frame. ok is false when
	// nothing arrived. A zero timeout never blocks.
	TryReceive(timeout time.Duration) (msg CANMsg, ok bool, err error)
	Close() error
}
