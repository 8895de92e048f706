//go:build !linux

package canbus

import "github.com/pkg/errors"

// CANBus is only available where SocketCAN exists; use the simulator elsewhere.
type CANBus struct {
	LoopbackBus
}

func NewCANBus(ifname string) (*CANBus, error) {
	return nil, errors.Errorf("socketcan interface %s: not supported on this platform", ifname)
}
