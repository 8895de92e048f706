package canbus

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	derrors "github.com/CodedInternet/canmotion/onboard/errors"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// CANBus is a raw SocketCAN socket bound to one interface.
type CANBus struct {
	fd     int
	ifname string
	lock   sync.Mutex // serialises writes
	closed int32
}

func NewCANBus(ifname string) (bus *CANBus, err error) {
	iface, err := net.InterfaceByName(ifname)
	if err != nil {
		return nil, errors.Wrapf(err, "can interface %s", ifname)
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, errors.Wrap(err, "open can socket")
	}

	// our own frames must never come back through the poller
	if err = unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_LOOPBACK, 0); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "disable can loopback")
	}

	if err = unix.Bind(fd, &unix.SockaddrCAN{Ifindex: iface.Index}); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "bind can socket to %s", ifname)
	}

	return &CANBus{fd: fd, ifname: ifname}, nil
}

func (c *CANBus) isClosed() bool {
	return atomic.LoadInt32(&c.closed) == 1
}

func (c *CANBus) Transmit(msg CANMsg) error {
	if c.isClosed() {
		return derrors.ErrBusClosed
	}

	raw, err := msg.ToByteArray()
	if err != nil {
		return err
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	n, err := unix.Write(c.fd, raw)
	if err != nil {
		return errors.Wrapf(derrors.ErrBusError, "write %s: %v", c.ifname, err)
	}
	if n != FrameSize {
		return errors.Wrapf(derrors.ErrBusError, "short write on %s: %d bytes", c.ifname, n)
	}
	return nil
}

func (c *CANBus) TryReceive(timeout time.Duration) (msg CANMsg, ok bool, err error) {
	if c.isClosed() {
		return msg, false, derrors.ErrBusClosed
	}

	ms := int(timeout / time.Millisecond)
	if timeout > 0 && ms == 0 {
		ms = 1
	}

	fds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, ms)
	if err == unix.EINTR {
		return msg, false, nil
	}
	if err != nil {
		return msg, false, errors.Wrapf(derrors.ErrBusError, "poll %s: %v", c.ifname, err)
	}
	if n == 0 || fds[0].Revents&unix.POLLIN == 0 {
		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			return msg, false, derrors.ErrBusClosed
		}
		return msg, false, nil
	}

	raw := make([]byte, FrameSize)
	if _, err = unix.Read(c.fd, raw); err != nil {
		return msg, false, errors.Wrapf(derrors.ErrBusError, "read %s: %v", c.ifname, err)
	}

	msg, err = MsgFromByteArray(raw)
	if err != nil {
		return msg, false, errors.Wrapf(derrors.ErrDecode, "%v", err)
	}
	return msg, true, nil
}

func (c *CANBus) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	return unix.Close(c.fd)
}
