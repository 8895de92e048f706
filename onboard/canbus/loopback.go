package canbus

import (
	"sync"
	"time"

	derrors "github.com/CodedInternet/canmotion/onboard/errors"
)

// LoopbackBus is an in-memory Transport. Frames handed to Inject are
// returned by TryReceive; transmitted frames are recorded and passed to the
// OnTransmit hook, which is how simulated boards answer requests.
type LoopbackBus struct {
	rx         chan CANMsg
	lock       sync.Mutex
	onTransmit func(CANMsg)
	txLog      []CANMsg
	txErr      error
	closed     chan struct{}
	closeOnce  sync.Once
}

func NewLoopbackBus(depth int) *LoopbackBus {
	if depth <= 0 {
		depth = 256
	}
	return &LoopbackBus{
		rx:     make(chan CANMsg, depth),
		closed: make(chan struct{}),
	}
}

// OnTransmit installs fn to be called (outside any lock) for every frame sent.
func (b *LoopbackBus) OnTransmit(fn func(CANMsg)) {
	b.lock.Lock()
	b.onTransmit = fn
	b.lock.Unlock()
}

// FailTransmit makes every following Transmit return err. nil restores it.
func (b *LoopbackBus) FailTransmit(err error) {
	b.lock.Lock()
	b.txErr = err
	b.lock.Unlock()
}

// Inject queues msg for the reader. Returns false and drops the frame when
// the receive queue is full or the bus is closed, like a real bus would.
func (b *LoopbackBus) Inject(msg CANMsg) bool {
	select {
	case <-b.closed:
		return false
	default:
	}

	select {
	case b.rx <- msg:
		return true
	default:
		return false
	}
}

func (b *LoopbackBus) Transmit(msg CANMsg) error {
	select {
	case <-b.closed:
		return derrors.ErrBusClosed
	default:
	}
	if len(msg.Data) > MaxDataLen {
		return ERR_DATA_TOO_LONG
	}

	data := make([]byte, len(msg.Data))
	copy(data, msg.Data)
	msg.Data = data

	b.lock.Lock()
	if b.txErr != nil {
		err := b.txErr
		b.lock.Unlock()
		return err
	}
	b.txLog = append(b.txLog, msg)
	hook := b.onTransmit
	b.lock.Unlock()

	if hook != nil {
		hook(msg)
	}
	return nil
}

func (b *LoopbackBus) TryReceive(timeout time.Duration) (msg CANMsg, ok bool, err error) {
	if timeout <= 0 {
		select {
		case msg = <-b.rx:
			return msg, true, nil
		case <-b.closed:
			return msg, false, derrors.ErrBusClosed
		default:
			return msg, false, nil
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg = <-b.rx:
		return msg, true, nil
	case <-b.closed:
		return msg, false, derrors.ErrBusClosed
	case <-timer.C:
		return msg, false, nil
	}
}

func (b *LoopbackBus) Close() error {
	b.closeOnce.Do(func() { close(b.closed) })
	return nil
}

// Transmitted returns a copy of every frame sent so far.
func (b *LoopbackBus) Transmitted() []CANMsg {
	b.lock.Lock()
	defer b.lock.Unlock()
	out := make([]CANMsg, len(b.txLog))
	copy(out, b.txLog)
	return out
}

func (b *LoopbackBus) TxCount() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.txLog)
}

// ResetLog forgets recorded frames.
func (b *LoopbackBus) ResetLog() {
	b.lock.Lock()
	b.txLog = nil
	b.lock.Unlock()
}
