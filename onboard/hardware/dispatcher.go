package hardware

import (
	"context"
	"sync"
	"time"

	"github.com/CodedInternet/canmotion/onboard/canbus"
	derrors "github.com/CodedInternet/canmotion/onboard/errors"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
)

const DEFAULT_RX_TIMEOUT = 100 * time.Millisecond

// pendingCmd is one caller waiting on a reply. The first entry of a key's
// queue is the one in flight.
type pendingCmd struct {
	cmd   Command
	ack   chan Reply    // buffered, written at most once
	ready chan struct{} // closed when this entry reaches the head of its queue
	sent  bool
}

type DispatchStats struct {
	Sent     uint64 `json:"sent"`
	Replies  uint64 `json:"replies"`
	Timeouts uint64 `json:"timeouts"`
	Orphans  uint64 `json:"orphans"`
	TxErrors uint64 `json:"tx_errors"`
}

// Dispatcher correlates requests with replies delivered by the poller.
type Dispatcher struct {
	bus       canbus.Transport
	host      uint8
	rxTimeout time.Duration
	logger    golog.Logger

	lock       *sync.Mutex // shared with the axis state
	pendingCmd map[Key][]*pendingCmd
	stats      DispatchStats
	closed     bool
	done       chan struct{}

	// after an unanswered request, the next one on that key is held back
	// until quietUntil so a late reply cannot be taken as its answer
	settle     time.Duration
	quietUntil map[Key]time.Time

	afterWait func() // test hook, runs once the reply wait gives up
}

func NewDispatcher(bus canbus.Transport, host uint8, rxTimeout time.Duration, lock *sync.Mutex, logger golog.Logger) *Dispatcher {
	if rxTimeout <= 0 {
		rxTimeout = DEFAULT_RX_TIMEOUT
	}
	if lock == nil {
		lock = new(sync.Mutex)
	}
	return &Dispatcher{
		bus:        bus,
		host:       host,
		rxTimeout:  rxTimeout,
		logger:     logger,
		lock:       lock,
		pendingCmd: make(map[Key][]*pendingCmd),
		done:       make(chan struct{}),
		settle:     rxTimeout / 2,
		quietUntil: make(map[Key]time.Time),
	}
}

// SetSettleWindow sets how long a key stays quiet after a request on it
// went unanswered. Zero disables the hold.
func (d *Dispatcher) SetSettleWindow(window time.Duration) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.settle = window
}

func (d *Dispatcher) Host() uint8 {
	return d.host
}

func (d *Dispatcher) RxTimeout() time.Duration {
	return d.rxTimeout
}

// Send transmits cmd and, unless it is a pure write, blocks until the
// matching reply arrives, rxTimeout passes after transmission, ctx is done
// or the dispatcher is closed. Requests sharing a key are served in arrival
// order; requests with different keys never wait on each other.
func (d *Dispatcher) Send(ctx context.Context, cmd Command) (resp Reply, err error) {
	if cmd.NoReply {
		d.lock.Lock()
		closed := d.closed
		d.lock.Unlock()
		if closed {
			return resp, derrors.ErrBusClosed
		}
		return resp, d.transmit(cmd)
	}

	p := &pendingCmd{
		cmd:   cmd,
		ack:   make(chan Reply, 1),
		ready: make(chan struct{}),
	}
	key := cmd.Key()

	d.lock.Lock()
	if d.closed {
		d.lock.Unlock()
		return resp, derrors.ErrBusClosed
	}
	d.pendingCmd[key] = append(d.pendingCmd[key], p)
	if len(d.pendingCmd[key]) == 1 {
		close(p.ready)
	}
	d.lock.Unlock()

	// wait for our turn on this key
	select {
	case <-p.ready:
	case <-ctx.Done():
		d.remove(key, p)
		return resp, ctx.Err()
	case <-d.done:
		return resp, derrors.ErrBusClosed
	}

	if err = d.waitQuiet(ctx, key); err != nil {
		d.remove(key, p)
		return resp, err
	}

	d.lock.Lock()
	if d.closed {
		d.lock.Unlock()
		return resp, derrors.ErrBusClosed
	}
	p.sent = true
	d.lock.Unlock()

	if err = d.transmit(cmd); err != nil {
		d.remove(key, p)
		return resp, err
	}

	timer := time.NewTimer(d.rxTimeout)
	defer timer.Stop()

	select {
	case resp = <-p.ack:
		return resp, nil
	case <-timer.C:
		err = derrors.ErrTimeout
	case <-ctx.Done():
		err = ctx.Err()
	case <-d.done:
		return resp, derrors.ErrBusClosed
	}

	if d.afterWait != nil {
		d.afterWait()
	}

	// routeACK unregisters p when it delivers, so a reply that raced the
	// timer is only in p.ack if p is already gone
	if !d.abandon(key, p) {
		select {
		case resp = <-p.ack:
			return resp, nil
		default:
		}
	}
	if err == derrors.ErrTimeout {
		d.lock.Lock()
		d.stats.Timeouts++
		d.lock.Unlock()
		d.logger.Debugw("request timed out", "key", key.String(), "timeout", d.rxTimeout)
	}
	return resp, err
}

// waitQuiet blocks until the settle hold on key, if any, has passed.
func (d *Dispatcher) waitQuiet(ctx context.Context, key Key) error {
	for {
		d.lock.Lock()
		until, ok := d.quietUntil[key]
		if ok && !time.Now().Before(until) {
			delete(d.quietUntil, key)
			ok = false
		}
		d.lock.Unlock()
		if !ok {
			return nil
		}

		timer := time.NewTimer(time.Until(until))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-d.done:
			timer.Stop()
			return derrors.ErrBusClosed
		}
	}
}

// abandon unregisters a transmitted request that got no reply and starts
// the settle hold on its key. It reports whether p was still registered.
func (d *Dispatcher) abandon(key Key, p *pendingCmd) bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	if !d.removeLocked(key, p) {
		return false
	}
	if d.settle > 0 {
		d.quietUntil[key] = time.Now().Add(d.settle)
	}
	return true
}

func (d *Dispatcher) transmit(cmd Command) error {
	err := d.bus.Transmit(cmd.Msg(d.host))

	d.lock.Lock()
	defer d.lock.Unlock()
	if err != nil {
		d.stats.TxErrors++
		if errors.Is(err, derrors.ErrBusClosed) {
			return err
		}
		if errors.Is(err, derrors.ErrBusError) {
			return err
		}
		return errors.Wrapf(derrors.ErrBusError, "%s: %v", cmd.Key(), err)
	}
	d.stats.Sent++
	return nil
}

// remove drops p from its queue and promotes the next waiter. It reports
// whether p was still registered.
func (d *Dispatcher) remove(key Key, p *pendingCmd) bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.removeLocked(key, p)
}

func (d *Dispatcher) removeLocked(key Key, p *pendingCmd) bool {
	queue := d.pendingCmd[key]
	for i, q := range queue {
		if q != p {
			continue
		}
		queue = append(queue[:i], queue[i+1:]...)
		if len(queue) == 0 {
			delete(d.pendingCmd, key)
		} else {
			d.pendingCmd[key] = queue
			if i == 0 {
				close(queue[0].ready)
			}
		}
		return true
	}
	return false
}

// Deliver routes a frame to the waiter whose key matches exactly. It
// returns false when msg is not a reply anyone is waiting for.
func (d *Dispatcher) Deliver(msg canbus.CANMsg) bool {
	reply, ok := ParseReply(msg, d.host)
	if !ok {
		return false
	}
	return d.routeACK(reply)
}

func (d *Dispatcher) routeACK(reply Reply) bool {
	key := reply.Key()

	d.lock.Lock()
	defer d.lock.Unlock()

	queue := d.pendingCmd[key]
	if len(queue) == 0 || !queue[0].sent {
		d.stats.Orphans++
		return false
	}
	p := queue[0]
	if !p.cmd.verify(reply) {
		d.stats.Orphans++
		return false
	}

	p.ack <- reply
	d.removeLocked(key, p)
	d.stats.Replies++
	return true
}

// Pending returns the number of registered requests.
func (d *Dispatcher) Pending() (n int) {
	d.lock.Lock()
	defer d.lock.Unlock()
	for _, q := range d.pendingCmd {
		n += len(q)
	}
	return
}

func (d *Dispatcher) Stats() DispatchStats {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.stats
}

// Close wakes every waiter with ErrBusClosed. Later sends fail immediately.
func (d *Dispatcher) Close() {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	d.pendingCmd = make(map[Key][]*pendingCmd)
	d.quietUntil = make(map[Key]time.Time)
	close(d.done)
}

func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}
