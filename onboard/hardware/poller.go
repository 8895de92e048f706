package hardware

import (
	"context"
	"sync"
	"time"

	"github.com/CodedInternet/canmotion/onboard/analog"
	"github.com/CodedInternet/canmotion/onboard/canbus"
	derrors "github.com/CodedInternet/canmotion/onboard/errors"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
)

const (
	DEFAULT_POLL_PERIOD  = 10 * time.Millisecond
	DEFAULT_FRAME_BUDGET = 256
)

type PollStats struct {
	Cycles       uint64 `json:"cycles"`
	Frames       uint64 `json:"frames"`
	Broadcasts   uint64 `json:"broadcasts"`
	Unexpected   uint64 `json:"unexpected"`
	DecodeErrors uint64 `json:"decode_errors"`
	Overruns     uint64 `json:"overruns"` // cycles that hit the frame budget
}

// Poller is the only reader of the bus. Every cycle lasts one period and
// the timed read is its only blocking point.
type Poller struct {
	bus        canbus.Transport
	dispatcher *Dispatcher
	state      *State
	analog     map[uint8]*analog.Board
	period     time.Duration
	budget     int
	logger     golog.Logger

	statsLock sync.Mutex
	stats     PollStats
	done      chan struct{}
}

func NewPoller(bus canbus.Transport, d *Dispatcher, state *State, boards []*analog.Board,
	period time.Duration, budget int, logger golog.Logger) *Poller {
	if period <= 0 {
		period = DEFAULT_POLL_PERIOD
	}
	if budget <= 0 {
		budget = DEFAULT_FRAME_BUDGET
	}
	p := &Poller{
		bus:        bus,
		dispatcher: d,
		state:      state,
		analog:     make(map[uint8]*analog.Board, len(boards)),
		period:     period,
		budget:     budget,
		logger:     logger,
		done:       make(chan struct{}),
	}
	for _, b := range boards {
		p.analog[b.ID()] = b
	}
	return p
}

// Run polls until ctx is cancelled or the bus closes. Cancellation takes
// effect at the end of the current cycle.
func (p *Poller) Run(ctx context.Context) error {
	defer close(p.done)

	for {
		if err := p.RunCycle(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

// Done is closed once Run has returned.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

// RunCycle reads and classifies frames for one period, then updates
// staleness. It returns an error only when the bus is closed.
func (p *Poller) RunCycle() error {
	deadline := time.Now().Add(p.period)
	frames := 0

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if frames >= p.budget {
			p.count(func(s *PollStats) { s.Overruns++ })
			p.logger.Debugw("frame budget exhausted", "budget", p.budget)
			time.Sleep(remaining)
			break
		}

		msg, ok, err := p.bus.TryReceive(remaining)
		if err != nil {
			if errors.Is(err, derrors.ErrBusClosed) {
				return err
			}
			if errors.Is(err, derrors.ErrDecode) {
				p.count(func(s *PollStats) { s.DecodeErrors++ })
				p.logger.Debugw("discarding malformed frame", "error", err)
				continue
			}
			// transport trouble; give up on this cycle rather than spin
			p.logger.Warnw("bus read failed", "error", err)
			time.Sleep(time.Until(deadline))
			break
		}
		if !ok {
			continue
		}

		frames++
		p.HandleFrame(msg, time.Now())
	}

	p.endCycle(time.Now())
	return nil
}

// HandleFrame classifies msg: a reply for a waiting caller, an expected
// broadcast, or an unexpected frame that is logged and dropped.
func (p *Poller) HandleFrame(msg canbus.CANMsg, now time.Time) {
	p.count(func(s *PollStats) { s.Frames++ })

	switch msg.Class() {
	case canbus.ClassPollingMotor:
		if p.dispatcher.Deliver(msg) {
			return
		}
		if reply, ok := ParseReply(msg, p.dispatcher.Host()); ok {
			p.logger.Debugw("discarding orphaned reply", "key", reply.Key().String(), "frame", msg.String())
			return
		}

	case canbus.ClassPeriodicMotor:
		board, bcastType := msg.Source(), msg.Low()
		if !p.state.Expects(board, bcastType) {
			break
		}
		if err := p.state.ApplyBroadcast(board, bcastType, msg.Data, now); err != nil {
			p.count(func(s *PollStats) { s.DecodeErrors++ })
			p.logger.Debugw("discarding broadcast", "frame", msg.String(), "error", err)
			return
		}
		p.count(func(s *PollStats) { s.Broadcasts++ })
		return

	case canbus.ClassPeriodicAnalog:
		b, ok := p.analog[msg.Source()]
		if !ok {
			break
		}
		before := b.Status()
		if err := b.Decode(msg, now); err != nil {
			p.count(func(s *PollStats) { s.DecodeErrors++ })
			p.logger.Debugw("analog decode failed", "board", b.ID(), "error", err)
		} else {
			p.count(func(s *PollStats) { s.Broadcasts++ })
		}
		if after := b.Status(); after != before {
			p.logger.Infow("analog board status changed", "board", b.ID(), "from", before, "to", after)
		}
		return
	}

	p.count(func(s *PollStats) { s.Unexpected++ })
	p.logger.Debugw("unexpected frame", "frame", msg.String())
}

func (p *Poller) endCycle(now time.Time) {
	p.count(func(s *PollStats) { s.Cycles++ })

	for _, i := range p.state.EndCycle() {
		p.logger.Warnw("axis state is stale", "axis", i)
	}
	for _, b := range p.analog {
		if b.CheckTimeout(now) {
			p.logger.Warnw("analog board not responding", "board", b.ID())
		}
	}
}

func (p *Poller) count(fn func(s *PollStats)) {
	p.statsLock.Lock()
	fn(&p.stats)
	p.statsLock.Unlock()
}

func (p *Poller) Stats() PollStats {
	p.statsLock.Lock()
	defer p.statsLock.Unlock()
	return p.stats
}

func (p *Poller) Period() time.Duration {
	return p.period
}
