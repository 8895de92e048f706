package hardware

import (
	"fmt"
	"sync"
	"time"

	"github.com/CodedInternet/canmotion/onboard/axis"
	"github.com/CodedInternet/canmotion/onboard/codec"
	derrors "github.com/CodedInternet/canmotion/onboard/errors"
)

const DEFAULT_STALE_CYCLES = 10

// payload length of each periodic motor frame, both channels
var bcastLen = map[uint8]int{
	axis.BcastPosition:    8,
	axis.BcastPidOutput:   4,
	axis.BcastStatus:      2,
	axis.BcastCurrent:     4,
	axis.BcastVelocity:    8,
	axis.BcastPidError:    4,
	axis.BcastTorqueError: 4,
}

type AxisCounters struct {
	Saturation  uint64 `json:"saturation"`
	DecodeError uint64 `json:"decode_error"`
	Timeout     uint64 `json:"timeout"`
}

// References remembers what was last commanded, in engineering units.
type References struct {
	Position     float64 `json:"position"`
	Speed        float64 `json:"speed"`
	Acceleration float64 `json:"acceleration"`
	Velocity     float64 `json:"velocity"`
	Torque       float64 `json:"torque"`
}

// AxisState is the runtime view of one axis. Raw values are wire units.
type AxisState struct {
	Ticks       int32
	Velocity    int16
	Accel       int16
	PidOutput   int16
	PidError    int16
	TorqueError int16
	Current     int16
	AmpStatus   uint8

	Seen          uint16 // broadcast types received at least once
	LastBroadcast time.Time
	MissedCycles  int
	Stale         bool
	gotBroadcast  bool

	Mode     ControlMode
	Refs     References
	Counters AxisCounters
}

func (s AxisState) Has(bcastType uint8) bool {
	return s.Seen&(1<<bcastType) != 0
}

// State holds every axis' runtime state under the lock shared with the
// dispatcher. Critical sections never do I/O.
type State struct {
	lock        *sync.Mutex
	table       *axis.Table
	axes        []AxisState
	boardLast   map[uint8]time.Time
	staleCycles int
}

func NewState(table *axis.Table, lock *sync.Mutex, staleCycles int) *State {
	if staleCycles <= 0 {
		staleCycles = DEFAULT_STALE_CYCLES
	}
	if lock == nil {
		lock = new(sync.Mutex)
	}
	return &State{
		lock:        lock,
		table:       table,
		axes:        make([]AxisState, table.Len()),
		boardLast:   make(map[uint8]time.Time),
		staleCycles: staleCycles,
	}
}

// Expects reports whether some enabled axis of board has bcastType in its
// broadcast mask.
func (s *State) Expects(board, bcastType uint8) bool {
	for ch := uint8(0); ch < 2; ch++ {
		if a, ok := s.table.Lookup(board, ch); ok && a.Broadcasts(bcastType) {
			return true
		}
	}
	return false
}

// ApplyBroadcast decodes a periodic motor frame into the axes of board
// that expect it.
func (s *State) ApplyBroadcast(board, bcastType uint8, data []byte, now time.Time) error {
	var targets []axis.Axis
	for ch := uint8(0); ch < 2; ch++ {
		if a, ok := s.table.Lookup(board, ch); ok && a.Broadcasts(bcastType) {
			targets = append(targets, a)
		}
	}
	if len(targets) == 0 {
		return fmt.Errorf("board 0x%x does not broadcast type %d", board, bcastType)
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	want, known := bcastLen[bcastType]
	if !known || len(data) != want {
		for _, a := range targets {
			s.axes[a.Index].Counters.DecodeError++
		}
		return fmt.Errorf("%w: board 0x%x type %d: %d bytes, want %d", derrors.ErrDecode, board, bcastType, len(data), want)
	}

	for _, a := range targets {
		st := &s.axes[a.Index]
		ch := int(a.Channel)
		switch bcastType {
		case axis.BcastPosition:
			st.Ticks = codec.Int32(data[4*ch:])
		case axis.BcastVelocity:
			st.Velocity = codec.Int16(data[4*ch:])
			st.Accel = codec.Int16(data[4*ch+2:])
		case axis.BcastPidOutput:
			st.PidOutput = codec.Int16(data[2*ch:])
		case axis.BcastPidError:
			st.PidError = codec.Int16(data[2*ch:])
		case axis.BcastTorqueError:
			st.TorqueError = codec.Int16(data[2*ch:])
		case axis.BcastCurrent:
			st.Current = codec.Int16(data[2*ch:])
		case axis.BcastStatus:
			st.AmpStatus = data[ch]
		}
		st.Seen |= 1 << bcastType
		st.LastBroadcast = now
		st.gotBroadcast = true
		st.MissedCycles = 0
		st.Stale = false
	}
	s.boardLast[board] = now
	return nil
}

// EndCycle closes a polling cycle and returns the axes that just went stale.
// Axes with an empty broadcast mask are never stale by silence.
func (s *State) EndCycle() (stale []int) {
	s.lock.Lock()
	defer s.lock.Unlock()

	for _, a := range s.table.Axes() {
		if !a.Enabled || a.BroadcastMask == 0 {
			continue
		}
		st := &s.axes[a.Index]
		if st.gotBroadcast {
			st.gotBroadcast = false
			continue
		}
		st.MissedCycles++
		if st.MissedCycles >= s.staleCycles && !st.Stale {
			st.Stale = true
			stale = append(stale, a.Index)
		}
	}
	return
}

func (s *State) Snapshot(i int) AxisState {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.axes[i]
}

func (s *State) Mode(i int) ControlMode {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.axes[i].Mode
}

// Update runs fn on axis i under the lock. fn must not block.
func (s *State) Update(i int, fn func(st *AxisState)) {
	s.lock.Lock()
	defer s.lock.Unlock()
	fn(&s.axes[i])
}

// MarkTimeout records an unanswered request; the cached values are kept
// but flagged stale.
func (s *State) MarkTimeout(i int) {
	s.Update(i, func(st *AxisState) {
		st.Counters.Timeout++
		st.Stale = true
	})
}

func (s *State) AddSaturation(i int) {
	s.Update(i, func(st *AxisState) { st.Counters.Saturation++ })
}

func (s *State) ResetCounters(i int) {
	s.Update(i, func(st *AxisState) { st.Counters = AxisCounters{} })
}

// BoardLastUpdate is the time of the last broadcast from board.
func (s *State) BoardLastUpdate(board uint8) time.Time {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.boardLast[board]
}
