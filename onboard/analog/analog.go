// Package analog decodes the periodic frames pushed by analog sensor boards
// (force/torque sensors, strain gauges) into per-board channel buffers.
package analog

import (
	"fmt"
	"sync"
	"time"

	"github.com/CodedInternet/canmotion/onboard/canbus"
	derrors "github.com/CodedInternet/canmotion/onboard/errors"
)

type Status int8

const (
	StatusIdle          Status = 0
	StatusOK            Status = 1
	StatusNotResponding Status = -1
	StatusSaturation    Status = -2
	StatusError         Status = -3
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusOK:
		return "ok"
	case StatusNotResponding:
		return "not_responding"
	case StatusSaturation:
		return "saturation"
	case StatusError:
		return "error"
	}
	return fmt.Sprintf("status(%d)", int8(s))
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for _, status := range []Status{StatusIdle, StatusOK, StatusNotResponding, StatusSaturation, StatusError} {
		if status.String() == string(text) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown analog status %q", text)
}

type Counters struct {
	Saturation uint64 `json:"saturation"`
	Error      uint64 `json:"error"`
	Timeout    uint64 `json:"timeout"`
}

type Config struct {
	Board          uint8
	Format         Format
	Channels       int
	Timeout        time.Duration
	UseCalibration bool
	ScaleFactors   []float64 // per channel, defaults to 1
}

// Board holds the decoded state of one analog board. Decode and
// CheckTimeout are called by the poller only; everything else may be
// called from any goroutine.
type Board struct {
	id      uint8
	layout  layout
	timeout time.Duration

	lock       sync.RWMutex
	raw        []float64
	chanStatus []Status
	status     Status
	created    time.Time
	lastUpdate time.Time
	counters   Counters

	useCalibration bool
	scale          []float64
	offset         []float64
}

func NewBoard(cfg Config) (*Board, error) {
	l, ok := layouts[cfg.Format]
	if !ok {
		return nil, fmt.Errorf("analog board 0x%x: unknown format %d", cfg.Board, cfg.Format)
	}
	if cfg.Channels <= 0 || cfg.Channels > l.maxChannels() {
		return nil, fmt.Errorf("analog board 0x%x: %d channels not supported by %s format (max %d)",
			cfg.Board, cfg.Channels, cfg.Format, l.maxChannels())
	}
	if cfg.ScaleFactors != nil && len(cfg.ScaleFactors) != cfg.Channels {
		return nil, fmt.Errorf("analog board 0x%x: %d scale factors for %d channels",
			cfg.Board, len(cfg.ScaleFactors), cfg.Channels)
	}

	b := &Board{
		id:             cfg.Board,
		layout:         l,
		timeout:        cfg.Timeout,
		raw:            make([]float64, cfg.Channels),
		chanStatus:     make([]Status, cfg.Channels),
		created:        time.Now(),
		useCalibration: cfg.UseCalibration,
		scale:          make([]float64, cfg.Channels),
		offset:         make([]float64, cfg.Channels),
	}
	for i := range b.scale {
		b.scale[i] = 1
		if cfg.ScaleFactors != nil {
			b.scale[i] = cfg.ScaleFactors[i]
		}
	}
	return b, nil
}

func (b *Board) ID() uint8     { return b.id }
func (b *Board) Channels() int { return len(b.raw) }

// Decode applies one periodic frame. A frame of the wrong length marks the
// board ERROR and leaves the channel values alone.
func (b *Board) Decode(msg canbus.CANMsg, now time.Time) error {
	group := msg.Low()
	first, ok := b.layout.groups[group]
	if !ok || first >= len(b.raw) {
		return fmt.Errorf("%w: analog board 0x%x: unexpected frame group 0x%x", derrors.ErrDecode, b.id, group)
	}

	n := b.layout.perFrame
	if first+n > len(b.raw) {
		n = len(b.raw) - first
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	if len(msg.Data) != n*b.layout.width {
		b.status = StatusError
		b.counters.Error++
		return fmt.Errorf("%w: analog board 0x%x group 0x%x: %d bytes, want %d",
			derrors.ErrDecode, b.id, group, len(msg.Data), n*b.layout.width)
	}

	status := StatusOK
	for k := 0; k < n; k++ {
		value, st := b.layout.decode(msg.Data[k*b.layout.width:])
		ch := first + k
		b.chanStatus[ch] = st
		if st == StatusError {
			status = StatusError
			b.counters.Error++
			continue
		}
		b.raw[ch] = value
		if st == StatusSaturation {
			b.counters.Saturation++
			if status == StatusOK {
				status = StatusSaturation
			}
		}
	}

	b.status = status
	b.lastUpdate = now
	return nil
}

// CheckTimeout marks the board NOT_RESPONDING once no frame has arrived for
// longer than its timeout. changed is true only on the transition.
func (b *Board) CheckTimeout(now time.Time) (changed bool) {
	if b.timeout <= 0 {
		return false
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	if b.status == StatusNotResponding {
		return false
	}
	last := b.lastUpdate
	if last.IsZero() {
		last = b.created
	}
	if now.Sub(last) <= b.timeout {
		return false
	}

	b.status = StatusNotResponding
	for i := range b.chanStatus {
		b.chanStatus[i] = StatusNotResponding
	}
	b.counters.Timeout++
	return true
}

func (b *Board) value(ch int) float64 {
	if !b.useCalibration {
		return b.raw[ch]
	}
	return b.raw[ch]*b.scale[ch] + b.offset[ch]
}

// Read returns the calibrated channel values and the board status.
func (b *Board) Read() (values []float64, status Status) {
	b.lock.RLock()
	defer b.lock.RUnlock()

	values = make([]float64, len(b.raw))
	for i := range values {
		values[i] = b.value(i)
	}
	return values, b.status
}

// ReadRaw returns the last decoded values without calibration.
func (b *Board) ReadRaw() []float64 {
	b.lock.RLock()
	defer b.lock.RUnlock()

	out := make([]float64, len(b.raw))
	copy(out, b.raw)
	return out
}

func (b *Board) Channel(ch int) (value float64, status Status, err error) {
	b.lock.RLock()
	defer b.lock.RUnlock()

	if ch < 0 || ch >= len(b.raw) {
		return 0, StatusError, fmt.Errorf("analog board 0x%x: no channel %d", b.id, ch)
	}
	return b.value(ch), b.chanStatus[ch], nil
}

func (b *Board) State(ch int) (Status, error) {
	_, st, err := b.Channel(ch)
	return st, err
}

func (b *Board) Status() Status {
	b.lock.RLock()
	defer b.lock.RUnlock()
	return b.status
}

func (b *Board) LastUpdate() time.Time {
	b.lock.RLock()
	defer b.lock.RUnlock()
	return b.lastUpdate
}

// CalibrateChannel adjusts the channel offset so that its current reading
// becomes value.
func (b *Board) CalibrateChannel(ch int, value float64) error {
	b.lock.Lock()
	defer b.lock.Unlock()

	if ch < 0 || ch >= len(b.raw) {
		return fmt.Errorf("analog board 0x%x: no channel %d", b.id, ch)
	}
	b.useCalibration = true
	b.offset[ch] = value - b.raw[ch]*b.scale[ch]
	return nil
}

// CalibrateSensor zeroes every channel at its current reading.
func (b *Board) CalibrateSensor() {
	for ch := 0; ch < b.Channels(); ch++ {
		b.CalibrateChannel(ch, 0)
	}
}

func (b *Board) Offsets() []float64 {
	b.lock.RLock()
	defer b.lock.RUnlock()

	out := make([]float64, len(b.offset))
	copy(out, b.offset)
	return out
}

// SetOffsets restores previously stored calibration offsets.
func (b *Board) SetOffsets(offsets []float64) error {
	b.lock.Lock()
	defer b.lock.Unlock()

	if len(offsets) != len(b.offset) {
		return fmt.Errorf("analog board 0x%x: %d offsets for %d channels", b.id, len(offsets), len(b.offset))
	}
	copy(b.offset, offsets)
	b.useCalibration = true
	return nil
}

func (b *Board) Counters() Counters {
	b.lock.RLock()
	defer b.lock.RUnlock()
	return b.counters
}

func (b *Board) ResetCounters() {
	b.lock.Lock()
	b.counters = Counters{}
	b.lock.Unlock()
}
