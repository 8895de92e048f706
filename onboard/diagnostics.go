package onboard

import (
	"time"

	"github.com/CodedInternet/canmotion/onboard/analog"
	"github.com/CodedInternet/canmotion/onboard/axis"
	"github.com/CodedInternet/canmotion/onboard/hardware"
)

type AxisReport struct {
	Axis          int                   `json:"axis"`
	Name          string                `json:"name,omitempty"`
	Board         uint8                 `json:"board"`
	Channel       uint8                 `json:"channel"`
	Enabled       bool                  `json:"enabled"`
	Mode          hardware.ControlMode  `json:"mode"`
	Position      *float64              `json:"position,omitempty"` // last broadcast, if fresh
	Reference     float64               `json:"reference"`
	Stale         bool                  `json:"stale"`
	MissedCycles  int                   `json:"missed_cycles"`
	LastBroadcast time.Time             `json:"last_broadcast"`
	Counters      hardware.AxisCounters `json:"counters"`
}

type AnalogReport struct {
	Board      uint8           `json:"board"`
	Status     analog.Status   `json:"status"`
	LastUpdate time.Time       `json:"last_update"`
	Counters   analog.Counters `json:"counters"`
}

// Report is a point in time health summary of the whole driver.
type Report struct {
	Uptime   time.Duration          `json:"uptime"`
	Axes     []AxisReport           `json:"axes"`
	Analog   []AnalogReport         `json:"analog"`
	Boards   map[uint8]time.Time    `json:"boards"`
	Pending  int                    `json:"pending"`
	Dispatch hardware.DispatchStats `json:"dispatch"`
	Poll     hardware.PollStats     `json:"poll"`
}

func (d *Driver) AxisDiagnostics(i int) (AxisReport, error) {
	a, err := d.table.Get(i)
	if err != nil {
		return AxisReport{}, err
	}
	st := d.state.Snapshot(i)
	var pos *float64
	if st.Has(axis.BcastPosition) && !st.Stale {
		angle := a.TicksToAngle(float64(st.Ticks))
		pos = &angle
	}
	return AxisReport{
		Axis:          i,
		Name:          d.axisConfig[i].Name,
		Board:         a.Board,
		Channel:       a.Channel,
		Enabled:       a.Enabled,
		Mode:          st.Mode,
		Position:      pos,
		Reference:     st.Refs.Position,
		Stale:         st.Stale,
		MissedCycles:  st.MissedCycles,
		LastBroadcast: st.LastBroadcast,
		Counters:      st.Counters,
	}, nil
}

// Diagnostics collects the counters of every axis and board.
func (d *Driver) Diagnostics() Report {
	r := Report{
		Uptime:   time.Since(d.opened),
		Axes:     make([]AxisReport, 0, d.Axes()),
		Analog:   make([]AnalogReport, 0, len(d.boards)),
		Boards:   make(map[uint8]time.Time),
		Pending:  d.dispatcher.Pending(),
		Dispatch: d.dispatcher.Stats(),
		Poll:     d.poller.Stats(),
	}
	for i := 0; i < d.Axes(); i++ {
		ar, _ := d.AxisDiagnostics(i)
		r.Axes = append(r.Axes, ar)
	}
	for _, board := range d.table.Boards() {
		r.Boards[board] = d.state.BoardLastUpdate(board)
	}
	for _, b := range d.boards {
		r.Analog = append(r.Analog, AnalogReport{
			Board:      b.ID(),
			Status:     b.Status(),
			LastUpdate: b.LastUpdate(),
			Counters:   b.Counters(),
		})
	}
	return r
}

// BoardLastUpdate is when board last broadcast anything.
func (d *Driver) BoardLastUpdate(board uint8) time.Time {
	if b, ok := d.analog[board]; ok {
		return b.LastUpdate()
	}
	return d.state.BoardLastUpdate(board)
}

func (d *Driver) ResetCounters() {
	for i := 0; i < d.Axes(); i++ {
		d.state.ResetCounters(i)
	}
	for _, b := range d.boards {
		b.ResetCounters()
	}
}
