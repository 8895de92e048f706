package axis

import (
	"fmt"
	"sort"

	derrors "github.com/CodedInternet/canmotion/onboard/errors"
)

type key struct {
	board, channel uint8
}

// Table is the driver's axis collection, indexed by logical axis. It is
// built once and never modified.
type Table struct {
	axes    []Axis
	byBoard map[key]int
	boards  []uint8
}

// NewTable takes axes in physical order; remap[i] is the logical index of
// physical axis i. A nil remap keeps the physical order.
func NewTable(physical []Axis, remap []int) (*Table, error) {
	if remap == nil {
		remap = make([]int, len(physical))
		for i := range remap {
			remap[i] = i
		}
	}
	if len(remap) != len(physical) {
		return nil, fmt.Errorf("remap has %d entries for %d axes", len(remap), len(physical))
	}

	t := &Table{
		axes:    make([]Axis, len(physical)),
		byBoard: make(map[key]int, len(physical)),
	}
	used := make([]bool, len(physical))
	seenBoard := map[uint8]bool{}

	for i, a := range physical {
		l := remap[i]
		if l < 0 || l >= len(physical) || used[l] {
			return nil, fmt.Errorf("remap is not a permutation: entry %d = %d", i, l)
		}
		used[l] = true

		k := key{a.Board, a.Channel}
		if a.Enabled {
			if _, dup := t.byBoard[k]; dup {
				return nil, fmt.Errorf("board 0x%x channel %d assigned twice", a.Board, a.Channel)
			}
			t.byBoard[k] = l
			if !seenBoard[a.Board] {
				seenBoard[a.Board] = true
				t.boards = append(t.boards, a.Board)
			}
		}

		a.Index = l
		t.axes[l] = a
	}
	sort.Slice(t.boards, func(i, j int) bool { return t.boards[i] < t.boards[j] })

	return t, nil
}

func (t *Table) Len() int {
	return len(t.axes)
}

// Get returns the axis at logical index i.
func (t *Table) Get(i int) (Axis, error) {
	if i < 0 || i >= len(t.axes) {
		return Axis{}, &derrors.AxisError{Axis: i, Op: "lookup", Err: derrors.ErrInvalidAxis}
	}
	return t.axes[i], nil
}

// Lookup finds the enabled axis served by a board channel.
func (t *Table) Lookup(board, channel uint8) (Axis, bool) {
	i, ok := t.byBoard[key{board, channel}]
	if !ok {
		return Axis{}, false
	}
	return t.axes[i], true
}

// Boards lists the addresses of boards with at least one enabled axis.
func (t *Table) Boards() []uint8 {
	out := make([]uint8, len(t.boards))
	copy(out, t.boards)
	return out
}

// BoardMask is the union of broadcast masks of the board's enabled axes.
func (t *Table) BoardMask(board uint8) (mask uint16) {
	for _, a := range t.axes {
		if a.Enabled && a.Board == board {
			mask |= a.BroadcastMask
		}
	}
	return
}

// Axes returns a copy of every axis in logical order.
func (t *Table) Axes() []Axis {
	out := make([]Axis, len(t.axes))
	copy(out, t.axes)
	return out
}
