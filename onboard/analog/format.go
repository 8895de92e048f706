package analog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/CodedInternet/canmotion/onboard/canbus"
)

type Format int

const (
	Format8  Format = 8
	Format16 Format = 16
	Format6  Format = 6
)

func (f Format) String() string {
	return fmt.Sprintf("%d-bit", int(f))
}

func ParseFormat(s string) (Format, error) {
	switch strings.TrimSuffix(strings.ToLower(s), "-bit") {
	case "8":
		return Format8, nil
	case "16":
		return Format16, nil
	case "6":
		return Format6, nil
	}
	return 0, fmt.Errorf("unknown analog format %q", s)
}

// layout describes how channels are packed into periodic frames.
type layout struct {
	groups   map[uint8]int // frame group -> first channel carried
	perFrame int
	width    int // bytes per channel
	decode   func(b []byte) (float64, Status)
	encode   func(b []byte, v int)
}

func (l layout) maxChannels() (n int) {
	for _, first := range l.groups {
		if first+l.perFrame > n {
			n = first + l.perFrame
		}
	}
	return
}

var layouts = map[Format]layout{
	// three little endian words per frame centred on 0x8000
	Format16: {
		groups:   map[uint8]int{0xA: 0, 0xB: 3},
		perFrame: 3,
		width:    2,
		decode: func(b []byte) (float64, Status) {
			raw := int(b[1])<<8 | int(b[0])
			if raw == 0 || raw == 0xFFFF {
				return float64(raw - 0x8000), StatusSaturation
			}
			return float64(raw - 0x8000), StatusOK
		},
		encode: func(b []byte, v int) {
			raw := clampInt(v+0x8000, 0, 0xFFFF)
			b[0], b[1] = byte(raw), byte(raw>>8)
		},
	},
	Format8: {
		groups:   map[uint8]int{0xC: 0, 0xD: 8},
		perFrame: 8,
		width:    1,
		decode: func(b []byte) (float64, Status) {
			if b[0] == 0 || b[0] == 0xFF {
				return float64(b[0]), StatusSaturation
			}
			return float64(b[0]), StatusOK
		},
		encode: func(b []byte, v int) { b[0] = byte(clampInt(v, 0, 0xFF)) },
	},
	// six significant bits; anything in the top two is a corrupt sample
	Format6: {
		groups:   map[uint8]int{0xE: 0},
		perFrame: 8,
		width:    1,
		decode: func(b []byte) (float64, Status) {
			if b[0]&0xC0 != 0 {
				return 0, StatusError
			}
			if b[0] == 0x3F {
				return float64(b[0]), StatusSaturation
			}
			return float64(b[0]), StatusOK
		},
		encode: func(b []byte, v int) { b[0] = byte(clampInt(v, 0, 0x3F)) },
	},
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Frames packs raw channel values the way an analog board broadcasts them.
// Values outside the format range are clipped, which reads back saturated.
func Frames(board uint8, format Format, raw []int) ([]canbus.CANMsg, error) {
	l, ok := layouts[format]
	if !ok {
		return nil, fmt.Errorf("unknown analog format %d", format)
	}
	if len(raw) > l.maxChannels() {
		return nil, fmt.Errorf("%d channels not supported by %s format", len(raw), format)
	}

	groups := make([]int, 0, len(l.groups))
	for g := range l.groups {
		groups = append(groups, int(g))
	}
	sort.Ints(groups)

	var frames []canbus.CANMsg
	for _, g := range groups {
		first := l.groups[uint8(g)]
		if first >= len(raw) {
			continue
		}
		n := l.perFrame
		if first+n > len(raw) {
			n = len(raw) - first
		}
		data := make([]byte, n*l.width)
		for k := 0; k < n; k++ {
			l.encode(data[k*l.width:], raw[first+k])
		}
		frames = append(frames, canbus.CANMsg{
			ID:   canbus.NewID(canbus.ClassPeriodicAnalog, board, uint8(g)),
			Data: data,
		})
	}
	return frames, nil
}
