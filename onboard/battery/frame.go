package battery

import "time"

// A frame is "\r\n\x00" followed by big endian voltage (mV), current (mA),
// charge and a status byte.
const payloadLen = 7

type parseState int

const (
	searchCR parseState = iota
	searchLF
	searchNul
	readPayload
)

type frame [payloadLen]byte

func (f frame) reading(now time.Time) Reading {
	return Reading{
		Voltage: float64(uint16(f[0])<<8|uint16(f[1])) / 1000,
		Current: float64(uint16(f[2])<<8|uint16(f[3])) / 1000,
		Charge:  float64(uint16(f[4])<<8 | uint16(f[5])),
		Status:  f[6],
		Time:    now,
	}
}

// frameParser finds frame boundaries in the byte stream. Any unexpected
// header byte drops back to searching for the start.
type frameParser struct {
	state parseState
	buf   frame
	n     int
}

// feed consumes one byte. ok is set when it completed a frame; syncErr when
// it broke a partial header.
func (p *frameParser) feed(b byte) (f frame, ok, syncErr bool) {
	switch p.state {
	case searchCR:
		if b == '\r' {
			p.state = searchLF
		}
	case searchLF:
		switch b {
		case '\n':
			p.state = searchNul
		case '\r':
			syncErr = true
		default:
			p.state, syncErr = searchCR, true
		}
	case searchNul:
		switch b {
		case 0:
			p.state, p.n = readPayload, 0
		case '\r':
			p.state, syncErr = searchLF, true
		default:
			p.state, syncErr = searchCR, true
		}
	case readPayload:
		p.buf[p.n] = b
		p.n++
		if p.n == payloadLen {
			p.state = searchCR
			return p.buf, true, false
		}
	}
	return
}
