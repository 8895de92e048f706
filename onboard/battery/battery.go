// Package battery reads the backpack battery monitor, which streams fixed
// size frames over a serial line once told to start.
package battery

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/goburrow/serial"
	"github.com/pkg/errors"
)

const (
	CMD_START = 0x01
	CMD_STOP  = 0x00

	READ_TIMEOUT = 500 * time.Millisecond
)

// Reading is one decoded monitor frame. Voltage in V, current in A, charge
// in percent.
type Reading struct {
	Voltage float64   `json:"voltage"`
	Current float64   `json:"current"`
	Charge  float64   `json:"charge"`
	Status  uint8     `json:"status"`
	Time    time.Time `json:"time"`
}

type Stats struct {
	Frames     uint64 `json:"frames"`
	SyncErrors uint64 `json:"sync_errors"`
}

type Reader struct {
	port   io.ReadWriteCloser
	logger golog.Logger

	lock   sync.RWMutex
	last   Reading
	valid  bool
	stats  Stats
	parser frameParser
}

// Open connects to the monitor on a serial port.
func Open(address string, baudRate int, logger golog.Logger) (*Reader, error) {
	port, err := serial.Open(&serial.Config{
		Address:  address,
		BaudRate: baudRate,
		Timeout:  READ_TIMEOUT,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open battery monitor on %s", address)
	}
	return NewReader(port, logger), nil
}

func NewReader(port io.ReadWriteCloser, logger golog.Logger) *Reader {
	return &Reader{port: port, logger: logger}
}

// Run starts the stream and decodes frames until ctx is done or the port
// fails. The stream is stopped again on the way out.
func (r *Reader) Run(ctx context.Context) error {
	if _, err := r.port.Write([]byte{CMD_START}); err != nil {
		return errors.Wrap(err, "start battery stream")
	}
	defer func() {
		if _, err := r.port.Write([]byte{CMD_STOP}); err != nil {
			r.logger.Warnw("unable to stop battery stream", "error", err)
		}
	}()

	buf := make([]byte, 64)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := r.port.Read(buf)
		if n > 0 {
			r.Feed(buf[:n], time.Now())
		}
		if err != nil {
			if errors.Is(err, serial.ErrTimeout) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return errors.Wrap(err, "read battery monitor")
		}
	}
}

// Feed decodes raw bytes from the monitor.
func (r *Reader) Feed(data []byte, now time.Time) {
	r.lock.Lock()
	defer r.lock.Unlock()

	for _, b := range data {
		frame, ok, syncErr := r.parser.feed(b)
		if syncErr {
			r.stats.SyncErrors++
		}
		if !ok {
			continue
		}
		r.stats.Frames++
		r.last = frame.reading(now)
		r.valid = true
	}
}

// Last returns the most recent reading; ok is false until one arrived.
func (r *Reader) Last() (reading Reading, ok bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.last, r.valid
}

func (r *Reader) Stats() Stats {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.stats
}

func (r *Reader) Close() error {
	return r.port.Close()
}
