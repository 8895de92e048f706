package battery

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/edaniels/golog"
	. "github.com/smartystreets/goconvey/convey"
)

func encodeFrame(mV, mA, charge uint16, status byte) []byte {
	return []byte{'\r', '\n', 0,
		byte(mV >> 8), byte(mV), byte(mA >> 8), byte(mA), byte(charge >> 8), byte(charge), status}
}

type mockPort struct {
	lock    sync.Mutex
	rx      *bytes.Reader
	written []byte
	closed  bool
}

var _ io.ReadWriteCloser = (*mockPort)(nil)

func (p *mockPort) Read(b []byte) (int, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.rx.Read(b)
}

func (p *mockPort) Write(b []byte) (int, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.written = append(p.written, b...)
	return len(b), nil
}

func (p *mockPort) Close() error {
	p.closed = true
	return nil
}

func TestFrameParsing(t *testing.T) {
	Convey("a clean stream", t, func() {
		r := NewReader(nil, golog.NewTestLogger(t))
		now := time.Now()
		r.Feed(encodeFrame(48250, 3500, 72, 1), now)

		reading, ok := r.Last()
		So(ok, ShouldBeTrue)
		So(reading.Voltage, ShouldAlmostEqual, 48.25, 1e-9)
		So(reading.Current, ShouldAlmostEqual, 3.5, 1e-9)
		So(reading.Charge, ShouldEqual, 72.0)
		So(reading.Status, ShouldEqual, uint8(1))
		So(reading.Time, ShouldEqual, now)
		So(r.Stats(), ShouldResemble, Stats{Frames: 1})
	})

	Convey("nothing is reported before a full frame", t, func() {
		r := NewReader(nil, golog.NewTestLogger(t))
		r.Feed(encodeFrame(1000, 0, 0, 0)[:8], time.Now())
		_, ok := r.Last()
		So(ok, ShouldBeFalse)
	})

	Convey("the parser resynchronises on garbage", t, func() {
		r := NewReader(nil, golog.NewTestLogger(t))
		stream := []byte{0x55, '\r', 'x', '\r', '\n', 7}
		stream = append(stream, '\r', '\r')
		stream = append(stream, encodeFrame(12000, 100, 50, 0)[1:]...)
		r.Feed(stream, time.Now())

		reading, ok := r.Last()
		So(ok, ShouldBeTrue)
		So(reading.Voltage, ShouldEqual, 12.0)
		So(reading.Charge, ShouldEqual, 50.0)
		So(r.Stats().SyncErrors, ShouldEqual, uint64(3))
	})

	Convey("frames split across reads are joined", t, func() {
		r := NewReader(nil, golog.NewTestLogger(t))
		f := encodeFrame(24000, 2000, 90, 0)
		r.Feed(f[:4], time.Now())
		r.Feed(f[4:], time.Now())
		reading, ok := r.Last()
		So(ok, ShouldBeTrue)
		So(reading.Current, ShouldEqual, 2.0)
	})
}

func TestReaderRun(t *testing.T) {
	Convey("running the reader starts and stops the stream", t, func() {
		stream := append(encodeFrame(30000, 0, 10, 0), encodeFrame(31000, 0, 11, 0)...)
		port := &mockPort{rx: bytes.NewReader(stream)}
		r := NewReader(port, golog.NewTestLogger(t))

		So(r.Run(context.Background()), ShouldBeNil)
		So(port.written, ShouldResemble, []byte{CMD_START, CMD_STOP})

		reading, ok := r.Last()
		So(ok, ShouldBeTrue)
		So(reading.Voltage, ShouldEqual, 31.0)
		So(r.Stats().Frames, ShouldEqual, uint64(2))
		So(r.Close(), ShouldBeNil)
		So(port.closed, ShouldBeTrue)
	})
}
