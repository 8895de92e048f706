package hardware

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/CodedInternet/canmotion/onboard/canbus"
	derrors "github.com/CodedInternet/canmotion/onboard/errors"
	"github.com/edaniels/golog"
	. "github.com/smartystreets/goconvey/convey"
)

const testHost = 0x0

func createTestDispatcher(t *testing.T, timeout time.Duration) (*canbus.LoopbackBus, *Dispatcher) {
	bus := canbus.NewLoopbackBus(64)
	d := NewDispatcher(bus, testHost, timeout, nil, golog.NewTestLogger(t))
	return bus, d
}

func TestDispatcherSend(t *testing.T) {
	ctx := context.Background()

	Convey("Given a dispatcher on a loopback bus", t, func() {
		bus, d := createTestDispatcher(t, 30*time.Millisecond)

		Convey("a reply resolves the waiting request", func() {
			bus.OnTransmit(func(msg canbus.CANMsg) {
				d.Deliver(ReplyMsg(msg, I32(1234)))
			})

			resp, err := d.Send(ctx, Command{Board: 3, Channel: 1, Kind: CMD_GET_ENCODER_POSITION})
			So(err, ShouldBeNil)
			So(resp.Int32(0), ShouldEqual, 1234)
			So(resp.Channel, ShouldEqual, 1)
			So(d.Pending(), ShouldEqual, 0)

			tx := bus.Transmitted()[0]
			So(tx.ID, ShouldEqual, canbus.NewID(canbus.ClassPollingMotor, testHost, 3))
			So(tx.Data[0], ShouldEqual, CMD_GET_ENCODER_POSITION|0x80)
		})

		Convey("no reply times out within the rx timeout", func() {
			start := time.Now()
			_, err := d.Send(ctx, Command{Board: 3, Kind: CMD_GET_ENCODER_POSITION})
			So(err, ShouldEqual, derrors.ErrTimeout)
			So(time.Since(start), ShouldBeBetween, 25*time.Millisecond, 200*time.Millisecond)
			So(d.Pending(), ShouldEqual, 0)
			So(d.Stats().Timeouts, ShouldEqual, 1)

			Convey("and a late reply is orphaned", func() {
				late := ReplyMsg(bus.Transmitted()[0], I32(1))
				So(d.Deliver(late), ShouldBeFalse)
				So(d.Stats().Orphans, ShouldEqual, 1)
			})
		})

		Convey("a reply landing as the timer fires is still returned", func() {
			d.afterWait = func() {
				So(d.Deliver(ReplyMsg(bus.Transmitted()[0], I32(42))), ShouldBeTrue)
			}
			resp, err := d.Send(ctx, Command{Board: 3, Kind: CMD_GET_ENCODER_POSITION})
			So(err, ShouldBeNil)
			So(resp.Int32(0), ShouldEqual, 42)
			So(d.Pending(), ShouldEqual, 0)
			So(d.Stats().Replies, ShouldEqual, 1)
			So(d.Stats().Timeouts, ShouldEqual, 0)
		})

		Convey("a reply for another key wakes nobody", func() {
			bus.OnTransmit(func(msg canbus.CANMsg) {
				other := ReplyMsg(msg, nil)
				other.Data[0] = CMD_GET_CURRENT
				So(d.Deliver(other), ShouldBeFalse)
			})
			_, err := d.Send(ctx, Command{Board: 3, Kind: CMD_GET_ENCODER_POSITION})
			So(err, ShouldEqual, derrors.ErrTimeout)
		})

		Convey("replies must echo the requested parameter", func() {
			bus.OnTransmit(func(msg canbus.CANMsg) {
				wrong := ReplyMsg(msg, []byte{PID_KD, 0, 0})
				So(d.Deliver(wrong), ShouldBeFalse)
				So(d.Deliver(ReplyMsg(msg, []byte{PID_KP, 7, 0})), ShouldBeTrue)
			})
			resp, err := d.Send(ctx, Command{Board: 1, Kind: CMD_GET_PID_PARAM, Payload: []byte{PID_KP}, Echo: 1})
			So(err, ShouldBeNil)
			So(resp.Int16(1), ShouldEqual, 7)
		})

		Convey("pure writes return after transmission", func() {
			_, err := d.Send(ctx, Command{Board: 1, Kind: CMD_VELOCITY_MOVE, Payload: I16(1, 2), NoReply: true})
			So(err, ShouldBeNil)
			So(d.Pending(), ShouldEqual, 0)
			So(bus.TxCount(), ShouldEqual, 1)
		})

		Convey("transport failures are bus errors", func() {
			bus.FailTransmit(errors.New("simulated tx error"))
			_, err := d.Send(ctx, Command{Board: 1, Kind: CMD_GET_CURRENT})
			So(errors.Is(err, derrors.ErrBusError), ShouldBeTrue)
			So(d.Pending(), ShouldEqual, 0)
		})

		Convey("a cancelled context releases the caller", func() {
			cctx, cancel := context.WithCancel(ctx)
			go func() {
				time.Sleep(5 * time.Millisecond)
				cancel()
			}()
			_, err := d.Send(cctx, Command{Board: 1, Kind: CMD_GET_CURRENT})
			So(err, ShouldEqual, context.Canceled)
			So(d.Pending(), ShouldEqual, 0)
		})
	})
}

func TestDispatcherConcurrency(t *testing.T) {
	ctx := context.Background()

	Convey("requests on the same key are serialised in arrival order", t, func() {
		bus, d := createTestDispatcher(t, 500*time.Millisecond)
		sent := make(chan canbus.CANMsg, 4)
		bus.OnTransmit(func(msg canbus.CANMsg) { sent <- msg })

		results := make(chan int32, 2)
		for i := 0; i < 2; i++ {
			go func() {
				resp, _ := d.Send(ctx, Command{Board: 2, Kind: CMD_GET_ENCODER_POSITION})
				results <- resp.Int32(0)
			}()
			time.Sleep(5 * time.Millisecond)
		}

		first := <-sent
		So(d.Pending(), ShouldEqual, 2)
		select {
		case <-sent:
			t.Fatal("second request transmitted while the first was outstanding")
		case <-time.After(20 * time.Millisecond):
		}

		So(d.Deliver(ReplyMsg(first, I32(1))), ShouldBeTrue)
		So(<-results, ShouldEqual, 1)

		second := <-sent
		So(d.Deliver(ReplyMsg(second, I32(2))), ShouldBeTrue)
		So(<-results, ShouldEqual, 2)
	})

	Convey("a late reply after a timeout does not answer the next request", t, func() {
		bus, d := createTestDispatcher(t, 20*time.Millisecond)
		d.SetSettleWindow(80 * time.Millisecond)
		sent := make(chan canbus.CANMsg, 4)
		bus.OnTransmit(func(msg canbus.CANMsg) { sent <- msg })
		cmd := Command{Board: 2, Kind: CMD_GET_ENCODER_POSITION}

		errs := make(chan error, 1)
		go func() {
			_, err := d.Send(ctx, cmd)
			errs <- err
		}()
		first := <-sent

		results := make(chan Reply, 1)
		go func() {
			resp, _ := d.Send(ctx, cmd)
			results <- resp
		}()

		So(<-errs, ShouldEqual, derrors.ErrTimeout)
		So(d.Deliver(ReplyMsg(first, I32(1))), ShouldBeFalse)
		So(d.Stats().Orphans, ShouldEqual, 1)
		select {
		case <-sent:
			t.Fatal("next request transmitted inside the settle window")
		default:
		}

		second := <-sent
		So(d.Deliver(ReplyMsg(second, I32(2))), ShouldBeTrue)
		So((<-results).Int32(0), ShouldEqual, 2)
	})

	Convey("requests on different keys do not wait for each other", t, func() {
		bus, d := createTestDispatcher(t, 300*time.Millisecond)
		bus.OnTransmit(func(msg canbus.CANMsg) {
			// board 7 answers, board 3 is slow and never does
			if msg.Low() == 7 {
				go d.Deliver(ReplyMsg(msg, I32(77)))
			}
		})

		var wg sync.WaitGroup
		var slowErr error
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, slowErr = d.Send(ctx, Command{Board: 3, Kind: CMD_GET_ENCODER_POSITION})
		}()
		time.Sleep(5 * time.Millisecond)

		start := time.Now()
		resp, err := d.Send(ctx, Command{Board: 7, Kind: CMD_GET_ENCODER_POSITION})
		So(err, ShouldBeNil)
		So(resp.Int32(0), ShouldEqual, 77)
		So(time.Since(start), ShouldBeLessThan, 100*time.Millisecond)

		wg.Wait()
		So(slowErr, ShouldEqual, derrors.ErrTimeout)
	})

	Convey("each reply wakes at most one waiter", t, func() {
		bus, d := createTestDispatcher(t, 100*time.Millisecond)
		var lock sync.Mutex
		var delivered int
		bus.OnTransmit(func(msg canbus.CANMsg) {
			reply := ReplyMsg(msg, I32(5))
			go func() {
				for i := 0; i < 3; i++ {
					if d.Deliver(reply) {
						lock.Lock()
						delivered++
						lock.Unlock()
					}
				}
			}()
		})

		var wg sync.WaitGroup
		for board := uint8(1); board <= 4; board++ {
			wg.Add(1)
			go func(board uint8) {
				defer wg.Done()
				d.Send(ctx, Command{Board: board, Kind: CMD_GET_CURRENT})
			}(board)
		}
		wg.Wait()
		time.Sleep(10 * time.Millisecond)

		lock.Lock()
		defer lock.Unlock()
		So(delivered, ShouldEqual, 4)
	})

	Convey("closing wakes every waiter", t, func() {
		_, d := createTestDispatcher(t, time.Second)

		errs := make(chan error, 3)
		for i := 0; i < 3; i++ {
			go func() {
				_, err := d.Send(ctx, Command{Board: 1, Kind: CMD_GET_CURRENT})
				errs <- err
			}()
		}
		time.Sleep(10 * time.Millisecond)
		d.Close()

		for i := 0; i < 3; i++ {
			select {
			case err := <-errs:
				So(err, ShouldEqual, derrors.ErrBusClosed)
			case <-time.After(100 * time.Millisecond):
				t.Fatal("waiter not released by close")
			}
		}

		_, err := d.Send(ctx, Command{Board: 1, Kind: CMD_GET_CURRENT})
		So(err, ShouldEqual, derrors.ErrBusClosed)
	})
}
