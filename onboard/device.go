package onboard

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/CodedInternet/canmotion/onboard/analog"
	"github.com/CodedInternet/canmotion/onboard/axis"
	"github.com/CodedInternet/canmotion/onboard/canbus"
	"github.com/CodedInternet/canmotion/onboard/codec"
	derrors "github.com/CodedInternet/canmotion/onboard/errors"
	"github.com/CodedInternet/canmotion/onboard/hardware"
	"github.com/Masterminds/semver"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Driver is the motion controller for every axis on one bus. All methods
// are safe for concurrent use.
type Driver struct {
	config     *Config
	table      *axis.Table
	axisConfig []AxisConfig // by logical index
	state      *hardware.State
	dispatcher *hardware.Dispatcher
	poller     *hardware.Poller
	analog     map[uint8]*analog.Board
	boards     []*analog.Board
	bus        canbus.Transport
	logger     golog.Logger

	limitSignal LimitSignal
	dampingZone float64

	modeLocks []sync.Mutex // one per axis, held across a whole mode change

	cancel    context.CancelFunc
	pollErr   chan error
	closeOnce sync.Once
	closeErr  error
	opened    time.Time
}

// Open builds the driver, starts the poller and sends the start up
// configuration to every board. On any failure nothing is left running.
func Open(ctx context.Context, config *Config, bus canbus.Transport, logger golog.Logger) (*Driver, error) {
	if bus == nil {
		return nil, errors.New("no transport")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	table, boards, err := config.Build()
	if err != nil {
		return nil, err
	}

	g := config.General
	lock := new(sync.Mutex)
	state := hardware.NewState(table, lock, g.StaleCycles)
	dispatcher := hardware.NewDispatcher(bus, g.MyAddress, g.rxTimeout(), lock, logger)

	d := &Driver{
		config:      config,
		table:       table,
		axisConfig:  make([]AxisConfig, table.Len()),
		modeLocks:   make([]sync.Mutex, table.Len()),
		state:       state,
		dispatcher:  dispatcher,
		poller:      hardware.NewPoller(bus, dispatcher, state, boards, g.pollPeriod(), g.FrameBudget, logger),
		analog:      make(map[uint8]*analog.Board, len(boards)),
		boards:      boards,
		bus:         bus,
		logger:      logger,
		limitSignal: g.LimitSignal,
		dampingZone: g.DampingZone,
		pollErr:     make(chan error, 1),
		opened:      time.Now(),
	}
	for _, b := range boards {
		d.analog[b.ID()] = b
	}
	for i, ac := range config.Axes {
		l := i
		if ac.Remap != nil {
			l = *ac.Remap
		}
		d.axisConfig[l] = ac
	}

	pctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	go func() {
		d.pollErr <- d.poller.Run(pctx)
	}()

	if err := d.initialize(ctx); err != nil {
		d.Close()
		return nil, err
	}

	logger.Infow("driver ready", "axes", table.Len(), "boards", table.Boards(), "analog", len(boards))
	return d, nil
}

func (d *Driver) initialize(ctx context.Context) error {
	if d.config.General.FirmwareConstraint != "" {
		if err := d.checkFirmware(ctx); err != nil {
			return err
		}
	}

	for _, a := range d.table.Axes() {
		if !a.Enabled {
			d.logger.Debugw("axis skipped", "axis", a.Index)
			continue
		}
		ac := d.axisConfig[a.Index]

		current, _ := codec.EncodeS32Checked(a.CurrentLimit, 1)
		steps := []struct {
			op      string
			kind    uint8
			payload []byte
		}{
			{"velocity shift", hardware.CMD_SET_VEL_SHIFT, []byte{a.VelocityShift}},
			{"velocity timeout", hardware.CMD_SET_VEL_TIMEOUT, hardware.I16(int16(a.VelocityTimeout))},
			{"current limit", hardware.CMD_SET_CURRENT_LIMIT, hardware.I32(current)},
			{"broadcast policy", hardware.CMD_SET_BCAST_POLICY, hardware.I16(int16(a.BroadcastMask))},
		}
		for _, s := range steps {
			if err := d.write(ctx, a, s.op, s.kind, s.payload); err != nil {
				return errors.Wrapf(err, "initialise axis %d", a.Index)
			}
		}

		if ac.Pid != nil {
			if err := d.setPid(ctx, a, "SetPid", hardware.LOOP_POSITION, *ac.Pid); err != nil {
				return errors.Wrapf(err, "initialise axis %d", a.Index)
			}
		}
		if ac.TorquePid != nil {
			if err := d.setPid(ctx, a, "SetTorquePid", hardware.LOOP_TORQUE, *ac.TorquePid); err != nil {
				return errors.Wrapf(err, "initialise axis %d", a.Index)
			}
		}
	}
	return nil
}

// checkFirmware asks every board for its version and refuses to run with
// boards outside the configured constraint. "DEV" builds are accepted.
func (d *Driver) checkFirmware(ctx context.Context) error {
	constraint, err := semver.NewConstraint(d.config.General.FirmwareConstraint)
	if err != nil {
		return &derrors.ConfigError{Group: "general", Field: "firmware_constraint", Reason: err.Error()}
	}

	for _, board := range d.table.Boards() {
		versionString, err := d.FirmwareVersion(ctx, board)
		if err != nil {
			return err
		}
		if versionString == "DEV" {
			d.logger.Warnw("board is running a development build", "board", board)
			continue
		}
		version, err := semver.NewVersion(versionString)
		if err != nil {
			return errors.Wrapf(err, "board 0x%x reported version %q", board, versionString)
		}
		if !constraint.Check(version) {
			return errors.Errorf("unable to use board 0x%x: received version %s - require %s",
				board, versionString, d.config.General.FirmwareConstraint)
		}
		d.logger.Infow("board firmware", "board", board, "version", versionString)
	}
	return nil
}

// FirmwareVersion asks a motor board for its firmware version string.
func (d *Driver) FirmwareVersion(ctx context.Context, board uint8) (string, error) {
	resp, err := d.dispatcher.Send(ctx, hardware.Command{Board: board, Kind: hardware.CMD_GET_FIRMWARE})
	if err != nil {
		return "", errors.Wrapf(err, "firmware version of board 0x%x", board)
	}
	return strings.TrimRight(string(resp.Payload), "\x00"), nil
}

// Boards lists the motor board addresses in use.
func (d *Driver) Boards() []uint8 {
	return d.table.Boards()
}

// Close wakes every blocked caller with ErrBusClosed, stops the poller after
// its current cycle and closes the transport.
func (d *Driver) Close() error {
	d.closeOnce.Do(func() {
		d.dispatcher.Close()
		d.cancel()

		select {
		case err := <-d.pollErr:
			if err != nil && !derrors.IsClosed(err) {
				d.closeErr = multierr.Append(d.closeErr, err)
			}
		case <-time.After(d.poller.Period()*2 + time.Second):
			d.logger.Warnw("poller did not stop in time")
		}

		d.closeErr = multierr.Append(d.closeErr, d.bus.Close())
	})
	return d.closeErr
}

// Axes is the number of logical axes, enabled or not.
func (d *Driver) Axes() int {
	return d.table.Len()
}

func (d *Driver) AxisInfo(i int) (axis.Axis, error) {
	return d.table.Get(i)
}

// GetLimits returns the software position limits of axis i.
func (d *Driver) GetLimits(i int) (min, max float64, err error) {
	a, err := d.lookup(i, "GetLimits")
	if err != nil {
		return 0, 0, err
	}
	return a.LimitMin, a.LimitMax, nil
}

// AnalogSensor returns the analog board with the given address.
func (d *Driver) AnalogSensor(board uint8) (*analog.Board, bool) {
	b, ok := d.analog[board]
	return b, ok
}

func (d *Driver) AnalogSensors() []*analog.Board {
	out := make([]*analog.Board, len(d.boards))
	copy(out, d.boards)
	return out
}

//---
// Helpers shared by the facades
//---

func (d *Driver) lookup(i int, op string) (axis.Axis, error) {
	a, err := d.table.Get(i)
	if err != nil {
		return a, &derrors.AxisError{Axis: i, Op: op, Err: derrors.ErrInvalidAxis}
	}
	if !a.Enabled {
		return a, &derrors.AxisError{Axis: i, Op: op, Err: derrors.ErrNotEnabled}
	}
	return a, nil
}

// lookupMode also checks that the axis is in one of modes.
func (d *Driver) lookupMode(i int, op string, modes []hardware.ControlMode) (axis.Axis, error) {
	a, err := d.lookup(i, op)
	if err != nil {
		return a, err
	}
	if mode := d.state.Mode(i); !mode.In(modes) {
		return a, &derrors.AxisError{Axis: i, Op: op, Err: errors.Wrapf(derrors.ErrNotEnabled, "in %s mode", mode)}
	}
	return a, nil
}

func (d *Driver) fail(a axis.Axis, op string, err error) error {
	if err == nil {
		return nil
	}
	if derrors.IsTimeout(err) {
		d.state.MarkTimeout(a.Index)
	}
	return &derrors.AxisError{Axis: a.Index, Op: op, Err: err}
}

func (d *Driver) request(ctx context.Context, a axis.Axis, op string, kind uint8, payload []byte, echo int) (hardware.Reply, error) {
	resp, err := d.dispatcher.Send(ctx, hardware.Command{
		Board:   a.Board,
		Channel: a.Channel,
		Kind:    kind,
		Payload: payload,
		Echo:    echo,
	})
	return resp, d.fail(a, op, err)
}

func (d *Driver) write(ctx context.Context, a axis.Axis, op string, kind uint8, payload []byte) error {
	_, err := d.dispatcher.Send(ctx, hardware.Command{
		Board:   a.Board,
		Channel: a.Channel,
		Kind:    kind,
		Payload: payload,
		NoReply: true,
	})
	return d.fail(a, op, err)
}

func (d *Driver) saturated(a axis.Axis, sat ...bool) {
	for _, s := range sat {
		if s {
			d.state.AddSaturation(a.Index)
		}
	}
}

// each runs fn for every enabled axis and combines the errors.
func (d *Driver) each(fn func(i int) error) (err error) {
	for _, a := range d.table.Axes() {
		if !a.Enabled {
			continue
		}
		err = multierr.Append(err, fn(a.Index))
	}
	return
}

// cached returns the state of a when its last bcastType broadcast can be
// trusted instead of polling the board.
func (d *Driver) cached(a axis.Axis, bcastType uint8) (hardware.AxisState, bool) {
	if !a.Broadcasts(bcastType) {
		return hardware.AxisState{}, false
	}
	st := d.state.Snapshot(a.Index)
	return st, st.Has(bcastType) && !st.Stale
}

func (d *Driver) badLength(op string, n int) error {
	return &derrors.AxisError{Axis: -1, Op: op, Err: errors.Wrapf(derrors.ErrInvalidAxis, "%d values for %d axes", n, d.Axes())}
}
