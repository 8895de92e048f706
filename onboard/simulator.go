package onboard

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/CodedInternet/canmotion/onboard/analog"
	"github.com/CodedInternet/canmotion/onboard/axis"
	"github.com/CodedInternet/canmotion/onboard/canbus"
	"github.com/CodedInternet/canmotion/onboard/codec"
	"github.com/CodedInternet/canmotion/onboard/hardware"
	"github.com/edaniels/golog"
)

const SIM_BROADCAST_INTERVAL = 5 * time.Millisecond

// SimChannel is the emulated firmware state of one motor channel, in wire
// units.
type SimChannel struct {
	Ticks     int32
	Target    int32
	Velocity  int16
	Accel     int16
	Torque    int16
	Output    int16
	Current   int16
	AmpStatus uint8
	Mode      hardware.ControlMode
	Running   bool
	AmpOn     bool
	PidOn     bool

	Pid       [2][hardware.PID_PARAMS]int16
	Stiffness int16
	Damping   int16
	ImpOffset int16

	CurrentLimit int32
	VelShift     uint8
	VelTimeout   int16
	BcastMask    uint16
	CalDone      bool
}

// SimBoard emulates one two channel motor board.
type SimBoard struct {
	Address  uint8
	Firmware string
	Delay    time.Duration // added to every reply
	Silent   bool          // never answers

	Channels [2]SimChannel
}

// SimAnalog emulates an analog board broadcasting Raw.
type SimAnalog struct {
	Address uint8
	Format  analog.Format
	Raw     []int
}

// Simulator answers polling requests and emits broadcasts on a loopback bus,
// so the driver can run without hardware.
type Simulator struct {
	bus    *canbus.LoopbackBus
	logger golog.Logger

	lock   sync.Mutex
	boards map[uint8]*SimBoard
	analog map[uint8]*SimAnalog
	wg     sync.WaitGroup
}

func NewSimulator(logger golog.Logger) *Simulator {
	s := &Simulator{
		bus:    canbus.NewLoopbackBus(1024),
		logger: logger,
		boards: make(map[uint8]*SimBoard),
		analog: make(map[uint8]*SimAnalog),
	}
	s.bus.OnTransmit(s.handle)
	return s
}

// NewSimulatorForConfig creates a board for every axis and analog board in
// config.
func NewSimulatorForConfig(config *Config, logger golog.Logger) *Simulator {
	s := NewSimulator(logger)
	for _, ac := range config.Axes {
		if !ac.Skip {
			s.AddBoard(ac.Board)
		}
	}
	for _, an := range config.Analog {
		format, err := analog.ParseFormat(an.Format)
		if err != nil {
			continue
		}
		s.AddAnalog(an.Board, format, an.Channels)
	}
	return s
}

func (s *Simulator) Bus() *canbus.LoopbackBus {
	return s.bus
}

func (s *Simulator) AddBoard(address uint8) *SimBoard {
	s.lock.Lock()
	defer s.lock.Unlock()
	if b, ok := s.boards[address]; ok {
		return b
	}
	b := &SimBoard{Address: address, Firmware: "DEV"}
	s.boards[address] = b
	return b
}

func (s *Simulator) AddAnalog(address uint8, format analog.Format, channels int) *SimAnalog {
	s.lock.Lock()
	defer s.lock.Unlock()
	a := &SimAnalog{Address: address, Format: format, Raw: make([]int, channels)}
	s.analog[address] = a
	return a
}

// Update runs fn on the board under the simulator lock.
func (s *Simulator) Update(address uint8, fn func(b *SimBoard)) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if b, ok := s.boards[address]; ok {
		fn(b)
	}
}

func (s *Simulator) Channel(address, channel uint8) (ch SimChannel) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if b, ok := s.boards[address]; ok {
		ch = b.Channels[channel&1]
	}
	return
}

// SetAnalog sets the raw value an analog board broadcasts.
func (s *Simulator) SetAnalog(address uint8, channel, raw int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if a, ok := s.analog[address]; ok && channel < len(a.Raw) {
		a.Raw[channel] = raw
	}
}

// Run emits broadcasts and advances the motion of every channel until ctx
// ends.
func (s *Simulator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = SIM_BROADCAST_INTERVAL
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-ticker.C:
			s.Step(interval)
		}
	}
}

// Step advances motion by dt and sends one round of broadcasts.
func (s *Simulator) Step(dt time.Duration) {
	var frames []canbus.CANMsg

	s.lock.Lock()
	for _, b := range s.sortedBoards() {
		for i := range b.Channels {
			b.Channels[i].advance(dt)
		}
		frames = append(frames, b.broadcasts()...)
	}
	for _, a := range s.analog {
		out, err := analog.Frames(a.Address, a.Format, a.Raw)
		if err != nil {
			s.logger.Warnw("analog simulation", "board", a.Address, "error", err)
			continue
		}
		frames = append(frames, out...)
	}
	s.lock.Unlock()

	for _, f := range frames {
		s.bus.Inject(f)
	}
}

func (s *Simulator) sortedBoards() []*SimBoard {
	out := make([]*SimBoard, 0, len(s.boards))
	for _, b := range s.boards {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func (c *SimChannel) advance(dt time.Duration) {
	if !c.Running || !c.AmpOn {
		c.Velocity = 0
		return
	}
	switch c.Mode {
	case hardware.ModePosition, hardware.ModeImpedancePosition, hardware.ModePositionDirect:
		c.Ticks = c.Target
		c.Velocity = 0
	case hardware.ModeVelocity, hardware.ModeImpedanceVelocity:
		// velocity is ticks/ms scaled up by 2^shift
		c.Ticks += int32(int64(c.Velocity) * dt.Milliseconds() >> c.VelShift)
	}
}

func (b *SimBoard) broadcasts() (frames []canbus.CANMsg) {
	mask := b.Channels[0].BcastMask | b.Channels[1].BcastMask
	for t := uint8(0); t < 16; t++ {
		if mask&(1<<t) == 0 {
			continue
		}
		var data []byte
		switch t {
		case axis.BcastPosition:
			data = make([]byte, 8)
			codec.PutInt32(data, b.Channels[0].Ticks)
			codec.PutInt32(data[4:], b.Channels[1].Ticks)
		case axis.BcastVelocity:
			data = hardware.I16(b.Channels[0].Velocity, b.Channels[0].Accel, b.Channels[1].Velocity, b.Channels[1].Accel)
		case axis.BcastPidOutput:
			data = hardware.I16(b.Channels[0].Output, b.Channels[1].Output)
		case axis.BcastPidError:
			data = hardware.I16(int16(b.Channels[0].Target-b.Channels[0].Ticks), int16(b.Channels[1].Target-b.Channels[1].Ticks))
		case axis.BcastTorqueError:
			data = hardware.I16(0, 0)
		case axis.BcastCurrent:
			data = hardware.I16(b.Channels[0].Current, b.Channels[1].Current)
		case axis.BcastStatus:
			data = []byte{b.Channels[0].AmpStatus, b.Channels[1].AmpStatus}
		default:
			continue
		}
		frames = append(frames, canbus.CANMsg{
			ID:   canbus.NewID(canbus.ClassPeriodicMotor, b.Address, t),
			Data: data,
		})
	}
	return
}

func (s *Simulator) handle(msg canbus.CANMsg) {
	if msg.Class() != canbus.ClassPollingMotor || len(msg.Data) == 0 {
		return
	}

	s.lock.Lock()
	b, ok := s.boards[msg.Low()]
	if !ok {
		s.lock.Unlock()
		return
	}
	payload, reply := b.apply(msg.Data[0]&hardware.CMD_KIND_MASK, msg.Data[0]>>7, msg.Data[1:])
	silent, delay := b.Silent, b.Delay
	s.lock.Unlock()

	if !reply || silent {
		return
	}
	resp := hardware.ReplyMsg(msg, payload)
	if delay <= 0 {
		s.bus.Inject(resp)
		return
	}
	s.wg.Add(1)
	time.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.bus.Inject(resp)
	})
}

// apply runs one polling command against the board and returns the reply
// payload, if the command has one.
func (b *SimBoard) apply(kind, channel uint8, in []byte) (out []byte, reply bool) {
	c := &b.Channels[channel&1]
	arg16 := func(off int) int16 {
		if off+2 > len(in) {
			return 0
		}
		return codec.Int16(in[off:])
	}
	arg32 := func(off int) int32 {
		if off+4 > len(in) {
			return 0
		}
		return codec.Int32(in[off:])
	}
	arg8 := func(off int) uint8 {
		if off >= len(in) {
			return 0
		}
		return in[off]
	}

	switch kind {
	case hardware.CMD_CONTROLLER_RUN:
		c.Running = true
	case hardware.CMD_CONTROLLER_IDLE:
		c.Running = false
		c.Mode = hardware.ModeIdle
	case hardware.CMD_ENABLE_PWM_PAD:
		c.AmpOn = true
	case hardware.CMD_DISABLE_PWM_PAD:
		c.AmpOn = false
	case hardware.CMD_SET_CONTROL_MODE:
		c.Mode = hardware.ControlMode(arg8(0))
		c.Target = c.Ticks
		return []byte{arg8(0)}, true
	case hardware.CMD_GET_CONTROL_MODE:
		return []byte{byte(c.Mode)}, true
	case hardware.CMD_MOTION_DONE:
		if c.Ticks == c.Target {
			return []byte{1}, true
		}
		return []byte{0}, true
	case hardware.CMD_POSITION_MOVE, hardware.CMD_SET_COMMAND_POSITION:
		c.Target = arg32(0)
	case hardware.CMD_VELOCITY_MOVE:
		c.Velocity = arg16(0)
		c.Accel = arg16(2)
	case hardware.CMD_STOP_TRAJECTORY:
		c.Target = c.Ticks
		c.Velocity = 0
	case hardware.CMD_SET_ENCODER_POSITION:
		c.Ticks = arg32(0)
		c.Target = c.Ticks
	case hardware.CMD_GET_ENCODER_POSITION:
		return hardware.I32(c.Ticks), true
	case hardware.CMD_GET_ENCODER_VELOCITY:
		return hardware.I16(c.Velocity, c.Accel), true
	case hardware.CMD_SET_DESIRED_TORQUE:
		c.Torque = arg16(0)
	case hardware.CMD_GET_DESIRED_TORQUE:
		return hardware.I16(c.Torque), true
	case hardware.CMD_SET_DESIRED_ACCELER:
		c.Accel = arg16(0)
	case hardware.CMD_SET_OPEN_LOOP:
		c.Output = arg16(0)

	case hardware.CMD_SET_PID_PARAM:
		loop, param := arg8(0)>>4&1, arg8(0)&0xF
		if param < hardware.PID_PARAMS {
			c.Pid[loop][param] = arg16(1)
		}
	case hardware.CMD_GET_PID_PARAM:
		loop, param := arg8(0)>>4&1, arg8(0)&0xF
		var v int16
		if param < hardware.PID_PARAMS {
			v = c.Pid[loop][param]
		}
		return append([]byte{arg8(0)}, hardware.I16(v)...), true
	case hardware.CMD_GET_PID_OUTPUT:
		return hardware.I16(c.Output), true
	case hardware.CMD_GET_PID_ERROR:
		var e int16
		if arg8(0) == hardware.LOOP_POSITION {
			e = int16(c.Target - c.Ticks)
		}
		return append([]byte{arg8(0)}, hardware.I16(e)...), true
	case hardware.CMD_PID_ENABLE:
		c.PidOn = arg8(1) != 0
	case hardware.CMD_PID_RESET:

	case hardware.CMD_SET_IMPEDANCE_PARAMS:
		c.Stiffness, c.Damping = arg16(0), arg16(2)
	case hardware.CMD_GET_IMPEDANCE_PARAMS:
		return hardware.I16(c.Stiffness, c.Damping), true
	case hardware.CMD_SET_IMPEDANCE_OFFSET:
		c.ImpOffset = arg16(0)
	case hardware.CMD_GET_IMPEDANCE_OFFSET:
		return hardware.I16(c.ImpOffset), true

	case hardware.CMD_SET_CURRENT_LIMIT:
		c.CurrentLimit = arg32(0)
	case hardware.CMD_GET_CURRENT:
		return hardware.I16(c.Current), true
	case hardware.CMD_GET_AMP_STATUS:
		return []byte{c.AmpStatus}, true
	case hardware.CMD_SET_VEL_SHIFT:
		c.VelShift = arg8(0)
	case hardware.CMD_SET_VEL_TIMEOUT:
		c.VelTimeout = arg16(0)
	case hardware.CMD_SET_BCAST_POLICY:
		c.BcastMask = uint16(arg16(0))
	case hardware.CMD_CALIBRATE_ENCODER:
		c.Ticks = 0
		c.Target = 0
		c.CalDone = true
	case hardware.CMD_CALIBRATION_DONE:
		if c.CalDone {
			return []byte{1}, true
		}
		return []byte{0}, true
	case hardware.CMD_GET_FIRMWARE:
		fw := []byte(b.Firmware)
		if len(fw) > canbus.MaxDataLen-1 {
			fw = fw[:canbus.MaxDataLen-1]
		}
		return fw, true
	}
	return nil, false
}
