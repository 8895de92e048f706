// Package player plays recorded joint trajectories through the driver:
// it brings the joints to the first frame in position mode, then streams
// the frames in position direct mode.
package player

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/CodedInternet/canmotion/onboard/hardware"
	"github.com/edaniels/golog"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

const (
	DEFAULT_PERIOD         = 5 * time.Millisecond
	DEFAULT_HOME_TOLERANCE = 2.0 // degrees
	DEFAULT_HOME_TIMEOUT   = 5 * time.Second
	HOME_POLL_INTERVAL     = 100 * time.Millisecond
)

// Driver is the part of the motion driver the player uses.
type Driver interface {
	SetControlMode(ctx context.Context, i int, mode hardware.ControlMode) error
	PositionMove(ctx context.Context, i int, ref float64) error
	SetReference(ctx context.Context, i int, ref float64) error
	GetEncoder(ctx context.Context, i int) (float64, error)
}

type Status int

const (
	StatusIdle Status = iota
	StatusStart
	StatusRunning
	StatusStop
	StatusReset
)

var statusNames = []string{"idle", "start", "running", "stop", "reset"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for i, name := range statusNames {
		if name == string(text) {
			*s = Status(i)
			return nil
		}
	}
	return errors.Errorf("unknown player status %q", text)
}

type Options struct {
	Period        time.Duration
	HomeTolerance float64
	HomeTimeout   time.Duration
	// StrictHomeCheck refuses to play when the start position was not
	// reached in time.
	StrictHomeCheck bool
}

type Player struct {
	driver Driver
	logger golog.Logger
	opts   Options

	lock      sync.Mutex
	status    Status
	action    *Action
	startTime time.Time
}

func New(driver Driver, opts Options, logger golog.Logger) *Player {
	if opts.Period <= 0 {
		opts.Period = DEFAULT_PERIOD
	}
	if opts.HomeTolerance <= 0 {
		opts.HomeTolerance = DEFAULT_HOME_TOLERANCE
	}
	if opts.HomeTimeout <= 0 {
		opts.HomeTimeout = DEFAULT_HOME_TIMEOUT
	}
	return &Player{driver: driver, opts: opts, logger: logger}
}

// Load replaces the current action and idles the player.
func (p *Player) Load(action *Action) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.action = action
	p.action.current = 0
	p.status = StatusIdle
}

func (p *Player) Status() Status {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.status
}

// Position returns the loaded action's name and the frame being played.
func (p *Player) Position() (name string, frame, frames int) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.action == nil {
		return "", 0, 0
	}
	return p.action.Name, p.action.current, len(p.action.Frames)
}

// Start plays the action once, resuming if it was stopped part way.
func (p *Player) Start() error {
	return p.start(false)
}

// Forever plays the action in a loop.
func (p *Player) Forever() error {
	return p.start(true)
}

func (p *Player) start(forever bool) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.action == nil {
		return errors.New("no action loaded")
	}
	p.action.Forever = forever
	if p.action.current == 0 {
		p.status = StatusStart
	} else {
		p.status = StatusRunning
	}
	return nil
}

func (p *Player) Stop() {
	p.lock.Lock()
	p.status = StatusStop
	p.lock.Unlock()
}

// Reset rewinds the action and puts the joints back in position mode.
func (p *Player) Reset() {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.status = StatusReset
	if p.action != nil {
		p.action.current = 0
	}
}

// Run steps the player every period until ctx is done.
func (p *Player) Run(ctx context.Context) {
	ticker := time.NewTicker(p.opts.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Step(ctx, time.Now())
		}
	}
}

// Step advances the state machine once.
func (p *Player) Step(ctx context.Context, now time.Time) {
	p.lock.Lock()
	defer p.lock.Unlock()

	switch p.status {
	case StatusIdle:
	case StatusStop:
		p.logger.Info("player stopped")
		p.status = StatusIdle
	case StatusReset:
		p.setMode(ctx, hardware.ModePosition)
		p.status = StatusIdle
	case StatusStart:
		p.begin(ctx, now)
	case StatusRunning:
		p.advance(ctx, now)
	}
}

func (p *Player) begin(ctx context.Context, now time.Time) {
	if p.action == nil || len(p.action.Frames) == 0 {
		p.logger.Warn("no sequence to play")
		p.status = StatusStop
		return
	}

	first := p.action.Frames[0].Q
	if err := p.setMode(ctx, hardware.ModePosition); err != nil {
		p.status = StatusStop
		return
	}
	for j, q := range first.Raw() {
		if err := p.driver.PositionMove(ctx, j, q); err != nil {
			p.logger.Warnw("move to start position", "joint", j, "error", err)
		}
	}

	p.logger.Infow("going to start position", "action", p.action.Name)
	if !p.waitHome(ctx, first) {
		if p.opts.StrictHomeCheck {
			p.logger.Errorw("unable to reach start position", "action", p.action.Name)
			p.status = StatusStop
			return
		}
		p.logger.Warnw("start position not reached, playing anyway", "action", p.action.Name)
	}

	if err := p.setMode(ctx, hardware.ModePositionDirect); err != nil {
		p.status = StatusStop
		return
	}
	p.send(ctx, 0)
	p.startTime = time.Now()
	p.status = StatusRunning
	p.logger.Infow("sequence started", "action", p.action.Name, "frames", len(p.action.Frames))
}

// waitHome polls the encoders until every joint is within tolerance of
// target or the home timeout passes.
func (p *Player) waitHome(ctx context.Context, target *mgl64.VecN) bool {
	deadline := time.Now().Add(p.opts.HomeTimeout)
	current := mgl64.NewVecN(target.Size())
	for {
		for j := range current.Raw() {
			enc, err := p.driver.GetEncoder(ctx, j)
			if err != nil {
				enc = math.Inf(1)
			}
			current.Set(j, enc)
		}
		if withinTolerance(current.Sub(current, target), p.opts.HomeTolerance) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(HOME_POLL_INTERVAL):
		}
	}
}

func withinTolerance(diff *mgl64.VecN, tolerance float64) bool {
	for _, e := range diff.Raw() {
		if !(math.Abs(e) < tolerance) {
			return false
		}
	}
	return true
}

func (p *Player) advance(ctx context.Context, now time.Time) {
	a := p.action
	last := len(a.Frames) - 1
	if last < 0 {
		p.logger.Error("sequence empty")
		p.status = StatusReset
		return
	}

	if a.current < last {
		if now.Sub(p.startTime).Seconds() > a.Frames[a.current].Time {
			a.current++
			p.send(ctx, a.current)
		}
		return
	}

	elapsed := now.Sub(p.startTime)
	if a.Forever {
		p.logger.Infow("sequence completed, restarting", "action", a.Name, "elapsed", elapsed)
		a.current = 0
		p.startTime = now
		return
	}
	p.logger.Infow("sequence completed", "action", a.Name, "elapsed", elapsed)
	p.setMode(ctx, hardware.ModePosition)
	p.status = StatusIdle
}

func (p *Player) send(ctx context.Context, frame int) {
	for j, q := range p.action.Frames[frame].Q.Raw() {
		err := p.driver.SetReference(ctx, j, q)
		if err != nil {
			p.logger.Debugw("frame reference", "frame", frame, "joint", j, "error", err)
		}
	}
}

func (p *Player) setMode(ctx context.Context, mode hardware.ControlMode) (err error) {
	if p.action == nil {
		return nil
	}
	for j := 0; j < p.action.Joints(); j++ {
		err = multierr.Append(err, p.driver.SetControlMode(ctx, j, mode))
	}
	if err != nil {
		p.logger.Warnw("control mode change failed", "mode", mode, "error", err)
	}
	return err
}
