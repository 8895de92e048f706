package onboard

import (
	"fmt"
	"os"
	"time"

	"github.com/CodedInternet/canmotion/onboard/analog"
	"github.com/CodedInternet/canmotion/onboard/axis"
	derrors "github.com/CodedInternet/canmotion/onboard/errors"
	"github.com/CodedInternet/canmotion/onboard/hardware"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v2"
)

// LimitSignal chooses whether near-limit velocity damping is reported to
// the caller as a boundary error.
type LimitSignal string

const (
	LimitSignalAlways   LimitSignal = "always"
	LimitSignalHardOnly LimitSignal = "hard_only"
)

type Config struct {
	General *GeneralConfig `yaml:"general"`
	Axes    []AxisConfig   `yaml:"axes"`
	Analog  []AnalogConfig `yaml:"analog"`
	Battery *BatteryConfig `yaml:"battery"`
}

type GeneralConfig struct {
	Interface          string      `yaml:"interface"`
	Joints             int         `yaml:"joints"`
	MyAddress          uint8       `yaml:"my_address"`
	PollingIntervalMs  int         `yaml:"polling_interval_ms"`
	RxTimeoutMs        int         `yaml:"rx_timeout_ms"`
	StaleCycles        int         `yaml:"stale_cycles"`
	FrameBudget        int         `yaml:"frame_budget"`
	LimitSignal        LimitSignal `yaml:"limit_signal"`
	DampingZone        float64     `yaml:"damping_zone"`
	FirmwareConstraint string      `yaml:"firmware_constraint"`
}

type AxisConfig struct {
	Name            string              `yaml:"name"`
	Board           uint8               `yaml:"board"`
	Channel         uint8               `yaml:"channel"`
	Skip            bool                `yaml:"skip"`
	Remap           *int                `yaml:"remap"`
	AngleToEncoder  float64             `yaml:"angle_to_encoder"`
	Zero            float64             `yaml:"zero"`
	Limits          []float64           `yaml:"limits,flow"`
	CurrentLimit    float64             `yaml:"current_limit"`
	VelocityShift   uint8               `yaml:"velocity_shift"`
	VelocityTimeout uint16              `yaml:"velocity_timeout"`
	Pid             *Pid                `yaml:"pid"`
	TorquePid       *Pid                `yaml:"torque_pid"`
	TorqueSensor    *TorqueSensorConfig `yaml:"torque_sensor"`
	MaxTorque       float64             `yaml:"max_torque"`
	NewtonsToSensor float64             `yaml:"newtons_to_sensor"`
	Broadcast       []string            `yaml:"broadcast,flow"`
}

type TorqueSensorConfig struct {
	Board   uint8 `yaml:"board"`
	Channel int   `yaml:"channel"`
}

type AnalogConfig struct {
	Board          uint8     `yaml:"board"`
	Format         string    `yaml:"format"`
	Channels       int       `yaml:"channels"`
	TimeoutMs      int       `yaml:"timeout_ms"`
	UseCalibration bool      `yaml:"use_calibration"`
	ScaleFactors   []float64 `yaml:"scale_factors,flow"`
}

type BatteryConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
}

var broadcastNames = map[string]uint8{
	"position":     axis.BcastPosition,
	"pid_output":   axis.BcastPidOutput,
	"status":       axis.BcastStatus,
	"current":      axis.BcastCurrent,
	"velocity":     axis.BcastVelocity,
	"pid_error":    axis.BcastPidError,
	"torque_error": axis.BcastTorqueError,
}

// LoadConfig reads, normalises and validates a driver configuration file.
func LoadConfig(filename string) (*Config, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	return ParseConfig(raw)
}

func ParseConfig(raw []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(raw, &config); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	config.Normalize()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Normalize fills in defaults. It never overrides explicit values.
func (c *Config) Normalize() {
	if c.General == nil {
		return
	}
	g := c.General
	if g.Interface == "" {
		g.Interface = "can0"
	}
	if g.PollingIntervalMs <= 0 {
		g.PollingIntervalMs = int(hardware.DEFAULT_POLL_PERIOD / time.Millisecond)
	}
	if g.RxTimeoutMs <= 0 {
		g.RxTimeoutMs = int(hardware.DEFAULT_RX_TIMEOUT / time.Millisecond)
	}
	if g.StaleCycles <= 0 {
		g.StaleCycles = hardware.DEFAULT_STALE_CYCLES
	}
	if g.FrameBudget <= 0 {
		g.FrameBudget = hardware.DEFAULT_FRAME_BUDGET
	}
	if g.LimitSignal == "" {
		g.LimitSignal = LimitSignalAlways
	}
	for i := range c.Analog {
		if c.Analog[i].TimeoutMs <= 0 {
			c.Analog[i].TimeoutMs = 100
		}
	}
	if c.Battery != nil && c.Battery.BaudRate == 0 {
		c.Battery.BaudRate = 115200
	}
}

func cfgErr(group string, index int, field, format string, args ...interface{}) error {
	if index >= 0 {
		group = fmt.Sprintf("%s[%d]", group, index)
	}
	return &derrors.ConfigError{Group: group, Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate reports every problem found, not just the first.
func (c *Config) Validate() (err error) {
	if c.General == nil {
		return cfgErr("general", -1, "", "missing required group")
	}
	if len(c.Axes) == 0 {
		return cfgErr("axes", -1, "", "missing required group")
	}

	g := c.General
	if g.Joints != len(c.Axes) {
		err = multierr.Append(err, cfgErr("axes", -1, "", "%d entries, general.joints is %d", len(c.Axes), g.Joints))
	}
	if g.MyAddress > 0xF {
		err = multierr.Append(err, cfgErr("general", -1, "my_address", "0x%x does not fit in 4 bits", g.MyAddress))
	}
	if g.LimitSignal != LimitSignalAlways && g.LimitSignal != LimitSignalHardOnly {
		err = multierr.Append(err, cfgErr("general", -1, "limit_signal", "must be %q or %q", LimitSignalAlways, LimitSignalHardOnly))
	}
	if g.DampingZone < 0 {
		err = multierr.Append(err, cfgErr("general", -1, "damping_zone", "must not be negative"))
	}

	remapSeen := make(map[int]bool)
	slots := make(map[[2]uint8]int)
	for i, a := range c.Axes {
		if a.Remap != nil {
			r := *a.Remap
			if r < 0 || r >= len(c.Axes) || remapSeen[r] {
				err = multierr.Append(err, cfgErr("axes", i, "remap", "%d is out of range or repeated", r))
			}
			remapSeen[r] = true
		}
		if a.Skip {
			continue
		}
		if a.Board > 0xF || a.Board == g.MyAddress {
			err = multierr.Append(err, cfgErr("axes", i, "board", "invalid board address 0x%x", a.Board))
		}
		if a.Channel > 1 {
			err = multierr.Append(err, cfgErr("axes", i, "channel", "must be 0 or 1"))
		}
		if prev, dup := slots[[2]uint8{a.Board, a.Channel}]; dup {
			err = multierr.Append(err, cfgErr("axes", i, "channel", "board 0x%x channel %d already used by axis %d", a.Board, a.Channel, prev))
		}
		slots[[2]uint8{a.Board, a.Channel}] = i

		if a.AngleToEncoder == 0 {
			err = multierr.Append(err, cfgErr("axes", i, "angle_to_encoder", "must not be zero"))
		}
		if len(a.Limits) != 2 {
			err = multierr.Append(err, cfgErr("axes", i, "limits", "need [min, max], got %d values", len(a.Limits)))
		} else if a.Limits[0] >= a.Limits[1] {
			err = multierr.Append(err, cfgErr("axes", i, "limits", "min %g is not below max %g", a.Limits[0], a.Limits[1]))
		}
		if a.VelocityShift > 15 {
			err = multierr.Append(err, cfgErr("axes", i, "velocity_shift", "%d is larger than 15", a.VelocityShift))
		}
		if a.TorqueSensor != nil && a.NewtonsToSensor == 0 {
			err = multierr.Append(err, cfgErr("axes", i, "newtons_to_sensor", "required with a torque sensor"))
		}
		for _, name := range a.Broadcast {
			if _, ok := broadcastNames[name]; !ok {
				err = multierr.Append(err, cfgErr("axes", i, "broadcast", "unknown broadcast %q", name))
			}
		}
	}
	if len(remapSeen) != 0 && len(remapSeen) != len(c.Axes) {
		err = multierr.Append(err, cfgErr("axes", -1, "remap", "given for %d of %d axes", len(remapSeen), len(c.Axes)))
	}

	analogBoards := make(map[uint8]AnalogConfig)
	for i, a := range c.Analog {
		format, ferr := analog.ParseFormat(a.Format)
		if ferr != nil {
			err = multierr.Append(err, cfgErr("analog", i, "format", "%v", ferr))
		} else if _, berr := analog.NewBoard(a.boardConfig(format)); berr != nil {
			err = multierr.Append(err, cfgErr("analog", i, "", "%v", berr))
		}
		if _, dup := analogBoards[a.Board]; dup {
			err = multierr.Append(err, cfgErr("analog", i, "board", "0x%x listed twice", a.Board))
		}
		analogBoards[a.Board] = a
	}
	for i, a := range c.Axes {
		if a.Skip || a.TorqueSensor == nil {
			continue
		}
		sensor, ok := analogBoards[a.TorqueSensor.Board]
		if !ok {
			err = multierr.Append(err, cfgErr("axes", i, "torque_sensor", "analog board 0x%x is not configured", a.TorqueSensor.Board))
		} else if a.TorqueSensor.Channel < 0 || a.TorqueSensor.Channel >= sensor.Channels {
			err = multierr.Append(err, cfgErr("axes", i, "torque_sensor", "channel %d out of range", a.TorqueSensor.Channel))
		}
	}

	if c.Battery != nil && c.Battery.Port == "" {
		err = multierr.Append(err, cfgErr("battery", -1, "port", "required when battery is configured"))
	}
	return err
}

func (a AnalogConfig) boardConfig(format analog.Format) analog.Config {
	return analog.Config{
		Board:          a.Board,
		Format:         format,
		Channels:       a.Channels,
		Timeout:        time.Duration(a.TimeoutMs) * time.Millisecond,
		UseCalibration: a.UseCalibration,
		ScaleFactors:   a.ScaleFactors,
	}
}

// Build converts a validated configuration into the axis table and analog
// board set.
func (c *Config) Build() (*axis.Table, []*analog.Board, error) {
	physical := make([]axis.Axis, len(c.Axes))
	var remap []int
	for i, ac := range c.Axes {
		a := axis.Axis{
			Board:           ac.Board,
			Channel:         ac.Channel,
			Enabled:         !ac.Skip,
			AngleToEncoder:  ac.AngleToEncoder,
			Zero:            ac.Zero,
			CurrentLimit:    ac.CurrentLimit,
			VelocityShift:   ac.VelocityShift,
			VelocityTimeout: ac.VelocityTimeout,
			TorqueSensorID:  axis.NoTorqueSensor,
			MaxTorque:       ac.MaxTorque,
			NewtonsToSensor: ac.NewtonsToSensor,
		}
		if len(ac.Limits) == 2 {
			a.LimitMin, a.LimitMax = ac.Limits[0], ac.Limits[1]
		}
		if ac.TorqueSensor != nil {
			a.TorqueSensorID = int(ac.TorqueSensor.Board)
			a.TorqueSensorChannel = ac.TorqueSensor.Channel
		}
		for _, name := range ac.Broadcast {
			a.BroadcastMask |= 1 << broadcastNames[name]
		}
		physical[i] = a

		if ac.Remap != nil {
			if remap == nil {
				remap = make([]int, len(c.Axes))
			}
			remap[i] = *ac.Remap
		}
	}

	table, err := axis.NewTable(physical, remap)
	if err != nil {
		return nil, nil, &derrors.ConfigError{Group: "axes", Reason: err.Error()}
	}

	boards := make([]*analog.Board, 0, len(c.Analog))
	for i, ac := range c.Analog {
		format, err := analog.ParseFormat(ac.Format)
		if err != nil {
			return nil, nil, cfgErr("analog", i, "format", "%v", err)
		}
		b, err := analog.NewBoard(ac.boardConfig(format))
		if err != nil {
			return nil, nil, cfgErr("analog", i, "", "%v", err)
		}
		boards = append(boards, b)
	}
	return table, boards, nil
}

func (g *GeneralConfig) pollPeriod() time.Duration {
	return time.Duration(g.PollingIntervalMs) * time.Millisecond
}

func (g *GeneralConfig) rxTimeout() time.Duration {
	return time.Duration(g.RxTimeoutMs) * time.Millisecond
}
