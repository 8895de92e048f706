package main

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/CodedInternet/canmotion/onboard/hardware"
	"github.com/abiosoft/ishell"
	"github.com/pkg/errors"
)

const SHELL_TIMEOUT = 2 * time.Second

func shellCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), SHELL_TIMEOUT)
}

func argInt(c *ishell.Context, n int) (int, error) {
	if len(c.Args) <= n {
		return 0, errors.Errorf("missing argument %d", n+1)
	}
	return strconv.Atoi(c.Args[n])
}

func argFloat(c *ishell.Context, n int) (float64, error) {
	if len(c.Args) <= n {
		return 0, errors.Errorf("missing argument %d", n+1)
	}
	return strconv.ParseFloat(c.Args[n], 64)
}

func printJSON(c *ishell.Context, v interface{}) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		c.Err(err)
		return
	}
	c.Println(string(out))
}

// valueCmd builds a "<name> <axis> <value>" command around an axis setter.
func valueCmd(name, help string, fn func(ctx context.Context, i int, v float64) error) *ishell.Cmd {
	return &ishell.Cmd{
		Name: name,
		Help: help,
		Func: func(c *ishell.Context) {
			i, err := argInt(c, 0)
			if err != nil {
				c.Err(err)
				return
			}
			v, err := argFloat(c, 1)
			if err != nil {
				c.Err(err)
				return
			}
			ctx, cancel := shellCtx()
			defer cancel()
			if err := fn(ctx, i, v); err != nil {
				c.Err(err)
			}
		},
	}
}

func newShell(api *API) *ishell.Shell {
	shell := ishell.New()
	shell.Println("canmotion development shell")
	shell.ShowPrompt(true)

	shell.AddCmd(&ishell.Cmd{
		Name: "createsuperuser",
		Help: "createsuperuser <email> <password>",
		Func: func(c *ishell.Context) {
			// disable the '>>>' for cleaner same line input.
			c.ShowPrompt(false)
			defer c.ShowPrompt(true)

			var email string
			if len(c.Args) >= 1 {
				email = c.Args[0]
			} else {
				c.Print("Email: ")
				email = c.ReadLine()
			}

			var password string
			if len(c.Args) >= 2 {
				password = c.Args[1]
			} else {
				c.Print("Password: ")
				password = c.ReadPassword()
			}

			if _, err := CreateUser(api.DB, email, password, true); err != nil {
				c.Err(err)
				return
			}
			c.Println("Superuser created")
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "mode",
		Help: "mode <axis> <idle|position|position_direct|velocity|torque|impedance_position|impedance_velocity|open_loop>",
		Func: func(c *ishell.Context) {
			i, err := argInt(c, 0)
			if err != nil {
				c.Err(err)
				return
			}
			if len(c.Args) < 2 {
				mode, err := api.Driver.GetControlMode(i)
				if err != nil {
					c.Err(err)
					return
				}
				c.Printf("axis %d: %s\n", i, mode)
				return
			}
			mode, err := hardware.ParseControlMode(c.Args[1])
			if err != nil {
				c.Err(err)
				return
			}
			ctx, cancel := shellCtx()
			defer cancel()
			if err := api.Driver.SetControlMode(ctx, i, mode); err != nil {
				c.Err(err)
			}
		},
	})

	shell.AddCmd(valueCmd("move", "move <axis> <degrees>", api.Driver.PositionMove))
	shell.AddCmd(valueCmd("ref", "ref <axis> <degrees>", api.Driver.SetReference))
	shell.AddCmd(valueCmd("vel", "vel <axis> <degrees/s>", api.Driver.VelocityMove))
	shell.AddCmd(valueCmd("torque", "torque <axis> <Nm>", api.Driver.SetRefTorque))
	shell.AddCmd(valueCmd("speed", "speed <axis> <degrees/s>", func(_ context.Context, i int, v float64) error {
		return api.Driver.SetRefSpeed(i, v)
	}))

	shell.AddCmd(&ishell.Cmd{
		Name: "stop",
		Help: "stop <axis>",
		Func: func(c *ishell.Context) {
			i, err := argInt(c, 0)
			if err != nil {
				c.Err(err)
				return
			}
			ctx, cancel := shellCtx()
			defer cancel()
			if err := api.Driver.Stop(ctx, i); err != nil {
				c.Err(err)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "enc",
		Help: "enc <axis>",
		Func: func(c *ishell.Context) {
			i, err := argInt(c, 0)
			if err != nil {
				c.Err(err)
				return
			}
			ctx, cancel := shellCtx()
			defer cancel()
			pos, err := api.Driver.GetEncoder(ctx, i)
			if err != nil {
				c.Err(err)
				return
			}
			c.Printf("axis %d: %.3f\n", i, pos)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "pid",
		Help: "pid <axis>",
		Func: func(c *ishell.Context) {
			i, err := argInt(c, 0)
			if err != nil {
				c.Err(err)
				return
			}
			ctx, cancel := shellCtx()
			defer cancel()
			pid, err := api.Driver.GetPid(ctx, i)
			if err != nil {
				c.Err(err)
				return
			}
			printJSON(c, pid)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "diag",
		Help: "diag [reset]",
		Func: func(c *ishell.Context) {
			if len(c.Args) > 0 && c.Args[0] == "reset" {
				api.Driver.ResetCounters()
				return
			}
			printJSON(c, api.Driver.Diagnostics())
		},
	})

	{
		analogCmd := &ishell.Cmd{
			Name: "analog",
			Help: "analog sensor boards",
			Func: func(c *ishell.Context) {
				for _, b := range api.Driver.AnalogSensors() {
					printJSON(c, analogResponse(b))
				}
			},
		}
		analogCmd.AddCmd(&ishell.Cmd{
			Name: "tare",
			Help: "tare <board>",
			Func: func(c *ishell.Context) {
				id, err := argInt(c, 0)
				if err != nil {
					c.Err(err)
					return
				}
				b, ok := api.Driver.AnalogSensor(uint8(id))
				if !ok {
					c.Err(errors.Errorf("no analog board %d", id))
					return
				}
				b.CalibrateSensor()
				if err := saveOffsets(api.DB, b); err != nil {
					c.Err(err)
				}
			},
		})
		shell.AddCmd(analogCmd)
	}

	shell.AddCmd(&ishell.Cmd{
		Name: "battery",
		Help: "last battery reading",
		Func: func(c *ishell.Context) {
			if api.Battery == nil {
				c.Println("no battery monitor configured")
				return
			}
			reading, ok := api.Battery.Last()
			if !ok {
				c.Println("no reading yet")
				return
			}
			c.Printf("%.2fV %.2fA %.0f%% status 0x%02x\n", reading.Voltage, reading.Current, reading.Charge, reading.Status)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "play",
		Help: "play <start|forever|stop|reset|status>",
		Func: func(c *ishell.Context) {
			cmd := "status"
			if len(c.Args) > 0 {
				cmd = c.Args[0]
			}
			var err error
			switch cmd {
			case "start":
				err = api.Player.Start()
			case "forever":
				err = api.Player.Forever()
			case "stop":
				api.Player.Stop()
			case "reset":
				api.Player.Reset()
			case "status":
			default:
				err = errors.Errorf("unknown player command %q", cmd)
			}
			if err != nil {
				c.Err(err)
				return
			}
			printJSON(c, api.playerResponse())
		},
	})

	return shell
}
