package player

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/pkg/errors"
)

// Frame is one set of joint positions and the time, from the start of the
// sequence, at which it is commanded.
type Frame struct {
	Counter int
	Time    float64 // seconds
	Q       *mgl64.VecN
}

type Action struct {
	Name    string
	Frames  []Frame
	Forever bool
	current int
}

func (a *Action) Joints() int {
	if len(a.Frames) == 0 {
		return 0
	}
	return a.Frames[0].Q.Size()
}

// Duration is the time of the last frame.
func (a *Action) Duration() float64 {
	if len(a.Frames) == 0 {
		return 0
	}
	return a.Frames[len(a.Frames)-1].Time
}

// LoadAction reads an action file. The first line is a header and is
// ignored. With timestep > 0 each line is "q0 q1 ..." played every
// timestep seconds; otherwise each line is "counter time q0 q1 ...".
func LoadAction(filename string, joints int, timestep float64) (*Action, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrap(err, "open action file")
	}
	defer f.Close()

	name := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	return ParseAction(f, name, joints, timestep)
}

func ParseAction(r io.Reader, name string, joints int, timestep float64) (*Action, error) {
	if joints <= 0 {
		return nil, fmt.Errorf("action %s: invalid number of joints %d", name, joints)
	}

	action := &Action{Name: name}
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		if line == 1 {
			continue
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		values := make([]float64, len(fields))
		for i, field := range fields {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "action %s line %d", name, line)
			}
			values[i] = v
		}

		var frame Frame
		if timestep > 0 {
			frame.Counter = len(action.Frames)
			frame.Time = float64(len(action.Frames)) * timestep
		} else {
			if len(values) < 2 {
				return nil, fmt.Errorf("action %s line %d: missing counter and time", name, line)
			}
			frame.Counter = int(values[0])
			frame.Time = values[1]
			values = values[2:]
		}
		if len(values) != joints {
			return nil, fmt.Errorf("action %s line %d: %d joint values, want %d", name, line, len(values), joints)
		}
		frame.Q = mgl64.NewVecNFromData(values)
		action.Frames = append(action.Frames, frame)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "read action %s", name)
	}

	if timestep <= 0 {
		sort.SliceStable(action.Frames, func(i, j int) bool {
			return action.Frames[i].Time < action.Frames[j].Time
		})
	}
	return action, nil
}
