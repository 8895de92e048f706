package main

import (
	"context"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/CodedInternet/canmotion/onboard"
	"github.com/CodedInternet/canmotion/onboard/analog"
	"github.com/CodedInternet/canmotion/onboard/battery"
	derrors "github.com/CodedInternet/canmotion/onboard/errors"
	"github.com/CodedInternet/canmotion/onboard/hardware"
	"github.com/CodedInternet/canmotion/onboard/player"
	"github.com/asdine/storm/v3"
	"github.com/edaniels/golog"
	"github.com/go-chi/chi"
	"github.com/go-chi/render"
	"github.com/pkg/errors"
)

// API exposes the driver, the player and the battery monitor over HTTP.
type API struct {
	Driver    *onboard.Driver
	Player    *player.Player
	Battery   *battery.Reader // nil without a monitor
	DB        *storm.DB
	ActionDir string
	Logger    golog.Logger
}

// Routes mounts the read only views and, behind auth, the commands.
func (api *API) Routes(r chi.Router, auth func(http.Handler) http.Handler) {
	r.Get("/diagnostics", api.GetDiagnostics)
	r.Get("/axes", api.ListAxes)
	r.Get("/axes/{axis}", api.GetAxis)
	r.Get("/analog", api.ListAnalog)
	r.Get("/analog/{board}", api.GetAnalog)
	r.Get("/battery", api.GetBattery)
	r.Get("/player", api.GetPlayer)

	r.Group(func(r chi.Router) {
		r.Use(auth)

		r.Post("/diagnostics/reset", api.ResetDiagnostics)
		r.Post("/axes/{axis}/mode", api.SetMode)
		r.Post("/axes/{axis}/position", api.axisCommand(api.Driver.PositionMove))
		r.Post("/axes/{axis}/relative", api.axisCommand(api.Driver.RelativeMove))
		r.Post("/axes/{axis}/reference", api.axisCommand(api.Driver.SetReference))
		r.Post("/axes/{axis}/velocity", api.axisCommand(api.Driver.VelocityMove))
		r.Post("/axes/{axis}/torque", api.axisCommand(api.Driver.SetRefTorque))
		r.Post("/axes/{axis}/output", api.axisCommand(api.Driver.SetOutput))
		r.Post("/axes/{axis}/encoder", api.axisCommand(api.Driver.SetEncoder))
		r.Post("/axes/{axis}/stop", api.axisAction(api.Driver.Stop))
		r.Post("/axes/{axis}/amp/enable", api.axisAction(api.Driver.EnableAmp))
		r.Post("/axes/{axis}/amp/disable", api.axisAction(api.Driver.DisableAmp))
		r.Post("/analog/{board}/calibrate", api.CalibrateAnalog)
		r.Post("/player/load", api.LoadAction)
		r.Post("/player/{command}", api.PlayerCommand)
	})
}

//---
// Payloads
//---

type ValuePayload struct {
	Value *float64 `json:"value"`
}

func (p *ValuePayload) Bind(r *http.Request) error {
	if p.Value == nil {
		return errors.New("value is required")
	}
	return nil
}

type ModePayload struct {
	Mode *hardware.ControlMode `json:"mode"`
}

func (p *ModePayload) Bind(r *http.Request) error {
	if p.Mode == nil {
		return errors.New("mode is required")
	}
	return nil
}

// CalibratePayload tares one channel to Value, or every channel to zero
// when Channel is omitted.
type CalibratePayload struct {
	Channel *int    `json:"channel"`
	Value   float64 `json:"value"`
}

func (p *CalibratePayload) Bind(r *http.Request) error {
	return nil
}

type ActionPayload struct {
	Action   string  `json:"action"`
	Timestep float64 `json:"timestep"`
}

func (p *ActionPayload) Bind(r *http.Request) error {
	if p.Action == "" {
		return errors.New("action is required")
	}
	if filepath.Base(p.Action) != p.Action {
		return errors.New("action must be a file name")
	}
	return nil
}

// CommandResponse reports what was sent. Clamped is set when the value
// was limited before sending.
type CommandResponse struct {
	Axis      int     `json:"axis"`
	Requested float64 `json:"requested"`
	Applied   float64 `json:"applied"`
	Clamped   bool    `json:"clamped"`
	Damped    bool    `json:"damped,omitempty"`
}

type AxisResponse struct {
	onboard.AxisReport
	Limits [2]float64 `json:"limits"`
}

type AnalogResponse struct {
	Board  uint8         `json:"board"`
	Values []float64     `json:"values"`
	Status analog.Status `json:"status"`
}

type PlayerResponse struct {
	Action string        `json:"action"`
	Frame  int           `json:"frame"`
	Frames int           `json:"frames"`
	Status player.Status `json:"status"`
}

//---
// Views
//---

func (api *API) GetDiagnostics(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, api.Driver.Diagnostics())
}

func (api *API) ResetDiagnostics(w http.ResponseWriter, r *http.Request) {
	api.Driver.ResetCounters()
	render.NoContent(w, r)
}

func (api *API) axisResponse(i int) (*AxisResponse, error) {
	report, err := api.Driver.AxisDiagnostics(i)
	if err != nil {
		return nil, err
	}
	resp := &AxisResponse{AxisReport: report}
	if report.Enabled {
		resp.Limits[0], resp.Limits[1], _ = api.Driver.GetLimits(i)
	}
	return resp, nil
}

func (api *API) ListAxes(w http.ResponseWriter, r *http.Request) {
	axes := make([]*AxisResponse, 0, api.Driver.Axes())
	for i := 0; i < api.Driver.Axes(); i++ {
		resp, err := api.axisResponse(i)
		if err != nil {
			render.Render(w, r, ErrDriver(err))
			return
		}
		axes = append(axes, resp)
	}
	render.JSON(w, r, axes)
}

func (api *API) GetAxis(w http.ResponseWriter, r *http.Request) {
	i, err := axisParam(r)
	if err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}
	resp, err := api.axisResponse(i)
	if err != nil {
		render.Render(w, r, ErrDriver(err))
		return
	}
	if resp.Enabled && resp.Position == nil {
		pos, err := api.Driver.GetEncoder(r.Context(), i)
		if err != nil {
			render.Render(w, r, ErrDriver(err))
			return
		}
		resp.Position = &pos
	}
	render.JSON(w, r, resp)
}

func (api *API) SetMode(w http.ResponseWriter, r *http.Request) {
	i, err := axisParam(r)
	if err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}
	data := &ModePayload{}
	if err := render.Bind(r, data); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}
	if err := api.Driver.SetControlMode(r.Context(), i, *data.Mode); err != nil {
		render.Render(w, r, ErrDriver(err))
		return
	}
	api.Logger.Infow("control mode set over api", "axis", i, "mode", *data.Mode)
	render.NoContent(w, r)
}

// axisCommand adapts a single value axis command into a handler.
func (api *API) axisCommand(cmd func(ctx context.Context, i int, v float64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		i, err := axisParam(r)
		if err != nil {
			render.Render(w, r, ErrInvalidRequest(err))
			return
		}
		data := &ValuePayload{}
		if err := render.Bind(r, data); err != nil {
			render.Render(w, r, ErrInvalidRequest(err))
			return
		}

		resp := CommandResponse{Axis: i, Requested: *data.Value, Applied: *data.Value}
		if err := cmd(r.Context(), i, *data.Value); err != nil {
			be, ok := derrors.GetBoundaryError(err)
			if !ok {
				render.Render(w, r, ErrDriver(err))
				return
			}
			resp.Applied = be.Applied
			resp.Clamped = true
			resp.Damped = be.Damped
		}
		render.JSON(w, r, resp)
	}
}

func (api *API) axisAction(cmd func(ctx context.Context, i int) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		i, err := axisParam(r)
		if err != nil {
			render.Render(w, r, ErrInvalidRequest(err))
			return
		}
		if err := cmd(r.Context(), i); err != nil {
			render.Render(w, r, ErrDriver(err))
			return
		}
		render.NoContent(w, r)
	}
}

func (api *API) analogBoard(r *http.Request) (*analog.Board, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "board"), 0, 8)
	if err != nil {
		return nil, errors.Wrap(err, "board")
	}
	b, ok := api.Driver.AnalogSensor(uint8(id))
	if !ok {
		return nil, nil
	}
	return b, nil
}

func analogResponse(b *analog.Board) AnalogResponse {
	values, status := b.Read()
	return AnalogResponse{Board: b.ID(), Values: values, Status: status}
}

func (api *API) ListAnalog(w http.ResponseWriter, r *http.Request) {
	boards := api.Driver.AnalogSensors()
	resp := make([]AnalogResponse, 0, len(boards))
	for _, b := range boards {
		resp = append(resp, analogResponse(b))
	}
	render.JSON(w, r, resp)
}

func (api *API) GetAnalog(w http.ResponseWriter, r *http.Request) {
	b, err := api.analogBoard(r)
	if err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}
	if b == nil {
		render.Render(w, r, ErrNotFound)
		return
	}
	render.JSON(w, r, analogResponse(b))
}

func (api *API) CalibrateAnalog(w http.ResponseWriter, r *http.Request) {
	b, err := api.analogBoard(r)
	if err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}
	if b == nil {
		render.Render(w, r, ErrNotFound)
		return
	}
	data := &CalibratePayload{}
	if err := render.Bind(r, data); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}

	if data.Channel == nil {
		b.CalibrateSensor()
	} else if err := b.CalibrateChannel(*data.Channel, data.Value); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}
	if api.DB != nil {
		if err := saveOffsets(api.DB, b); err != nil {
			api.Logger.Warnw("analog offsets not persisted", "board", b.ID(), "error", err)
		}
	}
	render.JSON(w, r, analogResponse(b))
}

func (api *API) GetBattery(w http.ResponseWriter, r *http.Request) {
	if api.Battery == nil {
		render.Render(w, r, ErrNotFound)
		return
	}
	reading, ok := api.Battery.Last()
	if !ok {
		render.NoContent(w, r)
		return
	}
	render.JSON(w, r, reading)
}

func (api *API) playerResponse() PlayerResponse {
	name, frame, frames := api.Player.Position()
	return PlayerResponse{Action: name, Frame: frame, Frames: frames, Status: api.Player.Status()}
}

func (api *API) GetPlayer(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, api.playerResponse())
}

func (api *API) LoadAction(w http.ResponseWriter, r *http.Request) {
	data := &ActionPayload{}
	if err := render.Bind(r, data); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}
	action, err := player.LoadAction(filepath.Join(api.ActionDir, data.Action), api.Driver.Axes(), data.Timestep)
	if err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}
	api.Player.Load(action)
	render.JSON(w, r, api.playerResponse())
}

func (api *API) PlayerCommand(w http.ResponseWriter, r *http.Request) {
	var err error
	switch chi.URLParam(r, "command") {
	case "start":
		err = api.Player.Start()
	case "forever":
		err = api.Player.Forever()
	case "stop":
		api.Player.Stop()
	case "reset":
		api.Player.Reset()
	default:
		render.Render(w, r, ErrNotFound)
		return
	}
	if err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}
	render.JSON(w, r, api.playerResponse())
}

func axisParam(r *http.Request) (int, error) {
	i, err := strconv.Atoi(chi.URLParam(r, "axis"))
	return i, errors.Wrap(err, "axis")
}
