package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/CodedInternet/canmotion/onboard"
	"github.com/CodedInternet/canmotion/onboard/hardware"
	"github.com/CodedInternet/canmotion/onboard/player"
	"github.com/edaniels/golog"
	"github.com/gorilla/websocket"
	. "github.com/smartystreets/goconvey/convey"
)

const apiTestYaml = `
general:
  joints: 2
  polling_interval_ms: 2
  rx_timeout_ms: 200
axes:
  - name: pan
    board: 1
    channel: 0
    angle_to_encoder: 100
    limits: [-30, 30]
    broadcast: [position]
  - name: tilt
    board: 1
    channel: 1
    angle_to_encoder: 100
    limits: [-60, 60]
analog:
  - board: 13
    format: 16-bit
    channels: 2
    timeout_ms: 200
`

func newTestAPI(t *testing.T) (*API, *onboard.Simulator, http.Handler) {
	useTestDb(t)
	config, err := onboard.ParseConfig([]byte(apiTestYaml))
	if err != nil {
		t.Fatal(err)
	}
	logger := golog.NewTestLogger(t)
	sim := onboard.NewSimulatorForConfig(config, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go sim.Run(ctx, 2*time.Millisecond)

	driver, err := onboard.Open(context.Background(), config, sim.Bus(), logger)
	if err != nil {
		cancel()
		t.Fatal(err)
	}
	t.Cleanup(func() {
		driver.Close()
		cancel()
	})

	api := &API{
		Driver:    driver,
		Player:    player.New(driver, player.Options{}, logger),
		DB:        ENV.DB,
		ActionDir: t.TempDir(),
		Logger:    logger,
	}
	return api, sim, newRouter(api, false, logger)
}

func get(handler http.Handler, path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", path, nil))
	return rr
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func TestAxisAPI(t *testing.T) {
	api, sim, handler := newTestAPI(t)
	token, _ := newJWT("operator@test.case")

	Convey("Axes can be read without a token", t, func() {
		rr := get(handler, "/api/axes")
		So(rr.Code, ShouldEqual, http.StatusOK)
		var axes []AxisResponse
		So(json.Unmarshal(rr.Body.Bytes(), &axes), ShouldBeNil)
		So(axes, ShouldHaveLength, 2)
		So(axes[1].Name, ShouldEqual, "tilt")
		So(axes[1].Limits, ShouldResemble, [2]float64{-60, 60})

		So(get(handler, "/api/axes/7").Code, ShouldEqual, http.StatusNotFound)
		So(get(handler, "/api/axes/x").Code, ShouldEqual, http.StatusBadRequest)

		Convey("a single axis reports its position", func() {
			rr := get(handler, "/api/axes/1")
			So(rr.Code, ShouldEqual, http.StatusOK)
			var axis AxisResponse
			So(json.Unmarshal(rr.Body.Bytes(), &axis), ShouldBeNil)
			So(axis.Position, ShouldNotBeNil)
			So(axis.Mode, ShouldEqual, hardware.ModeIdle)
		})
	})

	Convey("Commands need a token", t, func() {
		rr := postJSON(handler, "/api/axes/0/mode", "", map[string]string{"mode": "position"})
		So(rr.Code, ShouldEqual, http.StatusUnauthorized)
		So(api.Driver.GetControlModes()[0], ShouldEqual, hardware.ModeIdle)
	})

	Convey("Commands are passed to the driver", t, func() {
		Convey("moves are refused while idle", func() {
			rr := postJSON(handler, "/api/axes/0/position", token, map[string]float64{"value": 10})
			So(rr.Code, ShouldEqual, http.StatusConflict)
		})

		Convey("bad payloads are rejected", func() {
			So(postJSON(handler, "/api/axes/0/position", token, map[string]string{}).Code, ShouldEqual, http.StatusBadRequest)
			So(postJSON(handler, "/api/axes/0/mode", token, map[string]string{"mode": "warp"}).Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("a clamped move reports what was applied", func() {
			rr := postJSON(handler, "/api/axes/0/mode", token, map[string]string{"mode": "position"})
			So(rr.Code, ShouldEqual, http.StatusNoContent)
			So(sim.Channel(1, 0).Mode, ShouldEqual, hardware.ModePosition)

			rr = postJSON(handler, "/api/axes/0/position", token, map[string]float64{"value": 45})
			So(rr.Code, ShouldEqual, http.StatusOK)
			var resp CommandResponse
			So(json.Unmarshal(rr.Body.Bytes(), &resp), ShouldBeNil)
			So(resp.Clamped, ShouldBeTrue)
			So(resp.Requested, ShouldEqual, 45.0)
			So(resp.Applied, ShouldEqual, 30.0)

			So(waitFor(func() bool { return sim.Channel(1, 0).Ticks == 3000 }), ShouldBeTrue)

			rr = postJSON(handler, "/api/axes/0/mode", token, map[string]string{"mode": "velocity"})
			So(rr.Code, ShouldEqual, http.StatusConflict)
			rr = postJSON(handler, "/api/axes/0/mode", token, map[string]string{"mode": "idle"})
			So(rr.Code, ShouldEqual, http.StatusNoContent)
		})
	})

	Convey("Diagnostics are exposed", t, func() {
		rr := get(handler, "/api/diagnostics")
		So(rr.Code, ShouldEqual, http.StatusOK)
		var report onboard.Report
		So(json.Unmarshal(rr.Body.Bytes(), &report), ShouldBeNil)
		So(report.Axes, ShouldHaveLength, 2)
		So(report.Analog, ShouldHaveLength, 1)

		rr = postJSON(handler, "/api/diagnostics/reset", token, nil)
		So(rr.Code, ShouldEqual, http.StatusNoContent)
	})
}

func TestAnalogAPI(t *testing.T) {
	api, sim, handler := newTestAPI(t)
	token, _ := newJWT("operator@test.case")

	Convey("Analog boards can be read and tared", t, func() {
		sim.SetAnalog(13, 0, 500)
		So(waitFor(func() bool {
			b, _ := api.Driver.AnalogSensor(13)
			v, _, _ := b.Channel(0)
			return v == 500
		}), ShouldBeTrue)

		rr := get(handler, "/api/analog/13")
		So(rr.Code, ShouldEqual, http.StatusOK)
		So(get(handler, "/api/analog/12").Code, ShouldEqual, http.StatusNotFound)

		rr = postJSON(handler, "/api/analog/13/calibrate", token, map[string]interface{}{})
		So(rr.Code, ShouldEqual, http.StatusOK)
		var resp AnalogResponse
		So(json.Unmarshal(rr.Body.Bytes(), &resp), ShouldBeNil)
		So(resp.Values[0], ShouldAlmostEqual, 0.0)

		Convey("the offsets survive a restart", func() {
			var rec AnalogOffsets
			So(ENV.DB.One("ID", offsetsID(13), &rec), ShouldBeNil)
			So(rec.Offsets[0], ShouldAlmostEqual, -500.0)

			b, _ := api.Driver.AnalogSensor(13)
			So(b.SetOffsets([]float64{0, 0}), ShouldBeNil)
			restoreOffsets(ENV.DB, api.Driver.AnalogSensors(), api.Logger)
			So(b.Offsets()[0], ShouldAlmostEqual, -500.0)
		})
	})
}

func TestPlayerAPI(t *testing.T) {
	api, _, handler := newTestAPI(t)
	token, _ := newJWT("operator@test.case")

	action := "counter time pan tilt\n0 0.0 0 0\n1 0.1 1 2\n"
	if err := os.WriteFile(filepath.Join(api.ActionDir, "nod.txt"), []byte(action), 0644); err != nil {
		t.Fatal(err)
	}

	Convey("Actions are loaded from the action directory", t, func() {
		So(postJSON(handler, "/api/player/start", token, nil).Code, ShouldEqual, http.StatusBadRequest)
		So(postJSON(handler, "/api/player/load", token, map[string]string{"action": "../nod.txt"}).Code, ShouldEqual, http.StatusBadRequest)
		So(postJSON(handler, "/api/player/load", token, map[string]string{"action": "missing.txt"}).Code, ShouldEqual, http.StatusBadRequest)

		rr := postJSON(handler, "/api/player/load", token, map[string]string{"action": "nod.txt"})
		So(rr.Code, ShouldEqual, http.StatusOK)
		var resp PlayerResponse
		So(json.Unmarshal(rr.Body.Bytes(), &resp), ShouldBeNil)
		So(resp.Action, ShouldEqual, "nod")
		So(resp.Frames, ShouldEqual, 2)
		So(resp.Status, ShouldEqual, player.StatusIdle)

		rr = postJSON(handler, "/api/player/start", token, nil)
		So(rr.Code, ShouldEqual, http.StatusOK)
		So(api.Player.Status(), ShouldEqual, player.StatusStart)

		So(postJSON(handler, "/api/player/stop", token, nil).Code, ShouldEqual, http.StatusOK)
		So(postJSON(handler, "/api/player/jump", token, nil).Code, ShouldEqual, http.StatusNotFound)
		So(get(handler, "/api/player").Code, ShouldEqual, http.StatusOK)
	})

	Convey("Without a battery monitor there is nothing to read", t, func() {
		So(get(handler, "/api/battery").Code, ShouldEqual, http.StatusNotFound)
	})
}

func TestTelemetry(t *testing.T) {
	_, _, handler := newTestAPI(t)
	server := httptest.NewServer(handler)
	defer server.Close()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/telemetry"

	Convey("The telemetry stream requires a token", t, func() {
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		So(err, ShouldNotBeNil)
		So(resp.StatusCode, ShouldEqual, http.StatusUnauthorized)
	})

	Convey("Telemetry frames describe every axis", t, func() {
		token, _ := newJWT("viewer@test.case")
		conn, _, err := websocket.DefaultDialer.Dial(url+"?jwt="+token, nil)
		So(err, ShouldBeNil)
		defer conn.Close()

		var frame Telemetry
		So(conn.ReadJSON(&frame), ShouldBeNil)
		So(frame.Axes, ShouldHaveLength, 2)
		So(frame.Analog, ShouldHaveLength, 1)
		So(frame.Player.Status, ShouldEqual, player.StatusIdle)
	})
}
