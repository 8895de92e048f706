package main

import (
	"net/http"
	"time"

	"github.com/CodedInternet/canmotion/onboard"
	"github.com/CodedInternet/canmotion/onboard/battery"
	"github.com/gorilla/websocket"
)

const (
	TELEMETRY_INTERVAL = 100 * time.Millisecond
	WRITE_WAIT         = time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Telemetry is one frame of the live stream. Positions come from the
// broadcast cache only, so streaming never adds bus traffic.
type Telemetry struct {
	Time    time.Time            `json:"time"`
	Axes    []onboard.AxisReport `json:"axes"`
	Analog  []AnalogResponse     `json:"analog"`
	Battery *battery.Reading     `json:"battery,omitempty"`
	Player  PlayerResponse       `json:"player"`
}

func (api *API) telemetry() Telemetry {
	report := api.Driver.Diagnostics()
	t := Telemetry{
		Time:   time.Now(),
		Axes:   report.Axes,
		Player: api.playerResponse(),
	}
	for _, b := range api.Driver.AnalogSensors() {
		t.Analog = append(t.Analog, analogResponse(b))
	}
	if api.Battery != nil {
		if reading, ok := api.Battery.Last(); ok {
			t.Battery = &reading
		}
	}
	return t
}

// TelemetryHandler streams Telemetry as JSON until the client goes away.
func (api *API) TelemetryHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		api.Logger.Debugw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// reads only serve to notice the close
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(TELEMETRY_INTERVAL)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(WRITE_WAIT))
			if err := conn.WriteJSON(api.telemetry()); err != nil {
				api.Logger.Debugw("telemetry client dropped", "error", err)
				return
			}
		}
	}
}
