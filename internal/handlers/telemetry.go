package handlers

import (
	"net/http"
	"time"

	"photoflow/internal/logging"
	"photoflow/internal/metrics"
	"photoflow/internal/telemetry"

	"github.com/gorilla/websocket"
)

// GetTelemetrySnapshot returns the current aggregated telemetry view merged
// with live queue depths.
func (h *Handlers) GetTelemetrySnapshot(w http.ResponseWriter, _ *http.Request) {
	snapshot := h.store.Snapshot(h.poller.Latest())

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	writeJSON(w, snapshot)
}

const (
	streamWriteWait     = 10 * time.Second
	streamPongWait      = 60 * time.Second
	streamPingPeriod    = (streamPongWait * 9) / 10
	streamHeartbeatTick = 15 * time.Second
	streamResyncTick    = 45 * time.Second
	streamBuffer        = 64
)

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type streamFrame struct {
	Event         string              `json:"event"`
	SchemaVersion string              `json:"schemaVersion,omitempty"`
	State         *telemetry.Snapshot `json:"state,omitempty"`
	Data          *telemetry.Event    `json:"data,omitempty"`
	At            string              `json:"at,omitempty"`
}

// StreamTelemetry upgrades to a websocket and pushes a full-state frame on
// connect, incremental event frames as they occur, periodic heartbeats, and
// periodic full resyncs.
func (h *Handlers) StreamTelemetry(w http.ResponseWriter, r *http.Request) {
	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("telemetry stream upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	metrics.TelemetryStreamClients.Inc()
	defer metrics.TelemetryStreamClients.Dec()

	events := make(chan telemetry.Event, streamBuffer)
	overflow := make(chan struct{}, 1)
	unsubscribe := h.store.Subscribe(func(ev telemetry.Event) {
		select {
		case events <- ev:
		default:
			// Slow consumer; drop the connection rather than block the store.
			select {
			case overflow <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	// Reader goroutine consumes control frames and signals disconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(frame streamFrame) error {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		return conn.WriteJSON(frame)
	}

	snapshot := h.store.Snapshot(h.poller.Latest())
	if err := write(streamFrame{Event: "state_sync", State: &snapshot}); err != nil {
		return
	}

	heartbeat := time.NewTicker(streamHeartbeatTick)
	defer heartbeat.Stop()
	resync := time.NewTicker(streamResyncTick)
	defer resync.Stop()
	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-overflow:
			logging.Warn("telemetry stream client too slow, disconnecting")
			return
		case ev := <-events:
			if err := write(streamFrame{Event: "event", SchemaVersion: telemetry.SchemaVersion, Data: &ev}); err != nil {
				return
			}
		case <-heartbeat.C:
			frame := streamFrame{Event: "heartbeat", At: time.Now().UTC().Format(time.RFC3339)}
			if err := write(frame); err != nil {
				return
			}
		case <-resync.C:
			current := h.store.Snapshot(h.poller.Latest())
			if err := write(streamFrame{Event: "state_sync", State: &current}); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
