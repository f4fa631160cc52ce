package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gridsentry/derms/controller/ingest"
	"github.com/gridsentry/derms/controller/safety"
	"github.com/gridsentry/derms/controller/store"
)

// BusStatus is the health slice of the transport.
type BusStatus interface {
	Status() (connected bool, lastError string)
}

// Health assembles the process health snapshot.
type Health struct {
	loop   *Loop
	store  store.Store
	ingest *ingest.Handler
	bus    BusStatus
	state  *safety.State
	policy safety.Policy
}

func NewHealth(loop *Loop, st store.Store, ing *ingest.Handler, bus BusStatus, state *safety.State, policy safety.Policy) *Health {
	return &Health{loop: loop, store: st, ingest: ing, bus: bus, state: state, policy: policy}
}

type healthDB struct {
	OK bool `json:"ok"`
}

type healthBus struct {
	Connected bool   `json:"connected"`
	LastError string `json:"lastError,omitempty"`
}

type healthLoop struct {
	Status                  string   `json:"status"`
	LastIterationIso        string   `json:"lastIterationIso,omitempty"`
	LastDurationMs          int64    `json:"lastDurationMs"`
	LastError               string   `json:"lastError,omitempty"`
	OfflineDevices          []string `json:"offlineDevices"`
	OfflineCount            int      `json:"offlineCount"`
	HeartbeatTimeoutSeconds int      `json:"heartbeatTimeoutSeconds"`
	StallThresholdSeconds   int      `json:"stallThresholdSeconds"`
}

type healthSnapshot struct {
	Status      string     `json:"status"` // ok | degraded | error
	DB          healthDB   `json:"db"`
	Bus         healthBus  `json:"bus"`
	ControlLoop healthLoop `json:"controlLoop"`
}

// loopStatus resolves the control loop status, folding in the stopped state
// and stall detection.
func (h *Health) loopStatus(now time.Time) (status string, lastFinishMs, lastDurationMs int64, lastErr string) {
	h.loop.mu.Lock()
	status = h.loop.status
	lastFinishMs = h.loop.lastFinishMs
	lastDurationMs = h.loop.lastDurationMs
	lastErr = h.loop.lastError
	ran := h.loop.cycleCount > 0
	h.loop.mu.Unlock()

	if h.state.Stopped() {
		return "error", lastFinishMs, lastDurationMs, h.state.StoppedReason()
	}
	if ran && now.UnixMilli()-lastFinishMs > h.policy.StallThreshold.Milliseconds() {
		return "stalled", lastFinishMs, lastDurationMs, lastErr
	}
	return status, lastFinishMs, lastDurationMs, lastErr
}

// Snapshot builds the health document.
func (h *Health) Snapshot(ctx context.Context) healthSnapshot {
	now := time.Now()

	pingCtx, cancel := context.WithTimeout(ctx, h.policy.DBQueryTimeout)
	defer cancel()
	dbOK := h.store.Ping(pingCtx) == nil

	connected, busErr := h.bus.Status()

	loopStatus, lastFinishMs, lastDurationMs, loopErr := h.loopStatus(now)

	offline := h.ingest.OfflineDevices(now.UnixMilli(), h.policy.DeviceHeartbeatTimeout)
	if offline == nil {
		offline = []string{}
	}

	overall := "ok"
	switch {
	case loopStatus == "error" || h.state.Stopped():
		overall = "error"
	case !dbOK || !connected || loopStatus == "degraded" || loopStatus == "stalled":
		overall = "degraded"
	}

	var lastIso string
	if lastFinishMs > 0 {
		lastIso = time.UnixMilli(lastFinishMs).UTC().Format(time.RFC3339)
	}

	return healthSnapshot{
		Status: overall,
		DB:     healthDB{OK: dbOK},
		Bus:    healthBus{Connected: connected, LastError: busErr},
		ControlLoop: healthLoop{
			Status:                  loopStatus,
			LastIterationIso:        lastIso,
			LastDurationMs:          lastDurationMs,
			LastError:               loopErr,
			OfflineDevices:          offline,
			OfflineCount:            len(offline),
			HeartbeatTimeoutSeconds: int(h.policy.DeviceHeartbeatTimeout.Seconds()),
			StallThresholdSeconds:   int(h.policy.StallThreshold.Seconds()),
		},
	}
}

// ServeHTTP answers /health. Degraded and error states still return 200; the
// body carries the detail so orchestrators can distinguish liveness from
// readiness.
func (h *Health) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snap := h.Snapshot(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if snap.Status == "error" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(snap)
}

// Debug answers /debug/controller with the internal state dump.
func (h *Health) Debug(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.policy.DBQueryTimeout)
	defer cancel()

	trackingErr, terr := h.store.TrackingErrorWindow(ctx, 15, "")

	h.loop.mu.Lock()
	loopDump := map[string]interface{}{
		"status":         h.loop.status,
		"lastStartMs":    h.loop.lastStartMs,
		"lastFinishMs":   h.loop.lastFinishMs,
		"lastDurationMs": h.loop.lastDurationMs,
		"lastError":      h.loop.lastError,
		"cycleCount":     h.loop.cycleCount,
	}
	h.loop.mu.Unlock()

	dump := map[string]interface{}{
		"loop":            loopDump,
		"safety":          h.state.Snapshot(),
		"ingestQueue":     h.ingest.QueueDepth(),
		"heartbeats":      len(h.ingest.Heartbeats()),
		"allocationMode":  h.policy.AllocationMode,
		"controlInterval": h.policy.ControlInterval.String(),
	}
	if terr == nil {
		dump["trackingErrorKw15m"] = trackingErr
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(dump)
}
