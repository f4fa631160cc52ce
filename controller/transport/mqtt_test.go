package transport

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/gridsentry/derms/controller/ingest"
	"github.com/gridsentry/derms/controller/safety"
	"github.com/gridsentry/derms/controller/store"
)

// fakeMessage satisfies the broker message interface without a session.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func telemetryPayload(t *testing.T, messageID, deviceID string, tsMs int64) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{
		"v":           1,
		"messageType": "telemetry",
		"messageId":   messageID,
		"deviceId":    deviceID,
		"deviceType":  "ev",
		"timestampMs": tsMs,
		"payload": map[string]interface{}{
			"readings": map[string]interface{}{"powerKw": 4.2, "soc": 0.5},
			"status":   map[string]interface{}{"online": true},
			"feederId": "f1",
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

// padTo appends whitespace so the payload hits an exact byte length; the JSON
// decoder ignores trailing whitespace.
func padTo(t *testing.T, raw []byte, n int) []byte {
	t.Helper()
	if len(raw) > n {
		t.Fatalf("payload already %d bytes, cannot pad to %d", len(raw), n)
	}
	return append(raw, bytes.Repeat([]byte(" "), n-len(raw))...)
}

func testClient(p safety.Policy, h *ingest.Handler) *Client {
	cfg := Config{TopicPrefix: "derms", DeviceRate: 1000, DeviceBurst: 1000}
	return New(cfg, p, safety.NewState(p), safety.NewReadiness(), h)
}

func TestOnTelemetryOversizeBoundary(t *testing.T) {
	p := safety.Default()
	p.TelemetryBatchSize = 1
	p.TelemetryBatchFlush = 10 * time.Millisecond

	st := store.NewMemoryStore()
	h := ingest.New(st, nil, p)
	h.Start()
	t.Cleanup(h.Stop)

	raw := telemetryPayload(t, "88888888-8888-4888-8888-888888888881", "ev-1", time.Now().UnixMilli())
	p.MQTTMaxPayloadBytes = len(raw) + 8
	c := testClient(p, h)

	// Exactly at the limit: accepted.
	atLimit := padTo(t, raw, p.MQTTMaxPayloadBytes)
	c.onTelemetry(nil, &fakeMessage{topic: "derms/telemetry/ev-1", payload: atLimit})
	if st.TelemetryCount() != 1 {
		t.Fatalf("payload at the byte limit must be accepted, store holds %d rows", st.TelemetryCount())
	}

	// One byte over: dropped before parsing.
	over := padTo(t, telemetryPayload(t, "88888888-8888-4888-8888-888888888882", "ev-1", time.Now().UnixMilli()),
		p.MQTTMaxPayloadBytes+1)
	c.onTelemetry(nil, &fakeMessage{topic: "derms/telemetry/ev-1", payload: over})
	if st.TelemetryCount() != 1 {
		t.Errorf("oversize payload must be dropped, store holds %d rows", st.TelemetryCount())
	}
}

func TestOnTelemetryProcessingDeadline(t *testing.T) {
	p := safety.Default()
	p.MQTTProcessingTimeout = 30 * time.Millisecond

	st := store.NewMemoryStore()
	h := ingest.New(st, nil, p)
	// Flusher deliberately not started: the handler blocks until the deadline.
	c := testClient(p, h)

	raw := telemetryPayload(t, "99999999-9999-4999-8999-999999999991", "ev-1", time.Now().UnixMilli())
	start := time.Now()
	c.onTelemetry(nil, &fakeMessage{topic: "derms/telemetry/ev-1", payload: raw})
	elapsed := time.Since(start)

	if elapsed < p.MQTTProcessingTimeout {
		t.Errorf("handler returned after %v, must wait out the %v deadline", elapsed, p.MQTTProcessingTimeout)
	}
	if st.TelemetryCount() != 0 {
		t.Errorf("timed-out message must not be persisted, store holds %d rows", st.TelemetryCount())
	}
}

func TestDeviceFromTopic(t *testing.T) {
	cases := map[string]string{
		"derms/telemetry/ev-1":        "ev-1",
		"derms/telemetry/pi-42":       "pi-42",
		"derms/telemetry/ev-1/extra":  "ev-1",
		"a/b/c/battery-7":             "battery-7",
		"bare":                        "bare",
		"site/telemetry/ev-9/phase/a": "ev-9",
	}
	for topic, want := range cases {
		if got := deviceFromTopic(topic); got != want {
			t.Errorf("deviceFromTopic(%q) = %q, want %q", topic, got, want)
		}
	}
}

func TestBackoffDoubles(t *testing.T) {
	base := 500 * time.Millisecond
	want := []time.Duration{
		500 * time.Millisecond,
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
	}
	for n, w := range want {
		if got := Backoff(base, n); got != w {
			t.Errorf("Backoff(n=%d) = %v, want %v", n, got, w)
		}
	}
	if got := Backoff(base, 30); got != 30*time.Second {
		t.Errorf("Backoff must cap at 30s, got %v", got)
	}
}
