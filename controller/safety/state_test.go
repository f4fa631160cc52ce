package safety

import (
	"testing"
	"time"
)

func TestRecordFailureTripsStop(t *testing.T) {
	p := Default()
	p.MaxConsecutiveFailures = 3
	s := NewState(p)

	s.RecordFailure("db", "timeout")
	s.RecordFailure("db", "timeout")
	if s.Stopped() {
		t.Fatal("stopped too early")
	}

	s.RecordFailure("publish", "broker down")
	if !s.Stopped() {
		t.Fatal("expected stopped after 3 consecutive failures")
	}
	if s.AllowPublish() {
		t.Error("stopped state must refuse publishes")
	}

	// A successful cycle recovers.
	s.RecordSuccess()
	if s.Stopped() || s.DegradedReason() != "" || s.ConsecutiveFailures() != 0 {
		t.Errorf("RecordSuccess must clear state: %+v", s.Snapshot())
	}
	if !s.AllowPublish() {
		t.Error("recovered state must allow publishes")
	}
}

func TestStopImmediate(t *testing.T) {
	s := NewState(Default())
	s.Stop("db: STOP_LOOP policy")
	if !s.Stopped() {
		t.Fatal("Stop must take effect immediately")
	}
}

func TestLastCommandRoundTrip(t *testing.T) {
	s := NewState(Default())
	if _, ok := s.LastCommand("ev-1"); ok {
		t.Fatal("unexpected command for unknown device")
	}
	s.SetLastCommand("ev-1", 4.2, 1000, 121000)
	c, ok := s.LastCommand("ev-1")
	if !ok || c.ValueKw != 4.2 || c.ValidUntilMs != 121000 {
		t.Errorf("unexpected command: %+v ok=%v", c, ok)
	}
}

func TestBreakerOpenHalfOpenClosed(t *testing.T) {
	b := NewBreaker(3, 30*time.Second)
	now := time.Unix(1000, 0)
	b.now = func() time.Time { return now }

	if b.State() != BreakerClosed {
		t.Fatal("new breaker must be closed")
	}

	for i := 0; i < 3; i++ {
		if !b.Allow() {
			t.Fatalf("closed breaker must allow (failure %d)", i)
		}
		b.RecordFailure()
	}
	if b.State() != BreakerOpen {
		t.Fatalf("expected open after threshold, got %v", b.State())
	}
	if b.Allow() {
		t.Fatal("open breaker must fail fast")
	}

	// Cooldown elapses: exactly one probe is admitted.
	now = now.Add(31 * time.Second)
	if b.State() != BreakerHalfOpen {
		t.Fatalf("expected half_open after cooldown, got %v", b.State())
	}
	if !b.Allow() {
		t.Fatal("half-open breaker must admit one probe")
	}
	if b.Allow() {
		t.Fatal("second caller must wait for the probe outcome")
	}

	// Failed probe re-opens for another cooldown.
	b.RecordFailure()
	if b.State() != BreakerOpen || b.Allow() {
		t.Fatal("failed probe must re-open the breaker")
	}

	// After another cooldown a successful probe closes it.
	now = now.Add(31 * time.Second)
	if !b.Allow() {
		t.Fatal("expected probe admission after second cooldown")
	}
	b.RecordSuccess()
	if b.State() != BreakerClosed {
		t.Fatalf("successful probe must close the breaker, got %v", b.State())
	}
	if !b.Allow() {
		t.Fatal("closed breaker must allow")
	}
}

func TestNoteMqttFailureOpensBreaker(t *testing.T) {
	p := Default()
	p.MQTTBreakerThreshold = 2
	s := NewState(p)

	s.NoteMqttFailure("publish timeout")
	if s.BreakerState() != BreakerClosed {
		t.Fatal("one failure must not open the breaker")
	}
	s.NoteMqttFailure("publish timeout")
	if s.BreakerState() != BreakerOpen {
		t.Fatal("threshold failures must open the breaker")
	}
	if s.AllowPublish() {
		t.Error("open breaker must short-circuit publishes")
	}
	if s.DegradedReason() != "mqtt: publish timeout" {
		t.Errorf("unexpected degraded reason %q", s.DegradedReason())
	}
}

func TestReadinessGate(t *testing.T) {
	r := NewReadiness()
	if ok, _ := r.Ready(); ok {
		t.Fatal("fresh readiness must not be ready")
	}
	r.SetDBReady(true, "")
	if ok, reason := r.Ready(); ok || reason == "" {
		t.Fatalf("bus still down: ok=%v reason=%q", ok, reason)
	}
	r.SetBusReady(true, "")
	if ok, _ := r.Ready(); !ok {
		t.Fatal("both bits up must be ready")
	}
	r.SetDBReady(false, "connection refused")
	ok, reason := r.Ready()
	if ok || reason != "db: connection refused" {
		t.Errorf("expected db reason, got ok=%v reason=%q", ok, reason)
	}
}
