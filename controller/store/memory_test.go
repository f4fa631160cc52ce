package store

import (
	"context"
	"testing"
)

func i64(v int64) *int64 { return &v }

func TestInsertTelemetryBatchDedupe(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rows := []*TelemetryRow{
		{MessageID: "m1", DeviceID: "ev-1", TsMs: 1000, PowerKw: 2, FeederID: "f1"},
		{MessageID: "m2", DeviceID: "ev-1", TsMs: 2000, PowerKw: 3, FeederID: "f1"},
	}
	outcomes, err := s.InsertTelemetryBatch(ctx, rows)
	if err != nil {
		t.Fatal(err)
	}
	if outcomes[0] != OutcomeInserted || outcomes[1] != OutcomeInserted {
		t.Fatalf("unexpected outcomes %v", outcomes)
	}

	// Replay in a later batch: same messageId, duplicate outcome, no new row.
	outcomes, err = s.InsertTelemetryBatch(ctx, rows[:1])
	if err != nil {
		t.Fatal(err)
	}
	if outcomes[0] != OutcomeDuplicate {
		t.Errorf("replay outcome = %v, want duplicate", outcomes[0])
	}
	if s.TelemetryCount() != 2 {
		t.Errorf("row count = %d, want 2", s.TelemetryCount())
	}
}

func TestLatestPerDeviceOrdering(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	// Same tsMs: sentAtMs breaks the tie. Insertion order is deliberately
	// newest-first to prove ordering does not depend on arrival order.
	rows := []*TelemetryRow{
		{MessageID: "a", DeviceID: "ev-1", TsMs: 2000, SentAtMs: i64(5), PowerKw: 9, FeederID: "f1"},
		{MessageID: "b", DeviceID: "ev-1", TsMs: 2000, SentAtMs: i64(9), PowerKw: 7, FeederID: "f1"},
		{MessageID: "c", DeviceID: "ev-1", TsMs: 1000, PowerKw: 1, FeederID: "f1"},
		{MessageID: "d", DeviceID: "ev-2", TsMs: 500, PowerKw: 4, FeederID: "f2"},
	}
	if _, err := s.InsertTelemetryBatch(ctx, rows); err != nil {
		t.Fatal(err)
	}

	latest, err := s.LatestPerDevice(ctx, "f1")
	if err != nil {
		t.Fatal(err)
	}
	if len(latest) != 1 {
		t.Fatalf("feeder filter failed: %d rows", len(latest))
	}
	if latest[0].MessageID != "b" {
		t.Errorf("latest row = %s, want b (larger sentAtMs at equal tsMs)", latest[0].MessageID)
	}

	all, _ := s.LatestPerDevice(ctx, "")
	if len(all) != 2 {
		t.Errorf("unscoped query returned %d devices, want 2", len(all))
	}
}

func TestActiveEventTieBreak(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	events := []*LimitEvent{
		{ID: "e1", FeederID: "f1", TsStartMs: 0, TsEndMs: 10_000, LimitKw: 8},
		{ID: "e2", FeederID: "f1", TsStartMs: 2_000, TsEndMs: 10_000, LimitKw: 5},
		{ID: "e3", FeederID: "f2", TsStartMs: 0, TsEndMs: 10_000, LimitKw: 3},
	}
	for _, e := range events {
		if err := s.CreateLimitEvent(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	// Both f1 events cover t=5000; the later start wins.
	e, err := s.ActiveEvent(ctx, 5_000, "f1")
	if err != nil {
		t.Fatal(err)
	}
	if e == nil || e.ID != "e2" {
		t.Fatalf("active event = %+v, want e2", e)
	}

	// Window end is exclusive.
	if e, _ := s.ActiveEvent(ctx, 10_000, "f1"); e != nil {
		t.Errorf("event active at its end instant: %+v", e)
	}

	limit, _ := s.CurrentLimit(ctx, 5_000, "f1", 100)
	if limit != 5 {
		t.Errorf("current limit = %.1f, want 5", limit)
	}
	limit, _ = s.CurrentLimit(ctx, 50_000, "f1", 100)
	if limit != 100 {
		t.Errorf("limit without active event = %.1f, want default 100", limit)
	}
}

func TestDRProgramSingleActive(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	p1 := &DRProgram{ID: "p1", Mode: DRModeFixedCap, TsStartMs: 0, TsEndMs: 10_000, IsActive: true}
	p2 := &DRProgram{ID: "p2", Mode: DRModePriceElastic, TsStartMs: 0, TsEndMs: 10_000, IsActive: true}
	if err := s.CreateDRProgram(ctx, p1); err != nil {
		t.Fatal(err)
	}
	// Activating a new program deactivates the previous one.
	if err := s.CreateDRProgram(ctx, p2); err != nil {
		t.Fatal(err)
	}

	active, err := s.ActiveProgram(ctx, 5_000)
	if err != nil {
		t.Fatal(err)
	}
	if active == nil || active.ID != "p2" {
		t.Fatalf("active program = %+v, want p2", active)
	}

	if err := s.ActivateDRProgram(ctx, "p1"); err != nil {
		t.Fatal(err)
	}
	active, _ = s.ActiveProgram(ctx, 5_000)
	if active == nil || active.ID != "p1" {
		t.Fatalf("after activation, active = %+v, want p1", active)
	}

	// Out of window: no active program even when flagged.
	if p, _ := s.ActiveProgram(ctx, 50_000); p != nil {
		t.Errorf("out-of-window program reported active: %+v", p)
	}
}

func TestUpsertDevicePhysicalPrefix(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.UpsertDevice(ctx, &Device{ID: "pi-3", Type: "pv", FeederID: "f1"}); err != nil {
		t.Fatal(err)
	}
	d, err := s.GetDevice(ctx, "pi-3")
	if err != nil {
		t.Fatal(err)
	}
	if !d.IsPhysical {
		t.Error("pi- prefix must force isPhysical")
	}
	if !d.Dispatchable() {
		t.Error("physical pv must be dispatchable")
	}
	if d.Priority != 1 {
		t.Errorf("priority floor = %d, want 1", d.Priority)
	}
}

func TestTrackingErrorWindow(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rows := []*TelemetryRow{
		{MessageID: "t1", DeviceID: "ev-1", TsMs: 1000, PowerKw: 4, FeederID: "f1"},
		{MessageID: "t2", DeviceID: "ev-2", TsMs: 1000, PowerKw: 2, FeederID: "f1"},
	}
	if _, err := s.InsertTelemetryBatch(ctx, rows); err != nil {
		t.Fatal(err)
	}
	s.RecordSetpoint("ev-1", 5) // |4-5| = 1
	s.RecordSetpoint("ev-2", 2) // |2-2| = 0

	got, err := s.TrackingErrorWindow(ctx, 15, "f1")
	if err != nil {
		t.Fatal(err)
	}
	if got != 0.5 {
		t.Errorf("tracking error = %.3f, want 0.5", got)
	}
}
