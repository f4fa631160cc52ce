package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory Store for tests and single-node dev mode.
// Not durable: everything is lost on restart.
type MemoryStore struct {
	mu        sync.RWMutex
	devices   map[string]*Device
	telemetry []*TelemetryRow
	seenIDs   map[string]bool
	events    []*LimitEvent
	programs  map[string]*DRProgram
	decisions []*DecisionRecord

	// lastSetpoints feeds TrackingErrorWindow; keyed by deviceId.
	lastSetpoints map[string]float64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:       make(map[string]*Device),
		seenIDs:       make(map[string]bool),
		programs:      make(map[string]*DRProgram),
		lastSetpoints: make(map[string]float64),
	}
}

// --- Device operations ---

func (s *MemoryStore) ListDevices(ctx context.Context) ([]*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Device, 0, len(s.devices))
	for _, d := range s.devices {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpsertDevice(ctx context.Context, d *Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *d
	if strings.HasPrefix(cp.ID, PhysicalIDPrefix) {
		cp.IsPhysical = true
	}
	if cp.Priority < 1 {
		cp.Priority = 1
	}
	s.devices[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[id]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) ListFeeders(ctx context.Context) ([]FeederInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for _, d := range s.devices {
		counts[d.FeederID]++
	}
	out := make([]FeederInfo, 0, len(counts))
	for id, n := range counts {
		out = append(out, FeederInfo{FeederID: id, DeviceCount: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FeederID < out[j].FeederID })
	return out, nil
}

// --- Telemetry operations ---

func (s *MemoryStore) InsertTelemetryBatch(ctx context.Context, rows []*TelemetryRow) ([]InsertOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	outcomes := make([]InsertOutcome, len(rows))
	for i, r := range rows {
		if s.seenIDs[r.MessageID] {
			outcomes[i] = OutcomeDuplicate
			continue
		}
		cp := *r
		s.telemetry = append(s.telemetry, &cp)
		s.seenIDs[r.MessageID] = true
		outcomes[i] = OutcomeInserted
	}
	return outcomes, nil
}

func (s *MemoryStore) LatestPerDevice(ctx context.Context, feederID string) ([]*TelemetryRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := make(map[string]*TelemetryRow)
	for _, r := range s.telemetry {
		if feederID != "" && r.FeederID != feederID {
			continue
		}
		cur, ok := latest[r.DeviceID]
		if !ok || newerRow(r, cur) {
			latest[r.DeviceID] = r
		}
	}
	out := make([]*TelemetryRow, 0, len(latest))
	for _, r := range latest {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

// newerRow compares (tsMs, sentAtMs) lexicographically.
func newerRow(a, b *TelemetryRow) bool {
	if a.TsMs != b.TsMs {
		return a.TsMs > b.TsMs
	}
	var sa, sb int64
	if a.SentAtMs != nil {
		sa = *a.SentAtMs
	}
	if b.SentAtMs != nil {
		sb = *b.SentAtMs
	}
	return sa > sb
}

func (s *MemoryStore) RecentTelemetry(ctx context.Context, deviceID string, limit int) ([]*TelemetryRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*TelemetryRow
	for i := len(s.telemetry) - 1; i >= 0 && len(out) < limit; i-- {
		if s.telemetry[i].DeviceID == deviceID {
			cp := *s.telemetry[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) TrackingErrorWindow(ctx context.Context, minutes int, feederID string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum float64
	var n int
	for _, r := range s.telemetry {
		if feederID != "" && r.FeederID != feederID {
			continue
		}
		sp, ok := s.lastSetpoints[r.DeviceID]
		if !ok {
			continue
		}
		diff := r.PowerKw - sp
		if diff < 0 {
			diff = -diff
		}
		sum += diff
		n++
	}
	if n == 0 {
		return 0, nil
	}
	return sum / float64(n), nil
}

func (s *MemoryStore) FeederHistory(ctx context.Context, feederID string, fromMs, toMs int64) ([]*TelemetryRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*TelemetryRow
	for _, r := range s.telemetry {
		if r.FeederID != feederID || r.TsMs < fromMs || r.TsMs > toMs {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

// RecordSetpoint remembers the last commanded power for tracking error.
// Only the memory backend needs this hook; Postgres reads it from decision rows.
func (s *MemoryStore) RecordSetpoint(deviceID string, kw float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSetpoints[deviceID] = kw
}

// --- Limit events ---

func (s *MemoryStore) ActiveEvent(ctx context.Context, nowMs int64, feederID string) (*LimitEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *LimitEvent
	for _, e := range s.events {
		if e.FeederID != feederID || nowMs < e.TsStartMs || nowMs >= e.TsEndMs {
			continue
		}
		if best == nil || e.TsStartMs > best.TsStartMs {
			best = e
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (s *MemoryStore) CurrentLimit(ctx context.Context, nowMs int64, feederID string, defaultKw float64) (float64, error) {
	e, err := s.ActiveEvent(ctx, nowMs, feederID)
	if err != nil {
		return 0, err
	}
	if e == nil {
		return defaultKw, nil
	}
	return e.LimitKw, nil
}

func (s *MemoryStore) CreateLimitEvent(ctx context.Context, e *LimitEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *e
	s.events = append(s.events, &cp)
	return nil
}

// --- DR programs ---

func (s *MemoryStore) ActiveProgram(ctx context.Context, nowMs int64) (*DRProgram, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.programs {
		if p.IsActive && p.InWindow(nowMs) {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) CreateDRProgram(ctx context.Context, p *DRProgram) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	if cp.IsActive {
		for _, other := range s.programs {
			other.IsActive = false
		}
	}
	s.programs[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) ActivateDRProgram(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for pid, p := range s.programs {
		p.IsActive = pid == id
	}
	return nil
}

// --- Decision records ---

func (s *MemoryStore) WriteDecisionRecord(ctx context.Context, rec *DecisionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	s.decisions = append(s.decisions, &cp)
	for _, f := range rec.Feeders {
		for _, d := range f.Devices {
			if d.Published {
				s.lastSetpoints[d.DeviceID] = d.SetpointKw
			}
		}
	}
	return nil
}

// DecisionRecords returns all persisted records (test helper).
func (s *MemoryStore) DecisionRecords() []*DecisionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*DecisionRecord, len(s.decisions))
	copy(out, s.decisions)
	return out
}

// TelemetryCount returns the number of persisted rows (test helper).
func (s *MemoryStore) TelemetryCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.telemetry)
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() {}
