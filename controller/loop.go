package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridsentry/derms/controller/allocator"
	"github.com/gridsentry/derms/controller/contracts"
	"github.com/gridsentry/derms/controller/observability"
	"github.com/gridsentry/derms/controller/safety"
	"github.com/gridsentry/derms/controller/store"
	"github.com/gridsentry/derms/controller/stream"
)

const allocEpsilon = 0.001

// Publisher is the outbound slice of the transport the loop depends on.
type Publisher interface {
	PublishSetpoint(ctx context.Context, msg *contracts.SetpointMessage) error
}

// Loop runs the periodic control cycle: snapshot, headroom, DR, allocation,
// diff publish, decision record. At most one cycle is in flight.
type Loop struct {
	store  store.Store
	pub    Publisher
	alloc  *allocator.Allocator
	policy safety.Policy
	state  *safety.State
	ready  *safety.Readiness
	hub    *stream.Hub // may be nil

	cycleMu sync.Mutex
	now     func() time.Time

	mu             sync.Mutex
	status         string // idle | ok | degraded | error | stalled
	lastStartMs    int64
	lastFinishMs   int64
	lastDurationMs int64
	lastError      string
	cycleCount     int64
}

func NewLoop(st store.Store, pub Publisher, policy safety.Policy, state *safety.State, ready *safety.Readiness, hub *stream.Hub) *Loop {
	return &Loop{
		store:  st,
		pub:    pub,
		alloc:  allocator.New(),
		policy: policy,
		state:  state,
		ready:  ready,
		hub:    hub,
		now:    time.Now,
		status: "idle",
	}
}

// Run ticks the control cycle until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.policy.ControlInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !l.cycleMu.TryLock() {
				// Previous cycle still running; skip and record the lag.
				l.mu.Lock()
				startMs := l.lastStartMs
				l.mu.Unlock()
				lag := float64(l.now().UnixMilli()-startMs) / 1000
				observability.IntervalLag.Observe(lag)
				log.Printf("cycle still in flight after %.1fs, tick skipped", lag)
				continue
			}
			l.RunCycle(ctx)
			l.cycleMu.Unlock()
		}
	}
}

// RunCycleLocked acquires the cycle mutex and runs one cycle; used by tests
// and the debug endpoint.
func (l *Loop) RunCycleLocked(ctx context.Context) *store.DecisionRecord {
	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()
	return l.RunCycle(ctx)
}

// RunCycle executes one control cycle. The caller holds cycleMu.
func (l *Loop) RunCycle(ctx context.Context) *store.DecisionRecord {
	nowMs := l.now().UnixMilli()

	l.mu.Lock()
	l.lastStartMs = nowMs
	firstCycle := l.cycleCount == 0
	l.mu.Unlock()

	if ok, reason := l.ready.Ready(); !ok {
		l.setStatus("degraded", reason)
		observability.LoopUp.Set(0)
		log.Printf("cycle skipped, not ready: %s", reason)
		return nil
	}

	rec := &store.DecisionRecord{
		CycleID:     uuid.NewString(),
		StartedAtMs: nowMs,
		Allocator:   l.policy.AllocationMode,
	}

	devices, prog, err := l.snapshot(ctx, nowMs)
	if err != nil {
		l.onRepositoryError(ctx, "snapshot", err, rec, devices)
		return rec
	}

	byFeeder := groupByFeeder(devices, l.policy.DefaultFeederID)
	feederIDs := make([]string, 0, len(byFeeder))
	for id := range byFeeder {
		feederIDs = append(feederIDs, id)
	}
	sort.Strings(feederIDs)

	// Feeders are independent; run them in parallel within the cycle.
	var wg sync.WaitGroup
	results := make([]*feederResult, len(feederIDs))
	for i, feederID := range feederIDs {
		wg.Add(1)
		go func(i int, feederID string) {
			defer wg.Done()
			results[i] = l.runFeeder(ctx, feederID, byFeeder[feederID], prog, nowMs, firstCycle)
		}(i, feederID)
	}
	wg.Wait()

	var dbErr error
	for _, res := range results {
		if res.err != nil && dbErr == nil {
			dbErr = res.err
		}
		rec.Feeders = append(rec.Feeders, res.decision)
	}
	if dbErr != nil {
		l.onRepositoryError(ctx, "feeder", dbErr, rec, devices)
		return rec
	}

	// Publish phase: fan out across feeders, one in-flight publish per device.
	published, failed, pubErr := l.publishPhase(ctx, rec, results, nowMs)
	rec.PublishedCount = published
	rec.FailedCount = failed

	l.finishCycle(ctx, rec)

	if failed > 0 {
		l.state.RecordFailure("mqtt", pubErr.Error())
		observability.CycleFailures.WithLabelValues("publish", "error").Inc()
		l.setStatus("degraded", "mqtt: "+pubErr.Error())
		observability.LoopUp.Set(0)
	} else {
		l.state.RecordSuccess()
		l.setStatus("ok", "")
		observability.LoopUp.Set(1)
	}
	observability.ConsecutiveFailures.Set(float64(l.state.ConsecutiveFailures()))
	return rec
}

// snapshot loads the device list and the active DR program under the query
// timeout.
func (l *Loop) snapshot(ctx context.Context, nowMs int64) ([]*store.Device, *store.DRProgram, error) {
	dbCtx, cancel := context.WithTimeout(ctx, l.policy.DBQueryTimeout)
	defer cancel()

	devices, err := l.store.ListDevices(dbCtx)
	if err != nil {
		return nil, nil, fmt.Errorf("list devices: %w", err)
	}
	prog, err := l.store.ActiveProgram(dbCtx, nowMs)
	if err != nil {
		return devices, nil, fmt.Errorf("active dr program: %w", err)
	}
	return devices, prog, nil
}

// plannedPublish points at a decision entry whose setpoint should go out.
type plannedPublish struct {
	deviceIdx  int
	deviceType string
	valueKw    float64
}

type feederResult struct {
	decision store.FeederDecision
	planned  []plannedPublish
	err      error
}

// runFeeder resolves the feeder limit, partitions telemetry by freshness,
// applies the DR policy, and allocates headroom.
func (l *Loop) runFeeder(ctx context.Context, feederID string, devices []*store.Device, prog *store.DRProgram, nowMs int64, firstCycle bool) *feederResult {
	res := &feederResult{decision: store.FeederDecision{FeederID: feederID}}

	dbCtx, cancel := context.WithTimeout(ctx, l.policy.DBQueryTimeout)
	defer cancel()

	limitKw, err := l.store.CurrentLimit(dbCtx, nowMs, feederID, l.policy.FeederDefaultLimitKw)
	if err != nil {
		res.err = fmt.Errorf("feeder %s limit: %w", feederID, err)
		return res
	}
	rows, err := l.store.LatestPerDevice(dbCtx, feederID)
	if err != nil {
		res.err = fmt.Errorf("feeder %s telemetry: %w", feederID, err)
		return res
	}
	latest := make(map[string]*store.TelemetryRow, len(rows))
	for _, r := range rows {
		latest[r.DeviceID] = r
	}

	staleMs := l.policy.TelemetryStale.Milliseconds()
	holdMaxMs := l.policy.HoldLastMax.Milliseconds()

	fd := &res.decision
	fd.LimitKw = limitKw

	var (
		candidates []allocator.Candidate
		byID       = make(map[string]*store.Device, len(devices))
		staleZero  = make(map[string]bool) // publish 0 with STALE_TELEMETRY
		nonDispKw  float64
	)

	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })

	for _, d := range devices {
		byID[d.ID] = d
		row := latest[d.ID]

		ageMs := int64(-1)
		fresh := false
		if row != nil {
			ageMs = nowMs - row.TsMs
			fresh = ageMs <= staleMs
		}

		dd := store.DeviceDecision{
			DeviceID:       d.ID,
			DeviceType:     d.Type,
			TelemetryAgeMs: ageMs,
		}
		if row != nil {
			dd.Soc = row.Soc
		}

		if fresh {
			fd.FreshCount++
			dd.ActualKw = row.PowerKw
			fd.TotalActualKw += row.PowerKw
			if !d.Dispatchable() {
				nonDispKw += row.PowerKw
			} else {
				candidates = append(candidates, allocator.Candidate{
					DeviceID: d.ID,
					PMaxKw:   d.PMaxKw,
					Priority: d.Priority,
					Soc:      row.Soc,
				})
			}
			fd.Devices = append(fd.Devices, dd)
			continue
		}

		// Stale or missing telemetry.
		fd.StaleCount++
		dd.ReasonCodes = append(dd.ReasonCodes, store.ReasonStaleTelemetry)

		switch l.policy.MissingBehavior {
		case safety.StaleHoldLast:
			if row != nil && ageMs <= holdMaxMs {
				// Reuse the last known sample; the device stays allocatable.
				dd.ActualKw = row.PowerKw
				fd.TotalActualKw += row.PowerKw
				if !d.Dispatchable() {
					nonDispKw += row.PowerKw
				} else {
					candidates = append(candidates, allocator.Candidate{
						DeviceID: d.ID,
						PMaxKw:   d.PMaxKw,
						Priority: d.Priority,
						Soc:      row.Soc,
					})
				}
			} else if d.Dispatchable() {
				staleZero[d.ID] = true
			}
		case safety.StaleExcludeDevice:
			// Removed from this cycle entirely; no publish.
		default: // SAFE_ZERO
			if d.Dispatchable() {
				staleZero[d.ID] = true
			}
		}
		fd.Devices = append(fd.Devices, dd)
	}

	rawHeadroom := limitKw - nonDispKw
	fd.RawHeadroomKw = rawHeadroom

	adjusted, drReason := allocator.ApplyDRPolicy(prog, rawHeadroom, nowMs, l.policy.DRKBoost, l.policy.DRKShed)
	// A price boost never overrides the hard feeder limit.
	effective := adjusted
	if effective > rawHeadroom {
		effective = rawHeadroom
	}
	if effective < 0 {
		effective = 0
	}
	fd.EffectiveHeadroomKw = effective
	if prog != nil && drReason != "" {
		fd.DRProgramID = prog.ID
		fd.DRReasonCode = drReason
	}

	alloc := l.alloc.Allocate(feederID, candidates, effective, allocator.ParamsFromPolicy(l.policy))

	allocatedTotal := 0.0
	for _, kw := range alloc {
		allocatedTotal += kw
	}
	fd.AllocatedKw = allocatedTotal
	fd.UnusedKw = math.Max(effective-allocatedTotal, 0)

	headroomExhausted := effective-allocatedTotal <= allocEpsilon

	for i := range fd.Devices {
		dd := &fd.Devices[i]
		d := byID[dd.DeviceID]
		if !d.Dispatchable() {
			continue
		}

		kw, inAlloc := alloc[dd.DeviceID]
		switch {
		case inAlloc:
			dd.AllocatedKw = kw
			dd.SetpointKw = kw
			if firstCycle && l.policy.RestartBehavior == safety.StaleSafeZero {
				dd.SetpointKw = 0
			}
			dd.ReasonCodes = append(dd.ReasonCodes, l.reasonsFor(d, dd.Soc, kw, headroomExhausted)...)
			if drReason != "" {
				dd.ReasonCodes = append(dd.ReasonCodes, drReason)
			}
			res.planned = append(res.planned, plannedPublish{deviceIdx: i, deviceType: d.Type, valueKw: dd.SetpointKw})
		case staleZero[dd.DeviceID]:
			dd.SetpointKw = 0
			res.planned = append(res.planned, plannedPublish{deviceIdx: i, deviceType: d.Type, valueKw: 0})
		}
	}
	return res
}

// reasonsFor derives the per-device reason codes for an allocated setpoint.
func (l *Loop) reasonsFor(d *store.Device, soc *float64, kw float64, headroomExhausted bool) []string {
	if l.policy.OptimizerEnforceTargetSoc && soc != nil && *soc >= l.policy.TargetSoc {
		return []string{store.ReasonSocAtTarget}
	}
	if d.PMaxKw > 0 && kw >= d.PMaxKw-allocEpsilon {
		return []string{store.ReasonPMaxClamp}
	}
	if headroomExhausted {
		return []string{store.ReasonHeadroomLimit}
	}
	return nil
}

// publishPhase diffs planned setpoints against the last acknowledged commands
// and fans out the publishes. Failures are collected, never aborting the
// cycle.
func (l *Loop) publishPhase(ctx context.Context, rec *store.DecisionRecord, results []*feederResult, nowMs int64) (published, failed int, firstErr error) {
	validUntilMs := nowMs + 2*l.policy.ControlInterval.Milliseconds()
	earlyMs := l.policy.PublishEarly.Milliseconds()

	type outcome struct {
		feederIdx, deviceIdx int
		err                  error
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var outcomes []outcome

	for fi, res := range results {
		fd := &rec.Feeders[fi]
		for _, plan := range res.planned {
			dd := &fd.Devices[plan.deviceIdx]

			prev, had := l.state.LastCommand(dd.DeviceID)
			changed := !had || math.Abs(plan.valueKw-prev.ValueKw) > l.policy.PublishEpsilonKw
			expiring := had && prev.ValidUntilMs-nowMs <= earlyMs
			if !changed && !expiring {
				continue
			}

			msg := l.buildSetpoint(dd.DeviceID, plan.deviceType, plan.valueKw, nowMs, validUntilMs, rec.CycleID)
			wg.Add(1)
			go func(fi, di int, deviceID string, value float64, msg *contracts.SetpointMessage) {
				defer wg.Done()
				err := l.pub.PublishSetpoint(ctx, msg)
				if err == nil {
					l.state.SetLastCommand(deviceID, value, nowMs, validUntilMs)
				}
				mu.Lock()
				outcomes = append(outcomes, outcome{fi, di, err})
				mu.Unlock()
			}(fi, plan.deviceIdx, dd.DeviceID, plan.valueKw, msg)
		}
	}
	wg.Wait()

	for _, o := range outcomes {
		dd := &rec.Feeders[o.feederIdx].Devices[o.deviceIdx]
		if o.err != nil {
			failed++
			dd.PublishError = o.err.Error()
			if firstErr == nil {
				firstErr = o.err
			}
			continue
		}
		published++
		dd.Published = true
		observability.AllocatedKw.WithLabelValues(dd.DeviceType).Observe(math.Abs(dd.SetpointKw))
	}
	return published, failed, firstErr
}

func (l *Loop) buildSetpoint(deviceID, deviceType string, valueKw float64, nowMs, validUntilMs int64, cycleID string) *contracts.SetpointMessage {
	mode := contracts.ModeIdle
	switch {
	case deviceType == store.DeviceTypePV:
		mode = contracts.ModeLimit
	case valueKw > 0:
		mode = contracts.ModeCharge
	case valueKw < 0:
		mode = contracts.ModeDischarge
	}

	return &contracts.SetpointMessage{
		Envelope: contracts.Envelope{
			V:             contracts.ContractVersion,
			MessageType:   contracts.MessageTypeSetpoint,
			MessageID:     uuid.NewString(),
			DeviceID:      deviceID,
			DeviceType:    deviceType,
			TimestampMs:   nowMs,
			CorrelationID: cycleID,
			Source:        "controller",
		},
		Payload: contracts.SetpointPayload{
			Command: contracts.SetpointCommand{
				TargetPowerKw: &valueKw,
				Mode:          mode,
				ValidUntilMs:  &validUntilMs,
			},
			Reason: contracts.SetpointReason{Allocator: l.policy.AllocationMode},
		},
	}
}

// onRepositoryError applies DB_ERROR_BEHAVIOR, records the failure, and still
// persists the decision record on a best-effort basis.
func (l *Loop) onRepositoryError(ctx context.Context, stage string, err error, rec *store.DecisionRecord, devices []*store.Device) {
	log.Printf("cycle %s repository error at %s: %v", rec.CycleID, stage, err)
	rec.Error = err.Error()
	nowMs := l.now().UnixMilli()

	switch l.policy.DBErrorBehavior {
	case safety.DBErrorStopLoop:
		l.state.Stop("db: " + err.Error())

	case safety.DBErrorHoldLast:
		// Leave last commands untouched; devices keep running on their TTLs.

	default: // SAFE_ZERO_ALL
		l.safeZeroAll(ctx, rec, devices, nowMs)
	}

	l.state.RecordFailure("db", err.Error())
	observability.CycleFailures.WithLabelValues(stage, "db_error").Inc()
	observability.ConsecutiveFailures.Set(float64(l.state.ConsecutiveFailures()))

	l.finishCycle(ctx, rec)
	l.setStatus("error", err.Error())
	observability.LoopUp.Set(0)
}

// safeZeroAll publishes a zero setpoint to every known dispatchable device,
// falling back to previously commanded devices when the device list is
// unavailable.
func (l *Loop) safeZeroAll(ctx context.Context, rec *store.DecisionRecord, devices []*store.Device, nowMs int64) {
	validUntilMs := nowMs + 2*l.policy.ControlInterval.Milliseconds()

	targets := make(map[string]string) // deviceId -> deviceType
	for _, d := range devices {
		if d.Dispatchable() {
			targets[d.ID] = d.Type
		}
	}
	if len(targets) == 0 {
		for id := range l.state.LastCommands() {
			targets[id] = store.DeviceTypeBattery
		}
	}

	ids := make([]string, 0, len(targets))
	for id := range targets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		msg := l.buildSetpoint(id, targets[id], 0, nowMs, validUntilMs, rec.CycleID)
		if err := l.pub.PublishSetpoint(ctx, msg); err != nil {
			log.Printf("safe-zero publish to %s failed: %v", id, err)
			rec.FailedCount++
			continue
		}
		l.state.SetLastCommand(id, 0, nowMs, validUntilMs)
		rec.PublishedCount++
	}
}

// finishCycle persists the decision record, logs it, broadcasts it, and
// updates the cycle gauges. It runs for failed cycles too.
func (l *Loop) finishCycle(ctx context.Context, rec *store.DecisionRecord) {
	rec.FinishedAtMs = l.now().UnixMilli()

	dbCtx, cancel := context.WithTimeout(ctx, l.policy.DBQueryTimeout)
	defer cancel()
	if err := l.store.WriteDecisionRecord(dbCtx, rec); err != nil {
		log.Printf("decision record %s not persisted: %v", rec.CycleID, err)
	}

	if b, err := json.Marshal(rec); err == nil {
		log.Printf("decision %s", b)
	}
	if l.hub != nil {
		l.hub.Broadcast(rec)
	}

	observability.CycleDuration.Observe(float64(rec.DurationMs()) / 1000)
	for _, fd := range rec.Feeders {
		observability.FreshDevices.WithLabelValues(fd.FeederID).Set(float64(fd.FreshCount))
		observability.StaleDevices.WithLabelValues(fd.FeederID).Set(float64(fd.StaleCount))
		observability.HeadroomAllocated.WithLabelValues(fd.FeederID).Set(fd.AllocatedKw)
		observability.HeadroomUnused.WithLabelValues(fd.FeederID).Set(fd.UnusedKw)
	}

	l.mu.Lock()
	l.lastFinishMs = rec.FinishedAtMs
	l.lastDurationMs = rec.DurationMs()
	l.cycleCount++
	l.mu.Unlock()
}

func (l *Loop) setStatus(status, errMsg string) {
	l.mu.Lock()
	l.status = status
	l.lastError = errMsg
	l.mu.Unlock()
}

func groupByFeeder(devices []*store.Device, defaultFeeder string) map[string][]*store.Device {
	out := make(map[string][]*store.Device)
	for _, d := range devices {
		feeder := d.FeederID
		if feeder == "" {
			feeder = defaultFeeder
		}
		out[feeder] = append(out[feeder], d)
	}
	return out
}
