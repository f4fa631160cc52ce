// Package ingest turns raw telemetry wire messages into at-most-one persisted
// row each and maintains the latest-per-device marker and heartbeat map.
package ingest

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gridsentry/derms/controller/contracts"
	"github.com/gridsentry/derms/controller/observability"
	"github.com/gridsentry/derms/controller/safety"
	"github.com/gridsentry/derms/controller/store"
)

// BackpressureError signals the bounded queue is full. Retrying does not
// help; callers drop the sample and the drop is counted.
type BackpressureError struct {
	QueueDepth int
}

func (e *BackpressureError) Error() string {
	return fmt.Sprintf("telemetry queue full (%d queued)", e.QueueDepth)
}

// FutureSkewError signals a sample timestamped beyond the allowed clock skew.
type FutureSkewError struct {
	TsMs  int64
	NowMs int64
}

func (e *FutureSkewError) Error() string {
	return fmt.Sprintf("timestamp %d is %dms in the future", e.TsMs, e.TsMs-e.NowMs)
}

// Result is the outcome of one handled message.
type Result struct {
	Status store.InsertOutcome
	Newest bool
	Parsed *contracts.TelemetryMessage
}

// marker is the latest-per-device position, ordered by (tsMs, sentAtMs).
type marker struct {
	tsMs     int64
	sentAtMs int64
}

func (m marker) before(o marker) bool {
	if m.tsMs != o.tsMs {
		return m.tsMs < o.tsMs
	}
	return m.sentAtMs < o.sentAtMs
}

type task struct {
	row    *store.TelemetryRow
	newest bool
	done   chan taskResult
}

type taskResult struct {
	status store.InsertOutcome
	err    error
}

// Handler validates, dedupes, batches, and persists telemetry. One Handler
// exists per process; the transport and any HTTP route share it so the
// latest-marker map is process-wide.
type Handler struct {
	store  store.Store
	dedupe *store.RedisDedupe // optional fast path, may be nil
	policy safety.Policy
	mode   contracts.Mode
	now    func() time.Time

	mu        sync.Mutex
	latest    map[string]marker
	heartbeat map[string]int64 // deviceId -> lastSeenMs
	known     map[string]bool  // devices already upserted this process

	queue chan task
	stop  chan struct{}
	wg    sync.WaitGroup
}

// New builds a Handler. dedupe may be nil; the database unique constraint
// remains the idempotency source of truth either way.
func New(st store.Store, dedupe *store.RedisDedupe, policy safety.Policy) *Handler {
	return &Handler{
		store:     st,
		dedupe:    dedupe,
		policy:    policy,
		mode:      contracts.Strict,
		now:       time.Now,
		latest:    make(map[string]marker),
		heartbeat: make(map[string]int64),
		known:     make(map[string]bool),
		queue:     make(chan task, policy.TelemetryMaxQueueSize),
		stop:      make(chan struct{}),
	}
}

// SetLenient switches the validator to lenient mode (unknown fields ignored).
func (h *Handler) SetLenient() { h.mode = contracts.Lenient }

// Start launches the batch flusher.
func (h *Handler) Start() {
	h.wg.Add(1)
	go h.flushLoop()
}

// Stop drains the queue with a final flush and waits for the flusher.
func (h *Handler) Stop() {
	close(h.stop)
	h.wg.Wait()
}

// Handle validates raw, enqueues the projected row, and blocks until its
// batch lands. Returns inserted or duplicate, whether the sample advanced the
// latest-marker, and the parsed message.
func (h *Handler) Handle(ctx context.Context, raw []byte) (Result, error) {
	msg, err := contracts.ValidateTelemetry(raw, h.mode)
	if err != nil {
		reason := "schema"
		if ve, ok := err.(*contracts.ValidationError); ok && ve.VersionMismatch {
			reason = "version"
			observability.ContractVersionReject.Inc()
		}
		observability.ContractValidationFail.WithLabelValues(reason).Inc()
		return Result{}, err
	}

	nowMs := h.now().UnixMilli()
	if msg.TimestampMs > nowMs+h.policy.AllowedFutureSkew.Milliseconds() {
		observability.TelemetryDropped.WithLabelValues("future_skew").Inc()
		return Result{Parsed: msg}, &FutureSkewError{TsMs: msg.TimestampMs, NowMs: nowMs}
	}

	incoming := marker{tsMs: msg.TimestampMs}
	if msg.SentAtMs != nil {
		incoming.sentAtMs = *msg.SentAtMs
	}
	h.mu.Lock()
	prev, seen := h.latest[msg.DeviceID]
	h.mu.Unlock()
	newest := !seen || prev.before(incoming)
	if !newest {
		observability.OutOfOrderMessages.WithLabelValues(contracts.MessageTypeTelemetry).Inc()
	}

	// Redis fast path: a replayed messageId short-circuits before the queue.
	if h.dedupe != nil {
		if dup, derr := h.dedupe.Seen(ctx, msg.MessageID); derr == nil && dup {
			observability.DuplicateMessages.WithLabelValues(contracts.MessageTypeTelemetry).Inc()
			return Result{Status: store.OutcomeDuplicate, Newest: newest, Parsed: msg}, nil
		}
	}

	t := task{row: projectRow(msg, h.policy.DefaultFeederID), newest: newest, done: make(chan taskResult, 1)}
	select {
	case h.queue <- t:
		observability.IngestQueueDepth.Set(float64(len(h.queue)))
	default:
		observability.TelemetryDropped.WithLabelValues("backpressure").Inc()
		return Result{Parsed: msg}, &BackpressureError{QueueDepth: len(h.queue)}
	}

	select {
	case res := <-t.done:
		if res.err != nil {
			return Result{Parsed: msg}, res.err
		}
		return Result{Status: res.status, Newest: newest, Parsed: msg}, nil
	case <-ctx.Done():
		return Result{Parsed: msg}, ctx.Err()
	}
}

// projectRow maps a validated message onto the persistence row. Feeder and
// site fall back as feederId -> siteId -> default.
func projectRow(msg *contracts.TelemetryMessage, defaultFeeder string) *store.TelemetryRow {
	feeder := defaultFeeder
	if msg.Payload.FeederID != nil {
		feeder = *msg.Payload.FeederID
	} else if msg.Payload.SiteID != nil {
		feeder = *msg.Payload.SiteID
	}
	site := defaultFeeder
	if msg.Payload.SiteID != nil {
		site = *msg.Payload.SiteID
	} else if msg.Payload.FeederID != nil {
		site = *msg.Payload.FeederID
	}
	source := msg.Source
	if source == "" {
		source = "unknown"
	}

	row := &store.TelemetryRow{
		MessageID:      msg.MessageID,
		DeviceID:       msg.DeviceID,
		DeviceType:     msg.DeviceType,
		TsMs:           msg.TimestampMs,
		SentAtMs:       msg.SentAtMs,
		PowerKw:        *msg.Payload.Readings.PowerKw,
		Soc:            msg.Payload.Readings.Soc,
		Online:         *msg.Payload.Status.Online,
		SiteID:         site,
		FeederID:       feeder,
		Source:         source,
		MessageVersion: contracts.ContractVersion,
	}
	if caps := msg.Payload.Capabilities; caps != nil {
		row.MaxChargeKw = caps.MaxChargeKw
		row.MaxDischargeKw = caps.MaxDischargeKw
	}
	return row
}

func (h *Handler) flushLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.policy.TelemetryBatchFlush)
	defer ticker.Stop()

	batch := make([]task, 0, h.policy.TelemetryBatchSize)
	for {
		select {
		case t := <-h.queue:
			batch = append(batch, t)
			if len(batch) >= h.policy.TelemetryBatchSize {
				h.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				h.flush(batch)
				batch = batch[:0]
			}
		case <-h.stop:
			// Final drain: whatever is queued still lands.
			for {
				select {
				case t := <-h.queue:
					batch = append(batch, t)
				default:
					if len(batch) > 0 {
						h.flush(batch)
					}
					return
				}
			}
		}
	}
}

// flush persists one batch. A repository error fails every task in the batch
// and the rows are not retried here; redis markers are released so a resend
// is not misreported as duplicate.
func (h *Handler) flush(batch []task) {
	rows := make([]*store.TelemetryRow, len(batch))
	for i, t := range batch {
		rows[i] = t.row
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.policy.DBQueryTimeout)
	defer cancel()

	start := time.Now()
	outcomes, err := h.store.InsertTelemetryBatch(ctx, rows)
	observability.IngestBatchFlushDuration.Observe(time.Since(start).Seconds())
	observability.IngestQueueDepth.Set(float64(len(h.queue)))

	if err != nil {
		log.Printf("telemetry batch of %d failed: %v", len(batch), err)
		for _, t := range batch {
			if h.dedupe != nil {
				_ = h.dedupe.Forget(ctx, t.row.MessageID)
			}
			t.done <- taskResult{err: err}
		}
		return
	}

	for i, t := range batch {
		outcome := outcomes[i]
		switch outcome {
		case store.OutcomeInserted:
			observability.TelemetryInserted.Inc()
			if t.newest {
				h.advance(ctx, t.row)
			}
		case store.OutcomeDuplicate:
			observability.DuplicateMessages.WithLabelValues(contracts.MessageTypeTelemetry).Inc()
		}
		t.done <- taskResult{status: outcome}
	}
}

// advance moves the latest-marker and heartbeat for a freshly inserted newest
// row, and registers the device on first sight.
func (h *Handler) advance(ctx context.Context, row *store.TelemetryRow) {
	m := marker{tsMs: row.TsMs}
	if row.SentAtMs != nil {
		m.sentAtMs = *row.SentAtMs
	}

	seenMs := h.now().UnixMilli()
	h.mu.Lock()
	if prev, ok := h.latest[row.DeviceID]; !ok || prev.before(m) {
		h.latest[row.DeviceID] = m
	}
	if seenMs > h.heartbeat[row.DeviceID] {
		h.heartbeat[row.DeviceID] = seenMs
	}
	register := !h.known[row.DeviceID]
	h.known[row.DeviceID] = true
	h.mu.Unlock()

	if register {
		d := &store.Device{
			ID:         row.DeviceID,
			Type:       row.DeviceType,
			SiteID:     row.SiteID,
			FeederID:   row.FeederID,
			Priority:   1,
			IsPhysical: strings.HasPrefix(row.DeviceID, store.PhysicalIDPrefix),
		}
		if row.MaxChargeKw != nil {
			d.PMaxKw = *row.MaxChargeKw
		}
		if err := h.store.UpsertDevice(ctx, d); err != nil {
			log.Printf("device auto-register %s failed: %v", row.DeviceID, err)
			h.mu.Lock()
			delete(h.known, row.DeviceID)
			h.mu.Unlock()
		}
	}
}

// Latest returns the latest-marker for a device.
func (h *Handler) Latest(deviceID string) (tsMs int64, sentAtMs int64, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.latest[deviceID]
	return m.tsMs, m.sentAtMs, ok
}

// Heartbeats returns a copy of the heartbeat map.
func (h *Handler) Heartbeats() map[string]int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int64, len(h.heartbeat))
	for k, v := range h.heartbeat {
		out[k] = v
	}
	return out
}

// OfflineDevices lists devices whose heartbeat is older than timeout, sorted
// for stable alerting. Entries past 10x the timeout are trimmed.
func (h *Handler) OfflineDevices(nowMs int64, timeout time.Duration) []string {
	cutoff := nowMs - timeout.Milliseconds()
	trim := nowMs - 10*timeout.Milliseconds()

	h.mu.Lock()
	var offline []string
	for id, seen := range h.heartbeat {
		if seen < trim {
			delete(h.heartbeat, id)
			continue
		}
		if seen < cutoff {
			offline = append(offline, id)
		}
	}
	online := 0
	for _, seen := range h.heartbeat {
		if seen >= cutoff {
			online++
		}
	}
	h.mu.Unlock()

	observability.OnlineDevices.Set(float64(online))
	sort.Strings(offline)
	return offline
}

// QueueDepth reports how many rows await the flusher.
func (h *Handler) QueueDepth() int { return len(h.queue) }
