package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// === Contract / ingest ===

	// ContractValidationFail counts messages rejected at the contract layer.
	ContractValidationFail = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "derms_contract_validation_fail_total",
		Help: "Messages rejected by contract validation",
	}, []string{"reason"})

	// ContractVersionReject counts messages with an unknown contract version.
	ContractVersionReject = promauto.NewCounter(prometheus.CounterOpts{
		Name: "derms_contract_version_reject_total",
		Help: "Messages rejected due to contract version mismatch",
	})

	// DuplicateMessages counts telemetry with an already-persisted messageId.
	DuplicateMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "derms_duplicate_message_total",
		Help: "Messages deduplicated by messageId",
	}, []string{"messageType"})

	// OutOfOrderMessages counts samples older than the latest-per-device marker.
	OutOfOrderMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "derms_out_of_order_total",
		Help: "Samples arriving out of (tsMs, sentAtMs) order",
	}, []string{"messageType"})

	// TelemetryDropped counts samples dropped before persistence.
	TelemetryDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "derms_telemetry_dropped_total",
		Help: "Telemetry samples dropped before persistence",
	}, []string{"reason"}) // backpressure, future_skew, rate_limit

	// TelemetryInserted counts rows persisted by the batch flusher.
	TelemetryInserted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "derms_telemetry_inserted_total",
		Help: "Telemetry rows persisted",
	})

	// IngestQueueDepth tracks the bounded telemetry queue.
	IngestQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "derms_ingest_queue_depth",
		Help: "Current number of telemetry rows awaiting batch flush",
	})

	// IngestBatchFlushDuration observes batch insert round trips.
	IngestBatchFlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "derms_ingest_batch_flush_seconds",
		Help:    "Telemetry batch insert duration",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	// === MQTT transport ===

	// BusConnected is 1 while the MQTT connection is up.
	BusConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "derms_bus_connected",
		Help: "MQTT connection status (1 = connected)",
	})

	// BusDisconnects counts connection losses.
	BusDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "derms_mqtt_disconnect_total",
		Help: "MQTT connection losses",
	})

	// OversizeDrops counts inbound payloads above the size bound.
	OversizeDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "derms_mqtt_oversize_drop_total",
		Help: "Inbound messages dropped for exceeding the payload size bound",
	})

	// ProcessingTimeouts counts inbound messages whose handling hit the deadline.
	ProcessingTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "derms_mqtt_processing_timeout_total",
		Help: "Inbound messages that exceeded the processing deadline",
	})

	// SetpointPublishes counts publish outcomes.
	SetpointPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "derms_mqtt_publish_total",
		Help: "Setpoint publish attempts by final outcome",
	}, []string{"result"}) // ok, error, breaker_open

	// PublishLatency observes per-attempt broker ACK latency.
	PublishLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "derms_mqtt_publish_latency_seconds",
		Help:    "Per-attempt setpoint publish latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	// BreakerState tracks the MQTT circuit breaker (0=closed, 1=half_open, 2=open).
	BreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "derms_mqtt_breaker_state",
		Help: "MQTT circuit breaker state (0=closed, 1=half_open, 2=open)",
	})

	// === Control loop ===

	// CycleDuration observes full control cycle durations.
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "derms_cycle_duration_seconds",
		Help:    "Control cycle duration",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	// IntervalLag observes how late a tick fired while a cycle was in flight.
	IntervalLag = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "derms_interval_lag_seconds",
		Help:    "Tick lag recorded when the previous cycle was still running",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	// CycleFailures counts failed cycles by stage.
	CycleFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "derms_cycle_failures_total",
		Help: "Control cycle failures",
	}, []string{"stage", "reason"})

	// FreshDevices tracks devices with fresh telemetry per feeder.
	FreshDevices = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "derms_fresh_devices",
		Help: "Devices with fresh telemetry in the last cycle",
	}, []string{"feederId"})

	// StaleDevices tracks devices with stale telemetry per feeder.
	StaleDevices = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "derms_stale_devices",
		Help: "Devices with stale telemetry in the last cycle",
	}, []string{"feederId"})

	// HeadroomAllocated tracks kW allocated per feeder in the last cycle.
	HeadroomAllocated = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "derms_headroom_allocated_kw",
		Help: "Headroom allocated in the last cycle",
	}, []string{"feederId"})

	// HeadroomUnused tracks kW left unallocated per feeder in the last cycle.
	HeadroomUnused = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "derms_headroom_unused_kw",
		Help: "Headroom left unused in the last cycle",
	}, []string{"feederId"})

	// AllocatedKw observes the per-device allocation distribution.
	AllocatedKw = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "derms_allocated_kw",
		Help:    "Per-device allocated power distribution",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"deviceType"})

	// ConsecutiveFailures mirrors the safety state failure counter.
	ConsecutiveFailures = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "derms_consecutive_failures",
		Help: "Consecutive control cycle failures",
	})

	// OnlineDevices tracks devices with a live heartbeat.
	OnlineDevices = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "derms_online_devices",
		Help: "Devices seen within the heartbeat timeout",
	})

	// LoopUp is 1 while the control loop is running cycles on schedule.
	LoopUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "derms_control_loop_up",
		Help: "Control loop health (1 = ok, 0 = degraded/stalled/stopped)",
	})
)
