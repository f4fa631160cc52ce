// Package safety holds the process-wide tunables, the mutable safety state,
// and the readiness registry consulted before every control cycle.
package safety

import (
	"fmt"
	"os"
	"time"
)

// Behaviors for stale or missing telemetry at allocation time.
const (
	StaleSafeZero      = "SAFE_ZERO"
	StaleHoldLast      = "HOLD_LAST"
	StaleExcludeDevice = "EXCLUDE_DEVICE"
)

// Behaviors when a repository read fails mid-cycle.
const (
	DBErrorSafeZeroAll = "SAFE_ZERO_ALL"
	DBErrorHoldLast    = "HOLD_LAST"
	DBErrorStopLoop    = "STOP_LOOP"
)

// Allocation modes.
const (
	AllocationHeuristic = "heuristic"
	AllocationOptimizer = "optimizer"
)

// Policy collects every tunable the controller consumes. All values have safe
// defaults; FromEnv overrides them from the environment.
type Policy struct {
	ControlInterval      time.Duration
	FeederDefaultLimitKw float64
	DefaultFeederID      string

	// Allocator parameters
	GlobalKwLimit             float64
	MinSocReserve             float64
	TargetSoc                 float64
	RespectPriority           bool
	SocWeight                 float64
	AllocationMode            string
	OptimizerEnforceTargetSoc bool
	OptimizerSolverEnabled    bool
	DRKBoost                  float64
	DRKShed                   float64

	// Telemetry freshness
	TelemetryStale    time.Duration
	MissingBehavior   string // SAFE_ZERO | HOLD_LAST | EXCLUDE_DEVICE
	HoldLastMax       time.Duration
	AllowedFutureSkew time.Duration

	// MQTT bounds
	MQTTMaxPayloadBytes   int
	MQTTProcessingTimeout time.Duration
	MQTTPublishTimeout    time.Duration
	MQTTMaxRetries        int
	MQTTRetryBackoff      time.Duration
	MQTTBreakerThreshold  int
	MQTTBreakerCooldown   time.Duration

	// Repository bounds
	DBQueryTimeout  time.Duration
	DBErrorBehavior string // SAFE_ZERO_ALL | HOLD_LAST | STOP_LOOP

	// Failure budget
	MaxConsecutiveFailures int
	RestartBehavior        string // SAFE_ZERO | HOLD_LAST

	// Ingest batching
	TelemetryBatchSize    int
	TelemetryBatchFlush   time.Duration
	TelemetryMaxQueueSize int

	// Liveness
	DeviceHeartbeatTimeout time.Duration
	StallThreshold         time.Duration
	AlertCooldown          time.Duration

	// Publish hysteresis
	PublishEpsilonKw float64
	PublishEarly     time.Duration

	ShutdownGrace time.Duration
}

// Default returns the documented safe defaults.
func Default() Policy {
	return Policy{
		ControlInterval:      60 * time.Second,
		FeederDefaultLimitKw: 100,
		DefaultFeederID:      "default",

		GlobalKwLimit:             0, // 0 = no global cap
		MinSocReserve:             0.1,
		TargetSoc:                 0.8,
		RespectPriority:           true,
		SocWeight:                 1.0,
		AllocationMode:            AllocationHeuristic,
		OptimizerEnforceTargetSoc: true,
		OptimizerSolverEnabled:    false,
		DRKBoost:                  0.05,
		DRKShed:                   0.05,

		TelemetryStale:    30 * time.Second,
		MissingBehavior:   StaleSafeZero,
		HoldLastMax:       5 * time.Minute,
		AllowedFutureSkew: 30 * time.Second,

		MQTTMaxPayloadBytes:   64 * 1024,
		MQTTProcessingTimeout: 5 * time.Second,
		MQTTPublishTimeout:    5 * time.Second,
		MQTTMaxRetries:        3,
		MQTTRetryBackoff:      500 * time.Millisecond,
		MQTTBreakerThreshold:  5,
		MQTTBreakerCooldown:   30 * time.Second,

		DBQueryTimeout:  5 * time.Second,
		DBErrorBehavior: DBErrorSafeZeroAll,

		MaxConsecutiveFailures: 5,
		RestartBehavior:        StaleSafeZero,

		TelemetryBatchSize:    100,
		TelemetryBatchFlush:   500 * time.Millisecond,
		TelemetryMaxQueueSize: 10000,

		DeviceHeartbeatTimeout: 120 * time.Second,
		StallThreshold:         180 * time.Second,
		AlertCooldown:          300 * time.Second,

		PublishEpsilonKw: 0.05,
		PublishEarly:     30 * time.Second,

		ShutdownGrace: 10 * time.Second,
	}
}

// FromEnv loads defaults and applies environment overrides.
func FromEnv() Policy {
	p := Default()

	envMs("CONTROL_INTERVAL_MS", &p.ControlInterval)
	envFloat("FEEDER_DEFAULT_LIMIT_KW", &p.FeederDefaultLimitKw)
	envString("DEFAULT_FEEDER_ID", &p.DefaultFeederID)

	envFloat("CONTROL_GLOBAL_KW_LIMIT", &p.GlobalKwLimit)
	envFloat("CONTROL_MIN_SOC_RESERVE", &p.MinSocReserve)
	envFloat("CONTROL_TARGET_SOC", &p.TargetSoc)
	envBool("CONTROL_RESPECT_PRIORITY", &p.RespectPriority)
	envFloat("CONTROL_SOC_WEIGHT", &p.SocWeight)
	envString("CONTROL_ALLOCATION_MODE", &p.AllocationMode)
	envBool("CONTROL_OPTIMIZER_ENFORCE_TARGET_SOC", &p.OptimizerEnforceTargetSoc)
	envBool("CONTROL_OPTIMIZER_SOLVER_ENABLED", &p.OptimizerSolverEnabled)
	envFloat("CONTROL_DR_KBOOST", &p.DRKBoost)
	envFloat("CONTROL_DR_KSHED", &p.DRKShed)

	envMs("TELEMETRY_STALE_MS", &p.TelemetryStale)
	envString("TELEMETRY_MISSING_BEHAVIOR", &p.MissingBehavior)
	envMs("HOLD_LAST_MAX_MS", &p.HoldLastMax)
	envMs("TELEMETRY_FUTURE_SKEW_MS", &p.AllowedFutureSkew)

	envInt("MQTT_MAX_PAYLOAD_BYTES", &p.MQTTMaxPayloadBytes)
	envMs("MQTT_PROCESSING_TIMEOUT_MS", &p.MQTTProcessingTimeout)
	envMs("MQTT_PUBLISH_TIMEOUT_MS", &p.MQTTPublishTimeout)
	envInt("MQTT_MAX_RETRIES", &p.MQTTMaxRetries)
	envMs("MQTT_RETRY_BACKOFF_MS", &p.MQTTRetryBackoff)
	envInt("MQTT_BREAKER_THRESHOLD", &p.MQTTBreakerThreshold)
	envMs("MQTT_BREAKER_COOLDOWN_MS", &p.MQTTBreakerCooldown)

	envMs("DB_QUERY_TIMEOUT_MS", &p.DBQueryTimeout)
	envString("DB_ERROR_BEHAVIOR", &p.DBErrorBehavior)

	envInt("MAX_CONSECUTIVE_FAILURES", &p.MaxConsecutiveFailures)
	envString("RESTART_BEHAVIOR", &p.RestartBehavior)

	envInt("TELEMETRY_BATCH_SIZE", &p.TelemetryBatchSize)
	envMs("TELEMETRY_BATCH_FLUSH_MS", &p.TelemetryBatchFlush)
	envInt("TELEMETRY_MAX_QUEUE_SIZE", &p.TelemetryMaxQueueSize)

	envSeconds("DEVICE_HEARTBEAT_TIMEOUT_SECONDS", &p.DeviceHeartbeatTimeout)
	envSeconds("CONTROL_LOOP_STALL_THRESHOLD_SECONDS", &p.StallThreshold)
	envSeconds("ALERT_COOLDOWN_SECONDS", &p.AlertCooldown)

	envFloat("CONTROL_PUBLISH_EPSILON_KW", &p.PublishEpsilonKw)
	envMs("CONTROL_PUBLISH_EARLY_MS", &p.PublishEarly)
	envMs("SHUTDOWN_GRACE_MS", &p.ShutdownGrace)

	return p
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		var f float64
		if _, err := fmt.Sscanf(v, "%g", &f); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	switch os.Getenv(key) {
	case "true", "1":
		*dst = true
	case "false", "0":
		*dst = false
	}
}

func envMs(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		var n int64
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}

func envSeconds(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		var n int64
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			*dst = time.Duration(n) * time.Second
		}
	}
}
