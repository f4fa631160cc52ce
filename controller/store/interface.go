package store

import (
	"context"
)

// Store defines the persistence surface the controller core consumes.
// It abstracts over Postgres (durable) and the in-memory backend used by
// tests and single-node dev mode. Every call honors the deadline on ctx;
// the safety policy supplies per-query timeouts.
type Store interface {
	// Device operations
	ListDevices(ctx context.Context) ([]*Device, error)
	UpsertDevice(ctx context.Context, d *Device) error
	GetDevice(ctx context.Context, id string) (*Device, error)
	ListFeeders(ctx context.Context) ([]FeederInfo, error)

	// Telemetry operations
	// InsertTelemetryBatch persists rows in order and returns one outcome per
	// row. A row whose messageId already exists yields OutcomeDuplicate.
	InsertTelemetryBatch(ctx context.Context, rows []*TelemetryRow) ([]InsertOutcome, error)
	// LatestPerDevice returns the newest row per device, optionally scoped to
	// one feeder (empty feederID means all).
	LatestPerDevice(ctx context.Context, feederID string) ([]*TelemetryRow, error)
	RecentTelemetry(ctx context.Context, deviceID string, limit int) ([]*TelemetryRow, error)
	// TrackingErrorWindow returns mean |actual - setpoint| in kW over the
	// trailing window, optionally scoped to one feeder.
	TrackingErrorWindow(ctx context.Context, minutes int, feederID string) (float64, error)
	FeederHistory(ctx context.Context, feederID string, fromMs, toMs int64) ([]*TelemetryRow, error)

	// Limit event operations
	// CurrentLimit resolves the feeder cap at nowMs: the active event's
	// limitKw, else defaultKw. Concurrent events tie-break by latest tsStart.
	CurrentLimit(ctx context.Context, nowMs int64, feederID string, defaultKw float64) (float64, error)
	ActiveEvent(ctx context.Context, nowMs int64, feederID string) (*LimitEvent, error)
	CreateLimitEvent(ctx context.Context, e *LimitEvent) error

	// DR program operations
	// ActiveProgram returns the single program that is both isActive and in
	// its time window at nowMs, or nil.
	ActiveProgram(ctx context.Context, nowMs int64) (*DRProgram, error)
	CreateDRProgram(ctx context.Context, p *DRProgram) error
	// ActivateDRProgram marks one program active and deactivates the rest.
	ActivateDRProgram(ctx context.Context, id string) error

	// Decision records
	WriteDecisionRecord(ctx context.Context, rec *DecisionRecord) error

	// Ping verifies connectivity for the readiness gate.
	Ping(ctx context.Context) error
	Close()
}
