package store

// Device types.
const (
	DeviceTypePV      = "pv"
	DeviceTypeBattery = "battery"
	DeviceTypeEV      = "ev"
)

// PhysicalIDPrefix marks device ids that refer to physical hardware.
// A device whose id carries this prefix is always dispatchable.
const PhysicalIDPrefix = "pi-"

// Device is a dispatchable or observable endpoint on a feeder.
type Device struct {
	ID             string  `json:"id"`
	Type           string  `json:"type"` // pv | battery | ev
	SiteID         string  `json:"siteId"`
	FeederID       string  `json:"feederId"`
	ParentFeederID *string `json:"parentFeederId,omitempty"`
	PMaxKw         float64 `json:"pMaxKw"`
	Priority       int     `json:"priority"` // >= 1
	IsPhysical     bool    `json:"isPhysical"`
	UpdatedAtMs    int64   `json:"updatedAtMs"`
}

// Dispatchable reports whether the control loop may command this device.
func (d *Device) Dispatchable() bool {
	return d.Type == DeviceTypeBattery || d.Type == DeviceTypeEV || d.IsPhysical
}

// FeederInfo summarizes one feeder for the snapshot query.
type FeederInfo struct {
	FeederID    string `json:"feederId"`
	DeviceCount int    `json:"deviceCount"`
}

// TelemetryRow is one persisted reading from one device at one instant.
type TelemetryRow struct {
	MessageID      string   `json:"messageId"`
	DeviceID       string   `json:"deviceId"`
	DeviceType     string   `json:"deviceType"`
	TsMs           int64    `json:"tsMs"`
	SentAtMs       *int64   `json:"sentAtMs,omitempty"`
	PowerKw        float64  `json:"powerKw"`
	Soc            *float64 `json:"soc,omitempty"`
	MaxChargeKw    *float64 `json:"maxChargeKw,omitempty"`
	MaxDischargeKw *float64 `json:"maxDischargeKw,omitempty"`
	Online         bool     `json:"online"`
	SiteID         string   `json:"siteId"`
	FeederID       string   `json:"feederId"`
	Source         string   `json:"source"`
	MessageVersion int      `json:"messageVersion"`
}

// InsertOutcome is the per-row result of a batch insert.
type InsertOutcome string

const (
	OutcomeInserted  InsertOutcome = "inserted"
	OutcomeDuplicate InsertOutcome = "duplicate"
)

// LimitEvent is a time-bounded feeder power cap. At most one event is active
// per feeder at a given instant; ties break by the latest TsStartMs.
type LimitEvent struct {
	ID        string  `json:"id"`
	FeederID  string  `json:"feederId"`
	TsStartMs int64   `json:"tsStartMs"`
	TsEndMs   int64   `json:"tsEndMs"`
	LimitKw   float64 `json:"limitKw"`
	Type      string  `json:"type"`
}

// DR program modes.
const (
	DRModeFixedCap     = "fixed_cap"
	DRModePriceElastic = "price_elastic"
)

// DRProgram is a demand-response policy modifying effective headroom.
type DRProgram struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Mode            string  `json:"mode"` // fixed_cap | price_elastic
	TsStartMs       int64   `json:"tsStartMs"`
	TsEndMs         int64   `json:"tsEndMs"`
	TargetShedKw    float64 `json:"targetShedKw"`
	IncentivePerKwh float64 `json:"incentivePerKwh"`
	PenaltyPerKwh   float64 `json:"penaltyPerKwh"`
	IsActive        bool    `json:"isActive"`
}

// InWindow reports whether the program covers the given instant.
func (p *DRProgram) InWindow(nowMs int64) bool {
	return nowMs >= p.TsStartMs && nowMs <= p.TsEndMs
}

// Decision reason codes attached to per-device allocations.
const (
	ReasonHeadroomLimit  = "HEADROOM_LIMIT"
	ReasonPMaxClamp      = "PMAX_CLAMP"
	ReasonSocAtTarget    = "SOC_AT_TARGET"
	ReasonStaleTelemetry = "STALE_TELEMETRY"
	ReasonDRShed         = "DR_SHED"
	ReasonDRBoost        = "DR_BOOST"
)

// DeviceDecision is the per-device slice of a decision record.
type DeviceDecision struct {
	DeviceID       string   `json:"deviceId"`
	DeviceType     string   `json:"deviceType"`
	TelemetryAgeMs int64    `json:"telemetryAgeMs"` // -1 when no telemetry exists
	Soc            *float64 `json:"soc,omitempty"`
	ActualKw       float64  `json:"actualKw"`
	AllocatedKw    float64  `json:"allocatedKw"`
	SetpointKw     float64  `json:"setpointKw"`
	ReasonCodes    []string `json:"reasonCodes,omitempty"`
	Published      bool     `json:"published"`
	PublishError   string   `json:"publishError,omitempty"`
}

// FeederDecision is the per-feeder slice of a decision record.
type FeederDecision struct {
	FeederID            string           `json:"feederId"`
	LimitKw             float64          `json:"limitKw"`
	RawHeadroomKw       float64          `json:"rawHeadroomKw"`
	EffectiveHeadroomKw float64          `json:"effectiveHeadroomKw"`
	AllocatedKw         float64          `json:"allocatedKw"`
	UnusedKw            float64          `json:"unusedKw"`
	TotalActualKw       float64          `json:"totalActualKw"`
	FreshCount          int              `json:"freshCount"`
	StaleCount          int              `json:"staleCount"`
	DRProgramID         string           `json:"drProgramId,omitempty"`
	DRReasonCode        string           `json:"drReasonCode,omitempty"`
	Devices             []DeviceDecision `json:"devices"`
}

// DecisionRecord is the immutable audit of one control cycle. One record is
// emitted per cycle, including failed ones.
type DecisionRecord struct {
	CycleID        string           `json:"cycleId"`
	StartedAtMs    int64            `json:"startedAtMs"`
	FinishedAtMs   int64            `json:"finishedAtMs"`
	Feeders        []FeederDecision `json:"feeders"`
	PublishedCount int              `json:"publishedCount"`
	FailedCount    int              `json:"failedCount"`
	Allocator      string           `json:"allocator"`
	Error          string           `json:"error,omitempty"`
}

// DurationMs returns the cycle duration; never negative for a finalized record.
func (r *DecisionRecord) DurationMs() int64 {
	return r.FinishedAtMs - r.StartedAtMs
}
