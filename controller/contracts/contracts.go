// Package contracts defines the wire messages exchanged over the bus and
// their validators. It is pure: no I/O, no clocks, no metrics.
package contracts

// ContractVersion is the only message version this controller accepts.
const ContractVersion = 1

// Message types carried in the envelope.
const (
	MessageTypeTelemetry = "telemetry"
	MessageTypeSetpoint  = "setpoint"
)

// Setpoint command modes.
const (
	ModeCharge    = "charge"
	ModeDischarge = "discharge"
	ModeIdle      = "idle"
	ModeImport    = "import"
	ModeExport    = "export"
	ModeLimit     = "limit"
)

// Envelope is the common header of every wire message.
type Envelope struct {
	V             int    `json:"v" validate:"required"`
	MessageType   string `json:"messageType" validate:"required,oneof=telemetry setpoint"`
	MessageID     string `json:"messageId" validate:"required,uuid4"`
	DeviceID      string `json:"deviceId" validate:"required,min=1"`
	DeviceType    string `json:"deviceType" validate:"required,oneof=pv battery ev"`
	TimestampMs   int64  `json:"timestampMs" validate:"required,gt=0"`
	SentAtMs      *int64 `json:"sentAtMs,omitempty" validate:"omitempty,gt=0"`
	CorrelationID string `json:"correlationId,omitempty"`
	Source        string `json:"source,omitempty"`
}

// TelemetryReadings holds the measured values of one sample.
type TelemetryReadings struct {
	PowerKw   *float64 `json:"powerKw" validate:"required"`
	Soc       *float64 `json:"soc,omitempty" validate:"omitempty,gte=0,lte=1"`
	EnergyKwh *float64 `json:"energyKwh,omitempty" validate:"omitempty,gte=0"`
	VoltageV  *float64 `json:"voltageV,omitempty" validate:"omitempty,gte=0"`
}

// Capabilities advertises the device's power limits.
type Capabilities struct {
	MaxChargeKw    *float64 `json:"maxChargeKw,omitempty" validate:"omitempty,gte=0"`
	MaxDischargeKw *float64 `json:"maxDischargeKw,omitempty" validate:"omitempty,gte=0"`
	MaxImportKw    *float64 `json:"maxImportKw,omitempty" validate:"omitempty,gte=0"`
	MaxExportKw    *float64 `json:"maxExportKw,omitempty" validate:"omitempty,gte=0"`
}

// TelemetryStatus carries the device-reported availability flags.
type TelemetryStatus struct {
	Online *bool  `json:"online" validate:"required"`
	Fault  string `json:"fault,omitempty"`
}

// TelemetryPayload is the typed payload of a telemetry v1 message.
type TelemetryPayload struct {
	Readings     TelemetryReadings `json:"readings" validate:"required"`
	Capabilities *Capabilities     `json:"capabilities,omitempty"`
	Status       TelemetryStatus   `json:"status" validate:"required"`
	SiteID       *string           `json:"siteId,omitempty" validate:"omitempty,min=1"`
	FeederID     *string           `json:"feederId,omitempty" validate:"omitempty,min=1"`
}

// TelemetryMessage is envelope + telemetry payload.
type TelemetryMessage struct {
	Envelope
	Payload TelemetryPayload `json:"payload" validate:"required"`
}

// SetpointCommand is the commanded power for a bounded time window.
type SetpointCommand struct {
	TargetPowerKw *float64 `json:"targetPowerKw" validate:"required"`
	Mode          string   `json:"mode" validate:"required,oneof=charge discharge idle import export limit"`
	ValidUntilMs  *int64   `json:"validUntilMs" validate:"required,gte=0"`
}

// SetpointConstraints bounds how the device may approach the target.
type SetpointConstraints struct {
	RampRateKwPerS *float64 `json:"rampRateKwPerS,omitempty" validate:"omitempty,gte=0"`
}

// SetpointReason records which allocator produced the command and why.
type SetpointReason struct {
	Allocator string   `json:"allocator" validate:"required,min=1"`
	Notes     []string `json:"notes,omitempty"`
}

// SetpointPayload is the typed payload of a setpoint v1 message.
type SetpointPayload struct {
	Command     SetpointCommand      `json:"command" validate:"required"`
	Constraints *SetpointConstraints `json:"constraints,omitempty"`
	Reason      SetpointReason       `json:"reason" validate:"required"`
}

// SetpointMessage is envelope + setpoint payload.
type SetpointMessage struct {
	Envelope
	Payload SetpointPayload `json:"payload" validate:"required"`
}
