package contracts

import (
	"encoding/json"
	"strings"
	"testing"
)

func validTelemetryJSON() string {
	return `{
		"v": 1,
		"messageType": "telemetry",
		"messageId": "11111111-1111-4111-8111-111111111111",
		"deviceId": "ev-1",
		"deviceType": "ev",
		"timestampMs": 1700000000000,
		"sentAtMs": 1700000000100,
		"source": "gateway-a",
		"payload": {
			"readings": {"powerKw": 6.4, "soc": 0.3},
			"status": {"online": true},
			"feederId": "f1"
		}
	}`
}

func TestValidateTelemetryAccepts(t *testing.T) {
	msg, err := ValidateTelemetry([]byte(validTelemetryJSON()), Strict)
	if err != nil {
		t.Fatalf("expected valid message, got %v", err)
	}
	if msg.DeviceID != "ev-1" || *msg.Payload.Readings.PowerKw != 6.4 {
		t.Errorf("unexpected parse result: %+v", msg)
	}
	if msg.Payload.FeederID == nil || *msg.Payload.FeederID != "f1" {
		t.Errorf("feederId not parsed")
	}
}

func TestValidateTelemetryRejectsUnknownFieldStrict(t *testing.T) {
	raw := strings.Replace(validTelemetryJSON(), `"source"`, `"surprise": 1, "source"`, 1)

	if _, err := ValidateTelemetry([]byte(raw), Strict); err == nil {
		t.Fatal("strict mode must reject unknown fields")
	}

	// Lenient mode ignores the unknown field but keeps constraints.
	if _, err := ValidateTelemetry([]byte(raw), Lenient); err != nil {
		t.Fatalf("lenient mode should accept unknown fields: %v", err)
	}
}

func TestValidateTelemetryLenientStillEnforcesConstraints(t *testing.T) {
	raw := strings.Replace(validTelemetryJSON(), `"soc": 0.3`, `"soc": 1.5`, 1)
	_, err := ValidateTelemetry([]byte(raw), Lenient)
	if err == nil {
		t.Fatal("soc > 1 must be rejected in lenient mode")
	}
	verr, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(verr.Violations) == 0 {
		t.Error("violations must carry the failing path")
	}
}

func TestValidateTelemetryVersionMismatch(t *testing.T) {
	raw := strings.Replace(validTelemetryJSON(), `"v": 1`, `"v": 2`, 1)
	_, err := ValidateTelemetry([]byte(raw), Strict)
	verr, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T (%v)", err, err)
	}
	if !verr.VersionMismatch {
		t.Error("v=2 must be flagged as a version mismatch")
	}
}

func TestValidateTelemetryMissingPower(t *testing.T) {
	raw := strings.Replace(validTelemetryJSON(), `"powerKw": 6.4, `, ``, 1)
	if _, err := ValidateTelemetry([]byte(raw), Strict); err == nil {
		t.Fatal("readings.powerKw is required")
	}
}

func TestValidateTelemetryMissingOnline(t *testing.T) {
	raw := strings.Replace(validTelemetryJSON(), `"status": {"online": true}`, `"status": {}`, 1)
	if _, err := ValidateTelemetry([]byte(raw), Strict); err == nil {
		t.Fatal("status.online is required")
	}
}

func TestSetpointRoundTrip(t *testing.T) {
	target := 4.2
	validUntil := int64(1700000120000)
	ramp := 0.5
	msg := &SetpointMessage{
		Envelope: Envelope{
			V:           ContractVersion,
			MessageType: MessageTypeSetpoint,
			MessageID:   "22222222-2222-4222-8222-222222222222",
			DeviceID:    "bat-1",
			DeviceType:  "battery",
			TimestampMs: 1700000000000,
			Source:      "controller",
		},
		Payload: SetpointPayload{
			Command:     SetpointCommand{TargetPowerKw: &target, Mode: ModeCharge, ValidUntilMs: &validUntil},
			Constraints: &SetpointConstraints{RampRateKwPerS: &ramp},
			Reason:      SetpointReason{Allocator: "heuristic", Notes: []string{"HEADROOM_LIMIT"}},
		},
	}

	raw, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	parsed, err := ValidateSetpoint(raw, Strict)
	if err != nil {
		t.Fatalf("round trip rejected: %v", err)
	}

	a, _ := json.Marshal(msg)
	b, _ := json.Marshal(parsed)
	if string(a) != string(b) {
		t.Errorf("round trip not identical:\n%s\n%s", a, b)
	}
}

func TestSetpointRejectsNegativeRamp(t *testing.T) {
	target := 0.0
	validUntil := int64(1)
	ramp := -1.0
	msg := &SetpointMessage{
		Envelope: Envelope{
			V: ContractVersion, MessageType: MessageTypeSetpoint,
			MessageID: "22222222-2222-4222-8222-222222222222",
			DeviceID:  "bat-1", DeviceType: "battery", TimestampMs: 1,
		},
		Payload: SetpointPayload{
			Command:     SetpointCommand{TargetPowerKw: &target, Mode: ModeIdle, ValidUntilMs: &validUntil},
			Constraints: &SetpointConstraints{RampRateKwPerS: &ramp},
			Reason:      SetpointReason{Allocator: "heuristic"},
		},
	}
	if _, err := msg.Encode(); err == nil {
		t.Fatal("negative ramp rate must be rejected")
	}
}

func TestValidateSetpointRequiresAllocator(t *testing.T) {
	raw := `{
		"v": 1, "messageType": "setpoint",
		"messageId": "22222222-2222-4222-8222-222222222222",
		"deviceId": "bat-1", "deviceType": "battery", "timestampMs": 1,
		"payload": {
			"command": {"targetPowerKw": 1.0, "mode": "charge", "validUntilMs": 10},
			"reason": {}
		}
	}`
	if _, err := ValidateSetpoint([]byte(raw), Strict); err == nil {
		t.Fatal("reason.allocator is required")
	}
}
