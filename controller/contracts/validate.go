package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate holds the shared constraint checker. Struct tags carry the numeric
// and enum constraints; JSON decoding handles shape and unknown fields.
var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidationError carries every violation found in a message. VersionMismatch
// distinguishes an unknown contract version from an otherwise malformed message.
type ValidationError struct {
	Violations      []string
	VersionMismatch bool
}

func (e *ValidationError) Error() string {
	if e.VersionMismatch {
		return "contract validation failed: version mismatch: " + strings.Join(e.Violations, "; ")
	}
	return "contract validation failed: " + strings.Join(e.Violations, "; ")
}

// Mode selects how unknown fields are treated during decoding.
type Mode int

const (
	// Strict rejects unknown fields anywhere in the message.
	Strict Mode = iota
	// Lenient ignores unknown fields but still enforces every numeric and
	// enum constraint. Used for forward compatibility.
	Lenient
)

func decode(raw []byte, v interface{}, mode Mode) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if mode == Strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(v); err != nil {
		return &ValidationError{Violations: []string{err.Error()}}
	}
	return nil
}

// checkEnvelope enforces version and message type after decoding.
func checkEnvelope(env *Envelope, wantType string) *ValidationError {
	if env.V != ContractVersion {
		return &ValidationError{
			VersionMismatch: true,
			Violations:      []string{fmt.Sprintf("v: unsupported contract version %d (want %d)", env.V, ContractVersion)},
		}
	}
	if env.MessageType != wantType {
		return &ValidationError{
			Violations: []string{fmt.Sprintf("messageType: got %q, want %q", env.MessageType, wantType)},
		}
	}
	return nil
}

// collectViolations flattens validator errors into dotted field paths.
func collectViolations(err error) []string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		// Namespace is e.g. "TelemetryMessage.Payload.Readings.Soc"; drop the
		// root type name so paths read like the wire format.
		ns := fe.Namespace()
		if i := strings.Index(ns, "."); i >= 0 {
			ns = ns[i+1:]
		}
		out = append(out, fmt.Sprintf("%s: failed %q constraint", ns, fe.Tag()))
	}
	return out
}

// ValidateTelemetry decodes and validates a telemetry v1 message.
func ValidateTelemetry(raw []byte, mode Mode) (*TelemetryMessage, error) {
	var msg TelemetryMessage
	if err := decode(raw, &msg, mode); err != nil {
		return nil, err
	}
	if verr := checkEnvelope(&msg.Envelope, MessageTypeTelemetry); verr != nil {
		return nil, verr
	}
	if err := validate.Struct(&msg); err != nil {
		return nil, &ValidationError{Violations: collectViolations(err)}
	}
	return &msg, nil
}

// ValidateSetpoint decodes and validates a setpoint v1 message.
func ValidateSetpoint(raw []byte, mode Mode) (*SetpointMessage, error) {
	var msg SetpointMessage
	if err := decode(raw, &msg, mode); err != nil {
		return nil, err
	}
	if verr := checkEnvelope(&msg.Envelope, MessageTypeSetpoint); verr != nil {
		return nil, verr
	}
	if err := validate.Struct(&msg); err != nil {
		return nil, &ValidationError{Violations: collectViolations(err)}
	}
	return &msg, nil
}

// Encode serializes a setpoint message for publishing. The message must have
// been built by the control loop; Encode re-validates to keep the round-trip
// property cheap to verify.
func (m *SetpointMessage) Encode() ([]byte, error) {
	if err := validate.Struct(m); err != nil {
		return nil, &ValidationError{Violations: collectViolations(err)}
	}
	return json.Marshal(m)
}
