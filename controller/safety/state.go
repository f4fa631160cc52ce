package safety

import (
	"fmt"
	"sync"
	"time"
)

// Command is the last acknowledged setpoint for one device.
type Command struct {
	ValueKw      float64
	AtMs         int64
	ValidUntilMs int64
}

// State tracks the controller's runtime safety posture: consecutive failures,
// degraded/stopped reasons, the last acknowledged command per device, and the
// MQTT circuit breaker. All mutation goes through the methods below.
type State struct {
	mu sync.Mutex

	consecutiveFailures int
	maxFailures         int
	degradedReason      string
	stoppedReason       string

	lastCommand map[string]Command

	mqttBreaker *Breaker
}

// NewState builds a State wired to the policy's failure budget and breaker
// parameters.
func NewState(p Policy) *State {
	return &State{
		maxFailures: p.MaxConsecutiveFailures,
		lastCommand: make(map[string]Command),
		mqttBreaker: NewBreaker(p.MQTTBreakerThreshold, p.MQTTBreakerCooldown),
	}
}

// RecordSuccess clears the failure run, the degraded and stopped reasons, and
// closes the MQTT breaker. Called after every fully successful cycle.
func (s *State) RecordSuccess() {
	s.mu.Lock()
	s.consecutiveFailures = 0
	s.degradedReason = ""
	s.stoppedReason = ""
	s.mu.Unlock()

	s.mqttBreaker.RecordSuccess()
}

// RecordFailure notes a failed cycle stage. Crossing the failure budget puts
// the controller into the stopped state; publishes are refused until a
// successful cycle after external remediation.
func (s *State) RecordFailure(subsystem, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.consecutiveFailures++
	s.degradedReason = fmt.Sprintf("%s: %s", subsystem, reason)
	if s.maxFailures > 0 && s.consecutiveFailures >= s.maxFailures {
		s.stoppedReason = fmt.Sprintf("%d consecutive failures (last: %s)", s.consecutiveFailures, s.degradedReason)
	}
}

// Stop forces the stopped state immediately (DB_ERROR_BEHAVIOR=STOP_LOOP).
func (s *State) Stop(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stoppedReason = reason
	s.degradedReason = reason
}

// NoteMqttFailure records a transport failure on the breaker and marks the
// controller degraded.
func (s *State) NoteMqttFailure(reason string) {
	s.mqttBreaker.RecordFailure()

	s.mu.Lock()
	s.degradedReason = "mqtt: " + reason
	s.mu.Unlock()
}

// NoteMqttSuccess closes the breaker after an acknowledged publish.
func (s *State) NoteMqttSuccess() {
	s.mqttBreaker.RecordSuccess()
}

// AllowPublish reports whether the transport may contact the broker. False
// while the controller is stopped or the breaker is open.
func (s *State) AllowPublish() bool {
	s.mu.Lock()
	stopped := s.stoppedReason != ""
	s.mu.Unlock()
	if stopped {
		return false
	}
	return s.mqttBreaker.Allow()
}

// BreakerState exposes the MQTT breaker state for metrics and health.
func (s *State) BreakerState() BreakerState {
	return s.mqttBreaker.State()
}

// BreakerOpenUntil returns the fail-fast deadline (zero when closed).
func (s *State) BreakerOpenUntil() time.Time {
	return s.mqttBreaker.OpenUntil()
}

// Stopped reports whether the failure budget tripped.
func (s *State) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stoppedReason != ""
}

// StoppedReason returns why the loop refuses to publish, or "".
func (s *State) StoppedReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stoppedReason
}

// DegradedReason returns the most recent failure description, or "".
func (s *State) DegradedReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degradedReason
}

// ConsecutiveFailures returns the current failure run length.
func (s *State) ConsecutiveFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveFailures
}

// SetLastCommand records an acknowledged setpoint for diff publishing.
func (s *State) SetLastCommand(deviceID string, valueKw float64, atMs, validUntilMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCommand[deviceID] = Command{ValueKw: valueKw, AtMs: atMs, ValidUntilMs: validUntilMs}
}

// LastCommand returns the last acknowledged setpoint for a device.
func (s *State) LastCommand(deviceID string) (Command, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.lastCommand[deviceID]
	return c, ok
}

// LastCommands returns a copy of the whole last-command map.
func (s *State) LastCommands() map[string]Command {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Command, len(s.lastCommand))
	for k, v := range s.lastCommand {
		out[k] = v
	}
	return out
}

// Snapshot returns the internal state for the debug endpoint.
func (s *State) Snapshot() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	return map[string]interface{}{
		"consecutive_failures": s.consecutiveFailures,
		"degraded_reason":      s.degradedReason,
		"stopped_reason":       s.stoppedReason,
		"last_commands":        len(s.lastCommand),
		"mqtt_breaker":         s.mqttBreaker.State().String(),
	}
}
