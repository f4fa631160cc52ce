package safety

import "sync"

// Readiness is the two-bit gate consulted before each control cycle: the loop
// refuses to run until both the repository and the bus are ready.
type Readiness struct {
	mu        sync.RWMutex
	dbReady   bool
	dbReason  string
	busReady  bool
	busReason string
}

// NewReadiness starts with both bits down.
func NewReadiness() *Readiness {
	return &Readiness{dbReason: "not connected", busReason: "not connected"}
}

// SetDBReady updates the repository bit with an optional reason.
func (r *Readiness) SetDBReady(ready bool, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dbReady = ready
	r.dbReason = reason
}

// SetBusReady updates the bus bit with an optional reason.
func (r *Readiness) SetBusReady(ready bool, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.busReady = ready
	r.busReason = reason
}

// Ready reports whether both bits are up; the reason names the first one down.
func (r *Readiness) Ready() (bool, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.dbReady {
		reason := r.dbReason
		if reason == "" {
			reason = "db not ready"
		}
		return false, "db: " + reason
	}
	if !r.busReady {
		reason := r.busReason
		if reason == "" {
			reason = "bus not ready"
		}
		return false, "bus: " + reason
	}
	return true, ""
}

// DBReady reports the repository bit.
func (r *Readiness) DBReady() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dbReady
}

// BusReady reports the bus bit.
func (r *Readiness) BusReady() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.busReady
}
