// Package allocator splits feeder headroom across dispatchable devices. The
// allocation is a pure function of its inputs except for the optimizer's
// deficit memory, which tracks unmet demand across cycles.
package allocator

import (
	"math"
	"sort"
	"sync"

	"github.com/gridsentry/derms/controller/safety"
)

const epsKw = 1e-6

// deficitGain scales how fast unserved kW accumulates into the greedy
// ordering boost.
const deficitGain = 0.1

// Candidate is one dispatchable device offered to the allocator.
type Candidate struct {
	DeviceID string
	PMaxKw   float64
	Priority int      // >= 1
	Soc      *float64 // nil when the device never reported soc
}

// Params are the control parameters for one allocation pass.
type Params struct {
	GlobalKwLimit    float64 // 0 disables the global cap
	MinSocReserve    float64
	TargetSoc        float64
	RespectPriority  bool
	SocWeight        float64
	Mode             string // heuristic | optimizer
	EnforceTargetSoc bool
	SolverEnabled    bool
}

// ParamsFromPolicy projects the allocator slice of the safety policy.
func ParamsFromPolicy(p safety.Policy) Params {
	return Params{
		GlobalKwLimit:    p.GlobalKwLimit,
		MinSocReserve:    p.MinSocReserve,
		TargetSoc:        p.TargetSoc,
		RespectPriority:  p.RespectPriority,
		SocWeight:        p.SocWeight,
		Mode:             p.AllocationMode,
		EnforceTargetSoc: p.OptimizerEnforceTargetSoc,
		SolverEnabled:    p.OptimizerSolverEnabled,
	}
}

// Allocator dispatches to the configured mode and carries the optimizer's
// deficit memory between cycles. Deficits are scoped per feeder: one
// Allocator serves every feeder, and a pass for one feeder must never touch
// another feeder's memory.
type Allocator struct {
	mu      sync.Mutex
	deficit map[string]map[string]float64 // feederId -> deviceId -> unmet kW boost
}

func New() *Allocator {
	return &Allocator{deficit: make(map[string]map[string]float64)}
}

// Allocate splits availableKw among the feeder's candidates. Every candidate
// appears in the result, possibly with 0. For identical inputs (and identical
// deficit memory) the result is bit-identical; ties break by ascending
// deviceId.
func (a *Allocator) Allocate(feederID string, devices []Candidate, availableKw float64, p Params) map[string]float64 {
	out := make(map[string]float64, len(devices))
	if len(devices) == 0 {
		return out
	}
	for _, d := range devices {
		out[d.DeviceID] = 0
	}

	if p.GlobalKwLimit > 0 && availableKw > p.GlobalKwLimit {
		availableKw = p.GlobalKwLimit
	}
	if availableKw <= 0 {
		return out
	}

	if p.Mode == safety.AllocationOptimizer {
		a.allocateGreedy(feederID, devices, availableKw, p, out)
	} else {
		allocateProportional(devices, availableKw, p, out)
	}
	return out
}

// effectiveCap is the per-device upper bound: pMaxKw, or 0 when the device
// already sits at or above targetSoc and target enforcement is on.
func effectiveCap(d Candidate, p Params) float64 {
	if d.PMaxKw <= 0 {
		return 0
	}
	if p.EnforceTargetSoc && d.Soc != nil && *d.Soc >= p.TargetSoc {
		return 0
	}
	return d.PMaxKw
}

// score ranks a device by how much it wants power. Unknown soc counts as the
// full targetSoc deficit so uncharted batteries charge first.
func score(d Candidate, p Params) float64 {
	soc := 0.0
	if d.Soc != nil {
		soc = *d.Soc
	}
	deficit := math.Max(p.TargetSoc-soc, 0)
	if soc < p.MinSocReserve {
		deficit += 0.5
	}
	socComponent := 1 + p.SocWeight*deficit

	priority := float64(d.Priority)
	if priority < 1 {
		priority = 1
	}
	if p.RespectPriority {
		priority *= 1.5
	}
	return socComponent * priority
}

// allocateProportional splits availableKw proportional to score*max(pMax,0.1),
// clamps to each device's cap, and redistributes clamp slack over the still
// uncapped devices until the slack runs out.
func allocateProportional(devices []Candidate, availableKw float64, p Params, out map[string]float64) {
	byID := make(map[string]Candidate, len(devices))
	weights := make(map[string]float64, len(devices))
	caps := make(map[string]float64, len(devices))

	active := make([]string, 0, len(devices))
	for _, d := range devices {
		byID[d.DeviceID] = d
		caps[d.DeviceID] = effectiveCap(d, p)
		weights[d.DeviceID] = score(d, p) * math.Max(d.PMaxKw, 0.1)
		if caps[d.DeviceID] > 0 {
			active = append(active, d.DeviceID)
		}
	}
	sort.Strings(active)

	remaining := availableKw
	for remaining > epsKw && len(active) > 0 {
		totalWeight := 0.0
		for _, id := range active {
			totalWeight += weights[id]
		}
		if totalWeight <= 0 {
			break
		}

		granted := 0.0
		next := active[:0]
		for _, id := range active {
			share := remaining * weights[id] / totalWeight
			room := caps[id] - out[id]
			grant := math.Min(share, room)
			out[id] += grant
			granted += grant
			if caps[id]-out[id] > epsKw {
				next = append(next, id)
			}
		}
		active = next
		remaining -= granted
		if granted <= epsKw {
			break
		}
	}
}

// allocateGreedy serves devices in descending (weight + deficit boost) order,
// filling each to its cap. A linear solver would give the same result for
// this objective; the greedy pass keeps the dependency surface small. The
// deficit boost remembers unserved demand so starved devices climb the order
// on later cycles.
func (a *Allocator) allocateGreedy(feederID string, devices []Candidate, availableKw float64, p Params, out map[string]float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	deficit := a.deficit[feederID]
	if deficit == nil {
		deficit = make(map[string]float64)
		a.deficit[feederID] = deficit
	}

	type ranked struct {
		id     string
		capKw  float64
		weight float64
	}
	eligible := make([]ranked, 0, len(devices))
	inSet := make(map[string]bool, len(devices))
	for _, d := range devices {
		capKw := effectiveCap(d, p)
		if capKw <= 0 {
			continue
		}
		inSet[d.DeviceID] = true
		eligible = append(eligible, ranked{
			id:     d.DeviceID,
			capKw:  capKw,
			weight: score(d, p)*math.Max(d.PMaxKw, 0.1) + deficit[d.DeviceID],
		})
	}

	// Devices that left this feeder's eligible set forget their deficit.
	for id := range deficit {
		if !inSet[id] {
			delete(deficit, id)
		}
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].weight != eligible[j].weight {
			return eligible[i].weight > eligible[j].weight
		}
		return eligible[i].id < eligible[j].id
	})

	remaining := availableKw
	for _, r := range eligible {
		grant := math.Min(r.capKw, remaining)
		if grant < 0 {
			grant = 0
		}
		out[r.id] = grant
		remaining -= grant

		unmet := r.capKw - grant
		if unmet > epsKw {
			deficit[r.id] += deficitGain * unmet
		} else {
			delete(deficit, r.id)
		}
	}
	if len(deficit) == 0 {
		delete(a.deficit, feederID)
	}
}
