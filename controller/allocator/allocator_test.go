package allocator

import (
	"math"
	"testing"

	"github.com/gridsentry/derms/controller/safety"
	"github.com/gridsentry/derms/controller/store"
)

func fptr(f float64) *float64 { return &f }

func defaultParams() Params {
	return ParamsFromPolicy(safety.Default())
}

func sum(alloc map[string]float64) float64 {
	total := 0.0
	for _, v := range alloc {
		total += v
	}
	return total
}

func TestHeuristicPrefersLargerSocGap(t *testing.T) {
	devices := []Candidate{
		{DeviceID: "ev-1", PMaxKw: 10, Priority: 1, Soc: fptr(0.3)},
		{DeviceID: "ev-2", PMaxKw: 6, Priority: 1, Soc: fptr(0.5)},
	}
	alloc := New().Allocate("f1", devices, 10, defaultParams())

	if got := sum(alloc); got > 10+epsKw {
		t.Errorf("allocated %.3f kW, headroom is 10", got)
	}
	if alloc["ev-1"] <= alloc["ev-2"] {
		t.Errorf("ev-1 has the larger soc gap, expected more than ev-2: %.3f vs %.3f", alloc["ev-1"], alloc["ev-2"])
	}
	for id, kw := range alloc {
		if kw < 0 {
			t.Errorf("%s allocated negative %.3f", id, kw)
		}
	}
	if alloc["ev-1"] > 10 || alloc["ev-2"] > 6 {
		t.Errorf("allocation exceeds pMax: %+v", alloc)
	}
}

func TestHeuristicRedistributesClampSlack(t *testing.T) {
	// ev-small clamps at 1 kW; the slack must flow to ev-big so the full
	// headroom is used.
	devices := []Candidate{
		{DeviceID: "ev-big", PMaxKw: 20, Priority: 1, Soc: fptr(0.5)},
		{DeviceID: "ev-small", PMaxKw: 1, Priority: 5, Soc: fptr(0.1)},
	}
	alloc := New().Allocate("f1", devices, 10, defaultParams())

	if alloc["ev-small"] != 1 {
		t.Errorf("ev-small should clamp at pMax 1, got %.3f", alloc["ev-small"])
	}
	if math.Abs(sum(alloc)-10) > 1e-3 {
		t.Errorf("headroom not fully used after redistribution: %+v", alloc)
	}
}

func TestAllocateEdgeCases(t *testing.T) {
	a := New()
	p := defaultParams()

	if alloc := a.Allocate("f1", nil, 10, p); len(alloc) != 0 {
		t.Errorf("empty device set must yield empty map, got %+v", alloc)
	}

	devices := []Candidate{
		{DeviceID: "ev-1", PMaxKw: 10, Priority: 1, Soc: fptr(0.3)},
		{DeviceID: "bat-1", PMaxKw: 5, Priority: 2, Soc: fptr(0.4)},
	}
	for _, avail := range []float64{0, -3} {
		alloc := a.Allocate("f1", devices, avail, p)
		if len(alloc) != 2 {
			t.Fatalf("every device must appear in the result: %+v", alloc)
		}
		for id, kw := range alloc {
			if kw != 0 {
				t.Errorf("availableKw=%.0f: %s allocated %.3f, want 0", avail, id, kw)
			}
		}
	}

	alloc := a.Allocate("f1", []Candidate{{DeviceID: "dead", PMaxKw: 0, Priority: 1}}, 10, p)
	if alloc["dead"] != 0 {
		t.Errorf("pMaxKw=0 device allocated %.3f", alloc["dead"])
	}
}

func TestUnknownSocTreatedAsWorstCase(t *testing.T) {
	devices := []Candidate{
		{DeviceID: "ev-known", PMaxKw: 10, Priority: 1, Soc: fptr(0.7)},
		{DeviceID: "ev-unknown", PMaxKw: 10, Priority: 1, Soc: nil},
	}
	alloc := New().Allocate("f1", devices, 5, defaultParams())
	if alloc["ev-unknown"] <= alloc["ev-known"] {
		t.Errorf("unknown soc must rank as maximum deficit: %+v", alloc)
	}
}

func TestSocGateZeroesFullDevices(t *testing.T) {
	p := defaultParams()
	p.EnforceTargetSoc = true
	devices := []Candidate{
		{DeviceID: "bat-full", PMaxKw: 10, Priority: 1, Soc: fptr(0.9)},
		{DeviceID: "bat-low", PMaxKw: 10, Priority: 1, Soc: fptr(0.2)},
	}

	for _, mode := range []string{safety.AllocationHeuristic, safety.AllocationOptimizer} {
		p.Mode = mode
		alloc := New().Allocate("f1", devices, 8, p)
		if alloc["bat-full"] != 0 {
			t.Errorf("mode %s: device at target soc allocated %.3f", mode, alloc["bat-full"])
		}
		if alloc["bat-low"] <= 0 {
			t.Errorf("mode %s: low-soc device got nothing", mode)
		}
	}
}

func TestGlobalKwLimitCapsAllocation(t *testing.T) {
	p := defaultParams()
	p.GlobalKwLimit = 4
	devices := []Candidate{
		{DeviceID: "ev-1", PMaxKw: 10, Priority: 1, Soc: fptr(0.3)},
		{DeviceID: "ev-2", PMaxKw: 10, Priority: 1, Soc: fptr(0.3)},
	}
	alloc := New().Allocate("f1", devices, 20, p)
	if got := sum(alloc); got > 4+epsKw {
		t.Errorf("global limit 4 exceeded: %.3f", got)
	}
}

func TestAllocateDeterministic(t *testing.T) {
	devices := []Candidate{
		{DeviceID: "ev-c", PMaxKw: 7, Priority: 2, Soc: fptr(0.4)},
		{DeviceID: "ev-a", PMaxKw: 7, Priority: 2, Soc: fptr(0.4)},
		{DeviceID: "ev-b", PMaxKw: 7, Priority: 2, Soc: fptr(0.4)},
	}
	p := defaultParams()

	first := New().Allocate("f1", devices, 12, p)
	for i := 0; i < 20; i++ {
		again := New().Allocate("f1", devices, 12, p)
		for id := range first {
			if first[id] != again[id] {
				t.Fatalf("run %d: allocation for %s differs: %v vs %v", i, id, first[id], again[id])
			}
		}
	}
}

func TestGreedyOrdersByWeightThenID(t *testing.T) {
	p := defaultParams()
	p.Mode = safety.AllocationOptimizer
	// Identical weights: the tie breaks by ascending deviceId, so ev-a fills
	// first and ev-b takes the remainder.
	devices := []Candidate{
		{DeviceID: "ev-b", PMaxKw: 6, Priority: 1, Soc: fptr(0.4)},
		{DeviceID: "ev-a", PMaxKw: 6, Priority: 1, Soc: fptr(0.4)},
	}
	alloc := New().Allocate("f1", devices, 8, p)
	if alloc["ev-a"] != 6 || math.Abs(alloc["ev-b"]-2) > epsKw {
		t.Errorf("expected ev-a=6 ev-b=2, got %+v", alloc)
	}
}

func TestGreedyDeficitBoostPromotesStarvedDevice(t *testing.T) {
	p := defaultParams()
	p.Mode = safety.AllocationOptimizer
	devices := []Candidate{
		{DeviceID: "ev-a", PMaxKw: 6, Priority: 1, Soc: fptr(0.4)},
		{DeviceID: "ev-b", PMaxKw: 6, Priority: 1, Soc: fptr(0.4)},
	}
	a := New()

	// First pass: ev-a wins the tie and ev-b is left short.
	first := a.Allocate("f1", devices, 6, p)
	if first["ev-a"] != 6 || first["ev-b"] != 0 {
		t.Fatalf("unexpected first pass: %+v", first)
	}

	// Accumulated deficit must move ev-b to the front of the order.
	second := a.Allocate("f1", devices, 6, p)
	if second["ev-b"] != 6 || second["ev-a"] != 0 {
		t.Errorf("deficit boost did not promote ev-b: %+v", second)
	}
}

func TestGreedyDeficitScopedPerFeeder(t *testing.T) {
	p := defaultParams()
	p.Mode = safety.AllocationOptimizer
	feederB := []Candidate{
		{DeviceID: "ev-a", PMaxKw: 6, Priority: 1, Soc: fptr(0.4)},
		{DeviceID: "ev-b", PMaxKw: 6, Priority: 1, Soc: fptr(0.4)},
	}
	feederA := []Candidate{
		{DeviceID: "ev-c", PMaxKw: 6, Priority: 1, Soc: fptr(0.4)},
	}
	a := New()

	first := a.Allocate("f2", feederB, 6, p)
	if first["ev-a"] != 6 || first["ev-b"] != 0 {
		t.Fatalf("unexpected first pass: %+v", first)
	}

	// A pass for a different feeder between the two f2 cycles: ev-b never
	// left f2's eligible set, so its deficit must survive.
	a.Allocate("f1", feederA, 6, p)

	second := a.Allocate("f2", feederB, 6, p)
	if second["ev-b"] != 6 || second["ev-a"] != 0 {
		t.Errorf("another feeder's pass erased the deficit memory: %+v", second)
	}
}

func TestApplyDRPolicyFixedCap(t *testing.T) {
	prog := &store.DRProgram{
		ID: "dr-1", Mode: store.DRModeFixedCap,
		TsStartMs: 0, TsEndMs: 10_000, TargetShedKw: 4, IsActive: true,
	}
	adjusted, reason := ApplyDRPolicy(prog, 10, 5_000, 0.05, 0.05)
	if adjusted != 6 || reason != store.ReasonDRShed {
		t.Errorf("got adjusted=%.3f reason=%q, want 6 DR_SHED", adjusted, reason)
	}

	// Shed beyond the headroom floors at zero.
	adjusted, _ = ApplyDRPolicy(prog, 3, 5_000, 0.05, 0.05)
	if adjusted != 0 {
		t.Errorf("over-shed must floor at 0, got %.3f", adjusted)
	}
}

func TestApplyDRPolicyPriceElastic(t *testing.T) {
	prog := &store.DRProgram{
		ID: "dr-2", Mode: store.DRModePriceElastic,
		TsStartMs: 0, TsEndMs: 10_000, IsActive: true,
	}

	prog.IncentivePerKwh = 2 // factor = 2*0.05 = 0.1
	adjusted, reason := ApplyDRPolicy(prog, 10, 5_000, 0.05, 0.05)
	if math.Abs(adjusted-11) > 1e-9 || reason != store.ReasonDRBoost {
		t.Errorf("boost: got adjusted=%.3f reason=%q", adjusted, reason)
	}

	prog.IncentivePerKwh = 0
	prog.PenaltyPerKwh = 4 // factor = -0.2
	adjusted, reason = ApplyDRPolicy(prog, 10, 5_000, 0.05, 0.05)
	if math.Abs(adjusted-8) > 1e-9 || reason != store.ReasonDRShed {
		t.Errorf("shed: got adjusted=%.3f reason=%q", adjusted, reason)
	}

	// Factor clips at -1: headroom never goes negative.
	prog.PenaltyPerKwh = 1000
	adjusted, _ = ApplyDRPolicy(prog, 10, 5_000, 0.05, 0.05)
	if adjusted != 0 {
		t.Errorf("clipped shed must bottom at 0, got %.3f", adjusted)
	}
}

func TestApplyDRPolicySkipsInactiveOrOutOfWindow(t *testing.T) {
	prog := &store.DRProgram{
		ID: "dr-3", Mode: store.DRModeFixedCap,
		TsStartMs: 0, TsEndMs: 10_000, TargetShedKw: 4, IsActive: true,
	}

	if adj, reason := ApplyDRPolicy(nil, 10, 5_000, 0.05, 0.05); adj != 10 || reason != "" {
		t.Errorf("nil program must pass through, got %.3f %q", adj, reason)
	}
	if adj, _ := ApplyDRPolicy(prog, 10, 20_000, 0.05, 0.05); adj != 10 {
		t.Errorf("out-of-window program must pass through, got %.3f", adj)
	}
	prog.IsActive = false
	if adj, _ := ApplyDRPolicy(prog, 10, 5_000, 0.05, 0.05); adj != 10 {
		t.Errorf("inactive program must pass through, got %.3f", adj)
	}
}
