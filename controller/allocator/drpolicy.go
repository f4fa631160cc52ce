package allocator

import "github.com/gridsentry/derms/controller/store"

// ApplyDRPolicy adjusts a feeder's raw headroom for the active demand
// response program. The returned reason is one of the DR reason codes, or ""
// when no adjustment applied. The result is never negative; the hard feeder
// limit is enforced by the caller.
func ApplyDRPolicy(program *store.DRProgram, rawHeadroomKw float64, nowMs int64, kBoost, kShed float64) (float64, string) {
	if program == nil || !program.IsActive || !program.InWindow(nowMs) {
		return rawHeadroomKw, ""
	}

	switch program.Mode {
	case store.DRModeFixedCap:
		adjusted := rawHeadroomKw - program.TargetShedKw
		if adjusted < 0 {
			adjusted = 0
		}
		return adjusted, store.ReasonDRShed

	case store.DRModePriceElastic:
		factor := program.IncentivePerKwh*kBoost - program.PenaltyPerKwh*kShed
		if factor > 1 {
			factor = 1
		} else if factor < -1 {
			factor = -1
		}
		adjusted := rawHeadroomKw * (1 + factor)
		if adjusted < 0 {
			adjusted = 0
		}
		switch {
		case factor > 0:
			return adjusted, store.ReasonDRBoost
		case factor < 0:
			return adjusted, store.ReasonDRShed
		default:
			return adjusted, ""
		}
	}
	return rawHeadroomKw, ""
}
