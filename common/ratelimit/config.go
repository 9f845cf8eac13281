package ratelimit

import "github.com/anthive/orchestrator/common/dispatch"

// windowSeconds is the counting window for every scope.
const windowSeconds = 60

// Tier buckets submissions by how much agent work they launch.
type Tier string

const (
	TierSimple   Tier = "simple"   // no agents (echo)
	TierStandard Tier = "standard" // one provider call or 1-2 agents
	TierHeavy    Tier = "heavy"    // 3+ agents
)

// TierConfig defines one tier's budget.
type TierConfig struct {
	Tier          Tier
	Limit         int64
	WindowSeconds int
}

// DefaultTierConfigs carries the per-tier budgets.
var DefaultTierConfigs = map[Tier]TierConfig{
	TierSimple:   {Tier: TierSimple, Limit: 100, WindowSeconds: windowSeconds},
	TierStandard: {Tier: TierStandard, Limit: 20, WindowSeconds: windowSeconds},
	TierHeavy:    {Tier: TierHeavy, Limit: 5, WindowSeconds: windowSeconds},
}

// LimitForTier returns the tier's budget, falling back to the most
// restrictive tier for anything unknown.
func LimitForTier(tier Tier) int64 {
	if cfg, ok := DefaultTierConfigs[tier]; ok {
		return cfg.Limit
	}
	return DefaultTierConfigs[TierHeavy].Limit
}

// TierForJobType buckets a submission by its job type alone, for
// payloads whose graphs are not inspectable at the gateway (stored
// workflow ids, repo checkouts).
func TierForJobType(jobType string) Tier {
	switch jobType {
	case dispatch.TypeEcho:
		return TierSimple
	case dispatch.TypeChat, dispatch.TypeAnalytics:
		return TierStandard
	default:
		return TierHeavy
	}
}
