package ratelimit

// TierConfig defines rate limits for each definition tier
type TierConfig struct {
	Tier          DefinitionTier
	Limit         int64  // instance starts allowed per window
	WindowSeconds int    // time window in seconds
	Description   string // human-readable description
}

// DefaultTierConfigs holds the per-tier start limits
var DefaultTierConfigs = map[DefinitionTier]TierConfig{
	TierSimple: {
		Tier:          TierSimple,
		Limit:         100,
		WindowSeconds: 60,
		Description:   "Simple definitions (no activities) - 100 starts/minute",
	},
	TierStandard: {
		Tier:          TierStandard,
		Limit:         20,
		WindowSeconds: 60,
		Description:   "Standard definitions (1-2 activities) - 20 starts/minute",
	},
	TierHeavy: {
		Tier:          TierHeavy,
		Limit:         5,
		WindowSeconds: 60,
		Description:   "Heavy definitions (3+ activities) - 5 starts/minute",
	},
}

// GlobalConfig contains global service-wide limits
type GlobalConfig struct {
	Limit         int64
	WindowSeconds int
}

// DefaultGlobalConfig limits total API throughput across all callers
var DefaultGlobalConfig = GlobalConfig{
	Limit:         100,
	WindowSeconds: 60,
}

// GetLimitForTier returns the rate limit for a given tier
func GetLimitForTier(tier DefinitionTier) int64 {
	if config, exists := DefaultTierConfigs[tier]; exists {
		return config.Limit
	}
	// unknown tiers get the most restrictive limit
	return DefaultTierConfigs[TierHeavy].Limit
}

// GetWindowForTier returns the time window for a given tier
func GetWindowForTier(tier DefinitionTier) int {
	if config, exists := DefaultTierConfigs[tier]; exists {
		return config.WindowSeconds
	}
	return DefaultTierConfigs[TierHeavy].WindowSeconds
}

// GetAllTiers returns all configured tiers for API responses
func GetAllTiers() []TierConfig {
	return []TierConfig{
		DefaultTierConfigs[TierSimple],
		DefaultTierConfigs[TierStandard],
		DefaultTierConfigs[TierHeavy],
	}
}
