package ratelimit

// DefinitionTier represents the rate limit tier of a process
// definition, derived from how much external work its activities do.
type DefinitionTier string

const (
	TierSimple   DefinitionTier = "simple"   // no service or script tasks
	TierStandard DefinitionTier = "standard" // 1-2 activities
	TierHeavy    DefinitionTier = "heavy"    // 3+ activities
)

// DefinitionProfile summarizes a definition's runtime weight
type DefinitionProfile struct {
	Tier          DefinitionTier
	ActivityCount int
	TotalNodes    int
}

// ProfileFor derives a profile from a definition's node counts. The
// activity count covers service and script tasks, the nodes that do
// real work per instance.
func ProfileFor(activityCount, totalNodes int) DefinitionProfile {
	return DefinitionProfile{
		Tier:          tierFor(activityCount),
		ActivityCount: activityCount,
		TotalNodes:    totalNodes,
	}
}

func tierFor(activityCount int) DefinitionTier {
	switch {
	case activityCount == 0:
		return TierSimple
	case activityCount <= 2:
		return TierStandard
	default:
		return TierHeavy
	}
}

// String returns the tier name
func (t DefinitionTier) String() string {
	return string(t)
}
