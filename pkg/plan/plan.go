package plan

import (
	"strings"

	"tinytales/pkg/domain"
)

// Unlimited marks a quota with no numeric cap.
const Unlimited = -1

// Feature names gated by subscription tier.
const (
	FeatureIllustrations  = "illustrations"
	FeatureCustomStyle    = "custom_style"
	FeatureAudioNarration = "audio_narration"
)

// Limits are the usage caps and feature flags of one subscription tier.
type Limits struct {
	StoriesPerMonth int
	ImagesPerStory  int
	MaxProfiles     int
	MaxCharacters   int
	Features        []string
}

// HasFeature reports whether the tier enables the named feature.
func (l Limits) HasFeature(name string) bool {
	for _, f := range l.Features {
		if f == name {
			return true
		}
	}
	return false
}

// Allows reports whether count more of something is permitted under cap.
// A cap of Unlimited always allows.
func Allows(cap, current int) bool {
	if cap == Unlimited {
		return true
	}
	return current < cap
}

// limitsByPlan is data, not code: adding a tier is a new table row.
var limitsByPlan = map[domain.Plan]Limits{
	domain.PlanFree: {
		StoriesPerMonth: 3,
		ImagesPerStory:  5,
		MaxProfiles:     1,
		MaxCharacters:   3,
		Features:        []string{FeatureIllustrations},
	},
	domain.PlanStarter: {
		StoriesPerMonth: 15,
		ImagesPerStory:  8,
		MaxProfiles:     3,
		MaxCharacters:   10,
		Features:        []string{FeatureIllustrations, FeatureCustomStyle},
	},
	domain.PlanPremium: {
		StoriesPerMonth: 60,
		ImagesPerStory:  12,
		MaxProfiles:     10,
		MaxCharacters:   Unlimited,
		Features:        []string{FeatureIllustrations, FeatureCustomStyle, FeatureAudioNarration},
	},
	domain.PlanLifetime: {
		StoriesPerMonth: Unlimited,
		ImagesPerStory:  12,
		MaxProfiles:     Unlimited,
		MaxCharacters:   Unlimited,
		Features:        []string{FeatureIllustrations, FeatureCustomStyle, FeatureAudioNarration},
	},
}

// Resolve maps a plan name to its limits. Unknown or empty names fall back
// to the free tier.
func Resolve(name domain.Plan) Limits {
	key := domain.Plan(strings.ToLower(strings.TrimSpace(string(name))))
	if limits, ok := limitsByPlan[key]; ok {
		return limits
	}
	return limitsByPlan[domain.PlanFree]
}
