// Package scoring computes how compatible two profiles are.
// Score is a pure function: identical inputs always give an identical result.
package scoring

import (
	"chatgogo/pairing/internal/models"
	"strconv"
	"strings"
)

// Points awarded by each term. The total is additive and uncapped.
const (
	AgePoints            = 30
	LanguagePoints       = 25
	LocalPoints          = 20
	CountryPoints        = 15
	GlobalPoints         = 10
	OneSideGlobalPoints  = 5
	InterestPoints       = 10
	MaxInterestPoints    = 30
	PreferenceGatePoints = 15
)

// Reason labels.
const (
	ReasonAgeCompatible    = "age_compatible"
	ReasonSameLanguage     = "same_language"
	ReasonSameLocation     = "same_location:"
	ReasonGlobalReach      = "global_reach"
	ReasonSharedInterests  = "shared_interests:"
	ReasonMatchesPreferred = "matches_preferences"
)

// Score rates candidate from viewer's point of view.
func Score(viewer, candidate *models.Profile) models.MatchScore {
	result := models.MatchScore{CandidateID: candidate.ID, Reasons: []string{}}

	if AgeCompatible(viewer.AgeBracket, candidate.AgeBracket) {
		result.Score += AgePoints
		result.Reasons = append(result.Reasons, ReasonAgeCompatible)
	}

	if viewer.Language != "" && strings.EqualFold(viewer.Language, candidate.Language) {
		result.Score += LanguagePoints
		result.Reasons = append(result.Reasons, ReasonSameLanguage)
	}

	if pts := LocationPoints(viewer.LocationScope, candidate.LocationScope); pts > 0 {
		result.Score += pts
		if viewer.LocationScope == candidate.LocationScope {
			result.Reasons = append(result.Reasons, ReasonSameLocation+string(viewer.LocationScope))
		} else {
			result.Reasons = append(result.Reasons, ReasonGlobalReach)
		}
	}

	if shared := SharedInterests(viewer.Interests, candidate.Interests); shared > 0 {
		pts := shared * InterestPoints
		if pts > MaxInterestPoints {
			pts = MaxInterestPoints
		}
		result.Score += pts
		result.Reasons = append(result.Reasons, ReasonSharedInterests+strconv.Itoa(shared))
	}

	if SatisfiesPreferences(viewer, candidate) {
		result.Score += PreferenceGatePoints
		result.Reasons = append(result.Reasons, ReasonMatchesPreferred)
	}

	return result
}

// AgeCompatible reports whether two brackets are identical or adjacent.
// Unknown brackets are never compatible.
func AgeCompatible(a, b string) bool {
	ia, ib := models.AgeBracketIndex(a), models.AgeBracketIndex(b)
	if ia < 0 || ib < 0 {
		return false
	}
	d := ia - ib
	return d >= -1 && d <= 1
}

// LocationPoints scores two location scopes.
func LocationPoints(a, b models.LocationScope) int {
	if a == b {
		switch a {
		case models.LocationLocal:
			return LocalPoints
		case models.LocationCountry:
			return CountryPoints
		case models.LocationGlobal:
			return GlobalPoints
		}
		return 0
	}
	if (a == models.LocationGlobal) != (b == models.LocationGlobal) {
		return OneSideGlobalPoints
	}
	return 0
}

// SharedInterests counts distinct interests present in both lists,
// ignoring case and surrounding whitespace.
func SharedInterests(a, b []string) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		if k := normalize(s); k != "" {
			set[k] = struct{}{}
		}
	}
	n := 0
	for _, s := range b {
		k := normalize(s)
		if _, ok := set[k]; ok {
			n++
			delete(set, k)
		}
	}
	return n
}

// SatisfiesPreferences applies the viewer's stated preferences to candidate.
// Unset preference fields are satisfied by any candidate; an unset preferred
// bracket or scope falls back to the viewer's own.
func SatisfiesPreferences(viewer, candidate *models.Profile) bool {
	p := viewer.Preferences

	bracket := p.AgeBracket
	if bracket == "" {
		bracket = viewer.AgeBracket
	}
	if bracket != "" && !AgeCompatible(bracket, candidate.AgeBracket) {
		return false
	}

	if p.Language != "" && !strings.EqualFold(p.Language, candidate.Language) {
		return false
	}

	scope := p.LocationScope
	if scope == "" {
		scope = viewer.LocationScope
	}
	if scope != "" && LocationPoints(scope, candidate.LocationScope) == 0 {
		return false
	}

	if len(p.Interests) > 0 && SharedInterests(p.Interests, candidate.Interests) == 0 {
		return false
	}
	return true
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
