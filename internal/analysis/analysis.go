// Package analysis classifies report reasons.
// It includes the catalogue of accepted reasons and their severity, which
// moderators use to triage the pending queue.
package analysis

import "strings"

// Severity levels.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityCritical = "critical"
)

var reasonSeverity = map[string]string{
	"spam":          SeverityLow,
	"rude":          SeverityLow,
	"inappropriate": SeverityMedium,
	"harassment":    SeverityMedium,
	"hate_speech":   SeverityCritical,
	"nudity":        SeverityCritical,
	"underage":      SeverityCritical,
	"other":         SeverityLow,
}

// NormalizeReason lower-cases and trims a reason code.
func NormalizeReason(reason string) string {
	return strings.ToLower(strings.TrimSpace(reason))
}

// IsKnownReason reports whether reason is in the catalogue.
func IsKnownReason(reason string) bool {
	_, ok := reasonSeverity[NormalizeReason(reason)]
	return ok
}

// GetSeverity returns the severity for a reason.
// It returns "" if the reason is not recognized.
func GetSeverity(reason string) string {
	return reasonSeverity[NormalizeReason(reason)]
}
