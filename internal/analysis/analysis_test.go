package analysis_test

import (
	"chatgogo/pairing/internal/analysis"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReasonCatalogue(t *testing.T) {
	assert.True(t, analysis.IsKnownReason("spam"))
	assert.True(t, analysis.IsKnownReason("  Harassment "))
	assert.False(t, analysis.IsKnownReason("boring"))

	assert.Equal(t, analysis.SeverityCritical, analysis.GetSeverity("UNDERAGE"))
	assert.Equal(t, analysis.SeverityLow, analysis.GetSeverity("other"))
	assert.Equal(t, "", analysis.GetSeverity("boring"))
}
