package importance_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/feothyuth/claude-orchestrator/internal/importance"
)

func TestScoreDefaultNeutral(t *testing.T) {
	// 57 chars, inside [50, 500], so no length adjustment kicks in.
	content := "The agent moved the file to a new location on the server."
	assert.InDelta(t, 0.5, importance.Score(content), 1e-9)
}

func TestScoreHighIndicatorRaisesBase(t *testing.T) {
	content := "A critical security vulnerability was found during the review process today okay"
	score := importance.Score(content)
	assert.GreaterOrEqual(t, score, 0.7)
}

func TestScoreLowIndicatorLowersBase(t *testing.T) {
	content := "status: ok, the background job completed normally without issue today"
	score := importance.Score(content)
	assert.Less(t, score, 0.5)
}

func TestScoreHighIndicatorCountIsCappedAtThree(t *testing.T) {
	// Seven distinct high indicators present; the formula should cap h at 3.
	content := "error exception failed failure critical security breach padding text here to reach length"
	score := importance.Score(content)
	assert.LessOrEqual(t, score, 1.0)
	assert.InDelta(t, 1.0, score, 1e-9)
}

func TestScoreShortContentGetsLengthBonus(t *testing.T) {
	short := "ok"
	withoutBonusLen := importance.Score(strings.Repeat("x", 60))
	assert.NotEqual(t, withoutBonusLen, importance.Score(short))
}

func TestScoreClampedToUnitInterval(t *testing.T) {
	longFailure := strings.Repeat("error ", 200)
	score := importance.Score(longFailure)
	assert.LessOrEqual(t, score, 1.0)
	assert.GreaterOrEqual(t, score, 0.0)
}
