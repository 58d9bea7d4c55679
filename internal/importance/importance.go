// Package importance implements the keyword-lexicon content scoring rule
// used to default an episode's importance when the caller has not
// supplied one.
package importance

import "strings"

var highIndicators = []string{
	"error", "exception", "failed", "failure", "critical", "security",
	"vulnerability", "breach", "exploit", "decision:", "decided to",
	"choosing", "architectural", "breaking change", "deprecated", "removed",
	"user preference", "configuration", "setting", "bug", "fix", "patch",
	"workaround", "performance issue", "bottleneck", "optimization",
}

var lowIndicators = []string{
	"debug:", "trace:", "verbose:", "status: ok", "success",
	"completed normally", "starting", "initialized", "loading", "info:",
	"running", "processing",
}

const (
	minCount = 3

	lengthShort = 50
	lengthLong  = 500
	lengthBonus = 0.1
)

// Score rates content in [0, 1] using the high/low keyword lexicons and a
// length adjustment for unusually short or long content.
func Score(content string) float64 {
	lower := strings.ToLower(content)

	h := min(minCount, countMatches(lower, highIndicators))
	l := min(minCount, countMatches(lower, lowIndicators))

	var base float64
	switch {
	case h > 0:
		base = clamp(0.7+0.1*float64(h), 0, 1)
	case l > 0:
		base = clamp(0.3-0.1*float64(l), 0, 1)
	default:
		base = 0.5
	}

	if length := len(content); length < lengthShort || length > lengthLong {
		base = min(1.0, base+lengthBonus)
	}

	return clamp(base, 0, 1)
}

func countMatches(haystack string, needles []string) int {
	var n int
	for _, needle := range needles {
		if strings.Contains(haystack, needle) {
			n++
		}
	}
	return n
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

