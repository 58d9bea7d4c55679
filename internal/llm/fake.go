package llm

import (
	"context"
	"crypto/sha256"
	"strings"
)

// Fake is a deterministic Client used by tests: Embed derives a stable
// low-dimension vector from the text's hash, and Generate returns a fixed,
// schema-conforming JSON document so callers can exercise the
// extraction/reflection parsing paths without a live LLM dependency.
type Fake struct {
	Dimension int

	// GenerateFunc overrides the default canned response when set,
	// letting tests script specific extraction/reflection content.
	GenerateFunc func(prompt string) string
}

// NewFake returns a Fake with the given embedding dimension.
func NewFake(dimension int) *Fake {
	if dimension <= 0 {
		dimension = 8
	}
	return &Fake{Dimension: dimension}
}

func (f *Fake) Generate(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, error) {
	if f.GenerateFunc != nil {
		return f.GenerateFunc(prompt), nil
	}
	if strings.Contains(strings.ToLower(prompt), "reflection") {
		return `{"context_summary":"fake context","root_cause":"fake cause","insight":"fake insight","prevention_plan":"fake plan"}`, nil
	}
	return `{"entities":[],"relations":[]}`, nil
}

func (f *Fake) Embed(ctx context.Context, text string) ([]float64, error) {
	sum := sha256.Sum256([]byte(text))
	vec := make([]float64, f.Dimension)
	for i := range vec {
		vec[i] = float64(sum[i%len(sum)]) / 255.0
	}
	return vec, nil
}
