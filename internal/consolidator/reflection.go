package consolidator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/feothyuth/claude-orchestrator/internal/episode"
	"github.com/feothyuth/claude-orchestrator/internal/reflection"
)

// failureKeywords identifies an episode as a failure record worth
// reflecting on.
var failureKeywords = []string{"error", "exception", "failed", "failure", "traceback", "stack trace"}

func isFailure(content string) bool {
	lower := strings.ToLower(content)
	for _, kw := range failureKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func (c *Consolidator) generateReflection(ctx context.Context, e episode.Episode) error {
	prompt := buildReflectionPrompt(e)
	text, err := c.llm.Generate(ctx, prompt, 0.2, 512)
	if err != nil {
		return err
	}

	var draft struct {
		ContextSummary string `json:"context_summary"`
		RootCause      string `json:"root_cause"`
		Insight        string `json:"insight"`
		PreventionPlan string `json:"prevention_plan"`
	}
	if err := json.Unmarshal([]byte(text), &draft); err != nil {
		// Parse failure: skip this reflection, matching the extraction
		// path's "empty on malformed output" contract.
		return nil
	}

	embedding, err := c.llm.Embed(ctx, draft.Insight)
	if err != nil {
		return err
	}

	reflectionID := reflectionIDFor(draft.ContextSummary, draft.RootCause)

	r := reflection.Reflection{
		ReflectionID:   reflectionID,
		Context:        draft.ContextSummary,
		ErrorOrOutcome: draft.RootCause,
		Insight:        draft.Insight,
		PreventionPlan: draft.PreventionPlan,
		CreatedAt:      time.Now(),
		Embedding:      embedding,
	}

	return c.reflections.Put(ctx, r)
}

func buildReflectionPrompt(e episode.Episode) string {
	return fmt.Sprintf("reflection: derive {context_summary, root_cause, insight, prevention_plan} as JSON from this failure episode:\n%s", e.Content)
}

// reflectionIDFor derives a stable id from sha256(context || error || now),
// truncated to 16 hex characters. "now" provides enough entropy to avoid
// id collisions across distinct failures that share context and cause.
func reflectionIDFor(context, errorOrOutcome string) string {
	sum := sha256.Sum256([]byte(context + "|" + errorOrOutcome + "|" + time.Now().String()))
	return hex.EncodeToString(sum[:])[:16]
}
