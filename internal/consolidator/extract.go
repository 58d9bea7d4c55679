package consolidator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/feothyuth/claude-orchestrator/internal/episode"
	"github.com/feothyuth/claude-orchestrator/internal/llm"
)

func buildExtractionPrompt(cluster []episode.Episode) string {
	var b strings.Builder
	b.WriteString("Extract entities and relations as JSON {entities:[{name,node_type,description,importance}], relations:[{source,type,target,strength}]} from the following episode cluster:\n\n")
	for _, e := range cluster {
		fmt.Fprintf(&b, "[%s] %s\n", e.Role, e.Content)
	}
	return b.String()
}

func parseExtraction(text string) (llm.Extraction, bool) {
	var extraction llm.Extraction
	if err := json.Unmarshal([]byte(text), &extraction); err != nil {
		return llm.Extraction{}, false
	}
	return extraction, true
}
