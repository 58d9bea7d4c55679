package llm

// ExtractedEntity and ExtractedRelation are the structured shapes the
// Consolidator expects Generate's output to parse into during insight
// extraction. A malformed document yields an empty
// Extraction, not an error — the caller logs and continues.
type ExtractedEntity struct {
	Name        string  `json:"name"`
	NodeType    string  `json:"node_type"`
	Description string  `json:"description"`
	Importance  float64 `json:"importance"`
}

type ExtractedRelation struct {
	Source   string  `json:"source"`
	Type     string  `json:"type"`
	Target   string  `json:"target"`
	Strength float64 `json:"strength"`
}

// Extraction is the parsed form of a Generate call's insight-extraction
// output.
type Extraction struct {
	Entities  []ExtractedEntity   `json:"entities"`
	Relations []ExtractedRelation `json:"relations"`
}

// ReflectionDraft is the parsed form of a Generate call made for a failure
// episode.
type ReflectionDraft struct {
	ContextSummary  string `json:"context_summary"`
	RootCause       string `json:"root_cause"`
	Insight         string `json:"insight"`
	PreventionPlan  string `json:"prevention_plan"`
}
