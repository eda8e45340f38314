package types

import "time"

// FactType discriminates the four kinds of M2 structured memory.
type FactType string

const (
	FactTypeFact           FactType = "Fact"
	FactTypeDecision       FactType = "Decision"
	FactTypeAssumption     FactType = "Assumption"
	FactTypeUserPreference FactType = "UserPreference"
)

// Valid reports whether t is one of the four recognized fact types.
func (t FactType) Valid() bool {
	switch t {
	case FactTypeFact, FactTypeDecision, FactTypeAssumption, FactTypeUserPreference:
		return true
	}
	return false
}

// FactRelations holds the recognized relation keys on a Fact. BasedOn can
// form a DAG; Contradicts can form a cycle across successive inserts — both
// must always be walked with a visited set. Nothing in this module walks
// these relations transitively.
type FactRelations struct {
	BasedOn     []string `json:"based_on,omitempty"`
	Contradicts string   `json:"contradicts,omitempty"`
	Supports    []string `json:"supports,omitempty"`
}

// FactMetadata is a free map with one recognized key, Confidence.
type FactMetadata map[string]any

// Confidence returns the recognized "confidence" key, defaulting to 0 when
// absent or of the wrong type.
func (m FactMetadata) Confidence() float64 {
	if m == nil {
		return 0
	}
	if v, ok := m["confidence"]; ok {
		if f, ok := v.(float64); ok {
			return f
		}
	}
	return 0
}

// Fact is an M2 structured memory row. Identity is FactID; uniqueness is
// (SessionID, Type, Content) — the Extractor collapses exact duplicates at
// insert and the store enforces the constraint as a defensive backstop.
type Fact struct {
	FactID        string        `json:"fact_id"`
	SessionID     string        `json:"session_id"`
	SourceRoundID int64         `json:"source_round_id"`
	Type          FactType      `json:"type"`
	Content       string        `json:"content"`
	Relations     FactRelations `json:"relations"`
	Metadata      FactMetadata  `json:"metadata"`
	Embedding     []float32     `json:"embedding"`
	CreatedAt     time.Time     `json:"created_at"`
}

// FactCandidate is the loose-JSON shape produced by the extractor's
// structured-JSON LLM completion, before it is validated and turned into a
// Fact. Modeling it separately keeps untrusted LLM output out of the typed
// Fact struct until validation passes (per the "dynamic JSON -> typed
// variants" design note).
type FactCandidate struct {
	Type       string         `json:"type"`
	Content    string         `json:"content"`
	Relations  FactRelations  `json:"relations"`
	Metadata   FactMetadata   `json:"metadata"`
	Confidence float64        `json:"confidence"`
}

// Normalize coerces loosely-cased/loosely-named type strings from the LLM
// (e.g. "User_Preference") onto the canonical FactType values, returning
// ok=false when the value cannot be mapped.
func (c FactCandidate) Normalize() (FactType, bool) {
	switch c.Type {
	case "Fact", "fact":
		return FactTypeFact, true
	case "Decision", "decision":
		return FactTypeDecision, true
	case "Assumption", "assumption":
		return FactTypeAssumption, true
	case "UserPreference", "User_Preference", "user_preference", "userPreference":
		return FactTypeUserPreference, true
	default:
		return "", false
	}
}
