package extractor

import (
	"fmt"
	"strings"

	"github.com/scrypster/memfuse/pkg/types"
)

// systemPrompt instructs the model to emit MECE structured items as strict
// JSON.
const systemPrompt = `You are a precise information extractor. Given one or more conversation rounds (user + assistant) and optional related context, extract high-quality structured items as strict JSON. Do not include explanations.

Principles:
- Each item MUST be standalone and self-explanatory. Expand acronyms and references so the fact can be used alone.
- Prefer concise, high-information sentences (MECE: mutually exclusive, collectively exhaustive).
- Merge micro-facts about the same subject into one compact statement.
- Only include items grounded by the given rounds and related context.
- If information is redundant with the related facts, you may return an empty items list.
- If a candidate contradicts a related fact, favor the more recent information and set relations.contradicts to the related fact's identifier.

Respond with strict JSON matching this schema:
{"items": [{"type": "Fact|Decision|Assumption|UserPreference", "content": "<statement>", "relations": {"based_on": ["<id>"], "contradicts": "<id>"}, "confidence": <0..1>}]}`

// extractionRequest is the decoded shape of a structured-JSON completion.
type extractionRequest struct {
	Items []types.FactCandidate `json:"items"`
}

// buildPrompt renders the target rounds plus related fact context into the
// user-turn half of the extraction prompt.
func buildPrompt(rounds []*types.Round, relatedFacts []*types.Fact) string {
	var b strings.Builder
	b.WriteString(systemPrompt)
	b.WriteString("\n\nExtract structured items from the following conversation round(s).\n")

	for _, round := range rounds {
		if round.User != nil {
			fmt.Fprintf(&b, "[User #%d] %s\n", round.RoundID, round.User.Content)
		}
		if round.Assistant != nil {
			fmt.Fprintf(&b, "[Assistant #%d] %s\n", round.RoundID, round.Assistant.Content)
		}
	}

	if len(relatedFacts) > 0 {
		b.WriteString("\n[Related Structured Memory]\n")
		for _, f := range relatedFacts {
			fmt.Fprintf(&b, "- %s: %s\n", f.Type, f.Content)
		}
	}

	return b.String()
}
