package types

// RecallKind discriminates the origin stream of a RecallItem.
type RecallKind string

const (
	RecallKindChunk    RecallKind = "chunk"
	RecallKindFact     RecallKind = "fact"
	RecallKindWorkflow RecallKind = "workflow"
)

// RecallItem is one fused, ranked item returned by the Retriever.
type RecallItem struct {
	Kind        RecallKind `json:"kind"`
	Content     string     `json:"content"`
	Score       float64    `json:"score"`
	Origin      string     `json:"origin"`
	ContentHash string     `json:"content_hash"`

	// Chunk, Fact, Workflow carry the concrete recalled record for the
	// kind this item represents; exactly one is non-nil.
	Chunk    *Chunk    `json:"chunk,omitempty"`
	Fact     *Fact     `json:"fact,omitempty"`
	Workflow *Workflow `json:"workflow,omitempty"`
}
