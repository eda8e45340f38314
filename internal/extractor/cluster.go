package extractor

import (
	"math"

	"github.com/scrypster/memfuse/pkg/types"
)

// extractionCandidate pairs a validated candidate with its computed
// embedding, used once the candidate has cleared type normalization and
// content checks but before the dedup/contradiction gates run.
type extractionCandidate struct {
	factType   types.FactType
	content    string
	relations  types.FactRelations
	metadata   types.FactMetadata
	confidence float64
	embedding  []float32
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// meceCluster groups candidates whose pairwise cosine similarity exceeds
// simThreshold and keeps only the highest-confidence representative of each
// cluster, implementing the mutually-exclusive-collectively-exhaustive
// dedup pass required within a single extraction batch.
func meceCluster(candidates []extractionCandidate, simThreshold float64) []extractionCandidate {
	n := len(candidates)
	clustered := make([]bool, n)

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if candidates[order[j]].confidence > candidates[order[i]].confidence {
				order[i], order[j] = order[j], order[i]
			}
		}
	}

	var representatives []extractionCandidate
	for _, i := range order {
		if clustered[i] {
			continue
		}
		clustered[i] = true
		representatives = append(representatives, candidates[i])
		for _, j := range order {
			if clustered[j] || candidates[j].factType != candidates[i].factType {
				continue
			}
			if cosineSimilarity(candidates[i].embedding, candidates[j].embedding) >= simThreshold {
				clustered[j] = true
			}
		}
	}
	return representatives
}
