package index

// DefaultRRFK is the customary reciprocal rank fusion constant.
const DefaultRRFK = 60.0

// Fuse merges two ranked lists with weighted Reciprocal Rank Fusion:
// RRF(d) = sum weight/(k + rank(d)).
func Fuse(vectorHits, textHits []Hit, vectorWeight, textWeight, k float64) []Hit {
	if k <= 0 {
		k = DefaultRRFK
	}
	scores := make(map[string]float64, len(vectorHits)+len(textHits))
	for rank, h := range vectorHits {
		scores[h.ID] += vectorWeight / (k + float64(rank+1))
	}
	for rank, h := range textHits {
		scores[h.ID] += textWeight / (k + float64(rank+1))
	}

	fused := make([]Hit, 0, len(scores))
	for id, score := range scores {
		fused = append(fused, Hit{ID: id, Score: score})
	}
	sortHits(fused)
	return fused
}
