// Package index provides the in-process ranking structures used by the
// embedded storage backends: a BM25 inverted index, a brute-force cosine
// vector index and reciprocal rank fusion of the two.
package index

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// Hit is one ranked result.
type Hit struct {
	ID    string
	Score float64
}

// BM25 provides full-text ranking using the Okapi BM25 formula. Documents
// belong to a scope (a collection name) and searches never cross scopes.
type BM25 struct {
	mu sync.RWMutex

	k1 float64
	b  float64

	// scope -> term -> set of doc ids
	postings map[string]map[string]map[string]struct{}

	// doc id -> term frequencies
	termFreqs map[string]map[string]int

	docLengths map[string]int
	scopes     map[string]string

	// per-scope corpus stats
	docCount map[string]int
	totalLen map[string]int
}

// NewBM25 creates an index with the given parameters. Typical values are
// k1=1.5 and b=0.75.
func NewBM25(k1, b float64) *BM25 {
	return &BM25{
		k1:         k1,
		b:          b,
		postings:   make(map[string]map[string]map[string]struct{}),
		termFreqs:  make(map[string]map[string]int),
		docLengths: make(map[string]int),
		scopes:     make(map[string]string),
		docCount:   make(map[string]int),
		totalLen:   make(map[string]int),
	}
}

func docKey(scope, id string) string { return scope + "\x00" + id }

// Index adds or replaces a document.
func (idx *BM25) Index(scope, id, content string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	key := docKey(scope, id)
	if _, exists := idx.termFreqs[key]; exists {
		idx.removeLocked(key)
	}

	tokens := Tokenize(content)
	if len(tokens) == 0 {
		return
	}
	freqs := make(map[string]int, len(tokens))
	for _, token := range tokens {
		freqs[token]++
	}

	idx.termFreqs[key] = freqs
	idx.docLengths[key] = len(tokens)
	idx.scopes[key] = scope
	idx.docCount[scope]++
	idx.totalLen[scope] += len(tokens)

	terms := idx.postings[scope]
	if terms == nil {
		terms = make(map[string]map[string]struct{})
		idx.postings[scope] = terms
	}
	for term := range freqs {
		if terms[term] == nil {
			terms[term] = make(map[string]struct{})
		}
		terms[term][id] = struct{}{}
	}
}

// Remove deletes a document from the index.
func (idx *BM25) Remove(scope, id string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(docKey(scope, id))
}

func (idx *BM25) removeLocked(key string) {
	freqs, exists := idx.termFreqs[key]
	if !exists {
		return
	}
	scope := idx.scopes[key]
	id := strings.TrimPrefix(key, scope+"\x00")

	terms := idx.postings[scope]
	for term := range freqs {
		if docs, ok := terms[term]; ok {
			delete(docs, id)
			if len(docs) == 0 {
				delete(terms, term)
			}
		}
	}

	idx.totalLen[scope] -= idx.docLengths[key]
	idx.docCount[scope]--
	delete(idx.termFreqs, key)
	delete(idx.docLengths, key)
	delete(idx.scopes, key)
}

// Search returns up to topK documents in scope ranked by BM25 score.
// topK <= 0 returns every match.
func (idx *BM25) Search(scope, query string, topK int) []Hit {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	n := idx.docCount[scope]
	if n == 0 {
		return nil
	}
	queryTokens := Tokenize(query)
	if len(queryTokens) == 0 {
		return nil
	}

	avgDL := float64(idx.totalLen[scope]) / float64(n)
	terms := idx.postings[scope]

	candidates := make(map[string]struct{})
	for _, token := range queryTokens {
		for id := range terms[token] {
			candidates[id] = struct{}{}
		}
	}

	hits := make([]Hit, 0, len(candidates))
	for id := range candidates {
		if score := idx.scoreLocked(scope, id, queryTokens, avgDL); score > 0 {
			hits = append(hits, Hit{ID: id, Score: score})
		}
	}
	sortHits(hits)

	if topK > 0 && topK < len(hits) {
		hits = hits[:topK]
	}
	return hits
}

// Len returns the number of indexed documents in scope.
func (idx *BM25) Len(scope string) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.docCount[scope]
}

// scoreLocked must be called with the read lock held.
func (idx *BM25) scoreLocked(scope, id string, queryTokens []string, avgDL float64) float64 {
	key := docKey(scope, id)
	docLen := float64(idx.docLengths[key])
	freqs := idx.termFreqs[key]
	total := float64(idx.docCount[scope])
	score := 0.0

	for _, term := range queryTokens {
		tf := float64(freqs[term])
		if tf == 0 {
			continue
		}
		// IDF: log((N - n + 0.5) / (n + 0.5) + 1)
		n := float64(len(idx.postings[scope][term]))
		idf := math.Log((total-n+0.5)/(n+0.5) + 1.0)

		numerator := tf * (idx.k1 + 1)
		denominator := tf + idx.k1*(1-idx.b+idx.b*docLen/avgDL)
		score += idf * numerator / denominator
	}
	return score
}

func sortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score == hits[j].Score {
			return hits[i].ID < hits[j].ID
		}
		return hits[i].Score > hits[j].Score
	})
}

// Tokenize splits text into lowercase tokens, dropping punctuation and
// stop words. Han characters become single-rune tokens.
func Tokenize(text string) []string {
	text = strings.ToLower(text)

	tokens := make([]string, 0, len(text)/4)
	var current strings.Builder

	flush := func() {
		if current.Len() == 0 {
			return
		}
		token := current.String()
		if _, isStop := stopWords[token]; !isStop {
			tokens = append(tokens, token)
		}
		current.Reset()
	}

	for _, r := range text {
		if unicode.Is(unicode.Han, r) {
			flush()
			tokens = append(tokens, string(r))
			continue
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			current.WriteRune(r)
			continue
		}
		flush()
	}
	flush()
	return tokens
}

var stopWords = func() map[string]struct{} {
	words := []string{
		"a", "an", "the", "is", "are", "was", "were", "be", "been", "being",
		"have", "has", "had", "do", "does", "did", "will", "would", "could",
		"should", "may", "might", "shall", "can", "need", "ought",
		"used", "to", "of", "in", "for", "on", "with", "at", "by", "from",
		"as", "into", "through", "during", "before", "after", "above", "below",
		"between", "out", "off", "over", "under", "again", "further", "then",
		"once", "and", "but", "or", "nor", "not", "so", "yet", "both",
		"either", "neither", "each", "every", "all", "any", "few", "more",
		"most", "other", "some", "such", "no", "only", "own", "same", "than",
		"too", "very", "just", "because", "if", "when", "where", "how", "what",
		"which", "who", "whom", "this", "that", "these", "those", "i", "me",
		"my", "myself", "we", "our", "ours", "ourselves", "you", "your",
		"yours", "yourself", "yourselves", "he", "him", "his", "himself",
		"she", "her", "hers", "herself", "it", "its", "itself", "they",
		"them", "their", "theirs", "themselves",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}()
