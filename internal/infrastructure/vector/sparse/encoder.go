package sparse

import (
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/kirillkom/evidence-rag/internal/core/ports"
)

const (
	docBM25K1      = 1.2
	queryBM25K     = 1.2
	titleBoost     = 1.5
	maxSparseTerms = 256
)

// stopwords carry no retrieval signal in clinical questions. Statistical
// abbreviations such as "or" and "ci" are kept when written upper-case.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "of": {}, "in": {}, "on": {}, "for": {}, "to": {}, "and": {},
	"is": {}, "are": {}, "was": {}, "were": {}, "be": {}, "with": {}, "by": {}, "at": {}, "as": {},
	"it": {}, "this": {}, "that": {}, "from": {}, "or": {}, "do": {}, "does": {}, "what": {}, "how": {},
}

// Encoder builds hashed term-frequency vectors with BM25 saturation.
type Encoder struct{}

func NewEncoder() *Encoder { return &Encoder{} }

func (e *Encoder) EncodeDocument(text, title string) ports.SparseVector {
	termFreq := make(map[uint32]float64, 64)
	appendTermFreq(termFreq, tokenize(text), 1.0)
	appendTermFreq(termFreq, tokenize(title), titleBoost)
	return termFreqToSparse(termFreq, docBM25K1)
}

func (e *Encoder) EncodeQuery(query string) ports.SparseVector {
	termFreq := make(map[uint32]float64, 32)
	appendTermFreq(termFreq, tokenize(query), 1.0)
	return termFreqToSparse(termFreq, queryBM25K)
}

func appendTermFreq(dst map[uint32]float64, tokens []string, tokenWeight float64) {
	for _, token := range tokens {
		if token == "" {
			continue
		}
		dst[hashToken(token)] += tokenWeight
	}
}

func termFreqToSparse(tf map[uint32]float64, k float64) ports.SparseVector {
	if len(tf) == 0 {
		return ports.SparseVector{}
	}
	indices := make([]uint32, 0, len(tf))
	for idx := range tf {
		indices = append(indices, idx)
	}
	// Keep the heaviest terms when truncating, then restore index order.
	if len(indices) > maxSparseTerms {
		sort.Slice(indices, func(i, j int) bool {
			if tf[indices[i]] != tf[indices[j]] {
				return tf[indices[i]] > tf[indices[j]]
			}
			return indices[i] < indices[j]
		})
		indices = indices[:maxSparseTerms]
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	values := make([]float32, 0, len(indices))
	for _, idx := range indices {
		tfValue := tf[idx]
		weight := (tfValue * (k + 1.0)) / (tfValue + k)
		if math.IsNaN(weight) || math.IsInf(weight, 0) {
			weight = 0
		}
		values = append(values, float32(weight))
	}
	return ports.SparseVector{Indices: indices, Values: values}
}

func hashToken(token string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(token))
	sum := h.Sum32()
	if sum == 0 {
		return 1
	}
	return sum
}

// tokenize lower-cases letters and digits into terms. All-caps short tokens
// (OR, RR, CI) are kept as statistical markers even when they collide with
// stopwords.
func tokenize(s string) []string {
	if s == "" {
		return nil
	}
	out := make([]string, 0, 24)
	var (
		b        strings.Builder
		allUpper = true
	)
	flush := func() {
		if b.Len() == 0 {
			return
		}
		token := b.String()
		b.Reset()
		_, stop := stopwords[token]
		if stop && !(allUpper && len(token) <= 3) {
			allUpper = true
			return
		}
		out = append(out, token)
		allUpper = true
	}
	for _, r := range s {
		lower := unicode.ToLower(r)
		if unicode.IsLetter(lower) || unicode.IsDigit(lower) {
			if unicode.IsLetter(r) && !unicode.IsUpper(r) {
				allUpper = false
			}
			b.WriteRune(lower)
			continue
		}
		flush()
	}
	flush()
	return out
}
