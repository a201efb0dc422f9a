package kb

import (
	"math"
	"sort"
)

// BM25Index implements classic Okapi BM25 (k1=1.5, b=0.75), grounded on the
// teacher's rag/retrieval/bm25.go, extended with matched-keyword tracking
// and node-hygiene skip counting per the spec's node-hygiene note.
type BM25Index struct {
	k1 float64
	b  float64

	avgDocLen float64
	docCount  int
	docFreq   map[string]int
	docLens   map[string]int
	docTerms  map[string]map[string]int // node id -> term -> frequency
	idf       map[string]float64

	// Skipped counts nodes whose text could not be tokenised (empty after
	// Tokenize); they are excluded from the index, never silently kept.
	Skipped int
}

// NewBM25Index creates an empty BM25 index.
func NewBM25Index() *BM25Index {
	return &BM25Index{
		k1:       1.5,
		b:        0.75,
		docFreq:  make(map[string]int),
		docLens:  make(map[string]int),
		docTerms: make(map[string]map[string]int),
		idf:      make(map[string]float64),
	}
}

// Index (re)builds the index over nodes. Nodes that tokenise to nothing are
// skipped and counted in Skipped.
func (s *BM25Index) Index(nodes []Node) {
	s.docFreq = make(map[string]int)
	s.docLens = make(map[string]int)
	s.docTerms = make(map[string]map[string]int)
	s.Skipped = 0

	var totalLen int
	var indexed int

	for _, node := range nodes {
		tokens := Tokenize(node.Text)
		if len(tokens) == 0 {
			s.Skipped++
			continue
		}
		indexed++
		s.docLens[node.ID] = len(tokens)
		totalLen += len(tokens)

		termFreq := make(map[string]int, len(tokens))
		seen := make(map[string]bool, len(tokens))
		for _, t := range tokens {
			termFreq[t]++
			if !seen[t] {
				s.docFreq[t]++
				seen[t] = true
			}
		}
		s.docTerms[node.ID] = termFreq
	}

	s.docCount = indexed
	if indexed > 0 {
		s.avgDocLen = float64(totalLen) / float64(indexed)
	}

	s.idf = make(map[string]float64, len(s.docFreq))
	for term, df := range s.docFreq {
		s.idf[term] = math.Log((float64(s.docCount)-float64(df)+0.5)/(float64(df)+0.5) + 1.0)
	}
}

// Score computes the BM25 score of node against query.
func (s *BM25Index) Score(query string, node Node) float64 {
	queryTokens := Tokenize(query)
	termFreq := s.docTerms[node.ID]
	if termFreq == nil {
		return 0
	}

	docLen := s.docLens[node.ID]
	if docLen == 0 || s.avgDocLen == 0 {
		return 0
	}

	var score float64
	for _, qt := range queryTokens {
		tf := float64(termFreq[qt])
		if tf == 0 {
			continue
		}
		idf := s.idf[qt]
		if idf == 0 {
			idf = math.Log(float64(s.docCount) + 1.0)
		}
		numerator := tf * (s.k1 + 1)
		denominator := tf + s.k1*(1-s.b+s.b*float64(docLen)/s.avgDocLen)
		score += idf * (numerator / denominator)
	}
	return score
}

// Search returns up to topK nodes scored against query, along with, per
// returned node, the matched query tokens of length >= 2 ("matched_keywords")
// and the full query token set ("query_keywords").
func (s *BM25Index) Search(query string, nodes []Node, topK int) (results []ScoredNode, queryKeywords []string) {
	queryKeywords = Tokenize(query)
	if len(queryKeywords) == 0 || s.docCount == 0 {
		return nil, queryKeywords
	}

	type hit struct {
		node  Node
		score float64
	}
	hits := make([]hit, 0, len(nodes))
	for _, n := range nodes {
		sc := s.Score(query, n)
		if sc <= 0 {
			continue
		}
		hits = append(hits, hit{node: n, score: sc})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score == hits[j].score {
			return hits[i].node.ID < hits[j].node.ID
		}
		return hits[i].score > hits[j].score
	})
	if topK > 0 && topK < len(hits) {
		hits = hits[:topK]
	}

	results = make([]ScoredNode, 0, len(hits))
	for rank, h := range hits {
		matched := matchedKeywords(queryKeywords, h.node.Text)
		results = append(results, ScoredNode{
			Node:            h.node,
			Score:           h.score,
			BM25Score:       h.score,
			BM25Rank:        rank + 1,
			MatchedKeywords: matched,
			QueryKeywords:   queryKeywords,
			SourceTags:      []SourceTag{SourceKeyword},
		})
	}
	return results, queryKeywords
}

// matchedKeywords returns the subset of query tokens of length >= 2 that
// occur in text, per the spec's "matched_keywords" definition.
func matchedKeywords(queryTokens []string, text string) []string {
	textTokens := Tokenize(text)
	present := make(map[string]bool, len(textTokens))
	for _, t := range textTokens {
		present[t] = true
	}
	var matched []string
	for _, qt := range queryTokens {
		if len([]rune(qt)) < 2 {
			continue
		}
		if present[qt] {
			matched = append(matched, qt)
		}
	}
	return matched
}
