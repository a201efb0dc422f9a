package kb

import (
	"context"
	"fmt"
	"sort"
)

// DenseHit is one result of a dense nearest-neighbour search.
type DenseHit struct {
	NodeID string
	Score  float64
}

// DenseSearcher is the dense-branch boundary onto the vector store client
// (component A). Kept as a narrow interface here so kb never imports
// vectorstore directly; vectorstore.DenseSearcher adapts a
// vectorstore.Client to it.
type DenseSearcher interface {
	Search(ctx context.Context, collection string, queryVector []float32, k int, filters map[string]string) ([]DenseHit, error)
}

// Embedder is the boundary onto the embedding client (component B).
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// FusionParams are the weighted-RRF-with-bypass tunables.
type FusionParams struct {
	K                   int     // smoothing constant, default 10
	VectorWeight        float64 // default 0.7
	BM25Weight          float64 // default 0.3
	VectorValidityFloor float64 // default 0.01: s_v(n) must exceed this to count as "vector_valid"
}

// DefaultFusionParams mirrors spec.md's documented defaults (k=10,
// w_v=0.7, w_b=0.3). The original system's config/settings.py ships
// RRF_K=60.0, evidence of a different, later-tuned deployment; spec.md's
// own text is authoritative here (see DESIGN.md Open Question).
func DefaultFusionParams() FusionParams {
	return FusionParams{K: 10, VectorWeight: 0.7, BM25Weight: 0.3, VectorValidityFloor: 0.01}
}

// HybridRetriever implements component D: dense + BM25 retrieval over one
// KB, fused by weighted RRF with a low-vector-score bypass.
type HybridRetriever struct {
	kbase    *KnowledgeBase
	dense    DenseSearcher
	embedder Embedder
	fusion   FusionParams

	KVec       int // dense branch candidate count, default 30
	KBM25      int // bm25 branch candidate count, default 30
	TopKMerged int // final truncation, default 30
}

// NewHybridRetriever builds a retriever over kbase.
func NewHybridRetriever(kbase *KnowledgeBase, dense DenseSearcher, embedder Embedder, fusion FusionParams) *HybridRetriever {
	return &HybridRetriever{
		kbase:      kbase,
		dense:      dense,
		embedder:   embedder,
		fusion:     fusion,
		KVec:       30,
		KBM25:      30,
		TopKMerged: 30,
	}
}

// Retrieve implements Retriever.
func (h *HybridRetriever) Retrieve(ctx context.Context, query string, opts ...RetrieveOption) ([]ScoredNode, error) {
	options := RetrieveOptions{TopK: h.TopKMerged}
	for _, opt := range opts {
		opt(&options)
	}
	topK := options.TopK
	if topK <= 0 {
		topK = h.TopKMerged
	}

	denseHits, err := h.denseBranch(ctx, query, options.Filters)
	if err != nil {
		// Embedding/vector-store failure degrades the dense branch to empty
		// rather than failing the whole request (spec.md §7).
		denseHits = nil
	}

	nodesByID := make(map[string]Node, len(h.kbase.Nodes))
	for _, n := range h.kbase.Nodes {
		nodesByID[n.ID] = n
	}

	bm25Results, queryKeywords := h.kbase.BM25.Search(query, h.kbase.Nodes, h.KBM25)

	fused := h.fuse(denseHits, bm25Results, nodesByID, queryKeywords)

	sort.Slice(fused, func(i, j int) bool {
		if fused[i].InitialScore == fused[j].InitialScore {
			return fused[i].Node.ID < fused[j].Node.ID
		}
		return fused[i].InitialScore > fused[j].InitialScore
	})
	if topK > 0 && topK < len(fused) {
		fused = fused[:topK]
	}
	return fused, nil
}

func (h *HybridRetriever) denseBranch(ctx context.Context, query string, filters map[string]string) ([]DenseHit, error) {
	if h.dense == nil || h.embedder == nil {
		return nil, nil
	}
	vec, err := h.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := h.dense.Search(ctx, h.kbase.Collection, vec, h.KVec, filters)
	if err != nil {
		return nil, fmt.Errorf("dense search: %w", err)
	}
	return hits, nil
}

// fuse implements spec.md §4.D's weighted RRF with low-vector-score bypass.
func (h *HybridRetriever) fuse(dense []DenseHit, bm25 []ScoredNode, nodesByID map[string]Node, queryKeywords []string) []ScoredNode {
	type acc struct {
		vectorScore float64
		vectorRank  int
		bm25Score   float64
		bm25Rank    int
		matched     []string
		hasVector   bool
		hasBM25     bool
	}
	byID := make(map[string]*acc)

	for rank, d := range dense {
		a := byID[d.NodeID]
		if a == nil {
			a = &acc{}
			byID[d.NodeID] = a
		}
		a.vectorScore = d.Score
		a.vectorRank = rank + 1
		a.hasVector = true
	}
	for rank, b := range bm25 {
		a := byID[b.Node.ID]
		if a == nil {
			a = &acc{}
			byID[b.Node.ID] = a
		}
		a.bm25Score = b.Score
		a.bm25Rank = rank + 1
		a.matched = b.MatchedKeywords
		a.hasBM25 = true
	}

	k := h.fusion.K
	wv := h.fusion.VectorWeight
	wb := h.fusion.BM25Weight
	floor := h.fusion.VectorValidityFloor

	out := make([]ScoredNode, 0, len(byID))
	for id, a := range byID {
		node, ok := nodesByID[id]
		if !ok {
			continue // node not in this KB's current node set; drop stale hit
		}
		vectorValid := a.hasVector && a.vectorScore > floor
		bm25Valid := a.hasBM25

		var score float64
		if !vectorValid && bm25Valid {
			score = wb * a.bm25Score
		} else {
			if vectorValid {
				score += wv / float64(k+a.vectorRank)
			}
			if bm25Valid {
				score += wb / float64(k+a.bm25Rank)
			}
		}

		var tags []SourceTag
		if a.hasVector {
			tags = append(tags, SourceVector)
		}
		if a.hasBM25 {
			tags = append(tags, SourceKeyword)
		}

		sn := ScoredNode{
			Node:            node,
			Score:           score,
			InitialScore:    score,
			SourceTags:      tags,
			VectorScore:     a.vectorScore,
			BM25Score:       a.bm25Score,
			VectorRank:      a.vectorRank,
			BM25Rank:        a.bm25Rank,
			MatchedKeywords: a.matched,
			QueryKeywords:   queryKeywords,
		}
		out = append(out, sn)
	}
	return out
}
