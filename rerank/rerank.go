// Package rerank implements component F: reordering a candidate set by a
// cross-encoder reranker, applying a score threshold and a final top-N
// truncation while preserving every retrieval-stage metadata field.
package rerank

import (
	"context"
	"fmt"
	"sort"

	"github.com/wayfarer-labs/advisor/kb"
)

// Scorer scores (query, passage) pairs, in the same order as the input
// passages. embedclient.RerankClient satisfies this.
type Scorer interface {
	Score(ctx context.Context, query string, passages []string) ([]float64, error)
}

// Stage implements kb.Reranker.
type Stage struct {
	scorer Scorer

	InputTopN int     // candidates submitted to the rerank model, default 30
	TopN      int     // final truncation, default 15
	Threshold float64 // minimum rerank_score to keep, default 0.3
}

// New builds a reranker stage with spec.md's documented defaults.
func New(scorer Scorer) *Stage {
	return &Stage{scorer: scorer, InputTopN: 30, TopN: 15, Threshold: 0.3}
}

// Rerank implements kb.Reranker. Nodes are assumed already sorted by
// initial_score desc; only the first InputTopN are submitted to the rerank
// model, matching spec.md §4.F's "submit up to rerank_input_top_n
// highest-scored candidates".
func (s *Stage) Rerank(ctx context.Context, query string, nodes []kb.ScoredNode) ([]kb.ScoredNode, error) {
	if len(nodes) == 0 {
		return nodes, nil
	}

	submitted := nodes
	if s.InputTopN > 0 && s.InputTopN < len(submitted) {
		submitted = submitted[:s.InputTopN]
	}

	passages := make([]string, len(submitted))
	for i, n := range submitted {
		passages[i] = n.Node.Text
	}

	scores, err := s.scorer.Score(ctx, query, passages)
	if err != nil {
		return nil, fmt.Errorf("rerank: score: %w", err)
	}
	if len(scores) != len(submitted) {
		return nil, fmt.Errorf("rerank: scorer returned %d scores for %d candidates", len(scores), len(submitted))
	}

	out := make([]kb.ScoredNode, 0, len(submitted))
	for i, n := range submitted {
		if scores[i] < s.Threshold {
			continue
		}
		// n already carries InitialScore/SourceTags/per-branch scores from
		// the retrieval stage; only Score/RerankScore/HasRerank change.
		n.Score = scores[i]
		n.RerankScore = scores[i]
		n.HasRerank = true
		out = append(out, n)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if s.TopN > 0 && s.TopN < len(out) {
		out = out[:s.TopN]
	}
	return out, nil
}
