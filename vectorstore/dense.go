package vectorstore

import (
	"context"

	"github.com/wayfarer-labs/advisor/kb"
)

// DenseSearcher adapts Client to kb.DenseSearcher. Kept as a separate,
// explicit adapter type (rather than having Client itself return
// kb.DenseHit) so vectorstore's core API stays independent of kb's
// retrieval-specific vocabulary; only call sites that need the kb.Retriever
// wiring pay for the kb import.
type DenseSearcher struct {
	*Client
}

// Search implements kb.DenseSearcher.
func (d DenseSearcher) Search(ctx context.Context, collection string, queryVector []float32, k int, filters map[string]string) ([]kb.DenseHit, error) {
	hits, err := d.Client.Search(ctx, collection, queryVector, k, filters)
	if err != nil {
		return nil, err
	}
	out := make([]kb.DenseHit, len(hits))
	for i, h := range hits {
		out[i] = kb.DenseHit{NodeID: h.ID, Score: h.Score}
	}
	return out, nil
}
