package conversation

import (
	"context"

	"github.com/wayfarer-labs/advisor/vectorstore"
)

// VectorStoreAdapter adapts a *vectorstore.Client onto the Store
// interface. Go's structural typing requires an exact type match on
// method parameters, so a distinct-but-identically-shaped Point/SearchHit
// pair in each package (the same discipline vectorstore/dense.go already
// applies for kb.DenseSearcher) needs this small conversion shim rather
// than conversation importing vectorstore's types directly.
type VectorStoreAdapter struct {
	*vectorstore.Client
}

func (a VectorStoreAdapter) Upsert(ctx context.Context, collection string, points []Point) error {
	converted := make([]vectorstore.Point, len(points))
	for i, p := range points {
		converted[i] = vectorstore.Point{ID: p.ID, Vector: p.Vector, Payload: p.Payload}
	}
	return a.Client.Upsert(ctx, collection, converted)
}

func (a VectorStoreAdapter) Search(ctx context.Context, collection string, queryVector []float32, k int, filters map[string]string) ([]SearchHit, error) {
	hits, err := a.Client.Search(ctx, collection, queryVector, k, filters)
	if err != nil {
		return nil, err
	}
	return convertHits(hits), nil
}

func (a VectorStoreAdapter) Scroll(ctx context.Context, collection string, filters map[string]string, pageSize uint32, fn func([]SearchHit) error) error {
	return a.Client.Scroll(ctx, collection, filters, pageSize, func(hits []vectorstore.SearchHit) error {
		return fn(convertHits(hits))
	})
}

func (a VectorStoreAdapter) Delete(ctx context.Context, collection string, ids []string) error {
	return a.Client.Delete(ctx, collection, ids)
}

func convertHits(hits []vectorstore.SearchHit) []SearchHit {
	out := make([]SearchHit, len(hits))
	for i, h := range hits {
		out[i] = SearchHit{ID: h.ID, Score: h.Score, Payload: h.Payload}
	}
	return out
}
