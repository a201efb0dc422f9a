// Package vectorstore implements component A: a thin client over the
// Qdrant vector database exposing upsert/scroll/search against named
// collections.
package vectorstore

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
)

// Point is one vector-store record: a stable id, its dense vector, and an
// arbitrary payload map. Upsert is idempotent on Id.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// SearchHit is one result of Search.
type SearchHit struct {
	ID      string
	Score   float64
	Payload map[string]any
}

// Client wraps a Qdrant gRPC client. Grounded on
// toheart-cocursor/backend/internal/infrastructure/vector/qdrant_manager.go
// and backend/internal/application/rag/search.go's Query/Upsert usage.
type Client struct {
	conn   *qdrant.Client
	logger *zap.Logger
}

// Config is the connection configuration for a Qdrant deployment.
type Config struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool
}

// New dials a Qdrant instance. The connection is established eagerly so
// that configuration errors surface at startup rather than on first use.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("vectorstore: connect: %w", err)
	}
	return &Client{conn: conn, logger: logger}, nil
}

// Close releases the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// EnsureCollection creates the named collection if it does not already
// exist, sized for vectorSize-dimensional cosine-similarity vectors (spec.md
// §8 assumes cosine similarity throughout).
func (c *Client) EnsureCollection(ctx context.Context, collection string, vectorSize uint64) error {
	existing, err := c.conn.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("vectorstore: list collections: %w", err)
	}
	for _, name := range existing {
		if name == collection {
			return nil
		}
	}
	return c.conn.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     vectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
}

// DropCollection deletes a collection outright, used by the reindex path
// (spec.md §8: "collection is dropped and rebuilt" on a KB hash mismatch).
func (c *Client) DropCollection(ctx context.Context, collection string) error {
	return c.conn.DeleteCollection(ctx, collection)
}

// Upsert writes points into collection, overwriting any existing point with
// the same id.
func (c *Client) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	structs := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		structs[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(p.ID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: qdrant.NewValueMap(p.Payload),
		}
	}
	_, err := c.conn.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         structs,
	})
	if err != nil {
		return fmt.Errorf("vectorstore: upsert %s: %w", collection, err)
	}
	return nil
}

// Search performs a dense nearest-neighbour query, optionally restricted by
// an equality filter on payload fields. vectorstore.DenseSearcher (dense.go)
// adapts it to kb.DenseSearcher.
func (c *Client) Search(ctx context.Context, collection string, queryVector []float32, k int, filters map[string]string) ([]SearchHit, error) {
	limit := uint64(k)
	resp, err := c.conn.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(queryVector...),
		Limit:          &limit,
		Filter:         buildFilter(filters),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("vectorstore: query %s: %w", collection, err)
	}
	hits := make([]SearchHit, 0, len(resp))
	for _, sp := range resp {
		hits = append(hits, SearchHit{
			ID:      pointIDString(sp.GetId()),
			Score:   float64(sp.GetScore()),
			Payload: payloadToMap(sp.GetPayload()),
		})
	}
	return hits, nil
}

// Scroll paginates through every point in a collection matching filters,
// calling fn for each page. Used at startup to load KB nodes and by the
// conversation manager's history reads and GC. A nil offset on the first
// call starts from the beginning; each later page is requested from the id
// of the previous page's last point, and Scroll stops once a page holds
// fewer than pageSize points.
func (c *Client) Scroll(ctx context.Context, collection string, filters map[string]string, pageSize uint32, fn func([]SearchHit) error) error {
	var offset *qdrant.PointId
	for {
		resp, err := c.conn.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: collection,
			Filter:         buildFilter(filters),
			Limit:          &pageSize,
			Offset:         offset,
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(false),
		})
		if err != nil {
			return fmt.Errorf("vectorstore: scroll %s: %w", collection, err)
		}
		if len(resp) == 0 {
			return nil
		}
		hits := make([]SearchHit, 0, len(resp))
		for _, rp := range resp {
			hits = append(hits, SearchHit{
				ID:      pointIDString(rp.GetId()),
				Payload: payloadToMap(rp.GetPayload()),
			})
		}
		if err := fn(hits); err != nil {
			return err
		}
		if len(resp) < int(pageSize) {
			return nil
		}
		offset = resp[len(resp)-1].GetId()
	}
}

// Delete removes points by id, used by the conversation manager's GC pass
// (component J) and by reindex.
func (c *Client) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewID(id)
	}
	_, err := c.conn.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIDs},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("vectorstore: delete %s: %w", collection, err)
	}
	return nil
}

func buildFilter(filters map[string]string) *qdrant.Filter {
	if len(filters) == 0 {
		return nil
	}
	conditions := make([]*qdrant.Condition, 0, len(filters))
	for field, value := range filters {
		conditions = append(conditions, qdrant.NewMatch(field, value))
	}
	return &qdrant.Filter{Must: conditions}
}

func pointIDString(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	if s := id.GetUuid(); s != "" {
		return s
	}
	return fmt.Sprintf("%d", id.GetNum())
}

func payloadToMap(payload map[string]*qdrant.Value) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = valueToAny(v)
	}
	return out
}

func valueToAny(v *qdrant.Value) any {
	if v == nil {
		return nil
	}
	switch {
	case v.GetStringValue() != "":
		return v.GetStringValue()
	case v.GetIntegerValue() != 0:
		return v.GetIntegerValue()
	case v.GetDoubleValue() != 0:
		return v.GetDoubleValue()
	case v.GetBoolValue():
		return true
	case v.GetStructValue() != nil:
		m := make(map[string]any)
		for k, fv := range v.GetStructValue().GetFields() {
			m[k] = valueToAny(fv)
		}
		return m
	case v.GetListValue() != nil:
		items := v.GetListValue().GetValues()
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = valueToAny(item)
		}
		return out
	default:
		return nil
	}
}
