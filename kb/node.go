// Package kb implements the hybrid dense+lexical retriever (component D) and
// the multi-knowledge-base merger (component E).
package kb

import "context"

// Node is an indexed text chunk. Once built, a Node is never mutated at
// serve time; it is destroyed only by reingest.
type Node struct {
	ID       string
	Text     string
	Metadata map[string]any
	Vector   []float32

	// ExcludedEmbedMetadataKeys and ExcludedLLMMetadataKeys mirror the
	// hydration markers the underlying ingestion pipeline may attach; they
	// are restored verbatim when a Node is rehydrated from the vector store
	// and must never be silently dropped (see DESIGN.md's node-hygiene note).
	ExcludedEmbedMetadataKeys []string
	ExcludedLLMMetadataKeys   []string
}

// SourceTag marks which retrieval branch surfaced a node.
type SourceTag string

const (
	SourceVector  SourceTag = "vector"
	SourceKeyword SourceTag = "keyword"
)

// ScoredNode is a Node plus everything the retrieval and rerank stages
// attach to it. Every field beyond Node/Score is retrieval metadata that
// downstream stages (rerank, InsertBlock, SSE framer) must preserve.
type ScoredNode struct {
	Node Node
	// Score is the stage-current relevance score: initial_score after
	// fusion, rerank_score after reranking. Never conflate the two; the
	// original values remain available via InitialScore/RerankScore.
	Score float64

	SourceTags []SourceTag

	VectorScore float64
	BM25Score   float64
	VectorRank  int // 1-based; 0 means "not present in this branch"
	BM25Rank    int

	MatchedKeywords []string
	QueryKeywords   []string

	InitialScore float64
	RerankScore  float64
	HasRerank    bool

	// KBSource records which named knowledge base this node came from;
	// populated by the multi-KB merger.
	KBSource string

	// InsertBlock judgment fields. No stage in this module sets them; the
	// InsertBlock filter reports its judgments in insertblock.Result.
	CanAnswer   bool
	KeyPassage  string
	Reasoning   string
	HasInsert   bool
}

// HasSourceTag reports whether tag is present in n.SourceTags.
func (n *ScoredNode) HasSourceTag(tag SourceTag) bool {
	for _, t := range n.SourceTags {
		if t == tag {
			return true
		}
	}
	return false
}

// KnowledgeBase is a named, independently indexed collection of nodes. The
// dense branch is served by the vector store client (component A) against
// a collection named after the KB; only the lexical branch is indexed
// in-process here.
type KnowledgeBase struct {
	Name       string
	Nodes      []Node
	Collection string

	BM25 *BM25Index
}

// NewKnowledgeBase builds the in-process BM25 index over nodes.
func NewKnowledgeBase(name, collection string, nodes []Node) *KnowledgeBase {
	kbase := &KnowledgeBase{Name: name, Collection: collection, Nodes: nodes}
	kbase.BM25 = NewBM25Index()
	kbase.BM25.Index(nodes)
	return kbase
}

// RetrieveOptions configures a single Retrieve call.
type RetrieveOptions struct {
	TopK           int
	ConversationID string
	Filters        map[string]string
}

// RetrieveOption configures RetrieveOptions.
type RetrieveOption func(*RetrieveOptions)

// WithTopK bounds the number of nodes returned.
func WithTopK(topK int) RetrieveOption {
	return func(o *RetrieveOptions) { o.TopK = topK }
}

// WithConversationID sets RetrieveOptions.ConversationID; no retriever in
// this module reads it.
func WithConversationID(id string) RetrieveOption {
	return func(o *RetrieveOptions) { o.ConversationID = id }
}

// WithFilters applies exact-match metadata filters.
func WithFilters(filters map[string]string) RetrieveOption {
	return func(o *RetrieveOptions) { o.Filters = filters }
}

// Retriever retrieves ScoredNodes relevant to a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, opts ...RetrieveOption) ([]ScoredNode, error)
}

// Reranker reorders a candidate set for a query.
type Reranker interface {
	Rerank(ctx context.Context, query string, nodes []ScoredNode) ([]ScoredNode, error)
}
