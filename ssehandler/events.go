package ssehandler

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/wayfarer-labs/advisor/insertblock"
	"github.com/wayfarer-labs/advisor/kb"
)

// frameWriter writes SSE frames in spec.md §4.K's exact wire shape: one
// "data: TAG:payload\n\n" line per event. w is typically gin's
// ResponseWriter, and flush (its Flush method) is called after every write.
type frameWriter struct {
	w     io.Writer
	flush func()
}

func newFrameWriter(w io.Writer, flush func()) *frameWriter { return &frameWriter{w: w, flush: flush} }

func (f *frameWriter) write(tag, payload string) error {
	_, err := fmt.Fprintf(f.w, "data: %s:%s\n\n", tag, payload)
	if err == nil && f.flush != nil {
		f.flush()
	}
	return err
}

func (f *frameWriter) session(sessionID string) error { return f.write("SESSION", sessionID) }
func (f *frameWriter) content(chunk string) error      { return f.write("CONTENT", chunk) }
func (f *frameWriter) think(chunk string) error         { return f.write("THINK", chunk) }
func (f *frameWriter) errorMsg(msg string) error        { return f.write("ERROR", msg) }
func (f *frameWriter) done() error                      { return f.write("DONE", "") }

func (f *frameWriter) source(ev sourceEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return f.write("SOURCE", string(payload))
}

// sourceEvent mirrors spec.md §4.K's SOURCE: JSON fields exactly, field
// names camelCased per the wire contract rather than Go's usual
// snake-free-but-still-idiomatic JSON tags, since this is the one place
// the wire format is dictated by an existing frontend, not by us.
type sourceEvent struct {
	ID               string   `json:"id"`
	FileName         string   `json:"fileName"`
	InitialScore     float64  `json:"initialScore"`
	RerankedScore    float64  `json:"rerankedScore"`
	Content          string   `json:"content"`
	RetrievalSources []string `json:"retrievalSources"`
	VectorScore      float64  `json:"vectorScore"`
	BM25Score        float64  `json:"bm25Score"`
	VectorRank       *int     `json:"vectorRank,omitempty"`
	BM25Rank         *int     `json:"bm25Rank,omitempty"`
	MatchedKeywords  []string `json:"matchedKeywords,omitempty"`

	CanAnswer  *bool   `json:"canAnswer,omitempty"`
	KeyPassage *string `json:"keyPassage,omitempty"`
	Reasoning  *string `json:"reasoning,omitempty"`
}

func intPtrOrNil(rank int) *int {
	if rank <= 0 {
		return nil
	}
	return &rank
}

// sourceEventFromNode builds the base SOURCE payload for a node that did
// not go through InsertBlock.
func sourceEventFromNode(n kb.ScoredNode) sourceEvent {
	name, _ := n.Node.Metadata["file_name"].(string)
	if name == "" {
		name = n.Node.ID
	}
	tags := make([]string, 0, len(n.SourceTags))
	for _, t := range n.SourceTags {
		tags = append(tags, string(t))
	}
	return sourceEvent{
		ID:               n.Node.ID,
		FileName:         name,
		InitialScore:     n.InitialScore,
		RerankedScore:    n.RerankScore,
		Content:          n.Node.Text,
		RetrievalSources: tags,
		VectorScore:      n.VectorScore,
		BM25Score:        n.BM25Score,
		VectorRank:       intPtrOrNil(n.VectorRank),
		BM25Rank:         intPtrOrNil(n.BM25Rank),
		MatchedKeywords:  n.MatchedKeywords,
	}
}

// sourceEventFromInsertBlock builds the SOURCE payload for a node that was
// filtered by InsertBlock, adding its three judgement fields.
func sourceEventFromInsertBlock(r insertblock.Result) sourceEvent {
	ev := sourceEventFromNode(r.Node)
	canAnswer := r.CanAnswer
	keyPassage := r.KeyPassage
	reasoning := r.Reasoning
	ev.CanAnswer = &canAnswer
	ev.KeyPassage = &keyPassage
	ev.Reasoning = &reasoning
	return ev
}

