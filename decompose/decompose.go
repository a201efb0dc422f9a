// Package decompose implements component H: the sub-question decomposer
// that sits between the intent router and the reranker, breaking a complex
// query into parallel-retrievable sub-questions when it's cheap and likely
// to help, and falling back to standard retrieval otherwise.
package decompose

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wayfarer-labs/advisor/kb"
	"github.com/wayfarer-labs/advisor/llmclient"
)

// HistoryTurn is the minimal shape the decomposer needs from prior
// conversation turns; component J's ConversationTurn is adapted down to
// this at the call site so decompose doesn't depend on the storage layer.
type HistoryTurn struct {
	UserQuery         string
	AssistantResponse string
}

// Metadata describes how a single retrieve_with_decomposition call was
// handled, returned alongside the merged nodes for observability/SSE
// framing (spec.md §4.H).
type Metadata struct {
	Decomposed        bool
	SubQuestions      []string
	SubResultCounts   []int
	SubAnswers        []string
	SynthesizedAnswer string
}

// Metrics accumulates counters across the process lifetime, per spec.md
// §4.H's "metrics tracked (no persistence required)".
type Metrics struct {
	TotalQueries      int64
	DecomposedQueries int64
	FallbackCount     int64
	EmptyResultsCount int64
	TimeoutCount      int64
	ErrorCount        int64
}

// Decomposer implements retrieve_with_decomposition.
type Decomposer struct {
	llm    llmclient.ChatClient
	logger *zap.Logger

	Enabled bool

	ComplexityThreshold  int // min query length (chars) to consider decomposing, default 60
	MinEntities          int // min heuristic noun-like-token count, default 2
	MaxDepth             int // max sub-questions, default 3

	HistoryCompressTurns int // default 5
	HistoryMaxTokens     int // approx chars/2, default 500

	DecompTimeout    time.Duration // default 10s
	SynthesisTimeout time.Duration // default 30s

	MinScore        float64 // default 0.3
	MaxEmptyResults int     // default 2

	MaxWorkers int // bounded parallel retrieve, default 5

	metrics Metrics
}

// New builds a decomposer with spec.md's documented defaults.
func New(llm llmclient.ChatClient, logger *zap.Logger) *Decomposer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decomposer{
		llm:                  llm,
		logger:               logger,
		Enabled:              true,
		ComplexityThreshold:  60,
		MinEntities:          2,
		MaxDepth:             3,
		HistoryCompressTurns: 5,
		HistoryMaxTokens:     500,
		DecompTimeout:        10 * time.Second,
		SynthesisTimeout:     30 * time.Second,
		MinScore:             0.3,
		MaxEmptyResults:      2,
		MaxWorkers:           5,
	}
}

// Metrics returns a snapshot of the accumulated counters.
func (d *Decomposer) Metrics() Metrics { return d.metrics }

// Retrieve implements retrieve_with_decomposition(query, rerank_top_n,
// conversation_history?, chosen_retriever) -> (nodes, metadata).
//
// The router (component G) must already have chosen retriever before this
// is called; the decomposer never selects or bypasses it.
func (d *Decomposer) Retrieve(ctx context.Context, query string, rerankTopN int, history []HistoryTurn, retriever kb.Retriever) ([]kb.ScoredNode, Metadata, error) {
	d.metrics.TotalQueries++
	if rerankTopN <= 0 {
		rerankTopN = 15
	}

	if !d.shouldDecompose(query) {
		nodes, err := retriever.Retrieve(ctx, query, kb.WithTopK(rerankTopN))
		return nodes, Metadata{Decomposed: false}, err
	}

	historyContext := d.compressHistory(ctx, history)

	subQuestions, err := d.decomposeQuery(ctx, query, historyContext)
	if err != nil || len(subQuestions) == 0 {
		if err != nil {
			d.logger.Warn("decomposition failed, falling back to standard retrieve", zap.Error(err))
		}
		d.metrics.FallbackCount++
		nodes, rerr := retriever.Retrieve(ctx, query, kb.WithTopK(rerankTopN))
		return nodes, Metadata{Decomposed: false}, rerr
	}

	subResults, emptyCount := d.parallelRetrieve(ctx, subQuestions, rerankTopN, retriever)

	if emptyCount >= d.MaxEmptyResults {
		d.metrics.EmptyResultsCount++
		d.metrics.FallbackCount++
		nodes, rerr := retriever.Retrieve(ctx, query, kb.WithTopK(rerankTopN))
		return nodes, Metadata{Decomposed: false}, rerr
	}

	subAnswers := d.miniAnswers(ctx, subQuestions, subResults)

	merged := mergeSubResults(subResults, d.MinScore, rerankTopN)

	meta := Metadata{
		Decomposed:      true,
		SubQuestions:    subQuestions,
		SubResultCounts: countsOf(subResults),
		SubAnswers:      subAnswers,
	}

	if synthesized, err := d.synthesize(ctx, query, subQuestions, subAnswers); err == nil {
		meta.SynthesizedAnswer = synthesized
	}

	d.metrics.DecomposedQueries++
	return merged, meta, nil
}

// shouldDecompose is the cheap gate of spec.md §4.H: feature flag, then
// length + heuristic entity count.
func (d *Decomposer) shouldDecompose(query string) bool {
	if !d.Enabled {
		return false
	}
	if len([]rune(query)) < d.ComplexityThreshold {
		return false
	}
	return countEntities(query) >= d.MinEntities
}

// countEntities is a heuristic noun-like-token counter: distinct tokens of
// length >= 2 after splitting on common punctuation/whitespace. There's no
// NLP tagger anywhere in the corpus to ground a real POS-based count on, so
// this mirrors the spec's own parenthetical ("e.g., distinct noun-like
// tokens") literally rather than reaching for a heavier dependency nothing
// else in the stack uses.
func countEntities(query string) int {
	fields := strings.FieldsFunc(query, func(r rune) bool {
		switch r {
		case ' ', '\t', '\n', ',', '，', '。', '.', '?', '？', '!', '！', ';', '；':
			return true
		}
		return false
	})
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if len([]rune(f)) >= 2 {
			seen[f] = true
		}
	}
	return len(seen)
}

// compressHistory implements spec.md §4.H's history compression: take the
// last HistoryCompressTurns, truncate by approximate tokens (2 chars ≈ 1
// token) to HistoryMaxTokens, then LLM-summarise to <= 200 chars.
func (d *Decomposer) compressHistory(ctx context.Context, history []HistoryTurn) string {
	if len(history) == 0 {
		return ""
	}
	if len(history) > d.HistoryCompressTurns {
		history = history[len(history)-d.HistoryCompressTurns:]
	}

	var sb strings.Builder
	maxChars := d.HistoryMaxTokens * 2
	chars := 0
	for _, turn := range history {
		line := fmt.Sprintf("Q: %s\nA: %s\n", turn.UserQuery, turn.AssistantResponse)
		lc := len([]rune(line))
		if chars+lc > maxChars {
			break
		}
		chars += lc
		sb.WriteString(line)
	}
	raw := sb.String()
	if raw == "" {
		return ""
	}

	if d.llm == nil {
		return truncateRunes(raw, 200)
	}
	summary, err := d.callLLM(ctx, 10*time.Second, "Summarise the following conversation history in at most 200 characters, preserving named entities and the topic under discussion.", raw, 0.2, 120)
	if err != nil {
		d.logger.Warn("history summarisation failed, using truncated history", zap.Error(err))
		return truncateRunes(raw, 200)
	}
	return truncateRunes(summary, 200)
}

// decomposeQuery asks the LLM for 2..MaxDepth sub-questions as a JSON-ish
// list. On timeout/error/empty result the caller falls back to standard
// retrieve.
func (d *Decomposer) decomposeQuery(ctx context.Context, query, historyContext string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.DecompTimeout)
	defer cancel()

	prompt := fmt.Sprintf(
		"Break the following question into between 2 and %d independent sub-questions that together cover it. "+
			"Respond with ONLY a JSON array of strings, no commentary.\n\nContext: %s\n\nQuestion: %s",
		d.MaxDepth, historyContext, query,
	)

	reply, err := d.callLLM(ctx, d.DecompTimeout, "You decompose complex questions into independent sub-questions.", prompt, 0.2, 400)
	if err != nil {
		d.metrics.ErrorCount++
		if ctx.Err() != nil {
			d.metrics.TimeoutCount++
		}
		return nil, err
	}

	subQuestions := parseSubQuestions(reply)
	if len(subQuestions) > d.MaxDepth {
		subQuestions = subQuestions[:d.MaxDepth]
	}
	return subQuestions, nil
}

// parseSubQuestions extracts a JSON array of strings from a possibly
// fenced/noisy LLM reply via gjson, which tolerates surrounding text gjson
// itself ignores once pointed at the array.
func parseSubQuestions(reply string) []string {
	reply = strings.TrimSpace(reply)
	reply = strings.TrimPrefix(reply, "```json")
	reply = strings.TrimPrefix(reply, "```")
	reply = strings.TrimSuffix(reply, "```")

	start := strings.Index(reply, "[")
	end := strings.LastIndex(reply, "]")
	if start < 0 || end < 0 || end < start {
		return nil
	}
	arr := reply[start : end+1]

	result := gjson.Parse(arr)
	if !result.IsArray() {
		return nil
	}
	var out []string
	for _, item := range result.Array() {
		s := strings.TrimSpace(item.String())
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// parallelRetrieve runs chosen_retriever.Retrieve for each sub-question
// with a bounded worker count, per spec.md §4.H.
func (d *Decomposer) parallelRetrieve(ctx context.Context, subQuestions []string, rerankTopN int, retriever kb.Retriever) ([][]kb.ScoredNode, int) {
	results := make([][]kb.ScoredNode, len(subQuestions))

	eg, egCtx := errgroup.WithContext(ctx)
	workers := d.MaxWorkers
	if workers <= 0 {
		workers = 5
	}
	eg.SetLimit(workers)

	for i, sq := range subQuestions {
		eg.Go(func() error {
			nodes, err := retriever.Retrieve(egCtx, sq, kb.WithTopK(rerankTopN))
			if err != nil {
				d.logger.Warn("sub-question retrieve failed", zap.String("sub_question", sq), zap.Error(err))
				return nil // a single sub-question failing degrades to empty, not a request failure
			}
			results[i] = nodes
			return nil
		})
	}
	_ = eg.Wait()

	empty := 0
	for _, r := range results {
		if len(r) == 0 {
			empty++
		}
	}
	return results, empty
}

// miniAnswers implements the per-sub mini-answer generation step: top-3
// nodes formatted as "[ref 1] ... [ref 2] ... [ref 3] ...", answered in
// <=200 chars with a bounded timeout, falling back to the top node's first
// 200 chars on failure.
func (d *Decomposer) miniAnswers(ctx context.Context, subQuestions []string, subResults [][]kb.ScoredNode) []string {
	answers := make([]string, len(subQuestions))
	for i, sq := range subQuestions {
		nodes := subResults[i]
		if len(nodes) == 0 {
			answers[i] = ""
			continue
		}
		top := nodes
		if len(top) > 3 {
			top = top[:3]
		}
		var refs strings.Builder
		for j, n := range top {
			fmt.Fprintf(&refs, "[ref %d] %s ", j+1, n.Node.Text)
		}

		answer, err := d.miniAnswer(ctx, sq, refs.String())
		if err != nil {
			answers[i] = truncateRunes(nodes[0].Node.Text, 200)
			continue
		}
		answers[i] = truncateRunes(answer, 200)
	}
	return answers
}

func (d *Decomposer) miniAnswer(ctx context.Context, subQuestion, refs string) (string, error) {
	if d.llm == nil {
		return "", fmt.Errorf("decompose: no LLM configured for mini-answer")
	}
	ctx, cancel := context.WithTimeout(ctx, d.SynthesisTimeout)
	defer cancel()
	prompt := fmt.Sprintf("Using only the references below, answer the question in at most 200 characters.\n\nReferences: %s\n\nQuestion: %s", refs, subQuestion)
	return d.callLLM(ctx, d.SynthesisTimeout, "You answer narrowly from the given references only.", prompt, 0.0, 120)
}

// synthesize optionally consolidates the mini-answers into a single
// passage, not shown to the user directly (spec.md §4.H).
func (d *Decomposer) synthesize(ctx context.Context, query string, subQuestions, subAnswers []string) (string, error) {
	if d.llm == nil {
		return "", fmt.Errorf("decompose: no LLM configured for synthesis")
	}
	ctx, cancel := context.WithTimeout(ctx, d.SynthesisTimeout)
	defer cancel()

	var sb strings.Builder
	for i, sq := range subQuestions {
		if i < len(subAnswers) && subAnswers[i] != "" {
			fmt.Fprintf(&sb, "%s -> %s\n", sq, subAnswers[i])
		}
	}
	prompt := fmt.Sprintf("Consolidate the sub-answers below into one coherent passage answering the original question.\n\nOriginal question: %s\n\nSub-answers:\n%s", query, sb.String())
	return d.callLLM(ctx, d.SynthesisTimeout, "You consolidate sub-answers into a single passage.", prompt, 0.2, 400)
}

// callLLM runs a single non-streaming-shaped request over the streaming
// ChatClient, concatenating content tokens, discarding thinking tokens.
func (d *Decomposer) callLLM(ctx context.Context, timeout time.Duration, system, user string, temperature float64, maxTokens int) (string, error) {
	stream, err := d.llm.StreamChat(ctx, llmclient.ChatRequest{
		Messages: []llmclient.ChatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var sb strings.Builder
	for stream.Next() {
		tok, err := stream.Current()
		if err != nil {
			return "", err
		}
		if tok.Kind == llmclient.Content {
			sb.WriteString(tok.Text)
		}
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	return sb.String(), nil
}

// mergeSubResults unions nodes across sub-results, dedups by node id, drops
// nodes below minScore, sorts by score desc, truncates to topN.
func mergeSubResults(subResults [][]kb.ScoredNode, minScore float64, topN int) []kb.ScoredNode {
	seen := make(map[string]bool)
	var merged []kb.ScoredNode
	for _, nodes := range subResults {
		for _, n := range nodes {
			if n.Score < minScore {
				continue
			}
			if seen[n.Node.ID] {
				continue
			}
			seen[n.Node.ID] = true
			merged = append(merged, n)
		}
	}
	sortByScoreDesc(merged)
	if topN > 0 && topN < len(merged) {
		merged = merged[:topN]
	}
	return merged
}

func sortByScoreDesc(nodes []kb.ScoredNode) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Score > nodes[j].Score })
}

func countsOf(subResults [][]kb.ScoredNode) []int {
	counts := make([]int, len(subResults))
	for i, r := range subResults {
		counts[i] = len(r)
	}
	return counts
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
