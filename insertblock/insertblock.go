// Package insertblock implements component I: the InsertBlock filter that
// asks an LLM, independently per candidate node, whether the node can
// actually answer the query, keeping only the nodes it says yes to.
package insertblock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/wayfarer-labs/advisor/kb"
	"github.com/wayfarer-labs/advisor/llmclient"
)

// Result is one filtered node plus the LLM's judgement, matching spec.md
// §4.I's contract shape.
type Result struct {
	Node         kb.ScoredNode
	CanAnswer    bool
	KeyPassage   string
	Reasoning    string
	InitialScore float64
	RerankScore  float64
}

// Warning describes a degraded-but-non-fatal outcome the caller should
// surface as a visible event and continue past, per spec.md's explicit
// "converts into a visible warning event but continues."
type Warning struct {
	Reason string
}

func (w Warning) Error() string { return w.Reason }

// Filter implements the InsertBlock filter.
type Filter struct {
	llm    llmclient.ChatClient
	logger *zap.Logger

	MaxWorkers     int           // default 5
	PerNodeTimeout time.Duration // default 15s
	RequestTimeout time.Duration // overall deadline for the whole filter call
	KeyPassageMax  int           // max chars of key_passage, default 200
}

// New builds a filter with spec.md's documented defaults.
func New(llm llmclient.ChatClient, logger *zap.Logger) *Filter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Filter{
		llm:            llm,
		logger:         logger,
		MaxWorkers:     5,
		PerNodeTimeout: 15 * time.Second,
		RequestTimeout: 20 * time.Second,
		KeyPassageMax:  200,
	}
}

// WithLLM returns a shallow copy of f using llm instead of f's configured
// client, letting a caller route a single call to a different model_id
// (spec.md §4.K's insert_block_llm_id) without reconstructing the whole
// filter.
func (f *Filter) WithLLM(llm llmclient.ChatClient) *Filter {
	clone := *f
	clone.llm = llm
	return &clone
}

type nodeOutcome struct {
	result  Result
	timeout bool
	errored bool
}

// Filter implements filter(query, nodes) -> list of {node, can_answer,
// key_passage, reasoning, initial_score, rerank_score}.
//
// On an outer-deadline breach it returns (nil, Warning) rather than an
// opaque error; the caller should emit a visible warning event and
// continue with unfiltered nodes (filtered = null per spec.md).
func (f *Filter) Filter(ctx context.Context, query string, nodes []kb.ScoredNode) ([]Result, error) {
	if len(nodes) == 0 {
		return nil, nil
	}

	outerCtx, cancel := context.WithTimeout(ctx, f.RequestTimeout)
	defer cancel()

	outcomes := make([]nodeOutcome, len(nodes))

	workers := f.MaxWorkers
	if workers <= 0 {
		workers = 5
	}
	sem := semaphore.NewWeighted(int64(workers))

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for i, n := range nodes {
			if err := sem.Acquire(outerCtx, 1); err != nil {
				// outer deadline hit while still queuing; the caller's select
				// below is already unwinding, no point starting more workers.
				break
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer sem.Release(1)
				outcomes[i] = f.judgeOne(outerCtx, query, n)
			}()
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-outerCtx.Done():
		// The wrapper must be able to abandon hung calls without waiting;
		// the still-running goroutines finish in the background (judgeOne's
		// own per-node timeout bounds them) and their results are simply
		// never collected.
		f.logger.Warn("insertblock: outer deadline exceeded, continuing unfiltered")
		return nil, Warning{Reason: "insertblock: timed out before all nodes were judged"}
	}

	timeouts, errors := 0, 0
	var out []Result
	for _, o := range outcomes {
		if o.timeout {
			timeouts++
		}
		if o.errored {
			errors++
		}
		if o.result.CanAnswer {
			out = append(out, o.result)
		}
	}

	n := len(nodes)
	if timeouts*2 > n || errors*2 > n {
		return nil, Warning{Reason: fmt.Sprintf("insertblock: failure rate too high (timeouts=%d errors=%d of %d)", timeouts, errors, n)}
	}

	return out, nil
}

func (f *Filter) judgeOne(ctx context.Context, query string, node kb.ScoredNode) nodeOutcome {
	ctx, cancel := context.WithTimeout(ctx, f.PerNodeTimeout)
	defer cancel()

	reply, err := f.callLLM(ctx, query, node.Node.Text)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nodeOutcome{timeout: true, result: Result{Node: node, InitialScore: node.InitialScore, RerankScore: node.RerankScore}}
		}
		return nodeOutcome{errored: true, result: Result{Node: node, InitialScore: node.InitialScore, RerankScore: node.RerankScore}}
	}

	judgement, ok := parseJudgement(reply, f.KeyPassageMax)
	if !ok {
		// JSON parsing robustness: unparseable reply -> not answerable, not
		// an error (spec.md §4.I).
		return nodeOutcome{result: Result{Node: node, CanAnswer: false, InitialScore: node.InitialScore, RerankScore: node.RerankScore}}
	}

	return nodeOutcome{result: Result{
		Node:         node,
		CanAnswer:    judgement.canAnswer,
		KeyPassage:   judgement.keyPassage,
		Reasoning:    judgement.reasoning,
		InitialScore: node.InitialScore,
		RerankScore:  node.RerankScore,
	}}
}

func (f *Filter) callLLM(ctx context.Context, query, passage string) (string, error) {
	prompt := fmt.Sprintf(
		"Question: %s\n\nCandidate passage:\n%s\n\n"+
			"Reply with ONLY a JSON object: "+
			`{"is_relevant": bool, "can_answer": bool, "key_passage": "<=%d chars", "reasoning": "..."}`,
		query, passage, f.KeyPassageMax,
	)
	stream, err := f.llm.StreamChat(ctx, llmclient.ChatRequest{
		Messages: []llmclient.ChatMessage{
			{Role: "system", Content: "You judge whether a passage can answer a question. Respond with strict JSON only."},
			{Role: "user", Content: prompt},
		},
		Temperature: 0,
		MaxTokens:   300,
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

type judgement struct {
	canAnswer  bool
	keyPassage string
	reasoning  string
}

// parseJudgement strips whitespace/code fences and extracts the judgement
// fields via gjson, which tolerates the surrounding noise models commonly
// emit around a JSON object. Returns ok=false on anything unparseable.
func parseJudgement(reply string, keyPassageMax int) (judgement, bool) {
	reply = strings.TrimSpace(reply)
	reply = strings.TrimPrefix(reply, "```json")
	reply = strings.TrimPrefix(reply, "```")
	reply = strings.TrimSuffix(reply, "```")
	reply = strings.TrimSpace(reply)

	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end < 0 || end < start {
		return judgement{}, false
	}
	obj := reply[start : end+1]

	parsed := gjson.Parse(obj)
	if !parsed.Exists() || !parsed.IsObject() {
		return judgement{}, false
	}

	canAnswer := parsed.Get("can_answer").Bool()
	keyPassage := parsed.Get("key_passage").String()
	reasoning := parsed.Get("reasoning").String()

	if r := []rune(keyPassage); len(r) > keyPassageMax {
		keyPassage = string(r[:keyPassageMax])
	}

	return judgement{canAnswer: canAnswer, keyPassage: keyPassage, reasoning: reasoning}, true
}
