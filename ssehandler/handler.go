package ssehandler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wayfarer-labs/advisor/conversation"
	"github.com/wayfarer-labs/advisor/decompose"
	"github.com/wayfarer-labs/advisor/insertblock"
	"github.com/wayfarer-labs/advisor/kb"
	"github.com/wayfarer-labs/advisor/llmclient"
	"github.com/wayfarer-labs/advisor/rerank"
	"github.com/wayfarer-labs/advisor/router"
)

// defaultSystemPrompt is knowledge_handler.py's fallback system prompt,
// used verbatim since no per-deployment prompt override store exists here.
const defaultSystemPrompt = "你是一名资深边检业务专家。"

// Request is the JSON body of both /api/knowledge_chat and
// /api/knowledge_chat_conversation, exactly spec.md §4.K's field list.
type Request struct {
	Question         string `json:"question" binding:"required"`
	SessionID        string `json:"session_id"`
	Thinking         bool   `json:"thinking"`
	ModelID          string `json:"model_id"`
	RerankTopN       int    `json:"rerank_top_n"`
	UseInsertBlock   bool   `json:"use_insert_block"`
	InsertBlockLLMID string `json:"insert_block_llm_id"`
	EnableThinking   bool   `json:"enable_thinking"`
}

// Handler wires every other component into the 13-step pipeline of
// spec.md §4.K.
type Handler struct {
	LLM          *llmclient.Registry
	Router       *router.Router
	Decomposer   *decompose.Decomposer
	MultiKB      *kb.MultiKBRetriever
	Reranker     *rerank.Stage
	InsertBlock  *insertblock.Filter
	Conversation *conversation.Manager
	logger       *zap.Logger

	RequestTimeout time.Duration // overall per-request deadline, default 60s
}

// New builds a handler from the already-constructed components.
func New(llm *llmclient.Registry, rtr *router.Router, decomposer *decompose.Decomposer, multiKB *kb.MultiKBRetriever, reranker *rerank.Stage, insertBlockFilter *insertblock.Filter, convo *conversation.Manager, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		LLM:            llm,
		Router:         rtr,
		Decomposer:     decomposer,
		MultiKB:        multiKB,
		Reranker:       reranker,
		InsertBlock:    insertBlockFilter,
		Conversation:   convo,
		logger:         logger,
		RequestTimeout: 60 * time.Second,
	}
}

// Register mounts both endpoints of §6 on r, following the pack's
// NewXHandler(router, ...) + registerRoutes() convention.
func (h *Handler) Register(r *gin.Engine) {
	r.POST("/api/knowledge_chat", func(c *gin.Context) { h.serve(c, false) })
	r.POST("/api/knowledge_chat_conversation", func(c *gin.Context) { h.serve(c, true) })
}

func (h *Handler) serve(c *gin.Context, multiTurn bool) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	fw := newFrameWriter(c.Writer, c.Writer.Flush)

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.RequestTimeout)
	defer cancel()

	h.run(ctx, fw, req, multiTurn)
}

// run implements the fixed 13-step pipeline. It always completes by
// writing exactly one DONE: frame, even when a step fails or the request
// deadline is breached.
func (h *Handler) run(ctx context.Context, fw *frameWriter, req Request, multiTurn bool) {
	defer fw.done()

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = fmt.Sprintf("anon_%s", uuid.NewString())
	}
	if err := fw.session(sessionID); err != nil {
		return
	}

	if ctx.Err() != nil {
		fw.errorMsg("request deadline exceeded before retrieval started")
		return
	}

	strategy := h.Router.Classify(ctx, req.Question)
	retriever := strategyRetriever{multi: h.MultiKB, strategy: strategy}

	rerankTopN := req.RerankTopN
	if rerankTopN <= 0 {
		rerankTopN = 15
	}

	var history []decompose.HistoryTurn
	if multiTurn && h.Conversation != nil {
		history = conversation.ToHistoryTurns(h.Conversation.Recent(ctx, sessionID, 6))
	}

	var (
		nodes []kb.ScoredNode
		meta  decompose.Metadata
		err   error
	)
	if h.Decomposer != nil && h.Decomposer.Enabled {
		nodes, meta, err = h.Decomposer.Retrieve(ctx, req.Question, rerankTopN, history, retriever)
	} else {
		nodes, err = retriever.Retrieve(ctx, req.Question, kb.WithTopK(rerankTopN))
	}
	if err != nil {
		h.logger.Warn("ssehandler: retrieval failed", zap.Error(err))
		fw.errorMsg("retrieval failed: " + err.Error())
		return
	}
	if ctx.Err() != nil {
		fw.errorMsg("request deadline exceeded during retrieval")
		return
	}

	if h.Reranker != nil && len(nodes) > 0 {
		reranked, rerr := h.Reranker.Rerank(ctx, req.Question, nodes)
		if rerr != nil {
			h.logger.Warn("ssehandler: rerank failed, continuing with unreranked nodes", zap.Error(rerr))
		} else {
			nodes = reranked
		}
	}
	if ctx.Err() != nil {
		fw.errorMsg("request deadline exceeded during rerank")
		return
	}

	var insertResults []insertblock.Result
	usedInsertBlock := false
	if req.UseInsertBlock && h.InsertBlock != nil && len(nodes) > 0 {
		ib := h.InsertBlock
		if req.InsertBlockLLMID != "" {
			if override, ok := h.LLM.Resolve(req.InsertBlockLLMID); ok {
				ib = ib.WithLLM(override)
			}
		}
		results, ierr := ib.Filter(ctx, req.Question, nodes)
		if ierr != nil {
			// Warning per spec.md §4.I: surface and continue unfiltered.
			fw.content(fmt.Sprintf("[warning] %s", ierr.Error()))
		} else {
			insertResults = results
			usedInsertBlock = true
		}
	}

	acceptedNodes := nodes
	if usedInsertBlock {
		acceptedNodes = make([]kb.ScoredNode, len(insertResults))
		for i, r := range insertResults {
			acceptedNodes[i] = r.Node
		}
	}

	knowledgeContext := kb.BuildContext(acceptedNodes)

	var messages []llmclient.ChatMessage
	if h.Conversation != nil {
		messages = h.Conversation.BuildMessages(ctx, sessionID, defaultSystemPrompt, knowledgeContext, meta.SynthesizedAnswer, req.Question, 3, 6)
	} else {
		messages = []llmclient.ChatMessage{
			{Role: "system", Content: defaultSystemPrompt},
			{Role: "user", Content: req.Question},
		}
	}

	client, ok := h.LLM.Resolve(req.ModelID)
	if !ok {
		fw.errorMsg("unknown model_id: " + req.ModelID)
		return
	}

	enableThinking := req.Thinking || req.EnableThinking
	answer, thinkErr := h.streamAnswer(ctx, fw, client, messages, enableThinking)
	if thinkErr != nil {
		fw.errorMsg("answer generation failed: " + thinkErr.Error())
		if h.Conversation != nil {
			h.Conversation.AddTurn(ctx, sessionID, req.Question, answer, contextDocIDs(acceptedNodes), "")
		}
		return
	}

	for _, n := range acceptedNodes {
		var ev sourceEvent
		if usedInsertBlock {
			ev = sourceEventForID(insertResults, n.Node.ID)
		} else {
			ev = sourceEventFromNode(n)
		}
		if err := fw.source(ev); err != nil {
			return
		}
	}

	if h.Conversation != nil {
		h.Conversation.AddTurn(ctx, sessionID, req.Question, answer, contextDocIDs(acceptedNodes), "")
	}
}

// streamAnswer drives the LLM stream through the demultiplexer, framing
// THINK:/CONTENT: events as they flush and returning the concatenated
// CONTENT text (for conversation persistence; THINK text is never
// persisted).
func (h *Handler) streamAnswer(ctx context.Context, fw *frameWriter, client llmclient.ChatClient, messages []llmclient.ChatMessage, enableThinking bool) (string, error) {
	stream, err := client.StreamChat(ctx, llmclient.ChatRequest{
		Messages:       messages,
		MaxTokens:      2000,
		Temperature:    0.3,
		EnableThinking: enableThinking,
	})
	if err != nil {
		return "", err
	}
	defer stream.Close()

	demux := NewDemuxer(enableThinking)
	var answer []byte

	emit := func(ev Event) error {
		switch ev.Kind {
		case EventThink:
			if !enableThinking {
				return nil // never emitted when thinking mode is off, even if a marker false-fires
			}
			return fw.think(ev.Text)
		default:
			answer = append(answer, ev.Text...)
			return fw.content(ev.Text)
		}
	}

	for stream.Next() {
		if ctx.Err() != nil {
			return string(answer), ctx.Err()
		}
		tok, terr := stream.Current()
		if terr != nil {
			for _, ev := range demux.Flush() {
				_ = emit(ev)
			}
			return string(answer), terr
		}
		for _, ev := range demux.Feed(tok) {
			if err := emit(ev); err != nil {
				return string(answer), err
			}
		}
	}
	for _, ev := range demux.Flush() {
		if err := emit(ev); err != nil {
			return string(answer), err
		}
	}
	if ctx.Err() != nil {
		return string(answer), ctx.Err()
	}
	return string(answer), nil
}

func sourceEventForID(results []insertblock.Result, id string) sourceEvent {
	for _, r := range results {
		if r.Node.Node.ID == id {
			return sourceEventFromInsertBlock(r)
		}
	}
	return sourceEvent{}
}

func contextDocIDs(nodes []kb.ScoredNode) []string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.Node.ID
	}
	return ids
}

// strategyRetriever adapts kb.MultiKBRetriever's (strategy, query, n)
// shape to the plain kb.Retriever interface decompose/standard-retrieve
// both expect, reading the caller's WithTopK as MultiKBRetriever's
// generalReturnCount.
type strategyRetriever struct {
	multi    *kb.MultiKBRetriever
	strategy kb.Strategy
}

func (s strategyRetriever) Retrieve(ctx context.Context, query string, opts ...kb.RetrieveOption) ([]kb.ScoredNode, error) {
	var o kb.RetrieveOptions
	for _, opt := range opts {
		opt(&o)
	}
	return s.multi.Retrieve(ctx, s.strategy, query, o.TopK)
}
