// Command server is the composition root: it wires every component
// (vector store, embedder/reranker clients, LLM registry, retrievers,
// router, decomposer, InsertBlock filter, conversation manager) into the
// SSE handler and serves the two chat endpoints, following the teacher's
// examples/*/main.go construction order and toheart-cocursor's graceful
// shutdown idiom.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/wayfarer-labs/advisor/config"
	"github.com/wayfarer-labs/advisor/conversation"
	"github.com/wayfarer-labs/advisor/decompose"
	"github.com/wayfarer-labs/advisor/embedclient"
	"github.com/wayfarer-labs/advisor/insertblock"
	"github.com/wayfarer-labs/advisor/kb"
	"github.com/wayfarer-labs/advisor/llmclient"
	"github.com/wayfarer-labs/advisor/rerank"
	"github.com/wayfarer-labs/advisor/router"
	"github.com/wayfarer-labs/advisor/ssehandler"
	"github.com/wayfarer-labs/advisor/vectorstore"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("server: init logger: %v", err)
	}
	defer logger.Sync()

	settings, err := config.Load()
	if err != nil {
		logger.Fatal("server: load config", zap.Error(err))
	}

	vsClient, err := vectorstore.New(vectorstore.Config{
		Host:   settings.QdrantHost,
		Port:   settings.QdrantPort,
		APIKey: settings.QdrantAPIKey,
		UseTLS: settings.QdrantUseTLS,
	}, logger)
	if err != nil {
		logger.Fatal("server: connect vector store", zap.Error(err))
	}
	defer vsClient.Close()

	dense := vectorstore.DenseSearcher{Client: vsClient}
	embedder := embedclient.New(settings.EmbedBaseURL, settings.EmbedAPIKey, settings.EmbedModel, embedclient.WithLogger(logger))
	rerankClient := embedclient.NewRerankClient(settings.RerankBaseURL, settings.RerankAPIKey, settings.RerankModel)

	llmRegistry, err := buildLLMRegistry(settings)
	if err != nil {
		logger.Fatal("server: build LLM registry", zap.Error(err))
	}

	multiKB, err := buildMultiKB(context.Background(), settings, vsClient, dense, embedder, logger)
	if err != nil {
		logger.Fatal("server: build knowledge bases", zap.Error(err))
	}

	rerankStage := rerank.New(rerankClient)
	rerankStage.InputTopN = settings.RerankInputTopN
	rerankStage.TopN = settings.RerankTopN
	rerankStage.Threshold = settings.RerankThreshold

	var intentLLM llmclient.ChatClient
	if settings.EnableIntentClassifier {
		intentLLM, _ = llmRegistry.Resolve(settings.IntentClassifierLLMID)
	}
	rtr := router.New(intentLLM, logger)
	rtr.Enabled = settings.EnableIntentClassifier
	rtr.Timeout = settings.IntentClassifierTimeout

	decomposerLLM, _ := llmRegistry.Resolve(settings.DefaultLLMID)
	decomposer := decompose.New(decomposerLLM, logger)
	decomposer.Enabled = settings.EnableDecomposition
	decomposer.ComplexityThreshold = settings.DecompComplexityThreshold
	decomposer.MinEntities = settings.DecompMinEntities
	decomposer.MaxDepth = settings.DecompMaxDepth
	decomposer.DecompTimeout = settings.DecompTimeout
	decomposer.SynthesisTimeout = settings.SynthesisTimeout

	insertBlockLLM, _ := llmRegistry.Resolve(settings.DefaultLLMID)
	insertBlockFilter := insertblock.New(insertBlockLLM, logger)
	insertBlockFilter.MaxWorkers = settings.InsertBlockMaxWorkers
	insertBlockFilter.PerNodeTimeout = settings.InsertBlockPerNodeTimeout

	convoStore := conversation.VectorStoreAdapter{Client: vsClient}
	convoManager := conversation.New(convoStore, embedder, logger)
	convoManager.CacheTTL = settings.ConversationCacheTTL

	handler := ssehandler.New(llmRegistry, rtr, decomposer, multiKB, rerankStage, insertBlockFilter, convoManager, logger)

	stopGC := startConversationGC(context.Background(), convoManager, settings.ConversationExpireDays, logger)
	defer stopGC()

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	handler.Register(engine)

	addr := fmt.Sprintf("%s:%d", settings.ServerHost, settings.ServerPort)
	srv := &http.Server{Addr: addr, Handler: engine}

	go func() {
		logger.Info("server: listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server: listen", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("server: shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server: shutdown", zap.Error(err))
	}
}

// buildLLMRegistry registers one ChatClient per settings.LLMEndpoints
// entry, dispatching to the Anthropic or OpenAI-compatible backend by each
// endpoint's provider field.
func buildLLMRegistry(settings *config.Settings) (*llmclient.Registry, error) {
	registry := llmclient.NewRegistry(settings.DefaultLLMID)
	for modelID, endpoint := range settings.LLMEndpoints {
		switch endpoint.Provider {
		case "anthropic":
			registry.Register(modelID, llmclient.NewAnthropicClient(endpoint.AccessToken, endpoint.ModelName))
		case "openai", "":
			registry.Register(modelID, llmclient.NewOpenAIClient(endpoint.APIBaseURL, endpoint.AccessToken, endpoint.ModelName))
		default:
			return nil, fmt.Errorf("server: unknown LLM provider %q for model_id %q", endpoint.Provider, modelID)
		}
	}
	if _, ok := registry.Resolve(settings.DefaultLLMID); !ok {
		return nil, fmt.Errorf("server: default_llm_id %q has no registered endpoint", settings.DefaultLLMID)
	}
	return registry, nil
}

// buildMultiKB loads each enabled KB's nodes from its vector-store
// collection (for the in-process BM25 index) and wires a HybridRetriever
// per KB, then merges them under MultiKBRetriever. The general KB is
// always required per spec.md's safety-net merge rule.
func buildMultiKB(ctx context.Context, settings *config.Settings, vsClient *vectorstore.Client, dense vectorstore.DenseSearcher, embedder kb.Embedder, logger *zap.Logger) (*kb.MultiKBRetriever, error) {
	fusion := kb.DefaultFusionParams()

	retrievers := make(map[string]kb.Retriever)

	generalNodes, err := loadNodes(ctx, vsClient, settings.GeneralCollection)
	if err != nil {
		return nil, fmt.Errorf("load general KB: %w", err)
	}
	generalKB := kb.NewKnowledgeBase("general", settings.GeneralCollection, generalNodes)
	retrievers["general"] = kb.NewHybridRetriever(generalKB, dense, embedder, fusion)
	logger.Info("server: loaded knowledge base", zap.String("kb", "general"), zap.Int("nodes", len(generalNodes)))

	if settings.EnableVisaFreeFeature {
		nodes, err := loadNodes(ctx, vsClient, settings.VisaFreeCollection)
		if err != nil {
			return nil, fmt.Errorf("load visa_free KB: %w", err)
		}
		kbase := kb.NewKnowledgeBase("visa_free", settings.VisaFreeCollection, nodes)
		retrievers["visa_free"] = kb.NewHybridRetriever(kbase, dense, embedder, fusion)
		logger.Info("server: loaded knowledge base", zap.String("kb", "visa_free"), zap.Int("nodes", len(nodes)))
	}

	if settings.EnableAirlineFeature {
		nodes, err := loadNodes(ctx, vsClient, settings.AirlineCollection)
		if err != nil {
			return nil, fmt.Errorf("load airline KB: %w", err)
		}
		kbase := kb.NewKnowledgeBase("airline", settings.AirlineCollection, nodes)
		retrievers["airline"] = kb.NewHybridRetriever(kbase, dense, embedder, fusion)
		logger.Info("server: loaded knowledge base", zap.String("kb", "airline"), zap.Int("nodes", len(nodes)))
	}

	return kb.NewMultiKBRetriever(retrievers)
}

// loadNodes scrolls every point of collection and rehydrates it into a
// kb.Node. A missing or empty collection is not an error. The node set is
// read only here, at startup: the hybrid retriever drops dense hits whose
// node is not in that set, so a KB backfilled after the server starts
// returns none of the new points until this process is restarted.
func loadNodes(ctx context.Context, client *vectorstore.Client, collection string) ([]kb.Node, error) {
	var nodes []kb.Node
	err := client.Scroll(ctx, collection, nil, 256, func(hits []vectorstore.SearchHit) error {
		for _, h := range hits {
			nodes = append(nodes, nodeFromPayload(h.ID, h.Payload))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

func nodeFromPayload(id string, payload map[string]any) kb.Node {
	text, _ := payload["text"].(string)
	node := kb.Node{ID: id, Text: text, Metadata: payload}
	// Payload list values arrive from the vector store as []any.
	toStrings := func(v any) []string {
		raw, ok := v.([]any)
		if !ok {
			return nil
		}
		out := make([]string, 0, len(raw))
		for _, item := range raw {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	node.ExcludedEmbedMetadataKeys = toStrings(payload["excluded_embed_metadata_keys"])
	node.ExcludedLLMMetadataKeys = toStrings(payload["excluded_llm_metadata_keys"])
	return node
}

// startConversationGC runs conversation.Manager.GC once a day and returns
// a stop function. expiryDays <= 0 disables the sweep entirely.
func startConversationGC(ctx context.Context, mgr *conversation.Manager, expiryDays int, logger *zap.Logger) func() {
	if expiryDays <= 0 {
		return func() {}
	}
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				n, err := mgr.GC(ctx, expiryDays)
				if err != nil {
					logger.Warn("server: conversation GC failed", zap.Error(err))
					continue
				}
				logger.Info("server: conversation GC swept expired turns", zap.Int("count", n))
			}
		}
	}()
	return func() { close(stop) }
}
