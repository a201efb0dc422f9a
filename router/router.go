// Package router implements component G: classifying a query into one of
// the four retrieval strategies via a single deterministic LLM call, with
// an LRU result cache, a keyword-matching fallback, and a feature flag to
// disable classification entirely.
package router

import (
	"context"
	"strings"
	"time"

	"github.com/wayfarer-labs/advisor/kb"
	"github.com/wayfarer-labs/advisor/llmclient"
	"go.uber.org/zap"
)

const systemPrompt = `You classify a user question into exactly one category: general, visa_free, airline, or airline_visa_free.

general: anything not about visa-free entry policy or airline crew visas.
visa_free: questions about visa-free/visa-exemption entry policy for a country.
airline: questions about airline crew member visas or crew travel documents.
airline_visa_free: questions that combine both airline-crew and visa-free-policy topics.

Respond with exactly one line: "分类: <category>" using one of the four category tokens above. Do not explain your answer.`

// KeywordFallback classifies by substring match against a fixed keyword
// list, used when the Router has no LLM client. A disabled router, an LLM
// error or a timeout yields general instead. Grounded on
// original_source/services/intent_classifier.py's IntentClassifier.is_visa_related
// (lowercase substring scan over a keyword list, returning general as the
// safe default when nothing matches).
type KeywordFallback struct {
	VisaFreeKeywords []string
	AirlineKeywords  []string
}

// DefaultKeywordFallback mirrors the shape of Settings.VISA_FREE_KEYWORDS.
func DefaultKeywordFallback() KeywordFallback {
	return KeywordFallback{
		VisaFreeKeywords: []string{"免签", "visa-free", "visa free", "visa exemption", "入境政策", "签证豁免"},
		AirlineKeywords:  []string{"机组", "airline crew", "crew visa", "机组签证", "航空公司"},
	}
}

// Classify implements the keyword-only fallback path.
func (k KeywordFallback) Classify(question string) kb.Strategy {
	q := strings.ToLower(question)
	visa := containsAny(q, k.VisaFreeKeywords)
	airline := containsAny(q, k.AirlineKeywords)
	switch {
	case visa && airline:
		return kb.StrategyAirlineVisaFree
	case airline:
		return kb.StrategyAirline
	case visa:
		return kb.StrategyVisaFree
	default:
		return kb.StrategyGeneral
	}
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

// Router implements component G: classify(query) -> strategy.
type Router struct {
	llm      llmclient.ChatClient
	cache    *lruCache
	fallback KeywordFallback
	logger   *zap.Logger

	Enabled bool          // feature flag; false always returns general
	Timeout time.Duration // default 5s
}

// New builds a router. Pass a nil llm to force keyword-only classification.
func New(llm llmclient.ChatClient, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		llm:      llm,
		cache:    newLRUCache(1000),
		fallback: DefaultKeywordFallback(),
		logger:   logger,
		Enabled:  true,
		Timeout:  5 * time.Second,
	}
}

// Classify returns the retrieval strategy for question. On any failure
// (timeout, LLM error, unparseable reply) it degrades to general rather
// than failing the request (spec.md §4.G).
func (r *Router) Classify(ctx context.Context, question string) kb.Strategy {
	if !r.Enabled {
		return kb.StrategyGeneral
	}
	if cached, ok := r.cache.Get(question); ok {
		return kb.Strategy(cached)
	}

	strategy := r.classifyWithLLM(ctx, question)
	r.cache.Set(question, string(strategy))
	return strategy
}

func (r *Router) classifyWithLLM(ctx context.Context, question string) kb.Strategy {
	if r.llm == nil {
		return r.fallback.Classify(question)
	}

	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	stream, err := r.llm.StreamChat(ctx, llmclient.ChatRequest{
		Model: "",
		Messages: []llmclient.ChatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: question},
		},
		MaxTokens:   20,
		Temperature: 0,
	})
	if err != nil {
		r.logger.Warn("intent classifier LLM call failed, falling back to general", zap.Error(err))
		return kb.StrategyGeneral
	}
	defer stream.Close()

	var sb strings.Builder
	for stream.Next() {
		tok, err := stream.Current()
		if err != nil {
			r.logger.Warn("intent classifier stream error, falling back to general", zap.Error(err))
			return kb.StrategyGeneral
		}
		if tok.Kind == llmclient.Content {
			sb.WriteString(tok.Text)
		}
	}
	if ctx.Err() != nil {
		r.logger.Warn("intent classifier timed out, falling back to general")
		return kb.StrategyGeneral
	}
	return parseReply(sb.String())
}

// parseReply matches spec.md §4.G's parse order: (a) "分类: <token>" (or
// locale-equivalent label), (b) keyword presence, (c) general.
func parseReply(reply string) kb.Strategy {
	lower := strings.ToLower(reply)

	if idx := strings.Index(lower, "分类"); idx >= 0 {
		rest := lower[idx:]
		for _, s := range []kb.Strategy{kb.StrategyAirlineVisaFree, kb.StrategyAirline, kb.StrategyVisaFree, kb.StrategyGeneral} {
			if strings.Contains(rest, string(s)) {
				return s
			}
		}
	}
	for _, s := range []kb.Strategy{kb.StrategyAirlineVisaFree, kb.StrategyAirline, kb.StrategyVisaFree, kb.StrategyGeneral} {
		if strings.Contains(lower, string(s)) {
			return s
		}
	}
	return kb.StrategyGeneral
}

// ClearCache empties the classification cache, mirroring the original
// system's IntentClassifier.clear_cache used by its admin/debug surface.
func (r *Router) ClearCache() {
	r.cache.Clear()
}
