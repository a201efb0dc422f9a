// Package conversation implements component J: the multi-turn manager
// that persists conversation turns in a dedicated vector-store collection,
// serves recent/relevant history, and assembles the fixed-order message
// list handed to the LLM.
package conversation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wayfarer-labs/advisor/decompose"
	"github.com/wayfarer-labs/advisor/llmclient"
)

// tokensPerChar approximates the "2 chars ~= 1 token" rule spec.md uses
// elsewhere (see decompose's history compression) for a rough token count
// on persisted turns.
const tokensPerChar = 0.5

// Turn is one persisted conversation exchange, mirroring spec.md §3's
// ConversationTurn payload.
type Turn struct {
	TurnID            string
	ParentTurnID      string // "" if first turn of session
	SessionID         string
	UserQuery         string
	AssistantResponse string
	ContextDocs       []string
	TokenCount        int
	Timestamp         time.Time
}

// Store is the vector-store boundary the manager needs: upsert one point
// per turn, search within a session, scroll all points of a session, and
// delete expired points. VectorStoreAdapter wraps a *vectorstore.Client to
// satisfy this.
type Store interface {
	Upsert(ctx context.Context, collection string, points []Point) error
	Search(ctx context.Context, collection string, queryVector []float32, k int, filters map[string]string) ([]SearchHit, error)
	Scroll(ctx context.Context, collection string, filters map[string]string, pageSize uint32, fn func([]SearchHit) error) error
	Delete(ctx context.Context, collection string, ids []string) error
}

// Point and SearchHit mirror vectorstore's types without importing that
// package directly, keeping the same narrow-interface discipline kb's
// DenseSearcher/Embedder establish.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

type SearchHit struct {
	ID      string
	Score   float64
	Payload map[string]any
}

// Embedder is the boundary onto component B, needed to embed a turn's
// concatenated text and to embed queries for relevant().
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

const collection = "conversation_turns"

type cacheEntry struct {
	turns     []Turn
	fetchedAt time.Time
}

// Manager implements component J.
type Manager struct {
	store    Store
	embedder Embedder
	logger   *zap.Logger

	CacheTTL  time.Duration // default 5 min
	ScrollCap uint32        // scroll page size and cap on turns kept per session after sorting, default 100

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New builds a conversation manager.
func New(store Store, embedder Embedder, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:     store,
		embedder:  embedder,
		logger:    logger,
		CacheTTL:  5 * time.Minute,
		ScrollCap: 100,
		cache:     make(map[string]cacheEntry),
	}
}

// AddTurn implements add_turn(session_id, user_query, assistant_response,
// context_docs) -> turn_id. parentOverride, if non-empty, must be a turn id
// of the same session (not validated here; validation is the caller's
// responsibility per spec.md, since only the caller knows the session's
// full history at call time in the general case).
//
// Write failures are logged and swallowed: a conversation write must never
// fail the user's answer (spec.md §4.J's "best-effort" policy).
func (m *Manager) AddTurn(ctx context.Context, sessionID, userQuery, assistantResponse string, contextDocs []string, parentOverride string) string {
	turnID := uuid.NewString()
	parent := parentOverride
	if parent == "" {
		if last, ok := m.lastTurnID(ctx, sessionID); ok {
			parent = last
		}
	}

	turn := Turn{
		TurnID:            turnID,
		ParentTurnID:      parent,
		SessionID:         sessionID,
		UserQuery:         userQuery,
		AssistantResponse: assistantResponse,
		ContextDocs:       contextDocs,
		TokenCount:        approxTokens(userQuery) + approxTokens(assistantResponse),
		Timestamp:         time.Now().UTC(),
	}

	if err := m.persist(ctx, turn); err != nil {
		m.logger.Warn("conversation: failed to persist turn, continuing", zap.String("session_id", sessionID), zap.Error(err))
	}

	m.invalidate(sessionID)
	return turnID
}

func (m *Manager) persist(ctx context.Context, turn Turn) error {
	var vec []float32
	if m.embedder != nil {
		v, err := m.embedder.Embed(ctx, turn.UserQuery+"\n"+turn.AssistantResponse)
		if err != nil {
			return fmt.Errorf("conversation: embed turn: %w", err)
		}
		vec = v
	}
	point := Point{
		ID:     turn.TurnID,
		Vector: vec,
		Payload: map[string]any{
			"session_id":          turn.SessionID,
			"user_query":          turn.UserQuery,
			"assistant_response":  turn.AssistantResponse,
			"timestamp":           turn.Timestamp.Format(time.RFC3339Nano),
			"context_docs":        turn.ContextDocs,
			"token_count":         turn.TokenCount,
			"turn_id":             turn.TurnID,
			"parent_turn_id":      turn.ParentTurnID,
		},
	}
	return m.store.Upsert(ctx, collection, []Point{point})
}

// Recent implements recent(session_id, n) -> list[Turn], chronological,
// oldest first, backed by a 5-minute TTL in-memory cache.
func (m *Manager) Recent(ctx context.Context, sessionID string, n int) []Turn {
	if cached, ok := m.cached(sessionID); ok {
		return lastN(cached, n)
	}

	turns, err := m.scrollSession(ctx, sessionID)
	if err != nil {
		m.logger.Warn("conversation: recent() read failed, degrading to no history", zap.String("session_id", sessionID), zap.Error(err))
		return nil
	}

	m.mu.Lock()
	m.cache[sessionID] = cacheEntry{turns: turns, fetchedAt: time.Now()}
	m.mu.Unlock()

	return lastN(turns, n)
}

func (m *Manager) cached(sessionID string) ([]Turn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.cache[sessionID]
	if !ok || time.Since(entry.fetchedAt) > m.CacheTTL {
		return nil, false
	}
	return entry.turns, true
}

func (m *Manager) invalidate(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, sessionID)
}

// scrollSession fetches all points for a session (capped), sorted by
// timestamp descending. lastN takes the head of this order and reverses it
// to return the n most recent turns chronologically.
func (m *Manager) scrollSession(ctx context.Context, sessionID string) ([]Turn, error) {
	var turns []Turn
	err := m.store.Scroll(ctx, collection, map[string]string{"session_id": sessionID}, m.ScrollCap, func(hits []SearchHit) error {
		for _, h := range hits {
			turns = append(turns, turnFromPayload(h.Payload))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(turns, func(i, j int) bool { return turns[i].Timestamp.After(turns[j].Timestamp) })
	if len(turns) > int(m.ScrollCap) {
		turns = turns[:m.ScrollCap]
	}
	return turns, nil
}

func (m *Manager) lastTurnID(ctx context.Context, sessionID string) (string, bool) {
	turns := m.Recent(ctx, sessionID, 1)
	if len(turns) == 0 {
		return "", false
	}
	return turns[len(turns)-1].TurnID, true
}

// Relevant implements relevant(session_id, query, k) -> list[Turn],
// ANN-searched within the session's points.
func (m *Manager) Relevant(ctx context.Context, sessionID, query string, k int) []Turn {
	if m.embedder == nil {
		return nil
	}
	vec, err := m.embedder.Embed(ctx, query)
	if err != nil {
		m.logger.Warn("conversation: relevant() embed failed, degrading to no history", zap.Error(err))
		return nil
	}
	hits, err := m.store.Search(ctx, collection, vec, k, map[string]string{"session_id": sessionID})
	if err != nil {
		m.logger.Warn("conversation: relevant() search failed, degrading to no history", zap.Error(err))
		return nil
	}
	turns := make([]Turn, len(hits))
	for i, h := range hits {
		turns[i] = turnFromPayload(h.Payload)
	}
	return turns
}

// BuildMessages implements build_messages, assembling the fixed six-step
// order spec.md §4.J prescribes.
func (m *Manager) BuildMessages(ctx context.Context, sessionID, systemPrompt, knowledgeContext, synthesizedAnswer, currentUserMsg string, relevantK, recentN int) []llmclient.ChatMessage {
	var messages []llmclient.ChatMessage

	// 1. domain system prompt
	messages = append(messages, llmclient.ChatMessage{Role: "system", Content: systemPrompt})

	recent := m.Recent(ctx, sessionID, recentN)
	recentQueries := make(map[string]bool, len(recent))
	for _, t := range recent {
		recentQueries[t.UserQuery] = true
	}

	// 2. relevant history, deduped against recent (recent wins, by raw
	// query string, keeping the later occurrence per spec.md).
	relevant := m.Relevant(ctx, sessionID, currentUserMsg, relevantK)
	var filteredRelevant []Turn
	for _, t := range relevant {
		if !recentQueries[t.UserQuery] {
			filteredRelevant = append(filteredRelevant, t)
		}
	}
	if len(filteredRelevant) > 0 {
		messages = append(messages, llmclient.ChatMessage{Role: "system", Content: "relevant history follows"})
		messages = append(messages, flattenTurns(filteredRelevant)...)
	}

	// 3. recent history
	if len(recent) > 0 {
		messages = append(messages, llmclient.ChatMessage{Role: "system", Content: "recent history follows"})
		messages = append(messages, flattenTurns(recent)...)
	}

	// 4. regulations / knowledge context
	if strings.TrimSpace(knowledgeContext) != "" {
		messages = append(messages, llmclient.ChatMessage{Role: "system", Content: "regulations\n" + knowledgeContext})
	}

	// 5. synthesized sub-answers
	if strings.TrimSpace(synthesizedAnswer) != "" {
		messages = append(messages, llmclient.ChatMessage{Role: "system", Content: "synthesized sub-answers\n" + synthesizedAnswer})
	}

	// 6. current user message
	messages = append(messages, llmclient.ChatMessage{Role: "user", Content: currentUserMsg})

	return messages
}

func flattenTurns(turns []Turn) []llmclient.ChatMessage {
	out := make([]llmclient.ChatMessage, 0, len(turns)*2)
	for _, t := range turns {
		out = append(out,
			llmclient.ChatMessage{Role: "user", Content: t.UserQuery},
			llmclient.ChatMessage{Role: "assistant", Content: t.AssistantResponse},
		)
	}
	return out
}

// GC implements gc(expiry_days) -> count_deleted: deletes every point
// older than expiry_days across all sessions and invalidates the entire
// recent cache.
func (m *Manager) GC(ctx context.Context, expiryDays int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -expiryDays)

	var expired []string
	err := m.store.Scroll(ctx, collection, nil, m.ScrollCap, func(hits []SearchHit) error {
		for _, h := range hits {
			turn := turnFromPayload(h.Payload)
			if turn.Timestamp.Before(cutoff) {
				expired = append(expired, turn.TurnID)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("conversation: gc scroll: %w", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}
	if err := m.store.Delete(ctx, collection, expired); err != nil {
		return 0, fmt.Errorf("conversation: gc delete: %w", err)
	}

	m.mu.Lock()
	m.cache = make(map[string]cacheEntry)
	m.mu.Unlock()

	return len(expired), nil
}

// ToHistoryTurns adapts persisted turns down to decompose's minimal
// HistoryTurn shape, the narrow seam between components J and H.
func ToHistoryTurns(turns []Turn) []decompose.HistoryTurn {
	out := make([]decompose.HistoryTurn, len(turns))
	for i, t := range turns {
		out[i] = decompose.HistoryTurn{UserQuery: t.UserQuery, AssistantResponse: t.AssistantResponse}
	}
	return out
}

// lastN takes turns (timestamp descending, newest first) and returns the
// n most recent, chronological oldest first.
func lastN(turns []Turn, n int) []Turn {
	head := turns
	if n > 0 && n < len(turns) {
		head = turns[:n]
	}
	out := make([]Turn, len(head))
	for i, t := range head {
		out[len(head)-1-i] = t
	}
	return out
}

func approxTokens(s string) int {
	return int(float64(len([]rune(s))) * tokensPerChar)
}

func turnFromPayload(payload map[string]any) Turn {
	t := Turn{}
	if v, ok := payload["turn_id"].(string); ok {
		t.TurnID = v
	}
	if v, ok := payload["parent_turn_id"].(string); ok {
		t.ParentTurnID = v
	}
	if v, ok := payload["session_id"].(string); ok {
		t.SessionID = v
	}
	if v, ok := payload["user_query"].(string); ok {
		t.UserQuery = v
	}
	if v, ok := payload["assistant_response"].(string); ok {
		t.AssistantResponse = v
	}
	switch v := payload["token_count"].(type) {
	case int64:
		t.TokenCount = int(v)
	case float64:
		t.TokenCount = int(v)
	case int:
		t.TokenCount = v
	}
	if raw, ok := payload["context_docs"].([]any); ok {
		docs := make([]string, 0, len(raw))
		for _, d := range raw {
			if s, ok := d.(string); ok {
				docs = append(docs, s)
			}
		}
		t.ContextDocs = docs
	}
	if v, ok := payload["timestamp"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339, v); err == nil {
			t.Timestamp = parsed
		}
	}
	return t
}
