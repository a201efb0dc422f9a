// Package config gathers the server's environment-variable-driven tunables
// into a Settings struct. Only the options Settings lists are read; the
// fusion parameters (RRF_K and the RRF weights), retrieval sizes, the
// per-strategy return counts and the LLM call policy are fixed in code and
// not read from the environment. Grounded on
// config/settings.py's Settings class (itself already env-var-driven for
// most operational knobs) and nico-hyperjump-sagasu/internal/config/config.go's
// Load-then-ApplyDefaults pattern.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// LLMEndpoint is one named entry of the LLM_ENDPOINTS table, mirroring
// settings.py's per-model dict shape.
type LLMEndpoint struct {
	APIBaseURL   string `yaml:"api_base_url"`
	AccessToken  string `yaml:"access_token"`
	ModelName    string `yaml:"llm_model_name"`
	Provider     string `yaml:"provider"` // "anthropic" or "openai"; selects llmclient backend
}

// Settings holds every environment-driven tunable. Fields group by the
// component they configure; defaults mirror spec.md's documented defaults
// and settings.py's originals where the two agree.
type Settings struct {
	ServerHost string
	ServerPort int

	QdrantHost   string
	QdrantPort   int
	QdrantAPIKey string
	QdrantUseTLS bool

	GeneralCollection  string
	VisaFreeCollection string
	AirlineCollection  string

	EmbedBaseURL string
	EmbedAPIKey  string
	EmbedModel   string

	RerankBaseURL string
	RerankAPIKey  string
	RerankModel   string

	LLMEndpoints     map[string]LLMEndpoint
	DefaultLLMID     string

	EnableVisaFreeFeature bool
	EnableAirlineFeature  bool

	EnableIntentClassifier    bool
	IntentClassifierTimeout   time.Duration
	IntentClassifierLLMID     string

	EnableDecomposition bool
	DecompComplexityThreshold int
	DecompMinEntities         int
	DecompMaxDepth            int
	DecompTimeout             time.Duration
	SynthesisTimeout          time.Duration

	InsertBlockMaxWorkers     int
	InsertBlockPerNodeTimeout time.Duration

	RerankInputTopN int
	RerankTopN      int
	RerankThreshold float64

	MaxRecentTurns          int
	MaxRelevantTurns        int
	ConversationExpireDays  int
	ConversationCacheTTL    time.Duration
}

// Load reads a .env file if present (ignored if missing, matching
// rubicon-ClaraVerse's cmd/server/main.go), then reads every setting from
// the environment, applying defaults for anything unset.
func Load() (*Settings, error) {
	if err := godotenv.Load(); err != nil {
		// absent .env is normal in production; keep going with plain env vars.
		_ = err
	}

	s := &Settings{
		ServerHost: getEnv("SERVER_HOST", "127.0.0.1"),
		ServerPort: getEnvInt("SERVER_PORT", 5000),

		QdrantHost:   getEnv("QDRANT_HOST", "localhost"),
		QdrantPort:   getEnvInt("QDRANT_PORT", 6333),
		QdrantAPIKey: getEnv("QDRANT_API_KEY", ""),
		QdrantUseTLS: getEnvBool("QDRANT_USE_TLS", false),

		GeneralCollection:  getEnv("QDRANT_COLLECTION", "knowledge_base"),
		VisaFreeCollection: getEnv("VISA_FREE_COLLECTION", "visa_free_kb"),
		AirlineCollection:  getEnv("AIRLINE_COLLECTION", "airline_kb"),

		EmbedBaseURL: getEnv("EMBED_BASE_URL", ""),
		EmbedAPIKey:  getEnv("EMBED_API_KEY", ""),
		EmbedModel:   getEnv("EMBED_MODEL", "bge-large-zh-v1.5"),

		RerankBaseURL: getEnv("RERANK_BASE_URL", ""),
		RerankAPIKey:  getEnv("RERANK_API_KEY", ""),
		RerankModel:   getEnv("RERANK_MODEL", "bge-reranker-large"),

		DefaultLLMID: getEnv("DEFAULT_LLM_ID", "default"),

		EnableVisaFreeFeature: getEnvBool("ENABLE_VISA_FREE_FEATURE", false),
		EnableAirlineFeature:  getEnvBool("ENABLE_AIRLINE_FEATURE", false),

		EnableIntentClassifier:  getEnvBool("ENABLE_INTENT_CLASSIFIER", false),
		IntentClassifierTimeout: getEnvSeconds("INTENT_CLASSIFIER_TIMEOUT", 5),
		IntentClassifierLLMID:   getEnv("INTENT_CLASSIFIER_LLM_ID", "default"),

		EnableDecomposition:       getEnvBool("ENABLE_DECOMPOSITION", false),
		DecompComplexityThreshold: getEnvInt("DECOMP_COMPLEXITY_THRESHOLD", 60),
		DecompMinEntities:         getEnvInt("DECOMP_MIN_ENTITIES", 2),
		DecompMaxDepth:            getEnvInt("DECOMP_MAX_DEPTH", 3),
		DecompTimeout:             getEnvSeconds("DECOMP_TIMEOUT", 10),
		SynthesisTimeout:          getEnvSeconds("SYNTHESIS_TIMEOUT", 30),

		InsertBlockMaxWorkers:     getEnvInt("INSERTBLOCK_MAX_WORKERS", 5),
		InsertBlockPerNodeTimeout: getEnvSeconds("INSERTBLOCK_PER_NODE_TIMEOUT", 15),

		RerankInputTopN: getEnvInt("RERANKER_INPUT_TOP_N", 30),
		RerankTopN:      getEnvInt("RERANK_TOP_N", 15),
		RerankThreshold: getEnvFloat("RERANK_SCORE_THRESHOLD", 0.3),

		MaxRecentTurns:         getEnvInt("MAX_RECENT_TURNS", 6),
		MaxRelevantTurns:       getEnvInt("MAX_RELEVANT_TURNS", 3),
		ConversationExpireDays: getEnvInt("CONVERSATION_EXPIRE_DAYS", 7),
		ConversationCacheTTL:   getEnvSeconds("CONVERSATION_CACHE_TTL", 300),
	}

	endpoints, err := loadLLMEndpoints(getEnv("LLM_ENDPOINTS_PATH", ""))
	if err != nil {
		return nil, fmt.Errorf("config: load LLM endpoints: %w", err)
	}
	s.LLMEndpoints = endpoints

	return s, nil
}

// loadLLMEndpoints reads the static named-endpoint table from a YAML file
// (settings.py's LLM_ENDPOINTS dict, ported to a file since Go has no
// equivalent of an in-source dict literal editable without a rebuild). An
// empty path yields an empty table; the caller decides whether that's
// fatal.
func loadLLMEndpoints(path string) (map[string]LLMEndpoint, error) {
	if path == "" {
		return map[string]LLMEndpoint{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var endpoints map[string]LLMEndpoint
	if err := yaml.Unmarshal(data, &endpoints); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return endpoints, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvSeconds(key string, defSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defSeconds)) * time.Second
}
