package config

import (
	"os"
	"testing"
	"time"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, existed := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if existed {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearEnv(t, "SERVER_PORT", "QDRANT_HOST", "RERANK_SCORE_THRESHOLD", "LLM_ENDPOINTS_PATH")

	s, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.ServerPort != 5000 {
		t.Fatalf("expected default server port 5000, got %d", s.ServerPort)
	}
	if s.QdrantHost != "localhost" {
		t.Fatalf("expected default qdrant host, got %q", s.QdrantHost)
	}
	if s.RerankThreshold != 0.3 {
		t.Fatalf("expected default rerank threshold 0.3, got %v", s.RerankThreshold)
	}
	if len(s.LLMEndpoints) != 0 {
		t.Fatalf("expected empty endpoint table with no path set, got %+v", s.LLMEndpoints)
	}
}

func TestLoadHonorsEnvOverrides(t *testing.T) {
	os.Setenv("SERVER_PORT", "9090")
	os.Setenv("ENABLE_VISA_FREE_FEATURE", "true")
	os.Setenv("INTENT_CLASSIFIER_TIMEOUT", "3")
	t.Cleanup(func() {
		os.Unsetenv("SERVER_PORT")
		os.Unsetenv("ENABLE_VISA_FREE_FEATURE")
		os.Unsetenv("INTENT_CLASSIFIER_TIMEOUT")
	})

	s, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.ServerPort != 9090 {
		t.Fatalf("expected overridden port 9090, got %d", s.ServerPort)
	}
	if !s.EnableVisaFreeFeature {
		t.Fatalf("expected visa-free feature enabled")
	}
	if s.IntentClassifierTimeout != 3*time.Second {
		t.Fatalf("expected 3s timeout, got %v", s.IntentClassifierTimeout)
	}
}

func TestLoadLLMEndpointsFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/endpoints.yaml"
	yamlContent := "default:\n  api_base_url: http://localhost:8000/v1\n  llm_model_name: test-model\n  provider: openai\n"
	if err := os.WriteFile(path, []byte(yamlContent), 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	os.Setenv("LLM_ENDPOINTS_PATH", path)
	t.Cleanup(func() { os.Unsetenv("LLM_ENDPOINTS_PATH") })

	s, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ep, ok := s.LLMEndpoints["default"]
	if !ok {
		t.Fatalf("expected \"default\" endpoint, got %+v", s.LLMEndpoints)
	}
	if ep.ModelName != "test-model" || ep.Provider != "openai" {
		t.Fatalf("unexpected endpoint: %+v", ep)
	}
}
