package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8888" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8888")
	}
	if cfg.HistoryLimit != 180 {
		t.Fatalf("HistoryLimit = %d, want 180", cfg.HistoryLimit)
	}
	if cfg.ASRConnectTimeout != 10*time.Second {
		t.Fatalf("ASRConnectTimeout = %s, want 10s", cfg.ASRConnectTimeout)
	}
	if cfg.VisionUnknownMarker != "不知道" {
		t.Fatalf("VisionUnknownMarker = %q, want %q", cfg.VisionUnknownMarker, "不知道")
	}
	if cfg.TTSSpeaker != "zh_female_meilinvyou_emo_v2_mars_bigtts" {
		t.Fatalf("TTSSpeaker = %q, want default speaker", cfg.TTSSpeaker)
	}
	if !cfg.AllowAnyOrigin {
		t.Fatalf("AllowAnyOrigin = false, want true")
	}
	if cfg.DatabaseURL != "" {
		t.Fatalf("DatabaseURL = %q, want empty default", cfg.DatabaseURL)
	}
}

func TestLoadUsesExplicitValues(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("TTS_PROVIDER", "MOCK")
	t.Setenv("ASR_CONNECT_TIMEOUT", "3s")
	t.Setenv("CHAT_HISTORY_LIMIT", "20")
	t.Setenv("LLM_ENDPOINT", "  ep-llm-1  ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" {
		t.Fatalf("BindAddr = %q, want explicit value", cfg.BindAddr)
	}
	if cfg.TTSProvider != "mock" {
		t.Fatalf("TTSProvider = %q, want %q", cfg.TTSProvider, "mock")
	}
	if cfg.ASRConnectTimeout != 3*time.Second {
		t.Fatalf("ASRConnectTimeout = %s, want 3s", cfg.ASRConnectTimeout)
	}
	if cfg.HistoryLimit != 20 {
		t.Fatalf("HistoryLimit = %d, want 20", cfg.HistoryLimit)
	}
	if cfg.LLMEndpoint != "ep-llm-1" {
		t.Fatalf("LLMEndpoint = %q, want trimmed value", cfg.LLMEndpoint)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"MODEL_PROVIDER":       "gpt",
		"TTS_PROVIDER":         "elevenlabs",
		"CHAT_HISTORY_LIMIT":   "0",
		"TTS_CONNECT_TIMEOUT":  "soon",
		"APP_ALLOW_ANY_ORIGIN": "maybe",
		"APP_LOG_LEVEL":        "trace",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() error = nil, want error for %s=%q", key, value)
			}
		})
	}
}

func TestLoadDotEnvMissingFileIsIgnored(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
}

func TestLoadDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("ASR_APP_ID", "from-env")
	// An empty value counts as unset for Load but godotenv keeps it, so clear it.
	os.Unsetenv("ASR_ACCESS_TOKEN")
	t.Cleanup(func() { os.Unsetenv("ASR_ACCESS_TOKEN") })

	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("ASR_APP_ID=from-file\nASR_ACCESS_TOKEN=token-from-file\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ASRAppID != "from-env" {
		t.Fatalf("ASRAppID = %q, want %q", cfg.ASRAppID, "from-env")
	}
	if cfg.ASRAccessToken != "token-from-file" {
		t.Fatalf("ASRAccessToken = %q, want %q", cfg.ASRAccessToken, "token-from-file")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_LOG_LEVEL",
		"APP_ALLOW_ANY_ORIGIN",
		"MODEL_PROVIDER",
		"ARK_API_KEY",
		"ARK_BASE_URL",
		"VLM_ENDPOINT",
		"LLM_ENDPOINT",
		"TTS_PROVIDER",
		"TTS_APP_ID",
		"TTS_ACCESS_TOKEN",
		"TTS_URL",
		"TTS_RESOURCE_ID",
		"TTS_SPEAKER",
		"TTS_FORMAT",
		"TTS_SAMPLE_RATE",
		"TTS_CONNECT_TIMEOUT",
		"ASR_APP_ID",
		"ASR_ACCESS_TOKEN",
		"ASR_URL",
		"ASR_RESOURCE_ID",
		"ASR_UID",
		"ASR_CONNECT_TIMEOUT",
		"CHAT_HISTORY_LIMIT",
		"VISION_UNKNOWN_MARKER",
		"CONTEXT_SAVE_TIMEOUT",
		"DATABASE_URL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
