package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the companion gateway.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string

	AllowAnyOrigin bool

	ModelProvider string
	ArkAPIKey     string
	ArkBaseURL    string
	VLMEndpoint   string
	LLMEndpoint   string

	TTSProvider       string
	TTSAppID          string
	TTSAccessToken    string
	TTSURL            string
	TTSResourceID     string
	TTSSpeaker        string
	TTSFormat         string
	TTSSampleRate     int
	TTSConnectTimeout time.Duration

	ASRAppID          string
	ASRAccessToken    string
	ASRURL            string
	ASRResourceID     string
	ASRUserID         string
	ASRConnectTimeout time.Duration

	HistoryLimit        int
	VisionUnknownMarker string
	ContextSaveTimeout  time.Duration

	DatabaseURL string
}

// LoadDotEnv reads KEY=VALUE pairs from path into the process environment.
// Variables already set are left untouched and a missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8888"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "playmate"),
		LogLevel:         strings.ToLower(envOrDefault("APP_LOG_LEVEL", "info")),
		// Browser extensions connect from chrome-extension:// origins.
		AllowAnyOrigin: true,
		ModelProvider:  strings.ToLower(envOrDefault("MODEL_PROVIDER", "ark")),
		ArkAPIKey:      stringsTrimSpace("ARK_API_KEY"),
		ArkBaseURL:     envOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		VLMEndpoint:    envOrDefault("VLM_ENDPOINT", "your-vlm-endpoint-id"),
		LLMEndpoint:    envOrDefault("LLM_ENDPOINT", "your-llm-endpoint-id"),
		TTSProvider:    strings.ToLower(envOrDefault("TTS_PROVIDER", "doubao")),
		TTSAppID:       envOrDefault("TTS_APP_ID", "your-tts-app-id"),
		TTSAccessToken: envOrDefault("TTS_ACCESS_TOKEN", "your-tts-access-token"),
		TTSURL:         envOrDefault("TTS_URL", "wss://openspeech.bytedance.com/api/v3/tts/bidirection"),
		TTSResourceID:  envOrDefault("TTS_RESOURCE_ID", "volc.service_type.10029"),
		TTSSpeaker:     envOrDefault("TTS_SPEAKER", "zh_female_meilinvyou_emo_v2_mars_bigtts"),
		TTSFormat:      envOrDefault("TTS_FORMAT", "mp3"),
		TTSSampleRate:  24000,
		ASRAppID:       envOrDefault("ASR_APP_ID", "your-asr-app-id"),
		ASRAccessToken: envOrDefault("ASR_ACCESS_TOKEN", "your-asr-access-token"),
		ASRURL:         envOrDefault("ASR_URL", "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel"),
		ASRResourceID:  envOrDefault("ASR_RESOURCE_ID", "volc.bigasr.sauc.duration"),
		ASRUserID:      envOrDefault("ASR_UID", "playmate_web_plugin"),
		// "I don't know": the vision model's answer when the frame shows nothing useful.
		VisionUnknownMarker: envOrDefault("VISION_UNKNOWN_MARKER", "不知道"),
		HistoryLimit:        180,
		DatabaseURL:         stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:     15 * time.Second,
		TTSConnectTimeout:   5 * time.Second,
		ASRConnectTimeout:   10 * time.Second,
		ContextSaveTimeout:  2 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TTSConnectTimeout, err = durationFromEnv("TTS_CONNECT_TIMEOUT", cfg.TTSConnectTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ASRConnectTimeout, err = durationFromEnv("ASR_CONNECT_TIMEOUT", cfg.ASRConnectTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ContextSaveTimeout, err = durationFromEnv("CONTEXT_SAVE_TIMEOUT", cfg.ContextSaveTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TTSSampleRate, err = intFromEnv("TTS_SAMPLE_RATE", cfg.TTSSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.HistoryLimit, err = intFromEnv("CHAT_HISTORY_LIMIT", cfg.HistoryLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	switch cfg.ModelProvider {
	case "ark", "mock":
	default:
		return Config{}, fmt.Errorf("MODEL_PROVIDER must be one of ark, mock")
	}
	switch cfg.TTSProvider {
	case "doubao", "mock", "none":
	default:
		return Config{}, fmt.Errorf("TTS_PROVIDER must be one of doubao, mock, none")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("APP_LOG_LEVEL must be one of debug, info, warn, error")
	}
	if cfg.HistoryLimit <= 0 {
		return Config{}, fmt.Errorf("CHAT_HISTORY_LIMIT must be positive")
	}
	if cfg.TTSSampleRate <= 0 {
		return Config{}, fmt.Errorf("TTS_SAMPLE_RATE must be positive")
	}
	if cfg.TTSConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("TTS_CONNECT_TIMEOUT must be positive")
	}
	if cfg.ASRConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("ASR_CONNECT_TIMEOUT must be positive")
	}
	if cfg.ContextSaveTimeout <= 0 {
		return Config{}, fmt.Errorf("CONTEXT_SAVE_TIMEOUT must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
