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

// Config contains all runtime settings for the voice daemon.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	LogLevel string
	LogFile  string

	OpenAIAPIKey          string
	OpenAIBaseURL         string
	OpenAITranscribeModel string
	OpenAIChatModel       string
	OpenAITTSModel        string
	OpenAITTSVoice        string
	TranscribeLanguage    string

	InterpreterProvider string
	GeminiAPIKey        string
	GeminiModel         string

	RealtimeURL            string
	RealtimeModel          string
	RealtimeVoice          string
	RealtimeConnectTimeout time.Duration

	VADThreshold         float64
	VADSilenceDuration   time.Duration
	VADMinSpeechDuration time.Duration
	VADInterval          time.Duration
	MinUtterance         time.Duration
	SpokenConfirmation   bool

	ReplicateAPIToken     string
	ReplicateBaseURL      string
	ImageGenPollInterval  time.Duration
	ImageGenMaxPolls      int
	ImageGenDemoFallback  bool
	ImageGenRatePerMinute int

	DatabaseURL string
	RedisURL    string
	TTSCacheTTL time.Duration

	ExportS3Bucket string
	AWSRegion      string
}

// Load reads environment variables (after an optional .env file) and applies
// safe defaults.
func Load() (Config, error) {
	if err := loadDotEnv(envOrDefault("APP_ENV_FILE", ".env")); err != nil {
		return Config{}, err
	}

	cfg := Config{
		BindAddr:              envOrDefault("APP_BIND_ADDR", "127.0.0.1:8787"),
		MetricsNamespace:      envOrDefault("APP_METRICS_NAMESPACE", "fluxvoice"),
		AllowAnyOrigin:        false,
		LogLevel:              envOrDefault("LOG_LEVEL", "info"),
		LogFile:               stringsTrimSpace("LOG_FILE"),
		OpenAIAPIKey:          stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:         stringsTrimSpace("OPENAI_BASE_URL"),
		OpenAITranscribeModel: envOrDefault("OPENAI_TRANSCRIBE_MODEL", "whisper-1"),
		OpenAIChatModel:       envOrDefault("OPENAI_CHAT_MODEL", "gpt-4o-mini"),
		OpenAITTSModel:        envOrDefault("OPENAI_TTS_MODEL", "tts-1"),
		OpenAITTSVoice:        envOrDefault("OPENAI_TTS_VOICE", "alloy"),
		TranscribeLanguage:    envOrDefault("TRANSCRIBE_LANGUAGE", "en"),
		InterpreterProvider:   envOrDefault("INTERPRETER_PROVIDER", "auto"),
		GeminiAPIKey:          stringsTrimSpace("GEMINI_API_KEY"),
		GeminiModel:           envOrDefault("GEMINI_MODEL", "gemini-1.5-flash"),
		RealtimeURL:           envOrDefault("REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		RealtimeModel:         envOrDefault("REALTIME_MODEL", "gpt-4o-realtime-preview-2024-12-17"),
		RealtimeVoice:         envOrDefault("REALTIME_VOICE", "alloy"),
		ReplicateAPIToken:     stringsTrimSpace("REPLICATE_API_TOKEN"),
		ReplicateBaseURL:      envOrDefault("REPLICATE_BASE_URL", "https://api.replicate.com/v1"),
		DatabaseURL:           stringsTrimSpace("DATABASE_URL"),
		RedisURL:              stringsTrimSpace("REDIS_URL"),
		ExportS3Bucket:        stringsTrimSpace("EXPORT_S3_BUCKET"),
		AWSRegion:             envOrDefault("AWS_REGION", "us-east-1"),

		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 10 * time.Minute,
		RealtimeConnectTimeout:   10 * time.Second,
		VADThreshold:             30,
		VADSilenceDuration:       1500 * time.Millisecond,
		VADMinSpeechDuration:     300 * time.Millisecond,
		VADInterval:              50 * time.Millisecond,
		MinUtterance:             400 * time.Millisecond,
		SpokenConfirmation:       false,
		ImageGenPollInterval:     5 * time.Second,
		ImageGenMaxPolls:         60,
		ImageGenDemoFallback:     false,
		ImageGenRatePerMinute:    20,
		TTSCacheTTL:              24 * time.Hour,
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_SESSION_INACTIVITY_TIMEOUT", &cfg.SessionInactivityTimeout},
		{"REALTIME_CONNECT_TIMEOUT", &cfg.RealtimeConnectTimeout},
		{"VAD_SILENCE_DURATION", &cfg.VADSilenceDuration},
		{"VAD_MIN_SPEECH_DURATION", &cfg.VADMinSpeechDuration},
		{"VAD_INTERVAL", &cfg.VADInterval},
		{"VOICE_MIN_UTTERANCE", &cfg.MinUtterance},
		{"IMAGEGEN_POLL_INTERVAL", &cfg.ImageGenPollInterval},
		{"TTS_CACHE_TTL", &cfg.TTSCacheTTL},
	}
	for _, d := range durations {
		*d.dst, err = durationFromEnv(d.key, *d.dst)
		if err != nil {
			return Config{}, err
		}
	}

	cfg.VADThreshold, err = floatFromEnv("VAD_THRESHOLD", cfg.VADThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.ImageGenMaxPolls, err = intFromEnv("IMAGEGEN_MAX_POLLS", cfg.ImageGenMaxPolls)
	if err != nil {
		return Config{}, err
	}
	cfg.ImageGenRatePerMinute, err = intFromEnv("IMAGEGEN_RATE_PER_MINUTE", cfg.ImageGenRatePerMinute)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.SpokenConfirmation, err = boolFromEnv("VOICE_SPOKEN_CONFIRMATION", cfg.SpokenConfirmation)
	if err != nil {
		return Config{}, err
	}
	cfg.ImageGenDemoFallback, err = boolFromEnv("IMAGEGEN_DEMO_FALLBACK", cfg.ImageGenDemoFallback)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.VADThreshold <= 0 || c.VADThreshold > 255 {
		return fmt.Errorf("VAD_THRESHOLD must be in (0, 255]")
	}
	if c.VADInterval <= 0 {
		return fmt.Errorf("VAD_INTERVAL must be positive")
	}
	if c.VADSilenceDuration <= 0 || c.VADMinSpeechDuration <= 0 {
		return fmt.Errorf("VAD_SILENCE_DURATION and VAD_MIN_SPEECH_DURATION must be positive")
	}
	if c.RealtimeConnectTimeout <= 0 {
		return fmt.Errorf("REALTIME_CONNECT_TIMEOUT must be positive")
	}
	if c.ImageGenMaxPolls <= 0 {
		return fmt.Errorf("IMAGEGEN_MAX_POLLS must be positive")
	}
	if c.ImageGenPollInterval <= 0 {
		return fmt.Errorf("IMAGEGEN_POLL_INTERVAL must be positive")
	}
	if c.ImageGenRatePerMinute < 0 {
		return fmt.Errorf("IMAGEGEN_RATE_PER_MINUTE must be >= 0")
	}
	switch strings.ToLower(c.InterpreterProvider) {
	case "auto", "openai", "gemini", "keywords":
	default:
		return fmt.Errorf("invalid INTERPRETER_PROVIDER: %q (expected auto|openai|gemini|keywords)", c.InterpreterProvider)
	}
	return nil
}

// loadDotEnv loads path into the process environment without overriding
// variables that are already set. A missing file is not an error.
func loadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
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

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
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
