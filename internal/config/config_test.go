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
	if cfg.VADThreshold != 30 {
		t.Fatalf("VADThreshold = %v, want %v", cfg.VADThreshold, 30)
	}
	if cfg.VADSilenceDuration != 1500*time.Millisecond {
		t.Fatalf("VADSilenceDuration = %v, want %v", cfg.VADSilenceDuration, 1500*time.Millisecond)
	}
	if cfg.VADMinSpeechDuration != 300*time.Millisecond {
		t.Fatalf("VADMinSpeechDuration = %v, want %v", cfg.VADMinSpeechDuration, 300*time.Millisecond)
	}
	if cfg.RealtimeConnectTimeout != 10*time.Second {
		t.Fatalf("RealtimeConnectTimeout = %v, want %v", cfg.RealtimeConnectTimeout, 10*time.Second)
	}
	if cfg.ImageGenMaxPolls != 60 || cfg.ImageGenPollInterval != 5*time.Second {
		t.Fatalf("image polling = %d x %v, want 60 x 5s", cfg.ImageGenMaxPolls, cfg.ImageGenPollInterval)
	}
	if cfg.InterpreterProvider != "auto" {
		t.Fatalf("InterpreterProvider = %q, want %q", cfg.InterpreterProvider, "auto")
	}
}

func TestLoadOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("VAD_THRESHOLD", "42.5")
	t.Setenv("VAD_SILENCE_DURATION", "900ms")
	t.Setenv("VOICE_SPOKEN_CONFIRMATION", "yes")
	t.Setenv("INTERPRETER_PROVIDER", "gemini")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.VADThreshold != 42.5 {
		t.Fatalf("VADThreshold = %v, want %v", cfg.VADThreshold, 42.5)
	}
	if cfg.VADSilenceDuration != 900*time.Millisecond {
		t.Fatalf("VADSilenceDuration = %v, want %v", cfg.VADSilenceDuration, 900*time.Millisecond)
	}
	if !cfg.SpokenConfirmation {
		t.Fatalf("SpokenConfirmation = false, want true")
	}
	if cfg.InterpreterProvider != "gemini" {
		t.Fatalf("InterpreterProvider = %q, want %q", cfg.InterpreterProvider, "gemini")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"VAD_THRESHOLD":                  "300",
		"APP_SESSION_INACTIVITY_TIMEOUT": "1s",
		"IMAGEGEN_MAX_POLLS":             "0",
		"INTERPRETER_PROVIDER":           "claude",
		"APP_ALLOW_ANY_ORIGIN":           "maybe",
		"VAD_INTERVAL":                   "soon",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q error = nil, want error", key, value)
			}
		})
	}
}

func TestLoadReadsDotEnvWithoutOverriding(t *testing.T) {
	setCoreEnvEmpty(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("REPLICATE_API_TOKEN=r8_from_file\nOPENAI_CHAT_MODEL=from-file\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("APP_ENV_FILE", path)
	t.Setenv("OPENAI_CHAT_MODEL", "from-env")
	// godotenv sets variables on the process; register cleanup for the one we expect it to add.
	t.Setenv("REPLICATE_API_TOKEN", "")
	os.Unsetenv("REPLICATE_API_TOKEN")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ReplicateAPIToken != "r8_from_file" {
		t.Fatalf("ReplicateAPIToken = %q, want %q", cfg.ReplicateAPIToken, "r8_from_file")
	}
	if cfg.OpenAIChatModel != "from-env" {
		t.Fatalf("OpenAIChatModel = %q, want %q", cfg.OpenAIChatModel, "from-env")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_ENV_FILE",
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"LOG_LEVEL",
		"LOG_FILE",
		"OPENAI_API_KEY",
		"OPENAI_BASE_URL",
		"OPENAI_TRANSCRIBE_MODEL",
		"OPENAI_CHAT_MODEL",
		"OPENAI_TTS_MODEL",
		"OPENAI_TTS_VOICE",
		"TRANSCRIBE_LANGUAGE",
		"INTERPRETER_PROVIDER",
		"GEMINI_API_KEY",
		"GEMINI_MODEL",
		"REALTIME_URL",
		"REALTIME_MODEL",
		"REALTIME_VOICE",
		"REALTIME_CONNECT_TIMEOUT",
		"VAD_THRESHOLD",
		"VAD_SILENCE_DURATION",
		"VAD_MIN_SPEECH_DURATION",
		"VAD_INTERVAL",
		"VOICE_MIN_UTTERANCE",
		"VOICE_SPOKEN_CONFIRMATION",
		"REPLICATE_API_TOKEN",
		"REPLICATE_BASE_URL",
		"IMAGEGEN_POLL_INTERVAL",
		"IMAGEGEN_MAX_POLLS",
		"IMAGEGEN_DEMO_FALLBACK",
		"IMAGEGEN_RATE_PER_MINUTE",
		"DATABASE_URL",
		"REDIS_URL",
		"TTS_CACHE_TTL",
		"EXPORT_S3_BUCKET",
		"AWS_REGION",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
	// Keep a stray .env in the working directory from leaking into tests.
	t.Setenv("APP_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
}
