package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/AlexanderCGO2/flux-create-sub000/internal/command"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/config"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/oai"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/observability"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/speech"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/transcribe"
)

type voiceSetup struct {
	transcriber transcribe.Transcriber
	interpreter *command.Interpreter
	synthesizer *speech.Synthesizer
	// interpreterProvider is what INTERPRETER_PROVIDER resolved to.
	interpreterProvider string
	ttsCache            string
	detail              string
	cleanup             []func() error
}

// resolveVoiceStack builds the speech-to-text, interpreter and speech
// providers. Missing OpenAI credentials leave transcription and speech off;
// the interpreter always exists and falls back to keyword rules.
func resolveVoiceStack(ctx context.Context, cfg config.Config, metrics *observability.Metrics, log logrus.FieldLogger) (voiceSetup, error) {
	var setup voiceSetup
	openaiCfg := oai.Config{APIKey: cfg.OpenAIAPIKey, BaseURL: cfg.OpenAIBaseURL}
	hasOpenAI := strings.TrimSpace(cfg.OpenAIAPIKey) != ""

	if hasOpenAI {
		stt, err := transcribe.NewClient(transcribe.Config{
			OpenAI:   openaiCfg,
			Model:    cfg.OpenAITranscribeModel,
			Language: cfg.TranscribeLanguage,
		}, log)
		if err != nil {
			return setup, fmt.Errorf("transcription init failed: %w", err)
		}
		setup.transcriber = stt
	}

	classifier, provider, closeFn, err := resolveClassifier(ctx, cfg, openaiCfg)
	if err != nil {
		return setup, err
	}
	if closeFn != nil {
		setup.cleanup = append(setup.cleanup, closeFn)
	}
	setup.interpreterProvider = provider
	setup.interpreter = command.NewInterpreter(classifier, log)

	if hasOpenAI {
		cache, cacheName, closeCache := resolveTTSCache(ctx, cfg, log)
		if closeCache != nil {
			setup.cleanup = append(setup.cleanup, closeCache)
		}
		synth, err := speech.NewSynthesizer(speech.Config{
			OpenAI: openaiCfg,
			Model:  cfg.OpenAITTSModel,
			Voice:  cfg.OpenAITTSVoice,
			TTL:    cfg.TTSCacheTTL,
		}, cache, metrics, log)
		if err != nil {
			setup.close()
			return voiceSetup{}, fmt.Errorf("speech init failed: %w", err)
		}
		setup.synthesizer = synth
		setup.ttsCache = cacheName
	}

	stt := "off"
	if setup.transcriber != nil {
		stt = "whisper"
	}
	tts := "off"
	if setup.synthesizer != nil {
		tts = "openai (" + setup.ttsCache + " cache)"
	}
	setup.detail = fmt.Sprintf("stt=%s interpreter=%s tts=%s", stt, provider, tts)
	return setup, nil
}

// resolveClassifier picks the model behind the interpreter. auto prefers
// OpenAI, then Gemini, then keyword rules alone.
func resolveClassifier(ctx context.Context, cfg config.Config, openaiCfg oai.Config) (command.Classifier, string, func() error, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.InterpreterProvider))
	if mode == "" {
		mode = "auto"
	}

	tryOpenAI := func() (command.Classifier, error) {
		return command.NewOpenAIClassifier(openaiCfg, cfg.OpenAIChatModel)
	}
	tryGemini := func() (*command.GeminiClassifier, error) {
		return command.NewGeminiClassifier(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	}

	switch mode {
	case "openai":
		c, err := tryOpenAI()
		if err != nil {
			return nil, "", nil, fmt.Errorf("openai interpreter init failed: %w", err)
		}
		return c, "openai", nil, nil
	case "gemini":
		g, err := tryGemini()
		if err != nil {
			return nil, "", nil, fmt.Errorf("gemini interpreter init failed: %w", err)
		}
		return g, "gemini", g.Close, nil
	case "keywords":
		return nil, "keywords", nil, nil
	case "auto":
		if strings.TrimSpace(openaiCfg.APIKey) != "" {
			if c, err := tryOpenAI(); err == nil {
				return c, "openai", nil, nil
			}
		}
		if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
			if g, err := tryGemini(); err == nil {
				return g, "gemini", g.Close, nil
			}
		}
		return nil, "keywords", nil, nil
	default:
		return nil, "", nil, fmt.Errorf("unsupported INTERPRETER_PROVIDER %q", cfg.InterpreterProvider)
	}
}

// resolveTTSCache uses Redis when REDIS_URL answers and memory otherwise.
func resolveTTSCache(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (speech.Cache, string, func() error) {
	if strings.TrimSpace(cfg.RedisURL) != "" {
		rc, err := speech.NewRedisCache(ctx, cfg.RedisURL)
		if err == nil {
			return rc, "redis", rc.Close
		}
		log.WithError(err).Warn("redis unavailable, caching speech in memory")
	}
	return speech.NewMemoryCache(256), "memory", nil
}

func (s voiceSetup) close() error {
	var errs []string
	for i := len(s.cleanup) - 1; i >= 0; i-- {
		if err := s.cleanup[i](); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
