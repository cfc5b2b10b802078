package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/AlexanderCGO2/flux-create-sub000/internal/audio"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/config"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/export"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/httpapi"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/imagegen"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/memory"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/observability"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/realtime"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/session"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/storage"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/vad"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/voice"
)

type VoiceInfo struct {
	Interpreter string
	Detail      string
	Realtime    bool
	Uploads     bool
}

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Voice    *voice.Service
	Metrics  *observability.Metrics
	Info     VoiceInfo

	// Cleanup releases external resources (database pool, redis, model clients).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	memoryStore, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}

	stack, err := resolveVoiceStack(ctx, cfg, metrics, log)
	if err != nil {
		_ = memoryStore.Close()
		return nil, err
	}

	var uploader storage.Uploader
	if strings.TrimSpace(cfg.ExportS3Bucket) != "" {
		u, err := storage.NewS3Uploader(cfg.ExportS3Bucket, cfg.AWSRegion)
		if err != nil {
			_ = stack.close()
			_ = memoryStore.Close()
			return nil, fmt.Errorf("export storage init failed: %w", err)
		}
		uploader = u
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	realtimeCfg := realtime.Config{
		URL:            cfg.RealtimeURL,
		APIKey:         cfg.OpenAIAPIKey,
		Model:          cfg.RealtimeModel,
		Voice:          cfg.RealtimeVoice,
		ConnectTimeout: cfg.RealtimeConnectTimeout,
	}

	deps := voice.Deps{
		Sessions:    sessions,
		Interpreter: stack.interpreter,
		Realtime:    realtimeCfg,
		Memory:      memoryStore,
		Metrics:     metrics,
		Log:         log,
	}
	apiDeps := httpapi.Deps{
		Interpreter: stack.interpreter,
		Exporter:    export.New(uploader, metrics, log),
		Memory:      memoryStore,
		Log:         log,
	}
	// Interfaces stay nil when a provider is off so routes answer 503.
	if stack.transcriber != nil {
		deps.Transcriber = stack.transcriber
		apiDeps.Transcriber = stack.transcriber
	}
	if stack.synthesizer != nil {
		deps.Synthesizer = stack.synthesizer
		apiDeps.Synthesizer = stack.synthesizer
	}
	hasRealtime := strings.TrimSpace(cfg.OpenAIAPIKey) != ""
	if hasRealtime {
		apiDeps.Tokens = realtime.NewTokenMinter(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.RealtimeModel, cfg.RealtimeVoice, nil)
	}
	if strings.TrimSpace(cfg.ReplicateAPIToken) != "" || cfg.ImageGenDemoFallback {
		apiDeps.Images = imagegen.NewClient(imagegen.Config{
			BaseURL:      cfg.ReplicateBaseURL,
			APIToken:     cfg.ReplicateAPIToken,
			PollInterval: cfg.ImageGenPollInterval,
			MaxPolls:     cfg.ImageGenMaxPolls,
			DemoFallback: cfg.ImageGenDemoFallback,
		}, metrics, log)
	}

	vadCfg := vad.DefaultConfig()
	if cfg.VADThreshold > 0 {
		vadCfg.Threshold = cfg.VADThreshold
	}
	if cfg.VADSilenceDuration > 0 {
		vadCfg.SilenceDuration = cfg.VADSilenceDuration
	}
	if cfg.VADMinSpeechDuration > 0 {
		vadCfg.MinSpeechDuration = cfg.VADMinSpeechDuration
	}
	if cfg.VADInterval > 0 {
		vadCfg.Interval = cfg.VADInterval
	}

	svc := voice.NewService(voice.Config{
		VAD:                vadCfg,
		Analyser:           audio.DefaultAnalyserConfig(),
		MinUtterance:       cfg.MinUtterance,
		Language:           cfg.TranscribeLanguage,
		Voice:              cfg.OpenAITTSVoice,
		SpokenConfirmation: cfg.SpokenConfirmation,
	}, deps)
	apiDeps.Pipeline = svc

	api := httpapi.New(cfg, sessions, metrics, apiDeps)

	cleanup := func() error {
		var errs []string
		if err := stack.close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := memoryStore.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Voice:    svc,
		Metrics:  metrics,
		Info: VoiceInfo{
			Interpreter: stack.interpreterProvider,
			Detail:      stack.detail,
			Realtime:    hasRealtime,
			Uploads:     uploader != nil,
		},
		Cleanup: cleanup,
	}, nil
}
