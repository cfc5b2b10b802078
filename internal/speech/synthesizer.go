// Package speech turns short confirmations into audio through the OpenAI
// speech endpoint, caching results by voice, model and text.
package speech

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/AlexanderCGO2/flux-create-sub000/internal/logging"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/oai"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/observability"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/policy"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/reliability"
)

const (
	DefaultModel = "tts-1"
	DefaultVoice = "alloy"
	// maxInput keeps requests well under the provider limit.
	maxInput = 4096
)

var ErrEmptyText = errors.New("nothing to speak")

type Audio struct {
	Data     []byte `json:"-"`
	MIMEType string `json:"mime_type"`
	Voice    string `json:"voice"`
	Cached   bool   `json:"cached"`
}

type Config struct {
	OpenAI oai.Config
	Model  string
	Voice  string
	TTL    time.Duration
}

type Synthesizer struct {
	client  *openai.Client
	model   string
	voice   string
	ttl     time.Duration
	cache   Cache
	metrics *observability.Metrics
	log     logrus.FieldLogger
}

// NewSynthesizer requires an API key. cache may be nil to disable caching.
func NewSynthesizer(cfg Config, cache Cache, metrics *observability.Metrics, log logrus.FieldLogger) (*Synthesizer, error) {
	client, err := oai.New(cfg.OpenAI)
	if err != nil {
		return nil, err
	}
	s := &Synthesizer{
		client:  client,
		model:   strings.TrimSpace(cfg.Model),
		voice:   strings.TrimSpace(cfg.Voice),
		ttl:     cfg.TTL,
		cache:   cache,
		metrics: metrics,
		log:     logging.Component(log, "speech"),
	}
	if s.model == "" {
		s.model = DefaultModel
	}
	if s.voice == "" {
		s.voice = DefaultVoice
	}
	return s, nil
}

// Synthesize returns mp3 audio for text. voice overrides the configured
// voice when non-empty.
func (s *Synthesizer) Synthesize(ctx context.Context, text, voice string) (Audio, error) {
	text = policy.SanitizeSpeech(text)
	if text == "" {
		return Audio{}, reliability.New(reliability.KindValidation, "speech.synthesize", ErrEmptyText)
	}
	if len(text) > maxInput {
		text = text[:maxInput]
	}
	if strings.TrimSpace(voice) == "" {
		voice = s.voice
	}
	key := cacheKey(voice, s.model, text)

	if s.cache != nil {
		data, ok, err := s.cache.Get(ctx, key)
		switch {
		case err != nil:
			s.lookup("error")
			s.log.WithError(err).Warn("speech cache read failed")
		case ok:
			s.lookup("hit")
			return Audio{Data: data, MIMEType: "audio/mpeg", Voice: voice, Cached: true}, nil
		default:
			s.lookup("miss")
		}
	}

	started := time.Now()
	resp, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(s.model),
		Input:          text,
		Voice:          openai.SpeechVoice(voice),
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return Audio{}, oai.Classify("speech.synthesize", err)
	}
	defer resp.Close()
	data, err := io.ReadAll(resp)
	if err != nil {
		return Audio{}, reliability.New(reliability.KindNetwork, "speech.read", err)
	}
	if s.metrics != nil {
		s.metrics.ObserveStage("tts", time.Since(started))
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, data, s.ttl); err != nil {
			s.log.WithError(err).Warn("speech cache write failed")
		}
	}
	return Audio{Data: data, MIMEType: "audio/mpeg", Voice: voice}, nil
}

func (s *Synthesizer) lookup(result string) {
	if s.metrics != nil {
		s.metrics.TTSCacheLookups.WithLabelValues(result).Inc()
	}
}

func cacheKey(voice, model, text string) string {
	sum := sha256.Sum256([]byte(voice + "\x00" + model + "\x00" + text))
	return hex.EncodeToString(sum[:])
}
