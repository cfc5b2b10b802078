// Package transcribe turns one recorded utterance into text.
package transcribe

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/AlexanderCGO2/flux-create-sub000/internal/logging"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/oai"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/reliability"
)

// Type says which pipeline mode produced a transcript.
type Type string

const (
	TypeCommand      Type = "command"
	TypeConversation Type = "conversation"
)

// Result is one completed transcription.
type Result struct {
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
	Language   string   `json:"language,omitempty"`
	Type       Type     `json:"type"`
}

// Options are per-request hints.
type Options struct {
	Language string
	Prompt   string
	Type     Type
}

// Transcriber is what the pipeline depends on.
type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte, opts Options) (Result, error)
}

type Config struct {
	OpenAI   oai.Config
	Model    string
	Language string
}

// Client calls the hosted Whisper endpoint. It never retries.
type Client struct {
	api      *openai.Client
	model    string
	language string
	log      logrus.FieldLogger
}

func NewClient(cfg Config, log logrus.FieldLogger) (*Client, error) {
	api, err := oai.New(cfg.OpenAI)
	if err != nil {
		return nil, err
	}
	model := cfg.Model
	if model == "" {
		model = openai.Whisper1
	}
	return &Client{
		api:      api,
		model:    model,
		language: cfg.Language,
		log:      logging.Component(log, "transcribe"),
	}, nil
}

func (c *Client) Transcribe(ctx context.Context, wav []byte, opts Options) (Result, error) {
	if len(wav) == 0 {
		return Result{}, reliability.New(reliability.KindValidation, "transcribe", errors.New("empty audio payload"))
	}
	lang := opts.Language
	if lang == "" {
		lang = c.language
	}
	kind := opts.Type
	if kind == "" {
		kind = TypeCommand
	}

	started := time.Now()
	resp, err := c.api.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.model,
		FilePath: "utterance.wav",
		Reader:   bytes.NewReader(wav),
		Prompt:   opts.Prompt,
		Language: lang,
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return Result{}, oai.Classify("transcribe", err)
	}

	res := Result{
		Text:     strings.TrimSpace(resp.Text),
		Language: resp.Language,
		Type:     kind,
	}
	if conf, ok := segmentConfidence(resp); ok {
		res.Confidence = &conf
	}
	c.log.WithFields(logrus.Fields{
		"bytes":    len(wav),
		"chars":    len(res.Text),
		"language": res.Language,
		"took_ms":  time.Since(started).Milliseconds(),
	}).Debug("transcription completed")
	return res, nil
}

// segmentConfidence averages per-segment probabilities weighted by duration.
func segmentConfidence(resp openai.AudioResponse) (float64, bool) {
	var weighted, total float64
	for _, seg := range resp.Segments {
		d := seg.End - seg.Start
		if d <= 0 {
			d = 1
		}
		p := math.Exp(seg.AvgLogprob) * (1 - seg.NoSpeechProb)
		weighted += p * d
		total += d
	}
	if total == 0 {
		return 0, false
	}
	conf := weighted / total
	return math.Max(0, math.Min(1, conf)), true
}
