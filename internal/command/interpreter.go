package command

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/AlexanderCGO2/flux-create-sub000/internal/logging"
)

// Classifier asks a hosted model to classify a transcript. It returns the raw
// JSON text the model produced; Interpreter validates it.
type Classifier interface {
	Name() string
	Classify(ctx context.Context, transcript string, history []string) ([]byte, error)
}

// Outcome explains how Interpret reached its answer.
type Outcome struct {
	Command  *Command
	Fallback bool
	// Reason is set when the model path was skipped or rejected.
	Reason string
}

// Interpreter prefers the model and falls back to keyword rules only when the
// model is missing, fails or returns an invalid command. Results are never
// merged.
type Interpreter struct {
	classifier Classifier
	timeout    time.Duration
	now        func() time.Time
	log        logrus.FieldLogger
}

type InterpreterOption func(*Interpreter)

// WithTimeout bounds each model call.
func WithTimeout(d time.Duration) InterpreterOption {
	return func(i *Interpreter) { i.timeout = d }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) InterpreterOption {
	return func(i *Interpreter) { i.now = now }
}

// NewInterpreter builds an interpreter. A nil classifier means keywords only.
func NewInterpreter(classifier Classifier, log logrus.FieldLogger, opts ...InterpreterOption) *Interpreter {
	i := &Interpreter{
		classifier: classifier,
		timeout:    8 * time.Second,
		now:        func() time.Time { return time.Now().UTC() },
		log:        logging.Component(log, "interpreter"),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Interpret returns nil for blank transcripts.
func (i *Interpreter) Interpret(ctx context.Context, transcript string, history []string) *Command {
	return i.InterpretDetailed(ctx, transcript, history).Command
}

func (i *Interpreter) InterpretDetailed(ctx context.Context, transcript string, history []string) Outcome {
	text := strings.TrimSpace(transcript)
	if text == "" {
		return Outcome{}
	}

	reason := "no model configured"
	if i.classifier != nil {
		cmd, err := i.classify(ctx, text, history)
		if err == nil {
			return Outcome{Command: &cmd}
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return Outcome{Reason: err.Error()}
		}
		reason = err.Error()
		i.log.WithFields(logrus.Fields{
			"classifier": i.classifier.Name(),
			"error":      err.Error(),
		}).Warn("model interpretation failed, using keyword rules")
	}

	return Outcome{
		Command:  ParseKeywords(text, i.now()),
		Fallback: true,
		Reason:   reason,
	}
}

func (i *Interpreter) classify(ctx context.Context, text string, history []string) (Command, error) {
	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}
	raw, err := i.classifier.Classify(ctx, text, history)
	if err != nil {
		return Command{}, err
	}
	return Decode(raw, i.now())
}
