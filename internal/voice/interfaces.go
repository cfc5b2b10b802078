package voice

import (
	"context"

	"github.com/AlexanderCGO2/flux-create-sub000/internal/command"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/speech"
)

// Interpreter classifies a transcript into a command.
type Interpreter interface {
	InterpretDetailed(ctx context.Context, transcript string, history []string) command.Outcome
}

// Synthesizer produces spoken audio for a confirmation.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) (speech.Audio, error)
}
