package voice

import (
	"context"
	"time"
)

const speakTimeout = 8 * time.Second

// spokenConfirmations voices dispatcher confirmations through the editor.
type spokenConfirmations struct {
	synth Synthesizer
	host  *HostOperations
	voice string
}

func (s *spokenConfirmations) Speak(ctx context.Context, text string) error {
	ctx, cancel := context.WithTimeout(ctx, speakTimeout)
	defer cancel()
	out, err := s.synth.Synthesize(ctx, text, s.voice)
	if err != nil {
		return err
	}
	s.host.sendAudio("mp3", 0, out.Data)
	return nil
}
