package call

import (
	"context"
	"time"

	"github.com/ClareAI/astra-phone-agent/pkg/logger"
	"go.uber.org/zap"
)

type synthesisOutcome struct {
	audio []byte
	err   error
}

// synthesize races the primary provider against a timer. Whichever settles
// first decides the result; a timeout is treated like a provider error and
// the losing request is abandoned.
func (s *Service) synthesize(ctx context.Context, callSid, text string) SpeechResult {
	if s.synthesizer == nil {
		return Fallback(text, ErrSynthesisUnavailable)
	}

	timeout := s.cfg.SynthesisTimeout
	synthCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// buffered so the abandoned goroutine can always finish
	done := make(chan synthesisOutcome, 1)
	go func() {
		audio, err := s.synthesizer.Synthesize(synthCtx, text)
		done <- synthesisOutcome{audio: audio, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		if out.err != nil {
			logger.ForCall(callSid).Warn("Speech synthesis failed, using built-in voice", zap.Error(out.err))
			return Fallback(text, out.err)
		}
		if len(out.audio) == 0 {
			return Fallback(text, ErrSynthesisUnavailable)
		}
		return Synthesized(text, out.audio)
	case <-timer.C:
		logger.ForCall(callSid).Warn("Speech synthesis timed out, using built-in voice", zap.Duration("timeout", timeout))
		return Fallback(text, ErrSynthesisTimeout)
	}
}
