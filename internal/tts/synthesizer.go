package tts

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/book-expert/logger"
	"github.com/book-expert/longform-tts/internal/core"
)

// Synthesizer adapts HTTPClient to core.Synthesizer.
type Synthesizer struct {
	client     *HTTPClient
	normalizer *Normalizer
	log        *logger.Logger
}

// NewSynthesizer wraps client. A nil normalizer sends chunk text unchanged.
func NewSynthesizer(client *HTTPClient, normalizer *Normalizer, log *logger.Logger) *Synthesizer {
	return &Synthesizer{client: client, normalizer: normalizer, log: log}
}

// Synthesize implements core.Synthesizer.
func (s *Synthesizer) Synthesize(ctx context.Context, req core.SynthesisRequest) ([]byte, error) {
	text := req.Text
	if s.normalizer != nil {
		text = s.normalizer.Normalize(text)
	}

	audioData, err := s.client.GenerateSpeech(ctx, SpeechRequest{
		Text:           text,
		SpeakerRefPath: req.VoicePath,
		Language:       req.LanguageID,
		Exaggeration:   req.Exaggeration,
		CFGWeight:      req.CFGWeight,
		Temperature:    req.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate speech: %w", err)
	}

	return audioData, nil
}

// WaitHealthy polls the engine health endpoint until it answers or attempts run out.
func (s *Synthesizer) WaitHealthy(ctx context.Context, attempts uint, delay time.Duration) error {
	if attempts == 0 {
		attempts = 1
	}

	err := retry.Do(
		func() error {
			return s.client.HealthCheck(ctx)
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			s.log.Warn("Synthesis engine not ready (attempt %d/%d): %v", attempt+1, attempts, err)
		}),
	)
	if err != nil {
		return fmt.Errorf("synthesis engine did not become healthy: %w", err)
	}

	return nil
}
