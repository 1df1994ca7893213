// Package speech voices assistant replies: cloud synthesis first, the
// local espeak voice when that fails.
package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	log "log/slog"

	openai "github.com/openai/openai-go/v3"

	"gennie/internal/audio"
	"gennie/pkg/audioconv"
)

// Synthesizer renders text to encoded audio. format is a file extension
// hint such as ".mp3".
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (data []byte, format string, err error)
}

type Output interface {
	Play(ctx context.Context, pcm []float32) error
	Chime(ctx context.Context) error
	SampleRate() int
}

// Fallback renders text locally into mono pcm at rate.
type Fallback interface {
	Render(ctx context.Context, text string) (pcm []float32, rate int, err error)
}

type Ducker interface {
	DuckOthers(ctx context.Context, factor float64, duration time.Duration) error
	UnduckOthers(ctx context.Context, duration time.Duration) error
}

type Config struct {
	Synth Synthesizer
	Out   Output

	// Optional.
	Fallback Fallback
	Ducker   Ducker
	Arbiter  *audio.Arbiter

	DuckFactor float64
	DuckFade   time.Duration
}

type Speaker struct {
	cfg Config
}

func New(cfg Config) *Speaker {
	if cfg.DuckFactor <= 0 || cfg.DuckFactor > 1 {
		cfg.DuckFactor = 0.3
	}
	if cfg.DuckFade <= 0 {
		cfg.DuckFade = 300 * time.Millisecond
	}
	return &Speaker{cfg: cfg}
}

// Say blocks until text has been spoken or ctx is cancelled. It holds the
// playback slot of the arbiter for the whole time.
func (s *Speaker) Say(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}

	release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()

	if s.cfg.Ducker != nil {
		if err := s.cfg.Ducker.DuckOthers(ctx, s.cfg.DuckFactor, s.cfg.DuckFade); err != nil {
			log.Warn("Failed to duck other audio", "err", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := s.cfg.Ducker.UnduckOthers(ctx, s.cfg.DuckFade); err != nil {
				log.Warn("Failed to restore other audio", "err", err)
			}
		}()
	}

	pcm, err := s.render(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.cfg.Fallback == nil {
			return err
		}

		log.Warn("Synthesis failed, using espeak", "err", err)

		pcm, err = s.renderFallback(ctx, text)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("fallback voice: %w", err)
		}
	}

	return s.cfg.Out.Play(ctx, pcm)
}

// Chime plays the wake acknowledgement.
func (s *Speaker) Chime(ctx context.Context) error {
	release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()

	return s.cfg.Out.Chime(ctx)
}

func (s *Speaker) acquire() (func(), error) {
	if s.cfg.Arbiter == nil {
		return func() {}, nil
	}
	if err := s.cfg.Arbiter.Acquire(audio.OwnerPlayback); err != nil {
		return nil, err
	}
	return func() { s.cfg.Arbiter.Release(audio.OwnerPlayback) }, nil
}

func (s *Speaker) render(ctx context.Context, text string) ([]float32, error) {
	if s.cfg.Synth == nil {
		return nil, errors.New("no synthesizer configured")
	}

	started := time.Now()

	data, format, err := s.cfg.Synth.Synthesize(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}

	pcm, err := audioconv.DecodeBytes(data, format, audioconv.Options{SampleRate: s.cfg.Out.SampleRate()})
	if err != nil {
		return nil, fmt.Errorf("decode speech: %w", err)
	}

	log.Debug("Synthesized", "chars", len(text), "samples", len(pcm), "took", time.Since(started))

	return pcm, nil
}

func (s *Speaker) renderFallback(ctx context.Context, text string) ([]float32, error) {
	pcm, rate, err := s.cfg.Fallback.Render(ctx, text)
	if err != nil {
		return nil, err
	}
	return audioconv.Resample(pcm, rate, s.cfg.Out.SampleRate()), nil
}

type OpenAISynthesizer struct {
	client openai.Client
	model  openai.SpeechModel
	voice  openai.AudioSpeechNewParamsVoice
}

func NewOpenAISynthesizer(client openai.Client, model, voice string) *OpenAISynthesizer {
	s := &OpenAISynthesizer{
		client: client,
		model:  openai.SpeechModel(model),
		voice:  openai.AudioSpeechNewParamsVoice(voice),
	}
	if s.model == "" {
		s.model = openai.SpeechModelTTS1
	}
	if s.voice == "" {
		s.voice = openai.AudioSpeechNewParamsVoiceAlloy
	}
	return s
}

func (s *OpenAISynthesizer) Synthesize(ctx context.Context, text string) ([]byte, string, error) {
	resp, err := s.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Input:          text,
		Model:          s.model,
		Voice:          s.voice,
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatMP3,
	})
	if err != nil {
		return nil, "", fmt.Errorf("audio speech: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read speech: %w", err)
	}

	return data, ".mp3", nil
}
