// Package stt wraps whisper.cpp for offline speech recognition.
package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	log "log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// SampleRate is the only rate whisper accepts.
const SampleRate = whisper.SampleRate

// whisper.cpp refuses anything shorter than a second; pad a little past it.
const minSamples = SampleRate + SampleRate/10

// DefaultPrompt biases decoding towards the product vocabulary.
const DefaultPrompt = "Gennie, ChargeNet, charger, booking, host, driver, dashboard."

var ErrNoAudio = errors.New("no audio samples provided")

type Options struct {
	Language  string // "auto" or a language code
	Threads   int    // <=0 uses every CPU
	Prompt    string // vocabulary hint; empty disables
	BeamSize  int    // 0 decodes greedily
	MaxTokens uint   // per segment, 0 = no limit
}

type Segment struct {
	Text  string
	Start time.Duration
	End   time.Duration
}

type Result struct {
	Text     string
	Segments []Segment
	Language string
	Took     time.Duration
}

// Transcriber owns one loaded model. Decodes are serialised; each one runs
// on a fresh whisper context.
type Transcriber struct {
	opts Options

	mu    sync.Mutex
	model whisper.Model
}

func NewTranscriber(modelPath string, opts Options) (*Transcriber, error) {
	if modelPath == "" {
		return nil, errors.New("empty model path")
	}

	m, err := whisper.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}

	if opts.Language == "" {
		opts.Language = "auto"
	}
	if opts.Threads <= 0 {
		opts.Threads = runtime.NumCPU()
	}

	return &Transcriber{opts: opts, model: m}, nil
}

// Transcribe decodes one utterance, handing each segment to interim as
// whisper produces it.
func (t *Transcriber) Transcribe(ctx context.Context, pcm []float32, interim func(string)) (string, error) {
	res, err := t.decode(ctx, pcm, interim)
	if err != nil {
		return "", err
	}

	log.Debug("Transcribed", "lang", res.Language, "segments", len(res.Segments), "took", res.Took)

	return res.Text, nil
}

func (t *Transcriber) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.model == nil {
		return nil
	}
	err := t.model.Close()
	t.model = nil
	return err
}

func (t *Transcriber) decode(ctx context.Context, pcm []float32, interim func(string)) (Result, error) {
	if len(pcm) == 0 {
		return Result{}, ErrNoAudio
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.model == nil {
		return Result{}, errors.New("transcriber closed")
	}

	wctx, err := t.model.NewContext()
	if err != nil {
		return Result{}, fmt.Errorf("new context: %w", err)
	}
	if err := t.configure(wctx); err != nil {
		return Result{}, err
	}

	var onSegment whisper.SegmentCallback
	if interim != nil {
		onSegment = func(s whisper.Segment) {
			if text := strings.TrimSpace(s.Text); text != "" {
				interim(text)
			}
		}
	}

	started := time.Now()
	keepGoing := func() bool { return ctx.Err() == nil }

	if err := wctx.Process(pad(pcm), keepGoing, onSegment, nil); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("process: %w", err)
	}

	res := Result{Took: time.Since(started)}

	var texts []string
	for {
		s, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("next segment: %w", err)
		}

		res.Segments = append(res.Segments, Segment{Text: s.Text, Start: s.Start, End: s.End})
		if text := strings.TrimSpace(s.Text); text != "" {
			texts = append(texts, text)
		}
	}

	res.Text = strings.Join(texts, " ")
	res.Language = wctx.DetectedLanguage()
	if res.Language == "" {
		res.Language = wctx.Language()
	}

	return res, nil
}

func (t *Transcriber) configure(wctx whisper.Context) error {
	if err := wctx.SetLanguage(t.opts.Language); err != nil {
		return fmt.Errorf("set language %q: %w", t.opts.Language, err)
	}

	wctx.SetThreads(uint(t.opts.Threads))
	wctx.SetTranslate(false)

	if t.opts.Prompt != "" {
		wctx.SetInitialPrompt(t.opts.Prompt)
	}
	if t.opts.BeamSize > 0 {
		wctx.SetBeamSize(t.opts.BeamSize)
	}
	if t.opts.MaxTokens > 0 {
		wctx.SetMaxTokensPerSegment(t.opts.MaxTokens)
	}

	return nil
}

// pad appends silence so short commands ("yes", "stop") still decode.
func pad(pcm []float32) []float32 {
	if len(pcm) >= minSamples {
		return pcm
	}

	out := make([]float32, minSamples)
	copy(out, pcm)
	return out
}
