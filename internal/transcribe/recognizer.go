// Package transcribe buffers speech between VAD boundaries and hands it to
// a speech-to-text engine, reporting the outcome as events.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	log "log/slog"

	"gennie/internal/audio"
)

var (
	// ErrTransient marks failures that are not worth telling the user
	// about: no speech in the buffer or a slow engine.
	ErrTransient = errors.New("transient recognition failure")
	ErrBusy      = errors.New("recognizer busy")
)

// Engine decodes 16 kHz mono PCM. interim may be called with partial text
// while decoding runs.
type Engine interface {
	Transcribe(ctx context.Context, pcm []float32, interim func(string)) (string, error)
}

type EventKind int

const (
	EventStarted EventKind = iota
	EventInterim
	EventFinal
	EventError
	EventEnded
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventInterim:
		return "interim"
	case EventFinal:
		return "final"
	case EventError:
		return "error"
	case EventEnded:
		return "ended"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

type Event struct {
	Kind EventKind
	Text string
	Err  error
}

type Config struct {
	MinSpeech time.Duration // shorter buffers count as no speech
	MaxSpeech time.Duration // audio past this is dropped
	Timeout   time.Duration // per-utterance decode budget
}

func DefaultConfig() Config {
	return Config{
		MinSpeech: 250 * time.Millisecond,
		MaxSpeech: 30 * time.Second,
		Timeout:   30 * time.Second,
	}
}

type phase int

const (
	phaseIdle phase = iota
	phaseRunning
	phaseDecoding
)

// Recognizer accepts one utterance at a time. emit is called from the
// caller's goroutine for Started and from a worker goroutine for the rest,
// so it must not block.
type Recognizer struct {
	engine Engine
	cfg    Config
	emit   func(Event)

	mu     sync.Mutex
	phase  phase
	buf    []float32
	gen    uint64
	cancel context.CancelFunc

	wg sync.WaitGroup
}

func New(engine Engine, cfg Config, emit func(Event)) *Recognizer {
	def := DefaultConfig()
	if cfg.MinSpeech <= 0 {
		cfg.MinSpeech = def.MinSpeech
	}
	if cfg.MaxSpeech <= 0 {
		cfg.MaxSpeech = def.MaxSpeech
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	return &Recognizer{engine: engine, cfg: cfg, emit: emit}
}

// Start begins buffering. It fails with ErrBusy while a previous utterance
// is still buffering or decoding.
func (r *Recognizer) Start() error {
	r.mu.Lock()
	if r.phase != phaseIdle {
		r.mu.Unlock()
		return ErrBusy
	}

	r.phase = phaseRunning
	r.gen++
	r.buf = r.buf[:0]
	r.mu.Unlock()

	r.emit(Event{Kind: EventStarted})

	return nil
}

// Feed appends a capture frame while buffering.
func (r *Recognizer) Feed(frame []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase != phaseRunning {
		return
	}

	room := int(r.cfg.MaxSpeech.Seconds()*audio.SampleRate) - len(r.buf)
	if room <= 0 {
		return
	}
	if len(frame) > room {
		frame = frame[:room]
	}

	r.buf = append(r.buf, frame...)
}

// Stop closes the utterance and decodes it in the background. The outcome
// arrives as a Final or Error event followed by Ended.
func (r *Recognizer) Stop() {
	r.mu.Lock()
	if r.phase != phaseRunning {
		r.mu.Unlock()
		return
	}

	pcm := r.buf
	r.buf = nil
	r.phase = phaseDecoding
	gen := r.gen

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
	r.cancel = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()

		text, err := r.decode(ctx, pcm, gen)

		r.mu.Lock()
		if r.gen != gen {
			// aborted while decoding
			r.mu.Unlock()
			return
		}
		r.phase = phaseIdle
		r.cancel = nil
		r.mu.Unlock()

		if err != nil {
			r.emit(Event{Kind: EventError, Err: err})
		} else {
			r.emit(Event{Kind: EventFinal, Text: text})
		}
		r.emit(Event{Kind: EventEnded})
	}()
}

// Abort drops the current utterance without reporting it.
func (r *Recognizer) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase == phaseIdle {
		return
	}

	r.gen++
	r.phase = phaseIdle
	r.buf = nil
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

// Busy reports whether an utterance is buffering or decoding.
func (r *Recognizer) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase != phaseIdle
}

// Wait blocks until background decodes have finished.
func (r *Recognizer) Wait() {
	r.wg.Wait()
}

func (r *Recognizer) decode(ctx context.Context, pcm []float32, gen uint64) (string, error) {
	if len(pcm) < int(r.cfg.MinSpeech.Seconds()*audio.SampleRate) {
		return "", fmt.Errorf("%w: no speech", ErrTransient)
	}

	started := time.Now()

	text, err := r.engine.Transcribe(ctx, pcm, func(part string) {
		part = Clean(part)
		if part == "" {
			return
		}

		r.mu.Lock()
		live := r.gen == gen
		r.mu.Unlock()

		if live {
			r.emit(Event{Kind: EventInterim, Text: part})
		}
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return "", fmt.Errorf("transcribe: %w", err)
	}

	text = Clean(text)
	log.Debug("Transcribed utterance", "text", text, "samples", len(pcm), "took", time.Since(started))

	if text == "" {
		return "", fmt.Errorf("%w: no speech", ErrTransient)
	}

	return text, nil
}

var markerRe = regexp.MustCompile(`\[[^\]]*\]|\([^)]*\)|\*[^*]*\*`)

// Clean drops annotations such as [BLANK_AUDIO] or (music) and collapses
// whitespace.
func Clean(text string) string {
	text = markerRe.ReplaceAllString(text, " ")
	return strings.Join(strings.Fields(text), " ")
}
