// Package audiotest provides scripted capture sources for tests.
package audiotest

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"gennie/internal/audio"
)

var ErrClosed = errors.New("stream closed")

// Source hands out one scripted stream per Open. When the scripts run out
// every further stream is pure silence. Once a stream has played its
// script it keeps producing silent frames, sleeping Pace between them.
// With Loop set a stream replays its script forever instead, sleeping Pace
// on every read. With EndErr set a stream fails with it once its script
// has played.
type Source struct {
	Pace    time.Duration
	Loop    bool
	OpenErr error
	EndErr  error

	mu      sync.Mutex
	scripts [][]float32
	opens   int
	open    int
}

func NewSource(scripts ...[]float32) *Source {
	return &Source{Pace: time.Millisecond, scripts: scripts}
}

// Push queues another script for the next Open.
func (s *Source) Push(script []float32) {
	s.mu.Lock()
	s.scripts = append(s.scripts, script)
	s.mu.Unlock()
}

func (s *Source) Open(ctx context.Context) (audio.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.OpenErr != nil {
		return nil, s.OpenErr
	}

	var script []float32
	if len(s.scripts) > 0 {
		script, s.scripts = s.scripts[0], s.scripts[1:]
	}

	s.opens++
	s.open++

	return &stream{src: s, script: script, full: script, loop: s.Loop, pace: s.Pace, endErr: s.EndErr}, nil
}

// SetOpenErr changes OpenErr while streams may be opening.
func (s *Source) SetOpenErr(err error) {
	s.mu.Lock()
	s.OpenErr = err
	s.mu.Unlock()
}

// Opens counts every successful Open.
func (s *Source) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

// Active counts streams opened and not yet closed.
func (s *Source) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

type stream struct {
	src    *Source
	script []float32
	full   []float32
	loop   bool
	pace   time.Duration
	endErr error

	mu     sync.Mutex
	closed bool
}

func (st *stream) Read() ([]float32, error) {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return nil, ErrClosed
	}

	if st.loop && len(st.script) == 0 {
		st.script = st.full
	}
	if !st.loop && len(st.script) == 0 && st.endErr != nil {
		st.mu.Unlock()
		return nil, st.endErr
	}

	frame := make([]float32, audio.FrameSize)
	n := copy(frame, st.script)
	st.script = st.script[n:]
	st.mu.Unlock()

	if (n == 0 || st.loop) && st.pace > 0 {
		time.Sleep(st.pace)
	}

	return frame, nil
}

func (st *stream) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		return nil
	}
	st.closed = true

	st.src.mu.Lock()
	st.src.open--
	st.src.mu.Unlock()

	return nil
}

// Tone returns d of a sine wave at freq Hz with the given peak amplitude.
func Tone(freq float64, amp float32, d time.Duration) []float32 {
	n := int(d.Seconds() * audio.SampleRate)
	out := make([]float32, n)
	for i := range out {
		out[i] = amp * float32(math.Sin(2*math.Pi*freq*float64(i)/audio.SampleRate))
	}
	return out
}

// Silence returns d of zero samples.
func Silence(d time.Duration) []float32 {
	return make([]float32, int(d.Seconds()*audio.SampleRate))
}

// Noise returns d of uniform white noise with the given peak amplitude,
// reproducible for a given seed.
func Noise(seed uint64, amp float32, d time.Duration) []float32 {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	out := make([]float32, int(d.Seconds()*audio.SampleRate))
	for i := range out {
		out[i] = amp * (2*r.Float32() - 1)
	}
	return out
}

// Mix adds b onto a sample by sample; the result has a's length.
func Mix(a, b []float32) []float32 {
	out := make([]float32, len(a))
	copy(out, a)
	for i := range min(len(a), len(b)) {
		out[i] += b[i]
	}
	return out
}

// Concat joins sample slices.
func Concat(parts ...[]float32) []float32 {
	var out []float32
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
