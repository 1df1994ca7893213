// Package playback owns the speaker.
package playback

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "log/slog"

	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/speaker"
	"github.com/faiface/beep/wav"
)

const DefaultSampleRate = 24000

// Player plays mono float32 PCM at a fixed rate, one clip at a time.
type Player struct {
	rate  beep.SampleRate
	chime []float32

	mu sync.Mutex
}

// New initialises the speaker. chimeFile may name an mp3 or wav played by
// Chime; without one a short two-note tone is used.
func New(rate int, chimeFile string) (*Player, error) {
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	sr := beep.SampleRate(rate)

	if err := speaker.Init(sr, sr.N(time.Second/10)); err != nil {
		return nil, fmt.Errorf("init speaker: %w", err)
	}

	p := &Player{rate: sr, chime: chimeTone(rate)}

	if chimeFile != "" {
		pcm, err := decodeChime(chimeFile, sr)
		if err != nil {
			log.Warn("Failed to load chime, using tone", "file", chimeFile, "err", err)
		} else {
			p.chime = pcm
		}
	}

	return p, nil
}

func (p *Player) SampleRate() int { return int(p.rate) }

// Play blocks until pcm has been played or ctx is cancelled, in which case
// playback stops within one speaker buffer.
func (p *Player) Play(ctx context.Context, pcm []float32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(pcm) == 0 {
		return nil
	}

	c := &clip{pcm: pcm}
	done := make(chan struct{}, 1)

	speaker.Play(beep.Seq(c, beep.Callback(func() {
		done <- struct{}{}
	})))

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		c.stop.Store(true)
		<-done
		return ctx.Err()
	}
}

// Chime plays the wake acknowledgement.
func (p *Player) Chime(ctx context.Context) error {
	return p.Play(ctx, p.chime)
}

func (p *Player) Close() {
	speaker.Close()
}

// clip streams mono samples to both channels.
type clip struct {
	pcm  []float32
	pos  int
	stop atomic.Bool
}

func (c *clip) Stream(samples [][2]float64) (int, bool) {
	if c.stop.Load() || c.pos >= len(c.pcm) {
		return 0, false
	}

	n := min(len(samples), len(c.pcm)-c.pos)
	for i := range n {
		v := float64(c.pcm[c.pos+i])
		samples[i] = [2]float64{v, v}
	}
	c.pos += n

	return n, true
}

func (c *clip) Err() error { return nil }

func chimeTone(rate int) []float32 {
	notes := []float64{880, 1318.5}
	per := rate * 120 / 1000

	out := make([]float32, 0, per*len(notes))
	for _, f := range notes {
		for i := range per {
			// short fade in and out keeps the edges from clicking
			env := math.Min(1, math.Min(float64(i), float64(per-i))/(float64(rate)/200))
			out = append(out, float32(0.3*env*math.Sin(2*math.Pi*f*float64(i)/float64(rate))))
		}
	}

	return out
}

func decodeChime(path string, rate beep.SampleRate) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var (
		s      beep.StreamSeekCloser
		format beep.Format
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		s, format, err = mp3.Decode(f)
	case ".wav":
		s, format, err = wav.Decode(f)
	default:
		return nil, fmt.Errorf("unsupported chime format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("decode chime: %w", err)
	}
	defer s.Close()

	var src beep.Streamer = s
	if format.SampleRate != rate {
		src = beep.Resample(4, format.SampleRate, rate, s)
	}

	var out []float32
	buf := make([][2]float64, 512)
	for {
		n, ok := src.Stream(buf)
		for _, frame := range buf[:n] {
			out = append(out, float32((frame[0]+frame[1])/2))
		}
		if !ok {
			break
		}
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("decode chime: %w", err)
	}

	return out, nil
}
