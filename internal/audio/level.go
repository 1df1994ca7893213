package audio

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	log "log/slog"
)

var ErrMonitorUsed = errors.New("level monitor already started")

const (
	floorDBFS = -60.0
)

// Level is one analysed capture frame.
type Level struct {
	Volume float64
	Frame  []float32
	At     time.Time
}

// Volume maps the frame RMS onto 0..100, where -60 dBFS and below is 0
// and full scale is 100.
func Volume(frame []float32) float64 {
	rms := frameRMS(frame)
	if rms <= 0 {
		return 0
	}

	db := 20 * math.Log10(rms)
	if db <= floorDBFS {
		return 0
	}
	if db >= 0 {
		return 100
	}

	return (db - floorDBFS) / -floorDBFS * 100
}

// Monitor turns a capture stream into a stream of Levels. A Monitor can be
// started once; open a new one for every capture cycle.
type Monitor struct {
	src  Source
	used atomic.Bool

	mu  sync.Mutex
	err error
}

func NewMonitor(src Source) *Monitor {
	return &Monitor{src: src}
}

// Levels opens the source and emits a Level per frame until ctx is done or
// the stream fails. Timestamps advance with the sample count, so the clock
// is the device clock rather than the scheduler's.
func (m *Monitor) Levels(ctx context.Context) (<-chan Level, error) {
	if !m.used.CompareAndSwap(false, true) {
		return nil, ErrMonitorUsed
	}

	stream, err := m.src.Open(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan Level, 8)

	go func() {
		defer close(out)
		defer stream.Close()

		start := time.Now()
		var samples int64

		for ctx.Err() == nil {
			frame, err := stream.Read()
			if err != nil {
				log.Warn("Capture stream failed", "err", err)
				m.setErr(err)
				return
			}

			samples += int64(len(frame))
			lvl := Level{
				Volume: Volume(frame),
				Frame:  frame,
				At:     start.Add(time.Duration(samples) * time.Second / SampleRate),
			}

			select {
			case out <- lvl:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Err reports why the level channel closed, nil when it was cancelled.
func (m *Monitor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *Monitor) setErr(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}
