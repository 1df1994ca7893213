package audio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gordonklaus/portaudio"
)

const (
	SampleRate = 16000
	FrameSize  = 320 // 20ms
)

var (
	ErrPermissionDenied = errors.New("microphone access denied")
	ErrDeviceBusy       = errors.New("audio device busy")
)

// Stream is an open capture stream delivering mono float32 frames at SampleRate.
type Stream interface {
	Read() ([]float32, error)
	Close() error
}

// Source opens capture streams. Every Open must be paired with a Close on
// the returned stream.
type Source interface {
	Open(ctx context.Context) (Stream, error)
}

type Microphone struct{}

func NewMicrophone() *Microphone { return &Microphone{} }

func (m *Microphone) Init() error {
	return portaudio.Initialize()
}

func (m *Microphone) Close() {
	portaudio.Terminate()
}

func (m *Microphone) Open(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	buf := make([]float32, FrameSize)

	stream, err := portaudio.OpenDefaultStream(1, 0, SampleRate, len(buf), buf)
	if err != nil {
		return nil, classify(err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, classify(err)
	}

	return &micStream{stream: stream, buf: buf}, nil
}

type micStream struct {
	stream *portaudio.Stream
	buf    []float32
}

func (s *micStream) Read() ([]float32, error) {
	if err := s.stream.Read(); err != nil {
		// overflow just means we were late, the frame is still usable
		if !errors.Is(err, portaudio.InputOverflowed) {
			return nil, err
		}
	}

	frame := make([]float32, len(s.buf))
	copy(frame, s.buf)

	return frame, nil
}

func (s *micStream) Close() error {
	return errors.Join(s.stream.Stop(), s.stream.Close())
}

func classify(err error) error {
	var perr portaudio.Error
	if !errors.As(err, &perr) {
		return err
	}

	switch perr {
	case portaudio.InvalidDevice:
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case portaudio.DeviceUnavailable:
		return fmt.Errorf("%w: %v", ErrDeviceBusy, err)
	}

	return err
}

// Record captures d worth of audio from src and closes the stream.
func Record(ctx context.Context, src Source, d time.Duration) ([]float32, error) {
	want := int(d.Seconds() * SampleRate)
	if want <= 0 {
		return nil, errors.New("record duration must be positive")
	}

	stream, err := src.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	out := make([]float32, 0, want)

	for len(out) < want {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		frame, err := stream.Read()
		if err != nil {
			return nil, fmt.Errorf("read frame: %w", err)
		}

		out = append(out, frame...)
	}

	return out[:want], nil
}

func frameRMS(f []float32) float64 {
	if len(f) == 0 {
		return 0
	}

	var s float64
	for _, x := range f {
		s += float64(x * x)
	}
	return math.Sqrt(s / float64(len(f)))
}
