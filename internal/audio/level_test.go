package audio_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gennie/internal/audio"
	"gennie/internal/audio/audiotest"
)

func TestVolumeScale(t *testing.T) {
	assert.Zero(t, audio.Volume(make([]float32, audio.FrameSize)))
	assert.Zero(t, audio.Volume(nil))

	full := make([]float32, audio.FrameSize)
	for i := range full {
		full[i] = 1
	}
	assert.InDelta(t, 100, audio.Volume(full), 1e-9)

	// -30 dBFS sits halfway up the scale.
	half := make([]float32, audio.FrameSize)
	for i := range half {
		half[i] = 0.0316227766
	}
	assert.InDelta(t, 50, audio.Volume(half), 0.01)
}

func TestMonitorStartsOnce(t *testing.T) {
	src := audiotest.NewSource(audiotest.Tone(440, 0.5, 100*time.Millisecond))
	m := audio.NewMonitor(src)

	ctx, cancel := context.WithCancel(context.Background())

	levels, err := m.Levels(ctx)
	require.NoError(t, err)

	_, err = m.Levels(ctx)
	require.ErrorIs(t, err, audio.ErrMonitorUsed)

	var got []audio.Level
	for lvl := range levels {
		got = append(got, lvl)
		if len(got) == 6 {
			cancel()
		}
	}

	require.GreaterOrEqual(t, len(got), 6)
	for _, lvl := range got[:5] {
		assert.Greater(t, lvl.Volume, 50.0)
	}
	assert.Zero(t, got[5].Volume)
	assert.Equal(t, 20*time.Millisecond, got[1].At.Sub(got[0].At))

	require.NoError(t, m.Err())
	assert.Eventually(t, func() bool { return src.Active() == 0 }, time.Second, 5*time.Millisecond)
}

func TestMonitorOpenError(t *testing.T) {
	src := audiotest.NewSource()
	src.OpenErr = audio.ErrPermissionDenied

	_, err := audio.NewMonitor(src).Levels(context.Background())
	require.ErrorIs(t, err, audio.ErrPermissionDenied)
}

func TestRecord(t *testing.T) {
	src := audiotest.NewSource(audiotest.Tone(440, 0.5, time.Second))

	pcm, err := audio.Record(context.Background(), src, 500*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, pcm, audio.SampleRate/2)
	assert.Zero(t, src.Active())
}
