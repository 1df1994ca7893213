package playback

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClipStreamsMonoToStereo(t *testing.T) {
	c := &clip{pcm: []float32{0.1, -0.2, 0.3, -0.4, 0.5}}

	buf := make([][2]float64, 2)

	n, ok := c.Stream(buf)
	require.True(t, ok)
	assert.Equal(t, 2, n)
	assert.InDelta(t, 0.1, buf[0][0], 1e-6)
	assert.InDelta(t, 0.1, buf[0][1], 1e-6)
	assert.InDelta(t, -0.2, buf[1][1], 1e-6)

	c.Stream(buf)
	n, ok = c.Stream(buf)
	require.True(t, ok)
	assert.Equal(t, 1, n)

	_, ok = c.Stream(buf)
	assert.False(t, ok)
}

func TestClipStops(t *testing.T) {
	c := &clip{pcm: make([]float32, 100)}
	c.stop.Store(true)

	n, ok := c.Stream(make([][2]float64, 10))
	assert.Zero(t, n)
	assert.False(t, ok)
}

func TestChimeTone(t *testing.T) {
	pcm := chimeTone(24000)
	require.Len(t, pcm, 2*2880)

	assert.Zero(t, pcm[0])
	for _, v := range pcm {
		assert.LessOrEqual(t, v, float32(0.3))
		assert.GreaterOrEqual(t, v, float32(-0.3))
	}
}

func TestDecodeChimeResamples(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chime.wav")

	f, err := os.Create(path)
	require.NoError(t, err)

	enc := wav.NewEncoder(f, 16000, 16, 1, 1)
	data := make([]int, 8000)
	for i := range data {
		if i%40 < 20 {
			data[i] = 8000
		} else {
			data[i] = -8000
		}
	}
	require.NoError(t, enc.Write(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: 16000},
		Data:           data,
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())

	pcm, err := decodeChime(path, 24000)
	require.NoError(t, err)
	assert.InDelta(t, 12000, len(pcm), 50)
}

func TestDecodeChimeRejectsUnknownFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chime.flac")
	require.NoError(t, os.WriteFile(path, []byte("fLaC"), 0o644))

	_, err := decodeChime(path, 24000)
	require.Error(t, err)
}
