package audioconv

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeWAV(t *testing.T, path string, rate, channels int, data []int) {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	enc := wav.NewEncoder(f, rate, 16, channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}
	require.NoError(t, enc.Write(buf))
	require.NoError(t, enc.Close())
}

func TestDecodeStereoWAVTo16k(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.wav")

	// one second of 32k stereo, left at half scale, right silent
	data := make([]int, 32000*2)
	for i := 0; i < len(data); i += 2 {
		data[i] = 16384
	}
	writeWAV(t, path, 32000, 2, data)

	pcm, err := DecodeFile(context.Background(), path, Options{})
	require.NoError(t, err)
	assert.Len(t, pcm, 16000)
	assert.InDelta(t, 0.25, pcm[100], 1e-3)
}

func TestDecodeSniffsWithoutHint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.bin")
	writeWAV(t, path, 16000, 1, make([]int, 800))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	pcm, err := DecodeBytes(raw, "", Options{MaxSamples: 500})
	require.NoError(t, err)
	assert.Len(t, pcm, 500)
}

func TestDecodeUnknown(t *testing.T) {
	_, err := DecodeBytes([]byte("definitely not audio"), "", Options{})
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestResample(t *testing.T) {
	in := []float32{0, 1, 2, 3}

	assert.Equal(t, in, Resample(in, 8000, 8000))

	up := Resample(in, 8000, 16000)
	require.Len(t, up, 8)
	assert.InDelta(t, 0.5, up[1], 1e-6)
	assert.InDelta(t, 3, up[7], 1e-6)

	down := Resample([]float32{0, 1, 2, 3, 4, 5}, 48000, 16000)
	assert.Equal(t, []float32{0, 3}, down)
}

func TestDownmix(t *testing.T) {
	assert.Equal(t, []float32{0.5, 0}, downmix([]float32{1, 0, 0.5, -0.5}, 2))
}
