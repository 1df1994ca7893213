package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArbiterSingleOwner(t *testing.T) {
	a := NewArbiter()
	require.Equal(t, OwnerNone, a.Owner())

	require.NoError(t, a.Acquire(OwnerCapture))
	require.NoError(t, a.Acquire(OwnerCapture), "re-acquire by the holder is a no-op")

	err := a.Acquire(OwnerPlayback)
	require.ErrorIs(t, err, ErrResourceBusy)
	assert.Contains(t, err.Error(), "capture")

	a.Release(OwnerPlayback)
	assert.Equal(t, OwnerCapture, a.Owner(), "release by a non-holder is ignored")

	a.Release(OwnerCapture)
	require.NoError(t, a.Acquire(OwnerPlayback))
	assert.Equal(t, OwnerPlayback, a.Owner())
}

func TestParseSinkInputs(t *testing.T) {
	const dump = `Sink Input #42
	Driver: protocol-native.c
	Volume: front-left: 65536 / 100% / 0.00 dB,   front-right: 65536 / 100% / 0.00 dB
	Properties:
		application.name = "Firefox"
Sink Input #43
	Volume: front-left: 32768 /  50% / -18.06 dB
	Properties:
		application.name = "gennie"
Sink Input #bogus
	Volume: 10%
`

	got := parseSinkInputs(dump)
	require.Len(t, got, 2)
	assert.Equal(t, sinkInput{ID: 42, Volume: 100, AppName: "Firefox"}, got[0])
	assert.Equal(t, sinkInput{ID: 43, Volume: 50, AppName: "gennie"}, got[1])

	assert.Empty(t, parseSinkInputs("nothing playing"))
}
