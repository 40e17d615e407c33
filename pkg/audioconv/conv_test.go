package audioconv

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sine(freq float64, rate, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func TestWAVRoundTrip(t *testing.T) {
	src := sine(440, 16000, 16000)

	data, err := EncodeWAV(src, 16000)
	require.NoError(t, err)
	require.Greater(t, len(data), 44)
	assert.Equal(t, "RIFF", string(data[:4]))

	got, err := Decode(data, "wav", Options{TargetRate: 16000})
	require.NoError(t, err)
	require.Len(t, got, len(src))

	for i := 0; i < len(src); i += 997 {
		assert.InDelta(t, src[i], got[i], 0.001, "sample %d", i)
	}
}

func TestDecodeResamplesToTargetRate(t *testing.T) {
	src := sine(440, 16000, 16000) // 1 second

	data, err := EncodeWAV(src, 16000)
	require.NoError(t, err)

	got, err := Decode(data, "wav", Options{TargetRate: 24000})
	require.NoError(t, err)
	assert.InDelta(t, 24000, len(got), 2)
}

func TestDecodeSniffsContainer(t *testing.T) {
	data, err := EncodeWAV(sine(440, 16000, 1600), 16000)
	require.NoError(t, err)

	// Wrong extension tag, RIFF magic decides.
	got, err := Decode(data, "bin", Options{TargetRate: 16000})
	require.NoError(t, err)
	assert.NotEmpty(t, got)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("definitely not audio"), "xyz", Options{})
	assert.Error(t, err)

	_, err = Decode(nil, "wav", Options{})
	assert.Error(t, err)
}

func TestMaxSamplesCapsOutput(t *testing.T) {
	data, err := EncodeWAV(sine(440, 16000, 16000), 16000)
	require.NoError(t, err)

	got, err := Decode(data, "wav", Options{TargetRate: 16000, MaxSamples: 1000})
	require.NoError(t, err)
	assert.Len(t, got, 1000)
}

func TestEncodeWAVRejectsBadRate(t *testing.T) {
	_, err := EncodeWAV([]float32{0}, 0)
	assert.Error(t, err)
}

func TestDownmixInterleaved(t *testing.T) {
	stereo := []float32{1, 0, 0.5, 0.5, -1, 1}
	mono := downmixInterleaved(stereo, 2)
	require.Len(t, mono, 3)
	assert.InDelta(t, 0.5, mono[0], 1e-6)
	assert.InDelta(t, 0.5, mono[1], 1e-6)
	assert.InDelta(t, 0.0, mono[2], 1e-6)
}

func TestResampleLinearLength(t *testing.T) {
	in := sine(100, 16000, 1600)
	out := resampleLinear(in, 16000, 48000)
	assert.InDelta(t, 4800, len(out), 2)

	down := resampleLinear(in, 16000, 8000)
	assert.InDelta(t, 800, len(down), 2)
}

func TestWriteSeekBufferBackpatch(t *testing.T) {
	var w writeSeekBuffer
	_, err := w.Write([]byte("abcdef"))
	require.NoError(t, err)

	_, err = w.Seek(0, 0)
	require.NoError(t, err)
	_, err = w.Write([]byte("XY"))
	require.NoError(t, err)

	assert.Equal(t, "XYcdef", string(w.Bytes()))
}
