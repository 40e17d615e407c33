package capture

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	mu      sync.Mutex
	level   float32
	reads   int
	failAt  int // fail the Nth read, 0 = never
	readErr error
	closed  bool
}

func (s *fakeStream) Read(frame []float32) error {
	s.mu.Lock()
	s.reads++
	n := s.reads
	s.mu.Unlock()

	if s.failAt > 0 && n >= s.failAt {
		return s.readErr
	}
	for i := range frame {
		frame[i] = s.level
	}
	time.Sleep(time.Millisecond) // emulate the capture cadence
	return nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStream) readCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeSource struct {
	mu      sync.Mutex
	streams []*fakeStream
	next    *fakeStream
	openErr error
}

func (f *fakeSource) Open(sampleRate, frameSize int) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	s := f.next
	if s == nil {
		s = &fakeStream{level: 0.2}
	}
	f.next = nil
	f.streams = append(f.streams, s)
	return s, nil
}

// stubEncoder returns a fixed payload so tests control the size threshold.
type stubEncoder struct {
	size int
	err  error
}

func (e stubEncoder) Encode(pcm []float32, sampleRate int) ([]byte, string, error) {
	if e.err != nil {
		return nil, "", e.err
	}
	return make([]byte, e.size), "wav", nil
}

func waitReads(t *testing.T, s *fakeStream, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.readCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("stream never reached %d reads", n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRecorderIsExclusive(t *testing.T) {
	src := &fakeSource{}
	r := NewRecorder(src, stubEncoder{size: 4096})

	require.NoError(t, r.Start())
	assert.ErrorIs(t, r.Start(), ErrBusy)

	require.NoError(t, r.Cancel())
	require.NoError(t, r.Start())
	require.NoError(t, r.Cancel())
}

func TestStopReturnsClipAndReleasesStream(t *testing.T) {
	src := &fakeSource{}
	r := NewRecorder(src, stubEncoder{size: 4096})

	require.NoError(t, r.Start())
	assert.True(t, r.Recording())
	waitReads(t, src.streams[0], 3)

	clip, err := r.Stop()
	require.NoError(t, err)
	assert.Equal(t, "wav", clip.Ext)
	assert.Len(t, clip.Data, 4096)
	assert.Greater(t, clip.Duration, time.Duration(0))

	assert.True(t, src.streams[0].isClosed())
	assert.False(t, r.Recording())
}

func TestTinyClipIsNoContentButStillReleases(t *testing.T) {
	src := &fakeSource{}
	r := NewRecorder(src, stubEncoder{size: 10})

	require.NoError(t, r.Start())
	clip, err := r.Stop()
	assert.ErrorIs(t, err, ErrNoContent)
	assert.Nil(t, clip)

	assert.True(t, src.streams[0].isClosed())
	require.NoError(t, r.Start(), "microphone must be reusable after a rejected clip")
	require.NoError(t, r.Cancel())
}

func TestCancelReleasesWithoutEncoding(t *testing.T) {
	src := &fakeSource{}
	enc := stubEncoder{err: errors.New("encoder must not run")}
	r := NewRecorder(src, enc)

	require.NoError(t, r.Start())
	require.NoError(t, r.Cancel())
	assert.True(t, src.streams[0].isClosed())
}

func TestReadErrorSurfacesAndReleases(t *testing.T) {
	boom := errors.New("device unplugged")
	src := &fakeSource{next: &fakeStream{level: 0.2, failAt: 2, readErr: boom}}
	r := NewRecorder(src, stubEncoder{size: 4096})

	require.NoError(t, r.Start())
	waitReads(t, src.streams[0], 2)

	_, err := r.Stop()
	assert.ErrorIs(t, err, boom)
	assert.True(t, src.streams[0].isClosed())
	assert.False(t, r.Recording())
}

func TestEncodeErrorStillReleases(t *testing.T) {
	src := &fakeSource{}
	r := NewRecorder(src, stubEncoder{err: errors.New("no codec")})

	require.NoError(t, r.Start())
	_, err := r.Stop()
	require.Error(t, err)
	assert.True(t, src.streams[0].isClosed())
}

func TestIdleStopIsHarmless(t *testing.T) {
	r := NewRecorder(&fakeSource{next: &fakeStream{}}, stubEncoder{size: 4096})

	clip, err := r.Stop()
	assert.Nil(t, clip)
	assert.ErrorIs(t, err, ErrNotActive)
	assert.ErrorIs(t, r.Cancel(), ErrNotActive)

	// The idle stop left no state behind.
	require.NoError(t, r.Start())
	require.NoError(t, r.Cancel())
}

func TestOpenFailureLeavesRecorderIdle(t *testing.T) {
	src := &fakeSource{openErr: errors.New("no device")}
	r := NewRecorder(src, stubEncoder{size: 4096})

	require.Error(t, r.Start())
	assert.False(t, r.Recording())
	assert.ErrorIs(t, r.Cancel(), ErrNotActive)
}

func TestAmplitudeStaysNormalized(t *testing.T) {
	src := &fakeSource{next: &fakeStream{level: 0.9}} // loud input
	r := NewRecorder(src, stubEncoder{size: 4096})

	assert.Zero(t, r.Amplitude())

	require.NoError(t, r.Start())
	waitReads(t, src.streams[0], 10)

	amp := r.Amplitude()
	assert.Greater(t, amp, 0.0)
	assert.LessOrEqual(t, amp, 1.0)

	require.NoError(t, r.Cancel())
	assert.Zero(t, r.Amplitude())
}

func TestElapsedTracksTheTake(t *testing.T) {
	src := &fakeSource{}
	r := NewRecorder(src, stubEncoder{size: 4096})

	assert.Zero(t, r.Elapsed())
	require.NoError(t, r.Start())
	waitReads(t, src.streams[0], 2)
	assert.Greater(t, r.Elapsed(), time.Duration(0))
	require.NoError(t, r.Cancel())
	assert.Zero(t, r.Elapsed())
}

func TestWAVEncoderProducesRIFF(t *testing.T) {
	pcm := make([]float32, SampleRate/2)
	for i := range pcm {
		pcm[i] = 0.1
	}
	data, ext, err := wavEncoder{}.Encode(pcm, SampleRate)
	require.NoError(t, err)
	assert.Equal(t, "wav", ext)
	require.Greater(t, len(data), 44)
	assert.Equal(t, "RIFF", string(data[:4]))
	assert.Equal(t, "WAVE", string(data[8:12]))
}
