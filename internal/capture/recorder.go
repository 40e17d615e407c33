// Package capture records microphone audio for voice turns: one exclusive
// take at a time, a live smoothed amplitude for the UI, and encoding of the
// captured PCM into an upload container.
package capture

import (
	"errors"
	"fmt"
	log "log/slog"
	"math"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
)

const (
	// SampleRate is the capture rate. Whisper-family transcription wants
	// 16 kHz mono, so everything downstream assumes it.
	SampleRate = 16000
	frameSize  = 320 // 20ms at 16kHz

	// ampSmoothing blends each frame's RMS into the published amplitude.
	ampSmoothing = 0.3
	// ampGain maps conversational speech RMS (~0.05..0.25) onto 0..1.
	ampGain = 4.0
)

var (
	ErrBusy      = errors.New("capture: microphone already in use")
	ErrNoContent = errors.New("capture: clip too short to contain speech")

	// ErrNotActive reports a Stop or Cancel with no take in progress. It
	// marks a no-op, not a failure: the recorder was already idle and
	// callers treat it as "nothing was recording".
	ErrNotActive = errors.New("capture: no recording in progress")
)

// Stream is one open microphone stream. Read fills frame with the next
// fixed-size chunk of mono PCM, blocking at the capture cadence.
type Stream interface {
	Read(frame []float32) error
	Close() error
}

// Source opens microphone streams. PortAudioSource is the production
// implementation; tests substitute a scripted one.
type Source interface {
	Open(sampleRate, frameSize int) (Stream, error)
}

// Clip is one finished recording, encoded for upload.
type Clip struct {
	Data     []byte
	Ext      string // container tag: "ogg" or "wav"
	Duration time.Duration
}

// Recorder owns the microphone. At most one take is active per Recorder;
// the stream handle is released on every exit path, including read errors
// and cancellation.
type Recorder struct {
	mu      sync.Mutex
	source  Source
	encoder Encoder
	active  *take
}

func NewRecorder(source Source, enc Encoder) *Recorder {
	return &Recorder{source: source, encoder: enc}
}

// Start acquires the microphone and begins buffering frames. Returns
// ErrBusy while a previous take is still active.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return ErrBusy
	}

	stream, err := r.source.Open(SampleRate, frameSize)
	if err != nil {
		return fmt.Errorf("capture: open stream: %w", err)
	}

	t := &take{
		stream:    stream,
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	r.active = t
	go t.loop()

	log.Debug("recording started")
	return nil
}

// Recording reports whether a take is in progress.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

// Amplitude returns the smoothed input level in 0..1, or 0 when idle.
func (r *Recorder) Amplitude() float64 {
	r.mu.Lock()
	t := r.active
	r.mu.Unlock()
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.amp
}

// Elapsed returns how long the current take has been running.
func (r *Recorder) Elapsed() time.Duration {
	r.mu.Lock()
	t := r.active
	r.mu.Unlock()
	if t == nil {
		return 0
	}
	return time.Since(t.startedAt)
}

// Stop ends the take, releases the microphone and encodes the clip.
// A take too short to contain speech yields ErrNoContent; the microphone
// is released regardless. Stopping an idle recorder is a no-op signalled
// by ErrNotActive.
func (r *Recorder) Stop() (*Clip, error) {
	t, err := r.detach()
	if err != nil {
		return nil, err
	}

	pcm, dur, readErr := t.finish()
	if readErr != nil {
		return nil, fmt.Errorf("capture: stream read: %w", readErr)
	}

	data, ext, err := r.encoder.Encode(pcm, SampleRate)
	if err != nil {
		return nil, fmt.Errorf("capture: encode: %w", err)
	}
	if len(data) < minClipBytes {
		return nil, ErrNoContent
	}

	log.Debug("recording stopped", "dur", dur, "bytes", len(data), "ext", ext)
	return &Clip{Data: data, Ext: ext, Duration: dur}, nil
}

// Cancel discards the take and releases the microphone.
func (r *Recorder) Cancel() error {
	t, err := r.detach()
	if err != nil {
		return err
	}
	t.finish()
	log.Debug("recording cancelled")
	return nil
}

func (r *Recorder) detach() (*take, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return nil, ErrNotActive
	}
	t := r.active
	r.active = nil
	return t, nil
}

// take is one exclusive recording: a stream, its buffered PCM and the
// published amplitude.
type take struct {
	stream    Stream
	quit      chan struct{}
	done      chan struct{}
	startedAt time.Time

	mu      sync.Mutex
	pcm     []float32
	amp     float64
	readErr error
}

func (t *take) loop() {
	defer close(t.done)
	frame := make([]float32, frameSize)
	for {
		select {
		case <-t.quit:
			return
		default:
		}

		if err := t.stream.Read(frame); err != nil {
			t.mu.Lock()
			t.readErr = err
			t.mu.Unlock()
			return
		}

		rms := frameRMS(frame)
		t.mu.Lock()
		t.pcm = append(t.pcm, frame...)
		t.amp = t.amp*(1-ampSmoothing) + math.Min(1, rms*ampGain)*ampSmoothing
		t.mu.Unlock()
	}
}

// finish stops the loop and closes the stream. Always releases the handle.
func (t *take) finish() ([]float32, time.Duration, error) {
	close(t.quit)
	<-t.done
	err := t.stream.Close()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.readErr != nil {
		return nil, 0, t.readErr
	}
	if err != nil {
		return nil, 0, err
	}
	dur := time.Duration(len(t.pcm)) * time.Second / SampleRate
	return t.pcm, dur, nil
}

func frameRMS(f []float32) float64 {
	var s float64
	for _, x := range f {
		s += float64(x * x)
	}
	return math.Sqrt(s / float64(len(f)))
}

// PortAudioSource opens the default input device. The PortAudio library is
// initialized per open stream and terminated on close, so a released take
// leaves no handle behind.
type PortAudioSource struct{}

func (PortAudioSource) Open(sampleRate, frameSize int) (Stream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, err
	}
	buf := make([]float32, frameSize)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), len(buf), buf)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, err
	}
	return &portAudioStream{stream: stream, buf: buf}, nil
}

type portAudioStream struct {
	stream *portaudio.Stream
	buf    []float32
}

func (s *portAudioStream) Read(frame []float32) error {
	if err := s.stream.Read(); err != nil {
		return err
	}
	copy(frame, s.buf)
	return nil
}

func (s *portAudioStream) Close() error {
	s.stream.Stop()
	err := s.stream.Close()
	portaudio.Terminate()
	return err
}
