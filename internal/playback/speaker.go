package playback

import (
	"fmt"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/speaker"
)

// SpeakerOutput renders PCM through the system mixer. The speaker is
// initialized lazily on the first Start; an init failure surfaces as an
// error so the player can enter its blocked state.
type SpeakerOutput struct {
	mu    sync.Mutex
	rate  int
	ready bool
}

func NewSpeakerOutput() *SpeakerOutput { return &SpeakerOutput{} }

func (o *SpeakerOutput) Start(pcm []float32, rate int, progress func(played int), done func()) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.ready || o.rate != rate {
		sr := beep.SampleRate(rate)
		if err := speaker.Init(sr, sr.N(time.Second/10)); err != nil {
			o.ready = false
			return fmt.Errorf("speaker init: %w", err)
		}
		o.ready = true
		o.rate = rate
	}

	s := &pcmStreamer{pcm: pcm, progress: progress}
	speaker.Play(beep.Seq(s, beep.Callback(done)))
	return nil
}

// Stop drops everything queued on the mixer. Queued completion callbacks
// are dropped with it, which is exactly what an interrupted track wants.
func (o *SpeakerOutput) Stop() {
	o.mu.Lock()
	ready := o.ready
	o.mu.Unlock()
	if ready {
		speaker.Clear()
	}
}

// pcmStreamer adapts mono PCM to the stereo stream the mixer consumes.
type pcmStreamer struct {
	pcm      []float32
	pos      int
	progress func(played int)
}

func (s *pcmStreamer) Stream(samples [][2]float64) (int, bool) {
	if s.pos >= len(s.pcm) {
		return 0, false
	}
	n := 0
	for i := range samples {
		if s.pos >= len(s.pcm) {
			break
		}
		v := float64(s.pcm[s.pos])
		samples[i][0] = v
		samples[i][1] = v
		s.pos++
		n++
	}
	if s.progress != nil {
		s.progress(s.pos)
	}
	return n, true
}

func (s *pcmStreamer) Err() error { return nil }
