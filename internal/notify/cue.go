// Package notify plays short UI cues through the shared speaker.
package notify

import (
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/generators"
	"github.com/faiface/beep/speaker"
)

const cueRate = beep.SampleRate(24000)

var (
	initOnce sync.Once
	initErr  error

	// Seams for tests; production uses the beep speaker directly.
	speakerInit = func() error { return speaker.Init(cueRate, cueRate.N(time.Second/10)) }
	speakerPlay = func(s ...beep.Streamer) { speaker.Play(s...) }
)

// RecordCue marks the microphone going live.
func RecordCue() error { return tone(880, 120*time.Millisecond) }

// SendCue marks a voice message going out.
func SendCue() error { return tone(440, 90*time.Millisecond) }

func tone(freq int, dur time.Duration) error {
	s, err := generators.SinTone(cueRate, freq)
	if err != nil {
		return err
	}

	// speaker.Init restarts the device and drops whatever is queued, so it
	// runs at most once here. Later cues mix into the live stream instead
	// of cutting off agent speech.
	initOnce.Do(func() { initErr = speakerInit() })
	if initErr != nil {
		return initErr
	}

	done := make(chan struct{})
	speakerPlay(beep.Seq(beep.Take(cueRate.N(dur), s), beep.Callback(func() {
		close(done)
	})))
	<-done
	return nil
}
