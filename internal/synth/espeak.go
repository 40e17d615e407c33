// Package synth produces speech PCM locally with espeak-ng. It is the
// fallback voice for agent turns whose server-rendered audio is missing or
// undecodable.
package synth

/*
#cgo LDFLAGS: -lespeak-ng
#include <stdlib.h>
#include <espeak-ng/speak_lib.h>

extern int bloomSynthCallback(short *wav, int numsamples, espeak_EVENT *events);

static int
bloom_espeak_init(void)
{
	int rate = espeak_Initialize(AUDIO_OUTPUT_RETRIEVAL, 0, NULL, 0);
	if (rate < 0)
	{ return rate; }

	espeak_SetSynthCallback(bloomSynthCallback);
	return rate;
}
*/
import "C"

import (
	"errors"
	"fmt"
	"unsafe"
)

// ESpeak synthesizes text with espeak-ng. The library keeps global state,
// so all instances share one lock and one lazy initialization.
type ESpeak struct {
	Voice string // espeak voice name, default "en"
}

// Synthesize renders text to mono PCM at the engine's native rate.
func (e ESpeak) Synthesize(text string) ([]float32, int, error) {
	if text == "" {
		return nil, 0, errors.New("synth: empty text")
	}

	mu.Lock()
	defer mu.Unlock()

	if !ready {
		r := int(C.bloom_espeak_init())
		if r < 0 {
			return nil, 0, fmt.Errorf("synth: espeak init failed: %d", r)
		}
		rate = r
		ready = true
	}

	voice := e.Voice
	if voice == "" {
		voice = "en"
	}
	cvoice := C.CString(voice)
	defer C.free(unsafe.Pointer(cvoice))
	if st := C.espeak_SetVoiceByName(cvoice); st != C.EE_OK {
		return nil, 0, fmt.Errorf("synth: set voice %q failed: %d", voice, int(st))
	}

	ctext := C.CString(text)
	defer C.free(unsafe.Pointer(ctext))

	captured = captured[:0]
	st := C.espeak_Synth(unsafe.Pointer(ctext), C.size_t(len(text)+1),
		0, C.POS_CHARACTER, 0, C.espeakCHARS_UTF8, nil, nil)
	if st != C.EE_OK {
		return nil, 0, fmt.Errorf("synth: espeak_Synth failed: %d", int(st))
	}
	C.espeak_Synchronize()

	if len(captured) == 0 {
		return nil, 0, errors.New("synth: no audio produced")
	}

	pcm := make([]float32, len(captured))
	for i, v := range captured {
		pcm[i] = float32(v) / 32768.0
	}
	return pcm, rate, nil
}
