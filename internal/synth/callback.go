package synth

/*
#include <espeak-ng/speak_lib.h>
*/
import "C"

import (
	"sync"
	"unsafe"
)

// Shared engine state; espeak-ng is a singleton, so synthesis is serialized
// under mu and the callback appends into the buffer of the current call.
var (
	mu       sync.Mutex
	rate     int
	ready    bool
	captured []int16
)

//export bloomSynthCallback
func bloomSynthCallback(wav *C.short, numsamples C.int, events *C.espeak_EVENT) C.int {
	if wav != nil && numsamples > 0 {
		buf := unsafe.Slice((*int16)(unsafe.Pointer(wav)), int(numsamples))
		captured = append(captured, buf...)
	}
	return 0
}
