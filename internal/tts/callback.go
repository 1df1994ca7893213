package tts

/*
#include <espeak-ng/speak_lib.h>
*/
import "C"

import "unsafe"

// goSynthCallback receives each block of 16-bit samples. Returning 1 asks
// espeak to stop.
//
//export goSynthCallback
func goSynthCallback(wav *C.short, numsamples C.int, events *C.espeak_EVENT) C.int {
	r := active
	if r == nil || r.ctx.Err() != nil {
		return 1
	}
	if wav == nil || numsamples <= 0 {
		return 0
	}

	for _, s := range unsafe.Slice((*int16)(unsafe.Pointer(wav)), int(numsamples)) {
		r.pcm = append(r.pcm, float32(s)/32768)
	}
	return 0
}
