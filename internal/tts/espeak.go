// Package tts renders text through the local espeak-ng engine. It needs no
// network and is the fallback voice when synthesis in the cloud fails.
package tts

/*
#cgo LDFLAGS: -lespeak-ng
#include <stdlib.h>
#include <string.h>
#include <espeak-ng/speak_lib.h>

extern int goSynthCallback(short *wav, int numsamples, espeak_EVENT *events);

static int
espeak_init(void)
{
	return espeak_Initialize(AUDIO_OUTPUT_SYNCHRONOUS, 0, NULL, 0);
}

static int
espeak_render(const char *text, const char *lang, int rate)
{
	if (!text || !lang)
	{ return -1; }

	espeak_VOICE specs;
	memset(&specs, 0, sizeof(specs));
	specs.languages = lang;
	espeak_SetVoiceByProperties(&specs);
	espeak_SetParameter(espeakRATE, rate, 0);
	espeak_SetSynthCallback(goSynthCallback);

	return espeak_Synth(text, strlen(text) + 1, 0, POS_CHARACTER, 0, espeakCHARS_AUTO, NULL, NULL);
}
*/
import "C"

import (
	"context"
	"fmt"
	"sync"
	"unsafe"
)

// Espeak voices text in one language. espeak-ng keeps global state, so
// renders are serialised.
type Espeak struct {
	Lang string
	// Rate in words per minute.
	Rate int
}

// render collects the samples of the synthesis in progress. The callback
// runs on the goroutine holding mu, inside espeak_Synth.
type render struct {
	ctx context.Context
	pcm []float32
}

var (
	mu     sync.Mutex
	active *render

	initOnce   sync.Once
	sampleRate int
	initErr    error
)

func NewEspeak(lang string) *Espeak {
	if lang == "" {
		lang = "en"
	}
	return &Espeak{Lang: lang, Rate: 170}
}

// Render synthesises text into mono pcm at the returned sample rate.
// Cancelling ctx aborts synthesis at the next sample block.
func (e *Espeak) Render(ctx context.Context, text string) ([]float32, int, error) {
	if text == "" {
		return nil, 0, nil
	}

	initOnce.Do(func() {
		rate := int(C.espeak_init())
		if rate <= 0 {
			initErr = fmt.Errorf("espeak_Initialize failed: %d", rate)
			return
		}
		sampleRate = rate
	})
	if initErr != nil {
		return nil, 0, initErr
	}

	ctext := C.CString(text)
	defer C.free(unsafe.Pointer(ctext))
	clang := C.CString(e.Lang)
	defer C.free(unsafe.Pointer(clang))

	mu.Lock()
	r := &render{ctx: ctx}
	active = r
	rc := C.espeak_render(ctext, clang, C.int(e.Rate))
	active = nil
	mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	if rc != 0 {
		return nil, 0, fmt.Errorf("espeak_Synth failed: %d", int(rc))
	}

	return r.pcm, sampleRate, nil
}
