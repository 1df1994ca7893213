package audio

import (
	"errors"
	"fmt"
	"sync"

	log "log/slog"
)

var ErrResourceBusy = errors.New("audio resource busy")

// Owner names the subsystem holding the microphone/speaker pair.
type Owner int

const (
	OwnerNone Owner = iota
	OwnerWakeWord
	OwnerCapture
	OwnerPlayback
)

func (o Owner) String() string {
	switch o {
	case OwnerNone:
		return "none"
	case OwnerWakeWord:
		return "wake-word"
	case OwnerCapture:
		return "capture"
	case OwnerPlayback:
		return "playback"
	default:
		return fmt.Sprintf("owner(%d)", int(o))
	}
}

// Arbiter hands the audio device to one subsystem at a time.
type Arbiter struct {
	mu    sync.Mutex
	owner Owner
}

func NewArbiter() *Arbiter { return &Arbiter{} }

// Acquire succeeds when the device is free or already held by o.
func (a *Arbiter) Acquire(o Owner) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.owner {
	case o:
		return nil
	case OwnerNone:
		log.Debug("Audio device acquired", "owner", o)
		a.owner = o
		return nil
	default:
		return fmt.Errorf("%w: held by %s", ErrResourceBusy, a.owner)
	}
}

// Release frees the device if o holds it.
func (a *Arbiter) Release(o Owner) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.owner == o {
		log.Debug("Audio device released", "owner", o)
		a.owner = OwnerNone
	}
}

func (a *Arbiter) Owner() Owner {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.owner
}
