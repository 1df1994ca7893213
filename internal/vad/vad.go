// Package vad turns a stream of volume samples into debounced speech-start
// and speech-end events.
package vad

import (
	"time"
)

const (
	DefaultThreshold       = 15.0
	DefaultSpeechDuration  = 300 * time.Millisecond
	DefaultSilenceDuration = 1500 * time.Millisecond
)

// Config holds the detector thresholds. Volume is on the 0..100 scale
// produced by audio.Volume.
type Config struct {
	Threshold       float64
	SpeechDuration  time.Duration // sustained loudness before speech starts
	SilenceDuration time.Duration // sustained quiet before speech ends
}

func DefaultConfig() Config {
	return Config{
		Threshold:       DefaultThreshold,
		SpeechDuration:  DefaultSpeechDuration,
		SilenceDuration: DefaultSilenceDuration,
	}
}

// EventType is the kind of transition reported by Process.
type EventType int

const (
	EventNone EventType = iota
	EventSpeechStart
	EventSpeechEnd
)

func (e EventType) String() string {
	switch e {
	case EventSpeechStart:
		return "speech-start"
	case EventSpeechEnd:
		return "speech-end"
	default:
		return "none"
	}
}

type Event struct {
	Type   EventType
	At     time.Time
	Volume float64
}

// Detector is a two-state machine (quiet, speaking) with independent
// candidate timers for each transition. It is not safe for concurrent use.
type Detector struct {
	cfg Config

	speaking     bool
	speechSince  time.Time
	silenceSince time.Time

	// OnVolume, when set, sees every sample before it is evaluated.
	OnVolume func(volume float64)

	OnSpeechStart func(at time.Time)
	OnSpeechEnd   func(at time.Time)
}

func New(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.SpeechDuration <= 0 {
		cfg.SpeechDuration = def.SpeechDuration
	}
	if cfg.SilenceDuration <= 0 {
		cfg.SilenceDuration = def.SilenceDuration
	}

	return &Detector{cfg: cfg}
}

// Process feeds one sample taken at now. At most one transition is
// reported per sample.
func (d *Detector) Process(volume float64, now time.Time) Event {
	if d.OnVolume != nil {
		d.OnVolume(volume)
	}

	ev := Event{Type: EventNone, At: now, Volume: volume}
	loud := volume > d.cfg.Threshold

	if !d.speaking {
		if !loud {
			d.speechSince = time.Time{}
			return ev
		}

		if d.speechSince.IsZero() {
			d.speechSince = now
		}
		if now.Sub(d.speechSince) < d.cfg.SpeechDuration {
			return ev
		}

		d.speaking = true
		d.speechSince = time.Time{}
		d.silenceSince = time.Time{}
		ev.Type = EventSpeechStart

		if d.OnSpeechStart != nil {
			d.OnSpeechStart(now)
		}

		return ev
	}

	if loud {
		d.silenceSince = time.Time{}
		return ev
	}

	if d.silenceSince.IsZero() {
		d.silenceSince = now
	}
	if now.Sub(d.silenceSince) < d.cfg.SilenceDuration {
		return ev
	}

	d.speaking = false
	d.speechSince = time.Time{}
	d.silenceSince = time.Time{}
	ev.Type = EventSpeechEnd

	if d.OnSpeechEnd != nil {
		d.OnSpeechEnd(now)
	}

	return ev
}

// Speaking reports whether the last transition was a speech start.
func (d *Detector) Speaking() bool {
	return d.speaking
}

func (d *Detector) Reset() {
	d.speaking = false
	d.speechSince = time.Time{}
	d.silenceSince = time.Time{}
}
