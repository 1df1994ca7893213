package intent

import (
	"context"
	"errors"
	"sync"
	"time"

	log "log/slog"
)

const (
	Greeting = "Hi! I'm Gennie, your ChargeNet assistant. How can I help you?"

	fallbackReply = "I'm having trouble connecting right now. Could you try again?"

	historyLimit = 6
	maxRetries   = 3
)

// Result is everything the conversation needs from one utterance.
type Result struct {
	// Spoken is said aloud and logged as the assistant's message.
	Spoken string
	// Display is the classifier reply with its token removed.
	Display string
	Nav     *Navigation
	// Closing is set when the utterance asked to end the conversation.
	Closing bool
	Command Command
	// Err is a failure already turned into a spoken fallback.
	Err error
}

type Config struct {
	Classifier Classifier
	Services   Services
	// RetryBase scales the wait before each rate limit retry: one, two,
	// then three times RetryBase.
	RetryBase time.Duration
}

func DefaultConfig() Config {
	return Config{RetryBase: 5 * time.Second}
}

// Resolver owns the classifier history of one conversation.
type Resolver struct {
	cfg Config

	mu      sync.Mutex
	history []Entry
}

func NewResolver(cfg Config) *Resolver {
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultConfig().RetryBase
	}
	return &Resolver{cfg: cfg}
}

// Resolve never fails: classifier and action errors are reported in
// Result.Err with a fallback already in Result.Spoken. A cancelled ctx
// yields an empty Spoken.
func (r *Resolver) Resolve(ctx context.Context, utterance string, role Role) Result {
	res := Result{Closing: IsClosing(utterance)}

	reply, err := r.classify(ctx, utterance, role, r.History())
	if err != nil {
		res.Err = err
		if ctx.Err() == nil {
			log.Error("Failed to classify", "err", err)
			res.Spoken = fallbackReply
			res.Display = fallbackReply
		}
		return res
	}

	r.remember(utterance, reply)

	res.Command = ParseCommand(reply)
	res.Display = StripCommand(reply)
	res.Spoken = res.Display

	if res.Command.None() {
		return res
	}

	out, ok, err := Execute(ctx, r.cfg.Services, role, res.Command)
	if !ok {
		log.Warn("Unknown action", "action", res.Command.Action)
		return res
	}
	if err != nil {
		log.Error("Failed to execute action", "action", res.Command.Action, "err", err)
		res.Err = err
	}

	if out.Spoken != "" {
		res.Spoken = out.Spoken
	}
	res.Nav = out.Nav

	log.Debug("Resolved", "action", res.Command.Action, "value", res.Command.Value, "nav", res.Nav)

	return res
}

func (r *Resolver) classify(ctx context.Context, utterance string, role Role, history []Entry) (string, error) {
	for attempt := 0; ; attempt++ {
		reply, err := r.cfg.Classifier.Classify(ctx, utterance, role, history)
		if err == nil {
			return reply, nil
		}
		if !errors.Is(err, ErrRateLimited) || attempt >= maxRetries {
			return "", err
		}

		wait := r.cfg.RetryBase * time.Duration(attempt+1)
		log.Warn("Classifier rate limited, retrying", "in", wait, "left", maxRetries-attempt)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		case <-t.C:
		}
	}
}

func (r *Resolver) remember(utterance, reply string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.history = append(r.history,
		Entry{Speaker: SpeakerUser, Text: utterance},
		Entry{Speaker: SpeakerAssistant, Text: reply},
	)
	if n := len(r.history); n > historyLimit {
		r.history = append([]Entry(nil), r.history[n-historyLimit:]...)
	}
}

// History returns a copy of the retained exchanges, oldest first.
func (r *Resolver) History() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.history...)
}

// Reset forgets the conversation.
func (r *Resolver) Reset() {
	r.mu.Lock()
	r.history = nil
	r.mu.Unlock()
}
