package intent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type classifyCall struct {
	utterance string
	role      Role
	history   []Entry
}

// scripted replays replies in order; an error entry is returned as is.
type scripted struct {
	mu      sync.Mutex
	replies []any
	calls   []classifyCall
}

func (s *scripted) Classify(_ context.Context, utterance string, role Role, history []Entry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, classifyCall{utterance, role, history})
	if len(s.replies) == 0 {
		return "", errors.New("script exhausted")
	}

	next := s.replies[0]
	s.replies = s.replies[1:]

	if err, ok := next.(error); ok {
		return "", err
	}
	return next.(string), nil
}

func newResolver(c Classifier, svc Services) *Resolver {
	return NewResolver(Config{Classifier: c, Services: svc, RetryBase: time.Millisecond})
}

func TestResolveEmergency(t *testing.T) {
	c := &scripted{replies: []any{"Activating emergency rescue now! ACTION:EMERGENCY"}}
	r := newResolver(c, &fakeServices{})

	res := r.Resolve(context.Background(), "take me to emergency sos", RoleDriver)

	require.NoError(t, res.Err)
	assert.Equal(t, Command{Action: "EMERGENCY"}, res.Command)
	assert.Equal(t, "Activating emergency rescue now!", res.Display)
	assert.Equal(t, "Emergency mode activated! I'm finding rescue help near you right now. Stay safe!", res.Spoken)
	assert.Equal(t, &Navigation{Kind: NavTab, Target: "/dashboard/emergency-rescue"}, res.Nav)
	assert.False(t, res.Closing)
}

func TestResolveConversational(t *testing.T) {
	c := &scripted{replies: []any{"I'm Gennie, your ChargeNet assistant!"}}
	r := newResolver(c, &fakeServices{})

	res := r.Resolve(context.Background(), "what's your name", RoleDriver)

	assert.True(t, res.Command.None())
	assert.Nil(t, res.Nav)
	assert.Equal(t, "I'm Gennie, your ChargeNet assistant!", res.Spoken)
}

func TestResolveUnknownActionFallsBackToReply(t *testing.T) {
	c := &scripted{replies: []any{"Launching! ACTION:LAUNCH_ROCKET:moon"}}
	svc := &fakeServices{}
	r := newResolver(c, svc)

	res := r.Resolve(context.Background(), "launch a rocket", RoleHost)

	assert.Equal(t, "Launching!", res.Spoken)
	assert.Nil(t, res.Nav)
	assert.NoError(t, res.Err)
	assert.Zero(t, svc.mutations())
}

func TestResolveDriverAddCharger(t *testing.T) {
	c := &scripted{replies: []any{"Opening the form! ACTION:ADD_CHARGER"}}
	r := newResolver(c, &fakeServices{})

	res := r.Resolve(context.Background(), "add a charger", RoleDriver)

	assert.Equal(t, "Only hosts can add chargers. Would you like to switch to a host account?", res.Spoken)
	assert.Nil(t, res.Nav)
}

func TestResolveClosingIsIndependentOfAction(t *testing.T) {
	c := &scripted{replies: []any{"Goodbye! ACTION:DASHBOARD", errors.New("boom")}}
	r := newResolver(c, &fakeServices{})

	res := r.Resolve(context.Background(), "goodbye", RoleDriver)
	assert.True(t, res.Closing)
	assert.NotNil(t, res.Nav)

	res = r.Resolve(context.Background(), "ok bye", RoleDriver)
	assert.True(t, res.Closing)
	assert.Equal(t, fallbackReply, res.Spoken)
}

func TestResolveRetriesRateLimits(t *testing.T) {
	limited := fmt.Errorf("%w: 429", ErrRateLimited)
	c := &scripted{replies: []any{limited, limited, limited, "Here you go! ACTION:REWARDS"}}
	r := NewResolver(Config{Classifier: c, Services: &fakeServices{}, RetryBase: 10 * time.Millisecond})

	started := time.Now()
	res := r.Resolve(context.Background(), "show rewards", RoleDriver)

	require.NoError(t, res.Err)
	assert.Equal(t, "/dashboard/rewards", res.Nav.Target)
	assert.Len(t, c.calls, 4)
	assert.GreaterOrEqual(t, time.Since(started), 60*time.Millisecond, "waits 10ms, 20ms, then 30ms")
}

func TestResolveGivesUpAfterThreeRetries(t *testing.T) {
	limited := fmt.Errorf("%w: 429", ErrRateLimited)
	c := &scripted{replies: []any{limited, limited, limited, limited, "too late"}}
	r := newResolver(c, &fakeServices{})

	res := r.Resolve(context.Background(), "show rewards", RoleDriver)

	require.ErrorIs(t, res.Err, ErrRateLimited)
	assert.Equal(t, fallbackReply, res.Spoken)
	assert.Len(t, c.calls, 4)
	assert.Empty(t, r.History(), "failed exchanges are not remembered")
}

func TestResolveDoesNotRetryOtherErrors(t *testing.T) {
	c := &scripted{replies: []any{fmt.Errorf("%w: 500", ErrClassifier), "unused"}}
	r := newResolver(c, &fakeServices{})

	res := r.Resolve(context.Background(), "hello", RoleDriver)

	require.ErrorIs(t, res.Err, ErrClassifier)
	assert.Equal(t, fallbackReply, res.Spoken)
	assert.Len(t, c.calls, 1)
}

func TestResolveCancelledDuringBackoff(t *testing.T) {
	limited := fmt.Errorf("%w: 429", ErrRateLimited)
	c := &scripted{replies: []any{limited, "unused"}}
	r := NewResolver(Config{Classifier: c, Services: &fakeServices{}, RetryBase: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res := r.Resolve(ctx, "hello", RoleDriver)

	require.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.Empty(t, res.Spoken)
}

func TestResolveActionFailure(t *testing.T) {
	c := &scripted{replies: []any{"Booking! ACTION:BOOK_CHARGER:Phoenix Mall"}}
	r := newResolver(c, &fakeServices{err: errors.New("503")})

	res := r.Resolve(context.Background(), "book phoenix mall", RoleDriver)

	require.ErrorIs(t, res.Err, ErrActionFailed)
	assert.Equal(t, actions["BOOK_CHARGER"].apology, res.Spoken)
	assert.Nil(t, res.Nav)
}

func TestHistoryWindow(t *testing.T) {
	c := &scripted{replies: []any{"one", "two", "three", "four"}}
	r := newResolver(c, &fakeServices{})

	for _, u := range []string{"a", "b", "c", "d"} {
		r.Resolve(context.Background(), u, RoleHost)
	}

	assert.Empty(t, c.calls[0].history)
	assert.Len(t, c.calls[1].history, 2)
	assert.Len(t, c.calls[3].history, 6)
	assert.Equal(t, RoleHost, c.calls[3].role)

	h := r.History()
	require.Len(t, h, 6)
	assert.Equal(t, Entry{Speaker: SpeakerUser, Text: "b"}, h[0])
	assert.Equal(t, Entry{Speaker: SpeakerAssistant, Text: "four"}, h[5])

	r.Reset()
	assert.Empty(t, r.History())
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole("host")
	require.NoError(t, err)
	assert.Equal(t, RoleHost, r)

	_, err = ParseRole("admin")
	require.Error(t, err)
}
