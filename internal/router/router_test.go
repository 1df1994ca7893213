package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gennie/internal/intent"
	"gennie/pkg/protocol"
)

// fakeBus answers every request with the router's reply for it, preceded by
// stray traffic the navigator must ignore.
type fakeBus struct {
	mu   sync.Mutex
	sent []string
	verb string
}

func (b *fakeBus) TransmitAwait(ctx context.Context, v any, match func(*protocol.Message) bool) (*protocol.Message, error) {
	msg := v.(protocol.Message)
	msg.From = "GENNIE"

	b.mu.Lock()
	b.sent = append(b.sent, msg.String())
	verb := b.verb
	b.mu.Unlock()

	if verb == "" {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	seq := msg.Args[len(msg.Args)-1]
	for _, m := range []*protocol.Message{
		{To: "GENNIE", Verb: "OK", Noun: "NAV", Args: []string{"999"}, From: "ROUTER"},
		{To: "GENNIE", Verb: "OK", Noun: "NAV", Args: []string{seq}, From: "LAMP"},
		{To: "GENNIE", Verb: verb, Noun: "NAV", Args: []string{"unknown-tab", seq}, From: "ROUTER"},
	} {
		if match(m) {
			return m, nil
		}
	}
	return nil, protocol.ErrNoReply
}

func TestNavigateSendsDistinctRequests(t *testing.T) {
	bus := &fakeBus{verb: "OK"}
	n := New(bus, "", time.Second)

	nav := intent.Navigation{Kind: intent.NavTab, Target: "/dashboard/emergency-rescue"}
	require.NoError(t, n.Navigate(context.Background(), nav))
	require.NoError(t, n.Navigate(context.Background(), nav))
	require.NoError(t, n.Navigate(context.Background(), intent.Navigation{Kind: intent.NavRoute, Target: "/chargers?trip=1&start=New+Delhi"}))

	assert.Equal(t, []string{
		"ROUTER:GO:TAB:/dashboard/emergency-rescue:1:GENNIE",
		"ROUTER:GO:TAB:/dashboard/emergency-rescue:2:GENNIE",
		"ROUTER:GO:ROUTE:/chargers?trip=1&start=New+Delhi:3:GENNIE",
	}, bus.sent)
}

func TestNavigateRejected(t *testing.T) {
	n := New(&fakeBus{verb: "ERR"}, "ROUTER", time.Second)

	err := n.Navigate(context.Background(), intent.Navigation{Kind: intent.NavTab, Target: "/dashboard/nowhere"})
	require.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "unknown-tab")
}

func TestNavigateTimeout(t *testing.T) {
	n := New(&fakeBus{}, "ROUTER", 10*time.Millisecond)

	err := n.Navigate(context.Background(), intent.Navigation{Kind: intent.NavRoute, Target: "/profile"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNavigateRefusesUnsendableTarget(t *testing.T) {
	bus := &fakeBus{verb: "OK"}
	n := New(bus, "ROUTER", time.Second)

	err := n.Navigate(context.Background(), intent.Navigation{Kind: intent.NavRoute, Target: "/booking/a:b"})
	require.ErrorIs(t, err, ErrBadTarget)
	assert.Empty(t, bus.sent)
}
