// Package router asks the UI router shard to show a page or dashboard tab.
package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	log "log/slog"

	"gennie/internal/intent"
	"gennie/pkg/protocol"
)

var (
	ErrRejected  = errors.New("navigation rejected")
	ErrBadTarget = errors.New("target cannot be sent on the bus")
)

const DefaultShard = "ROUTER"

// Transport is the part of the bus the navigator needs.
type Transport interface {
	TransmitAwait(ctx context.Context, v any, match func(*protocol.Message) bool) (*protocol.Message, error)
}

// Navigator numbers every request, so asking twice for the same target
// produces two distinct events on the router side.
type Navigator struct {
	bus     Transport
	shard   string
	timeout time.Duration
	seq     atomic.Uint64
}

func New(bus Transport, shard string, timeout time.Duration) *Navigator {
	if shard == "" {
		shard = DefaultShard
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Navigator{bus: bus, shard: shard, timeout: timeout}
}

// Navigate sends ROUTER:GO:<TAB|ROUTE>:<target>:<seq> and waits for the
// router's OK or ERR carrying the same sequence number.
func (n *Navigator) Navigate(ctx context.Context, nav intent.Navigation) error {
	if !protocol.IsArg(nav.Target) {
		return fmt.Errorf("%w: %q", ErrBadTarget, nav.Target)
	}

	seq := strconv.FormatUint(n.seq.Add(1), 10)
	msg := protocol.Message{
		To:   n.shard,
		Verb: "GO",
		Noun: nav.Kind.String(),
		Args: []string{nav.Target, seq},
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	reply, err := n.bus.TransmitAwait(ctx, msg, func(m *protocol.Message) bool {
		return strings.EqualFold(m.From, n.shard) && len(m.Args) > 0 && m.Args[len(m.Args)-1] == seq
	})
	if err != nil {
		return fmt.Errorf("navigate %s: %w", nav, err)
	}

	switch reply.Verb {
	case "OK":
		log.Debug("Navigated", "kind", nav.Kind, "target", nav.Target, "seq", seq)
		return nil
	case "ERR":
		return fmt.Errorf("%w: %s %s", ErrRejected, reply.Noun, strings.Join(reply.Args[:len(reply.Args)-1], ":"))
	default:
		return fmt.Errorf("%w: unexpected reply %s", ErrRejected, reply.String())
	}
}
