// Package protocol implements the colon-separated shard bus used to
// address the UI router and other peers:
//
//	TO:VERB:NOUN[:ARG...]:FROM
package protocol

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
)

var ErrNoReply = errors.New("no reply")

type PtclConfig struct {
	Shard   string
	Url     string
	Reconn  uint
	Timeout time.Duration
	EmitOut func(*Message)
}

type Protocol struct {
	ws *WebSocket

	shard string

	waiterMu sync.Mutex
	waiter   *waiter

	emitOut func(*Message)
}

type waiter struct {
	ch    chan *Message
	match func(*Message) bool
}

func NewProtocol(ctx context.Context, cfg PtclConfig) (*Protocol, error) {
	ws, err := NewWebSocket(ctx, cfg.Url, cfg.Reconn, cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("connect bus: %w", err)
	}

	return &Protocol{
		shard:   cfg.Shard,
		ws:      ws,
		emitOut: cfg.EmitOut,
	}, nil
}

func (ptcl *Protocol) Shard() string { return ptcl.shard }

func (ptcl *Protocol) EmitOut(f func(*Message)) {
	ptcl.emitOut = f
}

// TransmitAwait sends v and waits for the first incoming message accepted
// by match. Messages that do not match keep flowing to EmitOut.
func (ptcl *Protocol) TransmitAwait(ctx context.Context, v any, match func(*Message) bool) (*Message, error) {
	w := ptcl.installWaiter(match)
	defer ptcl.clearWaiter(w)

	if err := ptcl.Transmit(v); err != nil {
		return nil, err
	}

	select {
	case msg := <-w.ch:
		return msg, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrNoReply, ctx.Err())
	}
}

// TransmitReceive sends v and returns the next message addressed to us.
func (ptcl *Protocol) TransmitReceive(ctx context.Context, v any) (*Message, error) {
	return ptcl.TransmitAwait(ctx, v, nil)
}

func (ptcl *Protocol) Transmit(v any) error {
	var msg string

	switch m := v.(type) {
	case Message:
		m.From = ptcl.shard
		msg = m.String()
	case *Message:
		c := *m
		c.From = ptcl.shard
		msg = c.String()
	case string:
		msg = m + ":" + ptcl.shard
	case []string:
		msg = strings.Join(m, ":") + ":" + ptcl.shard
	default:
		return fmt.Errorf("unsupported message type %T", v)
	}

	if err := ptcl.ws.Write([]byte(msg)); err != nil {
		log.Error("Failed to transmit", "msg", msg, "err", err)
		return err
	}

	return nil
}

// Run reads the bus until ctx is cancelled, reconnecting on close.
func (ptcl *Protocol) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { ptcl.ws.Close() })
	defer stop()

	for {
		in := ptcl.ws.Read()
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch in.kind {
		case CONN_CLOSE, READ_FAILURE:
			log.Warn("Bus connection lost, reconnecting", "url", ptcl.ws.url, "err", in.err)
			if err := ptcl.ws.TryReconn(ctx); err != nil {
				return err
			}
			log.Info("Reconnected to bus")

		case READ_OK:
			if !ptcl.checkRecipient(in.msg) {
				continue
			}

			msg, err := Parse(string(in.msg))
			if err != nil {
				log.Warn("Failed to parse", "msg", string(in.msg), "err", err)
				continue
			}

			ptcl.dispatch(msg)
		}
	}
}

func (ptcl *Protocol) dispatch(msg *Message) {
	ptcl.waiterMu.Lock()
	w := ptcl.waiter
	if w != nil && (w.match == nil || w.match(msg)) {
		ptcl.waiter = nil
		ptcl.waiterMu.Unlock()
		w.ch <- msg
		return
	}
	ptcl.waiterMu.Unlock()

	if ptcl.emitOut != nil {
		ptcl.emitOut(msg)
	}
}

func (ptcl *Protocol) installWaiter(match func(*Message) bool) *waiter {
	ptcl.waiterMu.Lock()
	defer ptcl.waiterMu.Unlock()
	ptcl.waiter = &waiter{ch: make(chan *Message, 1), match: match}
	return ptcl.waiter
}

func (ptcl *Protocol) clearWaiter(w *waiter) {
	ptcl.waiterMu.Lock()
	defer ptcl.waiterMu.Unlock()
	if ptcl.waiter == w {
		ptcl.waiter = nil
	}
}

func (ptcl *Protocol) checkRecipient(msg []byte) bool {
	to, _, _ := strings.Cut(string(msg), ":")
	return to == ptcl.shard || to == "ALL"
}

func Parse(line string) (*Message, error) {
	s := strings.TrimSpace(line)
	if s == "" {
		return nil, errors.New("empty message")
	}
	if strings.ContainsAny(s, " \t\r\n") {
		// frames are single-line
		return nil, errors.New("invalid whitespace present")
	}

	parts := strings.Split(s, ":")
	if len(parts) < 4 {
		return nil, fmt.Errorf("too few fields: got %d, want >= 4", len(parts))
	}

	to := parts[0]
	verb := parts[1]
	noun := parts[2]
	from := parts[len(parts)-1]
	args := append([]string(nil), parts[3:len(parts)-1]...)

	if !isToken(to) && !isHexID(to) && to != "ALL" {
		return nil, fmt.Errorf("invalid TO token: %q", to)
	}
	if !isToken(from) && !isHexID(from) {
		return nil, fmt.Errorf("invalid FROM token: %q", from)
	}
	if !isToken(noun) || !isToken(verb) {
		return nil, fmt.Errorf("invalid NOUN/VERB: %q %q", noun, verb)
	}
	for i, a := range args {
		if !IsArg(a) {
			return nil, fmt.Errorf("invalid ARG[%d]: %q", i, a)
		}
	}

	return &Message{
		To:   to,
		Verb: strings.ToUpper(verb),
		Noun: strings.ToUpper(noun),
		Args: args,
		From: from,
	}, nil
}

var (
	tokenRe = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
	argRe   = regexp.MustCompile(`^[A-Za-z0-9_.\-/?&=%+~]+$`)
	hexIDRe = regexp.MustCompile(`^[0-9A-F]{2}$`)
)

func isToken(s string) bool {
	return tokenRe.MatchString(s)
}

// IsArg reports whether s can travel as an argument. Arguments may carry
// URL paths and query strings, but never colons or whitespace.
func IsArg(s string) bool {
	return argRe.MatchString(s)
}

func isHexID(s string) bool {
	return hexIDRe.MatchString(strings.ToUpper(s))
}

type Message struct {
	To   string
	Verb string
	Noun string
	Args []string
	From string
}

func (m *Message) String() string {
	parts := make([]string, 0, 4+len(m.Args))
	parts = append(parts, m.To, m.Verb, m.Noun)
	parts = append(parts, m.Args...)
	parts = append(parts, m.From)
	return strings.Join(parts, ":")
}

// Reply addresses a response back to the sender of m.
func (m *Message) Reply() Message {
	return Message{To: m.From}
}

func (m *Message) Error(reason string, args ...string) {
	m.Verb = "ERR"
	m.Noun = reason
	m.Args = args
}

func (m *Message) Ok(reason string, args ...string) {
	m.Verb = "OK"
	m.Noun = reason
	m.Args = args
}
