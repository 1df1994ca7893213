// gennie-nav is a stand-in for the UI router: it joins the hub as the
// router shard, logs every navigation request and acknowledges it.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	cli "github.com/spf13/pflag"

	"github.com/lmittmann/tint"
	log "log/slog"

	"gennie/internal/router"
	"gennie/pkg/protocol"
)

func main() {
	url := cli.StringP("url", "u", "ws://localhost:8092/ws", "Url of hub")
	shard := cli.StringP("shard", "s", router.DefaultShard, "Shard name to answer as")
	debug := cli.BoolP("debug", "d", false, "Debug logging")
	cli.Parse()

	level := log.LevelInfo
	if *debug {
		level = log.LevelDebug
	}
	log.SetDefault(log.New(tint.NewHandler(os.Stdout, &tint.Options{Level: level})))

	if env := os.Getenv("BUS_URL"); env != "" && !cli.CommandLine.Changed("url") {
		*url = env
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Starting router shard", "shard", *shard, "url", *url)

	ptcl, err := protocol.NewProtocol(ctx, protocol.PtclConfig{
		Shard:   *shard,
		Url:     *url,
		Reconn:  5,
		Timeout: 5 * time.Second,
	})
	if err != nil {
		log.Error("Failed to connect to bus", "err", err)
		os.Exit(1)
	}

	loc := &location{}
	ptcl.EmitOut(func(m *protocol.Message) {
		reply := loc.handle(m)
		if err := ptcl.Transmit(reply); err != nil {
			log.Error("Failed to reply", "to", reply.To, "err", err)
		}
	})

	if err := ptcl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Bus failed", "err", err)
		os.Exit(1)
	}
}

// location tracks where the UI would be after each request.
type location struct {
	current string
}

// handle answers GO:<ROUTE|TAB>:<target>:<seq> with OK:<kind>:<target>:<seq>
// and anything else with ERR carrying the request's last argument, so the
// sender can still match the reply.
func (l *location) handle(m *protocol.Message) protocol.Message {
	reply := m.Reply()

	var seq string
	if len(m.Args) > 0 {
		seq = m.Args[len(m.Args)-1]
	}

	switch {
	case m.Verb != "GO":
		reply.Error("VERB", seq)
	case m.Noun != "ROUTE" && m.Noun != "TAB":
		reply.Error("KIND", seq)
	case len(m.Args) != 2:
		reply.Error("ARGS", seq)
	default:
		l.current = m.Args[0]
		log.Info("Navigate", "kind", m.Noun, "target", l.current, "seq", seq, "from", m.From)
		reply.Ok(m.Noun, m.Args...)
	}

	return reply
}
