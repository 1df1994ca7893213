package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	cli "github.com/spf13/pflag"

	"gennie/internal/ipc"
)

const usage = `usage: gennie-ctl [flags] <command> [args]

commands:
  open                          start a conversation
  close                         end the conversation
  say <text>                    speak text as the assistant
  status                        print session and wake-word state
  collect <wake|background>     record one wake-word example
  import <wake|background> <f>  add an audio file as an example
  train                         train the wake-word model
  export <file>                 save the examples
  load <file>                   replace the examples and retrain
  reset                         forget the wake-word model
`

func main() {
	socket := cli.StringP("socket", "s", ipc.DefaultSocketPath, "Daemon control socket")
	timeout := cli.DurationP("timeout", "t", 2*time.Minute, "How long to wait for the daemon")
	cli.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		cli.PrintDefaults()
	}
	cli.Parse()

	args := cli.Args()
	if len(args) == 0 {
		cli.Usage()
		os.Exit(2)
	}

	msg := ipc.ControlMessage{Cmd: args[0], Args: args[1:]}

	// The daemon resolves paths from its own working directory.
	if n := pathArg(msg); n >= 0 {
		if abs, err := filepath.Abs(msg.Args[n]); err == nil {
			msg.Args[n] = abs
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	reply, err := ipc.Send(ctx, *socket, msg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "gennie-daemon not running:", err)
		os.Exit(1)
	}

	if !reply.Ok {
		fmt.Fprintln(os.Stderr, "error:", reply.Error)
		os.Exit(1)
	}

	if len(reply.Data) == 0 {
		fmt.Println("ok")
		return
	}

	var out bytes.Buffer
	if err := json.Indent(&out, reply.Data, "", "  "); err != nil {
		fmt.Println(string(reply.Data))
		return
	}
	fmt.Println(out.String())
}

// pathArg returns the index of the file argument of msg, or -1.
func pathArg(msg ipc.ControlMessage) int {
	switch {
	case msg.Cmd == "import" && len(msg.Args) == 2:
		return 1
	case (msg.Cmd == "export" || msg.Cmd == "load") && len(msg.Args) == 1:
		return 0
	default:
		return -1
	}
}
