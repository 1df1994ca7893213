// Package ipc is the local control channel between gennie-ctl and the
// daemon: one JSON request and one JSON reply per unix socket connection.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	log "log/slog"
)

const DefaultSocketPath = "/tmp/gennie.sock"

type ControlMessage struct {
	Cmd  string   `json:"cmd"`
	Args []string `json:"args,omitempty"`
}

type Reply struct {
	Ok    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Handler answers one control message. A returned error becomes a failed
// Reply; data is marshalled into Reply.Data.
type Handler func(ctx context.Context, msg ControlMessage) (data any, err error)

type Server struct {
	path    string
	handler Handler
	ln      net.Listener
}

// Listen replaces any stale socket at path and starts listening.
func Listen(path string, handler Handler) (*Server, error) {
	if path == "" {
		path = DefaultSocketPath
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	return &Server{path: path, handler: handler, ln: ln}, nil
}

func (s *Server) Path() string { return s.path }

// Serve accepts connections until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()
	defer os.Remove(s.path)

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("Failed to accept control connection", "err", err)
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var msg ControlMessage
	if err := json.NewDecoder(conn).Decode(&msg); err != nil {
		log.Warn("Failed to decode control message", "err", err)
		return
	}

	log.Debug("Control message", "cmd", msg.Cmd, "args", msg.Args)

	reply := Reply{Ok: true}
	data, err := s.handler(ctx, msg)
	if err != nil {
		reply = Reply{Error: err.Error()}
	} else if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			reply = Reply{Error: fmt.Sprintf("encode reply: %v", err)}
		} else {
			reply.Data = raw
		}
	}

	if err := json.NewEncoder(conn).Encode(reply); err != nil {
		log.Warn("Failed to write control reply", "cmd", msg.Cmd, "err", err)
	}
}

// Send delivers one command and waits for the reply.
func Send(ctx context.Context, path string, msg ControlMessage) (Reply, error) {
	if path == "" {
		path = DefaultSocketPath
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return Reply{}, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(time.Minute))
	}

	if err := json.NewEncoder(conn).Encode(msg); err != nil {
		return Reply{}, fmt.Errorf("send: %w", err)
	}

	var reply Reply
	if err := json.NewDecoder(conn).Decode(&reply); err != nil {
		return Reply{}, fmt.Errorf("read reply: %w", err)
	}

	return reply, nil
}
