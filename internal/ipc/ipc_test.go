package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, h Handler) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "ctl.sock")
	srv, err := Listen(path, h)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	return path
}

func TestRoundTrip(t *testing.T) {
	path := serve(t, func(_ context.Context, msg ControlMessage) (any, error) {
		switch msg.Cmd {
		case "status":
			return map[string]string{"state": "listening"}, nil
		case "say":
			return nil, nil
		default:
			return nil, errors.New("unknown command " + msg.Cmd)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reply, err := Send(ctx, path, ControlMessage{Cmd: "status"})
	require.NoError(t, err)
	assert.True(t, reply.Ok)

	var st map[string]string
	require.NoError(t, json.Unmarshal(reply.Data, &st))
	assert.Equal(t, "listening", st["state"])

	reply, err = Send(ctx, path, ControlMessage{Cmd: "say", Args: []string{"hello"}})
	require.NoError(t, err)
	assert.True(t, reply.Ok)
	assert.Empty(t, reply.Data)

	reply, err = Send(ctx, path, ControlMessage{Cmd: "dance"})
	require.NoError(t, err)
	assert.False(t, reply.Ok)
	assert.Equal(t, "unknown command dance", reply.Error)
}

func TestArgsReachHandler(t *testing.T) {
	got := make(chan ControlMessage, 1)
	path := serve(t, func(_ context.Context, msg ControlMessage) (any, error) {
		got <- msg
		return nil, nil
	})

	_, err := Send(context.Background(), path, ControlMessage{Cmd: "import", Args: []string{"wake", "/tmp/a.wav"}})
	require.NoError(t, err)

	assert.Equal(t, ControlMessage{Cmd: "import", Args: []string{"wake", "/tmp/a.wav"}}, <-got)
}

func TestListenReplacesStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctl.sock")

	first, err := Listen(path, nil)
	require.NoError(t, err)
	first.ln.Close()

	second, err := Listen(path, nil)
	require.NoError(t, err)
	second.ln.Close()
}

func TestSendWithoutDaemon(t *testing.T) {
	_, err := Send(context.Background(), filepath.Join(t.TempDir(), "none.sock"), ControlMessage{Cmd: "status"})
	assert.Error(t, err)
}
