// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ctlplane

import (
	"context"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flowguard/internal/flow"
	"grimm.is/flowguard/internal/logging"
	"grimm.is/flowguard/internal/protocol"
)

type recordingHandler struct {
	mu   sync.Mutex
	cmds []protocol.Command
	got  chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{got: make(chan struct{}, 16)}
}

func (h *recordingHandler) HandleCommand(cmd protocol.Command) error {
	h.mu.Lock()
	h.cmds = append(h.cmds, cmd)
	h.mu.Unlock()
	h.got <- struct{}{}
	return nil
}

func (h *recordingHandler) wait(t *testing.T) protocol.Command {
	t.Helper()
	select {
	case <-h.got:
	case <-time.After(2 * time.Second):
		t.Fatal("no command received")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cmds[len(h.cmds)-1]
}

func socketPath(t *testing.T) string {
	t.Helper()
	// Unix socket paths are limited in length, keep it short.
	dir, err := os.MkdirTemp("", "fg")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "ctl.sock")
}

func startServer(t *testing.T, q *Queue, h CommandHandler) (*Server, string) {
	t.Helper()
	path := socketPath(t)
	srv := NewServer(path, q, h, logging.New(logging.Config{Level: logging.LevelError, Output: io.Discard}))
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Close() })
	return srv, path
}

func TestServer_RequestVerdictRoundTrip(t *testing.T) {
	q := NewQueue(16)
	h := newRecordingHandler()
	srv, path := startServer(t, q, h)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Dial(ctx, path)
	require.NoError(t, err)
	defer client.Close()

	req := protocol.Connection{
		ID: 7, ProcessID: 1234, Protocol: flow.ProtocolTCP, Direction: flow.Outbound,
		Local:  netip.MustParseAddrPort("10.0.0.2:51000"),
		Remote: netip.MustParseAddrPort("93.184.216.34:443"),
	}
	require.NoError(t, q.Push(req))

	info, err := client.ReadInfo()
	require.NoError(t, err)
	assert.Equal(t, req, info)
	assert.NotEmpty(t, srv.SessionID())

	require.NoError(t, client.Verdict(7, 2))
	assert.Equal(t, protocol.Verdict{ID: 7, Verdict: 2}, h.wait(t))
}

func TestServer_SingleSession(t *testing.T) {
	q := NewQueue(16)
	_, path := startServer(t, q, newRecordingHandler())

	ctx := context.Background()
	first, err := Dial(ctx, path)
	require.NoError(t, err)
	defer first.Close()

	// Make sure the first session is attached before dialing again.
	require.NoError(t, q.Push(protocol.LogLine{Line: "hello"}))
	_, err = first.ReadInfo()
	require.NoError(t, err)

	second, err := Dial(ctx, path)
	require.NoError(t, err)
	defer second.Close()
	_, err = second.ReadInfo()
	assert.Error(t, err, "second client must be disconnected")
}

func TestServer_RundownEndsSession(t *testing.T) {
	q := NewQueue(16)
	_, path := startServer(t, q, newRecordingHandler())

	client, err := Dial(context.Background(), path)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, q.Push(protocol.LogLine{Line: "x"}))
	_, err = client.ReadInfo()
	require.NoError(t, err)

	q.Rundown()
	_, err = client.ReadInfo()
	assert.Error(t, err)
}

func TestClient_Answer(t *testing.T) {
	q := NewQueue(16)
	h := newRecordingHandler()
	_, path := startServer(t, q, h)

	client, err := Dial(context.Background(), path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var observed []protocol.Info
	var mu sync.Mutex
	done := make(chan error, 1)
	go func() {
		done <- client.Answer(ctx, func(c protocol.Connection) uint8 {
			if c.Remote.Port() == 53 {
				return 8
			}
			return 2
		}, func(info protocol.Info) {
			mu.Lock()
			observed = append(observed, info)
			mu.Unlock()
		})
	}()

	require.NoError(t, q.Push(protocol.Connection{
		ID: 1, Protocol: flow.ProtocolUDP,
		Local:  netip.MustParseAddrPort("10.0.0.2:5000"),
		Remote: netip.MustParseAddrPort("8.8.8.8:53"),
	}))
	assert.Equal(t, protocol.Verdict{ID: 1, Verdict: 8}, h.wait(t))

	// Informational events are observed but never answered.
	require.NoError(t, q.Push(protocol.Connection{
		Protocol: flow.ProtocolICMP,
		Local:    netip.MustParseAddrPort("10.0.0.2:0"),
		Remote:   netip.MustParseAddrPort("10.0.0.1:0"),
	}))
	require.NoError(t, q.Push(protocol.Connection{
		ID: 2, Protocol: flow.ProtocolTCP,
		Local:  netip.MustParseAddrPort("10.0.0.2:40000"),
		Remote: netip.MustParseAddrPort("1.1.1.1:443"),
	}))
	assert.Equal(t, protocol.Verdict{ID: 2, Verdict: 2}, h.wait(t))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Answer did not return")
	}
	mu.Lock()
	assert.Len(t, observed, 3)
	mu.Unlock()
}
