package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securemsg/client"
	"securemsg/secure"
)

// pipeSession returns a signed-in session for username whose channel ends in
// an unbuffered pipe, so every frame it sends waits for the test to read it.
func pipeSession(t *testing.T, srv *Server, username string) (*Session, *client.Client) {
	t.Helper()

	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() {
		serverConn.Close()
		clientConn.Close()
	})

	s := newSession(srv, &Slot{ID: 0}, serverConn)
	s.username = username

	handshake := make(chan error, 1)
	go func() {
		ch, err := secure.ServerHandshake(serverConn, srv.params)
		s.ch = ch
		handshake <- err
	}()

	c, err := client.New(clientConn)
	require.NoError(t, err)
	require.NoError(t, <-handshake)
	return s, c
}

func TestOutboundRunsFullPassAfterStop(t *testing.T) {
	srv, _ := setupTestServer(t, 2)
	ctx := context.Background()

	store, err := srv.db.Handle(ctx)
	require.NoError(t, err)
	defer store.Close()

	_, err = store.SaveMessage(ctx, "bob", "alice", 1, "early")
	require.NoError(t, err)

	s, alice := pipeSession(t, srv, "alice")

	stopCtx, stop := context.WithCancel(ctx)
	defer stop()
	done := make(chan error, 1)
	go func() { done <- s.outbound(stopCtx, "bob") }()

	// the first pass has queried and now waits for the reader
	time.Sleep(100 * time.Millisecond)

	_, err = store.SaveMessage(ctx, "bob", "alice", 2, "late")
	require.NoError(t, err)
	stop()

	seen := map[string]int{}
	for {
		entries, finished, err := alice.ReadBatch()
		require.NoError(t, err)
		for _, e := range entries {
			seen[e.Content]++
		}
		if finished {
			break
		}
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("outbound did not return after FINISH")
	}

	assert.Equal(t, 1, seen["early"])
	assert.Equal(t, 1, seen["late"], "a message stored before stop must be streamed before FINISH")
}
