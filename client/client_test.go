package client

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securemsg/protocol"
	"securemsg/secure"
)

// pipe returns a client and the raw server end of its channel.
func pipe(t *testing.T) (*Client, *secure.Channel) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() {
		serverConn.Close()
		clientConn.Close()
	})

	type result struct {
		ch  *secure.Channel
		err error
	}
	done := make(chan result, 1)
	go func() {
		ch, err := secure.ServerHandshake(serverConn, secure.RFC3526Group14())
		done <- result{ch, err}
	}()

	c, err := New(clientConn)
	require.NoError(t, err)
	res := <-done
	require.NoError(t, res.err)
	return c, res.ch
}

func TestSignInReplies(t *testing.T) {
	c, srv := pipe(t)

	go func() {
		frame, err := srv.Recv(protocol.SizeAuth)
		if err != nil {
			return
		}
		req, _ := protocol.DecodeAuth(frame)
		if req.Username == "alice" {
			srv.Send(protocol.Control{Op: protocol.Succeed}.Encode())
		} else {
			srv.Send(protocol.Control{Op: protocol.Fail}.Encode())
		}
		srv.Recv(protocol.SizeAuth)
		srv.Send(protocol.Control{Op: protocol.Finish}.Encode())
	}()

	ok, err := c.SignIn("alice", "pw")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.SignIn("mallory", "pw")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.SignIn("alice", "pw")
	assert.ErrorIs(t, err, ErrUnexpectedReply)
}

func TestFriendListing(t *testing.T) {
	c, srv := pipe(t)

	go func() {
		if _, err := srv.Recv(protocol.SizeControl); err != nil {
			return
		}
		srv.Send(protocol.FriendEntry{Op: protocol.FriendList, Peer: "bob", State: protocol.StateBeing}.Encode())
		srv.Send(protocol.FriendEntry{Op: protocol.FriendList, Peer: "carol", State: protocol.StateRecv}.Encode())
		srv.Send(protocol.FriendEntry{Op: protocol.FriendListEnd}.Encode())
	}()

	list, err := c.Friends()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "bob", list[0].Peer)
	assert.Equal(t, protocol.StateRecv, list[1].State)
}

func TestReadBatch(t *testing.T) {
	c, srv := pipe(t)

	go func() {
		srv.Send(protocol.ChatEntry{Op: protocol.ChatList, Direction: protocol.ChatListSend, Content: "hi"}.Encode())
		srv.Send(protocol.ChatEntry{Op: protocol.ChatListEnd}.Encode())
		srv.Send(protocol.Control{Op: protocol.Finish, Size: protocol.SizeChatEntry}.Encode())
		srv.Send(protocol.ChatEntry{Op: protocol.Succeed}.Encode())
	}()

	entries, done, err := c.ReadBatch()
	require.NoError(t, err)
	assert.False(t, done)
	require.Len(t, entries, 1)
	assert.Equal(t, "hi", entries[0].Content)

	entries, done, err = c.ReadBatch()
	require.NoError(t, err)
	assert.True(t, done)
	assert.Empty(t, entries)

	_, _, err = c.ReadBatch()
	assert.ErrorIs(t, err, ErrUnexpectedReply)
}
