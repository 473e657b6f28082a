// Package client speaks the client side of the securemsg protocol. It has no
// UI; it is what tools and tests use to drive a server.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"securemsg/protocol"
	"securemsg/secure"
)

var ErrUnexpectedReply = errors.New("unexpected reply")

// Client is one connection to a server. Methods follow the server's state
// machine and must be called in protocol order. During a chat, Send and
// ReadBatch may run on different goroutines.
type Client struct {
	conn net.Conn
	ch   *secure.Channel
}

// Dial connects to addr and runs the key exchange.
func Dial(ctx context.Context, addr string) (*Client, error) {
	d := net.Dialer{Timeout: 10 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c, err := New(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// New runs the key exchange on an existing connection.
func New(conn net.Conn) (*Client, error) {
	ch, err := secure.ClientHandshake(conn)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, ch: ch}, nil
}

// Close drops the connection without saying goodbye.
func (c *Client) Close() error {
	c.ch.Close()
	return c.conn.Close()
}

// Conn exposes the underlying connection, e.g. to set deadlines.
func (c *Client) Conn() net.Conn {
	return c.conn
}

// SignIn reports whether the server accepted the credentials.
func (c *Client) SignIn(username, password string) (bool, error) {
	return c.auth(protocol.SignIn, username, password)
}

// SignUp reports whether the account was created and signed in.
func (c *Client) SignUp(username, password string) (bool, error) {
	return c.auth(protocol.SignUp, username, password)
}

func (c *Client) auth(op protocol.Opcode, username, password string) (bool, error) {
	req := protocol.Auth{
		Op:       op,
		Username: protocol.Truncate(username, protocol.MaxNameLen),
		Password: protocol.Truncate(password, protocol.MaxNameLen),
	}
	if err := c.ch.Send(req.Encode()); err != nil {
		return false, err
	}
	reply, err := c.recvControl()
	if err != nil {
		return false, err
	}
	switch reply {
	case protocol.Succeed:
		return true, nil
	case protocol.Fail:
		return false, nil
	}
	return false, fmt.Errorf("%w: %s to %s", ErrUnexpectedReply, reply, op)
}

// Quit sends DISCONNECT before signing in.
func (c *Client) Quit() error {
	return c.ch.Send(protocol.Control{Op: protocol.Disconnect, Size: protocol.SizeAuth}.Encode())
}

// Disconnect sends DISCONNECT from the idle state.
func (c *Client) Disconnect() error {
	return c.ch.Send(protocol.Control{Op: protocol.Disconnect}.Encode())
}

// Friends enters friend mode and returns the first listing.
func (c *Client) Friends() ([]protocol.FriendEntry, error) {
	if err := c.ch.Send(protocol.Control{Op: protocol.Friend}.Encode()); err != nil {
		return nil, err
	}
	return c.recvFriendList()
}

// AddFriend, AcceptFriend and RejectFriend return the server's one-byte reply
// together with the listing that follows it.
func (c *Client) AddFriend(peer string) (protocol.Opcode, []protocol.FriendEntry, error) {
	return c.friendRequest(protocol.FriendAdd, peer)
}

func (c *Client) AcceptFriend(peer string) (protocol.Opcode, []protocol.FriendEntry, error) {
	return c.friendRequest(protocol.FriendAccept, peer)
}

func (c *Client) RejectFriend(peer string) (protocol.Opcode, []protocol.FriendEntry, error) {
	return c.friendRequest(protocol.FriendReject, peer)
}

func (c *Client) friendRequest(op protocol.Opcode, peer string) (protocol.Opcode, []protocol.FriendEntry, error) {
	if err := c.sendPeer(op, peer); err != nil {
		return 0, nil, err
	}
	reply, err := c.recvControl()
	if err != nil {
		return 0, nil, err
	}
	list, err := c.recvFriendList()
	return reply, list, err
}

// LeaveFriends returns from friend mode to idle.
func (c *Client) LeaveFriends() error {
	return c.sendPeer(protocol.Finish, "")
}

// Chat enters chat mode and returns the active friends.
func (c *Client) Chat() ([]protocol.FriendEntry, error) {
	if err := c.ch.Send(protocol.Control{Op: protocol.Chat}.Encode()); err != nil {
		return nil, err
	}
	return c.recvFriendList()
}

// Select starts a chat with peer. On success the server begins streaming
// batches, read them with ReadBatch.
func (c *Client) Select(peer string) (bool, error) {
	if err := c.sendPeer(protocol.ChatSelect, peer); err != nil {
		return false, err
	}
	reply, err := c.recvControl()
	if err != nil {
		return false, err
	}
	switch reply {
	case protocol.Succeed:
		return true, nil
	case protocol.Error:
		return false, nil
	}
	return false, fmt.Errorf("%w: %s to %s", ErrUnexpectedReply, reply, protocol.ChatSelect)
}

// Send posts one chat message stamped with t.
func (c *Client) Send(content string, t time.Time) error {
	msg := protocol.Message{
		Op:      protocol.ChatMessage,
		Time:    float64(t.UnixMicro()) / 1e6,
		Content: protocol.Truncate(content, protocol.MaxContent),
	}
	return c.ch.Send(msg.Encode())
}

// EndChat asks the server to stop the current chat. Keep calling ReadBatch
// until it reports done.
func (c *Client) EndChat() error {
	return c.ch.Send(protocol.Control{Op: protocol.Finish, Size: protocol.SizeChatMessage}.Encode())
}

// ReadBatch reads one sync pass. done is true when the server sent FINISH
// instead of a batch.
func (c *Client) ReadBatch() (entries []protocol.ChatEntry, done bool, err error) {
	for {
		frame, err := c.ch.Recv(protocol.SizeChatEntry)
		if err != nil {
			return entries, false, err
		}
		entry, err := protocol.DecodeChatEntry(frame)
		if err != nil {
			return entries, false, err
		}
		switch entry.Op {
		case protocol.ChatList:
			entries = append(entries, entry)
		case protocol.ChatListEnd:
			return entries, false, nil
		case protocol.Finish:
			return entries, true, nil
		default:
			return entries, false, fmt.Errorf("%w: %s in chat stream", ErrUnexpectedReply, entry.Op)
		}
	}
}

// LeaveChat returns from chat mode to idle.
func (c *Client) LeaveChat() error {
	return c.sendPeer(protocol.Finish, "")
}

// SendRaw sends an already encoded frame as is.
func (c *Client) SendRaw(frame []byte) error {
	return c.ch.Send(frame)
}

// ReadReply reads a one-byte reply, e.g. the answer to a SendRaw frame.
func (c *Client) ReadReply() (protocol.Opcode, error) {
	return c.recvControl()
}

func (c *Client) sendPeer(op protocol.Opcode, peer string) error {
	return c.ch.Send(protocol.Peer{Op: op, Name: protocol.Truncate(peer, protocol.MaxNameLen)}.Encode())
}

func (c *Client) recvControl() (protocol.Opcode, error) {
	frame, err := c.ch.Recv(protocol.SizeControl)
	if err != nil {
		return 0, err
	}
	return protocol.OpcodeOf(frame)
}

func (c *Client) recvFriendList() ([]protocol.FriendEntry, error) {
	var list []protocol.FriendEntry
	for {
		frame, err := c.ch.Recv(protocol.SizeFriendEntry)
		if err != nil {
			return list, err
		}
		entry, err := protocol.DecodeFriendEntry(frame)
		if err != nil {
			return list, err
		}
		switch entry.Op {
		case protocol.FriendList:
			list = append(list, entry)
		case protocol.FriendListEnd:
			return list, nil
		default:
			return list, fmt.Errorf("%w: %s in friend list", ErrUnexpectedReply, entry.Op)
		}
	}
}
