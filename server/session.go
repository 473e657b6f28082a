package server

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/google/uuid"

	"securemsg/db"
	"securemsg/logger"
	"securemsg/protocol"
	"securemsg/secure"
)

// ErrProtocolFormat is returned when a client sends an opcode the current
// state does not accept. The connection is dropped without a reply.
var ErrProtocolFormat = errors.New("protocol format error")

type sessionState int

const (
	stateHandshake sessionState = iota
	stateAuthenticating
	stateIdle
	stateFriend
	stateChat
)

func (st sessionState) String() string {
	switch st {
	case stateHandshake:
		return "handshake"
	case stateAuthenticating:
		return "authenticating"
	case stateIdle:
		return "idle"
	case stateFriend:
		return "friend mode"
	case stateChat:
		return "chat mode"
	}
	return "unknown"
}

// Session is the per-connection worker. Everything on it belongs to the
// goroutine running handleConnection except username, which GetStats reads
// under the server lock.
type Session struct {
	id       uuid.UUID
	srv      *Server
	slot     *Slot
	conn     net.Conn
	log      *logger.Logger
	ch       *secure.Channel
	store    *db.Handle
	state    sessionState
	username string
}

func newSession(srv *Server, slot *Slot, conn net.Conn) *Session {
	id := uuid.New()
	return &Session{
		id:   id,
		srv:  srv,
		slot: slot,
		conn: conn,
		log:  srv.log.WithPrefix(fmt.Sprintf("slot %d/%d %s", slot.ID, srv.dispatcher.Size()-1, id)),
	}
}

func (s *Session) run(ctx context.Context) error {
	s.state = stateHandshake
	ch, err := secure.ServerHandshake(s.conn, s.srv.params)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	s.ch = ch
	defer ch.Close()

	store, err := s.srv.db.Handle(ctx)
	if err != nil {
		return err
	}
	s.store = store
	defer func() {
		if s.store != nil {
			s.store.Close()
		}
	}()

	s.state = stateAuthenticating
	ok, err := s.authenticate(ctx)
	if err != nil || !ok {
		return err
	}
	s.log.Info("%s signed in", s.username)

	s.state = stateIdle
	return s.idle(ctx)
}

func (s *Session) authenticate(ctx context.Context) (bool, error) {
	for {
		frame, err := s.ch.Recv(protocol.SizeAuth)
		if err != nil {
			return false, err
		}
		req, err := protocol.DecodeAuth(frame)
		if err != nil {
			return false, err
		}

		var ok bool
		switch req.Op {
		case protocol.Disconnect:
			return false, nil
		case protocol.SignIn:
			if validCredentials(req) {
				ok, err = s.store.AuthenticateUser(ctx, req.Username, req.Password)
			}
		case protocol.SignUp:
			if validCredentials(req) {
				ok, err = s.store.CreateUser(ctx, req.Username, req.Password)
			}
		default:
			return false, s.formatError(req.Op)
		}
		if err != nil {
			return false, fmt.Errorf("%s: %w", req.Op, err)
		}

		if !ok {
			s.log.Debug("%s as %q fails", req.Op, req.Username)
			if err := s.reply(protocol.Fail); err != nil {
				return false, err
			}
			continue
		}

		if err := s.reply(protocol.Succeed); err != nil {
			return false, err
		}
		if req.Op == protocol.SignUp {
			s.log.Info("%s signed up", req.Username)
		}
		s.srv.setUsername(s, req.Username)
		return true, nil
	}
}

// validCredentials rejects an empty username and fields that filled their
// whole width without a NUL terminator.
func validCredentials(req protocol.Auth) bool {
	return req.Username != "" &&
		len(req.Username) <= protocol.MaxNameLen &&
		len(req.Password) <= protocol.MaxNameLen
}

func (s *Session) idle(ctx context.Context) error {
	for {
		frame, err := s.ch.Recv(protocol.SizeControl)
		if err != nil {
			return err
		}

		switch op := protocol.Opcode(frame[0]); op {
		case protocol.Disconnect:
			return nil
		case protocol.Friend:
			s.state = stateFriend
			if err := s.friendMode(ctx); err != nil {
				return err
			}
		case protocol.Chat:
			s.state = stateChat
			if err := s.chatMode(ctx); err != nil {
				return err
			}
		default:
			return s.formatError(op)
		}
		s.state = stateIdle
	}
}

func (s *Session) reply(op protocol.Opcode) error {
	return s.ch.Send(protocol.Control{Op: op}.Encode())
}

func (s *Session) formatError(op protocol.Opcode) error {
	return fmt.Errorf("%w: %s while %s", ErrProtocolFormat, op, s.state)
}

// logExit records why the session ended at the level its cause deserves.
func (s *Session) logExit(err error) {
	who := s.username
	if who == "" {
		who = s.conn.RemoteAddr().String()
	}

	switch {
	case err == nil:
		s.log.Info("%s says bye", who)
	case errors.Is(err, secure.ErrPeerClosed):
		s.log.Info("%s closed the connection during %s", who, s.state)
	case s.srv.ctx.Err() != nil:
		s.log.Info("%s dropped by shutdown during %s", who, s.state)
	case errors.Is(err, ErrProtocolFormat):
		s.log.Warn("%s: %v", who, err)
	default:
		s.log.Error("%s: %v", who, err)
	}
}
