package server

import (
	"context"
	"fmt"
	"time"

	"securemsg/db"
	"securemsg/friend"
	"securemsg/protocol"
)

func isBeing(s friend.State) bool { return s == friend.Being }

// chatMode lists active friends, then serves CHAT_SELECT until FINISH.
func (s *Session) chatMode(ctx context.Context) error {
	if err := s.sendFriendList(ctx, isBeing); err != nil {
		return err
	}

	for {
		frame, err := s.ch.Recv(protocol.SizePeer)
		if err != nil {
			return err
		}
		req, err := protocol.DecodePeer(frame)
		if err != nil {
			return err
		}

		switch req.Op {
		case protocol.Finish:
			return nil
		case protocol.ChatSelect:
		default:
			return s.formatError(req.Op)
		}

		ok, err := s.canChat(ctx, req.Name)
		if err != nil {
			return fmt.Errorf("chat select %q: %w", req.Name, err)
		}
		if !ok {
			if err := s.reply(protocol.Error); err != nil {
				return err
			}
			continue
		}
		if err := s.reply(protocol.Succeed); err != nil {
			return err
		}

		s.log.Info("%s chats with %s", s.username, req.Name)
		if err := s.chatSession(ctx, req.Name); err != nil {
			return err
		}
		s.log.Info("%s stops chatting with %s", s.username, req.Name)
	}
}

func (s *Session) canChat(ctx context.Context, peer string) (bool, error) {
	pair, _, ok := friend.Canonical(s.username, peer)
	if !ok {
		return false, nil
	}
	code, found, err := s.store.Relation(ctx, pair.First, pair.Second)
	if err != nil || !found {
		return false, err
	}
	return code == friend.Being.Code(), nil
}

// chatSession runs the inbound and outbound workers for one selected peer.
// The session's own storage handle is given up for the duration; each worker
// holds its own.
//
// Only the inbound worker's return starts shutdown. The outbound worker sends
// FINISH only after a full sync pass that began with the stop signal already
// set, so whatever the inbound worker stored is delivered first.
func (s *Session) chatSession(ctx context.Context, peer string) error {
	s.store.Close()
	s.store = nil

	stopCtx, stop := context.WithCancel(ctx)
	defer stop()

	inDone := make(chan error, 1)
	outDone := make(chan error, 1)
	go func() { inDone <- s.inbound(ctx, peer) }()
	go func() { outDone <- s.outbound(stopCtx, peer) }()

	inErr := <-inDone
	stop()
	outErr := <-outDone

	if inErr != nil {
		return inErr
	}
	if outErr != nil {
		return outErr
	}

	store, err := s.srv.db.Handle(ctx)
	if err != nil {
		return err
	}
	s.store = store
	return nil
}

// inbound stores every CHAT_MESSAGE from the client until FINISH.
func (s *Session) inbound(ctx context.Context, peer string) error {
	store, err := s.srv.db.Handle(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	for {
		frame, err := s.ch.Recv(protocol.SizeChatMessage)
		if err != nil {
			return err
		}
		msg, err := protocol.DecodeMessage(frame)
		if err != nil {
			return err
		}

		switch msg.Op {
		case protocol.Finish:
			return nil
		case protocol.ChatMessage:
			content := protocol.Truncate(msg.Content, protocol.MaxContent)
			if _, err := store.SaveMessage(ctx, s.username, peer, msg.Time, content); err != nil {
				return fmt.Errorf("save message: %w", err)
			}
		default:
			return s.formatError(msg.Op)
		}
	}
}

// outbound streams new messages of the pair every sync interval until stop
// is cancelled, then sends FINISH.
func (s *Session) outbound(stop context.Context, peer string) error {
	// the handle outlives stop: the last pass runs after it fires
	store, err := s.srv.db.Handle(s.srv.ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	ticker := time.NewTicker(s.srv.config.SyncInterval)
	defer ticker.Stop()

	var cursor int64
	for {
		// sampled before the pass so that a stop seen here is followed by a
		// query that starts after the inbound worker's last insert
		stopped := stop.Err() != nil

		if err := s.syncMessages(s.srv.ctx, store, peer, &cursor); err != nil {
			return err
		}

		if stopped {
			return s.ch.Send(protocol.Control{Op: protocol.Finish, Size: protocol.SizeChatEntry}.Encode())
		}

		<-ticker.C
	}
}

// syncMessages sends every message of the pair with an id above cursor,
// advances cursor and marks the ones delivered to their receiver as read.
func (s *Session) syncMessages(ctx context.Context, store *db.Handle, peer string, cursor *int64) error {
	messages, err := store.MessagesAfter(ctx, s.username, peer, *cursor)
	if err != nil {
		return fmt.Errorf("sync messages: %w", err)
	}

	for _, m := range messages {
		received := m.Receiver == s.username
		direction := protocol.ChatListSend
		if received {
			direction = protocol.ChatListRecv
		}

		entry := protocol.ChatEntry{
			Op:        protocol.ChatList,
			Direction: direction,
			Time:      m.Time,
			Content:   m.Content,
			State:     m.State,
		}
		if err := s.ch.Send(entry.Encode()); err != nil {
			return err
		}

		if m.ID > *cursor {
			*cursor = m.ID
		}

		if received && m.State == protocol.MessageUnread {
			if err := store.MarkMessageRead(ctx, m.ID); err != nil {
				return fmt.Errorf("mark message %d read: %w", m.ID, err)
			}
		}
	}

	return s.ch.Send(protocol.ChatEntry{Op: protocol.ChatListEnd}.Encode())
}
