package server

import (
	"context"
	"errors"
	"fmt"

	"securemsg/db"
	"securemsg/friend"
	"securemsg/models"
	"securemsg/protocol"
)

// friendMode serves FRIEND_ADD, FRIEND_ACCEPT and FRIEND_REJECT until the
// client sends FINISH. The listing is resent before every request.
func (s *Session) friendMode(ctx context.Context) error {
	for {
		if err := s.sendFriendList(ctx, friend.State.Listed); err != nil {
			return err
		}

		frame, err := s.ch.Recv(protocol.SizePeer)
		if err != nil {
			return err
		}
		req, err := protocol.DecodePeer(frame)
		if err != nil {
			return err
		}

		var op friend.Op
		switch req.Op {
		case protocol.Finish:
			return nil
		case protocol.FriendAdd:
			op = friend.Add
		case protocol.FriendAccept:
			op = friend.Accept
		case protocol.FriendReject:
			op = friend.Reject
		default:
			return s.formatError(req.Op)
		}

		res, err := s.applyFriendOp(ctx, op, req.Name)
		if err != nil {
			return fmt.Errorf("friend %s %q: %w", op, req.Name, err)
		}
		s.log.Debug("%s: friend %s %q: %s", s.username, op, req.Name, res)

		if err := s.reply(res.Reply()); err != nil {
			return err
		}
	}
}

// applyFriendOp reads the stored relation between the session user and peer,
// runs the transition and writes the new state back when it succeeded.
func (s *Session) applyFriendOp(ctx context.Context, op friend.Op, peer string) (friend.Result, error) {
	pair, side, ok := friend.Canonical(s.username, peer)
	if !ok {
		return friend.Invalid, nil
	}

	if op == friend.Add {
		exists, err := s.store.UserExists(ctx, peer)
		if err != nil {
			return friend.Invalid, err
		}
		if !exists {
			return friend.Invalid, nil
		}
	}

	code, found, err := s.store.Relation(ctx, pair.First, pair.Second)
	if err != nil {
		return friend.Invalid, err
	}
	current := friend.None
	if found {
		if current, err = friend.ParseCode(code); err != nil {
			return friend.Invalid, err
		}
	}

	next, res := friend.Transition(op, current, side)
	if res != friend.Succeeded {
		return res, nil
	}

	row := models.FriendRelation{Username1: pair.First, Username2: pair.Second, State: next.Code()}
	if found {
		err = s.store.UpdateRelation(ctx, row)
	} else {
		err = s.store.InsertRelation(ctx, row)
	}
	if errors.Is(err, db.ErrConflict) {
		// the peer's own first request landed between our read and write
		return friend.Failed, nil
	}
	if err != nil {
		return friend.Invalid, err
	}
	return res, nil
}

// sendFriendList streams the relations of the session user whose state
// passes keep, then FRIEND_LIST_END.
func (s *Session) sendFriendList(ctx context.Context, keep func(friend.State) bool) error {
	relations, err := s.store.Relations(ctx, s.username)
	if err != nil {
		return fmt.Errorf("list friends: %w", err)
	}

	for _, r := range relations {
		state, err := friend.ParseCode(r.State)
		if err != nil {
			s.log.Warn("skipping relation %s/%s: %v", r.Username1, r.Username2, err)
			continue
		}
		if !keep(state) {
			continue
		}
		entry := protocol.FriendEntry{Op: protocol.FriendList, Peer: r.Peer(s.username), State: r.State}
		if err := s.ch.Send(entry.Encode()); err != nil {
			return err
		}
	}

	return s.ch.Send(protocol.FriendEntry{Op: protocol.FriendListEnd}.Encode())
}
