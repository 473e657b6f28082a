// Package friend holds the relationship state machine. A relation between two
// users is stored once, under the canonical pair whose first name is the
// lexicographically smaller one, so every transition is expressed relative to
// the side of that pair the initiating user occupies.
package friend

import (
	"errors"
	"fmt"

	"securemsg/protocol"
)

var ErrUnknownState = errors.New("unknown friend state code")

type State int

const (
	None State = iota
	Send
	Recv
	Being
	SendRej
	RecvRej
)

func (s State) String() string {
	switch s {
	case None:
		return "NONE"
	case Send:
		return "SEND"
	case Recv:
		return "RECV"
	case Being:
		return "BEING"
	case SendRej:
		return "SEND_REJ"
	case RecvRej:
		return "RECV_REJ"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Code returns the byte stored in the friend table and sent in listings.
func (s State) Code() byte {
	switch s {
	case Send:
		return protocol.StateSend
	case Recv:
		return protocol.StateRecv
	case Being:
		return protocol.StateBeing
	case SendRej:
		return protocol.StateSendRej
	case RecvRej:
		return protocol.StateRecvRej
	}
	return protocol.StateNull
}

func ParseCode(code byte) (State, error) {
	switch code {
	case protocol.StateSend:
		return Send, nil
	case protocol.StateRecv:
		return Recv, nil
	case protocol.StateBeing:
		return Being, nil
	case protocol.StateSendRej:
		return SendRej, nil
	case protocol.StateRecvRej:
		return RecvRej, nil
	case protocol.StateNull:
		return None, nil
	}
	return None, fmt.Errorf("%w: 0x%02X", ErrUnknownState, code)
}

// Listed reports whether a relation in this state appears in a friend listing.
func (s State) Listed() bool {
	return s == Send || s == Recv || s == Being
}

// Side is the position of the initiating user within the canonical pair.
type Side int

const (
	Lower Side = iota
	Higher
)

// Pair is an unordered pair of users in canonical order.
type Pair struct {
	First  string
	Second string
}

// Canonical orders self and peer and reports which side self ended up on.
// ok is false when both names are equal.
func Canonical(self, peer string) (pair Pair, side Side, ok bool) {
	switch {
	case self < peer:
		return Pair{First: self, Second: peer}, Lower, true
	case self > peer:
		return Pair{First: peer, Second: self}, Higher, true
	}
	return Pair{}, Lower, false
}

type Op int

const (
	Add Op = iota
	Accept
	Reject
)

func (o Op) String() string {
	switch o {
	case Add:
		return "add"
	case Accept:
		return "accept"
	case Reject:
		return "reject"
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

// Result is the outcome reported to the client.
type Result int

const (
	Succeeded Result = iota
	Failed
	Invalid
)

// Reply maps a result to its one-byte protocol reply.
func (r Result) Reply() protocol.Opcode {
	switch r {
	case Succeeded:
		return protocol.Succeed
	case Failed:
		return protocol.Fail
	}
	return protocol.Error
}

func (r Result) String() string {
	switch r {
	case Succeeded:
		return "succeed"
	case Failed:
		return "fail"
	}
	return "error"
}

type key struct {
	op    Op
	state State
	side  Side
}

type outcome struct {
	next   State
	result Result
}

var transitions = map[key]outcome{
	{Add, None, Lower}:     {Send, Succeeded},
	{Add, None, Higher}:    {Recv, Succeeded},
	{Add, Send, Lower}:     {Send, Failed},
	{Add, Send, Higher}:    {Being, Succeeded},
	{Add, Recv, Lower}:     {Being, Succeeded},
	{Add, Recv, Higher}:    {Recv, Failed},
	{Add, SendRej, Lower}:  {Send, Succeeded},
	{Add, SendRej, Higher}: {Recv, Succeeded},
	{Add, RecvRej, Lower}:  {Send, Succeeded},
	{Add, RecvRej, Higher}: {Recv, Succeeded},
	{Add, Being, Lower}:    {Being, Failed},
	{Add, Being, Higher}:   {Being, Failed},

	{Accept, Recv, Lower}:  {Being, Succeeded},
	{Accept, Send, Higher}: {Being, Succeeded},

	{Reject, Recv, Lower}:  {RecvRej, Succeeded},
	{Reject, Send, Higher}: {SendRej, Succeeded},
}

// Transition applies op, initiated from side, to a relation currently in
// state. The returned state is only meaningful when the result is Succeeded;
// otherwise the stored relation must be left untouched.
func Transition(op Op, current State, side Side) (State, Result) {
	if o, ok := transitions[key{op, current, side}]; ok {
		if o.result != Succeeded {
			return current, o.result
		}
		return o.next, o.result
	}
	return current, Invalid
}
