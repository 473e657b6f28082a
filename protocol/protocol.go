package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	ErrInvalidPacket = errors.New("invalid packet format")
)

// Opcode is the one-byte tag every frame starts with.
type Opcode byte

const (
	BuildP    Opcode = 0x00
	BuildPubK Opcode = 0x01

	SignIn Opcode = 0x10
	SignUp Opcode = 0x11

	Chat         Opcode = 0x20
	ChatSelect   Opcode = 0x21
	ChatMessage  Opcode = 0x22
	ChatListSend Opcode = 0x2C
	ChatListRecv Opcode = 0x2D
	ChatList     Opcode = 0x2E
	ChatListEnd  Opcode = 0x2F

	Friend        Opcode = 0x30
	FriendAdd     Opcode = 0x31
	FriendAccept  Opcode = 0x32
	FriendReject  Opcode = 0x33
	FriendList    Opcode = 0x3E
	FriendListEnd Opcode = 0x3F

	Error      Opcode = 0x7B
	Fail       Opcode = 0x7C
	Succeed    Opcode = 0x7D
	Finish     Opcode = 0x7E
	Disconnect Opcode = 0x7F
)

func (op Opcode) String() string {
	switch op {
	case BuildP:
		return "BUILD_P"
	case BuildPubK:
		return "BUILD_PUBK"
	case SignIn:
		return "SIGN_IN"
	case SignUp:
		return "SIGN_UP"
	case Chat:
		return "CHAT"
	case ChatSelect:
		return "CHAT_SELECT"
	case ChatMessage:
		return "CHAT_MESSAGE"
	case ChatListSend:
		return "CHAT_LIST_SEND"
	case ChatListRecv:
		return "CHAT_LIST_RECV"
	case ChatList:
		return "CHAT_LIST"
	case ChatListEnd:
		return "CHAT_LIST_END"
	case Friend:
		return "FRIEND"
	case FriendAdd:
		return "FRIEND_ADD"
	case FriendAccept:
		return "FRIEND_ACCEPT"
	case FriendReject:
		return "FRIEND_REJECT"
	case FriendList:
		return "FRIEND_LIST"
	case FriendListEnd:
		return "FRIEND_LIST_END"
	case Error:
		return "ERROR"
	case Fail:
		return "FAIL"
	case Succeed:
		return "SUCCEED"
	case Finish:
		return "FINISH"
	case Disconnect:
		return "DISCONNECT"
	}
	return fmt.Sprintf("0x%02X", byte(op))
}

// Field widths. Name and content fields carry a NUL terminator.
const (
	NameField    = 65
	MaxNameLen   = NameField - 1
	ContentField = 801
	MaxContent   = ContentField - 1
	HexField     = 512
)

// Plaintext frame sizes, before CBC padding.
const (
	SizeHandshake   = 1 + HexField
	SizeControl     = 1
	SizeAuth        = 1 + NameField + NameField
	SizePeer        = 1 + NameField
	SizeFriendEntry = 1 + NameField + 1
	SizeChatMessage = 1 + 8 + ContentField
	SizeChatEntry   = 1 + 1 + 8 + ContentField + 1
)

// Wire codes of the friend relation states.
const (
	StateBeing   byte = 0x01
	StateRecv    byte = 0x02
	StateRecvRej byte = 0x04
	StateSend    byte = 0x08
	StateSendRej byte = 0x10
	StateNull    byte = 0x7F
)

// Wire codes of the message read states.
const (
	MessageRead   byte = 0x01
	MessageUnread byte = 0x02
)

// CipherSize returns the ciphertext length of a frame with the given
// plaintext size: PKCS#7 always appends at least one byte.
func CipherSize(size int) int {
	return size - size%16 + 16
}

// Control is a frame carrying only an opcode, padded to Size bytes.
type Control struct {
	Op   Opcode
	Size int
}

func (c Control) Encode() []byte {
	size := c.Size
	if size < 1 {
		size = SizeControl
	}
	buf := make([]byte, size)
	buf[0] = byte(c.Op)
	return buf
}

// OpcodeOf returns the tag of a decoded plaintext frame.
func OpcodeOf(frame []byte) (Opcode, error) {
	if len(frame) < 1 {
		return 0, ErrInvalidPacket
	}
	return Opcode(frame[0]), nil
}

// Handshake carries a hex-encoded big number during key exchange.
type Handshake struct {
	Op  Opcode
	Hex string
}

func (h Handshake) Encode() ([]byte, error) {
	if len(h.Hex) > HexField {
		return nil, fmt.Errorf("handshake value is %d hex digits, field holds %d", len(h.Hex), HexField)
	}
	buf := make([]byte, SizeHandshake)
	buf[0] = byte(h.Op)
	pad := HexField - len(h.Hex)
	for i := 0; i < pad; i++ {
		buf[1+i] = '0'
	}
	copy(buf[1+pad:], h.Hex)
	return buf, nil
}

func DecodeHandshake(frame []byte) (Handshake, error) {
	if len(frame) < SizeHandshake {
		return Handshake{}, ErrInvalidPacket
	}
	return Handshake{
		Op:  Opcode(frame[0]),
		Hex: cString(frame[1:SizeHandshake]),
	}, nil
}

// Auth is a SIGN_IN, SIGN_UP or DISCONNECT frame.
type Auth struct {
	Op       Opcode
	Username string
	Password string
}

func (a Auth) Encode() []byte {
	buf := make([]byte, SizeAuth)
	buf[0] = byte(a.Op)
	putString(buf[1:1+NameField], a.Username)
	putString(buf[1+NameField:SizeAuth], a.Password)
	return buf
}

func DecodeAuth(frame []byte) (Auth, error) {
	if len(frame) < SizeAuth {
		return Auth{}, ErrInvalidPacket
	}
	return Auth{
		Op:       Opcode(frame[0]),
		Username: cString(frame[1 : 1+NameField]),
		Password: cString(frame[1+NameField : SizeAuth]),
	}, nil
}

// Peer is a request naming another user: CHAT_SELECT and the FRIEND_* ops.
type Peer struct {
	Op   Opcode
	Name string
}

func (p Peer) Encode() []byte {
	buf := make([]byte, SizePeer)
	buf[0] = byte(p.Op)
	putString(buf[1:SizePeer], p.Name)
	return buf
}

func DecodePeer(frame []byte) (Peer, error) {
	if len(frame) < SizePeer {
		return Peer{}, ErrInvalidPacket
	}
	return Peer{
		Op:   Opcode(frame[0]),
		Name: cString(frame[1:SizePeer]),
	}, nil
}

// FriendEntry is one line of a friend listing. State is the raw stored code.
type FriendEntry struct {
	Op    Opcode
	Peer  string
	State byte
}

func (f FriendEntry) Encode() []byte {
	buf := make([]byte, SizeFriendEntry)
	buf[0] = byte(f.Op)
	putString(buf[1:1+NameField], f.Peer)
	buf[SizeFriendEntry-1] = f.State
	return buf
}

func DecodeFriendEntry(frame []byte) (FriendEntry, error) {
	if len(frame) < SizeFriendEntry {
		return FriendEntry{}, ErrInvalidPacket
	}
	return FriendEntry{
		Op:    Opcode(frame[0]),
		Peer:  cString(frame[1 : 1+NameField]),
		State: frame[SizeFriendEntry-1],
	}, nil
}

// Message is a CHAT_MESSAGE frame sent by a client.
type Message struct {
	Op      Opcode
	Time    float64
	Content string
}

func (m Message) Encode() []byte {
	buf := make([]byte, SizeChatMessage)
	buf[0] = byte(m.Op)
	binary.LittleEndian.PutUint64(buf[1:9], math.Float64bits(m.Time))
	putString(buf[9:SizeChatMessage], m.Content)
	return buf
}

func DecodeMessage(frame []byte) (Message, error) {
	if len(frame) < SizeChatMessage {
		return Message{}, ErrInvalidPacket
	}
	return Message{
		Op:      Opcode(frame[0]),
		Time:    math.Float64frombits(binary.LittleEndian.Uint64(frame[1:9])),
		Content: cString(frame[9:SizeChatMessage]),
	}, nil
}

// ChatEntry is one streamed message of a chat session. Direction is
// ChatListSend when the receiving connection authored the message.
type ChatEntry struct {
	Op        Opcode
	Direction Opcode
	Time      float64
	Content   string
	State     byte
}

func (c ChatEntry) Encode() []byte {
	buf := make([]byte, SizeChatEntry)
	buf[0] = byte(c.Op)
	buf[1] = byte(c.Direction)
	binary.LittleEndian.PutUint64(buf[2:10], math.Float64bits(c.Time))
	putString(buf[10:10+ContentField], c.Content)
	buf[SizeChatEntry-1] = c.State
	return buf
}

func DecodeChatEntry(frame []byte) (ChatEntry, error) {
	if len(frame) < SizeChatEntry {
		return ChatEntry{}, ErrInvalidPacket
	}
	return ChatEntry{
		Op:        Opcode(frame[0]),
		Direction: Opcode(frame[1]),
		Time:      math.Float64frombits(binary.LittleEndian.Uint64(frame[2:10])),
		Content:   cString(frame[10 : 10+ContentField]),
		State:     frame[SizeChatEntry-1],
	}, nil
}

// Truncate cuts s to at most n bytes.
func Truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// putString copies s into a NUL-terminated field, truncating if needed.
func putString(field []byte, s string) {
	n := copy(field[:len(field)-1], s)
	field[n] = 0
}

// cString reads a field up to its first NUL.
func cString(field []byte) string {
	if i := bytes.IndexByte(field, 0); i >= 0 {
		return string(field[:i])
	}
	return string(field)
}
