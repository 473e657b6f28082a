package models

// User is an identity. Created at sign-up and never changed afterwards.
type User struct {
	Username string
	Password string // plain or bcrypt, see db.CredentialMode
}

// FriendRelation is the single stored row of an unordered pair of users.
// Username1 is always the lexicographically smaller name.
type FriendRelation struct {
	Username1 string
	Username2 string
	State     byte // wire code, see friend.ParseCode
}

// Peer returns the member of the relation that is not self.
func (r FriendRelation) Peer(self string) string {
	if r.Username1 == self {
		return r.Username2
	}
	return r.Username1
}

type Message struct {
	ID       int64
	Sender   string
	Receiver string
	Time     float64 // seconds since epoch
	Content  string
	State    byte // protocol.MessageRead or protocol.MessageUnread
}
