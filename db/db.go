package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"

	"securemsg/models"
	"securemsg/protocol"
)

// ErrConflict is returned when an insert hits a row another worker wrote
// after this one checked for it.
var ErrConflict = errors.New("row already exists")

func isConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}

// CredentialMode selects how passwords are stored and compared.
type CredentialMode string

const (
	// CredentialsPlain stores the password as sent and compares by equality,
	// which is what existing deployments have on disk.
	CredentialsPlain CredentialMode = "plain"
	// CredentialsBcrypt hashes on sign-up and verifies with bcrypt.
	CredentialsBcrypt CredentialMode = "bcrypt"
)

func ParseCredentialMode(s string) (CredentialMode, error) {
	switch CredentialMode(s) {
	case CredentialsPlain, "":
		return CredentialsPlain, nil
	case CredentialsBcrypt:
		return CredentialsBcrypt, nil
	}
	return "", fmt.Errorf("unknown credential mode %q", s)
}

// DB is the shared connection pool. Workers never query it directly; each
// takes its own Handle for as long as it runs.
type DB struct {
	conn        *sql.DB
	credentials CredentialMode
}

func New(path string, credentials CredentialMode) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn, credentials: credentials}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS user (
			username TEXT NOT NULL PRIMARY KEY,
			password TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS friend (
			username1 TEXT NOT NULL,
			username2 TEXT NOT NULL,
			state INTEGER NOT NULL,
			PRIMARY KEY (username1, username2)
		)`,
		`CREATE TABLE IF NOT EXISTS message (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username1 TEXT NOT NULL,
			username2 TEXT NOT NULL,
			time REAL NOT NULL,
			content TEXT,
			state INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_friend_username2 ON friend(username2)`,
		`CREATE INDEX IF NOT EXISTS idx_message_pair ON message(username1, username2, id)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

// Handle is a dedicated connection owned by one worker goroutine.
type Handle struct {
	conn        *sql.Conn
	credentials CredentialMode
}

// Handle reserves a connection from the pool. The caller must Close it.
func (db *DB) Handle(ctx context.Context) (*Handle, error) {
	conn, err := db.conn.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire storage handle: %w", err)
	}
	return &Handle{conn: conn, credentials: db.credentials}, nil
}

// Close returns the connection to the pool.
func (h *Handle) Close() error {
	return h.conn.Close()
}

// User methods

func (h *Handle) UserExists(ctx context.Context, username string) (bool, error) {
	var count int
	err := h.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM user WHERE username = ?", username).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// CreateUser inserts a new identity. It reports false when the name is taken.
func (h *Handle) CreateUser(ctx context.Context, username, password string) (bool, error) {
	exists, err := h.UserExists(ctx, username)
	if err != nil || exists {
		return false, err
	}

	stored := password
	if h.credentials == CredentialsBcrypt {
		hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return false, err
		}
		stored = string(hashed)
	}

	_, err = h.conn.ExecContext(ctx, "INSERT INTO user (username, password) VALUES (?, ?)", username, stored)
	if isConstraint(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// User loads an identity. found is false when no such user exists.
func (h *Handle) User(ctx context.Context, username string) (user models.User, found bool, err error) {
	err = h.conn.QueryRowContext(ctx,
		"SELECT username, password FROM user WHERE username = ?", username,
	).Scan(&user.Username, &user.Password)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, false, nil
	}
	if err != nil {
		return models.User{}, false, err
	}
	return user, true, nil
}

func (h *Handle) AuthenticateUser(ctx context.Context, username, password string) (bool, error) {
	user, found, err := h.User(ctx, username)
	if err != nil || !found {
		return false, err
	}

	if h.credentials == CredentialsBcrypt {
		return bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)) == nil, nil
	}
	return user.Password == password, nil
}

// Friend methods

// Relation returns the stored state code of a canonical pair. found is false
// when no row exists.
func (h *Handle) Relation(ctx context.Context, username1, username2 string) (state byte, found bool, err error) {
	err = h.conn.QueryRowContext(ctx,
		"SELECT state FROM friend WHERE username1 = ? AND username2 = ?",
		username1, username2,
	).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return state, true, nil
}

func (h *Handle) InsertRelation(ctx context.Context, r models.FriendRelation) error {
	_, err := h.conn.ExecContext(ctx,
		"INSERT INTO friend (username1, username2, state) VALUES (?, ?, ?)",
		r.Username1, r.Username2, r.State,
	)
	if isConstraint(err) {
		return fmt.Errorf("%w: %s/%s", ErrConflict, r.Username1, r.Username2)
	}
	return err
}

func (h *Handle) UpdateRelation(ctx context.Context, r models.FriendRelation) error {
	result, err := h.conn.ExecContext(ctx,
		"UPDATE friend SET state = ? WHERE username1 = ? AND username2 = ?",
		r.State, r.Username1, r.Username2,
	)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return sql.ErrNoRows
	}

	return nil
}

// Relations lists every row involving username, ordered by state code.
func (h *Handle) Relations(ctx context.Context, username string) ([]models.FriendRelation, error) {
	rows, err := h.conn.QueryContext(ctx,
		"SELECT username1, username2, state FROM friend WHERE username1 = ? OR username2 = ? ORDER BY state, username1, username2",
		username, username,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var relations []models.FriendRelation
	for rows.Next() {
		var r models.FriendRelation
		if err := rows.Scan(&r.Username1, &r.Username2, &r.State); err != nil {
			return nil, err
		}
		relations = append(relations, r)
	}

	return relations, rows.Err()
}

// Message methods

// SaveMessage inserts an unread message and returns its id.
func (h *Handle) SaveMessage(ctx context.Context, sender, receiver string, t float64, content string) (int64, error) {
	result, err := h.conn.ExecContext(ctx,
		"INSERT INTO message (username1, username2, time, content, state) VALUES (?, ?, ?, ?, ?)",
		sender, receiver, t, content, protocol.MessageUnread,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// MessagesAfter returns the messages exchanged between a and b whose id is
// greater than cursor, ordered by timestamp.
func (h *Handle) MessagesAfter(ctx context.Context, a, b string, cursor int64) ([]models.Message, error) {
	query := `
		SELECT id, username1, username2, time, COALESCE(content, ''), state
		FROM message
		WHERE id > ? AND ((username1 = ? AND username2 = ?) OR (username1 = ? AND username2 = ?))
		ORDER BY time ASC, id ASC
	`

	rows, err := h.conn.QueryContext(ctx, query, cursor, a, b, b, a)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.Sender, &m.Receiver, &m.Time, &m.Content, &m.State); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

func (h *Handle) MarkMessageRead(ctx context.Context, id int64) error {
	_, err := h.conn.ExecContext(ctx, "UPDATE message SET state = ? WHERE id = ?", protocol.MessageRead, id)
	return err
}
