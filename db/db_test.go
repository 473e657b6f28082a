package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securemsg/models"
	"securemsg/protocol"
)

func setupTestDB(t *testing.T, mode CredentialMode) (*DB, *Handle) {
	t.Helper()

	database, err := New(filepath.Join(t.TempDir(), "test.db"), mode)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	h, err := database.Handle(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	return database, h
}

func TestCreateAndAuthenticateUser(t *testing.T) {
	for _, mode := range []CredentialMode{CredentialsPlain, CredentialsBcrypt} {
		t.Run(string(mode), func(t *testing.T) {
			ctx := context.Background()
			_, h := setupTestDB(t, mode)

			created, err := h.CreateUser(ctx, "alice", "secret")
			require.NoError(t, err)
			assert.True(t, created)

			created, err = h.CreateUser(ctx, "alice", "other")
			require.NoError(t, err)
			assert.False(t, created, "duplicate username must not be created")

			ok, err := h.AuthenticateUser(ctx, "alice", "secret")
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = h.AuthenticateUser(ctx, "alice", "wrong")
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = h.AuthenticateUser(ctx, "nobody", "secret")
			require.NoError(t, err)
			assert.False(t, ok)

			exists, err := h.UserExists(ctx, "alice")
			require.NoError(t, err)
			assert.True(t, exists)
		})
	}
}

func TestBcryptDoesNotStorePlaintext(t *testing.T) {
	ctx := context.Background()
	_, h := setupTestDB(t, CredentialsBcrypt)

	_, err := h.CreateUser(ctx, "alice", "secret")
	require.NoError(t, err)

	user, found, err := h.User(ctx, "alice")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "alice", user.Username)
	assert.NotEqual(t, "secret", user.Password)

	_, found, err = h.User(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRelations(t *testing.T) {
	ctx := context.Background()
	_, h := setupTestDB(t, CredentialsPlain)

	_, found, err := h.Relation(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, h.InsertRelation(ctx, models.FriendRelation{Username1: "alice", Username2: "bob", State: protocol.StateSend}))
	require.NoError(t, h.InsertRelation(ctx, models.FriendRelation{Username1: "alice", Username2: "carol", State: protocol.StateBeing}))

	// the composite key keeps one row per canonical pair
	err = h.InsertRelation(ctx, models.FriendRelation{Username1: "alice", Username2: "bob", State: protocol.StateBeing})
	assert.ErrorIs(t, err, ErrConflict)

	state, found, err := h.Relation(ctx, "alice", "bob")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, protocol.StateSend, state)

	require.NoError(t, h.UpdateRelation(ctx, models.FriendRelation{Username1: "alice", Username2: "bob", State: protocol.StateBeing}))
	err = h.UpdateRelation(ctx, models.FriendRelation{Username1: "bob", Username2: "dave", State: protocol.StateBeing})
	assert.ErrorIs(t, err, sql.ErrNoRows)

	rels, err := h.Relations(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, "alice", rels[0].Peer("bob"))
	assert.Equal(t, protocol.StateBeing, rels[0].State)

	rels, err = h.Relations(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, rels, 2)
}

func TestMessagesAfter(t *testing.T) {
	ctx := context.Background()
	_, h := setupTestDB(t, CredentialsPlain)

	id1, err := h.SaveMessage(ctx, "alice", "bob", 100.5, "hi")
	require.NoError(t, err)
	id2, err := h.SaveMessage(ctx, "bob", "alice", 101.25, "hello")
	require.NoError(t, err)
	_, err = h.SaveMessage(ctx, "alice", "carol", 102, "elsewhere")
	require.NoError(t, err)
	assert.Greater(t, id2, id1)

	msgs, err := h.MessagesAfter(ctx, "bob", "alice", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, 100.5, msgs[0].Time)
	assert.Equal(t, protocol.MessageUnread, msgs[0].State)
	assert.Equal(t, "bob", msgs[1].Sender)

	msgs, err = h.MessagesAfter(ctx, "alice", "bob", id1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id2, msgs[0].ID)

	require.NoError(t, h.MarkMessageRead(ctx, id2))
	msgs, err = h.MessagesAfter(ctx, "alice", "bob", id1)
	require.NoError(t, err)
	assert.Equal(t, protocol.MessageRead, msgs[0].State)
}

func TestHandlesAreIndependent(t *testing.T) {
	ctx := context.Background()
	database, h := setupTestDB(t, CredentialsPlain)

	other, err := database.Handle(ctx)
	require.NoError(t, err)
	defer other.Close()

	_, err = h.SaveMessage(ctx, "alice", "bob", 1, "from one handle")
	require.NoError(t, err)

	msgs, err := other.MessagesAfter(ctx, "alice", "bob", 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestConcurrentSignUpsWithSameName(t *testing.T) {
	ctx := context.Background()
	database, _ := setupTestDB(t, CredentialsPlain)

	const workers = 8
	type result struct {
		created bool
		err     error
	}
	results := make(chan result, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := database.Handle(ctx)
			if err != nil {
				results <- result{err: err}
				return
			}
			defer h.Close()
			created, err := h.CreateUser(ctx, "alice", "secret")
			results <- result{created, err}
		}()
	}
	wg.Wait()
	close(results)

	created := 0
	for r := range results {
		require.NoError(t, r.err, "a lost race is a refusal, not an error")
		if r.created {
			created++
		}
	}
	assert.Equal(t, 1, created)
}

func TestParseCredentialMode(t *testing.T) {
	m, err := ParseCredentialMode("")
	require.NoError(t, err)
	assert.Equal(t, CredentialsPlain, m)

	m, err = ParseCredentialMode("bcrypt")
	require.NoError(t, err)
	assert.Equal(t, CredentialsBcrypt, m)

	_, err = ParseCredentialMode("md5")
	assert.Error(t, err)
}
