package storage

import (
	"context"
	"github.com/postkit/mta/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"os"
	"testing"
	"time"
)

var log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

func newTestMemory(t *testing.T) *Memory {
	m := NewMemory()
	m.AddMailbox("addr1", "Alice@example.com", 1000, "member1")
	m.AddMailbox("addr2", "shared@example.com", 1000, "member1", "member2")
	m.AddMailbox("addr3", "orphan@example.com", 1000)
	m.AddMailbox("addr4", "full@example.com", 0, "member4")
	require.Nil(t, m.AddUser("alice", "pass1", "", model.Identity{
		WorkspaceId: "ws1",
		AddressId:   "addr1",
		MemberId:    "member1",
		Address:     "alice@example.com",
	}, "alias@example.com"))
	require.Nil(t, m.AddUser("bob", "pass2", "cram-secret", model.Identity{
		WorkspaceId: "ws1",
		AddressId:   "addr9",
		MemberId:    "member9",
		Address:     "bob@example.com",
	}))
	return m
}

func TestMemory_Lookup(t *testing.T) {
	s := NewLogging(newTestMemory(t), log)
	cases := map[string]struct {
		email  string
		lookup AddressLookup
		err    error
	}{
		"single owner": {
			email:  "alice@EXAMPLE.com",
			lookup: AddressLookup{AddressId: "addr1", OwnerCount: 1},
		},
		"shared": {
			email:  "shared@example.com",
			lookup: AddressLookup{AddressId: "addr2", OwnerCount: 2},
		},
		"orphan": {
			email:  "orphan@example.com",
			lookup: AddressLookup{AddressId: "addr3"},
		},
		"missing": {
			email: "nobody@example.com",
			err:   ErrNotFound,
		},
	}
	for k, c := range cases {
		t.Run(k, func(t *testing.T) {
			l, err := s.Lookup(context.TODO(), c.email)
			assert.Equal(t, c.lookup, l)
			assert.ErrorIs(t, err, c.err)
		})
	}
}

func TestMemory_SaveUsesQuota(t *testing.T) {
	m := newTestMemory(t)
	s := NewLogging(m, log)
	remaining, err := s.Remaining(context.TODO(), "addr1")
	require.Nil(t, err)
	assert.Equal(t, int64(1000), remaining)
	ids, err := s.Save(context.TODO(), model.Message{AddressId: "addr1", MessageId: "m1", SizeBytes: 600})
	require.Nil(t, err)
	require.Len(t, ids, 1)
	id := ids[0]
	remaining, err = s.Remaining(context.TODO(), "addr1")
	require.Nil(t, err)
	assert.Equal(t, int64(400), remaining)
	_, err = s.Save(context.TODO(), model.Message{AddressId: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Len(t, m.Messages(), 1)
	require.Nil(t, s.Notify(context.TODO(), "addr1", id))
	assert.Equal(t, id, m.Notifications()[0].MessageId)
	require.Nil(t, s.Record(context.TODO(), Delivery{JobId: "j1", Accepted: []string{"x@example.org"}, At: time.Now()}))
	assert.Equal(t, "j1", m.Deliveries()[0].JobId)
}

func TestMemory_SaveBatchAllOrNothing(t *testing.T) {
	m := newTestMemory(t)
	s := NewLogging(m, log)
	_, err := s.Save(
		context.TODO(),
		model.Message{AddressId: "addr1", MessageId: "m1", SizeBytes: 100},
		model.Message{AddressId: "missing", MessageId: "m1", SizeBytes: 100},
	)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, m.Messages())
	remaining, err := s.Remaining(context.TODO(), "addr1")
	require.Nil(t, err)
	assert.Equal(t, int64(1000), remaining)
	ids, err := s.Save(
		context.TODO(),
		model.Message{AddressId: "addr1", MessageId: "m1", SizeBytes: 100},
		model.Message{AddressId: "addr2", MessageId: "m1", SizeBytes: 100},
	)
	require.Nil(t, err)
	assert.Len(t, ids, 2)
	assert.NotEqual(t, ids[0], ids[1])
	assert.Len(t, m.Messages(), 2)
}

func TestMemory_Credentials(t *testing.T) {
	s := NewLogging(newTestMemory(t), log)
	id, err := s.Verify(context.TODO(), "alice", "pass1")
	require.Nil(t, err)
	assert.Equal(t, "member1", id.MemberId)
	_, err = s.Verify(context.TODO(), "alice", "wrong")
	assert.ErrorIs(t, err, ErrAuth)
	_, err = s.Verify(context.TODO(), "nobody", "pass1")
	assert.ErrorIs(t, err, ErrAuth)
	cases := map[string]struct {
		email string
		owns  bool
	}{
		"own address":     {email: "alice@example.com", owns: true},
		"alias":           {email: "Alias@example.com", owns: true},
		"shared mailbox":  {email: "shared@example.com", owns: true},
		"foreign mailbox": {email: "full@example.com"},
		"unknown address": {email: "ceo@example.com"},
	}
	for k, c := range cases {
		t.Run(k, func(t *testing.T) {
			owns, err := s.Owns(context.TODO(), id, c.email)
			assert.Nil(t, err)
			assert.Equal(t, c.owns, owns)
		})
	}
}

func TestMemory_Secret(t *testing.T) {
	s := NewLogging(newTestMemory(t), log).(Secrets)
	secret, id, err := s.Secret(context.TODO(), "bob")
	require.Nil(t, err)
	assert.Equal(t, "cram-secret", secret)
	assert.Equal(t, "member9", id.MemberId)
	_, _, err = s.Secret(context.TODO(), "alice")
	assert.ErrorIs(t, err, ErrNoSecret)
	_, _, err = s.Secret(context.TODO(), "nobody")
	assert.ErrorIs(t, err, ErrAuth)
}

func TestPostgres(t *testing.T) {
	dsn := os.Getenv("STORAGE_DSN")
	if dsn == "" {
		t.Skip("STORAGE_DSN is not set")
	}
	s, err := NewPostgres(context.TODO(), dsn)
	require.Nil(t, err)
	defer s.Close()
	_, err = s.Lookup(context.TODO(), "nobody-at-all@example.invalid")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Verify(context.TODO(), "nobody-at-all", "x")
	assert.ErrorIs(t, err, ErrAuth)
	err = s.Record(context.TODO(), Delivery{JobId: "test", At: time.Now()})
	assert.Nil(t, err)
}
