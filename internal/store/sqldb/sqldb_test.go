package sqldb

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/agentping/internal/bus"
	"github.com/nextlevelbuilder/agentping/internal/store"
)

func openTestDB(t *testing.T) *store.Stores {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db.Stores()
}

func TestSessionUpsertAndGet(t *testing.T) {
	ctx := context.Background()
	stores := openTestDB(t)

	rec := &store.Session{
		SessionKey:        "agent:main:telegram:dm:u123",
		AgentID:           "main",
		BusinessProfileID: "biz1",
		UserID:            "user1",
		DMScope:           "per-peer",
		IdentityLinks:     map[string][]string{"alice": {"telegram:u123", "slack:U99"}},
		LastRoute:         &bus.Route{Channel: "telegram", AccountID: "default", PeerID: "u123"},
	}
	require.NoError(t, stores.Sessions.Upsert(ctx, rec))

	got, err := stores.Sessions.Get(ctx, rec.SessionKey)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "main", got.AgentID)
	require.Equal(t, "per-peer", got.DMScope)
	require.Equal(t, []string{"telegram:u123", "slack:U99"}, got.IdentityLinks["alice"])
	require.NotNil(t, got.LastRoute)
	require.Equal(t, "telegram", got.LastRoute.Channel)
	require.Equal(t, "u123", got.LastRoute.PeerID)
}

func TestSessionUpsertPreservesCreatedAt(t *testing.T) {
	ctx := context.Background()
	stores := openTestDB(t)

	rec := &store.Session{SessionKey: "agent:main:main", AgentID: "main"}
	require.NoError(t, stores.Sessions.Upsert(ctx, rec))
	created := rec.CreatedAt

	rec.UserID = "user2"
	rec.LastRoute = &bus.Route{Channel: "slack", AccountID: "default", PeerID: "D1"}
	require.NoError(t, stores.Sessions.Upsert(ctx, rec))

	got, err := stores.Sessions.Get(ctx, rec.SessionKey)
	require.NoError(t, err)
	require.Equal(t, created.Unix(), got.CreatedAt.Unix())
	require.Equal(t, "user2", got.UserID)
	require.Equal(t, "slack", got.LastRoute.Channel)
}

func TestSessionGetUnknownReturnsNil(t *testing.T) {
	stores := openTestDB(t)
	got, err := stores.Sessions.Get(context.Background(), "agent:none:main")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestSessionList(t *testing.T) {
	ctx := context.Background()
	stores := openTestDB(t)

	for _, key := range []string{"agent:a:main", "agent:b:main", "agent:c:main"} {
		require.NoError(t, stores.Sessions.Upsert(ctx, &store.Session{SessionKey: key, AgentID: "main"}))
	}
	list, err := stores.Sessions.List(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 3)

	n, err := stores.Sessions.Count(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, n)
}

func TestMessageInsertRejectsDuplicateDedupeKey(t *testing.T) {
	ctx := context.Background()
	stores := openTestDB(t)

	msg := &store.Message{
		SessionKey: "agent:main:main",
		Direction:  store.DirectionInbound,
		Channel:    "telegram",
		PeerID:     "u123",
		Content:    "hello",
		Status:     store.MessageReceived,
		DedupeKey:  "telegram:u123:m1",
	}
	require.NoError(t, stores.Messages.Insert(ctx, msg))

	dup := &store.Message{
		SessionKey: "agent:main:main",
		Direction:  store.DirectionInbound,
		Channel:    "telegram",
		PeerID:     "u123",
		Content:    "hello again",
		Status:     store.MessageReceived,
		DedupeKey:  "telegram:u123:m1",
	}
	err := stores.Messages.Insert(ctx, dup)
	require.ErrorIs(t, err, store.ErrDuplicateMessage)

	exists, err := stores.Messages.DedupeExists(ctx, "telegram:u123:m1")
	require.NoError(t, err)
	require.True(t, exists)

	exists, err = stores.Messages.DedupeExists(ctx, "telegram:u123:m2")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestMessageEmptyDedupeKeyNotUnique(t *testing.T) {
	ctx := context.Background()
	stores := openTestDB(t)

	for i := 0; i < 2; i++ {
		msg := &store.Message{
			SessionKey: "agent:main:main",
			Direction:  store.DirectionOutbound,
			Channel:    "slack",
			Status:     store.MessageQueued,
		}
		require.NoError(t, stores.Messages.Insert(ctx, msg))
	}
	n, err := stores.Messages.Count(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestMessageListBySession(t *testing.T) {
	ctx := context.Background()
	stores := openTestDB(t)

	msg := &store.Message{
		SessionKey: "agent:main:main",
		Direction:  store.DirectionInbound,
		Channel:    "telegram",
		Content:    "with files",
		Status:     store.MessageReceived,
		Attachments: []bus.Attachment{
			{URL: "https://files.example/a.png", MimeType: "image/png", Filename: "a.png"},
		},
	}
	require.NoError(t, stores.Messages.Insert(ctx, msg))

	list, err := stores.Messages.ListBySession(ctx, "agent:main:main", 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "with files", list[0].Content)
	require.Len(t, list[0].Attachments, 1)
	require.Equal(t, "a.png", list[0].Attachments[0].Filename)

	list, err = stores.Messages.ListBySession(ctx, "agent:other:main", 10, 0)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestOutboxClaimIsFIFOAndExclusive(t *testing.T) {
	ctx := context.Background()
	stores := openTestDB(t)
	now := time.Now()

	first, err := stores.Outbox.Enqueue(ctx, json.RawMessage(`{"n":1}`), now.Add(-time.Minute))
	require.NoError(t, err)
	second, err := stores.Outbox.Enqueue(ctx, json.RawMessage(`{"n":2}`), now.Add(-time.Minute))
	require.NoError(t, err)
	_, err = stores.Outbox.Enqueue(ctx, json.RawMessage(`{"n":3}`), now.Add(time.Hour))
	require.NoError(t, err)

	claimed, err := stores.Outbox.ClaimBatch(ctx, now, 25)
	require.NoError(t, err)
	require.Len(t, claimed, 2, "future item must not be claimed")
	require.Equal(t, first.ID, claimed[0].ID)
	require.Equal(t, second.ID, claimed[1].ID)

	again, err := stores.Outbox.ClaimBatch(ctx, now, 25)
	require.NoError(t, err)
	require.Empty(t, again, "claimed items must not be claimed twice")
}

func TestOutboxFailedItemsAreReclaimedWhenDue(t *testing.T) {
	ctx := context.Background()
	stores := openTestDB(t)
	now := time.Now()

	item, err := stores.Outbox.Enqueue(ctx, json.RawMessage(`{}`), now)
	require.NoError(t, err)

	claimed, err := stores.Outbox.ClaimBatch(ctx, now, 25)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, stores.Outbox.MarkFailed(ctx, item.ID, 1, now.Add(5*time.Second), "connection refused"))

	early, err := stores.Outbox.ClaimBatch(ctx, now, 25)
	require.NoError(t, err)
	require.Empty(t, early, "failed item not yet due")

	due, err := stores.Outbox.ClaimBatch(ctx, now.Add(6*time.Second), 25)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, item.ID, due[0].ID)
	require.Equal(t, 1, due[0].RetryCount)
}

func TestOutboxMarkDelivered(t *testing.T) {
	ctx := context.Background()
	stores := openTestDB(t)
	now := time.Now()

	item, err := stores.Outbox.Enqueue(ctx, json.RawMessage(`{}`), now)
	require.NoError(t, err)

	_, err = stores.Outbox.ClaimBatch(ctx, now, 25)
	require.NoError(t, err)
	require.NoError(t, stores.Outbox.MarkDelivered(ctx, item.ID))

	counts, err := stores.Outbox.CountByStatus(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, counts[store.OutboxDelivered])

	claimed, err := stores.Outbox.ClaimBatch(ctx, now.Add(time.Hour), 25)
	require.NoError(t, err)
	require.Empty(t, claimed)
}

func TestOutboxBatchLimit(t *testing.T) {
	ctx := context.Background()
	stores := openTestDB(t)
	now := time.Now()

	for i := 0; i < 30; i++ {
		_, err := stores.Outbox.Enqueue(ctx, json.RawMessage(`{}`), now.Add(-time.Minute))
		require.NoError(t, err)
	}
	claimed, err := stores.Outbox.ClaimBatch(ctx, now, 25)
	require.NoError(t, err)
	require.Len(t, claimed, 25)

	rest, err := stores.Outbox.ClaimBatch(ctx, now, 25)
	require.NoError(t, err)
	require.Len(t, rest, 5)
}
