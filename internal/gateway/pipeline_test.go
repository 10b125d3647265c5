package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/agentping/internal/bus"
	"github.com/nextlevelbuilder/agentping/internal/channels"
	"github.com/nextlevelbuilder/agentping/internal/config"
	"github.com/nextlevelbuilder/agentping/internal/store"
	"github.com/nextlevelbuilder/agentping/internal/store/sqldb"
)

// fakeChannel records sends and can be told to fail.
type fakeChannel struct {
	name  string
	sends []struct {
		Route bus.Route
		Msg   bus.OutboundMessage
	}
	fail error
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(ctx context.Context, route bus.Route, msg bus.OutboundMessage) error {
	if f.fail != nil {
		return f.fail
	}
	f.sends = append(f.sends, struct {
		Route bus.Route
		Msg   bus.OutboundMessage
	}{route, msg})
	return nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Session.AgentID = "main"
	cfg.Session.DMScope = "per-channel-peer"
	// Storage keeps second precision, so the test debounce must span
	// at least one full second.
	cfg.Queue.DebounceMs = 2000
	return cfg
}

type testEnv struct {
	cfg      *config.Config
	stores   *store.Stores
	registry *channels.Registry
	events   *bus.MessageBus
	engine   *Engine
	telegram *fakeChannel
}

func newTestEnv(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	db, err := sqldb.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	registry := channels.NewRegistry()
	tg := &fakeChannel{name: "telegram"}
	registry.Register(tg)

	events := bus.New()
	stores := db.Stores()
	return &testEnv{
		cfg:      cfg,
		stores:   stores,
		registry: registry,
		events:   events,
		engine:   NewEngine(cfg, stores, registry, events),
		telegram: tg,
	}
}

func inboundFixture() bus.InboundMessage {
	return bus.InboundMessage{
		Channel:   "telegram",
		AccountID: "default",
		PeerID:    "u123",
		PeerKind:  "dm",
		MessageID: "m1",
		Text:      "hello",
		Timestamp: time.Now(),
	}
}

func TestHandleInboundPersistsEverything(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, testConfig())
	sub := env.events.Subscribe("test")
	defer env.events.Unsubscribe("test")

	before := time.Now()
	require.NoError(t, env.engine.HandleInbound(ctx, inboundFixture()))

	sess, err := env.stores.Sessions.Get(ctx, "agent:main:telegram:dm:u123")
	require.NoError(t, err)
	require.NotNil(t, sess, "session must be upserted")
	require.NotNil(t, sess.LastRoute)
	require.Equal(t, "telegram", sess.LastRoute.Channel)
	require.Equal(t, "u123", sess.LastRoute.PeerID)

	messages, err := env.stores.Messages.ListBySession(ctx, sess.SessionKey, 10, 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, store.MessageReceived, messages[0].Status)
	require.Equal(t, "telegram:u123:m1", messages[0].DedupeKey)

	// The envelope is debounced, not due immediately.
	early, err := env.stores.Outbox.ClaimBatch(ctx, before, 25)
	require.NoError(t, err)
	require.Empty(t, early)

	due, err := env.stores.Outbox.ClaimBatch(ctx, before.Add(3*time.Second), 25)
	require.NoError(t, err)
	require.Len(t, due, 1)

	var envelope Envelope
	require.NoError(t, json.Unmarshal(due[0].Payload, &envelope))
	require.Equal(t, sess.SessionKey, envelope.SessionKey)
	require.Equal(t, "hello", envelope.Message.Text)
	require.NotEmpty(t, envelope.InboundID)

	select {
	case evt := <-sub.C:
		require.Equal(t, "chat", evt.Name)
		payload, ok := evt.Payload.(map[string]any)
		require.True(t, ok)
		require.Equal(t, store.DirectionInbound, payload["direction"])
		row, ok := payload["message"].(*store.Message)
		require.True(t, ok, "chat events carry the persisted row")
		require.Equal(t, envelope.InboundID, row.ID)
		require.Equal(t, sess.SessionKey, row.SessionKey)
		require.Equal(t, "hello", row.Content)
	default:
		t.Fatal("expected a chat event")
	}
}

func TestHandleInboundDropsDuplicates(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, testConfig())

	require.NoError(t, env.engine.HandleInbound(ctx, inboundFixture()))
	require.NoError(t, env.engine.HandleInbound(ctx, inboundFixture()))

	n, err := env.stores.Messages.Count(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n, "redelivery must not duplicate the message")

	due, err := env.stores.Outbox.ClaimBatch(ctx, time.Now().Add(time.Minute), 25)
	require.NoError(t, err)
	require.Len(t, due, 1, "redelivery must not enqueue a second envelope")
}

func TestHandleInboundAppliesBinding(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Bindings = []config.Binding{
		{Channel: "telegram", BusinessProfileID: "bizA", UserID: "userA"},
		{Channel: "telegram", PeerID: "u123", BusinessProfileID: "bizB", UserID: "userB", AgentID: "support"},
	}
	env := newTestEnv(t, cfg)

	require.NoError(t, env.engine.HandleInbound(ctx, inboundFixture()))

	sess, err := env.stores.Sessions.Get(ctx, "agent:main:telegram:dm:u123")
	require.NoError(t, err)
	require.NotNil(t, sess)
	require.Equal(t, "bizB", sess.BusinessProfileID, "peer-specific binding must win")
	require.Equal(t, "userB", sess.UserID)
	require.Equal(t, "support", sess.AgentID)
}

func TestHandleInboundRehomesMedia(t *testing.T) {
	ctx := context.Background()

	fileSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png-bytes"))
	}))
	defer fileSrv.Close()

	uploadSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		_, header, err := r.FormFile("file")
		require.NoError(t, err)
		require.Equal(t, "pic.png", header.Filename)
		// The upload carries the originating chat's metadata.
		require.Equal(t, "telegram", r.FormValue("channel"))
		require.Equal(t, "agent:main:telegram:dm:u123", r.FormValue("session_key"))
		require.Equal(t, "file-77", r.FormValue("source_id"))
		writeJSON(w, http.StatusOK, map[string]string{"url": "https://media.example/stored/pic.png"})
	}))
	defer uploadSrv.Close()

	cfg := testConfig()
	cfg.Backend.MediaUploadURL = uploadSrv.URL
	env := newTestEnv(t, cfg)

	msg := inboundFixture()
	msg.Attachments = []bus.Attachment{{ID: "file-77", URL: fileSrv.URL + "/pic.png", Filename: "pic.png", MimeType: "image/png"}}
	require.NoError(t, env.engine.HandleInbound(ctx, msg))

	messages, err := env.stores.Messages.ListBySession(ctx, "agent:main:telegram:dm:u123", 10, 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Len(t, messages[0].Attachments, 1)
	require.Equal(t, "https://media.example/stored/pic.png", messages[0].Attachments[0].URL)
}

func TestHandleInboundKeepsURLWhenRehomeFails(t *testing.T) {
	ctx := context.Background()

	fileSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("bytes"))
	}))
	defer fileSrv.Close()

	uploadSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "full", http.StatusInsufficientStorage)
	}))
	defer uploadSrv.Close()

	cfg := testConfig()
	cfg.Backend.MediaUploadURL = uploadSrv.URL
	env := newTestEnv(t, cfg)

	original := fileSrv.URL + "/keep.bin"
	msg := inboundFixture()
	msg.Attachments = []bus.Attachment{{URL: original, Filename: "keep.bin"}}
	require.NoError(t, env.engine.HandleInbound(ctx, msg),
		"a failed rehome must not fail the message")

	messages, err := env.stores.Messages.ListBySession(ctx, "agent:main:telegram:dm:u123", 10, 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, original, messages[0].Attachments[0].URL)
}

func TestSendOutboundViaSessionRoute(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, testConfig())

	require.NoError(t, env.engine.HandleInbound(ctx, inboundFixture()))

	sub := env.events.Subscribe("test")
	defer env.events.Unsubscribe("test")

	record, err := env.engine.SendOutbound(ctx, bus.OutboundMessage{
		SessionKey: "agent:main:telegram:dm:u123",
		Text:       "reply",
	})
	require.NoError(t, err)
	require.Len(t, env.telegram.sends, 1)
	require.Equal(t, "u123", env.telegram.sends[0].Route.PeerID)
	require.Equal(t, "reply", env.telegram.sends[0].Msg.Text)

	// The row is written once and never touched again; the dispatch
	// outcome is only visible on the event feed.
	require.Equal(t, store.MessageQueued, record.Status)
	messages, err := env.stores.Messages.ListBySession(ctx, "agent:main:telegram:dm:u123", 10, 0)
	require.NoError(t, err)
	for _, m := range messages {
		if m.Direction == store.DirectionOutbound {
			require.Equal(t, store.MessageQueued, m.Status)
		}
	}

	select {
	case chat := <-sub.C:
		require.Equal(t, "chat", chat.Name)
		payload := chat.Payload.(map[string]any)
		require.Equal(t, store.DirectionOutbound, payload["direction"])
		row, ok := payload["message"].(*store.Message)
		require.True(t, ok)
		require.Equal(t, record.ID, row.ID)
	default:
		t.Fatal("expected a chat event")
	}
}

func TestSendOutboundExplicitChannelWins(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, testConfig())
	other := &fakeChannel{name: "slack"}
	env.registry.Register(other)

	require.NoError(t, env.engine.HandleInbound(ctx, inboundFixture()))

	_, err := env.engine.SendOutbound(ctx, bus.OutboundMessage{
		SessionKey: "agent:main:telegram:dm:u123",
		Channel:    "slack",
		PeerID:     "C42",
		Text:       "cross-post",
	})
	require.NoError(t, err)
	require.Empty(t, env.telegram.sends)
	require.Len(t, other.sends, 1)
	require.Equal(t, "C42", other.sends[0].Route.PeerID)
	// The account id travels exactly as requested, empty included.
	require.Equal(t, "", other.sends[0].Route.AccountID)
}

func TestSendOutboundErrors(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, testConfig())

	_, err := env.engine.SendOutbound(ctx, bus.OutboundMessage{SessionKey: "agent:main:telegram:dm:nobody", Text: "x"})
	require.ErrorIs(t, err, ErrUnknownSession)

	// Session without a reply route.
	require.NoError(t, env.stores.Sessions.Upsert(ctx, &store.Session{
		SessionKey: "agent:main:bare", AgentID: "main",
	}))
	_, err = env.engine.SendOutbound(ctx, bus.OutboundMessage{SessionKey: "agent:main:bare", Text: "x"})
	require.ErrorIs(t, err, ErrNoRoute)

	_, err = env.engine.SendOutbound(ctx, bus.OutboundMessage{Channel: "telegram", Text: "x"})
	require.ErrorIs(t, err, ErrBadRequest)

	_, err = env.engine.SendOutbound(ctx, bus.OutboundMessage{Text: "x"})
	require.ErrorIs(t, err, ErrBadRequest)
}

func TestSendOutboundDispatchFailureKeepsRow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, testConfig())
	env.telegram.fail = errors.New("flood wait")

	require.NoError(t, env.engine.HandleInbound(ctx, inboundFixture()))
	sub := env.events.Subscribe("test")
	defer env.events.Unsubscribe("test")

	record, err := env.engine.SendOutbound(ctx, bus.OutboundMessage{
		SessionKey: "agent:main:telegram:dm:u123",
		Text:       "reply",
	})
	require.Error(t, err)
	require.NotNil(t, record)

	// The row survives at its insert-time status: rows are immutable
	// and the failure is reported on the event feed instead.
	messages, err := env.stores.Messages.ListBySession(ctx, "agent:main:telegram:dm:u123", 10, 0)
	require.NoError(t, err)
	var statuses []string
	for _, m := range messages {
		if m.Direction == store.DirectionOutbound {
			statuses = append(statuses, m.Status)
		}
	}
	require.Equal(t, []string{store.MessageQueued}, statuses,
		"the outbound row must survive the failed dispatch unmodified")

	select {
	case evt := <-sub.C:
		require.Equal(t, "status", evt.Name)
		payload := evt.Payload.(map[string]any)
		require.Equal(t, store.MessageFailed, payload["status"])
		require.Contains(t, payload["error"], "flood wait")
	default:
		t.Fatal("expected a status event for the failed dispatch")
	}
}
