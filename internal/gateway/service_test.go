// ABOUTME: End-to-end tests over the full gateway stack on the loopback
// ABOUTME: transport: pairing, sends, inbound flow, merging, campaigns

package gateway_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mitbiz/wagate/internal/broadcast"
	"github.com/mitbiz/wagate/internal/config"
	"github.com/mitbiz/wagate/internal/conversation"
	"github.com/mitbiz/wagate/internal/dedupe"
	"github.com/mitbiz/wagate/internal/gateway"
	"github.com/mitbiz/wagate/internal/inbound"
	"github.com/mitbiz/wagate/internal/media"
	"github.com/mitbiz/wagate/internal/session"
	"github.com/mitbiz/wagate/internal/store"
	"github.com/mitbiz/wagate/internal/wire"
)

type stubFetcher struct {
	fetches int
}

func (f *stubFetcher) Fetch(context.Context, string) ([]byte, error) {
	f.fetches++
	return []byte("image-bytes"), nil
}

type fixture struct {
	svc     *gateway.Service
	store   *store.SQLiteStore
	dialer  *wire.LoopbackDialer
	fetcher *stubFetcher
}

// newFixture wires the whole gateway the way cmd/wagate does, with the
// loopback dialer in place of the real protocol library.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	events := conversation.NewEventBroadcaster(logger)
	t.Cleanup(events.Close)

	cache := dedupe.New(time.Minute, 1000)
	t.Cleanup(cache.Close)

	uploader := &media.DirUploader{Dir: t.TempDir(), BaseURL: "https://media.test"}
	processor := inbound.NewProcessor(s, cache, uploader, events, logger)

	dialer := wire.NewLoopbackDialer()
	registry := session.NewRegistry(session.Deps{
		Store:  s,
		Creds:  session.NewCredentialStore(s, logger),
		Dialer: dialer,
		OnMessage: func(sessionID, _ string, ev wire.MessageEvent) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = processor.Handle(ctx, sessionID, ev)
		},
		Logger: logger,
		Config: config.ProtocolConfig{
			ConnectTimeout:   2 * time.Second,
			ReconnectBackoff: 50 * time.Millisecond,
			ResumeGrace:      time.Second,
		},
	})
	t.Cleanup(registry.Close)

	fetcher := &stubFetcher{}
	engine := broadcast.NewEngine(s, fetcher, config.BroadcastConfig{
		DefaultDelayMs:        1,
		DefaultJitterMs:       0,
		FailureBackoffFloorMs: 1200,
		CountryPrefix:         "62",
	}, logger)

	return &fixture{
		svc:     gateway.New(s, registry, engine, events, fetcher, logger),
		store:   s,
		dialer:  dialer,
		fetcher: fetcher,
	}
}

// connect walks a session through the full pairing handshake.
func (f *fixture) connect(t *testing.T, sessionID, ownerID string) *wire.LoopbackTransport {
	t.Helper()

	st, err := f.svc.StartOrResumeSession(t.Context(), sessionID, ownerID, "Test Session")
	require.NoError(t, err)
	require.False(t, st.Connected)
	require.NotEmpty(t, st.PairingArtifact)

	tr := f.dialer.Transport(sessionID)
	require.NotNil(t, tr)
	tr.EmitCredentials([]byte(`{"creds":"` + sessionID + `"}`))
	tr.EmitOpened("6289999000000" + wire.SuffixUser)

	require.Eventually(t, func() bool {
		ps, err := f.svc.GetPairingState(t.Context(), sessionID)
		return err == nil && ps.Connected
	}, 2*time.Second, 10*time.Millisecond)
	return tr
}

func TestPairingLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	first, err := f.svc.StartOrResumeSession(ctx, "sess-1", "owner-1", "Primary")
	require.NoError(t, err)
	assert.False(t, first.Connected)
	assert.True(t, strings.HasPrefix(first.PairingArtifact, "data:image/png;base64,"))

	// A second call while the handshake is pending joins it rather than
	// starting over: same artifact, no new dial.
	second, err := f.svc.StartOrResumeSession(ctx, "sess-1", "owner-1", "Primary")
	require.NoError(t, err)
	assert.Equal(t, first.PairingArtifact, second.PairingArtifact)

	tr := f.dialer.Transport("sess-1")
	tr.EmitCredentials([]byte(`{"creds":"sess-1"}`))
	tr.EmitOpened("6289999000000" + wire.SuffixUser)

	require.Eventually(t, func() bool {
		ps, err := f.svc.GetPairingState(ctx, "sess-1")
		return err == nil && ps.Connected
	}, 2*time.Second, 10*time.Millisecond)

	ps, err := f.svc.GetPairingState(ctx, "sess-1")
	require.NoError(t, err)
	assert.Empty(t, ps.PairingArtifact, "artifact is cleared once connected")

	sess, err := f.store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, sess.Connected)
	assert.Equal(t, "6289999000000"+wire.SuffixUser, sess.MeIdentity)

	blob, err := f.store.LoadCredentials(ctx, "sess-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"creds":"sess-1"}`, string(blob))
}

func TestSendDirectMessagePersistsOutbound(t *testing.T) {
	f := newFixture(t)
	tr := f.connect(t, "sess-1", "owner-1")
	ctx := t.Context()

	res, err := f.svc.SendDirectMessage(ctx, "sess-1", "081199998888", "hello there")
	require.NoError(t, err)
	assert.Equal(t, "6281199998888"+wire.SuffixUser, res.Address)
	assert.NotEmpty(t, res.ExternalID)

	sent := tr.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "hello there", sent[0].Text)

	msgs, err := f.svc.GetMessageHistory(ctx, "sess-1", []string{"6281199998888"}, "", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.DirectionOutgoing, msgs[0].Direction)
	assert.Equal(t, store.MessageStatusSent, msgs[0].Status)

	convs, err := f.svc.ListConversations(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, 0, convs[0].Conversation.UnreadCount, "own sends never count as unread")
}

func TestSendToUnpairedSessionFails(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.SendDirectMessage(t.Context(), "ghost", "6281100000000", "hi")
	assert.ErrorIs(t, err, session.ErrPairingRequired)
}

func TestInboundMessageReachesSubscribers(t *testing.T) {
	f := newFixture(t)
	tr := f.connect(t, "sess-1", "owner-1")
	ctx := t.Context()

	events, _ := f.svc.Subscribe(ctx, "sess-1")

	peer := "6281122223333" + wire.SuffixUser
	tr.EmitMessage(wire.MessageEvent{
		ExternalID: "ext-1",
		Address:    peer,
		PushName:   "Alice",
		Timestamp:  time.Now(),
		Content:    wire.MessageContent{Text: "ping"},
	})

	select {
	case ev := <-events:
		assert.Equal(t, conversation.EventNewMessage, ev.Type)
		assert.Equal(t, peer, ev.Address)
		assert.Equal(t, "ping", ev.Message.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("no event for inbound message")
	}

	require.Eventually(t, func() bool {
		convs, err := f.svc.ListConversations(ctx, "sess-1")
		return err == nil && len(convs) == 1 && convs[0].Conversation.UnreadCount == 1
	}, 2*time.Second, 10*time.Millisecond)

	convs, err := f.svc.ListConversations(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", convs[0].Conversation.DisplayName)
}

func TestLinkedDeviceFormsMergeIntoOneConversation(t *testing.T) {
	f := newFixture(t)
	tr := f.connect(t, "sess-1", "owner-1")
	ctx := t.Context()

	userForm := "6281100000000" + wire.SuffixUser
	lidForm := "6281100000000" + wire.SuffixLinkedDevice

	tr.EmitMessage(wire.MessageEvent{
		ExternalID: "ext-1",
		Address:    userForm,
		PushName:   "Alice",
		Timestamp:  time.Now().Add(-time.Minute),
		Content:    wire.MessageContent{Text: "from phone"},
	})
	tr.EmitMessage(wire.MessageEvent{
		ExternalID: "ext-2",
		Address:    lidForm,
		Timestamp:  time.Now(),
		Content:    wire.MessageContent{Text: "from laptop"},
	})

	require.Eventually(t, func() bool {
		convs, err := f.svc.ListConversations(ctx, "sess-1")
		return err == nil && len(convs) == 1 && convs[0].Conversation.UnreadCount == 2
	}, 2*time.Second, 10*time.Millisecond)

	convs, err := f.svc.ListConversations(ctx, "sess-1")
	require.NoError(t, err)
	m := convs[0]
	assert.Equal(t, lidForm, m.Conversation.Address, "fresher variant leads")
	assert.Equal(t, "Alice", m.Conversation.DisplayName)
	assert.ElementsMatch(t, []string{userForm, lidForm}, m.Addresses())

	// History reads span every address of the merged conversation.
	msgs, err := f.svc.GetMessageHistory(ctx, "sess-1", m.Addresses(), "", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "from phone", msgs[0].Text)
	assert.Equal(t, "from laptop", msgs[1].Text)

	require.NoError(t, f.svc.MarkConversationRead(ctx, "sess-1", m.Addresses()))
	convs, err = f.svc.ListConversations(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 0, convs[0].Conversation.UnreadCount)
}

func TestSubmitBroadcastUsesOwnerContacts(t *testing.T) {
	f := newFixture(t)
	tr := f.connect(t, "sess-1", "owner-1")
	ctx := t.Context()

	require.NoError(t, f.store.CreateContact(ctx, &store.Contact{
		ID: "c1", OwnerID: "owner-1", Phone: "081199998888", Name: "Alice",
	}))
	require.NoError(t, f.store.CreateContact(ctx, &store.Contact{
		ID: "c2", OwnerID: "owner-1", Phone: "081199997777", Name: "Bob",
	}))

	res, err := f.svc.SubmitBroadcast(ctx, "owner-1", gateway.BroadcastParams{
		UseAllContacts: true,
		Type:           store.CampaignTypeText,
		Text:           "Hi {name}",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Summary[store.DeliverySent])

	sent := tr.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "Hi Alice", sent[0].Text)
	assert.Equal(t, "Hi Bob", sent[1].Text)
}

func TestSubmitBroadcastWithoutSessionFails(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.SubmitBroadcast(t.Context(), "nobody", gateway.BroadcastParams{
		Type:      store.CampaignTypeText,
		Text:      "hi",
		Addresses: []string{"6281100000000"},
	})
	assert.ErrorIs(t, err, session.ErrPairingRequired)
}

func TestSendToGroupWithImage(t *testing.T) {
	f := newFixture(t)
	tr := f.connect(t, "sess-1", "owner-1")
	ctx := t.Context()

	group := "12036304@g.us"
	tr.SetGroups([]wire.GroupMetadata{{Address: group, Subject: "Team"}})

	res, err := f.svc.SendToGroup(ctx, "sess-1", group, gateway.GroupPayload{
		Type:     store.CampaignTypeImage,
		Text:     "weekly chart",
		ImageURL: "https://img.example/chart.png",
	})
	require.NoError(t, err)
	assert.Equal(t, group, res.Address)
	assert.Equal(t, 1, f.fetcher.fetches)

	sent := tr.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, []byte("image-bytes"), sent[0].Image)
	assert.Equal(t, "weekly chart", sent[0].Caption)

	msgs, err := f.svc.GetMessageHistory(ctx, "sess-1", []string{group}, "", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "imageMessage", msgs[0].Type)
}

func TestDMEveryGroupMemberExcludesSelfAndAdmins(t *testing.T) {
	f := newFixture(t)
	tr := f.connect(t, "sess-1", "owner-1")
	ctx := t.Context()

	group := "12036304@g.us"
	memberA := "6281100000001" + wire.SuffixUser
	memberB := "6281100000002" + wire.SuffixUser
	admin := "6281100000003" + wire.SuffixUser
	tr.SetGroups([]wire.GroupMetadata{{
		Address: group,
		Subject: "Team",
		Participants: []wire.Participant{
			{Address: "6289999000000" + wire.SuffixLinkedDevice}, // self, other address form
			{Address: memberA},
			{Address: memberB},
			{Address: admin, Admin: true},
		},
	}})

	throttle := &broadcast.Throttle{DelayMs: 1, JitterMs: 0, FailureFloorMs: 1}
	res, err := f.svc.DMEveryGroupMember(ctx, "sess-1", group, gateway.GroupPayload{
		Type: store.CampaignTypeText,
		Text: "hello",
	}, throttle, false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Summary[store.DeliverySent])

	var addrs []string
	for _, m := range tr.Sent() {
		addrs = append(addrs, m.Address)
	}
	assert.ElementsMatch(t, []string{memberA, memberB}, addrs)
}

func TestEndSessionWipesAndForcesRepair(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "sess-1", "owner-1")
	ctx := t.Context()

	require.NoError(t, f.svc.EndSession(ctx, "sess-1"))

	_, err := f.store.LoadCredentials(ctx, "sess-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	ps, err := f.svc.GetPairingState(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, ps.Connected)

	// The next start goes through a fresh handshake.
	st, err := f.svc.StartOrResumeSession(ctx, "sess-1", "owner-1", "Test Session")
	require.NoError(t, err)
	assert.False(t, st.Connected)
	assert.NotEmpty(t, st.PairingArtifact)
}
