// ABOUTME: Tests for recipient resolution and the sequential delivery loop
// ABOUTME: Jitter bounds, failure pacing, skips and per-recipient outcomes

package broadcast

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mitbiz/wagate/internal/config"
	"github.com/mitbiz/wagate/internal/store"
	"github.com/mitbiz/wagate/internal/wire"
)

type fakeFetcher struct {
	fetches int
	fail    bool
}

func (f *fakeFetcher) Fetch(context.Context, string) ([]byte, error) {
	f.fetches++
	if f.fail {
		return nil, assert.AnError
	}
	return []byte("image-bytes"), nil
}

// campaignCountingStore counts campaign row inserts.
type campaignCountingStore struct {
	store.Store
	created int
}

func (s *campaignCountingStore) CreateCampaign(ctx context.Context, c *store.Campaign) error {
	s.created++
	return s.Store.CreateCampaign(ctx, c)
}

func newTestEngine(t *testing.T) (*Engine, *store.SQLiteStore, *fakeFetcher, *[]time.Duration) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	fetcher := &fakeFetcher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := NewEngine(s, fetcher, config.BroadcastConfig{
		DefaultDelayMs:        10,
		DefaultJitterMs:       0,
		FailureBackoffFloorMs: 1200,
		CountryPrefix:         "62",
	}, logger)

	sleeps := &[]time.Duration{}
	e.sleep = func(d time.Duration) { *sleeps = append(*sleeps, d) }
	return e, s, fetcher, sleeps
}

func newLoopTransport(t *testing.T) *wire.LoopbackTransport {
	t.Helper()
	d := wire.NewLoopbackDialer()
	tr, err := d.Dial(t.Context(), wire.DialConfig{
		SessionID:   "sess-1",
		Credentials: []byte(`{"creds":"x"}`),
		Sink:        func(wire.Event) {},
	})
	require.NoError(t, err)
	return tr.(*wire.LoopbackTransport)
}

func TestWithJitterBounds(t *testing.T) {
	for i := 0; i < 1000; i++ {
		d := withJitter(1000, 400)
		assert.GreaterOrEqual(t, d, 600*time.Millisecond)
		assert.LessOrEqual(t, d, 1400*time.Millisecond)
	}
	for i := 0; i < 1000; i++ {
		assert.GreaterOrEqual(t, withJitter(100, 400), time.Duration(0))
	}
	assert.Equal(t, 500*time.Millisecond, withJitter(500, 0))
}

func TestRunRecordsEveryRecipientInOrder(t *testing.T) {
	e, s, _, _ := newTestEngine(t)
	tr := newLoopTransport(t)

	addrA := "6281110000001" + wire.SuffixUser
	addrB := "6281110000002" + wire.SuffixUser
	addrC := "6281110000003" + wire.SuffixUser
	tr.FailSendsTo(addrB, assert.AnError)

	res, err := e.Run(t.Context(), tr, Request{
		SessionID: "sess-1",
		OwnerID:   "owner-1",
		Type:      store.CampaignTypeText,
		Text:      "hello",
		Addresses: []string{"6281110000001", "6281110000002", "6281110000003"},
	})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Total)
	assert.Equal(t, map[string]int{
		store.DeliverySent:   2,
		store.DeliveryFailed: 1,
	}, res.Summary)

	require.Len(t, res.Results, 3)
	assert.Equal(t, addrA, res.Results[0].Address)
	assert.Equal(t, store.DeliverySent, res.Results[0].Status)
	assert.Equal(t, addrB, res.Results[1].Address)
	assert.Equal(t, store.DeliveryFailed, res.Results[1].Status)
	assert.NotEmpty(t, res.Results[1].Error)
	assert.Equal(t, addrC, res.Results[2].Address)
	assert.Equal(t, store.DeliverySent, res.Results[2].Status)

	// Every outcome is durable, in delivery order.
	persisted, err := s.ListDeliveryResults(t.Context(), res.CampaignID)
	require.NoError(t, err)
	require.Len(t, persisted, 3)
	assert.Equal(t, addrB, persisted[1].Address)
}

func TestFailureSlowsTheLoopDown(t *testing.T) {
	e, _, _, sleeps := newTestEngine(t)
	tr := newLoopTransport(t)

	addrB := "6281110000002" + wire.SuffixUser
	tr.FailSendsTo(addrB, assert.AnError)

	_, err := e.Run(t.Context(), tr, Request{
		SessionID: "sess-1",
		Type:      store.CampaignTypeText,
		Text:      "hello",
		Addresses: []string{"6281110000001", "6281110000002", "6281110000003"},
	})
	require.NoError(t, err)

	// Two inter-recipient sleeps: a short one after the success, the
	// failure floor after the failure. No sleep after the last.
	require.Len(t, *sleeps, 2)
	assert.Equal(t, 10*time.Millisecond, (*sleeps)[0])
	assert.Equal(t, 1200*time.Millisecond, (*sleeps)[1])
}

func TestResolveNormalizesPhones(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	tr := newLoopTransport(t)

	res, err := e.Run(t.Context(), tr, Request{
		SessionID: "sess-1",
		Type:      store.CampaignTypeText,
		Text:      "hi",
		Addresses: []string{"081199998888"},
	})
	require.NoError(t, err)

	require.Len(t, res.Results, 1)
	assert.Equal(t, "6281199998888"+wire.SuffixUser, res.Results[0].Address)
}

func TestResolveContactsWithExplicitOverlay(t *testing.T) {
	e, s, _, _ := newTestEngine(t)
	tr := newLoopTransport(t)
	ctx := t.Context()

	require.NoError(t, s.CreateContact(ctx, &store.Contact{
		ID: "c1", OwnerID: "owner-1", Phone: "081199998888", Name: "Alice",
	}))
	require.NoError(t, s.CreateContact(ctx, &store.Contact{
		ID: "c2", OwnerID: "owner-1", Phone: "081199997777", Name: "Bob",
	}))

	res, err := e.Run(ctx, tr, Request{
		SessionID:      "sess-1",
		OwnerID:        "owner-1",
		Type:           store.CampaignTypeText,
		Text:           "hi {name}",
		UseAllContacts: true,
		// The explicit mention of Alice's normalized number must not
		// produce a duplicate or drop her contact link.
		Addresses: []string{"6281199998888", "6281110000009"},
	})
	require.NoError(t, err)

	require.Len(t, res.Results, 3)
	assert.Equal(t, "c1", res.Results[0].ContactID)
	assert.Equal(t, "c2", res.Results[1].ContactID)
	assert.Empty(t, res.Results[2].ContactID)

	sent := tr.Sent()
	require.Len(t, sent, 3)
	assert.Equal(t, "hi Alice", sent[0].Text)
	assert.Equal(t, "hi Bob", sent[1].Text)
	assert.Equal(t, "hi ", sent[2].Text, "unknown name renders empty")
}

func TestEmptyResolutionFailsFast(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	tr := newLoopTransport(t)

	_, err := e.Run(t.Context(), tr, Request{
		SessionID: "sess-1",
		Type:      store.CampaignTypeText,
		Text:      "hi",
		Addresses: []string{"123"}, // too short, dropped
	})
	assert.ErrorIs(t, err, ErrNoRecipients)
	assert.Empty(t, tr.Sent())
}

func TestVerifySkipsUnregistered(t *testing.T) {
	e, s, _, sleeps := newTestEngine(t)
	tr := newLoopTransport(t)

	addrA := "6281110000001" + wire.SuffixUser
	tr.SetRegistered(map[string]bool{addrA: true})

	res, err := e.Run(t.Context(), tr, Request{
		SessionID: "sess-1",
		Type:      store.CampaignTypeText,
		Text:      "hi",
		Addresses: []string{"6281110000001", "6281110000002"},
		Verify:    true,
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]int{
		store.DeliverySent:    1,
		store.DeliverySkipped: 1,
	}, res.Summary)
	assert.Equal(t, "not registered", res.Results[1].Error)

	// The skip costs no delay; only the success slept.
	assert.Len(t, *sleeps, 1)

	persisted, err := s.ListDeliveryResults(t.Context(), res.CampaignID)
	require.NoError(t, err)
	assert.Len(t, persisted, 2, "skips are persisted too")
}

func TestImageFetchedOncePerCampaign(t *testing.T) {
	e, _, fetcher, _ := newTestEngine(t)
	tr := newLoopTransport(t)

	res, err := e.Run(t.Context(), tr, Request{
		SessionID: "sess-1",
		Type:      store.CampaignTypeImage,
		Text:      "caption",
		ImageURL:  "https://img.example/x.png",
		Addresses: []string{"6281110000001", "6281110000002", "6281110000003"},
	})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Summary[store.DeliverySent])
	assert.Equal(t, 1, fetcher.fetches, "image fetched once, not per recipient")

	sent := tr.Sent()
	require.Len(t, sent, 3)
	for _, m := range sent {
		assert.Equal(t, []byte("image-bytes"), m.Image)
		assert.Equal(t, "caption", m.Caption)
	}
}

func TestImageFetchFailureLeavesNoCampaign(t *testing.T) {
	e, s, fetcher, _ := newTestEngine(t)
	tr := newLoopTransport(t)

	counting := &campaignCountingStore{Store: s}
	e.store = counting
	fetcher.fail = true

	_, err := e.Run(t.Context(), tr, Request{
		SessionID: "sess-1",
		Type:      store.CampaignTypeImage,
		Text:      "caption",
		ImageURL:  "https://img.example/dead.png",
		Addresses: []string{"6281110000001"},
	})
	require.Error(t, err)
	assert.Equal(t, 0, counting.created, "failed fetch persists nothing")
	assert.Empty(t, tr.Sent())
}

func TestGroupDMThrottleDefaults(t *testing.T) {
	text := GroupDMThrottle(store.CampaignTypeText)
	assert.Equal(t, Throttle{DelayMs: 1500, JitterMs: 600, FailureFloorMs: 2000}, text)

	image := GroupDMThrottle(store.CampaignTypeImage)
	assert.Equal(t, Throttle{DelayMs: 1800, JitterMs: 700, FailureFloorMs: 2000}, image)
}

func TestRenderTemplate(t *testing.T) {
	assert.Equal(t, "Hi Alice", RenderTemplate("Hi {name}", "Alice"))
	assert.Equal(t, "Hi ", RenderTemplate("Hi {name}", ""))
	assert.Equal(t, "no placeholder", RenderTemplate("no placeholder", "Alice"))
}
