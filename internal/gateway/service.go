// ABOUTME: Gateway Service: sessions, sends, groups, broadcasts, reads
// ABOUTME: Single sends and campaigns borrow the same managed connection

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mitbiz/wagate/internal/broadcast"
	"github.com/mitbiz/wagate/internal/conversation"
	"github.com/mitbiz/wagate/internal/media"
	"github.com/mitbiz/wagate/internal/session"
	"github.com/mitbiz/wagate/internal/store"
	"github.com/mitbiz/wagate/internal/wire"
)

// PairingState is the caller-visible connection snapshot.
type PairingState struct {
	Connected       bool
	PairingArtifact string
}

// SendResult identifies one accepted outbound message.
type SendResult struct {
	ExternalID string
	Address    string
}

// GroupPayload is the content of a group send or fan-out: a text body,
// or an image URL with an optional caption in Text.
type GroupPayload struct {
	Type     string // store.CampaignTypeText or store.CampaignTypeImage
	Text     string
	ImageURL string
}

// Service is the gateway core facade.
type Service struct {
	store    store.Store
	registry *session.Registry
	engine   *broadcast.Engine
	events   *conversation.EventBroadcaster
	fetcher  media.Fetcher
	logger   *slog.Logger
}

// New creates the facade over already-constructed collaborators.
func New(s store.Store, registry *session.Registry, engine *broadcast.Engine, events *conversation.EventBroadcaster, fetcher media.Fetcher, logger *slog.Logger) *Service {
	return &Service{
		store:    s,
		registry: registry,
		engine:   engine,
		events:   events,
		fetcher:  fetcher,
		logger:   logger.With("component", "gateway"),
	}
}

// StartOrResumeSession brings the session's connection up, starting a
// pairing handshake when no credentials exist. Calling it again while a
// handshake is in flight joins the existing attempt.
func (s *Service) StartOrResumeSession(ctx context.Context, sessionID, ownerID, label string) (PairingState, error) {
	st, err := s.registry.Connect(ctx, session.ConnectParams{
		SessionID: sessionID,
		OwnerID:   ownerID,
		Label:     label,
	})
	if err != nil {
		return PairingState{}, err
	}
	return pairingState(st), nil
}

// GetPairingState reports the current connection snapshot. Sessions
// with no in-process manager fall back to their durable row.
func (s *Service) GetPairingState(ctx context.Context, sessionID string) (PairingState, error) {
	if m, ok := s.registry.Get(sessionID); ok {
		return pairingState(m.Status()), nil
	}
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return PairingState{}, err
	}
	return PairingState{Connected: sess.Connected}, nil
}

// SendDirectMessage sends text to one peer and persists the outbound
// message immediately, without waiting for the network echo.
func (s *Service) SendDirectMessage(ctx context.Context, sessionID, phoneOrAddress, text string) (SendResult, error) {
	m, err := s.registry.EnsureConnected(ctx, sessionID)
	if err != nil {
		return SendResult{}, err
	}
	tr, err := m.Transport()
	if err != nil {
		return SendResult{}, err
	}

	address := wire.ToAddress(phoneOrAddress)
	externalID, err := tr.SendText(ctx, address, text)
	if err != nil {
		return SendResult{}, fmt.Errorf("sending message: %w", err)
	}

	s.persistOutbound(ctx, sessionID, address, externalID, text, "", "conversation")
	return SendResult{ExternalID: externalID, Address: address}, nil
}

// VerifyRegistration asks the network whether the address has an
// account, returning the canonical address when it does.
func (s *Service) VerifyRegistration(ctx context.Context, sessionID, phoneOrAddress string) (bool, string, error) {
	tr, err := s.transport(ctx, sessionID)
	if err != nil {
		return false, "", err
	}
	return tr.IsRegistered(ctx, wire.ToAddress(phoneOrAddress))
}

// ListGroups lists the groups the session participates in.
func (s *Service) ListGroups(ctx context.Context, sessionID string) ([]wire.GroupInfo, error) {
	tr, err := s.transport(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return tr.ListGroups(ctx)
}

// GetGroupMembers fetches the live participant list for a group.
func (s *Service) GetGroupMembers(ctx context.Context, sessionID, groupAddress string) (*wire.GroupMetadata, error) {
	tr, err := s.transport(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return tr.GroupMetadata(ctx, groupAddress)
}

// SendToGroup sends one message into a group chat.
func (s *Service) SendToGroup(ctx context.Context, sessionID, groupAddress string, payload GroupPayload) (SendResult, error) {
	tr, err := s.transport(ctx, sessionID)
	if err != nil {
		return SendResult{}, err
	}

	var externalID string
	msgType := "conversation"
	if payload.Type == store.CampaignTypeImage {
		image, err := s.fetcher.Fetch(ctx, payload.ImageURL)
		if err != nil {
			return SendResult{}, fmt.Errorf("fetching image: %w", err)
		}
		externalID, err = tr.SendImage(ctx, groupAddress, image, payload.Text)
		if err != nil {
			return SendResult{}, fmt.Errorf("sending group image: %w", err)
		}
		msgType = "imageMessage"
	} else {
		externalID, err = tr.SendText(ctx, groupAddress, payload.Text)
		if err != nil {
			return SendResult{}, fmt.Errorf("sending group message: %w", err)
		}
	}

	s.persistOutbound(ctx, sessionID, groupAddress, externalID, payload.Text, payload.ImageURL, msgType)
	return SendResult{ExternalID: externalID, Address: groupAddress}, nil
}

// DMEveryGroupMember runs a campaign against the group's live
// membership, one direct message per participant. The session's own
// identity is always excluded; admins are excluded unless requested.
func (s *Service) DMEveryGroupMember(ctx context.Context, sessionID, groupAddress string, payload GroupPayload, throttle *broadcast.Throttle, includeAdmins bool) (*broadcast.Result, error) {
	m, err := s.registry.EnsureConnected(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	tr, err := m.Transport()
	if err != nil {
		return nil, err
	}

	meta, err := tr.GroupMetadata(ctx, groupAddress)
	if err != nil {
		return nil, fmt.Errorf("fetching group metadata: %w", err)
	}

	selfKey := wire.MergeKey(m.SelfAddress(), false)
	recipients := make([]broadcast.Recipient, 0, len(meta.Participants))
	for _, p := range meta.Participants {
		if wire.MergeKey(p.Address, false) == selfKey {
			continue
		}
		if p.Admin && !includeAdmins {
			continue
		}
		recipients = append(recipients, broadcast.Recipient{Address: p.Address})
	}

	if throttle == nil {
		t := broadcast.GroupDMThrottle(payload.Type)
		throttle = &t
	}

	req := broadcast.Request{
		SessionID: sessionID,
		Type:      payload.Type,
		Text:      payload.Text,
		ImageURL:  payload.ImageURL,
		Throttle:  throttle,
	}
	return s.engine.RunDirect(ctx, tr, req, recipients)
}

// EndSession performs a terminal logout: network-side device removal,
// credential wipe, manager removal. The next connect re-pairs.
func (s *Service) EndSession(ctx context.Context, sessionID string) error {
	return s.registry.Logout(ctx, sessionID)
}

// BroadcastParams describes a directory/explicit broadcast submission.
type BroadcastParams struct {
	Addresses      []string
	ContactIDs     []string
	UseAllContacts bool
	Type           string
	Text           string
	ImageURL       string
	Verify         bool
	Throttle       *broadcast.Throttle
}

// SubmitBroadcast runs a campaign on behalf of an owner, using the
// owner's first resumable session. Recipient resolution failures
// surface before any transport work.
func (s *Service) SubmitBroadcast(ctx context.Context, ownerID string, params BroadcastParams) (*broadcast.Result, error) {
	sessions, err := s.store.ListSessions(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	if len(sessions) == 0 {
		return nil, session.ErrPairingRequired
	}

	var m *session.Manager
	var lastErr error
	for _, sess := range sessions {
		m, lastErr = s.registry.EnsureConnected(ctx, sess.ID)
		if lastErr == nil {
			break
		}
	}
	if m == nil {
		return nil, lastErr
	}
	tr, err := m.Transport()
	if err != nil {
		return nil, err
	}

	req := broadcast.Request{
		SessionID:      m.Status().SessionID,
		OwnerID:        ownerID,
		Type:           params.Type,
		Text:           params.Text,
		ImageURL:       params.ImageURL,
		Addresses:      params.Addresses,
		ContactIDs:     params.ContactIDs,
		UseAllContacts: params.UseAllContacts,
		Verify:         params.Verify,
		Throttle:       params.Throttle,
	}
	return s.engine.Run(ctx, tr, req)
}

// ListConversations returns the session's conversations with
// linked-device variants merged into single entries.
func (s *Service) ListConversations(ctx context.Context, sessionID string) ([]*conversation.Merged, error) {
	convs, err := s.store.ListConversations(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return conversation.Merge(convs), nil
}

// GetMessageHistory reads message history across one or more addresses
// of a merged conversation. Cursor paginates by message id; results
// come back oldest first.
func (s *Service) GetMessageHistory(ctx context.Context, sessionID string, addresses []string, cursor string, limit int) ([]*store.Message, error) {
	return s.store.ListMessages(ctx, store.MessagePage{
		SessionID: sessionID,
		Addresses: normalizeAddresses(addresses),
		Cursor:    cursor,
		Limit:     limit,
	})
}

// MarkConversationRead zeroes unread counts for the given addresses.
func (s *Service) MarkConversationRead(ctx context.Context, sessionID string, addresses []string) error {
	return s.store.MarkConversationsRead(ctx, sessionID, normalizeAddresses(addresses))
}

// ListSessions lists an owner's sessions, newest first.
func (s *Service) ListSessions(ctx context.Context, ownerID string) ([]*store.Session, error) {
	return s.store.ListSessions(ctx, ownerID)
}

// Subscribe registers a live-event subscriber for a session. The
// subscription ends when ctx is cancelled.
func (s *Service) Subscribe(ctx context.Context, sessionID string) (<-chan *conversation.Event, string) {
	return s.events.Subscribe(ctx, sessionID)
}

// transport resolves a live transport for the session, resuming it from
// stored credentials when needed.
func (s *Service) transport(ctx context.Context, sessionID string) (wire.Transport, error) {
	m, err := s.registry.EnsureConnected(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return m.Transport()
}

// persistOutbound stores an outgoing message and its conversation
// update without waiting for the network echo; the echo dedupes against
// the external id. Persistence failures are logged, not surfaced — the
// message is already on the wire.
func (s *Service) persistOutbound(ctx context.Context, sessionID, address, externalID, text, mediaURL, msgType string) {
	now := time.Now()
	msg := &store.Message{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		Address:    address,
		Direction:  store.DirectionOutgoing,
		ExternalID: externalID,
		Text:       text,
		MediaURL:   mediaURL,
		Type:       msgType,
		Status:     store.MessageStatusSent,
		CreatedAt:  now,
	}
	inserted, err := s.store.UpsertMessage(ctx, msg)
	if err != nil {
		s.logger.Error("persisting outbound message failed",
			"session_id", sessionID, "address", address, "error", err)
		return
	}
	if !inserted {
		return
	}

	upd := &store.ConversationUpdate{
		SessionID: sessionID,
		Address:   address,
		IsGroup:   wire.IsGroup(address),
		MessageID: msg.ID,
		Text:      text,
		Type:      msgType,
		At:        now,
		FromOwner: true,
	}
	if err := s.store.ApplyMessageToConversation(ctx, upd); err != nil {
		s.logger.Error("updating conversation for outbound failed",
			"session_id", sessionID, "address", address, "error", err)
		return
	}

	if s.events != nil {
		s.events.MessageStored(sessionID, msg)
		s.events.ConversationUpdated(sessionID, address)
	}
}

func normalizeAddresses(in []string) []string {
	out := make([]string, 0, len(in))
	for _, a := range in {
		out = append(out, wire.ToAddress(a))
	}
	return out
}

func pairingState(st session.Status) PairingState {
	return PairingState{
		Connected:       st.State == session.StateConnected,
		PairingArtifact: st.PairingArtifact,
	}
}
