// ABOUTME: Processor turns one wire.MessageEvent into durable state
// ABOUTME: Media bytes are uploaded and referenced by URL, never stored

package inbound

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mitbiz/wagate/internal/dedupe"
	"github.com/mitbiz/wagate/internal/media"
	"github.com/mitbiz/wagate/internal/store"
	"github.com/mitbiz/wagate/internal/wire"
)

// Notifier receives in-process events after durable state has changed.
type Notifier interface {
	MessageStored(sessionID string, msg *store.Message)
	ConversationUpdated(sessionID, address string)
}

// Processor applies inbound and echoed message events to the store.
type Processor struct {
	store    store.Store
	cache    *dedupe.Cache
	uploader media.Uploader
	notifier Notifier
	logger   *slog.Logger
}

// NewProcessor creates a processor. The notifier may be nil when nothing
// listens for live updates.
func NewProcessor(s store.Store, cache *dedupe.Cache, uploader media.Uploader, notifier Notifier, logger *slog.Logger) *Processor {
	return &Processor{
		store:    s,
		cache:    cache,
		uploader: uploader,
		notifier: notifier,
		logger:   logger.With("component", "inbound"),
	}
}

// Handle processes one message event for a session. Pseudo-address
// traffic is discarded before any storage work. Handling the same
// external id twice is a no-op.
func (p *Processor) Handle(ctx context.Context, sessionID string, ev wire.MessageEvent) error {
	if ev.ExternalID == "" || ev.Address == "" {
		return nil
	}
	if wire.IsPseudo(ev.Address) {
		p.logger.Debug("discarding pseudo-address event",
			"session_id", sessionID, "address", ev.Address)
		return nil
	}

	dedupeKey := sessionID + ":" + ev.ExternalID
	if p.cache.CheckAndMark(dedupeKey) {
		return nil
	}

	isGroup := wire.IsGroup(ev.Address)
	kind := ev.Content.Kind()
	text := ev.Content.BestText()

	mediaURL := p.offloadMedia(ctx, sessionID, ev.Content)

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	msg := &store.Message{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		Address:    ev.Address,
		ExternalID: ev.ExternalID,
		Text:       text,
		MediaURL:   mediaURL,
		Type:       kind,
		Raw:        ev.Raw,
		CreatedAt:  ts,
	}
	if ev.FromMe {
		msg.Direction = store.DirectionOutgoing
		msg.Status = store.MessageStatusSent
	} else {
		msg.Direction = store.DirectionIncoming
		msg.Status = store.MessageStatusReceived
	}

	inserted, err := p.store.UpsertMessage(ctx, msg)
	if err != nil {
		// The message never landed; the redelivery must get through.
		p.cache.Forget(dedupeKey)
		return fmt.Errorf("storing message: %w", err)
	}
	if !inserted {
		// The cache missed a redelivery; the constraint caught it.
		return nil
	}

	// A push name identifies the direct peer only: group events carry
	// the sender's name, not the group's, and our own echoes carry ours.
	displayName := ""
	if !ev.FromMe && !isGroup {
		displayName = ev.PushName
	}

	upd := &store.ConversationUpdate{
		SessionID:   sessionID,
		Address:     ev.Address,
		DisplayName: displayName,
		IsGroup:     isGroup,
		MessageID:   msg.ID,
		Text:        text,
		Type:        kind,
		At:          ts,
		FromOwner:   ev.FromMe,
	}
	if err := p.store.ApplyMessageToConversation(ctx, upd); err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}

	if p.notifier != nil {
		p.notifier.MessageStored(sessionID, msg)
		p.notifier.ConversationUpdated(sessionID, ev.Address)
	}

	p.logger.Debug("message stored",
		"session_id", sessionID,
		"address", ev.Address,
		"direction", msg.Direction,
		"type", kind)
	return nil
}

// offloadMedia uploads any inline media and returns its public URL. A
// failed download or upload degrades to a message without media rather
// than losing the message.
func (p *Processor) offloadMedia(ctx context.Context, sessionID string, content wire.MessageContent) string {
	var inline *wire.InlineMedia
	var folder string
	switch {
	case content.Image != nil:
		inline, folder = content.Image, "images"
	case content.Video != nil:
		inline, folder = content.Video, "videos"
	default:
		return ""
	}
	if inline.Data == nil {
		return ""
	}

	data, err := inline.Data(ctx)
	if err != nil {
		p.logger.Warn("downloading inline media failed",
			"session_id", sessionID, "error", err)
		return ""
	}

	url, err := p.uploader.Upload(ctx, data, folder)
	if err != nil {
		p.logger.Warn("uploading inline media failed",
			"session_id", sessionID, "error", err)
		return ""
	}
	return url
}
