// ABOUTME: Message ingestion and conversation summary persistence
// ABOUTME: Idempotent upsert by external id plus unread/last-message bookkeeping

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// UpsertMessage inserts the message unless a row with the same
// (session_id, external_id) already exists. Redelivery of the same
// protocol event is a no-op; the returned flag reports whether a row
// was actually written.
func (s *SQLiteStore) UpsertMessage(ctx context.Context, msg *Message) (bool, error) {
	query := `
		INSERT INTO messages (id, session_id, address, direction, external_id,
			text, media_url, type, status, raw, contact_id, campaign_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, external_id) DO NOTHING
	`

	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	result, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.SessionID,
		msg.Address,
		msg.Direction,
		msg.ExternalID,
		msg.Text,
		msg.MediaURL,
		msg.Type,
		msg.Status,
		msg.Raw,
		msg.ContactID,
		msg.CampaignID,
		formatTime(createdAt),
	)
	if err != nil {
		return false, fmt.Errorf("upserting message: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}

	inserted := rowsAffected > 0
	if inserted {
		s.logger.Debug("saved message",
			"id", msg.ID,
			"session_id", msg.SessionID,
			"external_id", msg.ExternalID,
			"direction", msg.Direction)
	}
	return inserted, nil
}

// ListMessages pages through a conversation's history. Messages are
// fetched newest-first from the cursor position, then returned in
// chronological order (oldest first) for display.
func (s *SQLiteStore) ListMessages(ctx context.Context, page MessagePage) ([]*Message, error) {
	if len(page.Addresses) == 0 {
		return nil, fmt.Errorf("at least one address is required")
	}

	limit := page.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	placeholders := strings.Repeat("?,", len(page.Addresses))
	placeholders = placeholders[:len(placeholders)-1]

	args := []any{page.SessionID}
	for _, a := range page.Addresses {
		args = append(args, a)
	}

	cursorClause := ""
	if page.Cursor != "" {
		// Resolve the cursor row first; paginate strictly before it.
		var cursorAt string
		err := s.db.QueryRowContext(ctx,
			`SELECT created_at FROM messages WHERE id = ?`, page.Cursor).Scan(&cursorAt)
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("resolving cursor: %w", err)
		}
		cursorClause = `AND (created_at < ? OR (created_at = ? AND id < ?))`
		args = append(args, cursorAt, cursorAt, page.Cursor)
	}

	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT id, session_id, address, direction, external_id,
			text, media_url, type, status, raw, contact_id, campaign_id, created_at
		FROM messages
		WHERE session_id = ? AND address IN (%s) %s
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, placeholders, cursorClause)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var createdAtStr string

		if err := rows.Scan(
			&msg.ID,
			&msg.SessionID,
			&msg.Address,
			&msg.Direction,
			&msg.ExternalID,
			&msg.Text,
			&msg.MediaURL,
			&msg.Type,
			&msg.Status,
			&msg.Raw,
			&msg.ContactID,
			&msg.CampaignID,
			&createdAtStr,
		); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		msg.CreatedAt, err = parseTime(createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}

		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	// Reverse into chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// ApplyMessageToConversation creates the conversation on its first
// message and refreshes the last-message summary on every one after.
// An owner-authored message resets the unread counter; anything else
// increments it by exactly one. DisplayName is only ever overwritten by
// a non-empty value.
func (s *SQLiteStore) ApplyMessageToConversation(ctx context.Context, upd *ConversationUpdate) error {
	now := formatTime(time.Now())

	initialUnread := 1
	if upd.FromOwner {
		initialUnread = 0
	}

	query := `
		INSERT INTO conversations (session_id, address, display_name, is_group,
			last_message_id, last_message_text, last_message_type, last_message_at,
			unread_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, address) DO UPDATE SET
			last_message_id   = excluded.last_message_id,
			last_message_text = excluded.last_message_text,
			last_message_type = excluded.last_message_type,
			last_message_at   = excluded.last_message_at,
			unread_count = CASE WHEN excluded.unread_count = 0
				THEN 0
				ELSE conversations.unread_count + 1 END,
			display_name = CASE WHEN excluded.display_name != ''
				THEN excluded.display_name
				ELSE conversations.display_name END,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		upd.SessionID,
		upd.Address,
		upd.DisplayName,
		boolToInt(upd.IsGroup),
		upd.MessageID,
		upd.Text,
		upd.Type,
		formatTime(upd.At),
		initialUnread,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("applying message to conversation: %w", err)
	}

	s.logger.Debug("updated conversation",
		"session_id", upd.SessionID,
		"address", upd.Address,
		"from_owner", upd.FromOwner)
	return nil
}

// ListConversations returns a session's conversations ordered by most
// recent activity. Merging of alternative address forms happens at read
// time in the conversation package, not here.
func (s *SQLiteStore) ListConversations(ctx context.Context, sessionID string) ([]*Conversation, error) {
	query := `
		SELECT session_id, address, display_name, is_group,
			last_message_id, last_message_text, last_message_type, last_message_at,
			unread_count, created_at, updated_at
		FROM conversations
		WHERE session_id = ?
		ORDER BY last_message_at DESC, address
	`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var conversations []*Conversation
	for rows.Next() {
		var conv Conversation
		var isGroup int
		var lastAtStr, createdAtStr, updatedAtStr string

		if err := rows.Scan(
			&conv.SessionID,
			&conv.Address,
			&conv.DisplayName,
			&isGroup,
			&conv.LastMessageID,
			&conv.LastMessageText,
			&conv.LastMessageType,
			&lastAtStr,
			&conv.UnreadCount,
			&createdAtStr,
			&updatedAtStr,
		); err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}

		conv.IsGroup = isGroup != 0

		conv.LastMessageAt, err = parseTime(lastAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing last_message_at: %w", err)
		}
		conv.CreatedAt, err = parseTime(createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		conv.UpdatedAt, err = parseTime(updatedAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}

		conversations = append(conversations, &conv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}
	return conversations, nil
}

// MarkConversationsRead resets the unread counter for every given
// address of a session. Merged conversations pass all their alternative
// addresses at once.
func (s *SQLiteStore) MarkConversationsRead(ctx context.Context, sessionID string, addresses []string) error {
	if len(addresses) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(addresses))
	placeholders = placeholders[:len(placeholders)-1]

	args := []any{formatTime(time.Now()), sessionID}
	for _, a := range addresses {
		args = append(args, a)
	}

	query := fmt.Sprintf(`
		UPDATE conversations
		SET unread_count = 0, updated_at = ?
		WHERE session_id = ? AND address IN (%s)
	`, placeholders)

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("marking conversations read: %w", err)
	}
	return nil
}
