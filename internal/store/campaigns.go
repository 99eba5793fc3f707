// ABOUTME: Campaign, delivery result and contact directory persistence
// ABOUTME: One campaign row owns N per-recipient delivery results

package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// CreateCampaign inserts a new campaign row.
func (s *SQLiteStore) CreateCampaign(ctx context.Context, c *Campaign) error {
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `
		INSERT INTO campaigns (id, session_id, type, text, image_url, delay_ms, jitter_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.SessionID, c.Type, c.Text, c.ImageURL, c.DelayMs, c.JitterMs,
		formatTime(createdAt))
	if err != nil {
		return fmt.Errorf("inserting campaign: %w", err)
	}

	s.logger.Debug("created campaign", "id", c.ID, "session_id", c.SessionID, "type", c.Type)
	return nil
}

// SaveDeliveryResult records the terminal outcome for one recipient.
// Called from inside the delivery loop, one row per recipient.
func (s *SQLiteStore) SaveDeliveryResult(ctx context.Context, r *DeliveryResult) error {
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `
		INSERT INTO delivery_results (id, campaign_id, address, status, error, contact_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.CampaignID, r.Address, r.Status, r.Error, r.ContactID,
		formatTime(createdAt))
	if err != nil {
		return fmt.Errorf("inserting delivery result: %w", err)
	}
	return nil
}

// ListDeliveryResults returns a campaign's results in delivery order.
func (s *SQLiteStore) ListDeliveryResults(ctx context.Context, campaignID string) ([]*DeliveryResult, error) {
	query := `
		SELECT id, campaign_id, address, status, error, contact_id, created_at
		FROM delivery_results
		WHERE campaign_id = ?
		ORDER BY created_at, id
	`

	rows, err := s.db.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("querying delivery results: %w", err)
	}
	defer rows.Close()

	var results []*DeliveryResult
	for rows.Next() {
		var r DeliveryResult
		var createdAtStr string

		if err := rows.Scan(&r.ID, &r.CampaignID, &r.Address, &r.Status, &r.Error, &r.ContactID, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning delivery result row: %w", err)
		}

		r.CreatedAt, err = parseTime(createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating delivery result rows: %w", err)
	}
	return results, nil
}

// CreateContact inserts a directory entry.
func (s *SQLiteStore) CreateContact(ctx context.Context, c *Contact) error {
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	status := c.Status
	if status == "" {
		status = ContactStatusActive
	}

	query := `
		INSERT INTO contacts (id, owner_id, phone, name, status, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.OwnerID, c.Phone, c.Name, status, c.Source, formatTime(createdAt))
	if err != nil {
		return fmt.Errorf("inserting contact: %w", err)
	}
	return nil
}

// ListActiveContacts returns an owner's ACTIVE contacts. A non-empty
// ids slice restricts the result to those entries; nil means all.
func (s *SQLiteStore) ListActiveContacts(ctx context.Context, ownerID string, ids []string) ([]*Contact, error) {
	query := `
		SELECT id, owner_id, phone, name, status, source, created_at
		FROM contacts
		WHERE owner_id = ? AND status = ?
	`
	args := []any{ownerID, ContactStatusActive}

	if len(ids) > 0 {
		placeholders := strings.Repeat("?,", len(ids))
		placeholders = placeholders[:len(placeholders)-1]
		query += fmt.Sprintf(" AND id IN (%s)", placeholders)
		for _, id := range ids {
			args = append(args, id)
		}
	}

	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying contacts: %w", err)
	}
	defer rows.Close()

	var contacts []*Contact
	for rows.Next() {
		var c Contact
		var createdAtStr string

		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Phone, &c.Name, &c.Status, &c.Source, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning contact row: %w", err)
		}

		c.CreatedAt, err = parseTime(createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		contacts = append(contacts, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating contact rows: %w", err)
	}
	return contacts, nil
}
