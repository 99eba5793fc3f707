// ABOUTME: Credential blob persistence with corruption tolerance
// ABOUTME: A corrupt or missing blob means fresh pairing, never a hard failure

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mitbiz/wagate/internal/store"
)

// CredentialStore wraps the durable credential table. The blob is opaque
// protocol state; the only inspection done here is a validity check so a
// half-written blob degrades to re-pairing instead of a dial that can
// never succeed.
type CredentialStore struct {
	store  store.Store
	logger *slog.Logger
}

// NewCredentialStore creates a credential store backed by s.
func NewCredentialStore(s store.Store, logger *slog.Logger) *CredentialStore {
	return &CredentialStore{
		store:  s,
		logger: logger.With("component", "credentials"),
	}
}

// Load returns the saved blob, or nil when no usable blob exists. Absent
// and corrupt blobs both come back as nil so the caller starts a fresh
// pairing handshake.
func (c *CredentialStore) Load(ctx context.Context, sessionID string) ([]byte, error) {
	blob, err := c.store.LoadCredentials(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading credentials: %w", err)
	}

	if len(blob) == 0 || !json.Valid(blob) {
		c.logger.Warn("stored credentials unusable, forcing fresh pairing",
			"session_id", sessionID)
		return nil, nil
	}
	return blob, nil
}

// Save overwrites the stored blob with rotated credential material.
func (c *CredentialStore) Save(ctx context.Context, sessionID string, blob []byte) error {
	if err := c.store.SaveCredentials(ctx, sessionID, blob); err != nil {
		return fmt.Errorf("saving credentials: %w", err)
	}
	return nil
}

// Delete wipes the stored blob. Deleting an absent blob is not an error.
func (c *CredentialStore) Delete(ctx context.Context, sessionID string) error {
	if err := c.store.DeleteCredentials(ctx, sessionID); err != nil {
		return fmt.Errorf("deleting credentials: %w", err)
	}
	return nil
}
