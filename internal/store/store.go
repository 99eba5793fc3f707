// ABOUTME: Store interface and data types for wagate persistence
// ABOUTME: Defines Session, Conversation, Message, Campaign structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateSession is returned when creating a session row that
// already exists. Session rows follow create-then-update discipline:
// exactly one row per id, never inserted twice.
var ErrDuplicateSession = errors.New("session already exists")

// Message directions.
const (
	DirectionIncoming = "INCOMING"
	DirectionOutgoing = "OUTGOING"
)

// Message statuses.
const (
	MessageStatusReceived = "RECEIVED"
	MessageStatusSent     = "SENT"
	MessageStatusFailed   = "FAILED"
)

// Campaign types.
const (
	CampaignTypeText  = "TEXT"
	CampaignTypeImage = "IMAGE"
)

// Delivery result statuses.
const (
	DeliverySent    = "SENT"
	DeliverySkipped = "SKIPPED"
	DeliveryFailed  = "FAILED"
)

// ContactStatusActive marks directory entries eligible for broadcasts.
const ContactStatusActive = "ACTIVE"

// Session is one tenant's connection slot to the messaging network.
type Session struct {
	ID         string
	OwnerID    string
	Label      string
	MeIdentity string // resolved network address once paired
	Connected  bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Conversation is the per-address message thread within a session.
type Conversation struct {
	SessionID       string
	Address         string
	DisplayName     string
	IsGroup         bool
	LastMessageID   string
	LastMessageText string
	LastMessageType string
	LastMessageAt   time.Time
	UnreadCount     int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Message is an append-mostly record of one wire message. ExternalID is
// the network-assigned message id and acts as the idempotency key:
// redelivery of the same protocol event must not create a second row.
type Message struct {
	ID         string
	SessionID  string
	Address    string
	Direction  string // INCOMING or OUTGOING
	ExternalID string
	Text       string
	MediaURL   string // reference only, never raw bytes
	Type       string
	Status     string
	Raw        []byte // original payload, kept for audit
	ContactID  string
	CampaignID string
	CreatedAt  time.Time
}

// ConversationUpdate describes how one message mutates its owning
// conversation summary. DisplayName is applied only when non-empty.
type ConversationUpdate struct {
	SessionID   string
	Address     string
	DisplayName string
	IsGroup     bool
	MessageID   string
	Text        string
	Type        string
	At          time.Time
	FromOwner   bool // resets unread to 0 instead of incrementing
}

// Campaign is one broadcast invocation.
type Campaign struct {
	ID        string
	SessionID string
	Type      string // TEXT or IMAGE
	Text      string // body or image caption
	ImageURL  string
	DelayMs   int
	JitterMs  int
	CreatedAt time.Time
}

// DeliveryResult records the terminal outcome for one campaign recipient.
type DeliveryResult struct {
	ID         string
	CampaignID string
	Address    string
	Status     string // SENT, SKIPPED or FAILED
	Error      string
	ContactID  string
	CreatedAt  time.Time
}

// Contact is a tenant-scoped directory entry. The directory is owned by
// an external collaborator; the broadcast engine only reads ACTIVE rows.
type Contact struct {
	ID        string
	OwnerID   string
	Phone     string
	Name      string
	Status    string
	Source    string
	CreatedAt time.Time
}

// MessagePage parameterizes history reads. Addresses may list several
// wire forms of one merged conversation. Cursor is a message id from a
// previous page; empty means start from the newest message.
type MessagePage struct {
	SessionID string
	Addresses []string
	Cursor    string
	Limit     int
}

// Store defines the persistence operations the gateway core needs.
type Store interface {
	// Sessions: single row per id, create-then-update.
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSessionStatus(ctx context.Context, id string, connected bool, meIdentity string) error
	SetSessionConnected(ctx context.Context, id string, connected bool) error
	ListSessions(ctx context.Context, ownerID string) ([]*Session, error)

	// Credential blobs: opaque, overwritten on rotation, deleted on logout.
	SaveCredentials(ctx context.Context, sessionID string, blob []byte) error
	LoadCredentials(ctx context.Context, sessionID string) ([]byte, error)
	DeleteCredentials(ctx context.Context, sessionID string) error

	// Messages: idempotent upsert keyed by (session_id, external_id).
	UpsertMessage(ctx context.Context, msg *Message) (inserted bool, err error)
	ListMessages(ctx context.Context, page MessagePage) ([]*Message, error)

	// Conversations.
	ApplyMessageToConversation(ctx context.Context, upd *ConversationUpdate) error
	ListConversations(ctx context.Context, sessionID string) ([]*Conversation, error)
	MarkConversationsRead(ctx context.Context, sessionID string, addresses []string) error

	// Campaigns.
	CreateCampaign(ctx context.Context, c *Campaign) error
	SaveDeliveryResult(ctx context.Context, r *DeliveryResult) error
	ListDeliveryResults(ctx context.Context, campaignID string) ([]*DeliveryResult, error)

	// Contact directory.
	CreateContact(ctx context.Context, c *Contact) error
	ListActiveContacts(ctx context.Context, ownerID string, ids []string) ([]*Contact, error)

	// Close releases any resources held by the store.
	Close() error
}
