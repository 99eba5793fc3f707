// ABOUTME: Transport interface and event types for the protocol connection
// ABOUTME: Close-reason classification drives reconnect-vs-wipe branching

package wire

import (
	"context"
	"time"
)

// CloseCodeLoggedOut is the disconnect code the network sends on an
// explicit device logout. Every other code is treated as recoverable.
const CloseCodeLoggedOut = 401

// CloseInfo describes why a transport closed.
type CloseInfo struct {
	Code int
	Err  error
}

// Terminal reports whether the close reason is final. A terminal close
// means the stored credentials are dead and the session must re-pair.
func (c CloseInfo) Terminal() bool {
	return c.Code == CloseCodeLoggedOut
}

// Event is a transport-level protocol event. Implementations deliver
// events to the sink registered at dial time, in the order the network
// produced them.
type Event interface {
	isEvent()
}

// PairingEvent carries a freshly issued pairing code. The code is
// single-use and short-lived; it must never be persisted.
type PairingEvent struct {
	Code string
}

// OpenedEvent signals that the connection is established and the
// session's own network identity is known.
type OpenedEvent struct {
	SelfAddress string
}

// ClosedEvent signals that the transport went away.
type ClosedEvent struct {
	Close CloseInfo
}

// CredentialsEvent carries rotated credential material. The blob is
// opaque to everything above the transport and must be persisted as-is.
type CredentialsEvent struct {
	Blob []byte
}

// MessageEvent is an inbound message or an echo of one of our own
// sends, normalized just enough to be protocol-library independent.
type MessageEvent struct {
	ExternalID string
	Address    string
	FromMe     bool
	PushName   string
	Timestamp  time.Time
	Content    MessageContent
	Raw        []byte
}

func (PairingEvent) isEvent()     {}
func (OpenedEvent) isEvent()      {}
func (ClosedEvent) isEvent()      {}
func (CredentialsEvent) isEvent() {}
func (MessageEvent) isEvent()     {}

// InlineMedia references media carried inside a message. Data fetches
// and decodes the byte stream on demand; the raw bytes are never stored
// on the message row, only an upload URL derived from them.
type InlineMedia struct {
	Caption  string
	MimeType string
	Data     func(ctx context.Context) ([]byte, error)
}

// MessageContent is the union of payload shapes a message can carry.
// At most one of the fields is meaningful; Kind picks the first set one.
type MessageContent struct {
	Text         string
	ExtendedText string
	Image        *InlineMedia
	Video        *InlineMedia
}

// Kind names the payload shape using the network's own type labels.
func (c MessageContent) Kind() string {
	switch {
	case c.Text != "":
		return "conversation"
	case c.ExtendedText != "":
		return "extendedTextMessage"
	case c.Image != nil:
		return "imageMessage"
	case c.Video != nil:
		return "videoMessage"
	default:
		return "unknown"
	}
}

// BestText extracts the best-effort text payload: plain text, then
// quoted/extended text, then image caption, then video caption. Returns
// an empty string when no textual content exists.
func (c MessageContent) BestText() string {
	switch {
	case c.Text != "":
		return c.Text
	case c.ExtendedText != "":
		return c.ExtendedText
	case c.Image != nil && c.Image.Caption != "":
		return c.Image.Caption
	case c.Video != nil && c.Video.Caption != "":
		return c.Video.Caption
	default:
		return ""
	}
}

// GroupInfo summarizes one group the session participates in.
type GroupInfo struct {
	Address          string
	Subject          string
	Size             int
	ParticipantCount int
}

// Participant is one member of a group.
type Participant struct {
	Address string
	Admin   bool
}

// GroupMetadata is the live participant list of a group, fetched fresh
// from the transport rather than from any local cache.
type GroupMetadata struct {
	Address      string
	Subject      string
	Participants []Participant
}

// Transport is one live protocol connection. All methods are safe to
// call from the single goroutine that owns the session; blocking calls
// honor their context.
type Transport interface {
	// SendText delivers a text message and returns the network-assigned
	// message id.
	SendText(ctx context.Context, address, text string) (string, error)

	// SendImage delivers an image with an optional caption.
	SendImage(ctx context.Context, address string, image []byte, caption string) (string, error)

	// IsRegistered checks whether the address has an account on the
	// network, returning the canonical address when it does.
	IsRegistered(ctx context.Context, address string) (bool, string, error)

	// ListGroups fetches all groups the session participates in.
	ListGroups(ctx context.Context) ([]GroupInfo, error)

	// GroupMetadata fetches the live participant list for a group.
	GroupMetadata(ctx context.Context, groupAddress string) (*GroupMetadata, error)

	// SelfAddress returns the session's own network identity, or an
	// empty string before the connection is open.
	SelfAddress() string

	// Logout requests a device logout from the network side.
	Logout(ctx context.Context) error

	// Close tears down the connection without logging out.
	Close() error
}

// DialConfig carries everything a Dialer needs to bring up a transport.
type DialConfig struct {
	SessionID string

	// Credentials is the previously saved blob, or nil to start a fresh
	// pairing handshake.
	Credentials []byte

	// Sink receives transport events. It must be non-nil and is called
	// from the transport's own goroutine.
	Sink func(Event)
}

// Dialer allocates protocol transports. The production dialer wraps the
// real protocol library; tests use a scripted implementation.
type Dialer interface {
	Dial(ctx context.Context, cfg DialConfig) (Transport, error)
}
