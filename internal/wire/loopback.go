// ABOUTME: In-process loopback transport for development and tests
// ABOUTME: Scriptable stand-in for the real protocol library

package wire

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrTransportClosed is returned by loopback operations after Close.
var ErrTransportClosed = errors.New("transport closed")

// LoopbackDialer hands out LoopbackTransports keyed by session id. It
// lets the gateway run end to end without the closed network: a dial
// with credentials opens immediately, a dial without them issues a
// pairing code and waits for the test (or dev driver) to emit the rest.
type LoopbackDialer struct {
	mu         sync.Mutex
	transports map[string]*LoopbackTransport

	// AutoPair, when set, completes the pairing handshake on its own
	// after the given delay, as if the code had been scanned.
	AutoPair time.Duration
}

// NewLoopbackDialer creates an empty dialer.
func NewLoopbackDialer() *LoopbackDialer {
	return &LoopbackDialer{transports: make(map[string]*LoopbackTransport)}
}

// Dial implements Dialer.
func (d *LoopbackDialer) Dial(_ context.Context, cfg DialConfig) (Transport, error) {
	t := &LoopbackTransport{
		sessionID:  cfg.SessionID,
		sink:       cfg.Sink,
		registered: nil,
		failSends:  make(map[string]error),
	}

	d.mu.Lock()
	d.transports[cfg.SessionID] = t
	d.mu.Unlock()

	if len(cfg.Credentials) > 0 {
		// Resume: no pairing round-trip needed.
		go t.EmitOpened(cfg.SessionID + SuffixUser)
		return t, nil
	}

	go func() {
		t.EmitPairing(uuid.New().String())
		if d.AutoPair > 0 {
			time.Sleep(d.AutoPair)
			t.EmitCredentials([]byte(`{"creds":"` + cfg.SessionID + `"}`))
			t.EmitOpened(cfg.SessionID + SuffixUser)
		}
	}()
	return t, nil
}

// Transport returns the most recently dialed transport for a session.
func (d *LoopbackDialer) Transport(sessionID string) *LoopbackTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[sessionID]
}

// SentMessage records one send that went through a LoopbackTransport.
type SentMessage struct {
	Address string
	Text    string
	Caption string
	Image   []byte
}

// LoopbackTransport is the scriptable Transport implementation.
type LoopbackTransport struct {
	sessionID string
	sink      func(Event)

	mu         sync.Mutex
	self       string
	closed     bool
	sent       []SentMessage
	registered map[string]bool // nil means every address is registered
	failSends  map[string]error
	groups     []GroupMetadata
}

// Sent returns a copy of everything sent through this transport.
func (t *LoopbackTransport) Sent() []SentMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SentMessage, len(t.sent))
	copy(out, t.sent)
	return out
}

// SetRegistered scripts IsRegistered answers. Addresses absent from the
// map are reported as not registered once the map is set.
func (t *LoopbackTransport) SetRegistered(reg map[string]bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.registered = reg
}

// FailSendsTo makes sends to the given address fail with err.
func (t *LoopbackTransport) FailSendsTo(address string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failSends[address] = err
}

// SetGroups scripts the group listing and metadata answers.
func (t *LoopbackTransport) SetGroups(groups []GroupMetadata) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.groups = groups
}

// EmitPairing delivers a pairing-code-issued event.
func (t *LoopbackTransport) EmitPairing(code string) { t.sink(PairingEvent{Code: code}) }

// EmitOpened delivers a transport-opened event and records the identity.
func (t *LoopbackTransport) EmitOpened(self string) {
	t.mu.Lock()
	t.self = self
	t.mu.Unlock()
	t.sink(OpenedEvent{SelfAddress: self})
}

// EmitClosed delivers a transport-closed event with the given code.
func (t *LoopbackTransport) EmitClosed(code int, err error) {
	t.sink(ClosedEvent{Close: CloseInfo{Code: code, Err: err}})
}

// EmitCredentials delivers a credential-rotation event.
func (t *LoopbackTransport) EmitCredentials(blob []byte) {
	t.sink(CredentialsEvent{Blob: blob})
}

// EmitMessage delivers an inbound (or echoed outbound) message event.
func (t *LoopbackTransport) EmitMessage(ev MessageEvent) { t.sink(ev) }

func (t *LoopbackTransport) send(address string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return "", ErrTransportClosed
	}
	if err, ok := t.failSends[address]; ok {
		return "", err
	}
	return uuid.New().String(), nil
}

// SendText implements Transport.
func (t *LoopbackTransport) SendText(_ context.Context, address, text string) (string, error) {
	id, err := t.send(address)
	if err != nil {
		return "", err
	}
	t.mu.Lock()
	t.sent = append(t.sent, SentMessage{Address: address, Text: text})
	t.mu.Unlock()
	return id, nil
}

// SendImage implements Transport.
func (t *LoopbackTransport) SendImage(_ context.Context, address string, image []byte, caption string) (string, error) {
	id, err := t.send(address)
	if err != nil {
		return "", err
	}
	t.mu.Lock()
	t.sent = append(t.sent, SentMessage{Address: address, Caption: caption, Image: image})
	t.mu.Unlock()
	return id, nil
}

// IsRegistered implements Transport.
func (t *LoopbackTransport) IsRegistered(_ context.Context, address string) (bool, string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false, "", ErrTransportClosed
	}
	if t.registered == nil {
		return true, address, nil
	}
	if t.registered[address] {
		return true, address, nil
	}
	return false, "", nil
}

// ListGroups implements Transport.
func (t *LoopbackTransport) ListGroups(_ context.Context) ([]GroupInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}
	infos := make([]GroupInfo, 0, len(t.groups))
	for _, g := range t.groups {
		infos = append(infos, GroupInfo{
			Address:          g.Address,
			Subject:          g.Subject,
			Size:             len(g.Participants),
			ParticipantCount: len(g.Participants),
		})
	}
	return infos, nil
}

// GroupMetadata implements Transport.
func (t *LoopbackTransport) GroupMetadata(_ context.Context, groupAddress string) (*GroupMetadata, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}
	for _, g := range t.groups {
		if g.Address == groupAddress {
			meta := g
			return &meta, nil
		}
	}
	return nil, fmt.Errorf("group %s not found", groupAddress)
}

// SelfAddress implements Transport.
func (t *LoopbackTransport) SelfAddress() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.self
}

// Logout implements Transport.
func (t *LoopbackTransport) Logout(_ context.Context) error {
	t.EmitClosed(CloseCodeLoggedOut, nil)
	return t.Close()
}

// Close implements Transport.
func (t *LoopbackTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

var _ Transport = (*LoopbackTransport)(nil)
var _ Dialer = (*LoopbackDialer)(nil)
