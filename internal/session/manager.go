// ABOUTME: ConnectionManager drives one session's transport lifecycle
// ABOUTME: Singleton dial guard, bounded connect wait, cancellable reconnect

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mitbiz/wagate/internal/config"
	"github.com/mitbiz/wagate/internal/store"
	"github.com/mitbiz/wagate/internal/wire"
)

// persistTimeout bounds the durable writes done from the event path.
// Transport events arrive on the transport's goroutine; a stuck database
// must not wedge the connection.
const persistTimeout = 5 * time.Second

// Status is a point-in-time snapshot of a manager's connection.
type Status struct {
	SessionID       string
	State           State
	PairingArtifact string
	SelfAddress     string
}

// Deps carries the collaborators a Manager (and its Registry) needs.
type Deps struct {
	Store  store.Store
	Creds  *CredentialStore
	Dialer wire.Dialer

	// OnMessage receives every inbound or echoed message event. It is
	// called from the transport's goroutine and must not block for long.
	OnMessage func(sessionID, selfAddress string, ev wire.MessageEvent)

	Logger *slog.Logger
	Config config.ProtocolConfig
}

// Manager is the single writer for one session's connection state,
// durable row and credential blob. All transitions flow through the
// pure Transition function; the manager only applies effects.
type Manager struct {
	sessionID string
	ownerID   string
	label     string
	deps      Deps
	logger    *slog.Logger

	mu          sync.Mutex
	state       State
	transport   wire.Transport
	artifact    string // pairing QR data URL, memory only
	selfAddress string
	dialing     bool
	reconnect   *time.Timer
	progress    chan struct{} // closed and replaced on every transition
}

// NewManager creates a manager in the uninitialized state. Nothing
// happens until Connect.
func NewManager(sessionID, ownerID, label string, deps Deps) *Manager {
	return &Manager{
		sessionID: sessionID,
		ownerID:   ownerID,
		label:     label,
		deps:      deps,
		logger:    deps.Logger.With("component", "session", "session_id", sessionID),
		progress:  make(chan struct{}),
	}
}

// Connect brings the transport up if it is not already up, then waits a
// bounded time for the handshake to make progress. It returns as soon as
// the session is connected, a pairing artifact is available, or the
// connect window elapses; a still-pending handshake is not an error.
// Concurrent callers share a single dial.
func (m *Manager) Connect(ctx context.Context) (Status, error) {
	m.mu.Lock()
	if m.state == StateConnected && m.transport != nil {
		st := m.statusLocked()
		m.mu.Unlock()
		return st, nil
	}

	if m.transport == nil && !m.dialing {
		// This caller owns the dial. A user-driven connect supersedes
		// any pending automatic reconnect.
		if m.reconnect != nil {
			m.reconnect.Stop()
			m.reconnect = nil
		}
		if m.state == StateClosedTerminal {
			// Credentials were wiped; start over with a fresh pairing.
			m.state = StateUninitialized
		}
		m.dialing = true
		m.mu.Unlock()

		if err := m.dial(ctx); err != nil {
			m.mu.Lock()
			m.dialing = false
			m.mu.Unlock()
			return Status{}, err
		}
	} else {
		m.mu.Unlock()
	}

	return m.waitForProgress(ctx)
}

// dial loads credentials and opens the transport. Events start flowing
// into handleEvent as soon as the dial returns, possibly sooner.
func (m *Manager) dial(ctx context.Context) error {
	blob, err := m.deps.Creds.Load(ctx, m.sessionID)
	if err != nil {
		return err
	}

	tr, err := m.deps.Dialer.Dial(ctx, wire.DialConfig{
		SessionID:   m.sessionID,
		Credentials: blob,
		Sink:        m.handleEvent,
	})
	if err != nil {
		return fmt.Errorf("dialing transport: %w", err)
	}

	m.mu.Lock()
	if m.state == StateClosedTerminal {
		// Logout raced the dial; discard the new transport.
		m.dialing = false
		m.mu.Unlock()
		_ = tr.Close()
		return errors.New("session logged out during dial")
	}
	m.transport = tr
	m.dialing = false
	m.mu.Unlock()

	m.logger.Info("transport dialed", "resuming", len(blob) > 0)
	return nil
}

// waitForProgress blocks until the handshake reaches a reportable point
// or the connect window closes, whichever comes first.
func (m *Manager) waitForProgress(ctx context.Context) (Status, error) {
	deadline := time.NewTimer(m.deps.Config.ConnectTimeout)
	defer deadline.Stop()

	for {
		m.mu.Lock()
		st := m.statusLocked()
		wait := m.progress
		m.mu.Unlock()

		switch {
		case st.State == StateConnected,
			st.State == StateClosedTerminal,
			st.State == StatePairing && st.PairingArtifact != "":
			return st, nil
		}

		select {
		case <-wait:
		case <-ctx.Done():
			return st, ctx.Err()
		case <-deadline.C:
			// Still pending; the caller can poll again.
			return st, nil
		}
	}
}

// handleEvent is the transport event sink. Message events bypass the
// state machine entirely; everything else transitions it.
func (m *Manager) handleEvent(ev wire.Event) {
	if msg, ok := ev.(wire.MessageEvent); ok {
		if m.deps.OnMessage != nil {
			m.deps.OnMessage(m.sessionID, m.SelfAddress(), msg)
		}
		return
	}

	m.mu.Lock()
	prev := m.state
	next, effects := Transition(m.state, ev)
	m.state = next
	for _, eff := range effects {
		m.applyEffectLocked(eff, ev)
	}
	close(m.progress)
	m.progress = make(chan struct{})
	m.mu.Unlock()

	if prev != next {
		m.logger.Info("connection state changed",
			"from", prev.String(), "to", next.String())
	}
}

// applyEffectLocked executes one transition effect. Called with mu held;
// durable writes use a short background context so a dead caller context
// cannot leave the row stale.
func (m *Manager) applyEffectLocked(eff Effect, ev wire.Event) {
	switch eff {
	case EffectRenderPairing:
		code := ev.(wire.PairingEvent).Code
		artifact, err := renderPairingArtifact(code)
		if err != nil {
			m.logger.Warn("rendering pairing artifact failed", "error", err)
			return
		}
		m.artifact = artifact

	case EffectClearPairing:
		m.artifact = ""

	case EffectPersistOpen:
		opened := ev.(wire.OpenedEvent)
		m.selfAddress = opened.SelfAddress
		m.persistOpen(opened.SelfAddress)

	case EffectPersistClosed:
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := m.deps.Store.SetSessionConnected(ctx, m.sessionID, false); err != nil {
			m.logger.Warn("persisting disconnect failed", "error", err)
		}
		cancel()

	case EffectSaveCredentials:
		blob := ev.(wire.CredentialsEvent).Blob
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := m.deps.Creds.Save(ctx, m.sessionID, blob); err != nil {
			m.logger.Error("persisting rotated credentials failed", "error", err)
		}
		cancel()

	case EffectWipeCredentials:
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := m.deps.Creds.Delete(ctx, m.sessionID); err != nil {
			m.logger.Warn("wiping credentials failed", "error", err)
		}
		cancel()

	case EffectTeardown:
		if m.transport != nil {
			_ = m.transport.Close()
			m.transport = nil
		}

	case EffectScheduleReconnect:
		if m.reconnect != nil {
			m.reconnect.Stop()
		}
		m.logger.Info("scheduling reconnect", "backoff", m.deps.Config.ReconnectBackoff)
		m.reconnect = time.AfterFunc(m.deps.Config.ReconnectBackoff, m.redial)

	case EffectCancelReconnect:
		if m.reconnect != nil {
			m.reconnect.Stop()
			m.reconnect = nil
		}
	}
}

// persistOpen records the session as connected, creating the row on the
// very first successful pairing.
func (m *Manager) persistOpen(selfAddress string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	_, err := m.deps.Store.GetSession(ctx, m.sessionID)
	if errors.Is(err, store.ErrNotFound) {
		err = m.deps.Store.CreateSession(ctx, &store.Session{
			ID:         m.sessionID,
			OwnerID:    m.ownerID,
			Label:      m.label,
			MeIdentity: selfAddress,
			Connected:  true,
		})
	} else if err == nil {
		err = m.deps.Store.UpdateSessionStatus(ctx, m.sessionID, true, selfAddress)
	}
	if err != nil {
		m.logger.Error("persisting connected session failed", "error", err)
	}
}

// redial runs on the reconnect timer goroutine.
func (m *Manager) redial() {
	m.mu.Lock()
	if m.state != StateClosedRecoverable || m.transport != nil || m.dialing {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.deps.Config.ConnectTimeout)
	defer cancel()
	if _, err := m.Connect(ctx); err != nil {
		m.logger.Warn("automatic reconnect failed", "error", err)
	}
}

// Logout ends the session for good: network-side device logout, durable
// disconnect, credential wipe. Any pending reconnect is cancelled first
// so the timer cannot resurrect a logged-out session.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	m.state = StateClosedTerminal
	m.artifact = ""
	tr := m.transport
	m.transport = nil
	close(m.progress)
	m.progress = make(chan struct{})
	m.mu.Unlock()

	if tr != nil {
		if err := tr.Logout(ctx); err != nil {
			m.logger.Warn("network logout failed", "error", err)
		}
		_ = tr.Close()
	}

	if err := m.deps.Store.SetSessionConnected(ctx, m.sessionID, false); err != nil {
		m.logger.Warn("persisting logout failed", "error", err)
	}
	if err := m.deps.Creds.Delete(ctx, m.sessionID); err != nil {
		return err
	}

	m.logger.Info("session logged out")
	return nil
}

// shutdown tears the connection down without logging out; durable state
// and credentials survive for a later resume. The terminal state here is
// process-local only and absorbs late transport events.
func (m *Manager) shutdown() {
	m.mu.Lock()
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	m.state = StateClosedTerminal
	tr := m.transport
	m.transport = nil
	m.mu.Unlock()

	if tr != nil {
		_ = tr.Close()
	}
}

// Transport returns the live transport, or ErrNotConnected.
func (m *Manager) Transport() (wire.Transport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected || m.transport == nil {
		return nil, ErrNotConnected
	}
	return m.transport, nil
}

// SelfAddress returns the session's own network identity, or an empty
// string before the first successful open.
func (m *Manager) SelfAddress() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selfAddress
}

// Status returns a snapshot of the connection.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Manager) statusLocked() Status {
	return Status{
		SessionID:       m.sessionID,
		State:           m.state,
		PairingArtifact: m.artifact,
		SelfAddress:     m.selfAddress,
	}
}
