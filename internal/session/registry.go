// ABOUTME: Registry mapping session ids to their connection managers
// ABOUTME: EnsureConnected resumes dormant sessions from stored credentials

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mitbiz/wagate/internal/store"
)

// ErrPairingRequired is returned when an operation needs a connection
// but the session has never paired, or its credentials are gone.
var ErrPairingRequired = errors.New("session must pair before use")

// ErrNotConnected is returned when the session exists but no live
// connection could be established in time.
var ErrNotConnected = errors.New("session is not connected")

// ConnectParams identifies the session a connect call targets. OwnerID
// and Label are only used when the session row does not exist yet.
type ConnectParams struct {
	SessionID string
	OwnerID   string
	Label     string
}

// Registry supervises one Manager per session id. Managers stay in the
// map across disconnects so their reconnect timers remain owned and
// cancellable; only an explicit logout removes them.
type Registry struct {
	deps   Deps
	logger *slog.Logger

	mu       sync.Mutex
	managers map[string]*Manager
}

// NewRegistry creates an empty registry.
func NewRegistry(deps Deps) *Registry {
	return &Registry{
		deps:     deps,
		logger:   deps.Logger.With("component", "registry"),
		managers: make(map[string]*Manager),
	}
}

// Connect starts or resumes the session and waits a bounded time for
// the handshake. Safe to call repeatedly; a connect already in flight
// is joined, not duplicated.
func (r *Registry) Connect(ctx context.Context, params ConnectParams) (Status, error) {
	m := r.getOrCreate(params.SessionID, params.OwnerID, params.Label)
	return m.Connect(ctx)
}

// Get returns the manager for a session, if one exists.
func (r *Registry) Get(sessionID string) (*Manager, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.managers[sessionID]
	return m, ok
}

// Status reports the connection snapshot for a session. A session with
// no manager in memory is simply not connected.
func (r *Registry) Status(sessionID string) Status {
	if m, ok := r.Get(sessionID); ok {
		return m.Status()
	}
	return Status{SessionID: sessionID, State: StateUninitialized}
}

// EnsureConnected returns a manager with a live transport, resuming the
// session from stored credentials when needed. It fails fast with
// ErrPairingRequired when no session row or credentials exist, and with
// ErrNotConnected when the row is durably marked disconnected or the
// resume does not complete within the grace window.
func (r *Registry) EnsureConnected(ctx context.Context, sessionID string) (*Manager, error) {
	if m, ok := r.Get(sessionID); ok {
		if _, err := m.Transport(); err == nil {
			return m, nil
		}
	}

	sess, err := r.deps.Store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrPairingRequired
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	blob, err := r.deps.Creds.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, ErrPairingRequired
	}
	if !sess.Connected {
		// Transparent resume is only for sessions the store still
		// records as connected; anything else needs an explicit connect.
		return nil, ErrNotConnected
	}

	r.logger.Info("resuming dormant session", "session_id", sessionID)
	m := r.getOrCreate(sessionID, sess.OwnerID, sess.Label)

	graceCtx, cancel := context.WithTimeout(ctx, r.deps.Config.ResumeGrace)
	defer cancel()
	st, _ := m.Connect(graceCtx)

	switch st.State {
	case StateConnected:
		return m, nil
	case StatePairing:
		// Credentials were rejected; the session needs a fresh handshake.
		return nil, ErrPairingRequired
	default:
		return nil, ErrNotConnected
	}
}

// Logout terminates the session permanently and removes its manager.
// Durable disconnect and credential wipe happen even when no manager is
// live in this process.
func (r *Registry) Logout(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	m := r.managers[sessionID]
	delete(r.managers, sessionID)
	r.mu.Unlock()

	if m != nil {
		return m.Logout(ctx)
	}

	if err := r.deps.Store.SetSessionConnected(ctx, sessionID, false); err != nil {
		r.logger.Warn("persisting logout failed", "session_id", sessionID, "error", err)
	}
	return r.deps.Creds.Delete(ctx, sessionID)
}

// Close tears down every live connection without logging out, so the
// sessions can resume after a restart.
func (r *Registry) Close() {
	r.mu.Lock()
	managers := make([]*Manager, 0, len(r.managers))
	for _, m := range r.managers {
		managers = append(managers, m)
	}
	r.managers = make(map[string]*Manager)
	r.mu.Unlock()

	for _, m := range managers {
		m.shutdown()
	}
}

func (r *Registry) getOrCreate(sessionID, ownerID, label string) *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.managers[sessionID]; ok {
		return m
	}
	m := NewManager(sessionID, ownerID, label, r.deps)
	r.managers[sessionID] = m
	return m
}
