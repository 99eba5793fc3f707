// ABOUTME: Connection state machine with pure transition functions
// ABOUTME: Maps transport events to successor states and side-effect lists

package session

import "github.com/mitbiz/wagate/internal/wire"

// State is the observable lifecycle state of one session's connection.
type State int

const (
	StateUninitialized State = iota
	StatePairing
	StateConnected
	StateClosedRecoverable
	StateClosedTerminal
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StatePairing:
		return "pairing"
	case StateConnected:
		return "connected"
	case StateClosedRecoverable:
		return "closed_recoverable"
	case StateClosedTerminal:
		return "closed_terminal"
	default:
		return "unknown"
	}
}

// Effect is a side effect the manager must apply after a transition.
// Effects are applied in slice order.
type Effect int

const (
	// EffectRenderPairing renders the issued pairing code into the
	// in-memory artifact.
	EffectRenderPairing Effect = iota

	// EffectClearPairing drops the cached pairing artifact.
	EffectClearPairing

	// EffectPersistOpen stores connected=true and the resolved identity,
	// creating the session row if this is the first connect.
	EffectPersistOpen

	// EffectPersistClosed stores connected=false.
	EffectPersistClosed

	// EffectSaveCredentials persists the rotated credential blob.
	EffectSaveCredentials

	// EffectTeardown closes and discards the stale transport handle.
	EffectTeardown

	// EffectScheduleReconnect arms the fixed-backoff reconnect timer.
	EffectScheduleReconnect

	// EffectCancelReconnect stops any pending reconnect timer.
	EffectCancelReconnect

	// EffectWipeCredentials deletes the stored credential blob. Only a
	// terminal close triggers this; the blob is dead on the network side.
	EffectWipeCredentials
)

// Transition is the pure state-transition function. Given the current
// state and a transport event it returns the successor state and the
// effects to apply. It never performs I/O, which keeps reconnect and
// logout logic testable without a live transport.
func Transition(cur State, ev wire.Event) (State, []Effect) {
	// A terminal session ignores everything; late events from a dying
	// transport must not resurrect it.
	if cur == StateClosedTerminal {
		return cur, nil
	}

	switch e := ev.(type) {
	case wire.PairingEvent:
		return StatePairing, []Effect{EffectRenderPairing}

	case wire.OpenedEvent:
		return StateConnected, []Effect{EffectClearPairing, EffectPersistOpen}

	case wire.CredentialsEvent:
		return cur, []Effect{EffectSaveCredentials}

	case wire.ClosedEvent:
		if e.Close.Terminal() {
			return StateClosedTerminal, []Effect{
				EffectClearPairing,
				EffectPersistClosed,
				EffectCancelReconnect,
				EffectWipeCredentials,
				EffectTeardown,
			}
		}
		return StateClosedRecoverable, []Effect{
			EffectClearPairing,
			EffectPersistClosed,
			EffectTeardown,
			EffectScheduleReconnect,
		}

	default:
		return cur, nil
	}
}
