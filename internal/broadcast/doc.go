// ABOUTME: Throttled sequential broadcast campaigns over a live transport
// ABOUTME: Recipient resolution, jittered pacing, per-recipient outcomes

// Package broadcast runs bulk-send campaigns. Delivery is strictly
// sequential with jittered inter-recipient delays; the pacing is the
// anti-abuse mechanism, not an efficiency concern, and must never be
// parallelized. Per-recipient failures are recorded and the loop keeps
// going.
package broadcast
