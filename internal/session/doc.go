// ABOUTME: Session lifecycle: pairing, connect, reconnect, resume, logout
// ABOUTME: Registry supervises one ConnectionManager per tenant session

// Package session owns the per-tenant protocol connection lifecycle.
// A Registry maps session ids to Manager instances; each Manager runs
// an explicit state machine over transport events and is the single
// writer for its session's durable row and credential blob.
package session
