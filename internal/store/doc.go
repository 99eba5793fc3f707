// ABOUTME: Durable persistence for sessions, conversations, messages and campaigns
// ABOUTME: Store interface with a SQLite implementation

// Package store persists every durable entity of the gateway: session
// rows, opaque credential blobs, conversations with their unread
// counters, idempotently ingested messages, broadcast campaigns with
// per-recipient delivery results, and the contact directory.
package store
