// ABOUTME: Inbound message pipeline from transport event to stored row
// ABOUTME: Discard, dedupe, media offload, upsert, conversation update

// Package inbound normalizes transport message events into durable
// message rows and conversation summary updates. The pipeline is
// idempotent end to end: redelivered events are dropped by the dedupe
// cache or, failing that, by the storage-level uniqueness constraint.
package inbound
