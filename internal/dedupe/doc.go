// ABOUTME: TTL cache guarding against duplicate protocol event processing
// ABOUTME: Cheap in-memory filter in front of the storage-level uniqueness constraint

// Package dedupe provides a thread-safe, size-limited TTL cache keyed
// by external message id. The database uniqueness constraint is the
// real idempotency guarantee; this cache just avoids redundant media
// downloads and writes when the network redelivers an event quickly.
package dedupe
