// ABOUTME: Conversation read models: live event fan-out and merged views
// ABOUTME: Merging unifies the several wire forms of one human contact

// Package conversation builds the read side of the message plane. The
// EventBroadcaster fans persisted changes out to live subscribers, and
// the merger collapses linked-device address variants so one contact
// shows up as one conversation.
package conversation
