// ABOUTME: Package documentation for media movement in and out
// ABOUTME: Uploads return URLs; campaign images are fetched once

// Package media moves media bytes in and out of the gateway: inbound
// attachments are uploaded to object storage and referenced by URL,
// and campaign images are fetched once per campaign.
package media
