// ABOUTME: Configuration loading for wagate
// ABOUTME: YAML with environment variable expansion and duration parsing

// Package config loads and validates the gateway configuration.
package config
