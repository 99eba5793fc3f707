// ABOUTME: Wire-level types for the messaging network: addresses and transport
// ABOUTME: Defines the Transport boundary the rest of the gateway depends on

// Package wire holds the address namespace of the messaging network and
// the Transport interface that abstracts the protocol library. Everything
// above this package is protocol-agnostic; everything below it talks the
// real wire protocol.
package wire
