// ABOUTME: Service facade exposing every gateway operation to callers
// ABOUTME: Transport-agnostic; HTTP or RPC bindings sit outside this core

// Package gateway wires the session registry, store, broadcast engine
// and read models behind one Service type. Callers never touch a
// transport directly; every operation that needs one goes through the
// registry's ensure-connected path.
package gateway
