// Package session owns the phone<->watch session transport helpers.
//
// Ownership boundary:
// - hello/hello.ack handshake control lines
// - envelope wire helpers for every framed message type
// - retry/backoff and transfer outbox primitives
// - transport security validation and TLS config builders
package session
