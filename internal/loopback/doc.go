// Package loopback is an in-memory handshake.RecordLayer. A Pair joins a
// client and a server endpoint with two byte queues; messages are frames
// carrying TLV bodies. Key exchange and finished messages are simulated with
// an HKDF-derived master secret and a transcript hash, which is enough for
// both sides to agree on a session and detect divergent transcripts. It is
// not TLS on the wire.
//
// Endpoints can be told to accept only part of a write or to report that no
// data is readable, which drives the handshake through its suspension paths.
package loopback
