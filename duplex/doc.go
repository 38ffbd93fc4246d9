// Package duplex runs a secure session over a non-blocking byte stream.
//
// A Channel owns one Transport and one Engine. The Engine is an opaque,
// step-wise record processor (begin handshake, wrap one step, unwrap one
// step, delegated tasks); the Transport is a non-blocking byte pipe. The
// Channel turns the pair into an ordinary stream: Read and Write move
// plaintext, and drive the handshake transparently while it is incomplete.
//
// Non-blocking contract:
//   - Read returns (0, nil) when no plaintext can be produced without
//     waiting, and (0, io.EOF) once the peer closed the session and every
//     buffered byte has been read.
//   - Write returns the number of plaintext bytes accepted by the engine.
//     Ciphertext the transport did not take yet is queued and flushed by
//     later calls.
//   - Handshake(ready) performs only the I/O allowed by the ready set and
//     reports the Interest needed next, for callers running their own
//     readiness loop.
//
// The Channel never starts goroutines. Simulated blocking (Config.Blocking
// or SimulateBlocking) replaces waiting on the transport with a bounded
// ticker-driven retry loop.
package duplex
