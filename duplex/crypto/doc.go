// Package crypto provides the record-protection primitives shared by the
// session engines.
//
//   - Record ciphers with a per-direction fixed IV and a 64-bit sequence
//     number (AES-GCM or ChaCha20-Poly1305)
//   - TLS 1.3 style HKDF-Expand-Label key derivation
//   - X25519 static keys for the Noise engine
package crypto
