// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package sessioncrypt provides the certificate and session-key layer
// consumed by the transport: ed25519-signed certs asserting an
// identity, an X25519 key exchange carried in the handshake messages,
// and ChaCha20-Poly1305 sealing of data chunks keyed per direction.
//
// The transport hands this package the peer's cert and crypt info
// during the handshake and afterwards only calls EncryptDataChunk and
// DecryptDataChunk. Sequence numbers double as AEAD nonces; the
// receive side reconstructs the full 64-bit number from the 16 wire
// bits and rejects replays.
package sessioncrypt
