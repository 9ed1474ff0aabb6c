// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package sessioncrypt

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/sudp/sudp-go/wire"
)

// Key derivation labels, one per direction.
var (
	labelClientToServer = []byte("sudp client-to-server")
	labelServerToClient = []byte("sudp server-to-client")
)

// Session holds one connection's crypto state: the local signing key,
// the local X25519 ephemeral, and, once RecvHandshake ran, the AEADs
// for both directions.
type Session struct {
	keys *KeyPair

	ephPriv [32]byte

	localCert  *wire.SignedCert
	localCrypt *wire.SignedCryptInfo

	sendAEAD cipherAEAD
	recvAEAD cipherAEAD

	established bool

	recvReplay replayFilter
}

type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// NewSession prepares the local half of a session: a fresh X25519
// ephemeral, the local cert, and the signed crypt info to be offered
// in ConnectRequest or ConnectOK.
func NewSession(keys *KeyPair, identity wire.Identity) (*Session, error) {
	s := &Session{keys: keys}

	if _, err := rand.Read(s.ephPriv[:]); err != nil {
		return nil, fmt.Errorf("failed to generate session key: %v", err)
	}

	ephPub, err := curvePublic(s.ephPriv[:])
	if err != nil {
		return nil, err
	}

	info := &wire.CryptInfo{KeyData: ephPub}
	infoData, err := info.Marshal()
	if err != nil {
		return nil, err
	}
	s.localCrypt = &wire.SignedCryptInfo{
		InfoData:  infoData,
		Signature: ed25519.Sign(keys.Private, infoData),
	}

	s.localCert, err = keys.SelfSignedCert(identity)
	if err != nil {
		return nil, err
	}

	return s, nil
}

// LocalCert is the cert offered to the peer.
func (s *Session) LocalCert() *wire.SignedCert {
	return s.localCert
}

// LocalCryptInfo is the signed key share offered to the peer.
func (s *Session) LocalCryptInfo() *wire.SignedCryptInfo {
	return s.localCrypt
}

// Established reports whether RecvHandshake completed.
func (s *Session) Established() bool {
	return s.established
}

// RecvHandshake consumes the peer's cert and crypt info and derives
// the session keys. The accepting side is the server. allowUnsigned
// permits certs without an authority signature; the transport derives
// that from its auth policy, and always passes true on loopback.
func (s *Session) RecvHandshake(cert *wire.SignedCert, crypt *wire.SignedCryptInfo, accepting, allowUnsigned bool) error {
	if !cert.HasCert() {
		if !allowUnsigned {
			return fmt.Errorf("peer sent no cert and policy requires one")
		}
	}

	var peerSigning ed25519.PublicKey
	if cert.HasCert() {
		inner, signed, err := verifySignedCert(cert)
		if err != nil {
			return fmt.Errorf("bad cert: %v", err)
		}
		if !signed && !allowUnsigned {
			return fmt.Errorf("peer cert is unsigned and policy requires a signature")
		}
		peerSigning = ed25519.PublicKey(inner.PublicKey)
	}

	if !crypt.HasInfo() {
		return fmt.Errorf("peer sent no crypt info")
	}
	if peerSigning != nil {
		if len(crypt.Signature) == 0 || !ed25519.Verify(peerSigning, crypt.InfoData, crypt.Signature) {
			return fmt.Errorf("crypt info signature does not verify")
		}
	}

	info, err := crypt.InfoBody()
	if err != nil {
		return fmt.Errorf("bad crypt info: %v", err)
	}
	if len(info.KeyData) != 32 {
		return fmt.Errorf("peer key share has size %d", len(info.KeyData))
	}

	shared, err := curveShared(s.ephPriv[:], info.KeyData)
	if err != nil {
		return err
	}

	c2s := deriveKey(shared, labelClientToServer)
	s2c := deriveKey(shared, labelServerToClient)

	var sendKey, recvKey []byte
	if accepting {
		sendKey, recvKey = s2c, c2s
	} else {
		sendKey, recvKey = c2s, s2c
	}

	if s.sendAEAD, err = chacha20poly1305.New(sendKey); err != nil {
		return err
	}
	if s.recvAEAD, err = chacha20poly1305.New(recvKey); err != nil {
		return err
	}

	s.established = true
	return nil
}

func deriveKey(shared []byte, label []byte) []byte {
	h := sha256.New()
	h.Write(shared)
	h.Write(label)
	return h.Sum(nil)
}

func seqNonce(fullSeq int64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce, uint64(fullSeq))
	return nonce
}

// EncryptDataChunk seals a plaintext chunk under the given full packet
// number.
func (s *Session) EncryptDataChunk(fullSeq int64, plain []byte) ([]byte, error) {
	if !s.established {
		return nil, fmt.Errorf("session keys not established")
	}
	if fullSeq <= 0 {
		return nil, fmt.Errorf("invalid packet number %d", fullSeq)
	}
	return s.sendAEAD.Seal(nil, seqNonce(fullSeq), plain, nil), nil
}

// EncryptedOverhead is the growth of a chunk under EncryptDataChunk.
const EncryptedOverhead = chacha20poly1305.Overhead

// DecryptDataChunk reconstructs the full packet number from the 16
// wire bits, opens the chunk, and advances the replay filter. A
// non-positive return means the packet must be dropped silently:
// authentication failed, or the number was replayed or out of window.
func (s *Session) DecryptDataChunk(wireSeq uint16, ciphertext []byte) (int64, []byte) {
	if !s.established {
		return -1, nil
	}

	fullSeq := s.recvReplay.reconstruct(wireSeq)
	if fullSeq <= 0 || !s.recvReplay.check(fullSeq) {
		return -1, nil
	}

	plain, err := s.recvAEAD.Open(nil, seqNonce(fullSeq), ciphertext, nil)
	if err != nil {
		return -1, nil
	}

	s.recvReplay.update(fullSeq)
	return fullSeq, plain
}
