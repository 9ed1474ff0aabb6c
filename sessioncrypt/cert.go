// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package sessioncrypt

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/sudp/sudp-go/wire"
)

// KeyPair is a local ed25519 identity key used to sign the session's
// crypt info and, through SelfSignedCert, the local cert.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// NewKeyPair generates a fresh identity key.
func NewKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity key: %v", err)
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// SelfSignedCert builds a cert asserting the given identity, signed by
// the key itself. An empty identity yields an anonymous cert; whether
// the peer accepts a self-signed cert is a policy decision made by the
// transport.
func (kp *KeyPair) SelfSignedCert(identity wire.Identity) (*wire.SignedCert, error) {
	cert := &wire.Cert{
		PublicKey:   kp.Public,
		TimeCreated: uint64(time.Now().Unix()),
	}
	if !identity.IsInvalid() {
		cert.Identity = identity.String()
	}

	certData, err := cert.Marshal()
	if err != nil {
		return nil, err
	}

	return &wire.SignedCert{
		CertData:        certData,
		Signature:       ed25519.Sign(kp.Private, certData),
		SignerPublicKey: kp.Public,
	}, nil
}

// IdentityFromSignedCert extracts the identity a cert asserts.
// Returns the invalid identity without error if the cert carries no
// cert body or no identity, mirroring an absent field.
func IdentityFromSignedCert(sc *wire.SignedCert) (wire.Identity, error) {
	if !sc.HasCert() {
		return wire.Identity{}, nil
	}
	cert, err := sc.CertBody()
	if err != nil {
		return wire.Identity{}, fmt.Errorf("bad identity in cert: %v", err)
	}
	return wire.ParseIdentity(cert.Identity)
}

// verifySignedCert checks the cert's signature chain and returns the
// inner cert. An unsigned cert is returned with signed == false; the
// caller decides whether policy allows that.
func verifySignedCert(sc *wire.SignedCert) (cert *wire.Cert, signed bool, err error) {
	cert, err = sc.CertBody()
	if err != nil {
		return nil, false, err
	}
	if len(cert.PublicKey) != ed25519.PublicKeySize {
		return nil, false, fmt.Errorf("cert public key has size %d", len(cert.PublicKey))
	}

	if len(sc.Signature) == 0 {
		return cert, false, nil
	}

	if len(sc.SignerPublicKey) != ed25519.PublicKeySize {
		return nil, false, fmt.Errorf("cert signer key has size %d", len(sc.SignerPublicKey))
	}
	if !ed25519.Verify(ed25519.PublicKey(sc.SignerPublicKey), sc.CertData, sc.Signature) {
		return nil, false, fmt.Errorf("cert signature does not verify")
	}

	// A cert signed by its own subject key is still "unsigned" for
	// policy purposes.
	signed = string(sc.SignerPublicKey) != string(cert.PublicKey)
	return cert, signed, nil
}
