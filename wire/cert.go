// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"fmt"
)

// Cert is the body of a certificate: an identity bound to an ed25519
// public key. It travels inside SignedCert's CertData field, so the
// signature covers the exact encoded bytes.
type Cert struct {
	Identity    string // field 1
	PublicKey   []byte // field 2, ed25519 public key
	TimeCreated uint64 // field 3, unix seconds
}

func (c *Cert) Marshal() ([]byte, error) {
	var b []byte
	b = appendStringField(b, 1, c.Identity)
	b = appendBytesField(b, 2, c.PublicKey)
	b = appendUintField(b, 3, c.TimeCreated)
	return b, nil
}

func (c *Cert) Unmarshal(data []byte) error {
	*c = Cert{}
	for len(data) > 0 {
		num, typ, rest, err := consumeTag(data)
		if err != nil {
			return err
		}
		data = rest

		switch num {
		case 1:
			c.Identity, data, err = consumeString(data)
		case 2:
			c.PublicKey, data, err = consumeBytes(data)
		case 3:
			var v uint64
			v, data, err = consumeUint(data)
			c.TimeCreated = v
		default:
			data, err = skipField(num, typ, data)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// SignedCert wraps an encoded Cert with a signature. An empty
// Signature denotes an unsigned cert, which policy may or may not
// accept.
type SignedCert struct {
	CertData        []byte // field 1, a marshaled Cert
	Signature       []byte // field 2, ed25519 over CertData
	SignerPublicKey []byte // field 3, the signing authority's key
}

// HasCert reports whether a cert body is present at all.
func (sc *SignedCert) HasCert() bool {
	return sc != nil && len(sc.CertData) > 0
}

// CertBody decodes the inner Cert.
func (sc *SignedCert) CertBody() (*Cert, error) {
	if !sc.HasCert() {
		return nil, fmt.Errorf("signed cert carries no cert body")
	}
	var c Cert
	if err := c.Unmarshal(sc.CertData); err != nil {
		return nil, err
	}
	return &c, nil
}

func (sc *SignedCert) Marshal() ([]byte, error) {
	var b []byte
	b = appendBytesField(b, 1, sc.CertData)
	b = appendBytesField(b, 2, sc.Signature)
	b = appendBytesField(b, 3, sc.SignerPublicKey)
	return b, nil
}

func (sc *SignedCert) Unmarshal(data []byte) error {
	*sc = SignedCert{}
	for len(data) > 0 {
		num, typ, rest, err := consumeTag(data)
		if err != nil {
			return err
		}
		data = rest

		switch num {
		case 1:
			sc.CertData, data, err = consumeBytes(data)
		case 2:
			sc.Signature, data, err = consumeBytes(data)
		case 3:
			sc.SignerPublicKey, data, err = consumeBytes(data)
		default:
			data, err = skipField(num, typ, data)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// CryptInfo is the body of the session key exchange: one side's X25519
// share. Like Cert, it travels encoded inside its signed wrapper.
type CryptInfo struct {
	KeyData []byte // field 1, X25519 public share
}

func (ci *CryptInfo) Marshal() ([]byte, error) {
	var b []byte
	b = appendBytesField(b, 1, ci.KeyData)
	return b, nil
}

func (ci *CryptInfo) Unmarshal(data []byte) error {
	*ci = CryptInfo{}
	for len(data) > 0 {
		num, typ, rest, err := consumeTag(data)
		if err != nil {
			return err
		}
		data = rest

		switch num {
		case 1:
			ci.KeyData, data, err = consumeBytes(data)
		default:
			data, err = skipField(num, typ, data)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// SignedCryptInfo wraps an encoded CryptInfo, signed with the private
// key matching the sender's cert.
type SignedCryptInfo struct {
	InfoData  []byte // field 1, a marshaled CryptInfo
	Signature []byte // field 2, ed25519 over InfoData
}

// HasInfo reports whether a crypt info body is present.
func (si *SignedCryptInfo) HasInfo() bool {
	return si != nil && len(si.InfoData) > 0
}

// InfoBody decodes the inner CryptInfo.
func (si *SignedCryptInfo) InfoBody() (*CryptInfo, error) {
	if !si.HasInfo() {
		return nil, fmt.Errorf("signed crypt info carries no body")
	}
	var ci CryptInfo
	if err := ci.Unmarshal(si.InfoData); err != nil {
		return nil, err
	}
	return &ci, nil
}

func (si *SignedCryptInfo) Marshal() ([]byte, error) {
	var b []byte
	b = appendBytesField(b, 1, si.InfoData)
	b = appendBytesField(b, 2, si.Signature)
	return b, nil
}

func (si *SignedCryptInfo) Unmarshal(data []byte) error {
	*si = SignedCryptInfo{}
	for len(data) > 0 {
		num, typ, rest, err := consumeTag(data)
		if err != nil {
			return err
		}
		data = rest

		switch num {
		case 1:
			si.InfoData, data, err = consumeBytes(data)
		case 2:
			si.Signature, data, err = consumeBytes(data)
		default:
			data, err = skipField(num, typ, data)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
