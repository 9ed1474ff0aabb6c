// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package sessioncrypt

import (
	"bytes"
	"testing"

	"github.com/sudp/sudp-go/wire"
)

func newSessionPair(t *testing.T) (client, server *Session) {
	t.Helper()

	clientKeys, err := NewKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	serverKeys, err := NewKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	client, err = NewSession(clientKeys, wire.NewStringIdentity("client"))
	if err != nil {
		t.Fatal(err)
	}
	server, err = NewSession(serverKeys, wire.NewStringIdentity("server"))
	if err != nil {
		t.Fatal(err)
	}

	if err := server.RecvHandshake(client.LocalCert(), client.LocalCryptInfo(), true, true); err != nil {
		t.Fatal(err)
	}
	if err := client.RecvHandshake(server.LocalCert(), server.LocalCryptInfo(), false, true); err != nil {
		t.Fatal(err)
	}
	return client, server
}

func TestSessionRoundtrip(t *testing.T) {
	client, server := newSessionPair(t)

	plain := []byte("hello world!")
	chunk, err := client.EncryptDataChunk(1, plain)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunk) != len(plain)+EncryptedOverhead {
		t.Fatalf("chunk is %d bytes, expected %d", len(chunk), len(plain)+EncryptedOverhead)
	}

	fullSeq, got := server.DecryptDataChunk(1, chunk)
	if fullSeq != 1 {
		t.Fatalf("expected full sequence 1, got %d", fullSeq)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("plaintext does not match, expected %q and got %q", plain, got)
	}

	// Both directions work and do not share keys.
	chunk2, err := server.EncryptDataChunk(1, plain)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(chunk, chunk2) {
		t.Fatal("both directions produced the same ciphertext")
	}
	if fullSeq, got := client.DecryptDataChunk(1, chunk2); fullSeq != 1 || !bytes.Equal(got, plain) {
		t.Fatalf("reverse direction failed, seq %d plain %q", fullSeq, got)
	}
}

func TestSessionReplayRejected(t *testing.T) {
	client, server := newSessionPair(t)

	chunk, err := client.EncryptDataChunk(1, []byte("once"))
	if err != nil {
		t.Fatal(err)
	}

	if fullSeq, _ := server.DecryptDataChunk(1, chunk); fullSeq != 1 {
		t.Fatalf("first delivery failed, seq %d", fullSeq)
	}
	if fullSeq, _ := server.DecryptDataChunk(1, chunk); fullSeq > 0 {
		t.Fatalf("replay accepted with seq %d", fullSeq)
	}
}

func TestSessionTamperRejected(t *testing.T) {
	client, server := newSessionPair(t)

	chunk, err := client.EncryptDataChunk(1, []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	chunk[0] ^= 0x01

	if fullSeq, _ := server.DecryptDataChunk(1, chunk); fullSeq > 0 {
		t.Fatalf("tampered chunk accepted with seq %d", fullSeq)
	}
}

func TestSequenceReconstruction(t *testing.T) {
	client, server := newSessionPair(t)

	// Walk the sequence across the 16-bit wrap; each wire number must
	// reconstruct to the matching full number.
	for _, fullSeq := range []int64{1, 2, 0x7fff, 0xffff, 0x10001, 0x17fff, 0x1ffff} {
		chunk, err := client.EncryptDataChunk(fullSeq, []byte("x"))
		if err != nil {
			t.Fatal(err)
		}
		got, _ := server.DecryptDataChunk(uint16(fullSeq), chunk)
		if got != fullSeq {
			t.Fatalf("expected full sequence %d, got %d", fullSeq, got)
		}
	}
}

func TestHandshakeRejectsBadCryptSignature(t *testing.T) {
	clientKeys, _ := NewKeyPair()
	serverKeys, _ := NewKeyPair()

	client, err := NewSession(clientKeys, wire.NewStringIdentity("client"))
	if err != nil {
		t.Fatal(err)
	}
	server, err := NewSession(serverKeys, wire.NewStringIdentity("server"))
	if err != nil {
		t.Fatal(err)
	}

	crypt := *client.LocalCryptInfo()
	crypt.Signature = append([]byte{}, crypt.Signature...)
	crypt.Signature[0] ^= 0xff

	if err := server.RecvHandshake(client.LocalCert(), &crypt, true, true); err == nil {
		t.Fatal("handshake accepted a forged crypt signature")
	}
}
