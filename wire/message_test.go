// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"reflect"
	"testing"
)

func TestNewMessage(t *testing.T) {
	tests := []struct {
		typeCode uint8
		valid    bool
	}{
		{MsgChallengeRequest, true},
		{MsgChallengeReply, true},
		{MsgConnectRequest, true},
		{MsgConnectOK, true},
		{MsgConnectionClosed, true},
		{MsgNoConnection, true},
		{0x00, false},
		{0x80, false},
		{0xff, false},
	}

	for _, test := range tests {
		msg, err := NewMessage(test.typeCode)
		if (err == nil) != test.valid {
			t.Fatalf("type code %d: valid := %t, got := %v", test.typeCode, test.valid, err)
		}
		if test.valid && msg.MsgID() != test.typeCode {
			t.Fatalf("type code %d: created message reports %d", test.typeCode, msg.MsgID())
		}
	}
}

func TestConnectRequestRoundtrip(t *testing.T) {
	cert := &Cert{
		Identity:    "node:23",
		PublicKey:   []byte{1, 2, 3, 4},
		TimeCreated: 1234567890,
	}
	certData, err := cert.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	msg := &ConnectRequest{
		ClientConnectionID: 0xAAAA0001,
		Challenge:          0x0123456789ab0042,
		MyTimestamp:        200000,
		PingEstMS:          23,
		Cert: &SignedCert{
			CertData:        certData,
			Signature:       []byte{9, 9, 9},
			SignerPublicKey: []byte{8, 8},
		},
		Crypt: &SignedCryptInfo{
			InfoData:  []byte{7, 7, 7, 7},
			Signature: []byte{6},
		},
	}

	body, err := msg.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	var parsed ConnectRequest
	if err := parsed.Unmarshal(body); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(*msg, parsed) {
		t.Fatalf("message does not match, expected %+v and got %+v", *msg, parsed)
	}

	inner, err := parsed.Cert.CertBody()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(cert, inner) {
		t.Fatalf("cert body does not match, expected %+v and got %+v", cert, inner)
	}
}

func TestUnknownFieldsSkipped(t *testing.T) {
	// A body with an unknown field 15 (varint) before a known field.
	body := []byte{
		// field 15, varint type:
		0x78, 0x2a,
		// field 1 (ToConnectionID), varint type:
		0x08, 0x07,
	}

	var msg NoConnection
	if err := msg.Unmarshal(body); err != nil {
		t.Fatal(err)
	}
	if msg.ToConnectionID != 7 {
		t.Fatalf("expected ToConnectionID 7, got %d", msg.ToConnectionID)
	}
}
