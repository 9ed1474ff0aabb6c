// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"bytes"
	"reflect"
	"testing"
)

func TestPaddedEnvelope(t *testing.T) {
	msg := &ChallengeRequest{
		ConnectionID:    0xAAAA0001,
		MyTimestamp:     100000,
		ProtocolVersion: CurrentProtocolVersion,
	}

	pkt, err := BuildPaddedMsg(msg)
	if err != nil {
		t.Fatal(err)
	}

	if len(pkt) < MinPaddedPacketSize {
		t.Fatalf("padded packet is %d bytes, expected at least %d", len(pkt), MinPaddedPacketSize)
	}

	// The tail past the encoded body must be zeroed.
	body, _ := msg.Marshal()
	tail := pkt[paddedHdrSize+len(body):]
	if !bytes.Equal(tail, make([]byte, len(tail))) {
		t.Fatalf("padding tail is not zeroed: %x", tail)
	}

	var parsed ChallengeRequest
	if err := ParsePaddedPacket(pkt, &parsed); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(*msg, parsed) {
		t.Fatalf("message does not match, expected %v and got %v", *msg, parsed)
	}
}

func TestPaddedEnvelopeErrors(t *testing.T) {
	msg := &ChallengeRequest{ConnectionID: 1}
	pkt, err := BuildPaddedMsg(msg)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		pkt  []byte
	}{
		{"too short", pkt[:MinPaddedPacketSize-1]},
		{"zero body length", func() []byte {
			p := append([]byte{}, pkt...)
			p[1], p[2] = 0, 0
			return p
		}()},
		{"body length past packet", func() []byte {
			p := append([]byte{}, pkt...)
			p[1], p[2] = 0xff, 0xff
			return p
		}()},
		{"wrong lead byte", func() []byte {
			p := append([]byte{}, pkt...)
			p[0] = MsgConnectOK
			return p
		}()},
	}

	for _, test := range tests {
		var parsed ChallengeRequest
		if err := ParsePaddedPacket(test.pkt, &parsed); err == nil {
			t.Fatalf("%s: expected an error", test.name)
		}
	}
}

func TestPlainEnvelope(t *testing.T) {
	msg := &NoConnection{ToConnectionID: 0xAAAA0001, FromConnectionID: 0xBBBB0002}

	pkt, err := BuildMsg(msg)
	if err != nil {
		t.Fatal(err)
	}
	if pkt[0] != MsgNoConnection {
		t.Fatalf("lead byte is %#02x, expected %#02x", pkt[0], MsgNoConnection)
	}

	var parsed NoConnection
	if err := ParsePlainPacket(pkt, &parsed); err != nil {
		t.Fatal(err)
	}
	if parsed != *msg {
		t.Fatalf("message does not match, expected %v and got %v", *msg, parsed)
	}
}

func TestDataHdr(t *testing.T) {
	hdr := DataHdr{
		Flags:          FlagProtobufBlob,
		ToConnectionID: 0xDEADBEEF,
		SeqNum:         0x0102,
	}

	pkt := AppendDataHdr(nil, &hdr)
	expect := []byte{
		// Flags with high bit:
		0x81,
		// ToConnectionID (u32, little-endian):
		0xEF, 0xBE, 0xAD, 0xDE,
		// SeqNum (u16, little-endian):
		0x02, 0x01,
	}
	if !bytes.Equal(pkt, expect) {
		t.Fatalf("header bytes do not match, expected %x and got %x", expect, pkt)
	}

	if !IsDataPacket(pkt) {
		t.Fatal("header not recognized as data packet")
	}

	parsed, rest, err := ParseDataHdr(pkt)
	if err != nil {
		t.Fatal(err)
	}
	if parsed != hdr {
		t.Fatalf("header does not match, expected %v and got %v", hdr, parsed)
	}
	if len(rest) != 0 {
		t.Fatalf("expected no trailing bytes, got %d", len(rest))
	}

	if _, _, err := ParseDataHdr(pkt[:DataHdrSize-1]); err == nil {
		t.Fatal("expected an error for a truncated header")
	}
}

func TestSplitInlineStats(t *testing.T) {
	stats := &Stats{
		Flags:     AckRequestE2E,
		AckSeqNum: 42,
		Lifetime:  &LifetimeStats{PacketsSent: 7, PacketsRecv: 3},
	}
	statsBytes, err := stats.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	chunk := []byte{0xca, 0xfe, 0xba, 0xbe}
	payload := AppendInlineStats(nil, statsBytes)
	payload = append(payload, chunk...)

	hdr := &DataHdr{Flags: FlagProtobufBlob, SeqNum: 0x1234}
	parsed, rest, err := SplitInlineStats(hdr, payload)
	if err != nil {
		t.Fatal(err)
	}
	if parsed == nil {
		t.Fatal("expected inline stats")
	}
	if parsed.SeqNum != hdr.SeqNum {
		t.Fatalf("stats seq num not stamped, expected %#04x and got %#04x", hdr.SeqNum, parsed.SeqNum)
	}
	if parsed.AckSeqNum != stats.AckSeqNum || !reflect.DeepEqual(parsed.Lifetime, stats.Lifetime) {
		t.Fatalf("stats do not match, expected %v and got %v", stats, parsed)
	}
	if !bytes.Equal(rest, chunk) {
		t.Fatalf("chunk does not match, expected %x and got %x", chunk, rest)
	}

	// Blob length pointing past the packet must error out.
	bad := AppendInlineStats(nil, statsBytes)
	bad = bad[:len(bad)-1]
	if _, _, err := SplitInlineStats(hdr, bad); err == nil {
		t.Fatal("expected an error for an oversized blob length")
	}

	// Without the flag, the payload is the chunk.
	plain := &DataHdr{SeqNum: 1}
	parsed, rest, err = SplitInlineStats(plain, chunk)
	if err != nil || parsed != nil || !bytes.Equal(rest, chunk) {
		t.Fatalf("expected pass-through, got stats=%v rest=%x err=%v", parsed, rest, err)
	}
}
