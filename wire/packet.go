// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"encoding/binary"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// MinPaddedPacketSize is the minimum on-wire size of padded
	// envelope messages, preventing reflection amplification.
	MinPaddedPacketSize = 512

	// MaxUDPPayload is the largest datagram this transport emits.
	MaxUDPPayload = 1300

	// paddedHdrSize is lead byte plus the u16 body length.
	paddedHdrSize = 3

	// DataHdrSize is the fixed part of a data packet header.
	DataHdrSize = 7

	// FlagProtobufBlob in a data header announces a varint-prefixed
	// inline Stats message between header and encrypted chunk.
	FlagProtobufBlob uint8 = 0x01
)

// BuildMsg frames a message in the plain envelope: lead byte followed
// by the protobuf body.
func BuildMsg(msg Message) ([]byte, error) {
	body, err := msg.Marshal()
	if err != nil {
		return nil, err
	}
	if 1+len(body) > MaxUDPPayload {
		return nil, fmt.Errorf("message type %d is %d bytes, larger than MTU of %d bytes",
			msg.MsgID(), 1+len(body), MaxUDPPayload)
	}

	pkt := make([]byte, 0, 1+len(body))
	pkt = append(pkt, msg.MsgID())
	pkt = append(pkt, body...)
	return pkt, nil
}

// BuildPaddedMsg frames a message in the padded envelope: lead byte,
// little-endian u16 body length, body, and zero padding up to
// MinPaddedPacketSize. The padding is all zeroes; process memory is
// never sent over the wire.
func BuildPaddedMsg(msg Message) ([]byte, error) {
	body, err := msg.Marshal()
	if err != nil {
		return nil, err
	}
	if paddedHdrSize+len(body) > MaxUDPPayload {
		return nil, fmt.Errorf("message type %d is %d bytes, larger than MTU of %d bytes",
			msg.MsgID(), paddedHdrSize+len(body), MaxUDPPayload)
	}

	cbPkt := paddedHdrSize + len(body)
	if cbPkt < MinPaddedPacketSize {
		cbPkt = MinPaddedPacketSize
	}

	pkt := make([]byte, cbPkt)
	pkt[0] = msg.MsgID()
	binary.LittleEndian.PutUint16(pkt[1:3], uint16(len(body)))
	copy(pkt[paddedHdrSize:], body)
	return pkt, nil
}

// ParsePaddedPacket decodes a padded envelope into msg. The lead byte
// must match the message's type code.
func ParsePaddedPacket(pkt []byte, msg Message) error {
	if len(pkt) < MinPaddedPacketSize {
		return fmt.Errorf("packet is %d bytes, must be padded to at least %d bytes",
			len(pkt), MinPaddedPacketSize)
	}
	if pkt[0] != msg.MsgID() {
		return fmt.Errorf("lead byte %#02x does not match message type %d", pkt[0], msg.MsgID())
	}

	msgLength := int(binary.LittleEndian.Uint16(pkt[1:3]))
	if msgLength <= 0 || paddedHdrSize+msgLength > len(pkt) {
		return fmt.Errorf("invalid encoded message length %d, packet is %d bytes",
			msgLength, len(pkt))
	}

	return msg.Unmarshal(pkt[paddedHdrSize : paddedHdrSize+msgLength])
}

// ParsePlainPacket decodes a plain envelope into msg.
func ParsePlainPacket(pkt []byte, msg Message) error {
	if len(pkt) < 1 {
		return fmt.Errorf("empty packet")
	}
	if pkt[0] != msg.MsgID() {
		return fmt.Errorf("lead byte %#02x does not match message type %d", pkt[0], msg.MsgID())
	}
	return msg.Unmarshal(pkt[1:])
}

// DataHdr is the fixed header of a data packet. The full 64-bit
// packet number is tracked by the stats engine; only its low 16 bits
// travel in SeqNum.
type DataHdr struct {
	Flags          uint8
	ToConnectionID uint32
	SeqNum         uint16
}

// IsDataPacket reports whether a datagram's lead byte marks it as a
// data packet.
func IsDataPacket(pkt []byte) bool {
	return len(pkt) > 0 && pkt[0]&DataPacketLeadBit != 0
}

// AppendDataHdr serializes the header. The high bit of Flags is
// forced on.
func AppendDataHdr(b []byte, hdr *DataHdr) []byte {
	b = append(b, hdr.Flags|DataPacketLeadBit)
	b = binary.LittleEndian.AppendUint32(b, hdr.ToConnectionID)
	b = binary.LittleEndian.AppendUint16(b, hdr.SeqNum)
	return b
}

// ParseDataHdr reads the fixed header and returns the remainder of
// the packet.
func ParseDataHdr(pkt []byte) (hdr DataHdr, rest []byte, err error) {
	if len(pkt) < DataHdrSize {
		err = fmt.Errorf("packet of size %d is too small for a data header", len(pkt))
		return
	}
	if pkt[0]&DataPacketLeadBit == 0 {
		err = fmt.Errorf("lead byte %#02x is not a data packet", pkt[0])
		return
	}
	hdr.Flags = pkt[0] &^ DataPacketLeadBit
	hdr.ToConnectionID = binary.LittleEndian.Uint32(pkt[1:5])
	hdr.SeqNum = binary.LittleEndian.Uint16(pkt[5:7])
	rest = pkt[DataHdrSize:]
	return
}

// SplitInlineStats consumes the varint-prefixed inline stats blob from
// the start of a data packet's payload, returning the decoded stats
// and the remaining encrypted chunk. A nil Stats is returned when the
// header did not announce a blob.
func SplitInlineStats(hdr *DataHdr, payload []byte) (*Stats, []byte, error) {
	if hdr.Flags&FlagProtobufBlob == 0 {
		return nil, payload, nil
	}

	cbBlob, n := protowire.ConsumeVarint(payload)
	if n < 0 {
		return nil, nil, fmt.Errorf("failed to varint decode size of stats blob")
	}
	payload = payload[n:]
	if cbBlob > uint64(len(payload)) {
		return nil, nil, fmt.Errorf("stats message size %d doesn't make sense, %d bytes remain",
			cbBlob, len(payload))
	}

	stats := &Stats{}
	if err := stats.Unmarshal(payload[:cbBlob]); err != nil {
		return nil, nil, fmt.Errorf("failed to parse inline stats message: %v", err)
	}
	stats.SeqNum = hdr.SeqNum

	return stats, payload[cbBlob:], nil
}

// AppendInlineStats emits the varint length prefix and the encoded
// stats blob.
func AppendInlineStats(b []byte, statsBytes []byte) []byte {
	b = protowire.AppendVarint(b, uint64(len(statsBytes)))
	return append(b, statsBytes...)
}
