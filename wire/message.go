// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"fmt"
	"reflect"
)

// Message type codes, carried as the lead byte of non-data datagrams.
// None of these may have the high bit set; that bit marks data packets.
const (
	MsgChallengeRequest uint8 = 32
	MsgChallengeReply   uint8 = 33
	MsgConnectRequest   uint8 = 34
	MsgConnectOK        uint8 = 35
	MsgConnectionClosed uint8 = 36
	MsgNoConnection     uint8 = 37
)

// DataPacketLeadBit marks the lead byte of a data packet.
const DataPacketLeadBit uint8 = 0x80

// CurrentProtocolVersion is sent in handshake messages.
const CurrentProtocolVersion uint32 = 1

// MinRequiredProtocolVersion is the oldest peer version still accepted.
const MinRequiredProtocolVersion uint32 = 1

// Message describes all handshake and teardown messages, which have
// their protobuf body serialization in common.
type Message interface {
	// MsgID returns the message type code used as the lead byte.
	MsgID() uint8

	// Marshal encodes this message's protobuf body.
	Marshal() ([]byte, error)

	// Unmarshal decodes this message's protobuf body.
	Unmarshal(data []byte) error
}

// messages maps the message type codes to an example instance of their
// type.
var messages = map[uint8]Message{
	MsgChallengeRequest: &ChallengeRequest{},
	MsgChallengeReply:   &ChallengeReply{},
	MsgConnectRequest:   &ConnectRequest{},
	MsgConnectOK:        &ConnectOK{},
	MsgConnectionClosed: &ConnectionClosed{},
	MsgNoConnection:     &NoConnection{},
}

// NewMessage creates a new Message type for a given type code.
func NewMessage(typeCode uint8) (msg Message, err error) {
	msgType, exists := messages[typeCode]
	if !exists {
		err = fmt.Errorf("no message registered for type code %d", typeCode)
		return
	}

	msgElem := reflect.TypeOf(msgType).Elem()
	msg = reflect.New(msgElem).Interface().(Message)
	return
}
