// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"fmt"
)

// ChallengeRequest opens the handshake. The client announces its
// connection ID and a local timestamp to be echoed back for ping
// estimation. Always sent through the padded envelope.
type ChallengeRequest struct {
	ConnectionID    uint32 // field 1
	MyTimestamp     uint64 // field 2, sender's local clock in µs
	ProtocolVersion uint32 // field 3
}

func (m *ChallengeRequest) MsgID() uint8 {
	return MsgChallengeRequest
}

func (m *ChallengeRequest) String() string {
	return fmt.Sprintf("ChallengeRequest(ConnectionID=%#08x, ProtocolVersion=%d)",
		m.ConnectionID, m.ProtocolVersion)
}

func (m *ChallengeRequest) Marshal() ([]byte, error) {
	var b []byte
	b = appendUintField(b, 1, uint64(m.ConnectionID))
	b = appendUintField(b, 2, m.MyTimestamp)
	b = appendUintField(b, 3, uint64(m.ProtocolVersion))
	return b, nil
}

func (m *ChallengeRequest) Unmarshal(data []byte) error {
	*m = ChallengeRequest{}
	for len(data) > 0 {
		num, typ, rest, err := consumeTag(data)
		if err != nil {
			return err
		}
		data = rest

		var v uint64
		switch num {
		case 1:
			v, data, err = consumeUint(data)
			m.ConnectionID = uint32(v)
		case 2:
			m.MyTimestamp, data, err = consumeUint(data)
		case 3:
			v, data, err = consumeUint(data)
			m.ProtocolVersion = uint32(v)
		default:
			data, err = skipField(num, typ, data)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
