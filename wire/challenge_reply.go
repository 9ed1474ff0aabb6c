// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"fmt"
)

// ChallengeReply answers a ChallengeRequest with the SYN-cookie
// challenge bound to the requester's address. Sent unpadded; the
// request had to be padded, so no amplification is possible.
type ChallengeReply struct {
	ConnectionID    uint32 // field 1, echoed from the request
	Challenge       uint64 // field 2
	YourTimestamp   uint64 // field 3, echo of the request's MyTimestamp
	ProtocolVersion uint32 // field 4
}

func (m *ChallengeReply) MsgID() uint8 {
	return MsgChallengeReply
}

func (m *ChallengeReply) String() string {
	return fmt.Sprintf("ChallengeReply(ConnectionID=%#08x, Challenge=%#016x)",
		m.ConnectionID, m.Challenge)
}

func (m *ChallengeReply) Marshal() ([]byte, error) {
	var b []byte
	b = appendUintField(b, 1, uint64(m.ConnectionID))
	b = appendUintField(b, 2, m.Challenge)
	b = appendUintField(b, 3, m.YourTimestamp)
	b = appendUintField(b, 4, uint64(m.ProtocolVersion))
	return b, nil
}

func (m *ChallengeReply) Unmarshal(data []byte) error {
	*m = ChallengeReply{}
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
			m.Challenge, data, err = consumeUint(data)
		case 3:
			m.YourTimestamp, data, err = consumeUint(data)
		case 4:
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
