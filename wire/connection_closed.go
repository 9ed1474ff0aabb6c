// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"fmt"
)

// End reason codes carried in ConnectionClosed.
const (
	ReasonNone              uint32 = 0
	ReasonApplication       uint32 = 1000
	ReasonRemoteBadCrypt    uint32 = 2002
	ReasonMiscGeneric       uint32 = 5001
	ReasonMiscInternalError uint32 = 5002
)

// ConnectionClosed announces a teardown, or rejects a handshake.
// Always sent through the padded envelope, since the sender may be
// replying to an unverified address.
type ConnectionClosed struct {
	ToConnectionID   uint32 // field 1
	FromConnectionID uint32 // field 2
	ReasonCode       uint32 // field 3
	Debug            string // field 4
}

func (m *ConnectionClosed) MsgID() uint8 {
	return MsgConnectionClosed
}

func (m *ConnectionClosed) String() string {
	return fmt.Sprintf("ConnectionClosed(To=%#08x, From=%#08x, Reason=%d)",
		m.ToConnectionID, m.FromConnectionID, m.ReasonCode)
}

func (m *ConnectionClosed) Marshal() ([]byte, error) {
	var b []byte
	b = appendUintField(b, 1, uint64(m.ToConnectionID))
	b = appendUintField(b, 2, uint64(m.FromConnectionID))
	b = appendUintField(b, 3, uint64(m.ReasonCode))
	b = appendStringField(b, 4, m.Debug)
	return b, nil
}

func (m *ConnectionClosed) Unmarshal(data []byte) error {
	*m = ConnectionClosed{}
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
			m.ToConnectionID = uint32(v)
		case 2:
			v, data, err = consumeUint(data)
			m.FromConnectionID = uint32(v)
		case 3:
			v, data, err = consumeUint(data)
			m.ReasonCode = uint32(v)
		case 4:
			m.Debug, data, err = consumeString(data)
		default:
			data, err = skipField(num, typ, data)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
