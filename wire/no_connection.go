// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"fmt"
)

// NoConnection acknowledges a teardown, or tells a peer that we hold
// no state for the session it is addressing. Tiny and unpadded.
type NoConnection struct {
	ToConnectionID   uint32 // field 1
	FromConnectionID uint32 // field 2
}

func (m *NoConnection) MsgID() uint8 {
	return MsgNoConnection
}

func (m *NoConnection) String() string {
	return fmt.Sprintf("NoConnection(To=%#08x, From=%#08x)",
		m.ToConnectionID, m.FromConnectionID)
}

func (m *NoConnection) Marshal() ([]byte, error) {
	var b []byte
	b = appendUintField(b, 1, uint64(m.ToConnectionID))
	b = appendUintField(b, 2, uint64(m.FromConnectionID))
	return b, nil
}

func (m *NoConnection) Unmarshal(data []byte) error {
	*m = NoConnection{}
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
		default:
			data, err = skipField(num, typ, data)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
