// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"fmt"
)

// ConnectOK completes the handshake from the server side. It carries
// the server's connection ID, cert and crypt info, and echoes the
// client's handshake timestamp together with the server-side delay so
// the client can subtract the time spent waiting for the application
// to accept.
type ConnectOK struct {
	ClientConnectionID uint32           // field 1
	ServerConnectionID uint32           // field 2
	YourTimestamp      uint64           // field 3
	DelayTimeUsec      uint64           // field 4
	Cert               *SignedCert      // field 5
	Crypt              *SignedCryptInfo // field 6
	IdentityString     string           // field 7
}

func (m *ConnectOK) MsgID() uint8 {
	return MsgConnectOK
}

func (m *ConnectOK) String() string {
	return fmt.Sprintf("ConnectOK(ClientConnectionID=%#08x, ServerConnectionID=%#08x)",
		m.ClientConnectionID, m.ServerConnectionID)
}

func (m *ConnectOK) Marshal() ([]byte, error) {
	var b []byte
	b = appendUintField(b, 1, uint64(m.ClientConnectionID))
	b = appendUintField(b, 2, uint64(m.ServerConnectionID))
	b = appendUintField(b, 3, m.YourTimestamp)
	b = appendUintField(b, 4, m.DelayTimeUsec)
	if m.Cert != nil {
		sub, err := m.Cert.Marshal()
		if err != nil {
			return nil, err
		}
		b = appendSubMessage(b, 5, sub)
	}
	if m.Crypt != nil {
		sub, err := m.Crypt.Marshal()
		if err != nil {
			return nil, err
		}
		b = appendSubMessage(b, 6, sub)
	}
	b = appendStringField(b, 7, m.IdentityString)
	return b, nil
}

func (m *ConnectOK) Unmarshal(data []byte) error {
	*m = ConnectOK{}
	for len(data) > 0 {
		num, typ, rest, err := consumeTag(data)
		if err != nil {
			return err
		}
		data = rest

		var v uint64
		var sub []byte
		switch num {
		case 1:
			v, data, err = consumeUint(data)
			m.ClientConnectionID = uint32(v)
		case 2:
			v, data, err = consumeUint(data)
			m.ServerConnectionID = uint32(v)
		case 3:
			m.YourTimestamp, data, err = consumeUint(data)
		case 4:
			m.DelayTimeUsec, data, err = consumeUint(data)
		case 5:
			sub, data, err = consumeBytes(data)
			if err == nil {
				m.Cert = &SignedCert{}
				err = m.Cert.Unmarshal(sub)
			}
		case 6:
			sub, data, err = consumeBytes(data)
			if err == nil {
				m.Crypt = &SignedCryptInfo{}
				err = m.Crypt.Unmarshal(sub)
			}
		case 7:
			m.IdentityString, data, err = consumeString(data)
		default:
			data, err = skipField(num, typ, data)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
