// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"fmt"
)

// ConnectRequest is the client's answer to a ChallengeReply: the
// echoed cookie proves the client receives at its claimed address,
// and the cert plus crypt info start the session key exchange.
//
// IdentityString is only set if the cert does not assert an identity.
type ConnectRequest struct {
	ClientConnectionID uint32           // field 1
	Challenge          uint64           // field 2, echoed cookie
	MyTimestamp        uint64           // field 3
	PingEstMS          uint32           // field 4, optional smoothed ping
	Cert               *SignedCert      // field 5
	Crypt              *SignedCryptInfo // field 6
	IdentityString     string           // field 7
}

func (m *ConnectRequest) MsgID() uint8 {
	return MsgConnectRequest
}

func (m *ConnectRequest) String() string {
	return fmt.Sprintf("ConnectRequest(ClientConnectionID=%#08x, Challenge=%#016x)",
		m.ClientConnectionID, m.Challenge)
}

func (m *ConnectRequest) Marshal() ([]byte, error) {
	var b []byte
	b = appendUintField(b, 1, uint64(m.ClientConnectionID))
	b = appendUintField(b, 2, m.Challenge)
	b = appendUintField(b, 3, m.MyTimestamp)
	b = appendUintField(b, 4, uint64(m.PingEstMS))
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

func (m *ConnectRequest) Unmarshal(data []byte) error {
	*m = ConnectRequest{}
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
			m.Challenge, data, err = consumeUint(data)
		case 3:
			m.MyTimestamp, data, err = consumeUint(data)
		case 4:
			v, data, err = consumeUint(data)
			m.PingEstMS = uint32(v)
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
