// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"strings"
)

// Stats flags.
const (
	// AckRequestE2E asks the peer to acknowledge this packet number.
	AckRequestE2E uint32 = 1 << 0

	// AckRequestImmediate asks the peer to reply right away instead of
	// piggybacking the ack on its next data packet.
	AckRequestImmediate uint32 = 1 << 1
)

// LifetimeStats are the slowly-changing counters of a connection.
type LifetimeStats struct {
	PacketsSent uint64 // field 1
	PacketsRecv uint64 // field 2
	BytesSent   uint64 // field 3
	BytesRecv   uint64 // field 4
}

func (ls *LifetimeStats) Marshal() ([]byte, error) {
	var b []byte
	b = appendUintField(b, 1, ls.PacketsSent)
	b = appendUintField(b, 2, ls.PacketsRecv)
	b = appendUintField(b, 3, ls.BytesSent)
	b = appendUintField(b, 4, ls.BytesRecv)
	return b, nil
}

func (ls *LifetimeStats) Unmarshal(data []byte) error {
	*ls = LifetimeStats{}
	for len(data) > 0 {
		num, typ, rest, err := consumeTag(data)
		if err != nil {
			return err
		}
		data = rest

		switch num {
		case 1:
			ls.PacketsSent, data, err = consumeUint(data)
		case 2:
			ls.PacketsRecv, data, err = consumeUint(data)
		case 3:
			ls.BytesSent, data, err = consumeUint(data)
		case 4:
			ls.BytesRecv, data, err = consumeUint(data)
		default:
			data, err = skipField(num, typ, data)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// InstantaneousStats are the current rate measurements.
type InstantaneousStats struct {
	PingMS      uint32 // field 1
	SendRateBps uint64 // field 2
}

func (is *InstantaneousStats) Marshal() ([]byte, error) {
	var b []byte
	b = appendUintField(b, 1, uint64(is.PingMS))
	b = appendUintField(b, 2, is.SendRateBps)
	return b, nil
}

func (is *InstantaneousStats) Unmarshal(data []byte) error {
	*is = InstantaneousStats{}
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
			is.PingMS = uint32(v)
		case 2:
			is.SendRateBps, data, err = consumeUint(data)
		default:
			data, err = skipField(num, typ, data)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Stats is the ack/quality message, piggybacked varint-prefixed into
// data packets or sent as the only content of one.
//
// SeqNum is not on the wire; the receiver stamps it from the data
// header's sequence number for ack bookkeeping.
type Stats struct {
	Flags         uint32              // field 1
	Lifetime      *LifetimeStats      // field 2
	Instantaneous *InstantaneousStats // field 3
	AckSeqNum     uint64              // field 4, highest packet number seen

	SeqNum uint16
}

// HasStats reports whether any stats container is present, as opposed
// to a pure ack-flags message.
func (m *Stats) HasStats() bool {
	return m.Lifetime != nil || m.Instantaneous != nil
}

func (m *Stats) String() string {
	var what []string
	if m.Flags&AckRequestE2E != 0 {
		what = append(what, "request_ack")
	}
	if m.Flags&AckRequestImmediate != 0 {
		what = append(what, "request_ack_immediate")
	}
	if m.Lifetime != nil {
		what = append(what, "stats.life")
	}
	if m.Instantaneous != nil {
		what = append(what, "stats.rate")
	}
	return "Stats(" + strings.Join(what, " ") + ")"
}

func (m *Stats) Marshal() ([]byte, error) {
	var b []byte
	b = appendUintField(b, 1, uint64(m.Flags))
	if m.Lifetime != nil {
		sub, err := m.Lifetime.Marshal()
		if err != nil {
			return nil, err
		}
		b = appendSubMessage(b, 2, sub)
	}
	if m.Instantaneous != nil {
		sub, err := m.Instantaneous.Marshal()
		if err != nil {
			return nil, err
		}
		b = appendSubMessage(b, 3, sub)
	}
	b = appendUintField(b, 4, m.AckSeqNum)
	return b, nil
}

func (m *Stats) Unmarshal(data []byte) error {
	*m = Stats{}
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
			m.Flags = uint32(v)
		case 2:
			sub, data, err = consumeBytes(data)
			if err == nil {
				m.Lifetime = &LifetimeStats{}
				err = m.Lifetime.Unmarshal(sub)
			}
		case 3:
			sub, data, err = consumeBytes(data)
			if err == nil {
				m.Instantaneous = &InstantaneousStats{}
				err = m.Instantaneous.Unmarshal(sub)
			}
		case 4:
			m.AckSeqNum, data, err = consumeUint(data)
		default:
			data, err = skipField(num, typ, data)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
