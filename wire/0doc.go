// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package wire implements the datagram framing of the sudp transport:
// the one-byte message lead, the padded and plain envelopes for
// handshake and teardown messages, the data-packet header, and the
// protobuf-encoded message bodies themselves.
//
// Every datagram starts with a single lead byte. If its high bit is
// set, the datagram is a data packet; otherwise the byte is one of the
// message type codes defined in message.go.
package wire
