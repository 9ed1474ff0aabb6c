// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"net/netip"
	"testing"
	"time"

	"github.com/sudp/sudp-go/wire"
)

// recordingSocket captures everything a connection sends.
type recordingSocket struct {
	remote netip.AddrPort
	sent   [][]byte
}

func (rs *recordingSocket) SendRawPacket(pkt []byte) error {
	cp := make([]byte, len(pkt))
	copy(cp, pkt)
	rs.sent = append(rs.sent, cp)
	return nil
}

func (rs *recordingSocket) SendRawPacketGather(chunks ...[]byte) error {
	return rs.SendRawPacket(joinChunks(chunks))
}

func (rs *recordingSocket) RemoteAddr() netip.AddrPort { return rs.remote }
func (rs *recordingSocket) Close() error               { return nil }

func (rs *recordingSocket) countLead(lead uint8) int {
	n := 0
	for _, pkt := range rs.sent {
		if len(pkt) > 0 && pkt[0] == lead {
			n++
		}
	}
	return n
}

// tapConnection rewires an established loopback connection onto a
// recording socket, so tests can inject packets and inspect replies.
func tapConnection(t *testing.T, conn *Connection) *recordingSocket {
	t.Helper()

	conn.ctx.lock()
	defer conn.ctx.unlock()

	rs := &recordingSocket{remote: conn.remoteAddr}
	conn.sock = rs
	return rs
}

func (conn *Connection) injectPacket(t *testing.T, pkt []byte) {
	t.Helper()

	conn.ctx.lock()
	defer conn.ctx.unlock()
	conn.OnPacket(pkt, conn.remoteAddr)
}

// TestTeardownIdempotent: every retransmitted ConnectionClosed after
// ClosedByPeer draws exactly one further NoConnection ack.
func TestTeardownIdempotent(t *testing.T) {
	conns := newLoopbackPair(t, ConnectionConfig{})
	conn := conns[0]
	peerID := conns[1].LocalID()

	rs := tapConnection(t, conn)

	closedPkt, err := wire.BuildPaddedMsg(&wire.ConnectionClosed{
		FromConnectionID: peerID,
		ToConnectionID:   conn.LocalID(),
		ReasonCode:       wire.ReasonApplication,
		Debug:            "bye",
	})
	if err != nil {
		t.Fatal(err)
	}

	conn.injectPacket(t, closedPkt)
	if got := conn.State(); got != StateClosedByPeer {
		t.Fatalf("connection is in state %v", got)
	}
	if got := rs.countLead(wire.MsgNoConnection); got != 1 {
		t.Fatalf("expected 1 NoConnection ack, got %d", got)
	}

	// Each retransmission gets one more ack, and the state stays put.
	for i := 2; i <= 4; i++ {
		conn.injectPacket(t, closedPkt)
		if got := rs.countLead(wire.MsgNoConnection); got != i {
			t.Fatalf("expected %d NoConnection acks, got %d", i, got)
		}
	}
	if got := conn.State(); got != StateClosedByPeer {
		t.Fatalf("state moved to %v", got)
	}
}

// TestDataWrongConnectionID: a data packet addressed to a different
// local ID never reaches the decrypt path and draws a rate-limited
// NoConnection.
func TestDataWrongConnectionID(t *testing.T) {
	conns := newLoopbackPair(t, ConnectionConfig{})
	conn := conns[0]
	rs := tapConnection(t, conn)

	pkt := wire.AppendDataHdr(nil, &wire.DataHdr{
		ToConnectionID: conn.LocalID() + 1,
		SeqNum:         1,
	})
	pkt = append(pkt, 0xde, 0xad, 0xbe, 0xef)

	conn.injectPacket(t, pkt)

	if got := conn.State(); got != StateConnected {
		t.Fatalf("misaddressed data moved the state to %v", got)
	}
	select {
	case <-conn.Receive():
		t.Fatal("misaddressed data was delivered")
	default:
	}

	if got := rs.countLead(wire.MsgNoConnection); got != 1 {
		t.Fatalf("expected 1 NoConnection, got %d", got)
	}
	var ack wire.NoConnection
	if err := wire.ParsePlainPacket(rs.sent[len(rs.sent)-1], &ack); err != nil {
		t.Fatal(err)
	}
	if ack.FromConnectionID != conn.LocalID()+1 || ack.ToConnectionID != 0 {
		t.Fatalf("unexpected NoConnection: %v", &ack)
	}

	// The spam limiter swallows an immediate repeat.
	conn.injectPacket(t, pkt)
	if got := rs.countLead(wire.MsgNoConnection); got != 1 {
		t.Fatalf("spam limiter let a second NoConnection through, got %d", got)
	}
}

// TestConnectOKResend: a server-side connection answers repeated
// ConnectRequests after the application accepted by re-sending
// ConnectOK.
func TestConnectOKResend(t *testing.T) {
	tc := NewContext()
	listener := startTestListener(t, tc, ConnectionConfig{})

	peer := newRawPeer(t, listener)
	connect := peer.handshakeToConnectRequest(0xAAAA0001, wire.NewStringIdentity("alice"))
	peer.send(connect)

	server, err := listener.Accept()
	if err != nil {
		t.Fatal(err)
	}
	if err := server.Accept(); err != nil {
		t.Fatal(err)
	}

	// First ConnectOK from the accept.
	pkt := peer.recv(2 * time.Second)
	if pkt == nil || pkt[0] != wire.MsgConnectOK {
		t.Fatalf("expected ConnectOK, got %v", pkt)
	}

	// Our ConnectOK "was lost": the peer re-sends its ConnectRequest.
	peer.send(connect)
	pkt = peer.recv(2 * time.Second)
	if pkt == nil || pkt[0] != wire.MsgConnectOK {
		t.Fatalf("expected a re-sent ConnectOK, got %v", pkt)
	}

	var ok wire.ConnectOK
	if err := wire.ParsePlainPacket(pkt, &ok); err != nil {
		t.Fatal(err)
	}
	if ok.ClientConnectionID != 0xAAAA0001 || ok.ServerConnectionID != server.LocalID() {
		t.Fatalf("unexpected ConnectOK: %v", &ok)
	}
}
