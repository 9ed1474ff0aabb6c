// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"net"
	"testing"
	"time"

	"github.com/sudp/sudp-go/sessioncrypt"
	"github.com/sudp/sudp-go/wire"
)

// rawPeer is a bare UDP socket for crafting hostile or hand-rolled
// packets against a listener.
type rawPeer struct {
	t    *testing.T
	conn *net.UDPConn
}

func newRawPeer(t *testing.T, listener *Listener) *rawPeer {
	t.Helper()

	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(listener.LocalAddr()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return &rawPeer{t: t, conn: conn}
}

func (rp *rawPeer) send(pkt []byte) {
	if _, err := rp.conn.Write(pkt); err != nil {
		rp.t.Fatal(err)
	}
}

// recv returns the next datagram, or nil after the timeout.
func (rp *rawPeer) recv(timeout time.Duration) []byte {
	_ = rp.conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 2048)
	n, err := rp.conn.Read(buf)
	if err != nil {
		return nil
	}
	return buf[:n]
}

// handshakeToConnectRequest walks a raw peer through ChallengeRequest
// and ChallengeReply and returns a ready-to-send ConnectRequest.
func (rp *rawPeer) handshakeToConnectRequest(clientCID uint32, identity wire.Identity) []byte {
	rp.t.Helper()

	req, err := wire.BuildPaddedMsg(&wire.ChallengeRequest{
		ConnectionID:    clientCID,
		MyTimestamp:     100000,
		ProtocolVersion: wire.CurrentProtocolVersion,
	})
	if err != nil {
		rp.t.Fatal(err)
	}
	rp.send(req)

	pkt := rp.recv(2 * time.Second)
	if pkt == nil {
		rp.t.Fatal("no ChallengeReply")
	}
	var reply wire.ChallengeReply
	if err := wire.ParsePlainPacket(pkt, &reply); err != nil {
		rp.t.Fatal(err)
	}
	if reply.ConnectionID != clientCID {
		rp.t.Fatalf("ChallengeReply for connection %#08x, expected %#08x", reply.ConnectionID, clientCID)
	}

	keys, err := sessioncrypt.NewKeyPair()
	if err != nil {
		rp.t.Fatal(err)
	}
	session, err := sessioncrypt.NewSession(keys, identity)
	if err != nil {
		rp.t.Fatal(err)
	}

	connect, err := wire.BuildMsg(&wire.ConnectRequest{
		ClientConnectionID: clientCID,
		Challenge:          reply.Challenge,
		MyTimestamp:        200000,
		Cert:               session.LocalCert(),
		Crypt:              session.LocalCryptInfo(),
	})
	if err != nil {
		rp.t.Fatal(err)
	}
	return connect
}

// TestListenerChallengeAmplification: every reply to an unverified
// source is at most as big as the packet that triggered it.
func TestListenerChallengeAmplification(t *testing.T) {
	tc := NewContext()
	listener := startTestListener(t, tc, ConnectionConfig{})
	peer := newRawPeer(t, listener)

	req, err := wire.BuildPaddedMsg(&wire.ChallengeRequest{ConnectionID: 0xAAAA0001, MyTimestamp: 1})
	if err != nil {
		t.Fatal(err)
	}
	peer.send(req)

	reply := peer.recv(2 * time.Second)
	if reply == nil {
		t.Fatal("no ChallengeReply")
	}
	if reply[0] != wire.MsgChallengeReply {
		t.Fatalf("lead byte %#02x, expected ChallengeReply", reply[0])
	}
	if len(reply) > len(req) {
		t.Fatalf("reply of %d bytes amplifies the %d byte request", len(reply), len(req))
	}
}

// TestListenerShortAndUnpaddedDropped: tiny packets and unpadded
// ChallengeRequests die silently.
func TestListenerShortAndUnpaddedDropped(t *testing.T) {
	tc := NewContext()
	listener := startTestListener(t, tc, ConnectionConfig{})
	peer := newRawPeer(t, listener)

	// Four bytes: below the minimum.
	peer.send([]byte{wire.MsgChallengeRequest, 0, 0, 0})

	// A well-formed ChallengeRequest in a plain envelope: not padded,
	// must be dropped.
	unpadded, err := wire.BuildMsg(&wire.ChallengeRequest{ConnectionID: 0xAAAA0001, MyTimestamp: 1})
	if err != nil {
		t.Fatal(err)
	}
	peer.send(unpadded)

	// A padded request with connection ID zero.
	zeroCID, err := wire.BuildPaddedMsg(&wire.ChallengeRequest{MyTimestamp: 1})
	if err != nil {
		t.Fatal(err)
	}
	peer.send(zeroCID)

	if reply := peer.recv(500 * time.Millisecond); reply != nil {
		t.Fatalf("got a %d byte reply to garbage", len(reply))
	}
}

// TestListenerSpoofedConnectRequest: a ConnectRequest without a valid
// cookie creates no state and draws no reply.
func TestListenerSpoofedConnectRequest(t *testing.T) {
	tc := NewContext()
	listener := startTestListener(t, tc, ConnectionConfig{})
	peer := newRawPeer(t, listener)

	spoofed, err := wire.BuildMsg(&wire.ConnectRequest{
		ClientConnectionID: 0xAAAA0001,
		Challenge:          0,
	})
	if err != nil {
		t.Fatal(err)
	}
	peer.send(spoofed)

	if reply := peer.recv(500 * time.Millisecond); reply != nil {
		t.Fatalf("spoofed ConnectRequest drew a %d byte reply", len(reply))
	}

	tc.lock()
	children := len(listener.childConnections)
	tc.unlock()
	if children != 0 {
		t.Fatalf("spoofed ConnectRequest created %d connections", children)
	}
}

// TestListenerStrayData: data packets from unknown hosts are dropped
// without a reply.
func TestListenerStrayData(t *testing.T) {
	tc := NewContext()
	listener := startTestListener(t, tc, ConnectionConfig{})
	peer := newRawPeer(t, listener)

	pkt := wire.AppendDataHdr(nil, &wire.DataHdr{ToConnectionID: 0xDEAD, SeqNum: 1})
	pkt = append(pkt, 0x01, 0x02, 0x03)
	peer.send(pkt)

	// Legacy connectionless lead: also silence.
	peer.send([]byte{0xff, 0xff, 0xff, 0xff, 0x00, 0x01})

	if reply := peer.recv(500 * time.Millisecond); reply != nil {
		t.Fatalf("stray data drew a %d byte reply", len(reply))
	}
}

// TestListenerDuplicateSession: the same identity and client
// connection ID from a second address is answered with a padded
// ConnectionClosed, and the first connection stays untouched.
func TestListenerDuplicateSession(t *testing.T) {
	tc := NewContext()
	listener := startTestListener(t, tc, ConnectionConfig{})

	identity := wire.NewStringIdentity("alice")
	const clientCID = 0xAAAA0001

	first := newRawPeer(t, listener)
	first.send(first.handshakeToConnectRequest(clientCID, identity))

	server, err := listener.Accept()
	if err != nil {
		t.Fatal(err)
	}
	if server.RemoteIdentity() != identity {
		t.Fatalf("remote identity is %v", server.RemoteIdentity())
	}

	// Second peer, different source port, same identity and CID.
	second := newRawPeer(t, listener)
	second.send(second.handshakeToConnectRequest(clientCID, identity))

	reply := second.recv(2 * time.Second)
	if reply == nil {
		t.Fatal("duplicate session drew no reply")
	}
	var closed wire.ConnectionClosed
	if err := wire.ParsePaddedPacket(reply, &closed); err != nil {
		t.Fatalf("expected a padded ConnectionClosed: %v", err)
	}
	if closed.ToConnectionID != clientCID || closed.ReasonCode != wire.ReasonMiscGeneric {
		t.Fatalf("unexpected ConnectionClosed: %v", &closed)
	}
	if len(reply) < wire.MinPaddedPacketSize {
		t.Fatalf("ConnectionClosed is only %d bytes", len(reply))
	}

	// The existing connection is untouched.
	if got := server.State(); got != StateConnecting {
		t.Fatalf("first connection moved to %v", got)
	}
}

// TestListenerConnectionClosedAck: a padded ConnectionClosed from an
// unknown host gets exactly one tiny NoConnection ack.
func TestListenerConnectionClosedAck(t *testing.T) {
	tc := NewContext()
	listener := startTestListener(t, tc, ConnectionConfig{})
	peer := newRawPeer(t, listener)

	msg, err := wire.BuildPaddedMsg(&wire.ConnectionClosed{
		FromConnectionID: 0xBBBB0002,
		ToConnectionID:   0xAAAA0001,
		ReasonCode:       wire.ReasonApplication,
	})
	if err != nil {
		t.Fatal(err)
	}
	peer.send(msg)

	reply := peer.recv(2 * time.Second)
	if reply == nil {
		t.Fatal("no NoConnection ack")
	}
	var ack wire.NoConnection
	if err := wire.ParsePlainPacket(reply, &ack); err != nil {
		t.Fatal(err)
	}
	if ack.ToConnectionID != 0xBBBB0002 || ack.FromConnectionID != 0xAAAA0001 {
		t.Fatalf("ack has wrong IDs: %v", &ack)
	}
	if len(reply) >= len(msg) {
		t.Fatalf("ack of %d bytes is not tiny", len(reply))
	}
}
