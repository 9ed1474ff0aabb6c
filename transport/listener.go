// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/sudp/sudp-go/challenge"
	"github.com/sudp/sudp-go/sessioncrypt"
	"github.com/sudp/sudp-go/wire"
)

// remoteConnectionKey indexes a listener's children: at most one
// connection may exist per remote identity and remote connection ID.
type remoteConnectionKey struct {
	identity  wire.Identity
	remoteCID uint32
}

// Listener accepts connections over direct UDP. It owns the shared
// socket, the challenge oracle's secret, and the child-connection
// table.
type Listener struct {
	ctx  *Context
	cfg  ConnectionConfig
	keys *sessioncrypt.KeyPair

	identity wire.Identity
	sock     *SharedSocket
	oracle   *challenge.Oracle

	childConnections map[remoteConnectionKey]*Connection

	acceptCh chan *Connection
	closed   bool
}

// Listen binds a listener on address. The identity is what local
// certs assert; keys sign them. A nil keys generates a fresh pair.
func Listen(tc *Context, address string, identity wire.Identity, keys *sessioncrypt.KeyPair, cfg ConnectionConfig) (*Listener, error) {
	if keys == nil {
		var err error
		if keys, err = sessioncrypt.NewKeyPair(); err != nil {
			return nil, err
		}
	}

	oracle, err := challenge.NewOracle()
	if err != nil {
		return nil, err
	}

	listener := &Listener{
		ctx:              tc,
		cfg:              cfg.withDefaults(),
		keys:             keys,
		identity:         identity,
		oracle:           oracle,
		childConnections: make(map[remoteConnectionKey]*Connection),
		acceptCh:         make(chan *Connection, 16),
	}

	listener.sock, err = NewSharedSocket(tc, address, listener)
	if err != nil {
		return nil, err
	}

	log.WithField("address", listener.sock.LocalAddr()).Info("Started sudp listener")
	return listener, nil
}

// LocalAddr is the bound address.
func (listener *Listener) LocalAddr() netip.AddrPort {
	return listener.sock.LocalAddr()
}

// Accept blocks until a peer finishes the cookie handshake. The
// returned connection is still in StateConnecting; the application
// decides with Connection.Accept or Connection.Close.
func (listener *Listener) Accept() (*Connection, error) {
	conn, ok := <-listener.acceptCh
	if !ok {
		return nil, fmt.Errorf("listener is closed")
	}
	return conn, nil
}

// Close tears down all child connections and releases the socket.
func (listener *Listener) Close() error {
	listener.ctx.lock()
	defer listener.ctx.unlock()

	if listener.closed {
		return nil
	}
	listener.closed = true

	var errs *multierror.Error
	for _, conn := range listener.childConnections {
		conn.closeLocked(wire.ReasonMiscGeneric, "listen socket closed")
	}
	for _, conn := range listener.childConnections {
		conn.destroyLocked()
	}

	if err := listener.sock.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}

	close(listener.acceptCh)
	return errs.ErrorOrNil()
}

// removeChild drops a dying connection from the table. Callers hold
// the transport lock.
func (listener *Listener) removeChild(conn *Connection) {
	key := remoteConnectionKey{identity: conn.remoteIdentity, remoteCID: conn.remoteID}
	if listener.childConnections[key] == conn {
		delete(listener.childConnections, key)
	}
}

// OnPacket is the shared socket's default handler: every datagram
// whose source is not bound to a child connection lands here.
func (listener *Listener) OnPacket(pkt []byte, adrFrom netip.AddrPort) {
	usecNow := listener.ctx.Now()

	if listener.closed {
		return
	}

	if len(pkt) < 5 {
		listener.ctx.reportBadPacket(usecNow, adrFrom, "packet", "%d byte packet is too small", len(pkt))
		return
	}

	if wire.IsDataPacket(pkt) {
		if binary.LittleEndian.Uint32(pkt[:4]) == 0xffffffff {
			// Legacy connectionless packet (LAN discovery and the
			// like). Ignore without spew.
			return
		}

		// Stray data from a host without a session. If the target was
		// one of our recently dead connections, tell them it is gone;
		// otherwise just log.
		if hdr, _, err := wire.ParseDataHdr(pkt); err == nil && listener.ctx.recallsLocalID(hdr.ToConnectionID) {
			if listener.ctx.checkGlobalSpamReplyRateLimit(usecNow) {
				listener.sendMsg(&wire.NoConnection{FromConnectionID: hdr.ToConnectionID}, adrFrom)
			}
			return
		}
		listener.ctx.reportBadPacket(usecNow, adrFrom, "Data", "Stray data packet from host with no connection. Ignoring.")
		return
	}

	switch pkt[0] {
	case wire.MsgChallengeRequest:
		var msg wire.ChallengeRequest
		if err := wire.ParsePaddedPacket(pkt, &msg); err != nil {
			listener.ctx.reportBadPacket(usecNow, adrFrom, "ChallengeRequest", "%v", err)
			return
		}
		listener.receivedChallengeRequest(&msg, adrFrom, usecNow)

	case wire.MsgConnectRequest:
		var msg wire.ConnectRequest
		if err := wire.ParsePlainPacket(pkt, &msg); err != nil {
			listener.ctx.reportBadPacket(usecNow, adrFrom, "ConnectRequest", "%v", err)
			return
		}
		listener.receivedConnectRequest(&msg, adrFrom, len(pkt), usecNow)

	case wire.MsgConnectionClosed:
		var msg wire.ConnectionClosed
		if err := wire.ParsePaddedPacket(pkt, &msg); err != nil {
			listener.ctx.reportBadPacket(usecNow, adrFrom, "ConnectionClosed", "%v", err)
			return
		}
		listener.receivedConnectionClosed(&msg, adrFrom, usecNow)

	case wire.MsgNoConnection:
		// They don't think there's a connection on this address. We
		// agree. Nothing to do.

	default:
		// Also covers ChallengeReply and ConnectOK: we never initiate
		// connections, so we shouldn't ever see those replies.
		listener.ctx.reportBadPacket(usecNow, adrFrom, "packet", "Invalid lead byte %#02x", pkt[0])
	}
}

func (listener *Listener) receivedChallengeRequest(msg *wire.ChallengeRequest, adrFrom netip.AddrPort, usecNow int64) {
	if msg.ConnectionID == 0 {
		listener.ctx.reportBadPacket(usecNow, adrFrom, "ChallengeRequest", "Missing connection_id.")
		return
	}

	bucket := challenge.TimeBucket(usecNow)

	reply := &wire.ChallengeReply{
		ConnectionID:    msg.ConnectionID,
		Challenge:       listener.oracle.Generate(bucket, adrFrom),
		YourTimestamp:   msg.MyTimestamp,
		ProtocolVersion: wire.CurrentProtocolVersion,
	}
	listener.sendMsg(reply, adrFrom)
}

func (listener *Listener) receivedConnectRequest(msg *wire.ConnectRequest, adrFrom netip.AddrPort, cbPkt int, usecNow int64) {
	// Make sure the challenge was generated by us, for this address,
	// relatively recently.
	if err := listener.oracle.Verify(msg.Challenge, adrFrom, usecNow); err != nil {
		listener.ctx.reportBadPacket(usecNow, adrFrom, "ConnectRequest", "%v", err)
		return
	}

	if msg.ClientConnectionID == 0 {
		listener.ctx.reportBadPacket(usecNow, adrFrom, "ConnectRequest", "Missing connection ID")
		return
	}

	// Parse out the identity: the cert wins, then the inline field,
	// and no identity at all means "localhost".
	identityRemote, identityInCert, err := remoteIdentityFromHandshake(msg.Cert, msg.IdentityString)
	if err != nil {
		listener.ctx.reportBadPacket(usecNow, adrFrom, "ConnectRequest", "Bad identity. %v", err)
		return
	}

	if identityRemote.IsLocalHost() || identityRemote.Type == wire.IdentityIPAddr {
		if identityRemote.IsLocalHost() {
			if listener.cfg.AllowWithoutAuth == 0 {
				listener.ctx.reportBadPacket(usecNow, adrFrom, "ConnectRequest", "Unauthenticated connections not allowed.")
				return
			}

			// Their identity becomes their observed address.
			identityRemote = wire.NewIPAddrIdentity(adrFrom)
		} else if !identityInCert {
			// Requesting a specific IP address as an identity only
			// makes sense when a cert asserts it. The address is not
			// required to match the packet source; NAT would break
			// that.
			listener.ctx.reportBadPacket(usecNow, adrFrom, "ConnectRequest", "Cannot use specific IP address.")
			return
		}
	}

	// Does this connection already exist, at a different address?
	key := remoteConnectionKey{identity: identityRemote, remoteCID: msg.ClientConnectionID}
	if oldConn, exists := listener.childConnections[key]; exists {
		if oldConn.remoteAddr == normalizeAddr(adrFrom) {
			// Same peer retrying; its own per-peer socket should have
			// caught this. Drop.
			return
		}

		listener.ctx.reportBadPacket(usecNow, adrFrom, "ConnectRequest",
			"Rejecting connection request from %v at %v, connection ID %#08x. That identity/ConnectionID pair already has a connection from %v",
			identityRemote, adrFrom, msg.ClientConnectionID, oldConn.remoteAddr)

		reply := &wire.ConnectionClosed{
			ToConnectionID: msg.ClientConnectionID,
			ReasonCode:     wire.ReasonMiscGeneric,
			Debug:          "A connection with that ID already exists.",
		}
		listener.sendPaddedMsg(reply, adrFrom)
		return
	}

	conn, err := beginAccept(listener, adrFrom, identityRemote, msg, usecNow)
	if err != nil {
		log.WithFields(log.Fields{
			"remote": adrFrom,
			"error":  err,
		}).Warn("Failed to accept connection")
		return
	}

	conn.stats.TrackRecvPacket(cbPkt, usecNow)

	// Did they send us a ping estimate?
	if msg.PingEstMS != 0 {
		if msg.PingEstMS > 1500 {
			log.WithFields(log.Fields{
				"remote": adrFrom,
				"ping":   msg.PingEstMS,
			}).Warn("Ignoring really large ping estimate in connect request")
		} else {
			conn.stats.ReceivedPing(int(msg.PingEstMS), usecNow)
		}
	}

	// Their timestamp is echoed in ConnectOK once the application
	// accepts.
	if msg.MyTimestamp != 0 {
		conn.handshakeRemoteTimestamp = msg.MyTimestamp
		conn.whenReceivedHandshakeRemoteTimestamp = usecNow
	}

	listener.childConnections[key] = conn

	select {
	case listener.acceptCh <- conn:
	default:
		// The application is not draining Accept; treat it like a full
		// listen backlog.
		log.WithField("remote", adrFrom).Warn("Accept queue overflow, dropping connection")
		conn.destroyLocked()
	}
}

func (listener *Listener) receivedConnectionClosed(msg *wire.ConnectionClosed, adrFrom netip.AddrPort, usecNow int64) {
	// Send an ack. The inbound message had to be padded to 512 bytes
	// and this reply is tiny, so there is no reflection risk even from
	// a spoofed source.
	reply := &wire.NoConnection{
		ToConnectionID:   msg.FromConnectionID,
		FromConnectionID: msg.ToConnectionID,
	}
	listener.sendMsg(reply, adrFrom)
}

func (listener *Listener) sendMsg(msg wire.Message, adrTo netip.AddrPort) {
	pkt, err := wire.BuildMsg(msg)
	if err != nil {
		log.WithError(err).Error("Failed to serialize message")
		return
	}
	if err := listener.sock.SendRawPacket(pkt, adrTo); err != nil {
		log.WithFields(log.Fields{
			"remote": adrTo,
			"error":  err,
		}).Debug("Failed to send message")
	}
}

func (listener *Listener) sendPaddedMsg(msg wire.Message, adrTo netip.AddrPort) {
	pkt, err := wire.BuildPaddedMsg(msg)
	if err != nil {
		log.WithError(err).Error("Failed to serialize padded message")
		return
	}
	if err := listener.sock.SendRawPacket(pkt, adrTo); err != nil {
		log.WithFields(log.Fields{
			"remote": adrTo,
			"error":  err,
		}).Debug("Failed to send padded message")
	}
}

// remoteIdentityFromHandshake extracts the peer identity of a
// ConnectRequest or ConnectOK: first from the signed cert, then from
// the inline identity field, finally falling back to localhost.
func remoteIdentityFromHandshake(cert *wire.SignedCert, inline string) (identity wire.Identity, identityInCert bool, err error) {
	if cert != nil {
		identity, err = sessioncrypt.IdentityFromSignedCert(cert)
		if err != nil {
			return
		}
		if !identity.IsInvalid() {
			identityInCert = true
			return
		}
	}

	identity, err = wire.ParseIdentity(inline)
	if err != nil {
		return
	}
	if identity.IsInvalid() {
		identity = wire.LocalHostIdentity()
	}
	return
}
