// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"fmt"
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sudp/sudp-go/sessioncrypt"
	"github.com/sudp/sudp-go/snp"
	"github.com/sudp/sudp-go/stats"
	"github.com/sudp/sudp-go/wire"
)

// Connection is one encrypted session over raw UDP. A connection is
// created either by Dial, by a listener's cookie handshake, or as half
// of a loopback pair.
type Connection struct {
	ctx *Context
	cfg ConnectionConfig

	// listener is the parent for accepted connections, nil for
	// client-initiated and loopback ones.
	listener *Listener

	sock       BoundSocket
	remoteAddr netip.AddrPort

	localIdentity  wire.Identity
	remoteIdentity wire.Identity

	localID  uint32
	remoteID uint32

	session *sessioncrypt.Session
	stats   *stats.Tracker

	chunkQueue *snp.Queue
	chunks     ChunkProcessor

	state     State
	endReason uint32
	endDebug  string

	// loopback suppresses the Connecting and initial Connected state
	// callbacks, which never happened on the wire.
	loopback bool

	// Server side: the client's handshake timestamp, echoed in
	// ConnectOK.
	handshakeRemoteTimestamp             uint64
	whenReceivedHandshakeRemoteTimestamp int64

	whenSentConnectRequest int64

	thinkTimer *time.Timer
	nextThink  int64

	// usecWhenZombie is the deadline after which a closed connection
	// stops answering retransmissions and drops its state.
	usecWhenZombie int64

	destroyed bool
}

func newConnection(tc *Context, cfg ConnectionConfig) *Connection {
	cfg = cfg.withDefaults()
	conn := &Connection{
		ctx:   tc,
		cfg:   cfg,
		stats: stats.NewTracker(),
	}
	conn.chunkQueue = snp.NewQueue(cfg.ChunkQueueSize)
	conn.chunks = conn.chunkQueue
	return conn
}

// Dial initiates a connection to address. localIdentity may be the
// invalid identity if configuration allows anonymous sessions; keys
// may be nil for a fresh pair. The returned connection is in
// StateConnecting; watch OnStateChange or poll State.
func Dial(tc *Context, address string, localIdentity wire.Identity, keys *sessioncrypt.KeyPair, cfg ConnectionConfig) (*Connection, error) {
	remote, err := netip.ParseAddrPort(address)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %q: %v", address, err)
	}

	conn := newConnection(tc, cfg)

	if localIdentity.IsInvalid() {
		// We don't know who we are. Should we attempt anonymous?
		if conn.cfg.AllowWithoutAuth == 0 {
			return nil, fmt.Errorf("unable to determine local identity, and auth required")
		}
		localIdentity = wire.LocalHostIdentity()
	}
	conn.localIdentity = localIdentity

	if keys == nil {
		if keys, err = sessioncrypt.NewKeyPair(); err != nil {
			return nil, err
		}
	}
	if conn.session, err = sessioncrypt.NewSession(keys, localIdentity); err != nil {
		return nil, err
	}

	tc.lock()
	defer tc.unlock()

	if conn.localID, err = tc.allocConnectionID(); err != nil {
		return nil, err
	}

	if conn.sock, err = OpenSocketBoundToHost(tc, remote, conn); err != nil {
		return nil, err
	}
	conn.remoteAddr = normalizeAddr(remote)

	usecNow := tc.Now()
	conn.setStateLocked(StateConnecting)
	conn.sendChallengeRequest(usecNow)
	conn.ensureMinThinkTime(usecNow + conn.cfg.ConnectRetryInterval.Microseconds())

	return conn, nil
}

// beginAccept builds the server-side connection for a verified
// ConnectRequest; identityRemote was already extracted and policy
// checked by the listener. Callers hold the transport lock.
func beginAccept(listener *Listener, adrFrom netip.AddrPort, identityRemote wire.Identity, msg *wire.ConnectRequest, usecNow int64) (*Connection, error) {
	conn := newConnection(listener.ctx, listener.cfg)
	conn.listener = listener
	conn.localIdentity = listener.identity

	var err error
	if conn.localID, err = listener.ctx.allocConnectionID(); err != nil {
		return nil, err
	}

	conn.remoteIdentity = identityRemote
	conn.remoteID = msg.ClientConnectionID
	conn.remoteAddr = normalizeAddr(adrFrom)

	// Get an interface to talk just to this host.
	if conn.sock, err = listener.sock.AddRemoteHost(adrFrom, conn); err != nil {
		return nil, err
	}

	if conn.session, err = sessioncrypt.NewSession(listener.keys, listener.identity); err != nil {
		conn.sock.Close()
		return nil, err
	}

	// Process the crypto handshake now; the application accept only
	// sends ConnectOK.
	if err = conn.recvCryptoHandshake(msg.Cert, msg.Crypt, true); err != nil {
		conn.sock.Close()
		return nil, fmt.Errorf("failed crypto init: %v", err)
	}

	conn.setStateLocked(StateConnecting)
	return conn, nil
}

func (conn *Connection) recvCryptoHandshake(cert *wire.SignedCert, crypt *wire.SignedCryptInfo, accepting bool) error {
	allowUnsigned := conn.loopback || conn.cfg.AllowWithoutAuth != 0
	if cert == nil {
		cert = &wire.SignedCert{}
	}
	if crypt == nil {
		crypt = &wire.SignedCryptInfo{}
	}
	if err := conn.session.RecvHandshake(cert, crypt, accepting, allowUnsigned); err != nil {
		return err
	}
	if !conn.loopback && conn.cfg.AllowWithoutAuth == 1 && !cert.HasCert() {
		conn.log().Warn("Peer did not present a cert, allowed by configuration")
	}
	return nil
}

func (conn *Connection) String() string {
	if conn.remoteIdentity.IsInvalid() || conn.remoteIdentity.Type == wire.IdentityIPAddr {
		return fmt.Sprintf("UDP %v", conn.remoteAddr)
	}
	return fmt.Sprintf("UDP %v@%v", conn.remoteIdentity, conn.remoteAddr)
}

// log prepares a new log entry with predefined connection data.
func (conn *Connection) log() *log.Entry {
	return log.WithFields(log.Fields{
		"conn":  conn.String(),
		"state": conn.state,
	})
}

// State is the connection's current state.
func (conn *Connection) State() State {
	conn.ctx.lock()
	defer conn.ctx.unlock()
	return conn.state
}

// LocalID is this side's connection ID.
func (conn *Connection) LocalID() uint32 {
	conn.ctx.lock()
	defer conn.ctx.unlock()
	return conn.localID
}

// RemoteID is the peer's connection ID, zero before the handshake
// finished.
func (conn *Connection) RemoteID() uint32 {
	conn.ctx.lock()
	defer conn.ctx.unlock()
	return conn.remoteID
}

// RemoteIdentity is the peer's identity, invalid before the handshake
// finished on the client side.
func (conn *Connection) RemoteIdentity() wire.Identity {
	conn.ctx.lock()
	defer conn.ctx.unlock()
	return conn.remoteIdentity
}

// RemoteAddr is the pinned peer address.
func (conn *Connection) RemoteAddr() netip.AddrPort {
	conn.ctx.lock()
	defer conn.ctx.unlock()
	return conn.remoteAddr
}

// EndReason returns the teardown reason and debug text, once a close
// happened.
func (conn *Connection) EndReason() (uint32, string) {
	conn.ctx.lock()
	defer conn.ctx.unlock()
	return conn.endReason, conn.endDebug
}

// Receive is the channel of decrypted chunks delivered in receive
// order. It is closed when the connection dies.
func (conn *Connection) Receive() <-chan snp.Chunk {
	return conn.chunkQueue.Receive()
}

// Accept completes a listener-side handshake: it sends ConnectOK and
// moves the connection to StateConnected.
func (conn *Connection) Accept() error {
	conn.ctx.lock()
	defer conn.ctx.unlock()

	if conn.listener == nil {
		return fmt.Errorf("not a listener-side connection")
	}
	if conn.state != StateConnecting {
		return fmt.Errorf("cannot accept a connection in state %v", conn.state)
	}

	usecNow := conn.ctx.Now()
	conn.sendConnectOK(usecNow)
	conn.setStateLocked(StateConnected)
	conn.ensureMinThinkTime(conn.stats.NextThinkTime(usecNow))
	return nil
}

// Close announces a teardown with the given reason and keeps
// answering retransmissions until the FinWait timeout runs out.
func (conn *Connection) Close(reasonCode uint32, debug string) {
	conn.ctx.lock()
	defer conn.ctx.unlock()
	conn.closeLocked(reasonCode, debug)
}

func (conn *Connection) closeLocked(reasonCode uint32, debug string) {
	switch conn.state {
	case StateConnecting, StateConnected, StateLinger:
		conn.endReason = reasonCode
		conn.endDebug = debug
		conn.setStateLocked(StateFinWait)

	case StateClosedByPeer:
		// Already acked the peer's close; just drop state.
		conn.destroyLocked()

	case StateFinWait, StateProblemDetectedLocally, StateDead, StateNone:
		// Nothing further to announce.
	}
}

// Linger half-closes the connection: no more data messages are sent
// and inbound data is ignored, but acks and stats still go out and the
// session stays addressable.
func (conn *Connection) Linger() {
	conn.ctx.lock()
	defer conn.ctx.unlock()

	if conn.state == StateConnected {
		conn.setStateLocked(StateLinger)
	}
}

func (conn *Connection) problemDetectedLocally(reasonCode uint32, format string, args ...interface{}) {
	conn.endReason = reasonCode
	conn.endDebug = fmt.Sprintf(format, args...)
	conn.log().Warn(conn.endDebug)
	conn.setStateLocked(StateProblemDetectedLocally)
}

func (conn *Connection) setStateLocked(newState State) {
	oldState := conn.state
	if oldState == newState {
		return
	}
	conn.state = newState

	usecNow := conn.ctx.Now()

	switch newState {
	case StateFinWait, StateProblemDetectedLocally:
		conn.sendConnectionClosedOrNoConnection()
		conn.usecWhenZombie = usecNow + conn.cfg.FinWaitTimeout.Microseconds()
		conn.ensureMinThinkTime(conn.usecWhenZombie)

	case StateClosedByPeer:
		conn.usecWhenZombie = usecNow + conn.cfg.FinWaitTimeout.Microseconds()
		conn.ensureMinThinkTime(conn.usecWhenZombie)
	}

	conn.postStateChange(oldState, newState)
}

func (conn *Connection) postStateChange(oldState, newState State) {
	if conn.cfg.OnStateChange == nil {
		return
	}
	// Loopback pairs never connected over the wire; their initial
	// transitions are not announced.
	if conn.loopback && (newState == StateConnecting || newState == StateConnected) {
		return
	}
	conn.cfg.OnStateChange(conn, oldState, newState)
}

// destroyLocked releases everything: the socket binding, the child
// table entry and the chunk queue. The connection ID is remembered so
// late packets get a NoConnection instead of silence.
func (conn *Connection) destroyLocked() {
	if conn.destroyed {
		return
	}
	conn.destroyed = true

	if conn.listener != nil {
		conn.listener.removeChild(conn)
	}
	if conn.localID != 0 {
		conn.ctx.rememberLocalID(conn.localID)
	}
	if conn.thinkTimer != nil {
		conn.thinkTimer.Stop()
	}
	if conn.sock != nil {
		if err := conn.sock.Close(); err != nil {
			conn.log().WithError(err).Warn("Failed to close socket")
		}
	}
	conn.chunkQueue.Close()
	conn.state = StateDead
}

/*
Think scheduling
*/

// ensureMinThinkTime registers the next think callback, keeping the
// earliest requested deadline.
func (conn *Connection) ensureMinThinkTime(usecDeadline int64) {
	if conn.destroyed {
		return
	}
	if conn.nextThink != 0 && conn.nextThink <= usecDeadline {
		return
	}
	conn.nextThink = usecDeadline

	wait := time.Duration(usecDeadline-conn.ctx.Now()) * time.Microsecond
	if wait < 0 {
		wait = 0
	}
	if conn.thinkTimer == nil {
		conn.thinkTimer = time.AfterFunc(wait, conn.think)
	} else {
		conn.thinkTimer.Reset(wait)
	}
}

func (conn *Connection) think() {
	conn.ctx.lock()
	defer conn.ctx.unlock()

	if conn.destroyed {
		return
	}
	conn.nextThink = 0
	conn.thinkLocked(conn.ctx.Now())
}

func (conn *Connection) thinkLocked(usecNow int64) {
	switch conn.state {
	case StateConnecting:
		if conn.listener == nil {
			// Start the handshake over; the challenge has a short
			// expiry anyway.
			conn.sendChallengeRequest(usecNow)
			conn.ensureMinThinkTime(usecNow + conn.cfg.ConnectRetryInterval.Microseconds())
		}

	case StateConnected, StateLinger:
		if reason := conn.stats.NeedToSendAck(usecNow); reason != "" {
			conn.sendStatsMsg(replyNothing, usecNow, reason)
		}
		conn.ensureMinThinkTime(conn.stats.NextThinkTime(usecNow))

	case StateFinWait, StateProblemDetectedLocally, StateClosedByPeer:
		if usecNow >= conn.usecWhenZombie {
			// Retransmission window is over; drop the state.
			conn.destroyLocked()
		} else {
			conn.ensureMinThinkTime(conn.usecWhenZombie)
		}
	}
}

/*
Outbound handshake and teardown messages
*/

func (conn *Connection) sendChallengeRequest(usecNow int64) {
	msg := &wire.ChallengeRequest{
		ConnectionID:    conn.localID,
		MyTimestamp:     uint64(usecNow),
		ProtocolVersion: wire.CurrentProtocolVersion,
	}
	conn.sendPaddedMsg(msg)

	// They are supposed to reply with a timestamp, from which we can
	// estimate the ping. So this counts as a ping request.
	conn.stats.TrackSentPingRequest(usecNow, false)
}

func (conn *Connection) sendConnectOK(usecNow int64) {
	msg := &wire.ConnectOK{
		ClientConnectionID: conn.remoteID,
		ServerConnectionID: conn.localID,
		Cert:               conn.session.LocalCert(),
		Crypt:              conn.session.LocalCryptInfo(),
	}

	// Echo their handshake timestamp, unless it has grown too stale to
	// be a useful ping sample.
	if conn.whenReceivedHandshakeRemoteTimestamp != 0 {
		usecElapsed := usecNow - conn.whenReceivedHandshakeRemoteTimestamp
		if usecElapsed < 4_000_000 {
			msg.YourTimestamp = conn.handshakeRemoteTimestamp
			msg.DelayTimeUsec = uint64(usecElapsed)
		} else {
			conn.log().WithField("elapsed_ms", usecElapsed/1000).Warn(
				"Discarding handshake timestamp, not sending in ConnectOK")
			conn.whenReceivedHandshakeRemoteTimestamp = 0
		}
	}

	conn.sendMsg(msg)
}

func (conn *Connection) sendConnectionClosedOrNoConnection() {
	if conn.state == StateClosedByPeer {
		conn.sendNoConnection(conn.localID, conn.remoteID)
		return
	}

	msg := &wire.ConnectionClosed{
		FromConnectionID: conn.localID,
		ToConnectionID:   conn.remoteID,
		ReasonCode:       conn.endReason,
		Debug:            conn.endDebug,
	}
	conn.sendPaddedMsg(msg)
}

func (conn *Connection) sendNoConnection(fromID, toID uint32) {
	if fromID == 0 && toID == 0 {
		conn.log().Error("Cannot send NoConnection without any connection ID")
		return
	}
	conn.sendMsg(&wire.NoConnection{
		FromConnectionID: fromID,
		ToConnectionID:   toID,
	})
}

func (conn *Connection) sendMsg(msg wire.Message) {
	pkt, err := wire.BuildMsg(msg)
	if err != nil {
		conn.log().WithError(err).Error("Failed to serialize message")
		return
	}
	conn.sendPacket(pkt)
}

func (conn *Connection) sendPaddedMsg(msg wire.Message) {
	pkt, err := wire.BuildPaddedMsg(msg)
	if err != nil {
		conn.log().WithError(err).Error("Failed to serialize padded message")
		return
	}
	conn.sendPacket(pkt)
}

func (conn *Connection) sendPacket(pkt []byte) {
	conn.sendPacketGather(len(pkt), pkt)
}

func (conn *Connection) sendPacketGather(cbSendTotal int, chunks ...[]byte) {
	if conn.sock == nil {
		conn.log().Error("Attempt to send packet, but socket has been closed")
		return
	}

	conn.stats.TrackSentPacket(cbSendTotal)

	if err := conn.sock.SendRawPacketGather(chunks...); err != nil {
		conn.log().WithError(err).Debug("Failed to send packet")
	}
}

/*
Inbound dispatch
*/

// OnPacket handles a datagram from our bound peer. Called with the
// transport lock held.
func (conn *Connection) OnPacket(pkt []byte, adrFrom netip.AddrPort) {
	usecNow := conn.ctx.Now()

	if conn.destroyed {
		return
	}

	if len(pkt) < 5 {
		conn.ctx.reportBadPacket(usecNow, adrFrom, "packet", "%d byte packet is too small", len(pkt))
		return
	}

	// Data packets are the most common, check for them first.
	if wire.IsDataPacket(pkt) {
		conn.receivedData(pkt, usecNow)
		return
	}

	// Track stats for the other packet types.
	conn.stats.TrackRecvPacket(len(pkt), usecNow)

	switch pkt[0] {
	case wire.MsgChallengeReply:
		var msg wire.ChallengeReply
		if err := wire.ParsePlainPacket(pkt, &msg); err != nil {
			conn.reportBadPacket(usecNow, "ChallengeReply", "%v", err)
			return
		}
		conn.receivedChallengeReply(&msg, usecNow)

	case wire.MsgConnectOK:
		var msg wire.ConnectOK
		if err := wire.ParsePlainPacket(pkt, &msg); err != nil {
			conn.reportBadPacket(usecNow, "ConnectOK", "%v", err)
			return
		}
		conn.receivedConnectOK(&msg, usecNow)

	case wire.MsgConnectionClosed:
		var msg wire.ConnectionClosed
		if err := wire.ParsePaddedPacket(pkt, &msg); err != nil {
			conn.reportBadPacket(usecNow, "ConnectionClosed", "%v", err)
			return
		}
		conn.receivedConnectionClosed(&msg, usecNow)

	case wire.MsgNoConnection:
		var msg wire.NoConnection
		if err := wire.ParsePlainPacket(pkt, &msg); err != nil {
			conn.reportBadPacket(usecNow, "NoConnection", "%v", err)
			return
		}
		conn.receivedNoConnection(&msg, usecNow)

	case wire.MsgChallengeRequest:
		var msg wire.ChallengeRequest
		if err := wire.ParsePaddedPacket(pkt, &msg); err != nil {
			conn.reportBadPacket(usecNow, "ChallengeRequest", "%v", err)
			return
		}
		conn.receivedChallengeOrConnectRequest("ChallengeRequest", msg.ConnectionID, usecNow)

	case wire.MsgConnectRequest:
		var msg wire.ConnectRequest
		if err := wire.ParsePlainPacket(pkt, &msg); err != nil {
			conn.reportBadPacket(usecNow, "ConnectRequest", "%v", err)
			return
		}
		conn.receivedChallengeOrConnectRequest("ConnectRequest", msg.ClientConnectionID, usecNow)

	default:
		conn.reportBadPacket(usecNow, "packet", "Lead byte %#02x not a known message ID", pkt[0])
	}
}

func (conn *Connection) reportBadPacket(usecNow int64, msgType string, format string, args ...interface{}) {
	conn.ctx.reportBadPacket(usecNow, conn.remoteAddr, msgType, format, args...)
}

func (conn *Connection) receivedChallengeReply(msg *wire.ChallengeReply, usecNow int64) {
	// We should only be getting this if we are the "client".
	if conn.listener != nil {
		conn.reportBadPacket(usecNow, "ChallengeReply", "Only locally initiated connections expect this.")
		return
	}

	if conn.state != StateConnecting {
		return
	}

	// Make sure they aren't spoofing.
	if msg.ConnectionID != conn.localID {
		conn.reportBadPacket(usecNow, "ChallengeReply", "Incorrect connection ID. Message is stale or could be spoofed, ignoring.")
		return
	}
	if msg.ProtocolVersion < wire.MinRequiredProtocolVersion {
		conn.problemDetectedLocally(wire.ReasonMiscGeneric, "Peer is running old software and needs to be updated")
		return
	}

	conn.receivedTimestampEcho(msg.YourTimestamp, 0, usecNow)

	conn.stats.PeerProtocolVersion = msg.ProtocolVersion

	// Reply with the challenge data and our cert.
	req := &wire.ConnectRequest{
		ClientConnectionID: conn.localID,
		Challenge:          msg.Challenge,
		MyTimestamp:        uint64(usecNow),
		Cert:               conn.session.LocalCert(),
		Crypt:              conn.session.LocalCryptInfo(),
	}
	if ping := conn.stats.SmoothedPingMS(); ping >= 0 {
		req.PingEstMS = uint32(ping)
	}
	conn.sendMsg(req)

	// If this reply is lost, the retry starts the whole handshake over
	// again. The challenge has a short expiry anyway.
	conn.whenSentConnectRequest = usecNow
	conn.ensureMinThinkTime(usecNow + conn.cfg.ConnectRetryInterval.Microseconds())

	conn.stats.TrackSentPingRequest(usecNow, false)
}

func (conn *Connection) receivedConnectOK(msg *wire.ConnectOK, usecNow int64) {
	// We should only be getting this if we are the "client".
	if conn.listener != nil {
		conn.reportBadPacket(usecNow, "ConnectOK", "Only locally initiated connections expect this.")
		return
	}

	if msg.ClientConnectionID != conn.localID {
		conn.reportBadPacket(usecNow, "ConnectOK", "Incorrect connection ID. Message is stale or could be spoofed, ignoring.")
		return
	}

	identityRemote, identityInCert, err := remoteIdentityFromHandshake(msg.Cert, msg.IdentityString)
	if err != nil {
		conn.reportBadPacket(usecNow, "ConnectOK", "Bad identity. %v", err)
		return
	}

	if identityRemote.IsLocalHost() || identityRemote.Type == wire.IdentityIPAddr {
		if identityRemote.IsLocalHost() {
			if conn.cfg.AllowWithoutAuth == 0 {
				conn.reportBadPacket(usecNow, "ConnectOK", "Unauthenticated connections not allowed.")
				return
			}
			identityRemote = wire.NewIPAddrIdentity(conn.remoteAddr)
		} else if !identityInCert {
			conn.reportBadPacket(usecNow, "ConnectOK", "Cannot use specific IP address.")
			return
		}
	}

	// Make sure they are still who we think they are.
	if !conn.remoteIdentity.IsInvalid() && conn.remoteIdentity != identityRemote {
		conn.reportBadPacket(usecNow, "ConnectOK", "Peer identity doesn't match who we expect to be connecting to.")
		return
	}

	conn.receivedTimestampEcho(msg.YourTimestamp, msg.DelayTimeUsec, usecNow)

	switch conn.state {
	case StateNone, StateDead, StateFindingRoute:
		conn.log().Error("ConnectOK in unexpected state")
		return

	case StateClosedByPeer, StateFinWait, StateProblemDetectedLocally:
		conn.sendConnectionClosedOrNoConnection()
		return

	case StateLinger, StateConnected:
		// We already know we were able to establish the connection.
		return

	case StateConnecting:
	}

	conn.remoteID = msg.ServerConnectionID
	if conn.remoteID&0xffff == 0 {
		conn.problemDetectedLocally(wire.ReasonRemoteBadCrypt, "Didn't send valid connection ID")
		return
	}

	conn.remoteIdentity = identityRemote

	// Check the cert, derive keys.
	if err := conn.recvCryptoHandshake(msg.Cert, msg.Crypt, false); err != nil {
		conn.problemDetectedLocally(wire.ReasonRemoteBadCrypt, "Failed crypto init: %v", err)
		return
	}

	conn.setStateLocked(StateConnected)
	conn.ensureMinThinkTime(conn.stats.NextThinkTime(usecNow))
}

func (conn *Connection) receivedConnectionClosed(msg *wire.ConnectionClosed, usecNow int64) {
	// If it's the right connection ID, they probably aren't spoofing
	// and it's critical that we ack. With a wrong ID, it could be an
	// old connection, but it could also be garbage, so those replies
	// are rate limited.
	idMatch := msg.ToConnectionID == conn.localID ||
		(msg.ToConnectionID == 0 && msg.FromConnectionID != 0 && msg.FromConnectionID == conn.remoteID)

	if idMatch || conn.ctx.checkGlobalSpamReplyRateLimit(usecNow) {
		// Reply echoing exactly what they sent to us.
		reply := &wire.NoConnection{
			FromConnectionID: msg.ToConnectionID,
			ToConnectionID:   msg.FromConnectionID,
		}
		conn.sendMsg(reply)
	}

	if !idMatch {
		return
	}

	switch conn.state {
	case StateNone, StateDead:
		return
	case StateClosedByPeer, StateFinWait, StateProblemDetectedLocally:
		// Already closed; the ack above is all they need.
		return
	}

	conn.endReason = msg.ReasonCode
	conn.endDebug = msg.Debug
	conn.setStateLocked(StateClosedByPeer)
}

func (conn *Connection) receivedNoConnection(msg *wire.NoConnection, usecNow int64) {
	// Make sure it's an ack of something we would have sent.
	if msg.ToConnectionID != conn.localID || msg.FromConnectionID != conn.remoteID {
		conn.reportBadPacket(usecNow, "NoConnection", "Old/incorrect connection ID. Message is for a stale connection, or is spoofed. Ignoring.")
		return
	}

	switch conn.state {
	case StateNone, StateDead:
		return

	case StateFinWait, StateProblemDetectedLocally:
		// They acknowledged our close; state can go right away.
		conn.destroyLocked()
		return
	}

	conn.setStateLocked(StateClosedByPeer)
}

func (conn *Connection) receivedChallengeOrConnectRequest(debugPacketType string, packetConnectionID uint32, usecNow int64) {
	if packetConnectionID != conn.remoteID {
		conn.reportBadPacket(usecNow, debugPacketType, "Incorrect connection ID, when we do have a connection for this address. Could be spoofed, ignoring.")
		return
	}

	switch conn.state {
	case StateNone, StateDead, StateFindingRoute:
		conn.log().Error("Handshake packet in unexpected state")
		return

	case StateClosedByPeer, StateFinWait, StateProblemDetectedLocally:
		conn.sendConnectionClosedOrNoConnection()
		return

	case StateConnecting:
		// Waiting on the application to accept; they'll get their
		// ConnectOK then.
		return

	case StateLinger, StateConnected:
		if conn.listener == nil {
			conn.reportBadPacket(usecNow, debugPacketType, "We initiated this connection, the peer should not request to connect.")
			return
		}

		// Totally legit: our earlier ConnectOK might have dropped and
		// they are re-sending.
		conn.sendConnectOK(usecNow)
	}
}

// receivedTimestampEcho converts a timestamp echo into a ping sample,
// unless the echo is outside the freshness window.
func (conn *Connection) receivedTimestampEcho(yourTimestamp, delayUsec uint64, usecNow int64) {
	if yourTimestamp == 0 {
		return
	}

	usecElapsed := usecNow - int64(yourTimestamp) - int64(delayUsec)
	if usecElapsed < 0 || usecElapsed > 2_000_000 {
		conn.log().WithFields(log.Fields{
			"timestamp": yourTimestamp,
			"now":       usecNow,
		}).Warn("Ignoring weird timestamp echo")
		return
	}

	conn.stats.ReceivedPing(int((usecElapsed+500)/1000), usecNow)
}
