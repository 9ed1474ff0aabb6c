// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/sudp/sudp-go/sessioncrypt"
	"github.com/sudp/sudp-go/wire"
)

// replyRequest grades how urgently the peer should acknowledge the
// packet being built.
type replyRequest int

const (
	replyNothing replyRequest = iota
	replyDelayedOK
	replyImmediate
)

// sendPacketContext gathers the stats to piggyback on one outbound
// data packet and tracks the byte budget they may occupy.
type sendPacketContext struct {
	usecNow int64
	reason  string

	msg   wire.Stats
	flags uint32

	// statsNeed: 0 nothing, 1 opportunistic, 2 must send.
	statsNeed int

	// statsBytes is the serialized blob including its varint length
	// prefix; nil when there is nothing to say.
	statsBytes []byte
}

// slamFlagsAndCalcSize recomputes the message flags and serializes
// the current stats selection.
func (ctx *sendPacketContext) slamFlagsAndCalcSize(conn *Connection) error {
	flags := ctx.flags
	if ctx.msg.HasStats() {
		// A stats container always wants a seq-num ack back.
		flags |= wire.AckRequestE2E
	}
	ctx.msg.Flags = flags
	conn.stats.PopulateAck(&ctx.msg)

	if ctx.msg.Flags == 0 && !ctx.msg.HasStats() && ctx.msg.AckSeqNum == 0 {
		ctx.statsBytes = nil
		return nil
	}

	body, err := ctx.msg.Marshal()
	if err != nil {
		return err
	}
	ctx.statsBytes = wire.AppendInlineStats(nil, body)
	return nil
}

// populateSendPacketContext asks the stats engine what should ride on
// this packet, and how badly.
func (conn *Connection) populateSendPacketContext(ctx *sendPacketContext, eReplyRequested replyRequest) error {
	usecNow := ctx.usecNow

	var nFlags uint32
	nReadyToSendTracer := 0
	if eReplyRequested == replyImmediate || conn.stats.NeedToSendPingImmediate(usecNow) {
		nFlags |= wire.AckRequestE2E | wire.AckRequestImmediate
	} else if eReplyRequested == replyDelayedOK || conn.stats.NeedToSendKeepalive(usecNow) {
		nFlags |= wire.AckRequestE2E
	} else {
		nReadyToSendTracer = conn.stats.ReadyToSendTracerPing(usecNow)
		if nReadyToSendTracer > 1 {
			nFlags |= wire.AckRequestE2E
		}
	}

	ctx.flags = nFlags

	if conn.stats.NeedToSendStats(usecNow) {
		// Stats are overdue; they get their space before the payload
		// budget is computed.
		ctx.statsNeed = 2
		conn.stats.PopulateMessage(&ctx.msg, usecNow)
		if nReadyToSendTracer > 0 {
			ctx.flags |= wire.AckRequestE2E
		}
		return ctx.slamFlagsAndCalcSize(conn)
	}

	if err := ctx.slamFlagsAndCalcSize(conn); err != nil {
		return err
	}

	// Would we like to send some additional stats, if there is room?
	if conn.stats.ReadyToSendStats(usecNow) {
		if nReadyToSendTracer > 0 {
			ctx.flags |= wire.AckRequestE2E
		}
		conn.stats.PopulateMessage(&ctx.msg, usecNow)
		ctx.statsNeed = 1
		return ctx.slamFlagsAndCalcSize(conn)
	}

	ctx.statsNeed = 0
	return nil
}

// MaxMessageSize is the largest payload SendMessage accepts under the
// current configuration: the MTU minus the data header and the AEAD
// overhead. Overdue stats may ride along and are trimmed before the
// payload ever would be.
func (conn *Connection) MaxMessageSize() int {
	conn.ctx.lock()
	defer conn.ctx.unlock()
	return conn.cfg.MTU - wire.DataHdrSize - sessioncrypt.EncryptedOverhead
}

// SendMessage encrypts and sends one payload as a single data packet.
func (conn *Connection) SendMessage(payload []byte) error {
	conn.ctx.lock()
	defer conn.ctx.unlock()

	if !stateIsConnectedForWirePurposes(conn.state) || conn.state == StateLinger {
		return fmt.Errorf("cannot send data in state %v", conn.state)
	}

	if len(payload)+wire.DataHdrSize+sessioncrypt.EncryptedOverhead > conn.cfg.MTU {
		return fmt.Errorf("payload of %d bytes does not fit the MTU of %d", len(payload), conn.cfg.MTU)
	}

	usecNow := conn.ctx.Now()
	ctx := &sendPacketContext{usecNow: usecNow, reason: "data"}
	if err := conn.populateSendPacketContext(ctx, replyNothing); err != nil {
		return err
	}

	fullSeq, wireSeq := conn.stats.ConsumeSendPacketNumber(usecNow)
	chunk, err := conn.session.EncryptDataChunk(fullSeq, payload)
	if err != nil {
		return err
	}

	if conn.sendEncryptedDataChunk(chunk, wireSeq, ctx) == 0 {
		return fmt.Errorf("failed to send data packet")
	}
	return nil
}

// sendStatsMsg sends a data packet with an empty payload, carrying
// only the piggybacked stats blob. Used for standalone acks and
// keepalives.
func (conn *Connection) sendStatsMsg(eReplyRequested replyRequest, usecNow int64, reason string) {
	ctx := &sendPacketContext{usecNow: usecNow, reason: reason}
	if err := conn.populateSendPacketContext(ctx, eReplyRequested); err != nil {
		conn.log().WithError(err).Error("Failed to populate stats message")
		return
	}

	fullSeq, wireSeq := conn.stats.ConsumeSendPacketNumber(usecNow)
	chunk, err := conn.session.EncryptDataChunk(fullSeq, nil)
	if err != nil {
		conn.log().WithError(err).Error("Failed to seal keepalive chunk")
		return
	}

	conn.sendEncryptedDataChunk(chunk, wireSeq, ctx)
}

// sendEncryptedDataChunk frames and sends one already-encrypted chunk:
// header, optional inline stats, chunk, as a gather send. Returns the
// datagram size, or zero on failure. The chunk is never trimmed; if
// the stats don't fit, they lose pieces in priority order.
func (conn *Connection) sendEncryptedDataChunk(chunk []byte, wireSeq uint16, ctx *sendPacketContext) int {
	if conn.sock == nil {
		conn.log().Error("Attempt to send data, but socket has been closed")
		return 0
	}

	hdr := wire.DataHdr{
		ToConnectionID: conn.remoteID,
		SeqNum:         wireSeq,
	}
	if conn.remoteID == 0 {
		conn.log().Error("Attempt to send data without the peer's connection ID")
		return 0
	}

	cbHdrOutSpaceRemaining := conn.cfg.MTU - wire.DataHdrSize - len(chunk)
	if cbHdrOutSpaceRemaining < 0 {
		conn.log().Error("MTU / header size problem")
		return 0
	}

	// Trim stats from the blob if it won't fit: first the
	// instantaneous block, then the whole container. Never the chunk.
	for len(ctx.statsBytes) > cbHdrOutSpaceRemaining {
		if ctx.msg.HasStats() {
			if ctx.msg.Instantaneous != nil && ctx.msg.Lifetime != nil {
				ctx.msg.Instantaneous = nil
			} else {
				ctx.msg.Lifetime = nil
				ctx.msg.Instantaneous = nil
			}
			if err := ctx.slamFlagsAndCalcSize(conn); err != nil {
				conn.log().WithError(err).Error("Failed to reserialize trimmed stats")
				ctx.statsBytes = nil
			}
			continue
		}

		// Nothing left to clear, which cannot happen for a payload
		// that passed the MTU check.
		conn.log().Error("Stats blob won't fit even after clearing everything")
		ctx.statsBytes = nil
	}

	pkt := make([]byte, 0, wire.DataHdrSize+len(ctx.statsBytes))
	if len(ctx.statsBytes) > 0 {
		hdr.Flags |= wire.FlagProtobufBlob
	}
	pkt = wire.AppendDataHdr(pkt, &hdr)
	pkt = append(pkt, ctx.statsBytes...)

	if len(ctx.statsBytes) > 0 {
		// Update bookkeeping with the stuff we are actually sending.
		conn.trackSentStats(&ctx.msg, true, ctx.usecNow)
	}

	cbSend := len(pkt) + len(chunk)
	conn.sendPacketGather(cbSend, pkt, chunk)
	return cbSend
}

// receivedData is the inbound path of the data-packet engine.
func (conn *Connection) receivedData(pkt []byte, usecNow int64) {
	hdr, payload, err := wire.ParseDataHdr(pkt)
	if err != nil {
		conn.reportBadPacket(usecNow, "DataPacket", "%v", err)
		return
	}

	// Check cookie. Wrong session: could be an old one, could be
	// spoofed.
	if hdr.ToConnectionID != conn.localID {
		conn.reportBadPacket(usecNow, "DataPacket", "Incorrect connection ID")
		if conn.ctx.checkGlobalSpamReplyRateLimit(usecNow) {
			conn.sendNoConnection(hdr.ToConnectionID, 0)
		}
		return
	}

	switch conn.state {
	case StateNone, StateDead, StateFindingRoute:
		conn.log().Error("Data packet in unexpected state")
		return

	case StateClosedByPeer, StateFinWait, StateProblemDetectedLocally:
		conn.sendConnectionClosedOrNoConnection()
		return

	case StateLinger:
		// Half-closed; inbound data is known to be ignored.
		return

	case StateConnecting:
		// We don't have the peer's keys yet. Most likely our peer's
		// ConnectOK dropped, so they think we're connected.
		return

	case StateConnected:
	}

	conn.stats.TrackRecvPacket(len(pkt), usecNow)

	msgStats, chunk, err := wire.SplitInlineStats(&hdr, payload)
	if err != nil {
		conn.reportBadPacket(usecNow, "DataPacket", "%v", err)
		return
	}

	// Decrypt and check the packet number.
	fullSeq, plain := conn.session.DecryptDataChunk(hdr.SeqNum, chunk)
	if fullSeq <= 0 {
		return
	}

	// Hand the plaintext up; an empty chunk carried only the stats.
	if len(plain) > 0 {
		if !conn.chunks.ProcessPlainTextDataChunk(fullSeq, plain, usecNow) {
			return
		}
	}
	conn.stats.TrackRecvSequencedPacket(fullSeq, usecNow)

	if msgStats != nil {
		conn.recvStats(msgStats, true, usecNow)
	}
}

// recvStats processes a received stats message, inline or standalone,
// and replies if the peer asked for that.
func (conn *Connection) recvStats(msgStatsIn *wire.Stats, inline bool, usecNow int64) {
	conn.stats.ProcessMessage(msgStatsIn, usecNow)

	conn.log().WithFields(log.Fields{
		"inline": inline,
		"stats":  msgStatsIn,
	}).Debug("Received stats")

	if !stateIsConnectedForWirePurposes(conn.state) {
		return
	}

	// Check for queuing outgoing acks.
	bImmediate := msgStatsIn.Flags&wire.AckRequestImmediate != 0
	if msgStatsIn.Flags&wire.AckRequestE2E != 0 || msgStatsIn.HasStats() {
		conn.stats.QueueEndToEndAck(bImmediate, usecNow)
	}

	// Do we need to send an immediate reply?
	if reason := conn.stats.NeedToSendAck(usecNow); reason != "" {
		conn.sendStatsMsg(replyNothing, usecNow, reason)
	}
	conn.ensureMinThinkTime(conn.stats.NextThinkTime(usecNow))
}

// trackSentStats records what actually went on the wire.
func (conn *Connection) trackSentStats(msgStatsOut *wire.Stats, inline bool, usecNow int64) {
	// What effective flags will be received?
	bAllowDelayedReply := msgStatsOut.Flags&wire.AckRequestImmediate == 0

	conn.stats.TrackSentStats(msgStatsOut, usecNow, bAllowDelayedReply)
	if !msgStatsOut.HasStats() && msgStatsOut.Flags&wire.AckRequestE2E != 0 {
		conn.stats.TrackSentMessageExpectingSeqNumAck(usecNow, bAllowDelayedReply)
	}

	conn.log().WithFields(log.Fields{
		"inline": inline,
		"stats":  msgStatsOut,
	}).Debug("Sent stats")
}
