// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package stats is the end-to-end statistics engine of a connection:
// it owns the full 64-bit send packet number, smooths the RTT
// estimate, counts traffic, and schedules when acks, keepalives and
// stats messages have to go on the wire. The transport queries it
// when building every data packet and feeds it every received stats
// blob.
//
// All methods must be called under the transport lock.
package stats

import (
	"github.com/sudp/sudp-go/wire"
)

const (
	// keepaliveInterval: send something if the link was silent this long.
	keepaliveInterval = 10_000_000

	// statsMustSendInterval: lifetime stats are overdue after this.
	statsMustSendInterval = 30_000_000

	// statsReadySendInterval: piggyback lifetime stats opportunistically
	// after this.
	statsReadySendInterval = 15_000_000

	// tracerPingInterval: ask for a fresh RTT sample this often.
	tracerPingInterval = 60_000_000

	// delayedAckTimeout: a queued non-immediate ack may wait this long
	// for a data packet to ride on.
	delayedAckTimeout = 50_000
)

// Tracker is the per-connection statistics state.
type Tracker struct {
	// PeerProtocolVersion is latched from the peer's handshake.
	PeerProtocolVersion uint32

	nextSendSeq int64

	lifetime wire.LifetimeStats

	smoothedPingMS int

	maxRecvSeq   int64
	timeLastRecv int64
	timeLastSent int64

	ackQueued    bool
	ackImmediate bool
	ackDeadline  int64
	peerAckedSeq uint64

	timeLastSentStats   int64
	timeLastPingRequest int64
	pingRequestInFlight bool
}

// NewTracker creates a Tracker. The send sequence starts at one; zero
// and negative packet numbers mean "drop" throughout the transport.
func NewTracker() *Tracker {
	return &Tracker{
		nextSendSeq:    1,
		smoothedPingMS: -1,
	}
}

// ConsumeSendPacketNumber hands out the next full packet number and
// its 16 wire bits. Numbers are strictly increasing per connection.
func (t *Tracker) ConsumeSendPacketNumber(usecNow int64) (fullSeq int64, wireSeq uint16) {
	fullSeq = t.nextSendSeq
	t.nextSendSeq++
	t.timeLastSent = usecNow
	return fullSeq, uint16(fullSeq)
}

// PeekNextSendPacketNumber returns the number the next Consume call
// will hand out.
func (t *Tracker) PeekNextSendPacketNumber() int64 {
	return t.nextSendSeq
}

// TrackSentPacket counts an outbound datagram.
func (t *Tracker) TrackSentPacket(cb int) {
	t.lifetime.PacketsSent++
	t.lifetime.BytesSent += uint64(cb)
}

// TrackRecvPacket counts an inbound datagram.
func (t *Tracker) TrackRecvPacket(cb int, usecNow int64) {
	t.lifetime.PacketsRecv++
	t.lifetime.BytesRecv += uint64(cb)
	t.timeLastRecv = usecNow
}

// TrackRecvSequencedPacket records a decrypted data packet's full
// number for ack bookkeeping.
func (t *Tracker) TrackRecvSequencedPacket(fullSeq int64, usecNow int64) {
	if fullSeq > t.maxRecvSeq {
		t.maxRecvSeq = fullSeq
	}
}

// TimeLastRecv is the receive timestamp of the newest packet.
func (t *Tracker) TimeLastRecv() int64 {
	return t.timeLastRecv
}

// ReceivedPing feeds one RTT sample, smoothed with 1/8 gain like TCP.
func (t *Tracker) ReceivedPing(ms int, usecNow int64) {
	if t.smoothedPingMS < 0 {
		t.smoothedPingMS = ms
	} else {
		t.smoothedPingMS += (ms - t.smoothedPingMS) / 8
	}
	t.pingRequestInFlight = false
}

// SmoothedPingMS is the current RTT estimate, negative if unknown.
func (t *Tracker) SmoothedPingMS() int {
	return t.smoothedPingMS
}

// TrackSentPingRequest records that the peer owes us a timestamp echo.
func (t *Tracker) TrackSentPingRequest(usecNow int64, allowDelayed bool) {
	t.timeLastPingRequest = usecNow
	t.pingRequestInFlight = true
}

// QueueEndToEndAck schedules an ack for the peer, immediately or
// within the delayed-ack timeout.
func (t *Tracker) QueueEndToEndAck(immediate bool, usecNow int64) {
	if immediate {
		t.ackQueued = true
		t.ackImmediate = true
		t.ackDeadline = usecNow
		return
	}
	if !t.ackQueued {
		t.ackQueued = true
		t.ackDeadline = usecNow + delayedAckTimeout
	}
}

// NeedToSendPingImmediate reports whether we urgently want an RTT
// sample and should ask the peer for an immediate reply. Acks the
// peer asked for are tracked separately via QueueEndToEndAck; they
// never request an immediate reply back, or two peers would volley
// forever.
func (t *Tracker) NeedToSendPingImmediate(usecNow int64) bool {
	return !t.pingRequestInFlight && t.smoothedPingMS < 0
}

// NeedToSendKeepalive reports whether the link has been silent long
// enough that the peer may suspect us dead, or a queued delayed ack
// has reached its deadline.
func (t *Tracker) NeedToSendKeepalive(usecNow int64) bool {
	if t.ackQueued && usecNow >= t.ackDeadline {
		return true
	}
	return t.timeLastSent != 0 && usecNow-t.timeLastSent >= keepaliveInterval
}

// ReadyToSendTracerPing grades how much we want a fresh RTT sample:
// 0 not yet, 1 would take one, 2 more than ready.
func (t *Tracker) ReadyToSendTracerPing(usecNow int64) int {
	if t.pingRequestInFlight {
		return 0
	}
	elapsed := usecNow - t.timeLastPingRequest
	switch {
	case t.smoothedPingMS < 0:
		return 2
	case elapsed >= 2*tracerPingInterval:
		return 2
	case elapsed >= tracerPingInterval:
		return 1
	default:
		return 0
	}
}

// NeedToSendStats reports whether lifetime stats are overdue.
func (t *Tracker) NeedToSendStats(usecNow int64) bool {
	return t.lifetime.PacketsRecv > 0 &&
		usecNow-t.timeLastSentStats >= statsMustSendInterval
}

// ReadyToSendStats reports whether lifetime stats should ride along if
// a packet goes out anyway.
func (t *Tracker) ReadyToSendStats(usecNow int64) bool {
	return t.lifetime.PacketsRecv > 0 &&
		usecNow-t.timeLastSentStats >= statsReadySendInterval
}

// PopulateMessage fills a wire stats message with the current state.
func (t *Tracker) PopulateMessage(msg *wire.Stats, usecNow int64) {
	life := t.lifetime
	msg.Lifetime = &life
	if t.smoothedPingMS >= 0 {
		msg.Instantaneous = &wire.InstantaneousStats{PingMS: uint32(t.smoothedPingMS)}
	}
	msg.AckSeqNum = uint64(t.maxRecvSeq)
}

// PopulateAck fills the ack fields of an outbound stats message.
func (t *Tracker) PopulateAck(msg *wire.Stats) {
	msg.AckSeqNum = uint64(t.maxRecvSeq)
}

// TrackSentStats records what actually went on the wire, clearing the
// matching scheduling state.
func (t *Tracker) TrackSentStats(msg *wire.Stats, usecNow int64, allowDelayedReply bool) {
	if msg.HasStats() {
		t.timeLastSentStats = usecNow
	}
	if msg.AckSeqNum != 0 {
		t.ackQueued = false
		t.ackImmediate = false
	}
	if msg.Flags&wire.AckRequestE2E != 0 {
		t.TrackSentPingRequest(usecNow, allowDelayedReply)
	}
}

// TrackSentMessageExpectingSeqNumAck records an ack-requesting message
// that carried no stats container.
func (t *Tracker) TrackSentMessageExpectingSeqNumAck(usecNow int64, allowDelayed bool) {
	t.TrackSentPingRequest(usecNow, allowDelayed)
}

// ProcessMessage consumes a received stats message's acks and
// counters. Ack queueing for the reply is the transport's job, since
// it depends on the connection state.
func (t *Tracker) ProcessMessage(msg *wire.Stats, usecNow int64) {
	if msg.AckSeqNum > t.peerAckedSeq {
		t.peerAckedSeq = msg.AckSeqNum
	}
}

// PeerAckedSeq is the highest of our packet numbers the peer
// acknowledged.
func (t *Tracker) PeerAckedSeq() uint64 {
	return t.peerAckedSeq
}

// NeedToSendAck names the reason an ack or stats message must go out
// right now, or returns the empty string.
func (t *Tracker) NeedToSendAck(usecNow int64) string {
	switch {
	case t.ackQueued && t.ackImmediate:
		return "AckImmediate"
	case t.ackQueued && usecNow >= t.ackDeadline:
		return "AckDeadline"
	case t.NeedToSendStats(usecNow):
		return "Stats"
	default:
		return ""
	}
}

// NextThinkTime is the next deadline at which the transport must call
// back in, in microseconds. At most one keepalive interval ahead.
func (t *Tracker) NextThinkTime(usecNow int64) int64 {
	next := usecNow + keepaliveInterval
	if t.timeLastSent != 0 && t.timeLastSent+keepaliveInterval < next {
		next = t.timeLastSent + keepaliveInterval
	}
	if t.ackQueued && t.ackDeadline < next {
		next = t.ackDeadline
	}
	if t.lifetime.PacketsRecv > 0 && t.timeLastSentStats+statsMustSendInterval < next {
		next = t.timeLastSentStats + statsMustSendInterval
	}
	if next <= usecNow {
		next = usecNow + 1
	}
	return next
}
