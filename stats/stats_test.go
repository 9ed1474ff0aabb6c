// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package stats

import (
	"testing"

	"github.com/sudp/sudp-go/wire"
)

func TestSendPacketNumbers(t *testing.T) {
	tr := NewTracker()

	var prevFull int64
	var prevWire uint16
	for i := 0; i < 0x18000; i++ {
		full, wireSeq := tr.ConsumeSendPacketNumber(int64(i))
		if full <= prevFull {
			t.Fatalf("packet numbers not strictly increasing: %d after %d", full, prevFull)
		}
		if i > 0 && wireSeq != prevWire+1 {
			t.Fatalf("wire sequence jumped from %#04x to %#04x", prevWire, wireSeq)
		}
		if wireSeq != uint16(full) {
			t.Fatalf("wire sequence %#04x does not match full number %d", wireSeq, full)
		}
		prevFull, prevWire = full, wireSeq
	}
}

func TestPingSmoothing(t *testing.T) {
	tr := NewTracker()

	if tr.SmoothedPingMS() >= 0 {
		t.Fatal("fresh tracker claims a ping estimate")
	}
	if !tr.NeedToSendPingImmediate(0) {
		t.Fatal("fresh tracker does not want an RTT sample")
	}

	tr.TrackSentPingRequest(0, false)
	if tr.NeedToSendPingImmediate(0) {
		t.Fatal("ping request in flight but still urgent")
	}

	tr.ReceivedPing(100, 0)
	if tr.SmoothedPingMS() != 100 {
		t.Fatalf("first sample should be taken as-is, got %d", tr.SmoothedPingMS())
	}

	tr.ReceivedPing(180, 0)
	if got := tr.SmoothedPingMS(); got != 110 {
		t.Fatalf("expected smoothed ping 110, got %d", got)
	}
}

func TestAckScheduling(t *testing.T) {
	tr := NewTracker()
	now := int64(1_000_000)

	tr.QueueEndToEndAck(false, now)
	if tr.NeedToSendAck(now) != "" {
		t.Fatal("delayed ack must not be due immediately")
	}
	if tr.NeedToSendAck(now+delayedAckTimeout) == "" {
		t.Fatal("delayed ack never became due")
	}

	tr.QueueEndToEndAck(true, now)
	if tr.NeedToSendAck(now) != "AckImmediate" {
		t.Fatal("immediate ack not reported as due")
	}

	// Sending a stats message with an ack clears the queue.
	tr.TrackRecvSequencedPacket(7, now)
	var msg wire.Stats
	tr.PopulateAck(&msg)
	if msg.AckSeqNum != 7 {
		t.Fatalf("expected ack for packet 7, got %d", msg.AckSeqNum)
	}
	tr.TrackSentStats(&msg, now, true)
	if tr.NeedToSendAck(now+delayedAckTimeout) != "" {
		t.Fatal("ack still pending after being sent")
	}
}

func TestKeepalive(t *testing.T) {
	tr := NewTracker()
	now := int64(1_000_000)

	tr.ConsumeSendPacketNumber(now)
	if tr.NeedToSendKeepalive(now + keepaliveInterval/2) {
		t.Fatal("keepalive due too early")
	}
	if !tr.NeedToSendKeepalive(now + keepaliveInterval) {
		t.Fatal("keepalive not due after the interval")
	}

	if next := tr.NextThinkTime(now); next > now+keepaliveInterval {
		t.Fatalf("next think time %d past the keepalive deadline", next)
	}
}

func TestStatsPopulate(t *testing.T) {
	tr := NewTracker()
	now := int64(1_000_000)

	tr.TrackRecvPacket(100, now)
	tr.TrackRecvSequencedPacket(3, now)
	tr.ReceivedPing(42, now)

	var msg wire.Stats
	tr.PopulateMessage(&msg, now)
	if msg.Lifetime == nil || msg.Lifetime.PacketsRecv != 1 || msg.Lifetime.BytesRecv != 100 {
		t.Fatalf("lifetime stats wrong: %+v", msg.Lifetime)
	}
	if msg.Instantaneous == nil || msg.Instantaneous.PingMS != 42 {
		t.Fatalf("instantaneous stats wrong: %+v", msg.Instantaneous)
	}
	if msg.AckSeqNum != 3 {
		t.Fatalf("expected ack seq 3, got %d", msg.AckSeqNum)
	}
}
