// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net/netip"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// diagnosticReplyInterval limits bad-packet logs and unsolicited
	// NoConnection replies to one per interval, process-wide.
	diagnosticReplyInterval = 2_000_000

	// maxRecentLocalConnectionIDs bounds the FIFO of connection IDs
	// recently used by dead connections.
	maxRecentLocalConnectionIDs = 256
)

// Context is the process-level transport state shared by listeners and
// connections: the transport lock, the clock, the diagnostic-reply
// rate limiter and the recent-local-ID cache. It exists as a value so
// tests can run with their own clock and limiter.
type Context struct {
	mu sync.Mutex

	start time.Time

	lastBadPacketReport int64
	lastSpamReply       int64

	recentLocalIDs []uint16
}

// NewContext creates a transport Context with a monotonic clock.
func NewContext() *Context {
	return &Context{start: time.Now()}
}

// Now is the transport clock in microseconds. It is monotonic and
// starts well above zero, so zero remains "never".
func (tc *Context) Now() int64 {
	return time.Since(tc.start).Microseconds() + 1<<24
}

// lock serializes all packet dispatch, think callbacks and API calls.
func (tc *Context) lock() {
	tc.mu.Lock()
}

func (tc *Context) unlock() {
	tc.mu.Unlock()
}

// checkReportBadPacketRateLimit reports whether a diagnostic log line
// may be emitted now. At most one per diagnosticReplyInterval.
func (tc *Context) checkReportBadPacketRateLimit(usecNow int64) bool {
	if tc.lastBadPacketReport+diagnosticReplyInterval > usecNow {
		return false
	}
	tc.lastBadPacketReport = usecNow
	return true
}

// checkGlobalSpamReplyRateLimit gates unsolicited NoConnection
// replies triggered by packets with a wrong connection ID.
func (tc *Context) checkGlobalSpamReplyRateLimit(usecNow int64) bool {
	if tc.lastSpamReply+diagnosticReplyInterval > usecNow {
		return false
	}
	tc.lastSpamReply = usecNow
	return true
}

// reportBadPacket emits one rate-limited log line about a dropped
// packet.
func (tc *Context) reportBadPacket(usecNow int64, adrFrom netip.AddrPort, msgType string, format string, args ...interface{}) {
	if !tc.checkReportBadPacketRateLimit(usecNow) {
		return
	}
	if msgType == "" {
		msgType = "packet"
	}

	log.WithFields(log.Fields{
		"remote": adrFrom,
		"type":   msgType,
	}).Warn("Ignored bad packet: " + fmt.Sprintf(format, args...))
}

// rememberLocalID pushes a dying connection's ID into the bounded
// FIFO, so late packets for it can be answered with NoConnection.
func (tc *Context) rememberLocalID(cid uint32) {
	if len(tc.recentLocalIDs) >= maxRecentLocalConnectionIDs {
		tc.recentLocalIDs = tc.recentLocalIDs[1:]
	}
	tc.recentLocalIDs = append(tc.recentLocalIDs, uint16(cid))
}

// recallsLocalID reports whether the low 16 bits of a connection ID
// belong to a recently dead connection.
func (tc *Context) recallsLocalID(cid uint32) bool {
	low := uint16(cid)
	for _, id := range tc.recentLocalIDs {
		if id == low {
			return true
		}
	}
	return false
}

// allocConnectionID draws a random 32-bit connection ID. IDs whose low
// 16 bits are zero are invalid on the wire and never handed out.
func (tc *Context) allocConnectionID() (uint32, error) {
	var buf [4]byte
	for i := 0; i < 100; i++ {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("failed to generate connection ID: %v", err)
		}
		cid := binary.LittleEndian.Uint32(buf[:])
		if cid&0xffff == 0 {
			continue
		}
		if tc.recallsLocalID(cid) {
			continue
		}
		return cid, nil
	}
	return 0, fmt.Errorf("failed to find an unused connection ID")
}
