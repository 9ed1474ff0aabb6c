// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"fmt"

	"github.com/sudp/sudp-go/sessioncrypt"
	"github.com/sudp/sudp-go/wire"
)

// CreateSocketPair builds two connections talking to each other
// through an in-memory socket pair, skipping the wire handshake
// entirely. Unsigned certs are always allowed here; both ends are us.
//
// The Connecting and initial Connected state callbacks are
// suppressed, since those transitions never happened on the wire;
// everything downstream fires normally.
func CreateSocketPair(tc *Context, identities [2]wire.Identity, cfg ConnectionConfig) ([2]*Connection, error) {
	var conns [2]*Connection

	tc.lock()
	defer tc.unlock()

	// Note the swap: each side introduces itself with the identity the
	// caller listed for the other slot.
	conns[1] = newConnection(tc, cfg)
	conns[1].localIdentity = identities[0]
	conns[0] = newConnection(tc, cfg)
	conns[0].localIdentity = identities[1]

	sock := CreateBoundSocketPair()

	usecNow := tc.Now()

	failed := func(err error) ([2]*Connection, error) {
		for _, conn := range conns {
			if conn != nil {
				conn.destroyLocked()
			}
		}
		return [2]*Connection{}, err
	}

	// Initialize both connections.
	for i := 0; i < 2; i++ {
		conn := conns[i]
		conn.loopback = true
		conn.sock = sock[i]
		conn.remoteAddr = sock[i].RemoteAddr()
		sock[i].setHandler(conn)

		keys, err := sessioncrypt.NewKeyPair()
		if err != nil {
			return failed(err)
		}
		if conn.session, err = sessioncrypt.NewSession(keys, conn.localIdentity); err != nil {
			return failed(err)
		}
		if conn.localID, err = tc.allocConnectionID(); err != nil {
			return failed(err)
		}

		conn.setStateLocked(StateConnecting)
	}

	// Tie the connections to each other and mark them as connected,
	// both at the same timestamp.
	for i := 0; i < 2; i++ {
		p, q := conns[i], conns[1-i]
		p.remoteIdentity = q.localIdentity
		p.remoteID = q.localID

		if err := p.recvCryptoHandshake(q.session.LocalCert(), q.session.LocalCryptInfo(), i == 0); err != nil {
			return failed(fmt.Errorf("loopback crypto handshake failed: %v", err))
		}

		// Act like we just now received something.
		p.stats.TrackRecvPacket(0, usecNow)

		p.setStateLocked(StateConnected)
		p.ensureMinThinkTime(p.stats.NextThinkTime(usecNow))
	}

	return conns, nil
}
