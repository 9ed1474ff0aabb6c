// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"time"

	"github.com/sudp/sudp-go/wire"
)

// Default tunables.
const (
	DefaultConnectRetryInterval = time.Second
	DefaultFinWaitTimeout       = 5 * time.Second
	DefaultChunkQueueSize       = 64
)

// StateChangeFunc observes a connection's transitions. It is invoked
// with the transport lock held; implementations must not block and
// must not call back into the transport.
type StateChangeFunc func(conn *Connection, oldState, newState State)

// ChunkProcessor consumes decrypted data chunks; it is the contract
// of the reliable-segment layer. A false return means the chunk was
// not consumed and no bookkeeping should happen for it.
type ChunkProcessor interface {
	ProcessPlainTextDataChunk(fullSeq int64, plain []byte, usecNow int64) bool
}

// ConnectionConfig are the per-listener (inherited by children) and
// per-connection settings.
type ConnectionConfig struct {
	// AllowWithoutAuth controls unauthenticated sessions: 0 forbids
	// them, 1 allows with a warning, 2 and up allows silently.
	AllowWithoutAuth int

	// ConnectRetryInterval is the resend period of handshake messages.
	ConnectRetryInterval time.Duration

	// FinWaitTimeout is how long a closed connection keeps answering
	// retransmissions before its state is dropped.
	FinWaitTimeout time.Duration

	// MTU is the largest datagram sent. It must not exceed
	// wire.MaxUDPPayload.
	MTU int

	// ChunkQueueSize is the receive buffer of the default chunk queue.
	ChunkQueueSize int

	// OnStateChange, if set, observes state transitions.
	OnStateChange StateChangeFunc
}

// withDefaults fills unset fields.
func (cfg ConnectionConfig) withDefaults() ConnectionConfig {
	if cfg.ConnectRetryInterval == 0 {
		cfg.ConnectRetryInterval = DefaultConnectRetryInterval
	}
	if cfg.FinWaitTimeout == 0 {
		cfg.FinWaitTimeout = DefaultFinWaitTimeout
	}
	if cfg.MTU == 0 || cfg.MTU > wire.MaxUDPPayload {
		cfg.MTU = wire.MaxUDPPayload
	}
	if cfg.ChunkQueueSize == 0 {
		cfg.ChunkQueueSize = DefaultChunkQueueSize
	}
	return cfg
}
