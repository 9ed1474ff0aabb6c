// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package transport is the UDP core of sudp: the listener that
// classifies unsolicited datagrams and runs the stateless cookie
// handshake, the per-connection packet engine with its state machine
// and teardown, and the loopback pair that skips the wire entirely.
//
// Everything in this package runs single-threaded under one lock per
// Context, the transport lock. Socket receive callbacks and think
// timers acquire it before dispatching; no connection state is ever
// touched concurrently. Methods here must not block.
package transport
