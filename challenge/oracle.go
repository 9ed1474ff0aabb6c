// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package challenge implements the stateless SYN-cookie oracle of the
// sudp listener. A challenge is a pure function of (time bucket,
// source address, secret); no per-client state exists until a
// ConnectRequest with a valid cookie arrives.
package challenge

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/dchest/siphash"
)

// Window is how long an issued challenge stays valid, expressed in
// microseconds and rounded down to time buckets on verification.
const Window = 4_000_000

// secretSize is the SipHash key length.
const secretSize = 16

// Oracle issues and verifies challenges. The secret is drawn once at
// creation and is rotated only by restarting the listener; freshness
// comes from the time-bucket window.
type Oracle struct {
	secret [secretSize]byte
}

// NewOracle creates an Oracle with a fresh random secret.
func NewOracle() (*Oracle, error) {
	o := &Oracle{}
	if _, err := rand.Read(o.secret[:]); err != nil {
		return nil, fmt.Errorf("failed to generate challenge secret: %v", err)
	}
	return o, nil
}

// TimeBucket maps a microsecond timestamp to its 16-bit time bucket.
// Each bucket spans 2^20 µs, a hair over a second.
func TimeBucket(usec int64) uint16 {
	return uint16(usec >> 20)
}

// Generate computes the challenge for a time bucket and source
// address. The low 16 bits of the result are exactly the bucket; the
// upper 48 bits are the truncated keyed MAC.
func (o *Oracle) Generate(bucket uint16, addr netip.AddrPort) uint64 {
	var data [2 + 2 + 16]byte
	binary.LittleEndian.PutUint16(data[0:2], bucket)
	binary.LittleEndian.PutUint16(data[2:4], addr.Port())
	ipv6 := addr.Addr().As16()
	copy(data[4:], ipv6[:])

	mac := siphash.Hash(
		binary.LittleEndian.Uint64(o.secret[0:8]),
		binary.LittleEndian.Uint64(o.secret[8:16]),
		data[:])

	return (mac &^ 0xffff) | uint64(bucket)
}

// Verify checks a returned challenge against the packet's source
// address at the current time. It fails if the embedded bucket is
// older than Window or if the MAC does not match.
func (o *Oracle) Verify(challenge uint64, addr netip.AddrPort, usecNow int64) error {
	bucket := uint16(challenge)

	// Unsigned wraparound: a bucket "from the future" shows up as a
	// huge elapsed value and is rejected the same way.
	elapsed := TimeBucket(usecNow) - bucket
	if elapsed > TimeBucket(Window) {
		return fmt.Errorf("challenge too old")
	}

	if o.Generate(bucket, addr) != challenge {
		return fmt.Errorf("incorrect challenge, could be spoofed")
	}
	return nil
}
