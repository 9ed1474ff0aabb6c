// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// IdentityType tags the variants of an Identity.
type IdentityType uint8

const (
	// IdentityInvalid is the zero Identity, carrying no information.
	IdentityInvalid IdentityType = iota

	// IdentityNodeID is a 64-bit numeric node identifier.
	IdentityNodeID

	// IdentityIPAddr is an IPv6 address plus port. IPv4 addresses are
	// carried in their v6-mapped form.
	IdentityIPAddr

	// IdentityString is a free-form name.
	IdentityString

	// IdentityLocalHost is the anonymous, unauthenticated identity.
	IdentityLocalHost
)

// Identity is the tagged union naming one end of a connection. The
// zero value is the invalid identity. Identity is comparable and may
// be used as a map key.
type Identity struct {
	Type   IdentityType
	NodeID uint64
	Addr   netip.AddrPort
	Name   string
}

// NewNodeIdentity creates a numeric node Identity.
func NewNodeIdentity(nodeID uint64) Identity {
	return Identity{Type: IdentityNodeID, NodeID: nodeID}
}

// NewIPAddrIdentity creates an address Identity. The address is
// normalized to its IPv6 form.
func NewIPAddrIdentity(addr netip.AddrPort) Identity {
	v6 := netip.AddrPortFrom(netip.AddrFrom16(addr.Addr().As16()), addr.Port())
	return Identity{Type: IdentityIPAddr, Addr: v6}
}

// NewStringIdentity creates a named Identity.
func NewStringIdentity(name string) Identity {
	return Identity{Type: IdentityString, Name: name}
}

// LocalHostIdentity returns the anonymous identity.
func LocalHostIdentity() Identity {
	return Identity{Type: IdentityLocalHost}
}

// IsInvalid reports whether this Identity carries no information.
func (id Identity) IsInvalid() bool {
	return id.Type == IdentityInvalid
}

// IsLocalHost reports whether this is the anonymous identity.
func (id Identity) IsLocalHost() bool {
	return id.Type == IdentityLocalHost
}

func (id Identity) String() string {
	switch id.Type {
	case IdentityNodeID:
		return fmt.Sprintf("node:%d", id.NodeID)
	case IdentityIPAddr:
		return fmt.Sprintf("ip:%s", id.Addr)
	case IdentityString:
		return fmt.Sprintf("str:%s", id.Name)
	case IdentityLocalHost:
		return "localhost"
	default:
		return "invalid"
	}
}

// ParseIdentity is the inverse of String. An empty input yields the
// invalid Identity without an error, like an absent protobuf field.
func ParseIdentity(s string) (id Identity, err error) {
	switch {
	case s == "":
		return Identity{}, nil

	case s == "localhost":
		return LocalHostIdentity(), nil

	case strings.HasPrefix(s, "node:"):
		n, parseErr := strconv.ParseUint(s[len("node:"):], 10, 64)
		if parseErr != nil {
			return Identity{}, fmt.Errorf("invalid node identity %q: %v", s, parseErr)
		}
		return NewNodeIdentity(n), nil

	case strings.HasPrefix(s, "ip:"):
		addr, parseErr := netip.ParseAddrPort(s[len("ip:"):])
		if parseErr != nil {
			return Identity{}, fmt.Errorf("invalid ip identity %q: %v", s, parseErr)
		}
		return NewIPAddrIdentity(addr), nil

	case strings.HasPrefix(s, "str:"):
		return NewStringIdentity(s[len("str:"):]), nil

	default:
		return Identity{}, fmt.Errorf("unknown identity form %q", s)
	}
}
