// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"net/netip"
	"testing"
)

func TestIdentityRoundtrip(t *testing.T) {
	addr := netip.MustParseAddrPort("192.0.2.23:7777")

	tests := []Identity{
		NewNodeIdentity(76561198000000000),
		NewIPAddrIdentity(addr),
		NewStringIdentity("gameserver-eu-1"),
		LocalHostIdentity(),
		{},
	}

	for _, id := range tests {
		parsed, err := ParseIdentity(id.String())
		if err != nil && id.Type != IdentityInvalid {
			t.Fatalf("%v: %v", id, err)
		}
		if id.Type == IdentityInvalid {
			continue
		}
		if parsed != id {
			t.Fatalf("identity does not match, expected %v and got %v", id, parsed)
		}
	}
}

func TestIdentityIPv4Mapped(t *testing.T) {
	a := NewIPAddrIdentity(netip.MustParseAddrPort("192.0.2.1:1234"))
	b := NewIPAddrIdentity(netip.MustParseAddrPort("[::ffff:192.0.2.1]:1234"))
	if a != b {
		t.Fatalf("v4 and v4-mapped identities differ: %v != %v", a, b)
	}
}

func TestParseIdentityErrors(t *testing.T) {
	for _, s := range []string{"node:abc", "ip:garbage", "wat"} {
		if _, err := ParseIdentity(s); err == nil {
			t.Fatalf("expected an error for %q", s)
		}
	}
}

func TestParseIdentityEmpty(t *testing.T) {
	id, err := ParseIdentity("")
	if err != nil {
		t.Fatal(err)
	}
	if !id.IsInvalid() {
		t.Fatalf("expected the invalid identity, got %v", id)
	}
}
