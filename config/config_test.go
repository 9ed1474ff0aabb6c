// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sudp/sudp-go/wire"
)

const sampleConfig = `
[listen]
address = "127.0.0.1:27015"
identity = "str:gameserver-eu-1"

[connection]
allow-without-auth = 1
connect-retry-seconds = 2
mtu = 1200

[log]
level = "debug"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	filename := filepath.Join(t.TempDir(), "sudpd.toml")
	if err := os.WriteFile(filename, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return filename
}

func TestParse(t *testing.T) {
	conf, err := Parse(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatal(err)
	}

	if conf.Listen.Address != "127.0.0.1:27015" {
		t.Fatalf("address is %q", conf.Listen.Address)
	}
	if conf.ListenIdentity() != wire.NewStringIdentity("gameserver-eu-1") {
		t.Fatalf("identity is %v", conf.ListenIdentity())
	}

	tcfg := conf.TransportConfig()
	if tcfg.AllowWithoutAuth != 1 || tcfg.MTU != 1200 {
		t.Fatalf("transport config not mapped: %+v", tcfg)
	}
	if tcfg.ConnectRetryInterval != 2*time.Second {
		t.Fatalf("retry interval is %v", tcfg.ConnectRetryInterval)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing address", "[listen]\nidentity = \"str:x\"\n"},
		{"bad identity", "[listen]\naddress = \"127.0.0.1:1\"\nidentity = \"wat\"\n"},
		{"oversized mtu", "[listen]\naddress = \"127.0.0.1:1\"\n[connection]\nmtu = 9000\n"},
		{"bad log level", "[listen]\naddress = \"127.0.0.1:1\"\n[log]\nlevel = \"shout\"\n"},
	}

	for _, test := range tests {
		if _, err := Parse(writeConfig(t, test.content)); err == nil {
			t.Fatalf("%s: expected an error", test.name)
		}
	}
}

func TestWatchReload(t *testing.T) {
	filename := writeConfig(t, sampleConfig)

	reloaded := make(chan *Config, 1)
	stop, err := Watch(filename, func(conf *Config) {
		select {
		case reloaded <- conf:
		default:
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	updated := sampleConfig + "\n# touched\n"
	if err := os.WriteFile(filename, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case conf := <-reloaded:
		if conf.Listen.Address != "127.0.0.1:27015" {
			t.Fatalf("reloaded config is wrong: %+v", conf)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reload never fired")
	}
}
