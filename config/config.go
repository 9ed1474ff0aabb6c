// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package config reads the TOML configuration of the sudp daemons and
// maps it onto the transport's settings. A file watcher allows the
// runtime-safe tunables to be reloaded without a restart.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"

	"github.com/sudp/sudp-go/transport"
	"github.com/sudp/sudp-go/wire"
)

// Config is the top-level TOML configuration.
type Config struct {
	Listen     ListenConfig     `toml:"listen"`
	Connection ConnectionConfig `toml:"connection"`
	Log        LogConfig        `toml:"log"`
}

// ListenConfig describes the listener block.
type ListenConfig struct {
	Address  string `toml:"address"`
	Identity string `toml:"identity"`
}

// ConnectionConfig describes the connection block, inherited by every
// accepted connection.
type ConnectionConfig struct {
	AllowWithoutAuth    int `toml:"allow-without-auth"`
	ConnectRetrySeconds int `toml:"connect-retry-seconds"`
	FinWaitSeconds      int `toml:"fin-wait-seconds"`
	MTU                 int `toml:"mtu"`
	ChunkQueueSize      int `toml:"chunk-queue-size"`
}

// LogConfig describes the log block.
type LogConfig struct {
	Level     string `toml:"level"`
	Profiling bool   `toml:"profiling"`
}

// Parse reads and validates a configuration file and applies the log
// level.
func Parse(filename string) (*Config, error) {
	var conf Config
	if _, err := toml.DecodeFile(filename, &conf); err != nil {
		return nil, err
	}

	if conf.Listen.Address == "" {
		return nil, fmt.Errorf("listen.address is empty")
	}
	if conf.Listen.Identity != "" {
		if _, err := wire.ParseIdentity(conf.Listen.Identity); err != nil {
			return nil, fmt.Errorf("listen.identity: %v", err)
		}
	}
	if conf.Connection.MTU > wire.MaxUDPPayload {
		return nil, fmt.Errorf("connection.mtu %d exceeds the maximum of %d",
			conf.Connection.MTU, wire.MaxUDPPayload)
	}

	if err := conf.applyLogLevel(); err != nil {
		return nil, err
	}

	return &conf, nil
}

func (conf *Config) applyLogLevel() error {
	if conf.Log.Level == "" {
		return nil
	}
	level, err := log.ParseLevel(conf.Log.Level)
	if err != nil {
		return fmt.Errorf("log.level: %v", err)
	}
	log.SetLevel(level)
	return nil
}

// ListenIdentity is the identity local certs assert.
func (conf *Config) ListenIdentity() wire.Identity {
	if conf.Listen.Identity == "" {
		return wire.LocalHostIdentity()
	}
	id, _ := wire.ParseIdentity(conf.Listen.Identity)
	return id
}

// TransportConfig maps the connection block onto the transport's
// settings.
func (conf *Config) TransportConfig() transport.ConnectionConfig {
	return transport.ConnectionConfig{
		AllowWithoutAuth:     conf.Connection.AllowWithoutAuth,
		ConnectRetryInterval: time.Duration(conf.Connection.ConnectRetrySeconds) * time.Second,
		FinWaitTimeout:       time.Duration(conf.Connection.FinWaitSeconds) * time.Second,
		MTU:                  conf.Connection.MTU,
		ChunkQueueSize:       conf.Connection.ChunkQueueSize,
	}
}
