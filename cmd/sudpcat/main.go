// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// sudpcat connects to a sudp listener, sends every line read from
// stdin as one message, and prints everything it receives.
package main

import (
	"bufio"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/sudp/sudp-go/transport"
	"github.com/sudp/sudp-go/wire"
)

func main() {
	if len(os.Args) != 2 && len(os.Args) != 3 {
		log.Fatalf("Usage: %s host:port [identity]", os.Args[0])
	}

	identity := wire.LocalHostIdentity()
	if len(os.Args) == 3 {
		var err error
		if identity, err = wire.ParseIdentity(os.Args[2]); err != nil {
			log.WithError(err).Fatal("Failed to parse identity")
		}
	}

	tc := transport.NewContext()

	connected := make(chan transport.State, 8)
	cfg := transport.ConnectionConfig{
		AllowWithoutAuth: 2,
		OnStateChange: func(_ *transport.Connection, _, newState transport.State) {
			select {
			case connected <- newState:
			default:
			}
		},
	}

	conn, err := transport.Dial(tc, os.Args[1], identity, nil, cfg)
	if err != nil {
		log.WithError(err).Fatal("Failed to dial")
	}

	for state := range connected {
		if state == transport.StateConnected {
			break
		}
		if state != transport.StateConnecting {
			reason, debug := conn.EndReason()
			log.WithFields(log.Fields{
				"state":  state,
				"reason": reason,
				"debug":  debug,
			}).Fatal("Connection failed")
		}
	}
	log.WithField("remote", conn.RemoteIdentity()).Info("Connected")

	go func() {
		for chunk := range conn.Receive() {
			fmt.Printf("%s\n", chunk.Data)
		}
		os.Exit(0)
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if err := conn.SendMessage(scanner.Bytes()); err != nil {
			log.WithError(err).Fatal("Failed to send")
		}
	}

	conn.Close(wire.ReasonApplication, "EOF on stdin")
}
