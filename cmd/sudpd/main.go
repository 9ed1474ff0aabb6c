// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// sudpd is a small echo daemon over the sudp transport: it accepts
// every connection and mirrors received messages back to the sender.
package main

import (
	"os"
	"os/signal"

	"github.com/pkg/profile"
	log "github.com/sirupsen/logrus"

	"github.com/sudp/sudp-go/config"
	"github.com/sudp/sudp-go/transport"
)

// waitSigint blocks the current thread until a SIGINT appears.
func waitSigint() {
	signalSyn := make(chan os.Signal, 1)
	signal.Notify(signalSyn, os.Interrupt)
	<-signalSyn
}

func serve(conn *transport.Connection) {
	if err := conn.Accept(); err != nil {
		log.WithError(err).Warn("Failed to accept connection")
		return
	}
	log.WithField("remote", conn.RemoteIdentity()).Info("Accepted connection")

	for chunk := range conn.Receive() {
		if err := conn.SendMessage(chunk.Data); err != nil {
			log.WithError(err).Debug("Echo errored")
			return
		}
	}
}

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	conf, err := config.Parse(os.Args[1])
	if err != nil {
		log.WithError(err).Fatal("Failed to parse config")
	}

	if conf.Log.Profiling {
		defer profile.Start(profile.ProfilePath(".")).Stop()
	}

	stopWatch, err := config.Watch(os.Args[1], func(*config.Config) {})
	if err != nil {
		log.WithError(err).Warn("Configuration watching unavailable")
	} else {
		defer stopWatch()
	}

	tc := transport.NewContext()
	listener, err := transport.Listen(tc, conf.Listen.Address, conf.ListenIdentity(), nil, conf.TransportConfig())
	if err != nil {
		log.WithError(err).Fatal("Failed to bind listener")
	}

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go serve(conn)
		}
	}()

	waitSigint()
	log.Info("Shutting down..")

	if err := listener.Close(); err != nil {
		log.WithError(err).Warn("Closing listener errored")
	}
}
