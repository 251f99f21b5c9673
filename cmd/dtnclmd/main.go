// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// dtnclmd is the egress daemon of a DTN node, running the dispatchers of all
// configured plans together with the forwarder, the outducts' adapters, the
// receivers and the HTTP API.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtn7-clm/pkg/node"
)

// waitSigint blocks the current thread until a SIGINT or SIGTERM appears.
func waitSigint() {
	signalSyn := make(chan os.Signal, 1)
	signalAck := make(chan struct{})

	signal.Notify(signalSyn, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-signalSyn
		close(signalAck)
	}()

	<-signalAck
}

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	conf, err := node.LoadConfig(os.Args[1])
	if err != nil {
		log.WithError(err).Fatal("Failed to parse config")
	}
	node.SetupLogging(conf.Logging)

	n, err := node.New(conf)
	if err != nil {
		log.WithError(err).Fatal("Failed to create node")
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		waitSigint()
		log.Info("Shutting down..")
		cancel()
	}()

	if err := n.Run(ctx); err != nil {
		log.WithError(err).Fatal("Node ended with failed dispatchers")
	}
}
