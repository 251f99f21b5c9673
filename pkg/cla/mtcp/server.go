// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package mtcp

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/cboring"

	"github.com/dtn7/dtn7-clm/pkg/cla"
)

// MTCPServer is an implementation of a Minimal TCP Convergence-Layer server
// which accepts bundles from multiple connections and forwards them to its
// channel. This struct implements a ConvergenceReceiver.
type MTCPServer struct {
	listenAddress string
	reportChan    chan cla.ReceiverStatus

	conns   sync.WaitGroup
	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewMTCPServer creates a new MTCPServer for the given listen address.
func NewMTCPServer(listenAddress string) *MTCPServer {
	return &MTCPServer{
		listenAddress: listenAddress,
		reportChan:    make(chan cla.ReceiverStatus),
		stopSyn:       make(chan struct{}),
		stopAck:       make(chan struct{}),
	}
}

// Start listening.
func (serv *MTCPServer) Start() (error, bool) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", serv.listenAddress)
	if err != nil {
		return err, false
	}

	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return err, true
	}

	go func(ln *net.TCPListener) {
		for {
			select {
			case <-serv.stopSyn:
				_ = ln.Close()

				serv.conns.Wait()
				close(serv.reportChan)
				close(serv.stopAck)

				return

			default:
				if err := ln.SetDeadline(time.Now().Add(50 * time.Millisecond)); err != nil {
					log.WithFields(log.Fields{
						"cla":   serv,
						"error": err,
					}).Warn("MTCPServer failed to set deadline on TCP socket")
				} else if conn, err := ln.Accept(); err == nil {
					serv.conns.Add(1)
					go serv.handleSender(conn)
				}
			}
		}
	}(ln)

	return nil, true
}

func (serv *MTCPServer) handleSender(conn net.Conn) {
	defer serv.conns.Done()

	var logger = log.WithFields(log.Fields{
		"cla":  serv,
		"peer": conn.RemoteAddr().String(),
	})

	// Unblock the reader on closing.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-serv.stopSyn:
		case <-done:
		}
		_ = conn.Close()
	}()

	logger.Debug("MTCP handleServer connection was established")

	connReader := bufio.NewReader(conn)
	for {
		n, err := cboring.ReadByteStringLen(connReader)
		if err == io.EOF {
			logger.Debug("MTCP handleServer connection was closed")
			return
		} else if err != nil {
			// A failed connection is no failure of the server.
			logger.WithError(err).Debug("MTCP handleServer connection failed to read byte string len")
			return
		} else if n == 0 {
			continue
		}

		var (
			frame     cla.Frame
			frameData = io.LimitReader(connReader, int64(n))
		)
		if err := cboring.Unmarshal(&frame, frameData); err != nil {
			logger.WithError(err).Warn("MTCP handleServer connection failed to read frame")
			return
		} else if _, err := io.Copy(io.Discard, frameData); err != nil {
			logger.WithError(err).Warn("MTCP handleServer connection failed to skip frame's trailing bytes")
			return
		}

		logger.WithField("bundle", frame.Bundle.ID()).Debug("MTCP handleServer connection received a bundle")

		select {
		case serv.reportChan <- cla.NewReceivedBundle(serv, frame):
		case <-serv.stopSyn:
			return
		}
	}
}

// Channel of received bundles.
func (serv *MTCPServer) Channel() chan cla.ReceiverStatus {
	return serv.reportChan
}

// Close the listener and all connections.
func (serv *MTCPServer) Close() error {
	close(serv.stopSyn)
	<-serv.stopAck

	return nil
}

// Address this server listens on.
func (serv *MTCPServer) Address() string {
	return fmt.Sprintf("mtcp://%s", serv.listenAddress)
}

func (serv *MTCPServer) String() string {
	return serv.Address()
}
