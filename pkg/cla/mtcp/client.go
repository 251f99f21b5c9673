// SPDX-FileCopyrightText: 2019 Markus Sommer
// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package mtcp

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/cboring"

	"github.com/dtn7/dtn7-clm/pkg/bpv7"
	"github.com/dtn7/dtn7-clm/pkg/cla"
)

const (
	// keepaliveInterval between two empty probes on an idle connection.
	keepaliveInterval = 5 * time.Second

	// defaultSendTimeout for writing one frame.
	defaultSendTimeout = 30 * time.Second
)

// MTCPClient sends the bundles of an outduct to a MTCP server, one Frame per
// bundle. It implements a ConvergenceSender.
type MTCPClient struct {
	address     string
	fec         *cla.FEC
	sendTimeout time.Duration

	mutex     sync.Mutex
	conn      net.Conn
	lastWrite time.Time

	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewMTCPClient for the given address. Frames are protected by the FEC, if
// not nil.
func NewMTCPClient(address string, fec *cla.FEC) *MTCPClient {
	return &MTCPClient{
		address:     address,
		fec:         fec,
		sendTimeout: defaultSendTimeout,
	}
}

// SetSendTimeout limits the time for writing one frame. A timed out Send
// fails, which lets the outduct's adapter reforward the bundle.
func (client *MTCPClient) SetSendTimeout(d time.Duration) {
	client.mutex.Lock()
	defer client.mutex.Unlock()

	client.sendTimeout = d
}

func (client *MTCPClient) log() *log.Entry {
	return log.WithField("cla", client.Address())
}

// Start connects to the MTCP server. A failed connection might be retried.
func (client *MTCPClient) Start() (err error, retry bool) {
	conn, err := dial(client.address)
	if err != nil {
		return err, true
	}

	stopSyn, stopAck := make(chan struct{}), make(chan struct{})

	client.mutex.Lock()
	client.conn = conn
	client.lastWrite = time.Now()
	client.stopSyn, client.stopAck = stopSyn, stopAck
	client.mutex.Unlock()

	go client.keepalive(stopSyn, stopAck)
	return nil, true
}

// keepalive probes an idle connection until stopSyn is closed.
func (client *MTCPClient) keepalive(stopSyn, stopAck chan struct{}) {
	defer close(stopAck)

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopSyn:
			client.mutex.Lock()
			_ = client.conn.Close()
			client.mutex.Unlock()
			return

		case now := <-ticker.C:
			client.mutex.Lock()
			var err error
			if now.Sub(client.lastWrite) >= keepaliveInterval {
				err = client.writeProbe()
			}
			client.mutex.Unlock()

			if err != nil {
				client.log().WithError(err).Warn("MTCP keepalive probe failed")
			}
		}
	}
}

// writeProbe sends an empty byte string. The caller must hold the mutex.
func (client *MTCPClient) writeProbe() error {
	if err := client.conn.SetWriteDeadline(time.Now().Add(client.sendTimeout)); err != nil {
		return err
	}
	if err := cboring.WriteByteStringLen(0, client.conn); err != nil {
		return err
	}
	client.lastWrite = time.Now()
	return nil
}

// Send a bundle and its payload as a Frame. The Frame is written as one CBOR
// byte string, followed by an empty probe to detect a closed connection.
func (client *MTCPClient) Send(b bpv7.Bundle, payload []byte) error {
	frame := cla.Frame{Bundle: b, Payload: payload, FEC: client.fec}

	buff := new(bytes.Buffer)
	if err := cboring.Marshal(&frame, buff); err != nil {
		return fmt.Errorf("serializing frame of %v failed: %w", b.ID(), err)
	}

	client.mutex.Lock()
	defer client.mutex.Unlock()

	if client.conn == nil {
		return fmt.Errorf("MTCP client %s is not started", client.address)
	}

	if err := client.conn.SetWriteDeadline(time.Now().Add(client.sendTimeout)); err != nil {
		return err
	}

	w := bufio.NewWriter(client.conn)
	if err := cboring.WriteByteStringLen(uint64(buff.Len()), w); err != nil {
		return err
	}
	if _, err := buff.WriteTo(w); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	client.lastWrite = time.Now()

	return client.writeProbe()
}

// Close the connection. Closing a stopped MTCPClient does nothing.
func (client *MTCPClient) Close() error {
	client.mutex.Lock()
	stopSyn, stopAck := client.stopSyn, client.stopAck
	client.stopSyn, client.stopAck = nil, nil
	client.mutex.Unlock()

	if stopSyn == nil {
		return nil
	}

	close(stopSyn)
	<-stopAck

	client.mutex.Lock()
	client.conn = nil
	client.mutex.Unlock()
	return nil
}

// Address of the MTCP server.
func (client *MTCPClient) Address() string {
	return fmt.Sprintf("mtcp://%s", client.address)
}

func (client *MTCPClient) String() string {
	return client.Address()
}
