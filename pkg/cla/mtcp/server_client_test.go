// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package mtcp

import (
	"bytes"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/dtn7/dtn7-clm/pkg/bpv7"
	"github.com/dtn7/dtn7-clm/pkg/cla"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func getRandomPort(t *testing.T) int {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		t.Error(err)
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}

	defer func() { _ = l.Close() }()

	return l.Addr().(*net.TCPAddr).Port
}

func TestMTCPServerClient(t *testing.T) {
	port := getRandomPort(t)

	const (
		clients  = 10
		packages = 50
	)

	payload := bytes.Repeat([]byte("hello world!"), 100)

	bndl, err := bpv7.Builder().
		Source("dtn://src/").
		Destination("dtn://dest/").
		CreationTimestampEpoch().
		Lifetime("60s").
		BundleCtrlFlags(bpv7.MustNotFragmented).
		CRC(bpv7.CRC32).
		Payload(bpv7.PayloadRef{Length: uint64(len(payload))}).
		Build()
	if err != nil {
		t.Fatal(err)
	}

	serv := NewMTCPServer(fmt.Sprintf("localhost:%d", port))
	if err, _ := serv.Start(); err != nil {
		t.Fatal(err)
	}

	errCh := make(chan error, clients*packages*2)

	var recvWg sync.WaitGroup
	recvWg.Add(1)
	go func() {
		defer recvWg.Done()

		received := 0
		for msg := range serv.Channel() {
			if msg.Kind != cla.ReceivedBundle {
				errCh <- fmt.Errorf("unexpected status %v", msg)
				continue
			}

			if msg.Bundle != bndl {
				errCh <- fmt.Errorf("received bundle differs: %v, %v", msg.Bundle, bndl)
			} else if !bytes.Equal(msg.Payload, payload) {
				errCh <- fmt.Errorf("received payload differs")
			}

			if received++; received == clients*packages {
				return
			}
		}
	}()

	var sendWg sync.WaitGroup
	for c := 0; c < clients; c++ {
		var fec *cla.FEC
		if c%2 == 0 {
			if fec, err = cla.NewFEC(4, 2); err != nil {
				t.Fatal(err)
			}
		}

		sendWg.Add(1)
		go func(fec *cla.FEC) {
			defer sendWg.Done()

			client := NewMTCPClient(fmt.Sprintf("localhost:%d", port), fec)
			if err, _ := client.Start(); err != nil {
				errCh <- fmt.Errorf("starting client failed: %v", err)
				return
			}

			for i := 0; i < packages; i++ {
				if err := client.Send(bndl, payload); err != nil {
					errCh <- err
				}
			}

			if err := client.Close(); err != nil {
				errCh <- err
			}
		}(fec)
	}

	sendWg.Wait()

	done := make(chan struct{})
	go func() {
		recvWg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("not all bundles were received")
	}

	if err := serv.Close(); err != nil {
		t.Fatal(err)
	}

	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestMTCPClientNotStarted(t *testing.T) {
	client := NewMTCPClient("localhost:1", nil)

	if err := client.Send(bpv7.Bundle{}, nil); err == nil {
		t.Fatal("sending without a connection did not fail")
	}
	if err := client.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestMTCPClientUnreachable(t *testing.T) {
	client := NewMTCPClient(fmt.Sprintf("localhost:%d", getRandomPort(t)), nil)

	if err, retry := client.Start(); err == nil {
		t.Fatal("connecting to a closed port did not fail")
	} else if !retry {
		t.Fatal("an unreachable server should be retried")
	}
}
