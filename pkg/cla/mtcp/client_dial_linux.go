// SPDX-FileCopyrightText: 2021 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build linux
// +build linux

package mtcp

import (
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// tcpOptions let a lost neighbor be noticed within seconds, so the outduct's
// adapter blocks the outduct and the bundles wait in limbo instead of in a
// dead socket's buffer. See tcp(7).
var tcpOptions = []struct {
	name  string
	opt   int
	value int
}{
	// Probes are sent after 5s idle time, every 3s, and a single lost probe
	// drops the connection.
	{"TCP_KEEPIDLE", unix.TCP_KEEPIDLE, 5},
	{"TCP_KEEPINTVL", unix.TCP_KEEPINTVL, 3},
	{"TCP_KEEPCNT", unix.TCP_KEEPCNT, 1},

	// Unacknowledged data drops the connection after 2000ms.
	{"TCP_USER_TIMEOUT", unix.TCP_USER_TIMEOUT, 2000},
}

func setTCPOptions(_, _ string, rawConn syscall.RawConn) error {
	var optErr error
	if err := rawConn.Control(func(fd uintptr) {
		for _, o := range tcpOptions {
			if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, o.opt, o.value); err != nil {
				optErr = &net.OpError{Op: "setsockopt " + o.name, Net: "tcp", Err: err}
				return
			}
		}
	}); err != nil {
		return err
	}
	return optErr
}

// dial a TCP connection with the tcpOptions set.
func dial(address string) (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout: time.Second,
		Control: setTCPOptions,
	}
	return dialer.Dial("tcp", address)
}
