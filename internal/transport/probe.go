// Copyright 2025 The CAPFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// IsDead peeks at a pooled connection's socket without consuming any bytes,
// to detect a silently-closed peer before handing the connection back out
// (§4.1: "on indefinite wait a peek-probe detects silently-dead sockets").
// A readable-but-empty socket means the peer sent a FIN; a readable socket
// with unconsumed bytes means there's a stray reply still to drain, which is
// also treated as dead since a pooled idle connection should never have
// unread data sitting on it.
func IsDead(c net.Conn) bool {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return false
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return false
	}

	var dead bool
	controlErr := raw.Read(func(fd uintptr) bool {
		buf := make([]byte, 1)
		n, _, err := unix.Recvfrom(int(fd), buf, unix.MSG_PEEK|unix.MSG_DONTWAIT)
		switch {
		case n == 0 && err == nil:
			dead = true
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			dead = false
		case err != nil:
			dead = true
		default:
			// Unconsumed bytes sitting on an otherwise-idle pooled
			// connection: treat as dead rather than desynchronize the
			// framing on the next real request.
			dead = true
		}
		return true
	})
	if controlErr != nil {
		return true
	}
	return dead
}

// WaitReadable blocks until conn's underlying fd is readable or timeout
// elapses, using poll(2) directly (§4.1: "select-with-poll-fallback").
// Go's net package already multiplexes reads through the runtime poller via
// SetReadDeadline, which is the fallback path used for net.Conn values that
// don't expose a raw fd (e.g. in tests with net.Pipe); WaitReadable is for
// callers that need to distinguish "timed out" from "got data" before
// committing to a blocking Read.
func WaitReadable(c net.Conn, timeout time.Duration) (readable bool, err error) {
	sc, ok := c.(syscall.Conn)
	if !ok {
		// No raw fd available (e.g. net.Pipe in tests): fall back to a
		// deadline-bounded zero-byte read is not possible without consuming
		// data, so conservatively report readable and let the caller's own
		// Read enforce the deadline via SetReadDeadline.
		return true, nil
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return false, err
	}

	var pollErr error
	controlErr := raw.Read(func(fd uintptr) bool {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, e := unix.Poll(fds, int(timeout.Milliseconds()))
		if e != nil {
			pollErr = e
			return true
		}
		readable = n > 0 && fds[0].Revents&unix.POLLIN != 0
		return true
	})
	if controlErr != nil {
		return false, controlErr
	}
	return readable, pollErr
}
