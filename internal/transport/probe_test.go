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

package transport_test

import (
	"net"
	"testing"
	"time"

	"github.com/capfs-io/capfs/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loopbackPair(t *testing.T) (client, server net.Conn) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	server = <-accepted
	t.Cleanup(func() { _ = server.Close() })
	return client, server
}

func TestIsDeadFalseOnLiveIdleSocket(t *testing.T) {
	client, _ := loopbackPair(t)
	assert.False(t, transport.IsDead(client))
}

func TestIsDeadTrueAfterPeerCloses(t *testing.T) {
	client, server := loopbackPair(t)
	require.NoError(t, server.Close())

	// Give the FIN a moment to arrive.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if transport.IsDead(client) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected IsDead to observe the peer's close within the deadline")
}

func TestWaitReadableTimesOutWithNoData(t *testing.T) {
	client, _ := loopbackPair(t)
	readable, err := transport.WaitReadable(client, 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, readable)
}

func TestWaitReadableTrueOnceDataArrives(t *testing.T) {
	client, server := loopbackPair(t)
	_, err := server.Write([]byte("x"))
	require.NoError(t, err)

	readable, err := transport.WaitReadable(client, time.Second)
	require.NoError(t, err)
	assert.True(t, readable)
}
