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
	"context"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/capfs-io/capfs/internal/errs"
	"github.com/capfs-io/capfs/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeDialer hands out net.Pipe endpoints so tests never touch a real
// socket; each call spins up a goroutine holding the peer end open.
func pipeDialer(t *testing.T) transport.Dialer {
	return func(_ context.Context, _, _ string) (net.Conn, error) {
		client, srv := net.Pipe()
		t.Cleanup(func() { _ = srv.Close() })
		go func() {
			buf := make([]byte, 64)
			for {
				if _, err := srv.Read(buf); err != nil {
					return
				}
			}
		}()
		return client, nil
	}
}

func TestPoolDialsUpToMaxPerServer(t *testing.T) {
	var dials int
	var mu sync.Mutex
	dialer := func(ctx context.Context, network, addr string) (net.Conn, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return pipeDialer(t)(ctx, network, addr)
	}

	p := transport.New(nil, dialer, "tcp", 2)
	defer p.Close()

	c1, err := p.Get(context.Background(), "server-a:1234")
	require.NoError(t, err)
	c2, err := p.Get(context.Background(), "server-a:1234")
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, 2, dials)
	mu.Unlock()

	// A third Get should round-robin an existing connection, not dial again.
	c3, err := p.Get(context.Background(), "server-a:1234")
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, 2, dials)
	mu.Unlock()

	assert.NotNil(t, c1)
	assert.NotNil(t, c2)
	assert.NotNil(t, c3)
}

func TestPoolDialFailureMarksServerFailed(t *testing.T) {
	wantErr := errors.New("boom")
	dialer := func(context.Context, string, string) (net.Conn, error) { return nil, wantErr }

	p := transport.New(nil, dialer, "tcp", 1)
	defer p.Close()

	_, err := p.Get(context.Background(), "dead-server:1")
	require.Error(t, err)

	// Second attempt should short-circuit via the failure cache rather than
	// dialing again, but still surface a TransientNet error.
	_, err = p.Get(context.Background(), "dead-server:1")
	require.Error(t, err)
	assert.Equal(t, errs.TransientNet, errs.KindOf(err))
}

func TestReleaseDropsConnectionOnTransientError(t *testing.T) {
	p := transport.New(nil, pipeDialer(t), "tcp", 1)
	defer p.Close()

	c, err := p.Get(context.Background(), "server-b:1")
	require.NoError(t, err)

	c.Release(errs.New("test", errs.TransientNet, 0, errors.New("reset")))

	// Dropping the connection also marks its address failed, so the next Get
	// fails fast with TransientNet instead of reusing or redialing it.
	_, err = p.Get(context.Background(), "server-b:1")
	require.Error(t, err)
	assert.Equal(t, errs.TransientNet, errs.KindOf(err))
}

func TestReleaseKeepsConnectionOnBenignError(t *testing.T) {
	p := transport.New(nil, pipeDialer(t), "tcp", 1)
	defer p.Close()

	c, err := p.Get(context.Background(), "server-c:1")
	require.NoError(t, err)

	c.Release(errs.New("test", errs.NotFound, 0, errors.New("absent")))

	c2, err := p.Get(context.Background(), "server-c:1")
	require.NoError(t, err)
	assert.Same(t, c.Conn, c2.Conn, "a benign error should not evict the pooled connection")
}
