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

// Package transport implements the client-side socket layer shared by the
// manager and data-server clients (C1, §4.1): a connection table keyed by
// server address, reference-counted across open files, plus select-with-
// poll-fallback timeout handling and peek-probe dead-socket detection.
//
// Two transports are supported (TCP, the default, and UDP); both are dialed
// and pooled identically here, since pooling and liveness-probing only care
// about the net.Conn interface.
package transport

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/capfs-io/capfs/internal/errs"
	"github.com/capfs-io/capfs/roundrobinslice"
	"github.com/capfs-io/capfs/ttlcache"
)

// Dialer opens a new connection to addr. Supplied so tests can substitute an
// in-memory pipe without touching a real socket.
type Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

// DefaultDialer dials with the standard library, the same way the teacher's
// HTTP transport leaves dialing to net/http's default dialer rather than
// hand-rolling one.
func DefaultDialer(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, addr)
}

// failureBackoff is how long a server address that just produced a
// TransientNet error is kept out of consideration before it's dialed again.
const failureBackoff = 5 * time.Second

// Pool is a reference-counted connection pool keyed by server address
// (§4.1: "a connection table keys pooled sockets by server address and
// reference-counts them across open files").
type Pool struct {
	log          *slog.Logger
	dial         Dialer
	network      string // "tcp" or "udp"
	maxPerServer int

	mu      sync.Mutex
	servers map[string]*serverPool

	failed *ttlcache.Cache[string, struct{}]
}

// New returns a Pool that dials network ("tcp" or "udp") connections with
// dial, pooling up to maxPerServer live connections per address.
func New(log *slog.Logger, dial Dialer, network string, maxPerServer int) *Pool {
	if dial == nil {
		dial = DefaultDialer
	}
	if maxPerServer <= 0 {
		maxPerServer = 1
	}
	return &Pool{
		log:          log,
		dial:         dial,
		network:      network,
		maxPerServer: maxPerServer,
		servers:      make(map[string]*serverPool),
		failed:       ttlcache.New[string, struct{}](failureBackoff, failureBackoff),
	}
}

// Conn is a pooled connection checked out from a Pool. Callers must call
// Release exactly once when done, reporting whether the connection is still
// healthy.
type Conn struct {
	net.Conn
	addr string
	pool *Pool
	sp   *serverPool
}

// serverPool is the set of pooled connections to one server address.
type serverPool struct {
	mu    sync.Mutex
	conns []net.Conn
	ring  *roundrobinslice.RoundRobinSlice[net.Conn]
}

// Get checks out a connection to addr, dialing a new one if the pool for
// that address has fewer than maxPerServer live connections and otherwise
// cycling pooled connections round robin. Returns a TransientNet error
// without dialing if addr recently failed (§4.1's transient-error
// surfacing, avoiding hammering a server that just reset a connection).
func (p *Pool) Get(ctx context.Context, addr string) (*Conn, error) {
	if _, recentlyFailed := p.failed.Get(addr); recentlyFailed {
		return nil, errs.New("transport.Get", errs.TransientNet, 0, net.ErrClosed)
	}

	sp := p.serverPoolFor(addr)

	sp.mu.Lock()
	if len(sp.conns) < p.maxPerServer {
		sp.mu.Unlock()
		c, err := p.dial(ctx, p.network, addr)
		if err != nil {
			p.markFailed(addr)
			return nil, errs.Classify("transport.Get", err)
		}
		sp.mu.Lock()
		sp.conns = append(sp.conns, c)
		sp.ring = roundrobinslice.New(sp.conns)
		sp.mu.Unlock()
		return &Conn{Conn: c, addr: addr, pool: p, sp: sp}, nil
	}

	c, ok := sp.ring.Get()
	sp.mu.Unlock()
	if !ok {
		return nil, errs.New("transport.Get", errs.TransientNet, 0, net.ErrClosed)
	}

	if IsDead(c) {
		p.dropLocked(sp, c)
		return p.Get(ctx, addr)
	}
	return &Conn{Conn: c, addr: addr, pool: p, sp: sp}, nil
}

func (p *Pool) serverPoolFor(addr string) *serverPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	sp, ok := p.servers[addr]
	if !ok {
		sp = &serverPool{ring: roundrobinslice.New[net.Conn](nil)}
		p.servers[addr] = sp
	}
	return sp
}

func (p *Pool) markFailed(addr string) {
	p.failed.Set(addr, struct{}{})
	if p.log != nil {
		p.log.Warn("transport: server marked failed", slog.String("addr", addr))
	}
}

// Release returns c to the pool. If err classifies as TransientNet or
// Protocol, the connection is closed and dropped instead of reused, and the
// server address is marked failed for failureBackoff.
func (c *Conn) Release(err error) {
	if err == nil {
		return
	}
	kind := errs.KindOf(err)
	if kind == errs.TransientNet || kind == errs.Protocol {
		c.pool.dropLocked(c.sp, c.Conn)
		_ = c.Conn.Close()
		c.pool.markFailed(c.addr)
	}
}

func (p *Pool) dropLocked(sp *serverPool, dead net.Conn) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	kept := sp.conns[:0]
	for _, c := range sp.conns {
		if c != dead {
			kept = append(kept, c)
		}
	}
	sp.conns = kept
	sp.ring = roundrobinslice.New(sp.conns)
}

// Close closes every pooled connection and stops the failure-cache sweeper.
// Used at daemon shutdown.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sp := range p.servers {
		sp.mu.Lock()
		for _, c := range sp.conns {
			_ = c.Close()
		}
		sp.conns = nil
		sp.mu.Unlock()
	}
	p.failed.Stop()
	return nil
}
