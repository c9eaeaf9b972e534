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

package manager_test

import (
	"context"
	"net"
	"sync"
	"syscall"
	"testing"

	"github.com/capfs-io/capfs/internal/chunk"
	"github.com/capfs-io/capfs/internal/errs"
	"github.com/capfs-io/capfs/internal/manager"
	"github.com/capfs-io/capfs/internal/transport"
	"github.com/capfs-io/capfs/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeManager serves a small, purpose-built subset of the manager protocol
// in-process for client tests, backed by a single named file.
type fakeManager struct {
	mu        sync.Mutex
	handle    wire.Handle
	meta      wire.FileMeta
	hashes    []chunk.Hash
	dents     []wire.Dirent
	servers   []wire.IODEntry
	wcommits  int
	failFirst bool
}

func (m *fakeManager) serve(conn net.Conn) {
	defer conn.Close()
	for {
		hdr, err := wire.ReadRequestHeader(conn)
		if err != nil {
			return
		}
		body, err := wire.ReadBody(conn, hdr.Dsize)
		if err != nil {
			return
		}

		switch hdr.Type {
		case wire.OpOpen:
			_, _ = wire.UnmarshalOpenRequest(body)
			ack := wire.OpenAck{Meta: m.meta, Capability: 1, Hashes: m.hashes}
			ackBody, _ := ack.Marshal()
			_ = wire.WriteAck(conn, wire.AckHeader{Type: hdr.Type}, ackBody)

		case wire.OpClose:
			_ = wire.WriteAck(conn, wire.AckHeader{Type: hdr.Type}, nil)

		case wire.OpLstat, wire.OpStat, wire.OpLookup:
			ack := wire.StatAck{Meta: m.meta}
			ackBody, _ := ack.Marshal()
			_ = wire.WriteAck(conn, wire.AckHeader{Type: hdr.Type}, ackBody)

		case wire.OpUnlink, wire.OpRmdir, wire.OpMkdir, wire.OpRename,
			wire.OpTruncate, wire.OpUtime, wire.OpChmod, wire.OpChown, wire.OpNoop:
			_ = wire.WriteAck(conn, wire.AckHeader{Type: hdr.Type}, nil)

		case wire.OpGetdents:
			req, _ := wire.UnmarshalGetdentsRequest(body)
			var page []wire.Dirent
			m.mu.Lock()
			for _, d := range m.dents {
				if d.Offset >= req.Offset && int64(len(page)) < req.Length {
					page = append(page, d)
				}
			}
			m.mu.Unlock()
			next := req.Offset + int64(len(page))
			ack := wire.GetdentsAck{NextOffset: next, Entries: page}
			ackBody, _ := ack.Marshal()
			_ = wire.WriteAck(conn, wire.AckHeader{Type: hdr.Type}, ackBody)

		case wire.OpIODInfo:
			req, _ := wire.UnmarshalIODInfoRequest(body)
			m.mu.Lock()
			servers := m.servers
			m.mu.Unlock()
			if req.Count > 0 && int32(len(servers)) > req.Count {
				servers = servers[:req.Count]
			}
			ack := wire.IODInfoAck{Servers: servers}
			ackBody, _ := ack.Marshal()
			_ = wire.WriteAck(conn, wire.AckHeader{Type: hdr.Type}, ackBody)

		case wire.OpStatfs:
			ack := wire.StatfsAck{TotalBytes: 1000, FreeBytes: 500}
			ackBody, _ := ack.Marshal()
			_ = wire.WriteAck(conn, wire.AckHeader{Type: hdr.Type}, ackBody)

		case wire.OpGethashes:
			req, _ := wire.UnmarshalGethashesRequest(body)
			m.mu.Lock()
			hashes := m.hashes
			m.mu.Unlock()
			if req.BeginChunk < int64(len(hashes)) {
				end := req.BeginChunk + req.NChunks
				if end > int64(len(hashes)) {
					end = int64(len(hashes))
				}
				hashes = hashes[req.BeginChunk:end]
			} else {
				hashes = nil
			}
			ack := wire.GethashesAck{FileSize: m.meta.Size, Hashes: hashes}
			ackBody, _ := ack.Marshal()
			_ = wire.WriteAck(conn, wire.AckHeader{Type: hdr.Type}, ackBody)

		case wire.OpWcommit:
			req, _ := wire.UnmarshalWcommitRequest(body)
			m.mu.Lock()
			m.wcommits++
			shouldFail := m.failFirst && m.wcommits == 1
			m.mu.Unlock()
			if shouldFail {
				ack := wire.WcommitAck{CurrentHashes: req.OldHashes}
				ackBody, _ := ack.Marshal()
				_ = wire.WriteAck(conn, wire.AckHeader{Type: hdr.Type, Status: -1, Errno: int32(syscall.EAGAIN)}, ackBody)
				continue
			}
			m.mu.Lock()
			m.hashes = req.NewHashes
			m.meta.Size = req.NewSize
			m.mu.Unlock()
			_ = wire.WriteAck(conn, wire.AckHeader{Type: hdr.Type}, nil)

		default:
			return
		}
	}
}

func startFakeManager(t *testing.T, m *fakeManager) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go m.serve(conn)
		}
	}()
	return ln.Addr().String()
}

func newTestClient(t *testing.T, m *fakeManager) *manager.Client {
	addr := startFakeManager(t, m)
	pool := transport.New(nil, transport.DefaultDialer, "tcp", 1)
	t.Cleanup(func() { _ = pool.Close() })
	return manager.New(pool, addr)
}

func TestOpenReturnsMetaAndHashes(t *testing.T) {
	m := &fakeManager{
		meta:   wire.FileMeta{Handle: 1, Size: int64(2 * chunk.Size()), Blksize: chunk.Size(), Blocks: 1},
		hashes: []chunk.Hash{chunk.Sum([]byte("a")), chunk.Sum([]byte("b"))},
	}
	c := newTestClient(t, m)

	ack, err := c.Open(context.Background(), 1000, 1000, wire.OpenRequest{Name: "/f", Flags: wire.OpenRead})
	require.NoError(t, err)
	assert.Equal(t, wire.Handle(1), ack.Meta.Handle)
	assert.Len(t, ack.Hashes, 2)
}

func TestStatAndLookup(t *testing.T) {
	m := &fakeManager{meta: wire.FileMeta{Handle: 42, Mode: 0o644}}
	c := newTestClient(t, m)

	meta, err := c.Stat(context.Background(), 0, 0, "/f", false)
	require.NoError(t, err)
	assert.Equal(t, wire.Handle(42), meta.Handle)

	meta, err = c.Lookup(context.Background(), 0, 0, "/f", true)
	require.NoError(t, err)
	assert.Equal(t, uint32(0o644), meta.Mode)
}

func TestGetDentsPaginatesUntilEmpty(t *testing.T) {
	m := &fakeManager{
		dents: []wire.Dirent{
			{Handle: 1, Offset: 0, Name: "a"},
			{Handle: 2, Offset: 1, Name: "b"},
			{Handle: 3, Offset: 2, Name: "c"},
		},
	}
	c := newTestClient(t, m)

	ents, err := c.GetDents(context.Background(), 0, 0, wire.Handle(1), 2)
	require.NoError(t, err)
	require.Len(t, ents, 3)
	assert.Equal(t, "a", ents[0].Name)
	assert.Equal(t, "c", ents[2].Name)
}

func TestStatfsAndNoop(t *testing.T) {
	m := &fakeManager{}
	c := newTestClient(t, m)

	statfs, err := c.Statfs(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), statfs.TotalBytes)

	assert.NoError(t, c.Noop(context.Background(), 0, 0))
}

func TestIODInfoReturnsServerTable(t *testing.T) {
	m := &fakeManager{servers: []wire.IODEntry{
		{Server: 0, Addr: "10.0.0.1:7000"},
		{Server: 1, Addr: "10.0.0.2:7000"},
		{Server: 2, Addr: "10.0.0.3:7000"},
	}}
	c := newTestClient(t, m)

	ack, err := c.IODInfo(context.Background(), 0, 0, 0)
	require.NoError(t, err)
	require.Len(t, ack.Servers, 3)
	assert.Equal(t, "10.0.0.2:7000", ack.Servers[1].Addr)

	ack, err = c.IODInfo(context.Background(), 0, 0, 2)
	require.NoError(t, err)
	assert.Len(t, ack.Servers, 2)
}

func TestGetHashesReturnsHashesAndFileSize(t *testing.T) {
	m := &fakeManager{
		meta:   wire.FileMeta{Size: int64(3 * chunk.Size())},
		hashes: []chunk.Hash{chunk.Sum([]byte("x")), chunk.Sum([]byte("y")), chunk.Sum([]byte("z"))},
	}
	c := newTestClient(t, m)

	hashes, size, err := c.GetHashes(context.Background(), wire.Handle(1), 0, 3)
	require.NoError(t, err)
	assert.Len(t, hashes, 3)
	assert.Equal(t, int64(3*chunk.Size()), size)
}

func TestWcommitSuccessClearsOnFirstTry(t *testing.T) {
	m := &fakeManager{}
	c := newTestClient(t, m)

	ack, err := c.Wcommit(context.Background(), 0, 0, wire.WcommitRequest{
		Handle: 1, NewSize: int64(chunk.Size()),
		NewHashes: []chunk.Hash{chunk.Sum([]byte("new"))},
	})
	require.NoError(t, err)
	assert.Empty(t, ack.CurrentHashes)
}

func TestWcommitRaceReturnsCurrentHashesAndAgainRaceError(t *testing.T) {
	m := &fakeManager{failFirst: true}
	c := newTestClient(t, m)

	oldHash := chunk.Sum([]byte("stale"))
	ack, err := c.Wcommit(context.Background(), 0, 0, wire.WcommitRequest{
		Handle: 1, OldHashes: []chunk.Hash{oldHash},
		NewHashes: []chunk.Hash{chunk.Sum([]byte("new"))},
	})
	require.Error(t, err)
	assert.Equal(t, errs.AgainRace, errs.KindOf(err))
	require.Len(t, ack.CurrentHashes, 1)
	assert.Equal(t, oldHash, ack.CurrentHashes[0])
}
