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

package callback_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/capfs-io/capfs/internal/callback"
	"github.com/capfs-io/capfs/internal/chunk"
	"github.com/capfs-io/capfs/internal/hashcache"
	"github.com/capfs-io/capfs/internal/openfile"
	"github.com/capfs-io/capfs/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capfs-io/capfs/clock"
)

// fakeFetcher never supplies hashes on its own; every test here seeds the
// cache directly via PutHashes so a miss would indicate a test bug, not
// routine cache behavior.
type fakeFetcher struct{}

func (fakeFetcher) FetchHashes(context.Context, string, int64, int64) ([]chunk.Hash, int64, error) {
	return nil, 0, nil
}

func dialAndRoundTrip(t *testing.T, addr string, op wire.CallbackOp, body []byte) wire.CallbackAckHeader {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, wire.WriteCallbackRequest(conn, wire.CallbackHeader{Type: op}, body))
	ack, err := wire.ReadCallbackAckHeader(conn)
	require.NoError(t, err)
	return ack
}

func TestInvalidateRangeClearsCacheBeforeAck(t *testing.T) {
	require.NoError(t, chunk.SetSize(4096))
	t.Cleanup(func() { _ = chunk.SetSize(chunk.DefaultSize) })

	cache := hashcache.New(fakeFetcher{}, 8, 0)
	cache.PutHashes("f", 0, []chunk.Hash{chunk.Sum([]byte("a")), chunk.Sum([]byte("b"))})

	files := openfile.New(clock.RealClock{})
	files.Open(wire.Handle(1), "f", wire.FileMeta{})

	svc := callback.New(cache, files, nil)
	addr, err := svc.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	req := wire.InvalidateRangeRequest{Handle: wire.Handle(1), BeginChunk: 0, Count: 2}
	body, err := req.Marshal()
	require.NoError(t, err)

	ack := dialAndRoundTrip(t, addr, wire.CBInvalidateRange, body)
	assert.Equal(t, int32(0), ack.Status)

	got, err := cache.GetHashes(context.Background(), "f", 0, 1, 1)
	require.NoError(t, err)
	assert.Empty(t, got, "invalidated range must be gone by the time the ack is observed")
}

func TestInvalidateHashesSkipsSelfOriginatedOwner(t *testing.T) {
	require.NoError(t, chunk.SetSize(4096))
	t.Cleanup(func() { _ = chunk.SetSize(chunk.DefaultSize) })

	cache := hashcache.New(fakeFetcher{}, 8, 0)
	cache.PutHashes("f", 0, []chunk.Hash{chunk.Sum([]byte("a"))})

	files := openfile.New(clock.RealClock{})
	files.Open(wire.Handle(1), "f", wire.FileMeta{})

	svc := callback.New(cache, files, nil)
	addr, err := svc.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	req := wire.InvalidateHashesRequest{Handle: wire.Handle(1), Bitmap: []byte{0x01}, Owner: svc.ClientID()}
	body, err := req.Marshal()
	require.NoError(t, err)

	ack := dialAndRoundTrip(t, addr, wire.CBInvalidateHashes, body)
	assert.Equal(t, int32(0), ack.Status)

	got, err := cache.GetHashes(context.Background(), "f", 0, 1, 1)
	require.NoError(t, err)
	require.Len(t, got, 1, "a self-originated invalidation must be ignored")
}

func TestUpdateHashesOverwritesCache(t *testing.T) {
	require.NoError(t, chunk.SetSize(4096))
	t.Cleanup(func() { _ = chunk.SetSize(chunk.DefaultSize) })

	cache := hashcache.New(fakeFetcher{}, 8, 0)
	stale := chunk.Sum([]byte("stale"))
	fresh := chunk.Sum([]byte("fresh"))
	cache.PutHashes("f", 0, []chunk.Hash{stale})

	files := openfile.New(clock.RealClock{})
	files.Open(wire.Handle(1), "f", wire.FileMeta{})

	svc := callback.New(cache, files, nil)
	addr, err := svc.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	req := wire.UpdateHashesRequest{Handle: wire.Handle(1), BeginChunk: 0, Hashes: []chunk.Hash{fresh}}
	body, err := req.Marshal()
	require.NoError(t, err)

	ack := dialAndRoundTrip(t, addr, wire.CBUpdateHashes, body)
	assert.Equal(t, int32(0), ack.Status)

	got, err := cache.GetHashes(context.Background(), "f", 0, 1, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, fresh, got[0])
}

func TestInvalidateUnknownHandleIsIgnoredNotErrored(t *testing.T) {
	require.NoError(t, chunk.SetSize(4096))
	t.Cleanup(func() { _ = chunk.SetSize(chunk.DefaultSize) })

	cache := hashcache.New(fakeFetcher{}, 8, 0)
	files := openfile.New(clock.RealClock{})

	svc := callback.New(cache, files, nil)
	addr, err := svc.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	req := wire.InvalidateRangeRequest{Handle: wire.Handle(999), BeginChunk: 0, Count: 1}
	body, err := req.Marshal()
	require.NoError(t, err)

	ack := dialAndRoundTrip(t, addr, wire.CBInvalidateRange, body)
	assert.Equal(t, int32(0), ack.Status, "a callback for a handle this client no longer has open is routine, not an error")
}
