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

package dataserver_test

import (
	"context"
	"testing"

	"github.com/capfs-io/capfs/internal/chunk"
	"github.com/capfs-io/capfs/internal/dataserver"
	"github.com/capfs-io/capfs/internal/mapper"
	"github.com/capfs-io/capfs/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerPutThenGetManyFansOutAcrossServers(t *testing.T) {
	addr0, _ := startFakeServer(t)
	addr1, _ := startFakeServer(t)

	pool := transport.New(nil, transport.DefaultDialer, "tcp", 1)
	defer pool.Close()

	client := dataserver.New(pool, dataserver.AddrTable{0: addr0, 1: addr1})
	sched := dataserver.NewScheduler(client, 4)

	layout := mapper.Layout{StripeSize: chunk.Size(), ServerCount: 2, Base: 0}

	bodies := map[int64][]byte{
		0: []byte("chunk-zero"),
		1: []byte("chunk-one"),
		2: []byte("chunk-two"),
		3: []byte("chunk-three"),
	}
	putReq := make([]dataserver.ChunkBody, 0, len(bodies))
	for c, body := range bodies {
		putReq = append(putReq, dataserver.ChunkBody{Chunk: c, Hash: chunk.Sum(body), Body: body})
	}

	putResults, err := sched.PutMany(context.Background(), layout, putReq)
	require.NoError(t, err)
	assert.Len(t, putResults, len(bodies))
	for c, r := range putResults {
		assert.NoErrorf(t, r.Err, "put of chunk %d failed", c)
	}

	getReq := make([]dataserver.ChunkHash, 0, len(bodies))
	for c, body := range bodies {
		getReq = append(getReq, dataserver.ChunkHash{Chunk: c, Hash: chunk.Sum(body)})
	}

	getResults, err := sched.GetMany(context.Background(), layout, getReq)
	require.NoError(t, err)
	require.Len(t, getResults, len(bodies))
	for c, want := range bodies {
		got := getResults[c]
		assert.NoErrorf(t, got.Err, "get of chunk %d failed", c)
		assert.Equal(t, want, got.Body)
	}
}

func TestSchedulerGetManySingleServerShortCircuit(t *testing.T) {
	addr0, _ := startFakeServer(t)

	pool := transport.New(nil, transport.DefaultDialer, "tcp", 1)
	defer pool.Close()

	client := dataserver.New(pool, dataserver.AddrTable{0: addr0})
	sched := dataserver.NewScheduler(client, 2)

	layout := mapper.Layout{StripeSize: chunk.Size(), ServerCount: 1, Base: 0}

	body := []byte("only-server")
	h := chunk.Sum(body)
	_, err := sched.PutMany(context.Background(), layout, []dataserver.ChunkBody{{Chunk: 0, Hash: h, Body: body}})
	require.NoError(t, err)

	results, err := sched.GetMany(context.Background(), layout, []dataserver.ChunkHash{{Chunk: 0, Hash: h}})
	require.NoError(t, err)
	require.Contains(t, results, int64(0))
	assert.Equal(t, body, results[0].Body)
}
