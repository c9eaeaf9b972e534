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

package dataserver

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/capfs-io/capfs/internal/chunk"
	"github.com/capfs-io/capfs/internal/mapper"
)

// Scheduler groups a multi-chunk request by owning server (C2) and fans the
// per-server work out across a worker pool sized at daemon start (§4.5: "A
// scheduler groups units by server ... submits them to a worker pool sized
// at daemon start, and collects per-hash return codes").
type Scheduler struct {
	client *Client
	sem    *semaphore.Weighted
}

// NewScheduler returns a Scheduler issuing at most workers concurrent
// per-server requests through client.
func NewScheduler(client *Client, workers int) *Scheduler {
	if workers <= 0 {
		workers = 1
	}
	return &Scheduler{client: client, sem: semaphore.NewWeighted(int64(workers))}
}

// ChunkHash pairs a chunk index with the content hash the caller expects
// (or, for PUT, is submitting) there.
type ChunkHash struct {
	Chunk int64
	Hash  chunk.Hash
}

// GetMany fetches every (chunk, hash) pair in request, grouped by owning
// server per layout and fanned out across the scheduler's worker pool. The
// returned map has one entry per requested chunk index; a per-chunk
// errs.NotFound is carried in that entry's Err, not treated as a fatal
// Scheduler error, per §4.5.
func (s *Scheduler) GetMany(ctx context.Context, layout mapper.Layout, request []ChunkHash) (map[int64]GetResult, error) {
	byChunk := make(map[int64]chunk.Hash, len(request))
	chunks := make([]int64, 0, len(request))
	for _, r := range request {
		byChunk[r.Chunk] = r.Hash
		chunks = append(chunks, r.Chunk)
	}
	groups := mapper.GroupByServer(layout, chunks)

	type serverResult struct {
		chunks []int64
		res    []GetResult
		err    error
	}
	resultsCh := make(chan serverResult, len(groups))

	for server, serverChunks := range groups {
		server, serverChunks := server, serverChunks
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		go func() {
			defer s.sem.Release(1)
			items := make([]GetItem, len(serverChunks))
			for i, c := range serverChunks {
				items[i] = GetItem{Hash: byChunk[c]}
			}
			res, err := s.client.Get(ctx, server, items)
			resultsCh <- serverResult{chunks: serverChunks, res: res, err: err}
		}()
	}

	out := make(map[int64]GetResult, len(request))
	var firstFatal error
	for range groups {
		sr := <-resultsCh
		if sr.err != nil && firstFatal == nil {
			firstFatal = sr.err
		}
		for i, c := range sr.chunks {
			if i < len(sr.res) {
				out[c] = sr.res[i]
			}
		}
	}
	if firstFatal != nil {
		return out, firstFatal
	}
	return out, nil
}

// ChunkBody pairs a chunk index and hash with the body to store there.
type ChunkBody struct {
	Chunk int64
	Hash  chunk.Hash
	Body  []byte
}

// PutMany stores every (chunk, hash, body) triple in request, grouped and
// fanned out the same way GetMany is.
func (s *Scheduler) PutMany(ctx context.Context, layout mapper.Layout, request []ChunkBody) (map[int64]PutResult, error) {
	chunks := make([]int64, len(request))
	byChunk := make(map[int64]ChunkBody, len(request))
	for i, r := range request {
		chunks[i] = r.Chunk
		byChunk[r.Chunk] = r
	}
	groups := mapper.GroupByServer(layout, chunks)

	type serverResult struct {
		chunks []int64
		res    []PutResult
		err    error
	}
	resultsCh := make(chan serverResult, len(groups))

	for server, serverChunks := range groups {
		server, serverChunks := server, serverChunks
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		go func() {
			defer s.sem.Release(1)
			items := make([]PutItem, len(serverChunks))
			for i, c := range serverChunks {
				items[i] = PutItem{Hash: byChunk[c].Hash, Body: byChunk[c].Body}
			}
			res, err := s.client.Put(ctx, server, items)
			resultsCh <- serverResult{chunks: serverChunks, res: res, err: err}
		}()
	}

	out := make(map[int64]PutResult, len(request))
	var firstFatal error
	for range groups {
		sr := <-resultsCh
		if sr.err != nil && firstFatal == nil {
			firstFatal = sr.err
		}
		for i, c := range sr.chunks {
			if i < len(sr.res) {
				out[c] = sr.res[i]
			}
		}
	}
	if firstFatal != nil {
		return out, firstFatal
	}
	return out, nil
}
