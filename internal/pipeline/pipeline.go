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

// Package pipeline implements the core client data path (C7, §4.6): the
// READ and WRITE algorithms that turn a byte-range request into chunk-level
// GET/PUT traffic against the data servers (C5) and a compare-and-swap
// WCOMMIT against the manager (C6), bounded by the file's consistency
// policy (C4) and backed by the hash cache (C3).
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/capfs-io/capfs/internal/chunk"
	"github.com/capfs-io/capfs/internal/dataserver"
	"github.com/capfs-io/capfs/internal/errs"
	"github.com/capfs-io/capfs/internal/hashcache"
	"github.com/capfs-io/capfs/internal/manager"
	"github.com/capfs-io/capfs/internal/mapper"
	"github.com/capfs-io/capfs/internal/openfile"
	"github.com/capfs-io/capfs/internal/policy"
	"github.com/capfs-io/capfs/internal/wire"
)

// Pipeline holds the daemon-wide, shared dependencies every open file's
// Session drives: one manager connection, one data-server scheduler, one
// hash cache, and the open-file table (§4.8) all open sessions share.
type Pipeline struct {
	Manager   *manager.Client
	Scheduler *dataserver.Scheduler
	Files     *openfile.Table
	Cache     *hashcache.Cache
}

// New builds a Pipeline, wiring the hash cache's Fetcher to mgr via the
// open-file table's name index (§4.3, §4.7). prefetch is the batch size a
// cache miss asks the manager for; maxFilesPerBucket bounds the cache's LRU
// (0 means unbounded), both sourced from daemon config.
func New(mgr *manager.Client, sched *dataserver.Scheduler, files *openfile.Table, prefetch int64, maxFilesPerBucket int) *Pipeline {
	p := &Pipeline{Manager: mgr, Scheduler: sched, Files: files}
	p.Cache = hashcache.New(newManagerFetcher(mgr, files), prefetch, maxFilesPerBucket)
	return p
}

// pendingFlushSetter is implemented by consistency policies that defer
// commits to close (§4.4 DelayCommit), e.g. the transactional policy.
type pendingFlushSetter interface {
	SetPendingFlush(name string, flush func() error)
}

// Session drives one open file's READ/WRITE/TRUNCATE traffic. Build one per
// successful manager OPEN via Pipeline.OpenSession.
type Session struct {
	p      *Pipeline
	pol    policy.Policy
	handle wire.Handle
	name   string
	uid    uint32
	gid    uint32

	mu    sync.Mutex
	wrote bool // has this session already issued one WRITE, for the immutable policy
}

// OpenSession starts tracking an open file. handle/name must already be
// registered in p.Files (normally via Files.Open, called right after a
// successful manager OPEN).
func (p *Pipeline) OpenSession(pol policy.Policy, handle wire.Handle, name string, uid, gid uint32) *Session {
	return &Session{p: p, pol: pol, handle: handle, name: name, uid: uid, gid: gid}
}

// Handle returns the manager handle this session was opened against, used
// by C8 to key its session table.
func (s *Session) Handle() wire.Handle { return s.handle }

// Name returns the file name this session was opened against.
func (s *Session) Name() string { return s.name }

// Close runs the active policy's pre-close flush (e.g. a DelayCommit
// policy's batched WCOMMIT), invoked by C8 on CLOSE and by the idle-file
// sweep before it drops a session out from under a still-dirty file.
func (s *Session) Close() error { return s.pol.Close(s.name) }

// Sync responds to FSYNC_OP (§4.8), letting a DelayCommit policy force its
// pending commit through without actually closing the file.
func (s *Session) Sync() error { return s.pol.Sync(s.name) }

func (s *Session) entry() (*openfile.Entry, error) {
	e, ok := s.p.Files.Get(s.handle)
	if !ok {
		return nil, fmt.Errorf("pipeline: handle %d is not open", s.handle)
	}
	return e, nil
}

// knownSize returns the best currently-known size for this file: the hash
// cache's, if a fetch or commit has populated it, else the OPEN-time stat.
func (s *Session) knownSize(e *openfile.Entry) int64 {
	if size, ok := s.p.Cache.FileSize(s.name); ok {
		return size
	}
	return e.Meta.Size
}

// Read implements §4.6.1. A short result (n < len(buf)) is not an error;
// callers must accept it as partial/EOF.
func (s *Session) Read(ctx context.Context, offset int64, buf []byte) (int, error) {
	if len(buf) == 0 || offset < 0 {
		return 0, nil
	}

	e, err := s.entry()
	if err != nil {
		return 0, err
	}
	cs := chunk.Size()
	begin, end := chunk.Range(offset, int64(len(buf)))
	nchunks := chunk.Count(begin, end)

	hashes, err := s.p.Cache.GetHashes(ctx, s.name, begin, nchunks, nchunks)
	if err != nil {
		return 0, err
	}
	if len(hashes) == 0 {
		return 0, nil
	}

	stageSize := int64(len(hashes)) * cs
	direct := offset%cs == 0 && int64(len(buf)) == stageSize
	staging := buf
	if !direct {
		staging = make([]byte, stageSize)
	}

	items := make([]dataserver.ChunkHash, len(hashes))
	for i, h := range hashes {
		items[i] = dataserver.ChunkHash{Chunk: begin + int64(i), Hash: h}
	}
	results, err := s.p.Scheduler.GetMany(ctx, e.Layout, items)
	if err != nil {
		return 0, err
	}
	for i := range hashes {
		c := begin + int64(i)
		r, ok := results[c]
		if !ok {
			continue // no result for this chunk: treat as zero-filled, staging is already zero
		}
		if r.Err != nil {
			if errs.KindOf(r.Err) != errs.NotFound {
				return 0, r.Err
			}
			continue // -ENOENT on GET: zero-filled per §4.5/§4.6.1 step 5
		}
		copy(staging[int64(i)*cs:], r.Body)
	}

	n := len(buf)
	if !direct {
		part1 := offset % cs
		avail := stageSize - part1
		if int64(n) > avail {
			n = int(avail)
		}
		copy(buf[:n], staging[part1:part1+int64(n)])
	}

	if remain := s.knownSize(e) - offset; remain < int64(n) {
		if remain < 0 {
			remain = 0
		}
		n = int(remain)
	}
	return n, nil
}

// padHashes extends hashes to exactly n entries with zero hashes, used when
// a write touches chunks past the file's current end (new content).
func padHashes(hashes []chunk.Hash, n int64) []chunk.Hash {
	if int64(len(hashes)) >= n {
		return hashes[:n]
	}
	out := make([]chunk.Hash, n)
	copy(out, hashes)
	return out
}

// computeNewHashes implements §4.6.2 step 3: the aligned fast path hashes
// CHUNK-sized slices of buf directly; otherwise it stages into an
// nchunks*CHUNK overall buffer, re-fetching misaligned edge chunks that
// already have content, and hashes only the live suffix of a tail chunk
// that extends past the file's current end.
func (s *Session) computeNewHashes(ctx context.Context, layout mapper.Layout, begin, end, nchunks int64, oldHashes []chunk.Hash, offset int64, buf []byte, fileSize int64) ([]chunk.Hash, [][]byte, error) {
	cs := chunk.Size()
	aligned := offset%cs == 0 && int64(len(buf))%cs == 0 && int64(len(buf)) == nchunks*cs

	newHashes := make([]chunk.Hash, nchunks)
	bodies := make([][]byte, nchunks)

	if aligned {
		for i := int64(0); i < nchunks; i++ {
			body := buf[i*cs : (i+1)*cs]
			newHashes[i] = chunk.Sum(body)
			bodies[i] = body
		}
		return newHashes, bodies, nil
	}

	overall := make([]byte, nchunks*cs)

	var needFetch []dataserver.ChunkHash
	var fetchIdx []int64
	for i := int64(0); i < nchunks; i++ {
		c := begin + i
		if (c == begin || c == end) && !oldHashes[i].IsZero() {
			needFetch = append(needFetch, dataserver.ChunkHash{Chunk: c, Hash: oldHashes[i]})
			fetchIdx = append(fetchIdx, i)
		}
	}
	if len(needFetch) > 0 {
		fetched, err := s.p.Scheduler.GetMany(ctx, layout, needFetch)
		if err != nil {
			return nil, nil, err
		}
		for _, i := range fetchIdx {
			c := begin + i
			if r, ok := fetched[c]; ok && r.Err == nil {
				copy(overall[i*cs:], r.Body)
			}
			// a NotFound or absent result leaves that slot zero-filled.
		}
	}

	part1 := offset - chunk.OffsetOf(begin)
	copy(overall[part1:], buf)

	liveLen := int64(len(overall))
	if newEnd := offset + int64(len(buf)); newEnd > fileSize && newEnd-chunk.OffsetOf(begin) < liveLen {
		liveLen = newEnd - chunk.OffsetOf(begin)
	}

	for i := int64(0); i < nchunks; i++ {
		lo, hi := i*cs, i*cs+cs
		if hi > liveLen {
			hi = liveLen
		}
		if hi < lo {
			hi = lo
		}
		body := overall[lo:hi]
		newHashes[i] = chunk.Sum(body)
		bodies[i] = body
	}
	return newHashes, bodies, nil
}

// Write implements §4.6.2, including the commit race-retry loop of
// outcome B, bounded by the active policy's ForceCommit/MaxRetries.
func (s *Session) Write(ctx context.Context, offset int64, buf []byte) (int, error) {
	if len(buf) == 0 || offset < 0 {
		return 0, nil
	}

	if s.pol.Name() == "immutable" {
		s.mu.Lock()
		already := s.wrote
		s.wrote = true
		s.mu.Unlock()
		if already {
			return 0, policy.ErrWriteAfterCreate
		}
	}

	e, err := s.entry()
	if err != nil {
		return 0, err
	}
	begin, end := chunk.Range(offset, int64(len(buf)))
	nchunks := chunk.Count(begin, end)

	oldHashes, err := s.p.Cache.GetHashes(ctx, s.name, begin, nchunks, 0)
	if err != nil {
		return 0, err
	}
	oldHashes = padHashes(oldHashes, nchunks)

	sem := s.pol.Semantics()
	retries := 0
	for {
		fileSize := s.knownSize(e)
		newHashes, bodies, err := s.computeNewHashes(ctx, e.Layout, begin, end, nchunks, oldHashes, offset, buf, fileSize)
		if err != nil {
			return 0, err
		}

		putReq := make([]dataserver.ChunkBody, nchunks)
		for i := int64(0); i < nchunks; i++ {
			putReq[i] = dataserver.ChunkBody{Chunk: begin + i, Hash: newHashes[i], Body: bodies[i]}
		}
		putResults, err := s.p.Scheduler.PutMany(ctx, e.Layout, putReq)
		if err != nil {
			return 0, err
		}
		for _, r := range putResults {
			if r.Err != nil {
				return 0, r.Err
			}
		}

		newFileSize := offset + int64(len(buf))
		if fileSize > newFileSize {
			newFileSize = fileSize
		}

		commitOld, commitNew := oldHashes, newHashes
		if sem.DelayCommit {
			if setter, ok := s.pol.(pendingFlushSetter); ok {
				setter.SetPendingFlush(s.name, func() error {
					_, err := s.commit(ctx, begin, newFileSize, commitOld, commitNew)
					return err
				})
				return len(buf), nil
			}
		}

		ack, err := s.commit(ctx, begin, newFileSize, commitOld, commitNew)
		if err == nil {
			return len(buf), nil
		}
		if errs.KindOf(err) != errs.AgainRace {
			return 0, err
		}

		// Outcome B: fold the manager's current hashes into our working set
		// and recompute new hashes against them (§4.6.2 step 3) next time
		// around the loop.
		oldHashes = padHashes(ack.CurrentHashes, nchunks)
		s.p.Cache.PutHashes(s.name, begin, oldHashes)

		retries++
		if !sem.ForceCommit {
			return 0, err
		}
		if max := s.pol.MaxRetries(); max > 0 && retries >= max {
			return 0, err
		}
	}
}

// commit issues the WCOMMIT and, on success, folds the new hashes and size
// into the cache (§4.6.2 outcome A). On a race (errs.AgainRace) the
// returned ack carries the manager's current hashes for the caller to fold
// into its next attempt's old_hashes.
func (s *Session) commit(ctx context.Context, begin, newSize int64, oldHashes, newHashes []chunk.Hash) (wire.WcommitAck, error) {
	ack, err := s.p.Manager.Wcommit(ctx, s.uid, s.gid, wire.WcommitRequest{
		Handle: s.handle, BeginChunk: begin, NewSize: newSize,
		OldHashes: oldHashes, NewHashes: newHashes,
	})
	if err != nil {
		return ack, err
	}
	s.p.Cache.PutHashes(s.name, begin, newHashes)
	s.p.Cache.SetFileSize(s.name, newSize)
	return ack, nil
}

// Truncate implements the manager-side TRUNCATE and drops any cached
// hashes for chunks the shrink removes, since they no longer name this
// file's content once the manager's hash list over that tail is cleared.
func (s *Session) Truncate(ctx context.Context, size int64) error {
	if err := s.p.Manager.Truncate(ctx, s.uid, s.gid, s.handle, size); err != nil {
		return err
	}
	s.p.Cache.SetFileSize(s.name, size)

	keepChunks := int64(0)
	if size > 0 {
		keepChunks = chunk.IndexOf(size-1) + 1
	}
	s.p.Cache.InvalidateFrom(s.name, keepChunks)
	return nil
}
