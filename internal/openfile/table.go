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

// Package openfile tracks the daemon's open-file list (§4.8): one entry per
// handle the manager has granted, carrying the striping layout needed to
// drive C7 without a GETHASHES round trip on every operation, plus the
// bookkeeping the idle sweep and the ENFILE/EMFILE forced sweep need.
//
// The two sweeps are grounded directly in original_source/client/capfs_v1_xfer.c:
// capfs_comm_idle (a "two strikes and you're out" pass: first call marks
// every entry, a later call removes whatever is still marked and hasn't
// been touched since) and close_some_files (an oldest-first forced close
// triggered by ENFILE/EMFILE, here bucketed into 5-second aging bands so
// that entries used within the same band are treated as equally old rather
// than needing a strict total order).
package openfile

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/capfs-io/capfs/clock"
	"github.com/capfs-io/capfs/internal/mapper"
	"github.com/capfs-io/capfs/internal/wire"
)

// AgingBand is the width of a close_some_files aging bucket (§4.8).
const AgingBand = 5 * time.Second

// Entry is one open file's daemon-side record.
type Entry struct {
	Handle wire.Handle
	Name   string
	Meta   wire.FileMeta
	Layout mapper.Layout

	lastUsed time.Time
	marked   bool
}

// Table is the daemon's open-file list, keyed by manager handle. It is safe
// for concurrent use by the daemon's worker pool (§4.8: "workers serve
// requests concurrently").
type Table struct {
	clk clock.Clock

	mu      sync.Mutex
	entries map[wire.Handle]*Entry
	byName  map[string]wire.Handle
}

// New creates an empty open-file table. clk lets tests drive the idle sweep
// deterministically with clock.FakeClock/SimulatedClock instead of sleeping.
func New(clk clock.Clock) *Table {
	return &Table{clk: clk, entries: make(map[wire.Handle]*Entry), byName: make(map[string]wire.Handle)}
}

// Open records a newly opened file, replacing any stale entry under the
// same handle (the manager is the source of truth for handle reuse).
func (t *Table) Open(handle wire.Handle, name string, meta wire.FileMeta) *Entry {
	layout := mapper.Layout{StripeSize: meta.Blksize, ServerCount: int32(meta.Blocks), Base: meta.Base}

	t.mu.Lock()
	defer t.mu.Unlock()

	e := &Entry{Handle: handle, Name: name, Meta: meta, Layout: layout, lastUsed: t.clk.Now()}
	t.entries[handle] = e
	t.byName[name] = handle
	return e
}

// Resolve returns the handle currently open under name, used by C7's hash
// cache fetcher adapter to turn a cache miss (keyed by file name) back into
// a manager GETHASHES call (keyed by handle).
func (t *Table) Resolve(name string) (wire.Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.byName[name]
	return h, ok
}

// Get returns the entry for handle, touching it (clearing its idle mark and
// refreshing its last-used time) as a side effect of use.
func (t *Table) Get(handle wire.Handle) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[handle]
	if !ok {
		return nil, false
	}
	e.lastUsed = t.clk.Now()
	e.marked = false
	cp := *e
	return &cp, true
}

// Touch refreshes handle's last-used time and clears its idle mark without
// fetching the full entry.
func (t *Table) Touch(handle wire.Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[handle]; ok {
		e.lastUsed = t.clk.Now()
		e.marked = false
	}
}

// Close removes and returns handle's entry, for example on a CLOSE upcall.
func (t *Table) Close(handle wire.Handle) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[handle]
	if !ok {
		return nil, false
	}
	t.removeLocked(handle)
	cp := *e
	return &cp, true
}

// removeLocked deletes handle from both indices. Must be called with t.mu held.
func (t *Table) removeLocked(handle wire.Handle) {
	e, ok := t.entries[handle]
	if !ok {
		return
	}
	delete(t.entries, handle)
	if t.byName[e.Name] == handle {
		delete(t.byName, e.Name)
	}
}

// Len reports how many files are currently open.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// IdleSweep implements the two-strike idle sweep driven by the daemon's
// 30-second device-read timeout (§4.8). The first sweep after a file is
// touched only marks it; a second consecutive sweep with no intervening
// Get/Touch removes it and the removed entry is returned so the caller can
// tear down the file's manager/data-server state.
func (t *Table) IdleSweep() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var closed []Entry
	for h, e := range t.entries {
		if e.marked {
			closed = append(closed, *e)
			t.removeLocked(h)
			continue
		}
		e.marked = true
	}
	sort.Slice(closed, func(i, j int) bool { return closed[i].Handle < closed[j].Handle })
	return closed
}

// CloseSome forces up to n files closed under ENFILE/EMFILE backpressure
// (§4.8), oldest-first, grouping last-used times into AgingBand-wide
// buckets so files touched within the same window are treated as equally
// old rather than imposing an arbitrary tiebreak between them.
func (t *Table) CloseSome(n int) []Entry {
	if n <= 0 {
		return nil
	}

	t.mu.Lock()
	all := make([]*Entry, 0, len(t.entries))
	for _, e := range t.entries {
		all = append(all, e)
	}
	t.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		bi := all[i].lastUsed.Truncate(AgingBand)
		bj := all[j].lastUsed.Truncate(AgingBand)
		if !bi.Equal(bj) {
			return bi.Before(bj)
		}
		return all[i].Handle < all[j].Handle
	})

	if n > len(all) {
		n = len(all)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	closed := make([]Entry, 0, n)
	for _, e := range all[:n] {
		if cur, ok := t.entries[e.Handle]; ok && cur == e {
			closed = append(closed, *e)
			t.removeLocked(e.Handle)
		}
	}
	return closed
}

// String is for log lines (§AMBIENT STACK: log/slog value formatting).
func (e Entry) String() string {
	return fmt.Sprintf("openfile{handle=%d name=%q size=%d}", e.Handle, e.Name, e.Meta.Size)
}
