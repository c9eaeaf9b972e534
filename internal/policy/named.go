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

package policy

import (
	"fmt"
	"sync"

	"github.com/capfs-io/capfs/internal/chunk"
)

// defaultPrefetchHashes is the "prefetch-generous value" §4.3 describes for
// the cache's miss path, reused here as the default OPEN-time prefetch.
const defaultPrefetchHashes = 64

// posixPolicy retries commit races until they succeed and requires strict
// hash-cache coherence via manager callbacks (§4.4).
type posixPolicy struct{}

func (posixPolicy) Name() string { return "posix" }
func (posixPolicy) Semantics() Semantics {
	return Semantics{ForceCommit: true, HCacheCoherence: true, DelayCommit: false}
}
func (posixPolicy) MaxRetries() int                                        { return 0 }
func (posixPolicy) PreOpen(string) PreOpenHint                             { return PreOpenHint{HashCount: defaultPrefetchHashes} }
func (posixPolicy) PostOpen(string, []chunk.Hash, bool)                    {}
func (posixPolicy) Close(string) error                                     { return nil }
func (posixPolicy) Sync(string) error                                      { return nil }

// sessionPolicy only guarantees hash-cache coherence is re-established by
// the time a file is closed, not continuously; writes still retry races.
type sessionPolicy struct{}

func (sessionPolicy) Name() string { return "session" }
func (sessionPolicy) Semantics() Semantics {
	return Semantics{ForceCommit: true, HCacheCoherence: false, DelayCommit: false}
}
func (sessionPolicy) MaxRetries() int                     { return 0 }
func (sessionPolicy) PreOpen(string) PreOpenHint          { return PreOpenHint{HashCount: defaultPrefetchHashes} }
func (sessionPolicy) PostOpen(string, []chunk.Hash, bool) {}
func (p sessionPolicy) Close(name string) error {
	// Close has nothing to flush. No caller clears the hash cache when a
	// session-policy file closes, so its cached entries stay in use after
	// close.
	return nil
}
func (sessionPolicy) Sync(string) error { return nil }

// immutablePolicy rejects writes after create; its Semantics are
// academic since the pipeline should reject WRITE before ever reaching a
// commit, but force_commit=false keeps a stray write from retrying forever.
type immutablePolicy struct{}

func (immutablePolicy) Name() string { return "immutable" }
func (immutablePolicy) Semantics() Semantics {
	return Semantics{ForceCommit: false, HCacheCoherence: true, DelayCommit: false}
}
func (immutablePolicy) MaxRetries() int                     { return 0 }
func (immutablePolicy) PreOpen(string) PreOpenHint          { return PreOpenHint{HashCount: defaultPrefetchHashes} }
func (immutablePolicy) PostOpen(string, []chunk.Hash, bool) {}
func (immutablePolicy) Close(string) error                  { return nil }
func (immutablePolicy) Sync(string) error                   { return nil }

// ErrWriteAfterCreate is the error the pipeline returns for every WRITE after
// the first one on a session opened under the immutable policy.
var ErrWriteAfterCreate = fmt.Errorf("policy: immutable: write not permitted after create")

// transactionalPolicy batches commits until close and applies them
// atomically with respect to the rest of the open.
type transactionalPolicy struct {
	mu      sync.Mutex
	pending map[string]func() error
}

func (transactionalPolicy) Name() string { return "transactional" }
func (transactionalPolicy) Semantics() Semantics {
	return Semantics{ForceCommit: true, HCacheCoherence: true, DelayCommit: true}
}
func (transactionalPolicy) MaxRetries() int            { return 0 }
func (transactionalPolicy) PreOpen(string) PreOpenHint { return PreOpenHint{HashCount: defaultPrefetchHashes} }
func (transactionalPolicy) PostOpen(string, []chunk.Hash, bool) {}

// Close flushes any commit the pipeline deferred while DelayCommit was in
// effect. The pipeline registers the deferred flush via SetPendingFlush
// before returning from a delayed WRITE; Close invokes and clears it.
func (p *transactionalPolicy) Close(name string) error {
	p.mu.Lock()
	flush := p.pending[name]
	delete(p.pending, name)
	p.mu.Unlock()

	if flush == nil {
		return nil
	}
	return flush()
}

func (transactionalPolicy) Sync(string) error { return nil }

// SetPendingFlush registers the commit the pipeline would issue at close
// for name, used by DelayCommit policies. Safe to call from multiple
// in-flight writes; the last registration before Close wins, matching
// "atomic per open" (§4.4).
func (p *transactionalPolicy) SetPendingFlush(name string, flush func() error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		p.pending = make(map[string]func() error)
	}
	p.pending[name] = flush
}

// pvfsLikePolicy disables hash-cache coherence and does not retry commit
// races: the caller observes the conflicting commit via the returned
// EAGAIN-kind error instead (§4.4).
type pvfsLikePolicy struct{}

func (pvfsLikePolicy) Name() string { return "pvfs-like" }
func (pvfsLikePolicy) Semantics() Semantics {
	return Semantics{ForceCommit: false, HCacheCoherence: false, DelayCommit: false}
}
func (pvfsLikePolicy) MaxRetries() int                     { return 0 }
func (pvfsLikePolicy) PreOpen(string) PreOpenHint          { return PreOpenHint{HashCount: defaultPrefetchHashes} }
func (pvfsLikePolicy) PostOpen(string, []chunk.Hash, bool) {}
func (pvfsLikePolicy) Close(string) error                  { return nil }
func (pvfsLikePolicy) Sync(string) error                   { return nil }
