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

// Package policy implements the consistency-policy plug-ins (C4, §4.4):
// named strategies that tune how aggressively the write pipeline retries a
// commit race, whether the hash cache needs manager callbacks to stay
// coherent, and whether commits are batched until close.
package policy

import "github.com/capfs-io/capfs/internal/chunk"

// Semantics are the three booleans every policy reports (§4.4).
type Semantics struct {
	// ForceCommit: the write pipeline must retry a WCOMMIT race until it
	// succeeds (§4.6.2 outcome B), rather than surfacing EAGAIN to the
	// caller after one attempt.
	ForceCommit bool

	// HCacheCoherence: the hash cache requires manager callbacks (C9) to
	// invalidate stale entries; without it, readers may observe
	// recently-committed-elsewhere content as stale until their own next
	// miss.
	HCacheCoherence bool

	// DelayCommit: commits are batched and issued at close instead of at
	// every WRITE.
	DelayCommit bool
}

// PreOpenHint is what pre_open returns: a pre-sized buffer hint for the
// hash-list prefix the open response may deliver, and how many entries to
// request.
type PreOpenHint struct {
	HashCount int64
}

// Policy is a named consistency plug-in (§4.4). Registry.Lookup builds a new
// instance on every call; per-file state a policy needs (e.g. the
// transactional policy's deferred commit) is kept in that instance, keyed by
// file name, and consumed by Close.
type Policy interface {
	// Name is the stable identifier used in the `cons=<name>` mount option
	// and negotiated with the manager at mount time.
	Name() string

	// Semantics reports the three policy-wide booleans.
	Semantics() Semantics

	// MaxRetries bounds the WCOMMIT race-retry loop under ForceCommit=true
	// (§9 Open Question (a)): 0 means unbounded.
	MaxRetries() int

	// PreOpen is consulted before issuing OPEN, to size the hash-prefetch
	// request.
	PreOpen(name string) PreOpenHint

	// PostOpen is invoked after OPEN completes; ok is false if OPEN failed
	// and any reserved state should be released.
	PostOpen(name string, hashes []chunk.Hash, ok bool)

	// Close runs a pre-close flush — under DelayCommit, this is where a
	// batched commit is actually issued.
	Close(name string) error

	// Sync responds to FSYNC_OP. Data servers never persist asynchronously
	// in this design (§9 Open Question (b)), so Sync's only job is to let a
	// policy force any deferred commit through.
	Sync(name string) error
}

// Registry resolves policy names to implementations, as negotiated with
// the manager at mount time (§4.4: "an integer identifier assigned at
// mount by the manager's response to the mount-time lookup").
type Registry struct {
	policies map[string]func() Policy
}

// NewRegistry returns a Registry pre-populated with the five named
// policies from §4.4.
func NewRegistry() *Registry {
	r := &Registry{policies: make(map[string]func() Policy)}
	r.Register("posix", func() Policy { return &posixPolicy{} })
	r.Register("session", func() Policy { return &sessionPolicy{} })
	r.Register("immutable", func() Policy { return &immutablePolicy{} })
	r.Register("transactional", func() Policy { return &transactionalPolicy{} })
	r.Register("pvfs-like", func() Policy { return &pvfsLikePolicy{} })
	return r
}

// Register adds or replaces a named policy constructor.
func (r *Registry) Register(name string, ctor func() Policy) {
	r.policies[name] = ctor
}

// Lookup returns the named policy, or the default ("posix") if name is
// unknown or empty, per §4.4 ("Default (no match): posix").
func (r *Registry) Lookup(name string) Policy {
	if ctor, ok := r.policies[name]; ok {
		return ctor()
	}
	return r.policies["posix"]()
}

// Names returns every registered policy name.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.policies))
	for name := range r.policies {
		names = append(names, name)
	}
	return names
}
