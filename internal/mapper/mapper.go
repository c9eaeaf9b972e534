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

// Package mapper implements the chunk-to-server mapping (C2, §4.2): given a
// file's physical layout (stripe size, server count, base server), it maps
// a chunk index to the data server that owns it.
package mapper

import (
	"fmt"

	"github.com/capfs-io/capfs/internal/chunk"
)

// Layout is a file's physical striping, as returned by the manager on OPEN
// (§3 "Physical layout").
type Layout struct {
	// StripeSize is S: a contiguous byte span, must be a positive multiple
	// of CHUNK.
	StripeSize int64

	// ServerCount is N: the number of data servers the file is striped
	// across. Must be positive.
	ServerCount int32

	// Base is b: the first server in the striping order.
	Base int32
}

// Validate checks the invariants from §4.2: S must be a positive multiple
// of CHUNK, N must be positive.
func (l Layout) Validate() error {
	if l.StripeSize <= 0 || l.StripeSize%chunk.Size() != 0 {
		return fmt.Errorf("mapper: stripe size %d is not a positive multiple of chunk size %d", l.StripeSize, chunk.Size())
	}
	if l.ServerCount <= 0 {
		return fmt.Errorf("mapper: server count %d must be positive", l.ServerCount)
	}
	return nil
}

// chunksPerStripeUnit is how many chunks make up one stripe unit on a
// single server before striping advances to the next server.
func (l Layout) chunksPerStripeUnit() int64 {
	return l.StripeSize / chunk.Size()
}

// Global returns the global server index b + ⌊c·CHUNK/S⌋ for chunk c,
// without wrapping into [0, N).
func (l Layout) Global(c int64) int64 {
	return int64(l.Base) + c/l.chunksPerStripeUnit()
}

// Server returns the normalized server index (b + ⌊c·CHUNK/S⌋) mod N that
// owns chunk c. When N == 1 this short-circuits to 0, as required by §4.2's
// edge case (avoiding a mod-by-something-that-could-be-mis-signed path).
func (l Layout) Server(c int64) int32 {
	if l.ServerCount == 1 {
		return 0
	}

	g := l.Global(c)
	n := int64(l.ServerCount)
	m := g % n
	if m < 0 {
		m += n
	}
	return int32(m)
}

// GroupByServer partitions a set of chunk indices by the server that owns
// each one, preserving the relative order of chunks within each server's
// bucket. It is the entry point C5 uses to fan work out per server.
func GroupByServer(l Layout, chunks []int64) map[int32][]int64 {
	groups := make(map[int32][]int64)
	for _, c := range chunks {
		s := l.Server(c)
		groups[s] = append(groups[s], c)
	}
	return groups
}
