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

// Package roundrobinslice cycles through a fixed set of items in order,
// wrapping around forever. The transport layer (C1) uses it to spread
// pooled connections for a single data server address across requests.
package roundrobinslice

import "sync"

// RoundRobinSlice hands out items from a fixed slice in round-robin order.
// The zero value is not usable; construct with New.
type RoundRobinSlice[T any] struct {
	mu    sync.Mutex
	items []T
	next  int
}

// New returns a RoundRobinSlice over items. The slice is copied, so later
// mutation of the caller's slice has no effect. A nil or empty items yields
// a RoundRobinSlice whose Get always reports ok=false.
func New[T any](items []T) *RoundRobinSlice[T] {
	cp := make([]T, len(items))
	copy(cp, items)
	return &RoundRobinSlice[T]{items: cp}
}

// Get returns the next item in round-robin order. ok is false if the
// RoundRobinSlice holds no items, in which case the zero value of T is
// returned.
func (r *RoundRobinSlice[T]) Get() (v T, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.items) == 0 {
		return v, false
	}

	v = r.items[r.next]
	r.next = (r.next + 1) % len(r.items)
	return v, true
}
