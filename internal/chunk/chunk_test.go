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

package chunk_test

import (
	"testing"

	"github.com/capfs-io/capfs/internal/chunk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetSizeRejectsNonPowerOfTwo(t *testing.T) {
	defer func() { require.NoError(t, chunk.SetSize(chunk.DefaultSize)) }()

	assert.Error(t, chunk.SetSize(0))
	assert.Error(t, chunk.SetSize(-16384))
	assert.Error(t, chunk.SetSize(17000))
	assert.NoError(t, chunk.SetSize(16384))
	assert.Equal(t, int64(16384), chunk.Size())
}

func TestRange(t *testing.T) {
	require.NoError(t, chunk.SetSize(16384))
	defer func() { require.NoError(t, chunk.SetSize(chunk.DefaultSize)) }()

	cases := []struct {
		name        string
		offset, n   int64
		begin, end  int64
	}{
		{"aligned single chunk", 0, 16384, 0, 0},
		{"spans five chunks", 8192, 65536, 0, 4},
		{"starts mid chunk", 16385, 1, 1, 1},
		{"tail byte of chunk", 16383, 1, 0, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			begin, end := chunk.Range(tc.offset, tc.n)
			assert.Equal(t, tc.begin, begin)
			assert.Equal(t, tc.end, end)
			assert.Equal(t, tc.end-tc.begin+1, chunk.Count(begin, end))
		})
	}
}

func TestSumHashesExactBytes(t *testing.T) {
	a := chunk.Sum([]byte("hello"))
	b := chunk.Sum([]byte("hello"))
	c := chunk.Sum([]byte("hello "))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.False(t, a.IsZero())
	assert.True(t, chunk.Hash{}.IsZero())
}

func TestOffsetOfRoundTrips(t *testing.T) {
	require.NoError(t, chunk.SetSize(16384))
	defer func() { require.NoError(t, chunk.SetSize(chunk.DefaultSize)) }()

	for c := int64(0); c < 10; c++ {
		assert.Equal(t, c, chunk.IndexOf(chunk.OffsetOf(c)))
	}
}
