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

package cfg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMountOptions(t *testing.T) {
	testCases := []struct {
		name     string
		raw      string
		expected MountConfig
	}{
		{
			name:     "empty string keeps defaults",
			raw:      "",
			expected: DefaultMountConfig(),
		},
		{
			name: "ro, intr, udp, both caches, named policy",
			raw:  "ro,intr,udp,hcache,dcache,cons=session",
			expected: MountConfig{
				AccessMode: ReadOnly, Interruptible: true, Transport: UDP,
				HCache: true, DCache: true, Consistency: PolicySession,
			},
		},
		{
			name: "later rw/tcp override earlier ro/udp, matching strtok's left-to-right apply order",
			raw:  "ro,udp,rw,tcp",
			expected: MountConfig{
				AccessMode: ReadWrite, Transport: TCP, Consistency: PolicyPosix,
			},
		},
		{
			name: "whitespace around tokens is tolerated",
			raw:  " rw , intr ",
			expected: MountConfig{
				AccessMode: ReadWrite, Interruptible: true, Transport: TCP, Consistency: PolicyPosix,
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseMountOptions(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, got)
		})
	}
}

func TestParseMountOptionsRejectsUnknownOption(t *testing.T) {
	_, err := ParseMountOptions("rw,bogus")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}

func TestParseMountOptionsRejectsUnknownConsistencyPolicy(t *testing.T) {
	_, err := ParseMountOptions("cons=nonexistent")
	require.Error(t, err)
}

func TestParseHostDir(t *testing.T) {
	host, dir, err := ParseHostDir("mgr1:/export/capfs")
	require.NoError(t, err)
	assert.Equal(t, "mgr1", host)
	assert.Equal(t, "/export/capfs", dir)
}

func TestParseHostDirRejectsMissingColon(t *testing.T) {
	_, _, err := ParseHostDir("no-colon-here")
	require.Error(t, err)
}
