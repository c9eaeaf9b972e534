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
)

func TestValidateConfig(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "zero threads is invalid", mutate: func(c *Config) { c.Daemon.Threads = 0 }, wantErr: true},
		{name: "negative chunk size is invalid", mutate: func(c *Config) { c.Cache.ChunkSize = -1 }, wantErr: true},
		{name: "zero bucket count is invalid", mutate: func(c *Config) { c.Cache.BucketCount = 0 }, wantErr: true},
		{
			name:    "host without metadata dir is invalid",
			mutate:  func(c *Config) { c.Mount.Host = "mgr1" },
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := DefaultConfig()
			tc.mutate(&c)
			err := ValidateConfig(&c)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
