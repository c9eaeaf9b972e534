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

import "fmt"

// ValidateConfig returns a non-nil error if the config is unfit to start a
// daemon or mount with, the way the teacher's ValidateConfig runs once
// after viper.Unmarshal and before the command actually does anything.
func ValidateConfig(c *Config) error {
	if c.Daemon.Threads <= 0 {
		return fmt.Errorf("daemon.threads must be positive, got %d", c.Daemon.Threads)
	}
	if c.Cache.ChunkSize <= 0 {
		return fmt.Errorf("cache.chunk-size must be positive, got %d", c.Cache.ChunkSize)
	}
	if c.Cache.BucketCount <= 0 {
		return fmt.Errorf("cache.bucket-count must be positive, got %d", c.Cache.BucketCount)
	}
	if c.Mount.Host != "" && c.Mount.MetadataDir == "" {
		return fmt.Errorf("metadata directory to mount not in host:dir format")
	}
	return nil
}
