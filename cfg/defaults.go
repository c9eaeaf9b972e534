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

// DefaultMountConfig mirrors mount.capfs.c's parse_args defaults: rw, tcp,
// posix consistency, both caches off.
func DefaultMountConfig() MountConfig {
	return MountConfig{
		AccessMode:  ReadWrite,
		Transport:   TCP,
		Consistency: PolicyPosix,
	}
}

// DefaultDaemonConfig mirrors capfsd.c's defaults before getopt runs.
func DefaultDaemonConfig() DaemonConfig {
	return DaemonConfig{
		Threads: DefaultDaemonThreads,
	}
}

// DefaultCacheConfig mirrors capfsd.c's CAPFS_CHUNK_SIZE / CAPFS_HCACHE_COUNT
// literals, used before CMGR_CHUNK_SIZE / CMGR_BCOUNT are read from the
// environment.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		BucketCount: DefaultBucketCount,
		ChunkSize:   DefaultChunkSize,
	}
}

// DefaultLoggingConfig returns the configuration used before any config
// file or flag has been parsed, the way the teacher's
// GetDefaultLoggingConfig does.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{Severity: InfoLogSeverity}
}

// DefaultConfig assembles every section's defaults.
func DefaultConfig() Config {
	return Config{
		Mount:   DefaultMountConfig(),
		Daemon:  DefaultDaemonConfig(),
		Cache:   DefaultCacheConfig(),
		Logging: DefaultLoggingConfig(),
	}
}
