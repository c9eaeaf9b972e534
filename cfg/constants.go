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

// Literal numbers grounded in original_source/client/capfsd.c
// (CAPFSD_NUM_THREADS, CAPFS_CHUNK_SIZE, CAPFS_HCACHE_COUNT) and §6.4's
// environment-variable names.
const (
	DefaultDaemonThreads = 5
	DefaultChunkSize     = 64 * 1024
	DefaultBucketCount   = 1024

	// DefaultManagerPort is dialed when a mount's host argument names no
	// port of its own. The original protocol registered its manager
	// program with portmapper/rpcbind at an address negotiated per host;
	// this module dials a fixed TCP/UDP port instead, since it has no
	// portmapper client in its transport layer.
	DefaultManagerPort = 7000

	// Environment variables read the way capfsd.c setenv()s them for the
	// hash-cache layer, and the way §6.4 names CAPFSTAB_FILE.
	EnvFstabFile = "CAPFSTAB_FILE"
	EnvBCount    = "CMGR_BCOUNT"
	EnvChunkSize = "CMGR_CHUNK_SIZE"
)
