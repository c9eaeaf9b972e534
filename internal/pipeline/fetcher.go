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

package pipeline

import (
	"context"
	"fmt"

	"github.com/capfs-io/capfs/internal/chunk"
	"github.com/capfs-io/capfs/internal/manager"
	"github.com/capfs-io/capfs/internal/openfile"
)

// managerFetcher adapts the manager client to hashcache.Fetcher, which is
// keyed by file name (one Cache is shared daemon-wide across every open
// file) while the manager's GETHASHES is keyed by handle. The open-file
// table's name index bridges the two.
type managerFetcher struct {
	mgr   *manager.Client
	files *openfile.Table
}

func newManagerFetcher(mgr *manager.Client, files *openfile.Table) *managerFetcher {
	return &managerFetcher{mgr: mgr, files: files}
}

func (f *managerFetcher) FetchHashes(ctx context.Context, file string, begin, nchunks int64) ([]chunk.Hash, int64, error) {
	handle, ok := f.files.Resolve(file)
	if !ok {
		return nil, 0, fmt.Errorf("pipeline: fetch hashes for %q: no open handle", file)
	}
	return f.mgr.GetHashes(ctx, handle, begin, nchunks)
}
