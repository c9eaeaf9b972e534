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

package daemon_test

import (
	"context"

	"github.com/capfs-io/capfs/internal/daemon"
	"github.com/capfs-io/capfs/internal/wire"
)

// fakeDevice is an in-memory Device, a channel standing in for the real
// kernel device fd, so tests drive the daemon's dispatch/retry/idle-sweep
// logic without a real transport.
type fakeDevice struct {
	upcalls chan fakeUpcall
	down    chan wire.DowncallHeader
	readErr chan error // injected non-timeout errors for the retry path
}

type fakeUpcall struct {
	hdr  wire.UpcallHeader
	body wire.UpcallBody
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		upcalls: make(chan fakeUpcall, 16),
		down:    make(chan wire.DowncallHeader, 16),
		readErr: make(chan error, 16),
	}
}

func (f *fakeDevice) push(hdr wire.UpcallHeader, body wire.UpcallBody) {
	f.upcalls <- fakeUpcall{hdr: hdr, body: body}
}

func (f *fakeDevice) pushErr(err error) {
	f.readErr <- err
}

func (f *fakeDevice) ReadUpcall(ctx context.Context) (wire.UpcallHeader, wire.UpcallBody, error) {
	select {
	case u := <-f.upcalls:
		return u.hdr, u.body, nil
	case err := <-f.readErr:
		return wire.UpcallHeader{}, wire.UpcallBody{}, err
	case <-ctx.Done():
		return wire.UpcallHeader{}, wire.UpcallBody{}, ctx.Err()
	}
}

func (f *fakeDevice) WriteDowncall(_ context.Context, hdr wire.DowncallHeader, _ wire.DowncallBody) error {
	f.down <- hdr
	return nil
}

var _ daemon.Device = (*fakeDevice)(nil)
