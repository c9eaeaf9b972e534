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

// Package daemon implements the upcall/downcall queue and daemon loop (C8,
// §4.8): a fixed-size worker pool servicing a kernel-originated stream of
// upcalls, retrying transient failures, and sweeping idle or excess open
// files under backpressure.
package daemon

import (
	"context"
	"io"

	"github.com/capfs-io/capfs/internal/wire"
)

// Device is the daemon's kernel-facing endpoint (§4.8's "device-like
// endpoint"): full-duplex, message-framed, one upcall in for every downcall
// out except the HINT_OPEN/HINT_CLOSE short-circuit. The real kernel VFS
// module that writes upcalls to it is explicitly out of scope (§1); Device
// is the seam a future glue layer implements.
type Device interface {
	// ReadUpcall blocks for the next upcall, honoring ctx's deadline as the
	// daemon's 30-second idle-read timeout (§4.8).
	ReadUpcall(ctx context.Context) (wire.UpcallHeader, wire.UpcallBody, error)

	// WriteDowncall delivers one reply. Not called at all for the
	// HINT_OPEN/HINT_CLOSE upcalls (§4.8's "one shot hint").
	WriteDowncall(ctx context.Context, hdr wire.DowncallHeader, body wire.DowncallBody) error
}

// ConnDevice implements Device over a full-duplex byte stream using
// internal/wire's upcall/downcall framing — the shape a real kernel glue
// layer or an integration test drives this daemon through.
type ConnDevice struct {
	rw io.ReadWriter
}

// NewConnDevice wraps rw as a Device.
func NewConnDevice(rw io.ReadWriter) *ConnDevice {
	return &ConnDevice{rw: rw}
}

// ReadUpcall ignores ctx's deadline for the read itself (a plain
// io.ReadWriter has no deadline hook); callers needing a true idle timeout
// over a real socket should wrap rw in a type implementing
// net.Conn.SetReadDeadline and apply ctx's deadline there before calling
// ReadUpcall. FakeDevice (tests) and a future real glue layer apply this
// directly.
func (d *ConnDevice) ReadUpcall(_ context.Context) (wire.UpcallHeader, wire.UpcallBody, error) {
	hdr, err := wire.ReadUpcallHeader(d.rw)
	if err != nil {
		return hdr, wire.UpcallBody{}, err
	}
	raw := make([]byte, hdr.Dsize)
	if hdr.Dsize > 0 {
		if _, err := io.ReadFull(d.rw, raw); err != nil {
			return hdr, wire.UpcallBody{}, err
		}
	}
	body, err := wire.UnmarshalUpcallBody(raw)
	return hdr, body, err
}

// WriteDowncall writes one downcall frame.
func (d *ConnDevice) WriteDowncall(_ context.Context, hdr wire.DowncallHeader, body wire.DowncallBody) error {
	raw, err := body.Marshal()
	if err != nil {
		return err
	}
	return wire.WriteDowncall(d.rw, hdr, raw)
}
