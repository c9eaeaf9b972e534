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

package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/capfs-io/capfs/internal/chunk"
)

// CallbackMagic identifies a callback frame, the manager-to-client RPCs of
// §4.9 (grounded in meta-server/mgr.h's cb_invalidate_hashes and the
// add_callbacks/clear_callbacks registration calls — the original protocol
// does not define an explicit wire struct for these, so this frame has its
// own header: magic, op type and trailing-data size, without the manager
// header's release or uid/gid fields).
const CallbackMagic uint32 = 0x4a87cb5b

// CallbackOp is the one-byte operation tag for a manager-originated
// callback RPC (§4.9).
type CallbackOp uint8

const (
	CBInvalidateHashes CallbackOp = 0
	CBInvalidateRange  CallbackOp = 1
	CBUpdateHashes     CallbackOp = 2
)

func (op CallbackOp) String() string {
	switch op {
	case CBInvalidateHashes:
		return "INVALIDATE_HASHES"
	case CBInvalidateRange:
		return "INVALIDATE_RANGE"
	case CBUpdateHashes:
		return "UPDATE_HASHES"
	default:
		return fmt.Sprintf("cbop(%d)", op)
	}
}

// CallbackHeader is the fixed prefix of every callback request.
type CallbackHeader struct {
	Magic uint32
	Type  CallbackOp
	Pad   [3]byte
	Dsize uint64
}

// WriteCallbackRequest writes a complete callback frame.
func WriteCallbackRequest(w io.Writer, hdr CallbackHeader, body []byte) error {
	hdr.Magic = CallbackMagic
	hdr.Dsize = uint64(len(body))
	if err := writeFixed(w, hdr); err != nil {
		return fmt.Errorf("wire: write callback header: %w", err)
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return fmt.Errorf("wire: write callback body: %w", err)
		}
	}
	return nil
}

// ReadCallbackHeader reads and validates a callback header.
func ReadCallbackHeader(r io.Reader) (CallbackHeader, error) {
	var hdr CallbackHeader
	if err := readFixed(r, &hdr); err != nil {
		return hdr, fmt.Errorf("wire: read callback header: %w", err)
	}
	if hdr.Magic != CallbackMagic {
		return hdr, ProtocolError("read-callback", fmt.Errorf("bad magic %#x", hdr.Magic))
	}
	return hdr, nil
}

// CallbackAckHeader is the client's reply to a callback RPC: the manager
// only needs to know the mutation landed (callback-before-grant, §4.9)
// before it acks the racing writer/invalidator itself, so this carries no
// body, just status/errno mirroring the other ack headers in this package.
type CallbackAckHeader struct {
	Magic  uint32
	Type   CallbackOp
	Pad    [3]byte
	Status int32
	Errno  int32
}

// WriteCallbackAck writes a callback ack.
func WriteCallbackAck(w io.Writer, hdr CallbackAckHeader) error {
	hdr.Magic = CallbackMagic
	if err := writeFixed(w, hdr); err != nil {
		return fmt.Errorf("wire: write callback ack: %w", err)
	}
	return nil
}

// ReadCallbackAckHeader reads and validates a callback ack.
func ReadCallbackAckHeader(r io.Reader) (CallbackAckHeader, error) {
	var hdr CallbackAckHeader
	if err := readFixed(r, &hdr); err != nil {
		return hdr, fmt.Errorf("wire: read callback ack: %w", err)
	}
	if hdr.Magic != CallbackMagic {
		return hdr, ProtocolError("read-callback-ack", fmt.Errorf("bad magic %#x", hdr.Magic))
	}
	return hdr, nil
}

// RegisterRequest advertises this client's callback endpoint to the
// manager on first LOOKUP after mount (§4.9), carrying a generated client
// ID (google/uuid, §DOMAIN STACK) and the transport it listens on.
type RegisterRequest struct {
	ClientID  [16]byte // uuid.UUID bytes
	Transport string   // host:port the manager dials back to
}

func (r RegisterRequest) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(r.ClientID[:])
	if err := putName(&buf, r.Transport); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func UnmarshalRegisterRequest(body []byte) (RegisterRequest, error) {
	r := bytes.NewReader(body)
	var req RegisterRequest
	if _, err := io.ReadFull(r, req.ClientID[:]); err != nil {
		return req, fmt.Errorf("wire: truncated register request: %w", err)
	}
	transport, err := getName(r)
	if err != nil {
		return req, err
	}
	req.Transport = transport
	return req, nil
}

// InvalidateHashesRequest clears cached hashes for the chunks set in Bitmap
// unless Owner matches the receiving client's own ID (so a client doesn't
// invalidate its own freshly-committed entries).
type InvalidateHashesRequest struct {
	Handle Handle
	Bitmap []byte
	Owner  [16]byte
}

func (r InvalidateHashesRequest) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeFixed(&buf, struct {
		Handle    uint64
		BitmapLen int64
	}{uint64(r.Handle), int64(len(r.Bitmap))}); err != nil {
		return nil, err
	}
	buf.Write(r.Bitmap)
	buf.Write(r.Owner[:])
	return buf.Bytes(), nil
}

func UnmarshalInvalidateHashesRequest(body []byte) (InvalidateHashesRequest, error) {
	r := bytes.NewReader(body)
	var raw struct {
		Handle    uint64
		BitmapLen int64
	}
	if err := readFixed(r, &raw); err != nil {
		return InvalidateHashesRequest{}, err
	}
	bitmap := make([]byte, raw.BitmapLen)
	if _, err := io.ReadFull(r, bitmap); err != nil {
		return InvalidateHashesRequest{}, fmt.Errorf("wire: truncated bitmap: %w", err)
	}
	var owner [16]byte
	if _, err := io.ReadFull(r, owner[:]); err != nil {
		return InvalidateHashesRequest{}, fmt.Errorf("wire: truncated owner: %w", err)
	}
	return InvalidateHashesRequest{Handle: Handle(raw.Handle), Bitmap: bitmap, Owner: owner}, nil
}

// InvalidateRangeRequest clears a contiguous chunk range.
type InvalidateRangeRequest struct {
	Handle     Handle
	BeginChunk int64
	Count      int64
	Owner      [16]byte
}

func (r InvalidateRangeRequest) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeFixed(&buf, struct {
		Handle            uint64
		BeginChunk, Count int64
	}{uint64(r.Handle), r.BeginChunk, r.Count}); err != nil {
		return nil, err
	}
	buf.Write(r.Owner[:])
	return buf.Bytes(), nil
}

func UnmarshalInvalidateRangeRequest(body []byte) (InvalidateRangeRequest, error) {
	r := bytes.NewReader(body)
	var raw struct {
		Handle            uint64
		BeginChunk, Count int64
	}
	if err := readFixed(r, &raw); err != nil {
		return InvalidateRangeRequest{}, err
	}
	var owner [16]byte
	if _, err := io.ReadFull(r, owner[:]); err != nil {
		return InvalidateRangeRequest{}, fmt.Errorf("wire: truncated owner: %w", err)
	}
	return InvalidateRangeRequest{Handle: Handle(raw.Handle), BeginChunk: raw.BeginChunk, Count: raw.Count, Owner: owner}, nil
}

// UpdateHashesRequest overwrites cached hashes directly, used when the
// manager wants to push fresher content rather than force a miss.
type UpdateHashesRequest struct {
	Handle     Handle
	BeginChunk int64
	Hashes     []chunk.Hash
}

func (r UpdateHashesRequest) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeFixed(&buf, struct {
		Handle     uint64
		BeginChunk int64
		NHashes    int64
	}{uint64(r.Handle), r.BeginChunk, int64(len(r.Hashes))}); err != nil {
		return nil, err
	}
	putHashes(&buf, r.Hashes)
	return buf.Bytes(), nil
}

func UnmarshalUpdateHashesRequest(body []byte) (UpdateHashesRequest, error) {
	r := bytes.NewReader(body)
	var raw struct {
		Handle     uint64
		BeginChunk int64
		NHashes    int64
	}
	if err := readFixed(r, &raw); err != nil {
		return UpdateHashesRequest{}, err
	}
	hashes, err := getHashes(r, raw.NHashes)
	if err != nil {
		return UpdateHashesRequest{}, err
	}
	return UpdateHashesRequest{Handle: Handle(raw.Handle), BeginChunk: raw.BeginChunk, Hashes: hashes}, nil
}
