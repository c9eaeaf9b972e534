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

// DataServerMagic identifies a data-server request/ack frame on the wire
// (IOD_MAJIK_NR in original_source/lib/req.h).
const DataServerMagic uint32 = 0x49e3ac9f

// DSOp is the data-server request type, numbered as original_source's
// IOD_* defines. CAPFS addresses data content by hash rather than by
// (fs_ino, f_ino, cap), so GET/PUT below replace the original's RW
// subtype-based transfer while keeping its opcode numbering for the
// operations that carry over unchanged.
type DSOp uint8

const (
	DSGet       DSOp = 4 // IOD_RW, subtype read
	DSPut       DSOp = 14 // replaces IOD_RW's write subtype with its own opcode
	DSClose     DSOp = 1
	DSUnlink    DSOp = 3
	DSShutdown  DSOp = 5
	DSNoop      DSOp = 12
	DSStatfs    DSOp = 13
	DSRemoveAll DSOp = 3 // reuses IOD_UNLINK semantics, applied server-wide
)

// RWSubtype mirrors IOD_RW_READ/IOD_RW_WRITE. No frame in this package
// carries it: DSGet and DSPut are told apart by their distinct opcodes.
type RWSubtype uint8

const (
	RWRead  RWSubtype = 0
	RWWrite RWSubtype = 1
)

// DSRequestHeader is the fixed prefix of every data-server request: magic,
// release, one-byte op type, 3-byte pad, trailing-data size.
type DSRequestHeader struct {
	Magic   uint32
	Release uint32
	Type    DSOp
	Pad     [3]byte
	Dsize   uint64
}

// DSAckHeader is the fixed prefix of every data-server ack: magic, release,
// op type, status, errno, pad, trailing-data size.
type DSAckHeader struct {
	Magic   uint32
	Release uint32
	Type    DSOp
	Pad     [3]byte
	Status  int32
	Errno   int32
	Pad2    uint32
	Dsize   uint64
}

// WriteDSRequest writes a complete data-server request frame.
func WriteDSRequest(w io.Writer, hdr DSRequestHeader, body []byte) error {
	hdr.Magic = DataServerMagic
	hdr.Release = Release
	hdr.Dsize = uint64(len(body))
	if err := writeFixed(w, hdr); err != nil {
		return fmt.Errorf("wire: write ds request header: %w", err)
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return fmt.Errorf("wire: write ds request body: %w", err)
		}
	}
	return nil
}

// ReadDSRequestHeader reads and validates a data-server request header.
func ReadDSRequestHeader(r io.Reader) (DSRequestHeader, error) {
	var hdr DSRequestHeader
	if err := readFixed(r, &hdr); err != nil {
		return hdr, fmt.Errorf("wire: read ds request header: %w", err)
	}
	if hdr.Magic != DataServerMagic {
		return hdr, ProtocolError("read-ds-request", fmt.Errorf("bad magic %#x", hdr.Magic))
	}
	return hdr, nil
}

// WriteDSAck writes a complete data-server ack frame.
func WriteDSAck(w io.Writer, hdr DSAckHeader, body []byte) error {
	hdr.Magic = DataServerMagic
	hdr.Release = Release
	hdr.Dsize = uint64(len(body))
	if err := writeFixed(w, hdr); err != nil {
		return fmt.Errorf("wire: write ds ack header: %w", err)
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return fmt.Errorf("wire: write ds ack body: %w", err)
		}
	}
	return nil
}

// ReadDSAckHeader reads and validates a data-server ack header.
func ReadDSAckHeader(r io.Reader) (DSAckHeader, error) {
	var hdr DSAckHeader
	if err := readFixed(r, &hdr); err != nil {
		return hdr, fmt.Errorf("wire: read ds ack header: %w", err)
	}
	if hdr.Magic != DataServerMagic {
		return hdr, ProtocolError("read-ds-ack", fmt.Errorf("bad magic %#x", hdr.Magic))
	}
	return hdr, nil
}

// GetRequest asks a single data server for the content named by Hash. A
// miss is reported in the ack as errs.NotFound, which §4.5/§4.6.1 treat as
// "this content is absent", not fatal.
type GetRequest struct {
	Hash chunk.Hash
}

func (r GetRequest) Marshal() ([]byte, error) {
	return r.Hash[:], nil
}

func UnmarshalGetRequest(body []byte) (GetRequest, error) {
	var req GetRequest
	if len(body) != len(req.Hash) {
		return req, fmt.Errorf("wire: ds get request wrong size %d", len(body))
	}
	copy(req.Hash[:], body)
	return req, nil
}

// GetAck carries the requested chunk's body. Body is nil (and the ack
// status carries errs.NotFound) when the server has no content for Hash.
type GetAck struct {
	Body []byte
}

// PutRequest submits a content-addressed chunk body. PUT is idempotent:
// submitting the same (hash, body) pair twice is a no-op on the server
// (§8, "Content-addressing idempotence").
type PutRequest struct {
	Hash chunk.Hash
	Body []byte
}

func (r PutRequest) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(r.Hash[:])
	buf.Write(r.Body)
	return buf.Bytes(), nil
}

func UnmarshalPutRequest(body []byte) (PutRequest, error) {
	var req PutRequest
	if len(body) < len(req.Hash) {
		return req, fmt.Errorf("wire: ds put request too short (%d bytes)", len(body))
	}
	copy(req.Hash[:], body[:len(req.Hash)])
	req.Body = body[len(req.Hash):]
	return req, nil
}

// StatfsAck (data-server variant) reports aggregate free space, used by the
// supplemented STATFS operation to roll server totals into one report.
type DSStatfsAck struct {
	TotalBytes int64
	FreeBytes  int64
}

func (a DSStatfsAck) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	err := writeFixed(&buf, a)
	return buf.Bytes(), err
}

func UnmarshalDSStatfsAck(body []byte) (DSStatfsAck, error) {
	var a DSStatfsAck
	err := readFixed(bytes.NewReader(body), &a)
	return a, err
}
