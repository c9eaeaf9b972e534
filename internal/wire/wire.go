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

// Package wire implements the two fixed-layout binary protocols the client
// speaks (§4.1, §6.1): requests/acks to the manager and to data servers. All
// multi-byte integers are encoded in host byte order, per §6.1's explicit
// note that the protocol is not portable across endianness — this package
// uses binary.NativeEndian rather than a fixed-endian codec for that reason.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"syscall"

	"github.com/capfs-io/capfs/internal/chunk"
	"github.com/capfs-io/capfs/internal/errs"
)

// Release is the release number this client stamps into every request and
// expects to find unchanged in every ack; a mismatch is a Protocol error
// (§7).
const Release = 1

// order is the byte order used on the wire. Per §6.1 and §9 Open Question
// (c), the protocol is explicitly host-byte-order and not portable across
// endianness; mixed-endian operation is a documented limitation, not
// handled here.
var order = binary.NativeEndian

// writeFixed serializes a fixed-size value (no slices, maps, or strings) in
// wire byte order.
func writeFixed(w io.Writer, v any) error {
	return binary.Write(w, order, v)
}

// readFixed deserializes a fixed-size value in wire byte order.
func readFixed(r io.Reader, v any) error {
	return binary.Read(r, order, v)
}

// maxNameLen bounds a single path component on the wire, mirroring
// CAPFSNAMELEN-style limits in the original protocol headers.
const maxNameLen = 256

// putName appends name followed by a single NUL terminator.
func putName(buf *bytes.Buffer, name string) error {
	if len(name) >= maxNameLen {
		return fmt.Errorf("wire: name %q exceeds %d bytes", name, maxNameLen-1)
	}
	buf.WriteString(name)
	buf.WriteByte(0)
	return nil
}

// getName reads a single NUL-terminated name from r.
func getName(r *bytes.Reader) (string, error) {
	var out []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", fmt.Errorf("wire: truncated name: %w", err)
		}
		if b == 0 {
			return string(out), nil
		}
		out = append(out, b)
	}
}

// putDualNames encodes two NUL-separated names, used by RENAME/LINK/SYMLINK
// per §6.1 ("filename(s) are appended immediately after the fixed record,
// NUL-separated when two names are sent").
func putDualNames(buf *bytes.Buffer, a, b string) error {
	if err := putName(buf, a); err != nil {
		return err
	}
	return putName(buf, b)
}

// getDualNames decodes two NUL-separated names.
func getDualNames(r *bytes.Reader) (a, b string, err error) {
	if a, err = getName(r); err != nil {
		return "", "", err
	}
	if b, err = getName(r); err != nil {
		return "", "", err
	}
	return a, b, nil
}

// putHashes appends a trailer of hashes, the encoding used by GETHASHES acks
// and WCOMMIT's old_hashes/new_hashes/current_hashes trailers (§6.1, §4.6.2).
func putHashes(buf *bytes.Buffer, hashes []chunk.Hash) {
	for _, h := range hashes {
		buf.Write(h[:])
	}
}

// getHashes decodes n consecutive hashes from r.
func getHashes(r *bytes.Reader, n int64) ([]chunk.Hash, error) {
	out := make([]chunk.Hash, n)
	for i := range out {
		if _, err := io.ReadFull(r, out[i][:]); err != nil {
			return nil, fmt.Errorf("wire: truncated hash trailer: %w", err)
		}
	}
	return out, nil
}

// direntRecordSize is the fixed size of one GETDENTS ack trailer record:
// inode (u64), offset (u64), name ([1024]byte) per §6.1.
const direntRecordSize = 8 + 8 + 1024

// Dirent is one directory entry returned by GETDENTS.
type Dirent struct {
	Handle Handle
	Offset int64
	Name   string
}

func putDirents(buf *bytes.Buffer, ents []Dirent) error {
	for _, e := range ents {
		if len(e.Name) >= 1024 {
			return fmt.Errorf("wire: dirent name %q exceeds 1023 bytes", e.Name)
		}
		if err := writeFixed(buf, uint64(e.Handle)); err != nil {
			return err
		}
		if err := writeFixed(buf, e.Offset); err != nil {
			return err
		}
		var nameBuf [1024]byte
		copy(nameBuf[:], e.Name)
		buf.Write(nameBuf[:])
	}
	return nil
}

func getDirents(r *bytes.Reader, count int) ([]Dirent, error) {
	out := make([]Dirent, count)
	for i := range out {
		var handle uint64
		if err := readFixed(r, &handle); err != nil {
			return nil, fmt.Errorf("wire: truncated dirent trailer: %w", err)
		}
		var offset int64
		if err := readFixed(r, &offset); err != nil {
			return nil, fmt.Errorf("wire: truncated dirent trailer: %w", err)
		}
		var nameBuf [1024]byte
		if _, err := io.ReadFull(r, nameBuf[:]); err != nil {
			return nil, fmt.Errorf("wire: truncated dirent trailer: %w", err)
		}
		out[i] = Dirent{
			Handle: Handle(handle),
			Offset: offset,
			Name:   string(bytes.TrimRight(nameBuf[:], "\x00")),
		}
	}
	return out, nil
}

// ProtocolError reports a bad magic number or unsupported release (§7):
// fatal to the in-flight operation, the caller drops and reopens the
// socket.
func ProtocolError(op string, err error) error {
	return errs.New(op, errs.Protocol, 0, err)
}

// StatusError classifies a non-zero ack status/errno pair into the closed
// error-kind set (§7), the boundary where raw wire errno values become
// errs.Kind.
func StatusError(op string, status int32, errno int32) error {
	if status == 0 {
		return nil
	}
	e := syscall.Errno(errno)
	return errs.New(op, errs.ClassifyErrno(e), e, fmt.Errorf("%s: manager returned status %d errno %d", op, status, errno))
}
