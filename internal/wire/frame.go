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
)

// WriteRequest writes a complete manager request frame: header followed by
// body bytes, with Dsize filled in from len(body).
func WriteRequest(w io.Writer, hdr RequestHeader, body []byte) error {
	hdr.Magic = ManagerMagic
	hdr.Release = Release
	hdr.Dsize = uint64(len(body))
	if err := writeFixed(w, hdr); err != nil {
		return fmt.Errorf("wire: write request header: %w", err)
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return fmt.Errorf("wire: write request body: %w", err)
		}
	}
	return nil
}

// ReadRequestHeader reads and validates a request header, checking the
// magic and release number per §7's Protocol kind.
func ReadRequestHeader(r io.Reader) (RequestHeader, error) {
	var hdr RequestHeader
	if err := readFixed(r, &hdr); err != nil {
		return hdr, fmt.Errorf("wire: read request header: %w", err)
	}
	if hdr.Magic != ManagerMagic {
		return hdr, ProtocolError("read-request", fmt.Errorf("bad magic %#x", hdr.Magic))
	}
	if hdr.Release != Release {
		return hdr, ProtocolError("read-request", fmt.Errorf("unsupported release %d", hdr.Release))
	}
	return hdr, nil
}

// ReadBody reads exactly n bytes of trailing data following a header.
func ReadBody(r io.Reader, n uint64) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("wire: read body (%d bytes): %w", n, err)
	}
	return buf, nil
}

// WriteAck writes a complete manager ack frame.
func WriteAck(w io.Writer, hdr AckHeader, body []byte) error {
	hdr.Magic = ManagerMagic
	hdr.Release = Release
	hdr.Dsize = uint64(len(body))
	if err := writeFixed(w, hdr); err != nil {
		return fmt.Errorf("wire: write ack header: %w", err)
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return fmt.Errorf("wire: write ack body: %w", err)
		}
	}
	return nil
}

// ReadAckHeader reads and validates an ack header.
func ReadAckHeader(r io.Reader) (AckHeader, error) {
	var hdr AckHeader
	if err := readFixed(r, &hdr); err != nil {
		return hdr, fmt.Errorf("wire: read ack header: %w", err)
	}
	if hdr.Magic != ManagerMagic {
		return hdr, ProtocolError("read-ack", fmt.Errorf("bad magic %#x", hdr.Magic))
	}
	if hdr.Release != Release {
		return hdr, ProtocolError("read-ack", fmt.Errorf("unsupported release %d", hdr.Release))
	}
	return hdr, nil
}

// EncodeBytes is a convenience for request/ack marshalers that just need a
// fresh buffer.
func EncodeBytes(fn func(*bytes.Buffer) error) ([]byte, error) {
	var buf bytes.Buffer
	if err := fn(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
