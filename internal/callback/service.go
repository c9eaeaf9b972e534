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

// Package callback implements the manager-to-client callback service (C9,
// §4.9): a long-lived listener the manager connects back to in order to
// push hash-cache invalidations, enforcing the "callback-before-grant"
// invariant by mutating internal/hashcache synchronously before acking.
package callback

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/capfs-io/capfs/internal/hashcache"
	"github.com/capfs-io/capfs/internal/openfile"
	"github.com/capfs-io/capfs/internal/wire"
	"github.com/google/uuid"
)

// Service accepts the manager's callback connections and applies each
// invalidation to the shared hash cache before acking, so that by the time
// the manager's own racing writer/invalidator observes this client's ack,
// the stale entry is already gone (§4.9's coherence invariant).
type Service struct {
	cache    *hashcache.Cache
	files    *openfile.Table
	clientID uuid.UUID
	log      *slog.Logger

	mu sync.Mutex
	ln net.Listener
}

// New builds a Service with a freshly generated client ID (google/uuid),
// used to identify this client in every RegisterCallback call and to let
// the manager's invalidation requests name an Owner this client recognizes
// as itself (so it doesn't invalidate its own just-committed entries).
func New(cache *hashcache.Cache, files *openfile.Table, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{cache: cache, files: files, clientID: uuid.New(), log: log}
}

// ClientID returns the 16-byte form RegisterCallback and every invalidation
// request's Owner field carry.
func (s *Service) ClientID() [16]byte {
	return [16]byte(s.clientID)
}

// Listen starts accepting callback connections on addr ("host:port"; an
// empty port picks one at random, as a real mount would when negotiating
// an ephemeral callback port) and returns the address the manager should be
// told to dial, via manager.Client.RegisterCallback.
func (s *Service) Listen(network, addr string) (string, error) {
	ln, err := net.Listen(network, addr)
	if err != nil {
		return "", fmt.Errorf("callback: listen: %w", err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	go s.acceptLoop(ln)
	return ln.Addr().String(), nil
}

// Close stops accepting new callback connections.
func (s *Service) Close() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}

func (s *Service) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go s.serve(conn)
	}
}

// serve handles one manager connection, one callback RPC at a time: the
// manager is the only side that ever initiates a frame on this connection.
func (s *Service) serve(conn net.Conn) {
	defer conn.Close()
	for {
		hdr, err := wire.ReadCallbackHeader(conn)
		if err != nil {
			return
		}
		body, err := wire.ReadBody(conn, hdr.Dsize)
		if err != nil {
			return
		}

		ackErr := s.dispatch(hdr.Type, body)
		ack := wire.CallbackAckHeader{Type: hdr.Type}
		if ackErr != nil {
			ack.Status = -1
			s.log.Error("callback: handling request failed", slog.String("op", hdr.Type.String()), slog.Any("err", ackErr))
		}
		if err := wire.WriteCallbackAck(conn, ack); err != nil {
			return
		}
	}
}

func (s *Service) dispatch(op wire.CallbackOp, body []byte) error {
	switch op {
	case wire.CBInvalidateHashes:
		req, err := wire.UnmarshalInvalidateHashesRequest(body)
		if err != nil {
			return err
		}
		if req.Owner == [16]byte(s.clientID) {
			return nil
		}
		name, ok := s.nameFor(req.Handle)
		if !ok {
			return nil
		}
		s.cache.InvalidateBitmap(name, req.Bitmap)
		return nil

	case wire.CBInvalidateRange:
		req, err := wire.UnmarshalInvalidateRangeRequest(body)
		if err != nil {
			return err
		}
		if req.Owner == [16]byte(s.clientID) {
			return nil
		}
		name, ok := s.nameFor(req.Handle)
		if !ok {
			return nil
		}
		s.cache.InvalidateRange(name, req.BeginChunk, req.Count)
		return nil

	case wire.CBUpdateHashes:
		req, err := wire.UnmarshalUpdateHashesRequest(body)
		if err != nil {
			return err
		}
		name, ok := s.nameFor(req.Handle)
		if !ok {
			return nil
		}
		s.cache.PutHashes(name, req.BeginChunk, req.Hashes)
		return nil

	default:
		return fmt.Errorf("callback: unknown op %v", op)
	}
}

// nameFor resolves a handle to the open file's name; a callback naming a
// handle this client no longer has open is routine (the file was closed
// between the manager's invalidation decision and this RPC arriving) and is
// silently ignored rather than treated as an error.
func (s *Service) nameFor(h wire.Handle) (string, bool) {
	e, ok := s.files.Get(h)
	if !ok {
		return "", false
	}
	return e.Name, true
}
