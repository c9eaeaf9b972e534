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

// Package dataserver implements the data-server client (C5, §4.5): GET,
// PUT, ping, statfs and remove-all against a single data server, plus a
// Scheduler that groups a multi-chunk request by owning server (via C2's
// mapper) and fans it out across a worker pool.
package dataserver

import (
	"context"
	"fmt"

	"github.com/capfs-io/capfs/internal/chunk"
	"github.com/capfs-io/capfs/internal/errs"
	"github.com/capfs-io/capfs/internal/transport"
	"github.com/capfs-io/capfs/internal/wire"
)

// AddrTable resolves a C2 server index to a dialable network address.
// Populated from the manager's mount-time data-server list (§6.4).
type AddrTable map[int32]string

// Addr returns the address for server, or an error if it's unknown.
func (t AddrTable) Addr(server int32) (string, error) {
	addr, ok := t[server]
	if !ok {
		return "", fmt.Errorf("dataserver: no address for server %d", server)
	}
	return addr, nil
}

// Client talks the data-server protocol to one server at a time. Callers
// needing multi-server fan-out use Scheduler instead.
type Client struct {
	pool  *transport.Pool
	addrs AddrTable
}

// New returns a Client dialing through pool, resolving server indices via
// addrs.
func New(pool *transport.Pool, addrs AddrTable) *Client {
	return &Client{pool: pool, addrs: addrs}
}

// GetItem is one chunk to fetch.
type GetItem struct {
	Hash chunk.Hash
}

// GetResult is the per-hash outcome of a Get call. Body is nil and Err
// wraps errs.NotFound when the server has no content for Hash — per §4.5
// this is not fatal, and callers (C7) treat it as a zero-filled chunk.
type GetResult struct {
	Hash chunk.Hash
	Body []byte
	Err  error
}

// Get fetches items from server, returning one GetResult per item in the
// same order.
func (c *Client) Get(ctx context.Context, server int32, items []GetItem) ([]GetResult, error) {
	addr, err := c.addrs.Addr(server)
	if err != nil {
		return nil, err
	}

	conn, err := c.pool.Get(ctx, addr)
	if err != nil {
		return nil, err
	}

	results := make([]GetResult, len(items))
	var opErr error
	for i, item := range items {
		body, herr := c.getOne(conn, item.Hash)
		results[i] = GetResult{Hash: item.Hash, Body: body, Err: herr}
		if herr != nil && errs.KindOf(herr) != errs.NotFound {
			opErr = herr
			break
		}
	}
	conn.Release(opErr)
	return results, opErr
}

func (c *Client) getOne(conn *transport.Conn, hash chunk.Hash) ([]byte, error) {
	body, err := wire.GetRequest{Hash: hash}.Marshal()
	if err != nil {
		return nil, err
	}
	if err := wire.WriteDSRequest(conn, wire.DSRequestHeader{Type: wire.DSGet}, body); err != nil {
		return nil, errs.Classify("dataserver.Get", err)
	}

	ackHdr, err := wire.ReadDSAckHeader(conn)
	if err != nil {
		return nil, err
	}
	ackBody := make([]byte, ackHdr.Dsize)
	if ackHdr.Dsize > 0 {
		if _, err := conn.Read(ackBody); err != nil {
			return nil, errs.Classify("dataserver.Get", err)
		}
	}
	return readGetBody(ackHdr, ackBody), wire.StatusError("dataserver.Get", ackHdr.Status, ackHdr.Errno)
}

// readGetBody is split out so getOne's two return values stay readable:
// it returns ackBody when the ack status is 0 and nil otherwise, naming the
// "body on success" half of the ack.
func readGetBody(ackHdr wire.DSAckHeader, ackBody []byte) []byte {
	if ackHdr.Status != 0 {
		return nil
	}
	return ackBody
}

// PutItem is one chunk body to store.
type PutItem struct {
	Hash chunk.Hash
	Body []byte
}

// PutResult is the per-hash outcome of a Put call.
type PutResult struct {
	Hash chunk.Hash
	Err  error
}

// Put stores items on server. PUT is idempotent (§8): submitting the same
// (hash, body) pair that's already present is a no-op success.
func (c *Client) Put(ctx context.Context, server int32, items []PutItem) ([]PutResult, error) {
	addr, err := c.addrs.Addr(server)
	if err != nil {
		return nil, err
	}

	conn, err := c.pool.Get(ctx, addr)
	if err != nil {
		return nil, err
	}

	results := make([]PutResult, len(items))
	var opErr error
	for i, item := range items {
		perr := c.putOne(conn, item)
		results[i] = PutResult{Hash: item.Hash, Err: perr}
		if perr != nil {
			opErr = perr
			break
		}
	}
	conn.Release(opErr)
	return results, opErr
}

func (c *Client) putOne(conn *transport.Conn, item PutItem) error {
	body, err := wire.PutRequest{Hash: item.Hash, Body: item.Body}.Marshal()
	if err != nil {
		return err
	}
	if err := wire.WriteDSRequest(conn, wire.DSRequestHeader{Type: wire.DSPut}, body); err != nil {
		return errs.Classify("dataserver.Put", err)
	}

	ackHdr, err := wire.ReadDSAckHeader(conn)
	if err != nil {
		return err
	}
	if ackHdr.Dsize > 0 {
		if _, err := conn.Read(make([]byte, ackHdr.Dsize)); err != nil {
			return errs.Classify("dataserver.Put", err)
		}
	}
	return wire.StatusError("dataserver.Put", ackHdr.Status, ackHdr.Errno)
}

// Ping issues a NOOP against server, used by the admin path to check
// liveness without touching data.
func (c *Client) Ping(ctx context.Context, server int32) error {
	addr, err := c.addrs.Addr(server)
	if err != nil {
		return err
	}
	conn, err := c.pool.Get(ctx, addr)
	if err != nil {
		return err
	}

	err = wire.WriteDSRequest(conn, wire.DSRequestHeader{Type: wire.DSNoop}, nil)
	if err == nil {
		var ackHdr wire.DSAckHeader
		ackHdr, err = wire.ReadDSAckHeader(conn)
		if err == nil {
			err = wire.StatusError("dataserver.Ping", ackHdr.Status, ackHdr.Errno)
		}
	} else {
		err = errs.Classify("dataserver.Ping", err)
	}
	conn.Release(err)
	return err
}

// Statfs reports aggregate free space on server.
func (c *Client) Statfs(ctx context.Context, server int32) (wire.DSStatfsAck, error) {
	addr, err := c.addrs.Addr(server)
	if err != nil {
		return wire.DSStatfsAck{}, err
	}
	conn, err := c.pool.Get(ctx, addr)
	if err != nil {
		return wire.DSStatfsAck{}, err
	}

	var ack wire.DSStatfsAck
	err = wire.WriteDSRequest(conn, wire.DSRequestHeader{Type: wire.DSStatfs}, nil)
	if err == nil {
		var ackHdr wire.DSAckHeader
		ackHdr, err = wire.ReadDSAckHeader(conn)
		if err == nil {
			body := make([]byte, ackHdr.Dsize)
			if ackHdr.Dsize > 0 {
				_, err = conn.Read(body)
			}
			if err == nil {
				if serr := wire.StatusError("dataserver.Statfs", ackHdr.Status, ackHdr.Errno); serr != nil {
					err = serr
				} else {
					ack, err = wire.UnmarshalDSStatfsAck(body)
				}
			}
		}
	}
	if err != nil {
		err = errs.Classify("dataserver.Statfs", err)
	}
	conn.Release(err)
	return ack, err
}

// RemoveAll is the admin operation that deletes every chunk on server
// (§4.5's "remove-all (admin)"), reusing the IOD_UNLINK opcode
// server-wide rather than per-name since CAPFS addresses content by hash.
func (c *Client) RemoveAll(ctx context.Context, server int32) error {
	addr, err := c.addrs.Addr(server)
	if err != nil {
		return err
	}
	conn, err := c.pool.Get(ctx, addr)
	if err != nil {
		return err
	}

	err = wire.WriteDSRequest(conn, wire.DSRequestHeader{Type: wire.DSRemoveAll}, nil)
	if err == nil {
		var ackHdr wire.DSAckHeader
		ackHdr, err = wire.ReadDSAckHeader(conn)
		if err == nil {
			err = wire.StatusError("dataserver.RemoveAll", ackHdr.Status, ackHdr.Errno)
		}
	} else {
		err = errs.Classify("dataserver.RemoveAll", err)
	}
	conn.Release(err)
	return err
}
