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

// Package manager implements the manager client (C6): every request/ack
// pair the metadata manager understands, built on top of internal/wire's
// binary frames and internal/transport's pooled connections. Every method
// takes the caller's uid/gid explicitly — as delivered by the kernel's
// upcall (C8) — rather than reading os.Getuid()/Getgid(), since the daemon
// is a single long-lived process serving many different callers.
package manager

import (
	"context"
	"io"

	"github.com/capfs-io/capfs/internal/chunk"
	"github.com/capfs-io/capfs/internal/errs"
	"github.com/capfs-io/capfs/internal/transport"
	"github.com/capfs-io/capfs/internal/wire"
)

// Client talks to one manager instance over a pooled connection.
type Client struct {
	pool *transport.Pool
	addr string
}

// New returns a Client dialing addr through pool.
func New(pool *transport.Pool, addr string) *Client {
	return &Client{pool: pool, addr: addr}
}

// call performs one request/ack round trip: dial (or reuse) a pooled
// connection, write the request frame, read the ack frame, and release the
// connection back to the pool (dropping it if the round trip failed with a
// network-level error).
func (c *Client) call(ctx context.Context, op wire.ManagerOp, uid, gid uint32, body []byte) (wire.AckHeader, []byte, error) {
	conn, err := c.pool.Get(ctx, c.addr)
	if err != nil {
		return wire.AckHeader{}, nil, err
	}

	ackHdr, ackBody, callErr := roundTrip(conn, op, uid, gid, body)
	conn.Release(callErr)
	return ackHdr, ackBody, callErr
}

func roundTrip(rw io.ReadWriter, op wire.ManagerOp, uid, gid uint32, body []byte) (wire.AckHeader, []byte, error) {
	hdr := wire.RequestHeader{Type: op, Uid: uid, Gid: gid}
	if err := wire.WriteRequest(rw, hdr, body); err != nil {
		return wire.AckHeader{}, nil, errs.Classify("manager."+op.String(), err)
	}

	ackHdr, err := wire.ReadAckHeader(rw)
	if err != nil {
		return wire.AckHeader{}, nil, err
	}
	ackBody, err := wire.ReadBody(rw, ackHdr.Dsize)
	if err != nil {
		return ackHdr, nil, errs.Classify("manager."+op.String(), err)
	}
	if serr := wire.StatusError("manager."+op.String(), ackHdr.Status, ackHdr.Errno); serr != nil {
		return ackHdr, ackBody, serr
	}
	return ackHdr, ackBody, nil
}

// Open issues OPEN, optionally creating the file per req.Flags.
func (c *Client) Open(ctx context.Context, uid, gid uint32, req wire.OpenRequest) (wire.OpenAck, error) {
	body, err := req.Marshal()
	if err != nil {
		return wire.OpenAck{}, err
	}
	_, ackBody, err := c.call(ctx, wire.OpOpen, uid, gid, body)
	if err != nil {
		return wire.OpenAck{}, err
	}
	return wire.UnmarshalOpenAck(ackBody)
}

// Close issues CLOSE for an open file handle.
func (c *Client) Close(ctx context.Context, uid, gid uint32, handle wire.Handle) error {
	body, err := wire.CloseRequest{Handle: handle}.Marshal()
	if err != nil {
		return err
	}
	_, _, err = c.call(ctx, wire.OpClose, uid, gid, body)
	return err
}

// Stat issues LSTAT (by name) or STAT (by name, following symlinks); the
// manager distinguishes the two by op, the request shape is identical.
func (c *Client) Stat(ctx context.Context, uid, gid uint32, name string, followSymlink bool) (wire.FileMeta, error) {
	body, err := wire.StatRequest{Name: name}.Marshal()
	if err != nil {
		return wire.FileMeta{}, err
	}
	op := wire.OpLstat
	if followSymlink {
		op = wire.OpStat
	}
	_, ackBody, err := c.call(ctx, op, uid, gid, body)
	if err != nil {
		return wire.FileMeta{}, err
	}
	ack, err := wire.UnmarshalStatAck(ackBody)
	return ack.Meta, err
}

// Fstat issues FSTAT for an already-open handle.
func (c *Client) Fstat(ctx context.Context, uid, gid uint32, handle wire.Handle) (wire.FileMeta, error) {
	body, err := wire.StatRequest{Handle: handle}.Marshal()
	if err != nil {
		return wire.FileMeta{}, err
	}
	_, ackBody, err := c.call(ctx, wire.OpFstat, uid, gid, body)
	if err != nil {
		return wire.FileMeta{}, err
	}
	ack, err := wire.UnmarshalStatAck(ackBody)
	return ack.Meta, err
}

// Lookup resolves name to a handle, registering this client for hash-cache
// invalidation callbacks (§4.9) when registerCB is true — the daemon passes
// true only on its first LOOKUP after mount, and only when it has a callback
// service wired.
func (c *Client) Lookup(ctx context.Context, uid, gid uint32, name string, registerCB bool) (wire.FileMeta, error) {
	body, err := wire.LookupRequest{Name: name, RegisterCB: registerCB}.Marshal()
	if err != nil {
		return wire.FileMeta{}, err
	}
	_, ackBody, err := c.call(ctx, wire.OpLookup, uid, gid, body)
	if err != nil {
		return wire.FileMeta{}, err
	}
	ack, err := wire.UnmarshalStatAck(ackBody)
	return ack.Meta, err
}

// Unlink removes a name.
func (c *Client) Unlink(ctx context.Context, uid, gid uint32, name string) error {
	return c.nameOnly(ctx, wire.OpUnlink, uid, gid, name)
}

// Rmdir removes an empty directory.
func (c *Client) Rmdir(ctx context.Context, uid, gid uint32, name string) error {
	return c.nameOnly(ctx, wire.OpRmdir, uid, gid, name)
}

func (c *Client) nameOnly(ctx context.Context, op wire.ManagerOp, uid, gid uint32, name string) error {
	body, err := wire.NameRequest{Name: name}.Marshal()
	if err != nil {
		return err
	}
	_, _, err = c.call(ctx, op, uid, gid, body)
	return err
}

// Mkdir creates a directory.
func (c *Client) Mkdir(ctx context.Context, uid, gid, mode uint32, name string) error {
	body, err := wire.MkdirRequest{Name: name, Mode: mode}.Marshal()
	if err != nil {
		return err
	}
	_, _, err = c.call(ctx, wire.OpMkdir, uid, gid, body)
	return err
}

// Rename renames oldName to newName.
func (c *Client) Rename(ctx context.Context, uid, gid uint32, oldName, newName string) error {
	return c.dualName(ctx, wire.OpRename, uid, gid, oldName, newName, false, 0)
}

// Link creates a hard link newName pointing at target.
func (c *Client) Link(ctx context.Context, uid, gid uint32, target, newName string) error {
	return c.dualName(ctx, wire.OpLink, uid, gid, target, newName, false, 0)
}

// Symlink creates a symlink newName pointing at target, with the given mode.
func (c *Client) Symlink(ctx context.Context, uid, gid, mode uint32, target, newName string) error {
	return c.dualName(ctx, wire.OpLink, uid, gid, target, newName, true, mode)
}

func (c *Client) dualName(ctx context.Context, op wire.ManagerOp, uid, gid uint32, first, second string, soft bool, mode uint32) error {
	body, err := wire.DualNameRequest{First: first, Second: second, Soft: soft, Mode: mode}.Marshal()
	if err != nil {
		return err
	}
	_, _, err = c.call(ctx, op, uid, gid, body)
	return err
}

// Readlink resolves a symlink's target.
func (c *Client) Readlink(ctx context.Context, uid, gid uint32, name string) (string, error) {
	body, err := wire.ReadlinkRequest{Name: name}.Marshal()
	if err != nil {
		return "", err
	}
	_, ackBody, err := c.call(ctx, wire.OpReadlink, uid, gid, body)
	if err != nil {
		return "", err
	}
	ack, err := wire.UnmarshalReadlinkAck(ackBody)
	return ack.Target, err
}

// Truncate issues TRUNCATE, the metadata-only size change. The pipeline (C7)
// sends no WCOMMIT after it; it only drops cached hashes past the new size.
func (c *Client) Truncate(ctx context.Context, uid, gid uint32, handle wire.Handle, length int64) error {
	body, err := wire.TruncateRequest{Handle: handle, Length: length}.Marshal()
	if err != nil {
		return err
	}
	_, _, err = c.call(ctx, wire.OpTruncate, uid, gid, body)
	return err
}

// Utime sets access and modification times.
func (c *Client) Utime(ctx context.Context, uid, gid uint32, handle wire.Handle, atime, mtime int64) error {
	body, err := wire.UtimeRequest{Handle: handle, Atime: atime, Mtime: mtime}.Marshal()
	if err != nil {
		return err
	}
	_, _, err = c.call(ctx, wire.OpUtime, uid, gid, body)
	return err
}

// Chmod changes permission bits.
func (c *Client) Chmod(ctx context.Context, uid, gid uint32, handle wire.Handle, mode uint32) error {
	body, err := wire.ChmodRequest{Handle: handle, Mode: mode}.Marshal()
	if err != nil {
		return err
	}
	_, _, err = c.call(ctx, wire.OpChmod, uid, gid, body)
	return err
}

// Chown changes ownership. forceGroupChange mirrors req.h's
// chown.force_group_change (§6.1): when false, a setgid directory's
// inherited group is preserved instead of being overwritten.
func (c *Client) Chown(ctx context.Context, uid, gid uint32, handle wire.Handle, owner, group uint32, forceGroupChange bool) error {
	body, err := wire.ChownRequest{Handle: handle, Owner: owner, Group: group, ForceGroupChange: forceGroupChange}.Marshal()
	if err != nil {
		return err
	}
	_, _, err = c.call(ctx, wire.OpChown, uid, gid, body)
	return err
}

// GetDents lists every entry in the directory named by handle, issuing
// repeated GETDENTS requests advancing offset until the ack returns zero
// entries (original_source/lib/capfs_getdents.c's loop, §supplemented
// features).
func (c *Client) GetDents(ctx context.Context, uid, gid uint32, handle wire.Handle, pageSize int64) ([]wire.Dirent, error) {
	var all []wire.Dirent
	offset := int64(0)
	for {
		body, err := wire.GetdentsRequest{Handle: handle, Offset: offset, Length: pageSize}.Marshal()
		if err != nil {
			return nil, err
		}
		_, ackBody, err := c.call(ctx, wire.OpGetdents, uid, gid, body)
		if err != nil {
			return nil, err
		}
		ack, err := wire.UnmarshalGetdentsAck(ackBody)
		if err != nil {
			return nil, err
		}
		if len(ack.Entries) == 0 {
			return all, nil
		}
		all = append(all, ack.Entries...)
		offset = ack.NextOffset
	}
}

// Statfs reports manager-side filesystem statistics.
func (c *Client) Statfs(ctx context.Context, uid, gid uint32) (wire.StatfsAck, error) {
	_, ackBody, err := c.call(ctx, wire.OpStatfs, uid, gid, nil)
	if err != nil {
		return wire.StatfsAck{}, err
	}
	return wire.UnmarshalStatfsAck(ackBody)
}

// IODInfo asks the manager for up to maxCount data server addresses (§
// supplemented features, req.h's MGR_IOD_INFO). capfsd calls this once at
// startup to build its dataserver.AddrTable; maxCount <= 0 asks for every
// server the manager knows about.
func (c *Client) IODInfo(ctx context.Context, uid, gid uint32, maxCount int32) (wire.IODInfoAck, error) {
	body, err := wire.IODInfoRequest{Count: maxCount}.Marshal()
	if err != nil {
		return wire.IODInfoAck{}, err
	}
	_, ackBody, err := c.call(ctx, wire.OpIODInfo, uid, gid, body)
	if err != nil {
		return wire.IODInfoAck{}, err
	}
	return wire.UnmarshalIODInfoAck(ackBody)
}

// Noop issues a NOOP, used as a liveness check.
func (c *Client) Noop(ctx context.Context, uid, gid uint32) error {
	_, _, err := c.call(ctx, wire.OpNoop, uid, gid, nil)
	return err
}

// GetHashes issues GETHASHES for [begin, begin+nchunks). It is keyed by
// handle, so it is not a hashcache.Fetcher itself: the hash cache (C3)
// reaches it through the pipeline's name-to-handle adapter.
func (c *Client) GetHashes(ctx context.Context, handle wire.Handle, begin, nchunks int64) ([]chunk.Hash, int64, error) {
	body, err := wire.GethashesRequest{Handle: handle, BeginChunk: begin, NChunks: nchunks}.Marshal()
	if err != nil {
		return nil, 0, err
	}
	_, ackBody, err := c.call(ctx, wire.OpGethashes, 0, 0, body)
	if err != nil {
		return nil, 0, err
	}
	ack, err := wire.UnmarshalGethashesAck(ackBody)
	if err != nil {
		return nil, 0, err
	}
	return ack.Hashes, ack.FileSize, nil
}

// Wcommit issues the compare-and-swap commit (§4.6.2/§4.6.3). On a race
// (errs.AgainRace) the returned WcommitAck carries the manager's current
// hash list over the requested range for the caller to fold into its retry.
func (c *Client) Wcommit(ctx context.Context, uid, gid uint32, req wire.WcommitRequest) (wire.WcommitAck, error) {
	body, err := req.Marshal()
	if err != nil {
		return wire.WcommitAck{}, err
	}
	_, ackBody, callErr := c.call(ctx, wire.OpWcommit, uid, gid, body)
	if callErr != nil && errs.KindOf(callErr) != errs.AgainRace {
		return wire.WcommitAck{}, callErr
	}
	if len(ackBody) == 0 {
		return wire.WcommitAck{}, callErr
	}
	ack, unmarshalErr := wire.UnmarshalWcommitAck(ackBody)
	if unmarshalErr != nil {
		return wire.WcommitAck{}, unmarshalErr
	}
	return ack, callErr
}

// RegisterCallback advertises this client's callback endpoint to the
// manager (§4.9), normally issued once, on the first LOOKUP after mount.
func (c *Client) RegisterCallback(ctx context.Context, uid, gid uint32, clientID [16]byte, transport string) error {
	body, err := wire.RegisterRequest{ClientID: clientID, Transport: transport}.Marshal()
	if err != nil {
		return err
	}
	_, _, err = c.call(ctx, wire.OpRegisterCB, uid, gid, body)
	return err
}
