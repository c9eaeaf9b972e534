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

	"github.com/capfs-io/capfs/internal/chunk"
)

// ManagerMagic identifies a manager request/ack frame on the wire.
const ManagerMagic uint32 = 0x4a87c9fe

// ManagerOp is the one-byte operation tag in every manager request/ack,
// numbered exactly as original_source/lib/req.h's MGR_* defines so that the
// values are not an arbitrary Go-side renumbering.
type ManagerOp uint8

const (
	OpChmod     ManagerOp = 0
	OpChown     ManagerOp = 1
	OpClose     ManagerOp = 2
	OpLstat     ManagerOp = 3
	OpOpen      ManagerOp = 5
	OpUnlink    ManagerOp = 6
	OpShutdown  ManagerOp = 7
	OpFstat     ManagerOp = 9
	OpRename    ManagerOp = 10
	OpIODInfo   ManagerOp = 11
	OpMkdir     ManagerOp = 12
	OpFchown    ManagerOp = 13
	OpFchmod    ManagerOp = 14
	OpRmdir     ManagerOp = 15
	OpAccess    ManagerOp = 16
	OpTruncate  ManagerOp = 17
	OpUtime     ManagerOp = 18
	OpGetdents  ManagerOp = 19
	OpStatfs    ManagerOp = 20
	OpNoop      ManagerOp = 21
	OpLookup    ManagerOp = 22
	OpCtime     ManagerOp = 23
	OpLink      ManagerOp = 24
	OpReadlink  ManagerOp = 25
	OpStat      ManagerOp = 26
	OpGethashes ManagerOp = 27
	OpWcommit   ManagerOp = 28

	// OpRegisterCB is a supplemented operation (§4.9): original_source's
	// req.h has no MGR_* number for callback registration, since the
	// original client advertises its callback endpoint through a side
	// channel this module folds into the normal request/ack RPC instead.
	// Numbered well above the original's range so it can never collide
	// with a future original op this module hasn't modeled yet.
	OpRegisterCB ManagerOp = 100
)

func (op ManagerOp) String() string {
	switch op {
	case OpChmod:
		return "CHMOD"
	case OpChown:
		return "CHOWN"
	case OpClose:
		return "CLOSE"
	case OpLstat:
		return "LSTAT"
	case OpOpen:
		return "OPEN"
	case OpUnlink:
		return "UNLINK"
	case OpShutdown:
		return "SHUTDOWN"
	case OpFstat:
		return "FSTAT"
	case OpRename:
		return "RENAME"
	case OpIODInfo:
		return "IOD_INFO"
	case OpMkdir:
		return "MKDIR"
	case OpFchown:
		return "FCHOWN"
	case OpFchmod:
		return "FCHMOD"
	case OpRmdir:
		return "RMDIR"
	case OpAccess:
		return "ACCESS"
	case OpTruncate:
		return "TRUNCATE"
	case OpUtime:
		return "UTIME"
	case OpGetdents:
		return "GETDENTS"
	case OpStatfs:
		return "STATFS"
	case OpNoop:
		return "NOOP"
	case OpLookup:
		return "LOOKUP"
	case OpCtime:
		return "CTIME"
	case OpLink:
		return "LINK"
	case OpReadlink:
		return "READLINK"
	case OpStat:
		return "STAT"
	case OpGethashes:
		return "GETHASHES"
	case OpWcommit:
		return "WCOMMIT"
	case OpRegisterCB:
		return "REGISTER_CB"
	default:
		return fmt.Sprintf("op(%d)", op)
	}
}

// Handle is the manager's per-file identifier, analogous to an inode number
// (struct capfs_meta's "handle" field in the original headers).
type Handle uint64

// RequestHeader is the fixed 32-byte prefix of every manager request
// (§6.1): magic, release, op type, caller uid/gid, 32-bit pad, trailing-data
// size. The explicit Pad1/Pad2 fields exist purely so Marshal/Unmarshal
// reproduce the C compiler's natural alignment padding on the wire; Go's
// encoding/binary does not insert it for us.
type RequestHeader struct {
	Magic   uint32
	Release uint32
	Type    ManagerOp
	Pad1    [3]byte
	Uid     uint32
	Gid     uint32
	Pad2    uint32
	Dsize   uint64
}

// AckHeader is the fixed 32-byte prefix of every manager ack (§6.1): magic,
// release, op type, status, errno, 32-bit pad, trailing-data size.
type AckHeader struct {
	Magic   uint32
	Release uint32
	Type    ManagerOp
	Pad1    [3]byte
	Status  int32
	Errno   int32
	Pad2    uint32
	Dsize   uint64
}

// FileMeta mirrors struct capfs_meta (original_source/vfs26/ll_capfs.h):
// everything the manager knows about a file that the client might need,
// plus the striping layout returned at OPEN time.
type FileMeta struct {
	Handle  Handle
	Mode    uint32
	Uid     uint32
	Gid     uint32
	Size    int64
	Atime   int64
	Mtime   int64
	Ctime   int64
	Blksize int64 // stripe size S, a positive multiple of chunk.Size()
	Blocks  int64 // server count N

	Base int32 // first server in striping order, b
}

func (m FileMeta) marshal(buf *bytes.Buffer) error {
	return writeFixed(buf, struct {
		Handle  uint64
		Mode    uint32
		Uid     uint32
		Gid     uint32
		Size    int64
		Atime   int64
		Mtime   int64
		Ctime   int64
		Blksize int64
		Blocks  int64
		Base    int32
		_       int32
	}{uint64(m.Handle), m.Mode, m.Uid, m.Gid, m.Size, m.Atime, m.Mtime, m.Ctime, m.Blksize, m.Blocks, m.Base, 0})
}

func unmarshalFileMeta(r *bytes.Reader) (FileMeta, error) {
	var raw struct {
		Handle  uint64
		Mode    uint32
		Uid     uint32
		Gid     uint32
		Size    int64
		Atime   int64
		Mtime   int64
		Ctime   int64
		Blksize int64
		Blocks  int64
		Base    int32
		_       int32
	}
	if err := readFixed(r, &raw); err != nil {
		return FileMeta{}, err
	}
	return FileMeta{
		Handle: Handle(raw.Handle), Mode: raw.Mode, Uid: raw.Uid, Gid: raw.Gid,
		Size: raw.Size, Atime: raw.Atime, Mtime: raw.Mtime, Ctime: raw.Ctime,
		Blksize: raw.Blksize, Blocks: raw.Blocks, Base: raw.Base,
	}, nil
}

// ---- OPEN ----

// OpenFlag mirrors the open(2) flag bits the manager understands.
type OpenFlag uint32

const (
	OpenRead    OpenFlag = 1 << 0
	OpenWrite   OpenFlag = 1 << 1
	OpenCreate  OpenFlag = 1 << 2
	OpenExcl    OpenFlag = 1 << 3
	OpenTrunc   OpenFlag = 1 << 4
	OpenAppend  OpenFlag = 1 << 5
	OpenDirPath OpenFlag = 1 << 6
)

// OpenRequest is the OPEN request union (§6.1): name, creation mode, flags,
// and how many hashes the caller would like prefetched into the ack.
type OpenRequest struct {
	Name         string
	Flags        OpenFlag
	Mode         uint32
	NeedHashes   int64
	StripeSize   int64 // used only when Flags has OpenCreate
	ServerCount  int32
	BaseServer   int32
}

func (r OpenRequest) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeFixed(&buf, struct {
		Flags       uint32
		Mode        uint32
		NeedHashes  int64
		StripeSize  int64
		ServerCount int32
		BaseServer  int32
	}{uint32(r.Flags), r.Mode, r.NeedHashes, r.StripeSize, r.ServerCount, r.BaseServer}); err != nil {
		return nil, err
	}
	if err := putName(&buf, r.Name); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func UnmarshalOpenRequest(body []byte) (OpenRequest, error) {
	r := bytes.NewReader(body)
	var raw struct {
		Flags       uint32
		Mode        uint32
		NeedHashes  int64
		StripeSize  int64
		ServerCount int32
		BaseServer  int32
	}
	if err := readFixed(r, &raw); err != nil {
		return OpenRequest{}, err
	}
	name, err := getName(r)
	if err != nil {
		return OpenRequest{}, err
	}
	return OpenRequest{
		Name: name, Flags: OpenFlag(raw.Flags), Mode: raw.Mode, NeedHashes: raw.NeedHashes,
		StripeSize: raw.StripeSize, ServerCount: raw.ServerCount, BaseServer: raw.BaseServer,
	}, nil
}

// OpenAck is the OPEN ack union: the opened file's metadata and striping,
// a capability token, and a prefix of the hash list up to NeedHashes long.
type OpenAck struct {
	Meta       FileMeta
	Capability int32
	Hashes     []chunk.Hash
}

func (a OpenAck) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := a.Meta.marshal(&buf); err != nil {
		return nil, err
	}
	if err := writeFixed(&buf, struct {
		Cap  int32
		Pad  int32
		NHsh int64
	}{a.Capability, 0, int64(len(a.Hashes))}); err != nil {
		return nil, err
	}
	putHashes(&buf, a.Hashes)
	return buf.Bytes(), nil
}

func UnmarshalOpenAck(body []byte) (OpenAck, error) {
	r := bytes.NewReader(body)
	meta, err := unmarshalFileMeta(r)
	if err != nil {
		return OpenAck{}, err
	}
	var raw struct {
		Cap  int32
		Pad  int32
		NHsh int64
	}
	if err := readFixed(r, &raw); err != nil {
		return OpenAck{}, err
	}
	hashes, err := getHashes(r, raw.NHsh)
	if err != nil {
		return OpenAck{}, err
	}
	return OpenAck{Meta: meta, Capability: raw.Cap, Hashes: hashes}, nil
}

// ---- CLOSE ----

type CloseRequest struct {
	Handle Handle
}

func (r CloseRequest) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	err := writeFixed(&buf, uint64(r.Handle))
	return buf.Bytes(), err
}

func UnmarshalCloseRequest(body []byte) (CloseRequest, error) {
	var h uint64
	if err := readFixed(bytes.NewReader(body), &h); err != nil {
		return CloseRequest{}, err
	}
	return CloseRequest{Handle: Handle(h)}, nil
}

// ---- LSTAT / STAT / FSTAT / LOOKUP ----

// StatRequest covers LSTAT, STAT, and FSTAT, which all take only a name or
// handle and return a FileMeta.
type StatRequest struct {
	Handle Handle
	Name   string // used by LSTAT/STAT; empty for FSTAT
}

func (r StatRequest) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeFixed(&buf, uint64(r.Handle)); err != nil {
		return nil, err
	}
	if err := putName(&buf, r.Name); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func UnmarshalStatRequest(body []byte) (StatRequest, error) {
	r := bytes.NewReader(body)
	var h uint64
	if err := readFixed(r, &h); err != nil {
		return StatRequest{}, err
	}
	name, err := getName(r)
	if err != nil {
		return StatRequest{}, err
	}
	return StatRequest{Handle: Handle(h), Name: name}, nil
}

type StatAck struct {
	Meta FileMeta
}

func (a StatAck) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	err := a.Meta.marshal(&buf)
	return buf.Bytes(), err
}

func UnmarshalStatAck(body []byte) (StatAck, error) {
	meta, err := unmarshalFileMeta(bytes.NewReader(body))
	return StatAck{Meta: meta}, err
}

// LookupRequest is the supplemented LOOKUP operation: resolve a path
// component to a handle, optionally registering this client for callbacks
// (§4.9) on the first lookup after mount.
type LookupRequest struct {
	Name       string
	RegisterCB bool
}

func (r LookupRequest) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	var flag uint32
	if r.RegisterCB {
		flag = 1
	}
	if err := writeFixed(&buf, flag); err != nil {
		return nil, err
	}
	if err := putName(&buf, r.Name); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func UnmarshalLookupRequest(body []byte) (LookupRequest, error) {
	r := bytes.NewReader(body)
	var flag uint32
	if err := readFixed(r, &flag); err != nil {
		return LookupRequest{}, err
	}
	name, err := getName(r)
	if err != nil {
		return LookupRequest{}, err
	}
	return LookupRequest{Name: name, RegisterCB: flag != 0}, nil
}

// ---- UNLINK / MKDIR / RMDIR ----

type NameRequest struct {
	Name string
}

func (r NameRequest) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	err := putName(&buf, r.Name)
	return buf.Bytes(), err
}

func UnmarshalNameRequest(body []byte) (NameRequest, error) {
	name, err := getName(bytes.NewReader(body))
	return NameRequest{Name: name}, err
}

type MkdirRequest struct {
	Name string
	Mode uint32
}

func (r MkdirRequest) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeFixed(&buf, r.Mode); err != nil {
		return nil, err
	}
	err := putName(&buf, r.Name)
	return buf.Bytes(), err
}

func UnmarshalMkdirRequest(body []byte) (MkdirRequest, error) {
	r := bytes.NewReader(body)
	var mode uint32
	if err := readFixed(r, &mode); err != nil {
		return MkdirRequest{}, err
	}
	name, err := getName(r)
	return MkdirRequest{Name: name, Mode: mode}, err
}

// ---- RENAME / LINK / SYMLINK / READLINK ----

// DualNameRequest covers RENAME (old,new), LINK (target,new — hard link),
// and SYMLINK (target,new — soft link): the NUL-separated two-name
// convention from lib/capfs_symlink.c.
type DualNameRequest struct {
	First  string
	Second string
	Soft   bool // SYMLINK only: true for a soft link, ignored otherwise
	Mode   uint32
}

func (r DualNameRequest) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	var soft uint32
	if r.Soft {
		soft = 1
	}
	if err := writeFixed(&buf, struct{ Soft, Mode uint32 }{soft, r.Mode}); err != nil {
		return nil, err
	}
	err := putDualNames(&buf, r.First, r.Second)
	return buf.Bytes(), err
}

func UnmarshalDualNameRequest(body []byte) (DualNameRequest, error) {
	r := bytes.NewReader(body)
	var raw struct{ Soft, Mode uint32 }
	if err := readFixed(r, &raw); err != nil {
		return DualNameRequest{}, err
	}
	first, second, err := getDualNames(r)
	if err != nil {
		return DualNameRequest{}, err
	}
	return DualNameRequest{First: first, Second: second, Soft: raw.Soft != 0, Mode: raw.Mode}, nil
}

// ReadlinkRequest resolves a symlink's target.
type ReadlinkRequest struct {
	Name string
}

func (r ReadlinkRequest) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	err := putName(&buf, r.Name)
	return buf.Bytes(), err
}

func UnmarshalReadlinkRequest(body []byte) (ReadlinkRequest, error) {
	name, err := getName(bytes.NewReader(body))
	return ReadlinkRequest{Name: name}, err
}

type ReadlinkAck struct {
	Target string
}

func (a ReadlinkAck) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	err := putName(&buf, a.Target)
	return buf.Bytes(), err
}

func UnmarshalReadlinkAck(body []byte) (ReadlinkAck, error) {
	target, err := getName(bytes.NewReader(body))
	return ReadlinkAck{Target: target}, err
}

// ---- TRUNCATE ----

type TruncateRequest struct {
	Handle Handle
	Length int64
}

func (r TruncateRequest) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	err := writeFixed(&buf, struct {
		Handle uint64
		Length int64
	}{uint64(r.Handle), r.Length})
	return buf.Bytes(), err
}

func UnmarshalTruncateRequest(body []byte) (TruncateRequest, error) {
	var raw struct {
		Handle uint64
		Length int64
	}
	if err := readFixed(bytes.NewReader(body), &raw); err != nil {
		return TruncateRequest{}, err
	}
	return TruncateRequest{Handle: Handle(raw.Handle), Length: raw.Length}, nil
}

// ---- UTIME ----

type UtimeRequest struct {
	Handle  Handle
	Atime   int64
	Mtime   int64
}

func (r UtimeRequest) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	err := writeFixed(&buf, struct {
		Handle       uint64
		Atime, Mtime int64
	}{uint64(r.Handle), r.Atime, r.Mtime})
	return buf.Bytes(), err
}

func UnmarshalUtimeRequest(body []byte) (UtimeRequest, error) {
	var raw struct {
		Handle       uint64
		Atime, Mtime int64
	}
	if err := readFixed(bytes.NewReader(body), &raw); err != nil {
		return UtimeRequest{}, err
	}
	return UtimeRequest{Handle: Handle(raw.Handle), Atime: raw.Atime, Mtime: raw.Mtime}, nil
}

// ---- CHMOD / CHOWN ----

type ChmodRequest struct {
	Handle Handle
	Mode   uint32
}

func (r ChmodRequest) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	err := writeFixed(&buf, struct {
		Handle uint64
		Mode   uint32
	}{uint64(r.Handle), r.Mode})
	return buf.Bytes(), err
}

func UnmarshalChmodRequest(body []byte) (ChmodRequest, error) {
	var raw struct {
		Handle uint64
		Mode   uint32
	}
	if err := readFixed(bytes.NewReader(body), &raw); err != nil {
		return ChmodRequest{}, err
	}
	return ChmodRequest{Handle: Handle(raw.Handle), Mode: raw.Mode}, nil
}

// ChownRequest carries ForceGroupChange literally from req.h's
// chown.force_group_change: when cleared, a setgid parent directory's group
// is preserved rather than overwritten (§6.1).
type ChownRequest struct {
	Handle           Handle
	Owner            uint32
	Group            uint32
	ForceGroupChange bool
}

func (r ChownRequest) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	var force uint32
	if r.ForceGroupChange {
		force = 1
	}
	err := writeFixed(&buf, struct {
		Handle       uint64
		Owner, Group uint32
		Force        uint32
	}{uint64(r.Handle), r.Owner, r.Group, force})
	return buf.Bytes(), err
}

func UnmarshalChownRequest(body []byte) (ChownRequest, error) {
	var raw struct {
		Handle       uint64
		Owner, Group uint32
		Force        uint32
	}
	if err := readFixed(bytes.NewReader(body), &raw); err != nil {
		return ChownRequest{}, err
	}
	return ChownRequest{Handle: Handle(raw.Handle), Owner: raw.Owner, Group: raw.Group, ForceGroupChange: raw.Force != 0}, nil
}

// ---- GETDENTS ----

type GetdentsRequest struct {
	Handle Handle
	Offset int64
	Length int64
}

func (r GetdentsRequest) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	err := writeFixed(&buf, struct {
		Handle         uint64
		Offset, Length int64
	}{uint64(r.Handle), r.Offset, r.Length})
	return buf.Bytes(), err
}

func UnmarshalGetdentsRequest(body []byte) (GetdentsRequest, error) {
	var raw struct {
		Handle         uint64
		Offset, Length int64
	}
	if err := readFixed(bytes.NewReader(body), &raw); err != nil {
		return GetdentsRequest{}, err
	}
	return GetdentsRequest{Handle: Handle(raw.Handle), Offset: raw.Offset, Length: raw.Length}, nil
}

// GetdentsAck is one page of directory entries plus the offset the caller
// should resume from. An empty Entries slice signals end-of-directory, the
// loop termination condition the manager client's GetDents helper uses
// (§ supplemented features).
type GetdentsAck struct {
	NextOffset int64
	Entries    []Dirent
}

func (a GetdentsAck) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeFixed(&buf, struct {
		NextOffset int64
		Count      int64
	}{a.NextOffset, int64(len(a.Entries))}); err != nil {
		return nil, err
	}
	if err := putDirents(&buf, a.Entries); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func UnmarshalGetdentsAck(body []byte) (GetdentsAck, error) {
	r := bytes.NewReader(body)
	var raw struct {
		NextOffset int64
		Count      int64
	}
	if err := readFixed(r, &raw); err != nil {
		return GetdentsAck{}, err
	}
	ents, err := getDirents(r, int(raw.Count))
	if err != nil {
		return GetdentsAck{}, err
	}
	return GetdentsAck{NextOffset: raw.NextOffset, Entries: ents}, nil
}

// ---- IOD_INFO ----

// IODInfoRequest asks the manager for up to Count data server addresses,
// mirroring req.h's iod_info.nr_iods. capfsd (C2's only caller) issues this
// once at startup to populate its dataserver.AddrTable, rather than the
// original client's per-mount static iodtab.
type IODInfoRequest struct {
	Count int32
}

func (r IODInfoRequest) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	err := writeFixed(&buf, struct {
		Count int32
		_     int32
	}{r.Count, 0})
	return buf.Bytes(), err
}

func UnmarshalIODInfoRequest(body []byte) (IODInfoRequest, error) {
	var raw struct {
		Count int32
		_     int32
	}
	if err := readFixed(bytes.NewReader(body), &raw); err != nil {
		return IODInfoRequest{}, err
	}
	return IODInfoRequest{Count: raw.Count}, nil
}

// IODEntry is one data server's striping index and dialable address,
// standing in for desc.h's iod_info.addr (a struct sockaddr_in) now that
// servers are named by "host:port" rather than a packed sockaddr.
type IODEntry struct {
	Server int32
	Addr   string
}

// IODInfoAck is the manager's answer: every data server it knows about, in
// striping order.
type IODInfoAck struct {
	Servers []IODEntry
}

func (a IODInfoAck) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeFixed(&buf, int64(len(a.Servers))); err != nil {
		return nil, err
	}
	for _, e := range a.Servers {
		if err := writeFixed(&buf, e.Server); err != nil {
			return nil, err
		}
		if err := putName(&buf, e.Addr); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func UnmarshalIODInfoAck(body []byte) (IODInfoAck, error) {
	r := bytes.NewReader(body)
	var count int64
	if err := readFixed(r, &count); err != nil {
		return IODInfoAck{}, err
	}
	servers := make([]IODEntry, count)
	for i := range servers {
		var server int32
		if err := readFixed(r, &server); err != nil {
			return IODInfoAck{}, err
		}
		addr, err := getName(r)
		if err != nil {
			return IODInfoAck{}, err
		}
		servers[i] = IODEntry{Server: server, Addr: addr}
	}
	return IODInfoAck{Servers: servers}, nil
}

// ---- STATFS ----

type StatfsAck struct {
	TotalBytes int64
	FreeBytes  int64
	TotalFiles int32
	FreeFiles  int32
	NameLen    int32
}

func (a StatfsAck) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	err := writeFixed(&buf, struct {
		TotalBytes, FreeBytes         int64
		TotalFiles, FreeFiles, NameLen int32
	}{a.TotalBytes, a.FreeBytes, a.TotalFiles, a.FreeFiles, a.NameLen})
	return buf.Bytes(), err
}

func UnmarshalStatfsAck(body []byte) (StatfsAck, error) {
	var raw struct {
		TotalBytes, FreeBytes          int64
		TotalFiles, FreeFiles, NameLen int32
	}
	if err := readFixed(bytes.NewReader(body), &raw); err != nil {
		return StatfsAck{}, err
	}
	return StatfsAck{
		TotalBytes: raw.TotalBytes, FreeBytes: raw.FreeBytes,
		TotalFiles: raw.TotalFiles, FreeFiles: raw.FreeFiles, NameLen: raw.NameLen,
	}, nil
}

// ---- GETHASHES ----

type GethashesRequest struct {
	Handle     Handle
	BeginChunk int64
	NChunks    int64
}

func (r GethashesRequest) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	err := writeFixed(&buf, struct {
		Handle               uint64
		BeginChunk, NChunks int64
	}{uint64(r.Handle), r.BeginChunk, r.NChunks})
	return buf.Bytes(), err
}

func UnmarshalGethashesRequest(body []byte) (GethashesRequest, error) {
	var raw struct {
		Handle              uint64
		BeginChunk, NChunks int64
	}
	if err := readFixed(bytes.NewReader(body), &raw); err != nil {
		return GethashesRequest{}, err
	}
	return GethashesRequest{Handle: Handle(raw.Handle), BeginChunk: raw.BeginChunk, NChunks: raw.NChunks}, nil
}

// GethashesAck carries the hashes plus the file's size, which is always
// encoded, so the caller doesn't need a separate STAT (§4.6.1 step 2).
type GethashesAck struct {
	FileSize int64
	Hashes   []chunk.Hash
}

func (a GethashesAck) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeFixed(&buf, struct {
		NHashes  int64
		FileSize int64
	}{int64(len(a.Hashes)), a.FileSize}); err != nil {
		return nil, err
	}
	putHashes(&buf, a.Hashes)
	return buf.Bytes(), nil
}

func UnmarshalGethashesAck(body []byte) (GethashesAck, error) {
	r := bytes.NewReader(body)
	var raw struct {
		NHashes  int64
		FileSize int64
	}
	if err := readFixed(r, &raw); err != nil {
		return GethashesAck{}, err
	}
	hashes, err := getHashes(r, raw.NHashes)
	if err != nil {
		return GethashesAck{}, err
	}
	return GethashesAck{FileSize: raw.FileSize, Hashes: hashes}, nil
}

// ---- WCOMMIT ----

// WcommitRequest is the compare-and-swap commit (§4.6.2, §4.6.3): the
// manager accepts only if OldHashes matches its current hash list over
// [BeginChunk, BeginChunk+len(OldHashes)).
type WcommitRequest struct {
	Handle     Handle
	BeginChunk int64
	NewSize    int64
	OldHashes  []chunk.Hash
	NewHashes  []chunk.Hash
}

func (r WcommitRequest) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeFixed(&buf, struct {
		Handle     uint64
		BeginChunk int64
		NewSize    int64
		NOld       int64
		NNew       int64
	}{uint64(r.Handle), r.BeginChunk, r.NewSize, int64(len(r.OldHashes)), int64(len(r.NewHashes))}); err != nil {
		return nil, err
	}
	putHashes(&buf, r.OldHashes)
	putHashes(&buf, r.NewHashes)
	return buf.Bytes(), nil
}

func UnmarshalWcommitRequest(body []byte) (WcommitRequest, error) {
	r := bytes.NewReader(body)
	var raw struct {
		Handle     uint64
		BeginChunk int64
		NewSize    int64
		NOld       int64
		NNew       int64
	}
	if err := readFixed(r, &raw); err != nil {
		return WcommitRequest{}, err
	}
	oldHashes, err := getHashes(r, raw.NOld)
	if err != nil {
		return WcommitRequest{}, err
	}
	newHashes, err := getHashes(r, raw.NNew)
	if err != nil {
		return WcommitRequest{}, err
	}
	return WcommitRequest{
		Handle: Handle(raw.Handle), BeginChunk: raw.BeginChunk, NewSize: raw.NewSize,
		OldHashes: oldHashes, NewHashes: newHashes,
	}, nil
}

// WcommitAck is empty on success (outcome A, §4.6.2). On a race (outcome B,
// ack status carries errs.AgainRace/EAGAIN) CurrentHashes holds the
// manager's current hash list over the requested range, which the caller
// folds into OldHashes for the retry.
type WcommitAck struct {
	CurrentHashes []chunk.Hash
}

func (a WcommitAck) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeFixed(&buf, int64(len(a.CurrentHashes))); err != nil {
		return nil, err
	}
	putHashes(&buf, a.CurrentHashes)
	return buf.Bytes(), nil
}

func UnmarshalWcommitAck(body []byte) (WcommitAck, error) {
	r := bytes.NewReader(body)
	var n int64
	if err := readFixed(r, &n); err != nil {
		return WcommitAck{}, err
	}
	hashes, err := getHashes(r, n)
	if err != nil {
		return WcommitAck{}, err
	}
	return WcommitAck{CurrentHashes: hashes}, nil
}
