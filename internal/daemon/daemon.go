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

package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/capfs-io/capfs/clock"
	"github.com/capfs-io/capfs/internal/callback"
	"github.com/capfs-io/capfs/internal/errs"
	"github.com/capfs-io/capfs/internal/manager"
	"github.com/capfs-io/capfs/internal/openfile"
	"github.com/capfs-io/capfs/internal/pipeline"
	"github.com/capfs-io/capfs/internal/policy"
	"github.com/capfs-io/capfs/internal/wire"
)

// Config holds the daemon's tunables. The defaults are grounded in
// original_source/client/capfsd.c and spec.md §4.8's literal numbers, not
// guessed: 5 worker threads (CAPFSD_NUM_THREADS), a 30-second idle-read
// timeout, and up to 5 retries, 5 seconds apart, for ENFILE/EMFILE/ECONNRESET/
// ECONNREFUSED/EPIPE.
type Config struct {
	Workers       int
	IdleTimeout   time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
	DefaultPolicy string
	// StripeSize/ServerCount/BaseServer seed a newly-created file's
	// striping layout (§4.2) when a CREATE upcall doesn't name one.
	StripeSize  int64
	ServerCount int32
	BaseServer  int32
}

// DefaultConfig returns capfsd.c's numbers.
func DefaultConfig() Config {
	return Config{
		Workers:       5,
		IdleTimeout:   30 * time.Second,
		MaxRetries:    5,
		RetryDelay:    5 * time.Second,
		DefaultPolicy: "posix",
		StripeSize:    64 * 1024,
		ServerCount:   1,
		BaseServer:    0,
	}
}

// errIdleTimeout is a private sentinel distinguishing "no upcall arrived
// within IdleTimeout" (triggers the idle sweep, not the retry/fatal path)
// from every other device error.
var errIdleTimeout = errors.New("daemon: idle read timeout")

type upcallJob struct {
	hdr  wire.UpcallHeader
	body wire.UpcallBody
}

// Daemon is the upcall/downcall queue and dispatch loop (C8, §4.8): one
// dispatcher goroutine reading the device, a fixed worker pool draining a
// job queue, no per-file serialization at this layer since correctness
// rests on the commit protocol (C7) rather than on the daemon serializing
// access.
type Daemon struct {
	device   Device
	mgr      *manager.Client
	pipe     *pipeline.Pipeline
	files    *openfile.Table
	policies *policy.Registry
	clk      clock.Clock
	log      *slog.Logger
	cfg      Config

	// cb is the callback listener (C9) this daemon registers with the
	// manager on first LOOKUP, so hash-cache invalidations land before the
	// manager acks the racing writer (§4.9's coherence invariant). Nil is
	// valid (no registration attempted) — some deployments or tests run
	// with no consistency policy that needs callback-driven invalidation.
	cb          *callback.Service
	cbTransport string

	policyNames []string // stable PolicyID -> name mapping, per §4.4's "integer identifier assigned at mount"

	mu         sync.Mutex
	sessions   map[wire.Handle]*pipeline.Session
	registered bool // has the callback listener (C9) been registered with the manager yet
}

// New builds a Daemon. policies is normally policy.NewRegistry(); its Names
// are sorted once here to give PolicyID a stable, deterministic meaning for
// the life of the daemon. cb/cbTransport may be nil/"" when no callback
// listener is wired (no registration attempt is made in that case).
func New(device Device, mgr *manager.Client, pipe *pipeline.Pipeline, files *openfile.Table, policies *policy.Registry, clk clock.Clock, log *slog.Logger, cfg Config, cb *callback.Service, cbTransport string) *Daemon {
	names := policies.Names()
	sort.Strings(names)
	if log == nil {
		log = slog.Default()
	}
	return &Daemon{
		device: device, mgr: mgr, pipe: pipe, files: files, policies: policies,
		clk: clk, log: log, cfg: cfg, policyNames: names,
		cb: cb, cbTransport: cbTransport,
		sessions: make(map[wire.Handle]*pipeline.Session),
	}
}

// policyFor resolves a wire-carried PolicyID to a Policy, falling back to
// cfg.DefaultPolicy for an out-of-range id (an unrecognized mount-time
// negotiation, or a daemon started before any policy was negotiated).
func (d *Daemon) policyFor(id uint32) policy.Policy {
	if int(id) < len(d.policyNames) {
		return d.policies.Lookup(d.policyNames[id])
	}
	return d.policies.Lookup(d.cfg.DefaultPolicy)
}

func (d *Daemon) sessionFor(h wire.Handle) (*pipeline.Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[h]
	return s, ok
}

func (d *Daemon) putSession(h wire.Handle, s *pipeline.Session) {
	d.mu.Lock()
	d.sessions[h] = s
	d.mu.Unlock()
}

func (d *Daemon) dropSession(h wire.Handle) (*pipeline.Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[h]
	if ok {
		delete(d.sessions, h)
	}
	return s, ok
}

// Run drives the dispatcher and worker pool until ctx is cancelled or a
// fatal device error occurs. It returns ctx.Err() on a clean shutdown and
// the triggering error otherwise.
func (d *Daemon) Run(ctx context.Context) error {
	jobs := make(chan upcallJob, d.cfg.Workers*2)
	var wg sync.WaitGroup
	wg.Add(d.cfg.Workers)
	for i := 0; i < d.cfg.Workers; i++ {
		go func() {
			defer wg.Done()
			for job := range jobs {
				d.handleJob(ctx, job)
			}
		}()
	}

	runErr := d.dispatch(ctx, jobs)
	close(jobs)
	wg.Wait()
	return runErr
}

// dispatch is the single reader loop: one outstanding ReadUpcall at a time,
// §4.8's literal "blocks on the device with a 30-second timeout".
func (d *Daemon) dispatch(ctx context.Context, jobs chan<- upcallJob) error {
	for {
		hdr, body, err := d.readUpcallWithRetry(ctx)
		switch {
		case err == nil:
			select {
			case jobs <- upcallJob{hdr: hdr, body: body}:
			case <-ctx.Done():
				return ctx.Err()
			}
		case errors.Is(err, errIdleTimeout):
			d.sweepIdle(ctx)
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			d.log.Error("daemon: fatal device error, exiting", slog.Any("err", err))
			return err
		}
	}
}

// readUpcallWithRetry wraps Device.ReadUpcall with §4.8's daemon-level
// retry policy: up to cfg.MaxRetries retries after the first attempt,
// cfg.RetryDelay apart, for
// errors errs classifies as TransientNet (ENFILE, EMFILE, ECONNRESET,
// ECONNREFUSED, EPIPE, ETIMEDOUT), additionally triggering a CloseSome
// sweep on ENFILE/EMFILE specifically (capfsd.c's close_some_files). A
// context deadline (the idle-read timeout) is reported as errIdleTimeout,
// not retried — it is an expected, routine event, not a failure.
func (d *Daemon) readUpcallWithRetry(ctx context.Context) (wire.UpcallHeader, wire.UpcallBody, error) {
	for attempt := 0; ; attempt++ {
		rctx, cancel := context.WithTimeout(ctx, d.cfg.IdleTimeout)
		hdr, body, err := d.device.ReadUpcall(rctx)
		cancel()
		if err == nil {
			return hdr, body, nil
		}
		if ctx.Err() != nil {
			return hdr, body, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return hdr, body, errIdleTimeout
		}

		kind := errs.KindOf(err)
		if !kind.Retryable() || attempt >= d.cfg.MaxRetries {
			return hdr, body, err
		}
		if errno, ok := errnoOf(err); ok && (errno == syscall.ENFILE || errno == syscall.EMFILE) {
			closed := d.files.CloseSome(d.cfg.Workers)
			for _, e := range closed {
				d.teardownSession(ctx, e.Handle)
			}
		}
		d.log.Warn("daemon: retrying transient device error", slog.Any("err", err), slog.Int("attempt", attempt+1))
		select {
		case <-ctx.Done():
			return hdr, body, ctx.Err()
		case <-d.clk.After(d.cfg.RetryDelay):
		}
	}
}

// sweepIdle runs the two-strike idle sweep (§4.8, capfs_comm_idle) and
// flushes/closes whatever it evicts.
func (d *Daemon) sweepIdle(ctx context.Context) {
	for _, e := range d.files.IdleSweep() {
		d.teardownSession(ctx, e.Handle)
	}
}

// teardownSession flushes a session's policy (e.g. a DelayCommit policy's
// batched WCOMMIT) and releases the manager handle, used whenever a file is
// dropped out from under its caller: idle sweep, forced ENFILE/EMFILE
// eviction, or an explicit CLOSE hint.
func (d *Daemon) teardownSession(ctx context.Context, h wire.Handle) {
	sess, ok := d.dropSession(h)
	if !ok {
		return
	}
	if err := sess.Close(); err != nil {
		d.log.Error("daemon: session flush on teardown failed", slog.Uint64("handle", uint64(h)), slog.Any("err", err))
	}
	if err := d.mgr.Close(ctx, 0, 0, h); err != nil {
		d.log.Warn("daemon: manager close on teardown failed", slog.Uint64("handle", uint64(h)), slog.Any("err", err))
	}
}

// errnoOf extracts the syscall.Errno an *errs.Error carries, if any.
func errnoOf(err error) (syscall.Errno, bool) {
	var e *errs.Error
	if errors.As(err, &e) && e.Errno != 0 {
		return e.Errno, true
	}
	return 0, false
}

// handleJob dispatches one upcall to its manager/pipeline operation and
// writes the matching downcall, except for the HINT_OPEN/HINT_CLOSE "one
// shot" upcalls (§4.8) which never get a reply.
func (d *Daemon) handleJob(ctx context.Context, job upcallJob) {
	start := d.clk.Now()
	body, noReply, err := d.process(ctx, job.hdr, job.body)
	if noReply {
		return
	}

	down := wire.DowncallHeader{
		Seq:           job.hdr.Seq,
		Type:          job.hdr.Type,
		Error:         errnoForDowncall(err),
		TotalTimeUsec: d.clk.Now().Sub(start).Microseconds(),
	}
	if werr := d.device.WriteDowncall(ctx, down, body); werr != nil {
		d.log.Error("daemon: write downcall failed", slog.Uint64("seq", job.hdr.Seq), slog.Any("err", werr))
	}
}

// errnoForDowncall reports the errno a caller-facing downcall carries: the
// classified *errs.Error's Errno if known, else a generic EIO so a caller
// can at least tell the op failed.
func errnoForDowncall(err error) int32 {
	if err == nil {
		return 0
	}
	if errno, ok := errnoOf(err); ok {
		return -int32(errno)
	}
	return -int32(syscall.EIO)
}

// process runs one upcall's operation and returns its reply body. The
// second return is true for HINT_OPEN/HINT_CLOSE, matching
// wire.UpcallType.NoReply.
func (d *Daemon) process(ctx context.Context, hdr wire.UpcallHeader, b wire.UpcallBody) (wire.DowncallBody, bool, error) {
	uid, gid := b.Uid, b.Gid

	switch hdr.Type {
	case wire.UpGetMeta:
		meta, err := d.mgr.Fstat(ctx, uid, gid, b.Handle)
		return wire.DowncallBody{Meta: meta}, false, err

	case wire.UpSetMeta:
		return wire.DowncallBody{}, false, d.setMeta(ctx, uid, gid, b)

	case wire.UpLookup:
		d.mu.Lock()
		registerCB := !d.registered && d.cb != nil
		d.registered = d.registered || d.cb != nil
		d.mu.Unlock()
		if registerCB {
			if err := d.mgr.RegisterCallback(ctx, uid, gid, d.cb.ClientID(), d.cbTransport); err != nil {
				d.log.Warn("daemon: callback registration failed", slog.Any("err", err))
			}
		}
		meta, err := d.mgr.Lookup(ctx, uid, gid, b.Name, registerCB)
		return wire.DowncallBody{Meta: meta}, false, err

	case wire.UpCreate:
		ack, err := d.mgr.Open(ctx, uid, gid, wire.OpenRequest{
			Name: b.Name, Flags: b.Flags | wire.OpenCreate, Mode: b.Mode,
			StripeSize: d.cfg.StripeSize, ServerCount: d.cfg.ServerCount, BaseServer: d.cfg.BaseServer,
		})
		return wire.DowncallBody{Meta: ack.Meta}, false, err

	case wire.UpRemove:
		return wire.DowncallBody{}, false, d.mgr.Unlink(ctx, uid, gid, b.Name)

	case wire.UpRename:
		return wire.DowncallBody{}, false, d.mgr.Rename(ctx, uid, gid, b.Name, b.Second)

	case wire.UpSymlink:
		return wire.DowncallBody{}, false, d.mgr.Symlink(ctx, uid, gid, b.Mode, b.Name, b.Second)

	case wire.UpMkdir:
		return wire.DowncallBody{}, false, d.mgr.Mkdir(ctx, uid, gid, b.Mode, b.Name)

	case wire.UpRmdir:
		return wire.DowncallBody{}, false, d.mgr.Rmdir(ctx, uid, gid, b.Name)

	case wire.UpStatfs:
		ack, err := d.mgr.Statfs(ctx, uid, gid)
		return wire.DowncallBody{TotalBytes: ack.TotalBytes, FreeBytes: ack.FreeBytes}, false, err

	case wire.UpHint:
		return wire.DowncallBody{}, true, d.hint(ctx, uid, gid, b)

	case wire.UpFsync:
		sess, ok := d.sessionFor(b.Handle)
		if !ok {
			return wire.DowncallBody{}, false, fmt.Errorf("daemon: fsync on unopened handle %d", b.Handle)
		}
		return wire.DowncallBody{}, false, sess.Sync()

	case wire.UpLink:
		return wire.DowncallBody{}, false, d.mgr.Link(ctx, uid, gid, b.Name, b.Second)

	case wire.UpGetdents:
		entries, err := d.mgr.GetDents(ctx, uid, gid, b.Handle, b.Length)
		return wire.DowncallBody{Entries: entries}, false, err

	case wire.UpReadlink:
		target, err := d.mgr.Readlink(ctx, uid, gid, b.Name)
		return wire.DowncallBody{Data: []byte(target)}, false, err

	case wire.UpRead:
		sess, ok := d.sessionFor(b.Handle)
		if !ok {
			return wire.DowncallBody{}, false, fmt.Errorf("daemon: read on unopened handle %d", b.Handle)
		}
		buf := make([]byte, b.Length)
		n, err := sess.Read(ctx, b.Offset, buf)
		if err != nil {
			return wire.DowncallBody{}, false, err
		}
		return wire.DowncallBody{Data: buf[:n]}, false, nil

	case wire.UpWrite:
		sess, ok := d.sessionFor(b.Handle)
		if !ok {
			return wire.DowncallBody{}, false, fmt.Errorf("daemon: write on unopened handle %d", b.Handle)
		}
		n, err := sess.Write(ctx, b.Offset, b.Data)
		if err != nil {
			return wire.DowncallBody{}, false, err
		}
		return wire.DowncallBody{NextOffset: int64(n)}, false, nil

	default:
		return wire.DowncallBody{}, false, fmt.Errorf("daemon: unknown upcall type %v", hdr.Type)
	}
}

// setMeta applies the attribute subset named by b.Mask (§4.8's SETMETA_OP),
// mirroring the Linux VFS's iattr->ia_valid convention: only the fields the
// kernel actually set travel as separate manager RPCs. Length doubles as
// the new size under MaskSize and as the new mtime under MaskMtime (the two
// are mutually exclusive per upcall, since a single setattr either
// truncates or touches times, never both, in this protocol's scope).
func (d *Daemon) setMeta(ctx context.Context, uid, gid uint32, b wire.UpcallBody) error {
	if b.Mask&wire.MaskMode != 0 {
		if err := d.mgr.Chmod(ctx, uid, gid, b.Handle, b.Mode); err != nil {
			return err
		}
	}
	if b.Mask&(wire.MaskUid|wire.MaskGid) != 0 {
		if err := d.mgr.Chown(ctx, uid, gid, b.Handle, b.Uid, b.Gid, true); err != nil {
			return err
		}
	}
	if b.Mask&wire.MaskSize != 0 {
		if sess, ok := d.sessionFor(b.Handle); ok {
			if err := sess.Truncate(ctx, b.Length); err != nil {
				return err
			}
		} else if err := d.mgr.Truncate(ctx, uid, gid, b.Handle, b.Length); err != nil {
			return err
		}
	} else if b.Mask&(wire.MaskAtime|wire.MaskMtime) != 0 {
		if err := d.mgr.Utime(ctx, uid, gid, b.Handle, b.Offset, b.Length); err != nil {
			return err
		}
	}
	return nil
}

// hint handles HINT_OPEN and HINT_CLOSE, the two upcalls the daemon never
// replies to (§4.8). HINT_OPEN establishes the real I/O session (manager
// OPEN, negotiated consistency policy, open-file table entry); HINT_CLOSE
// tears it down, flushing a DelayCommit policy's pending commit first.
func (d *Daemon) hint(ctx context.Context, uid, gid uint32, b wire.UpcallBody) error {
	switch b.Hint {
	case wire.HintOpen:
		pol := d.policyFor(b.PolicyID)
		preOpen := pol.PreOpen(b.Name)
		ack, err := d.mgr.Open(ctx, uid, gid, wire.OpenRequest{
			Name: b.Name, Flags: b.Flags, Mode: b.Mode, NeedHashes: preOpen.HashCount,
			StripeSize: d.cfg.StripeSize, ServerCount: d.cfg.ServerCount, BaseServer: d.cfg.BaseServer,
		})
		pol.PostOpen(b.Name, ack.Hashes, err == nil)
		if err != nil {
			return err
		}
		d.files.Open(ack.Meta.Handle, b.Name, ack.Meta)
		if len(ack.Hashes) > 0 {
			d.pipe.Cache.PutHashes(b.Name, 0, ack.Hashes)
			d.pipe.Cache.SetFileSize(b.Name, ack.Meta.Size)
		}
		sess := d.pipe.OpenSession(pol, ack.Meta.Handle, b.Name, uid, gid)
		d.putSession(ack.Meta.Handle, sess)
		return nil

	case wire.HintClose:
		d.files.Close(b.Handle)
		d.teardownSession(ctx, b.Handle)
		return nil

	default:
		return fmt.Errorf("daemon: unknown hint kind %v", b.Hint)
	}
}
