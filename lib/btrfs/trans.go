// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfs

import (
	"context"
	"errors"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsprim"
)

type runningTrans struct {
	id              btrfsprim.Generation
	handles         int
	dirty           int
	commitRequested bool
}

// A Trans is a handle on the running transaction.  Every handle must
// be ended (End or Commit) exactly once.
type Trans struct {
	fs    *FS
	id    btrfsprim.Generation
	rsv   *BlockRsv
	ended bool
}

// StartTransaction joins the running transaction, starting one if
// there is none.
func (fs *FS) StartTransaction(ctx context.Context) (*Trans, error) {
	fs.transMu.Lock()
	defer fs.transMu.Unlock()
	if fs.aborted != nil {
		return nil, fmt.Errorf("start transaction: %w", fs.aborted)
	}
	if fs.running == nil {
		fs.running = &runningTrans{id: fs.generation + 1}
		dlog.Tracef(ctx, "started transaction %v", fs.running.id)
	}
	fs.running.handles++
	return &Trans{fs: fs, id: fs.running.id}, nil
}

func (t *Trans) ID() btrfsprim.Generation { return t.id }

// SetBlockRsv makes tree blocks allocated through this handle consume
// the given reservation.
func (t *Trans) SetBlockRsv(rsv *BlockRsv) { t.rsv = rsv }

func (t *Trans) markDirty(n int) {
	t.fs.transMu.Lock()
	defer t.fs.transMu.Unlock()
	if t.fs.running != nil {
		t.fs.running.dirty += n
	}
}

// End releases the handle.  If it was the last handle and the
// transaction has dirtied enough blocks, the transaction commits.
func (t *Trans) End(ctx context.Context) error {
	return t.end(ctx, false)
}

// Commit releases the handle and commits the transaction once no
// other handle remains.
func (t *Trans) Commit(ctx context.Context) error {
	return t.end(ctx, true)
}

func (t *Trans) end(ctx context.Context, forceCommit bool) error {
	if t.ended {
		return fmt.Errorf("transaction %v: handle already ended", t.id)
	}
	t.ended = true
	fs := t.fs

	fs.transMu.Lock()
	if fs.aborted != nil {
		fs.transMu.Unlock()
		return fmt.Errorf("transaction %v: %w", t.id, fs.aborted)
	}
	run := fs.running
	run.handles--
	if forceCommit {
		run.commitRequested = true
	}
	doCommit := run.handles == 0 && (run.commitRequested || run.dirty >= fs.cfg.CommitDirtyThreshold)
	fs.transMu.Unlock()

	if !doCommit {
		return nil
	}
	return fs.commit(ctx, t.id)
}

// Abort makes the filesystem read-only; nothing done since the last
// commit will reach the store.
func (t *Trans) Abort(ctx context.Context, cause error) {
	fs := t.fs
	fs.transMu.Lock()
	defer fs.transMu.Unlock()
	if fs.aborted == nil {
		fs.aborted = fmt.Errorf("%w: transaction %v: %v", ErrAborted, t.id, cause)
		dlog.Errorf(ctx, "aborting transaction %v: %v", t.id, cause)
	}
	if !t.ended {
		t.ended = true
		if fs.running != nil {
			fs.running.handles--
		}
	}
}

func (fs *FS) checkWritable() error {
	fs.transMu.Lock()
	defer fs.transMu.Unlock()
	return fs.aborted
}

// flushIdle commits the running transaction if nobody holds a handle
// on it, so that its pinned bytes become free.
func (fs *FS) flushIdle(ctx context.Context) error {
	fs.transMu.Lock()
	run := fs.running
	idle := run != nil && run.handles == 0
	fs.transMu.Unlock()
	if !idle {
		return nil
	}
	return fs.commit(ctx, run.id)
}

func (fs *FS) commit(ctx context.Context, id btrfsprim.Generation) error {
	t := &Trans{fs: fs, id: id, ended: true}
	if hook := fs.loadHook(); hook != nil {
		if err := hook.PreCommit(ctx, t); err != nil {
			t.Abort(ctx, err)
			return fmt.Errorf("commit %v: %w", id, err)
		}
	}

	fs.transMu.Lock()
	persist := fs.crashAfter < 0 || fs.commits < fs.crashAfter
	fs.commits++
	fs.transMu.Unlock()

	if persist {
		if err := fs.store.Commit(ctx, fs.snapshot(id)); err != nil {
			t.Abort(ctx, err)
			return fmt.Errorf("commit %v: %w", id, err)
		}
	} else {
		dlog.Debugf(ctx, "commit %v: not persisted (simulated crash)", id)
	}

	fs.transMu.Lock()
	fs.generation = id
	fs.running = nil
	fs.transMu.Unlock()
	fs.unpinAll()
	dlog.Debugf(ctx, "committed transaction %v", id)
	return nil
}

// IsAborted returns whether err is (or wraps) a transaction abort.
func IsAborted(err error) bool {
	return errors.Is(err, ErrAborted)
}
