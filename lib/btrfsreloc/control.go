// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package btrfsreloc moves every extent out of a block group, so
// that the block group may be removed, while keeping the sharing
// between snapshots intact and while the rest of the filesystem
// keeps changing.
//
// Tree blocks are moved by copying them into "shadow" trees (one per
// subvolume that references the block group), which are merged back
// into their subvolumes at the end of each pass.  Data extents are
// copied through a relocation inode whose file offsets mirror the
// block group, and the file extents that point at them are then
// rewritten as their leaves are moved.
package btrfsreloc

import (
	"context"
	"errors"
	"fmt"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-reloc/lib/containers"
	"git.lukeshu.com/btrfs-reloc/lib/textui"
)

// Stage is what is being done with data extents.
type Stage uint8

const (
	// StageMoveDataExtents: data extents are copied to their new
	// locations.
	StageMoveDataExtents Stage = iota
	// StageUpdateDataPtrs: file extents that still point at the
	// old copies are rewritten.
	StageUpdateDataPtrs
	// StageDone: the job has finished.
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageMoveDataExtents:
		return "move-data-extents"
	case StageUpdateDataPtrs:
		return "update-data-ptrs"
	case StageDone:
		return "done"
	default:
		return fmt.Sprintf("Stage(%d)", uint8(s))
	}
}

// Control is the state of one relocation job.  While the job runs it
// is installed as the filesystem's btrfs.RelocHook.
type Control struct {
	fs      FS
	cfg     Config
	bg      btrfs.BlockGroup
	metrics *metrics

	rsv     *btrfs.BlockRsv
	rsvNeed btrfsvol.AddrDelta
	inode   btrfsprim.ObjID

	stage       Stage
	pass        int
	createReloc bool
	copying     btrfsprim.ObjID
	dataMoved   bool
	finished    bool

	cache        *backrefCache
	roots        relocRootIndex
	live         []*relocRoot
	dirtySubvols containers.Set[btrfsprim.ObjID]

	// Per pass.
	cursor    btrfsvol.LogicalAddr
	replay    btrfsvol.LogicalAddr
	processed containers.RangeSet[btrfsvol.LogicalAddr]
	moved     map[btrfsvol.LogicalAddr]btrfsvol.LogicalAddr
	pending   []nodeHandle // copied along a path, not yet linked
	cluster   fileExtentCluster
	swaps     swapLog
	scanned   scanStats
}

var _ btrfs.RelocHook = (*Control)(nil)

func newControl(fs FS, bg btrfs.BlockGroup, cfg Config) *Control {
	c := &Control{
		fs:      fs,
		cfg:     cfg,
		bg:      bg,
		metrics: newMetrics(cfg.Metrics),
		cache:   newBackrefCache(),
	}
	c.roots.init()
	c.resetPass()
	return c
}

func (c *Control) resetPass() {
	c.cursor = c.bg.Start
	c.replay = 0
	c.processed.Clear()
	c.moved = make(map[btrfsvol.LogicalAddr]btrfsvol.LogicalAddr)
	c.cluster = fileExtentCluster{}
	c.live = nil
	c.dirtySubvols = make(containers.Set[btrfsprim.ObjID])
	c.cache = newBackrefCache()
	c.scanned = scanStats{}
}

func canceled(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
}

// Relocate moves every extent out of the block group starting at
// bgStart.  Only one job may run on a filesystem at a time; ErrBusy
// is returned if another is running.
//
// On success the block group is empty and read-only (or removed, if
// cfg.RemoveBlockGroup is set).  On failure the block group stays
// read-only, and may be partially emptied; running Relocate again
// continues the job.  Whatever the outcome, no shadow trees are left
// behind unless the filesystem itself has failed, in which case
// Recover cleans them up.
func Relocate(ctx context.Context, fs FS, bgStart btrfsvol.LogicalAddr, cfg Config) error {
	if ctx.Err() != nil {
		return canceled(ctx)
	}
	cfg.fill()
	bg, err := fs.LookupBlockGroup(bgStart)
	if err != nil {
		return fmt.Errorf("relocate: %w", err)
	}
	c := newControl(fs, bg, cfg)
	if !fs.SetRelocHook(c) {
		return ErrBusy
	}
	ctx = dlog.WithField(ctx, "btrfs.reloc.bg", bg.Start)
	dlog.Infof(ctx, "relocating block group %v (%v, %v used)",
		bg.Start, bg.Flags, textui.IEC(int64(bg.Used), "B"))

	err = c.start(ctx)
	if err == nil {
		err = c.run(ctx)
	}
	cleanupErrs := c.teardown(context.WithoutCancel(ctx), err)
	if err == nil && len(cleanupErrs) == 0 {
		dlog.Infof(ctx, "block group %v is empty after %d passes", bg.Start, c.pass)
	}
	return withCleanup(err, cleanupErrs)
}

// start publishes the job: the block group is made read-only, and a
// relocation inode is created for its data.
func (c *Control) start(ctx context.Context) error {
	t, err := c.fs.StartTransaction(ctx)
	if err != nil {
		return err
	}
	if err := c.fs.SetBlockGroupRO(ctx, t, c.bg.Start, true); err != nil {
		t.Abort(ctx, err)
		return err
	}
	ino, err := c.fs.CreateRelocInode(ctx, t, c.bg.Start)
	if err != nil {
		t.Abort(ctx, err)
		return err
	}
	c.inode = ino
	c.rsv = c.fs.NewBlockRsv()
	c.createReloc = true
	return t.Commit(ctx)
}

func (c *Control) run(ctx context.Context) error {
	for {
		if c.pass >= c.cfg.MaxPasses {
			return fmt.Errorf("block group %v: extents remain after %d passes", c.bg.Start, c.pass)
		}
		c.pass++
		c.metrics.Passes.Inc()
		passCtx := dlog.WithField(ctx, "btrfs.reloc.pass", c.pass)
		passCtx = dlog.WithField(passCtx, "btrfs.reloc.stage", c.stage)

		found, err := c.relocatePass(passCtx)
		c.createReloc = false
		// Shadow trees are merged even if the pass failed or was
		// canceled; they may not outlive the job.
		mergeErr := c.mergeAll(context.WithoutCancel(passCtx))
		switch {
		case err != nil && mergeErr != nil:
			return jobError{derror.MultiError{err, mergeErr}}
		case err != nil:
			return err
		case mergeErr != nil:
			return mergeErr
		}
		dlog.Infof(passCtx, "pass %d found %d extents", c.pass, found)
		if found == 0 {
			return nil
		}
		c.resetPass()
		c.createReloc = true
	}
}

// relocatePass scans the block group once, relocating everything it
// finds.
func (c *Control) relocatePass(ctx context.Context) (int, error) {
	progress := textui.NewProgress[scanStats](ctx, dlog.LogLevelInfo, c.cfg.ProgressInterval)
	defer progress.Done()

	// Cancellation is only noticed between extents; an extent that
	// has been started is seen through.
	work := context.WithoutCancel(ctx)

	var found int
	forced := false
	retries := 0
	for {
		if ctx.Err() != nil {
			return found, canceled(ctx)
		}
		ext, done, err := c.step(work, progress)
		switch {
		case err == nil:
			if done {
				return found, c.finishPass(work)
			}
			found++
			forced, retries = false, 0
			if c.cfg.afterExtent != nil {
				if err := c.cfg.afterExtent(ctx, ext); err != nil {
					return found, err
				}
			}
		case errors.Is(err, errRetry):
			c.metrics.RsvRetries.Inc()
			retries++
			if retries > maxRetries {
				return found, fmt.Errorf("extent %v: %w", ext.Addr, err)
			}
			if err := c.rsv.Refill(ctx, c.rsvNeed, true); err != nil {
				if err := c.forceAlloc(ctx, err, &forced); err != nil {
					return found, err
				}
			}
		case errors.Is(err, btrfs.ErrNoSpace):
			if err := c.forceAlloc(ctx, err, &forced); err != nil {
				return found, err
			}
		default:
			return found, err
		}
	}
}

var maxRetries = textui.Tunable(8)

// forceAlloc deals with running out of space by allocating a new
// chunk of the kind that ran out.  It is only tried once per extent.
func (c *Control) forceAlloc(ctx context.Context, err error, forced *bool) error {
	var nse *btrfs.NoSpaceError
	if *forced || !errors.As(err, &nse) {
		return err
	}
	*forced = true
	c.metrics.RsvRetries.Inc()
	dlog.Infof(ctx, "out of %v space, allocating a new chunk", nse.Flags)
	if ferr := c.fs.ForceChunkAlloc(ctx, nse.Flags); ferr != nil {
		return fmt.Errorf("%w (while allocating a chunk: %v)", err, ferr)
	}
	return nil
}

func (c *Control) minRsv() btrfsvol.AddrDelta {
	return btrfsvol.AddrDelta(textui.Tunable(4)) * c.fs.Config().NodeSize
}

// step deals with the next extent in its own transaction handle.
func (c *Control) step(ctx context.Context, progress *textui.Progress[scanStats]) (btrfs.ExtentRecord, bool, error) {
	if err := c.rsv.Refill(ctx, c.minRsv(), false); err != nil {
		return btrfs.ExtentRecord{}, false, err
	}
	t, err := c.fs.StartTransaction(ctx)
	if err != nil {
		return btrfs.ExtentRecord{}, false, err
	}
	t.SetBlockRsv(c.rsv)
	c.cache.reset(t.ID())
	c.swaps.reset(t.ID())

	saved := c.cursor
	ext, ok, err := c.findNextExtent(ctx, progress)
	if err != nil {
		t.Abort(ctx, err)
		return btrfs.ExtentRecord{}, false, err
	}
	if !ok {
		return btrfs.ExtentRecord{}, true, t.End(ctx)
	}
	extCtx := dlog.WithField(ctx, "btrfs.reloc.extent", ext.Addr)
	if err := c.relocateExtent(extCtx, t, ext); err != nil {
		if errors.Is(err, errRetry) || errors.Is(err, btrfs.ErrNoSpace) {
			dlog.Debugf(extCtx, "will retry: %v", err)
			c.cursor = saved
			c.replay = ext.Addr
			if endErr := t.End(ctx); endErr != nil {
				return ext, false, endErr
			}
			return ext, false, err
		}
		t.Abort(ctx, err)
		return ext, false, err
	}
	c.replay = 0
	return ext, false, t.End(ctx)
}

func (c *Control) relocateExtent(ctx context.Context, t *btrfs.Trans, ext btrfs.ExtentRecord) error {
	if ext.Flags.Has(btrfsitem.EXTENT_FLAG_TREE_BLOCK) {
		if err := c.relocateTreeBlock(ctx, t, ext.Addr, ext.Info.Level); err != nil {
			return err
		}
		c.metrics.Extents.WithLabelValues("tree").Inc()
		c.metrics.BytesMoved.Add(float64(ext.Size))
		return nil
	}
	switch c.stage {
	case StageMoveDataExtents:
		if err := c.relocateDataExtent(ctx, ext); err != nil {
			return err
		}
		c.metrics.Extents.WithLabelValues("data").Inc()
		c.metrics.BytesMoved.Add(float64(ext.Size))
	case StageUpdateDataPtrs:
		if err := c.fixupDataExtent(ctx, t, ext); err != nil {
			return err
		}
	}
	return nil
}

// finishPass flushes the data cluster and, the first time data has
// been copied, writes it all back before switching stages.
func (c *Control) finishPass(ctx context.Context) error {
	forced := false
	for {
		err := c.flushCluster(ctx)
		if err == nil {
			break
		}
		if err := c.forceAlloc(ctx, err, &forced); err != nil {
			return err
		}
	}
	if c.stage != StageMoveDataExtents || !c.dataMoved {
		return nil
	}
	t, err := c.fs.StartTransaction(ctx)
	if err != nil {
		return err
	}
	if err := c.fs.FlushDelalloc(ctx, t, c.inode); err != nil {
		t.Abort(ctx, err)
		return fmt.Errorf("write back relocated data: %w", err)
	}
	c.stage = StageUpdateDataPtrs
	dlog.Infof(ctx, "relocated data written back; switching to %v", c.stage)
	return t.Commit(ctx)
}

// teardown releases everything the job holds.  It is run whatever
// the outcome of the job.
func (c *Control) teardown(ctx context.Context, jobErr error) derror.MultiError {
	var errs derror.MultiError
	if c.inode != 0 {
		c.fs.DropDelalloc(c.inode)
	}
	if c.rsv != nil {
		c.rsv.Release()
	}
	defer c.fs.ClearRelocHook(c)

	t, err := c.fs.StartTransaction(ctx)
	if err != nil {
		// A job that failed by aborting the transaction has
		// already said so.
		if jobErr == nil || !btrfs.IsAborted(err) {
			errs = append(errs, err)
		}
		return errs
	}
	if c.inode != 0 {
		if err := c.fs.DeleteRelocInode(ctx, t, c.inode); err != nil {
			errs = append(errs, err)
		}
	}
	if jobErr == nil {
		c.stage = StageDone
	}
	c.finished = true
	if err := t.Commit(ctx); err != nil {
		errs = append(errs, err)
		return errs
	}

	if jobErr == nil && len(errs) == 0 && c.cfg.RemoveBlockGroup {
		t, err := c.fs.StartTransaction(ctx)
		if err != nil {
			return append(errs, err)
		}
		if err := c.fs.RemoveBlockGroup(ctx, t, c.bg.Start); err != nil {
			t.Abort(ctx, err)
			return append(errs, err)
		}
		if err := t.Commit(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
