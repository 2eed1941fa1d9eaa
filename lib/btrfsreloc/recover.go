// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsreloc

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsprim"
)

// Recover cleans up after a relocation job that did not finish (for
// instance because of a crash): shadow trees that are still live are
// merged from where they left off, dead ones are dropped, and
// relocation inodes are deleted.  The block group that was being
// relocated is left read-only and partially emptied; running Relocate
// on it again finishes the job.
//
// Recover should be run after opening the filesystem, before anything
// else modifies it.  It is a no-op if there is nothing to clean up.
func Recover(ctx context.Context, fs FS, cfg Config) error {
	cfg.fill()
	cp, haveCP, err := ReadCheckpoint(fs)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	var shadows []btrfsprim.ObjID
	for _, id := range fs.Roots() {
		if id.IsRelocTree() {
			shadows = append(shadows, id)
		}
	}
	inodes := fs.RelocInodes()
	if !haveCP && len(shadows) == 0 && len(inodes) == 0 {
		return nil
	}

	var bg btrfs.BlockGroup
	if haveCP {
		ctx = dlog.WithField(ctx, "btrfs.reloc.bg", cp.BlockGroup)
		dlog.Infof(ctx, "found checkpoint: stage=%v pass=%v shadow-trees=%d",
			cp.Stage, cp.Pass, len(cp.Roots))
		if found, err := fs.LookupBlockGroup(cp.BlockGroup); err == nil {
			bg = found
		}
	}
	c := newControl(fs, bg, cfg)
	if haveCP {
		c.stage = cp.Stage
		c.pass = cp.Pass
	}
	if !fs.SetRelocHook(c) {
		return ErrBusy
	}
	defer fs.ClearRelocHook(c)

	for _, id := range shadows {
		if _, err := c.adoptRelocRoot(id); err != nil {
			return fmt.Errorf("recover: %w", err)
		}
	}
	dlog.Infof(ctx, "recovering %d shadow trees and %d relocation inodes", len(shadows), len(inodes))
	if err := c.mergeAll(ctx); err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	t, err := fs.StartTransaction(ctx)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	for _, ino := range inodes {
		if err := fs.DeleteRelocInode(ctx, t, ino); err != nil {
			t.Abort(ctx, err)
			return fmt.Errorf("recover: %w", err)
		}
	}
	// Don't let the hook write the checkpoint back.
	fs.ClearRelocHook(c)
	fs.DeleteMeta(t, CheckpointKey)
	if err := t.Commit(ctx); err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	dlog.Info(ctx, "recovered")
	return nil
}
