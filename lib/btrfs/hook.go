// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfs

import (
	"context"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfstree"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsvol"
)

// RelocQuery answers questions about the running relocation job.  It
// is safe to call from any goroutine.
type RelocQuery interface {
	IsRelocRoot(id btrfsprim.ObjID) (isReloc, isDead bool)
	ActiveBlockGroup() (btrfsvol.LogicalAddr, bool)
}

// A RelocHook is installed by a relocation job for its duration.
type RelocHook interface {
	RelocQuery
	// BlockCOWed is called after old has been copied to new for
	// tree; for CopyRoot, old is the source tree's root node.
	BlockCOWed(ctx context.Context, t *Trans, tree btrfsprim.ObjID, old, new *btrfstree.Node) error
	// PreCommit is called before each commit is written out.
	PreCommit(ctx context.Context, t *Trans) error
}

type hookBox struct {
	RelocHook
}

// SetRelocHook installs h, unless a hook is already installed.
func (fs *FS) SetRelocHook(h RelocHook) bool {
	return fs.hook.CompareAndSwap(nil, &hookBox{h})
}

// ClearRelocHook uninstalls h, if it is the installed hook.
func (fs *FS) ClearRelocHook(h RelocHook) {
	if box := fs.hook.Load(); box != nil && box.RelocHook == h {
		fs.hook.CompareAndSwap(box, nil)
	}
}

// RelocStatus returns the running relocation job, or nil.
func (fs *FS) RelocStatus() RelocQuery {
	if hook := fs.loadHook(); hook != nil {
		return hook
	}
	return nil
}

func (fs *FS) loadHook() RelocHook {
	if box := fs.hook.Load(); box != nil {
		return box.RelocHook
	}
	return nil
}
