// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfs

import (
	"context"
	"fmt"
	"sync"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfstree"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-reloc/lib/containers"
	"git.lukeshu.com/btrfs-reloc/lib/maps"
)

// A RelocExtent is a file extent of a relocation inode: the bytes at
// BlockGroup.Start+Offset now live at Addr.
type RelocExtent struct {
	Offset btrfsvol.AddrDelta
	Addr   btrfsvol.LogicalAddr
	Size   btrfsvol.AddrDelta
}

func (a RelocExtent) Compare(b RelocExtent) int {
	return containers.NativeCompare(a.Offset, b.Offset)
}

// A relocInode is an inode of the data-relocation tree whose file
// offsets mirror the layout of one block group.
type relocInode struct {
	BlockGroup btrfsvol.LogicalAddr
	extents    containers.RBTree[RelocExtent]
}

type delallocRange struct {
	Off      btrfsvol.AddrDelta
	Len      btrfsvol.AddrDelta
	Boundary bool
	Owner    btrfsprim.ObjID
	rsv      *DataRsv
}

type delallocState struct {
	mu     sync.Mutex
	owner  btrfsprim.ObjID
	ranges []delallocRange
}

func (fs *FS) delallocFor(ino btrfsprim.ObjID) *delallocState {
	state, _ := fs.delalloc.LoadOrStore(ino, &delallocState{})
	return state
}

// CreateRelocInode creates an empty relocation inode for the block
// group starting at bg.
func (fs *FS) CreateRelocInode(ctx context.Context, _ *Trans, bg btrfsvol.LogicalAddr) (btrfsprim.ObjID, error) {
	if _, err := fs.blockGroup(bg); err != nil {
		return 0, fmt.Errorf("create reloc inode: %w", err)
	}
	ino := fs.nextRelocIno
	fs.nextRelocIno++
	fs.relocInodes[ino] = &relocInode{BlockGroup: bg}
	fs.dirty()
	dlog.Debugf(ctx, "created reloc inode %v for block group %v", ino, bg)
	return ino, nil
}

// RelocInodes returns every relocation inode, in ascending order.
func (fs *FS) RelocInodes() []btrfsprim.ObjID {
	return maps.SortedKeys(fs.relocInodes)
}

// RecordAllocOwner sets the tree that data written back for ino is
// accounted to, from now until the next call.
func (fs *FS) RecordAllocOwner(ino btrfsprim.ObjID, owner btrfsprim.ObjID) {
	state := fs.delallocFor(ino)
	state.mu.Lock()
	state.owner = owner
	state.mu.Unlock()
}

// MarkDelalloc marks [off, off+size) of a relocation inode as dirty,
// to be written out by FlushDelalloc.  Write-back never coalesces a
// boundary range with the range before it.  rsv, which may be shared
// by several ranges, is released once the ranges are written out or
// dropped.
func (fs *FS) MarkDelalloc(ctx context.Context, ino btrfsprim.ObjID, off, size btrfsvol.AddrDelta, boundary bool, rsv *DataRsv) error {
	inode, ok := fs.relocInodes[ino]
	if !ok {
		return fmt.Errorf("mark delalloc %v: no reloc inode %v", off, ino)
	}
	if size <= 0 {
		return fmt.Errorf("mark delalloc %v: bad length %v", off, int64(size))
	}
	if ext := inode.extents.Floor(RelocExtent{Offset: off + size - 1}); ext != nil && ext.Value.Offset+ext.Value.Size > off {
		return fmt.Errorf("mark delalloc %v+%v: overlaps written extent at %v", off, int64(size), ext.Value.Offset)
	}
	state := fs.delallocFor(ino)
	state.mu.Lock()
	defer state.mu.Unlock()
	for _, r := range state.ranges {
		if r.Off < off+size && off < r.Off+r.Len {
			return fmt.Errorf("mark delalloc %v+%v: overlaps dirty range at %v", off, int64(size), r.Off)
		}
	}
	state.ranges = append(state.ranges, delallocRange{
		Off:      off,
		Len:      size,
		Boundary: boundary,
		Owner:    state.owner,
		rsv:      rsv,
	})
	dlog.Tracef(ctx, "reloc inode %v: dirty %v+%v boundary=%v", ino, off, int64(size), boundary)
	return nil
}

// DropDelalloc forgets every dirty range of a relocation inode.
func (fs *FS) DropDelalloc(ino btrfsprim.ObjID) {
	state, ok := fs.delalloc.LoadAndDelete(ino)
	if !ok {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	releaseRanges(state.ranges)
	state.ranges = nil
}

func releaseRanges(ranges []delallocRange) {
	released := make(map[*DataRsv]struct{})
	for _, r := range ranges {
		if _, done := released[r.rsv]; r.rsv == nil || done {
			continue
		}
		r.rsv.Release()
		released[r.rsv] = struct{}{}
	}
}

// LookupFileExtent returns the written extent of a relocation inode
// that starts exactly at off.
func (fs *FS) LookupFileExtent(ino btrfsprim.ObjID, off btrfsvol.AddrDelta) (RelocExtent, error) {
	inode, ok := fs.relocInodes[ino]
	if !ok {
		return RelocExtent{}, fmt.Errorf("reloc inode %v: %w", ino, btrfstree.ErrNoItem)
	}
	node := inode.extents.Lookup(RelocExtent{Offset: off})
	if node == nil {
		return RelocExtent{}, fmt.Errorf("reloc inode %v: no extent at %v: %w", ino, off, btrfstree.ErrNoItem)
	}
	return node.Value, nil
}

// RelocInodeExtents returns the written extents of a relocation
// inode, in offset order.
func (fs *FS) RelocInodeExtents(ino btrfsprim.ObjID) []RelocExtent {
	inode, ok := fs.relocInodes[ino]
	if !ok {
		return nil
	}
	ret := make([]RelocExtent, 0, inode.extents.Len())
	inode.extents.Range(func(node *containers.RBNode[RelocExtent]) bool {
		ret = append(ret, node.Value)
		return true
	})
	return ret
}

// DeleteRelocInode deletes a relocation inode, dropping the
// references its extents hold.
func (fs *FS) DeleteRelocInode(ctx context.Context, t *Trans, ino btrfsprim.ObjID) error {
	inode, ok := fs.relocInodes[ino]
	if !ok {
		return fmt.Errorf("delete reloc inode %v: %w", ino, btrfstree.ErrNoItem)
	}
	fs.DropDelalloc(ino)
	for _, ext := range fs.RelocInodeExtents(ino) {
		if err := fs.DecRef(ctx, t, ext.Addr, btrfsitem.RootRef(btrfsprim.DATA_RELOC_TREE_OBJECTID)); err != nil {
			return fmt.Errorf("delete reloc inode %v: %w", ino, err)
		}
	}
	inode.extents = containers.RBTree[RelocExtent]{}
	delete(fs.relocInodes, ino)
	fs.dirty()
	dlog.Debugf(ctx, "deleted reloc inode %v", ino)
	return nil
}
