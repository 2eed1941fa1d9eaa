// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsreloc

import (
	"context"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfstree"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsvol"
)

// A backrefResolver is the part of the filesystem that the backref
// builder reads.
type backrefResolver interface {
	FindParents(addr btrfsvol.LogicalAddr) ([]btrfsitem.ExtentBackref, error)
	ReadNode(addr btrfsvol.LogicalAddr, exp btrfstree.NodeExpectations) (*btrfstree.Node, error)
	LookupRoot(id btrfsprim.ObjID) (btrfsitem.Root, error)
}

// FS is everything that relocation needs from the filesystem.
type FS interface {
	backrefResolver

	Config() btrfs.Config
	SetRelocHook(h btrfs.RelocHook) bool
	ClearRelocHook(h btrfs.RelocHook)

	// Transactions and space.
	StartTransaction(ctx context.Context) (*btrfs.Trans, error)
	NewBlockRsv() *btrfs.BlockRsv
	ReserveData(ctx context.Context, size btrfsvol.AddrDelta) (*btrfs.DataRsv, error)
	ForceChunkAlloc(ctx context.Context, flags btrfsvol.BlockGroupFlags) error
	LookupBlockGroup(start btrfsvol.LogicalAddr) (btrfs.BlockGroup, error)
	SetBlockGroupRO(ctx context.Context, t *btrfs.Trans, start btrfsvol.LogicalAddr, readOnly bool) error
	RemoveBlockGroup(ctx context.Context, t *btrfs.Trans, start btrfsvol.LogicalAddr) error

	// Extents.
	NextExtent(from, end btrfsvol.LogicalAddr) (btrfs.ExtentRecord, bool)
	LookupExtent(addr btrfsvol.LogicalAddr) (btrfs.ExtentRecord, error)
	IncRef(ctx context.Context, t *btrfs.Trans, addr btrfsvol.LogicalAddr, ref btrfsitem.ExtentBackref) error
	DecRef(ctx context.Context, t *btrfs.Trans, addr btrfsvol.LogicalAddr, ref btrfsitem.ExtentBackref) error

	// Trees.
	SearchSlot(ctx context.Context, t *btrfs.Trans, tree btrfsprim.ObjID, key btrfsprim.Key, lowestLevel uint8, cow bool) (btrfstree.Path, error)
	COWBlock(ctx context.Context, t *btrfs.Trans, tree btrfsprim.ObjID, parent *btrfstree.Node, slot int) (*btrfstree.Node, error)
	SetBlockPtr(ctx context.Context, t *btrfs.Trans, parent *btrfstree.Node, slot int, ptr btrfsvol.LogicalAddr, gen btrfsprim.Generation) error
	SetLeafItem(ctx context.Context, t *btrfs.Trans, leaf *btrfstree.Node, slot int, item btrfstree.Item) error
	SetRootItem(ctx context.Context, t *btrfs.Trans, id btrfsprim.ObjID, root btrfsitem.Root) error
	Roots() []btrfsprim.ObjID
	AllocTreeID(t *btrfs.Trans, lo, hi btrfsprim.ObjID) (btrfsprim.ObjID, error)
	CopyRoot(ctx context.Context, t *btrfs.Trans, src, dst btrfsprim.ObjID) (*btrfstree.Node, error)
	DropTree(ctx context.Context, t *btrfs.Trans, id btrfsprim.ObjID) error

	// Relocation inodes.
	CreateRelocInode(ctx context.Context, t *btrfs.Trans, bg btrfsvol.LogicalAddr) (btrfsprim.ObjID, error)
	RelocInodes() []btrfsprim.ObjID
	DeleteRelocInode(ctx context.Context, t *btrfs.Trans, ino btrfsprim.ObjID) error
	RecordAllocOwner(ino btrfsprim.ObjID, owner btrfsprim.ObjID)
	MarkDelalloc(ctx context.Context, ino btrfsprim.ObjID, off, size btrfsvol.AddrDelta, boundary bool, rsv *btrfs.DataRsv) error
	FlushDelalloc(ctx context.Context, t *btrfs.Trans, ino btrfsprim.ObjID) error
	DropDelalloc(ino btrfsprim.ObjID)
	LookupFileExtent(ino btrfsprim.ObjID, off btrfsvol.AddrDelta) (btrfs.RelocExtent, error)
	InvalidateInodeCache(tree, ino btrfsprim.ObjID)

	// Small persisted values.
	GetMeta(key string) ([]byte, bool)
	SetMeta(t *btrfs.Trans, key string, val []byte)
	DeleteMeta(t *btrfs.Trans, key string)
}

var _ FS = (*btrfs.FS)(nil)
