// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package btrfs is an in-memory model of a copy-on-write B-tree
// filesystem: block groups, transactions, space reservations, COW
// B-trees with fully back-referenced extents, an internal file type
// used by relocation, and commit-atomic persistence through a Store.
//
// Tree mutations are not safe for concurrent use; one goroutine at a
// time may hold transaction handles and mutate trees.  The hook slot,
// the transaction bookkeeping, data bytes, and the extent-map cache
// are safe for concurrent use.
package btrfs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"git.lukeshu.com/go/typedsync"
	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfssum"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfstree"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-reloc/lib/containers"
	"git.lukeshu.com/btrfs-reloc/lib/textui"
)

type Config struct {
	NodeSize   btrfsvol.AddrDelta
	SectorSize btrfsvol.AddrDelta
	// DeviceSize bounds the logical address space that chunks may
	// be allocated from.
	DeviceSize btrfsvol.AddrDelta
	ChunkSize  btrfsvol.AddrDelta

	// MaxItems is the most items or key pointers a node may hold
	// before it is split.
	MaxItems int
	// CommitDirtyThreshold is how many blocks a transaction may
	// dirty before the last handle to end it commits it.
	CommitDirtyThreshold int
	ExtentMapCacheSize   int
	WritebackWorkers     int
	ChecksumType         btrfssum.CSumType
}

func DefaultConfig() Config {
	return Config{
		NodeSize:             textui.Tunable(btrfsvol.AddrDelta(16 * 1024)),
		SectorSize:           textui.Tunable(btrfsvol.AddrDelta(4 * 1024)),
		DeviceSize:           textui.Tunable(btrfsvol.AddrDelta(1024 * 1024 * 1024)),
		ChunkSize:            textui.Tunable(btrfsvol.AddrDelta(16 * 1024 * 1024)),
		MaxItems:             textui.Tunable(64),
		CommitDirtyThreshold: textui.Tunable(256),
		ExtentMapCacheSize:   textui.Tunable(128),
		WritebackWorkers:     textui.Tunable(4),
		ChecksumType:         btrfssum.TYPE_CRC32,
	}
}

type FS struct {
	cfg   Config
	store Store

	hook atomic.Pointer[hookBox]

	transMu    sync.Mutex
	generation btrfsprim.Generation
	running    *runningTrans
	aborted    error
	commits    int
	crashAfter int

	blockGroups []*BlockGroup
	nextChunk   btrfsvol.LogicalAddr
	pinned      containers.RangeSet[btrfsvol.LogicalAddr]
	metaRsv     btrfsvol.AddrDelta

	extents containers.RBTree[ExtentRecord]
	nodes   map[btrfsvol.LogicalAddr]*btrfstree.Node
	roots   map[btrfsprim.ObjID]*btrfsitem.Root
	meta    map[string][]byte

	dataMu sync.RWMutex
	data   map[btrfsvol.LogicalAddr][]byte
	csums  map[btrfsvol.LogicalAddr]btrfssum.SumRun

	relocInodes  map[btrfsprim.ObjID]*relocInode
	nextRelocIno btrfsprim.ObjID
	delalloc     typedsync.Map[btrfsprim.ObjID, *delallocState]

	extentMaps *containers.LRUCache[inodeKey, extentMap]
	modSeq     atomic.Uint64
}

func newFS(store Store, cfg Config) *FS {
	return &FS{
		cfg:          cfg,
		store:        store,
		crashAfter:   -1,
		nodes:        make(map[btrfsvol.LogicalAddr]*btrfstree.Node),
		roots:        make(map[btrfsprim.ObjID]*btrfsitem.Root),
		meta:         make(map[string][]byte),
		data:         make(map[btrfsvol.LogicalAddr][]byte),
		csums:        make(map[btrfsvol.LogicalAddr]btrfssum.SumRun),
		relocInodes:  make(map[btrfsprim.ObjID]*relocInode),
		nextRelocIno: btrfsprim.FIRST_FREE_OBJECTID + 1,
		extentMaps:   containers.NewLRUCache[inodeKey, extentMap](cfg.ExtentMapCacheSize),
	}
}

// Mkfs creates a new filesystem in an empty store, with one chunk
// allocated per entry in layout, and commits it.
func Mkfs(ctx context.Context, store Store, cfg Config, layout ...btrfsvol.BlockGroupFlags) (*FS, error) {
	if _, err := store.Load(ctx); err == nil {
		return nil, fmt.Errorf("mkfs: store already holds a filesystem")
	} else if !errors.Is(err, ErrNoFS) {
		return nil, fmt.Errorf("mkfs: %w", err)
	}
	fs := newFS(store, cfg)
	fs.nextChunk = btrfsvol.LogicalAddr(cfg.ChunkSize)
	for _, flags := range layout {
		if err := fs.ForceChunkAlloc(ctx, flags); err != nil {
			return nil, fmt.Errorf("mkfs: %w", err)
		}
	}
	t, err := fs.StartTransaction(ctx)
	if err != nil {
		return nil, fmt.Errorf("mkfs: %w", err)
	}
	if err := t.Commit(ctx); err != nil {
		return nil, fmt.Errorf("mkfs: %w", err)
	}
	dlog.Infof(ctx, "mkfs: created filesystem with %d block groups", len(layout))
	return fs, nil
}

// Open loads the filesystem as of the last commit that reached the
// store.
func Open(ctx context.Context, store Store, cfg Config) (*FS, error) {
	snap, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	fs := newFS(store, cfg)
	fs.restore(snap)
	dlog.Infof(ctx, "open: loaded generation %v", fs.generation)
	return fs, nil
}

func (fs *FS) Config() Config { return fs.cfg }

func (fs *FS) Store() Store { return fs.store }

func (fs *FS) Close() error {
	return fs.store.Close()
}

// Generation returns the generation of the last commit.
func (fs *FS) Generation() btrfsprim.Generation {
	fs.transMu.Lock()
	defer fs.transMu.Unlock()
	return fs.generation
}

// SimulateCrashAfter makes every commit after the next n commits
// skip the store, as if power was lost once those n reached it.
func (fs *FS) SimulateCrashAfter(n int) {
	fs.transMu.Lock()
	defer fs.transMu.Unlock()
	fs.crashAfter = fs.commits + n
}

func (fs *FS) dirty() {
	fs.modSeq.Add(1)
}
