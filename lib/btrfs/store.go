// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfs

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"git.lukeshu.com/go/lowmemjson"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfssum"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfstree"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-reloc/lib/containers"
	"git.lukeshu.com/btrfs-reloc/lib/maps"
)

// A Snapshot is the complete state of a filesystem as of one commit.
type Snapshot struct {
	Generation  btrfsprim.Generation
	NextChunk   btrfsvol.LogicalAddr
	NextInode   btrfsprim.ObjID
	BlockGroups []BlockGroup
	Roots       []RootEntry
	Extents     []ExtentRecord
	Nodes       []*btrfstree.Node
	Data        []DataEntry
	RelocInodes []RelocInodeEntry
	Meta        []MetaEntry
}

type RootEntry struct {
	ID   btrfsprim.ObjID
	Root btrfsitem.Root
}

type DataEntry struct {
	Addr btrfsvol.LogicalAddr
	Data []byte
	Sums btrfssum.SumRun
}

type RelocInodeEntry struct {
	Inode      btrfsprim.ObjID
	BlockGroup btrfsvol.LogicalAddr
	Extents    []RelocExtent
}

type MetaEntry struct {
	Key string
	Val []byte
}

// A Store persists filesystem commits.  A commit either fully
// reaches the store or not at all.
type Store interface {
	// Commit durably replaces the stored state with snap.  snap
	// shares memory with the live filesystem, and must not be
	// retained after Commit returns.
	Commit(ctx context.Context, snap *Snapshot) error
	// Load returns the last committed state, or ErrNoFS.
	Load(ctx context.Context) (*Snapshot, error)
	Close() error
}

// MemStore is a Store that holds the last commit in memory, encoded.
type MemStore struct {
	mu  sync.Mutex
	buf []byte
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{}
}

func (s *MemStore) Commit(_ context.Context, snap *Snapshot) error {
	var buf bytes.Buffer
	if err := lowmemjson.NewEncoder(&buf).Encode(snap); err != nil {
		return fmt.Errorf("memstore: commit: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = buf.Bytes()
	return nil
}

func (s *MemStore) Load(_ context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf == nil {
		return nil, ErrNoFS
	}
	var snap Snapshot
	if err := lowmemjson.NewDecoder(bytes.NewReader(s.buf)).DecodeThenEOF(&snap); err != nil {
		return nil, fmt.Errorf("memstore: load: %w", err)
	}
	return &snap, nil
}

func (*MemStore) Close() error { return nil }

func (fs *FS) snapshot(gen btrfsprim.Generation) *Snapshot {
	snap := &Snapshot{
		Generation:  gen,
		NextChunk:   fs.nextChunk,
		NextInode:   fs.nextRelocIno,
		BlockGroups: fs.BlockGroups(),
	}
	for _, id := range maps.SortedKeys(fs.roots) {
		snap.Roots = append(snap.Roots, RootEntry{ID: id, Root: *fs.roots[id]})
	}
	fs.extents.Range(func(node *containers.RBNode[ExtentRecord]) bool {
		snap.Extents = append(snap.Extents, node.Value)
		if node.Value.Flags.Has(btrfsitem.EXTENT_FLAG_TREE_BLOCK) {
			if tnode, ok := fs.nodes[node.Value.Addr]; ok {
				snap.Nodes = append(snap.Nodes, tnode)
			}
		}
		return true
	})
	fs.dataMu.RLock()
	for _, addr := range maps.SortedKeys(fs.data) {
		snap.Data = append(snap.Data, DataEntry{
			Addr: addr,
			Data: fs.data[addr],
			Sums: fs.csums[addr],
		})
	}
	fs.dataMu.RUnlock()
	for _, ino := range fs.RelocInodes() {
		snap.RelocInodes = append(snap.RelocInodes, RelocInodeEntry{
			Inode:      ino,
			BlockGroup: fs.relocInodes[ino].BlockGroup,
			Extents:    fs.RelocInodeExtents(ino),
		})
	}
	for _, key := range maps.SortedKeys(fs.meta) {
		snap.Meta = append(snap.Meta, MetaEntry{Key: key, Val: fs.meta[key]})
	}
	return snap
}

func (fs *FS) restore(snap *Snapshot) {
	fs.generation = snap.Generation
	fs.nextChunk = snap.NextChunk
	fs.nextRelocIno = snap.NextInode
	for _, bg := range snap.BlockGroups {
		bg := bg
		bg.Pinned, bg.Reserved = 0, 0
		fs.blockGroups = append(fs.blockGroups, &bg)
	}
	for _, ent := range snap.Roots {
		root := ent.Root
		fs.roots[ent.ID] = &root
	}
	for _, rec := range snap.Extents {
		fs.extents.Insert(rec)
	}
	for _, node := range snap.Nodes {
		fs.nodes[node.Addr] = node
	}
	for _, ent := range snap.Data {
		fs.data[ent.Addr] = ent.Data
		fs.csums[ent.Addr] = ent.Sums
	}
	for _, ent := range snap.RelocInodes {
		inode := &relocInode{BlockGroup: ent.BlockGroup}
		for _, ext := range ent.Extents {
			inode.extents.Insert(ext)
		}
		fs.relocInodes[ent.Inode] = inode
	}
	for _, ent := range snap.Meta {
		fs.meta[ent.Key] = ent.Val
	}
}
