// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfs

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfstree"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsvol"
)

// An ExtentRecord is an entry in the extent index: one allocated
// tree block or data extent, with every reference to it.
type ExtentRecord struct {
	Addr btrfsvol.LogicalAddr
	Size btrfsvol.AddrDelta
	btrfsitem.Extent
}

func (a ExtentRecord) Compare(b ExtentRecord) int {
	return a.Addr.Compare(b.Addr)
}

func (rec ExtentRecord) End() btrfsvol.LogicalAddr {
	return rec.Addr.Add(rec.Size)
}

func (rec ExtentRecord) Clone() ExtentRecord {
	rec.Extent = rec.Extent.Clone()
	return rec
}

func (fs *FS) LookupExtent(addr btrfsvol.LogicalAddr) (ExtentRecord, error) {
	node := fs.extents.Lookup(ExtentRecord{Addr: addr})
	if node == nil {
		return ExtentRecord{}, fmt.Errorf("extent@%v: %w", addr, btrfstree.ErrNoItem)
	}
	return node.Value.Clone(), nil
}

// NextExtent returns the lowest extent starting in [from, end).
func (fs *FS) NextExtent(from, end btrfsvol.LogicalAddr) (ExtentRecord, bool) {
	node := fs.extents.Ceil(ExtentRecord{Addr: from})
	if node == nil || node.Value.Addr >= end {
		return ExtentRecord{}, false
	}
	return node.Value.Clone(), true
}

// FindParents returns the direct referrers of an extent.
func (fs *FS) FindParents(addr btrfsvol.LogicalAddr) ([]btrfsitem.ExtentBackref, error) {
	node := fs.extents.Lookup(ExtentRecord{Addr: addr})
	if node == nil {
		return nil, fmt.Errorf("find parents of %v: %w", addr, btrfstree.ErrNoItem)
	}
	return append([]btrfsitem.ExtentBackref(nil), node.Value.Backrefs...), nil
}

// IncRef adds ref.Count references from ref's referrer to the extent
// at addr.
func (fs *FS) IncRef(ctx context.Context, t *Trans, addr btrfsvol.LogicalAddr, ref btrfsitem.ExtentBackref) error {
	node := fs.extents.Lookup(ExtentRecord{Addr: addr})
	if node == nil {
		return fmt.Errorf("inc ref %v on %v: %w", ref, addr, btrfstree.ErrNoItem)
	}
	if ref.Count <= 0 {
		ref.Count = 1
	}
	rec := &node.Value
	rec.Refs += int64(ref.Count)
	for i := range rec.Backrefs {
		if rec.Backrefs[i].Same(ref) {
			rec.Backrefs[i].Count += ref.Count
			return nil
		}
	}
	rec.Backrefs = append(rec.Backrefs, ref)
	dlog.Tracef(ctx, "inc ref %v on %v: refs=%v", ref, addr, rec.Refs)
	return nil
}

// DecRef drops ref.Count references from ref's referrer to the extent
// at addr.  An extent that loses its last reference is freed, which
// for a tree block drops the references it holds in turn.
func (fs *FS) DecRef(ctx context.Context, t *Trans, addr btrfsvol.LogicalAddr, ref btrfsitem.ExtentBackref) error {
	node := fs.extents.Lookup(ExtentRecord{Addr: addr})
	if node == nil {
		return fmt.Errorf("dec ref %v on %v: %w", ref, addr, btrfstree.ErrNoItem)
	}
	if ref.Count <= 0 {
		ref.Count = 1
	}
	rec := &node.Value
	idx := -1
	for i := range rec.Backrefs {
		if rec.Backrefs[i].Same(ref) {
			idx = i
			break
		}
	}
	if idx < 0 || rec.Backrefs[idx].Count < ref.Count {
		return fmt.Errorf("dec ref %v on %v: no such reference (have %v)", ref, addr, rec.Backrefs)
	}
	rec.Backrefs[idx].Count -= ref.Count
	if rec.Backrefs[idx].Count == 0 {
		rec.Backrefs = append(rec.Backrefs[:idx], rec.Backrefs[idx+1:]...)
	}
	rec.Refs -= int64(ref.Count)
	if rec.Refs > 0 {
		return nil
	}

	freed := rec.Clone()
	fs.extents.Delete(node)
	fs.pin(freed)
	fs.dirty()
	dlog.Tracef(ctx, "freed %v extent %v", freed.Flags, addr)

	if freed.Flags.Has(btrfsitem.EXTENT_FLAG_DATA) {
		fs.dataMu.Lock()
		delete(fs.data, addr)
		delete(fs.csums, addr)
		fs.dataMu.Unlock()
		return nil
	}
	tnode, ok := fs.nodes[addr]
	if !ok {
		return fmt.Errorf("free tree block %v: %w", addr, btrfstree.ErrNoNode)
	}
	delete(fs.nodes, addr)
	for _, child := range childRefs(tnode) {
		if err := fs.DecRef(ctx, t, child, btrfsitem.ParentRef(addr)); err != nil {
			return fmt.Errorf("free tree block %v: %w", addr, err)
		}
	}
	return nil
}

// dataRef returns the data extent that a leaf item references.
func dataRef(item btrfstree.Item) (btrfsvol.LogicalAddr, bool) {
	fe, ok := item.Body.(*btrfsitem.FileExtent)
	if !ok || fe.Hole() || fe.Type == btrfsitem.FILE_EXTENT_INLINE {
		return 0, false
	}
	return fe.DiskByteNr, true
}

// childRefs returns every extent that node holds a reference to, once
// per reference.
func childRefs(node *btrfstree.Node) []btrfsvol.LogicalAddr {
	var ret []btrfsvol.LogicalAddr
	if node.Level > 0 {
		for _, kp := range node.BodyInterior {
			ret = append(ret, kp.BlockPtr)
		}
		return ret
	}
	for _, item := range node.BodyLeaf {
		if addr, ok := dataRef(item); ok {
			ret = append(ret, addr)
		}
	}
	return ret
}

// moveRefs moves the references that a slice of a node's children
// hold from one parent node to another.
func (fs *FS) moveRefs(ctx context.Context, t *Trans, children []btrfsvol.LogicalAddr, from, to btrfsvol.LogicalAddr) error {
	for _, child := range children {
		if err := fs.IncRef(ctx, t, child, btrfsitem.ParentRef(to)); err != nil {
			return err
		}
		if err := fs.DecRef(ctx, t, child, btrfsitem.ParentRef(from)); err != nil {
			return err
		}
	}
	return nil
}

func parentRef(tree btrfsprim.ObjID, parent *btrfstree.Node) btrfsitem.ExtentBackref {
	if parent == nil {
		return btrfsitem.RootRef(tree)
	}
	return btrfsitem.ParentRef(parent.Addr)
}
