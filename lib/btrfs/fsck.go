// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfs

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfstree"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-reloc/lib/containers"
	"git.lukeshu.com/btrfs-reloc/lib/maps"
)

type refKey struct {
	Parent btrfsvol.LogicalAddr
	Root   btrfsprim.ObjID
}

// Fsck checks the filesystem for consistency: every reference held
// by a live tree or relocation inode is recorded in the extent index
// and vice versa, nodes agree with the key pointers to them, data
// matches its checksums, and block-group usage adds up.
func (fs *FS) Fsck(ctx context.Context) error {
	var errs derror.MultiError
	errorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	want := make(map[btrfsvol.LogicalAddr]map[refKey]int32)
	addRef := func(addr btrfsvol.LogicalAddr, ref btrfsitem.ExtentBackref) {
		if want[addr] == nil {
			want[addr] = make(map[refKey]int32)
		}
		want[addr][refKey{Parent: ref.Parent, Root: ref.Root}]++
	}

	visited := make(containers.Set[btrfsvol.LogicalAddr])
	var walk func(tree btrfsprim.ObjID, addr btrfsvol.LogicalAddr, exp btrfstree.NodeExpectations)
	walk = func(tree btrfsprim.ObjID, addr btrfsvol.LogicalAddr, exp btrfstree.NodeExpectations) {
		node, err := fs.ReadNode(addr, exp)
		if err != nil {
			errorf("tree %v: %w", tree, err)
			if node == nil {
				return
			}
		}
		if visited.Has(addr) {
			return
		}
		visited.Insert(addr)
		if rec := fs.extents.Lookup(ExtentRecord{Addr: addr}); rec == nil {
			errorf("node %v: not in the extent index", addr)
		} else if !rec.Value.Flags.Has(btrfsitem.EXTENT_FLAG_TREE_BLOCK) || rec.Value.Info.Level != node.Level {
			errorf("node %v: extent record says %v level %v, node is level %v",
				addr, rec.Value.Flags, rec.Value.Info.Level, node.Level)
		}
		for _, item := range node.BodyLeaf {
			if dataAddr, ok := dataRef(item); ok {
				addRef(dataAddr, btrfsitem.ParentRef(addr))
			}
		}
		for _, kp := range node.BodyInterior {
			addRef(kp.BlockPtr, btrfsitem.ParentRef(addr))
			walk(tree, kp.BlockPtr, btrfstree.NodeExpectations{
				Level:      containers.OptionalValue(node.Level - 1),
				Generation: containers.OptionalValue(kp.Generation),
			})
			if child, ok := fs.nodes[kp.BlockPtr]; ok {
				if key, ok := child.MinItem(); ok && key != kp.Key {
					errorf("node %v: key pointer to %v has key %v, but child starts at %v",
						addr, kp.BlockPtr, kp.Key, key)
				}
			}
		}
	}

	for _, id := range fs.Roots() {
		if err := ctx.Err(); err != nil {
			return err
		}
		root := fs.roots[id]
		addRef(root.ByteNr, btrfsitem.RootRef(id))
		walk(id, root.ByteNr, btrfstree.NodeExpectations{
			Level: containers.OptionalValue(root.Level),
		})
	}
	for _, ino := range fs.RelocInodes() {
		for _, ext := range fs.RelocInodeExtents(ino) {
			addRef(ext.Addr, btrfsitem.RootRef(btrfsprim.DATA_RELOC_TREE_OBJECTID))
		}
	}

	used := make(map[btrfsvol.LogicalAddr]btrfsvol.AddrDelta)
	fs.extents.Range(func(node *containers.RBNode[ExtentRecord]) bool {
		rec := node.Value
		if bg := fs.blockGroupFor(rec.Addr); bg == nil || rec.End() > bg.End() {
			errorf("extent %v: not within a block group", rec.Addr)
		} else {
			used[bg.Start] += rec.Size
		}
		var sum int64
		for _, ref := range rec.Backrefs {
			sum += int64(ref.Count)
			key := refKey{Parent: ref.Parent, Root: ref.Root}
			if got := want[rec.Addr][key]; got != ref.Count {
				errorf("extent %v: backref %v: recorded count %v, found %v", rec.Addr, ref, ref.Count, got)
			}
			delete(want[rec.Addr], key)
		}
		for _, key := range maps.Keys(want[rec.Addr]) {
			errorf("extent %v: unrecorded reference from parent=%v root=%v", rec.Addr, key.Parent, key.Root)
		}
		delete(want, rec.Addr)
		if rec.Refs != sum {
			errorf("extent %v: refs=%v, but backrefs sum to %v", rec.Addr, rec.Refs, sum)
		}
		if rec.Refs <= 0 {
			errorf("extent %v: has no references", rec.Addr)
		}
		if rec.Flags.Has(btrfsitem.EXTENT_FLAG_TREE_BLOCK) && !visited.Has(rec.Addr) {
			errorf("extent %v: tree block not reachable from any tree", rec.Addr)
		}
		if rec.Flags.Has(btrfsitem.EXTENT_FLAG_DATA) {
			if _, err := fs.readData(rec.Addr); err != nil {
				errorf("extent %v: %w", rec.Addr, err)
			}
		}
		return true
	})
	for _, addr := range maps.SortedKeys(want) {
		errorf("extent %v: referenced, but not in the extent index", addr)
	}
	for _, bg := range fs.blockGroups {
		if used[bg.Start] != bg.Used {
			errorf("block group %v: used=%v, but extents sum to %v", bg.Start, bg.Used, used[bg.Start])
		}
	}

	if len(errs) > 0 {
		dlog.Errorf(ctx, "fsck: %d problems", len(errs))
		return errs
	}
	dlog.Debugf(ctx, "fsck: clean")
	return nil
}
