// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfs

import (
	"context"
	"fmt"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfstree"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-reloc/lib/containers"
)

// ReadNode returns the node at addr, checked against exp.  The
// returned node is shared and must not be modified by the caller.
func (fs *FS) ReadNode(addr btrfsvol.LogicalAddr, exp btrfstree.NodeExpectations) (*btrfstree.Node, error) {
	node, ok := fs.nodes[addr]
	if !ok {
		return nil, &btrfstree.NodeError{Op: "btrfs.FS.ReadNode", NodeAddr: addr, Err: btrfstree.ErrNoNode}
	}
	if !exp.LAddr.OK {
		exp.LAddr = containers.OptionalValue(addr)
	}
	if err := exp.Check(node); err != nil {
		return node, &btrfstree.NodeError{Op: "btrfs.FS.ReadNode", NodeAddr: addr, Err: err}
	}
	return node, nil
}

// Modifiable returns whether node may be changed in place in t: it
// was written in t and exactly one reference to it exists.
func (fs *FS) Modifiable(t *Trans, node *btrfstree.Node) bool {
	if t == nil || node.Generation != t.id {
		return false
	}
	rec := fs.extents.Lookup(ExtentRecord{Addr: node.Addr})
	return rec != nil && rec.Value.Refs == 1
}

func (fs *FS) checkLiveRoot(tree btrfsprim.ObjID) error {
	if !tree.IsRelocTree() {
		return nil
	}
	if root, ok := fs.roots[tree]; ok && root.Refs == 0 {
		return fmt.Errorf("tree %v: %w", tree, ErrDeadRoot)
	}
	if hook := fs.loadHook(); hook != nil {
		if _, dead := hook.IsRelocRoot(tree); dead {
			return fmt.Errorf("tree %v: %w", tree, ErrDeadRoot)
		}
	}
	return nil
}

// cowBlock copies node to a new address owned by tree, and points
// the parent (or, if parent is nil, the tree's root item) at the
// copy.  Space is allocated before anything is changed, so a
// NoSpaceError leaves everything as it was.
func (fs *FS) cowBlock(ctx context.Context, t *Trans, tree btrfsprim.ObjID, parent *btrfstree.Node, slot int, node *btrfstree.Node) (*btrfstree.Node, error) {
	if err := fs.checkLiveRoot(tree); err != nil {
		return nil, err
	}
	var root *btrfsitem.Root
	if parent == nil {
		var ok bool
		root, ok = fs.roots[tree]
		if !ok {
			return nil, fmt.Errorf("cow %v: tree %v: %w", node.Addr, tree, btrfstree.ErrNoTree)
		}
	}
	addr, err := fs.allocTreeBlock(ctx, t, tree, node.Level)
	if err != nil {
		return nil, err
	}

	newNode := node.Clone()
	newNode.Addr = addr
	newNode.Generation = t.id
	newNode.Owner = tree
	newNode.Flags |= btrfstree.NodeWritten
	if tree.IsRelocTree() {
		newNode.Flags |= btrfstree.NodeReloc
	} else {
		newNode.Flags &^= btrfstree.NodeReloc
	}
	fs.nodes[addr] = newNode
	fs.setBlockInfo(newNode)

	for _, child := range childRefs(newNode) {
		if err := fs.IncRef(ctx, t, child, btrfsitem.ParentRef(addr)); err != nil {
			return nil, fmt.Errorf("cow %v: %w", node.Addr, err)
		}
	}
	ref := parentRef(tree, parent)
	if err := fs.IncRef(ctx, t, addr, ref); err != nil {
		return nil, fmt.Errorf("cow %v: %w", node.Addr, err)
	}
	if parent == nil {
		root.ByteNr = addr
		root.Generation = t.id
	} else {
		parent.BodyInterior[slot].BlockPtr = addr
		parent.BodyInterior[slot].Generation = t.id
	}
	fs.dirty()
	if err := fs.DecRef(ctx, t, node.Addr, ref); err != nil {
		return nil, fmt.Errorf("cow %v: %w", node.Addr, err)
	}

	if hook := fs.loadHook(); hook != nil {
		if err := hook.BlockCOWed(ctx, t, tree, node, newNode); err != nil {
			return nil, fmt.Errorf("cow %v: %w", node.Addr, err)
		}
	}
	return newNode, nil
}

func (fs *FS) setBlockInfo(node *btrfstree.Node) {
	rec := fs.extents.Lookup(ExtentRecord{Addr: node.Addr})
	if rec == nil {
		return
	}
	rec.Value.Info.Level = node.Level
	if key, ok := node.MinItem(); ok {
		rec.Value.Info.Key = key
	}
}

// COWBlock copies the child at parent's slot into tree.  If parent is
// nil, the tree's root node is copied.  The parent must be
// modifiable.
func (fs *FS) COWBlock(ctx context.Context, t *Trans, tree btrfsprim.ObjID, parent *btrfstree.Node, slot int) (*btrfstree.Node, error) {
	var addr btrfsvol.LogicalAddr
	var exp btrfstree.NodeExpectations
	if parent == nil {
		root, err := fs.LookupRoot(tree)
		if err != nil {
			return nil, err
		}
		addr = root.ByteNr
		exp.Level = containers.OptionalValue(root.Level)
	} else {
		if !fs.Modifiable(t, parent) {
			return nil, fmt.Errorf("cow child %d of %v: parent is not modifiable in transaction %v", slot, parent.Addr, t.id)
		}
		if slot < 0 || slot >= len(parent.BodyInterior) {
			return nil, fmt.Errorf("cow child %d of %v: slot out of range", slot, parent.Addr)
		}
		kp := parent.BodyInterior[slot]
		addr = kp.BlockPtr
		exp.Level = containers.OptionalValue(parent.Level - 1)
		exp.Generation = containers.OptionalValue(kp.Generation)
	}
	node, err := fs.ReadNode(addr, exp)
	if err != nil {
		return nil, err
	}
	return fs.cowBlock(ctx, t, tree, parent, slot, node)
}

// SetBlockPtr points a modifiable parent's slot at another block.
// The caller is responsible for the reference counts.
func (fs *FS) SetBlockPtr(ctx context.Context, t *Trans, parent *btrfstree.Node, slot int, ptr btrfsvol.LogicalAddr, gen btrfsprim.Generation) error {
	if !fs.Modifiable(t, parent) {
		return fmt.Errorf("set block pointer %d of %v: not modifiable in transaction %v", slot, parent.Addr, t.id)
	}
	if slot < 0 || slot >= len(parent.BodyInterior) {
		return fmt.Errorf("set block pointer %d of %v: slot out of range", slot, parent.Addr)
	}
	if _, err := fs.ReadNode(ptr, btrfstree.NodeExpectations{
		Level:      containers.OptionalValue(parent.Level - 1),
		Generation: containers.OptionalValue(gen),
	}); err != nil {
		return fmt.Errorf("set block pointer %d of %v: %w", slot, parent.Addr, err)
	}
	parent.BodyInterior[slot].BlockPtr = ptr
	parent.BodyInterior[slot].Generation = gen
	fs.dirty()
	return nil
}

// SetLeafItem replaces the body of a modifiable leaf's item; the key
// may not change.  The caller is responsible for the reference counts
// of any data extents involved.
func (fs *FS) SetLeafItem(ctx context.Context, t *Trans, leaf *btrfstree.Node, slot int, item btrfstree.Item) error {
	if !fs.Modifiable(t, leaf) {
		return fmt.Errorf("set item %d of %v: not modifiable in transaction %v", slot, leaf.Addr, t.id)
	}
	if leaf.Level != 0 || slot < 0 || slot >= len(leaf.BodyLeaf) {
		return fmt.Errorf("set item %d of %v: no such leaf slot", slot, leaf.Addr)
	}
	if leaf.BodyLeaf[slot].Key != item.Key {
		return fmt.Errorf("set item %d of %v: key %v does not match %v", slot, leaf.Addr, item.Key, leaf.BodyLeaf[slot].Key)
	}
	leaf.BodyLeaf[slot].Body = item.Body.CloneItem()
	fs.dirty()
	return nil
}
