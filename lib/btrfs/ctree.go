// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
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
	"git.lukeshu.com/btrfs-reloc/lib/slices"
)

// SearchSlot walks tree from the root down to lowestLevel, following
// key.  If cow is set, every node on the path that is not modifiable
// in t is COWed first, so that the whole returned path is modifiable.
// t may be nil if cow is not set.
func (fs *FS) SearchSlot(ctx context.Context, t *Trans, tree btrfsprim.ObjID, key btrfsprim.Key, lowestLevel uint8, cow bool) (btrfstree.Path, error) {
	root, err := fs.LookupRoot(tree)
	if err != nil {
		return nil, err
	}
	if lowestLevel > root.Level {
		return nil, fmt.Errorf("search tree %v: level %v is above the root (level %v): %w",
			tree, lowestLevel, root.Level, btrfstree.ErrNoItem)
	}
	node, err := fs.ReadNode(root.ByteNr, btrfstree.NodeExpectations{
		Level: containers.OptionalValue(root.Level),
	})
	if err != nil {
		return nil, err
	}

	var path btrfstree.Path
	var parent *btrfstree.Node
	parentSlot := 0
	for {
		from := node.Addr
		if cow && !fs.Modifiable(t, node) {
			node, err = fs.cowBlock(ctx, t, tree, parent, parentSlot, node)
			if err != nil {
				return nil, err
			}
		}
		var slot int
		if node.Level == 0 {
			slot, _ = node.SearchLeaf(key)
		} else {
			slot, _ = node.SearchInterior(key)
		}
		path = append(path, btrfstree.PathElem{Node: node, Slot: slot, FromAddr: from})
		if node.Level <= lowestLevel {
			return path, nil
		}
		kp := node.BodyInterior[slot]
		child, err := fs.ReadNode(kp.BlockPtr, btrfstree.NodeExpectations{
			Level:      containers.OptionalValue(node.Level - 1),
			Generation: containers.OptionalValue(kp.Generation),
		})
		if err != nil {
			return nil, err
		}
		parent, parentSlot, node = node, slot, child
	}
}

// LookupItem returns the item with exactly the given key.
func (fs *FS) LookupItem(ctx context.Context, tree btrfsprim.ObjID, key btrfsprim.Key) (btrfstree.Item, error) {
	path, err := fs.SearchSlot(ctx, nil, tree, key, 0, false)
	if err != nil {
		return btrfstree.Item{}, err
	}
	leaf := path.Lowest()
	if got, ok := path.Key(); !ok || got != key {
		return btrfstree.Item{}, fmt.Errorf("tree %v: key %v: %w", tree, key, btrfstree.ErrNoItem)
	}
	item := leaf.Node.BodyLeaf[leaf.Slot]
	return btrfstree.Item{Key: item.Key, Body: item.Body.CloneItem()}, nil
}

// CreateTree creates an empty tree with a root item.
func (fs *FS) CreateTree(ctx context.Context, t *Trans, id btrfsprim.ObjID) error {
	if _, exists := fs.roots[id]; exists {
		return fmt.Errorf("create tree %v: already exists", id)
	}
	addr, err := fs.allocTreeBlock(ctx, t, id, 0)
	if err != nil {
		return fmt.Errorf("create tree %v: %w", id, err)
	}
	fs.nodes[addr] = &btrfstree.Node{
		Addr:       addr,
		Owner:      id,
		Generation: t.id,
		Flags:      btrfstree.NodeWritten,
	}
	if err := fs.IncRef(ctx, t, addr, btrfsitem.RootRef(id)); err != nil {
		return err
	}
	fs.roots[id] = &btrfsitem.Root{
		ByteNr:     addr,
		Generation: t.id,
		Refs:       1,
	}
	fs.dirty()
	return nil
}

// BuildTree creates a tree holding the given items.
func (fs *FS) BuildTree(ctx context.Context, t *Trans, id btrfsprim.ObjID, items []btrfstree.Item) error {
	if err := fs.CreateTree(ctx, t, id); err != nil {
		return err
	}
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fs.InsertItem(ctx, t, id, item); err != nil {
			return fmt.Errorf("build tree %v: %w", id, err)
		}
	}
	return nil
}

// InsertItem adds a new item to tree, splitting nodes as needed.  A
// data extent referenced by the item gains a reference from the leaf
// it lands in.
func (fs *FS) InsertItem(ctx context.Context, t *Trans, tree btrfsprim.ObjID, item btrfstree.Item) error {
	path, err := fs.SearchSlot(ctx, t, tree, item.Key, 0, true)
	if err != nil {
		return fmt.Errorf("insert %v into tree %v: %w", item.Key, tree, err)
	}
	if key, ok := path.Key(); ok && key == item.Key {
		return fmt.Errorf("insert %v into tree %v: item already exists", item.Key, tree)
	}

	// Allocate every block that splitting may need before touching
	// anything.
	need := 0
	for i := len(path) - 1; i >= 0 && path[i].Node.NumItems() >= fs.cfg.MaxItems; i-- {
		need++
		if i == 0 {
			need++
		}
	}
	addrs := make([]btrfsvol.LogicalAddr, 0, need)
	for len(addrs) < need {
		addr, err := fs.allocTreeBlock(ctx, t, tree, 0)
		if err != nil {
			for _, addr := range addrs {
				fs.unallocate(addr)
			}
			return fmt.Errorf("insert %v into tree %v: %w", item.Key, tree, err)
		}
		addrs = append(addrs, addr)
	}

	leaf := path.Lowest()
	leaf.Node.BodyLeaf = slices.Insert(leaf.Node.BodyLeaf, leaf.Slot,
		btrfstree.Item{Key: item.Key, Body: item.Body.CloneItem()})
	if addr, ok := dataRef(item); ok {
		if err := fs.IncRef(ctx, t, addr, btrfsitem.ParentRef(leaf.Node.Addr)); err != nil {
			return fmt.Errorf("insert %v into tree %v: %w", item.Key, tree, err)
		}
	}
	if leaf.Slot == 0 {
		fixupLowKeys(path, len(path)-1)
	}
	fs.dirty()
	return fs.splitPath(ctx, t, tree, path, addrs)
}

// UpdateItem replaces the body of an existing item.
func (fs *FS) UpdateItem(ctx context.Context, t *Trans, tree btrfsprim.ObjID, item btrfstree.Item) error {
	path, err := fs.SearchSlot(ctx, t, tree, item.Key, 0, true)
	if err != nil {
		return fmt.Errorf("update %v in tree %v: %w", item.Key, tree, err)
	}
	if key, ok := path.Key(); !ok || key != item.Key {
		return fmt.Errorf("update %v in tree %v: %w", item.Key, tree, btrfstree.ErrNoItem)
	}
	leaf := path.Lowest()
	old := leaf.Node.BodyLeaf[leaf.Slot]
	ref := btrfsitem.ParentRef(leaf.Node.Addr)
	if addr, ok := dataRef(item); ok {
		if err := fs.IncRef(ctx, t, addr, ref); err != nil {
			return err
		}
	}
	leaf.Node.BodyLeaf[leaf.Slot] = btrfstree.Item{Key: item.Key, Body: item.Body.CloneItem()}
	fs.dirty()
	if addr, ok := dataRef(old); ok {
		if err := fs.DecRef(ctx, t, addr, ref); err != nil {
			return err
		}
	}
	return nil
}

// fixupLowKeys propagates a changed first key of path[i] up into the
// key pointers of its ancestors.
func fixupLowKeys(path btrfstree.Path, i int) {
	for ; i > 0; i-- {
		key, ok := path[i].Node.MinItem()
		if !ok {
			return
		}
		parent := path[i-1]
		parent.Node.BodyInterior[parent.Slot].Key = key
		if parent.Slot != 0 {
			return
		}
	}
}

// splitPath splits every over-full node on path, bottom-up, using the
// pre-allocated addrs; any left over are given back.
func (fs *FS) splitPath(ctx context.Context, t *Trans, tree btrfsprim.ObjID, path btrfstree.Path, addrs []btrfsvol.LogicalAddr) error {
	defer func() {
		for _, addr := range addrs {
			fs.unallocate(addr)
		}
	}()
	for i := len(path) - 1; i >= 0; i-- {
		node := path[i].Node
		if node.NumItems() <= fs.cfg.MaxItems {
			return nil
		}
		right, err := fs.splitNode(ctx, t, tree, node, addrs[0])
		addrs = addrs[1:]
		if err != nil {
			return err
		}
		if i > 0 {
			parent := path[i-1]
			if err := fs.IncRef(ctx, t, right.Addr, btrfsitem.ParentRef(parent.Node.Addr)); err != nil {
				return err
			}
			parent.Node.BodyInterior = slices.Insert(parent.Node.BodyInterior, parent.Slot+1, btrfstree.KeyPointer{
				Key:        firstKey(right),
				BlockPtr:   right.Addr,
				Generation: right.Generation,
			})
			continue
		}

		// The root split; grow the tree by a level.
		rootAddr := addrs[0]
		addrs = addrs[1:]
		newRoot := &btrfstree.Node{
			Addr:       rootAddr,
			Level:      node.Level + 1,
			Owner:      tree,
			Generation: t.id,
			Flags:      node.Flags,
			BodyInterior: []btrfstree.KeyPointer{
				{Key: firstKey(node), BlockPtr: node.Addr, Generation: node.Generation},
				{Key: firstKey(right), BlockPtr: right.Addr, Generation: right.Generation},
			},
		}
		fs.nodes[rootAddr] = newRoot
		fs.setBlockInfo(newRoot)
		if err := fs.IncRef(ctx, t, rootAddr, btrfsitem.RootRef(tree)); err != nil {
			return err
		}
		if err := fs.IncRef(ctx, t, right.Addr, btrfsitem.ParentRef(rootAddr)); err != nil {
			return err
		}
		if err := fs.moveRefsFromRoot(ctx, t, tree, node.Addr, rootAddr); err != nil {
			return err
		}
		root := fs.roots[tree]
		root.ByteNr = rootAddr
		root.Level = newRoot.Level
		root.Generation = t.id
	}
	return nil
}

func (fs *FS) moveRefsFromRoot(ctx context.Context, t *Trans, tree btrfsprim.ObjID, addr, newParent btrfsvol.LogicalAddr) error {
	if err := fs.IncRef(ctx, t, addr, btrfsitem.ParentRef(newParent)); err != nil {
		return err
	}
	return fs.DecRef(ctx, t, addr, btrfsitem.RootRef(tree))
}

// splitNode moves the upper half of node into a new node at addr.
// The new node has no references yet.
func (fs *FS) splitNode(ctx context.Context, t *Trans, tree btrfsprim.ObjID, node *btrfstree.Node, addr btrfsvol.LogicalAddr) (*btrfstree.Node, error) {
	mid := node.NumItems() / 2
	right := &btrfstree.Node{
		Addr:       addr,
		Level:      node.Level,
		Owner:      tree,
		Generation: t.id,
		Flags:      node.Flags,
	}
	if node.Level > 0 {
		right.BodyInterior = append([]btrfstree.KeyPointer(nil), node.BodyInterior[mid:]...)
		node.BodyInterior = node.BodyInterior[:mid:mid]
	} else {
		right.BodyLeaf = append([]btrfstree.Item(nil), node.BodyLeaf[mid:]...)
		node.BodyLeaf = node.BodyLeaf[:mid:mid]
	}
	fs.nodes[addr] = right
	fs.setBlockInfo(right)
	if err := fs.moveRefs(ctx, t, childRefs(right), node.Addr, addr); err != nil {
		return nil, fmt.Errorf("split %v: %w", node.Addr, err)
	}
	return right, nil
}

func firstKey(node *btrfstree.Node) btrfsprim.Key {
	key, _ := node.MinItem()
	return key
}
