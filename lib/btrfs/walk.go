// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfs

import (
	"context"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfstree"
	"git.lukeshu.com/btrfs-reloc/lib/containers"
)

// TreeWalk calls fn for every node of a tree, parents before
// children, in key order.
func (fs *FS) TreeWalk(ctx context.Context, tree btrfsprim.ObjID, fn func(*btrfstree.Node) error) error {
	return fs.treeWalk(ctx, tree, nil, nil, fn)
}

// TreeItems returns every item of a tree, in key order.
func (fs *FS) TreeItems(ctx context.Context, tree btrfsprim.ObjID) ([]btrfstree.Item, error) {
	var ret []btrfstree.Item
	err := fs.TreeWalk(ctx, tree, func(node *btrfstree.Node) error {
		ret = append(ret, node.BodyLeaf...)
		return nil
	})
	return ret, err
}

// TreeRange returns the items of a tree with keys in [min, max].
func (fs *FS) TreeRange(ctx context.Context, tree btrfsprim.ObjID, min, max btrfsprim.Key) ([]btrfstree.Item, error) {
	var ret []btrfstree.Item
	err := fs.treeWalk(ctx, tree, &min, &max, func(node *btrfstree.Node) error {
		for _, item := range node.BodyLeaf {
			if item.Key.Compare(min) >= 0 && item.Key.Compare(max) <= 0 {
				ret = append(ret, item)
			}
		}
		return nil
	})
	return ret, err
}

func (fs *FS) treeWalk(ctx context.Context, tree btrfsprim.ObjID, min, max *btrfsprim.Key, fn func(*btrfstree.Node) error) error {
	root, err := fs.LookupRoot(tree)
	if err != nil {
		return err
	}
	var walk func(kp btrfstree.KeyPointer, exp btrfstree.NodeExpectations) error
	walk = func(kp btrfstree.KeyPointer, exp btrfstree.NodeExpectations) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		node, err := fs.ReadNode(kp.BlockPtr, exp)
		if err != nil {
			return err
		}
		if err := fn(node); err != nil {
			return err
		}
		for i, child := range node.BodyInterior {
			// child covers [child.Key, next.Key)
			if i+1 < len(node.BodyInterior) && min != nil && node.BodyInterior[i+1].Key.Compare(*min) <= 0 {
				continue
			}
			if max != nil && child.Key.Compare(*max) > 0 {
				break
			}
			if err := walk(child, btrfstree.NodeExpectations{
				Level:      containers.OptionalValue(node.Level - 1),
				Generation: containers.OptionalValue(child.Generation),
			}); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(btrfstree.KeyPointer{BlockPtr: root.ByteNr}, btrfstree.NodeExpectations{
		Level: containers.OptionalValue(root.Level),
	})
}
