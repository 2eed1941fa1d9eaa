// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfstree

import (
	"fmt"

	"github.com/datawire/dlib/derror"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-reloc/lib/containers"
)

// NodeExpectations are the things that a reader knows about a node
// before reading it; (*NodeExpectations).Check compares them against
// what the node says about itself.
type NodeExpectations struct {
	LAddr containers.Optional[btrfsvol.LogicalAddr]
	// Things knowable from the parent.
	Level      containers.Optional[uint8]
	Generation containers.Optional[btrfsprim.Generation]
	Owner      func(btrfsprim.ObjID, btrfsprim.Generation) error
	MinItem    containers.Optional[btrfsprim.Key]
	// Things knowable from the structure of the tree.
	MaxItem containers.Optional[btrfsprim.Key]
}

func (exp NodeExpectations) Check(node *Node) error {
	var errs derror.MultiError
	if exp.LAddr.OK && node.Addr != exp.LAddr.Val {
		errs = append(errs, fmt.Errorf("read from laddr=%v but claims to be at laddr=%v",
			exp.LAddr.Val, node.Addr))
	}
	if exp.Level.OK && node.Level != exp.Level.Val {
		errs = append(errs, fmt.Errorf("expected level=%v but claims to be level=%v",
			exp.Level.Val, node.Level))
	}
	if node.Level > MaxLevel {
		errs = append(errs, fmt.Errorf("level=%v exceeds max level=%v", node.Level, MaxLevel))
	}
	if exp.Generation.OK && node.Generation != exp.Generation.Val {
		errs = append(errs, fmt.Errorf("expected generation=%v but claims to be generation=%v",
			exp.Generation.Val, node.Generation))
	}
	if exp.Owner != nil {
		if err := exp.Owner(node.Owner, node.Generation); err != nil {
			errs = append(errs, err)
		}
	}
	switch {
	case node.Level > 0 && node.BodyLeaf != nil:
		errs = append(errs, fmt.Errorf("interior node has leaf items"))
	case node.Level == 0 && node.BodyInterior != nil:
		errs = append(errs, fmt.Errorf("leaf node has key pointers"))
	}
	// Only a leaf root may be empty.
	if node.NumItems() == 0 {
		if node.Level > 0 {
			errs = append(errs, fmt.Errorf("has no items"))
		}
	} else {
		if minItem, _ := node.MinItem(); exp.MinItem.OK && exp.MinItem.Val.Compare(minItem) > 0 {
			errs = append(errs, fmt.Errorf("expected minItem>=%v but node has minItem=%v",
				exp.MinItem.Val, minItem))
		}
		if maxItem, _ := node.MaxItem(); exp.MaxItem.OK && exp.MaxItem.Val.Compare(maxItem) < 0 {
			errs = append(errs, fmt.Errorf("expected maxItem<=%v but node has maxItem=%v",
				exp.MaxItem.Val, maxItem))
		}
		for i := 1; i < node.NumItems(); i++ {
			if node.KeyAt(i-1).Compare(node.KeyAt(i)) >= 0 {
				errs = append(errs, fmt.Errorf("keys out of order at slot %v: %v >= %v",
					i, node.KeyAt(i-1), node.KeyAt(i)))
			}
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}
