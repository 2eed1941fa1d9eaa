// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsitem

import (
	"fmt"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-reloc/lib/fmtutil"
)

// key.objectid = laddr of the extent
// key.offset = length of the extent
//
// Every reference to an extent is recorded in Backrefs; Refs is the
// sum of their counts.
type Extent struct { // EXTENT_ITEM=168
	Refs       int64
	Generation btrfsprim.Generation
	Flags      ExtentFlags
	// Owner is the tree that allocated the extent; for data
	// extents it is the tree charged by quota accounting.
	Owner    btrfsprim.ObjID
	Info     TreeBlockInfo // only if .Flags.Has(EXTENT_FLAG_TREE_BLOCK)
	Backrefs []ExtentBackref
}

func (o Extent) Clone() Extent {
	o.Backrefs = append([]ExtentBackref(nil), o.Backrefs...)
	return o
}

type TreeBlockInfo struct {
	Key   btrfsprim.Key
	Level uint8
}

type ExtentFlags uint64

const (
	EXTENT_FLAG_DATA = ExtentFlags(1 << iota)
	EXTENT_FLAG_TREE_BLOCK
)

var extentFlagNames = []string{
	"DATA",
	"TREE_BLOCK",
}

func (f ExtentFlags) Has(req ExtentFlags) bool { return f&req == req }
func (f ExtentFlags) String() string {
	return fmtutil.BitfieldString(f, extentFlagNames, fmtutil.HexNone)
}

// An ExtentBackref records that the extent is referenced either by a
// node (Parent; a tree node for tree blocks, a leaf holding file
// extents for data) or directly by a tree (Root; the root node of a
// tree, or an internal file for data).  Exactly one of Parent and
// Root is set.
type ExtentBackref struct {
	Parent btrfsvol.LogicalAddr `json:",omitempty"`
	Root   btrfsprim.ObjID      `json:",omitempty"`
	Count  int32
}

func ParentRef(parent btrfsvol.LogicalAddr) ExtentBackref {
	return ExtentBackref{Parent: parent, Count: 1}
}

func RootRef(root btrfsprim.ObjID) ExtentBackref {
	return ExtentBackref{Root: root, Count: 1}
}

// Same returns whether two backrefs name the same referrer,
// regardless of count.
func (ref ExtentBackref) Same(other ExtentBackref) bool {
	return ref.Parent == other.Parent && ref.Root == other.Root
}

// Type returns the item type that would record this backref in an
// on-disk extent tree.
func (ref ExtentBackref) Type(flags ExtentFlags) Type {
	switch {
	case flags.Has(EXTENT_FLAG_TREE_BLOCK) && ref.Parent != 0:
		return btrfsprim.SHARED_BLOCK_REF_KEY
	case flags.Has(EXTENT_FLAG_TREE_BLOCK):
		return btrfsprim.TREE_BLOCK_REF_KEY
	case ref.Parent != 0:
		return btrfsprim.SHARED_DATA_REF_KEY
	default:
		return btrfsprim.EXTENT_DATA_REF_KEY
	}
}

func (ref ExtentBackref) String() string {
	if ref.Parent != 0 {
		return fmt.Sprintf("parent=%v count=%d", ref.Parent, ref.Count)
	}
	return fmt.Sprintf("root=%v count=%d", ref.Root, ref.Count)
}
