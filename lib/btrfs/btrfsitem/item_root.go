// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsitem

import (
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-reloc/lib/fmtutil"
)

// A Root defines one of the trees in the filesystem.
//
// Key:
//
//	key.objectid = tree ID
//	key.offset   = 0
//
// A relocation shadow tree (ID in [FIRST_RELOC_TREE_OBJECTID,
// LAST_RELOC_TREE_OBJECTID]) also records the tree it shadows in
// SourceTree, and its merge checkpoint in DropProgress and DropLevel.
// Nodes in a shadow tree with a generation <= LastSnapshot are shared
// with the source tree as it was when the shadow was created.
type Root struct { // ROOT_ITEM=132
	ByteNr       btrfsvol.LogicalAddr // root node
	Level        uint8
	Generation   btrfsprim.Generation
	LastSnapshot btrfsprim.Generation
	Flags        RootFlags
	Refs         int32
	DropProgress btrfsprim.Key
	DropLevel    uint8
	SourceTree   btrfsprim.ObjID
}

type RootFlags uint64

const (
	ROOT_SUBVOL_RDONLY RootFlags = 1 << iota
)

var rootFlagNames = []string{
	"SUBVOL_RDONLY",
}

func (f RootFlags) Has(req RootFlags) bool { return f&req == req }
func (f RootFlags) String() string         { return fmtutil.BitfieldString(f, rootFlagNames, fmtutil.HexLower) }
