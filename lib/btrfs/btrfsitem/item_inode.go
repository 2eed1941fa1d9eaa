// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsitem

import (
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-reloc/lib/fmtutil"
)

// Inode is a file in the filesystem.
//
//	key.objectid = inode number
//	key.offset   = 0
type Inode struct { // INODE_ITEM=1
	Generation btrfsprim.Generation
	Size       int64 // stat
	NumBytes   int64 // allocated bytes
	NLink      int32
	Flags      InodeFlags
}

type InodeFlags uint64

const (
	INODE_NODATASUM InodeFlags = 1 << iota
	INODE_NODATACOW
	INODE_READONLY
	INODE_NOCOMPRESS
	INODE_PREALLOC
)

var inodeFlagNames = []string{
	"NODATASUM",
	"NODATACOW",
	"READONLY",
	"NOCOMPRESS",
	"PREALLOC",
}

func (f InodeFlags) Has(req InodeFlags) bool { return f&req == req }
func (f InodeFlags) String() string {
	return fmtutil.BitfieldString(f, inodeFlagNames, fmtutil.HexLower)
}
