// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsitem

import (
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsvol"
)

// A BlockGroup tracks allocation of a contiguous region of the
// logical address space.
//
// Key:
//
//	key.objectid = logical_addr
//	key.offset   = size of the group
type BlockGroup struct { // BLOCK_GROUP_ITEM=192
	Used     btrfsvol.AddrDelta
	Flags    btrfsvol.BlockGroupFlags
	ReadOnly bool
}
