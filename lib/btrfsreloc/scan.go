// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsreloc

import (
	"context"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-reloc/lib/textui"
)

type scanStats struct {
	Portion textui.Portion[btrfsvol.AddrDelta]
	Tree    int
	Data    int
}

func (s scanStats) String() string {
	return textui.Sprintf("scanned %v (%v tree blocks, %v data extents)",
		s.Portion, s.Tree, s.Data)
}

// findNextExtent returns the next extent in the block group at or
// after the cursor that has not already been dealt with in this
// pass, and moves the cursor past it.
func (c *Control) findNextExtent(_ context.Context, progress *textui.Progress[scanStats]) (btrfs.ExtentRecord, bool, error) {
	for {
		ext, ok := c.fs.NextExtent(c.cursor, c.bg.End())
		if !ok {
			c.scanned.Portion = textui.Portion[btrfsvol.AddrDelta]{N: c.bg.Length, D: c.bg.Length}
			progress.Set(c.scanned)
			return btrfs.ExtentRecord{}, false, nil
		}
		c.cursor = ext.End()
		if ext.Addr != c.replay && c.processed.Contains(ext.Addr) {
			continue
		}
		if err := c.checkExtent(ext); err != nil {
			return btrfs.ExtentRecord{}, false, err
		}
		if ext.Flags.Has(btrfsitem.EXTENT_FLAG_TREE_BLOCK) {
			c.scanned.Tree++
		} else {
			c.scanned.Data++
		}
		c.scanned.Portion = textui.Portion[btrfsvol.AddrDelta]{N: c.cursor.Sub(c.bg.Start), D: c.bg.Length}
		progress.Set(c.scanned)
		return ext, true, nil
	}
}

func (c *Control) checkExtent(ext btrfs.ExtentRecord) error {
	const op = "scan block group"
	switch ext.Flags & (btrfsitem.EXTENT_FLAG_TREE_BLOCK | btrfsitem.EXTENT_FLAG_DATA) {
	case btrfsitem.EXTENT_FLAG_TREE_BLOCK:
		if nodeSize := c.fs.Config().NodeSize; ext.Size != nodeSize {
			return corruptf(op, ext.Addr, "tree block is %v bytes, but nodes are %v bytes", ext.Size, nodeSize)
		}
	case btrfsitem.EXTENT_FLAG_DATA:
	default:
		return corruptf(op, ext.Addr, "extent has flags %v; want exactly one of TREE_BLOCK and DATA", ext.Flags)
	}
	if ext.End() > c.bg.End() {
		return corruptf(op, ext.Addr, "extent ends at %v, past the end of the block group at %v", ext.End(), c.bg.End())
	}
	if ext.Refs <= 0 {
		return corruptf(op, ext.Addr, "extent has %v references", ext.Refs)
	}
	return nil
}

func (c *Control) markProcessed(addr btrfsvol.LogicalAddr, size btrfsvol.AddrDelta) {
	c.processed.Insert(addr, addr.Add(size))
}
