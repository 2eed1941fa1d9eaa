// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsitem

import (
	"fmt"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsvol"
)

// key.objectid = inode
// key.offset = offset within file
type FileExtent struct { // EXTENT_DATA=108
	Generation btrfsprim.Generation // transaction ID that created this extent
	Type       FileExtentType

	// Position and size of extent on the disk; a DiskByteNr of 0
	// is a hole.
	DiskByteNr   btrfsvol.LogicalAddr
	DiskNumBytes btrfsvol.AddrDelta

	// Position of data within the extent
	Offset btrfsvol.AddrDelta

	NumBytes int64
}

// Hole returns whether this item describes a sparse region rather
// than an on-disk extent.
func (o FileExtent) Hole() bool {
	return o.DiskByteNr == 0
}

// Size returns the number of bytes of the file covered by this item.
func (o FileExtent) Size() (int64, error) {
	switch o.Type {
	case FILE_EXTENT_REG, FILE_EXTENT_PREALLOC:
		return o.NumBytes, nil
	default:
		return 0, fmt.Errorf("unknown file extent type %v", o.Type)
	}
}

type FileExtentType uint8

const (
	FILE_EXTENT_INLINE = FileExtentType(iota)
	FILE_EXTENT_REG
	FILE_EXTENT_PREALLOC
)

func (fet FileExtentType) String() string {
	names := map[FileExtentType]string{
		FILE_EXTENT_INLINE:   "inline",
		FILE_EXTENT_REG:      "regular",
		FILE_EXTENT_PREALLOC: "prealloc",
	}
	name, ok := names[fet]
	if !ok {
		name = "unknown"
	}
	return fmt.Sprintf("%d (%s)", fet, name)
}
