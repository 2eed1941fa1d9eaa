// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsprim

import (
	"fmt"
)

type ObjID uint64

const maxUint64pp = 0x1_00000000_00000000

const (
	// The IDs of the various trees
	ROOT_TREE_OBJECTID   ObjID = 1 // holds pointers to all of the tree roots
	EXTENT_TREE_OBJECTID ObjID = 2 // stores information about which extents are in use, and reference counts
	FS_TREE_OBJECTID     ObjID = 5 // one per subvolume, storing files and directories
	CSUM_TREE_OBJECTID   ObjID = 7 // holds checksums of all the data extents

	TREE_RELOC_OBJECTID      ObjID = maxUint64pp - 8 // space balancing
	DATA_RELOC_TREE_OBJECTID ObjID = maxUint64pp - 9
	MULTIPLE_OBJECTIDS       ObjID = maxUint64pp - 255 // dummy objectid represents multiple objectids

	// All files have objectids in this range.
	FIRST_FREE_OBJECTID ObjID = 256
	LAST_FREE_OBJECTID  ObjID = maxUint64pp - 256

	// Shadow trees created by relocation take their IDs from the
	// top of the free range; subvolumes are allocated below
	// FIRST_RELOC_TREE_OBJECTID.
	FIRST_RELOC_TREE_OBJECTID ObjID = LAST_FREE_OBJECTID - 0xffff
	LAST_RELOC_TREE_OBJECTID  ObjID = LAST_FREE_OBJECTID

	MAX_OBJECTID ObjID = maxUint64pp - 1
)

var (
	objidCommonNames = map[ObjID]string{
		TREE_RELOC_OBJECTID:      "TREE_RELOC",
		DATA_RELOC_TREE_OBJECTID: "DATA_RELOC_TREE",
		MULTIPLE_OBJECTIDS:       "MULTIPLE",
	}
	objidRootTreeNames = map[ObjID]string{
		ROOT_TREE_OBJECTID:   "ROOT_TREE",
		EXTENT_TREE_OBJECTID: "EXTENT_TREE",
		FS_TREE_OBJECTID:     "FS_TREE",
		CSUM_TREE_OBJECTID:   "CSUM_TREE",
	}
)

// IsRelocTree returns whether id lies in the namespace reserved for
// relocation shadow trees.
func (id ObjID) IsRelocTree() bool {
	return FIRST_RELOC_TREE_OBJECTID <= id && id <= LAST_RELOC_TREE_OBJECTID
}

// IsShareable returns whether blocks of the tree with this ID may be
// referenced by more than one root (that is: whether the tree may be
// snapshotted).  Shadow trees are shareable.
func (id ObjID) IsShareable() bool {
	return id == FS_TREE_OBJECTID ||
		(FIRST_FREE_OBJECTID <= id && id <= LAST_FREE_OBJECTID)
}

func (id ObjID) Format(tree ObjID) string {
	if id.IsRelocTree() && tree == ROOT_TREE_OBJECTID {
		return fmt.Sprintf("TREE_RELOC+%d", uint64(id-FIRST_RELOC_TREE_OBJECTID))
	}
	if name, ok := objidCommonNames[id]; ok {
		return name
	}
	if tree == ROOT_TREE_OBJECTID || tree == 0 {
		if name, ok := objidRootTreeNames[id]; ok {
			return name
		}
	}
	return fmt.Sprintf("%d", int64(id))
}

func (id ObjID) String() string {
	return id.Format(0)
}
