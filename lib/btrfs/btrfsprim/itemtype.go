// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsprim

import "fmt"

type ItemType uint8

const (
	INODE_ITEM_KEY       = ItemType(1)
	EXTENT_DATA_KEY      = ItemType(108)
	ROOT_ITEM_KEY        = ItemType(132)
	EXTENT_ITEM_KEY      = ItemType(168)
	METADATA_ITEM_KEY    = ItemType(169)
	TREE_BLOCK_REF_KEY   = ItemType(176)
	EXTENT_DATA_REF_KEY  = ItemType(178)
	SHARED_BLOCK_REF_KEY = ItemType(182)
	SHARED_DATA_REF_KEY  = ItemType(184)
	BLOCK_GROUP_ITEM_KEY = ItemType(192)
	UNTYPED_KEY          = ItemType(0)
	MAX_KEY              = ItemType(255)
)

var itemTypeNames = map[ItemType]string{
	INODE_ITEM_KEY:       "INODE_ITEM",
	EXTENT_DATA_KEY:      "EXTENT_DATA",
	ROOT_ITEM_KEY:        "ROOT_ITEM",
	EXTENT_ITEM_KEY:      "EXTENT_ITEM",
	METADATA_ITEM_KEY:    "METADATA_ITEM",
	TREE_BLOCK_REF_KEY:   "TREE_BLOCK_REF",
	EXTENT_DATA_REF_KEY:  "EXTENT_DATA_REF",
	SHARED_BLOCK_REF_KEY: "SHARED_BLOCK_REF",
	SHARED_DATA_REF_KEY:  "SHARED_DATA_REF",
	BLOCK_GROUP_ITEM_KEY: "BLOCK_GROUP_ITEM",
	UNTYPED_KEY:          "UNTYPED",
	MAX_KEY:              "MAX",
}

func (t ItemType) String() string {
	if name, ok := itemTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("%d", t)
}
