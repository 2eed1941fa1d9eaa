// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package btrfsitem contains the definitions of the "items" that may
// be stored in a tree, and of the records that describe trees and
// extents.
package btrfsitem

import (
	"fmt"
	"io"

	"git.lukeshu.com/go/lowmemjson"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsprim"
)

type Type = btrfsprim.ItemType

// Item is the body of a leaf item.  Bodies are owned by the node that
// holds them; use CloneItem before modifying one.
type Item interface {
	isItem()
	CloneItem() Item
}

// Opaque is an item that the filesystem stores but does not
// interpret.
type Opaque struct { // UNTYPED=0
	Data []byte
}

func (*Opaque) isItem() {}

func (o *Opaque) CloneItem() Item {
	return &Opaque{Data: append([]byte(nil), o.Data...)}
}

func (*Inode) isItem()      {}
func (*FileExtent) isItem() {}
func (*Root) isItem()       {}
func (*BlockGroup) isItem() {}
func (*Extent) isItem()     {}

func (o *Inode) CloneItem() Item      { ret := *o; return &ret }
func (o *FileExtent) CloneItem() Item { ret := *o; return &ret }
func (o *Root) CloneItem() Item       { ret := *o; return &ret }
func (o *BlockGroup) CloneItem() Item { ret := *o; return &ret }
func (o *Extent) CloneItem() Item     { ret := o.Clone(); return &ret }

var (
	_ Item = (*Opaque)(nil)
	_ Item = (*Inode)(nil)
	_ Item = (*FileExtent)(nil)
	_ Item = (*Root)(nil)
	_ Item = (*BlockGroup)(nil)
	_ Item = (*Extent)(nil)
)

// New returns a zero body for the given item type.
func New(typ Type) (Item, error) {
	switch typ {
	case btrfsprim.UNTYPED_KEY:
		return new(Opaque), nil
	case btrfsprim.INODE_ITEM_KEY:
		return new(Inode), nil
	case btrfsprim.EXTENT_DATA_KEY:
		return new(FileExtent), nil
	case btrfsprim.ROOT_ITEM_KEY:
		return new(Root), nil
	case btrfsprim.BLOCK_GROUP_ITEM_KEY:
		return new(BlockGroup), nil
	case btrfsprim.EXTENT_ITEM_KEY, btrfsprim.METADATA_ITEM_KEY:
		return new(Extent), nil
	default:
		return nil, fmt.Errorf("btrfsitem: unsupported item type %v", typ)
	}
}

// DecodeJSON decodes the body of an item of the given type.
func DecodeJSON(typ Type, r io.RuneScanner) (Item, error) {
	ret, err := New(typ)
	if err != nil {
		return nil, err
	}
	if err := lowmemjson.NewDecoder(r).Decode(ret); err != nil {
		return nil, fmt.Errorf("btrfsitem: decode %v: %w", typ, err)
	}
	return ret, nil
}
