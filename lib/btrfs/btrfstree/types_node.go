// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfstree

import (
	"errors"
	"fmt"
	"io"

	"git.lukeshu.com/go/lowmemjson"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-reloc/lib/fmtutil"
	"git.lukeshu.com/btrfs-reloc/lib/slices"
)

// MaxLevel is the maximum height of a tree; level 0 is a leaf.
const MaxLevel = 8

type NodeFlags uint64

const (
	NodeWritten = NodeFlags(1 << iota)
	NodeReloc
)

var nodeFlagNames = []string{
	"WRITTEN",
	"RELOC",
}

func (f NodeFlags) Has(req NodeFlags) bool { return f&req == req }
func (f NodeFlags) String() string         { return fmtutil.BitfieldString(f, nodeFlagNames, fmtutil.HexLower) }

// A Node is one tree block.  Nodes handed out by the filesystem are
// shared; a Node may only be modified by the filesystem, and only
// while it is writable in the running transaction.
type Node struct {
	Addr       btrfsvol.LogicalAddr
	Level      uint8 // 0 for leaf nodes, >=1 for interior nodes
	Owner      btrfsprim.ObjID // the tree that allocated this node
	Generation btrfsprim.Generation
	Flags      NodeFlags

	// Exactly one of these, depending on .Level
	BodyInterior []KeyPointer `json:",omitempty"` // for interior nodes
	BodyLeaf     []Item       `json:",omitempty"` // for leaf nodes
}

type KeyPointer struct {
	Key        btrfsprim.Key
	BlockPtr   btrfsvol.LogicalAddr
	Generation btrfsprim.Generation
}

type Item struct {
	Key  btrfsprim.Key
	Body btrfsitem.Item
}

func (node *Node) NumItems() int {
	if node.Level > 0 {
		return len(node.BodyInterior)
	}
	return len(node.BodyLeaf)
}

// KeyAt returns the key of the i'th item or key pointer.
func (node *Node) KeyAt(i int) btrfsprim.Key {
	if node.Level > 0 {
		return node.BodyInterior[i].Key
	}
	return node.BodyLeaf[i].Key
}

func (node *Node) MinItem() (btrfsprim.Key, bool) {
	if node.NumItems() == 0 {
		return btrfsprim.Key{}, false
	}
	return node.KeyAt(0), true
}

func (node *Node) MaxItem() (btrfsprim.Key, bool) {
	n := node.NumItems()
	if n == 0 {
		return btrfsprim.Key{}, false
	}
	return node.KeyAt(n - 1), true
}

// Clone returns a deep copy of the node.
func (node *Node) Clone() *Node {
	ret := *node
	if node.BodyInterior != nil {
		ret.BodyInterior = append([]KeyPointer(nil), node.BodyInterior...)
	}
	if node.BodyLeaf != nil {
		ret.BodyLeaf = make([]Item, len(node.BodyLeaf))
		for i, item := range node.BodyLeaf {
			ret.BodyLeaf[i] = Item{Key: item.Key, Body: item.Body.CloneItem()}
		}
	}
	return &ret
}

// SearchInterior returns the slot of the right-most key pointer whose
// key is <= key.  If key is less than every key pointer, it returns
// (0, false).
func (node *Node) SearchInterior(key btrfsprim.Key) (int, bool) {
	return slices.SearchHighest(node.BodyInterior, func(kp KeyPointer) int {
		if kp.Key.Compare(key) <= 0 {
			return 0
		}
		return -1
	})
}

// SearchLeaf returns the slot of the item with the given key, or the
// slot at which such an item would be inserted.
func (node *Node) SearchLeaf(key btrfsprim.Key) (int, bool) {
	beg, end := 0, len(node.BodyLeaf)
	for beg < end {
		mid := int(uint(beg+end) >> 1)
		switch d := key.Compare(node.BodyLeaf[mid].Key); {
		case d == 0:
			return mid, true
		case d < 0:
			end = mid
		default:
			beg = mid + 1
		}
	}
	return beg, false
}

// FindPtr returns the slot of the key pointer that points at addr.
func (node *Node) FindPtr(addr btrfsvol.LogicalAddr) (int, bool) {
	for i, kp := range node.BodyInterior {
		if kp.BlockPtr == addr {
			return i, true
		}
	}
	return 0, false
}

var (
	_ lowmemjson.Encodable = Item{}
	_ lowmemjson.Decodable = (*Item)(nil)
)

// EncodeJSON implements lowmemjson.Encodable; the key is always
// written before the body, since the body's type is taken from the
// key.
func (item Item) EncodeJSON(w io.Writer) error {
	if _, err := io.WriteString(w, `{"Key":`); err != nil {
		return err
	}
	if err := lowmemjson.NewEncoder(w).Encode(item.Key); err != nil {
		return err
	}
	if _, err := io.WriteString(w, `,"Body":`); err != nil {
		return err
	}
	if err := lowmemjson.NewEncoder(w).Encode(item.Body); err != nil {
		return err
	}
	_, err := io.WriteString(w, `}`)
	return err
}

// DecodeJSON implements lowmemjson.Decodable.
func (item *Item) DecodeJSON(r io.RuneScanner) error {
	*item = Item{}
	var name string
	var haveKey bool
	return lowmemjson.DecodeObject(r,
		func(r io.RuneScanner) error {
			return lowmemjson.NewDecoder(r).Decode(&name)
		},
		func(r io.RuneScanner) error {
			switch name {
			case "Key":
				haveKey = true
				return lowmemjson.NewDecoder(r).Decode(&item.Key)
			case "Body":
				if !haveKey {
					return errors.New("item body before key")
				}
				body, err := btrfsitem.DecodeJSON(item.Key.ItemType, r)
				item.Body = body
				return err
			default:
				return fmt.Errorf("unknown key %q", name)
			}
		})
}

var ErrNotANode = errors.New("does not look like a node")

type NodeError struct {
	Op       string
	NodeAddr btrfsvol.LogicalAddr
	Err      error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("%s: node@%v: %v", e.Op, e.NodeAddr, e.Err)
}
func (e *NodeError) Unwrap() error { return e.Err }
