// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfstree

import (
	"fmt"
	"strings"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsvol"
)

// Path is the result of a search: the chain of nodes from the root
// of a tree down to the lowest level searched, root first.
//
// For example, a search for key K at level 0 in a 3-level tree:
//
//	  +[0x01]-------------+
//	  | lvl=2 gen=6 own=5 |     Path[0] = {Node: 0x01, Slot: 7}
//	  +-+-+-+-+-+-+-+-+-+-+
//	  |0|1|2|3|4|5|6|7|8|9|
//	  +-+-+-+-+-+-+-+-+-+-+
//	                 |
//	              +[0x02]-------------+
//	              | lvl=1 gen=5 own=5 |     Path[1] = {Node: 0x02, Slot: 6}
//	              +-+-+-+-+-+-+-+-+-+-+
//	              |0|1|2|3|4|5|6|7|8|9|
//	              +-+-+-+-+-+-+-+-+-+-+
//	                           |
//	                        +[0x03]-------------+
//	                        | lvl=0 gen=2 own=5 |     Path[2] = {Node: 0x03, Slot: 3}
//	                        +-+-+-+-+-+-+-+-+-+-+
//	                        |0|1|2|3|4|5|6|7|8|9|
//	                        +-+-+-+-+-+-+-+-+-+-+
//	                               ^
//	                               K
//
// Interior slots point at the child that was descended in to; the
// leaf slot is that of K, or where K would be inserted.
type Path []PathElem

type PathElem struct {
	Node *Node
	Slot int
	// FromAddr is the address that the node had before the search
	// COWed it; it is equal to Node.Addr if the search did not COW.
	FromAddr btrfsvol.LogicalAddr
}

// COWed returns whether the search had to copy this node.
func (elem PathElem) COWed() bool {
	return elem.FromAddr != elem.Node.Addr
}

// AtLevel returns the element of the path at the given tree level.
func (path Path) AtLevel(level uint8) (*PathElem, bool) {
	if len(path) == 0 {
		return nil, false
	}
	i := int(path[0].Node.Level) - int(level)
	if i < 0 || i >= len(path) {
		return nil, false
	}
	return &path[i], true
}

// Lowest returns the last element of the path.
func (path Path) Lowest() *PathElem {
	return &path[len(path)-1]
}

// Key returns the key that the lowest element's slot refers to, and
// whether that slot is in range.
func (path Path) Key() (btrfsprim.Key, bool) {
	if len(path) == 0 {
		return btrfsprim.Key{}, false
	}
	elem := path.Lowest()
	if elem.Slot < 0 || elem.Slot >= elem.Node.NumItems() {
		return btrfsprim.Key{}, false
	}
	return elem.Node.KeyAt(elem.Slot), true
}

func (path Path) String() string {
	if len(path) == 0 {
		return "(empty-path)"
	}
	var ret strings.Builder
	for i, elem := range path {
		if i > 0 {
			ret.WriteString("->")
		}
		fmt.Fprintf(&ret, "node:%d@%v", elem.Node.Level, elem.Node.Addr)
		if elem.COWed() {
			fmt.Fprintf(&ret, "(was %v)", elem.FromAddr)
		}
		fmt.Fprintf(&ret, "[%d]", elem.Slot)
	}
	return ret.String()
}
