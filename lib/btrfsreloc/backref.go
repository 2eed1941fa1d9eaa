// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsreloc

import (
	"context"
	"fmt"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfstree"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-reloc/lib/containers"
	"git.lukeshu.com/btrfs-reloc/lib/maps"
)

// The backref cache is a graph of tree blocks, with an edge from each
// block (lower) to each block that points at it (upper).  Nodes and
// edges live in arenas and refer to each other by index.

type (
	nodeHandle int
	edgeHandle int
)

type nodeFlags uint8

const (
	// nodePending: queued, its parents not yet resolved.
	nodePending = nodeFlags(1 << iota)
	// nodeProcessed: relocated (or found useless) in this pass.
	nodeProcessed
	// nodeDetached: some of its upper edges have been freed, and
	// must be resolved again before use.
	nodeDetached
	// nodeLocked: in use by the relocation in progress; eviction
	// is deferred.
	nodeLocked
	// nodeStale: evicted while locked; freed on unlock.
	nodeStale
	// nodeUseless: every path up from it ends at a dead shadow
	// tree.
	nodeUseless
)

func (f nodeFlags) Has(req nodeFlags) bool { return f&req == req }

type backrefNode struct {
	Addr  btrfsvol.LogicalAddr
	Level uint8
	Owner btrfsprim.ObjID
	Key   btrfsprim.Key
	// NewAddr is where the block has been copied to, if it has
	// been.
	NewAddr btrfsvol.LogicalAddr
	Flags   nodeFlags

	// Roots are the live trees whose root item points here;
	// deadRoots counts dead shadow trees that do.
	Roots     []btrfsprim.ObjID
	deadRoots int

	uppers []edgeHandle
	lowers []edgeHandle
}

type backrefEdge struct {
	Lower, Upper nodeHandle
}

type backrefCache struct {
	transID btrfsprim.Generation
	nodes   []*backrefNode // nil when freed
	edges   []*backrefEdge // nil when freed
	byAddr  map[btrfsvol.LogicalAddr]nodeHandle
}

// buildUndo records what one build call added, so that a failed
// build can be rolled back without disturbing earlier calls.
type buildUndo struct {
	nodes []nodeHandle
	edges []edgeHandle
}

func newBackrefCache() *backrefCache {
	return &backrefCache{
		byAddr: make(map[btrfsvol.LogicalAddr]nodeHandle),
	}
}

// reset drops everything if the running transaction has changed.
func (c *backrefCache) reset(transID btrfsprim.Generation) {
	if transID == c.transID {
		return
	}
	c.transID = transID
	c.nodes = nil
	c.edges = nil
	c.byAddr = make(map[btrfsvol.LogicalAddr]nodeHandle)
}

func (c *backrefCache) node(h nodeHandle) *backrefNode { return c.nodes[h] }

func (c *backrefCache) edge(h edgeHandle) *backrefEdge { return c.edges[h] }

func (c *backrefCache) lookup(addr btrfsvol.LogicalAddr) (nodeHandle, bool) {
	h, ok := c.byAddr[addr]
	return h, ok
}

func (c *backrefCache) newNode(addr btrfsvol.LogicalAddr, level uint8, undo *buildUndo) nodeHandle {
	h := nodeHandle(len(c.nodes))
	c.nodes = append(c.nodes, &backrefNode{
		Addr:  addr,
		Level: level,
		Flags: nodePending,
	})
	c.byAddr[addr] = h
	if undo != nil {
		undo.nodes = append(undo.nodes, h)
	}
	return h
}

func (c *backrefCache) link(lower, upper nodeHandle, undo *buildUndo) {
	for _, eh := range c.nodes[lower].uppers {
		if c.edges[eh].Upper == upper {
			return
		}
	}
	h := edgeHandle(len(c.edges))
	c.edges = append(c.edges, &backrefEdge{Lower: lower, Upper: upper})
	c.nodes[lower].uppers = append(c.nodes[lower].uppers, h)
	c.nodes[upper].lowers = append(c.nodes[upper].lowers, h)
	if undo != nil {
		undo.edges = append(undo.edges, h)
	}
}

func removeEdge(list []edgeHandle, h edgeHandle) []edgeHandle {
	for i, x := range list {
		if x == h {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func (c *backrefCache) freeEdge(h edgeHandle) {
	e := c.edges[h]
	if e == nil {
		return
	}
	if lower := c.nodes[e.Lower]; lower != nil {
		lower.uppers = removeEdge(lower.uppers, h)
	}
	if upper := c.nodes[e.Upper]; upper != nil {
		upper.lowers = removeEdge(upper.lowers, h)
	}
	c.edges[h] = nil
}

// freeNode removes a node and its edges.  Nodes that lose an upper
// edge this way become detached.
func (c *backrefCache) freeNode(h nodeHandle) {
	n := c.nodes[h]
	if n == nil {
		return
	}
	for len(n.uppers) > 0 {
		c.freeEdge(n.uppers[0])
	}
	for len(n.lowers) > 0 {
		eh := n.lowers[0]
		if lower := c.nodes[c.edges[eh].Lower]; lower != nil {
			lower.Flags |= nodeDetached
		}
		c.freeEdge(eh)
	}
	if cur, ok := c.byAddr[n.Addr]; ok && cur == h {
		delete(c.byAddr, n.Addr)
	}
	c.nodes[h] = nil
}

func (c *backrefCache) rollback(undo *buildUndo) {
	for i := len(undo.edges) - 1; i >= 0; i-- {
		c.freeEdge(undo.edges[i])
	}
	for i := len(undo.nodes) - 1; i >= 0; i-- {
		c.freeNode(undo.nodes[i])
	}
}

// evict forgets a block whose contents or parents have changed.
func (c *backrefCache) evict(addr btrfsvol.LogicalAddr) {
	h, ok := c.byAddr[addr]
	if !ok {
		return
	}
	if n := c.nodes[h]; n.Flags.Has(nodeLocked) {
		n.Flags |= nodeStale
		return
	}
	c.freeNode(h)
}

// closure returns h and every node above it.
func (c *backrefCache) closure(h nodeHandle) []nodeHandle {
	seen := map[nodeHandle]struct{}{h: {}}
	ret := []nodeHandle{h}
	for i := 0; i < len(ret); i++ {
		for _, eh := range c.nodes[ret[i]].uppers {
			up := c.edges[eh].Upper
			if _, ok := seen[up]; ok {
				continue
			}
			seen[up] = struct{}{}
			ret = append(ret, up)
		}
	}
	return ret
}

// reaches returns whether target is from or above it.
func (c *backrefCache) reaches(from, target nodeHandle) bool {
	for _, h := range c.closure(from) {
		if h == target {
			return true
		}
	}
	return false
}

func (c *backrefCache) lock(h nodeHandle) {
	for _, x := range c.closure(h) {
		c.nodes[x].Flags |= nodeLocked
	}
}

func (c *backrefCache) unlock() {
	for h, n := range c.nodes {
		if n == nil || !n.Flags.Has(nodeLocked) {
			continue
		}
		n.Flags &^= nodeLocked
		if n.Flags.Has(nodeStale) {
			c.freeNode(nodeHandle(h))
		}
	}
}

// prune is called once a block has been relocated.  Its edges are
// freed.  A leaf is forgotten entirely; an interior node stays
// cached as detached and processed, since its children may yet need
// to find it.
func (c *backrefCache) prune(h nodeHandle) {
	n := c.nodes[h]
	if n == nil {
		return
	}
	if n.Level == 0 {
		c.freeNode(h)
		return
	}
	for len(n.uppers) > 0 {
		c.freeEdge(n.uppers[0])
	}
	for len(n.lowers) > 0 {
		c.freeEdge(n.lowers[0])
	}
	n.Flags |= nodeDetached | nodeProcessed
}

// build returns the node for the tree block at addr, with every path
// from it up to the roots that reference it resolved.
//
// The walk is breadth-first.  Each queued node's direct referrers are
// looked up: a parent reference gives an upper node, which must be
// exactly one level higher, and a root reference ends the path.  Only
// newly created uppers are queued; an upper that is already cached is
// linked, and is only expanded again if it is detached.
//
// On error, the nodes and edges that this call added are removed
// again.
func (c *backrefCache) build(ctx context.Context, r backrefResolver, isDead func(btrfsprim.ObjID) bool, addr btrfsvol.LogicalAddr, level uint8) (nodeHandle, error) {
	const op = "build backrefs"
	if level > btrfstree.MaxLevel {
		return 0, corruptf(op, addr, "level %v exceeds max level %v", level, btrfstree.MaxLevel)
	}

	var undo buildUndo
	var queue []nodeHandle
	start, ok := c.byAddr[addr]
	switch {
	case ok && c.nodes[start].Level != level:
		c.freeNode(start)
		ok = false
	case ok && c.nodes[start].Flags.Has(nodeDetached):
		c.expandAgain(start)
		queue = append(queue, start)
	}
	if !ok {
		start = c.newNode(addr, level, &undo)
		queue = append(queue, start)
	}

	fail := func(err error) (nodeHandle, error) {
		c.rollback(&undo)
		return 0, err
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		cur := queue[0]
		queue = queue[1:]
		n := c.nodes[cur]
		n.Flags &^= nodePending | nodeDetached
		n.Roots = nil
		n.deadRoots = 0

		refs, err := r.FindParents(n.Addr)
		if err != nil {
			return fail(corruptf(op, n.Addr, "dangling reference: %w", err))
		}
		if len(refs) == 0 {
			return fail(corruptf(op, n.Addr, "tree block has no references"))
		}
		for _, ref := range refs {
			if ref.Parent == 0 {
				root, err := r.LookupRoot(ref.Root)
				if err != nil {
					return fail(corruptf(op, n.Addr, "referenced as the root of a missing tree: %w", err))
				}
				if root.ByteNr != n.Addr {
					return fail(corruptf(op, n.Addr, "referenced as the root of tree %v, whose root is %v",
						ref.Root, root.ByteNr))
				}
				if root.Level != n.Level {
					return fail(corruptf(op, n.Addr, "level mismatch: tree %v has root level %v, expected %v",
						ref.Root, root.Level, n.Level))
				}
				if isDead(ref.Root) || (ref.Root.IsRelocTree() && root.Refs == 0) {
					n.deadRoots++
				} else {
					n.Roots = append(n.Roots, ref.Root)
				}
				continue
			}

			if up, ok := c.byAddr[ref.Parent]; ok {
				if c.reaches(up, cur) {
					return fail(corruptf(op, n.Addr, "cycle: parent %v is also above it", ref.Parent))
				}
				if c.nodes[up].Level != n.Level+1 {
					return fail(corruptf(op, n.Addr, "level mismatch: parent %v is level %v, expected %v",
						ref.Parent, c.nodes[up].Level, n.Level+1))
				}
				c.link(cur, up, &undo)
				if c.nodes[up].Flags.Has(nodeDetached) {
					c.expandAgain(up)
					queue = append(queue, up)
				}
				continue
			}

			parent, err := r.ReadNode(ref.Parent, btrfstree.NodeExpectations{})
			if err != nil {
				return fail(corruptf(op, n.Addr, "dangling parent %v: %w", ref.Parent, err))
			}
			if parent.Level != n.Level+1 {
				return fail(corruptf(op, n.Addr, "level mismatch: parent %v is level %v, expected %v",
					ref.Parent, parent.Level, n.Level+1))
			}
			if parent.Level > btrfstree.MaxLevel {
				return fail(corruptf(op, ref.Parent, "level %v exceeds max level %v", parent.Level, btrfstree.MaxLevel))
			}
			if _, ok := parent.FindPtr(n.Addr); !ok {
				return fail(corruptf(op, n.Addr, "parent %v does not point at it", ref.Parent))
			}
			up := c.newNode(ref.Parent, parent.Level, &undo)
			c.nodes[up].Owner = parent.Owner
			c.nodes[up].Key, _ = parent.MinItem()
			c.link(cur, up, &undo)
			queue = append(queue, up)
		}
	}

	c.finishUpperLinks(start)
	return start, nil
}

// expandAgain drops what is left of a detached node's upper edges, so
// that they may be resolved from scratch.
func (c *backrefCache) expandAgain(h nodeHandle) {
	n := c.nodes[h]
	for len(n.uppers) > 0 {
		c.freeEdge(n.uppers[0])
	}
	n.Flags |= nodePending
}

// finishUpperLinks finds the nodes above start that have no path to
// a live root, and unwinds them: they are flagged useless and their
// edges are freed.  A node left with no upper edges and no live root
// is useless in turn, which falls out of computing liveness
// recursively.
func (c *backrefCache) finishUpperLinks(start nodeHandle) {
	live := make(map[nodeHandle]bool)
	var isLive func(h nodeHandle) bool
	isLive = func(h nodeHandle) bool {
		if v, ok := live[h]; ok {
			return v
		}
		n := c.nodes[h]
		live[h] = false
		ret := len(n.Roots) > 0
		for _, eh := range n.uppers {
			if isLive(c.edges[eh].Upper) {
				ret = true
			}
		}
		live[h] = ret
		return ret
	}
	all := c.closure(start)
	for _, h := range all {
		isLive(h)
	}
	for _, h := range all {
		if live[h] {
			continue
		}
		n := c.nodes[h]
		n.Flags |= nodeUseless
		for len(n.uppers) > 0 {
			c.freeEdge(n.uppers[0])
		}
		for len(n.lowers) > 0 {
			c.freeEdge(n.lowers[0])
		}
	}
}

// selectRoot follows first uppers from h until it reaches a node
// that is the root of a live tree.
func (c *backrefCache) selectRoot(h nodeHandle) (btrfsprim.ObjID, error) {
	n := c.nodes[h]
	for len(n.Roots) == 0 {
		if len(n.uppers) == 0 {
			return 0, corruptf("select root", n.Addr, "no path to a live tree")
		}
		n = c.nodes[c.edges[n.uppers[0]].Upper]
	}
	return n.Roots[0], nil
}

// rootsAbove returns every live tree that reaches h, in ascending
// order.
func (c *backrefCache) rootsAbove(h nodeHandle) []btrfsprim.ObjID {
	set := make(containers.Set[btrfsprim.ObjID])
	for _, x := range c.closure(h) {
		for _, root := range c.nodes[x].Roots {
			set.Insert(root)
		}
	}
	return maps.SortedKeys(set)
}

// countUnprocessed returns how many nodes from h upward have not been
// relocated yet.
func (c *backrefCache) countUnprocessed(h nodeHandle) int {
	var cnt int
	for _, x := range c.closure(h) {
		if !c.nodes[x].Flags.Has(nodeProcessed) {
			cnt++
		}
	}
	return cnt
}

func (n *backrefNode) String() string {
	return fmt.Sprintf("node:%d@%v", n.Level, n.Addr)
}
