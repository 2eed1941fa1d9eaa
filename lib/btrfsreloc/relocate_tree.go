// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsreloc

import (
	"context"
	"errors"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfstree"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-reloc/lib/containers"
)

// relocateTreeBlock moves the tree block at addr out of the block
// group.
//
// A block of a tree that can't be snapshotted is simply COWed in
// place.  Otherwise the block is copied once, into the shadow tree of
// one of the trees that reference it, and then every path that leads
// to it is redirected (in the shadow trees) to that one copy, so that
// however many trees shared the block, they will share the copy once
// the shadows are merged.
func (c *Control) relocateTreeBlock(ctx context.Context, t *btrfs.Trans, addr btrfsvol.LogicalAddr, level uint8) error {
	const op = "relocate tree block"
	node, err := c.fs.ReadNode(addr, btrfstree.NodeExpectations{
		Level: containers.OptionalValue(level),
	})
	if err != nil {
		return corruptf(op, addr, "%w", err)
	}
	key, _ := node.MinItem()

	h, err := c.cache.build(ctx, c.fs, func(id btrfsprim.ObjID) bool { _, dead := c.roots.state(id); return dead }, addr, level)
	if err != nil {
		return err
	}
	n := c.cache.node(h)
	if n.Flags.Has(nodeUseless) {
		dlog.Debugf(ctx, "%v is only referenced by dead shadow trees", n)
		c.cache.freeNode(h)
		c.markProcessed(addr, c.fs.Config().NodeSize)
		return nil
	}
	if err := c.reserveForNode(ctx, h); err != nil {
		return err
	}

	owner, err := c.cache.selectRoot(h)
	if err != nil {
		return err
	}

	c.cache.lock(h)
	defer c.cache.unlock()
	c.pending = c.pending[:0]
	defer func() { c.pending = c.pending[:0] }()

	if !owner.IsShareable() {
		if err := c.relocateUnshared(ctx, t, owner, addr, key, level); err != nil {
			return err
		}
	} else {
		newAddr := c.moved[addr]
		for _, root := range n.Roots {
			rr, err := c.shadowFor(ctx, t, root)
			if err != nil {
				return err
			}
			if root.IsRelocTree() || newAddr != 0 {
				continue
			}
			// The root of the source tree is replaced as a
			// whole when the shadow is merged.
			newAddr = rr.Addr
			c.moved[addr] = newAddr
		}
		done := map[nodeHandle]bool{h: true}
		if _, err := c.linkUppers(ctx, t, h, key, newAddr, done); err != nil {
			return err
		}
	}

	c.markProcessed(addr, c.fs.Config().NodeSize)
	if h, ok := c.cache.lookup(addr); ok {
		c.cache.prune(h)
	}
	return nil
}

// linkUppers redirects every path that reaches the block h through
// one of its parents, in the shadow tree of each tree at the top of
// that path.
//
// Blocks of the group that get copied along the way (as part of a
// path) are then linked to their own other parents in the same way,
// so that the copy stays shared.
func (c *Control) linkUppers(ctx context.Context, t *btrfs.Trans, h nodeHandle, key btrfsprim.Key, newAddr btrfsvol.LogicalAddr, done map[nodeHandle]bool) (btrfsvol.LogicalAddr, error) {
	n := c.cache.node(h)
	for _, eh := range append([]edgeHandle(nil), n.uppers...) {
		up := c.cache.edge(eh).Upper
		upAddr := c.cache.node(up).Addr
		for _, root := range c.cache.rootsAbove(up) {
			rr, err := c.shadowFor(ctx, t, root)
			if err != nil {
				return newAddr, err
			}
			newAddr, err = c.linkUpper(ctx, t, rr, n.Addr, newAddr, key, n.Level, upAddr)
			if err != nil {
				return newAddr, err
			}
			if err := c.linkPending(ctx, t, done); err != nil {
				return newAddr, err
			}
		}
	}
	return newAddr, nil
}

func (c *Control) linkPending(ctx context.Context, t *btrfs.Trans, done map[nodeHandle]bool) error {
	for len(c.pending) > 0 {
		h := c.pending[0]
		c.pending = c.pending[1:]
		if done[h] {
			continue
		}
		done[h] = true
		n := c.cache.node(h)
		if n == nil || n.NewAddr == 0 {
			continue
		}
		dlog.Tracef(ctx, "linking %v, copied on the way", n)
		if _, err := c.linkUppers(ctx, t, h, n.Key, n.NewAddr, done); err != nil {
			return err
		}
	}
	return nil
}

// relocateUnshared COWs a block of a tree that is never shared; it
// has exactly one path, and nothing else to fix up.
func (c *Control) relocateUnshared(ctx context.Context, t *btrfs.Trans, tree btrfsprim.ObjID, addr btrfsvol.LogicalAddr, key btrfsprim.Key, level uint8) error {
	path, err := c.fs.SearchSlot(ctx, t, tree, key, level, true)
	if err != nil {
		if errors.Is(err, btrfs.ErrNoSpace) {
			return err
		}
		return corruptf("relocate tree block", addr, "search tree %v: %w", tree, err)
	}
	elem, ok := path.AtLevel(level)
	if !ok || elem.FromAddr != addr {
		return corruptf("relocate tree block", addr, "tree %v has %v at key %v, not this block", tree, path, key)
	}
	c.moved[addr] = elem.Node.Addr
	dlog.Debugf(ctx, "moved %v to %v in tree %v", addr, elem.Node.Addr, tree)
	return nil
}

// linkUpper makes the shadow rr's copy of upper point at the moved
// block.  If the block hasn't been moved yet, this is where it gets
// moved.  It returns the block's new address.
//
// The path is looked up read-only first, so that a path that is
// already right isn't COWed (which would unshare it from other shadow
// trees).
func (c *Control) linkUpper(ctx context.Context, t *btrfs.Trans, rr *relocRoot, addr, newAddr btrfsvol.LogicalAddr, key btrfsprim.Key, level uint8, upperAddr btrfsvol.LogicalAddr) (btrfsvol.LogicalAddr, error) {
	const op = "relocate tree block"
	ptrAt := func(path btrfstree.Path) (*btrfstree.Node, int, btrfsvol.LogicalAddr, error) {
		elem, ok := path.AtLevel(level + 1)
		if !ok {
			return nil, 0, 0, corruptf(op, addr, "shadow tree %v: no level %v in %v", rr.ID, level+1, path)
		}
		return elem.Node, elem.Slot, elem.Node.BodyInterior[elem.Slot].BlockPtr, nil
	}

	path, err := c.fs.SearchSlot(ctx, t, rr.ID, key, level+1, false)
	if err != nil {
		if errors.Is(err, btrfstree.ErrNoItem) {
			dlog.Debugf(ctx, "shadow tree %v is too short to reach %v: %v", rr.ID, addr, err)
			return newAddr, nil
		}
		return newAddr, err
	}
	_, _, ptr, err := ptrAt(path)
	if err != nil {
		return newAddr, err
	}
	switch {
	case newAddr != 0 && ptr == newAddr:
		return newAddr, nil
	case ptr != addr:
		return newAddr, corruptf(op, addr,
			"shadow tree %v points at %v for key %v at level %v, expected %v or %v",
			rr.ID, ptr, key, level, addr, newAddr)
	}

	path, err = c.fs.SearchSlot(ctx, t, rr.ID, key, level+1, true)
	if err != nil {
		return newAddr, err
	}
	parent, slot, ptr, err := ptrAt(path)
	if err != nil {
		return newAddr, err
	}
	if ptr != addr {
		return newAddr, corruptf(op, addr, "shadow tree %v changed under COW: %v", rr.ID, path)
	}
	if newAddr == 0 {
		cp, err := c.fs.COWBlock(ctx, t, rr.ID, parent, slot)
		if err != nil {
			return newAddr, err
		}
		newAddr = cp.Addr
		c.moved[addr] = newAddr
		dlog.Debugf(ctx, "moved %v to %v in shadow tree %v (via %v)", addr, newAddr, rr.ID, upperAddr)
		return newAddr, nil
	}
	cp, err := c.fs.ReadNode(newAddr, btrfstree.NodeExpectations{
		Level: containers.OptionalValue(level),
	})
	if err != nil {
		return newAddr, corruptf(op, newAddr, "copy of %v: %w", addr, err)
	}
	if err := c.redirectPtr(ctx, t, "relocate", parent, slot, newAddr, cp.Generation); err != nil {
		return newAddr, err
	}
	dlog.Tracef(ctx, "shadow tree %v now shares %v (via %v)", rr.ID, newAddr, upperAddr)
	return newAddr, nil
}

// reserveForNode makes sure that the block reservation is large
// enough to COW every not-yet-processed block above h, twice, plus a
// shadow root.
func (c *Control) reserveForNode(ctx context.Context, h nodeHandle) error {
	nodeSize := c.fs.Config().NodeSize
	need := btrfsvol.AddrDelta(c.cache.countUnprocessed(h)*2)*nodeSize + nodeSize
	c.rsvNeed = need
	if err := c.rsv.Refill(ctx, need, false); err != nil {
		if errors.Is(err, btrfs.ErrNoSpace) {
			return fmt.Errorf("need %v for %v: %w", need, c.cache.node(h), errRetry)
		}
		return err
	}
	return nil
}
