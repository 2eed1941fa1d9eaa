// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsreloc

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfstree"
	"git.lukeshu.com/btrfs-reloc/lib/containers"
)

// A mergeCandidate is a pointer in a shadow tree that may be swapped
// with the source tree's pointer for the same key.
type mergeCandidate struct {
	Key btrfsprim.Key
	// Level is that of the node holding the pointer.
	Level uint8
	// End bounds the keys under the pointer; if unset, the
	// pointer is the right-most at its level.
	End containers.Optional[btrfsprim.Key]
}

// mergeAll merges every live shadow tree back into its source, and
// then drops every dead shadow tree.
func (c *Control) mergeAll(ctx context.Context) error {
	live := append([]*relocRoot(nil), c.live...)
	sort.Slice(live, func(i, j int) bool { return live[i].ID < live[j].ID })
	c.live = nil
	for _, rr := range live {
		if rr.Dead {
			continue
		}
		if err := c.mergeRelocRoot(ctx, rr); err != nil {
			return fmt.Errorf("merge shadow tree %v into %v: %w", rr.ID, rr.Source, err)
		}
	}
	return c.dropDeadRoots(ctx)
}

// beginMerge starts a transaction handle for merge or drop work.  A
// failure to top up the reservation isn't fatal; the work may well
// fit in what is left.
func (c *Control) beginMerge(ctx context.Context) (*btrfs.Trans, error) {
	if c.rsv != nil {
		if err := c.rsv.Refill(ctx, c.minRsv(), true); err != nil && !errors.Is(err, btrfs.ErrNoSpace) {
			return nil, err
		}
	}
	t, err := c.fs.StartTransaction(ctx)
	if err != nil {
		return nil, err
	}
	if c.rsv != nil {
		t.SetBlockRsv(c.rsv)
	}
	return t, nil
}

func (c *Control) mergeRelocRoot(ctx context.Context, rr *relocRoot) error {
	ctx = dlog.WithField(ctx, "btrfs.reloc.merge.root", rr.ID)

	srcRoot, err := c.fs.LookupRoot(rr.Source)
	if err != nil {
		if !errors.Is(err, btrfstree.ErrNoTree) {
			return err
		}
		dlog.Infof(ctx, "source tree %v is gone; dropping without merge", rr.Source)
		return c.killRelocRoot(ctx, rr)
	}

	t, err := c.beginMerge(ctx)
	if err != nil {
		return err
	}
	swapped, err := c.swapRoots(ctx, t, rr, srcRoot)
	if err != nil {
		t.Abort(ctx, err)
		return err
	}
	if !swapped {
		if err := c.mergeCandidates(ctx, &t, rr); err != nil {
			if t != nil {
				t.Abort(ctx, err)
			}
			return err
		}
	}
	if err := t.Commit(ctx); err != nil {
		return err
	}
	return c.killRelocRoot(ctx, rr)
}

// swapRoots exchanges the root nodes of the shadow tree and its
// source, if the source has not changed at all since the shadow was
// made.
func (c *Control) swapRoots(ctx context.Context, t *btrfs.Trans, rr *relocRoot, srcRoot btrfsitem.Root) (bool, error) {
	shRoot, err := c.fs.LookupRoot(rr.ID)
	if err != nil {
		return false, corruptf("merge", rr.Addr, "shadow tree %v: %w", rr.ID, err)
	}
	if srcRoot.Generation > rr.Boundary || srcRoot.Level != shRoot.Level || srcRoot.ByteNr == shRoot.ByteNr {
		return false, nil
	}
	old, new := srcRoot.ByteNr, shRoot.ByteNr
	err = c.logSwap(ctx, t, "merge", 0, 0, old, new, func() error {
		if err := c.fs.IncRef(ctx, t, new, btrfsitem.RootRef(rr.Source)); err != nil {
			return err
		}
		if err := c.fs.IncRef(ctx, t, old, btrfsitem.RootRef(rr.ID)); err != nil {
			return err
		}
		srcGen, shGen := srcRoot.Generation, shRoot.Generation
		srcRoot.ByteNr, srcRoot.Generation = new, shGen
		shRoot.ByteNr, shRoot.Generation = old, srcGen
		if err := c.fs.SetRootItem(ctx, t, rr.Source, srcRoot); err != nil {
			return err
		}
		if err := c.fs.SetRootItem(ctx, t, rr.ID, shRoot); err != nil {
			return err
		}
		if err := c.fs.DecRef(ctx, t, old, btrfsitem.RootRef(rr.Source)); err != nil {
			return err
		}
		return c.fs.DecRef(ctx, t, new, btrfsitem.RootRef(rr.ID))
	})
	if err != nil {
		return false, err
	}
	c.roots.rekey(rr.ID, new, old)
	dlog.Debugf(ctx, "swapped root %v of tree %v with root %v of shadow", old, rr.Source, new)
	return true, nil
}

// mergeCandidates swaps every pointer that the shadow tree has
// changed, and that the source tree has not, into the source tree.
// Progress is committed every few swaps; *t is replaced as that
// happens, and when running out of space forces a new chunk.
func (c *Control) mergeCandidates(ctx context.Context, t **btrfs.Trans, rr *relocRoot) error {
	forced := false
	retry := func(err error) error {
		var nse *btrfs.NoSpaceError
		if forced || !errors.As(err, &nse) {
			return err
		}
		cur := *t
		*t = nil
		if err := cur.End(ctx); err != nil {
			return err
		}
		if err := c.forceAlloc(ctx, err, &forced); err != nil {
			return err
		}
		next, err := c.beginMerge(ctx)
		if err != nil {
			return err
		}
		*t = next
		return nil
	}

	for {
		root, err := c.fs.LookupRoot(rr.Source)
		if err != nil || c.bg.Length == 0 || !c.bg.Contains(root.ByteNr) {
			break
		}
		if _, err := c.fs.COWBlock(ctx, *t, rr.Source, nil, 0); err != nil {
			if err := retry(err); err != nil {
				return err
			}
			continue
		}
		break
	}

	cands, err := c.findCandidates(ctx, rr)
	if err != nil {
		return err
	}
	dlog.Debugf(ctx, "%d merge candidates", len(cands))
	swaps := 0
	for i := 0; i < len(cands); {
		cand := cands[i]
		if c.rsv != nil {
			if err := c.rsv.Refill(ctx, c.minRsv(), false); err != nil {
				if !errors.Is(err, btrfs.ErrNoSpace) {
					return err
				}
				// Once a chunk has been forced, go ahead
				// on what is left.
				if !forced {
					if err := retry(err); err != nil {
						return err
					}
					continue
				}
			}
		}
		src, sh, err := c.mergeFind(ctx, *t, rr, cand)
		if err != nil {
			if err := retry(err); err != nil {
				return err
			}
			continue
		}
		if err := c.mergeOne(ctx, *t, rr, src, sh); err != nil {
			return err
		}
		forced = false
		i++

		rr.Progress = btrfsprim.MaxKey
		if cand.End.OK {
			rr.Progress = cand.End.Val
		}
		rr.ProgressLevel = cand.Level
		swaps++
		if swaps%c.cfg.MergeSwapsPerTrans == 0 {
			cur := *t
			*t = nil
			if err := cur.Commit(ctx); err != nil {
				return err
			}
			next, err := c.beginMerge(ctx)
			if err != nil {
				return err
			}
			*t = next
		}
	}
	return nil
}

// findCandidates walks the shadow tree, right of the merge progress,
// looking for pointers with a generation newer than the shadow's
// boundary whose counterpart in the source tree is no newer than it.
// A pointer whose counterpart is newer (or missing) is descended in
// to.
func (c *Control) findCandidates(ctx context.Context, rr *relocRoot) ([]mergeCandidate, error) {
	shRoot, err := c.fs.LookupRoot(rr.ID)
	if err != nil {
		return nil, err
	}
	root, err := c.fs.ReadNode(shRoot.ByteNr, btrfstree.NodeExpectations{
		Level: containers.OptionalValue(shRoot.Level),
	})
	if err != nil {
		return nil, corruptf("merge", shRoot.ByteNr, "%w", err)
	}
	var ret []mergeCandidate
	var walk func(node *btrfstree.Node, end containers.Optional[btrfsprim.Key]) error
	walk = func(node *btrfstree.Node, end containers.Optional[btrfsprim.Key]) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		for i, kp := range node.BodyInterior {
			kpEnd := end
			if i+1 < len(node.BodyInterior) {
				kpEnd = containers.OptionalValue(node.BodyInterior[i+1].Key)
			}
			if kpEnd.OK && kpEnd.Val.Compare(rr.Progress) <= 0 {
				continue
			}
			if kp.Generation <= rr.Boundary {
				continue
			}
			descend := true
			if kp.Key.Compare(rr.Progress) >= 0 {
				path, err := c.fs.SearchSlot(ctx, nil, rr.Source, kp.Key, node.Level, false)
				switch {
				case errors.Is(err, btrfstree.ErrNoItem):
				case err != nil:
					return err
				default:
					elem, _ := path.AtLevel(node.Level)
					skp := elem.Node.BodyInterior[elem.Slot]
					switch {
					case skp.Key != kp.Key:
					case skp.BlockPtr == kp.BlockPtr:
						descend = false
					case skp.Generation > rr.Boundary:
					default:
						ret = append(ret, mergeCandidate{Key: kp.Key, Level: node.Level, End: kpEnd})
						descend = false
					}
				}
			}
			if !descend || node.Level == 1 {
				continue
			}
			child, err := c.fs.ReadNode(kp.BlockPtr, btrfstree.NodeExpectations{
				Level:      containers.OptionalValue(node.Level - 1),
				Generation: containers.OptionalValue(kp.Generation),
			})
			if err != nil {
				return corruptf("merge", kp.BlockPtr, "%w", err)
			}
			if err := walk(child, kpEnd); err != nil {
				return err
			}
		}
		return nil
	}
	if root.Level == 0 {
		return nil, nil
	}
	if err := walk(root, containers.Optional[btrfsprim.Key]{}); err != nil {
		return nil, err
	}
	return ret, nil
}

// A mergeSlot is a pointer found by mergeFind.
type mergeSlot struct {
	Parent *btrfstree.Node
	Slot   int
}

func (m mergeSlot) ptr() btrfstree.KeyPointer { return m.Parent.BodyInterior[m.Slot] }

// mergeFind COWs its way down to the pointers for a candidate in both
// the source tree and the shadow tree.  Nothing has been swapped if
// it fails, so it may be tried again in a new handle.
func (c *Control) mergeFind(ctx context.Context, t *btrfs.Trans, rr *relocRoot, cand mergeCandidate) (src, sh mergeSlot, err error) {
	find := func(tree btrfsprim.ObjID) (mergeSlot, error) {
		path, err := c.fs.SearchSlot(ctx, t, tree, cand.Key, cand.Level, true)
		if err != nil {
			return mergeSlot{}, err
		}
		elem, ok := path.AtLevel(cand.Level)
		if !ok || elem.Node.BodyInterior[elem.Slot].Key != cand.Key {
			return mergeSlot{}, corruptf("merge", 0, "tree %v: no pointer for key %v at level %v", tree, cand.Key, cand.Level)
		}
		return mergeSlot{Parent: elem.Node, Slot: elem.Slot}, nil
	}
	if src, err = find(rr.Source); err != nil {
		return src, sh, err
	}
	if sh, err = find(rr.ID); err != nil {
		return src, sh, err
	}
	return src, sh, nil
}

// mergeOne swaps a pointer of the shadow tree with the source tree's
// pointer for the same key and level: the source tree gets the
// relocated subtree, and the shadow gets the old one, to be freed
// when the shadow is dropped.
func (c *Control) mergeOne(ctx context.Context, t *btrfs.Trans, rr *relocRoot, src, sh mergeSlot) error {
	old := src.ptr()
	new := sh.ptr()
	if old.BlockPtr == new.BlockPtr || old.Generation > rr.Boundary {
		return nil
	}
	srcParent, shParent := src.Parent, sh.Parent
	return c.logSwap(ctx, t, "merge", srcParent.Addr, src.Slot, old.BlockPtr, new.BlockPtr, func() error {
		srcRef := btrfsitem.ParentRef(srcParent.Addr)
		shRef := btrfsitem.ParentRef(shParent.Addr)
		if err := c.fs.IncRef(ctx, t, new.BlockPtr, srcRef); err != nil {
			return err
		}
		if err := c.fs.IncRef(ctx, t, old.BlockPtr, shRef); err != nil {
			return err
		}
		if err := c.fs.SetBlockPtr(ctx, t, srcParent, src.Slot, new.BlockPtr, new.Generation); err != nil {
			return err
		}
		if err := c.fs.SetBlockPtr(ctx, t, shParent, sh.Slot, old.BlockPtr, old.Generation); err != nil {
			return err
		}
		if err := c.fs.DecRef(ctx, t, new.BlockPtr, shRef); err != nil {
			return err
		}
		return c.fs.DecRef(ctx, t, old.BlockPtr, srcRef)
	})
}

// killRelocRoot marks a shadow tree dead.  Its root item is written
// with Refs=0 by the commit.
func (c *Control) killRelocRoot(ctx context.Context, rr *relocRoot) error {
	t, err := c.beginMerge(ctx)
	if err != nil {
		return err
	}
	c.roots.markDead(rr)
	c.metrics.ShadowRoots.WithLabelValues("live").Dec()
	c.metrics.ShadowRoots.WithLabelValues("dead").Inc()
	return t.Commit(ctx)
}

// dropDeadRoots frees every dead shadow tree, each in its own
// transaction.
func (c *Control) dropDeadRoots(ctx context.Context) error {
	for _, rr := range c.roots.all() {
		if !rr.Dead {
			continue
		}
		t, err := c.beginMerge(ctx)
		if err != nil {
			return err
		}
		if err := c.fs.DropTree(ctx, t, rr.ID); err != nil && !errors.Is(err, btrfstree.ErrNoTree) {
			t.Abort(ctx, err)
			return fmt.Errorf("drop shadow tree %v: %w", rr.ID, err)
		}
		c.roots.remove(rr)
		c.metrics.ShadowRoots.WithLabelValues("dead").Dec()
		if err := t.Commit(ctx); err != nil {
			return err
		}
		dlog.Debugf(ctx, "dropped shadow tree %v", rr.ID)
	}
	return nil
}
