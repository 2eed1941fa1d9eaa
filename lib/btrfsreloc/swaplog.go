// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsreloc

import (
	"context"
	"errors"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfstree"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsvol"
)

// A swapRecord is one pointer redirection.  Refs are the combined
// reference counts of the old and new extents, before and after.
type swapRecord struct {
	Phase      string
	Parent     btrfsvol.LogicalAddr
	Slot       int
	Old, New   btrfsvol.LogicalAddr
	RefsBefore int64
	RefsAfter  int64
}

// swapLog is the list of swaps made in the running transaction.  If
// the transaction aborts, none of them happened.
type swapLog struct {
	transID btrfsprim.Generation
	records []swapRecord
}

func (l *swapLog) reset(transID btrfsprim.Generation) {
	if transID == l.transID {
		return
	}
	l.transID = transID
	l.records = nil
}

// NetDelta returns the total change in reference counts across every
// logged swap.
func (l *swapLog) NetDelta() int64 {
	var ret int64
	for _, rec := range l.records {
		ret += rec.RefsAfter - rec.RefsBefore
	}
	return ret
}

func (c *Control) extentRefs(addr btrfsvol.LogicalAddr) (int64, error) {
	ext, err := c.fs.LookupExtent(addr)
	if errors.Is(err, btrfstree.ErrNoItem) {
		// Freed.
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return ext.Refs, nil
}

// logSwap runs fn, which must redirect references from old to new
// without creating or destroying any, and checks that it did.
func (c *Control) logSwap(ctx context.Context, t *btrfs.Trans, phase string, parent btrfsvol.LogicalAddr, slot int, old, new btrfsvol.LogicalAddr, fn func() error) error {
	c.swaps.reset(t.ID())
	refs := func() (int64, error) {
		a, err := c.extentRefs(old)
		if err != nil {
			return 0, err
		}
		b, err := c.extentRefs(new)
		if err != nil {
			return 0, err
		}
		return a + b, nil
	}
	before, err := refs()
	if err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	after, err := refs()
	if err != nil {
		return err
	}
	rec := swapRecord{
		Phase:      phase,
		Parent:     parent,
		Slot:       slot,
		Old:        old,
		New:        new,
		RefsBefore: before,
		RefsAfter:  after,
	}
	c.swaps.records = append(c.swaps.records, rec)
	c.metrics.Swaps.WithLabelValues(phase).Inc()
	dlog.Tracef(ctx, "%s: %v[%d]: %v => %v", phase, parent, slot, old, new)
	if before != after {
		return corruptf(phase, old, "swap to %v in %v changed reference counts from %v to %v",
			new, parent, before, after)
	}
	return nil
}

// redirectPtr points parent's slot at new instead of old, moving the
// reference along with it.
func (c *Control) redirectPtr(ctx context.Context, t *btrfs.Trans, phase string, parent *btrfstree.Node, slot int, new btrfsvol.LogicalAddr, gen btrfsprim.Generation) error {
	old := parent.BodyInterior[slot].BlockPtr
	return c.logSwap(ctx, t, phase, parent.Addr, slot, old, new, func() error {
		ref := btrfsitem.ParentRef(parent.Addr)
		if err := c.fs.IncRef(ctx, t, new, ref); err != nil {
			return err
		}
		if err := c.fs.SetBlockPtr(ctx, t, parent, slot, new, gen); err != nil {
			return err
		}
		return c.fs.DecRef(ctx, t, old, ref)
	})
}
