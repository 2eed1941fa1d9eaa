// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsreloc

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsvol"
)

// A fileExtentCluster is a run of adjacent data extents with the same
// owner, to be copied together.  Boundaries holds the start of each
// extent; write-back keeps them as separate extents.
type fileExtentCluster struct {
	Start, End btrfsvol.LogicalAddr
	Boundaries []btrfsvol.LogicalAddr
	Owner      btrfsprim.ObjID
}

func (cl *fileExtentCluster) Len() int { return len(cl.Boundaries) }

// relocateDataExtent adds a data extent to the cluster, first
// flushing the cluster if the extent can't join it.
func (c *Control) relocateDataExtent(ctx context.Context, ext btrfs.ExtentRecord) error {
	cl := &c.cluster
	if cl.Len() > 0 && (cl.Len() >= c.cfg.ClusterMaxExtents || ext.Addr != cl.End || ext.Owner != cl.Owner) {
		if err := c.flushCluster(ctx); err != nil {
			return err
		}
	}
	if cl.Len() == 0 {
		cl.Start = ext.Addr
		cl.Owner = ext.Owner
	}
	cl.End = ext.End()
	cl.Boundaries = append(cl.Boundaries, ext.Addr)
	c.dataMoved = true
	return nil
}

// flushCluster marks the cluster's range of the relocation inode
// dirty, one range per extent, to be copied at write-back.  The
// cluster is only emptied if that succeeds.
func (c *Control) flushCluster(ctx context.Context) error {
	cl := &c.cluster
	if cl.Len() == 0 {
		return nil
	}
	c.fs.InvalidateInodeCache(btrfsprim.DATA_RELOC_TREE_OBJECTID, c.inode)
	c.fs.RecordAllocOwner(c.inode, cl.Owner)
	span := cl.End.Sub(cl.Start)
	rsv, err := c.fs.ReserveData(ctx, span)
	if err != nil {
		return fmt.Errorf("cluster %v+%v: %w", cl.Start, span, err)
	}
	for i, beg := range cl.Boundaries {
		end := cl.End
		if i+1 < len(cl.Boundaries) {
			end = cl.Boundaries[i+1]
		}
		if err := c.fs.MarkDelalloc(ctx, c.inode, beg.Sub(c.bg.Start), end.Sub(beg), true, rsv); err != nil {
			if i == 0 {
				rsv.Release()
			}
			return fmt.Errorf("cluster %v+%v: %w", cl.Start, span, err)
		}
	}
	dlog.Debugf(ctx, "cluster %v+%v: %d extents owned by %v",
		cl.Start, span, cl.Len(), cl.Owner)
	*cl = fileExtentCluster{}
	return nil
}
