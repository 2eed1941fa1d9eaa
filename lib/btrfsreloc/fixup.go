// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsreloc

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfstree"
)

// fixupDataExtent relocates every leaf that points at a data extent
// that has already been copied; the COW hook rewrites the leaves'
// pointers as it goes (see fixupLeaf).
func (c *Control) fixupDataExtent(ctx context.Context, t *btrfs.Trans, ext btrfs.ExtentRecord) error {
	refs, err := c.fs.FindParents(ext.Addr)
	if err != nil {
		return corruptf("update data pointers", ext.Addr, "%w", err)
	}
	for _, ref := range refs {
		if ref.Parent == 0 {
			continue
		}
		if _, ok := c.moved[ref.Parent]; ok || c.processed.Contains(ref.Parent) {
			continue
		}
		if err := c.relocateTreeBlock(ctx, t, ref.Parent, 0); err != nil {
			return fmt.Errorf("leaf %v: %w", ref.Parent, err)
		}
	}
	c.markProcessed(ext.Addr, ext.Size)
	return nil
}

// fixupLeaf points the file extents of a freshly-COWed shadow leaf
// at the relocated copies of their data.
func (c *Control) fixupLeaf(ctx context.Context, t *btrfs.Trans, tree btrfsprim.ObjID, leaf *btrfstree.Node) error {
	const op = "update data pointers"
	source := c.copying
	if rr := c.roots.get(tree); rr != nil {
		source = rr.Source
	}
	for slot, item := range leaf.BodyLeaf {
		fe, ok := item.Body.(*btrfsitem.FileExtent)
		if !ok || fe.Hole() || fe.Type == btrfsitem.FILE_EXTENT_INLINE || !c.bg.Contains(fe.DiskByteNr) {
			continue
		}
		ino := item.Key.ObjectID
		c.fs.InvalidateInodeCache(tree, ino)
		if source != 0 {
			c.fs.InvalidateInodeCache(source, ino)
		}

		old := fe.DiskByteNr
		moved, err := c.fs.LookupFileExtent(c.inode, old.Sub(c.bg.Start))
		if err != nil {
			return corruptf(op, old, "no relocated copy: %w", err)
		}
		if moved.Size != fe.DiskNumBytes {
			return corruptf(op, old, "relocated copy at %v is %v bytes, but the extent is %v bytes",
				moved.Addr, moved.Size, fe.DiskNumBytes)
		}

		newFE := *fe
		newFE.DiskByteNr = moved.Addr
		err = c.logSwap(ctx, t, "fixup", leaf.Addr, slot, old, moved.Addr, func() error {
			ref := btrfsitem.ParentRef(leaf.Addr)
			if err := c.fs.IncRef(ctx, t, moved.Addr, ref); err != nil {
				return err
			}
			if err := c.fs.SetLeafItem(ctx, t, leaf, slot, btrfstree.Item{Key: item.Key, Body: &newFE}); err != nil {
				return err
			}
			return c.fs.DecRef(ctx, t, old, ref)
		})
		if err != nil {
			return err
		}
	}
	dlog.Tracef(ctx, "fixed up data pointers of %v in tree %v", leaf.Addr, tree)
	return nil
}
