// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfs

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfstree"
	"git.lukeshu.com/btrfs-reloc/lib/containers"
	"git.lukeshu.com/btrfs-reloc/lib/maps"
)

func (fs *FS) LookupRoot(id btrfsprim.ObjID) (btrfsitem.Root, error) {
	root, ok := fs.roots[id]
	if !ok {
		return btrfsitem.Root{}, fmt.Errorf("tree %v: %w", id, btrfstree.ErrNoTree)
	}
	return *root, nil
}

// SetRootItem overwrites the root item of an existing tree.  The
// caller is responsible for the reference counts of the root node.
func (fs *FS) SetRootItem(_ context.Context, _ *Trans, id btrfsprim.ObjID, root btrfsitem.Root) error {
	cur, ok := fs.roots[id]
	if !ok {
		return fmt.Errorf("set root item %v: %w", id, btrfstree.ErrNoTree)
	}
	*cur = root
	fs.dirty()
	return nil
}

// Roots returns the ID of every tree, in ascending order.
func (fs *FS) Roots() []btrfsprim.ObjID {
	return maps.SortedKeys(fs.roots)
}

// AllocTreeID returns the lowest tree ID in [lo, hi] that no tree
// has.
func (fs *FS) AllocTreeID(_ *Trans, lo, hi btrfsprim.ObjID) (btrfsprim.ObjID, error) {
	for id := lo; id <= hi; id++ {
		if _, taken := fs.roots[id]; !taken {
			return id, nil
		}
		if id == hi {
			break
		}
	}
	return 0, fmt.Errorf("no free tree ID in [%v, %v]", lo, hi)
}

// CopyRoot creates tree dst as a copy of tree src: dst gets its own
// copy of the root node, and shares everything below it with src.
func (fs *FS) CopyRoot(ctx context.Context, t *Trans, src, dst btrfsprim.ObjID) (*btrfstree.Node, error) {
	srcRoot, err := fs.LookupRoot(src)
	if err != nil {
		return nil, fmt.Errorf("copy root %v to %v: %w", src, dst, err)
	}
	if _, exists := fs.roots[dst]; exists {
		return nil, fmt.Errorf("copy root %v to %v: destination exists", src, dst)
	}
	node, err := fs.ReadNode(srcRoot.ByteNr, btrfstree.NodeExpectations{
		Level: containers.OptionalValue(srcRoot.Level),
	})
	if err != nil {
		return nil, fmt.Errorf("copy root %v to %v: %w", src, dst, err)
	}
	addr, err := fs.allocTreeBlock(ctx, t, dst, node.Level)
	if err != nil {
		return nil, fmt.Errorf("copy root %v to %v: %w", src, dst, err)
	}

	newNode := node.Clone()
	newNode.Addr = addr
	newNode.Generation = t.id
	newNode.Owner = dst
	newNode.Flags |= btrfstree.NodeWritten
	if dst.IsRelocTree() {
		newNode.Flags |= btrfstree.NodeReloc
	}
	fs.nodes[addr] = newNode
	fs.setBlockInfo(newNode)
	for _, child := range childRefs(newNode) {
		if err := fs.IncRef(ctx, t, child, btrfsitem.ParentRef(addr)); err != nil {
			return nil, fmt.Errorf("copy root %v to %v: %w", src, dst, err)
		}
	}
	if err := fs.IncRef(ctx, t, addr, btrfsitem.RootRef(dst)); err != nil {
		return nil, fmt.Errorf("copy root %v to %v: %w", src, dst, err)
	}
	fs.roots[dst] = &btrfsitem.Root{
		ByteNr:     addr,
		Level:      newNode.Level,
		Generation: t.id,
		Flags:      srcRoot.Flags,
		Refs:       1,
	}
	fs.dirty()
	dlog.Debugf(ctx, "copied root of tree %v (%v) to tree %v (%v)", src, node.Addr, dst, addr)

	if hook := fs.loadHook(); hook != nil {
		if err := hook.BlockCOWed(ctx, t, dst, node, newNode); err != nil {
			return nil, fmt.Errorf("copy root %v to %v: %w", src, dst, err)
		}
	}
	return newNode, nil
}

// Snapshot creates subvolume dst as a snapshot of src.
func (fs *FS) Snapshot(ctx context.Context, t *Trans, src, dst btrfsprim.ObjID) error {
	if _, err := fs.CopyRoot(ctx, t, src, dst); err != nil {
		return err
	}
	fs.roots[src].LastSnapshot = t.id - 1
	fs.roots[dst].LastSnapshot = t.id - 1
	return nil
}

// DropTree deletes a tree: its root item goes away, and every block
// and data extent that only it referenced is freed.
func (fs *FS) DropTree(ctx context.Context, t *Trans, id btrfsprim.ObjID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	root, err := fs.LookupRoot(id)
	if err != nil {
		return fmt.Errorf("drop tree: %w", err)
	}
	delete(fs.roots, id)
	fs.dirty()
	if err := fs.DecRef(ctx, t, root.ByteNr, btrfsitem.RootRef(id)); err != nil {
		return fmt.Errorf("drop tree %v: %w", id, err)
	}
	dlog.Debugf(ctx, "dropped tree %v", id)
	return nil
}

func (fs *FS) GetMeta(key string) ([]byte, bool) {
	val, ok := fs.meta[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), val...), true
}

// SetMeta stores a small blob that is persisted with the next commit.
func (fs *FS) SetMeta(_ *Trans, key string, val []byte) {
	fs.meta[key] = append([]byte(nil), val...)
}

func (fs *FS) DeleteMeta(_ *Trans, key string) {
	delete(fs.meta, key)
}
