// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfs

import (
	"context"
	"fmt"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfstree"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsvol"
)

type FileExtent struct {
	OffsetWithinFile int64
	btrfsitem.FileExtent
}

type inodeKey struct {
	Tree  btrfsprim.ObjID
	Inode btrfsprim.ObjID
}

// An extentMap is a cached list of an inode's file extents; it is
// only good as long as no tree has been modified since it was built.
type extentMap struct {
	Seq     uint64
	Size    int64
	Extents []FileExtent
}

// WriteFile creates inode ino in tree, holding data, stored in data
// extents of at most extentSize bytes.
func (fs *FS) WriteFile(ctx context.Context, t *Trans, tree, ino btrfsprim.ObjID, data []byte, extentSize btrfsvol.AddrDelta) error {
	defer fs.InvalidateInodeCache(tree, ino)
	if err := fs.InsertItem(ctx, t, tree, btrfstree.Item{
		Key: btrfsprim.Key{ObjectID: ino, ItemType: btrfsprim.INODE_ITEM_KEY},
		Body: &btrfsitem.Inode{
			Generation: t.id,
			Size:       int64(len(data)),
			NumBytes:   int64(len(data)),
			NLink:      1,
		},
	}); err != nil {
		return fmt.Errorf("write file %v/%v: %w", tree, ino, err)
	}
	for off := 0; off < len(data); off += int(extentSize) {
		end := off + int(extentSize)
		if end > len(data) {
			end = len(data)
		}
		size := btrfsvol.AddrDelta(end - off)
		addr, err := fs.allocDataExtent(ctx, t, nil, size, tree)
		if err != nil {
			return fmt.Errorf("write file %v/%v: %w", tree, ino, err)
		}
		if err := fs.writeData(addr, data[off:end]); err != nil {
			fs.unallocate(addr)
			return err
		}
		if err := fs.InsertItem(ctx, t, tree, btrfstree.Item{
			Key: btrfsprim.Key{ObjectID: ino, ItemType: btrfsprim.EXTENT_DATA_KEY, Offset: uint64(off)},
			Body: &btrfsitem.FileExtent{
				Generation:   t.id,
				Type:         btrfsitem.FILE_EXTENT_REG,
				DiskByteNr:   addr,
				DiskNumBytes: size,
				NumBytes:     int64(size),
			},
		}); err != nil {
			fs.unallocate(addr)
			return fmt.Errorf("write file %v/%v: %w", tree, ino, err)
		}
	}
	return nil
}

// FileExtents returns an inode's file extents in file order.
func (fs *FS) FileExtents(ctx context.Context, tree, ino btrfsprim.ObjID) ([]FileExtent, error) {
	m, err := fs.extentMap(ctx, tree, ino)
	if err != nil {
		return nil, err
	}
	return append([]FileExtent(nil), m.Extents...), nil
}

// ReadFile returns the full contents of an inode.
func (fs *FS) ReadFile(ctx context.Context, tree, ino btrfsprim.ObjID) ([]byte, error) {
	m, err := fs.extentMap(ctx, tree, ino)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, m.Size)
	for _, ext := range m.Extents {
		if ext.Hole() {
			continue
		}
		data, err := fs.readData(ext.DiskByteNr)
		if err != nil {
			return nil, fmt.Errorf("read file %v/%v: %w", tree, ino, err)
		}
		beg, end := int64(ext.Offset), int64(ext.Offset)+ext.NumBytes
		if end > int64(len(data)) || ext.OffsetWithinFile+ext.NumBytes > m.Size {
			return nil, fmt.Errorf("read file %v/%v: extent at %v overruns its data", tree, ino, ext.OffsetWithinFile)
		}
		copy(buf[ext.OffsetWithinFile:], data[beg:end])
	}
	return buf, nil
}

// InvalidateInodeCache drops the cached extent map of an inode.
func (fs *FS) InvalidateInodeCache(tree, ino btrfsprim.ObjID) {
	fs.extentMaps.Remove(inodeKey{Tree: tree, Inode: ino})
}

func (fs *FS) extentMap(ctx context.Context, tree, ino btrfsprim.ObjID) (extentMap, error) {
	key := inodeKey{Tree: tree, Inode: ino}
	seq := fs.modSeq.Load()
	if m, ok := fs.extentMaps.Get(key); ok && m.Seq == seq {
		return m, nil
	}

	inodeItem, err := fs.LookupItem(ctx, tree, btrfsprim.Key{ObjectID: ino, ItemType: btrfsprim.INODE_ITEM_KEY})
	if err != nil {
		return extentMap{}, fmt.Errorf("inode %v/%v: %w", tree, ino, err)
	}
	inode, ok := inodeItem.Body.(*btrfsitem.Inode)
	if !ok {
		return extentMap{}, fmt.Errorf("inode %v/%v: unexpected body %T", tree, ino, inodeItem.Body)
	}
	m := extentMap{Seq: seq, Size: inode.Size}
	items, err := fs.TreeRange(ctx, tree,
		btrfsprim.Key{ObjectID: ino, ItemType: btrfsprim.EXTENT_DATA_KEY},
		btrfsprim.Key{ObjectID: ino, ItemType: btrfsprim.EXTENT_DATA_KEY, Offset: btrfsprim.MaxOffset})
	if err != nil {
		return extentMap{}, fmt.Errorf("inode %v/%v: %w", tree, ino, err)
	}
	for _, item := range items {
		fe, ok := item.Body.(*btrfsitem.FileExtent)
		if !ok {
			return extentMap{}, fmt.Errorf("inode %v/%v: item %v: unexpected body %T", tree, ino, item.Key, item.Body)
		}
		m.Extents = append(m.Extents, FileExtent{
			OffsetWithinFile: int64(item.Key.Offset),
			FileExtent:       *fe,
		})
	}
	fs.extentMaps.Add(key, m)
	return m, nil
}
