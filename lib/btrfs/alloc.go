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
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-reloc/lib/containers"
)

// A BlockGroup is a chunk of the logical address space that extents
// of a given type are allocated from.
type BlockGroup struct {
	Start    btrfsvol.LogicalAddr
	Length   btrfsvol.AddrDelta
	Flags    btrfsvol.BlockGroupFlags
	ReadOnly bool

	// Used counts the bytes of live extents.  Pinned counts bytes
	// freed in the running transaction, which may not be reused
	// until it commits.  Reserved counts bytes promised to
	// outstanding data reservations.
	Used     btrfsvol.AddrDelta
	Pinned   btrfsvol.AddrDelta `json:"-"`
	Reserved btrfsvol.AddrDelta `json:"-"`
}

func (bg BlockGroup) End() btrfsvol.LogicalAddr {
	return bg.Start.Add(bg.Length)
}

func (bg BlockGroup) Contains(addr btrfsvol.LogicalAddr) bool {
	return bg.Start <= addr && addr < bg.End()
}

// Free returns the bytes available for new allocations.
func (bg BlockGroup) Free() btrfsvol.AddrDelta {
	return bg.Length - bg.Used - bg.Pinned - bg.Reserved
}

func (bg BlockGroup) Item() btrfsitem.BlockGroup {
	return btrfsitem.BlockGroup{
		Used:     bg.Used,
		Flags:    bg.Flags,
		ReadOnly: bg.ReadOnly,
	}
}

func (fs *FS) BlockGroups() []BlockGroup {
	ret := make([]BlockGroup, len(fs.blockGroups))
	for i, bg := range fs.blockGroups {
		ret[i] = *bg
	}
	return ret
}

func (fs *FS) LookupBlockGroup(start btrfsvol.LogicalAddr) (BlockGroup, error) {
	bg, err := fs.blockGroup(start)
	if err != nil {
		return BlockGroup{}, err
	}
	return *bg, nil
}

func (fs *FS) blockGroup(start btrfsvol.LogicalAddr) (*BlockGroup, error) {
	for _, bg := range fs.blockGroups {
		if bg.Start == start {
			return bg, nil
		}
	}
	return nil, fmt.Errorf("no block group at %v", start)
}

func (fs *FS) blockGroupFor(addr btrfsvol.LogicalAddr) *BlockGroup {
	for _, bg := range fs.blockGroups {
		if bg.Contains(addr) {
			return bg
		}
	}
	return nil
}

// SetBlockGroupRO sets whether new extents may be allocated from a
// block group; the change is persisted with t.
func (fs *FS) SetBlockGroupRO(ctx context.Context, _ *Trans, start btrfsvol.LogicalAddr, readOnly bool) error {
	bg, err := fs.blockGroup(start)
	if err != nil {
		return err
	}
	if bg.ReadOnly != readOnly {
		dlog.Debugf(ctx, "block group %v: read-only=%v", start, readOnly)
	}
	bg.ReadOnly = readOnly
	return nil
}

// RemoveBlockGroup returns an empty block group's address space to
// the device.
func (fs *FS) RemoveBlockGroup(ctx context.Context, _ *Trans, start btrfsvol.LogicalAddr) error {
	bg, err := fs.blockGroup(start)
	if err != nil {
		return err
	}
	if ext, ok := fs.NextExtent(bg.Start, bg.End()); ok {
		return fmt.Errorf("remove block group %v: still holds extent %v", start, ext.Addr)
	}
	if bg.Used != 0 || bg.Pinned != 0 || bg.Reserved != 0 {
		return fmt.Errorf("remove block group %v: used=%v pinned=%v reserved=%v",
			start, bg.Used, bg.Pinned, bg.Reserved)
	}
	for i := range fs.blockGroups {
		if fs.blockGroups[i] == bg {
			fs.blockGroups = append(fs.blockGroups[:i], fs.blockGroups[i+1:]...)
			break
		}
	}
	dlog.Infof(ctx, "removed block group %v", start)
	return nil
}

// ForceChunkAlloc adds a new block group of the given type, if the
// device has room for it.
func (fs *FS) ForceChunkAlloc(ctx context.Context, flags btrfsvol.BlockGroupFlags) error {
	if fs.nextChunk.Add(fs.cfg.ChunkSize) > btrfsvol.LogicalAddr(fs.cfg.DeviceSize) {
		return &NoSpaceError{Flags: flags, Size: fs.cfg.ChunkSize}
	}
	bg := &BlockGroup{
		Start:  fs.nextChunk,
		Length: fs.cfg.ChunkSize,
		Flags:  flags & btrfsvol.BLOCK_GROUP_TYPE_MASK,
	}
	fs.blockGroups = append(fs.blockGroups, bg)
	fs.nextChunk = bg.End()
	dlog.Infof(ctx, "allocated %v chunk at %v", bg.Flags, bg.Start)
	return nil
}

// findFree returns the lowest address in bg where size bytes are
// neither allocated nor pinned.
func (fs *FS) findFree(bg *BlockGroup, size btrfsvol.AddrDelta) (btrfsvol.LogicalAddr, bool) {
	pos := bg.Start
	for pos.Add(size) <= bg.End() {
		end := pos.Add(size)
		if span, ok := fs.pinned.Overlap(pos, end); ok {
			pos = span.End
			continue
		}
		if prev := fs.extents.Floor(ExtentRecord{Addr: pos}); prev != nil && prev.Value.End() > pos {
			pos = prev.Value.End()
			continue
		}
		if next := fs.extents.Ceil(ExtentRecord{Addr: pos}); next != nil && next.Value.Addr < end {
			pos = next.Value.End()
			continue
		}
		return pos, true
	}
	return 0, false
}

func (fs *FS) freeMetadata() btrfsvol.AddrDelta {
	var ret btrfsvol.AddrDelta
	for _, bg := range fs.blockGroups {
		if !bg.ReadOnly && bg.Flags.Has(btrfsvol.BLOCK_GROUP_METADATA) {
			ret += bg.Free()
		}
	}
	return ret
}

// allocTreeBlock allocates a node-sized extent and records it in the
// extent index with no references; the caller must add one.
func (fs *FS) allocTreeBlock(ctx context.Context, t *Trans, owner btrfsprim.ObjID, level uint8) (btrfsvol.LogicalAddr, error) {
	if err := fs.checkWritable(); err != nil {
		return 0, err
	}
	size := fs.cfg.NodeSize
	var covered btrfsvol.AddrDelta
	if t.rsv != nil {
		covered = t.rsv.reserved
		if covered > size {
			covered = size
		}
	}
	if uncovered := size - covered; uncovered > 0 && fs.freeMetadata()-fs.metaRsv < uncovered {
		return 0, &NoSpaceError{Flags: btrfsvol.BLOCK_GROUP_METADATA, Size: size}
	}
	for _, bg := range fs.blockGroups {
		if bg.ReadOnly || !bg.Flags.Has(btrfsvol.BLOCK_GROUP_METADATA) || bg.Free() < size {
			continue
		}
		addr, ok := fs.findFree(bg, size)
		if !ok {
			continue
		}
		if covered > 0 {
			t.rsv.reserved -= covered
			fs.metaRsv -= covered
		}
		bg.Used += size
		fs.extents.Insert(ExtentRecord{
			Addr: addr,
			Size: size,
			Extent: btrfsitem.Extent{
				Generation: t.id,
				Flags:      btrfsitem.EXTENT_FLAG_TREE_BLOCK,
				Owner:      owner,
				Info:       btrfsitem.TreeBlockInfo{Level: level},
			},
		})
		t.markDirty(1)
		dlog.Tracef(ctx, "allocated tree block %v for tree %v", addr, owner)
		return addr, nil
	}
	return 0, &NoSpaceError{Flags: btrfsvol.BLOCK_GROUP_METADATA, Size: size}
}

// allocDataExtent allocates a data extent, preferring the block group
// of rsv, and records it in the extent index with no references.
func (fs *FS) allocDataExtent(ctx context.Context, t *Trans, rsv *DataRsv, size btrfsvol.AddrDelta, owner btrfsprim.ObjID) (btrfsvol.LogicalAddr, error) {
	if err := fs.checkWritable(); err != nil {
		return 0, err
	}
	try := func(bg *BlockGroup, fromRsv bool) (btrfsvol.LogicalAddr, bool) {
		if bg.ReadOnly || !bg.Flags.Has(btrfsvol.BLOCK_GROUP_DATA) {
			return 0, false
		}
		if !fromRsv && bg.Free() < size {
			return 0, false
		}
		addr, ok := fs.findFree(bg, size)
		if !ok {
			return 0, false
		}
		if fromRsv {
			bg.Reserved -= size
			rsv.remaining -= size
		}
		bg.Used += size
		return addr, true
	}
	addr, ok := btrfsvol.LogicalAddr(0), false
	if rsv != nil && rsv.remaining >= size {
		addr, ok = try(rsv.bg, true)
	}
	for _, bg := range fs.blockGroups {
		if ok {
			break
		}
		addr, ok = try(bg, false)
	}
	if !ok {
		return 0, &NoSpaceError{Flags: btrfsvol.BLOCK_GROUP_DATA, Size: size}
	}
	fs.extents.Insert(ExtentRecord{
		Addr: addr,
		Size: size,
		Extent: btrfsitem.Extent{
			Generation: t.id,
			Flags:      btrfsitem.EXTENT_FLAG_DATA,
			Owner:      owner,
		},
	})
	t.markDirty(1)
	dlog.Tracef(ctx, "allocated data extent %v+%v for tree %v", addr, int64(size), owner)
	return addr, nil
}

// unallocate reverses an allocation whose extent never got a
// reference.
func (fs *FS) unallocate(addr btrfsvol.LogicalAddr) {
	node := fs.extents.Lookup(ExtentRecord{Addr: addr})
	if node == nil || node.Value.Refs != 0 {
		return
	}
	if bg := fs.blockGroupFor(addr); bg != nil {
		bg.Used -= node.Value.Size
	}
	fs.extents.Delete(node)
	delete(fs.nodes, addr)
	fs.dataMu.Lock()
	delete(fs.data, addr)
	delete(fs.csums, addr)
	fs.dataMu.Unlock()
}

// pin releases a freed extent's bytes at the next commit.
func (fs *FS) pin(rec ExtentRecord) {
	if bg := fs.blockGroupFor(rec.Addr); bg != nil {
		bg.Used -= rec.Size
		bg.Pinned += rec.Size
	}
	fs.pinned.Insert(rec.Addr, rec.End())
}

func (fs *FS) unpinAll() {
	for _, bg := range fs.blockGroups {
		bg.Pinned = 0
	}
	fs.pinned = containers.RangeSet[btrfsvol.LogicalAddr]{}
}
