// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfs

import (
	"context"
	"fmt"
	"sort"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsvol"
)

// A writebackRun is a stretch of dirty ranges that is written out as
// a single new extent.
type writebackRun struct {
	Off    btrfsvol.AddrDelta
	Len    btrfsvol.AddrDelta
	Owner  btrfsprim.ObjID
	Addr   btrfsvol.LogicalAddr
	rsv    *DataRsv
	ranges []delallocRange
}

func planWriteback(ranges []delallocRange) []*writebackRun {
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Off < ranges[j].Off })
	var runs []*writebackRun
	for _, r := range ranges {
		if n := len(runs); n > 0 && !r.Boundary {
			last := runs[n-1]
			if last.Off+last.Len == r.Off && last.Owner == r.Owner {
				last.Len += r.Len
				last.ranges = append(last.ranges, r)
				continue
			}
		}
		runs = append(runs, &writebackRun{
			Off:    r.Off,
			Len:    r.Len,
			Owner:  r.Owner,
			rsv:    r.rsv,
			ranges: []delallocRange{r},
		})
	}
	return runs
}

// FlushDelalloc writes out every dirty range of a relocation inode.
// Each run of adjacent ranges with the same owner and no boundary
// between them gets one new extent; the bytes are copied by a pool of
// workers.
func (fs *FS) FlushDelalloc(ctx context.Context, t *Trans, ino btrfsprim.ObjID) error {
	inode, ok := fs.relocInodes[ino]
	if !ok {
		return fmt.Errorf("flush delalloc: no reloc inode %v", ino)
	}
	state, ok := fs.delalloc.LoadAndDelete(ino)
	if !ok {
		return nil
	}
	state.mu.Lock()
	ranges := state.ranges
	state.ranges = nil
	state.mu.Unlock()
	defer releaseRanges(ranges)
	if len(ranges) == 0 {
		return nil
	}

	runs := planWriteback(ranges)
	srcs := make(map[btrfsvol.AddrDelta]btrfsvol.LogicalAddr, len(ranges))
	for _, r := range ranges {
		src, err := fs.sourceOf(inode.BlockGroup.Add(r.Off), r.Len)
		if err != nil {
			return fmt.Errorf("flush delalloc of reloc inode %v: %w", ino, err)
		}
		srcs[r.Off] = src
	}
	for _, run := range runs {
		addr, err := fs.allocDataExtent(ctx, t, run.rsv, run.Len, run.Owner)
		if err != nil {
			unallocateRuns(fs, runs)
			return fmt.Errorf("flush delalloc of reloc inode %v: %w", ino, err)
		}
		run.Addr = addr
	}

	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{})
	sema := make(chan struct{}, fs.cfg.WritebackWorkers)
	for _, run := range runs {
		run := run
		grp.Go(fmt.Sprintf("writeback-%v", run.Addr), func(ctx context.Context) error {
			sema <- struct{}{}
			defer func() { <-sema }()
			if err := ctx.Err(); err != nil {
				return err
			}
			buf := make([]byte, 0, run.Len)
			for _, r := range run.ranges {
				src := srcs[r.Off]
				data, err := fs.readData(src)
				if err != nil {
					return err
				}
				beg := inode.BlockGroup.Add(r.Off).Sub(src)
				buf = append(buf, data[beg:beg+r.Len]...)
			}
			return fs.writeData(run.Addr, buf)
		})
	}
	if err := grp.Wait(); err != nil {
		unallocateRuns(fs, runs)
		return fmt.Errorf("flush delalloc of reloc inode %v: %w", ino, err)
	}

	for _, run := range runs {
		inode.extents.Insert(RelocExtent{Offset: run.Off, Addr: run.Addr, Size: run.Len})
		if err := fs.IncRef(ctx, t, run.Addr, btrfsitem.RootRef(btrfsprim.DATA_RELOC_TREE_OBJECTID)); err != nil {
			return fmt.Errorf("flush delalloc of reloc inode %v: %w", ino, err)
		}
	}
	fs.dirty()
	dlog.Debugf(ctx, "reloc inode %v: wrote back %d ranges as %d extents", ino, len(ranges), len(runs))
	return nil
}

func unallocateRuns(fs *FS, runs []*writebackRun) {
	for _, run := range runs {
		if run.Addr != 0 {
			fs.unallocate(run.Addr)
		}
	}
}

// sourceOf returns the data extent holding [addr, addr+size).
func (fs *FS) sourceOf(addr btrfsvol.LogicalAddr, size btrfsvol.AddrDelta) (btrfsvol.LogicalAddr, error) {
	node := fs.extents.Floor(ExtentRecord{Addr: addr})
	if node == nil || node.Value.End() < addr.Add(size) || !node.Value.Flags.Has(btrfsitem.EXTENT_FLAG_DATA) {
		return 0, fmt.Errorf("read %v+%v: not within a data extent", addr, int64(size))
	}
	return node.Value.Addr, nil
}
