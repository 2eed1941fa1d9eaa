// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfs

import (
	"context"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsvol"
)

// A BlockRsv holds metadata space aside for tree-block allocations
// made through transaction handles that it is attached to.
type BlockRsv struct {
	fs       *FS
	reserved btrfsvol.AddrDelta
}

func (fs *FS) NewBlockRsv() *BlockRsv {
	return &BlockRsv{fs: fs}
}

func (rsv *BlockRsv) Reserved() btrfsvol.AddrDelta { return rsv.reserved }

// Refill tops the reservation up to size bytes.  If flush is set and
// space is short, the idle running transaction is committed to free
// pinned bytes first.
func (rsv *BlockRsv) Refill(ctx context.Context, size btrfsvol.AddrDelta, flush bool) error {
	if rsv.reserved >= size {
		return nil
	}
	fs := rsv.fs
	need := size - rsv.reserved
	if fs.freeMetadata()-fs.metaRsv < need && flush {
		dlog.Debugf(ctx, "block reservation: flushing to find %v bytes", int64(need))
		if err := fs.flushIdle(ctx); err != nil {
			return err
		}
	}
	if fs.freeMetadata()-fs.metaRsv < need {
		return &NoSpaceError{Flags: btrfsvol.BLOCK_GROUP_METADATA, Size: need}
	}
	rsv.reserved += need
	fs.metaRsv += need
	return nil
}

func (rsv *BlockRsv) Release() {
	rsv.fs.metaRsv -= rsv.reserved
	rsv.reserved = 0
}

// A DataRsv holds data space aside in one block group.
type DataRsv struct {
	fs        *FS
	bg        *BlockGroup
	remaining btrfsvol.AddrDelta
}

// ReserveData reserves size bytes in the first writable data block
// group that has room for them.
func (fs *FS) ReserveData(ctx context.Context, size btrfsvol.AddrDelta) (*DataRsv, error) {
	for _, bg := range fs.blockGroups {
		if bg.ReadOnly || !bg.Flags.Has(btrfsvol.BLOCK_GROUP_DATA) || bg.Free() < size {
			continue
		}
		bg.Reserved += size
		dlog.Tracef(ctx, "reserved %v data bytes in block group %v", int64(size), bg.Start)
		return &DataRsv{fs: fs, bg: bg, remaining: size}, nil
	}
	return nil, &NoSpaceError{Flags: btrfsvol.BLOCK_GROUP_DATA, Size: size}
}

func (rsv *DataRsv) Remaining() btrfsvol.AddrDelta { return rsv.remaining }

func (rsv *DataRsv) Release() {
	if rsv == nil {
		return
	}
	rsv.bg.Reserved -= rsv.remaining
	rsv.remaining = 0
}
