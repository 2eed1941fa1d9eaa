// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfs

import (
	"fmt"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfssum"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfstree"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsvol"
)

// writeData stores the bytes of the data extent at addr, along with
// their checksums.  It is safe to call concurrently for different
// extents.
func (fs *FS) writeData(addr btrfsvol.LogicalAddr, data []byte) error {
	sums, err := btrfssum.SumData(fs.cfg.ChecksumType, fs.cfg.SectorSize, addr, data)
	if err != nil {
		return fmt.Errorf("write data extent %v: %w", addr, err)
	}
	buf := append([]byte(nil), data...)
	fs.dataMu.Lock()
	defer fs.dataMu.Unlock()
	fs.data[addr] = buf
	fs.csums[addr] = sums
	return nil
}

// readData returns the verified bytes of the data extent at addr.
func (fs *FS) readData(addr btrfsvol.LogicalAddr) ([]byte, error) {
	fs.dataMu.RLock()
	data, haveData := fs.data[addr]
	sums, haveSums := fs.csums[addr]
	fs.dataMu.RUnlock()
	if !haveData {
		return nil, fmt.Errorf("data extent %v: %w", addr, btrfstree.ErrNoItem)
	}
	if !haveSums {
		return nil, fmt.Errorf("data extent %v: no checksums", addr)
	}
	if err := sums.Verify(fs.cfg.ChecksumType, data); err != nil {
		return nil, fmt.Errorf("data extent %v: %w", addr, err)
	}
	return data, nil
}

// ReadLogical reads size bytes at addr, which must lie within a
// single data extent.
func (fs *FS) ReadLogical(addr btrfsvol.LogicalAddr, size btrfsvol.AddrDelta) ([]byte, error) {
	node := fs.extents.Floor(ExtentRecord{Addr: addr})
	if node == nil || node.Value.End() < addr.Add(size) || !node.Value.Flags.Has(btrfsitem.EXTENT_FLAG_DATA) {
		return nil, fmt.Errorf("read %v+%v: not within a data extent", addr, int64(size))
	}
	data, err := fs.readData(node.Value.Addr)
	if err != nil {
		return nil, err
	}
	beg := int(addr.Sub(node.Value.Addr))
	return append([]byte(nil), data[beg:beg+int(size)]...), nil
}
