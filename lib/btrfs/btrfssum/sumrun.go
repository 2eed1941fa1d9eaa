// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfssum

import (
	"fmt"
	"strings"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsvol"
)

// A SumRun is the per-sector checksums of one contiguous range of
// logical addresses; the last sector may be short.
type SumRun struct {
	// How big a ShortSum is in this Run.
	ChecksumSize int `json:",omitempty"`
	// How many bytes each ShortSum covers.
	SectorSize btrfsvol.AddrDelta
	// Base address where this run starts.
	Addr btrfsvol.LogicalAddr `json:",omitempty"`
	// All of the ShortSums in this run, concatenated together.
	Sums ShortSum
}

// SumData checksums data that lives at addr.
func SumData(typ CSumType, sectorSize btrfsvol.AddrDelta, addr btrfsvol.LogicalAddr, data []byte) (SumRun, error) {
	run := SumRun{
		ChecksumSize: typ.Size(),
		SectorSize:   sectorSize,
		Addr:         addr,
	}
	var sums strings.Builder
	for off := 0; off < len(data); off += int(sectorSize) {
		end := off + int(sectorSize)
		if end > len(data) {
			end = len(data)
		}
		sum, err := typ.Sum(data[off:end])
		if err != nil {
			return SumRun{}, err
		}
		sums.Write(sum[:run.ChecksumSize])
	}
	run.Sums = ShortSum(sums.String())
	return run, nil
}

func (run SumRun) NumSums() int {
	if run.ChecksumSize == 0 {
		return 0
	}
	return len(run.Sums) / run.ChecksumSize
}

func (run SumRun) SumForAddr(addr btrfsvol.LogicalAddr) (ShortSum, bool) {
	if addr < run.Addr || run.SectorSize <= 0 {
		return "", false
	}
	idx := int(addr.Sub(run.Addr) / run.SectorSize)
	if idx >= run.NumSums() {
		return "", false
	}
	off := idx * run.ChecksumSize
	return run.Sums[off : off+run.ChecksumSize], true
}

// Verify checks that data (which lives at run.Addr) matches the run.
func (run SumRun) Verify(typ CSumType, data []byte) error {
	actual, err := SumData(typ, run.SectorSize, run.Addr, data)
	if err != nil {
		return err
	}
	if actual.NumSums() != run.NumSums() {
		return fmt.Errorf("checksum run@%v: have %d sums but data needs %d",
			run.Addr, run.NumSums(), actual.NumSums())
	}
	for i := 0; i < run.NumSums(); i++ {
		beg, end := i*run.ChecksumSize, (i+1)*run.ChecksumSize
		if run.Sums[beg:end] != actual.Sums[beg:end] {
			return fmt.Errorf("checksum mismatch for sector@%v: expected=%x actual=%x",
				run.Addr.Add(btrfsvol.AddrDelta(i)*run.SectorSize),
				string(run.Sums[beg:end]), string(actual.Sums[beg:end]))
		}
	}
	return nil
}
