// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsreloc

import (
	"context"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsvol"
)

type delallocCall struct {
	Off, Size btrfsvol.AddrDelta
	Boundary  bool
}

// clusterFS records what flushing a cluster asks of the filesystem.
// Anything else panics.
type clusterFS struct {
	FS
	reserves []btrfsvol.AddrDelta
	delalloc []delallocCall
	owners   []btrfsprim.ObjID
	noSpace  bool
}

func (fs *clusterFS) ReserveData(_ context.Context, size btrfsvol.AddrDelta) (*btrfs.DataRsv, error) {
	if fs.noSpace {
		return nil, &btrfs.NoSpaceError{Flags: btrfsvol.BLOCK_GROUP_DATA, Size: size}
	}
	fs.reserves = append(fs.reserves, size)
	return nil, nil
}

func (fs *clusterFS) MarkDelalloc(_ context.Context, _ btrfsprim.ObjID, off, size btrfsvol.AddrDelta, boundary bool, _ *btrfs.DataRsv) error {
	fs.delalloc = append(fs.delalloc, delallocCall{Off: off, Size: size, Boundary: boundary})
	return nil
}

func (fs *clusterFS) RecordAllocOwner(_, owner btrfsprim.ObjID) {
	fs.owners = append(fs.owners, owner)
}

func (*clusterFS) InvalidateInodeCache(_, _ btrfsprim.ObjID) {}

const testBG = btrfsvol.LogicalAddr(1024 * 1024)

func newClusterControl(maxExtents int) (*Control, *clusterFS) {
	fs := new(clusterFS)
	cfg := Config{ClusterMaxExtents: maxExtents}
	cfg.fill()
	c := newControl(fs, btrfs.BlockGroup{Start: testBG, Length: 1024 * 1024}, cfg)
	c.inode = btrfsprim.FIRST_FREE_OBJECTID
	return c, fs
}

func dataExtent(off, size btrfsvol.AddrDelta, owner btrfsprim.ObjID) btrfs.ExtentRecord {
	return btrfs.ExtentRecord{
		Addr: testBG.Add(off),
		Size: size,
		Extent: btrfsitem.Extent{
			Refs:  1,
			Flags: btrfsitem.EXTENT_FLAG_DATA,
			Owner: owner,
		},
	}
}

func TestClusterSplits(t *testing.T) {
	t.Parallel()
	const (
		a = btrfsprim.FS_TREE_OBJECTID
		b = btrfsprim.FIRST_FREE_OBJECTID
	)
	type testcase struct {
		MaxExtents int
		Extents    []btrfs.ExtentRecord
		ExpReserve []btrfsvol.AddrDelta
		ExpOwners  []btrfsprim.ObjID
	}
	testcases := map[string]testcase{
		"owners-ABA": {
			Extents: []btrfs.ExtentRecord{
				dataExtent(0, 4096, a),
				dataExtent(4096, 4096, b),
				dataExtent(8192, 4096, a),
			},
			ExpReserve: []btrfsvol.AddrDelta{4096, 4096, 4096},
			ExpOwners:  []btrfsprim.ObjID{a, b, a},
		},
		"owners-AAB": {
			Extents: []btrfs.ExtentRecord{
				dataExtent(0, 4096, a),
				dataExtent(4096, 4096, a),
				dataExtent(8192, 4096, b),
			},
			ExpReserve: []btrfsvol.AddrDelta{8192, 4096},
			ExpOwners:  []btrfsprim.ObjID{a, b},
		},
		"gap": {
			Extents: []btrfs.ExtentRecord{
				dataExtent(0, 4096, a),
				dataExtent(8192, 512, a),
			},
			ExpReserve: []btrfsvol.AddrDelta{4096, 512},
			ExpOwners:  []btrfsprim.ObjID{a, a},
		},
		"full": {
			MaxExtents: 2,
			Extents: []btrfs.ExtentRecord{
				dataExtent(0, 1024, a),
				dataExtent(1024, 1024, a),
				dataExtent(2048, 1024, a),
				dataExtent(3072, 1024, a),
				dataExtent(4096, 1024, a),
			},
			ExpReserve: []btrfsvol.AddrDelta{2048, 2048, 1024},
			ExpOwners:  []btrfsprim.ObjID{a, a, a},
		},
	}
	for tcName, tc := range testcases {
		tc := tc
		t.Run(tcName, func(t *testing.T) {
			t.Parallel()
			ctx := dlog.NewTestContext(t, true)
			c, fs := newClusterControl(tc.MaxExtents)
			for _, ext := range tc.Extents {
				require.NoError(t, c.relocateDataExtent(ctx, ext))
			}
			require.NoError(t, c.flushCluster(ctx))
			assert.Equal(t, tc.ExpReserve, fs.reserves)
			assert.Equal(t, tc.ExpOwners, fs.owners)
			assert.Len(t, fs.delalloc, len(tc.Extents))
			assert.True(t, c.dataMoved)
			assert.Equal(t, 0, c.cluster.Len())
		})
	}
}

func TestClusterBoundaries(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, true)
	c, fs := newClusterControl(0)
	for _, ext := range []btrfs.ExtentRecord{
		dataExtent(4096, 4096, btrfsprim.FS_TREE_OBJECTID),
		dataExtent(8192, 1808, btrfsprim.FS_TREE_OBJECTID),
		dataExtent(10000, 100, btrfsprim.FS_TREE_OBJECTID),
	} {
		require.NoError(t, c.relocateDataExtent(ctx, ext))
	}
	require.NoError(t, c.flushCluster(ctx))

	// Offsets in the relocation inode mirror the block group.
	assert.Equal(t, []btrfsvol.AddrDelta{4096 + 1808 + 100}, fs.reserves)
	assert.Equal(t, []delallocCall{
		{Off: 4096, Size: 4096, Boundary: true},
		{Off: 8192, Size: 1808, Boundary: true},
		{Off: 10000, Size: 100, Boundary: true},
	}, fs.delalloc)
}

func TestClusterNoSpace(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, true)
	c, fs := newClusterControl(0)
	require.NoError(t, c.relocateDataExtent(ctx, dataExtent(0, 4096, btrfsprim.FS_TREE_OBJECTID)))

	fs.noSpace = true
	err := c.flushCluster(ctx)
	assert.ErrorIs(t, err, btrfs.ErrNoSpace)
	// Kept, to be flushed again.
	assert.Equal(t, 1, c.cluster.Len())
	assert.Empty(t, fs.delalloc)

	fs.noSpace = false
	require.NoError(t, c.flushCluster(ctx))
	assert.Equal(t, []btrfsvol.AddrDelta{4096}, fs.reserves)
	assert.Equal(t, 0, c.cluster.Len())
	assert.NoError(t, c.flushCluster(ctx))
	assert.Len(t, fs.reserves, 1)
}
