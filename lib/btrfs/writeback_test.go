// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfs_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsvol"
)

func TestFlushDelalloc(t *testing.T) {
	t.Parallel()
	ctx, fs := newTestFS(t, nil)
	data := make([]byte, 10000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	trans := startTrans(t, ctx, fs)
	require.NoError(t, fs.CreateTree(ctx, trans, btrfsprim.FS_TREE_OBJECTID))
	require.NoError(t, fs.WriteFile(ctx, trans, btrfsprim.FS_TREE_OBJECTID, 257, data, 4096))
	require.NoError(t, trans.Commit(ctx))

	src := fs.BlockGroups()[1]
	require.True(t, src.Flags.Has(btrfsvol.BLOCK_GROUP_DATA))
	require.NoError(t, fs.ForceChunkAlloc(ctx, btrfsvol.BLOCK_GROUP_DATA))
	dst := fs.BlockGroups()[2]

	trans = startTrans(t, ctx, fs)
	require.NoError(t, fs.SetBlockGroupRO(ctx, trans, src.Start, true))
	ino, err := fs.CreateRelocInode(ctx, trans, src.Start)
	require.NoError(t, err)
	fs.RecordAllocOwner(ino, btrfsprim.FS_TREE_OBJECTID)
	rsv, err := fs.ReserveData(ctx, 12288)
	require.NoError(t, err)
	require.NoError(t, fs.MarkDelalloc(ctx, ino, 0, 4096, true, rsv))
	require.NoError(t, fs.MarkDelalloc(ctx, ino, 4096, 4096, false, rsv))
	require.NoError(t, fs.MarkDelalloc(ctx, ino, 8192, 10000-8192, true, rsv))
	assert.Error(t, fs.MarkDelalloc(ctx, ino, 100, 10, true, nil))

	require.NoError(t, fs.FlushDelalloc(ctx, trans, ino))
	require.NoError(t, trans.Commit(ctx))

	exts := fs.RelocInodeExtents(ino)
	require.Len(t, exts, 2)
	assert.Equal(t, btrfsvol.AddrDelta(0), exts[0].Offset)
	assert.Equal(t, btrfsvol.AddrDelta(8192), exts[0].Size)
	assert.Equal(t, btrfsvol.AddrDelta(8192), exts[1].Offset)
	assert.Equal(t, btrfsvol.AddrDelta(10000-8192), exts[1].Size)
	for _, ext := range exts {
		assert.True(t, dst.Contains(ext.Addr))
		got, err := fs.ReadLogical(ext.Addr, ext.Size)
		require.NoError(t, err)
		assert.Equal(t, data[ext.Offset:ext.Offset+ext.Size], got)
		rec, err := fs.LookupExtent(ext.Addr)
		require.NoError(t, err)
		assert.Equal(t, btrfsprim.FS_TREE_OBJECTID, rec.Owner)
		assert.Equal(t, []btrfsitem.ExtentBackref{btrfsitem.RootRef(btrfsprim.DATA_RELOC_TREE_OBJECTID)}, rec.Backrefs)
	}
	ext, err := fs.LookupFileExtent(ino, 8192)
	require.NoError(t, err)
	assert.Equal(t, exts[1], ext)
	_, err = fs.LookupFileExtent(ino, 4096)
	assert.Error(t, err)

	bg, err := fs.LookupBlockGroup(dst.Start)
	require.NoError(t, err)
	assert.Equal(t, btrfsvol.AddrDelta(0), bg.Reserved)
	assert.Equal(t, btrfsvol.AddrDelta(10000), bg.Used)
	assert.Error(t, fs.MarkDelalloc(ctx, ino, 100, 10, true, nil))
	assert.NoError(t, fs.Fsck(ctx))

	trans = startTrans(t, ctx, fs)
	require.NoError(t, fs.DeleteRelocInode(ctx, trans, ino))
	require.NoError(t, trans.Commit(ctx))
	assert.Empty(t, fs.RelocInodes())
	bg, err = fs.LookupBlockGroup(dst.Start)
	require.NoError(t, err)
	assert.Equal(t, btrfsvol.AddrDelta(0), bg.Used)
	assert.NoError(t, fs.Fsck(ctx))
}

func TestDropDelalloc(t *testing.T) {
	t.Parallel()
	ctx, fs := newTestFS(t, nil)
	bg := fs.BlockGroups()[1]
	trans := startTrans(t, ctx, fs)
	ino, err := fs.CreateRelocInode(ctx, trans, bg.Start)
	require.NoError(t, err)
	rsv, err := fs.ReserveData(ctx, 4096)
	require.NoError(t, err)
	require.NoError(t, fs.MarkDelalloc(ctx, ino, 0, 4096, true, rsv))
	got, err := fs.LookupBlockGroup(bg.Start)
	require.NoError(t, err)
	assert.Equal(t, btrfsvol.AddrDelta(4096), got.Reserved)

	fs.DropDelalloc(ino)
	got, err = fs.LookupBlockGroup(bg.Start)
	require.NoError(t, err)
	assert.Equal(t, btrfsvol.AddrDelta(0), got.Reserved)
	require.NoError(t, fs.FlushDelalloc(ctx, trans, ino))
	assert.Empty(t, fs.RelocInodeExtents(ino))
	require.NoError(t, trans.Commit(ctx))
}
