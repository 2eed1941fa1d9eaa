// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfs

import (
	"fmt"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsvol"
)

func TestDataChecksums(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, true)
	cfg := DefaultConfig()
	cfg.ChunkSize = 1024 * 1024
	fs, err := Mkfs(ctx, NewMemStore(), cfg, btrfsvol.BLOCK_GROUP_METADATA, btrfsvol.BLOCK_GROUP_DATA)
	require.NoError(t, err)

	trans, err := fs.StartTransaction(ctx)
	require.NoError(t, err)
	require.NoError(t, fs.CreateTree(ctx, trans, btrfsprim.FS_TREE_OBJECTID))
	require.NoError(t, fs.WriteFile(ctx, trans, btrfsprim.FS_TREE_OBJECTID, 257, make([]byte, 3*4096), 3*4096))
	require.NoError(t, trans.Commit(ctx))
	require.NoError(t, fs.Fsck(ctx))

	exts, err := fs.FileExtents(ctx, btrfsprim.FS_TREE_OBJECTID, 257)
	require.NoError(t, err)
	require.Len(t, exts, 1)
	addr := exts[0].DiskByteNr

	fs.data[addr][4096+1] ^= 0xff
	_, err = fs.ReadFile(ctx, btrfsprim.FS_TREE_OBJECTID, 257)
	assert.ErrorContains(t, err, fmt.Sprintf("checksum mismatch for sector@%v", addr.Add(4096)))
	assert.Error(t, fs.Fsck(ctx))

	fs.data[addr][4096+1] ^= 0xff
	assert.NoError(t, fs.Fsck(ctx))
}

func TestExtentMapCache(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, true)
	cfg := DefaultConfig()
	cfg.ChunkSize = 1024 * 1024
	fs, err := Mkfs(ctx, NewMemStore(), cfg, btrfsvol.BLOCK_GROUP_METADATA, btrfsvol.BLOCK_GROUP_DATA)
	require.NoError(t, err)

	trans, err := fs.StartTransaction(ctx)
	require.NoError(t, err)
	require.NoError(t, fs.CreateTree(ctx, trans, btrfsprim.FS_TREE_OBJECTID))
	require.NoError(t, fs.WriteFile(ctx, trans, btrfsprim.FS_TREE_OBJECTID, 257, []byte("abc"), 4096))
	require.NoError(t, trans.Commit(ctx))

	_, err = fs.FileExtents(ctx, btrfsprim.FS_TREE_OBJECTID, 257)
	require.NoError(t, err)
	key := inodeKey{Tree: btrfsprim.FS_TREE_OBJECTID, Inode: 257}
	m, ok := fs.extentMaps.Get(key)
	require.True(t, ok)
	assert.Equal(t, fs.modSeq.Load(), m.Seq)

	fs.InvalidateInodeCache(btrfsprim.FS_TREE_OBJECTID, 257)
	_, ok = fs.extentMaps.Get(key)
	assert.False(t, ok)
}
