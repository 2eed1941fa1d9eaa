// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfs_test

import (
	"context"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfssum"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfstree"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsvol"
)

func testConfig() btrfs.Config {
	return btrfs.Config{
		NodeSize:             4096,
		SectorSize:           512,
		DeviceSize:           16 * 1024 * 1024,
		ChunkSize:            1024 * 1024,
		MaxItems:             4,
		CommitDirtyThreshold: 1 << 20,
		ExtentMapCacheSize:   16,
		WritebackWorkers:     2,
		ChecksumType:         btrfssum.TYPE_CRC32,
	}
}

func newTestFS(t *testing.T, store btrfs.Store) (context.Context, *btrfs.FS) {
	ctx := dlog.NewTestContext(t, true)
	if store == nil {
		store = btrfs.NewMemStore()
	}
	fs, err := btrfs.Mkfs(ctx, store, testConfig(),
		btrfsvol.BLOCK_GROUP_METADATA,
		btrfsvol.BLOCK_GROUP_DATA)
	require.NoError(t, err)
	return ctx, fs
}

func inodeItem(ino btrfsprim.ObjID, size int64) btrfstree.Item {
	return btrfstree.Item{
		Key:  btrfsprim.Key{ObjectID: ino, ItemType: btrfsprim.INODE_ITEM_KEY},
		Body: &btrfsitem.Inode{Size: size, NLink: 1},
	}
}

func startTrans(t *testing.T, ctx context.Context, fs *btrfs.FS) *btrfs.Trans {
	trans, err := fs.StartTransaction(ctx)
	require.NoError(t, err)
	return trans
}

func TestMkfs(t *testing.T) {
	t.Parallel()
	ctx, fs := newTestFS(t, nil)
	bgs := fs.BlockGroups()
	require.Len(t, bgs, 2)
	assert.Equal(t, btrfsvol.LogicalAddr(1024*1024), bgs[0].Start)
	assert.True(t, bgs[0].Flags.Has(btrfsvol.BLOCK_GROUP_METADATA))
	assert.True(t, bgs[1].Flags.Has(btrfsvol.BLOCK_GROUP_DATA))
	assert.Equal(t, btrfsprim.Generation(1), fs.Generation())
	assert.NoError(t, fs.Fsck(ctx))

	_, err := btrfs.Mkfs(ctx, fs.Store(), testConfig())
	assert.Error(t, err)
}

func TestInsertSplit(t *testing.T) {
	t.Parallel()
	ctx, fs := newTestFS(t, nil)

	const n = 40
	trans := startTrans(t, ctx, fs)
	require.NoError(t, fs.CreateTree(ctx, trans, btrfsprim.FS_TREE_OBJECTID))
	for i := 0; i < n; i++ {
		ino := btrfsprim.FIRST_FREE_OBJECTID + btrfsprim.ObjID((i*7)%n)
		require.NoError(t, fs.InsertItem(ctx, trans, btrfsprim.FS_TREE_OBJECTID, inodeItem(ino, int64(ino))))
	}
	require.NoError(t, trans.Commit(ctx))

	root, err := fs.LookupRoot(btrfsprim.FS_TREE_OBJECTID)
	require.NoError(t, err)
	assert.Greater(t, root.Level, uint8(1))

	items, err := fs.TreeItems(ctx, btrfsprim.FS_TREE_OBJECTID)
	require.NoError(t, err)
	require.Len(t, items, n)
	for i, item := range items {
		ino := btrfsprim.FIRST_FREE_OBJECTID + btrfsprim.ObjID(i)
		assert.Equal(t, ino, item.Key.ObjectID)
		assert.Equal(t, int64(ino), item.Body.(*btrfsitem.Inode).Size)
	}

	item, err := fs.LookupItem(ctx, btrfsprim.FS_TREE_OBJECTID,
		btrfsprim.Key{ObjectID: 300, ItemType: btrfsprim.INODE_ITEM_KEY})
	require.NoError(t, err)
	assert.Equal(t, int64(300), item.Body.(*btrfsitem.Inode).Size)

	_, err = fs.LookupItem(ctx, btrfsprim.FS_TREE_OBJECTID,
		btrfsprim.Key{ObjectID: 1000, ItemType: btrfsprim.INODE_ITEM_KEY})
	assert.ErrorIs(t, err, btrfstree.ErrNoItem)

	trans = startTrans(t, ctx, fs)
	assert.Error(t, fs.InsertItem(ctx, trans, btrfsprim.FS_TREE_OBJECTID, inodeItem(300, 0)))
	require.NoError(t, trans.End(ctx))

	assert.NoError(t, fs.Fsck(ctx))
}

func TestSnapshotCOW(t *testing.T) {
	t.Parallel()
	ctx, fs := newTestFS(t, nil)
	const snap = btrfsprim.FIRST_FREE_OBJECTID

	trans := startTrans(t, ctx, fs)
	var items []btrfstree.Item
	for i := 0; i < 20; i++ {
		items = append(items, inodeItem(btrfsprim.FIRST_FREE_OBJECTID+btrfsprim.ObjID(i), 1))
	}
	require.NoError(t, fs.BuildTree(ctx, trans, btrfsprim.FS_TREE_OBJECTID, items))
	require.NoError(t, trans.Commit(ctx))

	trans = startTrans(t, ctx, fs)
	require.NoError(t, fs.Snapshot(ctx, trans, btrfsprim.FS_TREE_OBJECTID, snap))
	require.NoError(t, trans.Commit(ctx))
	assert.NoError(t, fs.Fsck(ctx))

	srcRoot, err := fs.LookupRoot(btrfsprim.FS_TREE_OBJECTID)
	require.NoError(t, err)
	snapRoot, err := fs.LookupRoot(snap)
	require.NoError(t, err)
	assert.NotEqual(t, srcRoot.ByteNr, snapRoot.ByteNr)
	assert.Equal(t, srcRoot.LastSnapshot, snapRoot.LastSnapshot)

	// Below the root, the two trees share every block.
	srcNode, err := fs.ReadNode(srcRoot.ByteNr, btrfstree.NodeExpectations{})
	require.NoError(t, err)
	snapNode, err := fs.ReadNode(snapRoot.ByteNr, btrfstree.NodeExpectations{})
	require.NoError(t, err)
	assert.Equal(t, srcNode.BodyInterior, snapNode.BodyInterior)
	child := srcNode.BodyInterior[0].BlockPtr
	parents, err := fs.FindParents(child)
	require.NoError(t, err)
	assert.ElementsMatch(t, []btrfsitem.ExtentBackref{
		btrfsitem.ParentRef(srcRoot.ByteNr),
		btrfsitem.ParentRef(snapRoot.ByteNr),
	}, parents)

	// Changing the snapshot leaves the source alone.
	trans = startTrans(t, ctx, fs)
	upd := inodeItem(btrfsprim.FIRST_FREE_OBJECTID, 42)
	require.NoError(t, fs.UpdateItem(ctx, trans, snap, upd))
	require.NoError(t, trans.Commit(ctx))

	got, err := fs.LookupItem(ctx, snap, upd.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.Body.(*btrfsitem.Inode).Size)
	got, err = fs.LookupItem(ctx, btrfsprim.FS_TREE_OBJECTID, upd.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Body.(*btrfsitem.Inode).Size)
	assert.NoError(t, fs.Fsck(ctx))

	// Dropping the snapshot frees only what it did not share.
	trans = startTrans(t, ctx, fs)
	require.NoError(t, fs.DropTree(ctx, trans, snap))
	require.NoError(t, trans.Commit(ctx))
	assert.NoError(t, fs.Fsck(ctx))
	parents, err = fs.FindParents(child)
	require.NoError(t, err)
	assert.Equal(t, []btrfsitem.ExtentBackref{btrfsitem.ParentRef(srcRoot.ByteNr)}, parents)
	items2, err := fs.TreeItems(ctx, btrfsprim.FS_TREE_OBJECTID)
	require.NoError(t, err)
	assert.Len(t, items2, 20)
}

func TestWriteReadFile(t *testing.T) {
	t.Parallel()
	ctx, fs := newTestFS(t, nil)
	data := make([]byte, 10000)
	for i := range data {
		data[i] = byte(i * 31)
	}

	trans := startTrans(t, ctx, fs)
	require.NoError(t, fs.CreateTree(ctx, trans, btrfsprim.FS_TREE_OBJECTID))
	require.NoError(t, fs.WriteFile(ctx, trans, btrfsprim.FS_TREE_OBJECTID, 257, data, 4096))
	require.NoError(t, trans.Commit(ctx))

	exts, err := fs.FileExtents(ctx, btrfsprim.FS_TREE_OBJECTID, 257)
	require.NoError(t, err)
	require.Len(t, exts, 3)
	assert.Equal(t, int64(0), exts[0].OffsetWithinFile)
	assert.Equal(t, int64(8192), exts[2].OffsetWithinFile)
	assert.Equal(t, int64(10000-8192), exts[2].NumBytes)
	for _, ext := range exts {
		rec, err := fs.LookupExtent(ext.DiskByteNr)
		require.NoError(t, err)
		assert.True(t, rec.Flags.Has(btrfsitem.EXTENT_FLAG_DATA))
		assert.Equal(t, btrfsprim.FS_TREE_OBJECTID, rec.Owner)
		assert.Equal(t, int64(1), rec.Refs)
	}

	got, err := fs.ReadFile(ctx, btrfsprim.FS_TREE_OBJECTID, 257)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	part, err := fs.ReadLogical(exts[1].DiskByteNr.Add(10), 5)
	require.NoError(t, err)
	assert.Equal(t, data[4096+10:4096+15], part)

	assert.NoError(t, fs.Fsck(ctx))
}

func TestNoSpace(t *testing.T) {
	t.Parallel()
	ctx, fs := newTestFS(t, nil)
	cfg := fs.Config()

	rsv := fs.NewBlockRsv()
	err := rsv.Refill(ctx, cfg.ChunkSize+cfg.NodeSize, false)
	assert.ErrorIs(t, err, btrfs.ErrNoSpace)
	var nse *btrfs.NoSpaceError
	require.ErrorAs(t, err, &nse)
	assert.True(t, nse.Flags.Has(btrfsvol.BLOCK_GROUP_METADATA))

	require.NoError(t, fs.ForceChunkAlloc(ctx, nse.Flags))
	assert.NoError(t, rsv.Refill(ctx, cfg.ChunkSize+cfg.NodeSize, false))
	rsv.Release()

	for {
		err := fs.ForceChunkAlloc(ctx, btrfsvol.BLOCK_GROUP_DATA)
		if err != nil {
			assert.ErrorIs(t, err, btrfs.ErrNoSpace)
			break
		}
	}
	assert.Len(t, fs.BlockGroups(), int(cfg.DeviceSize/cfg.ChunkSize)-1)
}

func TestAbort(t *testing.T) {
	t.Parallel()
	ctx, fs := newTestFS(t, nil)
	trans := startTrans(t, ctx, fs)
	require.NoError(t, fs.CreateTree(ctx, trans, btrfsprim.FS_TREE_OBJECTID))
	trans.Abort(ctx, assert.AnError)

	_, err := fs.StartTransaction(ctx)
	assert.True(t, btrfs.IsAborted(err))
}

func TestRemoveBlockGroup(t *testing.T) {
	t.Parallel()
	ctx, fs := newTestFS(t, nil)
	bgs := fs.BlockGroups()

	trans := startTrans(t, ctx, fs)
	require.NoError(t, fs.CreateTree(ctx, trans, btrfsprim.FS_TREE_OBJECTID))
	assert.Error(t, fs.RemoveBlockGroup(ctx, trans, bgs[0].Start))
	require.NoError(t, fs.RemoveBlockGroup(ctx, trans, bgs[1].Start))
	require.NoError(t, trans.Commit(ctx))
	assert.Len(t, fs.BlockGroups(), 1)
	assert.NoError(t, fs.Fsck(ctx))
}
