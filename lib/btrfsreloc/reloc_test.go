// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsreloc

import (
	"context"
	"testing"

	"github.com/datawire/dlib/dcontext"
	"github.com/datawire/dlib/dlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfssum"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfstree"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-reloc/lib/containers"
)

const (
	metaBG = btrfsvol.LogicalAddr(1 * 1024 * 1024)
	dataBG = btrfsvol.LogicalAddr(2 * 1024 * 1024)

	snapTree = btrfsprim.FIRST_FREE_OBJECTID
)

func testFSConfig() btrfs.Config {
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

// newTestFS makes a filesystem with a metadata and a data block group
// to relocate out of, followed by the layout given (by default, one
// more of each to relocate into).
func newTestFS(t *testing.T, store btrfs.Store, layout ...btrfsvol.BlockGroupFlags) (context.Context, *btrfs.FS) {
	ctx := dlog.NewTestContext(t, true)
	if store == nil {
		store = btrfs.NewMemStore()
	}
	if layout == nil {
		layout = []btrfsvol.BlockGroupFlags{
			btrfsvol.BLOCK_GROUP_METADATA,
			btrfsvol.BLOCK_GROUP_DATA,
		}
	}
	fs, err := btrfs.Mkfs(ctx, store, testFSConfig(), append([]btrfsvol.BlockGroupFlags{
		btrfsvol.BLOCK_GROUP_METADATA,
		btrfsvol.BLOCK_GROUP_DATA,
	}, layout...)...)
	require.NoError(t, err)
	return ctx, fs
}

func startTrans(t *testing.T, ctx context.Context, fs *btrfs.FS) *btrfs.Trans {
	trans, err := fs.StartTransaction(ctx)
	require.NoError(t, err)
	return trans
}

func testData(seed byte, n int) []byte {
	ret := make([]byte, n)
	for i := range ret {
		ret[i] = seed + byte(i*31)
	}
	return ret
}

type fileKey struct {
	Tree, Inode btrfsprim.ObjID
}

// populate fills the filesystem with a subvolume and a snapshot of
// it, each of which has since been changed a little.  It returns the
// files that it wrote.
func populate(t *testing.T, ctx context.Context, fs *btrfs.FS) map[fileKey][]byte {
	const fsTree = btrfsprim.FS_TREE_OBJECTID
	files := make(map[fileKey][]byte)
	write := func(trans *btrfs.Trans, tree, ino btrfsprim.ObjID, data []byte, extentSize btrfsvol.AddrDelta) {
		require.NoError(t, fs.WriteFile(ctx, trans, tree, ino, data, extentSize))
		files[fileKey{tree, ino}] = data
	}

	trans := startTrans(t, ctx, fs)
	require.NoError(t, fs.CreateTree(ctx, trans, fsTree))
	for i := 0; i < 12; i++ {
		ino := btrfsprim.ObjID(400 + i)
		require.NoError(t, fs.InsertItem(ctx, trans, fsTree, btrfstree.Item{
			Key:  btrfsprim.Key{ObjectID: ino, ItemType: btrfsprim.INODE_ITEM_KEY},
			Body: &btrfsitem.Inode{Size: int64(i), NLink: 1},
		}))
	}
	write(trans, fsTree, 257, testData(1, 10000), 4096)
	write(trans, fsTree, 258, testData(2, 3000), 1024)
	require.NoError(t, trans.Commit(ctx))

	trans = startTrans(t, ctx, fs)
	require.NoError(t, fs.Snapshot(ctx, trans, fsTree, snapTree))
	require.NoError(t, trans.Commit(ctx))
	files[fileKey{snapTree, 257}] = files[fileKey{fsTree, 257}]
	files[fileKey{snapTree, 258}] = files[fileKey{fsTree, 258}]

	trans = startTrans(t, ctx, fs)
	write(trans, snapTree, 259, testData(3, 5000), 4096)
	write(trans, fsTree, 260, testData(4, 700), 4096)
	require.NoError(t, trans.Commit(ctx))
	require.NoError(t, fs.Fsck(ctx))
	return files
}

func checkFiles(t *testing.T, ctx context.Context, fs *btrfs.FS, files map[fileKey][]byte) {
	t.Helper()
	for key, exp := range files {
		fs.InvalidateInodeCache(key.Tree, key.Inode)
		got, err := fs.ReadFile(ctx, key.Tree, key.Inode)
		if assert.NoError(t, err, "%v", key) {
			assert.Equal(t, exp, got, "%v", key)
		}
	}
}

// checkRelocated checks that nothing is left in the block group, and
// nothing is left of the job.
func checkRelocated(t *testing.T, ctx context.Context, fs *btrfs.FS, bgStart btrfsvol.LogicalAddr) {
	t.Helper()
	bg, err := fs.LookupBlockGroup(bgStart)
	require.NoError(t, err)
	assert.True(t, bg.ReadOnly)
	assert.Zero(t, bg.Used)
	assert.Zero(t, bg.Pinned)
	ext, ok := fs.NextExtent(bg.Start, bg.End())
	assert.False(t, ok, "extent %v is still in the block group", ext.Addr)

	for _, bg := range fs.BlockGroups() {
		assert.Zero(t, bg.Reserved, "%v", bg.Start)
	}
	for _, id := range fs.Roots() {
		assert.False(t, id.IsRelocTree(), "shadow tree %v left behind", id)
	}
	assert.Empty(t, fs.RelocInodes())
	assert.Nil(t, fs.RelocStatus())
	assert.NoError(t, fs.Fsck(ctx))
}

// treeLeaves returns the address of every leaf of a tree.
func treeLeaves(t *testing.T, fs *btrfs.FS, tree btrfsprim.ObjID) containers.Set[btrfsvol.LogicalAddr] {
	t.Helper()
	root, err := fs.LookupRoot(tree)
	require.NoError(t, err)
	ret := make(containers.Set[btrfsvol.LogicalAddr])
	var walk func(addr btrfsvol.LogicalAddr)
	walk = func(addr btrfsvol.LogicalAddr) {
		node, err := fs.ReadNode(addr, btrfstree.NodeExpectations{})
		require.NoError(t, err)
		if node.Level == 0 {
			ret.Insert(addr)
			return
		}
		for _, kp := range node.BodyInterior {
			walk(kp.BlockPtr)
		}
	}
	walk(root.ByteNr)
	return ret
}

func sharedLeaves(t *testing.T, fs *btrfs.FS) int {
	a := treeLeaves(t, fs, btrfsprim.FS_TREE_OBJECTID)
	b := treeLeaves(t, fs, snapTree)
	var cnt int
	for addr := range a {
		if b.Has(addr) {
			cnt++
		}
	}
	return cnt
}

func TestRelocateMetadata(t *testing.T) {
	t.Parallel()
	ctx, fs := newTestFS(t, nil)
	files := populate(t, ctx, fs)
	items, err := fs.TreeItems(ctx, btrfsprim.FS_TREE_OBJECTID)
	require.NoError(t, err)
	snapItems, err := fs.TreeItems(ctx, snapTree)
	require.NoError(t, err)
	shared := sharedLeaves(t, fs)
	require.NotZero(t, shared)

	reg := prometheus.NewRegistry()
	require.NoError(t, Relocate(ctx, fs, metaBG, Config{Metrics: reg}))
	checkRelocated(t, ctx, fs, metaBG)
	checkFiles(t, ctx, fs, files)

	gotItems, err := fs.TreeItems(ctx, btrfsprim.FS_TREE_OBJECTID)
	require.NoError(t, err)
	assert.Equal(t, items, gotItems)
	gotItems, err = fs.TreeItems(ctx, snapTree)
	require.NoError(t, err)
	assert.Equal(t, snapItems, gotItems)
	assert.Equal(t, shared, sharedLeaves(t, fs), "the snapshot should still share its unchanged leaves")

	m := newMetrics(reg)
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.Passes), 2.0)
	assert.Greater(t, testutil.ToFloat64(m.Extents.WithLabelValues("tree")), 0.0)
	assert.Zero(t, testutil.ToFloat64(m.Extents.WithLabelValues("data")))
	assert.Greater(t, testutil.ToFloat64(m.Swaps.WithLabelValues("relocate")), 0.0)
	assert.Zero(t, testutil.ToFloat64(m.ShadowRoots.WithLabelValues("live")))
	assert.Zero(t, testutil.ToFloat64(m.ShadowRoots.WithLabelValues("dead")))

	cp, ok, err := ReadCheckpoint(fs)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, metaBG, cp.BlockGroup)
	assert.Equal(t, StageDone, cp.Stage)
	assert.Empty(t, cp.Roots)

	// Again, with nothing left to do.
	require.NoError(t, Relocate(ctx, fs, metaBG, Config{}))
	checkRelocated(t, ctx, fs, metaBG)
}

func TestRelocateData(t *testing.T) {
	t.Parallel()
	ctx, fs := newTestFS(t, nil)
	files := populate(t, ctx, fs)
	before, err := fs.FileExtents(ctx, btrfsprim.FS_TREE_OBJECTID, 257)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	require.NoError(t, Relocate(ctx, fs, dataBG, Config{Metrics: reg}))
	checkRelocated(t, ctx, fs, dataBG)
	checkFiles(t, ctx, fs, files)

	// Extent boundaries are kept, and so is sharing with the
	// snapshot.
	after, err := fs.FileExtents(ctx, btrfsprim.FS_TREE_OBJECTID, 257)
	require.NoError(t, err)
	snapAfter, err := fs.FileExtents(ctx, snapTree, 257)
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].OffsetWithinFile, after[i].OffsetWithinFile)
		assert.Equal(t, before[i].NumBytes, after[i].NumBytes)
		assert.Equal(t, before[i].DiskNumBytes, after[i].DiskNumBytes)
		assert.NotEqual(t, before[i].DiskByteNr, after[i].DiskByteNr)
		assert.Equal(t, after[i].DiskByteNr, snapAfter[i].DiskByteNr)
	}

	m := newMetrics(reg)
	// 257 and 258 are shared with the snapshot, and 259 has two
	// extents.
	assert.Equal(t, float64(len(before)+3+2+1), testutil.ToFloat64(m.Extents.WithLabelValues("data")))
	assert.Greater(t, testutil.ToFloat64(m.Swaps.WithLabelValues("fixup")), 0.0)
}

func TestRelocateEverything(t *testing.T) {
	t.Parallel()
	ctx, fs := newTestFS(t, nil)
	files := populate(t, ctx, fs)

	for _, bg := range []btrfsvol.LogicalAddr{dataBG, metaBG} {
		require.NoError(t, Relocate(ctx, fs, bg, Config{RemoveBlockGroup: true}))
		_, err := fs.LookupBlockGroup(bg)
		assert.Error(t, err)
		assert.NoError(t, fs.Fsck(ctx))
		checkFiles(t, ctx, fs, files)
	}
	assert.Len(t, fs.BlockGroups(), 2)
}

func TestRelocateUnshareable(t *testing.T) {
	t.Parallel()
	ctx, fs := newTestFS(t, nil)
	files := populate(t, ctx, fs)

	var items []btrfstree.Item
	for i := 0; i < 30; i++ {
		items = append(items, btrfstree.Item{
			Key:  btrfsprim.Key{ObjectID: btrfsprim.ObjID(i), ItemType: btrfsprim.INODE_ITEM_KEY},
			Body: &btrfsitem.Inode{Size: int64(i)},
		})
	}
	trans := startTrans(t, ctx, fs)
	require.NoError(t, fs.BuildTree(ctx, trans, btrfsprim.CSUM_TREE_OBJECTID, items))
	require.NoError(t, trans.Commit(ctx))
	items, err := fs.TreeItems(ctx, btrfsprim.CSUM_TREE_OBJECTID)
	require.NoError(t, err)

	require.NoError(t, Relocate(ctx, fs, metaBG, Config{}))
	checkRelocated(t, ctx, fs, metaBG)
	checkFiles(t, ctx, fs, files)
	gotItems, err := fs.TreeItems(ctx, btrfsprim.CSUM_TREE_OBJECTID)
	require.NoError(t, err)
	assert.Equal(t, items, gotItems)
}

func TestRelocateForceChunkAlloc(t *testing.T) {
	t.Parallel()
	// Nowhere to relocate into.
	ctx, fs := newTestFS(t, nil, btrfsvol.BLOCK_GROUP_DATA)
	files := populate(t, ctx, fs)
	require.Len(t, fs.BlockGroups(), 3)

	reg := prometheus.NewRegistry()
	require.NoError(t, Relocate(ctx, fs, metaBG, Config{Metrics: reg}))
	checkRelocated(t, ctx, fs, metaBG)
	checkFiles(t, ctx, fs, files)

	bgs := fs.BlockGroups()
	require.Len(t, bgs, 4)
	assert.True(t, bgs[3].Flags.Has(btrfsvol.BLOCK_GROUP_METADATA))
	assert.GreaterOrEqual(t, testutil.ToFloat64(newMetrics(reg).RsvRetries), 1.0)
}

func TestRelocateBusy(t *testing.T) {
	t.Parallel()
	ctx, fs := newTestFS(t, nil)
	populate(t, ctx, fs)

	bg, err := fs.LookupBlockGroup(metaBG)
	require.NoError(t, err)
	other := newControl(fs, bg, DefaultConfig())
	require.True(t, fs.SetRelocHook(other))

	err = Relocate(ctx, fs, dataBG, Config{})
	assert.ErrorIs(t, err, ErrBusy)
	got, err := fs.LookupBlockGroup(dataBG)
	require.NoError(t, err)
	assert.False(t, got.ReadOnly)

	fs.ClearRelocHook(other)
	assert.NoError(t, Relocate(ctx, fs, dataBG, Config{}))
}

func TestIsRelocRoot(t *testing.T) {
	t.Parallel()
	_, fs := newTestFS(t, nil)
	bg, err := fs.LookupBlockGroup(metaBG)
	require.NoError(t, err)
	c := newControl(fs, bg, DefaultConfig())

	id := btrfsprim.FIRST_RELOC_TREE_OBJECTID
	isReloc, isDead := c.IsRelocRoot(id)
	assert.False(t, isReloc, "not made by this job")
	assert.False(t, isDead)

	rr := &relocRoot{ID: id, Source: btrfsprim.FS_TREE_OBJECTID, Addr: 4096}
	c.roots.insert(rr)
	isReloc, isDead = c.IsRelocRoot(id)
	assert.True(t, isReloc)
	assert.False(t, isDead)
	isReloc, _ = c.IsRelocRoot(id + 1)
	assert.False(t, isReloc)
	isReloc, _ = c.IsRelocRoot(btrfsprim.FS_TREE_OBJECTID)
	assert.False(t, isReloc)

	c.roots.markDead(rr)
	isReloc, isDead = c.IsRelocRoot(id)
	assert.True(t, isReloc)
	assert.True(t, isDead)

	c.roots.remove(rr)
	isReloc, isDead = c.IsRelocRoot(id)
	assert.False(t, isReloc)
	assert.False(t, isDead)
}

func TestRelocateNoBlockGroup(t *testing.T) {
	t.Parallel()
	ctx, fs := newTestFS(t, nil)
	assert.Error(t, Relocate(ctx, fs, 12345, Config{}))
	assert.Nil(t, fs.RelocStatus())
}

func TestRelocateCanceledBeforeStart(t *testing.T) {
	t.Parallel()
	ctx, fs := newTestFS(t, nil)
	populate(t, ctx, fs)

	canceledCtx, cancel := context.WithCancel(ctx)
	cancel()
	err := Relocate(canceledCtx, fs, metaBG, Config{})
	assert.ErrorIs(t, err, ErrCanceled)
	assert.ErrorIs(t, err, context.Canceled)

	bg, err := fs.LookupBlockGroup(metaBG)
	require.NoError(t, err)
	assert.False(t, bg.ReadOnly)
	assert.Nil(t, fs.RelocStatus())
}

func TestRelocateCanceled(t *testing.T) {
	t.Parallel()
	type testcase struct {
		BG   btrfsvol.LogicalAddr
		Soft bool
	}
	testcases := map[string]testcase{
		"metadata":      {BG: metaBG},
		"data":          {BG: dataBG},
		"metadata-soft": {BG: metaBG, Soft: true},
		"data-soft":     {BG: dataBG, Soft: true},
	}
	for tcName, tc := range testcases {
		tc := tc
		t.Run(tcName, func(t *testing.T) {
			t.Parallel()
			bgStart := tc.BG
			ctx, fs := newTestFS(t, nil)
			files := populate(t, ctx, fs)

			jobCtx := ctx
			if tc.Soft {
				jobCtx = dcontext.WithSoftness(jobCtx)
			}
			jobCtx, cancel := context.WithCancel(jobCtx)
			defer cancel()
			var n int
			cfg := Config{
				afterExtent: func(context.Context, btrfs.ExtentRecord) error {
					n++
					if n == 3 {
						cancel()
					}
					return nil
				},
			}
			err := Relocate(jobCtx, fs, bgStart, cfg)
			assert.ErrorIs(t, err, ErrCanceled)

			// The filesystem is still writable.
			trans, err := fs.StartTransaction(ctx)
			require.NoError(t, err)
			require.NoError(t, trans.End(ctx))

			// Nothing is left of the job but a read-only block
			// group.
			bg, err := fs.LookupBlockGroup(bgStart)
			require.NoError(t, err)
			assert.True(t, bg.ReadOnly)
			for _, id := range fs.Roots() {
				assert.False(t, id.IsRelocTree(), "shadow tree %v left behind", id)
			}
			assert.Empty(t, fs.RelocInodes())
			assert.Nil(t, fs.RelocStatus())
			for _, bg := range fs.BlockGroups() {
				assert.Zero(t, bg.Reserved, "%v", bg.Start)
			}
			assert.NoError(t, fs.Fsck(ctx))
			checkFiles(t, ctx, fs, files)

			// A new job finishes it.
			require.NoError(t, Relocate(ctx, fs, bgStart, Config{}))
			checkRelocated(t, ctx, fs, bgStart)
			checkFiles(t, ctx, fs, files)
		})
	}
}

// interleavedWriter returns an afterExtent hook that writes a new
// file into the subvolume after each of the first n extents, adding
// it to files.
func interleavedWriter(fs *btrfs.FS, files map[fileKey][]byte, n int) func(context.Context, btrfs.ExtentRecord) error {
	ino := btrfsprim.ObjID(1000)
	return func(ctx context.Context, _ btrfs.ExtentRecord) error {
		if ino >= btrfsprim.ObjID(1000+n) {
			return nil
		}
		trans, err := fs.StartTransaction(ctx)
		if err != nil {
			return err
		}
		data := testData(byte(ino), 600)
		if err := fs.WriteFile(ctx, trans, btrfsprim.FS_TREE_OBJECTID, ino, data, 4096); err != nil {
			trans.Abort(ctx, err)
			return err
		}
		files[fileKey{btrfsprim.FS_TREE_OBJECTID, ino}] = data
		ino++
		return trans.Commit(ctx)
	}
}

func TestRelocateInterleavedWriter(t *testing.T) {
	t.Parallel()
	ctx, fs := newTestFS(t, nil)
	files := populate(t, ctx, fs)
	before := len(files)

	cfg := Config{
		afterExtent: interleavedWriter(fs, files, 10),
	}
	require.NoError(t, Relocate(ctx, fs, metaBG, cfg))
	assert.Len(t, files, before+10)
	checkRelocated(t, ctx, fs, metaBG)
	checkFiles(t, ctx, fs, files)
}

func TestRelocateMixedBlockGroup(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, true)
	const mixed = btrfsvol.BLOCK_GROUP_METADATA | btrfsvol.BLOCK_GROUP_DATA
	fs, err := btrfs.Mkfs(ctx, btrfs.NewMemStore(), testFSConfig(),
		mixed,
		btrfsvol.BLOCK_GROUP_METADATA,
		btrfsvol.BLOCK_GROUP_DATA)
	require.NoError(t, err)
	files := populate(t, ctx, fs)

	bg, err := fs.LookupBlockGroup(metaBG)
	require.NoError(t, err)
	require.Equal(t, mixed, bg.Flags)
	require.NotZero(t, sharedLeaves(t, fs))
	before, err := fs.FileExtents(ctx, btrfsprim.FS_TREE_OBJECTID, 257)
	require.NoError(t, err)
	require.NotEmpty(t, before)
	require.True(t, bg.Contains(before[0].DiskByteNr))

	reg := prometheus.NewRegistry()
	require.NoError(t, Relocate(ctx, fs, metaBG, Config{Metrics: reg}))
	checkRelocated(t, ctx, fs, metaBG)
	checkFiles(t, ctx, fs, files)
	assert.NotZero(t, sharedLeaves(t, fs), "the snapshot should still share leaves")

	after, err := fs.FileExtents(ctx, btrfsprim.FS_TREE_OBJECTID, 257)
	require.NoError(t, err)
	snapAfter, err := fs.FileExtents(ctx, snapTree, 257)
	require.NoError(t, err)
	require.Len(t, after, len(before))
	require.Len(t, snapAfter, len(before))
	for i := range after {
		assert.False(t, bg.Contains(after[i].DiskByteNr), "%v", after[i].DiskByteNr)
		assert.Equal(t, after[i].DiskByteNr, snapAfter[i].DiskByteNr)
	}

	m := newMetrics(reg)
	assert.Greater(t, testutil.ToFloat64(m.Extents.WithLabelValues("tree")), 0.0)
	assert.Greater(t, testutil.ToFloat64(m.Extents.WithLabelValues("data")), 0.0)
}

func TestSwapLogBalance(t *testing.T) {
	t.Parallel()
	ctx, fs := newTestFS(t, nil)
	populate(t, ctx, fs)
	bg, err := fs.LookupBlockGroup(metaBG)
	require.NoError(t, err)
	c := newControl(fs, bg, DefaultConfig())

	root, err := fs.LookupRoot(btrfsprim.FS_TREE_OBJECTID)
	require.NoError(t, err)
	node, err := fs.ReadNode(root.ByteNr, btrfstree.NodeExpectations{})
	require.NoError(t, err)
	require.NotZero(t, node.Level)
	a, b := node.BodyInterior[0].BlockPtr, node.BodyInterior[1].BlockPtr

	trans := startTrans(t, ctx, fs)
	assert.NoError(t, c.logSwap(ctx, trans, "test", node.Addr, 0, a, b, func() error { return nil }))
	assert.Zero(t, c.swaps.NetDelta())

	err = c.logSwap(ctx, trans, "test", node.Addr, 0, a, b, func() error {
		return fs.IncRef(ctx, trans, b, btrfsitem.RootRef(btrfsprim.FIRST_RELOC_TREE_OBJECTID))
	})
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.Equal(t, int64(1), c.swaps.NetDelta())
	require.Len(t, c.swaps.records, 2)
	trans.Abort(ctx, err)
}
