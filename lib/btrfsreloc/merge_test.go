// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsreloc

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfstree"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsvol"
)

// noSpaceFS runs out of metadata space the next few times the
// subvolume is searched with COW.
type noSpaceFS struct {
	*btrfs.FS
	failures int
	chunks   int
}

var _ FS = (*noSpaceFS)(nil)

func (fs *noSpaceFS) SearchSlot(ctx context.Context, t *btrfs.Trans, tree btrfsprim.ObjID, key btrfsprim.Key, lowestLevel uint8, cow bool) (btrfstree.Path, error) {
	if cow && tree == btrfsprim.FS_TREE_OBJECTID && fs.failures > 0 {
		fs.failures--
		return nil, &btrfs.NoSpaceError{
			Flags: btrfsvol.BLOCK_GROUP_METADATA,
			Size:  fs.Config().NodeSize,
		}
	}
	return fs.FS.SearchSlot(ctx, t, tree, key, lowestLevel, cow)
}

func (fs *noSpaceFS) ForceChunkAlloc(ctx context.Context, flags btrfsvol.BlockGroupFlags) error {
	fs.chunks++
	return fs.FS.ForceChunkAlloc(ctx, flags)
}

func TestMergeNoSpace(t *testing.T) {
	t.Parallel()
	ctx, fs := newTestFS(t, nil)
	files := populate(t, ctx, fs)
	nBGs := len(fs.BlockGroups())

	// The writer keeps the subvolume's root moving, so that it is
	// merged pointer by pointer.
	wrapped := &noSpaceFS{FS: fs, failures: 1}
	reg := prometheus.NewRegistry()
	cfg := Config{
		Metrics:     reg,
		afterExtent: interleavedWriter(fs, files, 20),
	}
	require.NoError(t, Relocate(ctx, wrapped, metaBG, cfg))
	assert.Zero(t, wrapped.failures)
	assert.Equal(t, 1, wrapped.chunks)
	assert.Len(t, fs.BlockGroups(), nBGs+1)
	checkRelocated(t, ctx, fs, metaBG)
	checkFiles(t, ctx, fs, files)

	m := newMetrics(reg)
	assert.Greater(t, testutil.ToFloat64(m.Swaps.WithLabelValues("merge")), 0.0)
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.RsvRetries), 1.0)
}

func TestMergeNoSpaceTwice(t *testing.T) {
	t.Parallel()
	ctx, fs := newTestFS(t, nil)
	files := populate(t, ctx, fs)

	// A forced chunk that doesn't help is not forced again.
	wrapped := &noSpaceFS{FS: fs, failures: 2}
	cfg := Config{
		afterExtent: interleavedWriter(fs, files, 20),
	}
	err := Relocate(ctx, wrapped, metaBG, cfg)
	assert.ErrorIs(t, err, btrfs.ErrNoSpace)
	assert.Zero(t, wrapped.failures)
	assert.Equal(t, 1, wrapped.chunks)
}
