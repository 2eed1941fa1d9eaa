// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsitem_test

import (
	"bytes"
	"strings"
	"testing"

	"git.lukeshu.com/go/lowmemjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsvol"
)

func TestDecodeByType(t *testing.T) {
	t.Parallel()
	in := &btrfsitem.FileExtent{
		Generation:   7,
		Type:         btrfsitem.FILE_EXTENT_REG,
		DiskByteNr:   0x100000,
		DiskNumBytes: 0x2000,
		NumBytes:     0x2000,
	}
	var buf bytes.Buffer
	require.NoError(t, lowmemjson.NewEncoder(&buf).Encode(in))

	out, err := btrfsitem.DecodeJSON(btrfsprim.EXTENT_DATA_KEY, strings.NewReader(buf.String()))
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = btrfsitem.New(btrfsprim.SHARED_DATA_REF_KEY)
	assert.Error(t, err)
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()
	orig := &btrfsitem.Extent{
		Refs:     2,
		Flags:    btrfsitem.EXTENT_FLAG_TREE_BLOCK,
		Backrefs: []btrfsitem.ExtentBackref{btrfsitem.RootRef(5), btrfsitem.ParentRef(0x4000)},
	}
	clone := orig.CloneItem().(*btrfsitem.Extent)
	clone.Backrefs[0].Count = 9
	assert.Equal(t, int32(1), orig.Backrefs[0].Count)

	opaque := &btrfsitem.Opaque{Data: []byte("abc")}
	opaqueClone := opaque.CloneItem().(*btrfsitem.Opaque)
	opaqueClone.Data[0] = 'x'
	assert.Equal(t, "abc", string(opaque.Data))
}

func TestBackrefType(t *testing.T) {
	t.Parallel()
	tree := btrfsitem.EXTENT_FLAG_TREE_BLOCK
	data := btrfsitem.EXTENT_FLAG_DATA
	assert.Equal(t, btrfsprim.TREE_BLOCK_REF_KEY, btrfsitem.RootRef(5).Type(tree))
	assert.Equal(t, btrfsprim.SHARED_BLOCK_REF_KEY, btrfsitem.ParentRef(0x4000).Type(tree))
	assert.Equal(t, btrfsprim.EXTENT_DATA_REF_KEY, btrfsitem.RootRef(5).Type(data))
	assert.Equal(t, btrfsprim.SHARED_DATA_REF_KEY, btrfsitem.ParentRef(0x4000).Type(data))

	assert.True(t, btrfsitem.ParentRef(0x4000).Same(btrfsitem.ExtentBackref{Parent: 0x4000, Count: 3}))
	assert.False(t, btrfsitem.ParentRef(0x4000).Same(btrfsitem.RootRef(5)))
	assert.Equal(t, "parent=0x0000000000004000 count=1", btrfsitem.ParentRef(btrfsvol.LogicalAddr(0x4000)).String())
}
