// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfssum_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfssum"
)

func TestCSumCRC32C(t *testing.T) {
	t.Parallel()
	sum, err := btrfssum.TYPE_CRC32.Sum([]byte("123456789"))
	require.NoError(t, err)
	assert.Equal(t, "839206e3", sum.Fmt(btrfssum.TYPE_CRC32))
	assert.Equal(t, "839206e3"+"00000000000000000000000000000000000000000000000000000000", sum.String())

	_, err = btrfssum.TYPE_SHA256.Sum(nil)
	assert.Error(t, err)
}

func TestCSumText(t *testing.T) {
	t.Parallel()
	in := btrfssum.CSum{0xbd, 0x7b, 0x41, 0xf4}
	text, err := in.MarshalText()
	require.NoError(t, err)
	var out btrfssum.CSum
	require.NoError(t, out.UnmarshalText(text))
	assert.Equal(t, in, out)
}
