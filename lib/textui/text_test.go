// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package textui_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-reloc/lib/textui"
)

func TestFprintf(t *testing.T) {
	t.Parallel()
	var out strings.Builder
	textui.Fprintf(&out, "%d", 12345)
	assert.Equal(t, "12,345", out.String())
}

func TestIEC(t *testing.T) {
	t.Parallel()
	assert.True(t, strings.HasSuffix(fmt.Sprintf("%.1f", textui.IEC(16*1024, "B")), "KiB"))
	assert.True(t, strings.HasSuffix(fmt.Sprint(textui.IEC(btrfsvol.AddrDelta(3*1024*1024), "B")), "MiB"))
	small := fmt.Sprint(textui.IEC(uint64(512), "B"))
	assert.True(t, strings.HasSuffix(small, "B"))
	assert.NotContains(t, small, "Ki")
}

func TestPortion(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "100% (0/0)", fmt.Sprint(textui.Portion[int]{}))
	assert.Equal(t, "0% (1/12,345)", fmt.Sprint(textui.Portion[int]{N: 1, D: 12345}))
	assert.Equal(t, "100% (0/0)", fmt.Sprint(textui.Portion[btrfsvol.AddrDelta]{}))
	assert.Equal(t, "0% (1/12,345)", fmt.Sprint(textui.Portion[btrfsvol.AddrDelta]{N: 1, D: 12345}))
}
