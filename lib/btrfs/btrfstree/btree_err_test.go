// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfstree_test

import (
	"errors"
	"fmt"
	iofs "io/fs"
	"testing"

	"github.com/stretchr/testify/assert"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfstree"
)

func TestErrs(t *testing.T) {
	t.Parallel()

	errItem := fmt.Errorf("my item: %w", btrfstree.ErrNoItem)
	errTree := fmt.Errorf("my tree: %w", btrfstree.ErrNoTree)
	errNode := fmt.Errorf("my node: %w", &btrfstree.NodeError{Op: "read", NodeAddr: 0x4000, Err: btrfstree.ErrNoNode})

	type class int
	const (
		isItem class = iota
		isTree
		isNode
		isNotExist
	)
	sentinels := map[class]error{
		isItem:     btrfstree.ErrNoItem,
		isTree:     btrfstree.ErrNoTree,
		isNode:     btrfstree.ErrNoNode,
		isNotExist: iofs.ErrNotExist,
	}
	testcases := map[string]struct {
		err  error
		want class
	}{
		"wrapped-item":  {errItem, isItem},
		"wrapped-tree":  {errTree, isTree},
		"wrapped-node":  {errNode, isNode},
		"sentinel-item": {btrfstree.ErrNoItem, isItem},
		"sentinel-tree": {btrfstree.ErrNoTree, isTree},
		"sentinel-node": {btrfstree.ErrNoNode, isNode},
	}
	for tcName, tc := range testcases {
		tc := tc
		t.Run(tcName, func(t *testing.T) {
			t.Parallel()
			for cls, sentinel := range sentinels {
				want := cls == tc.want || cls == isNotExist
				assert.Equal(t, want, errors.Is(tc.err, sentinel), "errors.Is(%v, %v)", tc.err, sentinel)
			}
		})
	}

	assert.False(t, errors.Is(iofs.ErrNotExist, btrfstree.ErrNoItem))
	assert.False(t, errors.Is(errItem, errTree))
}
