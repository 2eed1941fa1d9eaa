// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"bufio"
	"os"

	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs"
	"git.lukeshu.com/btrfs-reloc/lib/textui"
)

func init() {
	inspectors = append(inspectors, subcommand{
		Command: cobra.Command{
			Use:   "dump-trees",
			Short: "Print every item of every tree",
			Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: func(fs *btrfs.FS, cmd *cobra.Command, _ []string) (err error) {
			out := bufio.NewWriter(os.Stdout)
			defer func() {
				if _err := out.Flush(); _err != nil && err == nil {
					err = _err
				}
			}()
			for _, treeID := range fs.Roots() {
				root, err := fs.LookupRoot(treeID)
				if err != nil {
					return err
				}
				textui.Fprintf(out, "tree %v level=%v gen=%v bytenr=%v\n",
					treeID, root.Level, root.Generation, root.ByteNr)
				items, err := fs.TreeItems(cmd.Context(), treeID)
				if err != nil {
					return err
				}
				for i, item := range items {
					textui.Fprintf(out, "\titem %v key %v %v\n", i, item.Key.Format(treeID), item.Body)
				}
			}
			return nil
		},
	})
}
