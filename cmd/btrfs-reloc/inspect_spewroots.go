// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"os"

	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs"
	"git.lukeshu.com/btrfs-reloc/lib/textui"
)

func init() {
	inspectors = append(inspectors, subcommand{
		Command: cobra.Command{
			Use:   "spew-roots",
			Short: "Spew all root items",
			Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: func(fs *btrfs.FS, _ *cobra.Command, _ []string) error {
			spew := spew.NewDefaultConfig()
			spew.DisablePointerAddresses = true

			for _, treeID := range fs.Roots() {
				root, err := fs.LookupRoot(treeID)
				if err != nil {
					return err
				}
				textui.Fprintf(os.Stdout, "tree %v:\n", treeID)
				spew.Dump(root)
			}
			return nil
		},
	})
}
