// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs"
	"git.lukeshu.com/btrfs-reloc/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-reloc/lib/textui"
)

func init() {
	inspectors = append(inspectors, subcommand{
		Command: cobra.Command{
			Use:   "backrefs ADDR",
			Short: "Show an extent and who refers to it",
			Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),
		},
		RunE: func(fs *btrfs.FS, _ *cobra.Command, args []string) error {
			n, err := strconv.ParseUint(args[0], 0, 64)
			if err != nil {
				return fmt.Errorf("invalid address %q: %w", args[0], err)
			}
			addr := btrfsvol.LogicalAddr(n)
			ext, err := fs.LookupExtent(addr)
			if err != nil {
				return err
			}
			textui.Fprintf(os.Stdout, "extent %v size=%v refs=%v gen=%v flags=%v owner=%v\n",
				ext.Addr, textui.IEC(ext.Size, "B"), ext.Refs, ext.Generation, ext.Flags, ext.Owner)
			refs, err := fs.FindParents(addr)
			if err != nil {
				return err
			}
			for _, ref := range refs {
				switch {
				case ref.Parent != 0:
					textui.Fprintf(os.Stdout, "\tparent block %v count=%v\n", ref.Parent, ref.Count)
				default:
					textui.Fprintf(os.Stdout, "\troot of tree %v count=%v\n", ref.Root, ref.Count)
				}
			}
			return nil
		},
	})
}
