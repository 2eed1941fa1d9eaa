// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs"
	"git.lukeshu.com/btrfs-reloc/lib/textui"
)

func init() {
	inspectors = append(inspectors, subcommand{
		Command: cobra.Command{
			Use:   "block-groups",
			Short: "List the block groups and how full they are",
			Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: func(fs *btrfs.FS, _ *cobra.Command, _ []string) error {
			table := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintf(table, "START\tLENGTH\tFLAGS\tUSED\tRO\n")
			for _, bg := range fs.BlockGroups() {
				textui.Fprintf(table, "%v\t%v\t%v\t%v\t%v\n",
					bg.Start,
					textui.IEC(bg.Length, "B"),
					bg.Flags,
					textui.Portion[int64]{N: int64(bg.Used), D: int64(bg.Length)},
					bg.ReadOnly)
			}
			return table.Flush()
		},
	})
}
