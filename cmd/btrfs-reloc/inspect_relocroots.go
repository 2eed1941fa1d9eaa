// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"bufio"
	"os"

	"git.lukeshu.com/go/lowmemjson"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs"
	"git.lukeshu.com/btrfs-reloc/lib/btrfsreloc"
	"git.lukeshu.com/btrfs-reloc/lib/textui"
)

func init() {
	inspectors = append(inspectors, subcommand{
		Command: cobra.Command{
			Use:   "reloc-roots",
			Short: "Show the checkpoint of the last relocation job and any shadow trees",
			Long: "" +
				"Print the persisted relocation checkpoint (if any) as JSON, followed by " +
				"each shadow tree that is still present and the tree it shadows.",
			Args: cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: func(fs *btrfs.FS, _ *cobra.Command, _ []string) (err error) {
			out := bufio.NewWriter(os.Stdout)
			defer func() {
				if _err := out.Flush(); _err != nil && err == nil {
					err = _err
				}
			}()

			cp, ok, err := btrfsreloc.ReadCheckpoint(fs)
			if err != nil {
				return err
			}
			if ok {
				if err := lowmemjson.NewEncoder(out).Encode(cp); err != nil {
					return err
				}
				if _, err := out.WriteString("\n"); err != nil {
					return err
				}
			} else {
				textui.Fprintf(out, "no relocation checkpoint\n")
			}

			for _, treeID := range fs.Roots() {
				if !treeID.IsRelocTree() {
					continue
				}
				root, err := fs.LookupRoot(treeID)
				if err != nil {
					return err
				}
				textui.Fprintf(out, "shadow tree %v of %v: refs=%v drop_progress=%v drop_level=%v\n",
					treeID, root.SourceTree, root.Refs, root.DropProgress, root.DropLevel)
			}
			for _, ino := range fs.RelocInodes() {
				textui.Fprintf(out, "relocation inode %v\n", ino)
			}
			return nil
		},
	})
}
