// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command btrfs-reloc inspects a filesystem image, including the state
// of any relocation job that it holds.
package main

import (
	"context"
	"os"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/btrfs-reloc/lib/btrfs"
	"git.lukeshu.com/btrfs-reloc/lib/textui"
)

type subcommand struct {
	cobra.Command
	RunE func(*btrfs.FS, *cobra.Command, []string) error
}

var inspectors []subcommand

func main() {
	logLevelFlag := textui.LogLevelFlag{
		Level: dlog.LogLevelInfo,
	}
	var imageFlag string

	argparser := &cobra.Command{
		Use:   "btrfs-reloc {[flags]|SUBCOMMAND}",
		Short: "Inspect a filesystem image and its block-group relocation state",

		Args: cliutil.WrapPositionalArgs(cliutil.OnlySubcommands),
		RunE: cliutil.RunSubcommands,

		SilenceErrors: true, // main() will handle this after .ExecuteContext() returns
		SilenceUsage:  true, // our FlagErrorFunc will handle it

		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	argparser.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	argparser.SetHelpTemplate(cliutil.HelpTemplate)
	argparser.PersistentFlags().Var(&logLevelFlag, "verbosity", "set the verbosity")
	argparser.PersistentFlags().StringVar(&imageFlag, "image", "", "open the filesystem image `image.db`")
	if err := argparser.MarkPersistentFlagFilename("image"); err != nil {
		panic(err)
	}
	if err := argparser.MarkPersistentFlagRequired("image"); err != nil {
		panic(err)
	}

	argparserInspect := &cobra.Command{
		Use:   "inspect {[flags]|SUBCOMMAND}",
		Short: "Inspect (but don't modify) a filesystem image",

		Args: cliutil.WrapPositionalArgs(cliutil.OnlySubcommands),
		RunE: cliutil.RunSubcommands,
	}
	argparser.AddCommand(argparserInspect)

	for _, child := range inspectors {
		cmd := child.Command
		runE := child.RunE
		cmd.RunE = func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := textui.NewLogger(os.Stderr, logLevelFlag.Level)
			ctx = dlog.WithLogger(ctx, logger)
			ctx = dlog.WithField(ctx, "mem", new(textui.LiveMemUse))
			dlog.SetFallbackLogger(logger.WithField("btrfs-reloc.THIS_IS_A_BUG", true))

			grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
				EnableSignalHandling: true,
			})
			grp.Go("main", func(ctx context.Context) (err error) {
				maybeSetErr := func(_err error) {
					if _err != nil && err == nil {
						err = _err
					}
				}
				defer func() {
					maybeSetErr(derror.PanicToError(recover()))
				}()
				store, err := btrfs.OpenBoltStore(imageFlag)
				if err != nil {
					return err
				}
				fs, err := btrfs.Open(ctx, store, btrfs.DefaultConfig())
				if err != nil {
					maybeSetErr(store.Close())
					return err
				}
				defer func() {
					maybeSetErr(fs.Close())
				}()

				cmd.SetContext(ctx)
				return runE(fs, cmd, args)
			})
			return grp.Wait()
		}
		argparserInspect.AddCommand(&cmd)
	}

	if err := argparser.ExecuteContext(context.Background()); err != nil {
		textui.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		os.Exit(1)
	}
}
