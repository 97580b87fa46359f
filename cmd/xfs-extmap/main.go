// Copyright (C) 2025-2026  D. Douwsma
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command xfs-extmap runs extent-map workloads against a scratch
// volume, for eyeballing how the engine maps, merges, splits, and
// frees extents.
package main

import (
	"context"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/diskio"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/textui"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsalloc"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsbmap"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsbuf"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsdefer"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsinode"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsprim"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfstxn"
)

// world is one scratch volume plus the engine wired over it.
type world struct {
	Geo    xfsprim.Geometry
	Mgr    *xfstxn.Manager
	Space  *xfsalloc.MemSpaceManager
	Alloc  *xfsalloc.Allocator
	Buf    *xfsbuf.Cache
	Engine *xfsbmap.Engine
	Log    *xfsdefer.MemLog
	Inode  *xfsinode.Inode

	dev diskio.File[int64]
}

type subcommand struct {
	cobra.Command
	RunE func(*world, *cobra.Command, []string) error
}

var subcommands []subcommand

func main() {
	logLevelFlag := textui.LogLevelFlag{
		Level: dlog.LogLevelInfo,
	}
	var imageFlag string
	var blockSizeFlag uint32
	var agCountFlag uint32
	var agBlocksFlag int64
	var forkCapFlag int
	var stripeFlag int64

	argparser := &cobra.Command{
		Use:   "xfs-extmap {[flags]|SUBCOMMAND}",
		Short: "Run extent-map workloads against a scratch volume",

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
	argparser.PersistentFlags().StringVar(&imageFlag, "image", "", "back the volume with `file` instead of memory")
	if err := argparser.MarkPersistentFlagFilename("image"); err != nil {
		panic(err)
	}
	argparser.PersistentFlags().Uint32Var(&blockSizeFlag, "block-size", 4096, "volume block size in bytes")
	argparser.PersistentFlags().Uint32Var(&agCountFlag, "ag-count", 4, "number of allocation groups")
	argparser.PersistentFlags().Int64Var(&agBlocksFlag, "ag-blocks", 4096, "blocks per allocation group")
	argparser.PersistentFlags().IntVar(&forkCapFlag, "fork-capacity", 96, "inode literal area size in bytes")
	argparser.PersistentFlags().Int64Var(&stripeFlag, "stripe-unit", 0, "stripe alignment in blocks (0: unstriped)")

	for i := range subcommands {
		child := subcommands[i]
		cmd := child.Command
		runE := child.RunE
		cmd.RunE = func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := textui.NewLogger(os.Stderr, logLevelFlag.Level)
			ctx = dlog.WithLogger(ctx, logger)
			ctx = dlog.WithField(ctx, "mem", new(textui.LiveMemUse))
			dlog.SetFallbackLogger(logger.WithField("xfs-extmap.THIS_IS_A_BUG", true))

			grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
				EnableSignalHandling: true,
			})
			grp.Go("main", func(ctx context.Context) (err error) {
				maybeSetErr := func(_err error) {
					if _err != nil && err == nil {
						err = _err
					}
				}
				geo, err := xfsprim.NewGeometry(blockSizeFlag,
					xfsprim.AgNumber(agCountFlag), xfsprim.Filblks(agBlocksFlag),
					forkCapFlag, xfsprim.Filblks(stripeFlag))
				if err != nil {
					return err
				}
				w, err := openWorld(ctx, geo, imageFlag)
				if err != nil {
					return err
				}
				defer func() {
					maybeSetErr(w.Buf.Flush(ctx))
					maybeSetErr(w.dev.Close())
				}()

				cmd.SetContext(ctx)
				return runE(w, cmd, args)
			})
			return grp.Wait()
		}
		argparser.AddCommand(&cmd)
	}

	if err := argparser.ExecuteContext(context.Background()); err != nil {
		textui.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		os.Exit(1)
	}
}

func openWorld(ctx context.Context, geo xfsprim.Geometry, image string) (*world, error) {
	devSize := int64(geo.AgCount) * int64(geo.AgBlocks) * int64(geo.BlockSize)
	var dev diskio.File[int64]
	if image == "" {
		dev = diskio.NewMemFile[int64]("scratch", devSize)
	} else {
		fh, err := os.OpenFile(image, os.O_RDWR|os.O_CREATE, 0o666)
		if err != nil {
			return nil, err
		}
		if err := fh.Truncate(devSize); err != nil {
			_ = fh.Close()
			return nil, err
		}
		dev = &diskio.OSFile[int64]{File: fh}
	}

	w := &world{
		Geo:   geo,
		Space: xfsalloc.NewMemSpaceManager(geo),
		Log:   new(xfsdefer.MemLog),
		Inode: xfsinode.NewInode(128),
		dev:   dev,
	}
	w.Mgr = xfstxn.NewManager(xfsprim.Filblks(geo.AgCount) * geo.AgBlocks)
	w.Mgr.Intents = w.Log
	w.Alloc = xfsalloc.NewAllocator(geo, w.Space)
	w.Buf = xfsbuf.NewCache(ctx, geo, dev, xfsbuf.DefaultCacheSize)
	w.Engine = &xfsbmap.Engine{
		Geo:   geo,
		Buf:   w.Buf,
		Alloc: w.Alloc,
		Defer: &xfsdefer.Deferred{Alloc: w.Alloc},
		Txns:  w.Mgr,
	}
	return w, nil
}
