// Copyright (C) 2025-2026  D. Douwsma
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"io"
	"os"

	"git.lukeshu.com/go/lowmemjson"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsalloc"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsbmbt"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsdefer"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsinode"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsprim"
)

// worldDump is the JSON shape emitted by the dump subcommand.
type worldDump struct {
	Geometry xfsprim.Geometry
	Inode    inodeDump
	Free     map[xfsprim.AgNumber][]xfsalloc.AgExtent
	Intents  []xfsdefer.LogEvent
}

type inodeDump struct {
	Ino       xfsprim.Ino
	Format    string
	NExtents  xfsprim.ExtNum
	DelBlks   xfsprim.Filblks
	Extents   []xfsbmbt.Irec
	BtreeRoot *xfsbmbt.Root `json:",omitempty"`
}

func init() {
	cmd := subcommand{
		Command: cobra.Command{
			Use:   "dump [flags] [SCRIPT]",
			Short: "Execute a workload script, then dump the volume state as JSON",
			Args:  cliutil.WrapPositionalArgs(cobra.MaximumNArgs(1)),
		},
		RunE: func(w *world, cmd *cobra.Command, args []string) error {
			if err := runScriptArg(cmd, w, args); err != nil {
				return err
			}
			return writeJSONFile(cmd.OutOrStdout(), dumpWorld(w), lowmemjson.ReEncoderConfig{
				Indent:                "\t",
				ForceTrailingNewlines: true,
				CompactIfUnder:        120, //nolint:gomnd // This is what looks nice.
			})
		},
	}
	subcommands = append(subcommands, cmd)
}

// runScriptArg executes the optional SCRIPT argument (stdin when
// absent), discarding the per-op output.
func runScriptArg(cmd *cobra.Command, w *world, args []string) error {
	src := io.Reader(os.Stdin)
	if len(args) == 1 {
		fh, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer fh.Close()
		src = fh
	}
	return runScript(cmd.Context(), w, src, io.Discard)
}

func dumpWorld(w *world) worldDump {
	fork := w.Inode.Fork(xfsinode.DataFork)
	dump := worldDump{
		Geometry: w.Geo,
		Inode: inodeDump{
			Ino:      w.Inode.Ino,
			Format:   fork.Format.String(),
			NExtents: fork.NExtents,
			DelBlks:  w.Inode.DelBlks,
		},
		Free:    make(map[xfsprim.AgNumber][]xfsalloc.AgExtent),
		Intents: w.Log.Events(),
	}
	if fork.Loaded() {
		dump.Inode.Extents = fork.Extents()
	}
	if fork.Format == xfsinode.FormatBtree {
		dump.Inode.BtreeRoot = &fork.Btree.Root
	}
	for agno := xfsprim.AgNumber(0); agno < w.Geo.AgCount; agno++ {
		dump.Free[agno] = w.Space.AgExtents(agno)
	}
	return dump
}
