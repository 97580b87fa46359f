// Copyright (C) 2025-2026  D. Douwsma
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"os"

	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/fmtutil"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/textui"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsbmbt"
	"github.com/ddouwsma/xfsprogs-dev-sub000/lib/xfs/xfsinode"
)

var irecBitNames = []string{"hole", "delalloc", "unwritten"}

// irecBits renders a record's derived attribute bits, xfs_db style.
func irecBits(rec xfsbmbt.Irec) string {
	var bits uint8
	if rec.IsHole() {
		bits |= 1 << 0
	}
	if rec.IsDelayed() {
		bits |= 1 << 1
	}
	if rec.State == xfsbmbt.StateUnwritten {
		bits |= 1 << 2
	}
	return fmtutil.BitfieldString(bits, irecBitNames, fmtutil.HexLower)
}

func init() {
	cmd := subcommand{
		Command: cobra.Command{
			Use:   "spew [flags] [SCRIPT]",
			Short: "Execute a workload script, then spew the in-memory state as parsed",
			Args:  cliutil.WrapPositionalArgs(cobra.MaximumNArgs(1)),
		},
		RunE: func(w *world, cmd *cobra.Command, args []string) error {
			if err := runScriptArg(cmd, w, args); err != nil {
				return err
			}

			spew := spew.NewDefaultConfig()
			spew.DisablePointerAddresses = true

			fork := w.Inode.Fork(xfsinode.DataFork)
			textui.Fprintf(os.Stdout, "inode %v = ", w.Inode.Ino)
			spew.Dump(w.Inode)
			_, _ = os.Stdout.WriteString("\n")
			if fork.Loaded() {
				for _, rec := range fork.Extents() {
					textui.Fprintf(os.Stdout, "%v %v = ", rec, irecBits(rec))
					spew.Dump(rec)
					_, _ = os.Stdout.WriteString("\n")
				}
			}
			for _, ev := range w.Log.Events() {
				spew.Dump(ev)
				_, _ = os.Stdout.WriteString("\n")
			}
			return nil
		},
	}
	subcommands = append(subcommands, cmd)
}
